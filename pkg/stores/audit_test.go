package stores

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveprobe/liveprobe/pkg/telemetry"
)

func TestAuditSubscriberRecordsEvents(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	require.NoError(t, err)
	events.Subscribe(AuditSubscriber(store, zerolog.Nop()), nil)

	require.NoError(t, events.PublishInstrumentAdded("bp-1", "breakpoint", "FileA:10", "alice"))
	require.NoError(t, events.PublishProbeConnected("probe-1", "conn-1"))

	all, err := store.ListAuditEntries(ctx, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)

	id := "bp-1"
	forInst, err := store.ListAuditEntries(ctx, &id, 0, 0)
	require.NoError(t, err)
	require.Len(t, forInst, 1)

	added := forInst[0]
	assert.Equal(t, telemetry.EventTypeInstrumentAdded, added.Action)
	assert.Equal(t, "alice", added.Actor)
	require.NotNil(t, added.Details)

	var details map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(*added.Details), &details))
	assert.Equal(t, "FileA:10", details["location"])
	assert.Equal(t, "info", details["level"])
}

func TestAuditEntryFromEventDefaults(t *testing.T) {
	entry := AuditEntryFromEvent(telemetry.Event{
		Type:    telemetry.EventTypeProbeDisconnected,
		Source:  "bridge",
		ProbeID: "probe-1",
	})
	assert.Equal(t, "bridge", entry.Actor)
	assert.False(t, entry.Timestamp.IsZero())
	assert.Nil(t, entry.InstrumentID)
	require.NotNil(t, entry.ProbeID)
	assert.Equal(t, "probe-1", *entry.ProbeID)
}
