package commands

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveprobe/liveprobe/pkg/condition"
	"github.com/liveprobe/liveprobe/pkg/instrument"
	"github.com/liveprobe/liveprobe/pkg/protocol"
	"github.com/liveprobe/liveprobe/pkg/subscription"
)

type recordedHit struct {
	loc  instrument.Location
	snap *condition.Snapshot
}

type hitRecorder struct {
	hits []recordedHit
}

func (r *hitRecorder) HitLocation(_ context.Context, loc instrument.Location, snap *condition.Snapshot) (condition.Outcome, error) {
	r.hits = append(r.hits, recordedHit{loc: loc, snap: snap})
	if loc.Source == "Missing" {
		return condition.ConditionFalse, instrument.NewNotFoundError(loc.Key())
	}
	return condition.Fire, nil
}

func TestParseHitLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		loc     instrument.Location
		locals  map[string]any
		wantErr bool
	}{
		{name: "line only", line: "FileA:10", loc: instrument.Location{Source: "FileA", Line: 10}},
		{
			name:   "with locals",
			line:   `FileA:10 {"x": 10, "name": "bob"}`,
			loc:    instrument.Location{Source: "FileA", Line: 10},
			locals: map[string]any{"x": float64(10), "name": "bob"},
		},
		{name: "symbol", line: "pkg/file.go#Handle", loc: instrument.Location{Source: "pkg/file.go", Symbol: "Handle"}},
		{name: "bad location", line: "FileA", wantErr: true},
		{name: "bad locals", line: "FileA:10 {x}", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc, snap, err := parseHitLine(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.loc, loc)
			assert.Equal(t, "main", snap.Thread)
			if tt.locals != nil {
				assert.Equal(t, tt.locals, snap.Locals)
			}
		})
	}
}

func TestFeedHitsSkipsBlankAndMalformedLines(t *testing.T) {
	in := strings.NewReader(strings.Join([]string{
		"# comment",
		"",
		`FileA:10 {"x": 3}`,
		"garbage",
		"Missing:1",
		`FileB:2 {"y": true}`,
	}, "\n"))

	rec := &hitRecorder{}
	require.NoError(t, feedHits(context.Background(), rec, in))
	require.Len(t, rec.hits, 3)
	assert.Equal(t, "FileA", rec.hits[0].loc.Source)
	assert.Equal(t, float64(3), rec.hits[0].snap.Locals["x"])
	assert.Equal(t, "FileB", rec.hits[2].loc.Source)
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCommand("1.2.3", "abc123", "2026-01-01")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "liveprobe 1.2.3")
	assert.Contains(t, out.String(), "abc123")
}

func TestRootCommandHasSubcommands(t *testing.T) {
	cmd := newRootCommand("dev", "unknown", "unknown")
	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "agent", "subscribe", "migrate", "token", "version"} {
		assert.True(t, names[want], want)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStreamEnvelopesWritesJSONLines(t *testing.T) {
	router := subscription.NewRouter(subscription.DefaultConfig(), zerolog.Nop(), nil)
	srv := httptest.NewServer(subscription.NewHandler(router, zerolog.Nop()))
	defer srv.Close()

	target, err := subscribeURL("ws"+strings.TrimPrefix(srv.URL, "http")+"/", []string{instrument.KeyAllInstruments}, "", 0)
	require.NoError(t, err)
	ws, _, err := websocket.DefaultDialer.Dial(target, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- streamEnvelopes(ctx, ws, out) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), subscription.EnvelopeSubscribed)
	}, 5*time.Second, 10*time.Millisecond)

	router.Publish(instrument.KeyAllInstruments, &instrument.Event{
		ID:           "ev-1",
		Type:         instrument.EventBreakpointAdded,
		InstrumentID: "bp-1",
	})
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "ev-1")
	}, 5*time.Second, 10*time.Millisecond)

	dec := protocol.NewDecoder(strings.NewReader(out.String()))
	f, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, subscription.EnvelopeSubscribed, f.Address)
	f, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, subscription.EnvelopeEvent, f.Address)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop")
	}
}

func TestSubscribeURL(t *testing.T) {
	u, err := subscribeURL("ws://localhost:8080/subscribe", nil, "FileA", 10)
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/subscribe?line=10&source=FileA", u)

	_, err = subscribeURL("ws://localhost:8080/subscribe", nil, "", 0)
	assert.Error(t, err)
}
