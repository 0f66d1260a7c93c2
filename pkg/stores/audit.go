package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/liveprobe/liveprobe/pkg/telemetry"
)

// auditWriteTimeout bounds a single audit insert.
const auditWriteTimeout = 5 * time.Second

// AuditSubscriber returns a telemetry subscriber that appends every event to
// the store's audit log. Write failures are logged and dropped.
func AuditSubscriber(store Store, logger zerolog.Logger) telemetry.EventSubscriber {
	logger = logger.With().Str("component", "audit").Logger()
	return func(event telemetry.Event) {
		entry := AuditEntryFromEvent(event)
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		defer cancel()
		if err := store.CreateAuditEntry(ctx, entry); err != nil {
			logger.Warn().Err(err).Str("event_type", event.Type).Msg("failed to write audit entry")
		}
	}
}

// AuditEntryFromEvent converts a telemetry event to an audit entry.
func AuditEntryFromEvent(event telemetry.Event) *AuditEntry {
	entry := &AuditEntry{
		Action:    event.Type,
		Actor:     event.Actor,
		Timestamp: event.Timestamp,
	}
	if entry.Actor == "" {
		entry.Actor = event.Source
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if event.InstrumentID != "" {
		id := event.InstrumentID
		entry.InstrumentID = &id
	}
	if event.ProbeID != "" {
		id := event.ProbeID
		entry.ProbeID = &id
	}

	details := map[string]interface{}{"message": event.Message, "level": event.Level}
	for k, v := range event.Data {
		details[k] = v
	}
	if b, err := json.Marshal(details); err == nil {
		s := string(b)
		entry.Details = &s
	}
	return entry
}
