package instrument

import (
	"time"
)

// EventType names a lifecycle or hit event delivered to subscribers.
type EventType string

const (
	EventBreakpointAdded   EventType = "breakpoint_added"
	EventBreakpointApplied EventType = "breakpoint_applied"
	EventBreakpointRemoved EventType = "breakpoint_removed"
	EventBreakpointHit     EventType = "breakpoint_hit"
	EventLogAdded          EventType = "log_added"
	EventLogApplied        EventType = "log_applied"
	EventLogRemoved        EventType = "log_removed"
	EventLogHit            EventType = "log_hit"
	EventMeterAdded        EventType = "meter_added"
	EventMeterApplied      EventType = "meter_applied"
	EventMeterRemoved      EventType = "meter_removed"
	EventMeterHit          EventType = "meter_hit"
	EventBreakpointError   EventType = "breakpoint_error"
	EventLogError          EventType = "log_error"
	EventMeterError        EventType = "meter_error"
)

// Action is the lifecycle step an event reports.
type Action string

const (
	ActionAdded   Action = "added"
	ActionApplied Action = "applied"
	ActionRemoved Action = "removed"
	ActionHit     Action = "hit"
	ActionError   Action = "error"
)

// EventTypeFor returns the event type for an action on an instrument kind.
func EventTypeFor(kind Kind, action Action) EventType {
	return EventType(string(kind) + "_" + string(action))
}

// RemovalCause explains why an instrument stopped.
type RemovalCause string

const (
	CauseExplicit RemovalCause = "explicit"
	CauseExpired  RemovalCause = "expired"
	CauseHitLimit RemovalCause = "hit_limit"
)

// Event is a lifecycle change or hit routed to subscribers.
type Event struct {
	ID           string       `json:"id"`
	Type         EventType    `json:"type"`
	InstrumentID string       `json:"instrument_id"`
	Kind         Kind         `json:"kind"`
	Location     Location     `json:"location"`
	OccurredAt   time.Time    `json:"occurred_at"`
	Cause        RemovalCause `json:"cause,omitempty"`
	Error        string       `json:"error,omitempty"`
	Instrument   *Instrument  `json:"instrument,omitempty"`
	Hit          *Hit         `json:"hit,omitempty"`
}

// Entity keys used to route events to subscriptions.
const (
	// KeyAllInstruments receives every lifecycle event.
	KeyAllInstruments = "instruments"
)

// InstrumentKey is the routing key for events about one instrument.
func InstrumentKey(id string) string {
	return "instrument:" + id
}

// LocationKey is the routing key for events at one location.
func LocationKey(loc Location) string {
	return "location:" + loc.Key()
}

// RoutingKeys returns every entity key an event should be published under.
func (e *Event) RoutingKeys() []string {
	keys := []string{InstrumentKey(e.InstrumentID), LocationKey(e.Location)}
	if e.Hit == nil {
		keys = append(keys, KeyAllInstruments)
	}
	return keys
}
