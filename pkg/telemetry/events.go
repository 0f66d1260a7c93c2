package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is an audit event emitted by the control plane.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies the emitting component.
	Source string `json:"source"`

	// InstrumentID is the affected instrument, if any.
	InstrumentID string `json:"instrument_id,omitempty"`

	// ProbeID is the remote involved, if any.
	ProbeID string `json:"probe_id,omitempty"`

	// Actor is the authenticated subject that caused the event.
	Actor string `json:"actor,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for audit events.
const (
	EventTypeInstrumentAdded    = "instrument.added"
	EventTypeInstrumentApplied  = "instrument.applied"
	EventTypeInstrumentRemoved  = "instrument.removed"
	EventTypeInstrumentRejected = "instrument.rejected"
	EventTypeConditionFailed    = "instrument.condition_failed"
	EventTypeProbeConnected     = "probe.connected"
	EventTypeProbeDisconnected  = "probe.disconnected"
	EventTypePolicyReloaded     = "policy.reloaded"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
// Subscribers are called sequentially in publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishInstrumentAdded publishes an instrument added event.
func (ep *EventPublisher) PublishInstrumentAdded(instrumentID, kind, location, actor string) error {
	return ep.Publish(Event{
		Type:         EventTypeInstrumentAdded,
		Source:       "registry",
		InstrumentID: instrumentID,
		Actor:        actor,
		Message:      fmt.Sprintf("%s %s added at %s", kind, instrumentID, location),
		Level:        EventLevelInfo,
		Data: map[string]interface{}{
			"kind":     kind,
			"location": location,
		},
	})
}

// PublishInstrumentApplied publishes an instrument applied event.
func (ep *EventPublisher) PublishInstrumentApplied(instrumentID, probeID string) error {
	return ep.Publish(Event{
		Type:         EventTypeInstrumentApplied,
		Source:       "registry",
		InstrumentID: instrumentID,
		ProbeID:      probeID,
		Message:      fmt.Sprintf("Instrument %s applied by %s", instrumentID, probeID),
		Level:        EventLevelInfo,
	})
}

// PublishInstrumentRemoved publishes an instrument removed event.
func (ep *EventPublisher) PublishInstrumentRemoved(instrumentID, cause, actor string) error {
	return ep.Publish(Event{
		Type:         EventTypeInstrumentRemoved,
		Source:       "registry",
		InstrumentID: instrumentID,
		Actor:        actor,
		Message:      fmt.Sprintf("Instrument %s removed (%s)", instrumentID, cause),
		Level:        EventLevelInfo,
		Data: map[string]interface{}{
			"cause": cause,
		},
	})
}

// PublishInstrumentRejected publishes a rejected submission.
func (ep *EventPublisher) PublishInstrumentRejected(location, code, actor, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeInstrumentRejected,
		Source:  "registry",
		Actor:   actor,
		Message: fmt.Sprintf("Submission at %s rejected: %s", location, reason),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"location": location,
			"code":     code,
		},
	})
}

// PublishConditionFailed publishes a condition evaluation failure reported by a remote.
func (ep *EventPublisher) PublishConditionFailed(instrumentID, probeID, reason string) error {
	return ep.Publish(Event{
		Type:         EventTypeConditionFailed,
		Source:       "registry",
		InstrumentID: instrumentID,
		ProbeID:      probeID,
		Message:      fmt.Sprintf("Condition of %s failed on %s: %s", instrumentID, probeID, reason),
		Level:        EventLevelWarning,
	})
}

// PublishProbeConnected publishes a remote connection event.
func (ep *EventPublisher) PublishProbeConnected(probeID, connectionID string) error {
	return ep.Publish(Event{
		Type:    EventTypeProbeConnected,
		Source:  "bridge",
		ProbeID: probeID,
		Message: fmt.Sprintf("Probe %s connected", probeID),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"connection_id": connectionID,
		},
	})
}

// PublishProbeDisconnected publishes a remote disconnection event.
func (ep *EventPublisher) PublishProbeDisconnected(probeID, connectionID string) error {
	return ep.Publish(Event{
		Type:    EventTypeProbeDisconnected,
		Source:  "bridge",
		ProbeID: probeID,
		Message: fmt.Sprintf("Probe %s disconnected", probeID),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"connection_id": connectionID,
		},
	})
}

// PublishPolicyReloaded publishes a policy reload event.
func (ep *EventPublisher) PublishPolicyReloaded(modules int) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyReloaded,
		Source:  "policy",
		Message: fmt.Sprintf("Reloaded %d policy modules", modules),
		Level:   EventLevelInfo,
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents drains the buffer until shutdown, then flushes what is left.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all matching subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}
