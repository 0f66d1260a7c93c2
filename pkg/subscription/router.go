// Package subscription routes instrument events to the subscribers that
// asked for them. Subscriptions are indexed by entity key; a subscriber that
// cannot keep up has events parked in a bounded waiting buffer instead of
// blocking the publisher.
package subscription

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/liveprobe/liveprobe/pkg/instrument"
	"github.com/liveprobe/liveprobe/pkg/telemetry"
)

// ErrBackpressure is returned by Subscriber.Deliver when the subscriber's
// queue is full. Any other error means the subscriber is gone.
var ErrBackpressure = errors.New("subscriber is backpressured")

// Subscriber is the send side of a subscriber connection.
type Subscriber interface {
	// ConnectionID identifies the connection that owns the subscriptions.
	ConnectionID() string
	// Deliver hands ev to the connection without blocking.
	Deliver(subscriptionID string, ev *instrument.Event) error
}

// ViewConfig describes how a subscriber presents the events it receives.
// The router carries it without interpreting it.
type ViewConfig struct {
	ViewName    string   `json:"view_name,omitempty"`
	ViewMetrics []string `json:"view_metrics,omitempty"`
}

// Subscription is a registered interest in one or more entity keys.
type Subscription struct {
	ID           string               `json:"id"`
	EntityKeys   []string             `json:"entity_keys"`
	View         ViewConfig           `json:"view"`
	Location     *instrument.Location `json:"location,omitempty"`
	ConnectionID string               `json:"connection_id"`
	CreatedAt    time.Time            `json:"created_at"`
	LastActivity time.Time            `json:"last_activity"`
	Waiting      int                  `json:"waiting"`
	Dropped      int64                `json:"dropped"`
}

// Config configures the router.
type Config struct {
	// WaitingBufferSize bounds the events parked per subscription. When it
	// is full the oldest event is dropped.
	WaitingBufferSize int           `yaml:"waiting_buffer_size" validate:"gte=0"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	// QueueSize is the per-connection send queue of websocket subscribers.
	QueueSize int `yaml:"queue_size" validate:"gte=0"`
}

// DefaultConfig returns the router defaults.
func DefaultConfig() Config {
	return Config{
		WaitingBufferSize: 1000,
		IdleTimeout:       10 * time.Minute,
		FlushInterval:     100 * time.Millisecond,
		SweepInterval:     time.Minute,
		QueueSize:         64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WaitingBufferSize <= 0 {
		c.WaitingBufferSize = d.WaitingBufferSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}

type entry struct {
	sub        Subscription
	subscriber Subscriber

	mu           sync.Mutex
	waiting      []*instrument.Event
	dropped      int64
	lastActivity time.Time
	removed      bool
}

// Router indexes subscriptions by entity key and connection.
type Router struct {
	cfg     Config
	now     func() time.Time
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	mu     sync.RWMutex
	subs   map[string]*entry
	byKey  map[string]map[string]*entry
	byConn map[string]map[string]*entry
}

// NewRouter creates a router.
func NewRouter(cfg Config, logger zerolog.Logger, metrics *telemetry.Metrics) *Router {
	return &Router{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		logger:  logger.With().Str("component", "subscription-router").Logger(),
		metrics: metrics,
		subs:    make(map[string]*entry),
		byKey:   make(map[string]map[string]*entry),
		byConn:  make(map[string]map[string]*entry),
	}
}

// Config returns the router's effective configuration.
func (r *Router) Config() Config {
	return r.cfg
}

// Subscribe registers s for events under keys. A non-nil location adds its
// location key and restricts delivery to events at that location.
func (r *Router) Subscribe(keys []string, view ViewConfig, loc *instrument.Location, s Subscriber) (string, error) {
	if s == nil {
		return "", instrument.NewValidationError("subscriber is required", nil)
	}
	set := make(map[string]struct{}, len(keys)+1)
	for _, k := range keys {
		if k != "" {
			set[k] = struct{}{}
		}
	}
	if loc != nil {
		if loc.IsZero() {
			return "", instrument.NewValidationError("subscription location is empty", nil)
		}
		set[instrument.LocationKey(*loc)] = struct{}{}
	}
	if len(set) == 0 {
		return "", instrument.NewValidationError("subscription requires at least one entity key", nil)
	}

	now := r.now()
	e := &entry{
		sub: Subscription{
			ID:           uuid.New().String(),
			EntityKeys:   sortedSet(set),
			View:         view,
			ConnectionID: s.ConnectionID(),
			CreatedAt:    now,
		},
		subscriber:   s,
		lastActivity: now,
	}
	if loc != nil {
		l := *loc
		e.sub.Location = &l
	}

	r.mu.Lock()
	r.subs[e.sub.ID] = e
	for _, k := range e.sub.EntityKeys {
		index(r.byKey, k, e)
	}
	index(r.byConn, e.sub.ConnectionID, e)
	n := len(r.subs)
	r.mu.Unlock()

	r.metrics.SetSubscriptions(n)
	r.logger.Debug().
		Str("subscription_id", e.sub.ID).
		Strs("keys", e.sub.EntityKeys).
		Str("connection_id", e.sub.ConnectionID).
		Msg("subscribed")
	return e.sub.ID, nil
}

// Unsubscribe removes a subscription from every index. Unknown ids are ignored.
func (r *Router) Unsubscribe(id string) bool {
	r.mu.Lock()
	e, ok := r.subs[id]
	if ok {
		r.unindex(e)
	}
	n := len(r.subs)
	r.mu.Unlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	e.removed = true
	e.waiting = nil
	e.mu.Unlock()

	r.metrics.SetSubscriptions(n)
	r.logger.Debug().Str("subscription_id", id).Msg("unsubscribed")
	return true
}

// RemoveConnection drops every subscription owned by a connection.
func (r *Router) RemoveConnection(connectionID string) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byConn[connectionID]))
	for id := range r.byConn[connectionID] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Unsubscribe(id)
	}
	return len(ids)
}

// unindex must be called with r.mu held.
func (r *Router) unindex(e *entry) {
	delete(r.subs, e.sub.ID)
	for _, k := range e.sub.EntityKeys {
		unindex(r.byKey, k, e.sub.ID)
	}
	unindex(r.byConn, e.sub.ConnectionID, e.sub.ID)
}

// Publish delivers ev to every subscription indexed under key.
func (r *Router) Publish(key string, ev *instrument.Event) int {
	return r.publish([]string{key}, ev)
}

// PublishEvent delivers ev under all of its routing keys. A subscription
// matching several keys receives the event once.
func (r *Router) PublishEvent(ev *instrument.Event) int {
	return r.publish(ev.RoutingKeys(), ev)
}

func (r *Router) publish(keys []string, ev *instrument.Event) int {
	r.mu.RLock()
	var targets []*entry
	seen := make(map[string]struct{})
	for _, k := range keys {
		for id, e := range r.byKey[k] {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			targets = append(targets, e)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, e := range targets {
		if e.sub.Location != nil && e.sub.Location.Key() != ev.Location.Key() {
			continue
		}
		if r.deliver(e, ev) {
			delivered++
		}
	}
	return delivered
}

// deliver sends ev or parks it behind already waiting events so that each
// subscription sees events in publish order.
func (r *Router) deliver(e *entry, ev *instrument.Event) bool {
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return false
	}
	if len(e.waiting) > 0 {
		r.park(e, ev)
		e.mu.Unlock()
		return true
	}

	err := e.subscriber.Deliver(e.sub.ID, ev)
	switch {
	case err == nil:
		e.lastActivity = r.now()
		e.mu.Unlock()
		r.metrics.RecordSubscriptionEvent("delivered")
		return true
	case errors.Is(err, ErrBackpressure):
		r.park(e, ev)
		e.mu.Unlock()
		return true
	default:
		e.mu.Unlock()
		r.metrics.RecordSubscriptionEvent("failed")
		r.logger.Debug().Err(err).Str("subscription_id", e.sub.ID).Msg("subscriber gone")
		r.Unsubscribe(e.sub.ID)
		return false
	}
}

// park must be called with e.mu held.
func (r *Router) park(e *entry, ev *instrument.Event) {
	if len(e.waiting) >= r.cfg.WaitingBufferSize {
		e.waiting[0] = nil
		e.waiting = e.waiting[1:]
		e.dropped++
		r.metrics.RecordSubscriptionEvent("dropped")
	}
	e.waiting = append(e.waiting, ev)
	r.metrics.RecordSubscriptionEvent("buffered")
}

// Flush retries waiting events for every backpressured subscription and
// returns how many were delivered.
func (r *Router) Flush() int {
	delivered := 0
	for _, e := range r.entries() {
		n, gone := r.flush(e)
		delivered += n
		if gone {
			r.Unsubscribe(e.sub.ID)
		}
	}
	return delivered
}

func (r *Router) flush(e *entry) (delivered int, gone bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.waiting) > 0 && !e.removed {
		err := e.subscriber.Deliver(e.sub.ID, e.waiting[0])
		if errors.Is(err, ErrBackpressure) {
			return delivered, false
		}
		if err != nil {
			return delivered, true
		}
		e.waiting[0] = nil
		e.waiting = e.waiting[1:]
		delivered++
		r.metrics.RecordSubscriptionEvent("delivered")
	}
	e.waiting = nil
	return delivered, false
}

// Touch records subscriber activity on a subscription.
func (r *Router) Touch(id string) bool {
	r.mu.RLock()
	e, ok := r.subs[id]
	r.mu.RUnlock()
	if ok {
		e.mu.Lock()
		e.lastActivity = r.now()
		e.mu.Unlock()
	}
	return ok
}

// TouchConnection records activity on every subscription of a connection.
func (r *Router) TouchConnection(connectionID string) {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.byConn[connectionID]))
	for _, e := range r.byConn[connectionID] {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	now := r.now()
	for _, e := range entries {
		e.mu.Lock()
		e.lastActivity = now
		e.mu.Unlock()
	}
}

// SweepIdle removes subscriptions without activity for longer than the
// idle timeout.
func (r *Router) SweepIdle() int {
	cutoff := r.now().Add(-r.cfg.IdleTimeout)
	removed := 0
	for _, e := range r.entries() {
		e.mu.Lock()
		idle := e.lastActivity.Before(cutoff)
		e.mu.Unlock()
		if idle && r.Unsubscribe(e.sub.ID) {
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info().Int("removed", removed).Msg("expired idle subscriptions")
	}
	return removed
}

// Run flushes waiting events and sweeps idle subscriptions until ctx is done.
func (r *Router) Run(ctx context.Context) {
	flush := time.NewTicker(r.cfg.FlushInterval)
	defer flush.Stop()
	sweep := time.NewTicker(r.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-flush.C:
			r.Flush()
		case <-sweep.C:
			r.SweepIdle()
		}
	}
}

// Get returns a snapshot of a subscription.
func (r *Router) Get(id string) (Subscription, bool) {
	r.mu.RLock()
	e, ok := r.subs[id]
	r.mu.RUnlock()
	if !ok {
		return Subscription{}, false
	}
	return e.snapshot(), true
}

// List returns snapshots of every subscription, oldest first.
func (r *Router) List() []Subscription {
	entries := r.entries()
	list := make([]Subscription, 0, len(entries))
	for _, e := range entries {
		list = append(list, e.snapshot())
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list
}

// Len returns the number of subscriptions.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func (r *Router) entries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]*entry, 0, len(r.subs))
	for _, e := range r.subs {
		list = append(list, e)
	}
	return list
}

func (e *entry) snapshot() Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.sub
	s.EntityKeys = append([]string(nil), e.sub.EntityKeys...)
	s.LastActivity = e.lastActivity
	s.Waiting = len(e.waiting)
	s.Dropped = e.dropped
	return s
}

func index(m map[string]map[string]*entry, key string, e *entry) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]*entry)
		m[key] = set
	}
	set[e.sub.ID] = e
}

func unindex(m map[string]map[string]*entry, key, id string) {
	if set, ok := m[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m, key)
		}
	}
}

func sortedSet(set map[string]struct{}) []string {
	list := make([]string, 0, len(set))
	for k := range set {
		list = append(list, k)
	}
	sort.Strings(list)
	return list
}
