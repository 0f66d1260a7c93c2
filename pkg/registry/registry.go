// Package registry is the control plane's authoritative record of requested
// instruments. It deduplicates submissions by location, persists them as
// pending, pushes them to connected agents over the bridge and tracks their
// lifecycle from the agents' reports.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/liveprobe/liveprobe/pkg/auth"
	"github.com/liveprobe/liveprobe/pkg/condition"
	"github.com/liveprobe/liveprobe/pkg/instrument"
	"github.com/liveprobe/liveprobe/pkg/protocol"
	"github.com/liveprobe/liveprobe/pkg/stores"
	"github.com/liveprobe/liveprobe/pkg/telemetry"
)

// Action is an operation checked by the Authorizer.
type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
	ActionView   Action = "view"
)

// Authorizer decides whether an identity may act on an instrument.
// It returns a permission denied error to refuse.
type Authorizer interface {
	Authorize(ctx context.Context, identity auth.Identity, action Action, inst *instrument.Instrument) error
}

// AllowAll permits every request.
type AllowAll struct{}

// Authorize implements Authorizer.
func (AllowAll) Authorize(context.Context, auth.Identity, Action, *instrument.Instrument) error {
	return nil
}

// Transport delivers commands to agents.
type Transport interface {
	Publish(ctx context.Context, address string, v any) (int, error)
	SendTo(ctx context.Context, connectionID, address string, v any) error
}

// EventSink receives instrument events for subscribers.
type EventSink interface {
	PublishEvent(ev *instrument.Event) int
}

// Config configures the registry.
type Config struct {
	// SweepInterval is how often expired instruments are removed.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// ApplyTimeout bounds how long an apply-immediately submission waits
	// for the first agent acknowledgement.
	ApplyTimeout time.Duration `yaml:"apply_timeout"`
	// DefaultTTL is applied to submissions without an expiry. Zero means
	// instruments never expire unless asked to.
	DefaultTTL time.Duration `yaml:"default_ttl"`
	// MaxInstruments caps the live instruments. Zero means no cap.
	MaxInstruments int `yaml:"max_instruments" validate:"gte=0"`
	// CommandTimeout bounds asynchronous command delivery.
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval:  5 * time.Second,
		ApplyTimeout:   5 * time.Second,
		CommandTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = d.ApplyTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	return c
}

// Options holds the registry's collaborators.
type Options struct {
	Config     Config
	Store      stores.Store
	Transport  Transport
	Events     EventSink
	Authorizer Authorizer
	Audit      *telemetry.EventPublisher
	Logger     zerolog.Logger
	Metrics    *telemetry.Metrics
	Tracer     *telemetry.Tracer
	Evaluator  *condition.Evaluator
	Now        func() time.Time
}

// Registry holds every live instrument, indexed by id and by location.
type Registry struct {
	cfg       Config
	store     stores.Store
	transport Transport
	events    EventSink
	authz     Authorizer
	audit     *telemetry.EventPublisher
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	evaluator *condition.Evaluator
	now       func() time.Time

	mu         sync.RWMutex
	byID       map[string]*instrument.Instrument
	byLocation map[string]string
	dirty      map[string]struct{}
	waiters    map[string][]chan struct{}
	// commandConns holds the connections registered for commands.
	commandConns map[string]struct{}
}

// New creates a registry. Store is required.
func New(opts Options) (*Registry, error) {
	if opts.Store == nil {
		return nil, errors.New("registry: store is required")
	}
	if opts.Authorizer == nil {
		opts.Authorizer = AllowAll{}
	}
	if opts.Evaluator == nil {
		opts.Evaluator = condition.NewEvaluator(0)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		cfg:        opts.Config.withDefaults(),
		store:      opts.Store,
		transport:  opts.Transport,
		events:     opts.Events,
		authz:      opts.Authorizer,
		audit:      opts.Audit,
		logger:     opts.Logger.With().Str("component", "registry").Logger(),
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		evaluator:  opts.Evaluator,
		now:        opts.Now,
		byID:       make(map[string]*instrument.Instrument),
		byLocation: make(map[string]string),
		dirty:      make(map[string]struct{}),
		waiters:    make(map[string][]chan struct{}),

		commandConns: make(map[string]struct{}),
	}, nil
}

// Load indexes the instruments persisted by a previous run.
func (r *Registry) Load(ctx context.Context) error {
	list, err := r.store.ListInstruments(ctx)
	if err != nil {
		return fmt.Errorf("failed to load instruments: %w", err)
	}

	r.mu.Lock()
	for _, inst := range list {
		if inst.Status == instrument.StatusRemoved {
			continue
		}
		inst.Meta.AppliedBy = nil
		r.byID[inst.ID] = inst
		r.byLocation[inst.Location.Key()] = inst.ID
	}
	pending, active := r.countsLocked()
	r.mu.Unlock()

	r.metrics.SetInstrumentCounts(pending, active)
	r.logger.Info().Int("instruments", pending+active).Msg("loaded instruments")
	return nil
}

// AddInstrument validates, deduplicates and persists a submission as
// pending, then pushes it to connected agents. The caller's identity is
// taken from ctx.
//
// Resubmitting the same trigger at an occupied location returns the
// existing instrument. A different condition at an occupied location is a
// conflict carrying the existing id.
func (r *Registry) AddInstrument(ctx context.Context, inst *instrument.Instrument) (*instrument.Instrument, error) {
	if inst == nil {
		return nil, instrument.NewValidationError("instrument is required", nil)
	}
	ctx, span := r.tracer.StartInstrumentSpan(ctx, "add", inst.ID, string(inst.Kind))
	defer span.End()

	identity, _ := auth.IdentityFromContext(ctx)
	result, created, err := r.add(ctx, identity, inst)
	if err != nil {
		telemetry.RecordError(span, err)
		r.rejected(inst, identity, err)
		return nil, err
	}
	telemetry.RecordSuccess(span)
	if !created {
		return result, nil
	}

	cmd := &protocol.Command{Type: protocol.CommandAddInstruments, Instruments: []*instrument.Instrument{result}}
	if !result.ApplyImmediately {
		r.publishAsync(cmd)
		return result, nil
	}
	return r.applyNow(ctx, result, cmd), nil
}

func (r *Registry) add(ctx context.Context, identity auth.Identity, submitted *instrument.Instrument) (*instrument.Instrument, bool, error) {
	if identity.Subject == "" {
		return nil, false, instrument.NewPermissionDeniedError("no authenticated identity")
	}

	now := r.now().UTC()
	inst := submitted.Clone()
	inst.Normalize()
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	if inst.ExpiresAt == nil && r.cfg.DefaultTTL > 0 {
		exp := now.Add(r.cfg.DefaultTTL)
		inst.ExpiresAt = &exp
	}
	if err := inst.Validate(); err != nil {
		return nil, false, err
	}
	if inst.Expired(now) {
		return nil, false, instrument.NewValidationError("expires_at is in the past", nil)
	}
	if err := r.compile(inst); err != nil {
		return nil, false, err
	}
	if err := r.authz.Authorize(ctx, identity, ActionAdd, inst); err != nil {
		return nil, false, err
	}

	inst.Status = instrument.StatusPending
	inst.CreatedBy = identity.Subject
	inst.CreatedAt = now
	inst.Meta = instrument.Meta{}

	key := inst.Location.Key()
	r.mu.Lock()
	if id, ok := r.byLocation[key]; ok {
		existing := r.byID[id]
		same, snapshot := existing.SameTrigger(inst), existing.Clone()
		r.mu.Unlock()
		if same {
			return snapshot, false, nil
		}
		return nil, false, instrument.NewConflictError(id, inst.Location)
	}
	if _, ok := r.byID[inst.ID]; ok {
		r.mu.Unlock()
		return nil, false, instrument.NewValidationError("instrument id "+inst.ID+" is already in use", nil)
	}
	if r.cfg.MaxInstruments > 0 && len(r.byID) >= r.cfg.MaxInstruments {
		r.mu.Unlock()
		return nil, false, instrument.NewValidationError(fmt.Sprintf("instrument limit of %d reached", r.cfg.MaxInstruments), nil)
	}
	r.byID[inst.ID] = inst
	r.byLocation[key] = inst.ID
	pending, active := r.countsLocked()
	saved := inst.Clone()
	r.mu.Unlock()

	if err := r.persist(ctx, saved); err != nil {
		r.mu.Lock()
		r.forgetLocked(inst)
		r.mu.Unlock()
		return nil, false, err
	}
	r.mu.RLock()
	_, live := r.byID[inst.ID]
	r.mu.RUnlock()
	if !live {
		// Removed while it was being saved; nothing to push.
		saved.Status = instrument.StatusRemoved
		return saved, false, nil
	}

	r.metrics.RecordInstrumentAdded(string(inst.Kind))
	r.metrics.SetInstrumentCounts(pending, active)
	r.logger.Info().
		Str("instrument_id", inst.ID).
		Str("kind", string(inst.Kind)).
		Str("location", key).
		Str("actor", identity.Subject).
		Msg("instrument added")
	_ = r.audit.PublishInstrumentAdded(saved.ID, string(saved.Kind), key, identity.Subject)
	r.emit(saved, instrument.ActionAdded, "")
	return saved.Clone(), true, nil
}

// compile checks that every expression of inst parses.
func (r *Registry) compile(inst *instrument.Instrument) error {
	if inst.Condition != "" {
		if _, err := r.evaluator.Compile(inst.Condition); err != nil {
			return instrument.NewValidationError("invalid condition", err)
		}
	}
	if inst.Log != nil {
		for _, arg := range inst.Log.Arguments {
			if _, err := r.evaluator.Compile(arg); err != nil {
				return instrument.NewValidationError("invalid log argument", err)
			}
		}
	}
	if inst.Meter != nil && inst.Meter.Value != "" {
		if _, err := r.evaluator.Compile(inst.Meter.Value); err != nil {
			return instrument.NewValidationError("invalid meter value", err)
		}
	}
	return nil
}

func (r *Registry) rejected(inst *instrument.Instrument, identity auth.Identity, err error) {
	var e *instrument.Error
	class, code := "permanent", instrument.ErrCodeInternal
	if errors.As(err, &e) {
		class, code = string(e.Class), e.Code
	}
	r.metrics.RecordError(class, code)
	r.logger.Debug().Err(err).Str("location", inst.Location.Key()).Msg("instrument rejected")
	_ = r.audit.PublishInstrumentRejected(inst.Location.Key(), code, identity.Subject, err.Error())
}

// applyNow pushes the add command and waits for the first acknowledgement.
// Without a connected agent the instrument is returned pending.
func (r *Registry) applyNow(ctx context.Context, inst *instrument.Instrument, cmd *protocol.Command) *instrument.Instrument {
	ch := r.waitApplied(inst.ID)
	defer r.stopWaiting(inst.ID, ch)

	n, err := r.publish(ctx, cmd)
	if err != nil || n == 0 {
		return r.current(inst)
	}

	timer := time.NewTimer(r.cfg.ApplyTimeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
		r.logger.Debug().Str("instrument_id", inst.ID).Msg("apply not acknowledged in time")
	case <-ctx.Done():
	}
	return r.current(inst)
}

// current returns the live copy of inst, or inst itself if it is gone.
func (r *Registry) current(inst *instrument.Instrument) *instrument.Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if live, ok := r.byID[inst.ID]; ok {
		return live.Clone()
	}
	return inst
}

// RemoveInstrument removes an instrument and tells agents to drop it.
// Removing an unknown id is a no-op returning nil.
func (r *Registry) RemoveInstrument(ctx context.Context, id string) (*instrument.Instrument, error) {
	ctx, span := r.tracer.StartInstrumentSpan(ctx, "remove", id, "")
	defer span.End()

	r.mu.RLock()
	inst, ok := r.byID[id]
	if ok {
		inst = inst.Clone()
	}
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	identity, _ := auth.IdentityFromContext(ctx)
	if err := r.authz.Authorize(ctx, identity, ActionRemove, inst); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	removed, err := r.remove(ctx, id, instrument.CauseExplicit, identity.Subject)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if removed == nil {
		return nil, nil
	}
	r.publishSync(ctx, &protocol.Command{Type: protocol.CommandRemoveInstruments, InstrumentIDs: []string{id}})
	telemetry.RecordSuccess(span)
	return removed, nil
}

// RemoveInstruments removes the instrument at loc, if any, and tells
// agents to drop whatever they hold there.
func (r *Registry) RemoveInstruments(ctx context.Context, loc instrument.Location) ([]*instrument.Instrument, error) {
	r.mu.RLock()
	id, ok := r.byLocation[loc.Key()]
	r.mu.RUnlock()

	var removed []*instrument.Instrument
	if ok {
		inst, err := r.RemoveInstrument(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst != nil {
			removed = append(removed, inst)
		}
	}
	r.publishSync(ctx, &protocol.Command{Type: protocol.CommandRemoveInstruments, Locations: []instrument.Location{loc}})
	return removed, nil
}

// remove drops id from the registry and the store and reports the removal.
// It returns nil if id was already gone.
func (r *Registry) remove(ctx context.Context, id string, cause instrument.RemovalCause, actor string) (*instrument.Instrument, error) {
	r.mu.Lock()
	inst, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return nil, nil
	}
	r.forgetLocked(inst)
	pending, active := r.countsLocked()
	r.mu.Unlock()

	if err := r.store.DeleteInstrument(ctx, id); err != nil {
		r.logger.Error().Err(err).Str("instrument_id", id).Msg("failed to delete instrument")
	}

	now := r.now().UTC()
	inst.Status = instrument.StatusRemoved
	inst.Meta.RemovedAt = &now

	r.metrics.RecordInstrumentRemoved(string(inst.Kind), string(cause))
	r.metrics.SetInstrumentCounts(pending, active)
	r.logger.Info().
		Str("instrument_id", id).
		Str("cause", string(cause)).
		Msg("instrument removed")
	_ = r.audit.PublishInstrumentRemoved(id, string(cause), actor)
	r.emit(inst, instrument.ActionRemoved, cause)
	return inst.Clone(), nil
}

// forgetLocked must be called with r.mu held.
func (r *Registry) forgetLocked(inst *instrument.Instrument) {
	delete(r.byID, inst.ID)
	if r.byLocation[inst.Location.Key()] == inst.ID {
		delete(r.byLocation, inst.Location.Key())
	}
	delete(r.dirty, inst.ID)
}

// GetInstrument returns one instrument.
func (r *Registry) GetInstrument(ctx context.Context, id string) (*instrument.Instrument, error) {
	r.mu.RLock()
	inst, ok := r.byID[id]
	if ok {
		inst = inst.Clone()
	}
	r.mu.RUnlock()
	if !ok {
		return nil, instrument.NewNotFoundError(id)
	}
	identity, _ := auth.IdentityFromContext(ctx)
	if err := r.authz.Authorize(ctx, identity, ActionView, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// Filter narrows GetInstruments.
type Filter struct {
	// Pending selects pending (true) or active (false) instruments when set.
	Pending *bool
	Kind    instrument.Kind
	Source  string
}

func (f Filter) matches(inst *instrument.Instrument) bool {
	if f.Pending != nil && inst.Pending() != *f.Pending {
		return false
	}
	if f.Kind != "" && inst.Kind != f.Kind {
		return false
	}
	if f.Source != "" && inst.Location.Source != f.Source {
		return false
	}
	return true
}

// GetInstruments returns the instruments matching f, oldest first.
func (r *Registry) GetInstruments(ctx context.Context, f Filter) ([]*instrument.Instrument, error) {
	identity, _ := auth.IdentityFromContext(ctx)
	if err := r.authz.Authorize(ctx, identity, ActionView, nil); err != nil {
		return nil, err
	}

	r.mu.RLock()
	list := make([]*instrument.Instrument, 0, len(r.byID))
	for _, inst := range r.byID {
		if f.matches(inst) {
			list = append(list, inst.Clone())
		}
	}
	r.mu.RUnlock()

	sortByCreation(list)
	return list, nil
}

func sortByCreation(list []*instrument.Instrument) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

// Len returns the number of live instruments.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// countsLocked must be called with r.mu held.
func (r *Registry) countsLocked() (pending, active int) {
	for _, inst := range r.byID {
		if inst.Pending() {
			pending++
		} else {
			active++
		}
	}
	return pending, active
}

func (r *Registry) emit(inst *instrument.Instrument, action instrument.Action, cause instrument.RemovalCause) {
	if r.events == nil {
		return
	}
	r.events.PublishEvent(&instrument.Event{
		ID:           uuid.New().String(),
		Type:         instrument.EventTypeFor(inst.Kind, action),
		InstrumentID: inst.ID,
		Kind:         inst.Kind,
		Location:     inst.Location,
		OccurredAt:   r.now().UTC(),
		Cause:        cause,
		Instrument:   inst.Clone(),
	})
}

func (r *Registry) publish(ctx context.Context, cmd *protocol.Command) (int, error) {
	if r.transport == nil {
		return 0, instrument.NewRemoteUnavailableError("no transport configured")
	}
	n, err := r.transport.Publish(ctx, protocol.AddressInstrumentCommand, cmd)
	if err != nil {
		if instrument.IsRemoteUnavailable(err) {
			r.logger.Debug().Str("command", string(cmd.Type)).Msg("no agent connected, command deferred")
		} else {
			r.logger.Warn().Err(err).Str("command", string(cmd.Type)).Msg("failed to publish command")
		}
	}
	return n, err
}

// publishSync delivers cmd before returning. Agents that miss it are
// reconciled when they reconnect.
func (r *Registry) publishSync(ctx context.Context, cmd *protocol.Command) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	defer cancel()
	_, _ = r.publish(ctx, cmd)
}

func (r *Registry) publishAsync(cmd *protocol.Command) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CommandTimeout)
		defer cancel()
		_, _ = r.publish(ctx, cmd)
	}()
}

func (r *Registry) waitApplied(id string) chan struct{} {
	ch := make(chan struct{})
	r.mu.Lock()
	r.waiters[id] = append(r.waiters[id], ch)
	r.mu.Unlock()
	return ch
}

func (r *Registry) stopWaiting(id string, ch chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.waiters[id]
	for i, w := range list {
		if w == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.waiters, id)
	} else {
		r.waiters[id] = list
	}
}

// releaseWaitersLocked wakes every ApplyImmediately caller. It must be
// called with r.mu held.
func (r *Registry) releaseWaitersLocked() {
	for id := range r.waiters {
		r.notifyAppliedLocked(id)
	}
}

// notifyAppliedLocked must be called with r.mu held.
func (r *Registry) notifyAppliedLocked(id string) {
	for _, ch := range r.waiters[id] {
		close(ch)
	}
	delete(r.waiters, id)
}
