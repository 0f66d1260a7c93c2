// Package probe is the remote side of liveprobe: it keeps the instruments
// installed in one process, gates candidate hits through their conditions
// and throttles, and reports lifecycle changes and hits to the control plane.
package probe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/liveprobe/liveprobe/pkg/condition"
	"github.com/liveprobe/liveprobe/pkg/instrument"
	"github.com/liveprobe/liveprobe/pkg/telemetry"
)

// State is the lifecycle state of an installed instrument.
type State int32

const (
	StateRequested State = iota
	StateInstalled
	StateFiring
	StateRemoved
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateInstalled:
		return "installed"
	case StateFiring:
		return "firing"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Reporter receives what the registry emits toward the control plane.
type Reporter interface {
	InstrumentApplied(inst *instrument.Instrument)
	InstrumentRemoved(inst *instrument.Instrument, cause instrument.RemovalCause)
	InstrumentHit(hit *instrument.Hit)
	InstrumentFailed(inst *instrument.Instrument, err error)
}

// Options configures a Registry.
type Options struct {
	ProbeID   string
	Weaver    Weaver
	Reporter  Reporter
	Evaluator *condition.Evaluator
	Capture   CaptureLimits
	Now       func() time.Time
	Logger    zerolog.Logger
	Metrics   *telemetry.Metrics
}

type entry struct {
	inst  *instrument.Instrument
	gate  *condition.Gate
	args  []*condition.Expr
	value *condition.Expr

	state        atomic.Int32
	hits         atomic.Int64
	failReported atomic.Bool
}

func (e *entry) State() State {
	return State(e.state.Load())
}

// Registry holds the instruments installed in this process, keyed by id
// and by location. At most one instrument is woven per location.
type Registry struct {
	mu         sync.RWMutex
	byID       map[string]*entry
	byLocation map[string]string
	weaving    singleflight.Group

	probeID   string
	weaver    Weaver
	reporter  Reporter
	evaluator *condition.Evaluator
	capture   CaptureLimits
	now       func() time.Time
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
}

// NewRegistry creates a registry. Weaver and Reporter are required.
func NewRegistry(opts Options) *Registry {
	if opts.Evaluator == nil {
		opts.Evaluator = condition.NewEvaluator(0)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		byID:       make(map[string]*entry),
		byLocation: make(map[string]string),
		probeID:    opts.ProbeID,
		weaver:     opts.Weaver,
		reporter:   opts.Reporter,
		evaluator:  opts.Evaluator,
		capture:    opts.Capture.withDefaults(),
		now:        opts.Now,
		logger:     opts.Logger.With().Str("component", "probe-registry").Logger(),
		metrics:    opts.Metrics,
	}
}

// Install weaves inst unless an instrument already occupies its location,
// in which case the existing id is returned and created is false.
// Concurrent installs at one location weave exactly once.
func (r *Registry) Install(ctx context.Context, inst *instrument.Instrument) (id string, created bool, err error) {
	if inst == nil || inst.ID == "" {
		return "", false, instrument.NewValidationError("instrument id is required", nil)
	}
	if inst.Expired(r.now()) {
		r.reporter.InstrumentRemoved(inst.Clone(), instrument.CauseExpired)
		return "", false, nil
	}

	key := inst.Location.Key()
	v, err, _ := r.weaving.Do(key, func() (interface{}, error) {
		r.mu.RLock()
		existing, ok := r.byLocation[key]
		r.mu.RUnlock()
		if ok {
			return installResult{id: existing}, nil
		}

		e, err := r.newEntry(inst)
		if err != nil {
			return nil, err
		}
		if err := r.weaver.Apply(ctx, e.inst); err != nil {
			return nil, instrument.NewWeaveError(e.inst.ID, err)
		}

		e.state.Store(int32(StateInstalled))
		r.mu.Lock()
		r.byID[e.inst.ID] = e
		r.byLocation[key] = e.inst.ID
		r.mu.Unlock()

		r.logger.Debug().
			Str("instrument_id", e.inst.ID).
			Str("location", key).
			Msg("instrument installed")
		r.reporter.InstrumentApplied(e.inst.Clone())
		return installResult{id: e.inst.ID, created: true}, nil
	})
	if err != nil {
		return "", false, err
	}
	res := v.(installResult)
	// Callers sharing a flight did not create anything themselves.
	if res.created && res.id != inst.ID {
		res.created = false
	}
	return res.id, res.created, nil
}

type installResult struct {
	id      string
	created bool
}

func (r *Registry) newEntry(inst *instrument.Instrument) (*entry, error) {
	cp := inst.Clone()
	cp.Normalize()
	gate, err := condition.NewGate(cp, r.evaluator, r.now)
	if err != nil {
		return nil, err
	}
	e := &entry{inst: cp, gate: gate}
	e.state.Store(int32(StateRequested))

	switch cp.Kind {
	case instrument.KindLog:
		if cp.Log != nil {
			for _, src := range cp.Log.Arguments {
				x, err := r.evaluator.Compile(src)
				if err != nil {
					return nil, instrument.NewValidationError("invalid log argument", err).WithInstrument(cp.ID)
				}
				e.args = append(e.args, x)
			}
		}
	case instrument.KindMeter:
		if cp.Meter != nil && cp.Meter.Value != "" {
			x, err := r.evaluator.Compile(cp.Meter.Value)
			if err != nil {
				return nil, instrument.NewValidationError("invalid meter value", err).WithInstrument(cp.ID)
			}
			e.value = x
		}
	}
	return e, nil
}

// Remove unweaves an instrument. Removing an unknown id is a no-op.
func (r *Registry) Remove(ctx context.Context, id string) error {
	return r.remove(ctx, id, instrument.CauseExplicit)
}

// RemoveAt removes the instrument at loc, if any.
func (r *Registry) RemoveAt(ctx context.Context, loc instrument.Location) error {
	r.mu.RLock()
	id, ok := r.byLocation[loc.Key()]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return r.remove(ctx, id, instrument.CauseExplicit)
}

// ClearAll removes every instrument and returns how many were removed.
func (r *Registry) ClearAll(ctx context.Context) int {
	ids := r.ids()
	for _, id := range ids {
		if err := r.remove(ctx, id, instrument.CauseExplicit); err != nil {
			r.logger.Warn().Err(err).Str("instrument_id", id).Msg("failed to unweave instrument")
		}
	}
	return len(ids)
}

func (r *Registry) remove(ctx context.Context, id string, cause instrument.RemovalCause) error {
	r.mu.Lock()
	e, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.byID, id)
	if r.byLocation[e.inst.Location.Key()] == id {
		delete(r.byLocation, e.inst.Location.Key())
	}
	r.mu.Unlock()

	e.state.Store(int32(StateRemoved))
	err := r.weaver.Unapply(ctx, id)
	if err != nil {
		err = instrument.NewWeaveError(id, err)
	}

	r.logger.Debug().
		Str("instrument_id", id).
		Str("cause", string(cause)).
		Msg("instrument removed")
	r.reporter.InstrumentRemoved(e.inst.Clone(), cause)
	return err
}

// OnHit gates a candidate hit on instrument id and, when it fires, reports
// the hit record. Reaching the hit limit removes the instrument.
func (r *Registry) OnHit(ctx context.Context, id string, snap *condition.Snapshot) (condition.Outcome, error) {
	r.mu.RLock()
	e, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok || e.State() == StateRemoved {
		return condition.ConditionFalse, instrument.NewNotFoundError(id)
	}
	if snap == nil {
		snap = &condition.Snapshot{}
	}

	if e.inst.Expired(r.now()) {
		return condition.ConditionFalse, r.remove(ctx, id, instrument.CauseExpired)
	}

	outcome, err := e.gate.Check(snap)
	if err != nil {
		r.logger.Warn().Err(err).Str("instrument_id", id).Msg("condition evaluation failed")
		r.reporter.InstrumentFailed(e.inst.Clone(), err)
	}
	if outcome != condition.Fire {
		r.metrics.RecordHitOutcome(outcome.String())
		return outcome, nil
	}

	var n int64
	if limit := int64(e.inst.HitLimit); limit > 0 {
		n = e.hits.Add(1)
		if n > limit {
			r.metrics.RecordHitOutcome(condition.Throttled.String())
			return condition.Throttled, nil
		}
	}

	hit, err := r.buildHit(e, snap)
	if err != nil {
		if e.failReported.CompareAndSwap(false, true) {
			r.reporter.InstrumentFailed(e.inst.Clone(), err)
		}
		r.metrics.RecordHitOutcome(condition.ConditionFailed.String())
		return condition.ConditionFailed, nil
	}

	e.state.CompareAndSwap(int32(StateInstalled), int32(StateFiring))
	r.metrics.RecordHitOutcome(condition.Fire.String())
	r.metrics.RecordHit(string(e.inst.Kind))
	r.reporter.InstrumentHit(hit)

	if e.inst.HitLimit > 0 && n == int64(e.inst.HitLimit) {
		if err := r.remove(ctx, id, instrument.CauseHitLimit); err != nil {
			r.logger.Warn().Err(err).Str("instrument_id", id).Msg("failed to unweave instrument at hit limit")
		}
	}
	return condition.Fire, nil
}

// HitLocation dispatches a candidate hit to the instrument at loc.
func (r *Registry) HitLocation(ctx context.Context, loc instrument.Location, snap *condition.Snapshot) (condition.Outcome, error) {
	r.mu.RLock()
	id, ok := r.byLocation[loc.Key()]
	r.mu.RUnlock()
	if !ok {
		return condition.ConditionFalse, instrument.NewNotFoundError(loc.Key())
	}
	return r.OnHit(ctx, id, snap)
}

func (r *Registry) buildHit(e *entry, snap *condition.Snapshot) (*instrument.Hit, error) {
	hit := &instrument.Hit{
		InstrumentID: e.inst.ID,
		Kind:         e.inst.Kind,
		Location:     e.inst.Location,
		OccurredAt:   r.now().UTC(),
		ProbeID:      r.probeID,
		Thread:       snap.Thread,
	}

	switch e.inst.Kind {
	case instrument.KindBreakpoint:
		hit.Frames = r.capture.Frames(snap.Frames)
		hit.Variables = r.capture.Variables(snap)

	case instrument.KindLog:
		args := make([]any, len(e.args))
		for i, x := range e.args {
			v, err := r.evaluator.Eval(x, snap)
			if err != nil {
				return nil, instrument.NewConditionEvaluationError(e.inst.ID, err)
			}
			args[i] = r.capture.Value(v, 1)
		}
		hit.Arguments = args
		if e.inst.Log != nil {
			hit.Message = r.capture.truncate(formatMessage(e.inst.Log.Format, args))
		}

	case instrument.KindMeter:
		if e.inst.Meter != nil {
			hit.MeterName = e.inst.Meter.Name
			hit.MeterKind = e.inst.Meter.MeterKind
		}
		hit.Value = 1
		if e.value != nil {
			v, err := r.evaluator.Number(e.value, snap)
			if err != nil {
				return nil, instrument.NewConditionEvaluationError(e.inst.ID, err)
			}
			hit.Value = v
		}
	}
	return hit, nil
}

// SweepExpired removes every instrument whose expiry has passed.
func (r *Registry) SweepExpired(ctx context.Context) int {
	now := r.now()
	var expired []string
	r.mu.RLock()
	for id, e := range r.byID {
		if e.inst.Expired(now) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		if err := r.remove(ctx, id, instrument.CauseExpired); err != nil {
			r.logger.Warn().Err(err).Str("instrument_id", id).Msg("failed to unweave expired instrument")
		}
	}
	return len(expired)
}

// Run sweeps expired instruments every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepExpired(ctx)
		}
	}
}

// Get returns a copy of the instrument with id and its state.
func (r *Registry) Get(id string) (*instrument.Instrument, State, bool) {
	r.mu.RLock()
	e, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return nil, StateRemoved, false
	}
	return e.inst.Clone(), e.State(), true
}

// List returns copies of every installed instrument.
func (r *Registry) List() []*instrument.Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]*instrument.Instrument, 0, len(r.byID))
	for _, e := range r.byID {
		list = append(list, e.inst.Clone())
	}
	return list
}

// Len returns the number of installed instruments.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *Registry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	return ids
}
