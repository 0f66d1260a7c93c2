package probe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveprobe/liveprobe/pkg/condition"
	"github.com/liveprobe/liveprobe/pkg/instrument"
)

type recordingReporter struct {
	mu      sync.Mutex
	applied []string
	removed map[string]instrument.RemovalCause
	hits    []*instrument.Hit
	failed  []string
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{removed: make(map[string]instrument.RemovalCause)}
}

func (r *recordingReporter) InstrumentApplied(inst *instrument.Instrument) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, inst.ID)
}

func (r *recordingReporter) InstrumentRemoved(inst *instrument.Instrument, cause instrument.RemovalCause) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed[inst.ID] = cause
}

func (r *recordingReporter) InstrumentHit(hit *instrument.Hit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hits = append(r.hits, hit)
}

func (r *recordingReporter) InstrumentFailed(inst *instrument.Instrument, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, inst.ID)
}

type failingWeaver struct{}

func (failingWeaver) Apply(context.Context, *instrument.Instrument) error {
	return errors.New("class not loaded")
}

func (failingWeaver) Unapply(context.Context, string) error { return nil }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T) (*Registry, *SimulatedWeaver, *recordingReporter, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	weaver := NewSimulatedWeaver()
	reporter := newRecordingReporter()
	reg := NewRegistry(Options{
		ProbeID:  "probe-1",
		Weaver:   weaver,
		Reporter: reporter,
		Now:      clock.Now,
		Logger:   zerolog.New(nil).Level(zerolog.Disabled),
	})
	return reg, weaver, reporter, clock
}

func breakpoint(id string, line int, cond string) *instrument.Instrument {
	return &instrument.Instrument{
		ID:        id,
		Kind:      instrument.KindBreakpoint,
		Location:  instrument.Location{Source: "FileA", Line: line},
		Condition: cond,
		Throttle:  instrument.Throttle{Limit: 100, Step: instrument.StepSecond},
	}
}

func TestInstallDeduplicatesByLocation(t *testing.T) {
	reg, weaver, reporter, _ := newTestRegistry(t)
	ctx := context.Background()

	id, created, err := reg.Install(ctx, breakpoint("bp-1", 10, "x > 5"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "bp-1", id)

	id, created, err = reg.Install(ctx, breakpoint("bp-2", 10, ""))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "bp-1", id)

	applies, _ := weaver.Counts()
	assert.Equal(t, 1, applies)
	assert.Equal(t, []string{"bp-1"}, reporter.applied)
	assert.Equal(t, 1, reg.Len())

	_, state, ok := reg.Get("bp-1")
	require.True(t, ok)
	assert.Equal(t, StateInstalled, state)
}

func TestInstallConcurrentSameLocationWeavesOnce(t *testing.T) {
	reg, weaver, _, _ := newTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, _, err := reg.Install(ctx, breakpoint("bp-1", 10, ""))
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, "bp-1", id)
	}
	applies, _ := weaver.Counts()
	assert.Equal(t, 1, applies)
}

func TestInstallWeaveFailure(t *testing.T) {
	reporter := newRecordingReporter()
	reg := NewRegistry(Options{Weaver: failingWeaver{}, Reporter: reporter})

	_, _, err := reg.Install(context.Background(), breakpoint("bp-1", 10, ""))
	require.Error(t, err)
	assert.Equal(t, instrument.ErrCodeWeaveFailed, instrument.CodeOf(err))
	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, reporter.applied)
}

func TestInstallAlreadyExpired(t *testing.T) {
	reg, weaver, reporter, clock := newTestRegistry(t)
	inst := breakpoint("bp-1", 10, "")
	past := clock.Now().Add(-time.Second)
	inst.ExpiresAt = &past

	id, created, err := reg.Install(context.Background(), inst)
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.False(t, created)
	assert.Empty(t, weaver.Applied())
	assert.Equal(t, instrument.CauseExpired, reporter.removed["bp-1"])
}

func TestOnHitConditionAndCapture(t *testing.T) {
	reg, _, reporter, _ := newTestRegistry(t)
	ctx := context.Background()
	_, _, err := reg.Install(ctx, breakpoint("bp-1", 10, "x > 5"))
	require.NoError(t, err)

	outcome, err := reg.OnHit(ctx, "bp-1", &condition.Snapshot{Locals: map[string]any{"x": 3}})
	require.NoError(t, err)
	assert.Equal(t, condition.ConditionFalse, outcome)
	assert.Empty(t, reporter.hits)

	outcome, err = reg.HitLocation(ctx, instrument.Location{Source: "FileA", Line: 10}, &condition.Snapshot{
		Locals: map[string]any{"x": 10},
		Thread: "main",
		Frames: []instrument.StackFrame{{Function: "run", Source: "FileA", Line: 10}},
	})
	require.NoError(t, err)
	assert.Equal(t, condition.Fire, outcome)

	require.Len(t, reporter.hits, 1)
	hit := reporter.hits[0]
	assert.Equal(t, "bp-1", hit.InstrumentID)
	assert.Equal(t, "probe-1", hit.ProbeID)
	assert.Equal(t, "main", hit.Thread)
	assert.Equal(t, 10, hit.Variables["x"])
	assert.Len(t, hit.Frames, 1)

	_, state, _ := reg.Get("bp-1")
	assert.Equal(t, StateFiring, state)
}

func TestOnHitUnknownInstrument(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	_, err := reg.OnHit(context.Background(), "missing", nil)
	assert.True(t, instrument.IsNotFound(err))
}

func TestOnHitConditionFailureReportedOnce(t *testing.T) {
	reg, _, reporter, _ := newTestRegistry(t)
	ctx := context.Background()
	_, _, err := reg.Install(ctx, breakpoint("bp-1", 10, "missing > 1"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		outcome, err := reg.OnHit(ctx, "bp-1", &condition.Snapshot{})
		require.NoError(t, err)
		assert.Equal(t, condition.ConditionFailed, outcome)
	}
	assert.Equal(t, []string{"bp-1"}, reporter.failed)
	assert.Empty(t, reporter.hits)
}

func TestOnHitThrottle(t *testing.T) {
	reg, _, reporter, clock := newTestRegistry(t)
	ctx := context.Background()
	inst := breakpoint("bp-1", 10, "")
	inst.Throttle = instrument.Throttle{Limit: 1, Step: instrument.StepSecond}
	_, _, err := reg.Install(ctx, inst)
	require.NoError(t, err)

	outcome, _ := reg.OnHit(ctx, "bp-1", nil)
	assert.Equal(t, condition.Fire, outcome)
	outcome, _ = reg.OnHit(ctx, "bp-1", nil)
	assert.Equal(t, condition.Throttled, outcome)

	clock.Advance(time.Second)
	outcome, _ = reg.OnHit(ctx, "bp-1", nil)
	assert.Equal(t, condition.Fire, outcome)
	assert.Len(t, reporter.hits, 2)
}

func TestOnHitLimitRemovesInstrument(t *testing.T) {
	reg, weaver, reporter, _ := newTestRegistry(t)
	ctx := context.Background()
	inst := breakpoint("bp-1", 10, "")
	inst.HitLimit = 2
	_, _, err := reg.Install(ctx, inst)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		outcome, err := reg.OnHit(ctx, "bp-1", nil)
		require.NoError(t, err)
		assert.Equal(t, condition.Fire, outcome)
	}

	assert.Len(t, reporter.hits, 2)
	assert.Equal(t, instrument.CauseHitLimit, reporter.removed["bp-1"])
	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, weaver.Applied())

	_, err = reg.OnHit(ctx, "bp-1", nil)
	assert.True(t, instrument.IsNotFound(err))
}

func TestOnHitLogAndMeter(t *testing.T) {
	reg, _, reporter, _ := newTestRegistry(t)
	ctx := context.Background()

	logInst := &instrument.Instrument{
		ID:       "log-1",
		Kind:     instrument.KindLog,
		Location: instrument.Location{Source: "FileA", Line: 20},
		Log:      &instrument.LogSpec{Format: "user {} retried", Arguments: []string{"name"}},
	}
	meterInst := &instrument.Instrument{
		ID:       "m-1",
		Kind:     instrument.KindMeter,
		Location: instrument.Location{Source: "FileA", Symbol: "charge"},
		Meter:    &instrument.MeterSpec{Name: "charges", MeterKind: instrument.MeterHistogram, Value: "amount * 2"},
	}
	for _, inst := range []*instrument.Instrument{logInst, meterInst} {
		_, _, err := reg.Install(ctx, inst)
		require.NoError(t, err)
	}

	snap := &condition.Snapshot{Locals: map[string]any{"name": "bob", "amount": 1.5}}
	_, err := reg.OnHit(ctx, "log-1", snap)
	require.NoError(t, err)
	_, err = reg.OnHit(ctx, "m-1", snap)
	require.NoError(t, err)

	require.Len(t, reporter.hits, 2)
	assert.Equal(t, "user bob retried", reporter.hits[0].Message)
	assert.Equal(t, []any{"bob"}, reporter.hits[0].Arguments)
	assert.Equal(t, "charges", reporter.hits[1].MeterName)
	assert.InDelta(t, 3.0, reporter.hits[1].Value, 1e-9)
}

func TestRemoveAndClear(t *testing.T) {
	reg, weaver, reporter, _ := newTestRegistry(t)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		_, _, err := reg.Install(ctx, breakpoint(id, i+1, ""))
		require.NoError(t, err)
	}

	require.NoError(t, reg.Remove(ctx, "a"))
	require.NoError(t, reg.Remove(ctx, "a"))
	require.NoError(t, reg.RemoveAt(ctx, instrument.Location{Source: "FileA", Line: 2}))
	assert.Equal(t, instrument.CauseExplicit, reporter.removed["b"])

	assert.Equal(t, 1, reg.ClearAll(ctx))
	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, weaver.Applied())
}

func TestSweepExpired(t *testing.T) {
	reg, _, reporter, clock := newTestRegistry(t)
	ctx := context.Background()
	inst := breakpoint("bp-1", 10, "")
	exp := clock.Now().Add(time.Minute)
	inst.ExpiresAt = &exp
	_, _, err := reg.Install(ctx, inst)
	require.NoError(t, err)
	_, _, err = reg.Install(ctx, breakpoint("bp-2", 11, ""))
	require.NoError(t, err)

	assert.Equal(t, 0, reg.SweepExpired(ctx))
	clock.Advance(time.Minute)
	assert.Equal(t, 1, reg.SweepExpired(ctx))
	assert.Equal(t, instrument.CauseExpired, reporter.removed["bp-1"])
	assert.Equal(t, 1, reg.Len())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "requested", StateRequested.String())
	assert.Equal(t, "firing", StateFiring.String())
	assert.Equal(t, "unknown", State(42).String())
}
