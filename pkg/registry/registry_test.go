package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveprobe/liveprobe/pkg/auth"
	"github.com/liveprobe/liveprobe/pkg/bridge"
	"github.com/liveprobe/liveprobe/pkg/instrument"
	"github.com/liveprobe/liveprobe/pkg/protocol"
	"github.com/liveprobe/liveprobe/pkg/stores"
)

type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	published []*protocol.Command
	sent      map[string][]*protocol.Command
	onPublish func(cmd *protocol.Command)
}

func (f *fakeTransport) Publish(_ context.Context, _ string, v any) (int, error) {
	cmd := v.(*protocol.Command)
	f.mu.Lock()
	f.published = append(f.published, cmd)
	connected, hook := f.connected, f.onPublish
	f.mu.Unlock()
	if !connected {
		return 0, instrument.NewRemoteUnavailableError("no remote")
	}
	if hook != nil {
		go hook(cmd)
	}
	return 1, nil
}

func (f *fakeTransport) SendTo(_ context.Context, connectionID, _ string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = make(map[string][]*protocol.Command)
	}
	f.sent[connectionID] = append(f.sent[connectionID], v.(*protocol.Command))
	return nil
}

func (f *fakeTransport) publishedCommands() []*protocol.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*protocol.Command(nil), f.published...)
}

func (f *fakeTransport) sentTo(connectionID string) []*protocol.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*protocol.Command(nil), f.sent[connectionID]...)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []*instrument.Event
}

func (e *eventRecorder) PublishEvent(ev *instrument.Event) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return 1
}

func (e *eventRecorder) types() []instrument.EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]instrument.EventType, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.Type)
	}
	return out
}

func (e *eventRecorder) last() *instrument.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.events) == 0 {
		return nil
	}
	return e.events[len(e.events)-1]
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
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

type denyAll struct{}

func (denyAll) Authorize(context.Context, auth.Identity, Action, *instrument.Instrument) error {
	return instrument.NewPermissionDeniedError("denied")
}

type fixture struct {
	reg       *Registry
	store     *stores.MemoryStore
	transport *fakeTransport
	events    *eventRecorder
	clock     *testClock
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		store:     stores.NewMemoryStore(),
		transport: &fakeTransport{},
		events:    &eventRecorder{},
		clock:     newTestClock(),
	}
	opts := Options{
		Config:    Config{ApplyTimeout: 2 * time.Second},
		Store:     f.store,
		Transport: f.transport,
		Events:    f.events,
		Logger:    zerolog.Nop(),
		Now:       f.clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	reg, err := New(opts)
	require.NoError(t, err)
	f.reg = reg
	return f
}

func asUser(subject string) context.Context {
	return auth.WithIdentity(context.Background(), auth.Identity{Subject: subject, Role: auth.RoleDeveloper})
}

func breakpointAt(line int, cond string) *instrument.Instrument {
	return &instrument.Instrument{
		Kind:      instrument.KindBreakpoint,
		Location:  instrument.Location{Source: "FileA", Line: line},
		Condition: cond,
	}
}

func statusMessage(t *testing.T, probeID, address string, report *protocol.StatusReport) *bridge.Message {
	t.Helper()
	return message(t, probeID, address, report)
}

func message(t *testing.T, probeID, address string, v any) *bridge.Message {
	t.Helper()
	f, err := protocol.NewFrame(protocol.JSON, protocol.FrameTypeSend, address, v)
	require.NoError(t, err)
	return &bridge.Message{
		Identity: bridge.Identity{ConnectionID: "conn-" + probeID, ProbeID: probeID},
		Frame:    f,
		Codec:    protocol.JSON,
	}
}

func (f *fixture) apply(t *testing.T, id, probeID string) {
	t.Helper()
	msg := statusMessage(t, probeID, protocol.AddressInstrumentApplied, &protocol.StatusReport{InstrumentID: id})
	require.NoError(t, f.reg.handleApplied(context.Background(), msg))
}

func TestAddInstrumentStartsPendingAndDeduplicates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := asUser("alice")

	inst, err := f.reg.AddInstrument(ctx, breakpointAt(10, "x > 5"))
	require.NoError(t, err)
	assert.NotEmpty(t, inst.ID)
	assert.Equal(t, instrument.StatusPending, inst.Status)
	assert.Equal(t, "alice", inst.CreatedBy)
	assert.Equal(t, instrument.DefaultThrottle(), inst.Throttle)

	stored, err := f.store.GetInstrument(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, instrument.StatusPending, stored.Status)

	again, err := f.reg.AddInstrument(ctx, breakpointAt(10, "x > 5"))
	require.NoError(t, err)
	assert.Equal(t, inst.ID, again.ID)

	_, err = f.reg.AddInstrument(ctx, breakpointAt(10, "x > 6"))
	require.Error(t, err)
	assert.True(t, instrument.IsConflict(err))
	existing, ok := instrument.ExistingID(err)
	require.True(t, ok)
	assert.Equal(t, inst.ID, existing)

	assert.Equal(t, 1, f.reg.Len())
	assert.Equal(t, []instrument.EventType{instrument.EventBreakpointAdded}, f.events.types())

	require.Eventually(t, func() bool {
		return len(f.transport.publishedCommands()) == 1
	}, time.Second, 5*time.Millisecond)
	cmd := f.transport.publishedCommands()[0]
	assert.Equal(t, protocol.CommandAddInstruments, cmd.Type)
	assert.Equal(t, inst.ID, cmd.Instruments[0].ID)
}

func TestAddInstrumentConcurrentSubmissionsKeepOne(t *testing.T) {
	f := newFixture(t, nil)
	ctx := asUser("alice")

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, err := f.reg.AddInstrument(ctx, breakpointAt(10, "x > 5"))
			if err == nil {
				ids[i] = inst.ID
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.reg.Len())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestAddInstrumentRejections(t *testing.T) {
	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		ctx   context.Context
		inst  *instrument.Instrument
		check func(error) bool
	}{
		{
			name:  "no identity",
			ctx:   context.Background(),
			inst:  breakpointAt(10, ""),
			check: instrument.IsPermissionDenied,
		},
		{
			name:  "bad condition",
			ctx:   asUser("alice"),
			inst:  breakpointAt(10, "x >"),
			check: instrument.IsValidation,
		},
		{
			name:  "missing location",
			ctx:   asUser("alice"),
			inst:  &instrument.Instrument{Kind: instrument.KindBreakpoint, Location: instrument.Location{Source: "FileA"}},
			check: instrument.IsValidation,
		},
		{
			name: "log argument count",
			ctx:  asUser("alice"),
			inst: &instrument.Instrument{
				Kind:     instrument.KindLog,
				Location: instrument.Location{Source: "FileA", Line: 3},
				Log:      &instrument.LogSpec{Format: "x={} y={}", Arguments: []string{"x"}},
			},
			check: instrument.IsValidation,
		},
		{
			name: "bad meter expression",
			ctx:  asUser("alice"),
			inst: &instrument.Instrument{
				Kind:     instrument.KindMeter,
				Location: instrument.Location{Source: "FileA", Line: 3},
				Meter:    &instrument.MeterSpec{Name: "m", Value: "a +"},
			},
			check: instrument.IsValidation,
		},
		{
			name: "already expired",
			ctx:  asUser("alice"),
			inst: func() *instrument.Instrument {
				i := breakpointAt(10, "")
				i.ExpiresAt = &past
				return i
			}(),
			check: instrument.IsValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			_, err := f.reg.AddInstrument(tt.ctx, tt.inst)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error: %v", err)
			assert.Equal(t, 0, f.reg.Len())
			assert.Empty(t, f.events.types())
		})
	}
}

func TestAddInstrumentAuthorizerDenies(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Authorizer = denyAll{} })

	_, err := f.reg.AddInstrument(asUser("mallory"), breakpointAt(10, ""))
	require.Error(t, err)
	assert.True(t, instrument.IsPermissionDenied(err))

	list, err := f.store.ListInstruments(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAddInstrumentLimit(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Config.MaxInstruments = 1 })
	ctx := asUser("alice")

	_, err := f.reg.AddInstrument(ctx, breakpointAt(10, ""))
	require.NoError(t, err)
	_, err = f.reg.AddInstrument(ctx, breakpointAt(11, ""))
	assert.True(t, instrument.IsValidation(err))
}

func TestApplyImmediatelyWaitsForAck(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.connected = true
	f.transport.onPublish = func(cmd *protocol.Command) {
		for _, inst := range cmd.Instruments {
			msg := statusMessage(t, "probe-1", protocol.AddressInstrumentApplied, &protocol.StatusReport{InstrumentID: inst.ID})
			_ = f.reg.handleApplied(context.Background(), msg)
		}
	}

	sub := breakpointAt(10, "")
	sub.ApplyImmediately = true
	inst, err := f.reg.AddInstrument(asUser("alice"), sub)
	require.NoError(t, err)
	assert.Equal(t, instrument.StatusActive, inst.Status)
	assert.Equal(t, []string{"probe-1"}, inst.Meta.AppliedBy)
	assert.NotNil(t, inst.Meta.AppliedAt)
}

func TestApplyImmediatelyWithoutRemoteStaysPending(t *testing.T) {
	f := newFixture(t, nil)

	sub := breakpointAt(10, "")
	sub.ApplyImmediately = true
	inst, err := f.reg.AddInstrument(asUser("alice"), sub)
	require.NoError(t, err)
	assert.Equal(t, instrument.StatusPending, inst.Status)
}

func TestAppliedReportActivatesOnce(t *testing.T) {
	f := newFixture(t, nil)
	inst, err := f.reg.AddInstrument(asUser("alice"), breakpointAt(10, ""))
	require.NoError(t, err)

	f.apply(t, inst.ID, "probe-1")
	f.apply(t, inst.ID, "probe-2")
	f.apply(t, inst.ID, "probe-1")

	got, err := f.reg.GetInstrument(asUser("alice"), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, instrument.StatusActive, got.Status)
	assert.Equal(t, []string{"probe-1", "probe-2"}, got.Meta.AppliedBy)
	assert.Equal(t, []instrument.EventType{
		instrument.EventBreakpointAdded,
		instrument.EventBreakpointApplied,
	}, f.events.types())

	stored, err := f.store.GetInstrument(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, instrument.StatusActive, stored.Status)
}

func TestAppliedReportForUnknownInstrumentRemovesIt(t *testing.T) {
	f := newFixture(t, nil)

	f.apply(t, "ghost", "probe-1")

	sent := f.transport.sentTo("conn-probe-1")
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.CommandRemoveInstruments, sent[0].Type)
	assert.Equal(t, []string{"ghost"}, sent[0].InstrumentIDs)
	assert.Equal(t, 0, f.reg.Len())
}

func TestRemoveInstrument(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.connected = true
	ctx := asUser("alice")

	inst, err := f.reg.AddInstrument(ctx, breakpointAt(10, ""))
	require.NoError(t, err)

	removed, err := f.reg.RemoveInstrument(ctx, inst.ID)
	require.NoError(t, err)
	require.NotNil(t, removed)
	assert.Equal(t, instrument.StatusRemoved, removed.Status)
	assert.NotNil(t, removed.Meta.RemovedAt)

	ev := f.events.last()
	require.NotNil(t, ev)
	assert.Equal(t, instrument.EventBreakpointRemoved, ev.Type)
	assert.Equal(t, instrument.CauseExplicit, ev.Cause)

	_, err = f.reg.GetInstrument(ctx, inst.ID)
	assert.True(t, instrument.IsNotFound(err))
	_, err = f.store.GetInstrument(ctx, inst.ID)
	assert.True(t, instrument.IsNotFound(err))

	again, err := f.reg.RemoveInstrument(ctx, inst.ID)
	require.NoError(t, err)
	assert.Nil(t, again)

	var sawRemove bool
	for _, cmd := range f.transport.publishedCommands() {
		if cmd.Type == protocol.CommandRemoveInstruments && len(cmd.InstrumentIDs) == 1 && cmd.InstrumentIDs[0] == inst.ID {
			sawRemove = true
		}
	}
	assert.True(t, sawRemove)

	// The location is free again.
	_, err = f.reg.AddInstrument(ctx, breakpointAt(10, "y == 1"))
	assert.NoError(t, err)
}

func TestRemoveInstrumentsByLocation(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.connected = true
	ctx := asUser("alice")

	_, err := f.reg.AddInstrument(ctx, breakpointAt(10, ""))
	require.NoError(t, err)

	removed, err := f.reg.RemoveInstruments(ctx, instrument.Location{Source: "FileA", Line: 10})
	require.NoError(t, err)
	assert.Len(t, removed, 1)

	removed, err = f.reg.RemoveInstruments(ctx, instrument.Location{Source: "FileA", Line: 10})
	require.NoError(t, err)
	assert.Empty(t, removed)

	var byLocation int
	for _, cmd := range f.transport.publishedCommands() {
		if cmd.Type == protocol.CommandRemoveInstruments && len(cmd.Locations) == 1 {
			assert.Equal(t, instrument.Location{Source: "FileA", Line: 10}, cmd.Locations[0])
			byLocation++
		}
	}
	assert.Equal(t, 2, byLocation)
}

func TestRemoteHitLimitRemovesEverywhere(t *testing.T) {
	f := newFixture(t, nil)
	inst, err := f.reg.AddInstrument(asUser("alice"), breakpointAt(10, ""))
	require.NoError(t, err)
	f.apply(t, inst.ID, "probe-1")

	msg := statusMessage(t, "probe-1", protocol.AddressInstrumentRemoved, &protocol.StatusReport{
		InstrumentID: inst.ID,
		Cause:        instrument.CauseHitLimit,
	})
	require.NoError(t, f.reg.handleRemoved(context.Background(), msg))

	assert.Equal(t, 0, f.reg.Len())
	ev := f.events.last()
	assert.Equal(t, instrument.EventBreakpointRemoved, ev.Type)
	assert.Equal(t, instrument.CauseHitLimit, ev.Cause)
}

func TestRemoteExplicitRemovalOnlyDropsProbe(t *testing.T) {
	f := newFixture(t, nil)
	inst, err := f.reg.AddInstrument(asUser("alice"), breakpointAt(10, ""))
	require.NoError(t, err)
	f.apply(t, inst.ID, "probe-1")

	msg := statusMessage(t, "probe-1", protocol.AddressInstrumentRemoved, &protocol.StatusReport{
		InstrumentID: inst.ID,
		Cause:        instrument.CauseExplicit,
	})
	require.NoError(t, f.reg.handleRemoved(context.Background(), msg))

	got, err := f.reg.GetInstrument(asUser("alice"), inst.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Meta.AppliedBy)
	assert.Equal(t, instrument.StatusActive, got.Status)
}

func TestHitsUpdateBookkeepingAndRoute(t *testing.T) {
	f := newFixture(t, nil)
	ctx := asUser("alice")
	inst, err := f.reg.AddInstrument(ctx, breakpointAt(10, ""))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		msg := message(t, "probe-1", protocol.AddressInstrumentHit, &instrument.Hit{
			InstrumentID: inst.ID,
			Variables:    map[string]any{"x": i},
		})
		require.NoError(t, f.reg.handleHit(context.Background(), msg))
	}

	ev := f.events.last()
	require.NotNil(t, ev.Hit)
	assert.Equal(t, instrument.EventBreakpointHit, ev.Type)
	assert.Equal(t, "probe-1", ev.Hit.ProbeID)
	assert.Equal(t, inst.Location, ev.Hit.Location)

	got, err := f.reg.GetInstrument(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Meta.HitCount)
	assert.NotNil(t, got.Meta.FirstHitAt)

	// Bookkeeping reaches the store on the next sweep.
	f.reg.Sweep(ctx)
	stored, err := f.store.GetInstrument(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Meta.HitCount)

	// Hits for unknown instruments are dropped.
	msg := message(t, "probe-1", protocol.AddressInstrumentHit, &instrument.Hit{InstrumentID: "gone"})
	require.NoError(t, f.reg.handleHit(context.Background(), msg))
	assert.Equal(t, instrument.EventBreakpointHit, f.events.last().Type)
}

func TestErrorReportEmitsErrorEvent(t *testing.T) {
	f := newFixture(t, nil)
	inst, err := f.reg.AddInstrument(asUser("alice"), breakpointAt(10, "missing > 1"))
	require.NoError(t, err)

	msg := statusMessage(t, "probe-1", protocol.AddressInstrumentError, &protocol.StatusReport{
		InstrumentID: inst.ID,
		Code:         instrument.ErrCodeConditionEvaluation,
		Error:        "name missing is not defined",
	})
	require.NoError(t, f.reg.handleError(context.Background(), msg))

	ev := f.events.last()
	assert.Equal(t, instrument.EventBreakpointError, ev.Type)
	assert.Equal(t, "name missing is not defined", ev.Error)
}

func TestSweepExpiresInstruments(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.connected = true
	ctx := asUser("alice")

	exp := f.clock.Now().Add(time.Minute)
	pending := breakpointAt(10, "")
	pending.ExpiresAt = &exp
	active := breakpointAt(11, "")
	active.ExpiresAt = &exp
	lasting := breakpointAt(12, "")

	p, err := f.reg.AddInstrument(ctx, pending)
	require.NoError(t, err)
	a, err := f.reg.AddInstrument(ctx, active)
	require.NoError(t, err)
	_, err = f.reg.AddInstrument(ctx, lasting)
	require.NoError(t, err)
	f.apply(t, a.ID, "probe-1")

	assert.Equal(t, 0, f.reg.Sweep(ctx))
	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, f.reg.Sweep(ctx))
	assert.Equal(t, 1, f.reg.Len())

	_, err = f.reg.GetInstrument(ctx, p.ID)
	assert.True(t, instrument.IsNotFound(err))

	// Only the installed instrument needs a remote removal.
	var removals [][]string
	for _, cmd := range f.transport.publishedCommands() {
		if cmd.Type == protocol.CommandRemoveInstruments {
			removals = append(removals, cmd.InstrumentIDs)
		}
	}
	assert.Equal(t, [][]string{{a.ID}}, removals)
}

func TestDefaultTTL(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Config.DefaultTTL = time.Hour })

	inst, err := f.reg.AddInstrument(asUser("alice"), breakpointAt(10, ""))
	require.NoError(t, err)
	require.NotNil(t, inst.ExpiresAt)
	assert.Equal(t, f.clock.Now().Add(time.Hour), *inst.ExpiresAt)
}

func TestDisconnectKeepsStatus(t *testing.T) {
	f := newFixture(t, nil)
	inst, err := f.reg.AddInstrument(asUser("alice"), breakpointAt(10, ""))
	require.NoError(t, err)
	f.apply(t, inst.ID, "probe-1")

	f.reg.probeDisconnected(bridge.Identity{ConnectionID: "conn-probe-1", ProbeID: "probe-1"})

	got, err := f.reg.GetInstrument(asUser("alice"), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, instrument.StatusActive, got.Status)
	assert.Empty(t, got.Meta.AppliedBy)
}

func TestRegisterReplaysLiveInstruments(t *testing.T) {
	f := newFixture(t, nil)
	ctx := asUser("alice")
	first, err := f.reg.AddInstrument(ctx, breakpointAt(10, ""))
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	second, err := f.reg.AddInstrument(ctx, breakpointAt(11, ""))
	require.NoError(t, err)

	id := bridge.Identity{ConnectionID: "conn-1", ProbeID: "probe-1"}
	f.reg.probeRegistered(id, "some.other.address")
	assert.Empty(t, f.transport.sentTo("conn-1"))

	f.reg.probeRegistered(id, protocol.AddressInstrumentCommand)
	sent := f.transport.sentTo("conn-1")
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.CommandAddInstruments, sent[0].Type)
	require.Len(t, sent[0].Instruments, 2)
	assert.Equal(t, first.ID, sent[0].Instruments[0].ID)
	assert.Equal(t, second.ID, sent[0].Instruments[1].ID)
}

func TestGetInstrumentsFilterAndOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := asUser("alice")
	a, err := f.reg.AddInstrument(ctx, breakpointAt(10, ""))
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	b, err := f.reg.AddInstrument(ctx, breakpointAt(11, ""))
	require.NoError(t, err)
	f.apply(t, b.ID, "probe-1")

	all, err := f.reg.GetInstruments(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID)

	yes := true
	pending, err := f.reg.GetInstruments(ctx, Filter{Pending: &yes})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)

	none, err := f.reg.GetInstruments(ctx, Filter{Kind: instrument.KindLog})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLoadRestoresInstruments(t *testing.T) {
	store := stores.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.SaveInstrument(ctx, &instrument.Instrument{
		ID:       "bp-1",
		Kind:     instrument.KindBreakpoint,
		Location: instrument.Location{Source: "FileA", Line: 10},
		Throttle: instrument.DefaultThrottle(),
		Status:   instrument.StatusActive,
		Meta:     instrument.Meta{AppliedBy: []string{"probe-1"}},
	}))

	reg, err := New(Options{Store: store, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, reg.Load(ctx))

	got, err := reg.GetInstrument(asUser("alice"), "bp-1")
	require.NoError(t, err)
	assert.Equal(t, instrument.StatusActive, got.Status)
	assert.Empty(t, got.Meta.AppliedBy)

	_, err = reg.AddInstrument(asUser("alice"), breakpointAt(10, "x > 1"))
	assert.True(t, instrument.IsConflict(err))
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestApplyImmediatelyReleasedWhenLastAgentDisconnects(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Config.ApplyTimeout = time.Minute })
	agent := bridge.Identity{ConnectionID: "conn-probe-1", ProbeID: "probe-1"}
	f.reg.probeRegistered(agent, protocol.AddressInstrumentCommand)

	f.transport.connected = true
	f.transport.onPublish = func(*protocol.Command) {
		f.reg.probeDisconnected(agent)
	}

	sub := breakpointAt(10, "")
	sub.ApplyImmediately = true
	start := time.Now()
	inst, err := f.reg.AddInstrument(asUser("alice"), sub)
	require.NoError(t, err)
	assert.Equal(t, instrument.StatusPending, inst.Status)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestApplyImmediatelyKeepsWaitingWhileAnotherAgentRemains(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Config.ApplyTimeout = 5 * time.Second })
	first := bridge.Identity{ConnectionID: "conn-probe-1", ProbeID: "probe-1"}
	second := bridge.Identity{ConnectionID: "conn-probe-2", ProbeID: "probe-2"}
	f.reg.probeRegistered(first, protocol.AddressInstrumentCommand)
	f.reg.probeRegistered(second, protocol.AddressInstrumentCommand)

	f.transport.connected = true
	f.transport.onPublish = func(cmd *protocol.Command) {
		f.reg.probeDisconnected(first)
		for _, inst := range cmd.Instruments {
			msg := statusMessage(t, "probe-2", protocol.AddressInstrumentApplied, &protocol.StatusReport{InstrumentID: inst.ID})
			_ = f.reg.handleApplied(context.Background(), msg)
		}
	}

	sub := breakpointAt(10, "")
	sub.ApplyImmediately = true
	inst, err := f.reg.AddInstrument(asUser("alice"), sub)
	require.NoError(t, err)
	assert.Equal(t, instrument.StatusActive, inst.Status)
	assert.Equal(t, []string{"probe-2"}, inst.Meta.AppliedBy)
}

// racingStore runs onSave before every save.
type racingStore struct {
	*stores.MemoryStore
	onSave func(inst *instrument.Instrument)
}

func (s *racingStore) SaveInstrument(ctx context.Context, inst *instrument.Instrument) error {
	if s.onSave != nil {
		fn := s.onSave
		s.onSave = nil
		fn(inst)
	}
	return s.MemoryStore.SaveInstrument(ctx, inst)
}

func TestRemoveDuringAddDoesNotResurrect(t *testing.T) {
	store := &racingStore{MemoryStore: stores.NewMemoryStore()}
	f := newFixture(t, func(o *Options) { o.Store = store })
	store.onSave = func(inst *instrument.Instrument) {
		_, err := f.reg.RemoveInstrument(asUser("alice"), inst.ID)
		require.NoError(t, err)
	}

	inst, err := f.reg.AddInstrument(asUser("alice"), breakpointAt(10, ""))
	require.NoError(t, err)
	assert.Equal(t, instrument.StatusRemoved, inst.Status)
	assert.Equal(t, 0, f.reg.Len())

	list, err := store.ListInstruments(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
	for _, cmd := range f.transport.publishedCommands() {
		assert.NotEqual(t, protocol.CommandAddInstruments, cmd.Type)
	}

	reloaded, err := New(Options{Store: store, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, reloaded.Load(context.Background()))
	assert.Equal(t, 0, reloaded.Len())
}
