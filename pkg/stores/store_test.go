package stores

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveprobe/liveprobe/pkg/instrument"
)

// setupStores returns one initialized, migrated store per driver.
func setupStores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	mr := miniredis.RunT(t)

	stores := map[string]Store{}
	for name, opts := range map[string]Options{
		DriverMemory: {Driver: DriverMemory},
		DriverSQLite: {Driver: DriverSQLite, SQLite: Config{Path: ":memory:"}},
		DriverRedis:  {Driver: DriverRedis, Redis: RedisConfig{Addr: mr.Addr()}},
	} {
		s, err := Open(ctx, opts)
		require.NoError(t, err, name)
		t.Cleanup(func() { _ = s.Close() })
		stores[name] = s
	}
	return stores
}

func newTestInstrument(id, source string, line int, created time.Time) *instrument.Instrument {
	return &instrument.Instrument{
		ID:        id,
		Kind:      instrument.KindBreakpoint,
		Location:  instrument.Location{Source: source, Line: line},
		Condition: "x > 5",
		Throttle:  instrument.DefaultThrottle(),
		Status:    instrument.StatusPending,
		CreatedBy: "alice",
		CreatedAt: created,
	}
}

func TestInstrumentCRUD(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	for name, s := range setupStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.HealthCheck(ctx))

			a := newTestInstrument("bp-a", "FileA", 10, base)
			b := newTestInstrument("bp-b", "FileB", 20, base.Add(time.Second))
			require.NoError(t, s.SaveInstrument(ctx, b))
			require.NoError(t, s.SaveInstrument(ctx, a))

			got, err := s.GetInstrument(ctx, "bp-a")
			require.NoError(t, err)
			assert.Equal(t, "x > 5", got.Condition)
			assert.Equal(t, "FileA", got.Location.Source)
			assert.True(t, base.Equal(got.CreatedAt))

			byLoc, err := s.FindByLocation(ctx, instrument.Location{Source: "FileB", Line: 20})
			require.NoError(t, err)
			assert.Equal(t, "bp-b", byLoc.ID)

			list, err := s.ListInstruments(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "bp-a", list[0].ID, "ordered by creation time")

			// Upsert changes status and meta.
			a.Status = instrument.StatusActive
			a.Meta.HitCount = 3
			require.NoError(t, s.SaveInstrument(ctx, a))
			got, err = s.GetInstrument(ctx, "bp-a")
			require.NoError(t, err)
			assert.Equal(t, instrument.StatusActive, got.Status)
			assert.Equal(t, int64(3), got.Meta.HitCount)

			require.NoError(t, s.DeleteInstrument(ctx, "bp-a"))
			require.NoError(t, s.DeleteInstrument(ctx, "bp-a"), "deleting twice is a no-op")

			_, err = s.GetInstrument(ctx, "bp-a")
			assert.True(t, instrument.IsNotFound(err))
			_, err = s.FindByLocation(ctx, instrument.Location{Source: "FileA", Line: 10})
			assert.True(t, instrument.IsNotFound(err))
		})
	}
}

func TestSaveInstrumentLocationConflict(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	for name, s := range setupStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SaveInstrument(ctx, newTestInstrument("first", "FileA", 10, now)))

			err := s.SaveInstrument(ctx, newTestInstrument("second", "FileA", 10, now))
			require.Error(t, err)
			assert.True(t, instrument.IsConflict(err))
			existing, ok := instrument.ExistingID(err)
			assert.True(t, ok)
			assert.Equal(t, "first", existing)

			// The location is free again after deletion.
			require.NoError(t, s.DeleteInstrument(ctx, "first"))
			require.NoError(t, s.SaveInstrument(ctx, newTestInstrument("second", "FileA", 10, now)))
		})
	}
}

func TestAuditEntries(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	id := "bp-a"

	for name, s := range setupStores(t) {
		t.Run(name, func(t *testing.T) {
			entries := []*AuditEntry{
				{Action: "instrument.added", Actor: "alice", InstrumentID: &id, Timestamp: base},
				{Action: "probe.connected", Actor: "system", Timestamp: base.Add(time.Second)},
				{Action: "instrument.removed", Actor: "alice", InstrumentID: &id, Timestamp: base.Add(2 * time.Second)},
			}
			for _, e := range entries {
				require.NoError(t, s.CreateAuditEntry(ctx, e))
				assert.NotZero(t, e.ID)
			}

			all, err := s.ListAuditEntries(ctx, nil, 0, 0)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "instrument.removed", all[0].Action, "newest first")

			forInst, err := s.ListAuditEntries(ctx, &id, 10, 0)
			require.NoError(t, err)
			require.Len(t, forInst, 2)
			assert.Equal(t, "instrument.removed", forInst[0].Action)
			assert.Equal(t, "instrument.added", forInst[1].Action)

			page, err := s.ListAuditEntries(ctx, nil, 1, 1)
			require.NoError(t, err)
			require.Len(t, page, 1)
			assert.Equal(t, "probe.connected", page[0].Action)
		})
	}
}

func TestSQLiteMigrateDownAndUp(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(Config{Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, s.Init(ctx))
	defer s.Close()

	require.NoError(t, s.Migrate(ctx))
	v, dirty, err := s.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
	assert.False(t, dirty)

	// Running again is a no-op.
	require.NoError(t, s.Migrate(ctx))

	require.NoError(t, s.MigrateDown(ctx))
	err = s.SaveInstrument(ctx, newTestInstrument("x", "FileA", 1, time.Now()))
	assert.Error(t, err, "table dropped")

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.SaveInstrument(ctx, newTestInstrument("x", "FileA", 1, time.Now())))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "cassandra"})
	require.Error(t, err)
	assert.True(t, instrument.IsValidation(err))

	_, err = NewSQLiteStore(Config{})
	assert.Error(t, err)
	_, err = NewRedisStore(RedisConfig{})
	assert.Error(t, err)
}
