package stores

import (
	"context"
	"sort"
	"time"

	"github.com/liveprobe/liveprobe/pkg/instrument"
)

// AuditEntry represents an audit trail entry.
type AuditEntry struct {
	ID           int64     `json:"id"`
	Action       string    `json:"action"` // e.g., "instrument.added", "probe.connected"
	Actor        string    `json:"actor"`
	InstrumentID *string   `json:"instrument_id,omitempty"`
	ProbeID      *string   `json:"probe_id,omitempty"`
	Details      *string   `json:"details,omitempty"` // JSON blob
	Timestamp    time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Instrument operations. SaveInstrument upserts by id and fails with a
	// conflict error when another instrument holds the same location.
	SaveInstrument(ctx context.Context, inst *instrument.Instrument) error
	GetInstrument(ctx context.Context, id string) (*instrument.Instrument, error)
	FindByLocation(ctx context.Context, loc instrument.Location) (*instrument.Instrument, error)
	ListInstruments(ctx context.Context) ([]*instrument.Instrument, error)
	DeleteInstrument(ctx context.Context, id string) error

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, instrumentID *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

// Driver names accepted by Open.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Options selects and configures a store implementation.
type Options struct {
	Driver string      `yaml:"driver" validate:"omitempty,oneof=memory sqlite redis"`
	SQLite Config      `yaml:"sqlite"`
	Redis  RedisConfig `yaml:"redis"`
}

// Open constructs, initializes and migrates the configured store.
func Open(ctx context.Context, opts Options) (Store, error) {
	var s Store
	switch opts.Driver {
	case "", DriverMemory:
		s = NewMemoryStore()
	case DriverSQLite:
		sq, err := NewSQLiteStore(opts.SQLite)
		if err != nil {
			return nil, err
		}
		s = sq
	case DriverRedis:
		rs, err := NewRedisStore(opts.Redis)
		if err != nil {
			return nil, err
		}
		s = rs
	default:
		return nil, instrument.NewValidationError("unknown store driver: "+opts.Driver, nil)
	}

	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// sortInstruments orders instruments by creation time, then id.
func sortInstruments(list []*instrument.Instrument) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

func limitOffset(n, limit, offset int) (int, int) {
	if offset > n {
		offset = n
	}
	end := n
	if limit > 0 && offset+limit < n {
		end = offset + limit
	}
	return offset, end
}
