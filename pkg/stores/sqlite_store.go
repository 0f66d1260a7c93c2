package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/liveprobe/liveprobe/pkg/instrument"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Path == ":memory:" {
		// Every connection to :memory: opens a separate database.
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and applies connection pragmas.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if s.cfg.Path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) migrator() (*migrate.Migrate, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

// Migrate runs all pending up migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// MigrateDown rolls back every migration.
func (s *SQLiteStore) MigrateDown(_ context.Context) error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}
	return nil
}

// Version returns the current schema version.
func (s *SQLiteStore) Version(_ context.Context) (uint, bool, error) {
	m, err := s.migrator()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

// SaveInstrument upserts an instrument row.
func (s *SQLiteStore) SaveInstrument(ctx context.Context, inst *instrument.Instrument) error {
	body, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instrument: %w", err)
	}

	query := `
		INSERT INTO instruments (id, kind, location_key, status, created_by, created_at, expires_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			location_key = excluded.location_key,
			status = excluded.status,
			expires_at = excluded.expires_at,
			body = excluded.body
	`

	_, err = s.db.ExecContext(ctx, query,
		inst.ID,
		string(inst.Kind),
		inst.Location.Key(),
		string(inst.Status),
		inst.CreatedBy,
		inst.CreatedAt.UnixMilli(),
		unixMilliPtr(inst.ExpiresAt),
		string(body),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			if holder, ferr := s.FindByLocation(ctx, inst.Location); ferr == nil {
				return instrument.NewConflictError(holder.ID, inst.Location)
			}
		}
		return fmt.Errorf("failed to save instrument: %w", err)
	}

	return nil
}

// GetInstrument retrieves an instrument by ID.
func (s *SQLiteStore) GetInstrument(ctx context.Context, id string) (*instrument.Instrument, error) {
	return s.getOne(ctx, `SELECT body FROM instruments WHERE id = ?`, id, id)
}

// FindByLocation retrieves the instrument registered at loc.
func (s *SQLiteStore) FindByLocation(ctx context.Context, loc instrument.Location) (*instrument.Instrument, error) {
	key := loc.Key()
	return s.getOne(ctx, `SELECT body FROM instruments WHERE location_key = ?`, key, key)
}

func (s *SQLiteStore) getOne(ctx context.Context, query, arg, notFoundID string) (*instrument.Instrument, error) {
	var body string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, instrument.NewNotFoundError(notFoundID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instrument: %w", err)
	}
	return decodeInstrument(body)
}

// ListInstruments lists every instrument in creation order.
func (s *SQLiteStore) ListInstruments(ctx context.Context) ([]*instrument.Instrument, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM instruments ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list instruments: %w", err)
	}
	defer rows.Close()

	list := []*instrument.Instrument{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan instrument: %w", err)
		}
		inst, err := decodeInstrument(body)
		if err != nil {
			return nil, err
		}
		list = append(list, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instruments: %w", err)
	}

	return list, nil
}

// DeleteInstrument deletes an instrument; missing ids are ignored.
func (s *SQLiteStore) DeleteInstrument(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM instruments WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete instrument: %w", err)
	}
	return nil
}

// CreateAuditEntry creates a new audit log entry.
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	query := `
		INSERT INTO audit (action, actor, instrument_id, probe_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.InstrumentID,
		entry.ProbeID,
		entry.Details,
		entry.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries newest first with an optional instrument filter.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, instrumentID *string, limit, offset int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id, action, actor, instrument_id, probe_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR instrument_id = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, instrumentID, instrumentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		var ts int64
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.InstrumentID,
			&entry.ProbeID,
			&entry.Details,
			&ts,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.Timestamp = time.UnixMilli(ts).UTC()
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

func decodeInstrument(body string) (*instrument.Instrument, error) {
	inst := &instrument.Instrument{}
	if err := json.Unmarshal([]byte(body), inst); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instrument: %w", err)
	}
	return inst, nil
}

func unixMilliPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}
