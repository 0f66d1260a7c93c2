package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/liveprobe/liveprobe/pkg/instrument"
)

// RedisConfig holds Redis store configuration.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Prefix namespaces every key; defaults to "liveprobe:".
	Prefix string `yaml:"prefix"`
}

// RedisStore implements the Store interface on Redis.
//
// Layout under the prefix:
//
//	instrument:<id>           JSON instrument
//	instruments               ZSET of ids scored by creation time (ms)
//	locations                 HASH location key -> id
//	audit                     LIST of JSON entries, newest first
//	audit:instrument:<id>     LIST of JSON entries for one instrument
//	audit:seq                 audit id counter
type RedisStore struct {
	client *redis.Client
	cfg    RedisConfig
}

// NewRedisStore creates a Redis store; the connection is opened by Init.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "liveprobe:"
	}
	return &RedisStore{cfg: cfg}, nil
}

// Init connects and pings the server.
func (s *RedisStore) Init(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{
		Addr:     s.cfg.Addr,
		Password: s.cfg.Password,
		DB:       s.cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	s.client = client
	return nil
}

// Migrate is a no-op; Redis keys need no schema.
func (s *RedisStore) Migrate(context.Context) error { return nil }

// Close closes the client.
func (s *RedisStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// HealthCheck pings the server.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("redis not initialized")
	}
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) key(parts ...string) string {
	k := s.cfg.Prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// SaveInstrument upserts an instrument and claims its location.
func (s *RedisStore) SaveInstrument(ctx context.Context, inst *instrument.Instrument) error {
	body, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instrument: %w", err)
	}

	locKey := inst.Location.Key()
	claimed, err := s.client.HSetNX(ctx, s.key("locations"), locKey, inst.ID).Result()
	if err != nil {
		return fmt.Errorf("failed to claim location: %w", err)
	}
	if !claimed {
		holder, err := s.client.HGet(ctx, s.key("locations"), locKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to read location: %w", err)
		}
		if holder != "" && holder != inst.ID {
			return instrument.NewConflictError(holder, inst.Location)
		}
	}

	prev, err := s.GetInstrument(ctx, inst.ID)
	if err != nil && !instrument.IsNotFound(err) {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if prev != nil && prev.Location.Key() != locKey {
			pipe.HDel(ctx, s.key("locations"), prev.Location.Key())
		}
		pipe.HSet(ctx, s.key("locations"), locKey, inst.ID)
		pipe.Set(ctx, s.key("instrument", inst.ID), body, 0)
		pipe.ZAdd(ctx, s.key("instruments"), redis.Z{
			Score:  float64(inst.CreatedAt.UnixMilli()),
			Member: inst.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save instrument: %w", err)
	}
	return nil
}

// GetInstrument retrieves an instrument by ID.
func (s *RedisStore) GetInstrument(ctx context.Context, id string) (*instrument.Instrument, error) {
	body, err := s.client.Get(ctx, s.key("instrument", id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, instrument.NewNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instrument: %w", err)
	}
	return decodeInstrument(body)
}

// FindByLocation retrieves the instrument registered at loc.
func (s *RedisStore) FindByLocation(ctx context.Context, loc instrument.Location) (*instrument.Instrument, error) {
	id, err := s.client.HGet(ctx, s.key("locations"), loc.Key()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, instrument.NewNotFoundError(loc.Key())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read location: %w", err)
	}
	return s.GetInstrument(ctx, id)
}

// ListInstruments lists every instrument in creation order.
func (s *RedisStore) ListInstruments(ctx context.Context) ([]*instrument.Instrument, error) {
	ids, err := s.client.ZRange(ctx, s.key("instruments"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list instruments: %w", err)
	}
	list := []*instrument.Instrument{}
	if len(ids) == 0 {
		return list, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key("instrument", id)
	}
	bodies, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load instruments: %w", err)
	}
	for _, b := range bodies {
		str, ok := b.(string)
		if !ok {
			continue
		}
		inst, err := decodeInstrument(str)
		if err != nil {
			return nil, err
		}
		list = append(list, inst)
	}

	sortInstruments(list)
	return list, nil
}

// DeleteInstrument deletes an instrument; missing ids are ignored.
func (s *RedisStore) DeleteInstrument(ctx context.Context, id string) error {
	inst, err := s.GetInstrument(ctx, id)
	if instrument.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key("instrument", id))
		pipe.ZRem(ctx, s.key("instruments"), id)
		pipe.HDel(ctx, s.key("locations"), inst.Location.Key())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete instrument: %w", err)
	}
	return nil
}

// CreateAuditEntry appends an audit entry and assigns its id.
func (s *RedisStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	id, err := s.client.Incr(ctx, s.key("audit", "seq")).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate audit id: %w", err)
	}
	entry.ID = id

	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, s.key("audit"), body)
		if entry.InstrumentID != nil {
			pipe.LPush(ctx, s.key("audit", "instrument", *entry.InstrumentID), body)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries lists audit entries newest first.
func (s *RedisStore) ListAuditEntries(ctx context.Context, instrumentID *string, limit, offset int) ([]*AuditEntry, error) {
	listKey := s.key("audit")
	if instrumentID != nil {
		listKey = s.key("audit", "instrument", *instrumentID)
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(offset + limit - 1)
	}

	raw, err := s.client.LRange(ctx, listKey, int64(offset), stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}

	entries := make([]*AuditEntry, 0, len(raw))
	for _, r := range raw {
		entry := &AuditEntry{}
		if err := json.Unmarshal([]byte(r), entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit entry %s: %w", strconv.Quote(r), err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
