package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable the configuration reads.
const EnvPrefix = "LIVEPROBE_"

// LoadDotEnv loads variables from each file that exists. Variables already
// set in the environment win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

// env reads LIVEPROBE_* overrides and records parse failures.
type env struct {
	lookup lookupFunc
	errs   []error
}

func (e *env) str(key string, dst *string) {
	if v, ok := e.lookup(EnvPrefix + key); ok && v != "" {
		*dst = v
	}
}

func (e *env) list(key string, dst *[]string) {
	v, ok := e.lookup(EnvPrefix + key)
	if !ok || v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (e *env) boolean(key string, dst *bool) {
	v, ok := e.lookup(EnvPrefix + key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return
	}
	*dst = b
}

func (e *env) integer(key string, dst *int) {
	v, ok := e.lookup(EnvPrefix + key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return
	}
	*dst = n
}

func (e *env) duration(key string, dst *time.Duration) {
	v, ok := e.lookup(EnvPrefix + key)
	if !ok || v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return
	}
	*dst = d
}

// applyEnv overlays environment variables onto cfg.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	e := &env{lookup: lookup}

	e.str("ADDR", &cfg.Server.Addr)

	e.boolean("BRIDGE_REQUIRE_AUTH", &cfg.Bridge.RequireAuth)
	e.duration("BRIDGE_SEND_TIMEOUT", &cfg.Bridge.SendTimeout)

	e.duration("APPLY_TIMEOUT", &cfg.Registry.ApplyTimeout)
	e.duration("DEFAULT_TTL", &cfg.Registry.DefaultTTL)
	e.integer("MAX_INSTRUMENTS", &cfg.Registry.MaxInstruments)

	e.integer("WAITING_BUFFER_SIZE", &cfg.Subscriptions.WaitingBufferSize)
	e.duration("SUBSCRIPTION_IDLE_TIMEOUT", &cfg.Subscriptions.IdleTimeout)

	e.str("STORE_DRIVER", &cfg.Store.Driver)
	e.str("SQLITE_PATH", &cfg.Store.SQLite.Path)
	e.str("REDIS_ADDR", &cfg.Store.Redis.Addr)
	e.str("REDIS_PASSWORD", &cfg.Store.Redis.Password)
	e.integer("REDIS_DB", &cfg.Store.Redis.DB)

	// A secret alone turns authentication on.
	if v, ok := lookup(EnvPrefix + "AUTH_SECRET"); ok && v != "" {
		cfg.Auth.Secret = v
		cfg.Auth.Enabled = true
	}
	e.boolean("AUTH_ENABLED", &cfg.Auth.Enabled)
	e.str("AUTH_ISSUER", &cfg.Auth.Issuer)
	e.duration("TOKEN_TTL", &cfg.Auth.TokenTTL)

	e.list("POLICY_PATHS", &cfg.Policy.Paths)
	e.boolean("POLICY_WATCH", &cfg.Policy.Watch)

	e.str("LOG_LEVEL", &cfg.Telemetry.Logging.Level)
	e.str("LOG_FORMAT", &cfg.Telemetry.Logging.Format)
	e.str("ENVIRONMENT", &cfg.Telemetry.Environment)
	if v, ok := lookup(EnvPrefix + "OTLP_ENDPOINT"); ok && v != "" {
		cfg.Telemetry.Tracing.Enabled = true
		cfg.Telemetry.Tracing.Exporter = "otlp"
		cfg.Telemetry.Tracing.Endpoint = v
	}

	if len(e.errs) > 0 {
		return fmt.Errorf("invalid environment: %w", errors.Join(e.errs...))
	}
	return nil
}
