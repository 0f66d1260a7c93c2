// Package config loads the control plane configuration.
//
// Values are resolved in three layers: built-in defaults, an optional YAML
// file, then LIVEPROBE_* environment variables (which may come from a .env
// file). The result is validated before use.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/liveprobe/liveprobe/pkg/bridge"
	"github.com/liveprobe/liveprobe/pkg/registry"
	"github.com/liveprobe/liveprobe/pkg/stores"
	"github.com/liveprobe/liveprobe/pkg/subscription"
	"github.com/liveprobe/liveprobe/pkg/telemetry"
)

// Config is the complete control plane configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Bridge        bridge.Config       `yaml:"bridge"`
	Registry      registry.Config     `yaml:"registry"`
	Subscriptions subscription.Config `yaml:"subscriptions"`
	Store         stores.Options      `yaml:"store"`
	Auth          AuthConfig          `yaml:"auth"`
	Policy        PolicyConfig        `yaml:"policy"`
	Telemetry     telemetry.Config    `yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr              string        `yaml:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// MaxBodyBytes bounds API request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes" validate:"gte=0"`
}

// AuthConfig configures bearer token authentication for the API, the
// bridge and subscriber sockets.
type AuthConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Secret   string        `yaml:"secret"`
	Issuer   string        `yaml:"issuer"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// PolicyConfig configures authorization policies. Without paths the
// built-in policy applies.
type PolicyConfig struct {
	Paths []string `yaml:"paths"`
	// Watch reloads policies when files under Paths change.
	Watch bool `yaml:"watch"`
}

// MinSecretLength is the shortest accepted HMAC secret.
const MinSecretLength = 32

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			MaxBodyBytes:      1 << 20,
		},
		Bridge:        bridge.DefaultConfig(),
		Registry:      registry.DefaultConfig(),
		Subscriptions: subscription.DefaultConfig(),
		Store: stores.Options{
			Driver: stores.DriverMemory,
			SQLite: stores.Config{Path: "liveprobe.db"},
			Redis:  stores.RedisConfig{Addr: "localhost:6379", Prefix: "liveprobe:"},
		},
		Auth: AuthConfig{
			Issuer:   "liveprobe",
			TokenTTL: 24 * time.Hour,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty) and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.decode(raw); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode overlays YAML onto cfg. Unknown keys are errors.
func (c *Config) decode(raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	return dec.Decode(c)
}

var validate = validator.New()

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	switch c.Store.Driver {
	case stores.DriverSQLite:
		if c.Store.SQLite.Path == "" {
			errs = append(errs, errors.New("store.sqlite.path is required for the sqlite driver"))
		}
	case stores.DriverRedis:
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required for the redis driver"))
		}
	}
	if c.Auth.Enabled && len(c.Auth.Secret) < MinSecretLength {
		errs = append(errs, fmt.Errorf("auth.secret must be at least %d characters", MinSecretLength))
	}
	if c.Bridge.RequireAuth && !c.Auth.Enabled {
		errs = append(errs, errors.New("bridge.require_auth needs auth.enabled"))
	}
	if c.Policy.Watch && len(c.Policy.Paths) == 0 {
		errs = append(errs, errors.New("policy.watch needs policy.paths"))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
