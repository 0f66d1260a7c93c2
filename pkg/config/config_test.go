package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveprobe/liveprobe/pkg/stores"
)

func envMap(m map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "liveprobe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, stores.DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 1000, cfg.Subscriptions.WaitingBufferSize)
	assert.Equal(t, 10, cfg.Bridge.MaxRejections)
}

func TestLoadYAMLOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
registry:
  apply_timeout: 2s
  default_ttl: 1h
bridge:
  max_rejections: 3
subscriptions:
  waiting_buffer_size: 50
store:
  driver: sqlite
  sqlite:
    path: /tmp/liveprobe-test.db
policy:
  paths: [policies]
telemetry:
  logging:
    level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 2*time.Second, cfg.Registry.ApplyTimeout)
	assert.Equal(t, time.Hour, cfg.Registry.DefaultTTL)
	assert.Equal(t, 3, cfg.Bridge.MaxRejections)
	assert.Equal(t, 256, cfg.Bridge.SendQueueSize)
	assert.Equal(t, 50, cfg.Subscriptions.WaitingBufferSize)
	assert.Equal(t, stores.DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "/tmp/liveprobe-test.db", cfg.Store.SQLite.Path)
	assert.Equal(t, []string{"policies"}, cfg.Policy.Paths)
	assert.Equal(t, "debug", cfg.Telemetry.Logging.Level)
	assert.Equal(t, "console", cfg.Telemetry.Logging.Format)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "server:\n  adress: \":1\"\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adress")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEmptyFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "\n"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server, cfg.Server)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	secret := strings.Repeat("s", MinSecretLength)
	err := applyEnv(cfg, envMap(map[string]string{
		"LIVEPROBE_ADDR":                ":7000",
		"LIVEPROBE_STORE_DRIVER":        "redis",
		"LIVEPROBE_REDIS_ADDR":          "redis:6379",
		"LIVEPROBE_AUTH_SECRET":         secret,
		"LIVEPROBE_BRIDGE_REQUIRE_AUTH": "true",
		"LIVEPROBE_APPLY_TIMEOUT":       "750ms",
		"LIVEPROBE_MAX_INSTRUMENTS":     "25",
		"LIVEPROBE_POLICY_PATHS":        "a.rego, b ,",
		"LIVEPROBE_OTLP_ENDPOINT":       "collector:4317",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, stores.DriverRedis, cfg.Store.Driver)
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, secret, cfg.Auth.Secret)
	assert.True(t, cfg.Bridge.RequireAuth)
	assert.Equal(t, 750*time.Millisecond, cfg.Registry.ApplyTimeout)
	assert.Equal(t, 25, cfg.Registry.MaxInstruments)
	assert.Equal(t, []string{"a.rego", "b"}, cfg.Policy.Paths)
	assert.True(t, cfg.Telemetry.Tracing.Enabled)
	assert.Equal(t, "otlp", cfg.Telemetry.Tracing.Exporter)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnvReportsBadValues(t *testing.T) {
	err := applyEnv(Default(), envMap(map[string]string{
		"LIVEPROBE_APPLY_TIMEOUT":   "soon",
		"LIVEPROBE_MAX_INSTRUMENTS": "many",
		"LIVEPROBE_POLICY_WATCH":    "maybe",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LIVEPROBE_APPLY_TIMEOUT")
	assert.Contains(t, err.Error(), "LIVEPROBE_MAX_INSTRUMENTS")
	assert.Contains(t, err.Error(), "LIVEPROBE_POLICY_WATCH")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing addr", func(c *Config) { c.Server.Addr = "" }, "Addr"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }, "Driver"},
		{"sqlite without path", func(c *Config) {
			c.Store.Driver = stores.DriverSQLite
			c.Store.SQLite.Path = ""
		}, "store.sqlite.path"},
		{"redis without addr", func(c *Config) {
			c.Store.Driver = stores.DriverRedis
			c.Store.Redis.Addr = ""
		}, "store.redis.addr"},
		{"short secret", func(c *Config) {
			c.Auth.Enabled = true
			c.Auth.Secret = "short"
		}, "auth.secret"},
		{"bridge auth without auth", func(c *Config) { c.Bridge.RequireAuth = true }, "bridge.require_auth"},
		{"watch without paths", func(c *Config) { c.Policy.Watch = true }, "policy.watch"},
		{"bad log level", func(c *Config) { c.Telemetry.Logging.Level = "loud" }, "log level"},
		{"negative limit", func(c *Config) { c.Registry.MaxInstruments = -1 }, "MaxInstruments"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("LIVEPROBE_TEST_DOTENV=from-file\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("LIVEPROBE_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), path))
	assert.Equal(t, "from-file", os.Getenv("LIVEPROBE_TEST_DOTENV"))
}
