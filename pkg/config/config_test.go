package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelaboratoryltd/hotspot/pkg/orchestrator"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hotspot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 3799, cfg.CoA.Port)
	assert.Equal(t, 5*time.Minute, cfg.Accounting.PollInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.Session.OpTimeout)
	assert.Equal(t, orchestrator.FailClosed, cfg.Orchestrator.FailurePolicy)
	assert.Len(t, cfg.Policies, len(Default().Policies))

	// No secret yet.
	assert.Error(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
log_level: debug
coa:
  secret: testing123
  await_reply: true
accounting:
  poll_interval: 1m
  lookback: 3m
orchestrator:
  failure_policy: fail_open
  routers:
    router-1: 192.0.2.1
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "testing123", cfg.CoA.Secret)
	assert.True(t, cfg.CoA.AwaitReply)
	assert.Equal(t, 3799, cfg.CoA.Port, "unset keys keep defaults")
	assert.Equal(t, time.Minute, cfg.Accounting.PollInterval)
	assert.Equal(t, orchestrator.FailOpen, cfg.Orchestrator.FailurePolicy)
	assert.Equal(t, map[string]string{"router-1": "192.0.2.1"}, cfg.Orchestrator.Routers)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "coa:\n  secret: from-file\n")
	t.Setenv("HOTSPOT_COA_SECRET", "from-env")
	t.Setenv("HOTSPOT_ACCOUNTING_POLL_INTERVAL", "2m")
	t.Setenv("HOTSPOT_CACHE_ADDR", "redis:6379")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.CoA.Secret)
	assert.Equal(t, 2*time.Minute, cfg.Accounting.PollInterval)
	assert.Equal(t, "redis:6379", cfg.Cache.Addr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults with secret", func(*Config) {}, true},
		{"missing secret", func(c *Config) { c.CoA.Secret = "" }, false},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, false},
		{"bad failure policy", func(c *Config) { c.Orchestrator.FailurePolicy = "maybe" }, false},
		{"bad disconnect target", func(c *Config) { c.Orchestrator.DisconnectBy = "ip" }, false},
		{"unnamed policy", func(c *Config) { c.Policies[0].Name = "" }, false},
		{"lookback shorter than poll", func(c *Config) { c.Accounting.Lookback = time.Minute }, false},
		{"zero batch", func(c *Config) { c.Accounting.BatchSize = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.CoA.Secret = "testing123"
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestYAMLRedactsSecrets(t *testing.T) {
	cfg := Default()
	cfg.CoA.Secret = "testing123"
	cfg.Cache.Password = "hunter2"
	cfg.Database.DSN = "postgres://hotspot:pw@db:5432/hotspot?sslmode=disable"

	out, err := cfg.YAML()
	require.NoError(t, err)

	text := string(out)
	assert.NotContains(t, text, "testing123")
	assert.NotContains(t, text, "hunter2")
	assert.NotContains(t, text, ":pw@")
	assert.Contains(t, text, "postgres://hotspot:<redacted>@db:5432/hotspot")

	// The original is untouched.
	assert.Equal(t, "testing123", cfg.CoA.Secret)
}

func TestRedactDSN(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"postgres://u:p@h/db", "postgres://u:<redacted>@h/db"},
		{"postgres://u@h/db", "postgres://u@h/db"},
		{"host=h user=u password=p dbname=d", "host=h user=u password=<redacted> dbname=d"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, redactDSN(tt.in))
	}
}
