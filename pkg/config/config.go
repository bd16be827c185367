// Package config loads hotspotd settings from defaults, an optional YAML
// file, a .env file and HOTSPOT_* environment variables, in that order of
// precedence (later wins).
package config

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/codelaboratoryltd/hotspot/pkg/accounting"
	"github.com/codelaboratoryltd/hotspot/pkg/cache"
	"github.com/codelaboratoryltd/hotspot/pkg/database"
	"github.com/codelaboratoryltd/hotspot/pkg/notify"
	"github.com/codelaboratoryltd/hotspot/pkg/orchestrator"
	"github.com/codelaboratoryltd/hotspot/pkg/radius"
	"github.com/codelaboratoryltd/hotspot/pkg/session"
)

// EnvPrefix prefixes every environment override, e.g.
// HOTSPOT_COA_SECRET or HOTSPOT_ACCOUNTING_POLL_INTERVAL.
const EnvPrefix = "HOTSPOT"

const redacted = "<redacted>"

// Config is the complete daemon configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`
	// OpsAddr serves /metrics, /healthz and /readyz. Empty disables it.
	OpsAddr string `mapstructure:"ops_addr" yaml:"ops_addr"`

	Cache        cache.Config           `mapstructure:"cache" yaml:"cache"`
	Database     database.Config        `mapstructure:"database" yaml:"database"`
	Session      session.Config         `mapstructure:"session" yaml:"session"`
	CoA          radius.CoAClientConfig `mapstructure:"coa" yaml:"coa"`
	Policies     []radius.QoSPolicy     `mapstructure:"policies" yaml:"policies" validate:"dive"`
	Accounting   accounting.Config      `mapstructure:"accounting" yaml:"accounting"`
	Orchestrator orchestrator.Config    `mapstructure:"orchestrator" yaml:"orchestrator"`
	Notify       NotifyConfig           `mapstructure:"notify" yaml:"notify"`
}

// NotifyConfig selects where session events go.
type NotifyConfig struct {
	// Channel is the Redis pub/sub channel. Events are only published
	// when the cache is backed by Redis.
	Channel string `mapstructure:"channel" yaml:"channel"`
	Log     bool   `mapstructure:"log" yaml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel:     "info",
		OpsAddr:      ":9090",
		Cache:        cache.DefaultConfig(),
		Database:     database.DefaultConfig(),
		Session:      session.DefaultConfig(),
		CoA:          radius.DefaultCoAClientConfig(),
		Policies:     radius.DefaultPolicies(),
		Accounting:   accounting.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Notify: NotifyConfig{
			Channel: notify.DefaultChannel,
			Log:     true,
		},
	}
}

// Load builds the configuration. path may be empty. A missing .env file is
// ignored; a missing config file named by path is an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")

	// Seed viper with the defaults so every key is known to AutomaticEnv.
	base, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(base)); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks field constraints. The daemon calls it before starting;
// read-only CLI commands skip it so they work without a RADIUS secret.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Accounting.Lookback < c.Accounting.PollInterval {
		return fmt.Errorf("invalid config: accounting lookback %s shorter than poll interval %s",
			c.Accounting.Lookback, c.Accounting.PollInterval)
	}
	return nil
}

// Redacted returns a copy with secrets masked.
func (c *Config) Redacted() Config {
	out := *c
	if out.CoA.Secret != "" {
		out.CoA.Secret = redacted
	}
	if out.Cache.Password != "" {
		out.Cache.Password = redacted
	}
	if out.Database.DSN != "" {
		out.Database.DSN = redactDSN(out.Database.DSN)
	}
	if out.Accounting.SourceDSN != "" {
		out.Accounting.SourceDSN = redactDSN(out.Accounting.SourceDSN)
	}
	return out
}

// YAML renders the redacted configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}

// redactDSN masks the password of a postgres:// URL or a key=value DSN.
func redactDSN(dsn string) string {
	if at := strings.LastIndex(dsn, "@"); at > 0 {
		if scheme := strings.Index(dsn, "://"); scheme >= 0 && scheme < at {
			userinfo := dsn[scheme+3 : at]
			if colon := strings.Index(userinfo, ":"); colon >= 0 {
				return dsn[:scheme+3] + userinfo[:colon+1] + redacted + dsn[at:]
			}
		}
	}
	fields := strings.Fields(dsn)
	for i, f := range fields {
		if strings.HasPrefix(f, "password=") {
			fields[i] = "password=" + redacted
		}
	}
	return strings.Join(fields, " ")
}
