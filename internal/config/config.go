// Package config loads calrecur configuration from struct defaults, an
// optional YAML file and CALRECUR_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/cyp0633/libcalrecur/engine"
	"github.com/cyp0633/libcalrecur/internal/validation"
	"github.com/cyp0633/libcalrecur/recurrence"
)

// EnvPrefix prefixes every environment override. CALRECUR_EXPAND_MAX_TIME_SPAN
// sets expand.max_time_span.
const EnvPrefix = "CALRECUR_"

// Config is the complete calrecur configuration.
type Config struct {
	Preset  string        `koanf:"preset" validate:"oneof=default high_performance low_memory no_cache"`
	Log     LogConfig     `koanf:"log"`
	Expand  ExpandConfig  `koanf:"expand"`
	Cache   CacheConfig   `koanf:"cache"`
	Store   StoreConfig   `koanf:"store"`
	Breaker BreakerConfig `koanf:"breaker"`
	Access  AccessConfig  `koanf:"access"`
	Workers int           `koanf:"workers" validate:"gte=1,lte=256"`
}

// LogConfig selects the zerolog backend's level and output format.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// ExpandConfig caps the work of a single expansion.
type ExpandConfig struct {
	MaxIterations int           `koanf:"max_iterations" validate:"gte=0"`
	MaxTimeSpan   time.Duration `koanf:"max_time_span" validate:"gte=0"`
}

// CacheConfig sizes the expansion cache. A zero MaxEntries leaves it
// unbounded.
type CacheConfig struct {
	Enabled         bool          `koanf:"enabled"`
	TTL             time.Duration `koanf:"ttl" validate:"gte=0"`
	MaxEntries      int           `koanf:"max_entries" validate:"gte=0"`
	CleanupInterval time.Duration `koanf:"cleanup_interval" validate:"gte=0"`
}

// StoreConfig picks the event store. The memory driver optionally loads a
// JSON fixture; the postgres driver needs a DSN.
type StoreConfig struct {
	Driver          string        `koanf:"driver" validate:"oneof=memory postgres"`
	DSN             string        `koanf:"dsn" validate:"required_if=Driver postgres"`
	Fixture         string        `koanf:"fixture"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime" validate:"gte=0"`
	Migrate         bool          `koanf:"migrate"`
}

// BreakerConfig tunes the circuit breaker around store reads.
type BreakerConfig struct {
	MaxRequests      uint32        `koanf:"max_requests"`
	Interval         time.Duration `koanf:"interval" validate:"gte=0"`
	Timeout          time.Duration `koanf:"timeout" validate:"gte=0"`
	FailureThreshold uint32        `koanf:"failure_threshold" validate:"gte=1"`
}

// AccessConfig names the viewer. An empty user sees every event.
type AccessConfig struct {
	User  string `koanf:"user" validate:"omitempty,uuid"`
	Scope string `koanf:"scope" validate:"oneof=all owned shared"`
}

// Default returns the configuration used before any file or environment
// override is applied.
func Default() *Config {
	return fromPreset("default", engine.DefaultConfig)
}

// fromPreset seeds a Config with the engine settings of a named preset.
func fromPreset(name string, d engine.Config) *Config {
	return &Config{
		Preset: name,
		Log: LogConfig{Level: "info", Format: "console"},
		Expand: ExpandConfig{
			MaxIterations: d.Limits.MaxIterations,
			MaxTimeSpan:   d.Limits.MaxTimeSpan,
		},
		Cache: CacheConfig{
			Enabled:         d.CacheEnabled,
			TTL:             d.CacheConfig.TTL,
			MaxEntries:      d.CacheConfig.MaxEntries,
			CleanupInterval: d.CacheConfig.CleanupInterval,
		},
		Store: StoreConfig{
			Driver:          "memory",
			MaxOpenConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Breaker: BreakerConfig{
			MaxRequests:      d.Breaker.MaxRequests,
			Interval:         d.Breaker.Interval,
			Timeout:          d.Breaker.Timeout,
			FailureThreshold: d.Breaker.FailureThreshold,
		},
		Access:  AccessConfig{Scope: "all"},
		Workers: d.Workers,
	}
}

// envKey maps CALRECUR_STORE_MAX_OPEN_CONNS to store.max_open_conns. The
// first underscore separates the section from the field.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if section, field, ok := strings.Cut(s, "_"); ok {
		switch section {
		case "log", "expand", "cache", "store", "breaker", "access":
			return section + "." + field
		}
	}
	return s
}

// Load layers defaults, the YAML file at path (skipped when empty) and the
// environment, then validates the result. When the file or environment
// selects a preset other than "default", the layering is redone on top of
// that preset's engine settings so explicit keys still win.
func Load(path string) (*Config, error) {
	k, err := layer(path, Default())
	if err != nil {
		return nil, err
	}
	if name := k.String("preset"); name != "default" {
		preset, ok := engine.Preset(name)
		if !ok {
			return nil, fmt.Errorf("invalid config: unknown preset %q", name)
		}
		if k, err = layer(path, fromPreset(name, preset)); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func layer(path string, base *Config) (*koanf.Koanf, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(base, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	return k, nil
}

// Validate checks field constraints and the rules spanning fields.
func (c *Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return err
	}
	if c.Access.Scope != "all" && c.Access.User == "" {
		return errors.New("access.scope " + c.Access.Scope + " requires access.user")
	}
	return nil
}

// Engine converts the configuration into engine settings.
func (c *Config) Engine() engine.Config {
	return engine.Config{
		CacheEnabled: c.Cache.Enabled,
		CacheConfig: recurrence.CacheConfig{
			TTL:             c.Cache.TTL,
			MaxEntries:      c.Cache.MaxEntries,
			CleanupInterval: c.Cache.CleanupInterval,
		},
		Limits: recurrence.ExpandOptions{
			MaxIterations: c.Expand.MaxIterations,
			MaxTimeSpan:   c.Expand.MaxTimeSpan,
		},
		Workers: c.Workers,
		Breaker: engine.BreakerConfig{
			MaxRequests:      c.Breaker.MaxRequests,
			Interval:         c.Breaker.Interval,
			Timeout:          c.Breaker.Timeout,
			FailureThreshold: c.Breaker.FailureThreshold,
		},
	}
}

// Viewer returns the configured user and scope. ok is false when no user
// is set and every event is visible.
func (c *Config) Viewer() (user uuid.UUID, scope engine.Scope, ok bool, err error) {
	if c.Access.User == "" {
		return uuid.Nil, engine.ScopeAll, false, nil
	}
	if user, err = uuid.Parse(c.Access.User); err != nil {
		return uuid.Nil, 0, false, fmt.Errorf("access.user: %w", err)
	}
	if scope, err = engine.ParseScope(c.Access.Scope); err != nil {
		return uuid.Nil, 0, false, err
	}
	return user, scope, true, nil
}
