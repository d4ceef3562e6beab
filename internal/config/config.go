// Package config loads engine configuration from TOML.
//
// Load starts from Defaults, overlays the file, rejects unknown keys and
// validates the result. Durations are strings accepted by time.ParseDuration.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/extensivelabs/agentecs/internal/entity"
	"github.com/extensivelabs/agentecs/internal/history"
	"github.com/extensivelabs/agentecs/internal/merge"
	"github.com/extensivelabs/agentecs/internal/plan"
	"github.com/extensivelabs/agentecs/internal/scheduler"
	"github.com/extensivelabs/agentecs/internal/world"
)

type Config struct {
	Scheduler SchedulerConfig `toml:"scheduler"`
	Entity    EntityConfig    `toml:"entity"`
	History   HistoryConfig   `toml:"history"`
	Log       LogConfig       `toml:"log"`
}

type SchedulerConfig struct {
	MaxConcurrent int         `toml:"max_concurrent"` // 0 = unbounded
	Builder       string      `toml:"builder"`        // dev-isolating, sequential, conflict-graph
	MergeStrategy string      `toml:"merge_strategy"` // combine, last-writer-wins, fail-on-conflict
	Retry         RetryConfig `toml:"retry"`
}

type RetryConfig struct {
	MaxAttempts int      `toml:"max_attempts"`
	Backoff     string   `toml:"backoff"` // none, linear, exponential
	BaseDelay   Duration `toml:"base_delay"`
	OnExhausted string   `toml:"on_exhausted"` // fail, skip
}

type EntityConfig struct {
	Shard uint16 `toml:"shard"`
}

type HistoryConfig struct {
	Driver   string `toml:"driver"` // memory, sqlite, postgres; empty disables history
	Path     string `toml:"path"`
	DSN      string `toml:"dsn"`
	Capacity int    `toml:"capacity"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text or json
}

// Duration is a time.Duration written as a string ("250ms").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the configuration used when no file is given.
func Defaults() *Config {
	retry := scheduler.DefaultRetryPolicy()
	return &Config{
		Scheduler: SchedulerConfig{
			MaxConcurrent: 0,
			Builder:       "dev-isolating",
			MergeStrategy: merge.Combine.String(),
			Retry: RetryConfig{
				MaxAttempts: retry.MaxAttempts,
				Backoff:     retry.Backoff.String(),
				BaseDelay:   Duration{retry.BaseDelay},
				OnExhausted: retry.OnExhausted.String(),
			},
		},
		History: HistoryConfig{
			Capacity: history.DefaultCapacity,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over Defaults. Keys the configuration does not know are
// rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes TOML over Defaults. name is used in error messages.
func Parse(data []byte, name string) (*Config, error) {
	cfg := Defaults()
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", name, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("parse config %s: unknown keys %s", name, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", name, err)
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	sc, err := c.SchedulerConfig()
	if err != nil {
		return err
	}
	if err := sc.Validate(); err != nil {
		return err
	}
	if _, err := plan.ByName(c.Scheduler.Builder); err != nil {
		return fmt.Errorf("scheduler.builder: %w", err)
	}
	if _, err := merge.ParseStrategy(c.Scheduler.MergeStrategy); err != nil {
		return fmt.Errorf("scheduler.merge_strategy: %w", err)
	}
	switch c.History.Driver {
	case "", history.DriverMemory:
	case history.DriverSQLite:
		if c.History.Path == "" {
			return fmt.Errorf("history.path is required for the sqlite driver")
		}
	case history.DriverPostgres:
		if c.History.DSN == "" {
			return fmt.Errorf("history.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("history.driver: unknown driver %q", c.History.Driver)
	}
	if c.Entity.Shard == entity.PlaceholderShard {
		return fmt.Errorf("entity.shard %d is reserved for placeholders", c.Entity.Shard)
	}
	if c.History.Capacity < 0 {
		return fmt.Errorf("history.capacity must not be negative")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	return nil
}

// SchedulerConfig converts the [scheduler] section.
func (c *Config) SchedulerConfig() (scheduler.Config, error) {
	backoff, err := scheduler.ParseBackoff(c.Scheduler.Retry.Backoff)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("scheduler.retry.backoff: %w", err)
	}
	exhausted, err := scheduler.ParseExhausted(c.Scheduler.Retry.OnExhausted)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("scheduler.retry.on_exhausted: %w", err)
	}
	return scheduler.Config{
		MaxConcurrent: c.Scheduler.MaxConcurrent,
		Retry: scheduler.RetryPolicy{
			MaxAttempts: c.Scheduler.Retry.MaxAttempts,
			Backoff:     backoff,
			BaseDelay:   c.Scheduler.Retry.BaseDelay.Duration,
			OnExhausted: exhausted,
		},
	}, nil
}

// SlogLevel parses log.level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// HistoryEnabled reports whether ticks should be recorded.
func (c *Config) HistoryEnabled() bool {
	return c.History.Driver != ""
}

// OpenHistory opens the configured history backend.
func (c *Config) OpenHistory(ctx context.Context) (history.Store, error) {
	return history.Open(ctx, history.Options{
		Driver:   c.History.Driver,
		Path:     c.History.Path,
		DSN:      c.History.DSN,
		Capacity: c.History.Capacity,
	})
}

// WorldOptions converts the configuration into world options. The history
// store, when enabled, is opened by the caller and passed separately.
func (c *Config) WorldOptions() ([]world.Option, error) {
	sc, err := c.SchedulerConfig()
	if err != nil {
		return nil, err
	}
	builder, err := plan.ByName(c.Scheduler.Builder)
	if err != nil {
		return nil, err
	}
	strategy, err := merge.ParseStrategy(c.Scheduler.MergeStrategy)
	if err != nil {
		return nil, err
	}
	return []world.Option{
		world.WithSchedulerConfig(sc),
		world.WithBuilder(builder),
		world.WithMergeStrategy(strategy),
		world.WithShard(c.Entity.Shard),
	}, nil
}

// Encode renders the configuration as TOML.
func (c *Config) Encode() (string, error) {
	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(c); err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	return sb.String(), nil
}
