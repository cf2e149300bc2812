// Package config holds the engine's tunable settings with YAML loading
// support for embedders that configure from a file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/syncforge/syncforge/internal/types"
)

// Config is the full engine configuration. The zero value plus
// ApplyDefaults is a working single-device setup.
type Config struct {
	// DBPath is the SQLite database location; ":memory:" for ephemeral.
	DBPath string

	// Scheduler settings.
	SchedulerTick  time.Duration
	Concurrency    int
	SelectBatch    int
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Sync settings.
	SyncTick        time.Duration
	UploadBatch     int
	DeadLetterAfter int
	SyncTimeout     time.Duration
	// DefaultStrategy applies to conflicts on entities whose local
	// operations carry no strategy tag.
	DefaultStrategy types.ResolutionStrategy

	// Backpressure thresholds on the per-entity-type completed-and-
	// unsynced queue. Enqueues are rejected at HighWater and resume
	// below LowWater.
	HighWater int
	LowWater  int

	// Compaction settings.
	CompactTick time.Duration
	// Retention bounds how long synced and terminal operations are kept
	// for audit before compaction removes them.
	Retention time.Duration
}

// ApplyDefaults fills unset fields with working values.
func (c *Config) ApplyDefaults() {
	if c.DBPath == "" {
		c.DBPath = ":memory:"
	}
	if c.SchedulerTick <= 0 {
		c.SchedulerTick = time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.SelectBatch <= 0 {
		c.SelectBatch = 50
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.SyncTick <= 0 {
		c.SyncTick = 30 * time.Second
	}
	if c.UploadBatch <= 0 {
		c.UploadBatch = 100
	}
	if c.DeadLetterAfter <= 0 {
		c.DeadLetterAfter = 5
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 15 * time.Second
	}
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = types.StrategyServerWins
	}
	if c.HighWater <= 0 {
		c.HighWater = 1000
	}
	if c.LowWater <= 0 || c.LowWater >= c.HighWater {
		c.LowWater = c.HighWater * 3 / 4
	}
	if c.CompactTick <= 0 {
		c.CompactTick = 5 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
}

// fileConfig mirrors Config with durations as strings, since YAML has
// no native duration scalar.
type fileConfig struct {
	DBPath string `yaml:"db_path"`

	SchedulerTick  string `yaml:"scheduler_tick"`
	Concurrency    int    `yaml:"concurrency"`
	SelectBatch    int    `yaml:"select_batch"`
	MaxRetries     int    `yaml:"max_retries"`
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`

	SyncTick        string                   `yaml:"sync_tick"`
	UploadBatch     int                      `yaml:"upload_batch"`
	DeadLetterAfter int                      `yaml:"dead_letter_after"`
	SyncTimeout     string                   `yaml:"sync_timeout"`
	DefaultStrategy types.ResolutionStrategy `yaml:"default_strategy"`

	HighWater int `yaml:"high_water"`
	LowWater  int `yaml:"low_water"`

	CompactTick string `yaml:"compact_tick"`
	Retention   string `yaml:"retention"`
}

func parseDuration(name, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

// Load reads a YAML config file and applies defaults over it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path supplied by the embedder
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var raw fileConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := Config{
		DBPath:          raw.DBPath,
		Concurrency:     raw.Concurrency,
		SelectBatch:     raw.SelectBatch,
		MaxRetries:      raw.MaxRetries,
		UploadBatch:     raw.UploadBatch,
		DeadLetterAfter: raw.DeadLetterAfter,
		DefaultStrategy: raw.DefaultStrategy,
		HighWater:       raw.HighWater,
		LowWater:        raw.LowWater,
	}
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"scheduler_tick", raw.SchedulerTick, &cfg.SchedulerTick},
		{"initial_backoff", raw.InitialBackoff, &cfg.InitialBackoff},
		{"max_backoff", raw.MaxBackoff, &cfg.MaxBackoff},
		{"sync_tick", raw.SyncTick, &cfg.SyncTick},
		{"sync_timeout", raw.SyncTimeout, &cfg.SyncTimeout},
		{"compact_tick", raw.CompactTick, &cfg.CompactTick},
		{"retention", raw.Retention, &cfg.Retention},
	}
	for _, d := range durations {
		if *d.dst, err = parseDuration(d.name, d.raw); err != nil {
			return nil, err
		}
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}
