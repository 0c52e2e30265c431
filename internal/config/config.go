// Package config defines all configuration for the inventory engine.
// Config is loaded from a YAML file (default: configs/engine.yaml) with
// fields overridable via IMS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Shards     ShardConfig    `mapstructure:"shards"`
	Journal    JournalConfig  `mapstructure:"journal"`
	Ingest     IngestConfig   `mapstructure:"ingest"`
	Validation ValidateConfig `mapstructure:"validation"`
	Locate     LocateConfig   `mapstructure:"locate"`
	Publish    PublishConfig  `mapstructure:"publish"`
	Rules      RulesConfig    `mapstructure:"rules"`
	Logging    LoggingConfig  `mapstructure:"logging"`
}

// ShardConfig sizes the shard pool. Count must be a power of two and is
// fixed for the lifetime of the journal (keys hash onto shards).
type ShardConfig struct {
	Count         int `mapstructure:"count"`
	QueueCapacity int `mapstructure:"queue_capacity"`
	// PressureRatio is the queue fill ratio at which the dispatcher signals
	// the ingest router to slow adapters.
	PressureRatio float64 `mapstructure:"pressure_ratio"`
}

// JournalConfig controls the per-shard event log and snapshot cadence.
type JournalConfig struct {
	Dir                 string        `mapstructure:"dir"`
	SnapshotEveryEvents int           `mapstructure:"snapshot_every_events"`
	SnapshotEverySecs   time.Duration `mapstructure:"snapshot_every_seconds"`
}

// IngestConfig tunes the router: deduplication, reordering, and the vendor
// priority order for reference-data conflict resolution.
type IngestConfig struct {
	DedupWindow       int           `mapstructure:"dedup_window"`
	ReorderWindow     int           `mapstructure:"reorder_window"`
	ReorderMaxSkew    time.Duration `mapstructure:"reorder_max_skew_ms"`
	ReferencePriority []string      `mapstructure:"reference_priority"`
	// StalenessWindow bounds how old a higher-priority source's value may be
	// before a lower-priority source is allowed to overwrite it.
	StalenessWindow time.Duration   `mapstructure:"staleness_window"`
	Adapters        []AdapterConfig `mapstructure:"adapters"`
}

// AdapterConfig declares one vendor feed connection.
type AdapterConfig struct {
	Source string `mapstructure:"source"`
	// Kind selects the transport: "file", "http", or "ws".
	Kind string `mapstructure:"kind"`
	// Path is the feed file for file adapters or the resource path for
	// HTTP polling adapters.
	Path         string        `mapstructure:"path"`
	URL          string        `mapstructure:"url"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ValidateConfig bounds the short-sell validation hot path.
type ValidateConfig struct {
	Deadline  time.Duration `mapstructure:"validation_deadline_ms"`
	Bulkhead  int           `mapstructure:"shortsell_bulkhead"`
	BatchSize int           `mapstructure:"shortsell_batch_size"`
}

// LocateConfig tunes the locate workflow.
type LocateConfig struct {
	Deadline          time.Duration `mapstructure:"locate_deadline_ms"`
	ExpiryHours       time.Duration `mapstructure:"locate_expiry_hours"`
	ManualTimeout     time.Duration `mapstructure:"manual_review_timeout"`
	MaxAutoQuantity   string        `mapstructure:"auto_approval_max_quantity"`
	MinInventoryRatio float64       `mapstructure:"auto_approval_min_inventory_ratio"`
}

// PublishConfig sets the downstream fan-out batching and the projection sink.
type PublishConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	SinkPath      string        `mapstructure:"sink_path"`
}

// RulesConfig locates the market-rule and locate-rule catalogs.
type RulesConfig struct {
	Path string `mapstructure:"market_rules_path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns a config with every knob at its documented default.
func Default() Config {
	return Config{
		Shards: ShardConfig{
			Count:         8,
			QueueCapacity: 65536,
			PressureRatio: 0.8,
		},
		Journal: JournalConfig{
			Dir:                 "data/journal",
			SnapshotEveryEvents: 50000,
			SnapshotEverySecs:   60 * time.Second,
		},
		Ingest: IngestConfig{
			DedupWindow:       1_000_000,
			ReorderWindow:     256,
			ReorderMaxSkew:    2 * time.Second,
			ReferencePriority: []string{"REUTERS", "BLOOMBERG", "MARKIT", "ULTUMUS", "RIMES"},
			StalenessWindow:   24 * time.Hour,
		},
		Validation: ValidateConfig{
			Deadline:  150 * time.Millisecond,
			Bulkhead:  256,
			BatchSize: 32,
		},
		Locate: LocateConfig{
			Deadline:          time.Second,
			ExpiryHours:       24 * time.Hour,
			ManualTimeout:     60 * time.Minute,
			MaxAutoQuantity:   "20000",
			MinInventoryRatio: 2.0,
		},
		Publish: PublishConfig{
			BatchSize:     32,
			FlushInterval: 5 * time.Millisecond,
			SinkPath:      "data/projections.db",
		},
		Rules: RulesConfig{
			Path: "configs/rules",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads config from a YAML file with env var overrides (IMS_ prefix,
// dots replaced by underscores). Missing file falls back to defaults so the
// engine can boot from env alone.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("IMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Shards.Count <= 0 || c.Shards.Count&(c.Shards.Count-1) != 0 {
		return fmt.Errorf("shards.count must be a power of two, got %d", c.Shards.Count)
	}
	if c.Shards.QueueCapacity <= 0 {
		return fmt.Errorf("shards.queue_capacity must be > 0")
	}
	if c.Shards.PressureRatio <= 0 || c.Shards.PressureRatio > 1 {
		return fmt.Errorf("shards.pressure_ratio must be in (0, 1]")
	}
	if c.Journal.Dir == "" {
		return fmt.Errorf("journal.dir is required")
	}
	if c.Journal.SnapshotEveryEvents <= 0 {
		return fmt.Errorf("journal.snapshot_every_events must be > 0")
	}
	if c.Ingest.DedupWindow <= 0 {
		return fmt.Errorf("ingest.dedup_window must be > 0")
	}
	if c.Ingest.ReorderWindow <= 0 {
		return fmt.Errorf("ingest.reorder_window must be > 0")
	}
	if len(c.Ingest.ReferencePriority) == 0 {
		return fmt.Errorf("ingest.reference_priority must list at least one source")
	}
	for _, a := range c.Ingest.Adapters {
		if a.Source == "" {
			return fmt.Errorf("ingest.adapters: source is required")
		}
		switch a.Kind {
		case "file", "http", "ws":
		default:
			return fmt.Errorf("ingest.adapters[%s]: unknown kind %q", a.Source, a.Kind)
		}
	}
	if c.Validation.Deadline <= 0 {
		return fmt.Errorf("validation.validation_deadline_ms must be > 0")
	}
	if c.Validation.Bulkhead <= 0 {
		return fmt.Errorf("validation.shortsell_bulkhead must be > 0")
	}
	if c.Locate.Deadline <= 0 {
		return fmt.Errorf("locate.locate_deadline_ms must be > 0")
	}
	if c.Locate.ExpiryHours <= 0 {
		return fmt.Errorf("locate.locate_expiry_hours must be > 0")
	}
	if c.Publish.BatchSize <= 0 {
		return fmt.Errorf("publish.batch_size must be > 0")
	}
	if c.Publish.FlushInterval <= 0 {
		return fmt.Errorf("publish.flush_interval must be > 0")
	}
	return nil
}
