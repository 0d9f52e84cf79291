// Package config loads the indexsync configuration.
//
// Configuration is applied in order of increasing precedence:
//  1. Hardcoded defaults
//  2. Project config (indexsync.yaml or indexsync.yml, or an explicit path)
//  3. Environment variables (INDEXSYNC_*)
//
// The result is validated before use; every error returned by Load is a
// 1XX error and aborts startup.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	idxerrors "github.com/Aman-CERP/indexsync/internal/errors"
	"github.com/Aman-CERP/indexsync/internal/logging"
	"github.com/Aman-CERP/indexsync/internal/scheduler"
)

// CurrentVersion is the only supported config schema version.
const CurrentVersion = 1

// FileNames are the project config names tried in order.
var FileNames = []string{"indexsync.yaml", "indexsync.yml"}

// Config represents the complete indexsync configuration.
type Config struct {
	Version   int             `yaml:"version" json:"version"`
	DataDir   string          `yaml:"data_dir" json:"data_dir"`
	Store     StoreConfig     `yaml:"store" json:"store"`
	Index     IndexConfig     `yaml:"index" json:"index"`
	Watches   []WatchConfig   `yaml:"watches" json:"watches"`
	Snapshots SnapshotsConfig `yaml:"snapshots" json:"snapshots"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Watcher   WatcherConfig   `yaml:"watcher" json:"watcher"`
}

// StoreConfig configures the document store.
type StoreConfig struct {
	// Path is the SQLite file, relative to DataDir unless absolute.
	Path        string        `yaml:"path" json:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout" json:"busy_timeout"`
	// DiscoverInterval is how often new areas are looked for.
	DiscoverInterval time.Duration `yaml:"discover_interval" json:"discover_interval"`
}

// IndexConfig configures the full-text index.
type IndexConfig struct {
	// Path is the index directory, relative to DataDir unless absolute.
	Path          string        `yaml:"path" json:"path"`
	BatchSize     int           `yaml:"batch_size" json:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`
}

// WatchConfig is one group of watched areas. The first group with a
// matching pattern owns an area.
type WatchConfig struct {
	// Patterns are area name wildcards (* and ?).
	Patterns []string `yaml:"patterns" json:"patterns"`
	// Poll is a Go duration, a cron expression or an @descriptor.
	Poll              string `yaml:"poll" json:"poll"`
	BatchSize         int    `yaml:"batch_size" json:"batch_size"`
	InitialGeneration int64  `yaml:"initial_generation" json:"initial_generation"`
	// ExcludeContentTypes are never ingested.
	ExcludeContentTypes []string `yaml:"exclude_content_types,omitempty" json:"exclude_content_types,omitempty"`
	// MaxDocumentBytes skips larger documents; 0 means unlimited.
	MaxDocumentBytes int64 `yaml:"max_document_bytes" json:"max_document_bytes"`
}

// SnapshotsConfig configures periodic snapshots.
type SnapshotsConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Trigger  string `yaml:"trigger" json:"trigger"`
	MaxCount int    `yaml:"max_count" json:"max_count"`
	// Dir holds snapshot directories, relative to DataDir unless absolute.
	Dir string `yaml:"dir" json:"dir"`
}

// SchedulerConfig configures the shared worker pool.
type SchedulerConfig struct {
	MaxWorkers int `yaml:"max_workers" json:"max_workers"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	// File is the log file; empty means DataDir/logs/indexsync.log.
	File      string `yaml:"file" json:"file"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address; empty disables the endpoint.
	Addr string `yaml:"addr" json:"addr"`
}

// WatcherConfig configures the store change watcher.
type WatcherConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Debounce time.Duration `yaml:"debounce" json:"debounce"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Version: CurrentVersion,
		DataDir: ".indexsync",
		Store: StoreConfig{
			Path:             "store.db",
			BusyTimeout:      5 * time.Second,
			DiscoverInterval: 30 * time.Second,
		},
		Index: IndexConfig{
			Path:          "index",
			BatchSize:     200,
			FlushInterval: time.Second,
		},
		Watches: []WatchConfig{
			{Patterns: []string{"*"}, Poll: "5s"},
		},
		Snapshots: SnapshotsConfig{
			Enabled:  true,
			Trigger:  "30m",
			MaxCount: 3,
			Dir:      "snapshots",
		},
		Scheduler: SchedulerConfig{MaxWorkers: 8},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
		Watcher: WatcherConfig{
			Enabled:  true,
			Debounce: 250 * time.Millisecond,
		},
	}
}

// Load loads configuration for the project in dir. When path is non-empty
// it names the config file explicitly and must exist.
func Load(dir, path string) (*Config, error) {
	cfg := NewConfig()

	if path == "" {
		path = FindConfigFile(dir)
	} else if _, err := os.Stat(path); err != nil {
		return nil, idxerrors.New(idxerrors.ErrCodeConfigNotFound,
			fmt.Sprintf("config file %s not found", path), err)
	}

	if path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(dir, cfg.DataDir)
	}

	return cfg, nil
}

// FindConfigFile returns the first project config file in dir, or "".
func FindConfigFile(dir string) string {
	for _, name := range FileNames {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// loadYAML decodes path on top of the current values. Keys not present in
// the file keep their defaults; unknown keys are rejected.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return idxerrors.New(idxerrors.ErrCodeConfigNotFound,
			fmt.Sprintf("failed to read config file %s", path), err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return idxerrors.ConfigError(fmt.Sprintf("failed to parse config file %s", path), err)
	}
	return nil
}

// applyEnvOverrides applies INDEXSYNC_* environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("INDEXSYNC_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("INDEXSYNC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("INDEXSYNC_SNAPSHOT_TRIGGER"); v != "" {
		c.Snapshots.Trigger = v
	}
	if v := os.Getenv("INDEXSYNC_SNAPSHOT_MAX_COUNT"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return idxerrors.ConfigError("INDEXSYNC_SNAPSHOT_MAX_COUNT must be an integer", err)
		}
		c.Snapshots.MaxCount = n
	}
	if v := os.Getenv("INDEXSYNC_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
	return nil
}

// Validate validates the configuration. Malformed triggers return
// ERR_103_TRIGGER_INVALID, everything else ERR_102_CONFIG_INVALID.
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return idxerrors.ConfigError(fmt.Sprintf("unsupported config version %d", c.Version), nil)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return idxerrors.ConfigError("data_dir must not be empty", nil)
	}
	if c.Store.Path == "" {
		return idxerrors.ConfigError("store.path must not be empty", nil)
	}
	if c.Store.BusyTimeout < 0 {
		return idxerrors.ConfigError("store.busy_timeout must be non-negative", nil)
	}
	if c.Store.DiscoverInterval <= 0 {
		return idxerrors.ConfigError("store.discover_interval must be positive", nil)
	}
	if c.Index.Path == "" {
		return idxerrors.ConfigError("index.path must not be empty", nil)
	}
	if c.Index.BatchSize < 1 {
		return idxerrors.ConfigError(fmt.Sprintf("index.batch_size must be positive, got %d", c.Index.BatchSize), nil)
	}
	if c.Index.FlushInterval <= 0 {
		return idxerrors.ConfigError("index.flush_interval must be positive", nil)
	}

	if len(c.Watches) == 0 {
		return idxerrors.ConfigError("at least one watch group is required", nil)
	}
	for i, w := range c.Watches {
		if len(w.Patterns) == 0 {
			return idxerrors.ConfigError(fmt.Sprintf("watches[%d].patterns must not be empty", i), nil)
		}
		for _, p := range w.Patterns {
			if strings.TrimSpace(p) == "" {
				return idxerrors.ConfigError(fmt.Sprintf("watches[%d] has an empty pattern", i), nil)
			}
		}
		if _, err := scheduler.ParseTrigger(w.Poll); err != nil {
			return err
		}
		if w.BatchSize < 0 {
			return idxerrors.ConfigError(fmt.Sprintf("watches[%d].batch_size must be non-negative", i), nil)
		}
		if w.InitialGeneration < 0 {
			return idxerrors.ConfigError(fmt.Sprintf("watches[%d].initial_generation must be non-negative", i), nil)
		}
		if w.MaxDocumentBytes < 0 {
			return idxerrors.ConfigError(fmt.Sprintf("watches[%d].max_document_bytes must be non-negative", i), nil)
		}
	}

	if c.Snapshots.Enabled {
		if _, err := scheduler.ParseTrigger(c.Snapshots.Trigger); err != nil {
			return err
		}
		if c.Snapshots.MaxCount < 1 {
			return idxerrors.ConfigError(fmt.Sprintf("snapshots.max_count must be at least 1, got %d", c.Snapshots.MaxCount), nil)
		}
		if c.Snapshots.Dir == "" {
			return idxerrors.ConfigError("snapshots.dir must not be empty", nil)
		}
	}

	if c.Scheduler.MaxWorkers < 1 {
		return idxerrors.ConfigError(fmt.Sprintf("scheduler.max_workers must be at least 1, got %d", c.Scheduler.MaxWorkers), nil)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return idxerrors.ConfigError(fmt.Sprintf("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level), nil)
	}

	if c.Watcher.Enabled && c.Watcher.Debounce < 0 {
		return idxerrors.ConfigError("watcher.debounce must be non-negative", nil)
	}

	return nil
}

// Resolve returns p joined to DataDir unless p is absolute.
func (c *Config) Resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

func (c *Config) StorePath() string   { return c.Resolve(c.Store.Path) }
func (c *Config) IndexPath() string   { return c.Resolve(c.Index.Path) }
func (c *Config) SnapshotDir() string { return c.Resolve(c.Snapshots.Dir) }

// LogPath returns the log file, defaulting inside DataDir.
func (c *Config) LogPath() string {
	if c.Logging.File != "" {
		return c.Resolve(c.Logging.File)
	}
	return logging.DefaultLogPath(c.DataDir)
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
