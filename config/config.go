// Package config provides configuration loading for a photodex engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the engine.
type Config struct {
	Debug   bool          `yaml:"debug"`
	Storage StorageConfig `yaml:"storage"`
	Index   IndexConfig   `yaml:"index"`
	Dedup   DedupConfig   `yaml:"dedup"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Ingest  IngestConfig  `yaml:"ingest"`
}

// StorageConfig holds paths for the record database, the index snapshot, and
// the image file root.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	IndexPath    string `yaml:"index_path"`
	ImageRoot    string `yaml:"image_root"`
}

// IndexConfig holds vector-index settings.
type IndexConfig struct {
	Dimension       int     `yaml:"dimension"`
	M               int     `yaml:"m"`
	EF              int     `yaml:"ef"`
	EFSearch        int     `yaml:"ef_search"`
	CompactionRatio float64 `yaml:"compaction_ratio"`
}

// DedupConfig holds duplicate-detection thresholds.
type DedupConfig struct {
	IngestThreshold    float32 `yaml:"ingest_threshold"`
	RelevanceThreshold float32 `yaml:"relevance_threshold"`
}

// Duration wraps time.Duration so yaml values like "3s" parse.
type Duration time.Duration

// UnmarshalYAML parses either a duration string ("500ms") or an integer
// nanosecond count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("config: invalid duration %q", value.Value)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML renders the duration in its string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// FetchConfig holds remote image download settings.
type FetchConfig struct {
	Timeout           Duration `yaml:"timeout"`
	Retries           int      `yaml:"retries"`
	Backoff           Duration `yaml:"backoff"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	MaxSizeBytes      int64    `yaml:"max_size_bytes"`
}

// IngestConfig holds pipeline concurrency settings.
type IngestConfig struct {
	Workers int `yaml:"workers"`
}

// Default returns a Config with every default applied and no paths set.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg.Index.Dimension == 0 {
		cfg.Index.Dimension = 512
	}
	if cfg.Index.M == 0 {
		cfg.Index.M = 16
	}
	if cfg.Index.EF == 0 {
		cfg.Index.EF = 200
	}
	if cfg.Index.EFSearch == 0 {
		cfg.Index.EFSearch = 400
	}
	if cfg.Index.CompactionRatio == 0 {
		cfg.Index.CompactionRatio = 0.3
	}
	if cfg.Dedup.IngestThreshold == 0 {
		cfg.Dedup.IngestThreshold = 0.995
	}
	if cfg.Dedup.RelevanceThreshold == 0 {
		cfg.Dedup.RelevanceThreshold = 0.6
	}
	if cfg.Fetch.Timeout == 0 {
		cfg.Fetch.Timeout = Duration(10 * time.Second)
	}
	if cfg.Fetch.Retries == 0 {
		cfg.Fetch.Retries = 2
	}
	if cfg.Fetch.Backoff == 0 {
		cfg.Fetch.Backoff = Duration(500 * time.Millisecond)
	}
	if cfg.Fetch.MaxSizeBytes == 0 {
		cfg.Fetch.MaxSizeBytes = 32 << 20
	}
	if cfg.Ingest.Workers == 0 {
		cfg.Ingest.Workers = 4
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Index.Dimension <= 0 {
		return fmt.Errorf("config: index dimension must be positive, got %d", c.Index.Dimension)
	}
	if c.Index.CompactionRatio <= 0 || c.Index.CompactionRatio >= 1 {
		return fmt.Errorf("config: compaction ratio must be in (0, 1), got %g", c.Index.CompactionRatio)
	}
	if c.Dedup.IngestThreshold <= 0 || c.Dedup.IngestThreshold > 1 {
		return fmt.Errorf("config: ingest threshold must be in (0, 1], got %g", c.Dedup.IngestThreshold)
	}
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("config: storage.database_path is required")
	}
	if c.Storage.ImageRoot == "" {
		return fmt.Errorf("config: storage.image_root is required")
	}
	return nil
}

// Load reads and parses the config file at path, expands paths, and applies
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.IndexPath = expandPath(cfg.Storage.IndexPath, configDir)
	cfg.Storage.ImageRoot = expandPath(cfg.Storage.ImageRoot, configDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandPath converts a path to absolute relative to the config file's
// directory. Empty and absolute paths pass through.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	path = strings.TrimPrefix(path, "./")
	return filepath.Join(configDir, path)
}
