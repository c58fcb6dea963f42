package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all llmcache configuration.
type Config struct {
	Cache      CacheConfig      `yaml:"cache"`
	Similarity SimilarityConfig `yaml:"similarity"`
	Staleness  StalenessConfig  `yaml:"staleness"`
	Audit      AuditConfig      `yaml:"audit"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// CacheConfig controls storage, TTL and the size budget.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Dir           string        `yaml:"dir"`
	TTLHours      int           `yaml:"ttl_hours"`
	MaxSizeMB     int           `yaml:"max_size_mb"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// TrackedScopes lists scopes whose capacity evictions are audited.
	TrackedScopes []string `yaml:"tracked_scopes"`
}

// TTL returns the entry lifetime.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// MaxSizeBytes returns the size budget in bytes (1 MB = 1,000,000 bytes).
func (c CacheConfig) MaxSizeBytes() int64 {
	return int64(c.MaxSizeMB) * 1_000_000
}

// SimilarityConfig tunes approximate lookups.
type SimilarityConfig struct {
	ShingleSize int     `yaml:"shingle_size"`
	Threshold   float64 `yaml:"threshold"`
	PrefixLen   int     `yaml:"prefix_len"`
}

// StalenessConfig controls the staleness event queue and the optional
// cross-process Redis bus.
type StalenessConfig struct {
	Buffer int         `yaml:"buffer"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig points at the pub/sub server. An empty Addr disables the bus.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// AuditConfig controls the invalidation audit trail.
type AuditConfig struct {
	Enabled       bool `yaml:"enabled"`
	RetentionDays int  `yaml:"retention_days"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// MetricsConfig controls the Prometheus endpoint of `llmcache serve`.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			Enabled:       true,
			Dir:           ".llmcache",
			TTLHours:      24,
			MaxSizeMB:     100,
			SweepInterval: 10 * time.Minute,
		},
		Similarity: SimilarityConfig{
			ShingleSize: 3,
			Threshold:   0.5,
			PrefixLen:   16,
		},
		Staleness: StalenessConfig{
			Buffer: 256,
			Redis: RedisConfig{
				Channel: "llmcache:staleness",
			},
		},
		Audit: AuditConfig{
			Enabled:       true,
			RetentionDays: 30,
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Listen: ":9464",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate reports every out-of-range value.
func (c *Config) Validate() error {
	var errs []error
	if c.Cache.Dir == "" {
		errs = append(errs, errors.New("cache.dir must not be empty"))
	}
	if c.Cache.TTLHours <= 0 {
		errs = append(errs, fmt.Errorf("cache.ttl_hours must be positive, got %d", c.Cache.TTLHours))
	}
	if c.Cache.MaxSizeMB <= 0 {
		errs = append(errs, fmt.Errorf("cache.max_size_mb must be positive, got %d", c.Cache.MaxSizeMB))
	}
	if c.Cache.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("cache.sweep_interval must not be negative, got %v", c.Cache.SweepInterval))
	}
	if c.Similarity.ShingleSize <= 0 {
		errs = append(errs, fmt.Errorf("similarity.shingle_size must be positive, got %d", c.Similarity.ShingleSize))
	}
	if c.Similarity.Threshold < 0 || c.Similarity.Threshold > 1 {
		errs = append(errs, fmt.Errorf("similarity.threshold must be within [0,1], got %v", c.Similarity.Threshold))
	}
	if c.Similarity.PrefixLen <= 0 || c.Similarity.PrefixLen > 64 {
		errs = append(errs, fmt.Errorf("similarity.prefix_len must be within [1,64], got %d", c.Similarity.PrefixLen))
	}
	if c.Staleness.Buffer <= 0 {
		errs = append(errs, fmt.Errorf("staleness.buffer must be positive, got %d", c.Staleness.Buffer))
	}
	if c.Audit.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("audit.retention_days must not be negative, got %d", c.Audit.RetentionDays))
	}
	return errors.Join(errs...)
}
