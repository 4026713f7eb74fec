package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageConfig holds the on-disk layout roots
type StorageConfig struct {
	AssetsDir   string `yaml:"assets_dir"`
	CacheDir    string `yaml:"cache_dir"`
	EvidenceDir string `yaml:"evidence_dir"`
}

// LockConfig holds version lock configuration
type LockConfig struct {
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryWait      time.Duration `yaml:"retry_wait"`
}

// CacheConfig holds asset cache configuration
type CacheConfig struct {
	MaxAge  time.Duration `yaml:"max_age"`
	MaxSize int64         `yaml:"max_size"`
}

// VisionConfig holds vision API resilience configuration
type VisionConfig struct {
	Timeouts          []time.Duration `yaml:"timeouts"`
	Backoffs          []time.Duration `yaml:"backoffs"`
	CircuitThreshold  int             `yaml:"circuit_threshold"`
	RequestsPerSecond float64         `yaml:"requests_per_second"`
	Burst             int             `yaml:"burst"`
}

// PipelineConfig holds orchestration configuration
type PipelineConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// DiskConfig holds disk guard thresholds, in percent
type DiskConfig struct {
	WarningThreshold        float64       `yaml:"warning_threshold"`
	ThrottleThreshold       float64       `yaml:"throttle_threshold"`
	CircuitBreakerThreshold float64       `yaml:"circuit_breaker_threshold"`
	CheckInterval           time.Duration `yaml:"check_interval"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for an asset store
type Config struct {
	StoreID  string         `yaml:"store_id"`
	Storage  StorageConfig  `yaml:"storage"`
	Lock     LockConfig     `yaml:"lock"`
	Cache    CacheConfig    `yaml:"cache"`
	Vision   VisionConfig   `yaml:"vision"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Disk     DiskConfig     `yaml:"disk"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if not specified
	setDefaults(&cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a fully defaulted configuration rooted at dataDir
func Default(dataDir string) *Config {
	cfg := &Config{
		Storage: StorageConfig{
			AssetsDir:   filepath.Join(dataDir, "assets"),
			CacheDir:    filepath.Join(dataDir, "cache"),
			EvidenceDir: filepath.Join(dataDir, "evidence"),
		},
	}
	setDefaults(cfg)
	return cfg
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.StoreID == "" {
		cfg.StoreID = "default"
	}

	if cfg.Storage.AssetsDir == "" {
		cfg.Storage.AssetsDir = "./data/assets"
	}
	if cfg.Storage.CacheDir == "" {
		cfg.Storage.CacheDir = "./data/cache"
	}
	if cfg.Storage.EvidenceDir == "" {
		cfg.Storage.EvidenceDir = "./data/evidence"
	}

	if cfg.Lock.StaleThreshold == 0 {
		cfg.Lock.StaleThreshold = 60 * time.Second
	}
	if cfg.Lock.RetryAttempts == 0 {
		cfg.Lock.RetryAttempts = 30
	}
	if cfg.Lock.RetryWait == 0 {
		cfg.Lock.RetryWait = time.Second
	}

	if cfg.Cache.MaxAge == 0 {
		cfg.Cache.MaxAge = 7 * 24 * time.Hour
	}
	if cfg.Cache.MaxSize == 0 {
		cfg.Cache.MaxSize = 500 * 1024 * 1024 // 500MB
	}

	if len(cfg.Vision.Timeouts) == 0 {
		cfg.Vision.Timeouts = []time.Duration{120 * time.Second, 180 * time.Second, 240 * time.Second}
	}
	if len(cfg.Vision.Backoffs) == 0 {
		cfg.Vision.Backoffs = []time.Duration{5 * time.Second, 10 * time.Second}
	}
	if cfg.Vision.CircuitThreshold == 0 {
		cfg.Vision.CircuitThreshold = 3
	}
	if cfg.Vision.Burst == 0 {
		cfg.Vision.Burst = 1
	}

	if cfg.Pipeline.Concurrency == 0 {
		cfg.Pipeline.Concurrency = 4
	}

	if cfg.Disk.WarningThreshold == 0 {
		cfg.Disk.WarningThreshold = 80.0
	}
	if cfg.Disk.ThrottleThreshold == 0 {
		cfg.Disk.ThrottleThreshold = 90.0
	}
	if cfg.Disk.CircuitBreakerThreshold == 0 {
		cfg.Disk.CircuitBreakerThreshold = 95.0
	}
	if cfg.Disk.CheckInterval == 0 {
		cfg.Disk.CheckInterval = 10 * time.Second
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9464
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Storage.AssetsDir == "" || c.Storage.CacheDir == "" || c.Storage.EvidenceDir == "" {
		return fmt.Errorf("storage directories are required")
	}
	if c.Lock.StaleThreshold <= 0 {
		return fmt.Errorf("lock.stale_threshold must be positive")
	}
	if c.Lock.RetryAttempts < 1 {
		return fmt.Errorf("lock.retry_attempts must be at least 1")
	}
	if c.Lock.RetryWait < 0 {
		return fmt.Errorf("lock.retry_wait must not be negative")
	}
	if c.Cache.MaxAge <= 0 {
		return fmt.Errorf("cache.max_age must be positive")
	}
	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache.max_size must be positive")
	}
	if len(c.Vision.Backoffs) != len(c.Vision.Timeouts)-1 {
		return fmt.Errorf("vision.backoffs must have exactly one entry fewer than vision.timeouts (got %d and %d)",
			len(c.Vision.Backoffs), len(c.Vision.Timeouts))
	}
	for i, d := range c.Vision.Timeouts {
		if d <= 0 {
			return fmt.Errorf("vision.timeouts[%d] must be positive", i)
		}
	}
	if c.Vision.CircuitThreshold < 1 {
		return fmt.Errorf("vision.circuit_threshold must be at least 1")
	}
	if c.Vision.RequestsPerSecond < 0 {
		return fmt.Errorf("vision.requests_per_second must not be negative")
	}
	if c.Pipeline.Concurrency < 1 {
		return fmt.Errorf("pipeline.concurrency must be at least 1")
	}
	d := c.Disk
	if d.WarningThreshold < 0 || d.CircuitBreakerThreshold > 100 ||
		d.WarningThreshold > d.ThrottleThreshold || d.ThrottleThreshold > d.CircuitBreakerThreshold {
		return fmt.Errorf("disk thresholds must satisfy 0 <= warning <= throttle <= circuit_breaker <= 100")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	return nil
}
