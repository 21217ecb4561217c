package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/resilient/internal/infra/cache"
	"github.com/vietddude/resilient/internal/infra/engine"
	"github.com/vietddude/resilient/internal/infra/fault"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, expanding environment variables and
// filling defaults.
func Parse(data []byte) (*AppConfig, error) {
	cfg := seed()
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *AppConfig {
	cfg := seed()
	applyDefaults(&cfg)
	return &cfg
}

// seed holds defaults for fields where an explicit zero is meaningful.
// YAML keys override them; absent keys keep them.
func seed() AppConfig {
	var cfg AppConfig
	cfg.Cache.CompressionThreshold = cache.DefaultConfig().CompressionThreshold
	cfg.Batch.InterRequestDelay = engine.DefaultConfig().Batch.InterRequestDelay
	cfg.Retry = fault.DefaultRetryPolicy()
	return cfg
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = "http"
	}
	if cfg.Transport.Timeout == 0 {
		cfg.Transport.Timeout = 30 * time.Second
	}

	defCache := cache.DefaultConfig()
	if cfg.Cache.MaxSizeBytes == 0 {
		cfg.Cache.MaxSizeBytes = defCache.MaxSizeBytes
	}
	if cfg.Cache.DefaultTTL == 0 {
		cfg.Cache.DefaultTTL = defCache.DefaultTTL
	}
	if cfg.Cache.Compression == "" {
		cfg.Cache.Compression = "none"
	}

	defWarm := cache.DefaultWarmerConfig()
	if cfg.Warming.Interval == 0 {
		cfg.Warming.Interval = defWarm.Interval
	}
	if cfg.Warming.Window == 0 {
		cfg.Warming.Window = defWarm.Window
	}
	if cfg.Warming.MinRatePerMin == 0 {
		cfg.Warming.MinRatePerMin = defWarm.MinRatePerMin
	}
	if cfg.Warming.RefreshAhead == 0 {
		cfg.Warming.RefreshAhead = defWarm.RefreshAhead
	}
	if cfg.Warming.MaxKeysPerCycle == 0 {
		cfg.Warming.MaxKeysPerCycle = defWarm.MaxKeysPerCycle
	}

	defEngine := engine.DefaultConfig()
	if cfg.RateLimit.MaxRequests == 0 {
		cfg.RateLimit.MaxRequests = defEngine.RateLimit.MaxRequests
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = defEngine.RateLimit.Window
	}
	if cfg.Batch.Window == 0 {
		cfg.Batch.Window = defEngine.Batch.Window
	}
	if cfg.Batch.Size == 0 {
		cfg.Batch.Size = defEngine.Batch.Size
	}
	if cfg.Fallback.StaleTTL == 0 {
		cfg.Fallback.StaleTTL = defEngine.Fallback.StaleTTL
	}
	if cfg.Fallback.MaxStaleBytes == 0 {
		cfg.Fallback.MaxStaleBytes = defEngine.Fallback.MaxStaleBytes
	}
	if cfg.Offline.QueueTimeout == 0 {
		cfg.Offline.QueueTimeout = defEngine.Offline.QueueTimeout
	}

	defBreaker := fault.DefaultBreakerPolicy()
	if cfg.CircuitBreaker.FailureThreshold == 0 {
		cfg.CircuitBreaker.FailureThreshold = defBreaker.FailureThreshold
	}
	if cfg.CircuitBreaker.ResetTimeout == 0 {
		cfg.CircuitBreaker.ResetTimeout = defBreaker.ResetTimeout
	}
}

// Validate rejects values the engine cannot run with.
func (c *AppConfig) Validate() error {
	switch strings.ToLower(c.Transport.Kind) {
	case "http", "grpc":
	default:
		return fmt.Errorf("invalid transport kind %q", c.Transport.Kind)
	}
	if c.Transport.Kind == "grpc" && c.Transport.BaseURL == "" {
		return fmt.Errorf("transport.base_url is required for grpc")
	}
	switch c.Cache.Compression {
	case "none", "gzip":
	default:
		return fmt.Errorf("invalid cache compression %q", c.Cache.Compression)
	}
	if c.Cache.MaxSizeBytes < 0 {
		return fmt.Errorf("cache.max_size_bytes must not be negative")
	}
	if c.RateLimit.MaxRequests < 0 {
		return fmt.Errorf("rate_limit.max_requests must not be negative")
	}
	if c.Cache.CompressionThreshold < 0 {
		return fmt.Errorf("cache.compression_threshold must not be negative")
	}
	if c.Batch.InterRequestDelay < 0 {
		return fmt.Errorf("batch.inter_request_delay must not be negative")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	for _, cat := range c.Retry.RetryableCategories {
		if !knownCategory(cat) {
			return fmt.Errorf("unknown retryable category %q", cat)
		}
	}
	return nil
}

func knownCategory(c fault.Category) bool {
	for _, known := range fault.Categories {
		if c == known {
			return true
		}
	}
	return false
}
