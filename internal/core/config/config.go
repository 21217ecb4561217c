package config

import (
	"time"

	"github.com/vietddude/resilient/internal/infra/cache"
	"github.com/vietddude/resilient/internal/infra/engine"
	"github.com/vietddude/resilient/internal/infra/fault"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server         ServerConfig           `yaml:"server"`
	Logging        LoggingConfig          `yaml:"logging"`
	Transport      TransportConfig        `yaml:"transport"`
	Cache          CacheConfig            `yaml:"cache"`
	Warming        cache.WarmerConfig     `yaml:"warming"`
	RateLimit      engine.RateLimitConfig `yaml:"rate_limit"`
	Retry          fault.RetryPolicy      `yaml:"retry"`
	CircuitBreaker fault.BreakerPolicy    `yaml:"circuit_breaker"`
	Batch          engine.BatchConfig     `yaml:"batch"`
	Offline        engine.OfflineConfig   `yaml:"offline"`
	Fallback       engine.FallbackConfig  `yaml:"fallback"`
}

// ServerConfig holds admin HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TransportConfig selects and configures the outbound transport.
type TransportConfig struct {
	Kind    string        `yaml:"kind"`     // http, grpc
	BaseURL string        `yaml:"base_url"` // http base URL or grpc endpoint
	Timeout time.Duration `yaml:"timeout"`
}

// CacheConfig holds cache store settings.
type CacheConfig struct {
	MaxSizeBytes         int64         `yaml:"max_size_bytes"`
	DefaultTTL           time.Duration `yaml:"default_ttl"`
	CompressionThreshold int64         `yaml:"compression_threshold"`
	Compression          string        `yaml:"compression"` // none, gzip
}

// Store returns the cache.Config part.
func (c CacheConfig) Store() cache.Config {
	return cache.Config{
		MaxSizeBytes:         c.MaxSizeBytes,
		DefaultTTL:           c.DefaultTTL,
		CompressionThreshold: c.CompressionThreshold,
	}
}

// Engine assembles the engine configuration.
func (c *AppConfig) Engine() engine.Config {
	return engine.Config{
		Timeout:   c.Transport.Timeout,
		RateLimit: c.RateLimit,
		Batch:     c.Batch,
		Offline:   c.Offline,
		Warming:   c.Warming,
		Fallback:  c.Fallback,
	}
}

// Faults assembles the error handler configuration.
func (c *AppConfig) Faults() fault.Config {
	return fault.Config{
		Retry:   c.Retry,
		Breaker: c.CircuitBreaker,
	}
}
