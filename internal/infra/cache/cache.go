// Package cache implements the size-bounded in-memory response cache.
//
// This package contains:
//   - Store: keyed store with per-entry TTL, access statistics and
//     weighted-LRU eviction
//   - Warmer: predictive refresh of hot keys before they expire
//   - SizeFunc / Compactor: pluggable size estimation and storage compaction
//
// Absence and capacity pressure are normal states; no Store operation
// returns an error.
package cache

import "time"

// Config holds the store configuration.
type Config struct {
	MaxSizeBytes         int64         `yaml:"max_size_bytes"`
	DefaultTTL           time.Duration `yaml:"default_ttl"`
	CompressionThreshold int64         `yaml:"compression_threshold"` // 0 disables compaction
}

// DefaultConfig returns the store defaults.
func DefaultConfig() Config {
	return Config{
		MaxSizeBytes:         50 << 20,
		DefaultTTL:           5 * time.Minute,
		CompressionThreshold: 10 << 10,
	}
}

// EntryInfo is a read-only view of an entry's bookkeeping.
type EntryInfo struct {
	ExpiresAt      time.Time `json:"expires_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	HitCount       uint64    `json:"hit_count"`
	SizeBytes      int64     `json:"size_bytes"`
	Compacted      bool      `json:"compacted"`
}

// Metrics is a point-in-time snapshot of store counters.
type Metrics struct {
	Hits           uint64  `json:"hits"`
	Misses         uint64  `json:"misses"`
	Evictions      uint64  `json:"evictions"`
	TotalSizeBytes int64   `json:"total_size_bytes"`
	EntryCount     int     `json:"entry_count"`
	HitRate        float64 `json:"hit_rate"`
}

type entry struct {
	value          any
	expiresAt      time.Time
	hitCount       uint64
	lastAccessedAt time.Time
	sizeBytes      int64
	compacted      bool
}

func (e *entry) info() EntryInfo {
	return EntryInfo{
		ExpiresAt:      e.expiresAt,
		LastAccessedAt: e.lastAccessedAt,
		HitCount:       e.hitCount,
		SizeBytes:      e.sizeBytes,
		Compacted:      e.compacted,
	}
}
