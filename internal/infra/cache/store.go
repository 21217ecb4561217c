package cache

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/resilient/internal/metrics"
)

// Option configures a Store.
type Option func(*Store)

// WithSizeFunc replaces the default size estimator.
func WithSizeFunc(fn SizeFunc) Option {
	return func(s *Store) {
		if fn != nil {
			s.sizeOf = fn
		}
	}
}

// WithName labels the store's Prometheus series. The default is "response".
func WithName(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.name = name
		}
	}
}

// WithCompactor replaces the default no-op compactor.
func WithCompactor(c Compactor) Option {
	return func(s *Store) {
		if c != nil {
			s.compactor = c
		}
	}
}

// Store is a size-bounded key/value cache with per-entry expiry.
type Store struct {
	mu sync.Mutex

	name    string
	cfg     Config
	entries map[string]*entry

	hits      uint64
	misses    uint64
	evictions uint64
	totalSize int64

	sizeOf    SizeFunc
	compactor Compactor
	now       func() time.Time
	log       *slog.Logger
}

// New creates a store. Zero config fields fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Store {
	def := DefaultConfig()
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = def.MaxSizeBytes
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}

	s := &Store{
		name:      "response",
		cfg:       cfg,
		entries:   make(map[string]*entry),
		sizeOf:    EstimateSize,
		compactor: NopCompactor{},
		now:       time.Now,
		log:       slog.Default().With("component", "cache"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("store", s.name)
	return s
}

// Get returns the value for key if present and unexpired.
// An expired entry is removed by the lookup that observes it.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	now := s.now()
	if !ok || !now.Before(e.expiresAt) {
		if ok {
			s.removeLocked(key, e)
		}
		s.misses++
		metrics.CacheMisses.WithLabelValues(s.name).Inc()
		return nil, false
	}

	value := e.value
	if e.compacted {
		expanded, err := s.compactor.Expand(e.value)
		if err != nil {
			s.log.Warn("Dropping entry that failed to expand", "key", key, "error", err)
			s.removeLocked(key, e)
			s.misses++
			metrics.CacheMisses.WithLabelValues(s.name).Inc()
			return nil, false
		}
		value = expanded
	}

	e.hitCount++
	e.lastAccessedAt = now
	s.hits++
	metrics.CacheHits.WithLabelValues(s.name).Inc()
	return value, true
}

// Set stores value under key with the default TTL.
func (s *Store) Set(key string, value any) {
	s.SetWithTTL(key, value, 0)
}

// SetWithTTL stores value under key. A non-positive ttl means the default TTL.
func (s *Store) SetWithTTL(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}

	// Sizing and compaction happen outside the lock.
	size := s.sizeOf(value)
	stored, compacted := value, false
	if s.cfg.CompressionThreshold > 0 && size > s.cfg.CompressionThreshold {
		if c, ok := s.compactor.Compact(value); ok {
			stored, compacted = c, true
			size = s.sizeOf(c)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[key]; ok {
		s.removeLocked(key, old)
	}

	if size > s.cfg.MaxSizeBytes {
		s.log.Debug("Value exceeds cache capacity, not stored",
			"key", key, "size", size, "max", s.cfg.MaxSizeBytes)
		return
	}

	s.ensureCapacityLocked(size)

	now := s.now()
	s.entries[key] = &entry{
		value:          stored,
		expiresAt:      now.Add(ttl),
		lastAccessedAt: now,
		sizeBytes:      size,
		compacted:      compacted,
	}
	s.totalSize += size
	metrics.CacheSizeBytes.WithLabelValues(s.name).Set(float64(s.totalSize))
}

// Peek returns entry bookkeeping without touching statistics or expiring it.
func (s *Store) Peek(key string) (EntryInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return EntryInfo{}, false
	}
	return e.info(), true
}

// Delete removes a single key.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false
	}
	s.removeLocked(key, e)
	return true
}

// Invalidate removes every key matching the glob pattern ('*' matches any
// run of characters) and returns how many were removed.
func (s *Store) Invalidate(pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		if MatchPattern(pattern, key) {
			s.removeLocked(key, e)
			removed++
		}
	}
	if removed > 0 {
		s.log.Debug("Invalidated cache entries", "pattern", pattern, "count", removed)
	}
	return removed
}

// Keys returns the current keys in sorted order, including expired entries
// that have not been observed yet.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clear drops every entry. Counters are kept.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*entry)
	s.totalSize = 0
	metrics.CacheSizeBytes.WithLabelValues(s.name).Set(0)
}

// Metrics returns a snapshot of the store counters.
func (s *Store) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := Metrics{
		Hits:           s.hits,
		Misses:         s.misses,
		Evictions:      s.evictions,
		TotalSizeBytes: s.totalSize,
		EntryCount:     len(s.entries),
	}
	if total := s.hits + s.misses; total > 0 {
		m.HitRate = float64(s.hits) / float64(total)
	}
	return m
}

func (s *Store) removeLocked(key string, e *entry) {
	delete(s.entries, key)
	s.totalSize -= e.sizeBytes
	metrics.CacheSizeBytes.WithLabelValues(s.name).Set(float64(s.totalSize))
}
