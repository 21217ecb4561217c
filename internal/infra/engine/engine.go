// Package engine is the resilient request engine. It wraps a caller-supplied
// transport with deduplication, response caching, sliding-window rate
// limiting, debounced priority batching, an offline queue and the retry and
// circuit-breaker logic of package fault.
//
// Responses returned to callers may be shared between deduplicated callers
// and the cache; treat them as read-only.
package engine

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vietddude/resilient/internal/infra/cache"
	"github.com/vietddude/resilient/internal/infra/fault"
	"github.com/vietddude/resilient/internal/infra/transport"
)

var (
	ErrEngineClosed    = errors.New("engine closed")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrNotBatchable    = errors.New("request is not marked batchable")
	ErrBatchItemFailed = errors.New("batch item failed")
	ErrOfflineTimeout  = errors.New("offline queue timeout")
)

// Priority orders batched requests.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Score returns 4 for critical down to 1 for low. Unset means medium.
func (p Priority) Score() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

func (p Priority) valid() bool {
	switch p {
	case "", PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// RequestConfig holds per-request options.
type RequestConfig struct {
	Method     string
	Header     map[string]string
	Body       []byte
	Timeout    time.Duration // 0 means the engine default
	MaxRetries *int          // nil means the handler's retry policy

	NoCache  bool
	CacheTTL time.Duration // 0 means the store default

	Priority       Priority
	Batchable      bool
	DeduplicateKey string // defaults to METHOD:url

	// ServiceKey, when set, runs the call under that service's breaker.
	ServiceKey string
	// Invalidate lists cache patterns dropped after a successful write.
	Invalidate []string
}

func (c RequestConfig) method() string {
	if c.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(c.Method)
}

func isRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func cacheKey(method, url string) string {
	return method + ":" + url
}

// RateLimitConfig bounds admitted calls per sliding window.
type RateLimitConfig struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// BatchConfig controls BatchRequest.
type BatchConfig struct {
	Window            time.Duration `yaml:"window"`
	Size              int           `yaml:"size"`
	InterRequestDelay time.Duration `yaml:"inter_request_delay"`
	// Endpoint accepts combined GETs. Empty disables combined calls.
	Endpoint         string   `yaml:"endpoint"`
	EligiblePrefixes []string `yaml:"eligible_prefixes"` // empty means every URL
}

// OfflineConfig controls the offline queue.
type OfflineConfig struct {
	QueueTimeout time.Duration `yaml:"queue_timeout"`
	StartOffline bool          `yaml:"start_offline"`
}

// FallbackConfig bounds the last-known-good responses kept for the
// stale-cache fallback.
type FallbackConfig struct {
	StaleTTL      time.Duration `yaml:"stale_ttl"`
	MaxStaleBytes int64         `yaml:"max_stale_bytes"`
}

// Config holds engine settings.
type Config struct {
	Timeout   time.Duration      `yaml:"timeout"`
	RateLimit RateLimitConfig    `yaml:"rate_limit"`
	Batch     BatchConfig        `yaml:"batch"`
	Offline   OfflineConfig      `yaml:"offline"`
	Warming   cache.WarmerConfig `yaml:"warming"`
	Fallback  FallbackConfig     `yaml:"fallback"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		RateLimit: RateLimitConfig{
			MaxRequests: 100,
			Window:      time.Minute,
		},
		Batch: BatchConfig{
			Window:            50 * time.Millisecond,
			Size:              10,
			InterRequestDelay: 100 * time.Millisecond,
		},
		Offline: OfflineConfig{
			QueueTimeout: 30 * time.Second,
		},
		Warming: cache.DefaultWarmerConfig(),
		Fallback: FallbackConfig{
			StaleTTL:      time.Hour,
			MaxStaleBytes: 10 << 20,
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.RateLimit.MaxRequests <= 0 {
		c.RateLimit.MaxRequests = def.RateLimit.MaxRequests
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = def.RateLimit.Window
	}
	if c.Batch.Window <= 0 {
		c.Batch.Window = def.Batch.Window
	}
	if c.Batch.Size <= 0 {
		c.Batch.Size = def.Batch.Size
	}
	if c.Batch.InterRequestDelay < 0 {
		c.Batch.InterRequestDelay = 0
	}
	if c.Offline.QueueTimeout <= 0 {
		c.Offline.QueueTimeout = def.Offline.QueueTimeout
	}
	if c.Fallback.StaleTTL <= 0 {
		c.Fallback.StaleTTL = def.Fallback.StaleTTL
	}
	if c.Fallback.MaxStaleBytes <= 0 {
		c.Fallback.MaxStaleBytes = def.Fallback.MaxStaleBytes
	}
	return c
}

// Metrics is a snapshot of engine state.
type Metrics struct {
	InFlight           int64         `json:"in_flight"`
	QueuedBatch        int           `json:"queued_batch"`
	OfflineQueue       int           `json:"offline_queue"`
	Online             bool          `json:"online"`
	RateLimitOccupancy int           `json:"rate_limit_occupancy"`
	Cache              cache.Metrics `json:"cache"`
	Errors             fault.Metrics `json:"errors"`
}

// Engine issues requests through a transport.
type Engine struct {
	cfg       Config
	transport transport.Transport
	store     *cache.Store
	stale     *cache.Store
	faults    *fault.Handler
	limiter   *rateLimiter
	warmer    *cache.Warmer

	group    singleflight.Group
	inFlight atomic.Int64

	batchMu    sync.Mutex
	pending    []*batchItem
	batchTimer *time.Timer
	batchSeq   uint64

	offlineMu    sync.Mutex
	online       bool
	offlineQueue []*offlineEntry
	drainMu      sync.Mutex

	targetsMu sync.Mutex
	targets   map[string]warmTarget

	closed atomic.Bool
	wg     sync.WaitGroup
	log    *slog.Logger
}

// New creates an engine. A nil store or handler is replaced with one using
// default settings.
func New(cfg Config, t transport.Transport, store *cache.Store, faults *fault.Handler) *Engine {
	cfg = cfg.withDefaults()
	if store == nil {
		store = cache.New(cache.DefaultConfig())
	}
	if faults == nil {
		faults = fault.New(fault.DefaultConfig())
	}

	e := &Engine{
		cfg:       cfg,
		transport: t,
		store:     store,
		faults:    faults,
		limiter:   newRateLimiter(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window),
		online:    !cfg.Offline.StartOffline,
		targets:   make(map[string]warmTarget),
		log:       slog.Default().With("component", "engine"),
	}
	e.stale = cache.New(cache.Config{
		MaxSizeBytes: cfg.Fallback.MaxStaleBytes,
		DefaultTTL:   cfg.Fallback.StaleTTL,
	}, cache.WithName("stale"))
	e.warmer = cache.NewWarmer(store, e.warmLoad, cfg.Warming)
	faults.SetDefaultFallback(e.staleFallback)
	return e
}

// Store returns the engine's cache.
func (e *Engine) Store() *cache.Store {
	return e.store
}

// Faults returns the engine's error handler.
func (e *Engine) Faults() *fault.Handler {
	return e.faults
}

// Invalidate drops cached responses whose key matches pattern. Keys have
// the form METHOD:url.
func (e *Engine) Invalidate(pattern string) int {
	e.stale.Invalidate(pattern)
	return e.store.Invalidate(pattern)
}

// ResetBreakers closes every circuit breaker.
func (e *Engine) ResetBreakers() {
	e.faults.ResetBreakers()
}

// Metrics returns a snapshot of engine, cache and error counters.
func (e *Engine) Metrics() Metrics {
	e.batchMu.Lock()
	queuedBatch := len(e.pending)
	e.batchMu.Unlock()

	e.offlineMu.Lock()
	offline := len(e.offlineQueue)
	online := e.online
	e.offlineMu.Unlock()

	return Metrics{
		InFlight:           e.inFlight.Load(),
		QueuedBatch:        queuedBatch,
		OfflineQueue:       offline,
		Online:             online,
		RateLimitOccupancy: e.limiter.Occupancy(),
		Cache:              e.store.Metrics(),
		Errors:             e.faults.Metrics(),
	}
}

// Close fails pending batch and offline requests with ErrEngineClosed and
// waits for background work. Later calls return ErrEngineClosed.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}

	e.batchMu.Lock()
	if e.batchTimer != nil {
		e.batchTimer.Stop()
		e.batchTimer = nil
	}
	pending := e.pending
	e.pending = nil
	e.batchMu.Unlock()
	for _, item := range pending {
		item.deliver(nil, ErrEngineClosed)
	}

	e.offlineMu.Lock()
	queued := e.offlineQueue
	e.offlineQueue = nil
	e.offlineMu.Unlock()
	for _, entry := range queued {
		if entry.state.CompareAndSwap(entryQueued, entryExpired) {
			entry.done <- result{err: ErrEngineClosed}
		}
	}

	e.wg.Wait()
	e.log.Info("Engine closed")
}
