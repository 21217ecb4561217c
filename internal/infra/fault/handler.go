package fault

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/resilient/internal/metrics"
)

// Config holds the process-wide retry and breaker policies.
type Config struct {
	Retry   RetryPolicy   `yaml:"retry"`
	Breaker BreakerPolicy `yaml:"circuit_breaker"`
}

// DefaultConfig returns the default policies.
func DefaultConfig() Config {
	return Config{
		Retry:   DefaultRetryPolicy(),
		Breaker: DefaultBreakerPolicy(),
	}
}

// Metrics is a snapshot of error handling counters.
type Metrics struct {
	TotalErrors   uint64                     `json:"total_errors"`
	ByCategory    map[Category]uint64        `json:"by_category"`
	BySeverity    map[Severity]uint64        `json:"by_severity"`
	RetryAttempts uint64                     `json:"retry_attempts"`
	Recovered     uint64                     `json:"recovered"`
	Breakers      map[string]BreakerSnapshot `json:"circuit_breakers"`
}

// Handler classifies errors and owns retry and breaker state.
type Handler struct {
	rules   []Rule
	retry   RetryPolicy
	breaker BreakerPolicy

	mu            sync.Mutex
	total         uint64
	byCategory    map[Category]uint64
	bySeverity    map[Severity]uint64
	retryAttempts uint64
	recovered     uint64
	breakers      map[string]*circuitBreaker
	fallbacks     map[string]FallbackProvider

	defaultFallback DefaultFallbackProvider

	now func() time.Time
	log *slog.Logger
}

// New creates a handler with DefaultRules. Unset retry and breaker policy
// fields take their defaults.
func New(cfg Config) *Handler {
	return &Handler{
		rules:      DefaultRules(),
		retry:      cfg.Retry.withDefaults(),
		breaker:    cfg.Breaker.withDefaults(),
		byCategory: make(map[Category]uint64),
		bySeverity: make(map[Severity]uint64),
		breakers:   make(map[string]*circuitBreaker),
		fallbacks:  make(map[string]FallbackProvider),
		now:        time.Now,
		log:        slog.Default().With("component", "fault"),
	}
}

// RetryPolicy returns the handler's default retry policy.
func (h *Handler) RetryPolicy() RetryPolicy {
	return h.retry
}

// Classify maps err to a ClassifiedError. An error that already is (or
// wraps) a ClassifiedError is returned unchanged. Never returns nil.
func (h *Handler) Classify(err error, fields map[string]any) *ClassifiedError {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}

	tmpl := systemTemplate
	lower := strings.ToLower(msg)
	for _, r := range h.rules {
		if err != nil && r.Match(err, lower) {
			tmpl = r.Template
			break
		}
	}

	ce = newClassifiedError(err, msg, tmpl, fields, h.now())
	h.record(ce)
	return ce
}

func (h *Handler) record(ce *ClassifiedError) {
	h.mu.Lock()
	h.total++
	h.byCategory[ce.Category]++
	h.bySeverity[ce.Severity]++
	h.mu.Unlock()

	metrics.ErrorsTotal.WithLabelValues(string(ce.Category), string(ce.Severity)).Inc()
	h.log.Debug("Classified error",
		"id", ce.ID, "category", ce.Category, "severity", ce.Severity,
		"retryable", ce.Retryable, "error", ce.Message)
}

func (h *Handler) recordRetry() {
	h.mu.Lock()
	h.retryAttempts++
	h.mu.Unlock()
	metrics.RetryAttempts.Inc()
}

func (h *Handler) recordRecovered() {
	h.mu.Lock()
	h.recovered++
	h.mu.Unlock()
	metrics.Recovered.Inc()
}

// Metrics returns a snapshot of the counters and breaker states.
func (h *Handler) Metrics() Metrics {
	h.mu.Lock()
	defer h.mu.Unlock()

	m := Metrics{
		TotalErrors:   h.total,
		ByCategory:    make(map[Category]uint64, len(h.byCategory)),
		BySeverity:    make(map[Severity]uint64, len(h.bySeverity)),
		RetryAttempts: h.retryAttempts,
		Recovered:     h.recovered,
		Breakers:      make(map[string]BreakerSnapshot, len(h.breakers)),
	}
	for k, v := range h.byCategory {
		m.ByCategory[k] = v
	}
	for k, v := range h.bySeverity {
		m.BySeverity[k] = v
	}
	for key, b := range h.breakers {
		m.Breakers[key] = b.snapshot()
	}
	return m
}
