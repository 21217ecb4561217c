package fault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/resilient/internal/metrics"
)

// ErrBreakerOpen matches every *BreakerOpenError.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerOpenError is returned without running the operation while a
// service's breaker is open. RetryAfter is the remaining cool-down; it is
// zero when a half-open trial is already in flight.
type BreakerOpenError struct {
	ServiceKey string
	RetryAfter time.Duration
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s, retry after %s", e.ServiceKey, e.RetryAfter)
}

func (e *BreakerOpenError) Is(target error) bool {
	return target == ErrBreakerOpen
}

// BreakerPolicy controls WithCircuitBreaker.
type BreakerPolicy struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// DefaultBreakerPolicy returns the default breaker policy.
func DefaultBreakerPolicy() BreakerPolicy {
	return BreakerPolicy{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

func (p BreakerPolicy) withDefaults() BreakerPolicy {
	def := DefaultBreakerPolicy()
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = def.FailureThreshold
	}
	if p.ResetTimeout <= 0 {
		p.ResetTimeout = def.ResetTimeout
	}
	return p
}

// BreakerState is the state of one service's breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

func (s BreakerState) gauge() float64 {
	switch s {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	default:
		return 0
	}
}

// BreakerSnapshot is a read-only view of a breaker.
type BreakerSnapshot struct {
	State               BreakerState `json:"state"`
	ConsecutiveFailures uint         `json:"consecutive_failures"`
	LastFailureAt       time.Time    `json:"last_failure_at,omitzero"`
}

type circuitBreaker struct {
	state         BreakerState
	failures      uint
	lastFailureAt time.Time
	trialInFlight bool
}

func (b *circuitBreaker) snapshot() BreakerSnapshot {
	return BreakerSnapshot{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		LastFailureAt:       b.lastFailureAt,
	}
}

// WithCircuitBreaker runs op under the breaker for serviceKey. Breakers
// are created on first use and live until ResetBreakers.
//
// Closed: op runs; reaching FailureThreshold consecutive failures opens
// the breaker. Open: op is rejected with *BreakerOpenError until
// ResetTimeout has passed since the last failure, then the next call
// becomes the single half-open trial. Half-open: success closes the
// breaker, failure reopens it.
func (h *Handler) WithCircuitBreaker(ctx context.Context, serviceKey string, op Operation, policy ...BreakerPolicy) error {
	p := h.breaker
	if len(policy) > 0 {
		p = policy[0].withDefaults()
	}

	if err := h.admit(serviceKey, p); err != nil {
		return err
	}

	return h.runAndSettle(ctx, serviceKey, p, op)
}

// runAndSettle records the outcome of op even when it panics; a panic
// counts as a failure and is re-raised.
func (h *Handler) runAndSettle(ctx context.Context, key string, p BreakerPolicy, op Operation) (err error) {
	settled := false
	defer func() {
		if settled {
			return
		}
		r := recover()
		if r == nil {
			// runtime.Goexit
			h.settle(key, p, errors.New("operation did not return"))
			return
		}
		h.settle(key, p, fmt.Errorf("operation panicked: %v", r))
		panic(r)
	}()

	err = op(ctx)
	settled = true
	h.settle(key, p, err)
	return err
}

func (h *Handler) admit(key string, p BreakerPolicy) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.breakers[key]
	if !ok {
		b = &circuitBreaker{state: BreakerClosed}
		h.breakers[key] = b
		metrics.BreakerState.WithLabelValues(key).Set(b.state.gauge())
	}

	switch b.state {
	case BreakerOpen:
		elapsed := h.now().Sub(b.lastFailureAt)
		if elapsed < p.ResetTimeout {
			return &BreakerOpenError{ServiceKey: key, RetryAfter: p.ResetTimeout - elapsed}
		}
		h.transitionLocked(key, b, BreakerHalfOpen)
		b.trialInFlight = true
	case BreakerHalfOpen:
		if b.trialInFlight {
			return &BreakerOpenError{ServiceKey: key}
		}
		b.trialInFlight = true
	}
	return nil
}

func (h *Handler) settle(key string, p BreakerPolicy, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.breakers[key]
	if !ok {
		// Reset while the operation was running.
		return
	}
	wasTrial := b.state == BreakerHalfOpen
	if wasTrial {
		b.trialInFlight = false
	}

	if err == nil {
		b.failures = 0
		if wasTrial {
			h.transitionLocked(key, b, BreakerClosed)
		}
		return
	}

	b.failures++
	b.lastFailureAt = h.now()
	if wasTrial || (b.state == BreakerClosed && b.failures >= uint(p.FailureThreshold)) {
		h.transitionLocked(key, b, BreakerOpen)
	}
}

func (h *Handler) transitionLocked(key string, b *circuitBreaker, to BreakerState) {
	if b.state == to {
		return
	}
	h.log.Info("Circuit breaker state changed",
		"service", key, "from", b.state, "to", to, "failures", b.failures)
	b.state = to
	metrics.BreakerState.WithLabelValues(key).Set(to.gauge())
}

// BreakerState returns the current state for serviceKey. Unknown keys are
// closed.
func (h *Handler) BreakerState(serviceKey string) BreakerState {
	h.mu.Lock()
	defer h.mu.Unlock()

	if b, ok := h.breakers[serviceKey]; ok {
		return b.state
	}
	return BreakerClosed
}

// ResetBreakers discards every breaker.
func (h *Handler) ResetBreakers() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for key := range h.breakers {
		metrics.BreakerState.DeleteLabelValues(key)
	}
	h.breakers = make(map[string]*circuitBreaker)
	h.log.Info("Circuit breakers reset")
}
