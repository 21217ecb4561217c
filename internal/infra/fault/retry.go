package fault

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/sethvargo/go-retry"
)

// Operation is a unit of work guarded by retry or a breaker.
type Operation func(ctx context.Context) error

// RetryPolicy controls WithRetry.
type RetryPolicy struct {
	MaxRetries          int           `yaml:"max_retries"`
	BaseDelay           time.Duration `yaml:"base_delay"`
	MaxDelay            time.Duration `yaml:"max_delay"`
	BackoffMultiplier   float64       `yaml:"backoff_multiplier"`
	MaxJitter           time.Duration `yaml:"max_jitter"` // negative disables jitter
	RetryableCategories []Category    `yaml:"retryable_categories"`
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:          3,
		BaseDelay:           time.Second,
		MaxDelay:            10 * time.Second,
		BackoffMultiplier:   2,
		MaxJitter:           time.Second,
		RetryableCategories: []Category{CategoryNetwork, CategoryRateLimit},
	}
}

// withDefaults fills unset fields from DefaultRetryPolicy. MaxRetries 0 is
// a valid budget; the zero RetryPolicy as a whole means the default policy.
func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.isZero() {
		return def
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = max(def.MaxDelay, p.BaseDelay)
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = def.BackoffMultiplier
	}
	if p.MaxJitter == 0 {
		p.MaxJitter = def.MaxJitter
	}
	if len(p.RetryableCategories) == 0 {
		p.RetryableCategories = def.RetryableCategories
	}
	return p
}

func (p RetryPolicy) isZero() bool {
	return p.MaxRetries == 0 && p.BaseDelay == 0 && p.MaxDelay == 0 &&
		p.BackoffMultiplier == 0 && p.MaxJitter == 0 && len(p.RetryableCategories) == 0
}

// Delay returns the sleep before retry number attempt (0-based):
// min(BaseDelay × BackoffMultiplier^attempt, MaxDelay) plus jitter in
// [0, MaxJitter).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	backoff := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	d := time.Duration(math.Min(backoff, float64(p.MaxDelay)))
	if p.MaxJitter > 0 {
		d += rand.N(p.MaxJitter)
	}
	return d
}

func (p RetryPolicy) shouldRetry(ce *ClassifiedError) bool {
	return ce.Retryable && slices.Contains(p.RetryableCategories, ce.Category)
}

// RetryOption adjusts a single WithRetry call.
type RetryOption func(*retryCall)

type retryCall struct {
	policy RetryPolicy
	fields map[string]any
}

// WithPolicy replaces the handler's default policy for one call. Unset
// fields take their defaults.
func WithPolicy(p RetryPolicy) RetryOption {
	return func(c *retryCall) { c.policy = p.withDefaults() }
}

// WithMaxRetries overrides only the retry budget.
func WithMaxRetries(n int) RetryOption {
	return func(c *retryCall) { c.policy.MaxRetries = max(n, 0) }
}

// WithFields attaches context to every error classified during the call.
func WithFields(fields map[string]any) RetryOption {
	return func(c *retryCall) { c.fields = fields }
}

// RetryError is returned when WithRetry gives up.
type RetryError struct {
	Attempts int
	Err      *ClassifiedError
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// WithRetry runs op until it succeeds, fails with an error that is not
// retryable under the policy, or the retry budget is spent. Backoff sleeps
// honour ctx. Failures are returned as *RetryError.
func (h *Handler) WithRetry(ctx context.Context, op Operation, opts ...RetryOption) error {
	call := retryCall{policy: h.retry}
	for _, opt := range opts {
		opt(&call)
	}
	policy := call.policy

	attempts := 0
	retries := 0
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		if retries >= policy.MaxRetries {
			return 0, true
		}
		d := policy.Delay(retries)
		retries++
		h.recordRetry()
		h.log.Debug("Retrying operation", "retry", retries, "delay", d)
		return d, false
	})

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		ce := h.Classify(err, call.fields)
		if !policy.shouldRetry(ce) {
			return ce
		}
		return retry.RetryableError(ce)
	})
	if err == nil {
		if attempts > 1 {
			h.recordRecovered()
			h.log.Debug("Operation recovered", "attempts", attempts)
		}
		return nil
	}

	var ce *ClassifiedError
	if !errors.As(err, &ce) {
		ce = h.Classify(err, call.fields)
	}
	return &RetryError{Attempts: attempts, Err: ce}
}
