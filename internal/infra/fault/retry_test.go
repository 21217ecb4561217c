package fault

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries:          maxRetries,
		BaseDelay:           time.Millisecond,
		MaxDelay:            5 * time.Millisecond,
		BackoffMultiplier:   2,
		MaxJitter:           -1,
		RetryableCategories: []Category{CategoryNetwork, CategoryRateLimit},
	}
}

func TestWithRetry_Budget(t *testing.T) {
	for _, maxRetries := range []int{0, 1, 3, 5} {
		h, _ := newTestHandler()
		calls := 0
		err := h.WithRetry(context.Background(), func(context.Context) error {
			calls++
			return statusErr(503)
		}, WithPolicy(fastPolicy(maxRetries)))

		var rerr *RetryError
		require.ErrorAs(t, err, &rerr)
		require.Equal(t, maxRetries+1, calls)
		require.Equal(t, maxRetries+1, rerr.Attempts)
		require.Equal(t, CategoryNetwork, rerr.Err.Category)
		require.Equal(t, uint64(maxRetries), h.Metrics().RetryAttempts)
	}
}

func TestWithRetry_NonRetryableRunsOnce(t *testing.T) {
	h, _ := newTestHandler()
	calls := 0
	err := h.WithRetry(context.Background(), func(context.Context) error {
		calls++
		return statusErr(401)
	}, WithPolicy(fastPolicy(3)))

	var rerr *RetryError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, 1, calls)
	require.Equal(t, 1, rerr.Attempts)
	require.Equal(t, CategoryAuthentication, rerr.Err.Category)
}

func TestWithRetry_CategoryNotInPolicy(t *testing.T) {
	h, _ := newTestHandler()
	policy := fastPolicy(3)
	policy.RetryableCategories = []Category{CategoryNetwork}

	calls := 0
	err := h.WithRetry(context.Background(), func(context.Context) error {
		calls++
		return statusErr(429)
	}, WithPolicy(policy))

	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestWithRetry_Recovers(t *testing.T) {
	h, _ := newTestHandler()
	calls := 0
	err := h.WithRetry(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	}, WithPolicy(fastPolicy(3)))

	require.NoError(t, err)
	require.Equal(t, 3, calls)

	m := h.Metrics()
	require.Equal(t, uint64(1), m.Recovered)
	require.Equal(t, uint64(2), m.RetryAttempts)
	require.Equal(t, uint64(2), m.ByCategory[CategoryNetwork])
}

func TestWithRetry_FirstTrySuccessIsNotRecovery(t *testing.T) {
	h, _ := newTestHandler()
	require.NoError(t, h.WithRetry(context.Background(), func(context.Context) error { return nil }))
	require.Zero(t, h.Metrics().Recovered)
}

func TestWithRetry_MaxRetriesOverride(t *testing.T) {
	h, _ := newTestHandler()
	calls := 0
	_ = h.WithRetry(context.Background(), func(context.Context) error {
		calls++
		return statusErr(503)
	}, WithPolicy(fastPolicy(5)), WithMaxRetries(1))
	require.Equal(t, 2, calls)
}

func TestWithRetry_ContextCancelledDuringBackoff(t *testing.T) {
	h, _ := newTestHandler()
	policy := fastPolicy(3)
	policy.BaseDelay = time.Hour
	policy.MaxDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	start := time.Now()
	err := h.WithRetry(ctx, func(context.Context) error {
		calls++
		return statusErr(503)
	}, WithPolicy(policy))

	var rerr *RetryError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, 1, calls)
	require.Less(t, time.Since(start), time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWithRetry_FieldsAttached(t *testing.T) {
	h, _ := newTestHandler()
	err := h.WithRetry(context.Background(), func(context.Context) error {
		return statusErr(400)
	}, WithFields(map[string]any{"url": "/api/vendors"}))

	var rerr *RetryError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, "/api/vendors", rerr.Err.Context["url"])
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, BackoffMultiplier: 2}

	require.Equal(t, time.Second, p.Delay(0))
	require.Equal(t, 2*time.Second, p.Delay(1))
	require.Equal(t, 8*time.Second, p.Delay(3))
	require.Equal(t, 10*time.Second, p.Delay(4))

	p.MaxJitter = time.Second
	for i := 0; i < 100; i++ {
		d := p.Delay(0)
		require.GreaterOrEqual(t, d, time.Second)
		require.Less(t, d, 2*time.Second)
	}
}

func TestRetryPolicy_Defaults(t *testing.T) {
	require.Equal(t, DefaultRetryPolicy(), RetryPolicy{}.withDefaults())

	p := RetryPolicy{MaxRetries: 1, BaseDelay: 100 * time.Millisecond}.withDefaults()
	require.Equal(t, 1, p.MaxRetries)
	require.Equal(t, 10*time.Second, p.MaxDelay)
	require.Equal(t, 2.0, p.BackoffMultiplier)
	require.Equal(t, time.Second, p.MaxJitter)
	require.ElementsMatch(t, []Category{CategoryNetwork, CategoryRateLimit}, p.RetryableCategories)
}

func TestRetryPolicy_PartialOverrideKeepsSetFields(t *testing.T) {
	p := RetryPolicy{MaxRetries: 1, RetryableCategories: []Category{CategoryValidation}}.withDefaults()

	require.Equal(t, 1, p.MaxRetries)
	require.Equal(t, []Category{CategoryValidation}, p.RetryableCategories)
	require.Equal(t, time.Second, p.BaseDelay)
	require.Equal(t, time.Second, p.MaxJitter)

	zeroBudget := RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond}.withDefaults()
	require.Zero(t, zeroBudget.MaxRetries)
}

func TestRetryPolicy_JitterByDefault(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second}.withDefaults()
	require.Equal(t, time.Second, p.MaxJitter)

	seen := make(map[time.Duration]bool)
	for i := 0; i < 20; i++ {
		d := p.Delay(0)
		require.GreaterOrEqual(t, d, time.Second)
		require.Less(t, d, 2*time.Second)
		seen[d] = true
	}
	require.Greater(t, len(seen), 1)

	off := RetryPolicy{BaseDelay: time.Second, MaxJitter: -1}.withDefaults()
	require.Equal(t, time.Second, off.Delay(0))
}

func TestWithRetry_PartialPolicyOverride(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries:          1,
		BaseDelay:           time.Millisecond,
		MaxJitter:           -1,
		RetryableCategories: []Category{CategoryRateLimit},
	}
	tests := []struct {
		name   string
		status int
		calls  int
	}{
		{"listed category uses the override budget", 429, 2},
		{"unlisted category is not retried", 503, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler()
			calls := 0
			err := h.WithRetry(context.Background(), func(context.Context) error {
				calls++
				return statusErr(tt.status)
			}, WithPolicy(policy))

			require.Error(t, err)
			require.Equal(t, tt.calls, calls)
		})
	}
}
