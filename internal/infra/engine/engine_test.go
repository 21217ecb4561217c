package engine

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vietddude/resilient/internal/infra/cache"
	"github.com/vietddude/resilient/internal/infra/fault"
	"github.com/vietddude/resilient/internal/infra/transport"
)

// fakeTransport records calls and answers with handler (200 "{}" when nil).
type fakeTransport struct {
	mu      sync.Mutex
	calls   []transport.Request
	handler func(ctx context.Context, req transport.Request) (*transport.Response, error)
}

func (f *fakeTransport) Perform(ctx context.Context, req transport.Request) (*transport.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	h := f.handler
	f.mu.Unlock()

	if h == nil {
		return ok(`{}`), nil
	}
	return h(ctx, req)
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) urls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.URL)
	}
	return out
}

func ok(body string) *transport.Response {
	return &transport.Response{Status: http.StatusOK, Body: []byte(body)}
}

func respond(status int, body string) func(context.Context, transport.Request) (*transport.Response, error) {
	return func(context.Context, transport.Request) (*transport.Response, error) {
		return &transport.Response{Status: status, Body: []byte(body)}, nil
	}
}

func testFaults() *fault.Handler {
	return fault.New(fault.Config{
		Retry: fault.RetryPolicy{
			MaxRetries:        2,
			BaseDelay:         time.Millisecond,
			MaxDelay:          2 * time.Millisecond,
			BackoffMultiplier: 2,
			MaxJitter:         -1,
		},
		Breaker: fault.BreakerPolicy{FailureThreshold: 5, ResetTimeout: time.Minute},
	})
}

func newTestEngine(t *testing.T, cfg Config, tr transport.Transport) *Engine {
	t.Helper()
	store := cache.New(cache.Config{MaxSizeBytes: 1 << 20, DefaultTTL: time.Minute})
	e := New(cfg, tr, store, testFaults())
	t.Cleanup(e.Close)
	return e
}

func intPtr(n int) *int { return &n }

func TestRequest_Success(t *testing.T) {
	tr := &fakeTransport{handler: respond(200, `{"vendors":["acme"]}`)}
	e := newTestEngine(t, Config{}, tr)

	resp, err := e.Request(context.Background(), "/api/vendors", RequestConfig{
		Header: map[string]string{"X-Api-Key": "k"},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"vendors":["acme"]}`, string(resp.Body))

	require.Equal(t, 1, tr.count())
	require.Equal(t, http.MethodGet, tr.calls[0].Method)
	require.Equal(t, "k", tr.calls[0].Header["X-Api-Key"])
	require.Equal(t, 30*time.Second, tr.calls[0].Timeout)
}

func TestRequest_EmptyURL(t *testing.T) {
	e := newTestEngine(t, Config{}, &fakeTransport{})
	_, err := e.Request(context.Background(), "", RequestConfig{})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRequest_Deduplicates(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	tr := &fakeTransport{handler: func(context.Context, transport.Request) (*transport.Response, error) {
		once.Do(func() { close(started) })
		<-release
		return ok(`{"n":1}`), nil
	}}
	e := newTestEngine(t, Config{}, tr)

	type out struct {
		resp *transport.Response
		err  error
	}
	results := make(chan out, 2)
	call := func() {
		resp, err := e.Request(context.Background(), "/api/margins", RequestConfig{NoCache: true})
		results <- out{resp, err}
	}

	go call()
	<-started
	go call()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(1), e.Metrics().InFlight)
	close(release)

	a, b := <-results, <-results
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	require.Same(t, a.resp, b.resp)
	require.Equal(t, 1, tr.count())
	require.Zero(t, e.Metrics().InFlight)
}

func TestRequest_ExplicitDeduplicateKey(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	tr := &fakeTransport{handler: func(context.Context, transport.Request) (*transport.Response, error) {
		once.Do(func() { close(started) })
		<-release
		return ok(`{}`), nil
	}}
	e := newTestEngine(t, Config{}, tr)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = e.Request(context.Background(), "/a?x=1", RequestConfig{DeduplicateKey: "summary", NoCache: true})
	}()
	<-started
	go func() {
		defer wg.Done()
		_, _ = e.Request(context.Background(), "/a?x=2", RequestConfig{DeduplicateKey: "summary", NoCache: true})
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, 1, tr.count())
}

func TestRequest_CallerCancelDoesNotCancelCall(t *testing.T) {
	release := make(chan struct{})
	done := make(chan error, 1)
	tr := &fakeTransport{handler: func(ctx context.Context, _ transport.Request) (*transport.Response, error) {
		<-release
		done <- ctx.Err()
		return ok(`{}`), nil
	}}
	e := newTestEngine(t, Config{}, tr)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := e.Request(ctx, "/slow", RequestConfig{})
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errs, context.Canceled)

	close(release)
	require.NoError(t, <-done)
	// The abandoned call still populated the cache.
	require.Eventually(t, func() bool {
		_, found := e.Store().Peek("GET:/slow")
		return found
	}, time.Second, 5*time.Millisecond)
}

func TestRequest_CachesReads(t *testing.T) {
	tr := &fakeTransport{}
	e := newTestEngine(t, Config{}, tr)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.Request(ctx, "/api/vendors", RequestConfig{})
		require.NoError(t, err)
	}
	require.Equal(t, 1, tr.count())
	require.Equal(t, uint64(2), e.Metrics().Cache.Hits)

	_, err := e.Request(ctx, "/api/vendors", RequestConfig{NoCache: true})
	require.NoError(t, err)
	require.Equal(t, 2, tr.count())
}

func TestRequest_CacheTTL(t *testing.T) {
	tr := &fakeTransport{}
	e := newTestEngine(t, Config{}, tr)
	ctx := context.Background()

	_, err := e.Request(ctx, "/api/cda", RequestConfig{CacheTTL: 20 * time.Millisecond})
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)
	_, err = e.Request(ctx, "/api/cda", RequestConfig{CacheTTL: 20 * time.Millisecond})
	require.NoError(t, err)

	require.Equal(t, 2, tr.count())
}

func TestRequest_WritesAreNotCachedAndInvalidate(t *testing.T) {
	tr := &fakeTransport{}
	e := newTestEngine(t, Config{}, tr)
	ctx := context.Background()

	_, err := e.Request(ctx, "/api/vendors?page=1", RequestConfig{})
	require.NoError(t, err)
	_, err = e.Request(ctx, "/api/margins", RequestConfig{})
	require.NoError(t, err)

	write := RequestConfig{
		Method:     http.MethodPost,
		Body:       []byte(`{"name":"acme"}`),
		Invalidate: []string{"GET:/api/vendors*"},
	}
	_, err = e.Request(ctx, "/api/vendors", write)
	require.NoError(t, err)
	_, err = e.Request(ctx, "/api/vendors", write)
	require.NoError(t, err)
	require.Equal(t, 4, tr.count())

	require.Equal(t, []string{"GET:/api/margins"}, e.Store().Keys())
}

func TestRequest_NonRetryableStatus(t *testing.T) {
	tr := &fakeTransport{handler: respond(404, `not found`)}
	e := newTestEngine(t, Config{}, tr)

	_, err := e.Request(context.Background(), "/api/vendors/9", RequestConfig{})

	var rerr *fault.RetryError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, fault.CategoryValidation, rerr.Err.Category)
	require.Equal(t, 1, tr.count())

	var status *transport.StatusError
	require.ErrorAs(t, err, &status)
	require.Equal(t, 404, status.Status)
}

func TestRequest_RetriesRetryableStatus(t *testing.T) {
	tr := &fakeTransport{handler: respond(503, `busy`)}
	e := newTestEngine(t, Config{}, tr)

	_, err := e.Request(context.Background(), "/api/vendors", RequestConfig{})
	var rerr *fault.RetryError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, 3, rerr.Attempts)
	require.Equal(t, 3, tr.count())

	_, err = e.Request(context.Background(), "/api/margins", RequestConfig{MaxRetries: intPtr(0)})
	require.Error(t, err)
	require.Equal(t, 4, tr.count())
}

func TestRequest_RecoversAfterTransientFailure(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	tr := &fakeTransport{handler: func(context.Context, transport.Request) (*transport.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, errors.New("connection reset by peer")
		}
		return ok(`{"ok":true}`), nil
	}}
	e := newTestEngine(t, Config{}, tr)

	resp, err := e.Request(context.Background(), "/api/vendors", RequestConfig{})
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(resp.Body))
	require.Equal(t, uint64(1), e.Metrics().Errors.Recovered)
}

func TestRequest_Timeout(t *testing.T) {
	tr := &fakeTransport{handler: func(context.Context, transport.Request) (*transport.Response, error) {
		// Ignores ctx on purpose.
		time.Sleep(200 * time.Millisecond)
		return ok(`{}`), nil
	}}
	e := newTestEngine(t, Config{}, tr)

	start := time.Now()
	_, err := e.Request(context.Background(), "/slow", RequestConfig{
		Timeout:    20 * time.Millisecond,
		MaxRetries: intPtr(0),
	})
	require.Less(t, time.Since(start), 150*time.Millisecond)

	var rerr *fault.RetryError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, fault.CategoryNetwork, rerr.Err.Category)
	require.True(t, rerr.Err.Retryable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequest_CircuitBreaker(t *testing.T) {
	tr := &fakeTransport{handler: respond(500, `boom`)}
	e := newTestEngine(t, Config{}, tr)
	ctx := context.Background()
	cfg := RequestConfig{ServiceKey: "vendor-api"}

	for i := 0; i < 5; i++ {
		_, err := e.Request(ctx, "/api/vendors", cfg)
		require.Error(t, err)
		require.NotErrorIs(t, err, fault.ErrBreakerOpen)
	}
	require.Equal(t, 5, tr.count())
	require.Equal(t, fault.BreakerOpen, e.Faults().BreakerState("vendor-api"))

	_, err := e.Request(ctx, "/api/vendors", cfg)
	require.ErrorIs(t, err, fault.ErrBreakerOpen)
	require.Equal(t, 5, tr.count())

	var open *fault.BreakerOpenError
	require.ErrorAs(t, err, &open)
	require.Positive(t, open.RetryAfter)

	e.ResetBreakers()
	tr.handler = respond(200, `{}`)
	_, err = e.Request(ctx, "/api/vendors", cfg)
	require.NoError(t, err)
}

func TestRequestJSON(t *testing.T) {
	tr := &fakeTransport{handler: respond(200, `{"vendor":"acme","margin":0.25}`)}
	e := newTestEngine(t, Config{}, tr)

	type summary struct {
		Vendor string  `json:"vendor"`
		Margin float64 `json:"margin"`
	}
	got, err := RequestJSON[summary](context.Background(), e, "/api/summary", RequestConfig{})
	require.NoError(t, err)
	require.Equal(t, summary{Vendor: "acme", Margin: 0.25}, got)

	tr.handler = respond(200, `not json`)
	_, err = RequestJSON[summary](context.Background(), e, "/api/other", RequestConfig{})
	require.Error(t, err)
}

func TestEngine_Invalidate(t *testing.T) {
	tr := &fakeTransport{}
	e := newTestEngine(t, Config{}, tr)
	ctx := context.Background()

	_, _ = e.Request(ctx, "/api/vendors", RequestConfig{})
	require.Equal(t, 1, e.Invalidate("*vendors*"))
	require.Equal(t, 0, e.Invalidate("*vendors*"))

	_, _ = e.Request(ctx, "/api/vendors", RequestConfig{})
	require.Equal(t, 2, tr.count())
}

func TestEngine_WarmOnce(t *testing.T) {
	tr := &fakeTransport{}
	cfg := Config{Warming: cache.WarmerConfig{
		Enabled:       true,
		Window:        time.Minute,
		MinRatePerMin: 1,
		RefreshAhead:  time.Hour,
	}}
	e := newTestEngine(t, cfg, tr)
	ctx := context.Background()

	_, err := e.Request(ctx, "/api/hot", RequestConfig{})
	require.NoError(t, err)
	_, err = e.Request(ctx, "/api/hot", RequestConfig{})
	require.NoError(t, err)
	require.Equal(t, 1, tr.count())

	require.Equal(t, 1, e.WarmOnce(ctx))
	require.Equal(t, 2, tr.count())
}

func TestEngine_Close(t *testing.T) {
	e := New(Config{}, &fakeTransport{}, nil, nil)
	e.Close()
	e.Close()

	_, err := e.Request(context.Background(), "/x", RequestConfig{})
	require.ErrorIs(t, err, ErrEngineClosed)
	_, err = e.BatchRequest(context.Background(), "/x", RequestConfig{Batchable: true})
	require.ErrorIs(t, err, ErrEngineClosed)
}

func TestPriority_Score(t *testing.T) {
	require.Equal(t, 4, PriorityCritical.Score())
	require.Equal(t, 3, PriorityHigh.Score())
	require.Equal(t, 2, PriorityMedium.Score())
	require.Equal(t, 2, Priority("").Score())
	require.Equal(t, 1, PriorityLow.Score())
}
