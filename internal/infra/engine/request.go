package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/resilient/internal/infra/fault"
	"github.com/vietddude/resilient/internal/infra/transport"
	"github.com/vietddude/resilient/internal/metrics"
)

type result struct {
	resp *transport.Response
	err  error
}

// Request performs one call. Identical in-flight calls share a single
// transport invocation; cacheable reads are served from the cache; writes
// issued while offline wait in the offline queue. Cancelling ctx only
// stops the caller from waiting.
func (e *Engine) Request(ctx context.Context, url string, cfg RequestConfig) (*transport.Response, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if url == "" {
		return nil, fmt.Errorf("%w: empty url", ErrInvalidRequest)
	}

	if !isRead(cfg.method()) {
		if entry, queued := e.enqueueOffline(url, cfg); queued {
			return e.awaitOffline(ctx, entry)
		}
	}
	return e.dedupe(ctx, url, cfg)
}

// RequestJSON performs a request and decodes the JSON body into T.
func RequestJSON[T any](ctx context.Context, e *Engine, url string, cfg RequestConfig) (T, error) {
	var out T
	resp, err := e.Request(ctx, url, cfg)
	if err != nil {
		return out, err
	}
	if err := resp.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

func (e *Engine) dedupe(ctx context.Context, url string, cfg RequestConfig) (*transport.Response, error) {
	key := cfg.DeduplicateKey
	if key == "" {
		key = cacheKey(cfg.method(), url)
	}

	// The shared call must outlive any single caller.
	callCtx := context.WithoutCancel(ctx)
	ch := e.group.DoChan(key, func() (any, error) {
		e.inFlight.Add(1)
		defer e.inFlight.Add(-1)
		return e.execute(callCtx, url, cfg)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*transport.Response), nil
	}
}

func (e *Engine) execute(ctx context.Context, url string, cfg RequestConfig) (*transport.Response, error) {
	method := cfg.method()
	cacheable := isRead(method) && !cfg.NoCache
	key := cacheKey(method, url)

	if cacheable {
		e.rememberTarget(key, url, cfg)
		e.warmer.RecordAccess(key)
		if v, ok := e.store.Get(key); ok {
			if resp, ok := v.(*transport.Response); ok {
				metrics.RequestsTotal.WithLabelValues(method, "cache_hit").Inc()
				return resp, nil
			}
		}
	}

	resp, err := e.call(ctx, url, cfg)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(method, "error").Inc()
		e.log.Debug("Request failed", "method", method, "url", url, "error", err)
		return nil, err
	}
	metrics.RequestsTotal.WithLabelValues(method, "success").Inc()

	if cacheable {
		e.store.SetWithTTL(key, resp, cfg.CacheTTL)
		e.stale.Set(key, resp)
	}
	if !isRead(method) {
		for _, pattern := range cfg.Invalidate {
			e.store.Invalidate(pattern)
			e.stale.Invalidate(pattern)
		}
	}
	return resp, nil
}

// call takes a rate-limit slot, then runs the transport under retry and,
// when cfg.ServiceKey is set, the service's circuit breaker.
func (e *Engine) call(ctx context.Context, url string, cfg RequestConfig) (*transport.Response, error) {
	waitStart := time.Now()
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for rate limit: %w", err)
	}
	metrics.RateLimitWait.Observe(time.Since(waitStart).Seconds())

	opts := []fault.RetryOption{
		fault.WithFields(map[string]any{"url": url, "method": cfg.method()}),
	}
	if cfg.MaxRetries != nil {
		opts = append(opts, fault.WithMaxRetries(*cfg.MaxRetries))
	}

	var resp *transport.Response
	attempt := func(ctx context.Context) error {
		r, err := e.perform(ctx, url, cfg)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}
	withRetry := func(ctx context.Context) error {
		return e.faults.WithRetry(ctx, attempt, opts...)
	}

	var err error
	if cfg.ServiceKey != "" {
		err = e.faults.WithCircuitBreaker(ctx, cfg.ServiceKey, withRetry)
	} else {
		err = withRetry(ctx)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// perform is a single timed transport call. Failing statuses become
// *transport.StatusError. A call that outlives its timeout is abandoned,
// not cancelled.
func (e *Engine) perform(ctx context.Context, url string, cfg RequestConfig) (*transport.Response, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := cfg.method()
	req := transport.Request{
		URL:     url,
		Method:  method,
		Header:  cfg.Header,
		Body:    cfg.Body,
		Timeout: timeout,
	}

	start := time.Now()
	done := make(chan result, 1)
	go func() {
		resp, err := e.transport.Perform(ctx, req)
		done <- result{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s %s timed out after %s: %w", method, url, timeout, ctx.Err())
	case res := <-done:
		metrics.TransportLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
		if res.err != nil {
			return nil, res.err
		}
		if res.resp == nil {
			return nil, fmt.Errorf("%s %s: transport returned no response", method, url)
		}
		if res.resp.Status >= 400 {
			return nil, &transport.StatusError{Status: res.resp.Status, Body: res.resp.Body}
		}
		return res.resp, nil
	}
}
