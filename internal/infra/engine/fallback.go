package engine

import (
	"github.com/vietddude/resilient/internal/infra/fault"
	"github.com/vietddude/resilient/internal/infra/transport"
)

// Fallback turns a failed request into a degraded result. For network
// failures of a read seen before, Data holds the last good *transport.Response.
func (e *Engine) Fallback(url string, cfg RequestConfig, err error) fault.FallbackResult {
	return e.faults.HandleWithFallback(cacheKey(cfg.method(), url), err)
}

func (e *Engine) staleFallback(key string, ce *fault.ClassifiedError) (any, bool) {
	if ce.Category != fault.CategoryNetwork {
		return nil, false
	}
	v, ok := e.stale.Get(key)
	if !ok {
		return nil, false
	}
	resp, ok := v.(*transport.Response)
	return resp, ok
}
