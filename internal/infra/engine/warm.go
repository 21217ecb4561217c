package engine

import (
	"context"
	"fmt"
	"time"
)

const maxWarmTargets = 4096

// warmTarget is what the warmer needs to refetch a cache key.
type warmTarget struct {
	url string
	cfg RequestConfig
}

func (e *Engine) rememberTarget(key, url string, cfg RequestConfig) {
	e.targetsMu.Lock()
	defer e.targetsMu.Unlock()

	if _, ok := e.targets[key]; !ok && len(e.targets) >= maxWarmTargets {
		for k := range e.targets {
			delete(e.targets, k)
			break
		}
	}
	e.targets[key] = warmTarget{url: url, cfg: cfg}
}

func (e *Engine) warmLoad(ctx context.Context, key string) (any, time.Duration, error) {
	e.targetsMu.Lock()
	target, ok := e.targets[key]
	e.targetsMu.Unlock()
	if !ok {
		return nil, 0, fmt.Errorf("no request known for %s", key)
	}

	resp, err := e.call(ctx, target.url, target.cfg)
	if err != nil {
		return nil, 0, err
	}
	return resp, target.cfg.CacheTTL, nil
}

// RunWarmer refreshes hot cache entries until ctx is cancelled. It returns
// at once when warming is disabled.
func (e *Engine) RunWarmer(ctx context.Context) {
	if !e.cfg.Warming.Enabled {
		return
	}
	e.log.Info("Cache warmer started", "interval", e.cfg.Warming.Interval)
	e.warmer.Run(ctx)
}

// WarmOnce runs a single warming cycle and returns how many entries were
// refreshed.
func (e *Engine) WarmOnce(ctx context.Context) int {
	return e.warmer.WarmOnce(ctx)
}
