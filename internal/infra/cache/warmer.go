package cache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Loader fetches a fresh value for key. A non-positive ttl means the store
// default.
type Loader func(ctx context.Context, key string) (value any, ttl time.Duration, err error)

// WarmerConfig holds predictive warming settings.
type WarmerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Interval        time.Duration `yaml:"interval"`
	Window          time.Duration `yaml:"window"`
	MinRatePerMin   float64       `yaml:"min_rate_per_min"`
	RefreshAhead    time.Duration `yaml:"refresh_ahead"`
	MaxKeysPerCycle int           `yaml:"max_keys_per_cycle"`
}

// DefaultWarmerConfig returns warming defaults.
func DefaultWarmerConfig() WarmerConfig {
	return WarmerConfig{
		Interval:        30 * time.Second,
		Window:          5 * time.Minute,
		MinRatePerMin:   1,
		RefreshAhead:    30 * time.Second,
		MaxKeysPerCycle: 20,
	}
}

const maxAccessSamples = 1000

// Warmer refreshes frequently requested keys before they expire.
// Access rates are tracked per key over a sliding window.
type Warmer struct {
	mu       sync.Mutex
	accesses map[string][]time.Time

	store  *Store
	loader Loader
	cfg    WarmerConfig
	now    func() time.Time
	log    *slog.Logger
}

// NewWarmer creates a warmer for store. Zero config fields fall back to
// DefaultWarmerConfig.
func NewWarmer(store *Store, loader Loader, cfg WarmerConfig) *Warmer {
	def := DefaultWarmerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MinRatePerMin <= 0 {
		cfg.MinRatePerMin = def.MinRatePerMin
	}
	if cfg.RefreshAhead <= 0 {
		cfg.RefreshAhead = def.RefreshAhead
	}
	if cfg.MaxKeysPerCycle <= 0 {
		cfg.MaxKeysPerCycle = def.MaxKeysPerCycle
	}

	return &Warmer{
		accesses: make(map[string][]time.Time),
		store:    store,
		loader:   loader,
		cfg:      cfg,
		now:      time.Now,
		log:      slog.Default().With("component", "cache-warmer"),
	}
}

// RecordAccess notes that key was requested.
func (w *Warmer) RecordAccess(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	ts := append(w.accesses[key], now)
	ts = pruneBefore(ts, now.Add(-w.cfg.Window))
	if len(ts) > maxAccessSamples {
		ts = ts[len(ts)-maxAccessSamples:]
	}
	w.accesses[key] = ts
}

// Rate returns the observed requests per minute for key.
func (w *Warmer) Rate(key string) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.rateLocked(key, w.now())
}

func (w *Warmer) rateLocked(key string, now time.Time) float64 {
	cutoff := now.Add(-w.cfg.Window)
	count := 0
	for _, t := range w.accesses[key] {
		if t.After(cutoff) {
			count++
		}
	}
	return float64(count) / w.cfg.Window.Minutes()
}

// Candidates returns the hot keys that are missing or about to expire,
// hottest first.
func (w *Warmer) Candidates() []string {
	w.mu.Lock()
	now := w.now()
	cutoff := now.Add(-w.cfg.Window)

	type scored struct {
		key  string
		rate float64
	}
	var hot []scored
	for key, ts := range w.accesses {
		ts = pruneBefore(ts, cutoff)
		if len(ts) == 0 {
			delete(w.accesses, key)
			continue
		}
		w.accesses[key] = ts
		if rate := w.rateLocked(key, now); rate >= w.cfg.MinRatePerMin {
			hot = append(hot, scored{key: key, rate: rate})
		}
	}
	w.mu.Unlock()

	sort.Slice(hot, func(i, j int) bool {
		if hot[i].rate != hot[j].rate {
			return hot[i].rate > hot[j].rate
		}
		return hot[i].key < hot[j].key
	})

	var keys []string
	for _, h := range hot {
		info, ok := w.store.Peek(h.key)
		if ok && info.ExpiresAt.Sub(now) >= w.cfg.RefreshAhead {
			continue
		}
		keys = append(keys, h.key)
		if len(keys) == w.cfg.MaxKeysPerCycle {
			break
		}
	}
	return keys
}

// WarmOnce refreshes the current candidates and returns how many were stored.
func (w *Warmer) WarmOnce(ctx context.Context) int {
	warmed := 0
	for _, key := range w.Candidates() {
		if ctx.Err() != nil {
			break
		}
		value, ttl, err := w.loader(ctx, key)
		if err != nil {
			w.log.Debug("Warm load failed", "key", key, "error", err)
			continue
		}
		w.store.SetWithTTL(key, value, ttl)
		warmed++
	}
	if warmed > 0 {
		w.log.Debug("Warmed cache entries", "count", warmed)
	}
	return warmed
}

// Run warms on every interval until ctx is cancelled.
func (w *Warmer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.WarmOnce(ctx)
		}
	}
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
