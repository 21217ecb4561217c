package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/resilient/internal/admin"
	"github.com/vietddude/resilient/internal/core/config"
	"github.com/vietddude/resilient/internal/infra/cache"
	"github.com/vietddude/resilient/internal/infra/engine"
	"github.com/vietddude/resilient/internal/infra/fault"
	"github.com/vietddude/resilient/internal/infra/transport"
	"github.com/vietddude/resilient/internal/metrics"
)

const metricsInterval = 10 * time.Second

// App owns the engine and its background work.
type App struct {
	cfg       *config.AppConfig
	engine    *engine.Engine
	transport transport.Transport
	admin     *admin.Server
	log       *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApp creates an App with all dependencies initialized.
func NewApp(cfg *config.AppConfig) (*App, error) {
	eng, t, err := NewEngine(cfg)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:       cfg,
		engine:    eng,
		transport: t,
		admin:     admin.NewServer(eng, cfg.Server.Port),
		log:       slog.Default().With("component", "app"),
	}, nil
}

// NewEngine builds the cache, error handler, transport and engine described
// by cfg. The returned transport is the one the engine uses.
func NewEngine(cfg *config.AppConfig) (*engine.Engine, transport.Transport, error) {
	var opts []cache.Option
	if cfg.Cache.Compression == "gzip" {
		opts = append(opts, cache.WithCompactor(cache.GzipCompactor{}))
	}
	store := cache.New(cfg.Cache.Store(), opts...)

	faults := fault.New(cfg.Faults())

	var t transport.Transport
	switch cfg.Transport.Kind {
	case "grpc":
		g, err := transport.NewGRPC(cfg.Transport.BaseURL, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to init grpc transport: %w", err)
		}
		t = g
	default:
		t = transport.NewHTTP(cfg.Transport.BaseURL, cfg.Transport.Timeout)
	}

	return engine.New(cfg.Engine(), t, store, faults), t, nil
}

// Engine returns the request engine.
func (a *App) Engine() *engine.Engine {
	return a.engine
}

// Start starts the admin server, the warmer and the metrics updater.
// It returns immediately.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	go func() {
		if err := a.admin.Start(); err != nil {
			a.log.Error("Admin server failed", "error", err)
		}
	}()

	if a.cfg.Warming.Enabled {
		a.log.Info("Starting cache warmer", "interval", a.cfg.Warming.Interval)
	}
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.engine.RunWarmer(ctx)
	}()
	go func() {
		defer a.wg.Done()
		a.runMetricsUpdater(ctx)
	}()

	a.log.Info("App started",
		"transport", a.cfg.Transport.Kind,
		"base_url", a.cfg.Transport.BaseURL,
		"online", a.engine.Online(),
	)
	return nil
}

// Stop shuts the admin server down, stops background work and closes the
// engine and transport.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping App...")

	var errs []error
	if err := a.admin.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("admin server: %w", err))
	}

	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.engine.Close()

	if c, ok := a.transport.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("transport: %w", err))
		}
	}

	a.log.Info("App stopped")
	return errors.Join(errs...)
}

func (a *App) runMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.updateMetrics()
		}
	}
}

func (a *App) updateMetrics() {
	m := a.engine.Metrics()
	metrics.InFlightRequests.Set(float64(m.InFlight))
	metrics.RateLimitOccupancy.Set(float64(m.RateLimitOccupancy))
	if m.Online {
		metrics.Online.Set(1)
	} else {
		metrics.Online.Set(0)
	}
	a.log.Debug("Updated engine metrics",
		"in_flight", m.InFlight,
		"offline_queue", m.OfflineQueue,
		"cache_entries", m.Cache.EntryCount,
		"hit_rate", m.Cache.HitRate,
	)
}
