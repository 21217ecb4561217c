package engine

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/vietddude/resilient/internal/infra/transport"
	"github.com/vietddude/resilient/internal/metrics"
)

const (
	entryQueued int32 = iota
	entryClaimed
	entryExpired
)

// offlineEntry is a write held while offline. Whoever moves state out of
// entryQueued owns delivery on done.
type offlineEntry struct {
	url        string
	cfg        RequestConfig
	enqueuedAt time.Time
	state      atomic.Int32
	done       chan result
}

// Online reports the current connectivity flag.
func (e *Engine) Online() bool {
	e.offlineMu.Lock()
	defer e.offlineMu.Unlock()
	return e.online
}

// GoOffline marks the engine offline. Later writes are queued.
func (e *Engine) GoOffline() {
	e.offlineMu.Lock()
	defer e.offlineMu.Unlock()

	if !e.online {
		return
	}
	e.online = false
	e.log.Warn("Connectivity lost, queueing writes")
}

// GoOnline marks the engine online and drains queued writes in enqueue
// order on a background goroutine.
func (e *Engine) GoOnline() {
	e.offlineMu.Lock()
	if e.online {
		e.offlineMu.Unlock()
		return
	}
	e.online = true
	queued := e.offlineQueue
	e.offlineQueue = nil
	metrics.OfflineQueueSize.Set(0)
	if e.closed.Load() || len(queued) == 0 {
		e.offlineMu.Unlock()
		e.log.Info("Connectivity restored")
		return
	}
	e.wg.Add(1)
	e.offlineMu.Unlock()

	e.log.Info("Connectivity restored, draining offline queue", "queued", len(queued))
	go func() {
		defer e.wg.Done()
		e.drain(queued)
	}()
}

func (e *Engine) drain(queued []*offlineEntry) {
	// One drain at a time keeps FIFO across quick offline/online flaps.
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	for _, entry := range queued {
		if !entry.state.CompareAndSwap(entryQueued, entryClaimed) {
			continue
		}
		resp, err := e.dedupe(context.Background(), entry.url, entry.cfg)
		entry.done <- result{resp: resp, err: err}
	}
}

func (e *Engine) enqueueOffline(url string, cfg RequestConfig) (*offlineEntry, bool) {
	e.offlineMu.Lock()
	defer e.offlineMu.Unlock()

	if e.online {
		return nil, false
	}
	entry := &offlineEntry{
		url:        url,
		cfg:        cfg,
		enqueuedAt: time.Now(),
		done:       make(chan result, 1),
	}
	e.offlineQueue = append(e.offlineQueue, entry)
	metrics.OfflineQueueSize.Set(float64(len(e.offlineQueue)))
	e.log.Debug("Queued request while offline", "method", cfg.method(), "url", url)
	return entry, true
}

func (e *Engine) removeOffline(entry *offlineEntry) {
	e.offlineMu.Lock()
	defer e.offlineMu.Unlock()

	if i := slices.Index(e.offlineQueue, entry); i >= 0 {
		e.offlineQueue = slices.Delete(e.offlineQueue, i, i+1)
	}
	metrics.OfflineQueueSize.Set(float64(len(e.offlineQueue)))
}

// awaitOffline waits for a queued entry's outcome. Expiry fails with an
// error wrapping ErrOfflineTimeout unless the drain already claimed it.
func (e *Engine) awaitOffline(ctx context.Context, entry *offlineEntry) (*transport.Response, error) {
	timeout := e.cfg.Offline.QueueTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-entry.done:
		return res.resp, res.err
	case <-timer.C:
		if entry.state.CompareAndSwap(entryQueued, entryExpired) {
			e.removeOffline(entry)
			return nil, fmt.Errorf("%w after %s: %s %s", ErrOfflineTimeout, timeout, entry.cfg.method(), entry.url)
		}
	case <-ctx.Done():
		if entry.state.CompareAndSwap(entryQueued, entryExpired) {
			e.removeOffline(entry)
		}
		return nil, ctx.Err()
	}

	// Claimed by the drain just before expiry.
	select {
	case res := <-entry.done:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
