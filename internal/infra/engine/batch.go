package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/resilient/internal/infra/transport"
	"github.com/vietddude/resilient/internal/metrics"
)

type batchItem struct {
	id         string
	url        string
	cfg        RequestConfig
	enqueuedAt time.Time
	seq        uint64
	priority   int
	done       chan result
}

func (b *batchItem) deliver(resp *transport.Response, err error) {
	b.done <- result{resp: resp, err: err}
}

// combined call wire format
type combinedRequest struct {
	Requests []combinedItem `json:"requests"`
}

type combinedItem struct {
	ID     string            `json:"id"`
	URL    string            `json:"url"`
	Method string            `json:"method"`
	Header map[string]string `json:"header,omitempty"`
}

type combinedResponse struct {
	Results []combinedResult `json:"results"`
}

type combinedResult struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Status  int             `json:"status,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// BatchRequest queues a batchable request. Requests arriving within the
// batch window are processed together: highest priority first, at most
// Batch.Size per window, grouped by URL path and method.
func (e *Engine) BatchRequest(ctx context.Context, url string, cfg RequestConfig) (*transport.Response, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if !cfg.Batchable {
		return nil, ErrNotBatchable
	}
	if url == "" {
		return nil, fmt.Errorf("%w: empty url", ErrInvalidRequest)
	}
	if !cfg.Priority.valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidRequest, cfg.Priority)
	}

	item := &batchItem{
		id:         uuid.NewString(),
		url:        url,
		cfg:        cfg,
		enqueuedAt: time.Now(),
		priority:   cfg.Priority.Score(),
		done:       make(chan result, 1),
	}
	if !e.enqueueBatch(item) {
		return nil, ErrEngineClosed
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-item.done:
		return res.resp, res.err
	}
}

func (e *Engine) enqueueBatch(item *batchItem) bool {
	e.batchMu.Lock()
	defer e.batchMu.Unlock()

	if e.closed.Load() {
		return false
	}
	e.batchSeq++
	item.seq = e.batchSeq
	e.pending = append(e.pending, item)
	if e.batchTimer == nil {
		e.batchTimer = time.AfterFunc(e.cfg.Batch.Window, e.flushBatch)
	}
	return true
}

func (e *Engine) flushBatch() {
	e.batchMu.Lock()
	e.batchTimer = nil
	if e.closed.Load() || len(e.pending) == 0 {
		e.batchMu.Unlock()
		return
	}

	sort.Slice(e.pending, func(i, j int) bool {
		if e.pending[i].priority != e.pending[j].priority {
			return e.pending[i].priority > e.pending[j].priority
		}
		return e.pending[i].seq < e.pending[j].seq
	})
	n := min(e.cfg.Batch.Size, len(e.pending))
	taken := append([]*batchItem(nil), e.pending[:n]...)
	e.pending = append([]*batchItem(nil), e.pending[n:]...)
	if len(e.pending) > 0 {
		e.batchTimer = time.AfterFunc(e.cfg.Batch.Window, e.flushBatch)
	}
	e.wg.Add(1)
	e.batchMu.Unlock()

	defer e.wg.Done()
	e.processBatch(taken)
}

type batchGroup struct {
	method string
	base   string
	items  []*batchItem
}

// groupItems groups by (URL without query, method), keeping first
// appearance order.
func groupItems(items []*batchItem) []*batchGroup {
	var groups []*batchGroup
	index := make(map[string]*batchGroup)
	for _, it := range items {
		method := it.cfg.method()
		base, _, _ := strings.Cut(it.url, "?")
		key := method + " " + base
		g, ok := index[key]
		if !ok {
			g = &batchGroup{method: method, base: base}
			index[key] = g
			groups = append(groups, g)
		}
		g.items = append(g.items, it)
	}
	return groups
}

func (e *Engine) processBatch(items []*batchItem) {
	groups := groupItems(items)
	e.log.Debug("Processing batch", "requests", len(items), "groups", len(groups))

	var g errgroup.Group
	for _, grp := range groups {
		g.Go(func() error {
			e.processGroup(grp)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) processGroup(g *batchGroup) {
	ctx := context.Background()

	switch {
	case len(g.items) == 1:
		metrics.BatchGroups.WithLabelValues("single").Inc()
		it := g.items[0]
		it.deliver(e.Request(ctx, it.url, it.cfg))

	case e.combinable(g):
		metrics.BatchGroups.WithLabelValues("combined").Inc()
		e.runCombined(ctx, g.items)

	default:
		metrics.BatchGroups.WithLabelValues("sequential").Inc()
		items := append([]*batchItem(nil), g.items...)
		sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
		for i, it := range items {
			if i > 0 && e.cfg.Batch.InterRequestDelay > 0 {
				time.Sleep(e.cfg.Batch.InterRequestDelay)
			}
			it.deliver(e.Request(ctx, it.url, it.cfg))
		}
	}
}

func (e *Engine) combinable(g *batchGroup) bool {
	if e.cfg.Batch.Endpoint == "" || g.method != http.MethodGet {
		return false
	}
	if len(e.cfg.Batch.EligiblePrefixes) == 0 {
		return true
	}
	for _, p := range e.cfg.Batch.EligiblePrefixes {
		if strings.HasPrefix(g.base, p) {
			return true
		}
	}
	return false
}

// runCombined serves cache hits directly and sends the rest as one call to
// the batch endpoint, fanning sub-results out by id.
func (e *Engine) runCombined(ctx context.Context, items []*batchItem) {
	var remaining []*batchItem
	for _, it := range items {
		if !it.cfg.NoCache {
			if v, ok := e.store.Get(cacheKey(http.MethodGet, it.url)); ok {
				if resp, ok := v.(*transport.Response); ok {
					it.deliver(resp, nil)
					continue
				}
			}
		}
		remaining = append(remaining, it)
	}

	switch len(remaining) {
	case 0:
		return
	case 1:
		it := remaining[0]
		it.deliver(e.Request(ctx, it.url, it.cfg))
		return
	}

	payload := combinedRequest{Requests: make([]combinedItem, 0, len(remaining))}
	for _, it := range remaining {
		payload.Requests = append(payload.Requests, combinedItem{
			ID:     it.id,
			URL:    it.url,
			Method: http.MethodGet,
			Header: it.cfg.Header,
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		failAll(remaining, fmt.Errorf("marshal batch: %w", err))
		return
	}

	resp, err := e.dedupe(ctx, e.cfg.Batch.Endpoint, RequestConfig{
		Method:         http.MethodPost,
		Header:         map[string]string{"Content-Type": "application/json"},
		Body:           body,
		DeduplicateKey: "batch:" + uuid.NewString(),
	})
	if err != nil {
		failAll(remaining, err)
		return
	}

	var out combinedResponse
	if err := resp.Decode(&out); err != nil {
		failAll(remaining, err)
		return
	}

	byID := make(map[string]combinedResult, len(out.Results))
	for _, r := range out.Results {
		byID[r.ID] = r
	}

	for _, it := range remaining {
		r, ok := byID[it.id]
		switch {
		case !ok:
			it.deliver(nil, fmt.Errorf("%w: no result for %s", ErrBatchItemFailed, it.url))
		case !r.Success && r.Status >= 400:
			it.deliver(nil, fmt.Errorf("%w: %s: %w", ErrBatchItemFailed, it.url,
				&transport.StatusError{Status: r.Status, Body: []byte(r.Error)}))
		case !r.Success:
			it.deliver(nil, fmt.Errorf("%w: %s: %s", ErrBatchItemFailed, it.url, r.Error))
		default:
			status := r.Status
			if status == 0 {
				status = http.StatusOK
			}
			sub := &transport.Response{Status: status, Body: []byte(r.Data)}
			if !it.cfg.NoCache {
				key := cacheKey(http.MethodGet, it.url)
				e.store.SetWithTTL(key, sub, it.cfg.CacheTTL)
				e.stale.Set(key, sub)
			}
			it.deliver(sub, nil)
		}
	}
}

func failAll(items []*batchItem, err error) {
	for _, it := range items {
		it.deliver(nil, err)
	}
}
