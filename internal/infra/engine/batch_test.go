package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vietddude/resilient/internal/infra/transport"
)

type batchOutcome struct {
	url  string
	resp *transport.Response
	err  error
}

// enqueueInOrder starts one BatchRequest per url and waits until each is
// queued before starting the next, so enqueue order is deterministic.
func enqueueInOrder(t *testing.T, e *Engine, urls []string, cfgs []RequestConfig) <-chan batchOutcome {
	t.Helper()

	out := make(chan batchOutcome, len(urls))
	for i, url := range urls {
		before := e.Metrics().QueuedBatch
		go func() {
			resp, err := e.BatchRequest(context.Background(), url, cfgs[i])
			out <- batchOutcome{url: url, resp: resp, err: err}
		}()
		require.Eventually(t, func() bool {
			return e.Metrics().QueuedBatch > before
		}, time.Second, time.Millisecond)
	}
	return out
}

func collect(t *testing.T, ch <-chan batchOutcome, n int) map[string]batchOutcome {
	t.Helper()

	got := make(map[string]batchOutcome, n)
	for i := 0; i < n; i++ {
		select {
		case o := <-ch:
			got[o.url] = o
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for batch result %d of %d", i+1, n)
		}
	}
	return got
}

func batchable(p Priority) RequestConfig {
	return RequestConfig{Batchable: true, Priority: p}
}

func TestBatchRequest_Validation(t *testing.T) {
	e := newTestEngine(t, Config{}, &fakeTransport{})
	ctx := context.Background()

	_, err := e.BatchRequest(ctx, "/api/vendors", RequestConfig{})
	require.ErrorIs(t, err, ErrNotBatchable)

	_, err = e.BatchRequest(ctx, "", RequestConfig{Batchable: true})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = e.BatchRequest(ctx, "/api/vendors", RequestConfig{Batchable: true, Priority: "urgent"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	require.Zero(t, e.Metrics().QueuedBatch)
}

func TestBatchRequest_SingleRequestGroup(t *testing.T) {
	tr := &fakeTransport{handler: respond(200, `{"id":1}`)}
	e := newTestEngine(t, Config{Batch: BatchConfig{Window: 10 * time.Millisecond}}, tr)

	resp, err := e.BatchRequest(context.Background(), "/api/vendors/1", batchable(PriorityHigh))
	require.NoError(t, err)
	require.JSONEq(t, `{"id":1}`, string(resp.Body))
	require.Equal(t, []string{"/api/vendors/1"}, tr.urls())
}

func TestBatchRequest_SequentialInEnqueueOrder(t *testing.T) {
	tr := &fakeTransport{}
	e := newTestEngine(t, Config{Batch: BatchConfig{
		Window:            100 * time.Millisecond,
		InterRequestDelay: 5 * time.Millisecond,
	}}, tr)

	urls := []string{"/api/vendors?id=3", "/api/vendors?id=1", "/api/vendors?id=2"}
	cfgs := []RequestConfig{batchable(""), batchable(""), batchable("")}
	results := collect(t, enqueueInOrder(t, e, urls, cfgs), len(urls))

	for _, u := range urls {
		require.NoError(t, results[u].err)
	}
	require.Equal(t, urls, tr.urls())
}

func TestBatchRequest_PriorityOrderAndSize(t *testing.T) {
	tr := &fakeTransport{}
	e := newTestEngine(t, Config{Batch: BatchConfig{
		Window: 100 * time.Millisecond,
		Size:   2,
	}}, tr)

	urls := []string{"/low", "/critical", "/high"}
	cfgs := []RequestConfig{batchable(PriorityLow), batchable(PriorityCritical), batchable(PriorityHigh)}
	results := collect(t, enqueueInOrder(t, e, urls, cfgs), len(urls))
	for _, u := range urls {
		require.NoError(t, results[u].err)
	}

	calls := tr.urls()
	require.Len(t, calls, 3)
	require.ElementsMatch(t, []string{"/critical", "/high"}, calls[:2])
	require.Equal(t, "/low", calls[2])
}

// batchEndpoint answers /batch like a server-side combined endpoint:
// URLs ending in "fail" fail and URLs ending in "missing" get no result.
func batchEndpoint() func(context.Context, transport.Request) (*transport.Response, error) {
	return func(_ context.Context, req transport.Request) (*transport.Response, error) {
		if req.URL != "/batch" {
			return ok(`{"single":true}`), nil
		}
		if req.Method != http.MethodPost {
			return &transport.Response{Status: http.StatusMethodNotAllowed}, nil
		}

		var in combinedRequest
		if err := json.Unmarshal(req.Body, &in); err != nil {
			return &transport.Response{Status: 400}, nil
		}

		var out combinedResponse
		for _, r := range in.Requests {
			switch {
			case strings.HasSuffix(r.URL, "missing"):
				continue
			case strings.HasSuffix(r.URL, "fail"):
				out.Results = append(out.Results, combinedResult{ID: r.ID, Success: false, Error: "vendor not found", Status: 404})
			default:
				data, _ := json.Marshal(map[string]string{"url": r.URL})
				out.Results = append(out.Results, combinedResult{ID: r.ID, Success: true, Data: data})
			}
		}
		body, _ := json.Marshal(out)
		return ok(string(body)), nil
	}
}

func TestBatchRequest_CombinedCall(t *testing.T) {
	tr := &fakeTransport{handler: batchEndpoint()}
	e := newTestEngine(t, Config{Batch: BatchConfig{
		Window:   100 * time.Millisecond,
		Endpoint: "/batch",
	}}, tr)

	urls := []string{
		"/api/vendors?id=1",
		"/api/vendors?id=2",
		"/api/vendors?id=fail",
		"/api/vendors?id=missing",
	}
	cfgs := make([]RequestConfig, len(urls))
	for i := range cfgs {
		cfgs[i] = batchable(PriorityMedium)
	}
	results := collect(t, enqueueInOrder(t, e, urls, cfgs), len(urls))

	require.Equal(t, []string{"/batch"}, tr.urls())

	for _, u := range urls[:2] {
		require.NoError(t, results[u].err)
		require.JSONEq(t, `{"url":"`+u+`"}`, string(results[u].resp.Body))
	}
	require.ErrorIs(t, results[urls[2]].err, ErrBatchItemFailed)
	var status *transport.StatusError
	require.ErrorAs(t, results[urls[2]].err, &status)
	require.Equal(t, 404, status.Status)
	require.ErrorIs(t, results[urls[3]].err, ErrBatchItemFailed)

	// Sub-results were cached.
	resp, err := e.Request(context.Background(), "/api/vendors?id=1", RequestConfig{})
	require.NoError(t, err)
	require.JSONEq(t, `{"url":"/api/vendors?id=1"}`, string(resp.Body))
	require.Len(t, tr.urls(), 1)
}

func TestBatchRequest_CombinedServesCacheHits(t *testing.T) {
	tr := &fakeTransport{handler: batchEndpoint()}
	e := newTestEngine(t, Config{Batch: BatchConfig{
		Window:   100 * time.Millisecond,
		Endpoint: "/batch",
	}}, tr)

	e.Store().Set("GET:/api/vendors?id=1", ok(`{"cached":true}`))

	urls := []string{"/api/vendors?id=1", "/api/vendors?id=2"}
	cfgs := []RequestConfig{batchable(""), batchable("")}
	results := collect(t, enqueueInOrder(t, e, urls, cfgs), len(urls))

	require.JSONEq(t, `{"cached":true}`, string(results[urls[0]].resp.Body))
	require.NoError(t, results[urls[1]].err)
	// Only one request left, so it went out on its own.
	require.Equal(t, []string{"/api/vendors?id=2"}, tr.urls())
}

func TestBatchRequest_IneligibleGroupRunsSequentially(t *testing.T) {
	tr := &fakeTransport{}
	e := newTestEngine(t, Config{Batch: BatchConfig{
		Window:           100 * time.Millisecond,
		Endpoint:         "/batch",
		EligiblePrefixes: []string{"/api/vendors"},
	}}, tr)

	urls := []string{"/api/margins?q=1", "/api/margins?q=2"}
	cfgs := []RequestConfig{batchable(""), batchable("")}
	results := collect(t, enqueueInOrder(t, e, urls, cfgs), len(urls))

	for _, u := range urls {
		require.NoError(t, results[u].err)
	}
	require.Equal(t, urls, tr.urls())
}

func TestBatchRequest_CombinedCallFailureRejectsAll(t *testing.T) {
	tr := &fakeTransport{handler: respond(400, `bad batch`)}
	e := newTestEngine(t, Config{Batch: BatchConfig{
		Window:   100 * time.Millisecond,
		Endpoint: "/batch",
	}}, tr)

	urls := []string{"/api/vendors?id=1", "/api/vendors?id=2"}
	cfgs := []RequestConfig{batchable(""), batchable("")}
	results := collect(t, enqueueInOrder(t, e, urls, cfgs), len(urls))

	for _, u := range urls {
		var status *transport.StatusError
		require.ErrorAs(t, results[u].err, &status)
	}
	require.Equal(t, []string{"/batch"}, tr.urls())
}

func TestBatchRequest_CloseFailsPending(t *testing.T) {
	e := New(Config{Batch: BatchConfig{Window: time.Hour}}, &fakeTransport{}, nil, testFaults())

	var wg sync.WaitGroup
	wg.Add(1)
	var err error
	go func() {
		defer wg.Done()
		_, err = e.BatchRequest(context.Background(), "/x", batchable(""))
	}()
	require.Eventually(t, func() bool { return e.Metrics().QueuedBatch == 1 }, time.Second, time.Millisecond)

	e.Close()
	wg.Wait()
	require.ErrorIs(t, err, ErrEngineClosed)
}

func TestGroupItems(t *testing.T) {
	items := []*batchItem{
		{url: "/a?x=1", cfg: RequestConfig{}},
		{url: "/b", cfg: RequestConfig{}},
		{url: "/a?x=2", cfg: RequestConfig{Method: "get"}},
		{url: "/a", cfg: RequestConfig{Method: http.MethodPost}},
	}

	groups := groupItems(items)
	require.Len(t, groups, 3)
	require.Equal(t, "/a", groups[0].base)
	require.Len(t, groups[0].items, 2)
	require.Equal(t, "/b", groups[1].base)
	require.Equal(t, http.MethodPost, groups[2].method)
}
