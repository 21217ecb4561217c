package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vietddude/resilient/internal/infra/engine"
	"github.com/vietddude/resilient/internal/infra/fault"
)

type stubEngine struct {
	online      bool
	breakers    map[string]fault.BreakerSnapshot
	invalidated []string
	resets      int
}

func (s *stubEngine) Metrics() engine.Metrics {
	return engine.Metrics{
		Online:   s.online,
		InFlight: 2,
		Errors:   fault.Metrics{TotalErrors: 7, Breakers: s.breakers},
	}
}
func (s *stubEngine) Online() bool { return s.online }
func (s *stubEngine) GoOnline()    { s.online = true }
func (s *stubEngine) GoOffline()   { s.online = false }

func (s *stubEngine) ResetBreakers() {
	s.resets++
	s.breakers = nil
}

func (s *stubEngine) Invalidate(pattern string) int {
	s.invalidated = append(s.invalidated, pattern)
	return 3
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestServer_Health(t *testing.T) {
	tests := []struct {
		name     string
		engine   *stubEngine
		expected HealthReport
	}{
		{
			name:     "online",
			engine:   &stubEngine{online: true},
			expected: HealthReport{Status: StatusHealthy, Online: true},
		},
		{
			name:     "offline",
			engine:   &stubEngine{},
			expected: HealthReport{Status: StatusDegraded},
		},
		{
			name: "open breaker",
			engine: &stubEngine{online: true, breakers: map[string]fault.BreakerSnapshot{
				"vendor-api": {State: fault.BreakerOpen},
				"pricing":    {State: fault.BreakerClosed},
			}},
			expected: HealthReport{Status: StatusDegraded, Online: true, OpenBreakers: []string{"vendor-api"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, NewServer(tt.engine, 0).Handler(), http.MethodGet, "/health")
			require.Equal(t, http.StatusOK, rec.Code)
			require.Equal(t, tt.expected, decode[HealthReport](t, rec))
		})
	}
}

func TestServer_Stats(t *testing.T) {
	h := NewServer(&stubEngine{online: true}, 0).Handler()

	rec := do(t, h, http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	m := decode[engine.Metrics](t, rec)
	require.Equal(t, int64(2), m.InFlight)
	require.Equal(t, uint64(7), m.Errors.TotalErrors)
}

func TestServer_Connectivity(t *testing.T) {
	e := &stubEngine{online: true}
	h := NewServer(e, 0).Handler()

	rec := do(t, h, http.MethodPost, "/connectivity/offline")
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, e.online)
	require.Equal(t, map[string]bool{"online": false}, decode[map[string]bool](t, rec))

	rec = do(t, h, http.MethodPost, "/connectivity/online")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, e.online)

	rec = do(t, h, http.MethodGet, "/connectivity/online")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_Invalidate(t *testing.T) {
	e := &stubEngine{}
	h := NewServer(e, 0).Handler()

	rec := do(t, h, http.MethodPost, "/cache/invalidate?pattern=GET:/api/vendors*")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, map[string]int{"removed": 3}, decode[map[string]int](t, rec))
	require.Equal(t, []string{"GET:/api/vendors*"}, e.invalidated)

	rec = do(t, h, http.MethodPost, "/cache/invalidate")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Len(t, e.invalidated, 1)
}

func TestServer_ResetBreakers(t *testing.T) {
	e := &stubEngine{breakers: map[string]fault.BreakerSnapshot{"vendor-api": {State: fault.BreakerOpen}}}
	h := NewServer(e, 0).Handler()

	rec := do(t, h, http.MethodPost, "/breakers/reset")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, e.resets)
	require.Empty(t, e.breakers)
}

func TestServer_Metrics(t *testing.T) {
	rec := do(t, NewServer(&stubEngine{}, 0).Handler(), http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}
