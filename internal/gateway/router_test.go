package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskstream/gateway/internal/breaker"
	"github.com/taskstream/gateway/internal/ratelimit"
)

func newTestRouter(t *testing.T, cfg Config, breakerCfg breaker.Config) *Router {
	t.Helper()
	if cfg.DefaultRule.Requests == 0 {
		cfg.DefaultRule = ratelimit.Rule{Requests: 1000, Window: time.Minute}
	}
	if cfg.ServiceTimeout == 0 {
		cfg.ServiceTimeout = 2 * time.Second
	}
	g := New(cfg, breaker.NewRegistry(breakerCfg, nil, zerolog.Nop()), zerolog.Nop())
	t.Cleanup(g.Close)
	return g
}

func doRequest(g *Router, method, path string, header http.Header) (*httptest.ResponseRecorder, Envelope) {
	r := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		r.Header[k] = v
	}
	w := httptest.NewRecorder()
	g.ServeHTTP(w, r)

	var env Envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func TestSuccessWrapsDownstreamResponse(t *testing.T) {
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"projectId":"p-1"}`))
	}))
	defer downstream.Close()

	g := newTestRouter(t, Config{Services: map[string]string{"projects": downstream.URL}}, breaker.DefaultConfig)

	w, env := doRequest(g, "GET", "/api/v1/projects/p-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", env.Status)
	assert.JSONEq(t, `{"projectId":"p-1"}`, string(env.Data))
	assert.NotEmpty(t, env.Metadata.RequestID)
	assert.Equal(t, env.Metadata.RequestID, w.Header().Get(RequestIDHeader))
}

func TestCorrelationIDEchoed(t *testing.T) {
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The gateway must propagate the correlation ID downstream
		assert.Equal(t, "req-abc", r.Header.Get(RequestIDHeader))
		w.Write([]byte(`{}`))
	}))
	defer downstream.Close()

	g := newTestRouter(t, Config{Services: map[string]string{"tasks": downstream.URL}}, breaker.DefaultConfig)

	header := http.Header{}
	header.Set(RequestIDHeader, "req-abc")
	w, env := doRequest(g, "GET", "/api/v1/tasks/t-9", header)

	assert.Equal(t, "req-abc", w.Header().Get(RequestIDHeader))
	assert.Equal(t, "req-abc", env.Metadata.RequestID)
}

func TestUnknownServiceIs404(t *testing.T) {
	g := newTestRouter(t, Config{Services: map[string]string{}}, breaker.DefaultConfig)

	w, env := doRequest(g, "GET", "/api/v1/nonexistent/x", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "error", env.Status)
}

func TestDownstream4xxPassesThroughWithoutTrippingCircuit(t *testing.T) {
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such task", http.StatusNotFound)
	}))
	defer downstream.Close()

	g := newTestRouter(t, Config{Services: map[string]string{"tasks": downstream.URL}},
		breaker.Config{Threshold: 1, ResetTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		w, env := doRequest(g, "GET", "/api/v1/tasks/missing", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "error", env.Status)
	}
	assert.Equal(t, breaker.StateClosed, g.breakers.State("tasks"))
}

func TestRateLimitRejectsOverflow(t *testing.T) {
	var calls int64
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.Write([]byte(`{}`))
	}))
	defer downstream.Close()

	g := newTestRouter(t, Config{
		Services:   map[string]string{"projects": downstream.URL},
		RouteRules: map[string]ratelimit.Rule{"projects": {Requests: 2, Window: time.Minute}},
	}, breaker.DefaultConfig)

	for i := 0; i < 2; i++ {
		w, _ := doRequest(g, "GET", "/api/v1/projects/p", nil)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w, env := doRequest(g, "GET", "/api/v1/projects/p", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Len(t, env.Errors, 1)
	assert.Equal(t, string(KindRateLimit), env.Errors[0].Kind)
	assert.NotEmpty(t, env.Metadata.RequestID)

	// The rejected request never reached the downstream service
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestOpenCircuitFailsFast(t *testing.T) {
	var calls int64
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer downstream.Close()

	g := newTestRouter(t, Config{Services: map[string]string{"analytics": downstream.URL}},
		breaker.Config{Threshold: 2, ResetTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		w, env := doRequest(g, "GET", "/api/v1/analytics/report", nil)
		assert.Equal(t, http.StatusBadGateway, w.Code)
		require.Len(t, env.Errors, 1)
		assert.Equal(t, string(KindService), env.Errors[0].Kind)
	}
	require.Equal(t, int64(2), atomic.LoadInt64(&calls))

	w, env := doRequest(g, "GET", "/api/v1/analytics/report", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Len(t, env.Errors, 1)
	assert.Equal(t, string(KindCircuitOpen), env.Errors[0].Kind)

	// Fail fast: the open circuit never dispatched the third call
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestRecoveredServiceClosesCircuit(t *testing.T) {
	var failing int32 = 1
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&failing) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer downstream.Close()

	g := newTestRouter(t, Config{Services: map[string]string{"tasks": downstream.URL}},
		breaker.Config{Threshold: 1, ResetTimeout: time.Minute})

	doRequest(g, "GET", "/api/v1/tasks/t", nil)
	require.Equal(t, breaker.StateOpen, g.breakers.State("tasks"))

	// Advance past the reset timeout, then let the half-open probe succeed
	now := time.Now()
	g.breakers.SetClock(func() time.Time { return now.Add(2 * time.Minute) })
	atomic.StoreInt32(&failing, 0)

	w, _ := doRequest(g, "GET", "/api/v1/tasks/t", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, breaker.StateClosed, g.breakers.State("tasks"))
}

func TestDownstreamTimeoutClassified(t *testing.T) {
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{}`))
	}))
	defer downstream.Close()

	g := newTestRouter(t, Config{
		Services:       map[string]string{"integration": downstream.URL},
		ServiceTimeout: 20 * time.Millisecond,
	}, breaker.DefaultConfig)

	w, env := doRequest(g, "GET", "/api/v1/integration/sync", nil)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	require.Len(t, env.Errors, 1)
	assert.Equal(t, string(KindTimeout), env.Errors[0].Kind)
}

func TestHealthEndpoint(t *testing.T) {
	g := newTestRouter(t, Config{Services: map[string]string{}}, breaker.DefaultConfig)

	w, env := doRequest(g, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", env.Status)
}
