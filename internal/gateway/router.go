// Package gateway fronts the TaskStream backend services. Every request is
// correlation-tracked, rate limited, and isolated behind a per-service
// circuit breaker before the downstream call is attempted.
package gateway

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/taskstream/gateway/internal/breaker"
	"github.com/taskstream/gateway/internal/metrics"
	"github.com/taskstream/gateway/internal/ratelimit"
)

// Config wires the router to its collaborators and policies.
type Config struct {
	// Services maps service key to downstream base URL.
	Services map[string]string

	// DefaultRule is the global fixed-window limit. RouteRules override it
	// per service key.
	DefaultRule ratelimit.Rule
	RouteRules  map[string]ratelimit.Rule

	// ServiceTimeout bounds each downstream call.
	ServiceTimeout time.Duration
}

// Router is the top-level HTTP dispatcher.
type Router struct {
	mux        *chi.Mux
	services   map[string]string
	breakers   *breaker.Registry
	limiters   map[string]*ratelimit.Limiter
	defaultLim *ratelimit.Limiter
	classifier *Classifier
	proxy      *Proxy
	logger     zerolog.Logger
}

// New builds the router. The breaker registry is injected so multiple
// routers (and tests) can hold independent circuits.
func New(cfg Config, breakers *breaker.Registry, logger zerolog.Logger) *Router {
	logger = logger.With().Str("component", "gateway").Logger()

	g := &Router{
		mux:        chi.NewRouter(),
		services:   cfg.Services,
		breakers:   breakers,
		limiters:   make(map[string]*ratelimit.Limiter),
		defaultLim: ratelimit.New(cfg.DefaultRule),
		classifier: NewClassifier(logger),
		proxy:      NewProxy(cfg.ServiceTimeout, logger),
		logger:     logger,
	}
	for service, rule := range cfg.RouteRules {
		g.limiters[service] = ratelimit.New(rule)
	}

	g.mux.Use(chimw.RealIP)
	g.mux.Use(RequestID)
	g.mux.Use(RequestLogger(logger))
	g.mux.Use(Recovery(logger))

	g.mux.Get("/health", g.handleHealth)
	g.mux.Handle("/metrics", metrics.Handler())
	g.mux.HandleFunc("/api/v1/{service}", g.dispatch)
	g.mux.HandleFunc("/api/v1/{service}/*", g.dispatch)

	g.mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, logger, &ClassifiedError{
			Kind:    KindService,
			Status:  http.StatusNotFound,
			Message: "The requested resource was not found",
		}, RequestIDFrom(r.Context()))
	})

	return g
}

func (g *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

// Mux exposes the underlying router so callers can mount extra endpoints
// (the realtime upgrade handler) before serving.
func (g *Router) Mux() *chi.Mux {
	return g.mux
}

// Close stops the limiter sweepers.
func (g *Router) Close() {
	g.defaultLim.Stop()
	for _, l := range g.limiters {
		l.Stop()
	}
}

// dispatch is the per-request pipeline: correlation ID, rate limit gate,
// circuit gate, downstream call, outcome recording.
func (g *Router) dispatch(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	requestID := RequestIDFrom(r.Context())
	start := time.Now()

	baseURL, ok := g.services[service]
	if !ok {
		writeError(w, g.logger, &ClassifiedError{
			Kind:    KindService,
			Status:  http.StatusNotFound,
			Message: "Unknown service",
		}, requestID)
		return
	}

	if !g.limiterFor(service).Check(clientKey(r, service)) {
		metrics.RateLimitedRequests.WithLabelValues(service).Inc()
		metrics.RequestsTotal.WithLabelValues(service, "429").Inc()
		g.logger.Warn().
			Str("request_id", requestID).
			Str("service", service).
			Str("remote_addr", r.RemoteAddr).
			Msg("Request rate limited")
		writeError(w, g.logger, RateLimitError(), requestID)
		return
	}

	// Fail fast on an open circuit; the downstream call is never attempted.
	if !g.breakers.Allow(service) {
		metrics.BreakerShortCircuits.WithLabelValues(service).Inc()
		metrics.RequestsTotal.WithLabelValues(service, "503").Inc()
		g.logger.Warn().
			Str("request_id", requestID).
			Str("service", service).
			Msg("Request short-circuited, circuit open")
		writeError(w, g.logger, CircuitOpenError(service), requestID)
		return
	}

	status, body, err := g.proxy.Call(r, service, baseURL, chi.URLParam(r, "*"))
	metrics.RequestDuration.WithLabelValues(service).Observe(time.Since(start).Seconds())

	if err != nil {
		cls := g.classifier.Classify(err)
		g.breakers.Record(service, false)
		metrics.RequestsTotal.WithLabelValues(service, statusLabel(cls.Status)).Inc()
		g.logger.Error().
			Err(err).
			Str("request_id", requestID).
			Str("service", service).
			Str("kind", string(cls.Kind)).
			Int("status", cls.Status).
			Msg("Downstream call failed")
		writeError(w, g.logger, cls, requestID)
		return
	}

	g.breakers.Record(service, true)
	metrics.RequestsTotal.WithLabelValues(service, statusLabel(status)).Inc()
	writeSuccess(w, g.logger, status, body, requestID)
}

func (g *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, g.logger, http.StatusOK, []byte(`{"healthy":true}`), RequestIDFrom(r.Context()))
}

func (g *Router) limiterFor(service string) *ratelimit.Limiter {
	if l, ok := g.limiters[service]; ok {
		return l
	}
	return g.defaultLim
}

// clientKey buckets rate-limit counting by caller IP and target service so
// one noisy client cannot exhaust another's window.
func clientKey(r *http.Request, service string) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return host + ":" + service
}

func statusLabel(status int) string {
	return strconv.Itoa(status)
}
