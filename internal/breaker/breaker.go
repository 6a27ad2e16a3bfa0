// Package breaker provides per-service circuit breaking for the gateway.
// Each downstream service owns an independent circuit; a tripped circuit
// fails calls fast until a reset timeout elapses and a single probe call
// decides whether the service has recovered.
package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskstream/gateway/internal/metrics"
)

// State of one service circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds per-circuit thresholds.
type Config struct {
	// Threshold is the consecutive failure count that opens the circuit.
	Threshold int

	// ResetTimeout is how long an open circuit stays open before allowing
	// a half-open probe.
	ResetTimeout time.Duration
}

// DefaultConfig mirrors the platform defaults.
var DefaultConfig = Config{
	Threshold:    5,
	ResetTimeout: 30 * time.Second,
}

// Registry owns all service circuits. It is an injectable object, not global
// state, so tests and multiple gateway instances get independent circuits.
type Registry struct {
	defaults  Config
	overrides map[string]Config
	logger    zerolog.Logger
	now       func() time.Time

	mu       sync.RWMutex
	circuits map[string]*circuit
}

// circuit is the per-service state machine. Each circuit has its own mutex;
// the lock is only held around state reads and counter updates, never across
// the downstream call itself.
type circuit struct {
	mu sync.Mutex

	cfg      Config
	state    State
	failures int
	openedAt time.Time
	probing  bool // a half-open trial call is in flight
}

// NewRegistry creates a circuit registry. Overrides configure individual
// services differently from the defaults; a nil map uses defaults everywhere.
func NewRegistry(defaults Config, overrides map[string]Config, logger zerolog.Logger) *Registry {
	if defaults.Threshold <= 0 {
		defaults.Threshold = DefaultConfig.Threshold
	}
	if defaults.ResetTimeout <= 0 {
		defaults.ResetTimeout = DefaultConfig.ResetTimeout
	}

	return &Registry{
		defaults:  defaults,
		overrides: overrides,
		logger:    logger.With().Str("component", "breaker").Logger(),
		now:       time.Now,
		circuits:  make(map[string]*circuit),
	}
}

// SetClock replaces the time source. Test hook.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Allow reports whether a call to service may proceed. While the circuit is
// open it returns false until the reset timeout elapses; the first call after
// that transitions to half-open and is permitted as the single probe.
func (r *Registry) Allow(service string) bool {
	c := r.get(service)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return true

	case StateOpen:
		if r.now().Sub(c.openedAt) < c.cfg.ResetTimeout {
			return false
		}
		c.state = StateHalfOpen
		c.probing = true
		r.logger.Info().Str("service", service).Msg("Circuit half-open, allowing probe call")
		metrics.BreakerState.WithLabelValues(service).Set(2)
		return true

	case StateHalfOpen:
		// Exactly one probe at a time; everyone else fails fast.
		if c.probing {
			return false
		}
		c.probing = true
		return true
	}

	return true
}

// Record registers the settled outcome of a call to service. Failures while
// closed increment the consecutive-failure counter; crossing the threshold
// opens the circuit. A half-open probe outcome closes or reopens the circuit.
func (r *Registry) Record(service string, success bool) {
	c := r.get(service)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		if success {
			c.failures = 0
			return
		}
		c.failures++
		if c.failures >= c.cfg.Threshold {
			c.state = StateOpen
			c.openedAt = r.now()
			r.logger.Warn().
				Str("service", service).
				Int("failures", c.failures).
				Dur("reset_timeout", c.cfg.ResetTimeout).
				Msg("Circuit opened")
			metrics.BreakerTrips.WithLabelValues(service).Inc()
			metrics.BreakerState.WithLabelValues(service).Set(1)
		}

	case StateHalfOpen:
		c.probing = false
		if success {
			c.state = StateClosed
			c.failures = 0
			r.logger.Info().Str("service", service).Msg("Circuit closed after successful probe")
			metrics.BreakerState.WithLabelValues(service).Set(0)
		} else {
			c.state = StateOpen
			c.openedAt = r.now()
			r.logger.Warn().Str("service", service).Msg("Circuit reopened after failed probe")
			metrics.BreakerState.WithLabelValues(service).Set(1)
		}

	case StateOpen:
		// Outcome of a call that was in flight when the circuit opened.
		// The one-way open transition stands; nothing to update.
	}
}

// State returns the current state of a service circuit.
func (r *Registry) State(service string) State {
	c := r.get(service)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (r *Registry) get(service string) *circuit {
	r.mu.RLock()
	c, ok := r.circuits[service]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.circuits[service]; ok {
		return c
	}

	cfg := r.defaults
	if override, ok := r.overrides[service]; ok {
		if override.Threshold > 0 {
			cfg.Threshold = override.Threshold
		}
		if override.ResetTimeout > 0 {
			cfg.ResetTimeout = override.ResetTimeout
		}
	}

	c = &circuit{cfg: cfg, state: StateClosed}
	r.circuits[service] = c
	metrics.BreakerState.WithLabelValues(service).Set(0)
	return c
}
