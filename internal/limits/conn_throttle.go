package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnThrottle rate limits connection attempts on the real-time endpoint.
//
// Two levels:
//   - Per-IP: one address cannot flood the upgrade path
//   - Global: distributed floods cannot overwhelm the whole gateway
//
// Token bucket (golang.org/x/time/rate) so legitimate reconnect bursts pass.
type ConnThrottle struct {
	ipBurst int
	ipRate  float64
	ipTTL   time.Duration

	ipMu       sync.Mutex
	ipLimiters map[string]*ipLimiterEntry

	globalLimiter *rate.Limiter

	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stopOnce      sync.Once
	stopCleanup   chan struct{}
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnThrottleConfig holds throttle settings. Zero values fall back to the
// defaults noted per field.
type ConnThrottleConfig struct {
	IPBurst     int           // default 10
	IPRate      float64       // default 1 conn/sec
	IPTTL       time.Duration // default 5 min
	GlobalBurst int           // default 300
	GlobalRate  float64       // default 50 conn/sec
	Logger      zerolog.Logger
}

func NewConnThrottle(cfg ConnThrottleConfig) *ConnThrottle {
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPRate == 0 {
		cfg.IPRate = 1.0
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50.0
	}

	t := &ConnThrottle{
		ipBurst:       cfg.IPBurst,
		ipRate:        cfg.IPRate,
		ipTTL:         cfg.IPTTL,
		ipLimiters:    make(map[string]*ipLimiterEntry),
		globalLimiter: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:        cfg.Logger.With().Str("component", "conn_throttle").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	t.cleanupTicker = time.NewTicker(time.Minute)
	go t.cleanupLoop()

	return t
}

// Allow reports whether a connection attempt from clientIP may proceed.
// Global tokens are only consumed when the per-IP check passes, so a single
// flooding address cannot starve the global bucket.
func (t *ConnThrottle) Allow(clientIP string) bool {
	if !t.ipLimiter(clientIP).Allow() {
		t.logger.Warn().Str("client_ip", clientIP).Msg("Connection attempt rejected by per-IP throttle")
		return false
	}
	if !t.globalLimiter.Allow() {
		t.logger.Warn().Str("client_ip", clientIP).Msg("Connection attempt rejected by global throttle")
		return false
	}
	return true
}

// Stop terminates the background cleanup of idle IP entries.
func (t *ConnThrottle) Stop() {
	t.stopOnce.Do(func() {
		t.cleanupTicker.Stop()
		close(t.stopCleanup)
	})
}

func (t *ConnThrottle) ipLimiter(clientIP string) *rate.Limiter {
	t.ipMu.Lock()
	defer t.ipMu.Unlock()

	entry, ok := t.ipLimiters[clientIP]
	if !ok {
		entry = &ipLimiterEntry{
			limiter: rate.NewLimiter(rate.Limit(t.ipRate), t.ipBurst),
		}
		t.ipLimiters[clientIP] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter
}

func (t *ConnThrottle) cleanupLoop() {
	for {
		select {
		case <-t.stopCleanup:
			return
		case <-t.cleanupTicker.C:
			cutoff := time.Now().Add(-t.ipTTL)
			t.ipMu.Lock()
			for ip, entry := range t.ipLimiters {
				if entry.lastAccess.Before(cutoff) {
					delete(t.ipLimiters, ip)
				}
			}
			t.ipMu.Unlock()
		}
	}
}
