package realtime

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskstream/gateway/internal/metrics"
)

const (
	// DefaultHeartbeatInterval is how often a ping probe is sent.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultHeartbeatTimeout is how long after a probe the peer has to
	// show any inbound traffic before the link is declared stale.
	DefaultHeartbeatTimeout = 5 * time.Second
)

// HeartbeatConfig wires a monitor to its connection. SendPing writes a probe
// frame, LastInbound reports when any frame was last received, and OnStale is
// invoked at most once when the peer stops responding.
type HeartbeatConfig struct {
	Interval    time.Duration
	Timeout     time.Duration
	SendPing    func() error
	LastInbound func() time.Time
	OnStale     func()
	Logger      zerolog.Logger
}

// HeartbeatMonitor probes connection liveness on a fixed cadence. Any inbound
// frame counts as proof of life, not just pong replies, so a busy link never
// trips the monitor even if pongs are delayed behind data frames.
type HeartbeatMonitor struct {
	cfg      HeartbeatConfig
	logger   zerolog.Logger
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewHeartbeatMonitor builds a monitor. Zero durations fall back to defaults.
func NewHeartbeatMonitor(cfg HeartbeatConfig) *HeartbeatMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHeartbeatInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHeartbeatTimeout
	}
	return &HeartbeatMonitor{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "heartbeat").Logger(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the probe loop in its own goroutine.
func (m *HeartbeatMonitor) Start() {
	go m.loop()
}

// Stop halts the loop and waits for it to exit. Safe to call more than once,
// including after the monitor retired itself via OnStale.
func (m *HeartbeatMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	<-m.done
}

func (m *HeartbeatMonitor) loop() {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}

		probeAt := time.Now()
		if err := m.cfg.SendPing(); err != nil {
			// The write path is broken; the read loop will observe the
			// close and tear the connection down.
			m.logger.Debug().Err(err).Msg("heartbeat probe write failed")
			continue
		}

		select {
		case <-m.stop:
			return
		case <-time.After(m.cfg.Timeout):
		}

		if m.cfg.LastInbound().Before(probeAt) {
			m.logger.Warn().
				Dur("timeout", m.cfg.Timeout).
				Msg("no traffic since heartbeat probe, declaring connection stale")
			metrics.HeartbeatTimeouts.Inc()
			m.cfg.OnStale()
			return
		}
	}
}
