package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/taskstream/gateway/internal/codec"
	"github.com/taskstream/gateway/internal/logging"
	"github.com/taskstream/gateway/internal/metrics"
)

// State is the manager's connection lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// DefaultMaxReconnectAttempts bounds the automatic reconnect loop.
	DefaultMaxReconnectAttempts = 5

	// DefaultReconnectInterval is the fixed delay before each attempt.
	DefaultReconnectInterval = 3 * time.Second

	// defaultProtocolVersion is advertised in the connection URL so the
	// server can reject incompatible clients before the upgrade.
	defaultProtocolVersion = "1"

	managerWriteWait = 5 * time.Second
)

// ErrNotConnected is returned by Send when the connection is not open.
var ErrNotConnected = errors.New("connection is not open")

// ErrHeartbeatTimeout is carried on the connection_closed event when the
// heartbeat monitor declared the link stale.
var ErrHeartbeatTimeout = errors.New("heartbeat timeout: peer unresponsive")

// HandlerFunc processes a decoded application message.
type HandlerFunc func(msg *codec.Message)

// DialFunc establishes the transport. The default performs a WebSocket
// handshake; tests substitute a pipe.
type DialFunc func(ctx context.Context, rawURL string) (net.Conn, error)

// ManagerConfig configures a Manager. URL and Codec are required.
type ManagerConfig struct {
	URL                  string
	ProtocolVersion      string
	Codec                *codec.Codec
	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	EventBuffer          int
	Dial                 DialFunc
	Logger               zerolog.Logger
}

// Manager owns one client connection: its lifecycle state machine, the
// heartbeat monitor, typed message dispatch, and the bounded reconnect loop.
// All methods are safe for concurrent use.
type Manager struct {
	cfg    ManagerConfig
	logger zerolog.Logger
	dial   DialFunc

	mu        sync.Mutex
	state     State
	conn      net.Conn
	heartbeat *HeartbeatMonitor
	token     string
	attempts  int
	manual    bool
	runCtx    context.Context
	runCancel context.CancelFunc

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	events chan Event

	lastInbound atomic.Int64
	staleClose  atomic.Bool
	sent        atomic.Int64
	received    atomic.Int64
}

// NewManager validates the config and builds a manager in the idle state.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.URL == "" {
		return nil, errors.New("realtime: URL is required")
	}
	if cfg.Codec == nil {
		return nil, errors.New("realtime: codec is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("realtime: invalid URL: %w", err)
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = defaultProtocolVersion
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 32
	}

	m := &Manager{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "connection_manager").Logger(),
		dial:     cfg.Dial,
		handlers: make(map[string]HandlerFunc),
		events:   make(chan Event, cfg.EventBuffer),
	}
	if m.dial == nil {
		m.dial = wsDial
	}
	return m, nil
}

func wsDial(ctx context.Context, rawURL string) (net.Conn, error) {
	conn, _, _, err := ws.Dialer{}.Dial(ctx, rawURL)
	return conn, err
}

// Connect establishes the connection. Allowed only from the idle or closed
// state; a dial failure leaves the manager idle so Connect can be retried.
func (m *Manager) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	switch m.state {
	case StateIdle, StateClosed:
	default:
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("connect not allowed while %s", state)
	}
	m.state = StateConnecting
	m.token = token
	m.manual = false
	m.attempts = 0
	m.staleClose.Store(false)
	m.runCtx, m.runCancel = context.WithCancel(context.Background())
	cancel := m.runCancel
	m.mu.Unlock()

	conn, err := m.dial(ctx, m.endpoint(token))
	if err != nil {
		cancel()
		m.mu.Lock()
		m.state = StateIdle
		m.mu.Unlock()
		metrics.ConnectionsFailed.Inc()
		return fmt.Errorf("connection failed: %w", err)
	}

	m.open(conn)
	return nil
}

// endpoint appends the protocol version and auth token to the base URL.
func (m *Manager) endpoint(token string) string {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return m.cfg.URL
	}
	q := u.Query()
	q.Set("version", m.cfg.ProtocolVersion)
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// open installs the connection, starts the heartbeat monitor and read loop,
// and emits connection_opened. Used by both Connect and the reconnect loop.
func (m *Manager) open(conn net.Conn) {
	m.lastInbound.Store(time.Now().UnixNano())
	m.staleClose.Store(false)

	hb := NewHeartbeatMonitor(HeartbeatConfig{
		Interval: m.cfg.HeartbeatInterval,
		Timeout:  m.cfg.HeartbeatTimeout,
		SendPing: func() error {
			return m.writeFrame(conn, m.cfg.Codec.SystemFrame(codec.SystemPing))
		},
		LastInbound: func() time.Time {
			return time.Unix(0, m.lastInbound.Load())
		},
		OnStale: func() {
			m.staleClose.Store(true)
			conn.Close()
		},
		Logger: m.logger,
	})

	m.mu.Lock()
	if m.manual {
		// Disconnect won the race against a reconnect dial.
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.heartbeat = hb
	m.state = StateOpen
	m.attempts = 0
	m.mu.Unlock()

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()

	hb.Start()
	go m.readLoop(conn)

	m.logger.Info().Str("url", m.cfg.URL).Msg("connection open")
	m.emit(Event{Type: EventOpened})
}

func (m *Manager) readLoop(conn net.Conn) {
	defer logging.RecoverPanic(m.logger, "read_loop", nil)

	for {
		data, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			m.handleClosed(conn, err)
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}

		m.lastInbound.Store(time.Now().UnixNano())
		m.received.Add(1)
		metrics.MessagesReceived.Inc()
		metrics.BytesReceived.Add(float64(len(data)))

		msg, err := m.cfg.Codec.Decode(data)
		if err != nil {
			m.logger.Warn().Err(err).Msg("dropping undecodable frame")
			metrics.DecodeErrors.Inc()
			m.emit(Event{Type: EventDecodeError, Err: err})
			continue
		}

		if msg.System {
			if msg.Type == codec.SystemPing {
				if err := m.writeFrame(conn, m.cfg.Codec.SystemFrame(codec.SystemPong)); err != nil {
					m.logger.Debug().Err(err).Msg("pong write failed")
				}
			}
			// Pongs need no handling; lastInbound is already refreshed.
			continue
		}

		m.dispatch(msg)
	}
}

func (m *Manager) dispatch(msg *codec.Message) {
	m.handlersMu.RLock()
	h, ok := m.handlers[msg.Type]
	m.handlersMu.RUnlock()
	if !ok {
		m.logger.Debug().Str("type", msg.Type).Msg("no handler for message type")
		return
	}
	h(msg)
}

// handleClosed runs when the read loop observes a socket error. It decides
// between the manual-disconnect path and the automatic reconnect path.
func (m *Manager) handleClosed(conn net.Conn, err error) {
	m.mu.Lock()
	if m.conn != conn {
		// A newer connection already replaced this one.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	hb := m.heartbeat
	m.heartbeat = nil
	if m.manual {
		m.mu.Unlock()
		return
	}
	m.state = StateReconnecting
	m.mu.Unlock()

	if hb != nil {
		hb.Stop()
	}
	conn.Close()
	metrics.ConnectionsActive.Dec()

	if m.staleClose.Load() {
		err = ErrHeartbeatTimeout
	}
	m.logger.Warn().Err(err).Msg("connection lost, entering reconnect")
	m.emit(Event{Type: EventClosed, Err: err})

	go m.reconnectLoop()
}

// reconnectLoop retries on a fixed interval up to the configured attempt cap.
// The counter was reset when the last connection opened, so every outage gets
// the full budget.
func (m *Manager) reconnectLoop() {
	defer logging.RecoverPanic(m.logger, "reconnect_loop", nil)

	for {
		m.mu.Lock()
		if m.manual || m.state != StateReconnecting {
			m.mu.Unlock()
			return
		}
		if m.attempts >= m.cfg.MaxReconnectAttempts {
			m.state = StateClosed
			m.mu.Unlock()
			m.logger.Error().
				Int("attempts", m.cfg.MaxReconnectAttempts).
				Msg("reconnect attempts exhausted")
			metrics.ConnectionsFailed.Inc()
			m.emit(Event{Type: EventFailed, Attempt: m.cfg.MaxReconnectAttempts})
			return
		}
		m.attempts++
		attempt := m.attempts
		runCtx := m.runCtx
		token := m.token
		m.mu.Unlock()

		timer := time.NewTimer(m.cfg.ReconnectInterval)
		select {
		case <-runCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		m.logger.Info().
			Int("attempt", attempt).
			Int("max_attempts", m.cfg.MaxReconnectAttempts).
			Msg("reconnecting")

		conn, err := m.dial(runCtx, m.endpoint(token))
		if err != nil {
			m.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
			continue
		}

		m.open(conn)
		return
	}
}

// Send encodes the payload and writes it to the open connection. Encoding
// errors, including frames over the size limit, surface synchronously to the
// caller; nothing is written in that case.
func (m *Manager) Send(payload any, opts codec.Options) error {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()
	if state != StateOpen || conn == nil {
		return ErrNotConnected
	}

	raw, err := m.cfg.Codec.Encode(payload, opts)
	if err != nil {
		return err
	}
	if err := m.writeFrame(conn, raw); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	m.sent.Add(1)
	return nil
}

// writeFrame serializes writes; wsutil framing is not safe for concurrent
// writers on one conn.
func (m *Manager) writeFrame(conn net.Conn, raw []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(managerWriteWait))
	if err := wsutil.WriteClientMessage(conn, ws.OpText, raw); err != nil {
		return err
	}
	metrics.MessagesSent.Inc()
	metrics.BytesSent.Add(float64(len(raw)))
	return nil
}

// Handle registers the handler for a message type. The last registration for
// a type wins.
func (m *Manager) Handle(msgType string, h HandlerFunc) {
	m.handlersMu.Lock()
	m.handlers[msgType] = h
	m.handlersMu.Unlock()
}

// Events returns the lifecycle event channel. Events are dropped if the
// consumer falls behind the buffer.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// MessagesSent reports how many application messages this manager has
// written since creation.
func (m *Manager) MessagesSent() int64 {
	return m.sent.Load()
}

// MessagesReceived reports how many frames have arrived since creation,
// including system frames.
func (m *Manager) MessagesReceived() int64 {
	return m.received.Load()
}

// Disconnect tears the connection down and cancels any pending reconnect.
// Safe to call from any state, any number of times.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateIdle || (m.state == StateClosed && m.conn == nil && m.manual) {
		m.mu.Unlock()
		return
	}
	m.manual = true
	m.state = StateClosed
	conn := m.conn
	m.conn = nil
	hb := m.heartbeat
	m.heartbeat = nil
	cancel := m.runCancel
	m.token = ""
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if hb != nil {
		hb.Stop()
	}
	if conn != nil {
		conn.Close()
		metrics.ConnectionsActive.Dec()
	}

	m.logger.Info().Msg("disconnected")
	m.emit(Event{Type: EventDisconnected})
}

func (m *Manager) emit(ev Event) {
	ev.Timestamp = time.Now()
	select {
	case m.events <- ev:
	default:
		m.logger.Warn().Str("event", string(ev.Type)).Msg("event dropped, observer too slow")
	}
}
