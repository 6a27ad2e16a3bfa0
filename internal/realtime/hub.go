package realtime

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/taskstream/gateway/internal/auth"
	"github.com/taskstream/gateway/internal/codec"
	"github.com/taskstream/gateway/internal/limits"
	"github.com/taskstream/gateway/internal/logging"
	"github.com/taskstream/gateway/internal/metrics"
)

const (
	hubWriteWait = 5 * time.Second

	// pongWait is the read deadline. Clients probe every 30s, so a link
	// with no traffic for longer than that is dead.
	pongWait = 35 * time.Second

	defaultSendBuffer = 256

	defaultClientMsgRate  = 10.0
	defaultClientMsgBurst = 100
)

// ServerHandlerFunc processes an application message from a connected client.
type ServerHandlerFunc func(c *Client, msg *codec.Message)

// HubConfig configures the server-side connection hub. Codec and Verifier
// are required.
type HubConfig struct {
	Codec           *codec.Codec
	Verifier        *auth.Verifier
	ProtocolVersion string
	SendBuffer      int

	// ClientMsgRate and ClientMsgBurst bound how fast one client may send.
	ClientMsgRate  float64
	ClientMsgBurst int

	Workers   int
	QueueSize int

	// PingPeriod overrides the transport-level keepalive cadence.
	PingPeriod time.Duration

	Logger zerolog.Logger
}

// Hub accepts WebSocket connections, authenticates them, runs their read and
// write pumps, and fans broadcasts out through a bounded worker pool.
type Hub struct {
	cfg    HubConfig
	logger zerolog.Logger

	guard    *limits.Guard
	throttle *limits.ConnThrottle

	clients   sync.Map // *Client -> struct{}
	clientSeq int64
	connCount int64

	handlersMu sync.RWMutex
	handlers   map[string]ServerHandlerFunc

	pool   *WorkerPool
	ctx    context.Context
	cancel context.CancelFunc

	shuttingDown int32
	pingPeriod   time.Duration
}

// NewHub validates the config and builds a hub ready to serve.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Codec == nil {
		return nil, errors.New("realtime: codec is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("realtime: verifier is required")
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = defaultProtocolVersion
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.ClientMsgRate <= 0 {
		cfg.ClientMsgRate = defaultClientMsgRate
	}
	if cfg.ClientMsgBurst <= 0 {
		cfg.ClientMsgBurst = defaultClientMsgBurst
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 100
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = (pongWait * 9) / 10
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := cfg.Logger.With().Str("component", "hub").Logger()

	h := &Hub{
		cfg:        cfg,
		logger:     logger,
		handlers:   make(map[string]ServerHandlerFunc),
		pool:       NewWorkerPool(cfg.Workers, cfg.QueueSize, cfg.Logger),
		ctx:        ctx,
		cancel:     cancel,
		pingPeriod: cfg.PingPeriod,
	}
	h.pool.Start(ctx)
	return h, nil
}

// UseGuard installs resource-based admission control. Call before serving.
func (h *Hub) UseGuard(g *limits.Guard) { h.guard = g }

// UseThrottle installs per-IP connection-attempt throttling. Call before
// serving.
func (h *Hub) UseThrottle(t *limits.ConnThrottle) { h.throttle = t }

// ConnCounter exposes the live connection counter for the resource guard.
func (h *Hub) ConnCounter() *int64 { return &h.connCount }

// Handle registers the handler for an inbound message type. Registration
// must happen before the hub starts accepting connections.
func (h *Hub) Handle(msgType string, fn ServerHandlerFunc) {
	h.handlersMu.Lock()
	h.handlers[msgType] = fn
	h.handlersMu.Unlock()
}

// HandleWS upgrades the request and runs the connection until it closes.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&h.shuttingDown) == 1 {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if v := r.URL.Query().Get("version"); v != "" && v != h.cfg.ProtocolVersion {
		http.Error(w, "unsupported protocol version", http.StatusBadRequest)
		return
	}

	token := auth.FromRequest(r)
	claims, err := h.cfg.Verifier.Verify(token)
	if err != nil {
		metrics.ConnectionsFailed.Inc()
		http.Error(w, "invalid or missing token", http.StatusUnauthorized)
		return
	}

	ip := clientIP(r)
	if h.throttle != nil && !h.throttle.Allow(ip) {
		metrics.ConnectionsFailed.Inc()
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	if h.guard != nil {
		if ok, reason := h.guard.ShouldAccept(); !ok {
			h.logger.Debug().
				Str("reason", reason).
				Int64("current_connections", atomic.LoadInt64(&h.connCount)).
				Msg("connection rejected by resource guard")
			metrics.ConnectionsFailed.Inc()
			http.Error(w, "server overloaded", http.StatusServiceUnavailable)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		metrics.ConnectionsFailed.Inc()
		h.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := &Client{
		id:          atomic.AddInt64(&h.clientSeq, 1),
		userID:      claims.UserID,
		conn:        conn,
		send:        make(chan []byte, h.cfg.SendBuffer),
		done:        make(chan struct{}),
		limiter:     rate.NewLimiter(rate.Limit(h.cfg.ClientMsgRate), h.cfg.ClientMsgBurst),
		connectedAt: time.Now(),
	}

	h.clients.Store(c, struct{}{})
	atomic.AddInt64(&h.connCount, 1)
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()

	h.logger.Info().
		Int64("client_id", c.id).
		Str("user_id", c.userID).
		Str("remote_addr", r.RemoteAddr).
		Msg("client connected")

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) readPump(c *Client) {
	defer func() {
		h.disconnectClient(c, "read_error")
	}()
	defer logging.RecoverPanic(h.logger, "read_pump", map[string]any{"client_id": c.id})

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if op == ws.OpClose {
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			// Control frames are answered by the library.
			continue
		}

		metrics.MessagesReceived.Inc()
		metrics.BytesReceived.Add(float64(len(data)))

		if !c.limiter.Allow() {
			metrics.RateLimitedMessages.Inc()
			h.logger.Warn().Int64("client_id", c.id).Msg("client message rate exceeded")
			// Best effort notice; drop the message but keep the connection.
			h.notifyRateLimited(c)
			continue
		}

		msg, err := h.cfg.Codec.Decode(data)
		if err != nil {
			metrics.DecodeErrors.Inc()
			h.logger.Warn().Err(err).Int64("client_id", c.id).Msg("dropping undecodable frame")
			continue
		}

		if msg.System {
			if msg.Type == codec.SystemPing {
				c.enqueue(h.cfg.Codec.SystemFrame(codec.SystemPong))
			}
			continue
		}

		h.dispatch(c, msg)
	}
}

func (h *Hub) writePump(c *Client) {
	ticker := time.NewTicker(h.pingPeriod)
	defer func() {
		ticker.Stop()
		h.disconnectClient(c, "write_error")
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, frame); err != nil {
				return
			}
			metrics.MessagesSent.Inc()
			metrics.BytesSent.Add(float64(len(frame)))

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}

		case <-c.done:
			wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
			return

		case <-h.ctx.Done():
			wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
			return
		}
	}
}

func (h *Hub) dispatch(c *Client, msg *codec.Message) {
	h.handlersMu.RLock()
	fn, ok := h.handlers[msg.Type]
	h.handlersMu.RUnlock()
	if !ok {
		h.logger.Debug().
			Str("type", msg.Type).
			Int64("client_id", c.id).
			Msg("no handler for message type")
		return
	}
	fn(c, msg)
}

func (h *Hub) notifyRateLimited(c *Client) {
	frame, err := h.cfg.Codec.Encode(map[string]any{
		"type":    "error",
		"code":    "rate_limit_exceeded",
		"message": "too many messages, slow down",
	}, codec.Options{})
	if err != nil {
		return
	}
	c.enqueue(frame)
}

// disconnectClient tears one connection down exactly once.
func (h *Hub) disconnectClient(c *Client, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.conn.Close()

		h.clients.Delete(c)
		atomic.AddInt64(&h.connCount, -1)
		metrics.ConnectionsActive.Dec()

		h.logger.Info().
			Int64("client_id", c.id).
			Str("user_id", c.userID).
			Str("reason", reason).
			Dur("connection_duration", time.Since(c.connectedAt)).
			Msg("client disconnected")
	})
}

// SendTo encodes the payload and queues it for one client. Returns false
// when the client's buffer is full and the frame was dropped.
func (h *Hub) SendTo(c *Client, payload any, opts codec.Options) (bool, error) {
	frame, err := h.cfg.Codec.Encode(payload, opts)
	if err != nil {
		return false, err
	}
	return c.enqueue(frame), nil
}

// Broadcast encodes the payload once and fans it out to every connected
// client through the worker pool. Clients with full buffers are skipped.
func (h *Hub) Broadcast(payload any, opts codec.Options) error {
	frame, err := h.cfg.Codec.Encode(payload, opts)
	if err != nil {
		return err
	}

	h.clients.Range(func(key, _ any) bool {
		c := key.(*Client)
		h.pool.Submit(func() {
			if !c.enqueue(frame) {
				metrics.DroppedBroadcasts.Inc()
			}
		})
		return true
	})
	return nil
}

// ConnectionCount reports the number of live connections.
func (h *Hub) ConnectionCount() int64 {
	return atomic.LoadInt64(&h.connCount)
}

// Shutdown stops accepting connections, closes every client, and waits for
// the worker pool to drain.
func (h *Hub) Shutdown() {
	if !atomic.CompareAndSwapInt32(&h.shuttingDown, 0, 1) {
		return
	}

	h.clients.Range(func(key, _ any) bool {
		h.disconnectClient(key.(*Client), "server_shutdown")
		return true
	})

	h.cancel()
	h.pool.Wait()
	h.logger.Info().Msg("hub stopped")
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
