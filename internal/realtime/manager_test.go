package realtime

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskstream/gateway/internal/codec"
)

func testCodec(t *testing.T) *codec.Codec {
	t.Helper()
	c, err := codec.New(codec.Config{Key: bytes.Repeat([]byte("k"), 32)})
	require.NoError(t, err)
	return c
}

// fakePeer plays the server end of a net.Pipe: it reads the manager's
// frames, optionally answers heartbeat probes, and lets tests inject
// server-side traffic.
type fakePeer struct {
	conn    net.Conn
	cdc     *codec.Codec
	inbound chan *codec.Message
	pongs   bool
}

func startPeer(t *testing.T, conn net.Conn, cdc *codec.Codec, pongs bool) *fakePeer {
	t.Helper()
	p := &fakePeer{
		conn:    conn,
		cdc:     cdc,
		inbound: make(chan *codec.Message, 64),
		pongs:   pongs,
	}
	go p.readLoop()
	return p
}

func (p *fakePeer) readLoop() {
	for {
		data, op, err := wsutil.ReadClientData(p.conn)
		if err != nil {
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		msg, err := p.cdc.Decode(data)
		if err != nil {
			continue
		}
		if msg.System && msg.Type == codec.SystemPing && p.pongs {
			wsutil.WriteServerMessage(p.conn, ws.OpText, p.cdc.SystemFrame(codec.SystemPong))
		}
		select {
		case p.inbound <- msg:
		default:
		}
	}
}

func (p *fakePeer) sendApp(t *testing.T, payload any) {
	t.Helper()
	frame, err := p.cdc.Encode(payload, codec.Options{})
	require.NoError(t, err)
	require.NoError(t, wsutil.WriteServerMessage(p.conn, ws.OpText, frame))
}

func (p *fakePeer) waitFor(t *testing.T, msgType string) *codec.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-p.inbound:
			if msg.Type == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("peer never received %q", msgType)
		}
	}
}

// scriptDialer hands out connections by attempt number and counts dials.
type scriptDialer struct {
	mu      sync.Mutex
	dials   int
	lastURL string
	next    func(attempt int) (net.Conn, error)
}

func (d *scriptDialer) dial(_ context.Context, rawURL string) (net.Conn, error) {
	d.mu.Lock()
	d.dials++
	attempt := d.dials
	d.lastURL = rawURL
	d.mu.Unlock()
	return d.next(attempt)
}

func (d *scriptDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *scriptDialer) url() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastURL
}

func newTestManager(t *testing.T, cfg ManagerConfig) *Manager {
	t.Helper()
	if cfg.URL == "" {
		cfg.URL = "ws://gateway.local/realtime"
	}
	if cfg.Codec == nil {
		cfg.Codec = testCodec(t)
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = 3
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = 10 * time.Millisecond
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	cfg.Logger = zerolog.Nop()
	m, err := NewManager(cfg)
	require.NoError(t, err)
	return m
}

func waitEvent(t *testing.T, events <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestManagerConnectOpensWithVersionAndToken(t *testing.T) {
	client, server := net.Pipe()
	cdc := testCodec(t)
	dialer := &scriptDialer{next: func(int) (net.Conn, error) { return client, nil }}
	startPeer(t, server, cdc, true)

	m := newTestManager(t, ManagerConfig{Codec: cdc, Dial: dialer.dial})
	require.NoError(t, m.Connect(context.Background(), "secret-token"))
	defer m.Disconnect()

	waitEvent(t, m.Events(), EventOpened)
	assert.Equal(t, StateOpen, m.State())
	assert.Contains(t, dialer.url(), "version=1")
	assert.Contains(t, dialer.url(), "token=secret-token")
}

func TestManagerConnectDialFailureLeavesIdle(t *testing.T) {
	dialer := &scriptDialer{next: func(int) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}}

	m := newTestManager(t, ManagerConfig{Dial: dialer.dial})
	err := m.Connect(context.Background(), "tok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection failed")
	assert.Equal(t, StateIdle, m.State())

	// Idle after a failed dial, so a retry is allowed.
	client, server := net.Pipe()
	dialer.next = func(int) (net.Conn, error) { return client, nil }
	startPeer(t, server, m.cfg.Codec, true)
	require.NoError(t, m.Connect(context.Background(), "tok"))
	defer m.Disconnect()
	assert.Equal(t, StateOpen, m.State())
}

func TestManagerConnectRejectedWhileOpen(t *testing.T) {
	client, server := net.Pipe()
	cdc := testCodec(t)
	startPeer(t, server, cdc, true)
	m := newTestManager(t, ManagerConfig{Codec: cdc, Dial: func(context.Context, string) (net.Conn, error) {
		return client, nil
	}})
	require.NoError(t, m.Connect(context.Background(), "tok"))
	defer m.Disconnect()

	err := m.Connect(context.Background(), "tok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect not allowed")
}

func TestManagerSendRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	cdc := testCodec(t)
	peer := startPeer(t, server, cdc, true)
	m := newTestManager(t, ManagerConfig{Codec: cdc, Dial: func(context.Context, string) (net.Conn, error) {
		return client, nil
	}})
	require.NoError(t, m.Connect(context.Background(), "tok"))
	defer m.Disconnect()

	require.NoError(t, m.Send(map[string]any{
		"type":   "task_update",
		"taskId": "T-42",
	}, codec.Options{}))

	msg := peer.waitFor(t, "task_update")
	assert.Contains(t, string(msg.Data), "T-42")
	assert.EqualValues(t, 1, m.MessagesSent())
}

func TestManagerSendWhenNotConnected(t *testing.T) {
	m := newTestManager(t, ManagerConfig{Dial: func(context.Context, string) (net.Conn, error) {
		return nil, errors.New("unused")
	}})
	err := m.Send(map[string]any{"type": "task_update"}, codec.Options{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestManagerDispatchesByMessageType(t *testing.T) {
	client, server := net.Pipe()
	cdc := testCodec(t)
	peer := startPeer(t, server, cdc, true)
	m := newTestManager(t, ManagerConfig{Codec: cdc, Dial: func(context.Context, string) (net.Conn, error) {
		return client, nil
	}})

	got := make(chan *codec.Message, 1)
	m.Handle("task_update", func(msg *codec.Message) { got <- msg })

	require.NoError(t, m.Connect(context.Background(), "tok"))
	defer m.Disconnect()
	waitEvent(t, m.Events(), EventOpened)

	// A type with no handler is dropped without side effects.
	peer.sendApp(t, map[string]any{"type": "presence_update", "userId": "u9"})
	peer.sendApp(t, map[string]any{"type": "task_update", "taskId": "T-7"})

	select {
	case msg := <-got:
		assert.Equal(t, "task_update", msg.Type)
		assert.Contains(t, string(msg.Data), "T-7")
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}
	assert.Empty(t, got)
}

func TestManagerRepliesToServerPing(t *testing.T) {
	client, server := net.Pipe()
	cdc := testCodec(t)
	peer := startPeer(t, server, cdc, false)
	m := newTestManager(t, ManagerConfig{Codec: cdc, Dial: func(context.Context, string) (net.Conn, error) {
		return client, nil
	}})
	require.NoError(t, m.Connect(context.Background(), "tok"))
	defer m.Disconnect()
	waitEvent(t, m.Events(), EventOpened)

	require.NoError(t, wsutil.WriteServerMessage(server, ws.OpText, cdc.SystemFrame(codec.SystemPing)))
	msg := peer.waitFor(t, codec.SystemPong)
	assert.True(t, msg.System)
}

func TestManagerEmitsDecodeErrorAndStaysOpen(t *testing.T) {
	client, server := net.Pipe()
	cdc := testCodec(t)
	startPeer(t, server, cdc, true)
	m := newTestManager(t, ManagerConfig{Codec: cdc, Dial: func(context.Context, string) (net.Conn, error) {
		return client, nil
	}})
	require.NoError(t, m.Connect(context.Background(), "tok"))
	defer m.Disconnect()
	waitEvent(t, m.Events(), EventOpened)

	require.NoError(t, wsutil.WriteServerMessage(server, ws.OpText, []byte("not a frame")))

	ev := waitEvent(t, m.Events(), EventDecodeError)
	require.Error(t, ev.Err)
	assert.Equal(t, StateOpen, m.State())
}

func TestManagerReconnectsAfterConnectionLoss(t *testing.T) {
	cdc := testCodec(t)
	client1, server1 := net.Pipe()
	client2, server2 := net.Pipe()
	startPeer(t, server1, cdc, true)
	startPeer(t, server2, cdc, true)

	dialer := &scriptDialer{next: func(attempt int) (net.Conn, error) {
		if attempt == 1 {
			return client1, nil
		}
		return client2, nil
	}}

	m := newTestManager(t, ManagerConfig{Codec: cdc, Dial: dialer.dial})
	require.NoError(t, m.Connect(context.Background(), "tok"))
	defer m.Disconnect()
	waitEvent(t, m.Events(), EventOpened)

	server1.Close()

	waitEvent(t, m.Events(), EventClosed)
	waitEvent(t, m.Events(), EventOpened)
	assert.Equal(t, StateOpen, m.State())
	assert.Equal(t, 2, dialer.count())
}

func TestManagerReconnectExhaustionThenManualRetry(t *testing.T) {
	cdc := testCodec(t)
	client1, server1 := net.Pipe()
	client2, server2 := net.Pipe()
	startPeer(t, server1, cdc, true)
	startPeer(t, server2, cdc, true)

	dialer := &scriptDialer{next: func(attempt int) (net.Conn, error) {
		switch attempt {
		case 1:
			return client1, nil
		case 5:
			return client2, nil
		default:
			return nil, errors.New("connection refused")
		}
	}}

	m := newTestManager(t, ManagerConfig{Codec: cdc, Dial: dialer.dial, MaxReconnectAttempts: 3})
	require.NoError(t, m.Connect(context.Background(), "tok"))
	waitEvent(t, m.Events(), EventOpened)

	server1.Close()

	waitEvent(t, m.Events(), EventClosed)
	lossAt := time.Now()
	ev := waitEvent(t, m.Events(), EventFailed)
	// Three attempts, each preceded by the fixed interval wait.
	assert.GreaterOrEqual(t, time.Since(lossAt), 3*m.cfg.ReconnectInterval)
	assert.Equal(t, 3, ev.Attempt)
	assert.Equal(t, StateClosed, m.State())
	assert.Equal(t, 4, dialer.count())

	// Closed is terminal for the automatic loop but Connect may be called
	// again by the caller.
	require.NoError(t, m.Connect(context.Background(), "tok"))
	defer m.Disconnect()
	waitEvent(t, m.Events(), EventOpened)
	assert.Equal(t, StateOpen, m.State())
}

func TestManagerDisconnectIsIdempotent(t *testing.T) {
	cdc := testCodec(t)
	client, server := net.Pipe()
	startPeer(t, server, cdc, true)
	dialer := &scriptDialer{next: func(int) (net.Conn, error) { return client, nil }}

	m := newTestManager(t, ManagerConfig{Codec: cdc, Dial: dialer.dial})
	require.NoError(t, m.Connect(context.Background(), "tok"))
	waitEvent(t, m.Events(), EventOpened)

	m.Disconnect()
	m.Disconnect()

	waitEvent(t, m.Events(), EventDisconnected)
	assert.Equal(t, StateClosed, m.State())

	// A manual disconnect must not feed the reconnect loop.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, dialer.count())

	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected second event after disconnect: %s", ev.Type)
	default:
	}
}

func TestManagerHeartbeatTimeoutForcesReconnect(t *testing.T) {
	cdc := testCodec(t)
	client, server := net.Pipe()
	// Peer consumes probes but never answers them.
	startPeer(t, server, cdc, false)

	dialer := &scriptDialer{next: func(attempt int) (net.Conn, error) {
		if attempt == 1 {
			return client, nil
		}
		return nil, errors.New("connection refused")
	}}

	m := newTestManager(t, ManagerConfig{
		Codec:                cdc,
		Dial:                 dialer.dial,
		MaxReconnectAttempts: 1,
		ReconnectInterval:    5 * time.Millisecond,
		HeartbeatInterval:    20 * time.Millisecond,
		HeartbeatTimeout:     10 * time.Millisecond,
	})
	require.NoError(t, m.Connect(context.Background(), "tok"))
	waitEvent(t, m.Events(), EventOpened)

	ev := waitEvent(t, m.Events(), EventClosed)
	assert.ErrorIs(t, ev.Err, ErrHeartbeatTimeout)

	waitEvent(t, m.Events(), EventFailed)
	assert.Equal(t, StateClosed, m.State())
}

func TestManagerHeartbeatPongKeepsConnectionAlive(t *testing.T) {
	cdc := testCodec(t)
	client, server := net.Pipe()
	startPeer(t, server, cdc, true)

	m := newTestManager(t, ManagerConfig{
		Codec:             cdc,
		Dial:              func(context.Context, string) (net.Conn, error) { return client, nil },
		HeartbeatInterval: 15 * time.Millisecond,
		HeartbeatTimeout:  10 * time.Millisecond,
	})
	require.NoError(t, m.Connect(context.Background(), "tok"))
	defer m.Disconnect()
	waitEvent(t, m.Events(), EventOpened)

	// Several probe cycles pass; the answering peer keeps the link open.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StateOpen, m.State())
}

func TestManagerRejectsBadConfig(t *testing.T) {
	_, err := NewManager(ManagerConfig{Codec: testCodec(t)})
	assert.Error(t, err)

	_, err = NewManager(ManagerConfig{URL: "ws://x"})
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.True(t, strings.Contains(StateOpen.String(), "open"))
}
