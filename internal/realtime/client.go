package realtime

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Client is one accepted WebSocket connection on the hub side.
type Client struct {
	id          int64
	userID      string
	conn        net.Conn
	send        chan []byte
	done        chan struct{}
	limiter     *rate.Limiter
	connectedAt time.Time
	closed      atomic.Bool
	closeOnce   sync.Once
}

// ID returns the hub-assigned connection ID.
func (c *Client) ID() int64 { return c.id }

// UserID returns the authenticated user from the connection token.
func (c *Client) UserID() string { return c.userID }

// enqueue hands an already-encoded frame to the write pump without blocking.
// Returns false when the buffer is full or the client is closing; the frame
// is dropped in both cases.
func (c *Client) enqueue(frame []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}
