package realtime

import "time"

// EventType identifies a connection lifecycle event.
type EventType string

const (
	// EventOpened fires when the connection reaches the open state, both on
	// the initial connect and after a successful reconnect.
	EventOpened EventType = "connection_opened"

	// EventClosed fires on an unexpected socket close before the reconnect
	// path takes over.
	EventClosed EventType = "connection_closed"

	// EventFailed fires once reconnect attempts are exhausted. The manager
	// settles in the closed state; callers must re-initiate manually.
	EventFailed EventType = "connection_failed"

	// EventDisconnected fires on a manual Disconnect.
	EventDisconnected EventType = "connection_disconnected"

	// EventDecodeError fires when an inbound frame is dropped because it
	// could not be decoded. The connection stays up.
	EventDecodeError EventType = "decode_error"
)

// Event is delivered to observers on the manager's event channel. Failures
// are reported this way rather than thrown across the module boundary.
type Event struct {
	Type      EventType
	Err       error
	Attempt   int
	Timestamp time.Time
}
