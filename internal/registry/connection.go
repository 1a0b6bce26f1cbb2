package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/odin-rt/notifier/internal/monitoring"
)

// Connection states.
const (
	StateOpen int32 = iota
	StateClosing
	StateClosed
)

// Close reasons recorded in logs and metrics.
const (
	ReasonLimitExceeded  = "connection limit exceeded"
	ReasonIdleTimeout    = "idle timeout"
	ReasonReadError      = "read error"
	ReasonServerShutdown = "server shutdown"
	ReasonClientClose    = "client close"
)

// Socket abstracts the transport under a registered connection. Production
// sockets wrap a WebSocket connection; tests inject fakes.
type Socket interface {
	// WriteFrame writes one serialized data frame.
	WriteFrame(data []byte) error
	// WritePing writes a ping control frame.
	WritePing() error
	// Close closes the transport, carrying the reason to the peer when the
	// protocol supports it.
	Close(reason string) error
}

// Conn is a live registered connection. A Conn belongs to exactly one user
// and is owned by the Registry from Register until Unregister.
type Conn struct {
	userID string
	sock   Socket
	send   chan []byte

	state        atomic.Int32
	lastActivity atomic.Int64 // unix nanos
	connectedAt  time.Time

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(userID string, sock Socket, sendBuffer int) *Conn {
	c := &Conn{
		userID:      userID,
		sock:        sock,
		send:        make(chan []byte, sendBuffer),
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}
	c.lastActivity.Store(time.Now().UnixNano())
	return c
}

// UserID returns the owning user.
func (c *Conn) UserID() string {
	return c.userID
}

// State returns the current connection state.
func (c *Conn) State() int32 {
	return c.state.Load()
}

// Touch refreshes the last-activity timestamp. Called from the read pump for
// every inbound frame, pongs and data frames alike; any traffic resets the
// idle clock.
func (c *Conn) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns when the connection last saw inbound traffic.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Done is closed when the connection has been closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// close transitions to CLOSED and closes the transport exactly once. The
// transport close error is returned for logging but the state transition
// happens regardless, so bookkeeping never drifts from reality. The
// disconnect counter is tied to the once: a connection closed twice (evicted
// and then observed dead by its read pump, say) counts one disconnect under
// the first close's reason.
func (c *Conn) close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(StateClosing)
		err = c.sock.Close(reason)
		c.state.Store(StateClosed)
		monitoring.DisconnectsTotal.WithLabelValues(reason).Inc()
		close(c.done)
	})
	return err
}

// Send pushes a serialized frame onto this connection's write pump without
// blocking. Used by the read pump for replies that must land on this exact
// connection rather than fanning out to all of the user's connections.
func (c *Conn) Send(data []byte) bool {
	return c.enqueue(data)
}

// enqueue pushes a serialized frame to the write pump without blocking.
// Returns false if the connection is not open or its buffer is full.
func (c *Conn) enqueue(data []byte) bool {
	if c.state.Load() != StateOpen {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// writePump drains the send channel onto the socket and emits a ping frame
// every heartbeat interval. One pump per connection; it exits when the
// connection is closed or a write fails.
func (r *Registry) writePump(c *Conn) {
	defer monitoring.RecoverPanic(r.logger, "writePump", map[string]any{
		"user_id": c.userID,
	})

	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case data := <-c.send:
			if err := c.sock.WriteFrame(data); err != nil {
				r.logger.Debug().
					Err(err).
					Str("user_id", c.userID).
					Msg("Write failed, closing connection")
				r.Disconnect(c, ReasonReadError)
				return
			}

		case <-ticker.C:
			if err := c.sock.WritePing(); err != nil {
				r.logger.Debug().
					Err(err).
					Str("user_id", c.userID).
					Msg("Ping failed, closing connection")
				r.Disconnect(c, ReasonReadError)
				return
			}
		}
	}
}
