package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// State is the per-connection lifecycle state. Only connected connections
// are eligible for send and heartbeat; any other observed state during an
// operation means "not alive" and triggers cleanup rather than an error.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Channel is one physical duplex transport. The websocket implementation
// lives in ws.go; tests use an in-memory fake.
type Channel interface {
	// Send writes one encoded frame. Implementations must serialize
	// concurrent writers.
	Send(ctx context.Context, data []byte) error
	// Open reports whether the transport is in an open state.
	Open() bool
	// Close closes the transport with a status code and reason.
	Close(code int, reason string) error
}

// Connection is one live duplex channel plus its bookkeeping. It exists in
// exactly one registry slot and exactly one per-user list simultaneously, or
// in neither.
type Connection struct {
	ID      uint64
	UserID  string
	Exec    *models.ExecutionContext
	channel Channel

	ConnectedAt time.Time

	state atomic.Int32

	mu                 sync.Mutex
	lastPingSentAt     time.Time
	lastPongReceivedAt time.Time

	messagesSent atomic.Int64
	sendErrors   atomic.Int64

	cancelHeartbeat context.CancelFunc
	heartbeatDone   chan struct{}
}

func newConnection(id uint64, userID string, ch Channel, exec *models.ExecutionContext, now time.Time) *Connection {
	conn := &Connection{
		ID:            id,
		UserID:        userID,
		Exec:          exec,
		channel:       ch,
		ConnectedAt:   now,
		heartbeatDone: make(chan struct{}),
	}
	conn.state.Store(int32(StateConnected))
	return conn
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// transition moves from one state to another, reporting whether the swap
// happened.
func (c *Connection) transition(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// Alive reports whether the connection is usable: transport open, state
// connected, and the last heartbeat ping not older than the timeout.
func (c *Connection) Alive(now time.Time, heartbeatTimeout time.Duration) bool {
	if c.State() != StateConnected {
		return false
	}
	if !c.channel.Open() {
		return false
	}
	c.mu.Lock()
	lastPing := c.lastPingSentAt
	c.mu.Unlock()
	if lastPing.IsZero() {
		return true
	}
	return now.Sub(lastPing) <= heartbeatTimeout
}

// markPingSent stamps the last heartbeat ping time.
func (c *Connection) markPingSent(now time.Time) {
	c.mu.Lock()
	c.lastPingSentAt = now
	c.mu.Unlock()
}

// MarkPongReceived stamps the last pong time; called by the inbound path.
func (c *Connection) MarkPongReceived(now time.Time) {
	c.mu.Lock()
	c.lastPongReceivedAt = now
	c.mu.Unlock()
}

// LastPongReceivedAt returns the last observed pong time.
func (c *Connection) LastPongReceivedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPongReceivedAt
}

// MessagesSent returns the delivery counter.
func (c *Connection) MessagesSent() int64 {
	return c.messagesSent.Load()
}

// SendErrors returns the send error counter.
func (c *Connection) SendErrors() int64 {
	return c.sendErrors.Load()
}
