// Package gateway implements the realtime connection layer: the connection
// registry, per-user limits, heartbeat liveness, retrying unicast and
// broadcast delivery, and the websocket transport fronting it all.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/ratelimit"
	"github.com/haasonsaas/relay/internal/retry"
	"github.com/haasonsaas/relay/pkg/models"
)

// RFC 6455 close codes used by the manager.
const (
	closeNormal          = 1000
	closeGoingAway       = 1001
	closePolicyViolation = 1008
	closeInternalError   = 1011
)

// Removal reasons surfaced in logs and metrics.
const (
	reasonHeartbeatTimeout = "heartbeat timeout"
	reasonSendFailed       = "send failed"
	reasonLimitEvicted     = string(models.ErrLimitEvicted)
	reasonServerShutdown   = "server shutdown"
	reasonClientDisconnect = "client disconnect"
)

var (
	// ErrManagerClosed is returned when registering against a manager that
	// has been shut down.
	ErrManagerClosed = errors.New("connection manager is shut down")
	// ErrChannelClosed is returned when a send hits a transport that is not
	// open. No retry can fix a closed socket.
	ErrChannelClosed = errors.New("channel is not open")
)

// Config configures the connection manager.
type Config struct {
	// MaxConnectionsPerUser bounds live connections per user; registering
	// past the limit evicts that user's oldest connection.
	MaxConnectionsPerUser int `yaml:"max_connections_per_user"`
	// HeartbeatInterval is the ping cadence per connection.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// HeartbeatTimeout is the liveness deadline measured from the last ping.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	// MaxRetryAttempts is the per-connection send attempt limit.
	MaxRetryAttempts int `yaml:"max_retry_attempts"`
	// RetryDelay is the initial backoff between send attempts.
	RetryDelay time.Duration `yaml:"retry_delay"`
	// MaxMessageBytes bounds one encoded outbound message.
	MaxMessageBytes int `yaml:"max_message_bytes"`
	// RateLimit configures the per-connection inbound window.
	RateLimit ratelimit.Config `yaml:"rate_limit"`
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerUser: 5,
		HeartbeatInterval:     30 * time.Second,
		HeartbeatTimeout:      60 * time.Second,
		MaxRetryAttempts:      3,
		RetryDelay:            100 * time.Millisecond,
		MaxMessageBytes:       defaultMaxMessageBytes,
		RateLimit:             ratelimit.DefaultConfig(),
	}
}

// InboundHandler consumes client messages that pass rate limiting and
// decoding. The manager owns delivery; the handler owns meaning.
type InboundHandler func(ctx context.Context, conn *Connection, msg *Message)

// Stats is the aggregate statistics surface.
type Stats struct {
	TotalConnections    int64          `json:"total_connections"`
	ActiveConnections   int            `json:"active_connections"`
	ActiveUsers         int            `json:"active_users"`
	MessagesSent        int64          `json:"messages_sent"`
	MessagesReceived    int64          `json:"messages_received"`
	Errors              int64          `json:"errors"`
	ConnectionFailures  int64          `json:"connection_failures"`
	RateLimitedRequests int64          `json:"rate_limited_requests"`
	ConnectionsByUser   map[string]int `json:"connections_by_user"`
}

// Manager owns the registry of all connections. It is constructed once at
// process start, injected into callers, and torn down at shutdown; the
// registry mutex is never held across network I/O.
type Manager struct {
	config  Config
	logger  *slog.Logger
	metrics *observability.Metrics
	limiter *ratelimit.Limiter
	inbound InboundHandler

	mu     sync.Mutex
	byID   map[uint64]*Connection
	byUser map[string][]*Connection
	closed bool

	nextID atomic.Uint64

	totalConnections   atomic.Int64
	messagesSent       atomic.Int64
	messagesReceived   atomic.Int64
	sendErrors         atomic.Int64
	connectionFailures atomic.Int64
	rateLimited        atomic.Int64

	now func() time.Time
}

// NewManager constructs the connection manager. Metrics may be nil.
func NewManager(cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxConnectionsPerUser <= 0 {
		cfg.MaxConnectionsPerUser = def.MaxConnectionsPerUser
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = def.MaxRetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = def.MaxMessageBytes
	}

	return &Manager{
		config:  cfg,
		logger:  logger,
		metrics: metrics,
		limiter: ratelimit.NewLimiter(cfg.RateLimit),
		byID:    make(map[uint64]*Connection),
		byUser:  make(map[string][]*Connection),
		now:     time.Now,
	}
}

// SetInboundHandler installs the consumer for client messages. Must be
// called before connections are registered.
func (m *Manager) SetInboundHandler(handler InboundHandler) {
	m.inbound = handler
}

// Register admits an authenticated connection: enforce the per-user limit
// (evicting that user's oldest connection if needed), assign a
// process-unique id, start the heartbeat, and send the connection
// established system message.
func (m *Manager) Register(ctx context.Context, userID string, ch Channel, exec *models.ExecutionContext) (*Connection, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}

	var victim *Connection
	if list := m.byUser[userID]; len(list) >= m.config.MaxConnectionsPerUser {
		victim = list[0]
		m.removeLocked(victim)
	}

	conn := newConnection(m.nextID.Add(1), userID, ch, exec, m.now())
	m.byID[conn.ID] = conn
	m.byUser[userID] = append(m.byUser[userID], conn)
	m.mu.Unlock()

	if victim != nil {
		m.logger.Info("evicting oldest connection over per-user limit",
			"user_id", userID, "evicted_connection_id", victim.ID)
		m.connectionFailures.Add(1)
		if m.metrics != nil {
			m.metrics.ConnectionFailures.WithLabelValues("limit_evicted").Inc()
		}
		m.teardown(victim, reasonLimitEvicted, closePolicyViolation)
	}

	m.totalConnections.Add(1)
	if m.metrics != nil {
		m.metrics.ConnectionsTotal.Inc()
		m.metrics.ActiveConnections.Inc()
	}

	m.startHeartbeat(conn)

	established := NewSystemMessage(TypeEstablished, map[string]any{
		"connection_id": strconv.FormatUint(conn.ID, 10),
	})
	established.stamp(m.now())
	if err := m.sendToConnection(ctx, conn, established, false); err != nil {
		m.logger.Warn("failed to send connection established message",
			"connection_id", conn.ID, "error", err)
	}

	m.logger.Info("connection registered",
		"connection_id", conn.ID, "user_id", userID)
	return conn, nil
}

// Unregister removes a connection with a normal close.
func (m *Manager) Unregister(conn *Connection, reason string) {
	if conn == nil {
		return
	}
	m.mu.Lock()
	m.removeLocked(conn)
	m.mu.Unlock()
	m.teardown(conn, reason, closeNormal)
}

// removeLocked drops a connection from both registry structures. The
// invariant: a connection is in both maps or in neither.
func (m *Manager) removeLocked(conn *Connection) {
	if _, ok := m.byID[conn.ID]; !ok {
		return
	}
	delete(m.byID, conn.ID)
	list := m.byUser[conn.UserID]
	for i, c := range list {
		if c.ID == conn.ID {
			m.byUser[conn.UserID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(m.byUser[conn.UserID]) == 0 {
		delete(m.byUser, conn.UserID)
	}
}

// teardown finishes a removal: stop the heartbeat, close the transport,
// drop rate-limit state. Idempotent via the state transition.
func (m *Manager) teardown(conn *Connection, reason string, closeCode int) {
	if !conn.transition(StateConnected, StateDisconnecting) {
		return
	}
	if conn.cancelHeartbeat != nil {
		conn.cancelHeartbeat()
	}
	select {
	case <-conn.heartbeatDone:
	case <-time.After(5 * time.Second):
		m.logger.Warn("heartbeat did not stop in time", "connection_id", conn.ID)
	}

	if err := conn.channel.Close(closeCode, reason); err != nil {
		m.logger.Debug("channel close", "connection_id", conn.ID, "error", err)
	}
	conn.state.Store(int32(StateDisconnected))
	m.limiter.Reset(rateLimitKey(conn))
	if m.metrics != nil {
		m.metrics.ActiveConnections.Dec()
	}
	m.logger.Info("connection removed",
		"connection_id", conn.ID, "user_id", conn.UserID, "reason", reason)
}

// startHeartbeat spawns the per-connection heartbeat task. Cancellation is a
// normal exit; liveness failure triggers unregistration.
func (m *Manager) startHeartbeat(conn *Connection) {
	ctx, cancel := context.WithCancel(context.Background())
	conn.cancelHeartbeat = cancel
	go func() {
		dead := m.heartbeatLoop(ctx, conn)
		close(conn.heartbeatDone)
		if dead {
			m.connectionFailures.Add(1)
			if m.metrics != nil {
				m.metrics.ConnectionFailures.WithLabelValues("heartbeat_timeout").Inc()
			}
			m.mu.Lock()
			m.removeLocked(conn)
			m.mu.Unlock()
			m.teardown(conn, reasonHeartbeatTimeout, closeGoingAway)
		}
	}()
}

// heartbeatLoop pings the peer every interval and checks liveness after
// each ping. Returns true when the connection failed liveness.
func (m *Manager) heartbeatLoop(ctx context.Context, conn *Connection) bool {
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			ping := NewSystemMessage(TypePing, map[string]any{
				"connection_id": strconv.FormatUint(conn.ID, 10),
			})
			ping.stamp(m.now())
			conn.markPingSent(m.now())
			if err := m.sendToConnection(ctx, conn, ping, false); err != nil && ctx.Err() != nil {
				// Cancelled mid-ping: normal shutdown.
				return false
			}
			if !conn.Alive(m.now(), m.config.HeartbeatTimeout) {
				return true
			}
		}
	}
}

// sendToConnection delivers one message over a single connection, retrying
// transient transport errors with backoff when withRetry is set. A closed
// transport fails immediately; close/cancel errors are terminal.
func (m *Manager) sendToConnection(ctx context.Context, conn *Connection, msg *Message, withRetry bool) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	policy := retry.Policy{
		MaxAttempts:  m.config.MaxRetryAttempts,
		InitialDelay: m.config.RetryDelay,
		MaxDelay:     10 * m.config.RetryDelay,
		Factor:       2.0,
	}
	if !withRetry {
		policy.MaxAttempts = 1
	}

	result := policy.Do(ctx, func() error {
		if conn.State() != StateConnected || !conn.channel.Open() {
			return retry.Permanent(ErrChannelClosed)
		}
		if err := conn.channel.Send(ctx, data); err != nil {
			if isTerminalSendError(err) {
				return retry.Permanent(err)
			}
			conn.sendErrors.Add(1)
			m.sendErrors.Add(1)
			return err
		}
		return nil
	})
	if result.Err != nil {
		return result.Err
	}

	conn.messagesSent.Add(1)
	m.messagesSent.Add(1)
	return nil
}

// isTerminalSendError reports whether an error carries close or cancel
// semantics that no retry can fix.
func isTerminalSendError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
		return true
	}
	text := err.Error()
	return strings.Contains(text, "websocket: close") ||
		strings.Contains(text, "use of closed network connection")
}

// Send delivers a message to every live connection of one user. Returns
// true iff at least one connection received it.
func (m *Manager) Send(ctx context.Context, userID string, msg *Message) bool {
	if err := m.prepareOutbound(msg); err != nil {
		m.logger.Warn("rejected outbound message", "user_id", userID, "error", err)
		return false
	}

	m.mu.Lock()
	conns := append([]*Connection(nil), m.byUser[userID]...)
	m.mu.Unlock()

	delivered := false
	for _, conn := range conns {
		err := m.sendToConnection(ctx, conn, msg, true)
		if err == nil {
			delivered = true
			if m.metrics != nil {
				m.metrics.MessagesSent.WithLabelValues("unicast", "success").Inc()
			}
			continue
		}
		if m.metrics != nil {
			m.metrics.MessagesSent.WithLabelValues("unicast", "error").Inc()
		}
		m.cleanupIfDead(conn)
	}
	return delivered
}

// Broadcast delivers a message to a snapshot of all connections across all
// users, tolerating partial failure. One connection's failure never aborts
// delivery to the rest.
func (m *Manager) Broadcast(ctx context.Context, msg *Message) (successful, failed int) {
	if err := m.prepareOutbound(msg); err != nil {
		m.logger.Warn("rejected broadcast message", "error", err)
		return 0, 0
	}

	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.byID))
	for _, conn := range m.byID {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		if m.broadcastOne(ctx, conn, msg) {
			successful++
		} else {
			failed++
		}
	}
	if m.metrics != nil {
		m.metrics.MessagesSent.WithLabelValues("broadcast", "success").Add(float64(successful))
		m.metrics.MessagesSent.WithLabelValues("broadcast", "error").Add(float64(failed))
	}
	return successful, failed
}

// broadcastOne isolates a single connection's delivery, containing panics so
// one bad channel cannot abort the sweep.
func (m *Manager) broadcastOne(ctx context.Context, conn *Connection, msg *Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic during broadcast delivery",
				"connection_id", conn.ID, "panic", r)
			ok = false
		}
	}()

	if err := m.sendToConnection(ctx, conn, msg, true); err != nil {
		m.cleanupIfDead(conn)
		return false
	}
	return true
}

// prepareOutbound validates a caller-supplied message and stamps the
// delivery timestamp, preserving any caller-supplied one.
func (m *Manager) prepareOutbound(msg *Message) error {
	if err := msg.Validate(m.config.MaxMessageBytes); err != nil {
		m.sendErrors.Add(1)
		return err
	}
	msg.stamp(m.now())
	return nil
}

// cleanupIfDead unregisters a connection that failed delivery and then
// failed a liveness check.
func (m *Manager) cleanupIfDead(conn *Connection) {
	if conn.Alive(m.now(), m.config.HeartbeatTimeout) {
		return
	}
	m.connectionFailures.Add(1)
	if m.metrics != nil {
		m.metrics.ConnectionFailures.WithLabelValues("send_failed").Inc()
	}
	m.mu.Lock()
	m.removeLocked(conn)
	m.mu.Unlock()
	m.teardown(conn, reasonSendFailed, closeInternalError)
}

// HandleInbound processes one raw client frame: rate limit, decode, pong
// accounting, then dispatch to the installed handler.
func (m *Manager) HandleInbound(ctx context.Context, conn *Connection, raw []byte) {
	m.messagesReceived.Add(1)
	if m.metrics != nil {
		m.metrics.MessagesReceived.Inc()
	}

	if !m.limiter.Allow(rateLimitKey(conn)) {
		m.rateLimited.Add(1)
		if m.metrics != nil {
			m.metrics.RateLimited.Inc()
		}
		reject := NewErrorMessage(models.ErrRateLimitExceeded, "rate limit exceeded", nil)
		reject.stamp(m.now())
		_ = m.sendToConnection(ctx, conn, reject, false)
		return
	}

	msg, err := DecodeMessage(raw)
	if err != nil {
		reject := NewErrorMessage(models.ErrInvalidFormat, "message could not be decoded", nil)
		reject.stamp(m.now())
		_ = m.sendToConnection(ctx, conn, reject, false)
		return
	}

	if msg.Type == TypePong {
		conn.MarkPongReceived(m.now())
		return
	}

	if m.inbound != nil {
		m.inbound(ctx, conn, msg)
	}
}

// Stats reports the aggregate counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	byUser := make(map[string]int, len(m.byUser))
	for user, list := range m.byUser {
		byUser[user] = len(list)
	}
	active := len(m.byID)
	users := len(m.byUser)
	m.mu.Unlock()

	return Stats{
		TotalConnections:    m.totalConnections.Load(),
		ActiveConnections:   active,
		ActiveUsers:         users,
		MessagesSent:        m.messagesSent.Load(),
		MessagesReceived:    m.messagesReceived.Load(),
		Errors:              m.sendErrors.Load(),
		ConnectionFailures:  m.connectionFailures.Load(),
		RateLimitedRequests: m.rateLimited.Load(),
		ConnectionsByUser:   byUser,
	}
}

// Shutdown drains all connections: stop heartbeats, close transports with a
// server-shutdown code, clear the registry atomically. Idempotent and safe
// with zero connections.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := make([]*Connection, 0, len(m.byID))
	for _, conn := range m.byID {
		conns = append(conns, conn)
	}
	m.byID = make(map[uint64]*Connection)
	m.byUser = make(map[string][]*Connection)
	m.mu.Unlock()

	for _, conn := range conns {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		m.teardown(conn, reasonServerShutdown, closeGoingAway)
	}

	m.logger.Info("connection manager shut down", "drained", len(conns))
	return nil
}

func rateLimitKey(conn *Connection) string {
	return strconv.FormatUint(conn.ID, 10)
}
