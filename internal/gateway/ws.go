package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

const defaultWriteTimeout = 10 * time.Second

// wsChannel adapts a gorilla websocket connection to the Channel interface.
// Gorilla permits one concurrent writer, so writes are serialized here.
type wsChannel struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  atomic.Bool
}

func newWSChannel(conn *websocket.Conn, writeTimeout time.Duration) *wsChannel {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &wsChannel{conn: conn, writeTimeout: writeTimeout}
}

func (c *wsChannel) Send(ctx context.Context, data []byte) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsChannel) Open() bool {
	return !c.closed.Load()
}

func (c *wsChannel) Close(code int, reason string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.writeMu.Lock()
	deadline := time.Now().Add(c.writeTimeout)
	_ = c.conn.SetWriteDeadline(deadline)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	c.writeMu.Unlock()

	return c.conn.Close()
}

// Handler serves the websocket endpoint. The handshake is authenticated
// before the connection is admitted; failures are answered with a single
// error frame followed by a policy-violation close.
type Handler struct {
	auth     *auth.Gateway
	manager  *Manager
	logger   *slog.Logger
	metrics  *observability.Metrics
	upgrader websocket.Upgrader

	writeTimeout time.Duration
}

// NewHandler constructs the websocket endpoint handler. Metrics may be nil.
func NewHandler(gw *auth.Gateway, manager *Manager, logger *slog.Logger, metrics *observability.Metrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		auth:    gw,
		manager: manager,
		logger:  logger,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		writeTimeout: defaultWriteTimeout,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hs := auth.HandshakeFromRequest(r)
	result, exec := h.auth.Authenticate(r.Context(), hs)
	if h.metrics != nil {
		kind := "success"
		if !result.Success {
			kind = string(result.ErrorKind)
		}
		h.metrics.AuthResults.WithLabelValues(kind).Inc()
		h.metrics.BreakerState.Set(observability.BreakerStateValue(h.auth.Breaker().Stats().State))
	}

	// Browser clients carry the token in a subprotocol and abort unless the
	// server echoes one back, so negotiate before upgrading.
	upgrader := h.upgrader
	if proto := selectSubprotocol(hs.Subprotocols); proto != "" {
		upgrader.Subprotocols = []string{proto}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	ch := newWSChannel(conn, h.writeTimeout)

	if !result.Success {
		h.logger.Warn("rejecting unauthenticated connection",
			"error_kind", string(result.ErrorKind))
		h.rejectChannel(r.Context(), ch, result.ErrorKind, result.ErrorMessage)
		return
	}

	registered, err := h.manager.Register(r.Context(), result.UserID, ch, exec)
	if err != nil {
		h.logger.Warn("connection registration failed",
			"user_id", result.UserID, "error", err)
		h.rejectChannel(r.Context(), ch, models.ErrInvalidSocketState, "connection could not be registered")
		return
	}

	conn.SetReadLimit(int64(h.manager.config.MaxMessageBytes))
	h.readPump(registered, ch)
}

func (h *Handler) rejectChannel(ctx context.Context, ch *wsChannel, kind models.ErrorKind, errText string) {
	frame := NewErrorMessage(kind, errText, nil)
	frame.stamp(time.Now())
	if data, err := frame.Encode(); err == nil {
		_ = ch.Send(ctx, data)
	}
	_ = ch.Close(closePolicyViolation, "authentication failed")
}

// readPump consumes client frames until the peer disconnects, then
// unregisters the connection.
func (h *Handler) readPump(conn *Connection, ch *wsChannel) {
	defer func() {
		ch.closed.Store(true)
		h.manager.Unregister(conn, reasonClientDisconnect)
	}()

	// Inbound handlers see the identity the connection authenticated with.
	ctx := auth.WithExecutionContext(context.Background(), conn.Exec)
	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read ended",
					"connection_id", conn.ID, "error", err)
			}
			return
		}
		h.manager.HandleInbound(ctx, conn, data)
	}
}

// selectSubprotocol echoes the client's token-bearing subprotocol, if any.
func selectSubprotocol(offered []string) string {
	for _, proto := range offered {
		if strings.HasPrefix(proto, "jwt.") {
			return proto
		}
	}
	return ""
}
