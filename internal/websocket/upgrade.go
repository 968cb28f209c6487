package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"cardroom/railbird/internal/audit"
	"cardroom/railbird/pkg/api/railbird"
	"cardroom/railbird/pkg/auth"
	"cardroom/railbird/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Gateway owns the websocket endpoint: it authenticates upgrades, admits
// connections into the hub, and runs each connection's read loop.
type Gateway struct {
	hub        *Hub
	dispatcher *Dispatcher
	verifier   auth.Verifier
	audit      audit.Sink
	logger     logging.Logger
}

// NewGateway builds the upgrade handler around an existing hub and
// dispatcher.
func NewGateway(hub *Hub, dispatcher *Dispatcher, verifier auth.Verifier, sink audit.Sink, logger logging.Logger) *Gateway {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Gateway{
		hub:        hub,
		dispatcher: dispatcher,
		verifier:   verifier,
		audit:      sink,
		logger:     logger,
	}
}

// HandleWebSocket upgrades an HTTP request into a gateway session.
// Authentication and admission failures close the fresh socket with a
// policy violation so the client can read the reason from the close
// frame.
func (g *Gateway) HandleWebSocket(c *gin.Context) {
	token := c.Query("token")
	tableID := c.Query("tableId")
	compression := !strings.EqualFold(c.Query("compression"), "off")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	if token == "" || tableID == "" {
		g.reject(ws, websocket.ClosePolicyViolation, railbird.CloseReasonMissingParams)
		return
	}

	principal, err := g.verifier.Verify(token)
	if err != nil {
		g.logger.WithFields(logging.Fields{
			"table_id": tableID,
			"error":    err.Error(),
		}).Warn("Rejected connection with invalid token")
		g.reject(ws, websocket.ClosePolicyViolation, railbird.CloseReasonInvalidToken)
		return
	}

	// The token role is authoritative. Query flags can only narrow a
	// player down to a spectator, never widen.
	eff := *principal
	if requestsSpectator(c) && eff.Role == auth.RolePlayer {
		eff.Role = auth.RoleSpectator
	}

	conn, reconnected, err := g.hub.AddConnection(eff, ws, tableID, compression)
	if err != nil {
		code := websocket.ClosePolicyViolation
		reason := err.Error()
		switch {
		case errors.Is(err, ErrRegistryInconsistent):
			code = websocket.CloseInternalServerErr
			reason = railbird.CloseReasonConnectionFailed
		case errors.Is(err, ErrHubClosed):
			reason = railbird.CloseReasonConnectionFailed
		}
		g.reject(ws, code, reason)
		return
	}

	g.audit.Login(eff.UserID, eff.Username, eff.Role, tableID)

	// A rebound session already got reconnection_successful from the
	// hub; only brand-new sessions are welcomed.
	if !reconnected {
		hints := g.hub.Config().RetryHints()
		welcome, err := railbird.NewFrame(railbird.TypeConnectionEstablished, railbird.ConnectionEstablishedPayload{
			PlayerID:      eff.UserID,
			Username:      eff.Username,
			TableID:       tableID,
			Role:          eff.Role,
			RetryPolicies: &hints,
		})
		if err == nil {
			conn.Enqueue(welcome)
		}
	}

	go g.readPump(conn, ws)
}

// reject closes a socket that never made it into the pool.
func (g *Gateway) reject(ws *websocket.Conn, code int, reason string) {
	sendCloseFrame(ws, code, reason)
	ws.Close()
}

func requestsSpectator(c *gin.Context) bool {
	return strings.EqualFold(c.Query("spectator"), "true") ||
		strings.EqualFold(c.Query("role"), auth.RoleSpectator)
}

// readPump drains inbound frames for one socket and hands them to the
// dispatcher in arrival order. It exits when the socket dies; the hub
// then decides between a grace window and plain teardown. The read
// deadline is a loose backstop only, liveness is tracked through
// application-level pings.
func (g *Gateway) readPump(conn *Connection, ws *websocket.Conn) {
	defer func() {
		g.hub.HandleSocketClosed(conn, ws)
		ws.Close()
	}()

	readWait := 2 * g.hub.Config().ConnectionTimeout
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(readWait))

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				g.logger.WithFields(logging.Fields{
					"conn_id":   conn.ID,
					"player_id": conn.Principal.UserID,
					"error":     err.Error(),
				}).Warn("WebSocket read error")
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(readWait))

		// Frames that race a close or a rebind are discarded with the
		// stale socket.
		if !conn.isCurrentSocket(ws) {
			return
		}

		conn.touch(g.hub.Config().IdleTimeout)
		conn.recordInbound(len(data))

		frame, err := railbird.DecodeFrame(data)
		if err != nil {
			g.dispatcher.sendError(conn, railbird.ErrMsgInvalidFormat)
			continue
		}

		g.dispatcher.Dispatch(context.Background(), conn, frame)
	}
}
