package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"cardroom/railbird/pkg/api/railbird"
	"cardroom/railbird/pkg/auth"
	"cardroom/railbird/pkg/logging"

	"github.com/gorilla/websocket"
)

// MockGatewayServer provides a mock Railbird gateway for testing clients
// without a hub. It authenticates the way the real gateway does (token and
// tableId query parameters), answers with a welcome frame, and confirms
// subscriptions so client state machines can be exercised.
type MockGatewayServer struct {
	server      *httptest.Server
	upgrader    websocket.Upgrader
	logger      logging.Logger
	jwtHelper   *JWTTestHelper
	connections map[string]*MockConnection
	connMutex   sync.RWMutex
	framesChan  chan RecordedFrame

	// Callbacks for test customization
	OnConnect    func(conn *MockConnection, userID, tableID string)
	OnFrame      func(conn *MockConnection, frame railbird.Frame)
	OnDisconnect func(conn *MockConnection, userID, tableID string)
	AuthRequired bool
}

// MockConnection represents a mock gateway-side connection
type MockConnection struct {
	conn     *websocket.Conn
	userID   string
	username string
	role     string
	tableID  string
	frames   chan railbird.Frame
	closed   bool
	mutex    sync.RWMutex
}

// RecordedFrame is a client frame captured by the mock server
type RecordedFrame struct {
	UserID  string
	TableID string
	Frame   railbird.Frame
}

// NewMockGatewayServer creates a new mock gateway server
func NewMockGatewayServer() *MockGatewayServer {
	logger := logging.NewLogger()

	mock := &MockGatewayServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:       logger,
		jwtHelper:    NewJWTTestHelper(),
		connections:  make(map[string]*MockConnection),
		framesChan:   make(chan RecordedFrame, 100),
		AuthRequired: true,
	}

	handler := http.HandlerFunc(mock.handleWebSocket)
	mock.server = httptest.NewServer(handler)

	return mock
}

// NewMockGatewayServerWithAuth creates a mock server with a custom JWT helper
func NewMockGatewayServerWithAuth(jwtHelper *JWTTestHelper) *MockGatewayServer {
	server := NewMockGatewayServer()
	server.jwtHelper = jwtHelper
	return server
}

// URL returns the WebSocket URL of the mock server
func (m *MockGatewayServer) URL() string {
	return strings.Replace(m.server.URL, "http://", "ws://", 1) + "/ws"
}

// BaseURL returns the HTTP URL of the mock server
func (m *MockGatewayServer) BaseURL() string {
	return m.server.URL
}

// Close shuts down the mock server
func (m *MockGatewayServer) Close() {
	m.connMutex.Lock()
	defer m.connMutex.Unlock()

	for _, conn := range m.connections {
		conn.Close()
	}

	m.server.Close()
	close(m.framesChan)
}

// GetConnection returns the connection for a user id. The mock mirrors the
// real gateway in holding at most one session per principal.
func (m *MockGatewayServer) GetConnection(userID string) *MockConnection {
	m.connMutex.RLock()
	defer m.connMutex.RUnlock()
	return m.connections[userID]
}

// GetConnections returns all active connections
func (m *MockGatewayServer) GetConnections() map[string]*MockConnection {
	m.connMutex.RLock()
	defer m.connMutex.RUnlock()

	connections := make(map[string]*MockConnection)
	for k, v := range m.connections {
		connections[k] = v
	}
	return connections
}

// BroadcastFrame broadcasts a frame to all connections
func (m *MockGatewayServer) BroadcastFrame(frameType string, payload interface{}) error {
	frame, err := railbird.NewFrame(frameType, payload)
	if err != nil {
		return err
	}

	m.connMutex.RLock()
	defer m.connMutex.RUnlock()
	for _, conn := range m.connections {
		conn.SendFrame(*frame)
	}
	return nil
}

// SendFrameToUser sends a frame to a specific user
func (m *MockGatewayServer) SendFrameToUser(userID, frameType string, payload interface{}) error {
	frame, err := railbird.NewFrame(frameType, payload)
	if err != nil {
		return err
	}

	if conn := m.GetConnection(userID); conn != nil {
		conn.SendFrame(*frame)
	}
	return nil
}

// GetFrames returns the recorded client frames channel for testing
func (m *MockGatewayServer) GetFrames() <-chan RecordedFrame {
	return m.framesChan
}

func (m *MockGatewayServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var userID, username, role string

	tableID := r.URL.Query().Get("tableId")

	if m.AuthRequired {
		token := r.URL.Query().Get("token")
		if token == "" || tableID == "" {
			http.Error(w, railbird.CloseReasonMissingParams, http.StatusUnauthorized)
			return
		}

		claims, err := m.jwtHelper.ValidateJWT(token)
		if err != nil {
			m.logger.WithError(err).Warn("Invalid session token for WebSocket connection")
			http.Error(w, railbird.CloseReasonInvalidToken, http.StatusUnauthorized)
			return
		}

		userID = claims.UserID
		username = claims.Username
		role = claims.Role
	} else {
		userID = "test-player"
		username = "testplayer"
		role = auth.RolePlayer
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	mockConn := &MockConnection{
		conn:     conn,
		userID:   userID,
		username: username,
		role:     role,
		tableID:  tableID,
		frames:   make(chan railbird.Frame, 10),
		closed:   false,
	}

	m.connMutex.Lock()
	m.connections[userID] = mockConn
	m.connMutex.Unlock()

	hints := railbird.DefaultRetryPolicies()
	welcome, _ := railbird.NewFrame(railbird.TypeConnectionEstablished, railbird.ConnectionEstablishedPayload{
		PlayerID:      userID,
		Username:      username,
		TableID:       tableID,
		Role:          role,
		RetryPolicies: &hints,
	})
	mockConn.SendFrame(*welcome)

	if m.OnConnect != nil {
		m.OnConnect(mockConn, userID, tableID)
	}

	go mockConn.readPump(m)
	go mockConn.writePump(m)
}

// MockConnection methods

// SendFrame queues a frame for delivery to the client
func (c *MockConnection) SendFrame(frame railbird.Frame) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if !c.closed {
		select {
		case c.frames <- frame:
		default:
			// Channel full, drop frame
		}
	}
}

// Close closes the connection
func (c *MockConnection) Close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.closed {
		c.closed = true
		close(c.frames)
		c.conn.Close()
	}
}

// IsConnected returns whether the connection is active
func (c *MockConnection) IsConnected() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return !c.closed
}

// GetUserID returns the user ID for the connection
func (c *MockConnection) GetUserID() string {
	return c.userID
}

// GetTableID returns the table ID for the connection
func (c *MockConnection) GetTableID() string {
	return c.tableID
}

// GetRole returns the role for the connection
func (c *MockConnection) GetRole() string {
	return c.role
}

func (c *MockConnection) readPump(server *MockGatewayServer) {
	defer func() {
		server.connMutex.Lock()
		delete(server.connections, c.userID)
		server.connMutex.Unlock()

		if server.OnDisconnect != nil {
			server.OnDisconnect(c, c.userID, c.tableID)
		}

		c.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second)) //nolint:errcheck // test utility
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second)) //nolint:errcheck // test utility
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				server.logger.WithError(err).Error("Error reading WebSocket message")
			}
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second)) //nolint:errcheck // test utility

		frame, err := railbird.DecodeFrame(data)
		if err != nil {
			server.logger.WithError(err).Warn("Dropping undecodable client frame")
			continue
		}

		select {
		case server.framesChan <- RecordedFrame{UserID: c.userID, TableID: c.tableID, Frame: *frame}:
		default:
			// Channel full, drop frame
		}

		if server.OnFrame != nil {
			server.OnFrame(c, *frame)
		}

		c.handleFrame(*frame)
	}
}

func (c *MockConnection) writePump(server *MockGatewayServer) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.frames:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck // test utility
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck // test utility
				return
			}

			data, err := railbird.EncodeFrame(&frame)
			if err != nil {
				server.logger.WithError(err).Error("Error encoding frame")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				server.logger.WithError(err).Error("Error writing WebSocket message")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck // test utility
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame issues the scripted confirmations clients expect so their
// protocol state machines progress during tests.
func (c *MockConnection) handleFrame(frame railbird.Frame) {
	switch frame.Type {
	case railbird.TypePing:
		pong, _ := railbird.NewFrame(railbird.TypePong, nil)
		c.SendFrame(*pong)

	case railbird.TypeSubscribe:
		var payload railbird.SubscribePayload
		if err := frame.DecodePayload(&payload); err != nil {
			return
		}
		confirmed, _ := railbird.NewFrame(railbird.TypeSubscriptionConfirmed, railbird.SubscriptionConfirmedPayload{
			Channel:     payload.Channel,
			TableID:     payload.TableID,
			Permissions: []string{"read"},
		})
		c.SendFrame(*confirmed)

	case railbird.TypeUnsubscribe:
		var payload railbird.SubscribePayload
		if err := frame.DecodePayload(&payload); err != nil {
			return
		}
		confirmed, _ := railbird.NewFrame(railbird.TypeUnsubscriptionConfirmed, railbird.SubscribePayload{
			Channel: payload.Channel,
			TableID: payload.TableID,
		})
		c.SendFrame(*confirmed)

	case railbird.TypeChat:
		sent, _ := railbird.NewFrame(railbird.TypeChatSent, railbird.ChatSentPayload{
			MessageID: "mock-msg-1",
			Timestamp: time.Now().UnixMilli(),
		})
		c.SendFrame(*sent)
	}
}

// WebSocketTestClient is a raw frame-level test client. Unlike the full
// gateway client it does not flatten batches or auto-ack, so tests can
// assert the exact wire shape.
type WebSocketTestClient struct {
	conn   *websocket.Conn
	frames chan railbird.Frame
	errors chan error
	closed bool
	mutex  sync.RWMutex
	logger logging.Logger
}

// NewWebSocketTestClient connects to a gateway URL with the given session
// token and table id
func NewWebSocketTestClient(serverURL, token, tableID string) (*WebSocketTestClient, error) {
	logger := logging.NewLogger()

	wsURL := serverURL + "?token=" + token + "&tableId=" + tableID

	dialer := websocket.DefaultDialer
	conn, resp, err := dialer.Dial(wsURL, nil)
	if resp != nil {
		defer func() {
			_ = resp.Body.Close()
		}()
	}
	if err != nil {
		return nil, err
	}

	client := &WebSocketTestClient{
		conn:   conn,
		frames: make(chan railbird.Frame, 10),
		errors: make(chan error, 1),
		logger: logger,
	}

	go client.readPump()

	return client, nil
}

// SendFrame sends a frame to the server
func (c *WebSocketTestClient) SendFrame(frameType string, payload interface{}) error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if c.closed {
		return websocket.ErrCloseSent
	}

	frame, err := railbird.NewFrame(frameType, payload)
	if err != nil {
		return err
	}
	data, err := railbird.EncodeFrame(frame)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadFrame reads a frame from the server (blocking)
func (c *WebSocketTestClient) ReadFrame() (railbird.Frame, error) {
	select {
	case frame := <-c.frames:
		return frame, nil
	case err := <-c.errors:
		return railbird.Frame{}, err
	}
}

// ReadFrameTimeout reads a frame with timeout
func (c *WebSocketTestClient) ReadFrameTimeout(timeout time.Duration) (railbird.Frame, error) {
	select {
	case frame := <-c.frames:
		return frame, nil
	case err := <-c.errors:
		return railbird.Frame{}, err
	case <-time.After(timeout):
		return railbird.Frame{}, context.DeadlineExceeded
	}
}

// Close closes the client connection
func (c *WebSocketTestClient) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.closed {
		c.closed = true
		close(c.frames)
		close(c.errors)
		return c.conn.Close()
	}

	return nil
}

func (c *WebSocketTestClient) readPump() {
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				select {
				case c.errors <- err:
				default:
				}
			}
			break
		}

		frame, err := railbird.DecodeFrame(data)
		if err != nil {
			continue
		}

		select {
		case c.frames <- *frame:
		default:
			// Channel full, drop frame
		}
	}
}
