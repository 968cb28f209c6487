package railbird

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/gorilla/websocket"

	"cardroom/railbird/pkg/api/railbird"
	"cardroom/railbird/pkg/logging"
)

// ErrNotConnected is returned for sends attempted while the socket is down.
var ErrNotConnected = errors.New("client is not connected")

// Client is a WebSocket client for the Railbird gateway. It speaks the
// frame protocol: batches are flattened, compressed frames are inflated,
// and frames marked requiresAck are acknowledged automatically so senders
// see chat_delivered progress without caller involvement.
type Client struct {
	baseURL            string
	token              string
	tableID            string
	spectator          bool
	disableCompression bool
	pingInterval       time.Duration
	handshakeTimeout   time.Duration
	logger             logging.Logger

	conn      *websocket.Conn
	frameChan chan railbird.Frame
	stopChan  chan struct{}
	doneChan  chan struct{}
	closeOnce sync.Once

	mutex           sync.RWMutex
	writeMu         sync.Mutex
	connected       bool
	identity        *railbird.ConnectionEstablishedPayload
	sendPolicy      retrypolicy.RetryPolicy[any]
	reconnectPolicy retrypolicy.RetryPolicy[any]
	lastSeq         uint64
	reconnects      int
}

// Config represents the configuration for the Railbird client
type Config struct {
	BaseURL string
	Token   string
	TableID string

	// Spectator requests the read-only role regardless of token claims.
	Spectator bool

	// DisableCompression asks the gateway not to gzip large batches.
	DisableCompression bool

	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	Logger           logging.Logger
}

// FrameHandler represents a function that handles incoming frames
type FrameHandler func(frame railbird.Frame) error

// NewClient creates a new Railbird WebSocket client. Retry behavior starts
// from the published defaults and is replaced by whatever the welcome
// frame advertises.
func NewClient(config Config) *Client {
	if config.PingInterval == 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = logging.NewLogger()
	}

	hints := railbird.DefaultRetryPolicies()

	return &Client{
		baseURL:            config.BaseURL,
		token:              config.Token,
		tableID:            config.TableID,
		spectator:          config.Spectator,
		disableCompression: config.DisableCompression,
		pingInterval:       config.PingInterval,
		handshakeTimeout:   config.HandshakeTimeout,
		logger:             config.Logger,
		frameChan:          make(chan railbird.Frame, 100),
		sendPolicy:         retryPolicyFromHint(hints.Send),
		reconnectPolicy:    retryPolicyFromHint(hints.Reconnect),
	}
}

// retryPolicyFromHint builds a failsafe retry policy from a wire hint.
func retryPolicyFromHint(hint railbird.RetryPolicy) retrypolicy.RetryPolicy[any] {
	maxRetries := hint.MaxAttempts - 1
	if maxRetries < 0 {
		maxRetries = 0
	}

	builder := retrypolicy.NewBuilder[any]().
		WithBackoff(time.Duration(hint.InitialDelayMs)*time.Millisecond, time.Duration(hint.MaxDelayMs)*time.Millisecond).
		WithMaxRetries(maxRetries)
	if hint.Jitter {
		builder = builder.WithJitterFactor(0.1)
	}
	return builder.Build()
}

// Connect establishes a WebSocket connection to the gateway. The token and
// table id ride as query parameters; the server answers a fresh session
// with a connection_established frame and a grace-window rebind with
// reconnection_successful plus replay.
func (c *Client) Connect(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.connected {
		return fmt.Errorf("client is already connected")
	}

	wsURL, err := c.buildWebSocketURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect to WebSocket (status: %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.conn = conn
	c.connected = true
	c.stopChan = make(chan struct{})
	c.doneChan = make(chan struct{}, 1)

	go c.readPump(conn, c.stopChan, c.doneChan)
	go c.writePump(c.stopChan)

	c.logger.WithFields(logging.Fields{
		"table_id": c.tableID,
	}).Info("Connected to Railbird WebSocket")
	return nil
}

// Reconnect redials with backoff until the gateway accepts or the policy
// gives up. Within the grace window the server rebinds the session and
// replays missed updates on its own.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mutex.RLock()
	policy := c.reconnectPolicy
	c.mutex.RUnlock()

	_, err := failsafe.With(policy).WithContext(ctx).Get(func() (any, error) {
		return nil, c.Connect(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to reconnect: %w", err)
	}

	c.mutex.Lock()
	c.reconnects++
	c.mutex.Unlock()
	return nil
}

// buildWebSocketURL constructs the WebSocket URL with auth parameters.
func (c *Client) buildWebSocketURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	scheme := "ws"
	if u.Scheme == "https" || u.Scheme == "wss" {
		scheme = "wss"
	}

	params := url.Values{}
	params.Set("token", c.token)
	params.Set("tableId", c.tableID)
	if c.spectator {
		params.Set("spectator", "true")
	}
	if c.disableCompression {
		params.Set("compression", "off")
	}

	wsURL := url.URL{Scheme: scheme, Host: u.Host, Path: "/ws", RawQuery: params.Encode()}
	return wsURL.String(), nil
}

// Subscribe asks for membership in a channel, optionally scoped to a table.
func (c *Client) Subscribe(channel, tableID string) error {
	return c.sendFrame(railbird.TypeSubscribe, railbird.SubscribePayload{Channel: channel, TableID: tableID})
}

// Unsubscribe drops a channel membership.
func (c *Client) Unsubscribe(channel, tableID string) error {
	return c.sendFrame(railbird.TypeUnsubscribe, railbird.SubscribePayload{Channel: channel, TableID: tableID})
}

// SendChat submits a chat message for the connected table.
func (c *Client) SendChat(message string) error {
	return c.sendFrame(railbird.TypeChat, railbird.ChatPayload{Message: message, TableID: c.tableID})
}

// SendAction relays a poker action. The player id comes from the welcome
// frame since the gateway rejects actions for other principals.
func (c *Client) SendAction(action string, amount int64) error {
	welcome := c.Welcome()
	if welcome == nil {
		return fmt.Errorf("player identity not yet established")
	}
	return c.sendFrame(railbird.TypePlayerAction, railbird.PlayerActionPayload{
		PlayerID: welcome.PlayerID,
		TableID:  c.tableID,
		Action:   action,
		Amount:   amount,
	})
}

// Ack acknowledges receipt of a tracked frame by sequence id.
func (c *Client) Ack(sequenceID uint64) error {
	return c.sendFrame(railbird.TypeAck, railbird.AckPayload{SequenceID: sequenceID})
}

// Ping sends a protocol-level ping. The gateway answers with pong and
// refreshes the connection's idle clock.
func (c *Client) Ping() error {
	return c.sendFrame(railbird.TypePing, nil)
}

// RequestState asks for replay of everything after the last sequence id
// this client has seen.
func (c *Client) RequestState() error {
	return c.sendFrame(railbird.TypeStateRequest, railbird.StateRequestPayload{LastStateVersion: c.LastSequence()})
}

// RequestChatHistory pages through persisted chat for the connected table.
func (c *Client) RequestChatHistory(limit, offset int) error {
	return c.sendFrame(railbird.TypeGetChatHistory, railbird.ChatHistoryRequestPayload{
		TableID: c.tableID,
		Limit:   limit,
		Offset:  offset,
	})
}

// JoinTable moves the connection onto another table.
func (c *Client) JoinTable(tableID string) error {
	if err := c.sendFrame(railbird.TypeJoinTable, railbird.JoinTablePayload{TableID: tableID}); err != nil {
		return err
	}
	c.mutex.Lock()
	c.tableID = tableID
	c.mutex.Unlock()
	return nil
}

// LeaveTable detaches from the current table. The gateway closes the
// connection afterwards.
func (c *Client) LeaveTable() error {
	return c.sendFrame(railbird.TypeLeaveTable, railbird.LeaveTablePayload{TableID: c.tableID})
}

// sendFrame encodes and writes a frame, retrying per the send policy.
func (c *Client) sendFrame(frameType string, payload interface{}) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	frame, err := railbird.NewFrame(frameType, payload)
	if err != nil {
		return fmt.Errorf("failed to build %s frame: %w", frameType, err)
	}
	encoded, err := railbird.EncodeFrame(frame)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", frameType, err)
	}

	c.mutex.RLock()
	policy := c.sendPolicy
	c.mutex.RUnlock()

	_, err = failsafe.With(policy).Get(func() (any, error) {
		return nil, c.writeMessage(encoded)
	})
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", frameType, err)
	}
	return nil
}

func (c *Client) writeMessage(data []byte) error {
	c.mutex.RLock()
	conn, connected := c.conn, c.connected
	c.mutex.RUnlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Frames returns the channel of decoded frames. Batches arrive flattened
// in delivery order.
func (c *Client) Frames() <-chan railbird.Frame {
	return c.frameChan
}

// StartFrameHandler starts a frame handler in a goroutine
func (c *Client) StartFrameHandler(handler FrameHandler) {
	go func() {
		for frame := range c.Frames() {
			if err := handler(frame); err != nil {
				c.logger.WithError(err).WithFields(logging.Fields{
					"frame_type": frame.Type,
				}).Error("Frame handler error")
			}
		}
	}()
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.connected
}

// Welcome returns the connection_established payload, or nil before the
// first fresh session completes.
func (c *Client) Welcome() *railbird.ConnectionEstablishedPayload {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if c.identity == nil {
		return nil
	}
	welcome := *c.identity
	return &welcome
}

// LastSequence returns the highest sequence id seen so far.
func (c *Client) LastSequence() uint64 {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.lastSeq
}

// Reconnects returns how many redials have succeeded.
func (c *Client) Reconnects() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.reconnects
}

// Close closes the WebSocket connection and the frame channel.
func (c *Client) Close() error {
	c.mutex.Lock()
	wasConnected := c.connected
	conn := c.conn
	stopChan := c.stopChan
	doneChan := c.doneChan
	c.connected = false
	c.mutex.Unlock()

	if wasConnected {
		close(stopChan)
		if conn != nil {
			c.writeMu.Lock()
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.writeMu.Unlock()
			conn.Close()
		}
		// Wait for the read pump so nothing races the channel close.
		<-doneChan
		c.logger.Info("Disconnected from Railbird WebSocket")
	}

	c.closeOnce.Do(func() { close(c.frameChan) })
	return nil
}

// readPump reads wire messages, inflates and flattens them, and forwards
// the frames.
func (c *Client) readPump(conn *websocket.Conn, stop chan struct{}, done chan struct{}) {
	defer func() {
		c.mutex.Lock()
		c.connected = false
		c.mutex.Unlock()

		conn.Close()
		done <- struct{}{}
	}()

	conn.SetReadLimit(512 * 1024)
	conn.SetReadDeadline(time.Now().Add(3 * c.pingInterval))

	for {
		select {
		case <-stop:
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithError(err).Error("WebSocket read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(3 * c.pingInterval))

		frame, err := railbird.DecodeFrame(data)
		if err != nil {
			c.logger.WithError(err).Warn("Dropping undecodable frame")
			continue
		}

		if frame.Type == railbird.TypeBatch {
			inner, err := railbird.DecodeBatch(frame)
			if err != nil {
				c.logger.WithError(err).Warn("Dropping malformed batch")
				continue
			}
			for i := range inner {
				c.deliver(inner[i])
			}
			continue
		}
		c.deliver(*frame)
	}
}

// deliver tracks sequence progress, acks tracked frames, intercepts
// session frames, and hands the frame to the consumer.
func (c *Client) deliver(frame railbird.Frame) {
	if frame.SequenceID > 0 {
		c.mutex.Lock()
		if frame.SequenceID > c.lastSeq {
			c.lastSeq = frame.SequenceID
		}
		c.mutex.Unlock()
	}

	switch frame.Type {
	case railbird.TypeConnectionEstablished:
		var welcome railbird.ConnectionEstablishedPayload
		if err := frame.DecodePayload(&welcome); err == nil {
			c.mutex.Lock()
			c.identity = &welcome
			if welcome.RetryPolicies != nil {
				c.sendPolicy = retryPolicyFromHint(welcome.RetryPolicies.Send)
				c.reconnectPolicy = retryPolicyFromHint(welcome.RetryPolicies.Reconnect)
			}
			c.mutex.Unlock()
		}
	case railbird.TypeReconnectionSuccessful:
		var payload railbird.ReconnectionSuccessfulPayload
		if err := frame.DecodePayload(&payload); err == nil {
			c.logger.WithFields(logging.Fields{
				"missed_updates": payload.MissedUpdates,
			}).Info("Session rebound after reconnect")
		}
	}

	if frame.RequiresAck && frame.SequenceID > 0 {
		if err := c.Ack(frame.SequenceID); err != nil {
			c.logger.WithError(err).Warn("Failed to ack tracked frame")
		}
	}

	// Non-blocking so a slow consumer cannot stall the read loop.
	select {
	case c.frameChan <- frame:
	default:
		c.logger.Warn("Frame channel full, dropping frame")
	}
}

// writePump keeps the connection alive with protocol pings.
func (c *Client) writePump(stop chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.Ping(); err != nil {
				c.logger.WithError(err).Error("Failed to send ping")
				return
			}
		}
	}
}
