package websocket

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cardroom/railbird/internal/delivery"
	"cardroom/railbird/pkg/api/gameengine"
	"cardroom/railbird/pkg/api/railbird"
	"cardroom/railbird/pkg/auth"
)

const (
	// writeWait bounds a single socket write.
	writeWait = 10 * time.Second

	// maxMessageSize bounds inbound frames. Chat bodies cap at 500
	// characters, so the envelope fits with room to spare.
	maxMessageSize = 4096
)

// Load tags assigned by operators through Hub.MarkConnectionLoad.
const (
	LoadNormal = "normal"
	LoadHigh   = "high"
)

var errSocketUnavailable = errors.New("websocket: connection not open")

// connState tracks the session lifecycle. Open connections carry a live
// socket, grace connections are waiting for the same principal to
// reconnect, closed connections are gone.
type connState int

const (
	stateOpen connState = iota
	stateGrace
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateGrace:
		return "grace"
	default:
		return "closed"
	}
}

// Connection is one authenticated session. The socket it wraps may be
// replaced during the grace window when the same principal reconnects;
// identity, table membership, and reconnect counters survive the swap.
//
// Lock order: the delivery pipeline calls SendText and SendBinary while
// holding its own lock, and those take mu then writeMu. Nothing in this
// type calls into the pipeline while holding mu.
type Connection struct {
	ID        string
	Principal auth.Principal

	mu             sync.Mutex
	ws             *websocket.Conn
	state          connState
	tableID        string
	compression    bool
	pipeline       *delivery.Pipeline
	createdAt      time.Time
	lastActivity   time.Time
	lastPong       time.Time
	disconnectedAt time.Time
	reconnects     int
	loadTag        string
	inHand         bool
	hasBet         bool
	recoveryPolicy string
	lastSeq        uint64
	idleTimer      *time.Timer
	graceTimer     *time.Timer

	// writeMu serializes data writes on the socket. Close control
	// frames go through WriteControl, which gorilla allows concurrently.
	writeMu sync.Mutex
}

func newConnection(id string, principal auth.Principal, ws *websocket.Conn, tableID string, compression bool) *Connection {
	now := time.Now()
	return &Connection{
		ID:           id,
		Principal:    principal,
		ws:           ws,
		state:        stateOpen,
		tableID:      tableID,
		compression:  compression,
		createdAt:    now,
		lastActivity: now,
		lastPong:     now,
		loadTag:      LoadNormal,
	}
}

// SendText implements delivery.Sink.
func (c *Connection) SendText(data []byte) error {
	return c.write(websocket.TextMessage, data)
}

// SendBinary implements delivery.Sink.
func (c *Connection) SendBinary(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

// Open implements delivery.Sink.
func (c *Connection) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateOpen && c.ws != nil
}

func (c *Connection) write(messageType int, data []byte) error {
	c.mu.Lock()
	ws := c.ws
	open := c.state == stateOpen
	c.mu.Unlock()
	if !open || ws == nil {
		return errSocketUnavailable
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(messageType, data)
}

// bindPipeline installs a fresh delivery pipeline, closing the previous
// one. A reconnect gets a new pipeline because the compression choice
// may change between sockets.
func (c *Connection) bindPipeline(p *delivery.Pipeline) {
	c.mu.Lock()
	old := c.pipeline
	c.pipeline = p
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// Enqueue hands a frame to the delivery pipeline at its default
// priority. Frames for torn-down connections are dropped.
func (c *Connection) Enqueue(frame *railbird.Frame) {
	c.mu.Lock()
	p := c.pipeline
	c.mu.Unlock()
	if p != nil {
		p.Enqueue(frame)
	}
}

// EnqueueWithPriority is Enqueue with an explicit priority override.
func (c *Connection) EnqueueWithPriority(frame *railbird.Frame, priority int) {
	c.mu.Lock()
	p := c.pipeline
	c.mu.Unlock()
	if p != nil {
		p.EnqueueWithPriority(frame, priority)
	}
}

// recordInbound feeds the adaptive batching tuner.
func (c *Connection) recordInbound(bytes int) {
	c.mu.Lock()
	p := c.pipeline
	c.mu.Unlock()
	if p != nil {
		p.RecordInbound(bytes)
	}
}

// touch marks inbound activity. Any frame from the client counts as
// liveness, so this refreshes the heartbeat clock and re-arms the idle
// eviction timer.
func (c *Connection) touch(idleTimeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.lastActivity = now
	c.lastPong = now
	if c.idleTimer != nil && idleTimeout > 0 {
		c.idleTimer.Reset(idleTimeout)
	}
}

// noteAction keeps a best-effort view of hand participation for
// disconnect reports. The engine stays authoritative for recovery; these
// bits only shape the report fields.
func (c *Connection) noteAction(action string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch action {
	case gameengine.ActionFold:
		c.inHand = false
		c.hasBet = false
	case gameengine.ActionCall, gameengine.ActionRaise, gameengine.ActionAllIn:
		c.inHand = true
		c.hasBet = true
	default:
		c.inHand = true
	}
}

// enterGrace flips an open session into the reconnect window and
// detaches the dead socket for the caller to discard. Returns false if
// the session was not open.
func (c *Connection) enterGrace() (*websocket.Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateOpen {
		return nil, false
	}
	c.state = stateGrace
	c.disconnectedAt = time.Now()
	ws := c.ws
	c.ws = nil
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	return ws, true
}

// rebind swaps in a fresh socket after a grace-window reconnect and
// reopens the session. The stale socket, if any, is returned for the
// caller to close.
func (c *Connection) rebind(ws *websocket.Conn, compression bool) *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.ws
	c.ws = ws
	c.compression = compression
	c.state = stateOpen
	c.reconnects++
	now := time.Now()
	c.lastActivity = now
	c.lastPong = now
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	return old
}

// markClosed finalizes the lifecycle, stops every timer, and hands back
// the socket and pipeline for teardown. Idempotent; a second call
// returns nils.
func (c *Connection) markClosed() (*websocket.Conn, *delivery.Pipeline) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return nil, nil
	}
	c.state = stateClosed
	ws := c.ws
	c.ws = nil
	p := c.pipeline
	c.pipeline = nil
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	return ws, p
}

// isCurrentSocket reports whether ws is still the connection's live
// socket. Read loops use it so a stale socket's exit does not tear down
// a rebound session.
func (c *Connection) isCurrentSocket(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws == ws
}

func (c *Connection) armIdleTimer(d time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateOpen || d <= 0 {
		return
	}
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(d, fn)
}

func (c *Connection) armGraceTimer(d time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateGrace || d <= 0 {
		return
	}
	if c.graceTimer != nil {
		c.graceTimer.Stop()
	}
	c.graceTimer = time.AfterFunc(d, fn)
}

func (c *Connection) currentState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// State returns the lifecycle phase as a string for logs and stats.
func (c *Connection) State() string {
	return c.currentState().String()
}

// TableID returns the table the connection is currently bound to.
func (c *Connection) TableID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tableID
}

func (c *Connection) setTableID(tableID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tableID = tableID
}

// Reconnects reports how many times this session has been rebound.
func (c *Connection) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

func (c *Connection) lastPongAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

func (c *Connection) compressionEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compression
}

// LoadTag returns the operator-assigned load tag.
func (c *Connection) LoadTag() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadTag
}

func (c *Connection) setLoadTag(tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadTag = tag
}

// noteDeliveredSeq records the highest table-history sequence handed to
// this connection's pipeline. Rebinds replay everything after it.
func (c *Connection) noteDeliveredSeq(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.lastSeq {
		c.lastSeq = seq
	}
}

func (c *Connection) lastDeliveredSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

func (c *Connection) setRecoveryPolicy(policy string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recoveryPolicy = policy
}

func (c *Connection) currentRecoveryPolicy() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recoveryPolicy
}

// disconnectSnapshot reports the fields carried on engine disconnect
// reports.
func (c *Connection) disconnectSnapshot() (inHand, hasBet bool, since time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inHand, c.hasBet, c.disconnectedAt
}

// DeliveryStats exposes the pipeline counters for the stats endpoint.
func (c *Connection) DeliveryStats() delivery.Stats {
	c.mu.Lock()
	p := c.pipeline
	c.mu.Unlock()
	if p == nil {
		return delivery.Stats{}
	}
	return p.Stats()
}

// sendCloseFrame writes a close control message on a raw socket.
// WriteControl is safe to call concurrently with data writes, so this
// needs no lock. Best effort; the peer may already be gone.
func sendCloseFrame(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
