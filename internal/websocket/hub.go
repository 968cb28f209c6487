package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"cardroom/railbird/internal/audit"
	"cardroom/railbird/internal/channels"
	"cardroom/railbird/internal/delivery"
	"cardroom/railbird/internal/history"
	"cardroom/railbird/pkg/api/gameengine"
	"cardroom/railbird/pkg/api/railbird"
	"cardroom/railbird/pkg/auth"
	"cardroom/railbird/pkg/logging"
)

const (
	// cleanupInterval paces the background task that trims history
	// rings and empty table index entries.
	cleanupInterval = 5 * time.Minute

	// disconnectReportTimeout bounds the engine call made when a
	// player drops mid-session.
	disconnectReportTimeout = 5 * time.Second
)

// Admission and registry errors. The message strings are part of the
// wire contract; the upgrade path forwards them verbatim in the close
// frame.
var (
	ErrTotalConnectionLimit = errors.New(railbird.ErrMsgTotalConnLimit)
	ErrTableConnectionLimit = errors.New(railbird.ErrMsgTableConnLimit)
	ErrHubClosed            = errors.New("hub is shut down")
	ErrRegistryInconsistent = errors.New("connection registry inconsistent")
)

// DisconnectReporter is the slice of the game engine the lifecycle
// supervisor needs when a seated player drops.
type DisconnectReporter interface {
	ReportDisconnect(ctx context.Context, report *gameengine.DisconnectReport) (*gameengine.DisconnectResponse, error)
}

// Config tunes the pool and lifecycle behavior.
type Config struct {
	MaxConnectionsPerTable int
	MaxTotalConnections    int

	// ConnectionTimeout is the silence threshold after which an open
	// connection is considered stale and moved into the grace window.
	ConnectionTimeout time.Duration

	// GracePeriod is how long a dropped player may take to reconnect
	// before the session is terminated.
	GracePeriod time.Duration

	IdleTimeout       time.Duration
	HeartbeatInterval time.Duration

	// MaxReconnectAttempts and ReconnectBackoff are client-facing
	// hints advertised in the welcome frame.
	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration

	Delivery delivery.Config
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerTable: 100,
		MaxTotalConnections:    1000,
		ConnectionTimeout:      60 * time.Second,
		GracePeriod:            30 * time.Second,
		IdleTimeout:            5 * time.Minute,
		HeartbeatInterval:      30 * time.Second,
		MaxReconnectAttempts:   5,
		ReconnectBackoff:       time.Second,
		Delivery:               delivery.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConnectionsPerTable == 0 {
		c.MaxConnectionsPerTable = d.MaxConnectionsPerTable
	}
	if c.MaxTotalConnections == 0 {
		c.MaxTotalConnections = d.MaxTotalConnections
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = d.ConnectionTimeout
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = d.ReconnectBackoff
	}
	if c.Delivery == (delivery.Config{}) {
		c.Delivery = d.Delivery
	}
	return c
}

// RetryHints builds the backoff advertisement for the welcome frame
// from the configured reconnect budget.
func (c Config) RetryHints() railbird.RetryPolicies {
	hints := railbird.DefaultRetryPolicies()
	hints.Reconnect.MaxAttempts = c.MaxReconnectAttempts
	hints.Reconnect.InitialDelayMs = c.ReconnectBackoff.Milliseconds()
	return hints
}

// Hub is the connection pool and lifecycle supervisor. It owns the
// registry, the by-principal and by-table indexes, admission control,
// heartbeats, grace windows, and table broadcasts.
//
// Lock order is always hub.mu before any Connection's mu.
type Hub struct {
	cfg      Config
	logger   logging.Logger
	channels *channels.Manager
	history  *history.Log
	audit    audit.Sink
	engine   DisconnectReporter

	mu          sync.RWMutex
	conns       map[string]*Connection
	byPrincipal map[string]string
	byTable     map[string]map[string]struct{}

	connectionReuses       atomic.Int64
	idleConnectionsRemoved atomic.Int64
	sendFailures           atomic.Int64

	pending sync.WaitGroup
	closed  atomic.Bool
}

// NewHub wires the pool. A nil audit sink disables auditing; a nil
// engine disables disconnect reports.
func NewHub(cfg Config, ch *channels.Manager, hist *history.Log, sink audit.Sink, engine DisconnectReporter, logger logging.Logger) *Hub {
	if ch == nil {
		ch = channels.NewManager(nil, 0)
	}
	if hist == nil {
		hist = history.NewLog(0, 0)
	}
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Hub{
		cfg:         cfg.withDefaults(),
		logger:      logger,
		channels:    ch,
		history:     hist,
		audit:       sink,
		engine:      engine,
		conns:       make(map[string]*Connection),
		byPrincipal: make(map[string]string),
		byTable:     make(map[string]map[string]struct{}),
	}
}

// Channels exposes the subscription registry to the dispatch layer.
func (h *Hub) Channels() *channels.Manager { return h.channels }

// History exposes the table replay log to the dispatch layer.
func (h *Hub) History() *history.Log { return h.history }

// Config returns the effective pool configuration.
func (h *Hub) Config() Config { return h.cfg }

// AddConnection admits a socket for an authenticated principal. The
// checks run in order: grace-window reconnects rebind the existing
// session before anything else, then the global cap, the per-table cap,
// and finally same-principal replacement. The returned bool reports
// whether this was a grace-window rebind.
func (h *Hub) AddConnection(principal auth.Principal, ws *websocket.Conn, tableID string, compression bool) (*Connection, bool, error) {
	if h.closed.Load() {
		return nil, false, ErrHubClosed
	}

	h.mu.Lock()

	var prior *Connection
	if prevID, ok := h.byPrincipal[principal.UserID]; ok {
		prior = h.conns[prevID]
		if prior == nil {
			// The index points at a connection the registry no longer
			// holds. Nothing trustworthy can be done with this
			// principal's slot.
			delete(h.byPrincipal, principal.UserID)
			h.mu.Unlock()
			h.audit.SuspiciousActivity(principal.UserID, tableID, "principal index referenced a missing connection")
			h.logger.WithFields(logging.Fields{
				"player_id": principal.UserID,
				"table_id":  tableID,
			}).Error("Connection registry inconsistent")
			return nil, false, ErrRegistryInconsistent
		}
	}

	// A principal returning inside its grace window gets its session
	// back: same Connection, fresh socket.
	if prior != nil && prior.currentState() == stateGrace {
		conn := h.rebindLocked(prior, ws, tableID, compression)
		h.mu.Unlock()
		h.finishRebind(conn)
		return conn, true, nil
	}

	// Capacity checks exclude the principal's own live connection:
	// replacement reuses its slot rather than adding to the count.
	total := len(h.conns)
	if prior != nil {
		total--
	}
	if h.cfg.MaxTotalConnections > 0 && total >= h.cfg.MaxTotalConnections {
		h.mu.Unlock()
		return nil, false, ErrTotalConnectionLimit
	}
	tableCount := len(h.byTable[tableID])
	if prior != nil && prior.TableID() == tableID {
		tableCount--
	}
	if h.cfg.MaxConnectionsPerTable > 0 && tableCount >= h.cfg.MaxConnectionsPerTable {
		h.mu.Unlock()
		return nil, false, ErrTableConnectionLimit
	}

	if prior != nil {
		h.detachLocked(prior)
		h.connectionReuses.Add(1)
	}

	conn := newConnection(uuid.NewString(), principal, ws, tableID, compression)
	h.conns[conn.ID] = conn
	h.byPrincipal[principal.UserID] = conn.ID
	h.addToTableLocked(tableID, conn.ID)
	h.mu.Unlock()

	if prior != nil {
		h.teardown(prior, websocket.CloseNormalClosure, railbird.CloseReasonReplaced)
		h.logger.WithFields(logging.Fields{
			"player_id":    principal.UserID,
			"old_conn":     prior.ID,
			"new_conn":     conn.ID,
			"table_id":     tableID,
			"total_reuses": h.connectionReuses.Load(),
		}).Info("Replaced existing connection for principal")
	}

	conn.bindPipeline(h.newPipeline(conn))
	conn.armIdleTimer(h.cfg.IdleTimeout, func() { h.evictIdle(conn) })

	h.logger.WithFields(logging.Fields{
		"conn_id":   conn.ID,
		"player_id": principal.UserID,
		"username":  principal.Username,
		"role":      principal.Role,
		"table_id":  tableID,
	}).Info("Connection admitted")

	return conn, false, nil
}

// rebindLocked swaps the new socket into a grace-window session and
// fixes the table index if the client came back to a different table.
// Caller holds mu.
func (h *Hub) rebindLocked(c *Connection, ws *websocket.Conn, tableID string, compression bool) *Connection {
	oldTable := c.TableID()
	old := c.rebind(ws, compression)
	if old != nil {
		old.Close()
	}
	if tableID != oldTable {
		h.removeFromTableLocked(oldTable, c.ID)
		h.addToTableLocked(tableID, c.ID)
		c.setTableID(tableID)
	}
	return c
}

// finishRebind runs the post-registry half of a reconnect: a fresh
// pipeline, timers, missed-frame replay, and the table notification.
func (h *Hub) finishRebind(c *Connection) {
	c.bindPipeline(h.newPipeline(c))
	c.armIdleTimer(h.cfg.IdleTimeout, func() { h.evictIdle(c) })

	missed := h.ReplayMissed(c, c.lastDeliveredSeq())

	h.logger.WithFields(logging.Fields{
		"conn_id":    c.ID,
		"player_id":  c.Principal.UserID,
		"table_id":   c.TableID(),
		"reconnects": c.Reconnects(),
		"missed":     missed,
	}).Info("Connection rebound after reconnect")

	h.broadcastSystemChat(c.TableID(), fmt.Sprintf("%s reconnected", c.Principal.Username))
}

// ReplayMissed unicasts every table-history frame newer than afterSeq
// to the connection, preceded by a reconnection_successful header, and
// returns the replayed count. Ping and pong frames are never replayed.
func (h *Hub) ReplayMissed(c *Connection, afterSeq uint64) int {
	frames := h.history.Since(c.TableID(), afterSeq)

	header, err := railbird.NewFrame(railbird.TypeReconnectionSuccessful, railbird.ReconnectionSuccessfulPayload{
		MissedUpdates: len(frames),
	})
	if err == nil {
		// Above replay priority so the count arrives ahead of the
		// frames it describes.
		c.EnqueueWithPriority(header, delivery.PriorityError)
	}

	for i := range frames {
		c.Enqueue(&frames[i])
		c.noteDeliveredSeq(frames[i].SequenceID)
	}
	return len(frames)
}

// newPipeline builds the delivery pipeline for a connection, honoring
// the client's compression opt-out.
func (h *Hub) newPipeline(c *Connection) *delivery.Pipeline {
	cfg := h.cfg.Delivery
	cfg.EnableCompression = cfg.EnableCompression && c.compressionEnabled()
	return delivery.NewPipeline(c, cfg, func(err error) {
		h.sendFailures.Add(1)
		h.logger.WithFields(logging.Fields{
			"conn_id":   c.ID,
			"player_id": c.Principal.UserID,
			"error":     err.Error(),
		}).Warn("Send failure on connection")
	}, h.logger)
}

// CloseConnection detaches and tears down a connection. Returns false
// if the connection was no longer in the registry.
func (h *Hub) CloseConnection(c *Connection, code int, reason string, graceful bool) bool {
	h.mu.Lock()
	if cur, ok := h.conns[c.ID]; !ok || cur != c {
		h.mu.Unlock()
		return false
	}
	h.detachLocked(c)
	h.mu.Unlock()

	h.teardown(c, code, reason)
	h.audit.Disconnect(c.Principal.UserID, c.TableID(), reason, graceful)
	h.logger.WithFields(logging.Fields{
		"conn_id":   c.ID,
		"player_id": c.Principal.UserID,
		"reason":    reason,
		"graceful":  graceful,
	}).Info("Connection closed")
	return true
}

// HandleSocketClosed is the read loop's exit hook. A stale socket from a
// replaced or rebound session is ignored; a live socket's failure moves
// the session into the grace window.
func (h *Hub) HandleSocketClosed(c *Connection, ws *websocket.Conn) {
	if !c.isCurrentSocket(ws) {
		return
	}
	h.EnterGrace(c)
}

// EnterGrace moves an open connection into the reconnect window: the
// table is warned, the game engine is told, and a timer is armed to
// terminate the session if the player does not come back.
func (h *Hub) EnterGrace(c *Connection) {
	oldWS, ok := c.enterGrace()
	if !ok {
		return
	}
	if oldWS != nil {
		oldWS.Close()
	}

	graceSecs := int(h.cfg.GracePeriod / time.Second)

	h.logger.WithFields(logging.Fields{
		"conn_id":       c.ID,
		"player_id":     c.Principal.UserID,
		"table_id":      c.TableID(),
		"grace_seconds": graceSecs,
	}).Info("Connection entered grace window")

	warning, err := railbird.NewFrame(railbird.TypeDisconnectWarning, railbird.DisconnectWarningPayload{
		PlayerID:     c.Principal.UserID,
		Username:     c.Principal.Username,
		GraceSeconds: graceSecs,
	})
	if err == nil {
		h.BroadcastToTable(c.TableID(), warning)
	}
	h.broadcastSystemChat(c.TableID(), fmt.Sprintf("%s disconnected (%ds to reconnect)", c.Principal.Username, graceSecs))

	if h.engine != nil {
		h.TrackPending(func() { h.reportDisconnect(c) })
	}

	c.armGraceTimer(h.cfg.GracePeriod, func() { h.onGraceExpired(c) })
}

// reportDisconnect tells the engine a seated player dropped and stores
// the recovery policy it picks.
func (h *Hub) reportDisconnect(c *Connection) {
	inHand, hasBet, _ := c.disconnectSnapshot()
	since := time.Since(c.lastPongAt())
	if since < 0 {
		since = 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), disconnectReportTimeout)
	defer cancel()

	resp, err := h.engine.ReportDisconnect(ctx, &gameengine.DisconnectReport{
		PlayerID:        c.Principal.UserID,
		TableID:         c.TableID(),
		InHand:          inHand,
		HasBet:          hasBet,
		Duration:        since,
		DurationSeconds: int(since / time.Second),
	})
	if err != nil {
		h.logger.WithFields(logging.Fields{
			"player_id": c.Principal.UserID,
			"table_id":  c.TableID(),
			"error":     err.Error(),
		}).Warn("Disconnect report failed")
		return
	}
	c.setRecoveryPolicy(resp.RecoveryPolicy)
}

// onGraceExpired terminates a session whose player never came back. The
// registry check and the state check run under the hub lock so a
// concurrent rebind cannot lose its freshly attached socket.
func (h *Hub) onGraceExpired(c *Connection) {
	h.mu.Lock()
	if cur, ok := h.conns[c.ID]; !ok || cur != c || c.currentState() != stateGrace {
		h.mu.Unlock()
		return
	}
	h.detachLocked(c)
	h.mu.Unlock()

	if c.currentRecoveryPolicy() == gameengine.RecoveryAutoFold {
		h.broadcastSystemChat(c.TableID(), fmt.Sprintf("%s folded due to disconnection", c.Principal.Username))
	}

	h.teardown(c, websocket.CloseNormalClosure, "reconnect window expired")
	h.audit.Disconnect(c.Principal.UserID, c.TableID(), "reconnect window expired", false)
	h.logger.WithFields(logging.Fields{
		"conn_id":   c.ID,
		"player_id": c.Principal.UserID,
		"table_id":  c.TableID(),
	}).Info("Grace window expired, session terminated")
}

// evictIdle closes a connection that produced no inbound traffic for
// the idle window.
func (h *Hub) evictIdle(c *Connection) {
	if c.currentState() != stateOpen {
		return
	}
	if h.CloseConnection(c, websocket.CloseNormalClosure, "idle timeout", true) {
		h.idleConnectionsRemoved.Add(1)
	}
}

// teardown finalizes a connection that is already out of the registry.
func (h *Hub) teardown(c *Connection, code int, reason string) {
	ws, pipe := c.markClosed()
	if pipe != nil {
		pipe.Close()
	}
	if ws != nil {
		sendCloseFrame(ws, code, reason)
		ws.Close()
	}
	h.channels.RemoveConnection(c.ID)
}

// detachLocked removes a connection from every index. Caller holds mu.
func (h *Hub) detachLocked(c *Connection) {
	delete(h.conns, c.ID)
	if id, ok := h.byPrincipal[c.Principal.UserID]; ok && id == c.ID {
		delete(h.byPrincipal, c.Principal.UserID)
	}
	h.removeFromTableLocked(c.TableID(), c.ID)
}

func (h *Hub) addToTableLocked(tableID, connID string) {
	if tableID == "" {
		return
	}
	set, ok := h.byTable[tableID]
	if !ok {
		set = make(map[string]struct{})
		h.byTable[tableID] = set
	}
	set[connID] = struct{}{}
}

func (h *Hub) removeFromTableLocked(tableID, connID string) {
	if set, ok := h.byTable[tableID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(h.byTable, tableID)
		}
	}
}

// JoinTable moves a live connection onto another table, enforcing the
// target table's admission cap. The index swap is atomic with respect
// to broadcasts.
func (h *Hub) JoinTable(c *Connection, tableID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := c.TableID()
	if old == tableID {
		return nil
	}
	if h.cfg.MaxConnectionsPerTable > 0 && len(h.byTable[tableID]) >= h.cfg.MaxConnectionsPerTable {
		return ErrTableConnectionLimit
	}
	h.removeFromTableLocked(old, c.ID)
	h.addToTableLocked(tableID, c.ID)
	c.setTableID(tableID)
	return nil
}

// ConnectionByID looks a connection up in the registry.
func (h *Hub) ConnectionByID(id string) *Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[id]
}

// ConnectionByPrincipal returns the live connection for a principal.
func (h *Hub) ConnectionByPrincipal(userID string) *Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if id, ok := h.byPrincipal[userID]; ok {
		return h.conns[id]
	}
	return nil
}

// BroadcastToTable stamps the frame into the table history ring and
// fans it out to every open GAME subscriber of the table. Returns the
// stamped frame and the number of connections it reached.
// Per-connection failures never abort the fanout.
func (h *Hub) BroadcastToTable(tableID string, frame *railbird.Frame) (*railbird.Frame, int) {
	stamped := h.history.Record(tableID, *frame)

	delivered := 0
	for _, connID := range h.channels.Subscribers(railbird.ChannelGame, tableID) {
		h.mu.RLock()
		c := h.conns[connID]
		h.mu.RUnlock()
		if c == nil || c.currentState() != stateOpen {
			continue
		}
		c.Enqueue(&stamped)
		c.noteDeliveredSeq(stamped.SequenceID)
		delivered++
	}
	return &stamped, delivered
}

// BroadcastToChannel fans a frame out to a channel's subscribers
// without touching the table history. Used for admin alerts and other
// non-replayable notices.
func (h *Hub) BroadcastToChannel(channel, tableID string, frame *railbird.Frame) int {
	delivered := 0
	for _, connID := range h.channels.Subscribers(channel, tableID) {
		h.mu.RLock()
		c := h.conns[connID]
		h.mu.RUnlock()
		if c == nil || c.currentState() != stateOpen {
			continue
		}
		c.Enqueue(frame)
		delivered++
	}
	return delivered
}

// broadcastSystemChat fans a lifecycle notice out to the table.
func (h *Hub) broadcastSystemChat(tableID, message string) {
	if tableID == "" {
		return
	}
	frame, err := railbird.NewFrame(railbird.TypeSystem, railbird.SystemPayload{Message: message})
	if err != nil {
		return
	}
	h.BroadcastToTable(tableID, frame)
}

// OptimalConnection picks a connection at the table for unicast fanout,
// preferring sockets whose load tag is still normal.
func (h *Hub) OptimalConnection(tableID string) *Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var fallback *Connection
	for connID := range h.byTable[tableID] {
		c := h.conns[connID]
		if c == nil || c.currentState() != stateOpen {
			continue
		}
		if c.LoadTag() == LoadNormal {
			return c
		}
		if fallback == nil {
			fallback = c
		}
	}
	return fallback
}

// MarkConnectionLoad tags a connection's load state. Returns false for
// unknown connection ids.
func (h *Hub) MarkConnectionLoad(connID, tag string) bool {
	c := h.ConnectionByID(connID)
	if c == nil {
		return false
	}
	c.setLoadTag(tag)
	return true
}

// TrackPending runs fn on its own goroutine and holds shutdown until it
// returns.
func (h *Hub) TrackPending(fn func()) {
	h.pending.Add(1)
	go func() {
		defer h.pending.Done()
		fn()
	}()
}

// Run drives the heartbeat, stale sweep, and cleanup loops until the
// context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	stale := time.NewTicker(h.cfg.HeartbeatInterval / 2)
	defer stale.Stop()
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			h.sendHeartbeats()
		case <-stale.C:
			h.sweepStale()
		case <-cleanup.C:
			h.runCleanup()
		}
	}
}

// sendHeartbeats enqueues an application-level ping on every open
// connection. Pings are realtime-critical, so they go straight to the
// socket.
func (h *Hub) sendHeartbeats() {
	for _, c := range h.snapshotConnections() {
		if c.currentState() != stateOpen {
			continue
		}
		ping, err := railbird.NewFrame(railbird.TypePing, nil)
		if err != nil {
			continue
		}
		c.Enqueue(ping)
	}
}

// sweepStale moves connections that have been silent past the timeout
// into the grace window.
func (h *Hub) sweepStale() {
	cutoff := time.Now().Add(-h.cfg.ConnectionTimeout)
	for _, c := range h.snapshotConnections() {
		if c.currentState() != stateOpen {
			continue
		}
		if c.lastPongAt().Before(cutoff) {
			h.logger.WithFields(logging.Fields{
				"conn_id":   c.ID,
				"player_id": c.Principal.UserID,
			}).Warn("Connection stale, starting grace window")
			h.EnterGrace(c)
		}
	}
}

// runCleanup trims expired history frames and drops empty table index
// entries.
func (h *Hub) runCleanup() {
	dropped := h.history.Trim()

	h.mu.Lock()
	for tableID, set := range h.byTable {
		if len(set) == 0 {
			delete(h.byTable, tableID)
		}
	}
	tables := len(h.byTable)
	h.mu.Unlock()

	h.logger.WithFields(logging.Fields{
		"history_dropped": dropped,
		"tables":          tables,
	}).Debug("Cleanup pass finished")
}

func (h *Hub) snapshotConnections() []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// Shutdown closes every connection with "Server shutdown", clears the
// registry, and waits for tracked pending operations to finish.
func (h *Hub) Shutdown() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}

	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*Connection)
	h.byPrincipal = make(map[string]string)
	h.byTable = make(map[string]map[string]struct{})
	h.mu.Unlock()

	for _, c := range conns {
		h.teardown(c, websocket.CloseNormalClosure, railbird.CloseReasonServerShutdown)
	}

	h.pending.Wait()
	h.logger.WithFields(logging.Fields{"closed": len(conns)}).Info("Hub shut down")
}

// Stats reports pool counters for the health and stats endpoints.
func (h *Hub) Stats() *railbird.HubStats {
	h.mu.RLock()
	conns := len(h.conns)
	tables := len(h.byTable)
	h.mu.RUnlock()

	return &railbird.HubStats{
		Connections:            conns,
		Tables:                 tables,
		ChannelSubscriptions:   h.channels.CountsByChannel(),
		ConnectionReuses:       h.connectionReuses.Load(),
		IdleConnectionsRemoved: h.idleConnectionsRemoved.Load(),
	}
}

// SendFailures reports delivery failures observed across the pool.
func (h *Hub) SendFailures() int64 {
	return h.sendFailures.Load()
}
