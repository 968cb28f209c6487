package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cardroom/railbird/internal/channels"
	"cardroom/railbird/internal/ratelimit"
	"cardroom/railbird/pkg/api/gameengine"
	"cardroom/railbird/pkg/api/moderator"
	"cardroom/railbird/pkg/api/railbird"
	"cardroom/railbird/pkg/cache"
	"cardroom/railbird/pkg/logging"
	"cardroom/railbird/pkg/validation"
)

const (
	// upstreamTimeout bounds every moderator, engine, and persistence
	// call made from the dispatch path.
	upstreamTimeout = 10 * time.Second

	// maxTrackedAcks bounds the delivery-confirmation table. Sequences
	// older than the window are forgotten.
	maxTrackedAcks = 1024

	// Chat history pages are cached briefly. Writes land through the
	// moderator service, not this gateway, so expiry is the only
	// invalidation available; the TTL bounds the staleness a backfill
	// request can observe.
	chatHistoryTTL      = 5 * time.Second
	chatHistoryStale    = 15 * time.Second
	chatHistoryNegTTL   = 2 * time.Second
	chatHistoryCacheMax = 256
)

// Domain messages for upstream failures. In production mode they are
// replaced by the curated service message.
const (
	errMsgActionFailed      = "Failed to process player action"
	errMsgTableStateFailed  = "Failed to load table state"
	errMsgChatHistoryFailed = "Failed to load chat history"
	errMsgDeleteChatFailed  = "Failed to delete chat message"
	errMsgMutePlayerFailed  = "Failed to mute player"
	errMsgReportFailed      = "Failed to report message"
)

// ChatModerator is the moderation service surface chat writes go
// through. The gateway forwards; policy lives on the moderator side.
type ChatModerator interface {
	SendChat(ctx context.Context, channel string, principal moderator.Principal, payload *moderator.SendChatPayload) (*moderator.ChatMessage, error)
	DeleteChat(ctx context.Context, channel string, principal moderator.Principal, payload *moderator.DeleteChatPayload) error
	MutePlayer(ctx context.Context, channel string, principal moderator.Principal, payload *moderator.MutePlayerPayload) error
	ReportMessage(ctx context.Context, channel string, principal moderator.Principal, payload *moderator.ReportMessagePayload) (*moderator.ReportFiledData, error)
	GetChatHistory(ctx context.Context, query *moderator.ChatHistoryQuery) ([]moderator.ChatMessage, error)
}

// GameEngine is the poker engine surface the dispatcher forwards
// actions to.
type GameEngine interface {
	SubmitAction(ctx context.Context, req *gameengine.ActionRequest) (*gameengine.ActionResponse, error)
	GetTableState(ctx context.Context, tableID string) (*gameengine.TableState, error)
}

// ChatStore serves persisted chat history reads from the gateway's own
// replica.
type ChatStore interface {
	ChatHistory(ctx context.Context, q *moderator.ChatHistoryQuery) ([]moderator.ChatMessage, error)
}

// ackEntry tracks one broadcast awaiting its first receiver ack.
type ackEntry struct {
	senderConn string
	messageID  string
}

// Dispatcher routes inbound frames to their handlers. One Dispatch call
// runs per frame on the connection's read loop, so per-connection
// ordering is the arrival order.
type Dispatcher struct {
	hub        *Hub
	moderator  ChatModerator
	engine     GameEngine
	store      ChatStore
	limiter    *ratelimit.Limiter
	validate   *validation.FrameValidator
	histCache  *cache.Cache
	logger     logging.Logger
	production bool

	ackMu sync.Mutex
	acks  map[uint64]*ackEntry
}

// NewDispatcher wires the inbound routing table. Environment selects
// the error mapping mode; "production" swaps domain failure messages
// for the curated client-safe set.
func NewDispatcher(hub *Hub, mod ChatModerator, engine GameEngine, store ChatStore, limiter *ratelimit.Limiter, environment string, logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		hub:       hub,
		moderator: mod,
		engine:    engine,
		store:     store,
		limiter:   limiter,
		validate:  validation.NewFrameValidator(),
		histCache: cache.New(cache.Options{
			TTL:                  chatHistoryTTL,
			StaleWhileRevalidate: chatHistoryStale,
			NegativeTTL:          chatHistoryNegTTL,
			MaxEntries:           chatHistoryCacheMax,
		}, cache.MetricsHooks{}),
		logger:     logger,
		production: environment == "production",
		acks:       make(map[uint64]*ackEntry),
	}
}

// Dispatch routes one inbound frame. Unknown types and malformed
// payloads produce error frames; the connection always stays open.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Connection, frame *railbird.Frame) {
	switch frame.Type {
	case railbird.TypePing:
		d.handlePing(c)
	case railbird.TypeAck:
		d.handleAck(c, frame)
	case railbird.TypeStateRequest:
		d.handleStateRequest(c, frame)
	case railbird.TypeSubscribe:
		d.handleSubscribe(c, frame)
	case railbird.TypeUnsubscribe:
		d.handleUnsubscribe(c, frame)
	case railbird.TypeChat:
		d.handleChat(ctx, c, frame)
	case railbird.TypePlayerAction:
		d.handlePlayerAction(ctx, c, frame)
	case railbird.TypeJoinTable:
		d.handleJoinTable(ctx, c, frame)
	case railbird.TypeLeaveTable:
		d.handleLeaveTable(c)
	case railbird.TypeGetChatHistory:
		d.handleChatHistory(ctx, c, frame)
	case railbird.TypeDeleteChatMessage:
		d.handleDeleteChat(ctx, c, frame)
	case railbird.TypeMutePlayer:
		d.handleMutePlayer(ctx, c, frame)
	case railbird.TypeReportMessage:
		d.handleReportMessage(ctx, c, frame)
	default:
		d.sendError(c, railbird.ErrMsgUnknownMessageType)
	}
}

// sendError emits an error frame to the sender only.
func (d *Dispatcher) sendError(c *Connection, message string) {
	frame, err := railbird.NewFrame(railbird.TypeError, railbird.ErrorPayload{Message: message})
	if err != nil {
		return
	}
	c.Enqueue(frame)
}

// mapped narrows an upstream failure message for production clients.
func (d *Dispatcher) mapped(domainMsg string) string {
	if d.production {
		return railbird.ErrMsgServiceUnavailable
	}
	return domainMsg
}

func (d *Dispatcher) handlePing(c *Connection) {
	pong, err := railbird.NewFrame(railbird.TypePong, nil)
	if err != nil {
		return
	}
	c.Enqueue(pong)
}

func (d *Dispatcher) handleAck(c *Connection, frame *railbird.Frame) {
	var p railbird.AckPayload
	if err := frame.DecodePayload(&p); err != nil || p.SequenceID == 0 {
		d.sendError(c, railbird.ErrMsgInvalidFormat)
		return
	}
	d.resolveAck(p.SequenceID)
}

// trackAck registers a broadcast sequence for delivery confirmation.
// Sequences are monotonic, so everything older than the window can be
// forgotten on insert; evicted senders learn their frame went unacked.
func (d *Dispatcher) trackAck(seq uint64, senderConnID, messageID string) {
	var expired []*ackEntry
	d.ackMu.Lock()
	d.acks[seq] = &ackEntry{senderConn: senderConnID, messageID: messageID}
	if len(d.acks) > maxTrackedAcks && seq > maxTrackedAcks {
		floor := seq - maxTrackedAcks
		for s, entry := range d.acks {
			if s < floor {
				delete(d.acks, s)
				expired = append(expired, entry)
			}
		}
	}
	d.ackMu.Unlock()

	for _, entry := range expired {
		d.notifyDeliveryStatus(entry, railbird.DeliveryFailed)
	}
}

// resolveAck removes the pending entry for seq. The first ack for a
// tracked chat unicasts chat_delivered to the original sender.
func (d *Dispatcher) resolveAck(seq uint64) {
	d.ackMu.Lock()
	entry, ok := d.acks[seq]
	if ok {
		delete(d.acks, seq)
	}
	d.ackMu.Unlock()
	if !ok {
		return
	}
	d.notifyDeliveryStatus(entry, railbird.DeliveryDelivered)
}

func (d *Dispatcher) notifyDeliveryStatus(entry *ackEntry, status string) {
	if entry.messageID == "" {
		return
	}
	sender := d.hub.ConnectionByID(entry.senderConn)
	if sender == nil {
		return
	}
	frame, err := railbird.NewFrame(railbird.TypeChatDelivered, railbird.ChatDeliveredPayload{
		MessageID: entry.messageID,
		Status:    status,
	})
	if err == nil {
		sender.Enqueue(frame)
	}
}

func (d *Dispatcher) handleStateRequest(c *Connection, frame *railbird.Frame) {
	var p railbird.StateRequestPayload
	if err := frame.DecodePayload(&p); err != nil {
		d.sendError(c, railbird.ErrMsgInvalidFormat)
		return
	}
	d.hub.ReplayMissed(c, p.LastStateVersion)
}

func (d *Dispatcher) handleSubscribe(c *Connection, frame *railbird.Frame) {
	var p railbird.SubscribePayload
	if err := frame.DecodePayload(&p); err != nil {
		d.sendError(c, railbird.ErrMsgInvalidFormat)
		return
	}
	if err := d.validate.ValidateSubscribe(&p); err != nil {
		d.sendError(c, railbird.ErrMsgInvalidFormat)
		return
	}

	sub, err := d.hub.Channels().Subscribe(c.ID, c.Principal.Role, p.Channel, p.TableID)
	if err != nil {
		d.sendError(c, err.Error())
		return
	}

	confirmed, ferr := railbird.NewFrame(railbird.TypeSubscriptionConfirmed, railbird.SubscriptionConfirmedPayload{
		Channel:     sub.Channel,
		TableID:     sub.TableID,
		Permissions: sub.Permissions,
	})
	if ferr == nil {
		c.Enqueue(confirmed)
	}
}

func (d *Dispatcher) handleUnsubscribe(c *Connection, frame *railbird.Frame) {
	var p railbird.SubscribePayload
	if err := frame.DecodePayload(&p); err != nil || p.Channel == "" {
		d.sendError(c, railbird.ErrMsgInvalidFormat)
		return
	}

	if err := d.hub.Channels().Unsubscribe(c.ID, p.Channel, p.TableID); err != nil {
		d.sendError(c, err.Error())
		return
	}

	confirmed, ferr := railbird.NewFrame(railbird.TypeUnsubscriptionConfirmed, railbird.SubscribePayload{
		Channel: p.Channel,
		TableID: p.TableID,
	})
	if ferr == nil {
		c.Enqueue(confirmed)
	}
}

// handleChat runs the full chat path: sanitize, slash-command short
// circuit, write permission, rate limit, moderator forward, sender
// confirmation, table broadcast.
func (d *Dispatcher) handleChat(ctx context.Context, c *Connection, frame *railbird.Frame) {
	var p railbird.ChatPayload
	if err := frame.DecodePayload(&p); err != nil {
		d.sendError(c, railbird.ErrMsgInvalidFormat)
		return
	}

	message := validation.SanitizeChatMessage(p.Message)
	if message == "" {
		d.sendError(c, railbird.ErrMsgInvalidFormat)
		return
	}

	tableID := p.TableID
	if tableID == "" {
		tableID = c.TableID()
	}

	if strings.HasPrefix(message, "/") {
		d.runCommand(ctx, c, tableID, message)
		return
	}

	if !d.hub.Channels().HasPermission(c.Principal.Role, railbird.ChannelChat, channels.PermWrite) {
		d.sendError(c, railbird.ErrMsgInsufficientPerms)
		return
	}

	decision := d.limiter.Allow(c.Principal.UserID, c.Principal.Role, railbird.ChannelChat, tableID)
	if !decision.Allowed {
		d.sendError(c, railbird.ErrMsgRateLimited)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, upstreamTimeout)
	defer cancel()
	saved, err := d.moderator.SendChat(cctx, railbird.ChannelChat, modPrincipal(c), &moderator.SendChatPayload{
		Message:     message,
		TableID:     tableID,
		MessageType: moderator.MessageTypeChat,
	})
	if err != nil {
		d.logger.WithFields(logging.Fields{
			"player_id": c.Principal.UserID,
			"table_id":  tableID,
			"error":     err.Error(),
		}).Warn("Chat forward failed")
		d.sendError(c, d.mapped(railbird.ErrMsgChatProcessingFailed))
		return
	}

	sent, ferr := railbird.NewFrame(railbird.TypeChatSent, railbird.ChatSentPayload{
		MessageID: saved.ID,
		Timestamp: saved.CreatedAt.UnixMilli(),
	})
	if ferr == nil {
		c.Enqueue(sent)
	}

	broadcast, ferr := railbird.NewFrame(railbird.TypeChat, railbird.ChatBroadcastPayload{
		MessageID: saved.ID,
		PlayerID:  c.Principal.UserID,
		Username:  c.Principal.Username,
		Message:   saved.Message,
		TableID:   tableID,
		Timestamp: saved.CreatedAt.UnixMilli(),
	})
	if ferr != nil {
		return
	}
	broadcast.RequiresAck = true

	stamped, delivered := d.hub.BroadcastToTable(tableID, broadcast)
	if delivered > 0 {
		d.trackAck(stamped.SequenceID, c.ID, saved.ID)
		return
	}

	// Nobody is listening, so no ack will ever arrive. Report the
	// weaker delivery status right away.
	if f, err2 := railbird.NewFrame(railbird.TypeChatDelivered, railbird.ChatDeliveredPayload{
		MessageID: saved.ID,
		Status:    railbird.DeliverySent,
	}); err2 == nil {
		c.Enqueue(f)
	}
}

func (d *Dispatcher) handlePlayerAction(ctx context.Context, c *Connection, frame *railbird.Frame) {
	var p railbird.PlayerActionPayload
	if err := frame.DecodePayload(&p); err != nil {
		d.sendError(c, railbird.ErrMsgInvalidFormat)
		return
	}
	if err := d.validate.ValidatePlayerAction(&p); err != nil {
		d.sendError(c, railbird.ErrMsgInvalidFormat)
		return
	}
	d.submitAction(ctx, c, &p)
}

// submitAction relays a poker action to the engine and fans the
// resulting state delta out to the table. Slash commands land here too.
func (d *Dispatcher) submitAction(ctx context.Context, c *Connection, p *railbird.PlayerActionPayload) {
	if p.PlayerID != c.Principal.UserID {
		d.sendError(c, railbird.ErrMsgUnauthorizedAction)
		return
	}
	if !d.hub.Channels().HasPermission(c.Principal.Role, railbird.ChannelGame, channels.PermWrite) {
		d.sendError(c, railbird.ErrMsgInsufficientPerms)
		return
	}

	tableID := p.TableID
	if tableID == "" {
		tableID = c.TableID()
	}
	c.noteAction(p.Action)

	cctx, cancel := context.WithTimeout(ctx, upstreamTimeout)
	defer cancel()
	resp, err := d.engine.SubmitAction(cctx, &gameengine.ActionRequest{
		PlayerID: p.PlayerID,
		TableID:  tableID,
		Action:   p.Action,
		Amount:   p.Amount,
	})
	if err != nil {
		d.logger.WithFields(logging.Fields{
			"player_id": c.Principal.UserID,
			"table_id":  tableID,
			"action":    p.Action,
			"error":     err.Error(),
		}).Warn("Action submit failed")
		d.sendError(c, d.mapped(errMsgActionFailed))
		return
	}

	result, ferr := railbird.NewFrame(railbird.TypePlayerActionResult, railbird.PlayerActionResultPayload{
		Action:  p.Action,
		Success: resp.Success,
		State:   resp.State,
		Error:   resp.Error,
	})
	if ferr == nil {
		c.Enqueue(result)
	}

	if resp.Success && len(resp.State) > 0 {
		update, uerr := railbird.NewFrame(railbird.TypeGameUpdate, json.RawMessage(resp.State))
		if uerr == nil {
			d.hub.BroadcastToTable(tableID, update)
		}
	}
}

func (d *Dispatcher) handleJoinTable(ctx context.Context, c *Connection, frame *railbird.Frame) {
	var p railbird.JoinTablePayload
	if err := frame.DecodePayload(&p); err != nil {
		d.sendError(c, railbird.ErrMsgInvalidFormat)
		return
	}
	if err := d.validate.ValidateJoinTable(&p); err != nil {
		d.sendError(c, railbird.ErrMsgInvalidFormat)
		return
	}

	previous := c.TableID()
	if err := d.hub.JoinTable(c, p.TableID); err != nil {
		d.sendError(c, err.Error())
		return
	}

	// Move the table feed subscription along with the connection.
	// Players follow the game channel, spectators the rail.
	feed := railbird.ChannelGame
	if !d.hub.Channels().HasPermission(c.Principal.Role, railbird.ChannelGame, channels.PermRead) {
		feed = railbird.ChannelSpectator
	}
	if previous != "" && previous != p.TableID {
		_ = d.hub.Channels().Unsubscribe(c.ID, feed, previous)
	}
	if _, err := d.hub.Channels().Subscribe(c.ID, c.Principal.Role, feed, p.TableID); err != nil {
		d.logger.WithFields(logging.Fields{
			"conn_id":  c.ID,
			"channel":  feed,
			"table_id": p.TableID,
			"error":    err.Error(),
		}).Debug("Table feed subscription not granted")
	}

	cctx, cancel := context.WithTimeout(ctx, upstreamTimeout)
	defer cancel()
	state, err := d.engine.GetTableState(cctx, p.TableID)
	if err != nil {
		d.sendError(c, d.mapped(errMsgTableStateFailed))
		return
	}

	if f, ferr := railbird.NewFrame(railbird.TypeTableState, state); ferr == nil {
		c.Enqueue(f)
	}

	d.hub.broadcastSystemChat(p.TableID, fmt.Sprintf("%s joined the table", c.Principal.Username))
}

// handleLeaveTable is the explicit goodbye: no grace window, straight
// to closed.
func (d *Dispatcher) handleLeaveTable(c *Connection) {
	tableID := c.TableID()
	d.hub.CloseConnection(c, websocket.CloseNormalClosure, "left table", true)
	d.hub.broadcastSystemChat(tableID, fmt.Sprintf("%s left the table", c.Principal.Username))
}

func (d *Dispatcher) handleChatHistory(ctx context.Context, c *Connection, frame *railbird.Frame) {
	var p railbird.ChatHistoryRequestPayload
	if err := frame.DecodePayload(&p); err != nil {
		d.sendError(c, railbird.ErrMsgInvalidFormat)
		return
	}
	if err := d.validate.ValidateChatHistoryRequest(&p); err != nil {
		d.sendError(c, railbird.ErrMsgInvalidFormat)
		return
	}

	tableID := p.TableID
	if tableID == "" {
		tableID = c.TableID()
	}

	key := fmt.Sprintf("%s|%d|%d", tableID, p.Limit, p.Offset)
	// The loader carries its own deadline so a stale-while-revalidate
	// refresh outlives the request that triggered it.
	cached, ok, err := d.histCache.Get(ctx, key, func(context.Context, string) (interface{}, bool, error) {
		qctx, cancel := context.WithTimeout(context.Background(), upstreamTimeout)
		defer cancel()
		messages, err := d.store.ChatHistory(qctx, &moderator.ChatHistoryQuery{
			TableID: tableID,
			Limit:   p.Limit,
			Offset:  p.Offset,
		})
		if err != nil {
			return nil, false, err
		}
		return messages, true, nil
	})
	if err != nil || !ok {
		d.logger.WithFields(logging.Fields{
			"table_id": tableID,
			"error":    fmt.Sprintf("%v", err),
		}).Warn("Chat history query failed")
		d.sendError(c, d.mapped(errMsgChatHistoryFailed))
		return
	}
	messages, _ := cached.([]moderator.ChatMessage)
	d.sendChatHistory(c, messages)
}

func (d *Dispatcher) sendChatHistory(c *Connection, messages []moderator.ChatMessage) {
	if messages == nil {
		messages = []moderator.ChatMessage{}
	}
	frame, err := railbird.NewFrame(railbird.TypeChatHistory, railbird.ChatHistoryPayload{
		Messages: messages,
		Count:    len(messages),
	})
	if err == nil {
		c.Enqueue(frame)
	}
}

func (d *Dispatcher) handleDeleteChat(ctx context.Context, c *Connection, frame *railbird.Frame) {
	var p railbird.DeleteChatMessagePayload
	if err := frame.DecodePayload(&p); err != nil {
		d.sendError(c, railbird.ErrMsgInvalidFormat)
		return
	}
	if err := d.validate.ValidateDeleteChatMessage(&p); err != nil {
		d.sendError(c, railbird.ErrMsgInvalidFormat)
		return
	}

	// Authorship is checked by the moderator, which owns the rows.
	cctx, cancel := context.WithTimeout(ctx, upstreamTimeout)
	defer cancel()
	if err := d.moderator.DeleteChat(cctx, railbird.ChannelChat, modPrincipal(c), &moderator.DeleteChatPayload{
		MessageID: p.MessageID,
		Reason:    p.Reason,
	}); err != nil {
		d.sendError(c, d.mapped(errMsgDeleteChatFailed))
		return
	}

	announce, ferr := railbird.NewFrame(railbird.TypeChatMessageDeleted, railbird.ChatMessageDeletedPayload{
		MessageID: p.MessageID,
		DeletedBy: c.Principal.Username,
		Reason:    p.Reason,
	})
	if ferr == nil {
		d.hub.BroadcastToTable(c.TableID(), announce)
	}
}

func (d *Dispatcher) handleMutePlayer(ctx context.Context, c *Connection, frame *railbird.Frame) {
	var p railbird.MutePlayerPayload
	if err := frame.DecodePayload(&p); err != nil {
		d.sendError(c, railbird.ErrMsgInvalidFormat)
		return
	}
	if err := d.validate.ValidateMutePlayer(&p); err != nil {
		d.sendError(c, railbird.ErrMsgInvalidFormat)
		return
	}
	tableID := p.TableID
	if tableID == "" {
		tableID = c.TableID()
	}
	d.mutePlayer(ctx, c, p.PlayerID, tableID, p.Reason, p.DurationSeconds)
}

// mutePlayer enforces the admin gate and forwards to the moderator.
// Shared by the mute_player frame and the /mute command.
func (d *Dispatcher) mutePlayer(ctx context.Context, c *Connection, playerID, tableID, reason string, durationSeconds int) {
	if !c.Principal.IsAdmin() {
		d.sendError(c, railbird.ErrMsgUnauthorizedAction)
		return
	}

	cctx, cancel := context.WithTimeout(ctx, upstreamTimeout)
	defer cancel()
	if err := d.moderator.MutePlayer(cctx, railbird.ChannelChat, modPrincipal(c), &moderator.MutePlayerPayload{
		PlayerID:        playerID,
		TableID:         tableID,
		Reason:          reason,
		DurationSeconds: durationSeconds,
	}); err != nil {
		d.sendError(c, d.mapped(errMsgMutePlayerFailed))
		return
	}

	muted, ferr := railbird.NewFrame(railbird.TypePlayerMuted, railbird.PlayerMutedPayload{
		PlayerID: playerID,
		MutedBy:  c.Principal.Username,
		Reason:   reason,
	})
	if ferr == nil {
		c.Enqueue(muted)
	}

	// Tell the muted player, if connected, why their chat went quiet.
	if target := d.hub.ConnectionByPrincipal(playerID); target != nil {
		msg := "You have been muted by a moderator"
		if reason != "" {
			msg = fmt.Sprintf("You have been muted: %s", reason)
		}
		if f, err := railbird.NewFrame(railbird.TypeSystem, railbird.SystemPayload{Message: msg}); err == nil {
			target.Enqueue(f)
		}
	}
}

func (d *Dispatcher) handleReportMessage(ctx context.Context, c *Connection, frame *railbird.Frame) {
	var p railbird.ReportMessagePayload
	if err := frame.DecodePayload(&p); err != nil {
		d.sendError(c, railbird.ErrMsgInvalidFormat)
		return
	}
	if err := d.validate.ValidateReportMessage(&p); err != nil {
		d.sendError(c, railbird.ErrMsgInvalidFormat)
		return
	}
	d.reportMessage(ctx, c, p.MessageID, p.Reason)
}

// reportMessage forwards a report to the moderator and confirms the
// filing. Shared by the report_message frame and the /report command.
func (d *Dispatcher) reportMessage(ctx context.Context, c *Connection, messageID, reason string) {
	cctx, cancel := context.WithTimeout(ctx, upstreamTimeout)
	defer cancel()
	filed, err := d.moderator.ReportMessage(cctx, railbird.ChannelChat, modPrincipal(c), &moderator.ReportMessagePayload{
		MessageID: messageID,
		Reason:    reason,
	})
	if err != nil {
		d.sendError(c, d.mapped(errMsgReportFailed))
		return
	}

	reported, ferr := railbird.NewFrame(railbird.TypeMessageReported, railbird.MessageReportedPayload{
		MessageID: messageID,
		ReportID:  filed.ReportID,
	})
	if ferr == nil {
		c.Enqueue(reported)
	}
}

func modPrincipal(c *Connection) moderator.Principal {
	return moderator.Principal{
		ID:       c.Principal.UserID,
		Username: c.Principal.Username,
		Role:     c.Principal.Role,
	}
}
