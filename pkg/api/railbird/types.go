package railbird

import (
	"encoding/json"
	"time"

	"cardroom/railbird/pkg/api/common"
	"cardroom/railbird/pkg/api/moderator"
)

// Frame is the unit of the realtime wire protocol. Payload stays raw until
// the dispatcher knows the type; sequence ids are assigned per table by the
// history recorder, so client-originated frames leave them zero.
type Frame struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	SequenceID  uint64          `json:"sequenceId,omitempty"`
	Timestamp   int64           `json:"timestamp,omitempty"`
	RequiresAck bool            `json:"requiresAck,omitempty"`
}

// NewFrame wraps a payload value in a timestamped Frame of the given type.
func NewFrame(frameType string, payload interface{}) (*Frame, error) {
	f := &Frame{
		Type:      frameType,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload == nil {
		return f, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	f.Payload = raw
	return f, nil
}

// DecodePayload unmarshals the frame payload into v.
func (f *Frame) DecodePayload(v interface{}) error {
	if len(f.Payload) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(f.Payload, v)
}

// Channel names for subscription
const (
	ChannelGame      = "game"
	ChannelLobby     = "lobby"
	ChannelChat      = "chat"
	ChannelSpectator = "spectator"
	ChannelAdmin     = "admin"
)

// Client-originated message types
const (
	TypePing              = "ping"
	TypeAck               = "ack"
	TypeStateRequest      = "state_request"
	TypeSubscribe         = "subscribe"
	TypeUnsubscribe       = "unsubscribe"
	TypeChat              = "chat"
	TypePlayerAction      = "player_action"
	TypeJoinTable         = "join_table"
	TypeLeaveTable        = "leave_table"
	TypeGetChatHistory    = "get_chat_history"
	TypeDeleteChatMessage = "delete_chat_message"
	TypeMutePlayer        = "mute_player"
	TypeReportMessage     = "report_message"
)

// Server-originated message types
const (
	TypeConnectionEstablished   = "connection_established"
	TypePong                    = "pong"
	TypeSubscriptionConfirmed   = "subscription_confirmed"
	TypeUnsubscriptionConfirmed = "unsubscription_confirmed"
	TypeChatSent                = "chat_sent"
	TypeChatHistory             = "chat_history"
	TypeChatMessageDeleted      = "chat_message_deleted"
	TypeChatDelivered           = "chat_delivered"
	TypePlayerMuted             = "player_muted"
	TypeMessageReported         = "message_reported"
	TypeGameUpdate              = "game_update"
	TypeTableState              = "table_state"
	TypePlayerActionResult      = "player_action_result"
	TypeBatch                   = "batch"
	TypeReconnectionSuccessful  = "reconnection_successful"
	TypeSystem                  = "system"
	TypeDisconnectWarning       = "disconnect_warning"
	TypeError                   = "error"
)

// Delivery status values carried by chat_delivered
const (
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// Close reasons used with websocket close codes 1000 (normal) and
// 1008 (policy violation). Clients match on these strings.
const (
	CloseReasonReplaced         = "replaced"
	CloseReasonServerShutdown   = "Server shutdown"
	CloseReasonMissingParams    = "missing token or tableId"
	CloseReasonInvalidToken     = "invalid authentication token"
	CloseReasonConnectionFailed = "connection failed"
	CloseReasonInternalError    = "internal server error"
)

// Error messages surfaced to clients. These are part of the wire contract;
// clients key retry and UI behavior off the exact strings.
const (
	ErrMsgInvalidChannel       = "invalid channel"
	ErrMsgInsufficientPerms    = "insufficient permissions"
	ErrMsgTableIDRequired      = "table id required"
	ErrMsgChannelCapReached    = "maximum subscriptions for channel reached"
	ErrMsgTotalCapExceeded     = "maximum channel subscriptions exceeded"
	ErrMsgNotSubscribed        = "not subscribed"
	ErrMsgUnknownMessageType   = "unknown message type"
	ErrMsgInvalidFormat        = "invalid message format"
	ErrMsgRateLimited          = "Rate limit exceeded. Please slow down."
	ErrMsgUnauthorizedAction   = "unauthorized action"
	ErrMsgTotalConnLimit       = "Total connection limit reached"
	ErrMsgTableConnLimit       = "Table connection limit reached"
	ErrMsgServiceUnavailable   = "Service temporarily unavailable"
	ErrMsgChatProcessingFailed = "Failed to process chat message"
)

// RetryPolicy describes a client-facing backoff hint.
type RetryPolicy struct {
	MaxAttempts    int   `json:"maxAttempts"`
	InitialDelayMs int64 `json:"initialDelayMs"`
	MaxDelayMs     int64 `json:"maxDelayMs"`
	Jitter         bool  `json:"jitter"`
}

// RetryPolicies carries the send and reconnect hints advertised in the
// welcome frame. Clients are expected to honor them.
type RetryPolicies struct {
	Send      RetryPolicy `json:"websocketSend"`
	Reconnect RetryPolicy `json:"websocketReconnect"`
}

// DefaultRetryPolicies returns the advertised backoff hints: sends retry
// up to 3 times from 100ms to 2s, reconnects up to 5 times from 1s to 30s,
// both with jitter.
func DefaultRetryPolicies() RetryPolicies {
	return RetryPolicies{
		Send:      RetryPolicy{MaxAttempts: 3, InitialDelayMs: 100, MaxDelayMs: 2000, Jitter: true},
		Reconnect: RetryPolicy{MaxAttempts: 5, InitialDelayMs: 1000, MaxDelayMs: 30000, Jitter: true},
	}
}

// ConnectionEstablishedPayload is the welcome frame sent after a
// successful upgrade.
type ConnectionEstablishedPayload struct {
	PlayerID      string         `json:"playerId"`
	Username      string         `json:"username"`
	TableID       string         `json:"tableId,omitempty"`
	Role          string         `json:"role"`
	RetryPolicies *RetryPolicies `json:"retryPolicies,omitempty"`
}

// SubscribePayload asks for membership in a channel, optionally scoped
// to a table. Channel existence is checked by the registry so that
// unknown names produce the contract error string.
type SubscribePayload struct {
	Channel string `json:"channel" validate:"required"`
	TableID string `json:"tableId,omitempty"`
}

// SubscriptionConfirmedPayload echoes the granted subscription.
type SubscriptionConfirmedPayload struct {
	Channel     string   `json:"channel"`
	TableID     string   `json:"tableId,omitempty"`
	Permissions []string `json:"permissions"`
}

// ChatPayload is an inbound chat message before moderation.
type ChatPayload struct {
	Message string `json:"message" validate:"required,max=500"`
	TableID string `json:"tableId,omitempty"`
}

// ChatBroadcastPayload is the moderated chat message fanned out to the
// chat channel.
type ChatBroadcastPayload struct {
	MessageID string `json:"messageId"`
	PlayerID  string `json:"playerId"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	TableID   string `json:"tableId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ChatSentPayload confirms persistence of the sender's own message.
type ChatSentPayload struct {
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
}

// ChatDeliveredPayload reports end-to-end delivery progress for a
// tracked chat message.
type ChatDeliveredPayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// ChatHistoryRequestPayload pages through persisted chat.
type ChatHistoryRequestPayload struct {
	TableID string `json:"tableId,omitempty"`
	Limit   int    `json:"limit,omitempty" validate:"gte=0,lte=100"`
	Offset  int    `json:"offset,omitempty" validate:"gte=0"`
}

// ChatHistoryPayload returns persisted chat, newest first.
type ChatHistoryPayload struct {
	Messages []moderator.ChatMessage `json:"messages"`
	Count    int                     `json:"count"`
}

// PlayerActionPayload is a poker action relayed to the game engine.
// PlayerID must match the authenticated principal.
type PlayerActionPayload struct {
	PlayerID string `json:"playerId" validate:"required"`
	TableID  string `json:"tableId,omitempty"`
	Action   string `json:"action" validate:"required,oneof=fold check call raise allin"`
	Amount   int64  `json:"amount,omitempty" validate:"gte=0"`
}

// PlayerActionResultPayload is the engine's verdict, unicast to the actor.
type PlayerActionResultPayload struct {
	Action  string          `json:"action"`
	Success bool            `json:"success"`
	State   json.RawMessage `json:"state,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// StateRequestPayload asks for replay of everything after the client's
// last seen sequence id.
type StateRequestPayload struct {
	LastStateVersion uint64 `json:"lastStateVersion"`
}

// ReconnectionSuccessfulPayload acknowledges a grace-window reconnect.
type ReconnectionSuccessfulPayload struct {
	MissedUpdates int `json:"missedUpdates"`
}

// AckPayload acknowledges receipt of a tracked frame.
type AckPayload struct {
	SequenceID uint64 `json:"sequenceId,omitempty"`
	MessageID  string `json:"messageId,omitempty"`
}

// JoinTablePayload moves the connection onto a table.
type JoinTablePayload struct {
	TableID string `json:"tableId" validate:"required"`
}

// LeaveTablePayload detaches from a table and closes the connection.
type LeaveTablePayload struct {
	TableID string `json:"tableId,omitempty"`
}

// DeleteChatMessagePayload removes a persisted message (moderation).
type DeleteChatMessagePayload struct {
	MessageID string `json:"messageId" validate:"required"`
	Reason    string `json:"reason,omitempty"`
}

// MutePlayerPayload silences a player, admin only.
type MutePlayerPayload struct {
	PlayerID        string `json:"playerId" validate:"required"`
	TableID         string `json:"tableId,omitempty"`
	Reason          string `json:"reason,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty" validate:"gte=0"`
}

// ReportMessagePayload flags a message for moderator review.
type ReportMessagePayload struct {
	MessageID string `json:"messageId" validate:"required"`
	Reason    string `json:"reason,omitempty"`
}

// PlayerMutedPayload announces a mute on the chat channel.
type PlayerMutedPayload struct {
	PlayerID string `json:"playerId"`
	MutedBy  string `json:"mutedBy"`
	Reason   string `json:"reason,omitempty"`
}

// ChatMessageDeletedPayload announces a moderated deletion.
type ChatMessageDeletedPayload struct {
	MessageID string `json:"messageId"`
	DeletedBy string `json:"deletedBy"`
	Reason    string `json:"reason,omitempty"`
}

// MessageReportedPayload confirms a report was filed.
type MessageReportedPayload struct {
	MessageID string `json:"messageId"`
	ReportID  string `json:"reportId,omitempty"`
}

// SystemPayload carries operator and lifecycle notices.
type SystemPayload struct {
	Message string `json:"message"`
}

// DisconnectWarningPayload warns the table that a player dropped and
// may still reconnect.
type DisconnectWarningPayload struct {
	PlayerID     string `json:"playerId"`
	Username     string `json:"username"`
	GraceSeconds int    `json:"graceSeconds"`
}

// ErrorPayload carries a human-readable error message.
type ErrorPayload struct {
	Message string `json:"message"`
}

// BatchPayload wraps coalesced frames flushed together.
type BatchPayload struct {
	Messages  []Frame `json:"messages"`
	Count     int     `json:"count"`
	Timestamp int64   `json:"timestamp"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string    `json:"status"`
	Service    string    `json:"service"`
	Version    string    `json:"version"`
	Timestamp  time.Time `json:"timestamp"`
	Uptime     string    `json:"uptime"`
	Kafka      string    `json:"kafka,omitempty"`
	KafkaError string    `json:"kafka_error,omitempty"`
	WebSocket  *HubStats `json:"websocket,omitempty"`
}

// HubStats represents connection pool statistics
type HubStats struct {
	Connections            int            `json:"connections"`
	Tables                 int            `json:"tables"`
	ChannelSubscriptions   map[string]int `json:"channel_subscriptions"`
	ConnectionReuses       int64          `json:"connection_reuses"`
	IdleConnectionsRemoved int64          `json:"idle_connections_removed"`
}

// ErrorResponse is the HTTP error body for non-websocket endpoints.
type ErrorResponse struct {
	common.ErrorResponse
	Message string `json:"message"`
}
