package moderator

import (
	"encoding/json"
	"time"
)

// Moderation endpoints exposed by the moderator service.
const (
	EndpointChatSend   = "/chat/send"
	EndpointChatDelete = "/chat/delete"
	EndpointChatMute   = "/chat/mute"
	EndpointChatReport = "/chat/report"
)

// Message type values stored with each chat row.
const (
	MessageTypeChat   = "chat"
	MessageTypeSystem = "system"
)

// Principal identifies the actor behind a moderation request.
type Principal struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// ModerationRequest is the envelope for every moderation endpoint. The
// gateway forwards payloads untouched; policy lives on the moderator side.
type ModerationRequest struct {
	Channel   string          `json:"channel"`
	Principal Principal       `json:"principal"`
	Payload   json.RawMessage `json:"payload"`
}

// ModerationResponse is the envelope returned by every moderation endpoint.
type ModerationResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// SendChatPayload is the payload for chat/send.
type SendChatPayload struct {
	Message      string `json:"message"`
	TableID      string `json:"tableId,omitempty"`
	TournamentID string `json:"tournamentId,omitempty"`
	MessageType  string `json:"messageType,omitempty"`
}

// DeleteChatPayload is the payload for chat/delete.
type DeleteChatPayload struct {
	MessageID string `json:"messageId"`
	Reason    string `json:"reason,omitempty"`
}

// MutePlayerPayload is the payload for chat/mute.
type MutePlayerPayload struct {
	PlayerID        string `json:"playerId"`
	TableID         string `json:"tableId,omitempty"`
	Reason          string `json:"reason,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
}

// ReportMessagePayload is the payload for chat/report.
type ReportMessagePayload struct {
	MessageID string `json:"messageId"`
	Reason    string `json:"reason,omitempty"`
}

// ReportFiledData is returned in Data for a successful chat/report.
type ReportFiledData struct {
	ReportID string `json:"reportId"`
}

// ChatMessage is a persisted chat row. The moderator owns writes; the
// gateway reads for history queries.
type ChatMessage struct {
	ID               string    `json:"id"`
	PlayerID         string    `json:"playerId"`
	TableID          *string   `json:"tableId,omitempty"`
	TournamentID     *string   `json:"tournamentId,omitempty"`
	Message          string    `json:"message"`
	MessageType      string    `json:"messageType"`
	IsModerated      bool      `json:"isModerated"`
	ModerationReason *string   `json:"moderationReason,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// ChatHistoryQuery filters persisted chat. Zero values are unconstrained.
type ChatHistoryQuery struct {
	TableID      string    `json:"tableId,omitempty"`
	TournamentID string    `json:"tournamentId,omitempty"`
	PlayerID     string    `json:"playerId,omitempty"`
	Since        time.Time `json:"since,omitempty"`
	Until        time.Time `json:"until,omitempty"`
	Limit        int       `json:"limit,omitempty"`
	Offset       int       `json:"offset,omitempty"`
}
