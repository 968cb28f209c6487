package testutil

import (
	"database/sql/driver"
	"time"

	"cardroom/railbird/pkg/api/moderator"
)

// ChatFixtures provides test data fixtures for chat persistence testing
type ChatFixtures struct{}

// NewChatFixtures creates a new chat fixtures helper
func NewChatFixtures() *ChatFixtures {
	return &ChatFixtures{}
}

// ChatMessageValid creates a fully populated persisted message
func (f *ChatFixtures) ChatMessageValid() *moderator.ChatMessage {
	tableID := "table-123"
	tournamentID := "sunday-major"
	createdAt := time.Date(2026, 1, 15, 20, 0, 0, 0, time.UTC)

	return &moderator.ChatMessage{
		ID:           "msg-valid-test",
		PlayerID:     "player-alice",
		TableID:      &tableID,
		TournamentID: &tournamentID,
		Message:      "nice river",
		MessageType:  "table",
		IsModerated:  false,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
}

// ChatMessageWithNulls creates a message with every nullable column NULL.
// Lobby chat has no table or tournament scope.
func (f *ChatFixtures) ChatMessageWithNulls() *moderator.ChatMessage {
	createdAt := time.Date(2026, 1, 15, 20, 5, 0, 0, time.UTC)

	return &moderator.ChatMessage{
		ID:               "msg-null-test",
		PlayerID:         "player-bob",
		TableID:          nil, // NULL
		TournamentID:     nil, // NULL
		Message:          "anyone up for a cash game?",
		MessageType:      "lobby",
		IsModerated:      false,
		ModerationReason: nil, // NULL
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}
}

// ChatMessageModerated creates a message that moderation has redacted
func (f *ChatFixtures) ChatMessageModerated() *moderator.ChatMessage {
	tableID := "table-123"
	reason := "abusive language"
	createdAt := time.Date(2026, 1, 15, 20, 10, 0, 0, time.UTC)

	return &moderator.ChatMessage{
		ID:               "msg-moderated-test",
		PlayerID:         "player-carl",
		TableID:          &tableID,
		Message:          "[removed]",
		MessageType:      "table",
		IsModerated:      true,
		ModerationReason: &reason,
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt.Add(time.Minute),
	}
}

// GetChatMessageColumns returns the column names for chat history queries,
// in the store's select order
func (f *ChatFixtures) GetChatMessageColumns() []string {
	return []string{
		"id", "player_id", "table_id", "tournament_id",
		"message", "message_type", "is_moderated", "moderation_reason",
		"created_at", "updated_at",
	}
}

// GetChatMessageRowData returns row values for a given message, suitable for
// sqlmock.Rows.AddRow
func (f *ChatFixtures) GetChatMessageRowData(msg *moderator.ChatMessage) []driver.Value {
	var tableID, tournamentID, moderationReason driver.Value
	if msg.TableID != nil {
		tableID = *msg.TableID
	}
	if msg.TournamentID != nil {
		tournamentID = *msg.TournamentID
	}
	if msg.ModerationReason != nil {
		moderationReason = *msg.ModerationReason
	}

	return []driver.Value{
		msg.ID, msg.PlayerID, tableID, tournamentID,
		msg.Message, msg.MessageType, msg.IsModerated, moderationReason,
		msg.CreatedAt, msg.UpdatedAt,
	}
}

// NullTimeValue represents a nullable time value for SQL mocking
type NullTimeValue struct {
	Time  time.Time
	Valid bool
}

// Match implements sqlmock.Argument interface
func (n NullTimeValue) Match(v driver.Value) bool {
	switch val := v.(type) {
	case time.Time:
		return n.Valid && val.Equal(n.Time)
	case nil:
		return !n.Valid
	default:
		return false
	}
}

// NullStringValue represents a nullable string value for SQL mocking
type NullStringValue struct {
	String string
	Valid  bool
}

// Match implements sqlmock.Argument interface
func (n NullStringValue) Match(v driver.Value) bool {
	switch val := v.(type) {
	case string:
		return n.Valid && val == n.String
	case nil:
		return !n.Valid
	default:
		return false
	}
}

// NullIntValue represents a nullable int value for SQL mocking
type NullIntValue struct {
	Int   int
	Valid bool
}

// Match implements sqlmock.Argument interface
func (n NullIntValue) Match(v driver.Value) bool {
	switch val := v.(type) {
	case int:
		return n.Valid && val == n.Int
	case int64:
		return n.Valid && int64(n.Int) == val
	case nil:
		return !n.Valid
	default:
		return false
	}
}
