// Package store reads persisted chat history from Postgres. Writes go
// through the moderator service; the gateway only queries.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	"cardroom/railbird/pkg/api/moderator"
	"cardroom/railbird/pkg/database"
	"cardroom/railbird/pkg/logging"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// Store wraps the shared Postgres handle for chat history queries.
type Store struct {
	db     database.PostgresConn
	logger logging.Logger
}

// NewStore builds a Store over an established connection.
func NewStore(db database.PostgresConn, logger logging.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// EnsureSchema applies the embedded bootstrap schema. Statements are
// idempotent, so this is safe to run on every start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply chat schema: %w", err)
	}
	s.logger.Info("Chat schema verified")
	return nil
}

const chatHistoryColumns = `id, player_id, table_id, tournament_id, message, message_type, is_moderated, moderation_reason, created_at, updated_at`

// ChatHistory returns persisted messages matching the query, newest
// first. Limit defaults to 50 and is capped at 100.
func (s *Store) ChatHistory(ctx context.Context, q *moderator.ChatHistoryQuery) ([]moderator.ChatMessage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	var conds []string
	var args []interface{}
	add := func(format string, val interface{}) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(format, len(args)))
	}
	if q.TableID != "" {
		add("table_id = $%d", q.TableID)
	}
	if q.TournamentID != "" {
		add("tournament_id = $%d", q.TournamentID)
	}
	if q.PlayerID != "" {
		add("player_id = $%d", q.PlayerID)
	}
	if !q.Since.IsZero() {
		add("created_at >= $%d", q.Since)
	}
	if !q.Until.IsZero() {
		add("created_at <= $%d", q.Until)
	}

	query := "SELECT " + chatHistoryColumns + " FROM chat_messages"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat history: %w", err)
	}
	defer rows.Close()

	var messages []moderator.ChatMessage
	for rows.Next() {
		var (
			msg              moderator.ChatMessage
			tableID          sql.NullString
			tournamentID     sql.NullString
			moderationReason sql.NullString
		)
		if err := rows.Scan(
			&msg.ID,
			&msg.PlayerID,
			&tableID,
			&tournamentID,
			&msg.Message,
			&msg.MessageType,
			&msg.IsModerated,
			&moderationReason,
			&msg.CreatedAt,
			&msg.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan chat message: %w", err)
		}
		if tableID.Valid {
			msg.TableID = &tableID.String
		}
		if tournamentID.Valid {
			msg.TournamentID = &tournamentID.String
		}
		if moderationReason.Valid {
			msg.ModerationReason = &moderationReason.String
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chat history rows: %w", err)
	}
	return messages, nil
}
