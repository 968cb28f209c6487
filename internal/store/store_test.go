package store

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"cardroom/railbird/pkg/api/moderator"
	"cardroom/railbird/pkg/logging"
	"cardroom/railbird/pkg/testutil"
)

var fixtures = testutil.NewChatFixtures()

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := logging.NewLogger()
	logger.SetOutput(io.Discard)
	return NewStore(db, logger), mock
}

func historyRows() *sqlmock.Rows {
	return sqlmock.NewRows(fixtures.GetChatMessageColumns())
}

func TestChatHistoryByTable(t *testing.T) {
	s, mock := newTestStore(t)

	now := time.Now()
	rows := historyRows().
		AddRow("msg-2", "player-2", "table-9", nil, "nice hand", "chat", false, nil, now, now).
		AddRow("msg-1", "player-1", "table-9", nil, "gl all", "chat", true, "flagged", now.Add(-time.Minute), now.Add(-time.Minute))

	mock.ExpectQuery(`SELECT (.+) FROM chat_messages WHERE table_id = \$1 ORDER BY created_at DESC LIMIT \$2 OFFSET \$3`).
		WithArgs("table-9", 50, 0).
		WillReturnRows(rows)

	got, err := s.ChatHistory(context.Background(), &moderator.ChatHistoryQuery{TableID: "table-9"})
	if err != nil {
		t.Fatalf("ChatHistory() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ChatHistory() returned %d messages, want 2", len(got))
	}
	if got[0].ID != "msg-2" {
		t.Errorf("first message = %s, want newest first", got[0].ID)
	}
	if got[0].TableID == nil || *got[0].TableID != "table-9" {
		t.Errorf("TableID = %v, want table-9", got[0].TableID)
	}
	if got[0].TournamentID != nil {
		t.Errorf("TournamentID = %v, want nil", got[0].TournamentID)
	}
	if got[0].ModerationReason != nil {
		t.Errorf("ModerationReason = %v, want nil", got[0].ModerationReason)
	}
	if !got[1].IsModerated || got[1].ModerationReason == nil || *got[1].ModerationReason != "flagged" {
		t.Errorf("moderated message mapping = %+v", got[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestChatHistoryClampsLimitAndOffset(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT (.+) FROM chat_messages WHERE table_id = \$1 ORDER BY created_at DESC LIMIT \$2 OFFSET \$3`).
		WithArgs("table-9", 100, 0).
		WillReturnRows(historyRows())

	_, err := s.ChatHistory(context.Background(), &moderator.ChatHistoryQuery{
		TableID: "table-9",
		Limit:   5000,
		Offset:  -3,
	})
	if err != nil {
		t.Fatalf("ChatHistory() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestChatHistoryCombinedFilters(t *testing.T) {
	s, mock := newTestStore(t)

	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	until := since.Add(24 * time.Hour)

	mock.ExpectQuery(`SELECT (.+) FROM chat_messages WHERE table_id = \$1 AND tournament_id = \$2 AND player_id = \$3 AND created_at >= \$4 AND created_at <= \$5 ORDER BY created_at DESC LIMIT \$6 OFFSET \$7`).
		WithArgs("table-9", "tourney-1", "player-1", since, until, 25, 10).
		WillReturnRows(historyRows())

	_, err := s.ChatHistory(context.Background(), &moderator.ChatHistoryQuery{
		TableID:      "table-9",
		TournamentID: "tourney-1",
		PlayerID:     "player-1",
		Since:        since,
		Until:        until,
		Limit:        25,
		Offset:       10,
	})
	if err != nil {
		t.Fatalf("ChatHistory() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestChatHistoryNoFilters(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT (.+) FROM chat_messages ORDER BY created_at DESC LIMIT \$1 OFFSET \$2`).
		WithArgs(50, 0).
		WillReturnRows(historyRows())

	got, err := s.ChatHistory(context.Background(), &moderator.ChatHistoryQuery{})
	if err != nil {
		t.Fatalf("ChatHistory() error = %v", err)
	}
	if got != nil {
		t.Errorf("ChatHistory() = %v, want nil for empty result", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestChatHistoryFixtureMapping(t *testing.T) {
	s, mock := newTestStore(t)

	valid := fixtures.ChatMessageValid()
	lobby := fixtures.ChatMessageWithNulls()
	moderated := fixtures.ChatMessageModerated()

	rows := historyRows().
		AddRow(fixtures.GetChatMessageRowData(valid)...).
		AddRow(fixtures.GetChatMessageRowData(lobby)...).
		AddRow(fixtures.GetChatMessageRowData(moderated)...)

	mock.ExpectQuery(`SELECT (.+) FROM chat_messages ORDER BY created_at DESC LIMIT \$1 OFFSET \$2`).
		WithArgs(50, 0).
		WillReturnRows(rows)

	got, err := s.ChatHistory(context.Background(), &moderator.ChatHistoryQuery{})
	if err != nil {
		t.Fatalf("ChatHistory() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ChatHistory() returned %d messages, want 3", len(got))
	}
	if got[0].ID != valid.ID || *got[0].TableID != *valid.TableID || *got[0].TournamentID != *valid.TournamentID {
		t.Errorf("valid message mapping = %+v", got[0])
	}
	if got[1].TableID != nil || got[1].TournamentID != nil || got[1].ModerationReason != nil {
		t.Errorf("lobby message should have nil scopes, got %+v", got[1])
	}
	if !got[2].IsModerated || got[2].ModerationReason == nil || *got[2].ModerationReason != *moderated.ModerationReason {
		t.Errorf("moderated message mapping = %+v", got[2])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestChatHistoryQueryError(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT (.+) FROM chat_messages`).
		WillReturnError(context.DeadlineExceeded)

	_, err := s.ChatHistory(context.Background(), &moderator.ChatHistoryQuery{TableID: "table-9"})
	if err == nil {
		t.Fatal("ChatHistory() error = nil, want wrapped query error")
	}
	if !strings.Contains(err.Error(), "failed to query chat history") {
		t.Errorf("error = %v, want query failure context", err)
	}
}

func TestEnsureSchema(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS chat_messages").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
