package gameengine

import (
	"encoding/json"
	"time"
)

// Poker actions accepted by the engine.
const (
	ActionFold  = "fold"
	ActionCheck = "check"
	ActionCall  = "call"
	ActionRaise = "raise"
	ActionAllIn = "allin"
)

// Recovery policies the engine may choose for a disconnected player.
const (
	RecoveryWait     = "wait"
	RecoveryAutoFold = "auto-fold"
)

// ActionRequest submits a player action for a table.
type ActionRequest struct {
	PlayerID string `json:"playerId"`
	TableID  string `json:"tableId"`
	Action   string `json:"action"`
	Amount   int64  `json:"amount,omitempty"`
}

// ActionResponse carries the engine verdict and, on success, the state
// delta broadcast to the table as game_update.
type ActionResponse struct {
	Success bool            `json:"success"`
	State   json.RawMessage `json:"state,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// DisconnectReport tells the engine a seated player dropped mid-session.
type DisconnectReport struct {
	PlayerID        string        `json:"playerId"`
	TableID         string        `json:"tableId"`
	InHand          bool          `json:"inHand"`
	HasBet          bool          `json:"hasBet"`
	Duration        time.Duration `json:"-"`
	DurationSeconds int           `json:"durationSeconds"`
}

// DisconnectResponse is the engine's recovery decision.
type DisconnectResponse struct {
	RecoveryPolicy string `json:"recoveryPolicy"`
}

// TableState is the full snapshot returned for table_state requests.
type TableState struct {
	TableID   string          `json:"tableId"`
	HandID    string          `json:"handId,omitempty"`
	State     json.RawMessage `json:"state"`
	UpdatedAt time.Time       `json:"updatedAt"`
}
