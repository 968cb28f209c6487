package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"cardroom/railbird/pkg/api/railbird"
)

// MaxChatMessageLength bounds a single chat message after sanitization.
const MaxChatMessageLength = 500

// FrameValidator performs structural and type-specific validation of
// client frames before the dispatcher acts on them.
type FrameValidator struct {
	validator *validator.Validate
}

// NewFrameValidator constructs a FrameValidator with standard struct validation.
func NewFrameValidator() *FrameValidator {
	return &FrameValidator{
		validator: validator.New(),
	}
}

// ValidateSubscribe checks a subscribe or unsubscribe payload. Channel
// existence and permissions are the registry's call, not ours.
func (v *FrameValidator) ValidateSubscribe(p *railbird.SubscribePayload) error {
	if err := v.validator.Struct(p); err != nil {
		return fmt.Errorf("subscribe validation failed: %w", err)
	}
	return nil
}

// ValidateChat checks an inbound chat payload after sanitization.
func (v *FrameValidator) ValidateChat(p *railbird.ChatPayload) error {
	if err := v.validator.Struct(p); err != nil {
		return fmt.Errorf("chat validation failed: %w", err)
	}
	return nil
}

// ValidatePlayerAction checks a poker action. A raise must carry a
// positive amount; the other actions ignore it.
func (v *FrameValidator) ValidatePlayerAction(p *railbird.PlayerActionPayload) error {
	if err := v.validator.Struct(p); err != nil {
		return fmt.Errorf("player action validation failed: %w", err)
	}
	if p.Action == "raise" && p.Amount <= 0 {
		return fmt.Errorf("raise requires a positive amount")
	}
	return nil
}

// ValidateJoinTable checks a join_table payload.
func (v *FrameValidator) ValidateJoinTable(p *railbird.JoinTablePayload) error {
	if err := v.validator.Struct(p); err != nil {
		return fmt.Errorf("join table validation failed: %w", err)
	}
	return nil
}

// ValidateMutePlayer checks a mute_player payload.
func (v *FrameValidator) ValidateMutePlayer(p *railbird.MutePlayerPayload) error {
	if err := v.validator.Struct(p); err != nil {
		return fmt.Errorf("mute validation failed: %w", err)
	}
	return nil
}

// ValidateDeleteChatMessage checks a delete_chat_message payload.
func (v *FrameValidator) ValidateDeleteChatMessage(p *railbird.DeleteChatMessagePayload) error {
	if err := v.validator.Struct(p); err != nil {
		return fmt.Errorf("delete validation failed: %w", err)
	}
	return nil
}

// ValidateReportMessage checks a report_message payload.
func (v *FrameValidator) ValidateReportMessage(p *railbird.ReportMessagePayload) error {
	if err := v.validator.Struct(p); err != nil {
		return fmt.Errorf("report validation failed: %w", err)
	}
	return nil
}

// ValidateChatHistoryRequest checks a get_chat_history payload.
func (v *FrameValidator) ValidateChatHistoryRequest(p *railbird.ChatHistoryRequestPayload) error {
	if err := v.validator.Struct(p); err != nil {
		return fmt.Errorf("history request validation failed: %w", err)
	}
	return nil
}

// SanitizeChatMessage trims whitespace, strips control runes, escapes
// markup brackets, and clamps the message to MaxChatMessageLength runes.
// Applied before moderation so the moderator and broadcast see
// identical text.
func SanitizeChatMessage(message string) string {
	var b strings.Builder
	b.Grow(len(message))
	for _, r := range message {
		switch {
		case r == '<':
			b.WriteString("&lt;")
		case r == '>':
			b.WriteString("&gt;")
		case unicode.IsControl(r) && r != '\n':
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	cleaned := strings.TrimSpace(b.String())
	runes := []rune(cleaned)
	if len(runes) > MaxChatMessageLength {
		cleaned = string(runes[:MaxChatMessageLength])
	}
	return cleaned
}
