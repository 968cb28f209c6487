package websocket

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"cardroom/railbird/pkg/api/gameengine"
	"cardroom/railbird/pkg/api/moderator"
	"cardroom/railbird/pkg/api/railbird"
	"cardroom/railbird/pkg/logging"
)

// commandHistoryLimit caps how many messages /history pulls from the
// moderator.
const commandHistoryLimit = 20

const helpText = "Available commands: /fold /check /call /raise <amount> /allin " +
	"/history /mute <player> [reason] /report <messageId> [reason] /help"

// runCommand interprets a chat line starting with "/". Commands do not
// count against the chat rate limit, and action commands reuse the
// player_action path including its permission checks.
func (d *Dispatcher) runCommand(ctx context.Context, c *Connection, tableID, message string) {
	fields := strings.Fields(message)
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	args := fields[1:]

	d.logger.WithFields(logging.Fields{
		"player_id": c.Principal.UserID,
		"table_id":  tableID,
		"command":   name,
	}).Debug("Chat command")

	switch name {
	case "fold", "check", "call", "allin":
		d.commandAction(ctx, c, tableID, name, 0)
	case "raise":
		if len(args) == 0 {
			d.sendError(c, railbird.ErrMsgInvalidFormat)
			return
		}
		amount, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || amount <= 0 {
			d.sendError(c, railbird.ErrMsgInvalidFormat)
			return
		}
		d.commandAction(ctx, c, tableID, gameengine.ActionRaise, amount)
	case "history":
		d.commandHistory(ctx, c, tableID)
	case "mute":
		if len(args) == 0 {
			d.sendError(c, railbird.ErrMsgInvalidFormat)
			return
		}
		d.mutePlayer(ctx, c, args[0], tableID, strings.Join(args[1:], " "), 0)
	case "report":
		if len(args) == 0 {
			d.sendError(c, railbird.ErrMsgInvalidFormat)
			return
		}
		d.reportMessage(ctx, c, args[0], strings.Join(args[1:], " "))
	case "help":
		if f, err := railbird.NewFrame(railbird.TypeSystem, railbird.SystemPayload{Message: helpText}); err == nil {
			c.Enqueue(f)
		}
	default:
		d.sendError(c, fmt.Sprintf("unknown command: /%s", name))
	}
}

// commandAction turns a poker verb typed in chat into a regular
// player_action submission.
func (d *Dispatcher) commandAction(ctx context.Context, c *Connection, tableID, action string, amount int64) {
	d.submitAction(ctx, c, &railbird.PlayerActionPayload{
		PlayerID: c.Principal.UserID,
		TableID:  tableID,
		Action:   action,
		Amount:   amount,
	})
}

// commandHistory asks the moderator for the latest messages, unlike
// get_chat_history which reads the gateway's own replica.
func (d *Dispatcher) commandHistory(ctx context.Context, c *Connection, tableID string) {
	cctx, cancel := context.WithTimeout(ctx, upstreamTimeout)
	defer cancel()
	messages, err := d.moderator.GetChatHistory(cctx, &moderator.ChatHistoryQuery{
		TableID: tableID,
		Limit:   commandHistoryLimit,
	})
	if err != nil {
		d.logger.WithFields(logging.Fields{
			"table_id": tableID,
			"error":    err.Error(),
		}).Warn("History command failed")
		d.sendError(c, d.mapped(errMsgChatHistoryFailed))
		return
	}
	d.sendChatHistory(c, messages)
}
