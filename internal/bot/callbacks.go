package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	cmdInfo         = "info"
	cmdCheck        = "check"
	cmdRemove       = "remove"
	cmdReactivate   = "reactivate"
	cbRemoveConfirm = "remove_confirm"
)

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil {
		return
	}
	chatID := cb.Message.Chat.ID

	callback := tgbotapi.NewCallback(cb.ID, "")
	if _, err := b.api.Send(callback); err != nil {
		b.log.Error("send callback ack", "error", err)
	}

	action, idStr, ok := strings.Cut(cb.Data, ":")
	if !ok {
		return
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return
	}

	b.log.Info("callback",
		"action", action,
		"source_id", id,
		"chat_id", chatID,
		"user_id", cb.From.ID,
		"username", cb.From.UserName,
	)

	switch action {
	case cmdCheck:
		b.handleCheck(ctx, chatID, idStr)
	case cbRemoveConfirm:
		src, ok := b.findSource(ctx, id)
		if !ok {
			b.reply(chatID, fmt.Sprintf("Source %d not found.", id))
			return
		}
		msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("Remove %s? It stays removed until reactivated.", src.Label()))
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Yes, remove", fmt.Sprintf("%s:%d", cmdRemove, id)),
				tgbotapi.NewInlineKeyboardButtonData("Cancel", "noop:0"),
			),
		)
		if _, err := b.api.Send(msg); err != nil {
			b.log.Error("send remove confirmation", "error", err)
		}
	case cmdRemove:
		b.handleRemove(ctx, chatID, idStr)
	case cmdReactivate:
		b.handleReactivate(ctx, chatID, idStr)
	}
}
