package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"digest_bot/internal/model"
	"digest_bot/internal/sources"
	"digest_bot/internal/storage"
)

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Welcome to Digest Bot!

I watch Telegram channels, drop duplicate and near-duplicate posts, and send a classified digest to the aggregator chat.

Quick start:
1. /add <@handle> — start monitoring a channel
2. /sources — show monitored channels
3. /status — show digest counters

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Source management:
/add <@handle | id | id:handle> ... — monitor channels
/sources — list active and removed channels
/info <@handle | id> — channel details
/remove <@handle | id> — stop monitoring a channel
/reactivate <@handle | id> — bring back a removed channel
/check <@handle | id> — poll a channel now

/status — digest counters

Removed channels stay removed across restarts and configuration reloads until reactivated.`)
}

// resolveRef maps a command argument to a known source ID.
func (b *Bot) resolveRef(ctx context.Context, args string) (int64, string, error) {
	ref, err := ParseSourceRef(args)
	if err != nil {
		return 0, "", err
	}
	if ref.ID != 0 {
		return ref.ID, fmt.Sprintf("%d", ref.ID), nil
	}
	id, err := b.sources.LookupHandle(ctx, ref.Handle)
	if err != nil {
		return 0, "@" + ref.Handle, err
	}
	return id, "@" + ref.Handle, nil
}

func (b *Bot) findSource(ctx context.Context, id int64) (model.Source, bool) {
	list, err := b.sources.ListAll(ctx)
	if err != nil {
		b.log.Error("list sources", "error", err)
		return model.Source{}, false
	}
	for _, s := range list {
		if s.ID == id {
			return s, true
		}
	}
	return model.Source{}, false
}

func (b *Bot) handleSources(ctx context.Context, chatID int64) {
	list, err := b.sources.ListAll(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatSourceList(list))
}

func (b *Bot) handleInfo(ctx context.Context, chatID int64, args string) {
	id, label, err := b.resolveRef(ctx, args)
	if err != nil {
		b.reply(chatID, "Usage: /info <@handle | id>")
		return
	}
	src, ok := b.findSource(ctx, id)
	if !ok {
		b.reply(chatID, fmt.Sprintf("Source %s not found.", label))
		return
	}

	action := tgbotapi.NewInlineKeyboardButtonData("Remove", fmt.Sprintf("%s:%d", cbRemoveConfirm, src.ID))
	if !src.Active {
		action = tgbotapi.NewInlineKeyboardButtonData("Reactivate", fmt.Sprintf("%s:%d", cmdReactivate, src.ID))
	}
	msg := tgbotapi.NewMessage(chatID, FormatSourceInfo(src))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Check now", fmt.Sprintf("%s:%d", cmdCheck, src.ID)),
			action,
		),
	)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send source info", "error", err)
	}
}

func (b *Bot) handleAdd(ctx context.Context, chatID int64, args string) {
	list, err := ParseAddArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}

	var lines []string
	added := 0
	for _, src := range list {
		saved, err := b.sources.Upsert(ctx, src)
		switch {
		case errors.Is(err, sources.ErrRemoved):
			lines = append(lines, fmt.Sprintf("%s is removed (%s). Use /reactivate %d to bring it back.",
				saved.Label(), saved.RemovedReason, saved.ID))
		case errors.Is(err, sources.ErrUnknownHandle):
			lines = append(lines, fmt.Sprintf("%s: channel not found.", src.Label()))
		case err != nil:
			lines = append(lines, fmt.Sprintf("%s: %v", src.Label(), err))
		default:
			added++
			lines = append(lines, fmt.Sprintf("%s added (id %d).", saved.Label(), saved.ID))
		}
	}
	if added > 0 && b.poller != nil {
		b.poller.Trigger()
	}
	b.reply(chatID, strings.Join(lines, "\n"))
}

func (b *Bot) handleRemove(ctx context.Context, chatID int64, args string) {
	id, label, err := b.resolveRef(ctx, args)
	if err != nil {
		b.reply(chatID, "Usage: /remove <@handle | id>")
		return
	}
	src, ok := b.findSource(ctx, id)
	if !ok {
		b.reply(chatID, fmt.Sprintf("Source %s not found.", label))
		return
	}
	if !src.Active {
		b.reply(chatID, fmt.Sprintf("Source %s is already removed.", src.Label()))
		return
	}
	if err := b.sources.Remove(ctx, id, sources.ReasonAdmin); err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Source %s removed. It will not be re-added until /reactivate.", src.Label()))
}

func (b *Bot) handleReactivate(ctx context.Context, chatID int64, args string) {
	id, label, err := b.resolveRef(ctx, args)
	if err != nil {
		b.reply(chatID, "Usage: /reactivate <@handle | id>")
		return
	}
	err = b.sources.Reactivate(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		b.reply(chatID, fmt.Sprintf("Source %s not found.", label))
		return
	}
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if b.poller != nil {
		b.poller.Trigger()
	}
	b.reply(chatID, fmt.Sprintf("Source %s reactivated.", label))
}

func (b *Bot) handleCheck(ctx context.Context, chatID int64, args string) {
	id, label, err := b.resolveRef(ctx, args)
	if err != nil {
		b.reply(chatID, "Usage: /check <@handle | id>")
		return
	}
	if b.poller == nil {
		b.reply(chatID, "Polling is not available.")
		return
	}
	res, err := b.poller.CheckSource(ctx, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Check of %s failed: %v", label, err))
		return
	}
	b.reply(chatID, FormatPollResult(label, res))
}

func (b *Bot) handleStatus(ctx context.Context, chatID int64) {
	if b.stats == nil {
		b.reply(chatID, "Status is not available.")
		return
	}
	st, err := b.stats.Stats(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatStats(st))
}
