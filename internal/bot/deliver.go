package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"digest_bot/internal/model"
	"digest_bot/internal/sources"
)

// Deliver posts a digest entry to the aggregator chat and returns the ID of
// the sent message. A flood-control answer is retried once after the
// requested delay.
func (b *Bot) Deliver(ctx context.Context, d model.Delivery) (int64, error) {
	msg := tgbotapi.NewMessage(b.cfg.AggregatorChatID, FormatDelivery(d))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = !b.cfg.LinkPreview

	for attempt := 0; ; attempt++ {
		if err := b.limiter.Wait(ctx); err != nil {
			return 0, fmt.Errorf("rate limit: %w", err)
		}
		sent, err := b.api.Send(msg)
		if err == nil {
			return int64(sent.MessageID), nil
		}

		var apiErr *tgbotapi.Error
		if attempt > 0 || !errors.As(err, &apiErr) || apiErr.RetryAfter <= 0 {
			return 0, fmt.Errorf("send delivery: %w", err)
		}
		wait := time.Duration(apiErr.RetryAfter) * time.Second
		b.log.Warn("flood control, retrying delivery", "identity", d.Identity, "retry_after", wait)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// IsBroadcast reports whether a source is a broadcast channel rather than a
// group or private chat.
func (b *Bot) IsBroadcast(_ context.Context, src model.Source) (bool, error) {
	chat, err := b.api.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: chatConfig(src.ID, src.Handle)})
	if err != nil {
		return false, fmt.Errorf("get chat %s: %w", src.Label(), err)
	}
	return chat.IsChannel(), nil
}

// LookupChat resolves a public handle to its chat ID and title.
func (b *Bot) LookupChat(_ context.Context, handle string) (int64, string, error) {
	handle = strings.TrimPrefix(handle, "@")
	chat, err := b.api.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: chatConfig(0, handle)})
	if err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest {
			return 0, "", fmt.Errorf("%s: %w", handle, sources.ErrUnknownHandle)
		}
		return 0, "", fmt.Errorf("get chat @%s: %w", handle, err)
	}
	return chat.ID, chat.Title, nil
}

func chatConfig(id int64, handle string) tgbotapi.ChatConfig {
	if handle != "" {
		return tgbotapi.ChatConfig{SuperGroupUsername: "@" + handle}
	}
	return tgbotapi.ChatConfig{ChatID: id}
}
