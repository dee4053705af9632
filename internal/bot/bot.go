// Package bot delivers digests to the aggregator chat and serves the admin commands.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"digest_bot/internal/config"
	"digest_bot/internal/model"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// SourceAdmin is the source-set management used by the admin commands.
type SourceAdmin interface {
	ListAll(ctx context.Context) ([]model.Source, error)
	Upsert(ctx context.Context, src model.Source) (model.Source, error)
	Remove(ctx context.Context, sourceID int64, reason string) error
	Reactivate(ctx context.Context, sourceID int64) error
	LookupHandle(ctx context.Context, handle string) (int64, error)
}

// StatsReader reports store counters.
type StatsReader interface {
	Stats(ctx context.Context) (model.Stats, error)
}

// Poller runs polls outside the regular schedule.
type Poller interface {
	Trigger()
	CheckSource(ctx context.Context, sourceID int64) (model.PollResult, error)
}

// Bot is the Telegram bot that delivers digests and handles admin commands.
type Bot struct {
	api     telegramAPI
	cfg     *config.Config
	sources SourceAdmin
	stats   StatsReader
	poller  Poller
	limiter *rate.Limiter
	log     *slog.Logger
}

// New creates a Bot with the given Telegram token and config.
func New(token string, cfg *config.Config, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return newBot(api, cfg, log), nil
}

func newBot(api telegramAPI, cfg *config.Config, log *slog.Logger) *Bot {
	return &Bot{
		api: api,
		cfg: cfg,
		// Telegram allows about 20 messages per minute into one group.
		limiter: rate.NewLimiter(rate.Every(3*time.Second), 5),
		log:     log,
	}
}

// SetSources wires the source-set manager used by the admin commands.
func (b *Bot) SetSources(s SourceAdmin) { b.sources = s }

// SetStats wires the store counters shown by /status.
func (b *Bot) SetStats(s StatsReader) { b.stats = s }

// SetPoller wires the scheduler used by /add and /check.
func (b *Bot) SetPoller(p Poller) { b.poller = p }

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		if update.CallbackQuery.From == nil || !b.cfg.IsUserAllowed(update.CallbackQuery.From.ID) {
			return
		}
		b.handleCallback(ctx, update.CallbackQuery)
		return
	}
	if update.Message == nil || !update.Message.IsCommand() || update.Message.From == nil {
		return
	}
	if !b.cfg.IsUserAllowed(update.Message.From.ID) {
		b.reply(update.Message.Chat.ID, "Access denied.")
		return
	}
	b.handleCommand(ctx, update.Message)
}

// SendMessage sends a text message to the given chat.
func (b *Bot) SendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) reply(chatID int64, text string) {
	b.SendMessage(chatID, text)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case "sources":
		b.handleSources(ctx, chatID)
	case cmdInfo:
		b.handleInfo(ctx, chatID, args)
	case "add":
		b.handleAdd(ctx, chatID, args)
	case cmdRemove:
		b.handleRemove(ctx, chatID, args)
	case cmdReactivate:
		b.handleReactivate(ctx, chatID, args)
	case cmdCheck:
		b.handleCheck(ctx, chatID, args)
	case "status":
		b.handleStatus(ctx, chatID)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}
