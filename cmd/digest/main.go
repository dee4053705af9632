package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"digest_bot/internal/bot"
	"digest_bot/internal/classify"
	"digest_bot/internal/config"
	"digest_bot/internal/dedup"
	"digest_bot/internal/embedding"
	"digest_bot/internal/fetcher"
	"digest_bot/internal/identity"
	"digest_bot/internal/linkpreview"
	"digest_bot/internal/media"
	"digest_bot/internal/scheduler"
	"digest_bot/internal/sources"
	"digest_bot/internal/status"
	"digest_bot/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Error("create data directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		log.Error("open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, store, log); err != nil {
		log.Error("digest bot failed", "error", err)
		os.Exit(1)
	}
	log.Info("digest bot stopped")
}

func run(ctx context.Context, cfg *config.Config, store *storage.SQLite, log *slog.Logger) error {
	httpClient := &http.Client{Timeout: cfg.FetchTimeout}

	feeds := fetcher.New(httpClient, cfg.FeedURLTemplate,
		fetcher.WithTimeout(cfg.FetchTimeout),
		fetcher.WithRateLimit(cfg.FetchRate, cfg.FetchConcurrency),
		fetcher.WithLogger(log.With("component", "fetcher")),
	)

	b, err := bot.New(cfg.TelegramBotToken, cfg, log.With("component", "bot"))
	if err != nil {
		return err
	}

	policy := sources.InitPolicy{Mode: cfg.CursorInit, Lookback: cfg.CursorLookback}
	mgr := sources.NewManager(store, feeds, policy, log.With("component", "sources"),
		sources.WithChatLookup(b),
		sources.WithProber(b),
	)
	feeds.SetDirectory(mgr)

	var embedder dedup.Embedder
	if cfg.EmbeddingAPIKey != "" {
		client, err := embedding.New(embedding.Config{
			APIKey:  cfg.EmbeddingAPIKey,
			BaseURL: cfg.EmbeddingBaseURL,
			Model:   cfg.EmbeddingModel,
			Timeout: cfg.EmbeddingTimeout,
		})
		if err != nil {
			return err
		}
		embedder = client
	} else {
		log.Info("no embedding key, near-duplicate detection uses simhash")
	}

	approx := dedup.NewApprox(store, embedder, dedup.ApproxConfig{
		Window:              cfg.DedupWindow(),
		SimilarityThreshold: cfg.SimilarityThreshold,
		HammingThreshold:    cfg.HammingThreshold,
		EmbedTimeout:        cfg.EmbeddingTimeout,
	}, log.With("component", "approx"))
	if err := approx.Load(ctx, time.Now()); err != nil {
		return err
	}

	deps := scheduler.Deps{
		Store:      store,
		Sources:    mgr,
		Fetcher:    feeds,
		Resolver:   identity.NewTracker(mgr, mgr, log.With("component", "identity")),
		Exact:      dedup.NewExact(store, log.With("component", "exact")),
		Approx:     approx,
		Deliverer:  b,
		Configured: cfg.Sources,
	}
	if cfg.OpenAIAPIKey != "" {
		classifier, err := classify.New(classify.Config{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			Timeout: cfg.ClassifyTimeout,
		}, log.With("component", "classify"))
		if err != nil {
			return err
		}
		deps.Classifier = classifier
		deps.Links = linkpreview.New(httpClient, cfg.FetchTimeout, log.With("component", "linkpreview"))

		if cfg.MediaText {
			extractor, err := media.New(cfg.OpenAIAPIKey, "", cfg.OpenAIModel, cfg.ClassifyTimeout, log.With("component", "media"))
			if err != nil {
				return err
			}
			deps.Media = extractor
		}
	} else {
		log.Info("no OpenAI key, messages are delivered unclassified")
	}

	sched := scheduler.New(deps, scheduler.Settings{
		Interval:      cfg.PollInterval,
		Concurrency:   cfg.FetchConcurrency,
		MinImportance: cfg.MinImportance(),
	}, log.With("component", "scheduler"))

	b.SetSources(mgr)
	b.SetStats(store)
	b.SetPoller(sched)

	log.Info("starting digest bot",
		"aggregator", cfg.AggregatorChatID,
		"interval", cfg.PollInterval,
		"cursor_init", cfg.CursorInit,
		"min_importance", cfg.MinImportance(),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Run(ctx)
		return nil
	})
	g.Go(func() error {
		b.Run(ctx)
		return nil
	})
	if cfg.SourcesFile != "" {
		g.Go(func() error {
			// Without a watcher the file is still re-read on every tick.
			if err := config.WatchSources(ctx, cfg.SourcesFile, sched.Trigger, log.With("component", "watcher")); err != nil {
				log.Warn("sources file watcher stopped", "error", err)
			}
			return nil
		})
	}
	if cfg.StatusAddr != "" {
		g.Go(func() error {
			return status.New(store, cfg.StatusAddr, log.With("component", "status")).Start(ctx)
		})
	}
	return g.Wait()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
