// Package scheduler polls the active sources and drives each new message
// through identity resolution, deduplication, classification and delivery.
package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"digest_bot/internal/classify"
	"digest_bot/internal/dedup"
	"digest_bot/internal/fetcher"
	"digest_bot/internal/identity"
	"digest_bot/internal/model"
	"digest_bot/internal/rules"
	"digest_bot/internal/sources"
)

// ErrBusy is returned by CheckSource while the source is already being polled.
var ErrBusy = errors.New("source poll already in progress")

// Store is the persistence the scheduler needs directly.
type Store interface {
	GetSource(ctx context.Context, id int64) (*model.Source, error)
	GetCursor(ctx context.Context, sourceID int64) (*int64, error)
	SetCursor(ctx context.Context, sourceID, seq int64) error
	MarkDelivered(ctx context.Context, id model.Identity, messageID *int64, cls *model.Classification) error
}

// SourceSet is the source-set manager.
type SourceSet interface {
	Sync(ctx context.Context, configured []model.Source) error
	ListActive(ctx context.Context) ([]model.Source, error)
	InitCursor(ctx context.Context, src model.Source) (int64, error)
	Policy() sources.InitPolicy
	Remove(ctx context.Context, sourceID int64, reason string) error
}

// Fetcher retrieves the messages of a source after a cursor.
type Fetcher interface {
	Fetch(ctx context.Context, src model.Source, after int64) ([]model.InboundMessage, error)
}

// Resolver maps a message to its canonical identity.
type Resolver interface {
	Resolve(ctx context.Context, msg model.InboundMessage) model.Identity
}

// ExactDeduper is the exact-match check-and-record step.
type ExactDeduper interface {
	CheckAndRecord(ctx context.Context, id model.Identity, normalized string) (model.Verdict, error)
}

// ApproxDeduper is the windowed similarity check-and-record step.
type ApproxDeduper interface {
	CheckAndRecord(ctx context.Context, id model.Identity, normalized string, ts time.Time) (model.Verdict, error)
	Prune(ctx context.Context, now time.Time) error
}

// Classifier labels novel messages.
type Classifier interface {
	Classify(ctx context.Context, in classify.Input) (*model.Classification, error)
}

// Deliverer hands a novel message to the aggregator and returns the delivered message ID.
type Deliverer interface {
	Deliver(ctx context.Context, d model.Delivery) (int64, error)
}

// MediaExtractor reads text out of attachments.
type MediaExtractor interface {
	ExtractText(ctx context.Context, refs []model.MediaRef) string
}

// LinkFetcher summarizes linked web pages.
type LinkFetcher interface {
	Summarize(ctx context.Context, links []string) string
}

// Deps are the collaborators of the scheduler. Classifier, Media, Links and
// Configured are optional.
type Deps struct {
	Store      Store
	Sources    SourceSet
	Fetcher    Fetcher
	Resolver   Resolver
	Exact      ExactDeduper
	Approx     ApproxDeduper
	Deliverer  Deliverer
	Classifier Classifier
	Media      MediaExtractor
	Links      LinkFetcher
	Configured func() ([]model.Source, error)
}

// Settings tune the polling loop.
type Settings struct {
	Interval      time.Duration
	Concurrency   int
	MinImportance model.Importance
	// DrainTimeout bounds the work on one message once it has entered
	// deduplication. Cancelling the poll does not cut that work short.
	DrainTimeout time.Duration
}

// Scheduler periodically polls every active source.
type Scheduler struct {
	deps     Deps
	settings Settings
	log      *slog.Logger
	now      func() time.Time
	trigger  chan struct{}

	mu   sync.Mutex
	busy map[int64]bool
}

// New creates a Scheduler.
func New(deps Deps, settings Settings, log *slog.Logger) *Scheduler {
	if settings.Interval <= 0 {
		settings.Interval = 30 * time.Second
	}
	if settings.Concurrency < 1 {
		settings.Concurrency = 1
	}
	if settings.MinImportance == "" {
		settings.MinImportance = model.ImportanceLow
	}
	if settings.DrainTimeout <= 0 {
		settings.DrainTimeout = 2 * time.Minute
	}
	return &Scheduler{
		deps:     deps,
		settings: settings,
		log:      log,
		now:      time.Now,
		trigger:  make(chan struct{}, 1),
		busy:     make(map[int64]bool),
	}
}

// Trigger requests a poll ahead of the next tick. Requests made while one is
// pending are coalesced.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run starts the scheduler loop, blocking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.tick(ctx)

	ticker := time.NewTicker(s.settings.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		case <-s.trigger:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.deps.Configured != nil {
		configured, err := s.deps.Configured()
		if err != nil {
			s.log.Error("load configured sources", "error", err)
		} else if err := s.deps.Sources.Sync(ctx, configured); err != nil {
			s.log.Warn("sync configured sources", "error", err)
		}
	}

	active, err := s.deps.Sources.ListActive(ctx)
	if err != nil {
		s.log.Error("list active sources", "error", err)
		return
	}

	var g errgroup.Group
	g.SetLimit(s.settings.Concurrency)
	for _, src := range active {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			s.pollSource(ctx, src)
			return nil
		})
	}
	_ = g.Wait()

	if err := s.deps.Approx.Prune(ctx, s.now()); err != nil {
		s.log.Warn("prune similarity window", "error", err)
	}
}

// pollSource polls one source in isolation: errors are logged and panics
// are recovered so the other sources keep going.
func (s *Scheduler) pollSource(ctx context.Context, src model.Source) {
	if !s.acquire(src.ID) {
		s.log.Debug("source poll in progress, skipping", "source_id", src.ID)
		return
	}
	defer s.release(src.ID)

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic while polling source", "source_id", src.ID, "panic", r)
		}
	}()

	res, err := s.Poll(ctx, src)
	s.handleResult(ctx, src, res, err)
}

// CheckSource polls one source immediately.
func (s *Scheduler) CheckSource(ctx context.Context, sourceID int64) (model.PollResult, error) {
	src, err := s.deps.Store.GetSource(ctx, sourceID)
	if err != nil {
		return model.PollResult{}, err
	}
	if !src.Active {
		return model.PollResult{}, sources.ErrRemoved
	}
	if !s.acquire(src.ID) {
		return model.PollResult{}, ErrBusy
	}
	defer s.release(src.ID)

	res, err := s.Poll(ctx, *src)
	s.handleResult(ctx, *src, res, err)
	return res, err
}

func (s *Scheduler) handleResult(ctx context.Context, src model.Source, res model.PollResult, err error) {
	switch {
	case errors.Is(err, fetcher.ErrAccessLost):
		s.log.Warn("source access lost", "source_id", src.ID, "handle", src.Handle, "error", err)
		if err := s.deps.Sources.Remove(ctx, src.ID, sources.ReasonAccessLost); err != nil {
			s.log.Error("remove source", "source_id", src.ID, "error", err)
		}
	case err != nil:
		s.log.Error("poll source", "source_id", src.ID, "handle", src.Handle, "error", err)
	case res.Fetched > 0:
		s.log.Info("source polled",
			"source_id", src.ID,
			"fetched", res.Fetched,
			"novel", res.Novel,
			"duplicates", res.Duplicates,
			"skipped", res.Skipped,
			"cursor", res.Cursor,
		)
	}
}

func (s *Scheduler) acquire(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[id] {
		return false
	}
	s.busy[id] = true
	return true
}

func (s *Scheduler) release(id int64) {
	s.mu.Lock()
	delete(s.busy, id)
	s.mu.Unlock()
}

// Poll processes the batch of one source. The cursor advances to the last
// processed sequence once the batch is done, even when every message was a
// duplicate. A store failure aborts the batch and leaves the cursor as is.
func (s *Scheduler) Poll(ctx context.Context, src model.Source) (model.PollResult, error) {
	var res model.PollResult

	stored, err := s.deps.Store.GetCursor(ctx, src.ID)
	if err != nil {
		return res, fmt.Errorf("get cursor: %w", err)
	}
	if stored == nil {
		initial, err := s.deps.Sources.InitCursor(ctx, src)
		if err != nil {
			return res, fmt.Errorf("init cursor: %w", err)
		}
		res.Cursor = initial
		if s.deps.Sources.Policy().Mode == sources.InitLatest {
			return res, nil
		}
		stored = &initial
	}
	cursor := *stored
	res.Cursor = cursor

	msgs, err := s.deps.Fetcher.Fetch(ctx, src, cursor)
	if err != nil {
		return res, fmt.Errorf("fetch %s: %w", src.Label(), err)
	}
	slices.SortFunc(msgs, func(a, b model.InboundMessage) int {
		return cmp.Compare(a.Sequence, b.Sequence)
	})

	last := cursor
	for _, msg := range msgs {
		if msg.Sequence <= last {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		res.Fetched++
		// The fingerprint is recorded before delivery, so a message that
		// enters deduplication is finished even when ctx is cancelled.
		msgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.settings.DrainTimeout)
		err := s.process(msgCtx, src, msg, &res)
		cancel()
		if err != nil {
			return res, fmt.Errorf("process %s/%d: %w", src.Label(), msg.Sequence, err)
		}
		last = msg.Sequence
	}

	if last > cursor {
		// Progress made before a cancellation is still persisted.
		if err := s.deps.Store.SetCursor(context.WithoutCancel(ctx), src.ID, last); err != nil {
			return res, fmt.Errorf("persist cursor: %w", err)
		}
		res.Cursor = last
	}
	return res, nil
}

// process runs one message through the pipeline and updates res. Only store
// failures are returned; classification and delivery problems are logged.
func (s *Scheduler) process(ctx context.Context, src model.Source, msg model.InboundMessage, res *model.PollResult) error {
	if msg.IsThreadReply() {
		res.Skipped++
		return nil
	}
	normalized := dedup.Normalize(msg.RawText())
	if normalized == "" {
		s.log.Debug("skip message without text", "source_id", src.ID, "seq", msg.Sequence)
		res.Skipped++
		return nil
	}

	id := s.deps.Resolver.Resolve(ctx, msg)

	verdict, err := s.deps.Exact.CheckAndRecord(ctx, id, normalized)
	if err != nil {
		return err
	}
	if verdict == model.Duplicate {
		res.Duplicates++
		return nil
	}

	verdict, err = s.deps.Approx.CheckAndRecord(ctx, id, normalized, msg.CreatedAt)
	if err != nil {
		return err
	}
	if verdict == model.Duplicate {
		res.Duplicates++
		return nil
	}

	res.Novel++
	s.emit(ctx, src, msg, id)
	return nil
}

// emit classifies a novel message and delivers it when it passes the
// importance gate. The fingerprint is already recorded, so a failed delivery
// is not retried on the next poll.
func (s *Scheduler) emit(ctx context.Context, src model.Source, msg model.InboundMessage, id model.Identity) {
	text := msg.RawText()

	var cls *model.Classification
	if s.deps.Classifier != nil {
		in := classify.Input{Text: text}
		if s.deps.Media != nil && len(msg.Media) > 0 {
			in.MediaText = s.deps.Media.ExtractText(ctx, msg.Media)
		}
		if s.deps.Links != nil && len(msg.Links) > 0 {
			in.LinkSummary = s.deps.Links.Summarize(ctx, msg.Links)
		}
		c, err := s.deps.Classifier.Classify(ctx, in)
		if err != nil {
			s.log.Warn("classify message", "identity", id, "error", err)
		} else {
			cls = c
		}
	}

	if !rules.Passes(cls, s.settings.MinImportance) {
		s.log.Debug("message below importance threshold", "identity", id, "importance", cls.Importance)
		if err := s.deps.Store.MarkDelivered(ctx, id, nil, cls); err != nil {
			s.log.Warn("record classification", "identity", id, "error", err)
		}
		return
	}

	originHandle := identity.OriginHandle(msg, id)
	delivered, err := s.deps.Deliverer.Deliver(ctx, model.Delivery{
		Identity:       id,
		Source:         src,
		OriginHandle:   originHandle,
		Text:           text,
		Classification: cls,
		CreatedAt:      msg.CreatedAt,
	})
	if err != nil {
		s.log.Error("deliver message", "identity", id, "error", err)
		return
	}
	if err := s.deps.Store.MarkDelivered(ctx, id, &delivered, cls); err != nil {
		s.log.Warn("record delivery", "identity", id, "error", err)
	}

	importance := "unclassified"
	if cls != nil {
		importance = string(cls.Importance)
	}
	handle := originHandle
	if handle == "" && id.SourceID == src.ID {
		handle = src.Handle
	}
	s.log.Info("message delivered",
		"identity", id,
		"source_id", src.ID,
		"importance", importance,
		"message_id", delivered,
		"link", id.PostURL(handle),
	)
}
