package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"digest_bot/internal/model"
)

// Embedder computes a dense vector for normalized text.
// A nil vector without error means the text is not worth embedding.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// WindowStore persists the vectors of the recency window.
type WindowStore interface {
	WindowSnapshot(ctx context.Context, since time.Time) ([]model.VectorRecord, error)
	AppendVector(ctx context.Context, rec model.VectorRecord) error
	PruneVectors(ctx context.Context, before time.Time) (int64, error)
}

// ApproxConfig tunes the approximate deduplicator.
type ApproxConfig struct {
	Window              time.Duration
	SimilarityThreshold float64
	HammingThreshold    int
	EmbedTimeout        time.Duration
}

type windowEntry struct {
	id  model.Identity
	vec Vector
	ts  time.Time
}

// Approx suppresses near-duplicates within a trailing time window.
// Without an Embedder it falls back to SimHash fingerprints.
type Approx struct {
	store    WindowStore
	embedder Embedder
	cfg      ApproxConfig
	logger   *slog.Logger

	mu        sync.Mutex
	entries   []windowEntry
	highWater time.Time
}

// NewApprox creates an approximate deduplicator. embedder may be nil.
func NewApprox(store WindowStore, embedder Embedder, cfg ApproxConfig, logger *slog.Logger) *Approx {
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = 10 * time.Second
	}
	return &Approx{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		logger:   logger,
	}
}

// Load rebuilds the in-memory window from the store.
func (a *Approx) Load(ctx context.Context, now time.Time) error {
	records, err := a.store.WindowSnapshot(ctx, now.Add(-a.cfg.Window))
	if err != nil {
		return fmt.Errorf("load window: %w", err)
	}

	entries := make([]windowEntry, 0, len(records))
	var high time.Time
	for _, rec := range records {
		vec, err := DecodeVector(rec.Kind, rec.Data)
		if err != nil {
			a.logger.Warn("skip undecodable vector", "identity", rec.Identity, "error", err)
			continue
		}
		entries = append(entries, windowEntry{id: rec.Identity, vec: vec, ts: rec.Timestamp})
		if rec.Timestamp.After(high) {
			high = rec.Timestamp
		}
	}

	a.mu.Lock()
	a.entries = entries
	if high.After(a.highWater) {
		a.highWater = high
	}
	a.mu.Unlock()

	a.logger.Info("similarity window loaded", "entries", len(entries))
	return nil
}

// CheckAndRecord compares normalized text against every entry of the window.
// A Novel message is appended to the window and persisted. When no
// representation can be computed the message is Novel and nothing is recorded.
func (a *Approx) CheckAndRecord(ctx context.Context, id model.Identity, normalized string, ts time.Time) (model.Verdict, error) {
	vec, ok := a.represent(ctx, id, normalized)
	if !ok {
		return model.Novel, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if ts.After(a.highWater) {
		a.highWater = ts
	}
	a.evictLocked()

	floor := ts.Add(-a.cfg.Window)
	for _, e := range a.entries {
		if e.ts.Before(floor) || e.vec.Kind() != vec.Kind() {
			continue
		}
		if a.matches(vec, e.vec) {
			a.logger.Debug("near duplicate", "identity", id, "match", e.id, "similarity", vec.Similarity(e.vec))
			return model.Duplicate, nil
		}
	}

	a.entries = append(a.entries, windowEntry{id: id, vec: vec, ts: ts})
	rec := model.VectorRecord{Identity: id, Kind: vec.Kind(), Data: vec.Bytes(), Timestamp: ts}
	if err := a.store.AppendVector(ctx, rec); err != nil {
		a.logger.Error("persist window vector", "identity", id, "error", err)
	}
	return model.Novel, nil
}

// Prune drops window entries and persisted vectors older than the window.
func (a *Approx) Prune(ctx context.Context, now time.Time) error {
	a.mu.Lock()
	if now.After(a.highWater) {
		a.highWater = now
	}
	a.evictLocked()
	a.mu.Unlock()

	n, err := a.store.PruneVectors(ctx, now.Add(-a.cfg.Window))
	if err != nil {
		return fmt.Errorf("prune window: %w", err)
	}
	if n > 0 {
		a.logger.Debug("pruned window vectors", "count", n)
	}
	return nil
}

// Len returns the number of entries currently in the window.
func (a *Approx) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

func (a *Approx) represent(ctx context.Context, id model.Identity, normalized string) (Vector, bool) {
	if a.embedder == nil {
		h, ok := ComputeSimHash(normalized)
		if !ok {
			return nil, false
		}
		return h, true
	}

	embedCtx, cancel := context.WithTimeout(ctx, a.cfg.EmbedTimeout)
	defer cancel()

	vec, err := a.embedder.Embed(embedCtx, normalized)
	if err != nil {
		a.logger.Warn("similarity backend unavailable, degraded mode", "identity", id, "error", err)
		return nil, false
	}
	if len(vec) == 0 {
		a.logger.Debug("text not embedded", "identity", id)
		return nil, false
	}
	return Embedding(vec), true
}

func (a *Approx) matches(v, other Vector) bool {
	switch x := v.(type) {
	case SimHash:
		o, ok := other.(SimHash)
		return ok && x.Distance(o) <= a.cfg.HammingThreshold
	default:
		return v.Similarity(other) >= a.cfg.SimilarityThreshold
	}
}

// evictLocked drops entries older than highWater minus the window.
func (a *Approx) evictLocked() {
	cutoff := a.highWater.Add(-a.cfg.Window)
	kept := a.entries[:0]
	for _, e := range a.entries {
		if !e.ts.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	clear(a.entries[len(kept):])
	a.entries = kept
}
