package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"

	"digest_bot/internal/model"
)

// ErrStore marks a failed fingerprint store read or write.
// The caller must not advance the cursor of the affected batch.
var ErrStore = errors.New("fingerprint store failure")

// DigestStore is the part of the fingerprint store used for exact matching.
type DigestStore interface {
	HasDigest(ctx context.Context, digest string) (bool, error)
	RecordDigest(ctx context.Context, digest string, id model.Identity, seenAt time.Time) (bool, error)
}

// Exact suppresses messages whose normalized text or canonical identity was seen before.
type Exact struct {
	store  DigestStore
	logger *slog.Logger
	locks  keyedMutex
	recent *cache.Cache
	now    func() time.Time
}

// NewExact creates an exact-match deduplicator on top of the given store.
func NewExact(store DigestStore, logger *slog.Logger) *Exact {
	return &Exact{
		store:  store,
		logger: logger,
		recent: cache.New(time.Hour, 10*time.Minute),
		now:    time.Now,
	}
}

// CheckAndRecord returns Duplicate when the digest of normalized is already
// known or the identity already has a fingerprint. On Novel the fingerprint is
// durable before the call returns.
func (e *Exact) CheckAndRecord(ctx context.Context, id model.Identity, normalized string) (model.Verdict, error) {
	digest := Digest(normalized)

	unlock := e.locks.Lock(id.String())
	defer unlock()

	if owner, ok := e.recent.Get(digest); ok {
		e.logger.Debug("exact duplicate (cached)", "identity", id, "first", owner)
		return model.Duplicate, nil
	}

	known, err := e.store.HasDigest(ctx, digest)
	if err != nil {
		return model.Novel, fmt.Errorf("%w: check digest: %w", ErrStore, err)
	}
	if known {
		e.recent.SetDefault(digest, "")
		e.logger.Debug("exact duplicate", "identity", id)
		return model.Duplicate, nil
	}

	claimed, err := e.store.RecordDigest(ctx, digest, id, e.now())
	if err != nil {
		return model.Novel, fmt.Errorf("%w: record digest: %w", ErrStore, err)
	}
	if !claimed {
		e.logger.Debug("identity already fingerprinted", "identity", id)
		return model.Duplicate, nil
	}

	e.recent.SetDefault(digest, id.String())
	return model.Novel, nil
}
