// Package storage defines the fingerprint store interface and its SQLite implementation.
package storage

import (
	"context"
	"errors"
	"time"

	"digest_bot/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Storage is the interface for all persistence operations.
//
// The store is the single source of truth for cursors, the source set
// (including removed sources) and fingerprints. Every write is durable once
// the call returns.
type Storage interface {
	UpsertSource(ctx context.Context, src *model.Source) error
	GetSource(ctx context.Context, id int64) (*model.Source, error)
	GetSourceByHandle(ctx context.Context, handle string) (*model.Source, error)
	ListSources(ctx context.Context, activeOnly bool) ([]model.Source, error)
	DeactivateSource(ctx context.Context, id int64, reason string) error
	ReactivateSource(ctx context.Context, id int64) error

	GetCursor(ctx context.Context, sourceID int64) (*int64, error)
	SetCursor(ctx context.Context, sourceID, seq int64) error

	HasDigest(ctx context.Context, digest string) (bool, error)
	RecordDigest(ctx context.Context, digest string, id model.Identity, seenAt time.Time) (bool, error)
	GetFingerprint(ctx context.Context, id model.Identity) (*model.Fingerprint, error)
	MarkDelivered(ctx context.Context, id model.Identity, messageID *int64, cls *model.Classification) error

	WindowSnapshot(ctx context.Context, since time.Time) ([]model.VectorRecord, error)
	AppendVector(ctx context.Context, rec model.VectorRecord) error
	PruneVectors(ctx context.Context, before time.Time) (int64, error)

	Stats(ctx context.Context) (model.Stats, error)

	Close() error
}
