// Package sources manages the set of monitored channels, including the
// persisted set of removed channels that must not come back on their own.
package sources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"digest_bot/internal/model"
	"digest_bot/internal/storage"
)

// Cursor initialization modes.
const (
	InitLatest   = "latest"
	InitLookback = "lookback"
)

// Removal reasons recorded on deactivated sources.
const (
	ReasonAccessLost  = "access lost"
	ReasonInteractive = "interactive"
	ReasonAdmin       = "removed by admin"
)

var (
	// ErrRemoved is returned when an operation targets a source in the removed set.
	ErrRemoved = errors.New("source is removed")
	// ErrUnknownHandle is returned when a handle cannot be resolved to a source ID.
	ErrUnknownHandle = errors.New("unknown handle")
)

// Store is the persistence the manager needs.
type Store interface {
	UpsertSource(ctx context.Context, src *model.Source) error
	GetSource(ctx context.Context, id int64) (*model.Source, error)
	GetSourceByHandle(ctx context.Context, handle string) (*model.Source, error)
	ListSources(ctx context.Context, activeOnly bool) ([]model.Source, error)
	DeactivateSource(ctx context.Context, id int64, reason string) error
	ReactivateSource(ctx context.Context, id int64) error
	SetCursor(ctx context.Context, sourceID, seq int64) error
}

// LatestFetcher reports the newest sequence number currently published by a source.
type LatestFetcher interface {
	Latest(ctx context.Context, src model.Source) (int64, error)
}

// CapabilityProber tells broadcast channels apart from interactive chats.
type CapabilityProber interface {
	IsBroadcast(ctx context.Context, src model.Source) (bool, error)
}

// ChatLookup resolves a public handle to a chat ID and title.
type ChatLookup interface {
	LookupChat(ctx context.Context, handle string) (int64, string, error)
}

// InitPolicy selects how an uninitialized cursor is set. It is fixed for the
// lifetime of the manager and applies to every source alike.
type InitPolicy struct {
	Mode     string
	Lookback int
}

// Manager maintains the active and removed source sets.
type Manager struct {
	store   Store
	latest  LatestFetcher
	prober  CapabilityProber
	lookup  ChatLookup
	policy  InitPolicy
	handles *cache.Cache
	logger  *slog.Logger
}

// Option configures optional Manager collaborators.
type Option func(*Manager)

// WithProber enables capability probing of sources.
func WithProber(p CapabilityProber) Option {
	return func(m *Manager) { m.prober = p }
}

// WithChatLookup enables handle resolution through the chat API.
func WithChatLookup(l ChatLookup) Option {
	return func(m *Manager) { m.lookup = l }
}

// NewManager creates a source-set manager.
func NewManager(store Store, latest LatestFetcher, policy InitPolicy, logger *slog.Logger, opts ...Option) *Manager {
	if policy.Mode == "" {
		policy.Mode = InitLatest
	}
	if policy.Lookback < 0 {
		policy.Lookback = 0
	}
	m := &Manager{
		store:   store,
		latest:  latest,
		policy:  policy,
		handles: cache.New(6*time.Hour, 30*time.Minute),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Policy returns the configured cursor initialization policy.
func (m *Manager) Policy() InitPolicy {
	return m.policy
}

// ListActive returns all active sources.
func (m *Manager) ListActive(ctx context.Context) ([]model.Source, error) {
	return m.store.ListSources(ctx, true)
}

// ListAll returns active and removed sources.
func (m *Manager) ListAll(ctx context.Context) ([]model.Source, error) {
	return m.store.ListSources(ctx, false)
}

// IsActive reports whether a source is known and active.
func (m *Manager) IsActive(ctx context.Context, sourceID int64) (bool, error) {
	src, err := m.store.GetSource(ctx, sourceID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return src.Active, nil
}

// Upsert adds a source or refreshes its handle and title. A source without an
// ID is resolved through its handle first. Sources in the removed set stay
// removed and ErrRemoved is returned along with the stored record.
func (m *Manager) Upsert(ctx context.Context, src model.Source) (model.Source, error) {
	if src.ID == 0 {
		id, err := m.LookupHandle(ctx, src.Handle)
		if err != nil {
			return src, fmt.Errorf("resolve %s: %w", src.Label(), err)
		}
		src.ID = id
	}

	existing, err := m.store.GetSource(ctx, src.ID)
	switch {
	case err == nil && !existing.Active:
		return *existing, ErrRemoved
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return src, fmt.Errorf("get source: %w", err)
	}

	if err := m.store.UpsertSource(ctx, &src); err != nil {
		return src, err
	}
	if existing == nil {
		m.logger.Info("source added", "source_id", src.ID, "handle", src.Handle, "origin", src.Origin)
	}
	if src.Handle != "" {
		m.handles.SetDefault(src.Handle, src.ID)
	}
	return src, nil
}

// Remove moves a source into the removed set.
func (m *Manager) Remove(ctx context.Context, sourceID int64, reason string) error {
	if err := m.store.DeactivateSource(ctx, sourceID, reason); err != nil {
		return fmt.Errorf("remove source %d: %w", sourceID, err)
	}
	m.logger.Info("source removed", "source_id", sourceID, "reason", reason)
	return nil
}

// Reactivate explicitly brings a source back from the removed set.
func (m *Manager) Reactivate(ctx context.Context, sourceID int64) error {
	if err := m.store.ReactivateSource(ctx, sourceID); err != nil {
		return fmt.Errorf("reactivate source %d: %w", sourceID, err)
	}
	m.logger.Info("source reactivated", "source_id", sourceID)
	return nil
}

// Discover starts tracking an origin source seen through a re-broadcast.
// The cursor is set to the given value so only later messages are fetched.
// Known sources, active or removed, are left as they are.
func (m *Manager) Discover(ctx context.Context, sourceID int64, handle string, cursor int64) error {
	existing, err := m.store.GetSource(ctx, sourceID)
	if err == nil {
		if !existing.Active {
			m.logger.Debug("discovery ignored, source is removed", "source_id", sourceID, "reason", existing.RemovedReason)
		}
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("get source: %w", err)
	}

	cursor = max(cursor, 0)
	src := model.Source{ID: sourceID, Handle: handle, Cursor: &cursor, Origin: model.OriginDiscovered}
	if err := m.store.UpsertSource(ctx, &src); err != nil {
		return fmt.Errorf("add discovered source: %w", err)
	}
	m.logger.Info("origin source discovered", "source_id", sourceID, "handle", handle, "cursor", cursor)

	if _, err := m.Probe(ctx, src); err != nil {
		m.logger.Warn("probe discovered source", "source_id", sourceID, "error", err)
	}
	return nil
}

// InitCursor sets the cursor of a source seen for the first time and returns it.
// In latest mode the cursor is the newest published sequence; in lookback mode
// it is that value minus the configured depth, never below zero.
func (m *Manager) InitCursor(ctx context.Context, src model.Source) (int64, error) {
	latest, err := m.latest.Latest(ctx, src)
	if err != nil {
		return 0, fmt.Errorf("latest sequence of %s: %w", src.Label(), err)
	}

	cursor := latest
	if m.policy.Mode == InitLookback {
		cursor = max(latest-int64(m.policy.Lookback), 0)
	}
	if err := m.store.SetCursor(ctx, src.ID, cursor); err != nil {
		return 0, err
	}
	m.logger.Info("cursor initialized", "source_id", src.ID, "mode", m.policy.Mode, "cursor", cursor, "latest", latest)
	return cursor, nil
}

// Sync reconciles the configured sources with the store. Configured sources
// are upserted; those in the removed set stay removed.
func (m *Manager) Sync(ctx context.Context, configured []model.Source) error {
	var errs []error
	for _, src := range configured {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		src.Origin = model.OriginConfig
		_, err := m.Upsert(ctx, src)
		if errors.Is(err, ErrRemoved) {
			m.logger.Debug("configured source is removed, skipping", "source", src.Label())
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Probe checks whether a source is a broadcast channel and removes it when it
// is interactive. A probe error keeps the source active.
func (m *Manager) Probe(ctx context.Context, src model.Source) (bool, error) {
	if m.prober == nil {
		return false, nil
	}
	broadcast, err := m.prober.IsBroadcast(ctx, src)
	if err != nil {
		return false, fmt.Errorf("probe %s: %w", src.Label(), err)
	}
	if broadcast {
		return false, nil
	}
	if err := m.Remove(ctx, src.ID, ReasonInteractive); err != nil {
		return false, err
	}
	return true, nil
}

// LookupHandle resolves a public handle to a source ID, checking the store
// before asking the chat API. Results, including misses, are cached.
func (m *Manager) LookupHandle(ctx context.Context, handle string) (int64, error) {
	handle = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
	if handle == "" {
		return 0, ErrUnknownHandle
	}

	if v, ok := m.handles.Get(handle); ok {
		id := v.(int64)
		if id == 0 {
			return 0, fmt.Errorf("%s: %w", handle, ErrUnknownHandle)
		}
		return id, nil
	}

	src, err := m.store.GetSourceByHandle(ctx, handle)
	if err == nil {
		m.handles.SetDefault(handle, src.ID)
		return src.ID, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("lookup handle: %w", err)
	}

	if m.lookup == nil {
		return 0, fmt.Errorf("%s: %w", handle, ErrUnknownHandle)
	}
	id, _, err := m.lookup.LookupChat(ctx, handle)
	if errors.Is(err, ErrUnknownHandle) {
		m.handles.Set(handle, int64(0), 10*time.Minute)
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("lookup chat %s: %w", handle, err)
	}
	m.handles.SetDefault(handle, id)
	return id, nil
}
