package sources

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"

	"digest_bot/internal/model"
	"digest_bot/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type mockLatest struct {
	seq map[int64]int64
	err error
}

func (m *mockLatest) Latest(_ context.Context, src model.Source) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	return m.seq[src.ID], nil
}

type mockProber struct {
	broadcast map[int64]bool
	err       error
}

func (m *mockProber) IsBroadcast(_ context.Context, src model.Source) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return m.broadcast[src.ID], nil
}

type mockLookup struct {
	ids   map[string]int64
	calls int
}

func (m *mockLookup) LookupChat(_ context.Context, handle string) (int64, string, error) {
	m.calls++
	id, ok := m.ids[handle]
	if !ok {
		return 0, "", ErrUnknownHandle
	}
	return id, handle, nil
}

func activeIDs(t *testing.T, m *Manager) []int64 {
	t.Helper()
	list, err := m.ListActive(context.Background())
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	var ids []int64
	for _, s := range list {
		ids = append(ids, s.ID)
	}
	return ids
}

func TestSyncRespectsRemovedSet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	m := NewManager(store, &mockLatest{}, InitPolicy{Mode: InitLatest}, discardLogger())

	configured := []model.Source{{ID: 1, Handle: "one"}, {ID: 2, Handle: "two"}, {ID: 3}}
	if err := m.Sync(ctx, configured); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if diff := cmp.Diff([]int64{1, 2, 3}, activeIDs(t, m)); diff != "" {
		t.Errorf("active mismatch (-want +got):\n%s", diff)
	}

	if err := m.Remove(ctx, 2, ReasonAccessLost); err != nil {
		t.Fatalf("remove: %v", err)
	}

	// A configuration reload must not resurrect the removed source.
	if err := m.Sync(ctx, configured); err != nil {
		t.Fatalf("sync again: %v", err)
	}
	if diff := cmp.Diff([]int64{1, 3}, activeIDs(t, m)); diff != "" {
		t.Errorf("active after reload mismatch (-want +got):\n%s", diff)
	}

	got, err := m.Upsert(ctx, model.Source{ID: 2})
	if !errors.Is(err, ErrRemoved) {
		t.Fatalf("expected ErrRemoved, got %v", err)
	}
	if got.RemovedReason != ReasonAccessLost {
		t.Errorf("expected stored reason, got %q", got.RemovedReason)
	}

	if err := m.Reactivate(ctx, 2); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if diff := cmp.Diff([]int64{1, 2, 3}, activeIDs(t, m)); diff != "" {
		t.Errorf("active after reactivate mismatch (-want +got):\n%s", diff)
	}
}

func TestSyncResolvesHandles(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	lookup := &mockLookup{ids: map[string]int64{"alpha": -1001}}
	m := NewManager(store, &mockLatest{}, InitPolicy{}, discardLogger(), WithChatLookup(lookup))

	err := m.Sync(ctx, []model.Source{{Handle: "Alpha"}, {Handle: "ghost"}})
	if err == nil {
		t.Fatal("expected error for unresolvable handle")
	}
	if !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("expected ErrUnknownHandle, got %v", err)
	}
	if diff := cmp.Diff([]int64{-1001}, activeIDs(t, m)); diff != "" {
		t.Errorf("active mismatch (-want +got):\n%s", diff)
	}

	// Both hits and misses are cached.
	_ = m.Sync(ctx, []model.Source{{Handle: "alpha"}, {Handle: "ghost"}})
	if lookup.calls != 2 {
		t.Errorf("expected 2 lookups, got %d", lookup.calls)
	}
}

func TestInitCursor(t *testing.T) {
	tests := []struct {
		name   string
		policy InitPolicy
		latest int64
		want   int64
	}{
		{name: "latest", policy: InitPolicy{Mode: InitLatest, Lookback: 50}, latest: 120, want: 120},
		{name: "lookback", policy: InitPolicy{Mode: InitLookback, Lookback: 20}, latest: 120, want: 100},
		{name: "lookback clamped", policy: InitPolicy{Mode: InitLookback, Lookback: 20}, latest: 5, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := newTestStore(t)
			m := NewManager(store, &mockLatest{seq: map[int64]int64{7: tt.latest}}, tt.policy, discardLogger())

			src, err := m.Upsert(ctx, model.Source{ID: 7, Handle: "seven"})
			if err != nil {
				t.Fatalf("upsert: %v", err)
			}
			got, err := m.InitCursor(ctx, src)
			if err != nil {
				t.Fatalf("init cursor: %v", err)
			}
			if got != tt.want {
				t.Errorf("cursor = %d, want %d", got, tt.want)
			}

			stored, err := store.GetCursor(ctx, 7)
			if err != nil {
				t.Fatalf("get cursor: %v", err)
			}
			if stored == nil || *stored != tt.want {
				t.Errorf("stored cursor = %v, want %d", stored, tt.want)
			}
		})
	}
}

func TestInitCursorFetchError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	m := NewManager(store, &mockLatest{err: errors.New("timeout")}, InitPolicy{}, discardLogger())

	src, err := m.Upsert(ctx, model.Source{ID: 1})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := m.InitCursor(ctx, src); err == nil {
		t.Fatal("expected error")
	}
	cursor, err := store.GetCursor(ctx, 1)
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if cursor != nil {
		t.Errorf("cursor must stay uninitialized, got %d", *cursor)
	}
}

func TestDiscover(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	prober := &mockProber{broadcast: map[int64]bool{50: true, 60: false}}
	m := NewManager(store, &mockLatest{}, InitPolicy{}, discardLogger(), WithProber(prober))

	if err := m.Discover(ctx, 50, "origin", 499); err != nil {
		t.Fatalf("discover: %v", err)
	}
	src, err := store.GetSource(ctx, 50)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !src.Active || src.Origin != model.OriginDiscovered || src.Cursor == nil || *src.Cursor != 499 {
		t.Errorf("unexpected discovered source: %+v", src)
	}

	// Interactive chats are removed right after discovery.
	if err := m.Discover(ctx, 60, "", 9); err != nil {
		t.Fatalf("discover: %v", err)
	}
	src, err = store.GetSource(ctx, 60)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if src.Active || src.RemovedReason != ReasonInteractive {
		t.Errorf("expected interactive source removed, got %+v", src)
	}

	// Rediscovery of a removed source is a no-op.
	if err := m.Discover(ctx, 60, "", 100); err != nil {
		t.Fatalf("rediscover: %v", err)
	}
	src, _ = store.GetSource(ctx, 60)
	if src.Active || *src.Cursor != 9 {
		t.Errorf("removed source changed by rediscovery: %+v", src)
	}

	// Negative cursors are clamped.
	if err := m.Discover(ctx, 70, "", -1); err != nil {
		t.Fatalf("discover: %v", err)
	}
	src, _ = store.GetSource(ctx, 70)
	if src.Cursor == nil || *src.Cursor != 0 {
		t.Errorf("expected cursor 0, got %v", src.Cursor)
	}
}

func TestProbe(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		prober      *mockProber
		wantRemoved bool
		wantErr     bool
		wantActive  bool
	}{
		{name: "broadcast stays", prober: &mockProber{broadcast: map[int64]bool{1: true}}, wantActive: true},
		{name: "interactive removed", prober: &mockProber{broadcast: map[int64]bool{1: false}}, wantRemoved: true},
		{name: "probe failure keeps active", prober: &mockProber{err: errors.New("flood wait")}, wantErr: true, wantActive: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			m := NewManager(store, &mockLatest{}, InitPolicy{}, discardLogger(), WithProber(tt.prober))
			src, err := m.Upsert(ctx, model.Source{ID: 1})
			if err != nil {
				t.Fatalf("upsert: %v", err)
			}

			removed, err := m.Probe(ctx, src)
			if (err != nil) != tt.wantErr {
				t.Fatalf("probe error = %v, wantErr %v", err, tt.wantErr)
			}
			if removed != tt.wantRemoved {
				t.Errorf("removed = %v, want %v", removed, tt.wantRemoved)
			}
			active, err := m.IsActive(ctx, 1)
			if err != nil {
				t.Fatalf("is active: %v", err)
			}
			if active != tt.wantActive {
				t.Errorf("active = %v, want %v", active, tt.wantActive)
			}
		})
	}
}

func TestLookupHandlePrefersStore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	lookup := &mockLookup{ids: map[string]int64{"known": 999}}
	m := NewManager(store, &mockLatest{}, InitPolicy{}, discardLogger(), WithChatLookup(lookup))

	src := model.Source{ID: 5, Handle: "known"}
	if err := store.UpsertSource(ctx, &src); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	id, err := m.LookupHandle(ctx, "@Known")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if id != 5 {
		t.Errorf("expected stored ID 5, got %d", id)
	}
	if lookup.calls != 0 {
		t.Errorf("chat lookup must not be called, got %d calls", lookup.calls)
	}

	if _, err := m.LookupHandle(ctx, ""); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("expected ErrUnknownHandle for empty handle, got %v", err)
	}
}
