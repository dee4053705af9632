package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

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

type envelope struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Code    int             `json:"code"`
}

func get(t *testing.T, s *Server, path string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %s: %v (body %q)", path, err, rec.Body.String())
	}
	return rec.Code, env
}

func seed(t *testing.T, store *storage.SQLite) {
	t.Helper()
	ctx := context.Background()
	cursor := int64(42)
	for _, src := range []model.Source{
		{ID: -1001, Handle: "alpha", Cursor: &cursor},
		{ID: -1002, Handle: "beta"},
	} {
		if err := store.UpsertSource(ctx, &src); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	if err := store.DeactivateSource(ctx, -1002, "access lost"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	id := model.Identity{SourceID: -1001, Sequence: 7}
	if _, err := store.RecordDigest(ctx, "d1", id, time.Now()); err != nil {
		t.Fatalf("record digest: %v", err)
	}
	delivered := int64(900)
	if err := store.MarkDelivered(ctx, id, &delivered, nil); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
}

func TestHealth(t *testing.T) {
	s := New(newTestStore(t), ":0", discardLogger())
	code, env := get(t, s, "/healthz")
	if code != http.StatusOK || env.Status != "success" {
		t.Fatalf("unexpected response %d %+v", code, env)
	}
	if string(env.Data) != `{"state":"ok"}` {
		t.Errorf("unexpected data %s", env.Data)
	}
}

func TestSources(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	s := New(store, ":0", discardLogger())

	tests := []struct {
		path    string
		wantIDs []int64
	}{
		{path: "/sources", wantIDs: []int64{-1002, -1001}},
		{path: "/sources?active=true", wantIDs: []int64{-1001}},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			code, env := get(t, s, tt.path)
			if code != http.StatusOK {
				t.Fatalf("status = %d", code)
			}
			var data struct {
				Sources []sourceItem `json:"sources"`
			}
			if err := json.Unmarshal(env.Data, &data); err != nil {
				t.Fatalf("decode data: %v", err)
			}
			var got []int64
			for _, src := range data.Sources {
				got = append(got, src.ID)
			}
			if diff := cmp.Diff(tt.wantIDs, got); diff != "" {
				t.Errorf("source IDs mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSourceByID(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	s := New(store, ":0", discardLogger())

	code, env := get(t, s, "/sources/-1002")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var item sourceItem
	if err := json.Unmarshal(env.Data, &item); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if item.Active || item.RemovedReason != "access lost" || item.Handle != "beta" {
		t.Errorf("unexpected source %+v", item)
	}

	code, env = get(t, s, "/sources/5")
	if code != http.StatusNotFound || env.Status != "fail" {
		t.Errorf("expected 404 fail, got %d %+v", code, env)
	}
	code, env = get(t, s, "/sources/abc")
	if code != http.StatusBadRequest || env.Status != "fail" {
		t.Errorf("expected 400 fail, got %d %+v", code, env)
	}
	code, env = get(t, s, "/nowhere")
	if code != http.StatusNotFound || env.Status != "fail" {
		t.Errorf("expected 404 fail for unknown route, got %d %+v", code, env)
	}
}

func TestStats(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	s := New(store, ":0", discardLogger())

	code, env := get(t, s, "/stats")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var got statsResponse
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := statsResponse{ActiveSources: 1, RemovedSources: 1, Fingerprints: 1, Delivered: 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

type brokenStore struct{}

func (brokenStore) ListSources(context.Context, bool) ([]model.Source, error) {
	return nil, errors.New("database is locked")
}

func (brokenStore) GetSource(context.Context, int64) (*model.Source, error) {
	return nil, errors.New("database is locked")
}

func (brokenStore) Stats(context.Context) (model.Stats, error) {
	return model.Stats{}, errors.New("database is locked")
}

func TestStoreErrors(t *testing.T) {
	s := New(brokenStore{}, ":0", discardLogger())
	for _, path := range []string{"/sources", "/sources/1", "/stats"} {
		code, env := get(t, s, path)
		if code != http.StatusInternalServerError || env.Status != "error" {
			t.Errorf("%s: expected 500 error, got %d %+v", path, code, env)
		}
		if env.Message != "Internal server error" {
			t.Errorf("%s: internal details leaked: %q", path, env.Message)
		}
	}
}
