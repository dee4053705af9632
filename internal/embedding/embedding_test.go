package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sashabaranov/go-openai"
)

func newServer(t *testing.T, handler func(w http.ResponseWriter, req openai.EmbeddingRequest)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("expected path /embeddings, got %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected Authorization header %q", got)
		}
		var req openai.EmbeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		handler(w, req)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(Config{APIKey: "test-key", BaseURL: url, Model: "embedding-query"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestEmbed(t *testing.T) {
	var gotInput []any
	srv := newServer(t, func(w http.ResponseWriter, req openai.EmbeddingRequest) {
		gotInput, _ = req.Input.([]any)
		if req.Model != "embedding-query" {
			t.Errorf("unexpected model %q", req.Model)
		}
		_ = json.NewEncoder(w).Encode(openai.EmbeddingResponse{
			Object: "list",
			Data:   []openai.Embedding{{Object: "embedding", Index: 0, Embedding: []float32{0.1, 0.2, 0.3}}},
		})
	})

	got, err := newTestClient(t, srv.URL).Embed(context.Background(), "bitcoin hits new high")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if diff := cmp.Diff([]float32{0.1, 0.2, 0.3}, got); diff != "" {
		t.Errorf("Embed() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]any{"bitcoin hits new high"}, gotInput); diff != "" {
		t.Errorf("request input mismatch (-want +got):\n%s", diff)
	}
}

func TestEmbedShortTextSkipped(t *testing.T) {
	called := false
	srv := newServer(t, func(w http.ResponseWriter, _ openai.EmbeddingRequest) {
		called = true
		w.WriteHeader(http.StatusInternalServerError)
	})

	got, err := newTestClient(t, srv.URL).Embed(context.Background(), "ok")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil vector, got %v", got)
	}
	if called {
		t.Error("backend must not be called for short text")
	}
}

func TestEmbedTruncatesInput(t *testing.T) {
	var gotLen int
	srv := newServer(t, func(w http.ResponseWriter, req openai.EmbeddingRequest) {
		if in, ok := req.Input.([]any); ok && len(in) == 1 {
			s, _ := in[0].(string)
			gotLen = len([]rune(s))
		}
		_ = json.NewEncoder(w).Encode(openai.EmbeddingResponse{
			Data: []openai.Embedding{{Embedding: []float32{1}}},
		})
	})

	if _, err := newTestClient(t, srv.URL).Embed(context.Background(), strings.Repeat("가", 9000)); err != nil {
		t.Fatalf("embed: %v", err)
	}
	if gotLen != maxRunes {
		t.Errorf("sent %d runes, want %d", gotLen, maxRunes)
	}
}

func TestEmbedErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler func(w http.ResponseWriter, _ openai.EmbeddingRequest)
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ openai.EmbeddingRequest) {
				w.WriteHeader(http.StatusBadGateway)
				_, _ = w.Write([]byte(`{"error":{"message":"upstream"}}`))
			},
		},
		{
			name: "empty data",
			handler: func(w http.ResponseWriter, _ openai.EmbeddingRequest) {
				_ = json.NewEncoder(w).Encode(openai.EmbeddingResponse{})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, tt.handler)
			_, err := newTestClient(t, srv.URL).Embed(context.Background(), "some message text")
			if !errors.Is(err, ErrUnavailable) {
				t.Errorf("expected ErrUnavailable, got %v", err)
			}
		})
	}
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for missing API key")
	}
}
