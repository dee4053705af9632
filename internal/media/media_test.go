package media

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"

	"digest_bot/internal/model"
)

func newTestExtractor(t *testing.T, handler http.HandlerFunc) *Extractor {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	e, err := New("test-key", srv.URL, "", 5*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new extractor: %v", err)
	}
	return e
}

func TestExtractText(t *testing.T) {
	var images int
	e := newTestExtractor(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content []struct {
					Type string `json:"type"`
				} `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		for _, m := range req.Messages {
			for _, c := range m.Content {
				if c.Type == "image_url" {
					images++
				}
			}
		}
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: " SALE 50% OFF \n"}}},
		})
	})

	refs := []model.MediaRef{
		{Kind: "photo", URL: "https://cdn.example.com/1.jpg"},
		{Kind: "video", URL: "https://cdn.example.com/1.mp4"},
		{Kind: "image/png", URL: "https://cdn.example.com/2.png"},
		{Kind: "photo", URL: "https://cdn.example.com/3.jpg"},
		{Kind: "photo", URL: "https://cdn.example.com/4.jpg"},
	}
	got := e.ExtractText(context.Background(), refs)
	if got != "SALE 50% OFF" {
		t.Errorf("ExtractText() = %q", got)
	}
	if images != maxImages {
		t.Errorf("sent %d images, want %d", images, maxImages)
	}
}

func TestExtractTextWithoutImages(t *testing.T) {
	called := false
	e := newTestExtractor(t, func(w http.ResponseWriter, _ *http.Request) {
		called = true
	})

	if got := e.ExtractText(context.Background(), []model.MediaRef{{Kind: "video", URL: "x"}}); got != "" {
		t.Errorf("expected empty text, got %q", got)
	}
	if called {
		t.Error("backend must not be called without images")
	}
}

func TestExtractTextFailure(t *testing.T) {
	e := newTestExtractor(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	if got := e.ExtractText(context.Background(), []model.MediaRef{{Kind: "photo", URL: "https://x/1.jpg"}}); got != "" {
		t.Errorf("expected empty text on failure, got %q", got)
	}
}
