package classify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sashabaranov/go-openai"

	"digest_bot/internal/model"
)

func chatResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		ID:     "chatcmpl-1",
		Object: "chat.completion",
		Model:  "gpt-4o-mini",
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
	}
}

func newTestClassifier(t *testing.T, handler http.HandlerFunc) *Classifier {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{APIKey: "test-key", BaseURL: srv.URL, Timeout: 5 * time.Second},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	c.backoff = time.Millisecond
	return c
}

func TestClassify(t *testing.T) {
	var gotReq openai.ChatCompletionRequest
	c := newTestClassifier(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("expected path /chat/completions, got %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(chatResponse(`{
			"importance": "Medium",
			"categories": ["news", "ecosystem", "trading", "alpha"],
			"tags": ["Solana", " ", "ETF", "a", "b", "c", "d", "e", "f"],
			"summary": "  솔라나 ETF 승인 기대감.  "
		}`))
	})

	got, err := c.Classify(context.Background(), Input{Text: "Solana ETF news", LinkSummary: "SEC filing"})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	want := &model.Classification{
		Summary:    "솔라나 ETF 승인 기대감.",
		Importance: model.ImportanceMedium,
		Category:   "news",
		Categories: []string{"news", "ecosystem", "trading"},
		Tags:       []string{"Solana", "ETF", "a", "b", "c", "d", "e"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Classify() mismatch (-want +got):\n%s", diff)
	}

	if gotReq.ResponseFormat == nil || gotReq.ResponseFormat.Type != openai.ChatCompletionResponseFormatTypeJSONObject {
		t.Errorf("expected json_object response format, got %+v", gotReq.ResponseFormat)
	}
	if len(gotReq.Messages) != 2 || !strings.Contains(gotReq.Messages[1].Content, "SEC filing") {
		t.Errorf("link summary missing from prompt: %+v", gotReq.Messages)
	}
}

func TestClassifyAppliesEventRules(t *testing.T) {
	c := newTestClassifier(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(chatResponse(`{"importance":"low","categories":["airdrop"],"tags":[],"summary":"x"}`))
	})

	got, err := c.Classify(context.Background(), Input{Text: "Airdrop! 리트윗 하고 참여하세요"})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if got.Importance != model.ImportanceHigh {
		t.Errorf("importance = %s, want high", got.Importance)
	}
	if diff := cmp.Diff([]string{"airdrop", "event"}, got.Categories); diff != "" {
		t.Errorf("categories mismatch (-want +got):\n%s", diff)
	}
}

func TestClassifyInvalidOutput(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "not json", content: "I think this is important"},
		{name: "missing summary", content: `{"importance":"high"}`},
		{name: "unknown importance", content: `{"importance":"urgent","summary":"x"}`},
		{name: "tags not strings", content: `{"importance":"low","summary":"x","tags":[1,2]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c := newTestClassifier(t, func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				_ = json.NewEncoder(w).Encode(chatResponse(tt.content))
			})

			_, err := c.Classify(context.Background(), Input{Text: "hello world"})
			if !errors.Is(err, ErrInvalidOutput) {
				t.Fatalf("expected ErrInvalidOutput, got %v", err)
			}
			if calls.Load() != 1 {
				t.Errorf("invalid output must not be retried, got %d calls", calls.Load())
			}
		})
	}
}

func TestClassifyRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClassifier(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(chatResponse(`{"importance":"high","summary":"ok"}`))
	})

	got, err := c.Classify(context.Background(), Input{Text: "hello world"})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if got.Importance != model.ImportanceHigh || calls.Load() != 3 {
		t.Errorf("got %+v after %d calls", got, calls.Load())
	}
}

func TestClassifyGivesUp(t *testing.T) {
	var calls atomic.Int32
	c := newTestClassifier(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	if _, err := c.Classify(context.Background(), Input{Text: "hello world"}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != maxAttempts {
		t.Errorf("expected %d attempts, got %d", maxAttempts, calls.Load())
	}
}
