// Package media extracts readable text from message attachments using a
// vision-capable chat model.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"digest_bot/internal/model"
)

const (
	maxImages = 3
	prompt    = "Transcribe all legible text in these images. Reply with the text only, or an empty reply if there is none."
)

// Extractor reads text out of photo attachments.
type Extractor struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a media text extractor.
func New(apiKey, baseURL, modelName string, timeout time.Duration, logger *slog.Logger) (*Extractor, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	if modelName == "" {
		modelName = openai.GPT4oMini
	}
	return &Extractor{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   modelName,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// ExtractText returns the text found in the photos of a message, or an empty
// string when there are none or the call fails.
func (e *Extractor) ExtractText(ctx context.Context, refs []model.MediaRef) string {
	parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: prompt}}
	for _, ref := range refs {
		if !isImage(ref) {
			continue
		}
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: ref.URL, Detail: openai.ImageURLDetailLow},
		})
		if len(parts) > maxImages {
			break
		}
	}
	if len(parts) == 1 {
		return ""
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       e.model,
		Messages:    []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, MultiContent: parts}},
		Temperature: 0,
	})
	if err != nil {
		e.logger.Warn("media text extraction failed", "error", err)
		return ""
	}
	if len(resp.Choices) == 0 {
		return ""
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content)
}

func isImage(ref model.MediaRef) bool {
	if ref.URL == "" {
		return false
	}
	return ref.Kind == "photo" || strings.HasPrefix(ref.Kind, "image/")
}
