// Package embedding computes dense text vectors through an OpenAI-compatible
// embeddings endpoint.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"
)

// ErrUnavailable is returned when the embedding backend cannot produce a vector.
var ErrUnavailable = errors.New("embedding backend unavailable")

const (
	minRunes = 3
	maxRunes = 8000
)

// Config holds the embedding client settings.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client calls the embeddings API.
type Client struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// New creates an embedding client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("embedding API key is required")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "embedding-query"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}, nil
}

// Embed returns the vector of text. Text shorter than three characters is
// not embedded and yields a nil vector; long input is truncated.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	runes := []rune(text)
	if len(runes) < minRunes {
		return nil, nil
	}
	if len(runes) > maxRunes {
		text = string(runes[:maxRunes])
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(c.model),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create embeddings: %w", ErrUnavailable, err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding response", ErrUnavailable)
	}
	return resp.Data[0].Embedding, nil
}
