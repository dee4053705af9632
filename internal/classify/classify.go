// Package classify labels novel messages with a summary, importance,
// categories and tags using a chat completion model.
package classify

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"digest_bot/internal/model"
	"digest_bot/internal/rules"
)

//go:embed classification.schema.json
var schemaJSON string

const (
	maxCategories = 3
	maxTags       = 7
	maxAttempts   = 3
)

const systemPrompt = "You curate crypto and blockchain news, alpha and signals. " +
	"Summarize the input message and rate it. Respond with a single JSON object only, " +
	"with keys importance, categories, tags, summary. " +
	"importance is one of low, medium, high. " +
	"categories holds 1 to 3 of alpha, news, airdrop, trading, security, regulation, narrative, ecosystem. " +
	"tags holds 3 to 7 keywords such as Solana, ETF, Bridge Exploit. " +
	"summary is 2 to 4 sentences in Korean. Duplicates and ads get low importance."

// ErrInvalidOutput is returned when the model answer does not match the expected shape.
var ErrInvalidOutput = errors.New("invalid classifier output")

// Input is the text material of one message.
type Input struct {
	Text        string
	MediaText   string
	LinkSummary string
}

// Config holds the classifier settings.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Classifier calls the chat completions API.
type Classifier struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	backoff time.Duration
	logger  *slog.Logger
}

type answer struct {
	Importance string   `json:"importance"`
	Categories []string `json:"categories"`
	Tags       []string `json:"tags"`
	Summary    string   `json:"summary"`
}

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource("classification.schema.json", strings.NewReader(schemaJSON)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiled, compileErr = compiler.Compile("classification.schema.json")
	})
	return compiled, compileErr
}

// New creates a classifier.
func New(cfg Config, logger *slog.Logger) (*Classifier, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if _, err := loadSchema(); err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Classifier{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		backoff: time.Second,
		logger:  logger,
	}, nil
}

// Classify labels a message. Event heuristics are applied on top of the
// model answer. Invalid answers are not retried.
func (c *Classifier) Classify(ctx context.Context, in Input) (*model.Classification, error) {
	prompt := buildPrompt(in)

	var lastErr error
	for attempt := range maxAttempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoff << (attempt - 1)):
			}
		}
		result, err := c.classifyOnce(ctx, prompt)
		if err == nil {
			boosted := rules.Apply(in.Text, *result)
			return &boosted, nil
		}
		if errors.Is(err, ErrInvalidOutput) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		c.logger.Debug("classify attempt failed", "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (c *Classifier) classifyOnce(ctx context.Context, prompt string) (*model.Classification, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature:    0.2,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrInvalidOutput)
	}
	return parseAnswer(resp.Choices[0].Message.Content)
}

func parseAnswer(content string) (*model.Classification, error) {
	schema, err := loadSchema()
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(strings.TrimSpace(content))))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrInvalidOutput, err)
	}
	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOutput, err)
	}

	var a answer
	if err := json.Unmarshal([]byte(content), &a); err != nil {
		return nil, fmt.Errorf("%w: unmarshal: %w", ErrInvalidOutput, err)
	}

	out := &model.Classification{
		Summary:    strings.TrimSpace(a.Summary),
		Importance: model.ParseImportance(strings.ToLower(a.Importance)),
		Categories: trimList(a.Categories, maxCategories),
		Tags:       trimList(a.Tags, maxTags),
	}
	if len(out.Categories) > 0 {
		out.Category = out.Categories[0]
	}
	return out, nil
}

func trimList(items []string, limit int) []string {
	var out []string
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
		if len(out) == limit {
			break
		}
	}
	return out
}

func buildPrompt(in Input) string {
	var b strings.Builder
	b.WriteString("Analyze the following message.\n\nMessage:\n")
	b.WriteString(strings.TrimSpace(in.Text))
	if s := strings.TrimSpace(in.MediaText); s != "" {
		b.WriteString("\n\nText found in attached media:\n")
		b.WriteString(s)
	}
	if s := strings.TrimSpace(in.LinkSummary); s != "" {
		b.WriteString("\n\nLinked page:\n")
		b.WriteString(s)
	}
	return b.String()
}
