// Package config handles application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"digest_bot/internal/model"
)

// Cursor initialization policies.
const (
	CursorLatest   = "latest"
	CursorLookback = "lookback"
)

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string  `envconfig:"TELEGRAM_BOT_TOKEN" required:"true"`
	AggregatorChatID int64   `envconfig:"AGGREGATOR_CHAT_ID" required:"true"`
	AllowedUsers     []int64 `envconfig:"ALLOWED_USERS"`
	DatabasePath     string  `envconfig:"DATABASE_PATH" default:"./data/digest.db"`
	LogLevel         string  `envconfig:"LOG_LEVEL" default:"info"`

	SourceChannels  string `envconfig:"SOURCE_CHANNELS"`
	SourcesFile     string `envconfig:"SOURCES_FILE"`
	FeedURLTemplate string `envconfig:"FEED_URL_TEMPLATE" default:"https://rsshub.app/telegram/channel/{handle}"`

	PollInterval     time.Duration `envconfig:"POLL_INTERVAL" default:"30s"`
	FetchConcurrency int           `envconfig:"FETCH_CONCURRENCY" default:"4"`
	FetchTimeout     time.Duration `envconfig:"FETCH_TIMEOUT" default:"30s"`
	FetchRate        float64       `envconfig:"FETCH_RATE" default:"2"`

	SimilarityThreshold float64 `envconfig:"DEDUP_SIMILARITY_THRESHOLD" default:"0.85"`
	HammingThreshold    int     `envconfig:"DEDUP_HAMMING_THRESHOLD" default:"3"`
	RecentMinutes       int     `envconfig:"DEDUP_RECENT_MINUTES" default:"360"`

	EmbeddingAPIKey  string        `envconfig:"EMBEDDING_API_KEY"`
	EmbeddingBaseURL string        `envconfig:"EMBEDDING_BASE_URL" default:"https://api.upstage.ai/v1"`
	EmbeddingModel   string        `envconfig:"EMBEDDING_MODEL" default:"embedding-query"`
	EmbeddingTimeout time.Duration `envconfig:"EMBEDDING_TIMEOUT" default:"10s"`

	OpenAIAPIKey    string        `envconfig:"OPENAI_API_KEY"`
	OpenAIModel     string        `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	ClassifyTimeout time.Duration `envconfig:"CLASSIFY_TIMEOUT" default:"30s"`

	ImportantThreshold string `envconfig:"IMPORTANT_THRESHOLD" default:"low"`

	CursorInit     string `envconfig:"CURSOR_INIT" default:"latest"`
	CursorLookback int    `envconfig:"CURSOR_LOOKBACK" default:"20"`

	LinkPreview bool   `envconfig:"LINK_PREVIEW" default:"false"`
	MediaText   bool   `envconfig:"MEDIA_TEXT" default:"false"`
	StatusAddr  string `envconfig:"STATUS_ADDR"`
}

// Load reads configuration from environment variables, after loading an
// optional dotenv file named by ENV_FILE (default ".env").
// Variables already present in the environment take precedence.
func Load() (*Config, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file %s: %w", envFile, err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks value ranges that envconfig cannot express.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.TelegramBotToken) == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	if c.AggregatorChatID == 0 {
		return fmt.Errorf("AGGREGATOR_CHAT_ID is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be > 0")
	}
	if c.FetchConcurrency < 1 {
		return fmt.Errorf("FETCH_CONCURRENCY must be >= 1")
	}
	if c.FetchRate <= 0 {
		return fmt.Errorf("FETCH_RATE must be > 0")
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("DEDUP_SIMILARITY_THRESHOLD must be in (0, 1]")
	}
	if c.HammingThreshold < 0 || c.HammingThreshold > 64 {
		return fmt.Errorf("DEDUP_HAMMING_THRESHOLD must be in [0, 64]")
	}
	if c.RecentMinutes < 1 {
		return fmt.Errorf("DEDUP_RECENT_MINUTES must be >= 1")
	}
	if c.EmbeddingTimeout <= 0 || c.ClassifyTimeout <= 0 {
		return fmt.Errorf("EMBEDDING_TIMEOUT and CLASSIFY_TIMEOUT must be > 0")
	}
	switch c.ImportantThreshold {
	case string(model.ImportanceLow), string(model.ImportanceMedium), string(model.ImportanceHigh):
	default:
		return fmt.Errorf("IMPORTANT_THRESHOLD must be low, medium or high, got %q", c.ImportantThreshold)
	}
	switch c.CursorInit {
	case CursorLatest, CursorLookback:
	default:
		return fmt.Errorf("CURSOR_INIT must be %q or %q, got %q", CursorLatest, CursorLookback, c.CursorInit)
	}
	if c.CursorLookback < 0 {
		return fmt.Errorf("CURSOR_LOOKBACK must be >= 0")
	}
	if !strings.Contains(c.FeedURLTemplate, "{handle}") {
		return fmt.Errorf("FEED_URL_TEMPLATE must contain {handle}")
	}
	if _, err := ParseSourceList(c.SourceChannels); err != nil {
		return fmt.Errorf("SOURCE_CHANNELS: %w", err)
	}
	return nil
}

// DedupWindow returns the approximate-dedup recency window.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.RecentMinutes) * time.Minute
}

// MinImportance returns the delivery gate threshold.
func (c *Config) MinImportance() model.Importance {
	return model.ParseImportance(c.ImportantThreshold)
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	return slices.Contains(c.AllowedUsers, userID)
}
