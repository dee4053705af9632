// Package linkpreview fetches web pages referenced by messages and extracts
// their readable text.
package linkpreview

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "codeberg.org/readeck/go-readability/v2"
)

const (
	defaultTimeout  = 12 * time.Second
	bodyByteLimit   = 2 * 1024 * 1024
	defaultMaxRunes = 1000
	userAgent       = "Mozilla/5.0 (compatible; DigestBot/1.0)"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher extracts page summaries.
type Fetcher struct {
	client   HTTPClient
	timeout  time.Duration
	maxRunes int
	logger   *slog.Logger
}

// New creates a link preview fetcher.
func New(client HTTPClient, timeout time.Duration, logger *slog.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Fetcher{client: client, timeout: timeout, maxRunes: defaultMaxRunes, logger: logger}
}

// Summarize returns the readable text of the first link that can be fetched,
// prefixed with its title and domain. It returns an empty string when no link
// yields content.
func (f *Fetcher) Summarize(ctx context.Context, links []string) string {
	for _, link := range links {
		text, err := f.fetch(ctx, link)
		if err != nil {
			f.logger.Debug("link preview failed", "url", link, "error", err)
			continue
		}
		if text != "" {
			return text
		}
	}
	return ""
}

func (f *Fetcher) fetch(ctx context.Context, link string) (string, error) {
	pageURL, err := url.Parse(strings.TrimSpace(link))
	if err != nil || (pageURL.Scheme != "http" && pageURL.Scheme != "https") {
		return "", fmt.Errorf("unsupported url %q", link)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch url: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, bodyByteLimit))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	if strings.HasPrefix(strings.ToLower(resp.Header.Get("Content-Type")), "text/plain") {
		return f.compose("", pageURL.Host, cleanText(string(body))), nil
	}

	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err != nil {
		return "", fmt.Errorf("readability parse: %w", err)
	}

	var rendered bytes.Buffer
	if err := article.RenderText(&rendered); err != nil {
		return "", fmt.Errorf("render text: %w", err)
	}
	text := cleanText(rendered.String())
	if text == "" {
		text = cleanText(article.Excerpt())
	}
	return f.compose(strings.TrimSpace(article.Title()), pageURL.Host, text), nil
}

func (f *Fetcher) compose(title, domain, text string) string {
	if text == "" && title == "" {
		return ""
	}
	if r := []rune(text); len(r) > f.maxRunes {
		text = string(r[:f.maxRunes]) + "…"
	}
	var b strings.Builder
	if title != "" {
		b.WriteString(title)
		b.WriteString(" ")
	}
	b.WriteString("(")
	b.WriteString(domain)
	b.WriteString(")")
	if text != "" {
		b.WriteString("\n")
		b.WriteString(text)
	}
	return b.String()
}

func cleanText(raw string) string {
	raw = strings.ReplaceAll(raw, "\r\n", "\n")
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		if clean := strings.Join(strings.Fields(line), " "); clean != "" {
			lines = append(lines, clean)
		}
	}
	return strings.Join(lines, "\n")
}
