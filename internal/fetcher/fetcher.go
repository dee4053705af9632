// Package fetcher retrieves channel messages from an RSS bridge and maps them to inbound messages.
package fetcher

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/time/rate"

	"digest_bot/internal/model"
)

// ErrAccessLost means the source can no longer be read and should be removed.
var ErrAccessLost = errors.New("source access lost")

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Directory resolves public handles to source IDs.
type Directory interface {
	LookupHandle(ctx context.Context, handle string) (int64, error)
}

// Fetcher downloads channel feeds through a URL template such as
// "https://rsshub.app/telegram/channel/{handle}".
type Fetcher struct {
	client   HTTPClient
	template string
	timeout  time.Duration
	limiter  *rate.Limiter
	dir      Directory
	logger   *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.timeout = d }
}

// WithRateLimit caps outgoing requests per second across all sources.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(f *Fetcher) { f.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1)) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// New creates a Fetcher with the given HTTP client and feed URL template.
func New(client HTTPClient, template string, opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   client,
		template: template,
		timeout:  30 * time.Second,
		limiter:  rate.NewLimiter(rate.Inf, 1),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SetDirectory sets the handle directory used to resolve forward origins.
func (f *Fetcher) SetDirectory(dir Directory) {
	f.dir = dir
}

// Fetch returns the messages of src with a sequence greater than after, in
// ascending sequence order.
func (f *Fetcher) Fetch(ctx context.Context, src model.Source, after int64) ([]model.InboundMessage, error) {
	feed, err := f.load(ctx, src)
	if err != nil {
		return nil, err
	}

	var out []model.InboundMessage
	for _, item := range feed.Items {
		seq, ok := itemSequence(item)
		if !ok {
			f.logger.Debug("skip item without sequence", "source", src.Label(), "link", item.Link)
			continue
		}
		if seq <= after {
			continue
		}
		out = append(out, f.toMessage(ctx, src, seq, item))
	}
	slices.SortFunc(out, func(a, b model.InboundMessage) int {
		return cmp.Compare(a.Sequence, b.Sequence)
	})
	return out, nil
}

// Latest returns the newest sequence number currently published by src,
// or 0 when the feed is empty.
func (f *Fetcher) Latest(ctx context.Context, src model.Source) (int64, error) {
	feed, err := f.load(ctx, src)
	if err != nil {
		return 0, err
	}
	var latest int64
	for _, item := range feed.Items {
		if seq, ok := itemSequence(item); ok && seq > latest {
			latest = seq
		}
	}
	return latest, nil
}

func (f *Fetcher) feedURL(src model.Source) (string, error) {
	if src.Handle == "" {
		return "", fmt.Errorf("source %d has no public handle: %w", src.ID, ErrAccessLost)
	}
	return strings.ReplaceAll(f.template, "{handle}", url.PathEscape(src.Handle)), nil
}

func (f *Fetcher) load(ctx context.Context, src model.Source) (*gofeed.Feed, error) {
	feedURL, err := f.feedURL(src)
	if err != nil {
		return nil, err
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "DigestBot/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return nil, fmt.Errorf("status %d for %s: %w", resp.StatusCode, src.Label(), ErrAccessLost)
	default:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

func (f *Fetcher) toMessage(ctx context.Context, src model.Source, seq int64, item *gofeed.Item) model.InboundMessage {
	html := item.Content
	if html == "" {
		html = item.Description
	}
	body := parseBody(html)

	msg := model.InboundMessage{
		SourceID:  src.ID,
		Sequence:  seq,
		Media:     body.Media,
		Links:     body.Links,
		ThreadID:  threadID(item.Link),
		CreatedAt: time.Now().UTC(),
	}
	if item.PublishedParsed != nil {
		msg.CreatedAt = item.PublishedParsed.UTC()
	}
	if body.Text != "" {
		text := body.Text
		msg.Text = &text
	}
	for _, enc := range item.Enclosures {
		if enc != nil && enc.URL != "" {
			msg.Media = append(msg.Media, model.MediaRef{Kind: enc.Type, URL: enc.URL})
		}
	}
	if body.ForwardLink != "" {
		msg.Forward = f.originRef(ctx, body.ForwardLink)
	}
	return msg
}

// originRef turns a t.me post link into an origin reference. Public handles
// are resolved through the directory; an unresolved handle leaves SourceID zero.
func (f *Fetcher) originRef(ctx context.Context, link string) *model.OriginRef {
	post, ok := ParsePostLink(link)
	if !ok {
		return nil
	}
	ref := &model.OriginRef{SourceID: post.SourceID, Sequence: post.Sequence, Handle: post.Handle}
	if ref.SourceID == 0 && post.Handle != "" && f.dir != nil {
		id, err := f.dir.LookupHandle(ctx, post.Handle)
		if err != nil {
			f.logger.Debug("resolve forward origin", "handle", post.Handle, "error", err)
			return ref
		}
		ref.SourceID = id
	}
	return ref
}
