package bot

import (
	"fmt"
	"html"
	"strings"

	"digest_bot/internal/model"
)

const (
	statusActive  = "active"
	statusRemoved = "removed"

	maxExcerptRunes = 600
)

var importanceEmoji = map[model.Importance]string{
	model.ImportanceHigh:   "🔥",
	model.ImportanceMedium: "⚡",
	model.ImportanceLow:    "📝",
}

// FormatDelivery renders a digest entry as Telegram HTML. Unclassified
// messages show an excerpt of their text instead of a summary.
func FormatDelivery(d model.Delivery) string {
	emoji := importanceEmoji[model.ImportanceLow]
	body := excerpt(d.Text)
	cats, tags := "-", "-"
	if c := d.Classification; c != nil {
		emoji = importanceEmoji[c.Importance]
		if c.Summary != "" {
			body = c.Summary
		}
		if len(c.Categories) > 0 {
			cats = strings.Join(c.Categories, ", ")
		}
		if len(c.Tags) > 0 {
			tags = strings.Join(c.Tags, ", ")
		}
	}

	title := d.Source.Title
	if title == "" {
		title = d.Source.Label()
	}
	handle := d.OriginHandle
	if d.Identity.SourceID == d.Source.ID && handle == "" {
		handle = d.Source.Handle
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s %s</b>\n", emoji, html.EscapeString(title))
	fmt.Fprintf(&b, "<blockquote>%s</blockquote>\n", html.EscapeString(body))
	fmt.Fprintf(&b, "<b>Categories:</b> %s\n", html.EscapeString(cats))
	fmt.Fprintf(&b, "<b>Tags:</b> %s\n", html.EscapeString(tags))
	fmt.Fprintf(&b, "<a href=\"%s\">원문 열기</a>", html.EscapeString(d.Identity.PostURL(handle)))
	return b.String()
}

func excerpt(text string) string {
	r := []rune(strings.TrimSpace(text))
	if len(r) <= maxExcerptRunes {
		return string(r)
	}
	return string(r[:maxExcerptRunes]) + "…"
}

// FormatSourceList formats the monitored and removed sources for display.
func FormatSourceList(list []model.Source) string {
	if len(list) == 0 {
		return "No sources yet. Use /add <@handle> to add one."
	}
	var active int
	for _, s := range list {
		if s.Active {
			active++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Sources (%d active, %d removed):\n", active, len(list)-active)
	for _, s := range list {
		fmt.Fprintf(&b, "\n%s  id %d [%s]\n", s.Label(), s.ID, sourceStatus(s))
	}
	return b.String()
}

// FormatSourceInfo formats detailed information about a single source.
func FormatSourceInfo(s model.Source) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s]\n", s.Label(), sourceStatus(s))
	fmt.Fprintf(&b, "ID: %d\n", s.ID)
	if s.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", s.Title)
	}
	fmt.Fprintf(&b, "Origin: %s\n", s.Origin)
	if s.Cursor != nil {
		fmt.Fprintf(&b, "Cursor: %d\n", *s.Cursor)
	} else {
		b.WriteString("Cursor: not initialized\n")
	}
	if !s.UpdatedAt.IsZero() {
		fmt.Fprintf(&b, "Updated: %s\n", s.UpdatedAt.Format("2006-01-02 15:04 UTC"))
	}
	return b.String()
}

// FormatStats formats the store counters.
func FormatStats(st model.Stats) string {
	return fmt.Sprintf("Sources: %d active, %d removed\nFingerprints: %d (%d delivered)\nWindow vectors: %d",
		st.ActiveSources, st.RemovedSources, st.Fingerprints, st.Delivered, st.Vectors)
}

// FormatPollResult formats the outcome of a manual check.
func FormatPollResult(label string, r model.PollResult) string {
	if r.Fetched == 0 {
		return fmt.Sprintf("No new messages in %s (cursor %d).", label, r.Cursor)
	}
	return fmt.Sprintf("Checked %s: %d new, %d novel, %d duplicate, %d skipped. Cursor %d.",
		label, r.Fetched, r.Novel, r.Duplicates, r.Skipped, r.Cursor)
}

func sourceStatus(s model.Source) string {
	if s.Active {
		return statusActive
	}
	if s.RemovedReason != "" {
		return statusRemoved + ": " + s.RemovedReason
	}
	return statusRemoved
}
