package fetcher

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"digest_bot/internal/model"
)

// PostLink is a parsed t.me post address.
type PostLink struct {
	Handle   string
	SourceID int64
	Sequence int64
}

// ParsePostLink parses "https://t.me/<handle>/<seq>", "https://t.me/s/<handle>/<seq>"
// and "https://t.me/c/<internal>/<seq>". Private links map to the -100 prefixed peer ID.
// A link without a sequence yields a PostLink with Sequence zero.
func ParsePostLink(raw string) (PostLink, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return PostLink{}, false
	}
	host := strings.ToLower(strings.TrimPrefix(u.Host, "www."))
	if host != "t.me" && host != "telegram.me" {
		return PostLink{}, false
	}

	parts := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
	if len(parts) > 0 && parts[0] == "s" {
		parts = parts[1:]
	}
	if len(parts) == 0 {
		return PostLink{}, false
	}

	if parts[0] == "c" {
		if len(parts) < 2 {
			return PostLink{}, false
		}
		internal, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || internal <= 0 {
			return PostLink{}, false
		}
		id, err := strconv.ParseInt("-100"+parts[1], 10, 64)
		if err != nil {
			return PostLink{}, false
		}
		link := PostLink{SourceID: id}
		if len(parts) >= 3 {
			link.Sequence, _ = strconv.ParseInt(parts[2], 10, 64)
		}
		return link, true
	}

	link := PostLink{Handle: strings.ToLower(parts[0])}
	if len(parts) >= 2 {
		link.Sequence, _ = strconv.ParseInt(parts[1], 10, 64)
	}
	return link, true
}

func itemSequence(item *gofeed.Item) (int64, bool) {
	for _, candidate := range []string{item.Link, item.GUID} {
		if post, ok := ParsePostLink(candidate); ok && post.Sequence > 0 {
			return post.Sequence, true
		}
	}
	return 0, false
}

// threadID extracts the comment or topic thread marker from a post link.
func threadID(link string) *int64 {
	u, err := url.Parse(link)
	if err != nil {
		return nil
	}
	q := u.Query()
	for _, key := range []string{"comment", "thread"} {
		if v := q.Get(key); v != "" {
			if id, err := strconv.ParseInt(v, 10, 64); err == nil {
				return &id
			}
		}
	}
	return nil
}

type parsedBody struct {
	Text        string
	Media       []model.MediaRef
	Links       []string
	ForwardLink string
}

// parseBody extracts plain text, media, outbound links and the forward origin
// link from the HTML rendering of a channel post.
func parseBody(html string) parsedBody {
	var out parsedBody
	if strings.TrimSpace(html) == "" {
		return out
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		out.Text = strings.TrimSpace(html)
		return out
	}

	// The deepest element opening with "Forwarded From" holds the origin link.
	var header *goquery.Selection
	doc.Find("p, b, strong, div, span, blockquote").Each(func(_ int, s *goquery.Selection) {
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(s.Text())), "forwarded from") {
			return
		}
		if s.Find("a[href]").Length() > 0 {
			header = s
		}
	})
	if header != nil {
		out.ForwardLink, _ = header.Find("a[href]").First().Attr("href")
		header.Remove()
	}

	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		out.Media = append(out.Media, model.MediaRef{Kind: "photo", URL: src})
	})
	doc.Find("video[src], video source[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		out.Media = append(out.Media, model.MediaRef{Kind: "video", URL: src})
	})

	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if !strings.HasPrefix(href, "http") {
			return
		}
		if _, ok := ParsePostLink(href); ok {
			return
		}
		if _, dup := seen[href]; dup {
			return
		}
		seen[href] = struct{}{}
		out.Links = append(out.Links, href)
	})

	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, blockquote, li").AppendHtml("\n")
	out.Text = cleanText(doc.Text())
	return out
}

func cleanText(s string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
