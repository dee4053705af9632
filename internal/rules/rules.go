// Package rules adjusts classifications with keyword heuristics.
package rules

import (
	"regexp"
	"slices"

	"digest_bot/internal/model"
)

// Terms that mark a giveaway or promotional event.
var eventTerms = regexp.MustCompile(`(?i)(이벤트|추첨|경품|기프티콘|커피|스타벅스|나눔|쿠폰|리워드|럭키\s?드로우|라플|raffle|giveaway|bounty|reward|에어\s?드랍|air\s?drop|airdrop)`)

// Terms that ask readers to take part in something.
var actionTerms = regexp.MustCompile(`(?i)(참여|참가|신청|등록|리트윗|\bRT\b|팔로우|팔로윙|팔로|like|좋아요|코멘트|댓글|share|공유|퀘스트|gleam|galxe|zealy)`)

const (
	eventCategory = "event"
	eventTag      = "giveaway"
)

// Apply raises the importance of event posts and labels them. An event that
// also asks for participation becomes high, an event alone at least medium.
// The input is not modified.
func Apply(text string, c model.Classification) model.Classification {
	if !eventTerms.MatchString(text) {
		return c
	}

	out := c
	out.Categories = slices.Clone(c.Categories)
	out.Tags = slices.Clone(c.Tags)

	target := model.ImportanceMedium
	if actionTerms.MatchString(text) {
		target = model.ImportanceHigh
	}
	if !out.Importance.AtLeast(target) {
		out.Importance = target
	}
	if !slices.Contains(out.Categories, eventCategory) {
		out.Categories = append(out.Categories, eventCategory)
	}
	if !slices.Contains(out.Tags, eventTag) {
		out.Tags = append(out.Tags, eventTag)
	}
	if out.Category == "" {
		out.Category = eventCategory
	}
	return out
}

// Passes reports whether a classification clears the importance gate.
// Messages without a classification always pass.
func Passes(c *model.Classification, min model.Importance) bool {
	if c == nil {
		return true
	}
	return c.Importance.AtLeast(min)
}
