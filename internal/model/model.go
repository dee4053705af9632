// Package model defines the domain types used across the application.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SourceOrigin records how a source entered the monitored set.
type SourceOrigin string

// Supported source origins.
const (
	OriginConfig     SourceOrigin = "config"
	OriginDiscovered SourceOrigin = "discovered"
	OriginAdmin      SourceOrigin = "admin"
)

// Source represents a monitored broadcast channel.
type Source struct {
	ID            int64
	Handle        string
	Title         string
	Cursor        *int64
	Active        bool
	Origin        SourceOrigin
	RemovedReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Label returns the handle when known, otherwise the numeric ID.
func (s Source) Label() string {
	if s.Handle != "" {
		return "@" + s.Handle
	}
	return fmt.Sprintf("%d", s.ID)
}

// OriginRef points at a message in another source.
// A ref with only one of SourceID or Sequence set is malformed.
type OriginRef struct {
	SourceID int64
	Sequence int64
	Handle   string
}

// Complete reports whether both halves of the reference are present.
func (r OriginRef) Complete() bool {
	return r.SourceID != 0 && r.Sequence != 0
}

// Partial reports whether exactly one half of the reference is present.
func (r OriginRef) Partial() bool {
	return (r.SourceID != 0) != (r.Sequence != 0)
}

// MediaRef references an attachment of an inbound message.
type MediaRef struct {
	Kind string
	URL  string
}

// InboundMessage is one raw message retrieved from a source.
type InboundMessage struct {
	SourceID   int64
	Sequence   int64
	Text       *string
	Media      []MediaRef
	Links      []string
	Forward    *OriginRef
	SenderChat *OriginRef
	SavedFrom  *OriginRef
	ThreadID   *int64
	CreatedAt  time.Time
}

// RawText returns the message text or an empty string.
func (m InboundMessage) RawText() string {
	if m.Text == nil {
		return ""
	}
	return *m.Text
}

// IsThreadReply reports whether the message belongs to a comment or topic thread.
func (m InboundMessage) IsThreadReply() bool {
	return m.ThreadID != nil
}

// Identity is the canonical origin of a message.
type Identity struct {
	SourceID int64
	Sequence int64
}

// String formats the identity as "<source>:<sequence>".
func (id Identity) String() string {
	return fmt.Sprintf("%d:%d", id.SourceID, id.Sequence)
}

// PostURL returns the public link of the message. Channels without a handle
// use the private "c/<internal id>" form, which drops the -100 peer prefix.
func (id Identity) PostURL(handle string) string {
	if handle != "" {
		return fmt.Sprintf("https://t.me/%s/%d", handle, id.Sequence)
	}
	internal := strings.TrimPrefix(strconv.FormatInt(id.SourceID, 10), "-100")
	internal = strings.TrimPrefix(internal, "-")
	return fmt.Sprintf("https://t.me/c/%s/%d", internal, id.Sequence)
}

// Verdict is the outcome of a deduplication check.
type Verdict int

// Deduplication verdicts.
const (
	Novel Verdict = iota
	Duplicate
)

func (v Verdict) String() string {
	if v == Duplicate {
		return "duplicate"
	}
	return "novel"
}

// Importance is the classification priority of a message.
type Importance string

// Supported importance levels.
const (
	ImportanceLow    Importance = "low"
	ImportanceMedium Importance = "medium"
	ImportanceHigh   Importance = "high"
)

var importanceRank = map[Importance]int{
	ImportanceLow:    0,
	ImportanceMedium: 1,
	ImportanceHigh:   2,
}

// ParseImportance maps a string to an Importance, defaulting to low.
func ParseImportance(s string) Importance {
	imp := Importance(s)
	if _, ok := importanceRank[imp]; ok {
		return imp
	}
	return ImportanceLow
}

// Rank returns the ordinal of the importance level.
func (i Importance) Rank() int {
	return importanceRank[i]
}

// AtLeast reports whether i is at or above min.
func (i Importance) AtLeast(min Importance) bool {
	return i.Rank() >= min.Rank()
}

// Classification holds the structured labels produced for a novel message.
type Classification struct {
	Summary    string
	Importance Importance
	Category   string
	Categories []string
	Tags       []string
}

// Fingerprint is the persisted dedup record of a canonical identity.
type Fingerprint struct {
	Identity           Identity
	Digest             string
	FirstSeen          time.Time
	DeliveredMessageID *int64
	Classification     *Classification
}

// VectorRecord is a persisted similarity representation inside the window.
type VectorRecord struct {
	Identity  Identity
	Kind      string
	Data      []byte
	Timestamp time.Time
}

// Delivery is a novel message handed to the delivery collaborator.
type Delivery struct {
	Identity       Identity
	Source         Source
	OriginHandle   string
	Text           string
	Classification *Classification
	CreatedAt      time.Time
}

// Stats summarizes the store contents.
type Stats struct {
	ActiveSources  int
	RemovedSources int
	Fingerprints   int
	Delivered      int
	Vectors        int
}

// PollResult summarizes one processed source batch.
type PollResult struct {
	Fetched    int
	Novel      int
	Duplicates int
	Skipped    int
	Cursor     int64
}
