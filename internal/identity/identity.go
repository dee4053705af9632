// Package identity resolves the canonical origin of inbound messages.
package identity

import (
	"context"
	"log/slog"

	"digest_bot/internal/model"
)

// Anomaly describes malformed origin metadata found while resolving.
type Anomaly struct {
	Rule string
	Ref  model.OriginRef
}

// Resolve returns the canonical identity of msg. The first applicable rule wins:
// explicit forward metadata, then the channel-post sender, then the saved-from
// peer, then the message itself. A half-filled reference on any rule stops the
// search and falls back to the message itself; the returned Anomaly is non-nil
// in that case.
func Resolve(msg model.InboundMessage) (model.Identity, *model.OriginRef, *Anomaly) {
	self := model.Identity{SourceID: msg.SourceID, Sequence: msg.Sequence}

	rules := []struct {
		name string
		ref  *model.OriginRef
	}{
		{"forward", msg.Forward},
		{"sender_chat", msg.SenderChat},
		{"saved_from", msg.SavedFrom},
	}
	for _, r := range rules {
		if r.ref == nil {
			continue
		}
		if r.ref.Partial() {
			return self, nil, &Anomaly{Rule: r.name, Ref: *r.ref}
		}
		if r.ref.Complete() {
			ref := *r.ref
			return model.Identity{SourceID: ref.SourceID, Sequence: ref.Sequence}, &ref, nil
		}
	}
	return self, nil, nil
}

// ActiveChecker reports whether a source is in the active set.
type ActiveChecker interface {
	IsActive(ctx context.Context, sourceID int64) (bool, error)
}

// Discoverer starts tracking a newly seen origin source.
type Discoverer interface {
	Discover(ctx context.Context, sourceID int64, handle string, cursor int64) error
}

// Tracker wraps Resolve and signals discovery of untracked origin sources.
type Tracker struct {
	active     ActiveChecker
	discoverer Discoverer
	logger     *slog.Logger
}

// NewTracker creates a resolving tracker.
func NewTracker(active ActiveChecker, discoverer Discoverer, logger *slog.Logger) *Tracker {
	return &Tracker{active: active, discoverer: discoverer, logger: logger}
}

// Resolve resolves msg and, when the origin lives in a source that is not
// active, asks the discoverer to track it from just before the origin message.
// Discovery failures are logged and never affect the returned identity.
func (t *Tracker) Resolve(ctx context.Context, msg model.InboundMessage) model.Identity {
	id, ref, anomaly := Resolve(msg)
	if anomaly != nil {
		t.logger.Warn("malformed origin metadata",
			"source_id", msg.SourceID,
			"seq", msg.Sequence,
			"rule", anomaly.Rule,
			"origin_source", anomaly.Ref.SourceID,
			"origin_seq", anomaly.Ref.Sequence,
		)
		return id
	}
	if ref == nil || id.SourceID == msg.SourceID {
		return id
	}

	active, err := t.active.IsActive(ctx, id.SourceID)
	if err != nil {
		t.logger.Warn("check origin source", "origin_source", id.SourceID, "error", err)
		return id
	}
	if active {
		return id
	}

	if err := t.discoverer.Discover(ctx, id.SourceID, ref.Handle, id.Sequence-1); err != nil {
		t.logger.Warn("discover origin source", "origin_source", id.SourceID, "error", err)
	}
	return id
}

// OriginHandle returns the public handle carried by the origin reference that
// produced id, or the empty string when none is known.
func OriginHandle(msg model.InboundMessage, id model.Identity) string {
	for _, ref := range []*model.OriginRef{msg.Forward, msg.SenderChat, msg.SavedFrom} {
		if ref != nil && ref.SourceID == id.SourceID && ref.Sequence == id.Sequence {
			return ref.Handle
		}
	}
	return ""
}
