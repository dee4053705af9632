package rules

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"digest_bot/internal/model"
)

func TestApply(t *testing.T) {
	tests := []struct {
		name string
		text string
		in   model.Classification
		want model.Classification
	}{
		{
			name: "no event keeps classification",
			text: "BTC breaks 100k",
			in:   model.Classification{Importance: model.ImportanceLow, Categories: []string{"news"}},
			want: model.Classification{Importance: model.ImportanceLow, Categories: []string{"news"}},
		},
		{
			name: "event alone raises to medium",
			text: "스타벅스 기프티콘 이벤트 진행중",
			in:   model.Classification{Importance: model.ImportanceLow, Category: "news", Categories: []string{"news"}},
			want: model.Classification{
				Importance: model.ImportanceMedium,
				Category:   "news",
				Categories: []string{"news", "event"},
				Tags:       []string{"giveaway"},
			},
		},
		{
			name: "event with action raises to high",
			text: "Giveaway! Follow and RT to join",
			in:   model.Classification{Importance: model.ImportanceLow},
			want: model.Classification{
				Importance: model.ImportanceHigh,
				Category:   "event",
				Categories: []string{"event"},
				Tags:       []string{"giveaway"},
			},
		},
		{
			name: "never lowers importance",
			text: "airdrop announced",
			in:   model.Classification{Importance: model.ImportanceHigh, Tags: []string{"giveaway"}},
			want: model.Classification{
				Importance: model.ImportanceHigh,
				Category:   "event",
				Categories: []string{"event"},
				Tags:       []string{"giveaway"},
			},
		},
		{
			name: "spaced korean airdrop",
			text: "에어 드랍 참여 방법",
			in:   model.Classification{Importance: model.ImportanceMedium},
			want: model.Classification{
				Importance: model.ImportanceHigh,
				Category:   "event",
				Categories: []string{"event"},
				Tags:       []string{"giveaway"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Apply(tt.text, tt.in)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Apply() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	cats := make([]string, 1, 4)
	cats[0] = "news"
	in := model.Classification{Categories: cats}

	_ = Apply("raffle", in)
	if diff := cmp.Diff([]string{"news"}, in.Categories); diff != "" {
		t.Errorf("input mutated (-want +got):\n%s", diff)
	}
	if got := cats[:2][1]; got != "" {
		t.Errorf("backing array mutated: %q", got)
	}
}

func TestPasses(t *testing.T) {
	tests := []struct {
		name string
		c    *model.Classification
		min  model.Importance
		want bool
	}{
		{name: "unclassified bypasses gate", c: nil, min: model.ImportanceHigh, want: true},
		{name: "below threshold", c: &model.Classification{Importance: model.ImportanceLow}, min: model.ImportanceMedium, want: false},
		{name: "at threshold", c: &model.Classification{Importance: model.ImportanceMedium}, min: model.ImportanceMedium, want: true},
		{name: "above threshold", c: &model.Classification{Importance: model.ImportanceHigh}, min: model.ImportanceLow, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Passes(tt.c, tt.min); got != tt.want {
				t.Errorf("Passes() = %v, want %v", got, tt.want)
			}
		})
	}
}
