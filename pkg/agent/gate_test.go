package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotchat/pkg/history"
	"github.com/dotsetgreg/dotchat/pkg/providers"
	"github.com/dotsetgreg/dotchat/pkg/settings"
)

func TestParseJudgment(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Judgment
		wantErr bool
	}{
		{
			name: "full",
			raw:  `{"desire": 16, "reason": "asked directly", "search": ["go 1.25 release", " "], "images": {"1": "the chart"}, "think": true, "keywords": ["go"]}`,
			want: Judgment{Desire: 16, Reason: "asked directly", Search: []string{"go 1.25 release"}, Images: map[string]string{"1": "the chart"}, Think: true, Keywords: []string{"go"}},
		},
		{
			name: "fenced minimal",
			raw:  "```json\n{\"desire\": 0, \"reason\": \"\"}\n```",
			want: Judgment{Desire: 0, Reason: ""},
		},
		{name: "desire too high", raw: `{"desire": 21, "reason": "x"}`, wantErr: true},
		{name: "negative desire", raw: `{"desire": -1, "reason": "x"}`, wantErr: true},
		{name: "fractional desire", raw: `{"desire": 3.5, "reason": "x"}`, wantErr: true},
		{name: "string desire", raw: `{"desire": "16", "reason": "x"}`, wantErr: true},
		{name: "missing desire", raw: `{"reason": "x"}`, wantErr: true},
		{name: "missing reason", raw: `{"desire": 3}`, wantErr: true},
		{name: "search not a list", raw: `{"desire": 3, "reason": "x", "search": "weather"}`, wantErr: true},
		{name: "think not a bool", raw: `{"desire": 3, "reason": "x", "think": "yes"}`, wantErr: true},
		{name: "array", raw: `[{"desire": 3}]`, wantErr: true},
		{name: "prose", raw: `I would say desire 5`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseJudgment(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedJudgment)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestThreshold_AddressedNeverAboveAmbient(t *testing.T) {
	for _, search := range [][]string{nil, {"q"}} {
		for _, hits := range []int{0, 1, 3} {
			for _, watch := range []bool{false, true} {
				j := Judgment{Search: search}
				at := Threshold(true, j, hits, watch)
				ambient := Threshold(false, j, hits, watch)
				assert.LessOrEqual(t, at, ambient, "search=%v hits=%d watch=%v", search, hits, watch)
			}
		}
	}

	assert.Equal(t, 6, Threshold(true, Judgment{}, 0, true))
	assert.Equal(t, 17, Threshold(false, Judgment{}, 0, true))
	assert.Equal(t, 7, Threshold(true, Judgment{}, 0, false))
	assert.Equal(t, 5, Threshold(true, Judgment{Search: []string{"q"}}, 0, true))
	assert.Equal(t, 14, Threshold(false, Judgment{Search: []string{"q"}}, 2, true))
}

func TestKeywordHits(t *testing.T) {
	watch := []string{"Golang", "rust", ""}
	assert.Equal(t, 0, KeywordHits(nil, []string{"golang"}, "golang rocks"))
	assert.Equal(t, 1, KeywordHits(watch, nil, "I love GOLANG"))
	assert.Equal(t, 2, KeywordHits(watch, []string{"RUST", "python"}, "golang"))
	assert.Equal(t, 0, KeywordHits(watch, []string{"python"}, "hello"))
}

func TestPreCheck(t *testing.T) {
	short := textMessage("1", "alice", "hi", 0)
	long := textMessage("2", "alice", "this is a longer message", 0)

	all := settings.Settings{ResponseLevel: "all", MinCorrespondingLength: 8}
	assert.False(t, PreCheck(short, all))
	assert.True(t, PreCheck(long, all))
	assert.True(t, PreCheck(addressed(short), all))

	at := settings.Settings{ResponseLevel: "at", MinCorrespondingLength: 8}
	assert.False(t, PreCheck(long, at))
	assert.True(t, PreCheck(addressed(short), at))

	disabled := settings.Settings{ResponseLevel: "disabled"}
	assert.False(t, PreCheck(addressed(long), disabled))
}

func gateContext(trigger history.Message) Context {
	snap := history.Snapshot{Messages: []history.Message{trigger}}
	return NewContextBuilder(10, 0).Build(context.Background(), snap, trigger, settings.Settings{MaxHistoryLength: 10}, testMeta(), nil)
}

func judgeWith(raw ...string) *fakeProvider {
	p := newFakeProvider(providers.CapabilityPreprocess, providers.CapabilityChat)
	i := 0
	p.invoke = func(capability string, _ []providers.Message) (string, bool) {
		out := raw[min(i, len(raw)-1)]
		i++
		return out, true
	}
	return p
}

func TestGate_ShortAmbientMessageNeverCallsProvider(t *testing.T) {
	p := judgeWith(`{"desire": 20, "reason": "x"}`)
	g := NewGate(p, DefaultPrompts())
	trigger := textMessage("1", "alice", "ok", 0)

	d := g.Evaluate(context.Background(), gateContext(trigger), settings.Settings{ResponseLevel: "all", MinCorrespondingLength: 5}, nil)
	assert.False(t, d.Proceed)
	assert.False(t, d.Judged)
	assert.Zero(t, p.TotalCalls())
}

func TestGate_AddressedHighDesireProceeds(t *testing.T) {
	p := judgeWith(`{"desire": 16, "reason": "asked directly", "search": []}`)
	g := NewGate(p, DefaultPrompts())
	trigger := addressed(textMessage("1", "alice", "what do you think?", 0))

	d := g.Evaluate(context.Background(), gateContext(trigger), settings.Settings{ResponseLevel: "at", Keywords: []string{"unrelated"}}, func() bool { return true })
	require.True(t, d.Proceed)
	assert.Equal(t, 6, d.Threshold)
	assert.Equal(t, 16, d.Judgment.Desire)
	assert.Equal(t, 1, p.Calls(providers.CapabilityPreprocess))
}

func TestGate_BelowThresholdAcknowledgesOnlyAddressed(t *testing.T) {
	p := judgeWith(`{"desire": 2, "reason": "nothing to add"}`)
	g := NewGate(p, DefaultPrompts())
	s := settings.Settings{ResponseLevel: "all"}

	d := g.Evaluate(context.Background(), gateContext(addressed(textMessage("1", "alice", "thanks", 0))), s, nil)
	assert.False(t, d.Proceed)
	assert.True(t, d.Acknowledge)

	d = g.Evaluate(context.Background(), gateContext(textMessage("2", "alice", "people chatting", 0)), s, nil)
	assert.False(t, d.Proceed)
	assert.False(t, d.Acknowledge)
}

func TestGate_RecalledTriggerVetoes(t *testing.T) {
	p := judgeWith(`{"desire": 20, "reason": "x"}`)
	g := NewGate(p, DefaultPrompts())
	trigger := addressed(textMessage("1", "alice", "hello bot", 0))

	d := g.Evaluate(context.Background(), gateContext(trigger), settings.Settings{ResponseLevel: "at"}, func() bool { return false })
	assert.False(t, d.Proceed)
	assert.False(t, d.Acknowledge)
	assert.Equal(t, "recalled", d.Reason)
}

func TestGate_RetriesMalformedJudgment(t *testing.T) {
	trigger := addressed(textMessage("1", "alice", "hello bot", 0))
	s := settings.Settings{ResponseLevel: "at"}

	p := judgeWith("not json")
	d := NewGate(p, DefaultPrompts()).Evaluate(context.Background(), gateContext(trigger), s, nil)
	assert.False(t, d.Judged)
	assert.Equal(t, 3, p.Calls(providers.CapabilityPreprocess))

	p = judgeWith(`{"desire": 99}`, `{"desire": 12, "reason": "ok"}`)
	d = NewGate(p, DefaultPrompts()).Evaluate(context.Background(), gateContext(trigger), s, nil)
	assert.True(t, d.Proceed)
	assert.Equal(t, 2, p.Calls(providers.CapabilityPreprocess))
}

func TestGate_ExhaustedRouteIsNotRetried(t *testing.T) {
	p := newFakeProvider(providers.CapabilityPreprocess)
	trigger := addressed(textMessage("1", "alice", "hello bot", 0))
	d := NewGate(p, DefaultPrompts()).Evaluate(context.Background(), gateContext(trigger), settings.Settings{ResponseLevel: "at"}, nil)
	assert.False(t, d.Judged)
	assert.Equal(t, 1, p.Calls(providers.CapabilityPreprocess))
}

func TestGate_SendsPreprocessGuidanceFirst(t *testing.T) {
	var seen []providers.Message
	p := newFakeProvider(providers.CapabilityPreprocess)
	p.invoke = func(_ string, msgs []providers.Message) (string, bool) {
		seen = msgs
		return `{"desire": 0, "reason": "x"}`, true
	}
	prompts := &Prompts{Preprocess: "JUDGE"}
	trigger := addressed(textMessage("1", "alice", "hello bot", 0))
	NewGate(p, prompts).Evaluate(context.Background(), gateContext(trigger), settings.Settings{ResponseLevel: "at"}, nil)

	require.NotEmpty(t, seen)
	assert.Equal(t, providers.Message{Role: providers.RoleSystem, Content: "JUDGE"}, seen[0])
	assert.Contains(t, seen[len(seen)-1].Content, "hello bot")
}
