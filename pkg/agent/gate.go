package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"

	"github.com/dotsetgreg/dotchat/pkg/config"
	"github.com/dotsetgreg/dotchat/pkg/history"
	"github.com/dotsetgreg/dotchat/pkg/logger"
	"github.com/dotsetgreg/dotchat/pkg/providers"
	"github.com/dotsetgreg/dotchat/pkg/settings"
)

const (
	MaxDesire = 20

	addressedThreshold = 6
	ambientThreshold   = 17
	preprocessAttempts = 3
)

var (
	ErrMalformedJudgment = errors.New("malformed judgment")
	errNoJudgment        = errors.New("no provider produced a judgment")
)

// Judgment is the preprocess model's verdict on a trigger message.
type Judgment struct {
	Desire int
	Reason string
	Search []string
	// Images maps an image placeholder id to what should be described.
	Images   map[string]string
	Think    bool
	Keywords []string
}

type rawJudgment struct {
	Desire   *float64          `json:"desire"`
	Reason   *string           `json:"reason"`
	Search   []string          `json:"search"`
	Images   map[string]string `json:"images"`
	Think    *bool             `json:"think"`
	Keywords []string          `json:"keywords"`
}

// ParseJudgment decodes raw model output. Any missing or out-of-range field
// is an error wrapping ErrMalformedJudgment.
func ParseJudgment(raw string) (Judgment, error) {
	body := stripCodeFence(raw)
	if !strings.HasPrefix(body, "{") {
		return Judgment{}, fmt.Errorf("%w: not a JSON object", ErrMalformedJudgment)
	}
	var r rawJudgment
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return Judgment{}, fmt.Errorf("%w: %v", ErrMalformedJudgment, err)
	}
	if r.Desire == nil {
		return Judgment{}, fmt.Errorf("%w: desire is required", ErrMalformedJudgment)
	}
	d := *r.Desire
	if d != math.Trunc(d) || d < 0 || d > MaxDesire {
		return Judgment{}, fmt.Errorf("%w: desire %v outside 0-%d", ErrMalformedJudgment, d, MaxDesire)
	}
	if r.Reason == nil {
		return Judgment{}, fmt.Errorf("%w: reason is required", ErrMalformedJudgment)
	}
	j := Judgment{
		Desire:   int(d),
		Reason:   *r.Reason,
		Images:   r.Images,
		Keywords: r.Keywords,
	}
	for _, q := range r.Search {
		if q = strings.TrimSpace(q); q != "" {
			j.Search = append(j.Search, q)
		}
	}
	if r.Think != nil {
		j.Think = *r.Think
	}
	return j, nil
}

// stripCodeFence removes a surrounding markdown code fence, if any.
func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		return s
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// Threshold is the minimum desire needed to reply. Every adjustment applies
// equally to addressed and ambient triggers, so an addressed threshold is
// always the lower one.
func Threshold(addressed bool, j Judgment, keywordHits int, hasWatchList bool) int {
	t := ambientThreshold
	if addressed {
		t = addressedThreshold
	}
	if len(j.Search) > 0 {
		t--
	}
	if keywordHits > 0 {
		t -= 2
	}
	if !hasWatchList {
		t++
	}
	return t
}

// KeywordHits counts watch-list keywords the judgment reported or the
// trigger text contains. Reported keywords outside the watch-list are
// ignored.
func KeywordHits(watchList []string, reported []string, text string) int {
	lower := strings.ToLower(text)
	seen := make(map[string]bool)
	for _, kw := range watchList {
		k := strings.ToLower(strings.TrimSpace(kw))
		if k == "" || seen[k] {
			continue
		}
		if strings.Contains(lower, k) {
			seen[k] = true
			continue
		}
		for _, r := range reported {
			if strings.EqualFold(strings.TrimSpace(r), k) {
				seen[k] = true
				break
			}
		}
	}
	return len(seen)
}

// Decision is the outcome of Gate.Evaluate.
type Decision struct {
	Proceed bool
	// Judged is false when the pre-check or the preprocess call ended the
	// evaluation without a judgment.
	Judged    bool
	Judgment  Judgment
	Threshold int
	// Acknowledge asks the caller to react to an addressed trigger that
	// will not get a reply.
	Acknowledge bool
	Reason      string
}

type Gate struct {
	provider Provider
	prompts  *Prompts
	attempts uint64
}

func NewGate(provider Provider, prompts *Prompts) *Gate {
	return &Gate{provider: provider, prompts: prompts, attempts: preprocessAttempts}
}

// PreCheck decides without any provider call whether trigger may be
// evaluated at all.
func PreCheck(trigger history.Message, s settings.Settings) bool {
	switch s.ResponseLevel {
	case config.ResponseLevelDisabled:
		return false
	case config.ResponseLevelAt:
		return trigger.ToMe
	}
	if trigger.ToMe {
		return true
	}
	return utf8.RuneCountInString(strings.TrimSpace(trigger.PlainText())) >= s.MinCorrespondingLength
}

// Evaluate runs the pre-check, asks the preprocess route for a judgment and
// applies the threshold policy. stillPresent reports whether the trigger has
// been recalled meanwhile.
func (g *Gate) Evaluate(ctx context.Context, c Context, s settings.Settings, stillPresent func() bool) Decision {
	trigger := c.Trigger
	if !PreCheck(trigger, s) {
		return Decision{Reason: "pre-check"}
	}

	j, err := g.judge(ctx, c)
	if err != nil {
		logger.InfoCF("agent", "No judgment, not replying", map[string]any{
			"conversation": trigger.ConversationID,
			"message_id":   trigger.ID,
			"error":        err.Error(),
		})
		return Decision{Reason: "no judgment"}
	}

	hits := KeywordHits(s.Keywords, j.Keywords, trigger.PlainText())
	d := Decision{
		Judged:    true,
		Judgment:  j,
		Threshold: Threshold(trigger.ToMe, j, hits, len(s.Keywords) > 0),
	}

	logger.InfoCF("agent", "Judgment", map[string]any{
		"conversation": trigger.ConversationID,
		"message_id":   trigger.ID,
		"desire":       j.Desire,
		"threshold":    d.Threshold,
		"reason":       j.Reason,
		"search":       len(j.Search),
		"images":       len(j.Images),
		"think":        j.Think,
		"keyword_hits": hits,
	})

	if stillPresent != nil && !stillPresent() {
		d.Reason = "recalled"
		return d
	}
	if j.Desire < d.Threshold {
		d.Reason = "below threshold"
		d.Acknowledge = trigger.ToMe
		return d
	}
	d.Proceed = true
	return d
}

func (g *Gate) judge(ctx context.Context, c Context) (Judgment, error) {
	msgs := make([]providers.Message, 0, len(c.Messages)+1)
	msgs = append(msgs, providers.Message{Role: providers.RoleSystem, Content: g.prompts.Preprocess})
	msgs = append(msgs, c.Messages...)

	var (
		j       Judgment
		attempt int
	)
	op := func() error {
		attempt++
		out, ok := g.provider.Invoke(ctx, providers.CapabilityPreprocess, msgs)
		if !ok {
			return backoff.Permanent(errNoJudgment)
		}
		parsed, err := ParseJudgment(out)
		if err != nil {
			if attempt < int(g.attempts) {
				logger.WarnCF("agent", "Malformed judgment, retrying", map[string]any{
					"attempt": attempt,
					"error":   err.Error(),
				})
			}
			return err
		}
		j = parsed
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, g.attempts-1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return Judgment{}, err
	}
	return j, nil
}
