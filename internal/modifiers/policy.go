package modifiers

import (
	"context"

	"github.com/rendis/autocraft/internal/expressions"
)

// ExclusionPolicy vetoes a candidate match before keyword matching. It
// receives the normalized target pattern and the normalized OCR text.
type ExclusionPolicy interface {
	Excludes(ctx context.Context, target, text string) (bool, error)
}

// DefaultExcludedWords are the damage and weapon scopes that distinguish a
// scoped modifier from its "all" counterpart.
var DefaultExcludedWords = []string{
	"fire", "cold", "lightning", "chaos", "physical", "minion", "melee", "bow", "wand",
}

// WordListPolicy rejects texts carrying a scoping word when the target is
// the unscoped "all" variant. With Companion set, the scoping word only
// counts when Companion is also present ("fire ... spell").
type WordListPolicy struct {
	Trigger   string
	Words     []string
	Companion string
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() WordListPolicy {
	return WordListPolicy{
		Trigger:   "all",
		Words:     DefaultExcludedWords,
		Companion: "spell",
	}
}

// Excludes implements ExclusionPolicy. Words are compared as whole words.
func (p WordListPolicy) Excludes(_ context.Context, target, text string) (bool, error) {
	if p.Trigger != "" && !containsWord(target, p.Trigger) {
		return false, nil
	}
	if p.Companion != "" && !containsWord(text, p.Companion) {
		return false, nil
	}
	for _, w := range p.Words {
		if containsWord(text, w) {
			return true, nil
		}
	}
	return false, nil
}

// ExpressionPolicy delegates the decision to a boolean expression over the
// variables target, text and words.
type ExpressionPolicy struct {
	Engine     expressions.Engine
	Expression string
}

// Excludes implements ExclusionPolicy.
func (p ExpressionPolicy) Excludes(ctx context.Context, target, text string) (bool, error) {
	return expressions.EvaluateBool(ctx, p.Engine, p.Expression, map[string]any{
		"target": target,
		"text":   text,
		"words":  wordRe.FindAllString(text, -1),
	})
}

// NoExclusion never vetoes a match.
type NoExclusion struct{}

// Excludes implements ExclusionPolicy.
func (NoExclusion) Excludes(context.Context, string, string) (bool, error) { return false, nil }
