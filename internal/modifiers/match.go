package modifiers

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/rendis/autocraft/internal/expressions"
	"github.com/rendis/autocraft/pkg/schema"
)

// Match is the first modifier/line pair that satisfied a check.
type Match struct {
	Modifier schema.ModifierSpec
	Line     schema.NormalizedModifierLine
	// Value is the number read for range modifiers, nil otherwise.
	Value *int
}

// Matcher decides whether normalized OCR text satisfies a ModifierSpec.
// It is safe for concurrent use; compiled range patterns are cached.
type Matcher struct {
	policy ExclusionPolicy
	guards expressions.Engine

	mu       sync.RWMutex
	patterns map[string]*regexp.Regexp
}

// MatcherOption configures a Matcher.
type MatcherOption func(*Matcher)

// WithPolicy replaces the default exclusion policy.
func WithPolicy(p ExclusionPolicy) MatcherOption {
	return func(m *Matcher) {
		if p != nil {
			m.policy = p
		}
	}
}

// WithGuardEngine sets the engine evaluating ModifierSpec.When guards.
func WithGuardEngine(e expressions.Engine) MatcherOption {
	return func(m *Matcher) { m.guards = e }
}

// NewMatcher creates a Matcher using DefaultPolicy unless overridden.
func NewMatcher(opts ...MatcherOption) *Matcher {
	m := &Matcher{
		policy:   DefaultPolicy(),
		patterns: make(map[string]*regexp.Regexp),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FindMatch scans modifiers in order and, for each, lines in order; the
// first pair passing CheckOne (and the modifier's guard, if any) wins.
func (m *Matcher) FindMatch(ctx context.Context, lines []schema.NormalizedModifierLine, mods []schema.ModifierSpec) (Match, bool, error) {
	for _, mod := range mods {
		for _, line := range lines {
			ok, value, err := m.check(ctx, line.NormalizedText, mod)
			if err != nil {
				return Match{}, false, err
			}
			if !ok {
				continue
			}
			if mod.When != "" {
				pass, err := m.guard(ctx, line, mod, value)
				if err != nil {
					return Match{}, false, err
				}
				if !pass {
					continue
				}
			}
			return Match{Modifier: mod, Line: line, Value: value}, true, nil
		}
	}
	return Match{}, false, nil
}

// CheckOne reports whether text satisfies mod. Guards are not evaluated.
func (m *Matcher) CheckOne(ctx context.Context, text string, mod schema.ModifierSpec) (bool, error) {
	ok, _, err := m.check(ctx, text, mod)
	return ok, err
}

func (m *Matcher) check(ctx context.Context, text string, mod schema.ModifierSpec) (bool, *int, error) {
	text = Normalize(text)
	if mod.UseRange {
		return m.checkRange(ctx, text, mod)
	}
	ok, err := m.checkPlain(ctx, text, mod)
	return ok, nil, err
}

func (m *Matcher) checkPlain(ctx context.Context, text string, mod schema.ModifierSpec) (bool, error) {
	target := Normalize(mod.Pattern)
	if target == "" {
		return false, nil
	}
	if strings.Contains(text, target) {
		return true, nil
	}

	excluded, err := m.policy.Excludes(ctx, target, text)
	if err != nil || excluded {
		return false, err
	}

	for _, w := range keywords(target) {
		if !strings.Contains(text, w) {
			return false, nil
		}
	}
	for _, n := range digitsRe.FindAllString(target, -1) {
		if !strings.Contains(text, n) {
			return false, nil
		}
	}
	return true, nil
}

func (m *Matcher) checkRange(ctx context.Context, text string, mod schema.ModifierSpec) (bool, *int, error) {
	target := NormalizePattern(mod.Pattern)
	if target == "" {
		return false, nil, nil
	}

	if sub := m.compile(target).FindStringSubmatch(text); len(sub) > 1 {
		v, err := strconv.Atoi(sub[1])
		if err == nil {
			return mod.InRange(v), &v, nil
		}
	}

	// OCR dropped or mangled a word: require the keywords and any number
	// within bounds.
	excluded, err := m.policy.Excludes(ctx, Normalize(target), text)
	if err != nil || excluded {
		return false, nil, err
	}

	flat := strings.NewReplacer(schema.PlaceholderToken, "", "+", "", "%", "").Replace(target)
	for _, w := range strings.Fields(flat) {
		if len(w) > 2 && !strings.Contains(text, w) {
			return false, nil, nil
		}
	}

	for _, s := range digitsRe.FindAllString(text, -1) {
		v, err := strconv.Atoi(s)
		if err != nil {
			continue
		}
		if mod.InRange(v) {
			return true, &v, nil
		}
	}
	return false, nil, nil
}

// compile turns a normalized pattern into a regexp capturing each
// placeholder as a digit group.
func (m *Matcher) compile(target string) *regexp.Regexp {
	m.mu.RLock()
	re, ok := m.patterns[target]
	m.mu.RUnlock()
	if ok {
		return re
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if re, ok := m.patterns[target]; ok {
		return re
	}
	expr := strings.ReplaceAll(regexp.QuoteMeta(target), schema.PlaceholderToken, `(\d+)`)
	re = regexp.MustCompile("(?i)" + expr)
	m.patterns[target] = re
	return re
}

func (m *Matcher) guard(ctx context.Context, line schema.NormalizedModifierLine, mod schema.ModifierSpec, value *int) (bool, error) {
	if m.guards == nil {
		return false, schema.NewErrorf(schema.ErrCodeConfiguration,
			"modifier %q has a guard but no expression engine is configured", mod.DisplayText())
	}
	data := map[string]any{
		"text":       line.NormalizedText,
		"target":     Normalize(mod.Pattern),
		"pattern":    mod.Pattern,
		"confidence": line.Confidence,
		"words":      wordRe.FindAllString(line.NormalizedText, -1),
	}
	if value != nil {
		data["value"] = *value
	}
	return expressions.EvaluateBool(ctx, m.guards, mod.When, data)
}
