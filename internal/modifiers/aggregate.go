package modifiers

import (
	"cmp"
	"regexp"
	"slices"
	"strings"

	"github.com/rendis/autocraft/pkg/schema"
)

const (
	minLineLength   = 4
	minAlnumDensity = 0.45
)

// plausibleStarts is the coarse recall filter applied to raw OCR text.
var plausibleStarts = []*regexp.Regexp{
	regexp.MustCompile(`^[+\-]`),
	regexp.MustCompile(`^\d+`),
	regexp.MustCompile(`(?i)^to\s+`),
	regexp.MustCompile(`(?i)^(increased|reduced|more|less|grants|adds)\s+`),
	regexp.MustCompile(`(?i)^(all|spell|attack|cold|fire|lightning|physical|chaos|elemental|spirit|strength|dexterity|intelligence)\s+`),
	regexp.MustCompile(`(?i)^(life|mana|energy|damage|armor|evasion|resistance|spirit)\b`),
	regexp.MustCompile(`(?i)^(\d+%|\+\d+)\s+(to\s+)?`),
}

var (
	signalCharRe = regexp.MustCompile(`[+%\-\d]`)
	signalWordRe = regexp.MustCompile(`\b(increased|reduced|more|less|to|all|spell|attack|grants|adds)\b`)
)

// Aggregator merges OCR candidates from several image variants into a
// deduplicated, confidence-ranked list of plausible modifier lines.
type Aggregator struct {
	allow *AllowList
}

// NewAggregator creates an Aggregator. A nil or empty allow-list disables
// the known-modifier filter.
func NewAggregator(allow *AllowList) *Aggregator {
	return &Aggregator{allow: allow}
}

// Aggregate filters, normalizes and deduplicates the candidates. The result
// is sorted by confidence, descending, and does not depend on the order of
// sets or of lines within them.
func (a *Aggregator) Aggregate(sets [][]schema.OCRLineCandidate) []schema.NormalizedModifierLine {
	best := make(map[string]schema.NormalizedModifierLine)

	for _, set := range sets {
		for _, c := range set {
			line, ok := a.accept(c)
			if !ok {
				continue
			}
			if prev, seen := best[line.NormalizedText]; seen && !outranks(line, prev) {
				continue
			}
			best[line.NormalizedText] = line
		}
	}

	out := make([]schema.NormalizedModifierLine, 0, len(best))
	for _, line := range best {
		out = append(out, line)
	}
	slices.SortFunc(out, func(x, y schema.NormalizedModifierLine) int {
		if c := cmp.Compare(y.Confidence, x.Confidence); c != 0 {
			return c
		}
		if c := cmp.Compare(len(y.OriginalText), len(x.OriginalText)); c != 0 {
			return c
		}
		return strings.Compare(x.NormalizedText, y.NormalizedText)
	})
	return out
}

func (a *Aggregator) accept(c schema.OCRLineCandidate) (schema.NormalizedModifierLine, bool) {
	raw := strings.TrimSpace(c.Text)
	if len(raw) < minLineLength || !plausibleStart(raw) {
		return schema.NormalizedModifierLine{}, false
	}

	norm := Normalize(raw)
	if len(norm) < minLineLength || alnumDensity(norm) < minAlnumDensity {
		return schema.NormalizedModifierLine{}, false
	}
	if !signalCharRe.MatchString(norm) && !signalWordRe.MatchString(norm) {
		return schema.NormalizedModifierLine{}, false
	}
	if !a.allow.Recognizes(norm) {
		return schema.NormalizedModifierLine{}, false
	}

	return schema.NormalizedModifierLine{
		OriginalText:   raw,
		NormalizedText: norm,
		Confidence:     c.Confidence,
	}, true
}

// outranks reports whether x should replace y as the survivor of a
// normalized form: higher confidence, then longer original text, then the
// lexically smaller original so the choice is order independent.
func outranks(x, y schema.NormalizedModifierLine) bool {
	if x.Confidence != y.Confidence {
		return x.Confidence > y.Confidence
	}
	if len(x.OriginalText) != len(y.OriginalText) {
		return len(x.OriginalText) > len(y.OriginalText)
	}
	return x.OriginalText < y.OriginalText
}

func plausibleStart(raw string) bool {
	for _, re := range plausibleStarts {
		if re.MatchString(raw) {
			return true
		}
	}
	return false
}

func alnumDensity(norm string) float64 {
	if norm == "" {
		return 0
	}
	return float64(len(alnumRe.FindAllStringIndex(norm, -1))) / float64(len(norm))
}
