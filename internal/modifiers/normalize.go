// Package modifiers turns noisy OCR lines into canonical modifier text and
// decides whether that text satisfies a target modifier.
package modifiers

import (
	"regexp"
	"strings"
)

var (
	dashRe     = regexp.MustCompile(`[\x{2013}\x{2014}\x{2212}]`)
	bracketRe  = regexp.MustCompile(`[\[\]()]`)
	colonRe    = regexp.MustCompile(`[:;]+`)
	pipeRe     = regexp.MustCompile(`\s*\|\s*`)
	skillGemRe = regexp.MustCompile(`skill\s+gems?\b`)
	foreignRe  = regexp.MustCompile(`[^a-z0-9%+\-.\s]`)
	patternRe  = regexp.MustCompile(`[^a-z0-9%+\-.\s#]`)
	spaceRunRe = regexp.MustCompile(`\s+`)
	wordRe     = regexp.MustCompile(`\w+`)
	digitsRe   = regexp.MustCompile(`\d+`)
	alnumRe    = regexp.MustCompile(`[a-z0-9]`)
)

// Normalize canonicalizes raw OCR text into the form used for
// deduplication and matching. It is total and idempotent.
func Normalize(raw string) string {
	return normalize(raw, foreignRe)
}

// NormalizePattern normalizes a modifier pattern, keeping the numeric
// placeholder "#" intact.
func NormalizePattern(pattern string) string {
	return normalize(pattern, patternRe)
}

func normalize(s string, strip *regexp.Regexp) string {
	s = strings.ToLower(s)
	s = dashRe.ReplaceAllString(s, "-")
	s = strings.ReplaceAll(s, "×", "x")
	s = bracketRe.ReplaceAllString(s, "")
	s = colonRe.ReplaceAllString(s, " ")
	s = pipeRe.ReplaceAllString(s, " ")
	s = skillGemRe.ReplaceAllString(s, "skills")
	s = strip.ReplaceAllString(s, " ")
	s = strings.TrimSpace(spaceRunRe.ReplaceAllString(s, " "))
	// Stripping can expose a new "skill gem" pair ("skill#gem").
	if skillGemRe.MatchString(s) {
		s = skillGemRe.ReplaceAllString(s, "skills")
	}
	return s
}

// keywords returns the words of s longer than two characters, in order.
func keywords(s string) []string {
	var out []string
	for _, w := range wordRe.FindAllString(s, -1) {
		if len(w) > 2 {
			out = append(out, w)
		}
	}
	return out
}

// containsWord reports whether word occurs in s as a whole word.
func containsWord(s, word string) bool {
	for _, w := range wordRe.FindAllString(s, -1) {
		if w == word {
			return true
		}
	}
	return false
}
