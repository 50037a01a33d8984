package modifiers

import (
	"regexp"
	"strings"
)

// AllowList recognizes modifier families from templates such as
// "+# to Level of all Spell Skills". A nil or empty AllowList recognizes
// everything.
type AllowList struct {
	templates []string
	res       []*regexp.Regexp
}

// NewAllowList compiles the given templates. Blank and duplicate templates
// are ignored.
func NewAllowList(templates []string) *AllowList {
	a := &AllowList{}
	seen := make(map[string]struct{}, len(templates))
	for _, t := range templates {
		norm := NormalizePattern(t)
		if norm == "" {
			continue
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		expr := strings.ReplaceAll(regexp.QuoteMeta(norm), "#", `\d+(?:\.\d+)?`)
		a.templates = append(a.templates, norm)
		a.res = append(a.res, regexp.MustCompile(expr))
	}
	return a
}

// Len returns the number of distinct templates.
func (a *AllowList) Len() int {
	if a == nil {
		return 0
	}
	return len(a.templates)
}

// Recognizes reports whether normalized text contains an instance of any
// template.
func (a *AllowList) Recognizes(normalized string) bool {
	if a.Len() == 0 {
		return true
	}
	for _, re := range a.res {
		if re.MatchString(normalized) {
			return true
		}
	}
	return false
}
