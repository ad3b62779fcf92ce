package guide

import (
	"strings"
	"unicode"

	"github.com/graphext/clippi-sub000/api/schemas"
)

// Field weights for matching a free-text question against targets.
const (
	weightKeyword     = 3
	weightLabel       = 2
	weightDescription = 1
)

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "to": true, "of": true, "in": true,
	"on": true, "do": true, "i": true, "my": true, "me": true, "is": true,
	"how": true, "can": true, "where": true, "what": true, "and": true,
	"or": true, "for": true, "it": true, "this": true, "want": true,
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if !stopwords[f] {
			out = append(out, f)
		}
	}
	return out
}

func tokenSet(parts ...string) map[string]bool {
	set := make(map[string]bool)
	for _, p := range parts {
		for _, t := range tokenize(p) {
			set[t] = true
		}
	}
	return set
}

func score(t *schemas.GuidanceTarget, query []string) int {
	keywords := tokenSet(t.Keywords...)
	label := tokenSet(t.Label, t.ID)
	desc := tokenSet(t.Description, t.Category)

	total := 0
	for _, q := range query {
		if keywords[q] {
			total += weightKeyword
		}
		if label[q] {
			total += weightLabel
		}
		if desc[q] {
			total += weightDescription
		}
	}
	return total
}

// bestMatch returns the highest scoring target, the earliest on ties, or nil
// when nothing overlaps the query.
func bestMatch(m *schemas.Manifest, query string) *schemas.GuidanceTarget {
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return nil
	}
	var best *schemas.GuidanceTarget
	bestScore := 0
	for i := range m.Targets {
		if s := score(&m.Targets[i], tokens); s > bestScore {
			best, bestScore = &m.Targets[i], s
		}
	}
	return best
}
