package search

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Clinical abbreviations expanded by exact, case-insensitive token match
var abbreviations = map[string]string{
	"ra":   "rheumatoid arthritis",
	"psa":  "psoriatic arthritis",
	"as":   "ankylosing spondylitis",
	"gca":  "giant cell arteritis",
	"jia":  "juvenile idiopathic arthritis",
	"sle":  "systemic lupus erythematosus",
	"toci": "tocilizumab",
}

// Must not contain any abbreviation key
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "at": {}, "be": {}, "by": {},
	"for": {}, "from": {}, "in": {}, "is": {}, "of": {}, "on": {}, "or": {},
	"the": {}, "to": {}, "with": {},
}

// NormalizeQuery applies NFKC, expands abbreviations, drops stopwords and
// lower-cases. The result is what every stage searches for.
func NormalizeQuery(raw string) string {
	text := strings.TrimSpace(norm.NFKC.String(raw))
	if text == "" {
		return ""
	}

	var out []string
	for _, tok := range strings.Fields(text) {
		lower := strings.ToLower(tok)
		if full, ok := abbreviations[lower]; ok {
			out = append(out, full)
			continue
		}
		if _, stop := stopwords[lower]; stop {
			continue
		}
		out = append(out, lower)
	}
	return strings.Join(out, " ")
}

// PrefixTerms strips everything but letters and digits from each token
// of a normalised query and drops tokens left empty
func PrefixTerms(normalized string) []string {
	var terms []string
	for _, tok := range strings.Fields(normalized) {
		clean := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return r
			}
			return -1
		}, tok)
		if clean != "" {
			terms = append(terms, clean)
		}
	}
	return terms
}
