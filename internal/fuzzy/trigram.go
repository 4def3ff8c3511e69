// Package fuzzy implements trigram similarity with the same word splitting
// and padding rules as PostgreSQL's pg_trgm, so SQLite and Postgres rank
// fuzzy matches the same way.
package fuzzy

import (
	"strings"
	"unicode"
)

// Trigrams returns the set of trigrams for s.
// Each alphanumeric word is lower-cased and padded with two leading
// spaces and one trailing space before being cut into trigrams.
func Trigrams(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, word := range words(s) {
		padded := []rune("  " + word + " ")
		for i := 0; i+3 <= len(padded); i++ {
			set[string(padded[i:i+3])] = struct{}{}
		}
	}
	return set
}

// Similarity returns |A∩B| / |A∪B| over the trigram sets of a and b,
// in [0, 1]. Either side empty gives 0.
func Similarity(a, b string) float64 {
	ta := Trigrams(a)
	tb := Trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	// Iterate the smaller set
	if len(ta) > len(tb) {
		ta, tb = tb, ta
	}

	shared := 0
	for tri := range ta {
		if _, ok := tb[tri]; ok {
			shared++
		}
	}

	union := len(ta) + len(tb) - shared
	return float64(shared) / float64(union)
}

// MaxSimilarity returns the best similarity of query against any of the
// given texts (title and body, typically).
func MaxSimilarity(query string, texts ...string) float64 {
	best := 0.0
	for _, text := range texts {
		if s := Similarity(text, query); s > best {
			best = s
		}
	}
	return best
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
