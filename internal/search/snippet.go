package search

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// DefaultSnippetLength is the window size in runes
const DefaultSnippetLength = 320

const ellipsis = "…"

// BuildSnippet returns a window of body around the first query token (in
// query order) that occurs anywhere in it. The window opens a quarter of
// its length before the hit, or at the start when nothing matched, and is
// marked with an ellipsis on each side that was cut.
func BuildSnippet(body, query string, maxLen int) string {
	if body == "" {
		return ""
	}
	if maxLen <= 0 {
		maxLen = DefaultSnippetLength
	}

	text := []rune(norm.NFKC.String(body))
	folded := foldRunes(text)

	hit := -1
	for _, term := range strings.Fields(norm.NFKC.String(query)) {
		if idx := indexRunes(folded, foldRunes([]rune(term))); idx >= 0 {
			hit = idx
			break
		}
	}

	start := 0
	if hit >= 0 {
		start = max(0, hit-maxLen/4)
	}
	end := min(start+maxLen, len(text))

	var b strings.Builder
	if start > 0 {
		b.WriteString(ellipsis)
	}
	b.WriteString(string(text[start:end]))
	if start+maxLen < len(text) {
		b.WriteString(ellipsis)
	}
	return b.String()
}

// foldRunes lower-cases rune by rune so offsets line up with the original
func foldRunes(rs []rune) []rune {
	out := make([]rune, len(rs))
	for i, r := range rs {
		out[i] = unicode.ToLower(r)
	}
	return out
}

func indexRunes(haystack, needle []rune) int {
	if len(needle) == 0 {
		return -1
	}
outer:
	for i := 0; i+len(needle) <= len(haystack); i++ {
		for j, r := range needle {
			if haystack[i+j] != r {
				continue outer
			}
		}
		return i
	}
	return -1
}

// BlendScores mixes a lexical score with an optional semantic one.
// Without a semantic score the lexical score is returned unchanged.
func BlendScores(lexical float64, semantic *float64) float64 {
	if semantic == nil {
		return lexical
	}
	return 0.4*lexical + 0.6*(*semantic)
}
