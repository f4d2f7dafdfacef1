package normalize

import (
	"strings"
	"unicode"
)

// Trigrams returns the pg_trgm-style trigram set of s: each alphanumeric word
// is lowercased, padded with two leading spaces and one trailing space, and
// split into overlapping three-rune windows.
func Trigrams(s string) map[string]struct{} {
	set := make(map[string]struct{})
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		padded := []rune("  " + w + " ")
		for i := 0; i+3 <= len(padded); i++ {
			set[string(padded[i:i+3])] = struct{}{}
		}
	}
	return set
}

// Similarity returns the trigram similarity of a and b in [0,1], computed the
// same way as PostgreSQL's pg_trgm similarity(): shared trigrams divided by the
// size of the union.
func Similarity(a, b string) float64 {
	return SetSimilarity(Trigrams(a), Trigrams(b))
}

// SetSimilarity is Similarity over precomputed trigram sets.
func SetSimilarity(ta, tb map[string]struct{}) float64 {
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	shared := 0
	for g := range ta {
		if _, ok := tb[g]; ok {
			shared++
		}
	}
	union := len(ta) + len(tb) - shared
	return float64(shared) / float64(union)
}
