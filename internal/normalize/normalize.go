// Package normalize canonicalizes payee names for matching, caching and duplicate grouping.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// legalSuffixes lists trailing legal-entity tokens removed by Name. Tokens are
// compared after punctuation removal, so "L.L.C." arrives here as "llc".
var legalSuffixes = map[string]bool{
	"llc":          true,
	"inc":          true,
	"incorporated": true,
	"corp":         true,
	"corporation":  true,
	"co":           true,
	"company":      true,
	"ltd":          true,
	"limited":      true,
	"lp":           true,
	"llp":          true,
	"lllp":         true,
	"pc":           true,
	"pa":           true,
	"plc":          true,
	"pllc":         true,
	"na":           true,
	"dba":          true,
}

// separators become spaces instead of being dropped.
const separators = "-/_\\|+:;"

var foldMarks = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Name returns the canonical matching/caching key for a payee name:
// lowercase, diacritics folded, punctuation stripped, whitespace collapsed and
// trailing legal suffixes removed. Name is idempotent.
func Name(name string) string {
	tokens := strings.Fields(Clean(name))
	for len(tokens) > 1 && legalSuffixes[tokens[len(tokens)-1]] {
		tokens = tokens[:len(tokens)-1]
	}
	return strings.Join(tokens, " ")
}

// Clean lowercases, folds diacritics, strips punctuation and collapses
// whitespace without removing any words.
func Clean(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	// Compatibility characters such as ™ decompose to uppercase letters, so
	// lowercasing must follow the fold.
	if folded, _, err := transform.String(foldMarks, s); err == nil {
		s = folded
	}
	s = strings.ToLower(s)
	s = strings.NewReplacer("d/b/a", " dba ", "&", " and ", "@", " at ").Replace(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsSpace(r) || strings.ContainsRune(separators, r):
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Variants returns the distinct spellings used for exact lookups: the trimmed
// lowercase input, the punctuation-stripped form and the suffix-stripped form.
func Variants(name string) []string {
	raw := strings.Join(strings.Fields(strings.ToLower(name)), " ")
	cands := []string{raw, Clean(name), Name(name)}

	seen := make(map[string]bool, len(cands))
	out := make([]string, 0, len(cands))
	for _, v := range cands {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// Fingerprint hashes the normalized name and cleaned address into a stable
// cache key.
func Fingerprint(name, address string) string {
	h := sha256.Sum256([]byte(Name(name) + "|" + Clean(address)))
	return hex.EncodeToString(h[:])
}
