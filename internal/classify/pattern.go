package classify

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/sells-group/payee-cli/internal/model"
	"github.com/sells-group/payee-cli/internal/normalize"
)

// Stage confidences. Pattern hits clear the 0.95 bar on their own; the
// intelligence rules sit one tier lower.
const (
	confKnownBusiness    = 0.99
	confLegalSuffix      = 0.97
	confGovernment       = 0.96
	confInsurance        = 0.95
	confBanking          = 0.95
	confInternalTransfer = 0.95
	confProperName       = 0.95

	confGovernmentHint = 0.93
	confTitledPerson   = 0.93
	confBusinessWord   = 0.92
	confInvertedName   = 0.92

	patternAccept      = 0.95
	intelligenceAccept = 0.90
)

// matchPattern runs the fixed keyword and regex rules.
func (r *Rules) matchPattern(name string) (model.Classification, bool) {
	cleaned := normalize.Clean(name)
	if cleaned == "" {
		return model.Classification{}, false
	}

	norm := normalize.Name(name)
	for _, kb := range r.KnownBusinesses {
		if norm == kb || strings.HasPrefix(norm, kb+" ") {
			return hit(model.CategoryBusiness, confKnownBusiness, model.StagePattern, "known business %q", kb), true
		}
	}

	for _, p := range r.Patterns {
		if p.re.MatchString(cleaned) {
			return hit(p.Category, p.Confidence, model.StagePattern, "pattern rule: %s", p.Reason), true
		}
	}

	for _, set := range []struct {
		words []string
		cat   model.Category
		conf  float64
	}{
		{r.Government, model.CategoryGovernment, confGovernment},
		{r.Insurance, model.CategoryInsurance, confInsurance},
		{r.Banking, model.CategoryBanking, confBanking},
		{r.InternalTransfer, model.CategoryInternalTransfer, confInternalTransfer},
	} {
		if kw := firstKeyword(cleaned, set.words); kw != "" {
			return hit(set.cat, set.conf, model.StagePattern, "%s keyword %q", strings.ToLower(string(set.cat)), kw), true
		}
	}

	tokens := strings.Fields(cleaned)
	for _, tok := range tokens {
		if r.suffixes[tok] {
			return hit(model.CategoryBusiness, confLegalSuffix, model.StagePattern, "legal entity suffix %q", tok), true
		}
	}

	if first, ok := r.properName(tokens); ok {
		return hit(model.CategoryIndividual, confProperName, model.StagePattern, "personal name starting with %q", first), true
	}
	return model.Classification{}, false
}

// properName reports whether tokens look like "First Last" or
// "First M Last" with a known first name and no business vocabulary.
func (r *Rules) properName(tokens []string) (string, bool) {
	var parts []string
	for _, t := range tokens {
		if len([]rune(t)) == 1 {
			continue // middle initial
		}
		parts = append(parts, t)
	}
	if len(parts) != 2 || !allLetters(parts) {
		return "", false
	}
	if !r.firstNames[parts[0]] || r.hasBusinessWord(strings.Join(tokens, " ")) {
		return "", false
	}
	return parts[0], true
}

// scoreIntelligence applies the softer rule tier used when the fingerprint
// cache misses.
func (r *Rules) scoreIntelligence(name string) (model.Classification, bool) {
	cleaned := normalize.Clean(name)
	if cleaned == "" {
		return model.Classification{}, false
	}
	tokens := strings.Fields(cleaned)

	if kw := firstKeyword(cleaned, r.GovernmentHints); kw != "" {
		return hit(model.CategoryGovernment, confGovernmentHint, model.StageFingerprint, "government indicator %q", kw), true
	}
	if kw := firstKeyword(cleaned, r.BusinessWords); kw != "" {
		return hit(model.CategoryBusiness, confBusinessWord, model.StageFingerprint, "business indicator %q", kw), true
	}
	if len(tokens) >= 2 && len(tokens) <= 4 && r.titles[tokens[0]] && allLetters(tokens[1:]) {
		return hit(model.CategoryIndividual, confTitledPerson, model.StageFingerprint, "personal title %q", tokens[0]), true
	}
	// "Smith, John" style inverted names.
	if strings.Count(name, ",") == 1 && len(tokens) >= 2 && len(tokens) <= 3 && allLetters(tokens) {
		return hit(model.CategoryIndividual, confInvertedName, model.StageFingerprint, "inverted personal name"), true
	}
	return model.Classification{}, false
}

// exclusion returns the first exclusion keyword present in name.
func (r *Rules) exclusion(name string) string {
	return firstKeyword(normalize.Clean(name), r.Exclusions)
}

func (r *Rules) hasBusinessWord(cleaned string) bool {
	return firstKeyword(cleaned, r.BusinessWords) != ""
}

func allLetters(tokens []string) bool {
	for _, t := range tokens {
		for _, c := range t {
			if !unicode.IsLetter(c) {
				return false
			}
		}
	}
	return true
}

func hit(cat model.Category, conf float64, stage model.Stage, format string, args ...any) model.Classification {
	return model.Classification{
		Category:   cat,
		Confidence: conf,
		Stage:      stage,
		Reasoning:  fmt.Sprintf(format, args...),
	}
}
