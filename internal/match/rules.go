package match

import (
	"fmt"
	"strings"

	"github.com/sells-group/payee-cli/internal/model"
	"github.com/sells-group/payee-cli/internal/normalize"
)

// acceptRule assigns a confidence to a candidate or declines it.
type acceptRule struct {
	name  string
	check func(norm string, q Query, c model.Candidate) (float64, bool)
}

// acceptRules are evaluated top-down; the first rule any candidate satisfies
// wins, with candidates tried in rank order.
var acceptRules = []acceptRule{
	{"normalized equality", func(norm string, _ Query, c model.Candidate) (float64, bool) {
		return 0.98, candidateNorm(c) == norm
	}},
	{"near-identical name", func(_ string, q Query, c model.Candidate) (float64, bool) {
		if c.Similarity < 0.95 {
			return 0, false
		}
		if localityMatch(q, c) {
			return 0.96, true
		}
		return 0.94, true
	}},
	{"high similarity in same city", func(_ string, q Query, c model.Candidate) (float64, bool) {
		return 0.92, c.Similarity >= 0.90 && exactLocality(q, c)
	}},
	{"prefix containment with locality", func(norm string, q Query, c model.Candidate) (float64, bool) {
		return 0.88, prefixContained(norm, candidateNorm(c)) && localityMatch(q, c)
	}},
}

// earlyAccept applies acceptRules to the ranked candidates.
func earlyAccept(norm string, q Query, cands []model.Candidate) (model.MatchResult, bool) {
	for _, rule := range acceptRules {
		for _, c := range cands {
			conf, ok := rule.check(norm, q, c)
			if !ok {
				continue
			}
			return model.MatchResult{
				Matched:    true,
				EntityID:   c.ID,
				EntityName: c.Name,
				Confidence: conf,
				Method:     model.MatchMethodEarlyAccept,
				Reasoning:  fmt.Sprintf("%s (similarity %.2f)", rule.name, c.Similarity),
			}, true
		}
	}
	return model.MatchResult{}, false
}

func candidateNorm(c model.Candidate) string {
	if c.NormalizedName != "" {
		return normalize.Name(c.NormalizedName)
	}
	return normalize.Name(c.Name)
}

// localityMatch requires equal states and, when both sides have a city,
// equal cities.
func localityMatch(q Query, c model.Candidate) bool {
	if !sameField(q.State, c.State) {
		return false
	}
	if blank(q.City) || blank(c.City) {
		return true
	}
	return sameField(q.City, c.City)
}

// exactLocality requires both city and state present and equal.
func exactLocality(q Query, c model.Candidate) bool {
	return sameField(q.City, c.City) && sameField(q.State, c.State)
}

func sameField(a, b string) bool {
	return !blank(a) && !blank(b) && strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// prefixContained reports whether one name is a whole-token prefix of the other.
func prefixContained(a, b string) bool {
	if a == "" || b == "" || a == b {
		return a == b && a != ""
	}
	short, long := a, b
	if len(short) > len(long) {
		short, long = long, short
	}
	return strings.HasPrefix(long, short+" ")
}
