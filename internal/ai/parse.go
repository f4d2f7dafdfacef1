package ai

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/payee-cli/internal/model"
)

// ErrMalformed is returned when a response carries no usable JSON object.
var ErrMalformed = eris.New("ai: malformed response")

// extractJSON pulls the outermost JSON object out of a model reply, tolerating
// code fences and surrounding prose.
func extractJSON(text string) (string, error) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", eris.Wrapf(ErrMalformed, "no object in %q", truncate(text, 80))
	}
	return s[start : end+1], nil
}

// flexFloat accepts numbers or numeric strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// flexBool accepts booleans or "true"/"false" strings.
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	v, err := strconv.ParseBool(strings.Trim(string(b), `"`))
	if err != nil {
		*f = false
		return nil
	}
	*f = flexBool(v)
	return nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func parseClassification(text string) (ClassifyResult, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return ClassifyResult{}, err
	}
	var out struct {
		Category   string    `json:"category"`
		Confidence flexFloat `json:"confidence"`
		SICCode    string    `json:"sic_code"`
		Reasoning  string    `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return ClassifyResult{}, eris.Wrap(ErrMalformed, err.Error())
	}
	cat, ok := model.ParseCategory(out.Category)
	if !ok {
		return ClassifyResult{}, eris.Wrapf(ErrMalformed, "unknown category %q", out.Category)
	}
	return ClassifyResult{
		Category:   cat,
		Confidence: clamp01(float64(out.Confidence)),
		SICCode:    strings.TrimSpace(out.SICCode),
		Reasoning:  strings.TrimSpace(out.Reasoning),
	}, nil
}

// parseJudgement decodes a verdict. A match naming an id outside the
// candidate list is downgraded to no match.
func parseJudgement(text string, cands []model.Candidate) (JudgeResult, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return JudgeResult{}, err
	}
	var out struct {
		Matched    flexBool        `json:"matched"`
		SupplierID json.RawMessage `json:"supplier_id"`
		Confidence flexFloat       `json:"confidence"`
		Reasoning  string          `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return JudgeResult{}, eris.Wrap(ErrMalformed, err.Error())
	}
	res := JudgeResult{
		Matched:    bool(out.Matched),
		EntityID:   rawID(out.SupplierID),
		Confidence: clamp01(float64(out.Confidence)),
		Reasoning:  strings.TrimSpace(out.Reasoning),
	}
	if res.Matched && !hasCandidate(cands, res.EntityID) {
		res.Matched = false
		res.Reasoning = strings.TrimSpace("judge named unknown entity " + strconv.Quote(res.EntityID) + "; " + res.Reasoning)
		res.EntityID = ""
	}
	return res, nil
}

// rawID reads an id given as a string, number or null.
func rawID(b json.RawMessage) string {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		return ""
	}
	var str string
	if json.Unmarshal(b, &str) == nil {
		return strings.TrimSpace(str)
	}
	return s
}

func hasCandidate(cands []model.Candidate, id string) bool {
	for _, c := range cands {
		if c.ID == id {
			return true
		}
	}
	return false
}

// parseGroups decodes duplicate groups, dropping out-of-range indexes,
// repeated members and groups smaller than two.
func parseGroups(text string, n int) ([][]int, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return nil, err
	}
	var out struct {
		Groups [][]int `json:"groups"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, eris.Wrap(ErrMalformed, err.Error())
	}
	seen := make(map[int]bool)
	var groups [][]int
	for _, g := range out.Groups {
		var clean []int
		for _, i := range g {
			if i < 0 || i >= n || seen[i] {
				continue
			}
			seen[i] = true
			clean = append(clean, i)
		}
		if len(clean) >= 2 {
			groups = append(groups, clean)
		}
	}
	return groups, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
