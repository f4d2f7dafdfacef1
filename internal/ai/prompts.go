package ai

import (
	"fmt"
	"strings"
)

const classifySystem = `You classify payee names from accounts-payable and bank exports.
Categories: Individual, Business, Government, Insurance, Banking, Internal Transfer, Unknown.
Respond with a single JSON object and nothing else:
{"category": "<category>", "confidence": <0..1>, "sic_code": "<4-digit SIC or empty>", "reasoning": "<one sentence>"}`

const judgeSystem = `You decide whether a payee name refers to one of the listed reference entities.
Prefer no match over a wrong match. Respond with a single JSON object and nothing else:
{"matched": <true|false>, "supplier_id": "<id or null>", "confidence": <0..1>, "reasoning": "<one sentence>"}`

const groupSystem = `You find payee names that refer to the same real-world entity.
Respond with a single JSON object and nothing else:
{"groups": [[<index>, <index>, ...], ...]}
Only include groups with two or more members. Use the zero-based indexes shown.`

func classifyPrompt(req ClassifyRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Payee: %s\n", req.Name)
	if loc := strings.TrimSpace(strings.Join(nonEmpty(req.City, req.State), ", ")); loc != "" {
		fmt.Fprintf(&b, "Location: %s\n", loc)
	}
	if req.Amount != "" {
		fmt.Fprintf(&b, "Amount: %s\n", req.Amount)
	}
	return b.String()
}

func judgePrompt(req JudgeRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n", req.Query)
	if loc := strings.Join(nonEmpty(req.City, req.State), ", "); loc != "" {
		fmt.Fprintf(&b, "Query location: %s\n", loc)
	}
	b.WriteString("Candidates:\n")
	for _, c := range req.Candidates {
		fmt.Fprintf(&b, "- id=%s name=%q", c.ID, c.Name)
		if loc := strings.Join(nonEmpty(c.City, c.State), ", "); loc != "" {
			fmt.Fprintf(&b, " location=%q", loc)
		}
		fmt.Fprintf(&b, " similarity=%.2f\n", c.Similarity)
	}
	return b.String()
}

func groupPrompt(names []string) string {
	var b strings.Builder
	for i, n := range names {
		fmt.Fprintf(&b, "%d: %s\n", i, n)
	}
	return b.String()
}

func nonEmpty(vals ...string) []string {
	out := vals[:0:0]
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
