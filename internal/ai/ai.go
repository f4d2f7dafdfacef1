// Package ai adapts hosted language models to the classification, match
// arbitration and duplicate-grouping contracts used by the pipeline.
package ai

import (
	"context"

	"github.com/sells-group/payee-cli/internal/model"
)

// ClassifyRequest is one name plus optional compact context.
type ClassifyRequest struct {
	Name   string
	City   string
	State  string
	Amount string
}

// ClassifyResult is the classification service's answer.
type ClassifyResult struct {
	Category   model.Category
	Confidence float64
	SICCode    string
	Reasoning  string
}

// JudgeRequest asks the judge to pick among ranked candidates.
type JudgeRequest struct {
	Query      string
	City       string
	State      string
	Candidates []model.Candidate
}

// JudgeResult is the judge's verdict.
type JudgeResult struct {
	Matched    bool
	EntityID   string
	Confidence float64
	Reasoning  string
}

// Provider implements every AI-backed contract.
type Provider interface {
	Classify(ctx context.Context, req ClassifyRequest) (ClassifyResult, error)
	Judge(ctx context.Context, req JudgeRequest) (JudgeResult, error)
	// Group returns sets of indexes into names that refer to the same entity.
	Group(ctx context.Context, names []string) ([][]int, error)
}

// completer sends one system+user exchange and returns the raw text.
type completer interface {
	complete(ctx context.Context, system, user, purpose string) (string, error)
}

// provider implements Provider over any completer.
type provider struct {
	c completer
}

func (p *provider) Classify(ctx context.Context, req ClassifyRequest) (ClassifyResult, error) {
	text, err := p.c.complete(ctx, classifySystem, classifyPrompt(req), "classify")
	if err != nil {
		return ClassifyResult{}, err
	}
	return parseClassification(text)
}

func (p *provider) Judge(ctx context.Context, req JudgeRequest) (JudgeResult, error) {
	text, err := p.c.complete(ctx, judgeSystem, judgePrompt(req), "judge")
	if err != nil {
		return JudgeResult{}, err
	}
	return parseJudgement(text, req.Candidates)
}

func (p *provider) Group(ctx context.Context, names []string) ([][]int, error) {
	if len(names) < 2 {
		return nil, nil
	}
	text, err := p.c.complete(ctx, groupSystem, groupPrompt(names), "group")
	if err != nil {
		return nil, err
	}
	return parseGroups(text, len(names))
}
