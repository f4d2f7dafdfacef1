package ai

import (
	"context"
	"time"

	"github.com/sells-group/payee-cli/internal/metrics"
	"github.com/sells-group/payee-cli/pkg/anthropic"
)

type anthropicCompleter struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	m         *metrics.Metrics
}

// NewAnthropic returns a Provider backed by the Anthropic Messages API.
func NewAnthropic(client anthropic.Client, model string, m *metrics.Metrics) Provider {
	if model == "" {
		model = "claude-haiku-4-5-20251001"
	}
	return &provider{c: &anthropicCompleter{client: client, model: model, maxTokens: 512, m: m}}
}

func (a *anthropicCompleter) complete(ctx context.Context, system, user, purpose string) (string, error) {
	temp := 0.0
	start := time.Now()
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		System:      anthropic.CachedSystem(system),
		Messages:    []anthropic.Message{{Role: "user", Content: user}},
		Temperature: &temp,
	})
	a.m.Call("ai", err, time.Since(start))
	if err != nil {
		return "", err
	}
	resp.Usage.LogCost(a.model, purpose)
	a.m.AIUsage("anthropic", resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.Usage.EstimateCost(a.model))
	return resp.Text(), nil
}
