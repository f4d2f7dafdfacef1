package ai

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/sells-group/payee-cli/internal/metrics"
)

// openaiPricing holds per-million-token pricing: {input, output}.
var openaiPricing = map[string][2]float64{
	"gpt-4o-mini": {0.15, 0.60},
	"gpt-4o":      {2.50, 10.00},
}

type openaiCompleter struct {
	client    *openai.Client
	model     string
	maxTokens int
	m         *metrics.Metrics
}

// NewOpenAI returns a Provider backed by the OpenAI chat completions API.
// baseURL overrides the endpoint when non-empty.
func NewOpenAI(apiKey, model, baseURL string, m *metrics.Metrics) Provider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &provider{c: &openaiCompleter{
		client:    openai.NewClientWithConfig(cfg),
		model:     model,
		maxTokens: 512,
		m:         m,
	}}
}

func (o *openaiCompleter) complete(ctx context.Context, system, user, purpose string) (string, error) {
	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		MaxTokens:      o.maxTokens,
		Temperature:    0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	o.m.Call("ai", err, time.Since(start))
	if err != nil {
		return "", eris.Wrap(err, "openai: create chat completion")
	}
	if len(resp.Choices) == 0 {
		return "", eris.Wrap(ErrMalformed, "openai: no choices")
	}

	cost := 0.0
	if p, ok := openaiPricing[o.model]; ok {
		cost = float64(resp.Usage.PromptTokens)/1e6*p[0] + float64(resp.Usage.CompletionTokens)/1e6*p[1]
	}
	zap.L().Debug("cost attribution",
		zap.String("model", o.model),
		zap.String("purpose", purpose),
		zap.Int("input_tokens", resp.Usage.PromptTokens),
		zap.Int("output_tokens", resp.Usage.CompletionTokens),
		zap.Float64("estimated_cost_usd", cost),
	)
	o.m.AIUsage("openai", int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens), cost)
	return resp.Choices[0].Message.Content, nil
}
