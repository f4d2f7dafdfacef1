package ai

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/payee-cli/internal/metrics"
	"github.com/sells-group/payee-cli/pkg/anthropic"
)

// Settings selects and configures a provider.
type Settings struct {
	Provider       string // "anthropic", "openai" or "none"
	AnthropicKey   string
	AnthropicModel string
	OpenAIKey      string
	OpenAIModel    string
	OpenAIBaseURL  string
}

// New builds the configured Provider. It returns (nil, nil) for "none" or an
// empty provider, which disables the AI stages.
func New(s Settings, m *metrics.Metrics) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s.Provider)) {
	case "", "none":
		return nil, nil
	case "anthropic":
		if s.AnthropicKey == "" {
			return nil, eris.New("ai: anthropic.key is required")
		}
		return NewAnthropic(anthropic.NewClient(s.AnthropicKey), s.AnthropicModel, m), nil
	case "openai":
		if s.OpenAIKey == "" {
			return nil, eris.New("ai: openai.key is required")
		}
		return NewOpenAI(s.OpenAIKey, s.OpenAIModel, s.OpenAIBaseURL, m), nil
	default:
		return nil, eris.Errorf("ai: unknown provider %q", s.Provider)
	}
}
