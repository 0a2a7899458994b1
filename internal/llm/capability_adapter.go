package llm

import (
	"context"

	"github.com/normanking/taskengine/internal/capabilities"
)

// CapabilityAdapter bridges a Provider to the narrow capabilities.LLM contract
// the executor envelope and orchestrator expect.
type CapabilityAdapter struct {
	provider    Provider
	model       string
	maxTokens   int
	temperature float64
}

// NewCapabilityAdapter wraps a provider with the defaults it should use for
// every capability call that doesn't specify its own.
func NewCapabilityAdapter(p Provider, model string, maxTokens int, temperature float64) *CapabilityAdapter {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &CapabilityAdapter{provider: p, model: model, maxTokens: maxTokens, temperature: temperature}
}

// Chat implements capabilities.LLM.
func (a *CapabilityAdapter) Chat(ctx context.Context, messages []capabilities.ChatMessage, systemPrompt string) (string, error) {
	req := &ChatRequest{
		Model:        a.model,
		SystemPrompt: systemPrompt,
		MaxTokens:    a.maxTokens,
		Temperature:  a.temperature,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, Message{Role: m.Role, Content: m.Content})
	}

	resp, err := a.provider.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
