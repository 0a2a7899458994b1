package reasoningmemory

import (
	"context"

	"github.com/normanking/taskengine/internal/capabilities"
)

// CapabilityLLM adapts the shared capabilities.LLM provider to the narrow
// LLM shape this package declares, converting the local ChatMessage type
// at the boundary.
type CapabilityLLM struct {
	LLM capabilities.LLM
}

func (c CapabilityLLM) Chat(ctx context.Context, messages []ChatMessage, systemPrompt string) (string, error) {
	converted := make([]capabilities.ChatMessage, len(messages))
	for i, m := range messages {
		converted[i] = capabilities.ChatMessage{Role: m.Role, Content: m.Content}
	}
	return c.LLM.Chat(ctx, converted, systemPrompt)
}
