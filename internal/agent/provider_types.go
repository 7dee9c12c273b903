package agent

import (
	"context"

	"github.com/haasonsaas/datachat/pkg/models"
)

// ModelClient is a chat-completion backend that supports tool calling.
//
// Create is a single non-streaming request: the returned message is either
// a final answer or an assistant turn carrying one or more tool calls.
// Implementations must be safe for concurrent use across sessions.
//
// See Also:
//   - providers.OpenAIProvider for OpenAI-compatible endpoints
//   - providers.AnthropicProvider for Anthropic Claude
//   - providers.GoogleProvider for Gemini
type ModelClient interface {
	// Create sends the request and returns the assistant reply.
	Create(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider name used in metrics and traces.
	Name() string
}

// CompletionRequest contains all parameters for one model call.
type CompletionRequest struct {
	// Model selects the backend model. Empty means the provider default.
	Model string `json:"model"`

	// System is the fixed system instruction.
	System string `json:"system,omitempty"`

	// Messages is the conversation history in chronological order.
	Messages []models.Message `json:"messages"`

	// Tools is the full tool menu. Omitted from the wire request when empty.
	Tools []models.ToolDefinition `json:"tools,omitempty"`

	// MaxTokens caps the reply length. Zero uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// Usage reports token accounting for one model call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// CompletionResponse is the assistant reply to a CompletionRequest.
type CompletionResponse struct {
	Message models.Message `json:"message"`
	Usage   Usage          `json:"usage"`
}

// ToolDispatcher executes tools by name. Remote failures come back as data;
// a returned error means the turn cannot continue.
type ToolDispatcher interface {
	Definitions() []models.ToolDefinition
	Execute(ctx context.Context, name string, args map[string]any) (any, error)
}
