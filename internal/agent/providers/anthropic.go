package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/datachat/internal/agent"
	"github.com/haasonsaas/datachat/internal/agent/toolconv"
	"github.com/haasonsaas/datachat/pkg/models"
)

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	// APIKey authenticates requests. Required.
	APIKey string

	// BaseURL overrides the API endpoint. Optional.
	BaseURL string

	// DefaultModel is used when a request names no model.
	// Default: claude-sonnet-4-20250514
	DefaultModel string

	// MaxRetries is the number of extra attempts for retryable failures.
	MaxRetries int

	// RetryDelay is the first delay between attempts; later delays double.
	// Default: 1 second
	RetryDelay time.Duration

	// HTTPClient overrides the transport. Optional.
	HTTPClient *http.Client
}

// AnthropicProvider implements agent.ModelClient for Claude models.
//
// Key Differences from OpenAI:
//   - The system prompt is a separate request field, not a message
//   - Tool results are content blocks inside a user message, so consecutive
//     tool messages are grouped into one user turn
//   - max_tokens is mandatory; 4096 is used when the request leaves it unset
//
// The SDK's own retry loop is disabled so that BaseProvider controls attempts.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	base         BaseProvider
}

// NewAnthropicProvider creates an Anthropic provider.
//
// Example:
//
//	provider, err := NewAnthropicProvider(AnthropicConfig{
//	    APIKey: os.Getenv("ANTHROPIC_API_KEY"),
//	})
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	options := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}
	if config.HTTPClient != nil {
		options = append(options, option.WithHTTPClient(config.HTTPClient))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		defaultModel: config.DefaultModel,
		base:         NewBaseProvider("anthropic", config.MaxRetries, config.RetryDelay),
	}, nil
}

// Name returns the provider identifier used in metrics and traces.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Create sends one non-streaming Messages API request.
func (p *AnthropicProvider) Create(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	model := p.getModel(req.Model)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  convertToAnthropicMessages(req.Messages),
		MaxTokens: int64(getMaxTokens(req.MaxTokens)),
	}

	// System prompt is separate from messages in the Anthropic API.
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: req.System,
			},
		}
	}

	if len(req.Tools) > 0 {
		tools, err := toolconv.ToAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	var message *anthropic.Message
	err := p.base.Retry(ctx, IsRetryable, func() error {
		m, err := p.client.Messages.New(ctx, params)
		if err != nil {
			return p.wrapError(err, model)
		}
		message = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	msg := models.Message{Role: models.RoleAssistant}
	var text []string
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			text = append(text, block.Text)
		case "tool_use":
			args := string(block.Input)
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	msg.Content = strings.Join(text, "")

	return &agent.CompletionResponse{
		Message: msg,
		Usage: agent.Usage{
			PromptTokens:     int(message.Usage.InputTokens),
			CompletionTokens: int(message.Usage.OutputTokens),
		},
	}, nil
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// getMaxTokens returns the reply cap, defaulting to 4096.
func getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

// convertToAnthropicMessages maps history to Anthropic messages. Tool
// results that follow one assistant turn share a single user message.
func convertToAnthropicMessages(messages []models.Message) []anthropic.MessageParam {
	var result []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) > 0 {
			result = append(result, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			// Handled via params.System.
			continue
		case models.RoleTool:
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(
				msg.ToolCallID,
				msg.Content,
				isErrorContent(msg.Content),
			))
			continue
		}

		flushResults()

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		if msg.Role == models.RoleAssistant {
			for _, call := range msg.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal([]byte(call.Arguments), &input); err != nil || input == nil {
					input = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
			}
			if len(content) > 0 {
				result = append(result, anthropic.NewAssistantMessage(content...))
			}
			continue
		}

		if len(content) > 0 {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	flushResults()

	return result
}

// isErrorContent reports whether a tool message carries an error record.
func isErrorContent(content string) bool {
	if !strings.Contains(content, `"isError"`) {
		return false
	}
	var envelope struct {
		IsError bool `json:"isError"`
	}
	return json.Unmarshal([]byte(content), &envelope) == nil && envelope.IsError
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return NewProviderError("anthropic", model, err)
	}

	providerErr := (&ProviderError{
		Provider: "anthropic",
		Model:    model,
		Cause:    err,
		Reason:   ReasonUnknown,
	}).WithStatus(apiErr.StatusCode)

	requestID := apiErr.RequestID
	if raw := apiErr.RawJSON(); raw != "" {
		var payload anthropicErrorPayload
		if json.Unmarshal([]byte(raw), &payload) == nil {
			if payload.Error.Message != "" {
				providerErr = providerErr.WithMessage(payload.Error.Message)
			}
			if payload.Error.Type != "" {
				providerErr = providerErr.WithCode(payload.Error.Type)
			}
			if payload.RequestID != "" {
				requestID = payload.RequestID
			}
		}
	}
	if providerErr.Message == "" {
		providerErr.Message = "anthropic request failed"
	}
	if requestID != "" {
		providerErr = providerErr.WithRequestID(requestID)
	}
	return providerErr
}
