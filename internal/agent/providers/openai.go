// Package providers adapts vendor chat-completion APIs to agent.ModelClient.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/datachat/internal/agent"
	"github.com/haasonsaas/datachat/internal/agent/toolconv"
	"github.com/haasonsaas/datachat/pkg/models"
)

// OpenAIConfig configures an OpenAI-compatible provider.
type OpenAIConfig struct {
	// Name overrides the provider name reported in metrics. Default: "openai".
	Name string

	// APIKey authenticates requests. Required.
	APIKey string

	// BaseURL points at any OpenAI-compatible endpoint, e.g.
	// https://openrouter.ai/api/v1 or http://localhost:11434/v1.
	// Empty uses the OpenAI default.
	BaseURL string

	// DefaultModel is used when a request names no model.
	// Default: gpt-4o
	DefaultModel string

	// MaxRetries is the number of extra attempts for retryable failures.
	MaxRetries int

	// RetryDelay is the first delay between attempts; later delays double.
	// Default: 1 second
	RetryDelay time.Duration

	// HTTPClient overrides the transport. Optional.
	HTTPClient *http.Client
}

// OpenAIProvider implements agent.ModelClient for the OpenAI chat completions
// API and the many services that mirror it.
//
// The system prompt is sent as the first message, and every tool result
// becomes its own "tool" role message linked by tool_call_id.
//
// Thread Safety:
// OpenAIProvider is safe for concurrent use across multiple goroutines.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
	base         BaseProvider
}

// NewOpenAIProvider creates an OpenAI-compatible provider.
//
// Example:
//
//	provider, err := NewOpenAIProvider(OpenAIConfig{
//	    APIKey: os.Getenv("OPENAI_API_KEY"),
//	})
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		clientConfig.HTTPClient = cfg.HTTPClient
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: cfg.DefaultModel,
		base:         NewBaseProvider(cfg.Name, cfg.MaxRetries, cfg.RetryDelay),
	}, nil
}

// NewAzureOpenAIProvider creates a provider for an Azure OpenAI deployment.
// The deployment name is taken from the request model.
func NewAzureOpenAIProvider(cfg OpenAIConfig, apiVersion string) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("azure: API key is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("azure: endpoint is required")
	}
	if cfg.Name == "" {
		cfg.Name = "azure"
	}
	if apiVersion == "" {
		apiVersion = "2024-02-15-preview"
	}

	clientConfig := openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)
	clientConfig.APIVersion = apiVersion
	if cfg.HTTPClient != nil {
		clientConfig.HTTPClient = cfg.HTTPClient
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: cfg.DefaultModel,
		base:         NewBaseProvider(cfg.Name, cfg.MaxRetries, cfg.RetryDelay),
	}, nil
}

// Name returns the provider identifier used in metrics and traces.
func (p *OpenAIProvider) Name() string {
	return p.base.Name()
}

// Create sends one non-streaming chat completion request.
func (p *OpenAIProvider) Create(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	model := p.getModel(req.Model)

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertToOpenAIMessages(req.Messages, req.System),
		Tools:    toolconv.ToOpenAITools(req.Tools),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	var resp openai.ChatCompletionResponse
	err := p.base.Retry(ctx, IsRetryable, func() error {
		r, err := p.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return p.wrapError(err, model)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, NewProviderError(p.Name(), model, errors.New("response contained no choices"))
	}

	choice := resp.Choices[0].Message
	msg := models.Message{
		Role:    models.RoleAssistant,
		Content: choice.Content,
	}
	for _, tc := range choice.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	return &agent.CompletionResponse{
		Message: msg,
		Usage: agent.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func (p *OpenAIProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// convertToOpenAIMessages injects the system prompt as the first message
// and maps each history entry to its OpenAI role.
func convertToOpenAIMessages(messages []models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			result = append(result, oaiMsg)
		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}

	return result
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	providerErr := NewProviderError(p.Name(), model, err)

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr = providerErr.WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			providerErr = providerErr.WithMessage(apiErr.Message)
		}
		if apiErr.Type != "" {
			providerErr = providerErr.WithCode(apiErr.Type)
		}
		if code, ok := apiErr.Code.(string); ok && code != "" {
			providerErr = providerErr.WithCode(code)
		}
		return providerErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		providerErr = providerErr.WithStatus(reqErr.HTTPStatusCode)
		if reqErr.Err != nil {
			providerErr = providerErr.WithMessage(fmt.Sprintf("request failed: %v", reqErr.Err))
		}
	}
	return providerErr
}
