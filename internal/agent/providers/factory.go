package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/datachat/internal/agent"
)

// Default endpoints for OpenAI-compatible backends.
const (
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
	OllamaBaseURL     = "http://localhost:11434/v1"
)

// Config selects and configures one model backend.
type Config struct {
	// Provider is one of openai, openrouter, ollama, azure, anthropic, google.
	Provider     string
	APIKey       string
	BaseURL      string
	DefaultModel string
	// APIVersion is only used by azure.
	APIVersion string
	MaxRetries int
	RetryDelay time.Duration
	HTTPClient *http.Client
}

// New builds the model client named by cfg.Provider.
func New(ctx context.Context, cfg Config) (agent.ModelClient, error) {
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func newClient(ctx context.Context, cfg Config) (agent.ModelClient, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if name == "" {
		name = "openai"
	}

	openAIConfig := OpenAIConfig{
		Name:         name,
		APIKey:       cfg.APIKey,
		BaseURL:      cfg.BaseURL,
		DefaultModel: cfg.DefaultModel,
		MaxRetries:   cfg.MaxRetries,
		RetryDelay:   cfg.RetryDelay,
		HTTPClient:   cfg.HTTPClient,
	}

	switch name {
	case "openai":
		return NewOpenAIProvider(openAIConfig)
	case "openrouter":
		if openAIConfig.BaseURL == "" {
			openAIConfig.BaseURL = OpenRouterBaseURL
		}
		return NewOpenAIProvider(openAIConfig)
	case "ollama":
		if openAIConfig.BaseURL == "" {
			openAIConfig.BaseURL = OllamaBaseURL
		}
		// Ollama ignores the key but the client requires one.
		if strings.TrimSpace(openAIConfig.APIKey) == "" {
			openAIConfig.APIKey = "ollama"
		}
		if openAIConfig.DefaultModel == "" {
			openAIConfig.DefaultModel = "llama3.1"
		}
		return NewOpenAIProvider(openAIConfig)
	case "azure":
		return NewAzureOpenAIProvider(openAIConfig, cfg.APIVersion)
	case "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.DefaultModel,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   cfg.RetryDelay,
			HTTPClient:   cfg.HTTPClient,
		})
	case "google", "gemini":
		return NewGoogleProvider(ctx, GoogleConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.DefaultModel,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   cfg.RetryDelay,
			HTTPClient:   cfg.HTTPClient,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
