package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/haasonsaas/datachat/internal/agent"
	"github.com/haasonsaas/datachat/internal/agent/toolconv"
	"github.com/haasonsaas/datachat/pkg/models"
)

// GoogleConfig configures the Gemini provider.
type GoogleConfig struct {
	// APIKey authenticates requests. Required.
	APIKey string

	// BaseURL overrides the API endpoint. Optional.
	BaseURL string

	// DefaultModel is used when a request names no model.
	// Default: gemini-2.0-flash
	DefaultModel string

	// MaxRetries is the number of extra attempts for retryable failures.
	MaxRetries int

	// RetryDelay is the first delay between attempts; later delays double.
	// Default: 1 second
	RetryDelay time.Duration

	// HTTPClient overrides the transport. Optional.
	HTTPClient *http.Client
}

// GoogleProvider implements agent.ModelClient for Gemini models through the
// Google Gen AI SDK.
//
// Gemini does not always return function call IDs, so missing ones are
// generated. Tool results are sent back as FunctionResponse parts named
// after the tool, grouped into one user turn per round.
type GoogleProvider struct {
	client       *genai.Client
	defaultModel string
	base         BaseProvider
}

// NewGoogleProvider creates a Gemini provider.
//
// Example:
//
//	provider, err := NewGoogleProvider(ctx, GoogleConfig{
//	    APIKey: os.Getenv("GEMINI_API_KEY"),
//	})
func NewGoogleProvider(ctx context.Context, config GoogleConfig) (*GoogleProvider, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("google: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gemini-2.0-flash"
	}

	clientConfig := &genai.ClientConfig{
		APIKey:     config.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: config.HTTPClient,
	}
	if config.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}

	return &GoogleProvider{
		client:       client,
		defaultModel: config.DefaultModel,
		base:         NewBaseProvider("google", config.MaxRetries, config.RetryDelay),
	}, nil
}

// Name returns the provider identifier used in metrics and traces.
func (p *GoogleProvider) Name() string {
	return "google"
}

// Create sends one non-streaming GenerateContent request.
func (p *GoogleProvider) Create(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	model := p.getModel(req.Model)
	contents := convertToGeminiContents(req.Messages)
	config := buildGeminiConfig(req)

	var resp *genai.GenerateContentResponse
	err := p.base.Retry(ctx, IsRetryable, func() error {
		r, err := p.client.Models.GenerateContent(ctx, model, contents, config)
		if err != nil {
			return p.wrapError(err, model)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		reason := "response contained no candidates"
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			reason = fmt.Sprintf("prompt blocked: %s", resp.PromptFeedback.BlockReason)
		}
		return nil, NewProviderError(p.Name(), model, errors.New(reason))
	}

	msg := models.Message{Role: models.RoleAssistant}
	var text []string
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		if part.Text != "" {
			text = append(text, part.Text)
		}
		if fc := part.FunctionCall; fc != nil {
			args, err := json.Marshal(fc.Args)
			if err != nil || fc.Args == nil {
				args = []byte("{}")
			}
			id := fc.ID
			if id == "" {
				id = generateToolCallID()
			}
			msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
				ID:        id,
				Name:      fc.Name,
				Arguments: string(args),
			})
		}
	}
	msg.Content = strings.Join(text, "")

	usage := agent.Usage{}
	if resp.UsageMetadata != nil {
		usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &agent.CompletionResponse{Message: msg, Usage: usage}, nil
}

func (p *GoogleProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// buildGeminiConfig sets the system instruction, tools, and output cap.
func buildGeminiConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{
				{Text: req.System},
			},
		}
	}

	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		// #nosec G115 -- bounded by min above
		config.MaxOutputTokens = int32(maxTokens)
	}

	if len(req.Tools) > 0 {
		config.Tools = toolconv.ToGeminiTools(req.Tools)
	}

	return config
}

// convertToGeminiContents maps history to Gemini contents. Function
// responses that follow one model turn share a single user content.
func convertToGeminiContents(messages []models.Message) []*genai.Content {
	var result []*genai.Content
	var pending []*genai.Part

	flush := func() {
		if len(pending) > 0 {
			result = append(result, &genai.Content{Role: genai.RoleUser, Parts: pending})
			pending = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			continue
		case models.RoleTool:
			pending = append(pending, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       msg.ToolCallID,
					Name:     toolNameFor(msg, messages),
					Response: functionResponse(msg.Content),
				},
			})
			continue
		}

		flush()

		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == models.RoleAssistant {
			content.Role = genai.RoleModel
		}
		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		if msg.Role == models.RoleAssistant {
			for _, call := range msg.ToolCalls {
				var args map[string]any
				if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil || args == nil {
					args = map[string]any{}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   call.ID,
						Name: call.Name,
						Args: args,
					},
				})
			}
		}
		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	flush()

	return result
}

// functionResponse wraps tool output in the object Gemini requires.
// Error records keep their shape under "error"; everything else sits
// under "output".
func functionResponse(content string) map[string]any {
	var value any
	if err := json.Unmarshal([]byte(content), &value); err != nil {
		return map[string]any{"output": content}
	}
	if obj, ok := value.(map[string]any); ok {
		if isErr, _ := obj["isError"].(bool); isErr {
			return map[string]any{"error": obj}
		}
	}
	return map[string]any{"output": value}
}

// toolNameFor returns the tool name for a tool message, falling back to
// the call that issued it.
func toolNameFor(msg models.Message, messages []models.Message) string {
	if msg.Name != "" {
		return msg.Name
	}
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			if tc.ID == msg.ToolCallID {
				return tc.Name
			}
		}
	}
	return ""
}

// generateToolCallID generates an ID for a function call that has none.
func generateToolCallID() string {
	return "call_" + uuid.NewString()
}

func (p *GoogleProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	providerErr := NewProviderError("google", model, err)

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "401") || strings.Contains(errMsg, "unauthenticated"):
		providerErr = providerErr.WithStatus(http.StatusUnauthorized)
	case strings.Contains(errMsg, "403") || strings.Contains(errMsg, "permission denied"):
		providerErr = providerErr.WithStatus(http.StatusForbidden)
	case strings.Contains(errMsg, "404") || strings.Contains(errMsg, "not found"):
		providerErr = providerErr.WithStatus(http.StatusNotFound)
	case strings.Contains(errMsg, "429") || strings.Contains(errMsg, "resource exhausted"):
		providerErr = providerErr.WithStatus(http.StatusTooManyRequests)
	case strings.Contains(errMsg, "400") || strings.Contains(errMsg, "invalid argument"):
		providerErr = providerErr.WithStatus(http.StatusBadRequest)
	case strings.Contains(errMsg, "503"):
		providerErr = providerErr.WithStatus(http.StatusServiceUnavailable)
	case strings.Contains(errMsg, "500"):
		providerErr = providerErr.WithStatus(http.StatusInternalServerError)
	}

	return providerErr
}
