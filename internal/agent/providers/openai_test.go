package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/datachat/internal/agent"
	"github.com/haasonsaas/datachat/pkg/models"
)

func newOpenAITestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestNewOpenAIProvider(t *testing.T) {
	if _, err := NewOpenAIProvider(OpenAIConfig{}); err == nil {
		t.Fatal("expected error for missing API key")
	}

	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("NewOpenAIProvider() error = %v", err)
	}
	if p.Name() != "openai" {
		t.Errorf("Name() = %q, want openai", p.Name())
	}
	if p.defaultModel != "gpt-4o" {
		t.Errorf("defaultModel = %q, want gpt-4o", p.defaultModel)
	}

	named, err := NewOpenAIProvider(OpenAIConfig{Name: "openrouter", APIKey: "k"})
	if err != nil {
		t.Fatalf("NewOpenAIProvider() error = %v", err)
	}
	if named.Name() != "openrouter" {
		t.Errorf("Name() = %q, want openrouter", named.Name())
	}
}

func TestNewAzureOpenAIProviderRequiresEndpoint(t *testing.T) {
	if _, err := NewAzureOpenAIProvider(OpenAIConfig{APIKey: "k"}, ""); err == nil {
		t.Fatal("expected error for missing endpoint")
	}
	p, err := NewAzureOpenAIProvider(OpenAIConfig{APIKey: "k", BaseURL: "https://example.openai.azure.com"}, "")
	if err != nil {
		t.Fatalf("NewAzureOpenAIProvider() error = %v", err)
	}
	if p.Name() != "azure" {
		t.Errorf("Name() = %q, want azure", p.Name())
	}
}

func TestConvertToOpenAIMessages(t *testing.T) {
	history := []models.Message{
		{Role: models.RoleUser, Content: "How many data sources?"},
		{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "list_data_sources", Arguments: "{}"},
			},
		},
		{Role: models.RoleTool, ToolCallID: "call_1", Name: "list_data_sources", Content: `[{"id":1}]`},
	}

	got := convertToOpenAIMessages(history, "be helpful")
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	if got[0].Role != openai.ChatMessageRoleSystem || got[0].Content != "be helpful" {
		t.Errorf("first message = %+v, want system prompt", got[0])
	}
	if got[2].Role != openai.ChatMessageRoleAssistant || len(got[2].ToolCalls) != 1 {
		t.Fatalf("assistant message = %+v", got[2])
	}
	if got[2].ToolCalls[0].Type != openai.ToolTypeFunction || got[2].ToolCalls[0].Function.Name != "list_data_sources" {
		t.Errorf("tool call = %+v", got[2].ToolCalls[0])
	}
	if got[3].Role != openai.ChatMessageRoleTool || got[3].ToolCallID != "call_1" {
		t.Errorf("tool message = %+v", got[3])
	}

	if n := len(convertToOpenAIMessages(history, "")); n != 3 {
		t.Errorf("without system prompt len = %d, want 3", n)
	}
}

func TestOpenAIProviderCreate(t *testing.T) {
	var captured openai.ChatCompletionRequest
	srv := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-4o",
			"choices": [{
				"index": 0,
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [
						{"id": "call_a", "type": "function", "function": {"name": "list_data_sources", "arguments": "{}"}},
						{"id": "call_b", "type": "function", "function": {"name": "list_media", "arguments": "{\"folderId\":\"f1\"}"}}
					]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 42, "completion_tokens": 7, "total_tokens": 49}
		}`))
	})

	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	if err != nil {
		t.Fatalf("NewOpenAIProvider() error = %v", err)
	}

	resp, err := p.Create(context.Background(), &agent.CompletionRequest{
		System:    "sys",
		Messages:  []models.Message{{Role: models.RoleUser, Content: "what's here?"}},
		Tools:     []models.ToolDefinition{{Name: "list_media", Description: "media", Parameters: json.RawMessage(`{"type":"object"}`)}},
		MaxTokens: 256,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if captured.Model != "gpt-4o" {
		t.Errorf("request model = %q, want gpt-4o", captured.Model)
	}
	if captured.MaxTokens != 256 {
		t.Errorf("request max_tokens = %d, want 256", captured.MaxTokens)
	}
	if len(captured.Messages) != 2 || captured.Messages[0].Role != "system" {
		t.Errorf("request messages = %+v", captured.Messages)
	}
	if len(captured.Tools) != 1 || captured.Tools[0].Function.Name != "list_media" {
		t.Errorf("request tools = %+v", captured.Tools)
	}

	msg := resp.Message
	if msg.Role != models.RoleAssistant || !msg.HasToolCalls() || len(msg.ToolCalls) != 2 {
		t.Fatalf("message = %+v", msg)
	}
	if msg.ToolCalls[1].ID != "call_b" || msg.ToolCalls[1].Arguments != `{"folderId":"f1"}` {
		t.Errorf("second call = %+v", msg.ToolCalls[1])
	}
	if resp.Usage.PromptTokens != 42 || resp.Usage.CompletionTokens != 7 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestOpenAIProviderCreateRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","created":1,"model":"gpt-4o",
			"choices":[{"index":0,"message":{"role":"assistant","content":"There are 3."},"finish_reason":"stop"}]}`))
	})

	p, err := NewOpenAIProvider(OpenAIConfig{
		APIKey:     "k",
		BaseURL:    srv.URL + "/v1",
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewOpenAIProvider() error = %v", err)
	}

	resp, err := p.Create(context.Background(), &agent.CompletionRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "count"}},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if resp.Message.Content != "There are 3." {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestOpenAIProviderCreateAuthError(t *testing.T) {
	var calls atomic.Int32
	srv := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`))
	})

	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "bad", BaseURL: srv.URL + "/v1", MaxRetries: 3, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("NewOpenAIProvider() error = %v", err)
	}

	_, err = p.Create(context.Background(), &agent.CompletionRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}

	var providerErr *ProviderError
	if !errors.As(err, &providerErr) {
		t.Fatalf("error type = %T, want *ProviderError", err)
	}
	if providerErr.Reason != ReasonAuth || providerErr.Status != http.StatusUnauthorized {
		t.Errorf("provider error = %+v", providerErr)
	}
	if providerErr.Code != "invalid_api_key" {
		t.Errorf("code = %q, want invalid_api_key", providerErr.Code)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (auth errors are not retried)", calls.Load())
	}
}
