package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/haasonsaas/datachat/internal/agent"
	"github.com/haasonsaas/datachat/pkg/models"
)

func TestNewGoogleProvider(t *testing.T) {
	ctx := context.Background()
	if _, err := NewGoogleProvider(ctx, GoogleConfig{}); err == nil {
		t.Fatal("expected error for missing API key")
	}

	p, err := NewGoogleProvider(ctx, GoogleConfig{APIKey: "k"})
	if err != nil {
		t.Fatalf("NewGoogleProvider() error = %v", err)
	}
	if p.Name() != "google" {
		t.Errorf("Name() = %q", p.Name())
	}
	if p.getModel("") != "gemini-2.0-flash" {
		t.Errorf("default model = %q", p.getModel(""))
	}
	if p.getModel("gemini-1.5-pro") != "gemini-1.5-pro" {
		t.Errorf("explicit model not kept")
	}
}

func TestConvertToGeminiContents(t *testing.T) {
	history := []models.Message{
		{Role: models.RoleUser, Content: "List media and sources"},
		{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "c1", Name: "list_media", Arguments: `{}`},
				{ID: "c2", Name: "list_data_sources", Arguments: `{}`},
			},
		},
		{Role: models.RoleTool, ToolCallID: "c1", Name: "list_media", Content: `{"folders":[],"files":[]}`},
		{Role: models.RoleTool, ToolCallID: "c2", Content: `[{"id":1}]`},
		{Role: models.RoleAssistant, Content: "Nothing much."},
	}

	got := convertToGeminiContents(history)
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	if got[0].Role != genai.RoleUser || got[1].Role != genai.RoleModel {
		t.Errorf("roles = %q, %q", got[0].Role, got[1].Role)
	}
	if len(got[1].Parts) != 2 || got[1].Parts[0].FunctionCall == nil {
		t.Fatalf("model parts = %+v", got[1].Parts)
	}

	results := got[2]
	if results.Role != genai.RoleUser || len(results.Parts) != 2 {
		t.Fatalf("function responses = role %q, %d parts", results.Role, len(results.Parts))
	}
	first := results.Parts[0].FunctionResponse
	if first.Name != "list_media" || first.ID != "c1" {
		t.Errorf("first response = %+v", first)
	}
	if _, ok := first.Response["output"].(map[string]any); !ok {
		t.Errorf("object output should sit under output: %v", first.Response)
	}
	second := results.Parts[1].FunctionResponse
	if second.Name != "list_data_sources" {
		t.Errorf("name not recovered from call: %q", second.Name)
	}
	if _, ok := second.Response["output"].([]any); !ok {
		t.Errorf("array output should sit under output: %v", second.Response)
	}
}

func TestFunctionResponse(t *testing.T) {
	errResp := functionResponse(`{"isError":true,"message":"not found","statusCode":404}`)
	if _, ok := errResp["error"]; !ok {
		t.Errorf("error record should sit under error: %v", errResp)
	}

	textResp := functionResponse("plain text")
	if textResp["output"] != "plain text" {
		t.Errorf("non-JSON output = %v", textResp)
	}
}

func TestBuildGeminiConfig(t *testing.T) {
	cfg := buildGeminiConfig(&agent.CompletionRequest{
		System:    "sys",
		MaxTokens: 512,
		Tools:     []models.ToolDefinition{{Name: "list_media", Parameters: json.RawMessage(`{"type":"object"}`)}},
	})
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "sys" {
		t.Errorf("system instruction = %+v", cfg.SystemInstruction)
	}
	if cfg.MaxOutputTokens != 512 {
		t.Errorf("MaxOutputTokens = %d", cfg.MaxOutputTokens)
	}
	if len(cfg.Tools) != 1 {
		t.Errorf("tools = %+v", cfg.Tools)
	}

	empty := buildGeminiConfig(&agent.CompletionRequest{})
	if empty.SystemInstruction != nil || empty.Tools != nil || empty.MaxOutputTokens != 0 {
		t.Errorf("empty config = %+v", empty)
	}
}

func TestGoogleProviderCreate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-2.0-flash:generateContent") {
			t.Errorf("path = %q", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(raw), `"systemInstruction"`) {
			t.Errorf("request missing systemInstruction: %s", raw)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"candidates": [{
				"content": {
					"role": "model",
					"parts": [
						{"text": "Checking media."},
						{"functionCall": {"name": "list_media", "args": {}}},
						{"functionCall": {"id": "given", "name": "get_media_file", "args": {"id": "m1"}}}
					]
				}
			}],
			"usageMetadata": {"promptTokenCount": 9, "candidatesTokenCount": 4}
		}`))
	}))
	defer srv.Close()

	p, err := NewGoogleProvider(context.Background(), GoogleConfig{APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewGoogleProvider() error = %v", err)
	}

	resp, err := p.Create(context.Background(), &agent.CompletionRequest{
		System:   "sys",
		Messages: []models.Message{{Role: models.RoleUser, Content: "media?"}},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	msg := resp.Message
	if msg.Content != "Checking media." {
		t.Errorf("content = %q", msg.Content)
	}
	if len(msg.ToolCalls) != 2 {
		t.Fatalf("tool calls = %+v", msg.ToolCalls)
	}
	if !strings.HasPrefix(msg.ToolCalls[0].ID, "call_") {
		t.Errorf("generated id = %q", msg.ToolCalls[0].ID)
	}
	if msg.ToolCalls[0].Arguments != "{}" {
		t.Errorf("empty args = %q", msg.ToolCalls[0].Arguments)
	}
	if msg.ToolCalls[1].ID != "given" || msg.ToolCalls[1].Arguments != `{"id":"m1"}` {
		t.Errorf("second call = %+v", msg.ToolCalls[1])
	}
	if resp.Usage.PromptTokens != 9 || resp.Usage.CompletionTokens != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestGoogleProviderWrapError(t *testing.T) {
	p, err := NewGoogleProvider(context.Background(), GoogleConfig{APIKey: "k"})
	if err != nil {
		t.Fatalf("NewGoogleProvider() error = %v", err)
	}

	tests := []struct {
		msg        string
		wantReason ErrorReason
		wantStatus int
	}{
		{"Error 401, Message: API key not valid, Status: UNAUTHENTICATED", ReasonAuth, 401},
		{"Error 429, Message: quota, Status: RESOURCE_EXHAUSTED", ReasonRateLimit, 429},
		{"Error 400, Message: bad, Status: INVALID_ARGUMENT", ReasonInvalidRequest, 400},
		{"Error 503, Message: overloaded, Status: UNAVAILABLE", ReasonServerError, 503},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			wrapped := p.wrapError(errors.New(tt.msg), "gemini-2.0-flash")
			providerErr, ok := GetProviderError(wrapped)
			if !ok {
				t.Fatalf("wrapError() = %T", wrapped)
			}
			if providerErr.Reason != tt.wantReason || providerErr.Status != tt.wantStatus {
				t.Errorf("got reason %q status %d, want %q %d", providerErr.Reason, providerErr.Status, tt.wantReason, tt.wantStatus)
			}
		})
	}
}

func TestGoogleProviderCreateServerError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"Permission denied","status":"PERMISSION_DENIED"}}`))
	}))
	defer srv.Close()

	p, err := NewGoogleProvider(context.Background(), GoogleConfig{APIKey: "k", BaseURL: srv.URL, MaxRetries: 2})
	if err != nil {
		t.Fatalf("NewGoogleProvider() error = %v", err)
	}

	_, err = p.Create(context.Background(), &agent.CompletionRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	providerErr, ok := GetProviderError(err)
	if !ok {
		t.Fatalf("error = %v, want *ProviderError", err)
	}
	if providerErr.Reason != ReasonAuth {
		t.Errorf("Reason = %q, want auth", providerErr.Reason)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
