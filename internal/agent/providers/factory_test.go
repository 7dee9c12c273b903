package providers

import (
	"context"
	"testing"
)

func TestNewFromConfig(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantName string
		wantErr  bool
	}{
		{name: "default is openai", cfg: Config{APIKey: "k"}, wantName: "openai"},
		{name: "openai", cfg: Config{Provider: "OpenAI", APIKey: "k"}, wantName: "openai"},
		{name: "openrouter", cfg: Config{Provider: "openrouter", APIKey: "k"}, wantName: "openrouter"},
		{name: "ollama needs no key", cfg: Config{Provider: "ollama"}, wantName: "ollama"},
		{name: "azure", cfg: Config{Provider: "azure", APIKey: "k", BaseURL: "https://x.openai.azure.com"}, wantName: "azure"},
		{name: "azure without endpoint", cfg: Config{Provider: "azure", APIKey: "k"}, wantErr: true},
		{name: "anthropic", cfg: Config{Provider: "anthropic", APIKey: "k"}, wantName: "anthropic"},
		{name: "google", cfg: Config{Provider: "google", APIKey: "k"}, wantName: "google"},
		{name: "gemini alias", cfg: Config{Provider: "gemini", APIKey: "k"}, wantName: "google"},
		{name: "missing key", cfg: Config{Provider: "anthropic"}, wantErr: true},
		{name: "unknown", cfg: Config{Provider: "bedrock", APIKey: "k"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(context.Background(), tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if client.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", client.Name(), tt.wantName)
			}
		})
	}
}

func TestNewOllamaDefaults(t *testing.T) {
	client, err := New(context.Background(), Config{Provider: "ollama"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	p, ok := client.(*OpenAIProvider)
	if !ok {
		t.Fatalf("client = %T, want *OpenAIProvider", client)
	}
	if p.defaultModel != "llama3.1" {
		t.Errorf("defaultModel = %q, want llama3.1", p.defaultModel)
	}
}
