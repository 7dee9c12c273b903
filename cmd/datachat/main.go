// Package main provides the CLI entry point for datachat, a conversational
// assistant that answers questions about an app's data sources and media
// from live platform API data.
//
// # Basic Usage
//
// Start the HTTP and WebSocket server:
//
//	datachat serve --config datachat.yaml
//
// Ask a single question, or start an interactive session:
//
//	datachat ask "How many data sources do I have?"
//	datachat ask
//
// # Environment Variables
//
// Configuration can be provided via environment variables:
//
//   - DATACHAT_CONFIG: Path to configuration file (default: datachat.yaml)
//   - PLATFORM_BASE_URL, PLATFORM_TOKEN, PLATFORM_APP_ID: platform API access
//   - DATACHAT_LLM_PROVIDER, DATACHAT_LLM_MODEL: model selection
//   - OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY: provider keys
//   - OTEL_EXPORTER_OTLP_ENDPOINT: enables tracing export
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "datachat",
		Short: "datachat - ask questions about your app's data",
		Long: `datachat answers natural-language questions about an app's data sources
and media files. A language model decides which platform API calls to make,
datachat runs them, and the model answers from the live results.

Supported LLM providers: OpenAI, OpenRouter, Ollama, Azure OpenAI, Anthropic, Google Gemini`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildAskCmd(),
		buildToolsCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}
