package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/datachat/internal/config"
	"github.com/haasonsaas/datachat/internal/tools"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// runServe loads configuration, starts the gateway, and blocks until a
// shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	slog.Info("starting datachat",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	slog.Info("configuration loaded",
		"addr", cfg.Server.Addr(),
		"llm_provider", cfg.LLM.Provider,
		"max_sessions", cfg.Sessions.MaxSessions,
	)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, appOptions{Debug: debug})
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	server, registry, err := a.newServer()
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	registry.Start()
	if err := server.Start(ctx); err != nil {
		registry.Stop()
		return err
	}
	slog.Info("datachat started", "addr", server.Addr())

	<-ctx.Done()
	slog.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	stopErr := server.Stop(shutdownCtx)
	registry.Stop()
	a.close(shutdownCtx)
	if stopErr != nil {
		return fmt.Errorf("shutdown failed: %w", stopErr)
	}

	slog.Info("datachat stopped gracefully")
	return nil
}

// =============================================================================
// Ask Command Handler
// =============================================================================

// runAsk answers one question, or runs the interactive session when no
// question is given and stdin is a terminal.
func runAsk(cmd *cobra.Command, configPath, question string, debug bool) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a, err := newApp(ctx, cfg, appOptions{Debug: debug, Quiet: true, LogOutput: cmd.ErrOrStderr()})
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer a.close(context.Background())

	engine, err := a.newEngine()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	question = strings.TrimSpace(question)
	if question == "" {
		in := cmd.InOrStdin()
		if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			return runInteractive(ctx, f, out, engine)
		}
		data, err := io.ReadAll(in)
		if err != nil {
			return fmt.Errorf("read question: %w", err)
		}
		question = strings.TrimSpace(string(data))
	}
	if question == "" {
		return errors.New("no question given")
	}

	answer, err := engine.Chat(ctx, question)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, answer)
	return nil
}

// runInteractive switches the terminal to raw mode for line editing and
// runs the REPL until /exit or end of input.
func runInteractive(ctx context.Context, in *os.File, out io.Writer, conv conversation) error {
	fd := int(in.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("terminal raw mode: %w", err)
	}
	defer func() {
		_ = term.Restore(fd, state) //nolint:errcheck
	}()

	rw := struct {
		io.Reader
		io.Writer
	}{in, out}
	return runREPL(ctx, rw, conv)
}

// =============================================================================
// Tools Command Handler
// =============================================================================

func runTools(out io.Writer, asJSON bool) error {
	defs := tools.Definitions()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(defs)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tREQUIRED\tDESCRIPTION")
	for _, def := range defs {
		required := requiredParams(def.Parameters)
		if required == "" {
			required = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", def.Name, required, firstSentence(def.Description))
	}
	return w.Flush()
}

func requiredParams(schema json.RawMessage) string {
	var parsed struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return ""
	}
	return strings.Join(parsed.Required, ",")
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, ". "); idx >= 0 {
		return s[:idx+1]
	}
	return s
}

// =============================================================================
// Config Command Handlers
// =============================================================================

func runConfigSchema(out io.Writer) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(schema))
	return err
}

func runConfigValidate(out io.Writer, configPath string) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("config is invalid:\n%w", err)
	}

	source := configPath
	if source == "" {
		source = "environment"
	}
	fmt.Fprintf(out, "Config OK (%s)\n", source)
	fmt.Fprintf(out, "  server:    %s\n", cfg.Server.Addr())
	fmt.Fprintf(out, "  platform:  %s (app %s)\n", cfg.Platform.BaseURL, cfg.Platform.AppID)
	fmt.Fprintf(out, "  llm:       %s %s\n", cfg.LLM.Provider, cfg.LLM.Model)
	fmt.Fprintf(out, "  sessions:  max %d, ttl %s\n", cfg.Sessions.MaxSessions, cfg.Sessions.TTL.Round(time.Second))
	return nil
}
