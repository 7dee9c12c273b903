package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is a slog logger that stamps each record with the request, session
// and trace it belongs to, and scrubs credentials out of the message and
// every attribute value before the handler sees them.
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info"})
//	logger.Info(ctx, "chat turn completed", "rounds", 2)
type Logger struct {
	slog   *slog.Logger
	redact *redactor
}

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level is one of debug, info, warn or error.
	Level string

	// Format is "json" (default) or "text".
	Format string

	// Output defaults to os.Stderr.
	Output io.Writer

	AddSource bool

	// RedactPatterns extend the builtin credential patterns.
	RedactPatterns []string
}

type ctxKey int

const (
	requestIDKey ctxKey = iota
	sessionIDKey
)

// NewLogger creates a structured logger. Empty fields fall back to
// info level, JSON format, and stderr.
func NewLogger(config LogConfig) *Logger {
	out := config.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(config.Level), AddSource: config.AddSource}

	var handler slog.Handler = slog.NewJSONHandler(out, opts)
	if strings.EqualFold(config.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	}
	return &Logger{slog: slog.New(handler), redact: newRedactor(config.RedactPatterns)}
}

// NopLogger returns a logger that discards everything.
func NopLogger() *Logger {
	return NewLogger(LogConfig{Output: io.Discard, Level: "error"})
}

func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args)
}

func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args)
}

func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args)
}

// Error logs at error level. Error values are flattened to strings and
// scrubbed like any other argument:
//
//	logger.Error(ctx, "model call failed", "provider", "openai", "error", err)
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args []any) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !l.slog.Enabled(ctx, level) {
		return
	}

	attrs := make([]any, 0, len(args)+6)
	for _, kv := range [...][2]string{
		{"request_id", requestID(ctx)},
		{"session_id", GetSessionID(ctx)},
		{"trace_id", GetTraceID(ctx)},
	} {
		if kv[1] != "" {
			attrs = append(attrs, kv[0], kv[1])
		}
	}
	for i := 0; i+1 < len(args); i += 2 {
		key, _ := args[i].(string)
		attrs = append(attrs, args[i], l.redact.value(key, args[i+1]))
	}
	if len(args)%2 == 1 {
		attrs = append(attrs, l.redact.value("", args[len(args)-1]))
	}

	l.slog.Log(ctx, level, l.redact.text(msg), attrs...)
}

// WithFields returns a logger that adds args to every record. The fields
// are not scrubbed, so pass only component names and similar constants.
//
//	engineLogger := logger.WithFields("component", "agent")
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...), redact: l.redact}
}

// AddRequestID returns ctx carrying the HTTP or websocket request ID.
func AddRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// AddSessionID returns ctx carrying the chat session ID.
func AddSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// GetSessionID reports the session ID stored by AddSessionID, or "".
func GetSessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// parseLevel maps a config level name to a slog level; unknown names are info.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
