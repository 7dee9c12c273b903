package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/term"

	"github.com/haasonsaas/datachat/pkg/models"
)

const replPrompt = "datachat> "

// conversation is the engine surface the REPL drives.
type conversation interface {
	Chat(ctx context.Context, text string) (string, error)
	History() []models.Message
	Reset()
}

// runREPL reads lines from rw until /exit, end of input, or ctx is done.
func runREPL(ctx context.Context, rw io.ReadWriter, conv conversation) error {
	t := term.NewTerminal(rw, replPrompt)
	fmt.Fprintln(t, "Ask about your data sources and media. Commands: /reset, /history, /exit")

	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := t.ReadLine()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "/exit" || line == "/quit":
			return nil
		case line == "/reset":
			conv.Reset()
			fmt.Fprintln(t, "Conversation cleared.")
		case line == "/history":
			printHistory(t, conv.History())
		case strings.HasPrefix(line, "/"):
			fmt.Fprintf(t, "Unknown command %s. Commands: /reset, /history, /exit\n", line)
		default:
			answer, err := conv.Chat(ctx, line)
			if err != nil {
				fmt.Fprintf(t, "error: %v\n", err)
				continue
			}
			fmt.Fprintln(t, answer)
		}
	}
}

func printHistory(w io.Writer, history []models.Message) {
	if len(history) == 0 {
		fmt.Fprintln(w, "(empty)")
		return
	}
	for _, msg := range history {
		switch {
		case msg.HasToolCalls():
			names := make([]string, len(msg.ToolCalls))
			for i, call := range msg.ToolCalls {
				names[i] = call.Name
			}
			fmt.Fprintf(w, "%s: [calls %s]\n", msg.Role, strings.Join(names, ", "))
		case msg.Role == models.RoleTool:
			fmt.Fprintf(w, "tool %s: %s\n", msg.ToolCallID, truncate(msg.Content, 120))
		default:
			fmt.Fprintf(w, "%s: %s\n", msg.Role, msg.Content)
		}
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
