package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/datachat/internal/observability"
	"github.com/haasonsaas/datachat/pkg/models"
)

// scriptedModel replays a fixed list of replies and records every request.
type scriptedModel struct {
	mu       sync.Mutex
	replies  []models.Message
	next     func(call int) (models.Message, error)
	requests []*CompletionRequest
}

func (m *scriptedModel) Name() string { return "scripted" }

func (m *scriptedModel) Create(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *req
	clone.Messages = models.CloneMessages(req.Messages)
	m.requests = append(m.requests, &clone)
	call := len(m.requests) - 1

	if m.next != nil {
		msg, err := m.next(call)
		if err != nil {
			return nil, err
		}
		return &CompletionResponse{Message: msg, Usage: Usage{PromptTokens: 10, CompletionTokens: 5}}, nil
	}
	if call >= len(m.replies) {
		return nil, fmt.Errorf("scripted model: no reply for call %d", call)
	}
	return &CompletionResponse{Message: m.replies[call]}, nil
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// stubDispatcher serves fixed tool results and counts executions.
type stubDispatcher struct {
	defs    []models.ToolDefinition
	results map[string]any
	delay   map[string]time.Duration
	panicOn string

	executed atomic.Int32
	mu       sync.Mutex
	order    []string
	args     []map[string]any
}

func newStubDispatcher(names ...string) *stubDispatcher {
	d := &stubDispatcher{results: map[string]any{}, delay: map[string]time.Duration{}}
	for _, name := range names {
		d.defs = append(d.defs, models.ToolDefinition{
			Name:       name,
			Parameters: json.RawMessage(`{"type":"object"}`),
		})
	}
	return d
}

func (d *stubDispatcher) Definitions() []models.ToolDefinition {
	return append([]models.ToolDefinition(nil), d.defs...)
}

func (d *stubDispatcher) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	d.executed.Add(1)
	if wait := d.delay[name]; wait > 0 {
		time.Sleep(wait)
	}
	if name == d.panicOn {
		panic("boom")
	}
	d.mu.Lock()
	d.order = append(d.order, name)
	d.args = append(d.args, args)
	d.mu.Unlock()

	if result, ok := d.results[name]; ok {
		return result, nil
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func toolCallMsg(calls ...models.ToolCall) models.Message {
	return models.Message{Role: models.RoleAssistant, ToolCalls: calls}
}

func answerMsg(text string) models.Message {
	return models.Message{Role: models.RoleAssistant, Content: text}
}

func newTestEngine(t *testing.T, model ModelClient, dispatcher ToolDispatcher, mutate ...func(*EngineConfig)) *Engine {
	t.Helper()
	cfg := EngineConfig{Model: "test-model"}
	for _, m := range mutate {
		m(&cfg)
	}
	engine, err := NewEngine(model, dispatcher, cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine
}

var ignoreTimestamps = cmpopts.IgnoreFields(models.Message{}, "CreatedAt")

func TestNewEngine_RequiresCollaborators(t *testing.T) {
	if _, err := NewEngine(nil, newStubDispatcher(), EngineConfig{}); !errors.Is(err, ErrNoModel) {
		t.Errorf("nil model: err = %v", err)
	}
	if _, err := NewEngine(&scriptedModel{}, nil, EngineConfig{}); !errors.Is(err, ErrNoDispatcher) {
		t.Errorf("nil dispatcher: err = %v", err)
	}
}

func TestEngine_PlainAnswer(t *testing.T) {
	model := &scriptedModel{replies: []models.Message{answerMsg("Hello! Ask me about your data.")}}
	engine := newTestEngine(t, model, newStubDispatcher("list_data_sources"))

	answer, err := engine.Chat(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if answer != "Hello! Ask me about your data." {
		t.Fatalf("answer = %q", answer)
	}

	history := engine.History()
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Role != models.RoleUser || history[1].Role != models.RoleAssistant {
		t.Errorf("roles = %s, %s", history[0].Role, history[1].Role)
	}
	if engine.Phase() != PhaseTerminal {
		t.Errorf("phase = %s, want terminal", engine.Phase())
	}
}

func TestEngine_RequestCarriesSystemPromptAndTools(t *testing.T) {
	model := &scriptedModel{replies: []models.Message{answerMsg("ok")}}
	engine := newTestEngine(t, model, newStubDispatcher("list_data_sources", "list_media"),
		func(cfg *EngineConfig) {
			cfg.SystemPrompt = "be helpful"
			cfg.MaxTokens = 512
		})

	if _, err := engine.Chat(context.Background(), "hi"); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	req := model.requests[0]
	if req.System != "be helpful" || req.Model != "test-model" || req.MaxTokens != 512 {
		t.Errorf("request = %+v", req)
	}
	if len(req.Tools) != 2 {
		t.Errorf("tools = %d, want 2", len(req.Tools))
	}
}

func TestEngine_NoToolsOmitted(t *testing.T) {
	model := &scriptedModel{replies: []models.Message{answerMsg("ok")}}
	engine := newTestEngine(t, model, newStubDispatcher())

	if _, err := engine.Chat(context.Background(), "hi"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if model.requests[0].Tools != nil {
		t.Errorf("tools = %v, want nil", model.requests[0].Tools)
	}
}

func TestEngine_DataSourceCountExample(t *testing.T) {
	dispatcher := newStubDispatcher("list_data_sources")
	dispatcher.results["list_data_sources"] = json.RawMessage(`[{"id":1,"name":"Users"},{"id":2,"name":"Products"}]`)

	model := &scriptedModel{replies: []models.Message{
		toolCallMsg(models.ToolCall{ID: "call_1", Name: "list_data_sources", Arguments: "{}"}),
		answerMsg("This app has 2 data sources: Users and Products."),
	}}
	engine := newTestEngine(t, model, dispatcher)

	answer, err := engine.Chat(context.Background(), "How many data sources?")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if answer != "This app has 2 data sources: Users and Products." {
		t.Fatalf("answer = %q", answer)
	}

	want := []models.Message{
		{Role: models.RoleUser, Content: "How many data sources?"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "call_1", Name: "list_data_sources", Arguments: "{}"}}},
		{Role: models.RoleTool, ToolCallID: "call_1", Name: "list_data_sources", Content: `[{"id":1,"name":"Users"},{"id":2,"name":"Products"}]`},
		{Role: models.RoleAssistant, Content: "This app has 2 data sources: Users and Products."},
	}
	if diff := cmp.Diff(want, engine.History(), ignoreTimestamps); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}

	// The second model call sees the tool result.
	if diff := cmp.Diff(want[:3], model.requests[1].Messages, ignoreTimestamps); diff != "" {
		t.Errorf("second request mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_ParallelCallsKeepOrder(t *testing.T) {
	dispatcher := newStubDispatcher("a", "b", "c")
	// The first call finishes last.
	dispatcher.delay["a"] = 40 * time.Millisecond
	dispatcher.delay["b"] = 20 * time.Millisecond
	dispatcher.results["a"] = "A"
	dispatcher.results["b"] = "B"
	dispatcher.results["c"] = "C"

	model := &scriptedModel{replies: []models.Message{
		toolCallMsg(
			models.ToolCall{ID: "1", Name: "a", Arguments: "{}"},
			models.ToolCall{ID: "2", Name: "b", Arguments: `{"x":1}`},
			models.ToolCall{ID: "3", Name: "c", Arguments: ""},
		),
		answerMsg("done"),
	}}
	engine := newTestEngine(t, model, dispatcher)

	if _, err := engine.Chat(context.Background(), "go"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got := dispatcher.executed.Load(); got != 3 {
		t.Fatalf("dispatches = %d, want 3", got)
	}

	history := engine.History()
	var ids, contents []string
	for _, msg := range history {
		if msg.Role == models.RoleTool {
			ids = append(ids, msg.ToolCallID)
			contents = append(contents, msg.Content)
		}
	}
	if diff := cmp.Diff([]string{"1", "2", "3"}, ids); diff != "" {
		t.Errorf("tool message order (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{`"A"`, `"B"`, `"C"`}, contents); diff != "" {
		t.Errorf("tool contents (-want +got):\n%s", diff)
	}
	// Completion order differs from call order, proving concurrency did not reorder results.
	if dispatcher.order[0] == "a" {
		t.Errorf("dispatch order = %v, expected a to finish last", dispatcher.order)
	}
}

func TestEngine_ToolMessagesReferencePrecedingCalls(t *testing.T) {
	model := &scriptedModel{replies: []models.Message{
		toolCallMsg(models.ToolCall{ID: "r1", Name: "a", Arguments: "{}"}),
		toolCallMsg(
			models.ToolCall{ID: "r2a", Name: "a", Arguments: "{}"},
			models.ToolCall{ID: "r2b", Name: "b", Arguments: "{}"},
		),
		answerMsg("done"),
	}}
	engine := newTestEngine(t, model, newStubDispatcher("a", "b"))

	if _, err := engine.Chat(context.Background(), "go"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	assertReferentialIntegrity(t, engine.History())
}

func TestEngine_AssignsMissingAndDuplicateCallIDs(t *testing.T) {
	model := &scriptedModel{replies: []models.Message{
		toolCallMsg(
			models.ToolCall{Name: "a", Arguments: "{}"},
			models.ToolCall{ID: "dup", Name: "a", Arguments: "{}"},
			models.ToolCall{ID: "dup", Name: "b", Arguments: "{}"},
		),
		answerMsg("done"),
	}}
	engine := newTestEngine(t, model, newStubDispatcher("a", "b"))

	if _, err := engine.Chat(context.Background(), "go"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if model.calls() != 2 {
		t.Fatalf("model calls = %d, want 2", model.calls())
	}

	second := model.requests[1].Messages
	var roles []models.Role
	for _, msg := range second {
		roles = append(roles, msg.Role)
	}
	want := []models.Role{models.RoleUser, models.RoleAssistant, models.RoleTool, models.RoleTool, models.RoleTool}
	if diff := cmp.Diff(want, roles); diff != "" {
		t.Fatalf("second request roles (-want +got):\n%s", diff)
	}

	ids := map[string]bool{}
	for i, call := range second[1].ToolCalls {
		if call.ID == "" || ids[call.ID] {
			t.Errorf("call %d id = %q, want unique and non-empty", i, call.ID)
		}
		ids[call.ID] = true
		if second[2+i].ToolCallID != call.ID {
			t.Errorf("tool message %d answers %q, want %q", i, second[2+i].ToolCallID, call.ID)
		}
	}
	assertReferentialIntegrity(t, engine.History())
}

func assertReferentialIntegrity(t *testing.T, history []models.Message) {
	t.Helper()
	var issued map[string]bool
	for i, msg := range history {
		switch msg.Role {
		case models.RoleAssistant:
			issued = map[string]bool{}
			for _, call := range msg.ToolCalls {
				issued[call.ID] = true
			}
		case models.RoleTool:
			if !issued[msg.ToolCallID] {
				t.Errorf("history[%d]: tool result %q has no matching call", i, msg.ToolCallID)
			}
		default:
			issued = nil
		}
	}
}

func TestEngine_SafetyCap(t *testing.T) {
	dispatcher := newStubDispatcher("list_data_sources")
	model := &scriptedModel{next: func(call int) (models.Message, error) {
		return toolCallMsg(models.ToolCall{
			ID:        fmt.Sprintf("call_%d", call),
			Name:      "list_data_sources",
			Arguments: "{}",
		}), nil
	}}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	engine := newTestEngine(t, model, dispatcher, func(cfg *EngineConfig) {
		cfg.MaxIterations = 3
		cfg.Metrics = metrics
	})

	answer, err := engine.Chat(context.Background(), "loop forever")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if answer != SafetyMessage {
		t.Fatalf("answer = %q, want safety message", answer)
	}
	if got := model.calls(); got != 3 {
		t.Errorf("model calls = %d, want 3", got)
	}
	if got := dispatcher.executed.Load(); got != 3 {
		t.Errorf("dispatches = %d, want 3", got)
	}

	history := engine.History()
	last := history[len(history)-1]
	if last.Role != models.RoleAssistant || last.Content != SafetyMessage {
		t.Errorf("last message = %+v", last)
	}
	// user + 3 * (assistant + tool) + safety
	if len(history) != 8 {
		t.Errorf("history length = %d, want 8", len(history))
	}
	if got := testutil.ToFloat64(metrics.ChatTurns.WithLabelValues(OutcomeSafetyLimit)); got != 1 {
		t.Errorf("safety_limit turns = %v, want 1", got)
	}
}

func TestEngine_DefaultCap(t *testing.T) {
	model := &scriptedModel{next: func(call int) (models.Message, error) {
		return toolCallMsg(models.ToolCall{ID: fmt.Sprint(call), Name: "a", Arguments: "{}"}), nil
	}}
	engine := newTestEngine(t, model, newStubDispatcher("a"))

	answer, err := engine.Chat(context.Background(), "loop")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if answer != SafetyMessage {
		t.Fatalf("answer = %q", answer)
	}
	if got := model.calls(); got != DefaultMaxIterations {
		t.Errorf("model calls = %d, want %d", got, DefaultMaxIterations)
	}
}

func TestEngine_ModelErrorPropagates(t *testing.T) {
	quota := errors.New("quota exceeded")
	model := &scriptedModel{next: func(call int) (models.Message, error) {
		if call == 0 {
			return toolCallMsg(models.ToolCall{ID: "c1", Name: "a", Arguments: "{}"}), nil
		}
		return models.Message{}, quota
	}}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	engine := newTestEngine(t, model, newStubDispatcher("a"), func(cfg *EngineConfig) { cfg.Metrics = metrics })

	_, err := engine.Chat(context.Background(), "hi")
	if !errors.Is(err, quota) {
		t.Fatalf("err = %v, want quota error", err)
	}
	var loopErr *LoopError
	if !errors.As(err, &loopErr) || loopErr.Phase != PhaseAwaitingModel || loopErr.Iteration != 1 {
		t.Errorf("loop error = %+v", loopErr)
	}

	// History up to the failure is kept.
	if got := len(engine.History()); got != 3 {
		t.Errorf("history length = %d, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.ChatTurns.WithLabelValues(OutcomeError)); got != 1 {
		t.Errorf("error turns = %v, want 1", got)
	}
}

func TestEngine_MalformedArgumentsAreFatal(t *testing.T) {
	dispatcher := newStubDispatcher("a", "b")
	model := &scriptedModel{replies: []models.Message{
		toolCallMsg(
			models.ToolCall{ID: "ok", Name: "a", Arguments: "{}"},
			models.ToolCall{ID: "bad", Name: "b", Arguments: `{"x":`},
		),
	}}
	engine := newTestEngine(t, model, dispatcher)

	_, err := engine.Chat(context.Background(), "hi")
	if !errors.Is(err, ErrMalformedArguments) {
		t.Fatalf("err = %v, want ErrMalformedArguments", err)
	}
	toolErr, ok := GetToolError(err)
	if !ok || toolErr.Type != ToolErrorInvalidInput || toolErr.ToolCallID != "bad" {
		t.Errorf("tool error = %+v", toolErr)
	}
	if got := dispatcher.executed.Load(); got != 0 {
		t.Errorf("dispatches = %d, want 0", got)
	}
}

func TestEngine_UnknownToolIsFatal(t *testing.T) {
	dispatcher := newStubDispatcher("a")
	model := &scriptedModel{replies: []models.Message{
		toolCallMsg(models.ToolCall{ID: "x", Name: "drop_tables", Arguments: "{}"}),
	}}
	engine := newTestEngine(t, model, dispatcher)

	_, err := engine.Chat(context.Background(), "hi")
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("err = %v, want ErrToolNotFound", err)
	}
	if got := dispatcher.executed.Load(); got != 0 {
		t.Errorf("dispatches = %d, want 0", got)
	}
}

func TestEngine_ToolPanicIsFatal(t *testing.T) {
	dispatcher := newStubDispatcher("a", "b")
	dispatcher.panicOn = "b"
	model := &scriptedModel{replies: []models.Message{
		toolCallMsg(
			models.ToolCall{ID: "1", Name: "a", Arguments: "{}"},
			models.ToolCall{ID: "2", Name: "b", Arguments: "{}"},
		),
	}}
	engine := newTestEngine(t, model, dispatcher)

	_, err := engine.Chat(context.Background(), "hi")
	if !errors.Is(err, ErrToolPanic) {
		t.Fatalf("err = %v, want ErrToolPanic", err)
	}
	for _, msg := range engine.History() {
		if msg.Role == models.RoleTool {
			t.Errorf("tool result appended after a fatal round: %+v", msg)
		}
	}
}

func TestEngine_RecoversAfterFailedRound(t *testing.T) {
	model := &scriptedModel{replies: []models.Message{
		toolCallMsg(models.ToolCall{ID: "bad", Name: "a", Arguments: "not json"}),
		answerMsg("second turn works"),
	}}
	engine := newTestEngine(t, model, newStubDispatcher("a"))

	if _, err := engine.Chat(context.Background(), "first"); err == nil {
		t.Fatal("expected first turn to fail")
	}
	answer, err := engine.Chat(context.Background(), "second")
	if err != nil {
		t.Fatalf("second Chat: %v", err)
	}
	if answer != "second turn works" {
		t.Fatalf("answer = %q", answer)
	}

	// The dangling tool call is stripped from the request, not from history.
	for _, msg := range model.requests[1].Messages {
		if msg.HasToolCalls() {
			t.Errorf("request still carries unanswered tool call: %+v", msg)
		}
	}
	if got := len(engine.History()); got != 4 {
		t.Errorf("history length = %d, want 4", got)
	}
}

func TestEngine_CancelledContext(t *testing.T) {
	model := &scriptedModel{replies: []models.Message{answerMsg("never")}}
	engine := newTestEngine(t, model, newStubDispatcher())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Chat(ctx, "hi")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if model.calls() != 0 {
		t.Errorf("model called %d times after cancellation", model.calls())
	}
}

func TestEngine_ResetClearsHistory(t *testing.T) {
	model := &scriptedModel{next: func(int) (models.Message, error) { return answerMsg("ok"), nil }}
	engine := newTestEngine(t, model, newStubDispatcher())

	for i := 0; i < 3; i++ {
		if _, err := engine.Chat(context.Background(), "hi"); err != nil {
			t.Fatalf("Chat: %v", err)
		}
	}
	engine.Reset()

	history := engine.History()
	if history == nil || len(history) != 0 {
		t.Fatalf("history after reset = %#v, want empty", history)
	}
	if engine.Phase() != PhaseIdle {
		t.Errorf("phase = %s, want idle", engine.Phase())
	}

	// Configuration survives a reset.
	if _, err := engine.Chat(context.Background(), "again"); err != nil {
		t.Fatalf("Chat after reset: %v", err)
	}
	if got := len(engine.History()); got != 2 {
		t.Errorf("history length = %d, want 2", got)
	}
}

func TestEngine_HistoryIsSnapshot(t *testing.T) {
	model := &scriptedModel{replies: []models.Message{
		toolCallMsg(models.ToolCall{ID: "c1", Name: "a", Arguments: "{}"}),
		answerMsg("done"),
	}}
	engine := newTestEngine(t, model, newStubDispatcher("a"))
	if _, err := engine.Chat(context.Background(), "hi"); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	before := engine.History()
	snapshot := engine.History()
	snapshot[0].Content = "tampered"
	snapshot[1].ToolCalls[0].Name = "tampered"

	if diff := cmp.Diff(before, engine.History()); diff != "" {
		t.Errorf("internal history changed through snapshot (-before +after):\n%s", diff)
	}
}

func TestEngine_SystemPromptDefault(t *testing.T) {
	model := &scriptedModel{replies: []models.Message{answerMsg("ok")}}
	engine := newTestEngine(t, model, newStubDispatcher())
	if _, err := engine.Chat(context.Background(), "hi"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !strings.Contains(model.requests[0].System, RefusalMessage) {
		t.Errorf("default system prompt missing refusal template")
	}
}

func TestEngine_ResultGuardRewritesToolMessages(t *testing.T) {
	dispatcher := newStubDispatcher("get_data_source")
	dispatcher.results["get_data_source"] = json.RawMessage(`{"name":"Users","connection":"password=hunter2"}`)

	model := &scriptedModel{replies: []models.Message{
		toolCallMsg(models.ToolCall{ID: "call_1", Name: "get_data_source", Arguments: `{"dataSourceId":"ds-1"}`}),
		answerMsg("done"),
	}}
	engine := newTestEngine(t, model, dispatcher, func(cfg *EngineConfig) {
		cfg.ResultGuard = ToolResultGuard{SanitizeSecrets: true}
	})

	if _, err := engine.Chat(context.Background(), "describe ds-1"); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	toolMsg := model.requests[1].Messages[2]
	if toolMsg.Role != models.RoleTool || strings.Contains(toolMsg.Content, "hunter2") {
		t.Errorf("tool message not sanitized: %+v", toolMsg)
	}
}

func TestNewEngine_RejectsInvalidRedactPattern(t *testing.T) {
	_, err := NewEngine(&scriptedModel{}, newStubDispatcher(), EngineConfig{
		ResultGuard: ToolResultGuard{RedactPatterns: []string{"[unclosed"}},
	})
	if err == nil {
		t.Fatal("expected error for invalid redact pattern")
	}
}
