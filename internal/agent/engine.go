// Package agent implements the conversation engine: the loop that calls the
// model, dispatches the tool calls it asks for, and feeds the results back
// until the model produces a plain answer.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/datachat/internal/observability"
	"github.com/haasonsaas/datachat/pkg/models"
)

// DefaultMaxIterations is the default cap on tool-call rounds per turn.
const DefaultMaxIterations = 10

// Chat turn outcomes recorded in metrics.
const (
	OutcomeAnswer      = "answer"
	OutcomeSafetyLimit = "safety_limit"
	OutcomeError       = "error"
)

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Model is passed through to the model client.
	Model string

	// SystemPrompt is the fixed instruction. Empty uses BuildSystemPrompt.
	SystemPrompt string

	// MaxIterations caps tool-call rounds per turn.
	// Default: 10
	MaxIterations int

	// MaxConcurrency limits parallel tool calls within a round. Zero is unlimited.
	MaxConcurrency int

	// MaxTokens caps each model reply. Zero uses the provider default.
	MaxTokens int

	// ResultGuard rewrites tool results before they enter the history.
	ResultGuard ToolResultGuard

	Logger  *observability.Logger
	Tracer  *observability.Tracer
	Metrics *observability.Metrics
}

// Engine owns one conversation's history and drives its tool loop.
//
// The history mutex only protects slice access; callers must not run Chat
// concurrently on the same Engine. The gateway serializes turns per session.
type Engine struct {
	model    ModelClient
	executor *Executor
	tools    []models.ToolDefinition
	known    map[string]struct{}

	modelName     string
	system        string
	maxIterations int
	maxTokens     int
	guard         *compiledGuard

	logger  *observability.Logger
	tracer  *observability.Tracer
	metrics *observability.Metrics

	mu      sync.Mutex
	history []models.Message
	phase   LoopPhase
}

// NewEngine creates an engine with an empty history.
func NewEngine(model ModelClient, dispatcher ToolDispatcher, cfg EngineConfig) (*Engine, error) {
	if model == nil {
		return nil, ErrNoModel
	}
	if dispatcher == nil {
		return nil, ErrNoDispatcher
	}

	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = BuildSystemPrompt(PromptParams{})
	}
	guard, err := cfg.ResultGuard.compile()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	defs := dispatcher.Definitions()
	known := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		known[def.Name] = struct{}{}
	}

	return &Engine{
		model:         model,
		executor:      NewExecutor(dispatcher, &ExecutorConfig{MaxConcurrency: cfg.MaxConcurrency}),
		tools:         defs,
		known:         known,
		modelName:     cfg.Model,
		system:        cfg.SystemPrompt,
		maxIterations: cfg.MaxIterations,
		maxTokens:     cfg.MaxTokens,
		guard:         guard,
		logger:        logger.WithFields("component", "agent"),
		tracer:        cfg.Tracer,
		metrics:       cfg.Metrics,
		history:       []models.Message{},
		phase:         PhaseIdle,
	}, nil
}

// Chat runs one user turn to completion and returns the answer text.
//
// Model failures, malformed tool arguments, unknown tool names, and tool
// panics end the turn with an error; the history accumulated up to that
// point is kept. Reaching the round cap is not an error: SafetyMessage is
// appended and returned.
func (e *Engine) Chat(ctx context.Context, text string) (string, error) {
	ctx, span := e.tracer.TraceChatTurn(ctx, observability.GetSessionID(ctx))
	defer span.End()

	answer, outcome, err := e.run(ctx, text)
	if err != nil {
		e.tracer.RecordError(span, err)
		e.metrics.RecordError("agent", errorKind(err))
		e.logger.Error(ctx, "chat turn failed", "error", err)
	}
	e.tracer.SetAttributes(span, "chat.outcome", outcome)
	e.metrics.RecordChatTurn(outcome)
	return answer, err
}

func (e *Engine) run(ctx context.Context, text string) (string, string, error) {
	e.setPhase(PhaseAwaitingModel)
	defer e.setPhase(PhaseTerminal)

	e.append(models.Message{Role: models.RoleUser, Content: text, CreatedAt: time.Now()})

	for round := 0; round < e.maxIterations; round++ {
		if err := ctx.Err(); err != nil {
			return "", OutcomeError, &LoopError{Phase: PhaseAwaitingModel, Iteration: round, Cause: err}
		}

		e.setPhase(PhaseAwaitingModel)
		reply, err := e.complete(ctx)
		if err != nil {
			return "", OutcomeError, &LoopError{Phase: PhaseAwaitingModel, Iteration: round, Cause: err}
		}

		reply.Role = models.RoleAssistant
		reply.CreatedAt = time.Now()
		ensureCallIDs(reply.ToolCalls)
		e.append(reply)

		if !reply.HasToolCalls() {
			e.logger.Debug(ctx, "turn answered", "rounds", round)
			return reply.Content, OutcomeAnswer, nil
		}

		e.setPhase(PhaseDispatchingTools)
		if err := e.dispatchRound(ctx, reply.ToolCalls); err != nil {
			return "", OutcomeError, &LoopError{Phase: PhaseDispatchingTools, Iteration: round, Cause: err}
		}
	}

	e.logger.Warn(ctx, "tool round cap reached", "max_iterations", e.maxIterations, "error", ErrMaxIterations)
	e.append(models.Message{Role: models.RoleAssistant, Content: SafetyMessage, CreatedAt: time.Now()})
	return SafetyMessage, OutcomeSafetyLimit, nil
}

// complete performs one model call over the repaired history.
func (e *Engine) complete(ctx context.Context) (models.Message, error) {
	e.mu.Lock()
	msgs := repairTranscript(e.history)
	e.mu.Unlock()

	req := &CompletionRequest{
		Model:     e.modelName,
		System:    e.system,
		Messages:  msgs,
		MaxTokens: e.maxTokens,
	}
	if len(e.tools) > 0 {
		req.Tools = e.tools
	}

	provider := e.model.Name()
	ctx, span := e.tracer.TraceLLMRequest(ctx, provider, e.modelName)
	defer span.End()

	start := time.Now()
	resp, err := e.model.Create(ctx, req)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		e.tracer.RecordError(span, err)
		e.metrics.RecordLLMRequest(provider, e.modelName, "error", elapsed, 0, 0)
		return models.Message{}, err
	}
	if resp == nil {
		err := fmt.Errorf("%s: empty response", provider)
		e.metrics.RecordLLMRequest(provider, e.modelName, "error", elapsed, 0, 0)
		return models.Message{}, err
	}

	e.metrics.RecordLLMRequest(provider, e.modelName, "success", elapsed,
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	e.tracer.SetAttributes(span,
		"llm.tool_calls", len(resp.Message.ToolCalls),
		"llm.prompt_tokens", resp.Usage.PromptTokens,
		"llm.completion_tokens", resp.Usage.CompletionTokens,
	)
	return resp.Message.Clone(), nil
}

// ensureCallIDs gives every call a unique id so its result can be paired
// with it. Some OpenAI-compatible backends omit ids or repeat them.
func ensureCallIDs(calls []models.ToolCall) {
	seen := make(map[string]struct{}, len(calls))
	for i := range calls {
		if _, dup := seen[calls[i].ID]; calls[i].ID == "" || dup {
			calls[i].ID = "call_" + uuid.NewString()
		}
		seen[calls[i].ID] = struct{}{}
	}
}

// dispatchRound decodes, runs, and appends one round of tool calls.
// Nothing is appended unless every call completes.
func (e *Engine) dispatchRound(ctx context.Context, calls []models.ToolCall) error {
	invocations := make([]Invocation, len(calls))
	for i, call := range calls {
		if _, ok := e.known[call.Name]; !ok {
			return NewToolError(call.Name, fmt.Errorf("%w: %q", ErrToolNotFound, call.Name)).
				WithToolCallID(call.ID)
		}
		args, err := decodeArguments(call.Arguments)
		if err != nil {
			return NewToolError(call.Name, err).WithToolCallID(call.ID)
		}
		invocations[i] = Invocation{Call: call, Args: args}
	}

	results := e.executor.ExecuteAll(ctx, invocations)
	if err := FirstError(results); err != nil {
		return err
	}

	msgs := make([]models.Message, len(results))
	for i, res := range results {
		content, err := resultContent(res.Result)
		if err != nil {
			return NewToolError(res.ToolName, err).WithToolCallID(res.ToolCallID)
		}
		msgs[i] = models.Message{
			Role:       models.RoleTool,
			Content:    e.guard.apply(res.ToolName, content),
			ToolCallID: res.ToolCallID,
			Name:       res.ToolName,
			CreatedAt:  time.Now(),
		}
	}
	e.append(msgs...)
	return nil
}

// History returns a deep copy of the conversation so far.
func (e *Engine) History() []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return models.CloneMessages(e.history)
}

// Reset clears the history. Configuration is unchanged.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = e.history[:0:0]
	e.phase = PhaseIdle
}

// Phase reports the loop state.
func (e *Engine) Phase() LoopPhase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

func (e *Engine) append(msgs ...models.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, msgs...)
}

func (e *Engine) setPhase(p LoopPhase) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.phase = p
}

// decodeArguments parses a tool call's serialized arguments. An empty
// payload is treated as an empty object.
func decodeArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedArguments, err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// resultContent serializes a dispatch result for a tool message.
func resultContent(result any) (string, error) {
	switch v := result.(type) {
	case json.RawMessage:
		if len(v) == 0 {
			return "null", nil
		}
		return string(v), nil
	case string:
		data, err := json.Marshal(v)
		return string(data), err
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("serialize tool result: %w", err)
		}
		return string(data), nil
	}
}

func errorKind(err error) string {
	if toolErr, ok := GetToolError(err); ok {
		return "tool_" + string(toolErr.Type)
	}
	var loopErr *LoopError
	if errors.As(err, &loopErr) {
		return string(loopErr.Phase)
	}
	return "unknown"
}
