package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/haasonsaas/datachat/pkg/models"
)

// ExecutorConfig configures the parallel tool executor.
type ExecutorConfig struct {
	// MaxConcurrency limits the number of parallel tool executions.
	// Zero or negative means every call in a round runs at once.
	MaxConcurrency int
}

// Executor runs one round of tool calls concurrently against a dispatcher.
// There are no retries; each call maps to exactly one dispatch.
type Executor struct {
	dispatcher ToolDispatcher

	// Semaphore for concurrency limiting, nil when unlimited
	sem chan struct{}
}

// NewExecutor creates a parallel tool executor. A nil config means unlimited concurrency.
func NewExecutor(dispatcher ToolDispatcher, config *ExecutorConfig) *Executor {
	e := &Executor{dispatcher: dispatcher}
	if config != nil && config.MaxConcurrency > 0 {
		e.sem = make(chan struct{}, config.MaxConcurrency)
	}
	return e
}

// Invocation is a tool call with its arguments already decoded.
type Invocation struct {
	Call models.ToolCall
	Args map[string]any
}

// ExecutionResult holds the outcome of a single tool execution.
type ExecutionResult struct {
	ToolCallID string
	ToolName   string
	Result     any
	Error      error
	Duration   time.Duration
}

// ExecuteAll executes the invocations in parallel.
// Results are returned in the same order as the input.
func (e *Executor) ExecuteAll(ctx context.Context, invocations []Invocation) []*ExecutionResult {
	if len(invocations) == 0 {
		return nil
	}

	results := make([]*ExecutionResult, len(invocations))
	var wg sync.WaitGroup

	for i, inv := range invocations {
		wg.Add(1)
		go func(idx int, inv Invocation) {
			defer wg.Done()
			results[idx] = e.Execute(ctx, inv)
		}(i, inv)
	}

	wg.Wait()
	return results
}

// Execute runs a single invocation, converting panics into a ToolError.
func (e *Executor) Execute(ctx context.Context, inv Invocation) *ExecutionResult {
	start := time.Now()
	result := &ExecutionResult{
		ToolCallID: inv.Call.ID,
		ToolName:   inv.Call.Name,
	}

	if e.sem != nil {
		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
		case <-ctx.Done():
			result.Error = NewToolError(inv.Call.Name, ctx.Err()).
				WithType(ToolErrorCancelled).
				WithToolCallID(inv.Call.ID)
			result.Duration = time.Since(start)
			return result
		}
	}

	result.Result, result.Error = e.dispatch(ctx, inv)
	result.Duration = time.Since(start)
	return result
}

func (e *Executor) dispatch(ctx context.Context, inv Invocation) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			out = nil
			err = NewToolError(inv.Call.Name, fmt.Errorf("%w: %v\n%s", ErrToolPanic, r, stack)).
				WithToolCallID(inv.Call.ID).
				WithMessage(fmt.Sprintf("panic: %v", r))
		}
	}()

	out, err = e.dispatcher.Execute(ctx, inv.Call.Name, inv.Args)
	if err != nil {
		return nil, NewToolError(inv.Call.Name, err).WithToolCallID(inv.Call.ID)
	}
	return out, nil
}

// FirstError returns the first error in call order, or nil.
func FirstError(results []*ExecutionResult) error {
	for _, r := range results {
		if r != nil && r.Error != nil {
			return r.Error
		}
	}
	return nil
}
