package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors for engine operations
var (
	// ErrMaxIterations marks a turn that hit the tool-round cap. Chat does
	// not return it; the cap produces SafetyMessage instead.
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrNoModel indicates the engine was built without a model client
	ErrNoModel = errors.New("no model client configured")

	// ErrNoDispatcher indicates the engine was built without a tool dispatcher
	ErrNoDispatcher = errors.New("no tool dispatcher configured")

	// ErrToolNotFound indicates the model named a tool that is not defined
	ErrToolNotFound = errors.New("tool not found")

	// ErrMalformedArguments indicates tool call arguments were not a JSON object
	ErrMalformedArguments = errors.New("malformed tool arguments")

	// ErrToolPanic indicates a tool panicked during execution
	ErrToolPanic = errors.New("tool panicked")
)

// ToolErrorType categorizes fatal tool failures.
type ToolErrorType string

const (
	// ToolErrorNotFound indicates the tool doesn't exist
	ToolErrorNotFound ToolErrorType = "not_found"

	// ToolErrorInvalidInput indicates the arguments could not be decoded
	ToolErrorInvalidInput ToolErrorType = "invalid_input"

	// ToolErrorPanic indicates the tool panicked
	ToolErrorPanic ToolErrorType = "panic"

	// ToolErrorCancelled indicates the turn was cancelled before the tool ran
	ToolErrorCancelled ToolErrorType = "cancelled"

	// ToolErrorExecution indicates the dispatcher itself returned an error
	ToolErrorExecution ToolErrorType = "execution"
)

// ToolError is a tool failure that ends the turn. Remote-API failures never
// become a ToolError; the dispatcher returns those as data.
type ToolError struct {
	// Type categorizes the failure
	Type ToolErrorType

	// ToolName is the name of the tool that failed
	ToolName string

	// ToolCallID is the ID of the tool call that failed
	ToolCallID string

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	parts := []string{fmt.Sprintf("[tool:%s]", e.Type)}

	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError creates a ToolError, inferring its type from the cause.
func NewToolError(toolName string, cause error) *ToolError {
	err := &ToolError{
		ToolName: toolName,
		Cause:    cause,
		Type:     classifyToolError(cause),
	}
	if cause != nil {
		err.Message = cause.Error()
	}
	return err
}

// WithType overrides the error type.
func (e *ToolError) WithType(t ToolErrorType) *ToolError {
	e.Type = t
	return e
}

// WithToolCallID sets the tool call ID for correlating errors with specific calls.
func (e *ToolError) WithToolCallID(id string) *ToolError {
	e.ToolCallID = id
	return e
}

// WithMessage sets a custom human-readable error message.
func (e *ToolError) WithMessage(msg string) *ToolError {
	e.Message = msg
	return e
}

func classifyToolError(err error) ToolErrorType {
	switch {
	case err == nil:
		return ToolErrorExecution
	case errors.Is(err, ErrToolNotFound):
		return ToolErrorNotFound
	case errors.Is(err, ErrMalformedArguments):
		return ToolErrorInvalidInput
	case errors.Is(err, ErrToolPanic):
		return ToolErrorPanic
	default:
		return ToolErrorExecution
	}
}

// GetToolError extracts a ToolError from an error chain using errors.As.
func GetToolError(err error) (*ToolError, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}

// LoopError is a fatal turn failure annotated with where in the loop it happened.
type LoopError struct {
	// Phase is the loop phase where the error occurred
	Phase LoopPhase

	// Iteration is the zero-based tool round where the error occurred
	Iteration int

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *LoopError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("loop error at %s (iteration %d): %s", e.Phase, e.Iteration, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("loop error at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
	}
	return fmt.Sprintf("loop error at %s (iteration %d)", e.Phase, e.Iteration)
}

// Unwrap returns the underlying error.
func (e *LoopError) Unwrap() error {
	return e.Cause
}

// LoopPhase is a state of the conversation loop.
type LoopPhase string

const (
	// PhaseIdle is the state before the first turn and after Reset
	PhaseIdle LoopPhase = "idle"

	// PhaseAwaitingModel is the model call phase
	PhaseAwaitingModel LoopPhase = "awaiting_model"

	// PhaseDispatchingTools is the tool execution phase
	PhaseDispatchingTools LoopPhase = "dispatching_tools"

	// PhaseTerminal is reached when a turn produced its answer or failed
	PhaseTerminal LoopPhase = "terminal"
)
