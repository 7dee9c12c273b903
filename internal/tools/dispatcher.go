// Package tools maps tool names chosen by the model onto Resource Client
// calls and turns client failures into data the model can read.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/datachat/internal/observability"
	"github.com/haasonsaas/datachat/internal/platform"
	"github.com/haasonsaas/datachat/pkg/models"
)

// ErrUnknownTool is returned when a tool name has no handler. It signals
// drift between the definitions sent to the model and the dispatch table,
// so it is raised rather than converted to an ErrorRecord.
var ErrUnknownTool = errors.New("unknown tool")

// ResourceClient is the subset of the platform client the dispatcher needs.
type ResourceClient interface {
	ListDataSources(ctx context.Context) (json.RawMessage, error)
	GetDataSource(ctx context.Context, id string) (json.RawMessage, error)
	ListDataSourceEntries(ctx context.Context, id string) (json.RawMessage, error)
	QueryDataSource(ctx context.Context, id string, opts platform.QueryOptions) (json.RawMessage, error)
	ListMedia(ctx context.Context, folderID string) (json.RawMessage, error)
	GetMediaFile(ctx context.Context, id string) (json.RawMessage, error)
}

// Handler performs the single client call behind one tool.
type Handler func(ctx context.Context, args map[string]any) (json.RawMessage, error)

// Config carries optional observability hooks. Nil fields disable them.
type Config struct {
	Logger  *observability.Logger
	Tracer  *observability.Tracer
	Metrics *observability.Metrics
}

// Dispatcher executes tools by name against one fixed client.
// It is safe for concurrent use; all state is built at construction.
type Dispatcher struct {
	defs     []models.ToolDefinition
	handlers map[string]Handler
	schemas  map[string]*jsonschema.Schema

	logger  *observability.Logger
	tracer  *observability.Tracer
	metrics *observability.Metrics
}

// NewDispatcher builds the dispatch table for client and verifies that it
// covers exactly the tool definitions.
func NewDispatcher(client ResourceClient, cfg Config) (*Dispatcher, error) {
	if client == nil {
		return nil, errors.New("tools: client is required")
	}
	return newDispatcher(definitions, handlerTable(client), cfg)
}

func newDispatcher(defs []models.ToolDefinition, handlers map[string]Handler, cfg Config) (*Dispatcher, error) {
	if err := checkTable(defs, handlers); err != nil {
		return nil, err
	}

	schemas := make(map[string]*jsonschema.Schema, len(defs))
	for _, def := range defs {
		compiled, err := jsonschema.CompileString("tool_"+def.Name, string(def.Parameters))
		if err != nil {
			return nil, fmt.Errorf("tools: compile schema for %s: %w", def.Name, err)
		}
		schemas[def.Name] = compiled
	}

	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	copied := make([]models.ToolDefinition, len(defs))
	copy(copied, defs)

	return &Dispatcher{
		defs:     copied,
		handlers: handlers,
		schemas:  schemas,
		logger:   logger.WithFields("component", "tools"),
		tracer:   cfg.Tracer,
		metrics:  cfg.Metrics,
	}, nil
}

// checkTable asserts that the handler key set equals the definition name set.
func checkTable(defs []models.ToolDefinition, handlers map[string]Handler) error {
	defined := make(map[string]struct{}, len(defs))
	var problems []string
	for _, def := range defs {
		if _, dup := defined[def.Name]; dup {
			problems = append(problems, "duplicate definition "+def.Name)
		}
		defined[def.Name] = struct{}{}
		if handlers[def.Name] == nil {
			problems = append(problems, "no handler for "+def.Name)
		}
	}
	for name := range handlers {
		if _, ok := defined[name]; !ok {
			problems = append(problems, "no definition for handler "+name)
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("tools: dispatch table mismatch: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Definitions returns the tool definitions served by this dispatcher.
func (d *Dispatcher) Definitions() []models.ToolDefinition {
	out := make([]models.ToolDefinition, len(d.defs))
	copy(out, d.defs)
	return out
}

// Execute runs one tool. Client failures and argument schema violations come
// back as *ErrorRecord with a nil error; only an unknown name is an error.
func (d *Dispatcher) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	handler, ok := d.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	if args == nil {
		args = map[string]any{}
	}

	ctx, span := d.tracer.TraceToolDispatch(ctx, name)
	defer span.End()
	start := time.Now()

	if err := d.schemas[name].Validate(normalizeArgs(args)); err != nil {
		rec := &ErrorRecord{IsError: true, Message: fmt.Sprintf("invalid arguments for %s: %v", name, err)}
		d.finish(ctx, name, start, rec, err)
		d.tracer.RecordError(span, err)
		return rec, nil
	}

	payload, err := handler(ctx, args)
	if err != nil {
		rec := NewErrorRecord(err)
		d.finish(ctx, name, start, rec, err)
		d.tracer.RecordError(span, err)
		return rec, nil
	}

	d.finish(ctx, name, start, nil, nil)
	return payload, nil
}

func (d *Dispatcher) finish(ctx context.Context, name string, start time.Time, rec *ErrorRecord, err error) {
	elapsed := time.Since(start)
	if err == nil {
		d.metrics.RecordToolExecution(name, "success", elapsed.Seconds())
		d.logger.Debug(ctx, "tool executed", "tool", name, "duration_ms", elapsed.Milliseconds())
		return
	}
	d.metrics.RecordToolExecution(name, "error", elapsed.Seconds())
	d.metrics.RecordError("tool", name)
	d.logger.Warn(ctx, "tool returned error record",
		"tool", name,
		"status_code", rec.StatusCode,
		"error", err,
		"duration_ms", elapsed.Milliseconds(),
	)
}

func handlerTable(client ResourceClient) map[string]Handler {
	return map[string]Handler{
		ListDataSources: func(ctx context.Context, _ map[string]any) (json.RawMessage, error) {
			return client.ListDataSources(ctx)
		},
		GetDataSource: func(ctx context.Context, args map[string]any) (json.RawMessage, error) {
			return client.GetDataSource(ctx, idArg(args, "data_source_id"))
		},
		ListDataSourceEntries: func(ctx context.Context, args map[string]any) (json.RawMessage, error) {
			return client.ListDataSourceEntries(ctx, idArg(args, "data_source_id"))
		},
		QueryDataSource: func(ctx context.Context, args map[string]any) (json.RawMessage, error) {
			opts := platform.QueryOptions{
				Limit:  intArg(args, "limit"),
				Offset: intArg(args, "offset"),
			}
			if where, ok := args["where"].(map[string]any); ok && len(where) > 0 {
				opts.Where = where
			}
			return client.QueryDataSource(ctx, idArg(args, "data_source_id"), opts)
		},
		ListMedia: func(ctx context.Context, args map[string]any) (json.RawMessage, error) {
			return client.ListMedia(ctx, idArg(args, "folder_id"))
		},
		GetMediaFile: func(ctx context.Context, args map[string]any) (json.RawMessage, error) {
			return client.GetMediaFile(ctx, idArg(args, "file_id"))
		},
	}
}

// idArg reads an identifier that the model may send as a number or a string.
func idArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}

// normalizeArgs round-trips args through JSON so the schema validator sees
// only the types encoding/json produces, whatever the caller passed in.
func normalizeArgs(args map[string]any) any {
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return args
	}
	return out
}
