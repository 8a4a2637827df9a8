package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/conductorai/conductor/pkg/models"
)

// DefaultToolTimeout is the per-call deadline applied to tool handlers.
const DefaultToolTimeout = 30 * time.Second

// ErrDuplicateTool is returned when registering a name that is already bound.
var ErrDuplicateTool = errors.New("agent: tool already registered")

// ToolErrorKind distinguishes the ways a tool invocation can fail.
type ToolErrorKind string

const (
	// ToolNotFound indicates no tool is registered under the requested name.
	ToolNotFound ToolErrorKind = "not_found"

	// ToolExecutionFailed indicates the handler returned or raised an error.
	ToolExecutionFailed ToolErrorKind = "execution_failed"

	// ToolTimeout indicates the handler exceeded its per-call deadline.
	ToolTimeout ToolErrorKind = "timeout"
)

// ToolError is a structured tool invocation failure. The execution loop
// converts these into error-flagged tool results; they never abort a run.
type ToolError struct {
	Kind ToolErrorKind
	Name string
	Err  error
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %s: %s: %v", e.Name, e.Kind, e.Err)
	}
	return fmt.Sprintf("tool %s: %s", e.Name, e.Kind)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Tool is a named, invocable capability the model may request during an
// exchange. Handlers own their side effects and idempotency.
type Tool interface {
	// Name returns the tool name used in model tool declarations.
	Name() string

	// Description returns a natural language description for the model.
	Description() string

	// Schema returns the JSON Schema for the tool's input.
	Schema() json.RawMessage

	// Execute runs the tool with input matching Schema.
	Execute(ctx context.Context, input json.RawMessage) (string, error)
}

// ToolFunc adapts a plain function into a Tool.
type ToolFunc struct {
	ToolName        string
	ToolDescription string
	InputSchema     json.RawMessage
	Fn              func(ctx context.Context, input json.RawMessage) (string, error)
}

func (t *ToolFunc) Name() string            { return t.ToolName }
func (t *ToolFunc) Description() string     { return t.ToolDescription }
func (t *ToolFunc) Schema() json.RawMessage { return t.InputSchema }
func (t *ToolFunc) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	return t.Fn(ctx, input)
}

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry maps tool names to handlers. Registration happens at startup;
// steady-state dispatch takes only a read lock, so concurrent executions
// never block each other.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*registeredTool
	timeout time.Duration
}

// NewRegistry creates an empty registry with the default per-call timeout.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*registeredTool),
		timeout: DefaultToolTimeout,
	}
}

// SetTimeout overrides the per-call deadline applied to handlers.
func (r *Registry) SetTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.timeout = d
	}
}

// Register binds a tool under its name. Returns ErrDuplicateTool if the name
// is already bound. The tool's schema, if present, is compiled once here and
// used to validate every invocation's input.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return errors.New("agent: tool is required")
	}
	name := tool.Name()
	if name == "" {
		return errors.New("agent: tool name is required")
	}

	var compiled *jsonschema.Schema
	if raw := tool.Schema(); len(raw) > 0 {
		schema, err := jsonschema.CompileString(name+".schema.json", string(raw))
		if err != nil {
			return fmt.Errorf("agent: tool %s has invalid schema: %w", name, err)
		}
		compiled = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.tools[name] = &registeredTool{tool: tool, schema: compiled}
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return rt.tool, true
}

// Declarations returns tool declarations for the named tools, for passing to
// the model. A nil names slice declares every registered tool.
func (r *Registry) Declarations(names []string) []ToolDeclaration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	include := func(string) bool { return true }
	if names != nil {
		allowed := make(map[string]bool, len(names))
		for _, n := range names {
			allowed[n] = true
		}
		include = func(n string) bool { return allowed[n] }
	}

	var decls []ToolDeclaration
	for name, rt := range r.tools {
		if !include(name) {
			continue
		}
		decls = append(decls, ToolDeclaration{
			Name:        name,
			Description: rt.tool.Description(),
			Schema:      rt.tool.Schema(),
		})
	}
	return decls
}

// Execute runs a tool by name with the given input under the per-call
// deadline. Failures are returned as *ToolError; the registry itself is
// never mutated by dispatch.
func (r *Registry) Execute(ctx context.Context, call models.ToolCall) (string, error) {
	r.mu.RLock()
	rt, ok := r.tools[call.Name]
	timeout := r.timeout
	r.mu.RUnlock()

	if !ok {
		return "", &ToolError{Kind: ToolNotFound, Name: call.Name}
	}

	if rt.schema != nil {
		var input any
		if err := json.Unmarshal(call.Input, &input); err != nil {
			return "", &ToolError{Kind: ToolExecutionFailed, Name: call.Name, Err: fmt.Errorf("invalid input JSON: %w", err)}
		}
		if err := rt.schema.Validate(input); err != nil {
			return "", &ToolError{Kind: ToolExecutionFailed, Name: call.Name, Err: fmt.Errorf("input rejected by schema: %w", err)}
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		content string
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		content, err := rt.tool.Execute(execCtx, call.Input)
		done <- outcome{content: content, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return "", &ToolError{Kind: ToolExecutionFailed, Name: call.Name, Err: out.err}
		}
		return out.content, nil
	case <-execCtx.Done():
		if ctx.Err() != nil {
			// Caller cancellation, not a handler timeout.
			return "", ctx.Err()
		}
		return "", &ToolError{Kind: ToolTimeout, Name: call.Name, Err: execCtx.Err()}
	}
}
