// Package tools implements the tool registry and the flight-search dispatcher.
//
// The registry holds the tool schemas advertised to the LLM and validates
// every invocation's arguments against its JSON schema before the backend is
// touched; violations come back as structured tool errors the model can
// recover from. The dispatcher runs the fallback ladder for the
// search_flights tool: primary endpoint, secondary endpoint, then the
// deterministic mock dataset when explicitly enabled.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"go.opentelemetry.io/otel/codes"

	"github.com/axel-sirota/polyglot-rag-assistant-sub002/internal/observe"
	"github.com/axel-sirota/polyglot-rag-assistant-sub002/pkg/types"
)

// Error types carried in structured tool results.
const (
	ErrTypeInvalidArgs = "invalid_arguments"
	ErrTypeUnknownTool = "unknown_tool"
	ErrTypeExecution   = "tool_error"
)

// ToolError is the structured error fed back to the LLM, which is expected to
// turn it into a graceful user-facing message.
type ToolError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Result is the outcome of one tool invocation.
type Result struct {
	// CallID echoes the provider-assigned tool call ID.
	CallID string `json:"call_id"`

	// Name is the invoked tool.
	Name string `json:"name"`

	// Status is the terminal lifecycle state.
	Status types.ToolCallStatus `json:"status"`

	// Content is the tool output on success.
	Content any `json:"content,omitempty"`

	// Error is set when Status is not ok.
	Error *ToolError `json:"error,omitempty"`
}

// LLMContent serialises the result for the tool role message. Serialisation
// failures degrade to a plain error string rather than breaking the turn.
func (r Result) LLMContent() string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"status":"error","error":{"type":%q,"message":"result serialization failed"}}`, ErrTypeExecution)
	}
	return string(b)
}

// Handler executes a tool with schema-validated arguments.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// registeredTool pairs the advertised definition with its compiled schema.
type registeredTool struct {
	def      types.ToolDefinition
	resolved *jsonschema.Resolved
	handler  Handler
}

// Registry holds the tools offered to the LLM. Safe for concurrent use;
// registration normally happens once at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

// NewRegistry creates an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registeredTool)}
}

// Register adds a tool. The schema is resolved once here so invocation-time
// validation is cheap. Duplicate names are an error.
func (r *Registry) Register(name, description string, schema *jsonschema.Schema, handler Handler) error {
	if name == "" {
		return fmt.Errorf("tools: tool name must not be empty")
	}
	if handler == nil {
		return fmt.Errorf("tools: tool %q has nil handler", name)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("tools: resolve schema for %q: %w", name, err)
	}

	// The LLM adapters want the schema as a plain map.
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("tools: marshal schema for %q: %w", name, err)
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return fmt.Errorf("tools: decode schema for %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[name]; dup {
		return fmt.Errorf("tools: tool %q already registered", name)
	}
	r.tools[name] = &registeredTool{
		def: types.ToolDefinition{
			Name:        name,
			Description: description,
			Parameters:  params,
		},
		resolved: resolved,
		handler:  handler,
	}
	return nil
}

// Definitions returns the advertised tool definitions for LLM prompts.
func (r *Registry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]types.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.def)
	}
	return defs
}

// Invoke validates the call's arguments and runs the handler. Schema
// violations and unknown tools return a structured error result without the
// backend ever being called; Invoke itself only errors on context
// cancellation so the orchestrator can distinguish "tool failed" from "turn
// aborted".
func (r *Registry) Invoke(ctx context.Context, call types.ToolCall) (Result, error) {
	ctx, span := observe.StartSpan(ctx, "tool."+call.Name)
	defer span.End()
	log := observe.Logger(ctx)

	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	r.mu.RUnlock()

	if !ok {
		log.Warn("unknown tool invoked", "tool", call.Name, "call_id", call.ID)
		return errorResult(call, ErrTypeUnknownTool,
			fmt.Sprintf("no tool named %q", call.Name)), nil
	}

	var instance any
	if err := json.Unmarshal([]byte(call.Arguments), &instance); err != nil {
		return errorResult(call, ErrTypeInvalidArgs,
			fmt.Sprintf("arguments are not valid JSON: %v", err)), nil
	}
	if err := tool.resolved.Validate(instance); err != nil {
		log.Warn("tool arguments rejected by schema",
			"tool", call.Name, "call_id", call.ID, "error", err)
		return errorResult(call, ErrTypeInvalidArgs, err.Error()), nil
	}

	content, err := tool.handler(ctx, json.RawMessage(call.Arguments))
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		span.SetStatus(codes.Error, err.Error())
		return errorResult(call, ErrTypeExecution, err.Error()), nil
	}

	return Result{
		CallID:  call.ID,
		Name:    call.Name,
		Status:  types.ToolCallOK,
		Content: content,
	}, nil
}

// errorResult builds a structured error [Result] for call.
func errorResult(call types.ToolCall, errType, msg string) Result {
	return Result{
		CallID: call.ID,
		Name:   call.Name,
		Status: types.ToolCallError,
		Error:  &ToolError{Type: errType, Message: msg},
	}
}
