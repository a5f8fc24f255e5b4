package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/coldbrewlabs/attache/pkg/models"
)

var toolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "attache_tool_executions_total",
	Help: "Tool executions by tool name and outcome.",
}, []string{"tool", "outcome"})

// Registry holds the tools exposed to the model and validates every tool
// call's arguments against the tool's own schema before dispatch. The
// model is untrusted input; malformed or unknown arguments are rejected
// with a typed error result instead of reaching tool code.
type Registry struct {
	order   []string
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   map[string]Tool{},
		schemas: map[string]*jsonschema.Schema{},
	}
}

// Register adds a tool, compiling its parameter schema. Registering two
// tools with the same name or an invalid schema is a programming error.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool has no name")
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}

	compiled, err := jsonschema.CompileString(name+".schema.json", string(tool.Schema()))
	if err != nil {
		return fmt.Errorf("compile schema for tool %q: %w", name, err)
	}

	r.order = append(r.order, name)
	r.tools[name] = tool
	r.schemas[name] = compiled
	return nil
}

// Tools returns the registered tools in registration order.
func (r *Registry) Tools() []Tool {
	tools := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.tools[name])
	}
	return tools
}

// Dispatch validates and executes one tool call. It never returns an
// error: every failure mode becomes an IsError result the model can read.
func (r *Registry) Dispatch(ctx context.Context, call models.ToolCall) models.ToolResult {
	tool, ok := r.tools[call.Name]
	if !ok {
		toolExecutions.WithLabelValues(call.Name, "unknown").Inc()
		return errorResult(call.ID, fmt.Sprintf("unknown tool %q", call.Name))
	}

	params := call.Input
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		toolExecutions.WithLabelValues(call.Name, "invalid").Inc()
		return errorResult(call.ID, fmt.Sprintf("tool %q: parameters are not valid JSON: %v", call.Name, err))
	}
	if err := r.schemas[call.Name].Validate(decoded); err != nil {
		toolExecutions.WithLabelValues(call.Name, "invalid").Inc()
		return errorResult(call.ID, fmt.Sprintf("tool %q: invalid parameters: %v", call.Name, err))
	}

	result, err := tool.Execute(ctx, params)
	if err != nil {
		toolExecutions.WithLabelValues(call.Name, "error").Inc()
		return errorResult(call.ID, fmt.Sprintf("tool %q failed: %v", call.Name, err))
	}

	outcome := "ok"
	if result.IsError {
		outcome = "error"
	}
	toolExecutions.WithLabelValues(call.Name, outcome).Inc()
	return models.ToolResult{
		ToolCallID: call.ID,
		Content:    result.Content,
		IsError:    result.IsError,
	}
}

func errorResult(callID, message string) models.ToolResult {
	return models.ToolResult{ToolCallID: callID, Content: message, IsError: true}
}
