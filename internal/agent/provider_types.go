package agent

import (
	"context"
	"encoding/json"

	"github.com/coldbrewlabs/attache/pkg/models"
)

// LLMProvider defines the interface for Large Language Model backends.
//
// Implementations handle the specifics of one vendor API (OpenAI,
// Anthropic) while presenting a unified completion interface to the loop.
// Responses are returned whole: delivery downstream is a single webhook
// POST, so there is nothing to stream to.
//
// Implementations must be safe for concurrent use; overlapping directives
// call Complete simultaneously.
type LLMProvider interface {
	// Complete sends a request and returns the model's full response.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string
}

// CompletionRequest contains all parameters for one model call.
type CompletionRequest struct {
	// Model is the vendor model identifier. Empty selects the provider's
	// default.
	Model string `json:"model"`

	// System sets the assistant's behavior; handled separately from
	// messages by most vendor APIs.
	System string `json:"system,omitempty"`

	// Messages is the conversation in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools the model may request; empty disables tool calling.
	Tools []Tool `json:"-"`

	// MaxTokens bounds the response length; 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage is one turn in the model conversation. Role is one of
// "user", "assistant", or "tool".
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionResponse is the model's complete answer to one call. A
// response with ToolCalls asks the loop to execute them and call again;
// one without is final.
type CompletionResponse struct {
	Text         string            `json:"text,omitempty"`
	ToolCalls    []models.ToolCall `json:"tool_calls,omitempty"`
	InputTokens  int               `json:"input_tokens,omitempty"`
	OutputTokens int               `json:"output_tokens,omitempty"`
}

// Tool defines the interface for executable agent tools.
type Tool interface {
	// Name returns the tool name for model function calling.
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema returns the JSON Schema for the tool's parameters. Arguments
	// are validated against it before Execute is called.
	Schema() json.RawMessage

	// Execute runs the tool. Failures the model should see and adapt to
	// are returned as a ToolResult with IsError set, not as an error.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult contains the output of one tool execution.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}
