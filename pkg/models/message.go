package models

import (
	"encoding/json"
	"time"
)

// Role indicates the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	// RoleRoutine marks turns injected by a fired scheduled job: an
	// instruction the agent previously left for itself, not a message
	// from a human.
	RoleRoutine Role = "routine-directive"
)

// Valid reports whether the role is one the service accepts on input.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleRoutine:
		return true
	}
	return false
}

// Message is one immutable conversation turn. Turns are append-only:
// nothing in the service updates or deletes a message after it is written,
// except for the best-effort backfill of its embedding.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Embedding      []float32 `json:"-"`
	CreatedAt      time.Time `json:"created_at"`

	// Similarity is populated only on rows returned from vector search.
	Similarity float64 `json:"similarity,omitempty"`
}

// SystemPrompt is one version of a conversation's personalization document.
// At most one version per conversation is active at a time.
type SystemPrompt struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
	Version        int       `json:"version"`
	CreatedByRole  Role      `json:"created_by_role"`
	Description    string    `json:"description,omitempty"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

// ToolCall represents the model's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution. Failures travel
// back to the model as results with IsError set rather than aborting the
// agent loop.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}
