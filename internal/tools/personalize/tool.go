// Package personalize exposes the versioned personalization document to
// the model.
package personalize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coldbrewlabs/attache/internal/agent"
	"github.com/coldbrewlabs/attache/internal/prompts"
	"github.com/coldbrewlabs/attache/pkg/models"
)

// Tool reads and writes the conversation's standing instructions. Every
// write creates a new version; history is never discarded.
type Tool struct {
	store     *prompts.Store
	directive *models.Directive
}

// NewTool creates a personalization tool bound to the current directive.
func NewTool(store *prompts.Store, directive *models.Directive) *Tool {
	return &Tool{store: store, directive: directive}
}

func (t *Tool) Name() string { return "personalization" }

func (t *Tool) Description() string {
	return "Read or update your standing instructions for this conversation, for example tone, " +
		"format, or recurring preferences the user has expressed. Updating replaces the active " +
		"instructions; earlier versions are kept in history."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {
				"type": "string",
				"enum": ["get", "set"],
				"description": "Read or replace the active instructions."
			},
			"content": {
				"type": "string",
				"description": "The new instructions. Required for set."
			},
			"description": {
				"type": "string",
				"description": "Short note on what changed and why."
			}
		},
		"required": ["action"],
		"additionalProperties": false
	}`)
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Action      string `json:"action"`
		Content     string `json:"content"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	switch strings.ToLower(strings.TrimSpace(input.Action)) {
	case "get":
		content, ok, err := t.store.GetActive(ctx, t.directive.ConversationID)
		if err != nil {
			return toolError(fmt.Sprintf("get personalization: %v", err)), nil
		}
		if !ok {
			return jsonResult(map[string]any{"active": false}), nil
		}
		return jsonResult(map[string]any{"active": true, "content": content}), nil

	case "set":
		if strings.TrimSpace(input.Content) == "" {
			return toolError("content is required for set"), nil
		}
		version, err := t.store.SetActive(ctx,
			t.directive.ConversationID, input.Content, models.RoleAssistant, input.Description)
		if err != nil {
			return toolError(fmt.Sprintf("set personalization: %v", err)), nil
		}
		return jsonResult(map[string]any{"status": "active", "version": version}), nil

	default:
		return toolError("unsupported action"), nil
	}
}

func toolError(message string) *agent.ToolResult {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &agent.ToolResult{Content: message, IsError: true}
	}
	return &agent.ToolResult{Content: string(payload), IsError: true}
}

func jsonResult(payload any) *agent.ToolResult {
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err))
	}
	return &agent.ToolResult{Content: string(encoded)}
}
