// Package sqlexec exposes the privilege sandbox to the model: free-form
// SQL under the weakened role, plus a bounded distinct-values helper.
package sqlexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/coldbrewlabs/attache/internal/agent"
	"github.com/coldbrewlabs/attache/internal/sandbox"
)

// maxRenderedRows bounds how much of a result set is returned to the
// model; anything larger wastes context without helping.
const maxRenderedRows = 100

// ExecTool runs model-authored SQL in the privilege sandbox.
type ExecTool struct {
	sandbox *sandbox.Sandbox
}

// NewExecTool creates the run_sql tool.
func NewExecTool(sb *sandbox.Sandbox) *ExecTool {
	return &ExecTool{sandbox: sb}
}

func (t *ExecTool) Name() string { return "run_sql" }

func (t *ExecTool) Description() string {
	return "Run a single SQL statement (DDL or DML) against your private database schema. " +
		"You may create tables, insert, update, and query freely within that schema. " +
		"Statements are subject to a short timeout."
}

func (t *ExecTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"statement": {
				"type": "string",
				"description": "The SQL statement to execute."
			}
		},
		"required": ["statement"],
		"additionalProperties": false
	}`)
}

func (t *ExecTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Statement string `json:"statement"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Statement) == "" {
		return toolError("statement is required"), nil
	}

	result, err := t.sandbox.ExecuteRestricted(ctx, input.Statement)
	if err != nil {
		var execErr *sandbox.ExecError
		if errors.As(err, &execErr) {
			return toolError(execErr.Error()), nil
		}
		return toolError(fmt.Sprintf("execution failed: %v", err)), nil
	}

	return renderResult(result), nil
}

func renderResult(result *sandbox.Result) *agent.ToolResult {
	if !result.IsQuery {
		return jsonResult(map[string]any{
			"status":        "ok",
			"rows_affected": result.RowsAffected,
		})
	}

	rows := result.Rows
	truncated := false
	if len(rows) > maxRenderedRows {
		rows = rows[:maxRenderedRows]
		truncated = true
	}
	payload := map[string]any{
		"columns":   result.Columns,
		"rows":      rows,
		"row_count": len(result.Rows),
	}
	if truncated {
		payload["truncated_to"] = maxRenderedRows
	}
	return jsonResult(payload)
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
