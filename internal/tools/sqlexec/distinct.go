package sqlexec

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/lib/pq"

	"github.com/coldbrewlabs/attache/internal/agent"
	"github.com/coldbrewlabs/attache/internal/sandbox"
)

var sqlIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// DistinctTool lists the distinct values of one column, so the model can
// check what a column actually contains before filtering on a value that
// may not exist.
type DistinctTool struct {
	sandbox *sandbox.Sandbox
}

// NewDistinctTool creates the distinct_values tool.
func NewDistinctTool(sb *sandbox.Sandbox) *DistinctTool {
	return &DistinctTool{sandbox: sb}
}

func (t *DistinctTool) Name() string { return "distinct_values" }

func (t *DistinctTool) Description() string {
	return "List the distinct values of a column in one of your tables. " +
		"Use this before filtering on a value to avoid querying for values that do not exist."
}

func (t *DistinctTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"table": {
				"type": "string",
				"description": "Table name within your schema."
			},
			"column": {
				"type": "string",
				"description": "Column whose distinct values to list."
			}
		},
		"required": ["table", "column"],
		"additionalProperties": false
	}`)
}

func (t *DistinctTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Table  string `json:"table"`
		Column string `json:"column"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if !sqlIdentifier.MatchString(input.Table) {
		return toolError(fmt.Sprintf("invalid table name %q", input.Table)), nil
	}
	if !sqlIdentifier.MatchString(input.Column) {
		return toolError(fmt.Sprintf("invalid column name %q", input.Column)), nil
	}

	// Identifiers cannot be bound as parameters; they are validated above
	// and quoted here, and execution still happens under the sandbox role.
	statement := fmt.Sprintf("SELECT DISTINCT %s FROM %s ORDER BY 1 LIMIT 50",
		pq.QuoteIdentifier(input.Column), pq.QuoteIdentifier(input.Table))

	result, err := t.sandbox.ExecuteRestricted(ctx, statement)
	if err != nil {
		return toolError(fmt.Sprintf("distinct values: %v", err)), nil
	}

	values := make([]any, 0, len(result.Rows))
	for _, row := range result.Rows {
		values = append(values, row[input.Column])
	}
	return jsonResult(map[string]any{
		"table":  input.Table,
		"column": input.Column,
		"values": values,
	}), nil
}
