// Package schedule exposes the pg_cron scheduler bridge to the model.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coldbrewlabs/attache/internal/agent"
	"github.com/coldbrewlabs/attache/internal/scheduler"
	"github.com/coldbrewlabs/attache/pkg/models"
)

// Tool lets the model schedule its own future re-invocation. It is bound
// to one directive so every job it creates carries that directive's
// conversation, caller, and delivery target.
type Tool struct {
	bridge    *scheduler.Bridge
	directive *models.Directive
}

// NewTool creates a schedule_task tool bound to the current directive.
func NewTool(bridge *scheduler.Bridge, directive *models.Directive) *Tool {
	return &Tool{bridge: bridge, directive: directive}
}

func (t *Tool) Name() string { return "schedule_task" }

func (t *Tool) Description() string {
	return "Schedule, cancel, or list future tasks for yourself. " +
		"Use an absolute timestamp (RFC 3339, e.g. 2025-06-01T09:00:00Z) for a one-time task, " +
		"or a five-field cron expression (e.g. '0 9 * * 1') for a recurring one. " +
		"When a task fires, its directive is delivered back to you as an instruction."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {
				"type": "string",
				"enum": ["schedule", "unschedule", "list"],
				"description": "What to do."
			},
			"schedule_expression": {
				"type": "string",
				"description": "Absolute timestamp (one-time) or cron expression (recurring). Required for schedule."
			},
			"directive": {
				"type": "string",
				"description": "The instruction to deliver to yourself when the task fires. Required for schedule."
			},
			"name_hint": {
				"type": "string",
				"description": "Short identifier-safe name for the job (letters, digits, _ and -)."
			},
			"job_name": {
				"type": "string",
				"description": "Full job name to remove. Required for unschedule."
			}
		},
		"required": ["action"],
		"additionalProperties": false
	}`)
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Action             string `json:"action"`
		ScheduleExpression string `json:"schedule_expression"`
		Directive          string `json:"directive"`
		NameHint           string `json:"name_hint"`
		JobName            string `json:"job_name"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	switch strings.ToLower(strings.TrimSpace(input.Action)) {
	case "schedule":
		conf, err := t.bridge.Schedule(ctx, scheduler.Request{
			ScheduleExpression:  input.ScheduleExpression,
			DirectiveText:       input.Directive,
			NameHint:            input.NameHint,
			ConversationID:      t.directive.ConversationID,
			CallerID:            t.directive.CallerID,
			Metadata:            t.directive.Metadata,
			Timezone:            t.directive.Timezone,
			DeliveryCallbackURL: t.directive.CallbackURL,
		})
		if err != nil {
			return toolError(err.Error()), nil
		}
		return jsonResult(conf), nil

	case "unschedule":
		if input.JobName == "" {
			return toolError("job_name is required for unschedule"), nil
		}
		conf, err := t.bridge.Unschedule(ctx, input.JobName)
		if err != nil {
			return toolError(err.Error()), nil
		}
		if !conf.Found {
			return jsonResult(map[string]any{
				"job_name": conf.JobName,
				"status":   "already gone",
			}), nil
		}
		return jsonResult(map[string]any{
			"job_name": conf.JobName,
			"status":   "unscheduled",
		}), nil

	case "list":
		jobs, err := t.bridge.ListJobs(ctx, t.directive.ConversationID)
		if err != nil {
			return toolError(err.Error()), nil
		}
		return jsonResult(map[string]any{"jobs": jobs}), nil

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
