package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/coldbrewlabs/attache/pkg/models"
)

type stubTool struct {
	name    string
	schema  string
	result  *ToolResult
	err     error
	lastRaw json.RawMessage
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) Schema() json.RawMessage {
	if s.schema == "" {
		return json.RawMessage(`{"type":"object"}`)
	}
	return json.RawMessage(s.schema)
}

func (s *stubTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	s.lastRaw = params
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &ToolResult{Content: "ok"}, nil
}

const echoSchema = `{
	"type": "object",
	"properties": {"text": {"type": "string"}},
	"required": ["text"],
	"additionalProperties": false
}`

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubTool{name: "echo"}); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	if err := r.Register(&stubTool{name: "echo"}); err == nil {
		t.Fatal("duplicate Register() error = nil")
	}
}

func TestRegistryRejectsBadSchema(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubTool{name: "broken", schema: `{"type": nope}`}); err == nil {
		t.Fatal("Register() error = nil for invalid schema")
	}
}

func TestRegistryPreservesOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(&stubTool{name: name}); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}
	tools := r.Tools()
	if len(tools) != 3 || tools[0].Name() != "zeta" || tools[2].Name() != "mid" {
		t.Errorf("tool order = %v", []string{tools[0].Name(), tools[1].Name(), tools[2].Name()})
	}
}

func TestDispatch(t *testing.T) {
	tests := []struct {
		name      string
		call      models.ToolCall
		tool      *stubTool
		wantError bool
		want      string
	}{
		{
			name: "success",
			call: models.ToolCall{ID: "c1", Name: "echo", Input: json.RawMessage(`{"text":"hi"}`)},
			tool: &stubTool{name: "echo", schema: echoSchema, result: &ToolResult{Content: "echoed"}},
			want: "echoed",
		},
		{
			name:      "unknown tool",
			call:      models.ToolCall{ID: "c2", Name: "missing", Input: json.RawMessage(`{}`)},
			tool:      &stubTool{name: "echo", schema: echoSchema},
			wantError: true,
		},
		{
			name:      "parameters not json",
			call:      models.ToolCall{ID: "c3", Name: "echo", Input: json.RawMessage(`{text}`)},
			tool:      &stubTool{name: "echo", schema: echoSchema},
			wantError: true,
		},
		{
			name:      "missing required field",
			call:      models.ToolCall{ID: "c4", Name: "echo", Input: json.RawMessage(`{}`)},
			tool:      &stubTool{name: "echo", schema: echoSchema},
			wantError: true,
		},
		{
			name:      "unexpected extra field",
			call:      models.ToolCall{ID: "c5", Name: "echo", Input: json.RawMessage(`{"text":"hi","mode":"loud"}`)},
			tool:      &stubTool{name: "echo", schema: echoSchema},
			wantError: true,
		},
		{
			name:      "execute failure becomes error result",
			call:      models.ToolCall{ID: "c6", Name: "echo", Input: json.RawMessage(`{"text":"hi"}`)},
			tool:      &stubTool{name: "echo", schema: echoSchema, err: errors.New("boom")},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			if err := r.Register(tt.tool); err != nil {
				t.Fatalf("Register() error = %v", err)
			}

			result := r.Dispatch(context.Background(), tt.call)
			if result.ToolCallID != tt.call.ID {
				t.Errorf("ToolCallID = %q, want %q", result.ToolCallID, tt.call.ID)
			}
			if result.IsError != tt.wantError {
				t.Errorf("IsError = %v, want %v (content: %s)", result.IsError, tt.wantError, result.Content)
			}
			if tt.want != "" && result.Content != tt.want {
				t.Errorf("Content = %q, want %q", result.Content, tt.want)
			}
		})
	}
}

func TestDispatchInvalidParamsNeverReachTool(t *testing.T) {
	tool := &stubTool{name: "echo", schema: echoSchema}
	r := NewRegistry()
	if err := r.Register(tool); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	r.Dispatch(context.Background(), models.ToolCall{ID: "c1", Name: "echo", Input: json.RawMessage(`{"wrong": true}`)})
	if tool.lastRaw != nil {
		t.Errorf("Execute ran with invalid params: %s", tool.lastRaw)
	}
}

func TestDispatchEmptyInputDefaultsToObject(t *testing.T) {
	tool := &stubTool{name: "noargs"}
	r := NewRegistry()
	if err := r.Register(tool); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	result := r.Dispatch(context.Background(), models.ToolCall{ID: "c1", Name: "noargs"})
	if result.IsError {
		t.Fatalf("Dispatch() with empty input failed: %s", result.Content)
	}
	if string(tool.lastRaw) != "{}" {
		t.Errorf("params = %s, want {}", tool.lastRaw)
	}
}
