package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/coldbrewlabs/attache/pkg/models"
)

type scriptedProvider struct {
	responses []*CompletionResponse
	err       error
	requests  []*CompletionRequest
}

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.responses) == 0 {
		return &CompletionResponse{Text: "done"}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

type recordingStore struct {
	messages   []*models.Message
	embeddings map[string][]float32
	err        error
}

func (s *recordingStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if s.err != nil {
		return s.err
	}
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("msg-%d", len(s.messages)+1)
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *recordingStore) UpdateEmbedding(ctx context.Context, id string, embedding []float32) error {
	if s.embeddings == nil {
		s.embeddings = make(map[string][]float32)
	}
	s.embeddings[id] = embedding
	return nil
}

type staticLoader struct {
	chronological []*models.Message
	relevant      []*models.Message
}

func (l *staticLoader) Load(ctx context.Context, conversationID, directive string, maxRecent, maxRelevant int) ([]*models.Message, []*models.Message) {
	return l.chronological, l.relevant
}

type staticPersonalization struct {
	content string
	ok      bool
	err     error
}

func (p *staticPersonalization) GetActive(ctx context.Context, conversationID string) (string, bool, error) {
	return p.content, p.ok, p.err
}

type staticCatalog struct {
	text string
	err  error
}

func (c *staticCatalog) DescribeSchema(ctx context.Context) (string, error) {
	return c.text, c.err
}

type nullEmbedder struct{}

func (nullEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1}, nil
}
func (nullEmbedder) Dimension() int { return 1 }
func (nullEmbedder) Name() string   { return "null" }

type failingEmbedder struct{}

func (failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("embedding provider unavailable")
}
func (failingEmbedder) Dimension() int { return 1 }
func (failingEmbedder) Name() string   { return "failing" }

type loopFixture struct {
	provider *scriptedProvider
	store    *recordingStore
	loop     *Loop
}

func newLoopFixture(t *testing.T, provider *scriptedProvider, tools ...Tool) *loopFixture {
	t.Helper()
	registry := NewRegistry()
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("Register(%s) error = %v", tool.Name(), err)
		}
	}

	store := &recordingStore{}
	loop := New(
		provider,
		registry,
		store,
		&staticLoader{},
		&staticPersonalization{},
		&staticCatalog{text: "Schema \"agent_sandbox\" contains no tables yet."},
		nullEmbedder{},
		Config{Model: "test-model", MaxSteps: 4, MaxRecent: 10, MaxRelevant: 5},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	return &loopFixture{provider: provider, store: store, loop: loop}
}

func userDirective(text string) *models.Directive {
	return &models.Directive{
		DirectiveText:  text,
		ConversationID: "conv-1",
		CallerID:       "user-1",
		Role:           models.RoleUser,
		CallbackURL:    "https://delivery.example.com/hook",
	}
}

func TestRunDirectAnswer(t *testing.T) {
	provider := &scriptedProvider{responses: []*CompletionResponse{{Text: "The answer is 4."}}}
	f := newLoopFixture(t, provider)

	final, err := f.loop.Run(context.Background(), userDirective("what is 2+2?"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if final != "The answer is 4." {
		t.Errorf("final = %q", final)
	}

	// Directive and answer are both persisted, in that order.
	if len(f.store.messages) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(f.store.messages))
	}
	if f.store.messages[0].Role != models.RoleUser || f.store.messages[0].Content != "what is 2+2?" {
		t.Errorf("first persisted turn = %+v", f.store.messages[0])
	}
	if f.store.messages[1].Role != models.RoleAssistant || f.store.messages[1].Content != "The answer is 4." {
		t.Errorf("second persisted turn = %+v", f.store.messages[1])
	}
	for _, msg := range f.store.messages {
		if len(f.store.embeddings[msg.ID]) == 0 {
			t.Errorf("turn %s has no backfilled embedding", msg.ID)
		}
	}
}

// A flaky embedding provider must not cost the conversation its turns:
// the turn is appended first and the embedding backfill is skipped.
func TestRunPersistsTurnWhenEmbeddingFails(t *testing.T) {
	provider := &scriptedProvider{responses: []*CompletionResponse{{Text: "noted"}}}

	registry := NewRegistry()
	store := &recordingStore{}
	loop := New(
		provider,
		registry,
		store,
		&staticLoader{},
		&staticPersonalization{},
		&staticCatalog{},
		failingEmbedder{},
		Config{Model: "test-model", MaxSteps: 2},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)

	if _, err := loop.Run(context.Background(), userDirective("remember this")); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(store.messages) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(store.messages))
	}
	if len(store.embeddings) != 0 {
		t.Errorf("embeddings backfilled = %d, want none", len(store.embeddings))
	}
}

func TestRunToolRound(t *testing.T) {
	tool := &stubTool{name: "echo", schema: echoSchema, result: &ToolResult{Content: "echoed: hi"}}
	provider := &scriptedProvider{responses: []*CompletionResponse{
		{ToolCalls: []models.ToolCall{{ID: "c1", Name: "echo", Input: json.RawMessage(`{"text":"hi"}`)}}},
		{Text: "It said: echoed: hi"},
	}}
	f := newLoopFixture(t, provider, tool)

	final, err := f.loop.Run(context.Background(), userDirective("echo hi"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if final != "It said: echoed: hi" {
		t.Errorf("final = %q", final)
	}

	if len(provider.requests) != 2 {
		t.Fatalf("provider called %d times, want 2", len(provider.requests))
	}
	second := provider.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != "tool" || len(last.ToolResults) != 1 || last.ToolResults[0].Content != "echoed: hi" {
		t.Errorf("tool results not fed back: %+v", last)
	}
}

func TestRunStepBudget(t *testing.T) {
	tool := &stubTool{name: "echo", schema: echoSchema}
	toolCall := &CompletionResponse{
		ToolCalls: []models.ToolCall{{ID: "c", Name: "echo", Input: json.RawMessage(`{"text":"again"}`)}},
	}
	provider := &scriptedProvider{responses: []*CompletionResponse{toolCall, toolCall, toolCall, toolCall, toolCall}}
	f := newLoopFixture(t, provider, tool)

	final, err := f.loop.Run(context.Background(), userDirective("loop forever"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(provider.requests) != 4 {
		t.Errorf("provider called %d times, want MaxSteps=4", len(provider.requests))
	}
	if !strings.Contains(final, "step budget") {
		t.Errorf("final = %q, want step budget message", final)
	}
}

func TestRunProviderFailure(t *testing.T) {
	provider := &scriptedProvider{err: errors.New("upstream 500")}
	f := newLoopFixture(t, provider)

	final, err := f.loop.Run(context.Background(), userDirective("hello"))
	if err == nil {
		t.Fatal("Run() error = nil, want terminal failure")
	}
	if final != FailureMessage {
		t.Errorf("final = %q, want FailureMessage", final)
	}

	// The failure turn is still persisted so the conversation records it.
	if len(f.store.messages) != 2 || f.store.messages[1].Content != FailureMessage {
		t.Errorf("persisted = %+v", f.store.messages)
	}
}

func TestRunRoutineDirectiveFraming(t *testing.T) {
	provider := &scriptedProvider{responses: []*CompletionResponse{{Text: "Reminder sent."}}}
	f := newLoopFixture(t, provider)

	directive := userDirective("Remind me about the dentist")
	directive.Role = models.RoleRoutine

	if _, err := f.loop.Run(context.Background(), directive); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	sent := provider.requests[0].Messages
	last := sent[len(sent)-1]
	if !strings.Contains(last.Content, "instruction you previously left for yourself") {
		t.Errorf("routine directive not framed: %q", last.Content)
	}
	if !strings.Contains(last.Content, "Remind me about the dentist") {
		t.Errorf("directive text missing: %q", last.Content)
	}

	// Persisted with its own role, not rewritten to user.
	if f.store.messages[0].Role != models.RoleRoutine {
		t.Errorf("persisted role = %q, want routine-directive", f.store.messages[0].Role)
	}
}

func TestRunSystemPromptComposition(t *testing.T) {
	provider := &scriptedProvider{responses: []*CompletionResponse{{Text: "ok"}}}

	registry := NewRegistry()
	store := &recordingStore{}
	loop := New(
		provider,
		registry,
		store,
		&staticLoader{relevant: []*models.Message{
			{Role: models.RoleUser, Content: "I am allergic to peanuts"},
		}},
		&staticPersonalization{content: "Always answer in French.", ok: true},
		&staticCatalog{text: "Table groceries: name text, qty int"},
		nullEmbedder{},
		Config{Model: "test-model", MaxSteps: 2},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)

	directive := userDirective("plan dinner")
	directive.Timezone = "Europe/Paris"
	if _, err := loop.Run(context.Background(), directive); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	system := provider.requests[0].System
	for _, want := range []string{
		"Always answer in French.",
		"Table groceries",
		"allergic to peanuts",
		"Europe/Paris",
	} {
		if !strings.Contains(system, want) {
			t.Errorf("system prompt missing %q:\n%s", want, system)
		}
	}
}

func TestRunChronologicalContextFeedsConversation(t *testing.T) {
	provider := &scriptedProvider{responses: []*CompletionResponse{{Text: "ok"}}}

	registry := NewRegistry()
	loop := New(
		provider,
		registry,
		&recordingStore{},
		&staticLoader{chronological: []*models.Message{
			{Role: models.RoleUser, Content: "first question"},
			{Role: models.RoleAssistant, Content: "first answer"},
		}},
		&staticPersonalization{},
		&staticCatalog{},
		nullEmbedder{},
		Config{Model: "test-model", MaxSteps: 2},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)

	if _, err := loop.Run(context.Background(), userDirective("follow-up")); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	msgs := provider.requests[0].Messages
	if len(msgs) != 3 {
		t.Fatalf("sent %d messages, want history + directive = 3", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "first question" {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "first answer" {
		t.Errorf("msgs[1] = %+v", msgs[1])
	}
	if msgs[2].Content != "follow-up" {
		t.Errorf("msgs[2] = %+v", msgs[2])
	}
}
