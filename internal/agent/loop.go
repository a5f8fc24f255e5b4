// Package agent drives the bounded tool-calling conversation between an
// inbound directive and the model, and persists every turn.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coldbrewlabs/attache/internal/memory/embeddings"
	"github.com/coldbrewlabs/attache/pkg/models"
)

// FailureMessage is the user-facing text produced when the loop cannot
// complete. Nothing is silently dropped: the caller either gets a real
// answer or this.
const FailureMessage = "Something went wrong while handling your request. Please try again."

// MessageStore persists conversation turns.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *models.Message) error
	UpdateEmbedding(ctx context.Context, id string, embedding []float32) error
}

// ContextLoader supplies best-effort working memory for a directive.
type ContextLoader interface {
	Load(ctx context.Context, conversationID, directive string, maxRecent, maxRelevant int) (chronological, relevant []*models.Message)
}

// PersonalizationSource returns the conversation's active personalization
// document, if any.
type PersonalizationSource interface {
	GetActive(ctx context.Context, conversationID string) (string, bool, error)
}

// SchemaCataloger renders the sandbox schema catalog for the system prompt.
type SchemaCataloger interface {
	DescribeSchema(ctx context.Context) (string, error)
}

// Config bounds the loop.
type Config struct {
	Model       string
	MaxTokens   int
	MaxSteps    int
	MaxRecent   int
	MaxRelevant int
}

// Loop wires the sandbox, scheduler, memory, and prompt store together as
// tools and context around one model conversation per directive.
type Loop struct {
	provider        LLMProvider
	registry        *Registry
	store           MessageStore
	contextLoader   ContextLoader
	personalization PersonalizationSource
	catalog         SchemaCataloger
	embedder        embeddings.Provider
	cfg             Config
	logger          *slog.Logger
	now             func() time.Time
}

// New creates a Loop. Every dependency is passed in by the composition
// root; the loop holds no global state.
func New(
	provider LLMProvider,
	registry *Registry,
	store MessageStore,
	contextLoader ContextLoader,
	personalization PersonalizationSource,
	catalog SchemaCataloger,
	embedder embeddings.Provider,
	cfg Config,
	logger *slog.Logger,
) *Loop {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		provider:        provider,
		registry:        registry,
		store:           store,
		contextLoader:   contextLoader,
		personalization: personalization,
		catalog:         catalog,
		embedder:        embedder,
		cfg:             cfg,
		logger:          logger,
		now:             time.Now,
	}
}

// Run handles one directive to completion: load context, converse with
// the model through bounded tool rounds, persist the directive and the
// final answer. The returned text is always dispatchable; a non-nil error
// marks a terminal failure whose generic message has already been
// persisted best-effort.
func (l *Loop) Run(ctx context.Context, directive *models.Directive) (string, error) {
	chronological, relevant := l.contextLoader.Load(
		ctx, directive.ConversationID, directive.DirectiveText, l.cfg.MaxRecent, l.cfg.MaxRelevant)

	system := l.buildSystemPrompt(ctx, directive, relevant)
	messages := buildConversation(chronological, directive)

	// The directive turn goes in before the model runs, the answer after;
	// context was already loaded, so neither leaks into this run's history.
	l.persistTurn(ctx, directive.ConversationID, directive.Role, directive.DirectiveText)

	final, runErr := l.converse(ctx, system, messages)
	if runErr != nil {
		l.logger.Error("agent loop failed",
			"conversation_id", directive.ConversationID, "error", runErr)
		final = FailureMessage
	}

	l.persistTurn(ctx, directive.ConversationID, models.RoleAssistant, final)

	return final, runErr
}

// converse runs the model/tool exchange, bounded to MaxSteps rounds so a
// model that keeps requesting tools still terminates.
func (l *Loop) converse(ctx context.Context, system string, messages []CompletionMessage) (string, error) {
	lastText := ""
	for step := 0; step < l.cfg.MaxSteps; step++ {
		resp, err := l.provider.Complete(ctx, &CompletionRequest{
			Model:     l.cfg.Model,
			System:    system,
			Messages:  messages,
			Tools:     l.registry.Tools(),
			MaxTokens: l.cfg.MaxTokens,
		})
		if err != nil {
			return "", fmt.Errorf("model call (step %d): %w", step, err)
		}

		if resp.Text != "" {
			lastText = resp.Text
		}
		if len(resp.ToolCalls) == 0 {
			if resp.Text == "" {
				return lastText, nil
			}
			return resp.Text, nil
		}

		messages = append(messages, CompletionMessage{
			Role:      "assistant",
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		results := make([]models.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			result := l.registry.Dispatch(ctx, call)
			l.logger.Info("tool executed",
				"tool", call.Name, "is_error", result.IsError)
			results = append(results, result)
		}
		messages = append(messages, CompletionMessage{
			Role:        "tool",
			ToolResults: results,
		})
	}

	l.logger.Warn("agent loop exhausted step budget", "max_steps", l.cfg.MaxSteps)
	if lastText != "" {
		return lastText, nil
	}
	return "I could not finish working on that within my step budget. Please try a simpler request.", nil
}

func (l *Loop) buildSystemPrompt(ctx context.Context, directive *models.Directive, relevant []*models.Message) string {
	var sb strings.Builder
	sb.WriteString("You are Attaché, a personal assistant with a durable memory. ")
	sb.WriteString("You can store and query structured data in your own database schema with the run_sql tool, ")
	sb.WriteString("schedule future tasks for yourself with the schedule_task tool, ")
	sb.WriteString("and adjust your own standing instructions with the personalization tool.\n")

	fmt.Fprintf(&sb, "\nCurrent time: %s", l.now().UTC().Format(time.RFC3339))
	if directive.Timezone != "" {
		fmt.Fprintf(&sb, " (user timezone: %s)", directive.Timezone)
	}
	sb.WriteString("\n")

	if content, ok, err := l.personalization.GetActive(ctx, directive.ConversationID); err != nil {
		l.logger.Warn("load personalization", "conversation_id", directive.ConversationID, "error", err)
	} else if ok {
		sb.WriteString("\nStanding instructions for this conversation:\n")
		sb.WriteString(content)
		sb.WriteString("\n")
	}

	if catalog, err := l.catalog.DescribeSchema(ctx); err != nil {
		l.logger.Warn("describe sandbox schema", "error", err)
	} else {
		sb.WriteString("\nYour database schema:\n")
		sb.WriteString(catalog)
		sb.WriteString("\n")
	}

	if len(relevant) > 0 {
		sb.WriteString("\nRelevant excerpts from earlier in this conversation:\n")
		for _, msg := range relevant {
			fmt.Fprintf(&sb, "- [%s] %s\n", msg.Role, msg.Content)
		}
	}

	return sb.String()
}

// buildConversation maps persisted turns into model messages and appends
// the current directive. Routine directives are framed as the agent's own
// prior instruction to itself rather than a user message to answer
// verbatim.
func buildConversation(chronological []*models.Message, directive *models.Directive) []CompletionMessage {
	messages := make([]CompletionMessage, 0, len(chronological)+1)
	for _, msg := range chronological {
		role := "user"
		if msg.Role == models.RoleAssistant {
			role = "assistant"
		}
		messages = append(messages, CompletionMessage{Role: role, Content: msg.Content})
	}

	text := directive.DirectiveText
	if directive.Role == models.RoleRoutine {
		text = "[Scheduled task firing now. This is an instruction you previously left for yourself, " +
			"not a message from the user. Carry it out; reply with a user-facing message only if the " +
			"task calls for one.]\n" + text
	}
	messages = append(messages, CompletionMessage{Role: "user", Content: text})
	return messages
}

// persistTurn appends one turn, then backfills its embedding with a
// separate update. The turn is written before the embedding provider is
// consulted, so a flaky provider can never lose it. All failures are
// logged, never fatal: losing a turn is better than losing the answer.
func (l *Loop) persistTurn(ctx context.Context, conversationID string, role models.Role, content string) {
	if content == "" {
		return
	}

	msg := &models.Message{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
	}
	if err := l.store.AppendMessage(ctx, msg); err != nil {
		l.logger.Error("persist turn",
			"conversation_id", conversationID, "role", string(role), "error", err)
		return
	}

	if l.embedder == nil {
		return
	}
	vec, err := l.embedder.Embed(ctx, content)
	if err != nil {
		l.logger.Warn("embed turn", "conversation_id", conversationID, "error", err)
		return
	}
	if err := l.store.UpdateEmbedding(ctx, msg.ID, vec); err != nil {
		l.logger.Warn("backfill embedding",
			"conversation_id", conversationID, "message_id", msg.ID, "error", err)
	}
}
