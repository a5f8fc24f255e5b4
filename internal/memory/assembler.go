// Package memory assembles the agent's working context: the most recent
// turns of a conversation blended with semantically similar historical
// turns retrieved by vector distance.
package memory

import (
	"context"
	"log/slog"

	"github.com/coldbrewlabs/attache/internal/memory/embeddings"
	"github.com/coldbrewlabs/attache/pkg/models"
)

// HistoryStore is the slice of the message store the assembler needs.
type HistoryStore interface {
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)
	SearchSimilar(ctx context.Context, conversationID string, embedding []float32, limit int, threshold float64) ([]*models.Message, error)
}

// Assembler loads best-effort context. It never returns an error: a
// directive with no context is still answerable, so every failure here
// degrades to an empty slice and a log line.
type Assembler struct {
	store     HistoryStore
	embedder  embeddings.Provider
	threshold float64
	logger    *slog.Logger
}

// New creates an Assembler with the given similarity threshold.
func New(store HistoryStore, embedder embeddings.Provider, threshold float64, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		store:     store,
		embedder:  embedder,
		threshold: threshold,
		logger:    logger,
	}
}

// Load returns the conversation's chronological context (oldest first)
// and, when a directive is given, semantically relevant historical turns
// not already present in the chronological set.
func (a *Assembler) Load(ctx context.Context, conversationID, directive string, maxRecent, maxRelevant int) (chronological, relevant []*models.Message) {
	if maxRecent <= 0 {
		return nil, nil
	}

	recent, err := a.store.RecentMessages(ctx, conversationID, maxRecent)
	if err != nil {
		a.logger.Warn("load chronological history", "conversation_id", conversationID, "error", err)
		return nil, nil
	}

	// Storage returns newest first; the model reads oldest first.
	chronological = make([]*models.Message, len(recent))
	for i, msg := range recent {
		chronological[len(recent)-1-i] = msg
	}

	if directive == "" || maxRelevant <= 0 || len(chronological) == 0 {
		return chronological, nil
	}

	embedding, err := a.embedder.Embed(ctx, directive)
	if err != nil {
		a.logger.Warn("embed directive for retrieval", "conversation_id", conversationID, "error", err)
		return chronological, nil
	}

	similar, err := a.store.SearchSimilar(ctx, conversationID, embedding, maxRelevant, a.threshold)
	if err != nil {
		a.logger.Warn("similarity search", "conversation_id", conversationID, "error", err)
		return chronological, nil
	}

	// Dedup on (role, content) rather than id: the two fetches are
	// independent and may return the same turn under different reads.
	seen := make(map[[2]string]bool, len(chronological))
	for _, msg := range chronological {
		seen[[2]string{string(msg.Role), msg.Content}] = true
	}
	for _, msg := range similar {
		key := [2]string{string(msg.Role), msg.Content}
		if seen[key] {
			continue
		}
		seen[key] = true
		relevant = append(relevant, msg)
	}

	return chronological, relevant
}
