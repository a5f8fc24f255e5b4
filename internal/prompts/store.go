// Package prompts maintains versioned personalization documents, with
// exactly one active version per conversation.
package prompts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/coldbrewlabs/attache/pkg/models"
)

// Store persists system_prompts rows.
type Store struct {
	db *sql.DB
}

// New creates a prompt store on the shared pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetActive returns the active personalization document for a
// conversation, or ok=false when none has been set.
func (s *Store) GetActive(ctx context.Context, conversationID string) (content string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT content FROM system_prompts
		WHERE conversation_id = $1 AND is_active
	`, conversationID)

	if err := row.Scan(&content); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get active prompt: %w", err)
	}
	return content, true, nil
}

// SetActive installs a new active version inside one transaction:
// deactivate everything active, compute the next version number, insert.
// If deactivation fails nothing is inserted, so the single-active
// invariant holds on every path. Concurrent writers for one conversation
// resolve last-writer-wins.
func (s *Store) SetActive(ctx context.Context, conversationID, content string, createdBy models.Role, description string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin set active: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			_ = rbErr
		}
	}()

	if _, err := tx.ExecContext(ctx, `
		UPDATE system_prompts SET is_active = false
		WHERE conversation_id = $1 AND is_active
	`, conversationID); err != nil {
		return 0, fmt.Errorf("deactivate prompts: %w", err)
	}

	var version int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1 FROM system_prompts
		WHERE conversation_id = $1
	`, conversationID).Scan(&version); err != nil {
		return 0, fmt.Errorf("next prompt version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO system_prompts (conversation_id, content, version, created_by_role, description, is_active)
		VALUES ($1, $2, $3, $4, $5, true)
	`, conversationID, content, version, string(createdBy), description); err != nil {
		return 0, fmt.Errorf("insert prompt version %d: %w", version, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit set active: %w", err)
	}
	return version, nil
}

// History returns all versions for a conversation, oldest first. Nothing
// is ever deleted; history is the audit trail.
func (s *Store) History(ctx context.Context, conversationID string) ([]models.SystemPrompt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, content, version, created_by_role, description, is_active, created_at
		FROM system_prompts
		WHERE conversation_id = $1
		ORDER BY version ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("prompt history: %w", err)
	}
	defer rows.Close()

	var prompts []models.SystemPrompt
	for rows.Next() {
		var (
			p    models.SystemPrompt
			role string
		)
		if err := rows.Scan(&p.ID, &p.ConversationID, &p.Content, &p.Version, &role, &p.Description, &p.IsActive, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		p.CreatedByRole = models.Role(role)
		prompts = append(prompts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("prompt history: %w", err)
	}
	return prompts, nil
}
