// Package storage owns the PostgreSQL connection pool and the append-only
// conversation message store, including pgvector similarity search.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/coldbrewlabs/attache/pkg/models"
)

// PoolConfig holds connection pool settings. The pool is deliberately
// small: a runaway sandboxed statement must not be able to starve the
// rest of the service of connections.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPoolConfig returns default pool settings.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// Store wraps the shared *sql.DB. It is constructed once at the composition
// root and passed by reference into every component that needs storage.
type Store struct {
	db     *sql.DB
	ownsDB bool
}

// Open creates a Store with its own connection pool.
func Open(dsn string, cfg *PoolConfig) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if cfg == nil {
		cfg = DefaultPoolConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db, ownsDB: true}, nil
}

// NewWithDB wraps an existing connection. The caller retains ownership.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying pool for components that manage their own
// connection checkout (the privilege sandbox).
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases database resources if the store owns them.
func (s *Store) Close() error {
	if s == nil || s.db == nil || !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// AppendMessage persists one conversation turn. The id and timestamp are
// assigned here when unset.
func (s *Store) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return nil
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		msg.ID,
		msg.ConversationID,
		string(msg.Role),
		msg.Content,
		encodeEmbedding(msg.Embedding),
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// UpdateEmbedding backfills the embedding of an already-persisted turn.
func (s *Store) UpdateEmbedding(ctx context.Context, id string, embedding []float32) error {
	if id == "" || len(embedding) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET embedding = $2 WHERE id = $1`,
		id, encodeEmbedding(embedding),
	)
	if err != nil {
		return fmt.Errorf("update embedding: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit turns for a conversation, newest first.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, embedding, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows, false)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	return msgs, nil
}

// SearchSimilar returns up to limit turns for a conversation ranked by
// cosine similarity to the query embedding, filtered to a minimum
// similarity threshold.
func (s *Store) SearchSimilar(ctx context.Context, conversationID string, embedding []float32, limit int, threshold float64) ([]*models.Message, error) {
	if limit <= 0 || len(embedding) == 0 {
		return nil, nil
	}
	queryVec := encodeEmbedding(embedding)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, embedding, created_at,
			1 - (embedding <=> $2::vector) AS similarity
		FROM messages
		WHERE conversation_id = $1
		  AND embedding IS NOT NULL
		  AND (1 - (embedding <=> $2::vector)) >= $3
		ORDER BY embedding <=> $2::vector ASC
		LIMIT $4
	`, conversationID, queryVec, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("search similar: %w", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows, true)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search similar: %w", err)
	}
	return msgs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(scanner rowScanner, withSimilarity bool) (*models.Message, error) {
	var (
		msg          models.Message
		role         string
		embeddingStr sql.NullString
		similarity   sql.NullFloat64
	)
	dest := []any{
		&msg.ID,
		&msg.ConversationID,
		&role,
		&msg.Content,
		&embeddingStr,
		&msg.CreatedAt,
	}
	if withSimilarity {
		dest = append(dest, &similarity)
	}
	if err := scanner.Scan(dest...); err != nil {
		return nil, err
	}
	msg.Role = models.Role(role)
	if embeddingStr.Valid {
		msg.Embedding = decodeEmbedding(embeddingStr.String)
	}
	if similarity.Valid {
		msg.Similarity = similarity.Float64
	}
	return &msg, nil
}
