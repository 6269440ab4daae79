package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MikeSquared-Agency/casesmith/internal/runtime"
)

// Conversation is a persisted conversation row.
type Conversation struct {
	ID          string
	FinalResult string
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SaveFinalArtifact stores the structured test-case JSON for a conversation.
func (s *Store) SaveFinalArtifact(ctx context.Context, conversationID, structuredJSON string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, final_result, completed_at, created_at, updated_at)
		VALUES ($1, $2::jsonb, now(), now(), now())
		ON CONFLICT (id) DO UPDATE
		SET final_result = EXCLUDED.final_result,
		    completed_at = EXCLUDED.completed_at,
		    updated_at = now()`,
		conversationID, structuredJSON,
	)
	if err != nil {
		return fmt.Errorf("save final artifact: %w", err)
	}
	return nil
}

// AppendHistory writes one history entry, creating the conversation row if needed.
func (s *Store) AppendHistory(ctx context.Context, conversationID string, entry runtime.HistoryEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO conversations (id, created_at, updated_at)
		VALUES ($1, now(), now())
		ON CONFLICT (id) DO UPDATE SET updated_at = now()`,
		conversationID,
	)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO conversation_history (id, conversation_id, kind, content, round, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), conversationID, entry.Kind, entry.Content, entry.Round, ts,
	)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}

	return tx.Commit(ctx)
}

// GetConversation loads a conversation row.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var (
		c      Conversation
		result *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, final_result::text, completed_at, created_at, updated_at
		FROM conversations WHERE id = $1`, id,
	).Scan(&c.ID, &result, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if result != nil {
		c.FinalResult = *result
	}
	return &c, nil
}

// History returns a conversation's entries in insertion order.
func (s *Store) History(ctx context.Context, conversationID string) ([]runtime.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT kind, content, round, created_at
		FROM conversation_history
		WHERE conversation_id = $1
		ORDER BY created_at, id`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []runtime.HistoryEntry
	for rows.Next() {
		var e runtime.HistoryEntry
		if err := rows.Scan(&e.Kind, &e.Content, &e.Round, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
