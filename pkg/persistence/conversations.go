package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/frameflow/frameflow/pkg/models"
)

// InsertConversation inserts a new conversation row, upserting on chat_id
// so a restore of a previously deleted conversation never conflicts. The
// upsert updates in place rather than replacing, since a replace would
// cascade-delete the child rows being restored around it.
func (s *Store) InsertConversation(ctx context.Context, c *models.Conversation) error {
	metadataJSON, err := marshalMetadata(c.Metadata)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (chat_id, participant_name, status, partition_key, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (chat_id) DO UPDATE SET
			participant_name = EXCLUDED.participant_name,
			status           = EXCLUDED.status,
			partition_key    = EXCLUDED.partition_key,
			metadata         = EXCLUDED.metadata,
			updated_at       = EXCLUDED.updated_at`,
		c.ChatID, c.ParticipantName, string(c.Status), c.PartitionKey, metadataJSON, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// GetConversation fetches the flat conversation row (no child records).
func (s *Store) GetConversation(ctx context.Context, chatID string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chat_id, participant_name, status, partition_key, metadata, created_at, updated_at
		FROM conversations WHERE chat_id = $1`, chatID)

	var c models.Conversation
	var status string
	var metadataJSON []byte
	if err := row.Scan(&c.ChatID, &c.ParticipantName, &status, &c.PartitionKey, &metadataJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, chatID)
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	c.Status = models.ConversationStatus(status)
	var err error
	if c.Metadata, err = unmarshalMetadata(metadataJSON); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns a page of conversations, optionally filtered
// by status, newest-first.
func (s *Store) ListConversations(ctx context.Context, status string, limit, offset int) ([]*models.Conversation, error) {
	var rows *sql.Rows
	var err error

	if status != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT chat_id, participant_name, status, partition_key, metadata, created_at, updated_at
			FROM conversations WHERE status = $1
			ORDER BY created_at DESC LIMIT $2 OFFSET $3`, status, limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT chat_id, participant_name, status, partition_key, metadata, created_at, updated_at
			FROM conversations ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		var c models.Conversation
		var st string
		var metadataJSON []byte
		if err := rows.Scan(&c.ChatID, &c.ParticipantName, &st, &c.PartitionKey, &metadataJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.Status = models.ConversationStatus(st)
		if c.Metadata, err = unmarshalMetadata(metadataJSON); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// UpdateConversationStatus advances status and updated_at for a
// conversation. The lifecycle is forward-only: created -> processing ->
// {completed, failed}. A write that would move status backward, or sideways
// between the two terminal states, is a guarded no-op rather than an error,
// so re-running a workflow in an already-terminal conversation never
// regresses the persisted record; the only path back to created is a
// restore, which goes through InsertConversation's upsert instead.
func (s *Store) UpdateConversationStatus(ctx context.Context, chatID string, status models.ConversationStatus, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET status = $1, updated_at = $2
		WHERE chat_id = $3
		  AND (status = $1::text OR
		       CASE status WHEN 'created' THEN 0 WHEN 'processing' THEN 1 ELSE 2 END
		     < CASE $1::text WHEN 'created' THEN 0 WHEN 'processing' THEN 1 ELSE 2 END)`,
		string(status), updatedAt, chatID)
	if err != nil {
		return fmt.Errorf("update conversation status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	// Zero rows means the conversation is missing or the forward-only guard
	// held the status where it was; only the former is an error.
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE chat_id = $1)`, chatID).Scan(&exists); err != nil {
		return fmt.Errorf("update conversation status: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, chatID)
	}
	return nil
}

// DeleteConversation deletes the conversation row; messages, workflow
// steps, and file entries cascade via foreign key.
func (s *Store) DeleteConversation(ctx context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE chat_id = $1`, chatID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return requireRowsAffected(res, chatID)
}

func requireRowsAffected(res sql.Result, chatID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, chatID)
	}
	return nil
}
