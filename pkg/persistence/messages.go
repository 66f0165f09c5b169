package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/frameflow/frameflow/pkg/models"
)

// InsertMessage inserts a message row.
func (s *Store) InsertMessage(ctx context.Context, m *models.Message) error {
	metadataJSON, err := marshalMetadata(m.Metadata)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Messages are immutable and keyed by a generated UUID; a conflicting
	// insert only ever happens when a restore replays rows that are already
	// present, so it is safe to skip rather than fail.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (message_id, chat_id, type, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id) DO NOTHING`,
		m.MessageID, m.ChatID, string(m.Type), m.Content, metadataJSON, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns a conversation's messages in chronological order.
func (s *Store) ListMessages(ctx context.Context, chatID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, chat_id, type, content, metadata, created_at
		FROM messages WHERE chat_id = $1 ORDER BY created_at ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var m models.Message
		var msgType string
		var metadataJSON []byte
		if err := rows.Scan(&m.MessageID, &m.ChatID, &msgType, &m.Content, &metadataJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Type = models.MessageType(msgType)
		m.Metadata, err = unmarshalMetadata(metadataJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}

func unmarshalMetadata(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return m, nil
}
