package persistence

import (
	"context"
	"fmt"

	"github.com/frameflow/frameflow/pkg/models"
)

// RecordFile idempotently upserts a file entry on (chat_id, file_path, role).
func (s *Store) RecordFile(ctx context.Context, f *models.FileEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (chat_id, file_path, role, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chat_id, file_path, role) DO UPDATE SET created_at = files.created_at`,
		f.ChatID, f.FilePath, string(f.Role), f.CreatedAt)
	if err != nil {
		return fmt.Errorf("record file: %w", err)
	}
	return nil
}

// ListFiles returns a conversation's file entries, optionally filtered by role.
func (s *Store) ListFiles(ctx context.Context, chatID string, role models.FileRole) ([]*models.FileEntry, error) {
	query := `SELECT chat_id, file_path, role, created_at FROM files WHERE chat_id = $1`
	args := []any{chatID}
	if role != "" {
		query += ` AND role = $2`
		args = append(args, string(role))
	}
	query += ` ORDER BY created_at ASC`

	result, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer result.Close()

	var out []*models.FileEntry
	for result.Next() {
		var f models.FileEntry
		var role string
		if err := result.Scan(&f.ChatID, &f.FilePath, &role, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		f.Role = models.FileRole(role)
		out = append(out, &f)
	}
	return out, result.Err()
}
