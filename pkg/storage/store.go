package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Metadata is the contents of a conversation directory's metadata.json,
// the source of truth read back on restore.
type Metadata struct {
	ChatID          string    `json:"chat_id"`
	PartitionKey    string    `json:"partition_key"`
	ParticipantName string    `json:"participant_name"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

// Store implements the partitioned on-disk layout:
//
//	<base>/<partition_key>/<chat_id>/uploads/<filename>
//	<base>/<partition_key>/<chat_id>/outputs/<filename>
//	<base>/<partition_key>/<chat_id>/metadata.json
//	<base>/dumps/<chat_id>_<timestamp>.tar.gz
type Store struct {
	baseDir string
}

// New creates a Store rooted at baseDir, creating the directory if absent.
func New(baseDir string) (*Store, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage base dir: %w", err)
	}
	return &Store{baseDir: abs}, nil
}

func (s *Store) conversationDir(partitionKey, chatID string) string {
	return filepath.Join(s.baseDir, partitionKey, chatID)
}

// OutputsDir returns the absolute path of a conversation's outputs
// directory, where the workflow executor places step artifacts.
func (s *Store) OutputsDir(partitionKey, chatID string) string {
	return filepath.Join(s.conversationDir(partitionKey, chatID), "outputs")
}

// WriteHistory writes the serialized conversation history manifest into
// the conversation directory, alongside metadata.json, so dumps carry the
// full persisted record and not just the raw files.
func (s *Store) WriteHistory(partitionKey, chatID string, data []byte) error {
	dir := s.conversationDir(partitionKey, chatID)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: conversation %s", ErrFileNotFound, chatID)
		}
		return err
	}
	return os.WriteFile(filepath.Join(dir, "history.json"), data, 0o644)
}

// ReadHistory returns the conversation's history manifest, or
// ErrFileNotFound when the directory holds none (archives produced before
// the manifest existed, or written by another tool).
func (s *Store) ReadHistory(partitionKey, chatID string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.conversationDir(partitionKey, chatID), "history.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: history.json for %s", ErrFileNotFound, chatID)
		}
		return nil, err
	}
	return data, nil
}

func (s *Store) dumpsDir() string {
	return filepath.Join(s.baseDir, "dumps")
}

// CreateConversationDir lays down the directory skeleton and writes
// metadata.json for a newly created conversation.
func (s *Store) CreateConversationDir(meta Metadata) error {
	dir := s.conversationDir(meta.PartitionKey, meta.ChatID)
	for _, sub := range []string{"uploads", "outputs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("create %s dir: %w", sub, err)
		}
	}
	return s.writeMetadata(dir, meta)
}

func (s *Store) writeMetadata(dir string, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "metadata.json"), data, 0o644)
}

// SaveUploaded writes a client-uploaded file into the conversation's
// uploads directory, sanitizing the filename first.
func (s *Store) SaveUploaded(partitionKey, chatID, filename string, data []byte) (string, error) {
	return s.save(partitionKey, chatID, "uploads", filename, data)
}

// SaveOutput writes an operation's output artifact into the
// conversation's outputs directory.
func (s *Store) SaveOutput(partitionKey, chatID, filename string, data []byte) (string, error) {
	return s.save(partitionKey, chatID, "outputs", filename, data)
}

func (s *Store) save(partitionKey, chatID, subdir, filename string, data []byte) (string, error) {
	clean, err := sanitizeFilename(filename)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(s.conversationDir(partitionKey, chatID), subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s dir: %w", subdir, err)
	}
	path := filepath.Join(dir, clean)
	if _, err := containmentCheck(s.baseDir, path); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", subdir, err)
	}
	return path, nil
}

// Read returns the contents of path, rejecting any path that resolves
// outside the storage root.
func (s *Store) Read(path string) ([]byte, error) {
	abs, err := containmentCheck(s.baseDir, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, err
	}
	return data, nil
}

// ReadDump returns a previously produced archive from the dumps directory
// by base name, with the usual containment validation.
func (s *Store) ReadDump(filename string) ([]byte, error) {
	clean, err := sanitizeFilename(filename)
	if err != nil {
		return nil, err
	}
	return s.Read(filepath.Join(s.dumpsDir(), clean))
}

// DeleteConversation removes a conversation's entire on-disk directory.
func (s *Store) DeleteConversation(partitionKey, chatID string) error {
	dir := s.conversationDir(partitionKey, chatID)
	if _, err := containmentCheck(s.baseDir, dir); err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// BaseDir returns the storage root (used by the Repository to resolve
// relative paths read back from persistence).
func (s *Store) BaseDir() string {
	return s.baseDir
}
