// Package repository is the only component that mutates the Persistence
// Layer and the Storage Layer together, composing them into the coherent
// operations the rest of the system calls.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/frameflow/frameflow/pkg/models"
	"github.com/frameflow/frameflow/pkg/persistence"
	"github.com/frameflow/frameflow/pkg/storage"
)

// Repository composes the Persistence and Storage layers.
type Repository struct {
	store        *persistence.Store
	fileStore    *storage.Store
	partitionFmt string

	randMu sync.Mutex
	rand   *rand.Rand

	// lastMessageAt enforces strictly ascending message timestamps per
	// conversation: two messages written within the clock's resolution
	// would otherwise tie on created_at and lose their relative order
	// under the hydration sort.
	msgMu         sync.Mutex
	lastMessageAt map[string]time.Time
}

// New builds a Repository over an already-opened persistence Store and
// Storage Store. partitionTimeFormat is used for time-based partitioning.
func New(store *persistence.Store, fileStore *storage.Store, partitionTimeFormat string) *Repository {
	return &Repository{
		store:         store,
		fileStore:     fileStore,
		partitionFmt:  partitionTimeFormat,
		rand:          rand.New(rand.NewSource(time.Now().UnixNano())),
		lastMessageAt: make(map[string]time.Time),
	}
}

// nextMessageTime returns a timestamp strictly after every previously
// issued message timestamp for chatID.
func (r *Repository) nextMessageTime(chatID string) time.Time {
	r.msgMu.Lock()
	defer r.msgMu.Unlock()

	now := time.Now().UTC()
	if last, ok := r.lastMessageAt[chatID]; ok && !now.After(last) {
		now = last.Add(time.Microsecond)
	}
	r.lastMessageAt[chatID] = now
	return now
}

func (r *Repository) nextParticipantName() string {
	r.randMu.Lock()
	defer r.randMu.Unlock()
	return generateParticipantName(r.rand)
}

// CreateConversation allocates a chat_id, computes its frozen partition
// key, inserts the row, and lays down the on-disk directory skeleton.
func (r *Repository) CreateConversation(ctx context.Context, partitionStrategy string) (*models.Conversation, error) {
	now := time.Now().UTC()
	chatID := uuid.NewString()

	partitionKey, err := storage.ComputePartitionKey(partitionStrategy, r.partitionFmt, chatID, now)
	if err != nil {
		return nil, err
	}

	conv := &models.Conversation{
		ChatID:          chatID,
		ParticipantName: r.nextParticipantName(),
		Status:          models.ConversationStatusCreated,
		PartitionKey:    partitionKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := r.store.InsertConversation(ctx, conv); err != nil {
		return nil, err
	}

	if err := r.fileStore.CreateConversationDir(storage.Metadata{
		ChatID:          conv.ChatID,
		PartitionKey:    conv.PartitionKey,
		ParticipantName: conv.ParticipantName,
		Status:          string(conv.Status),
		CreatedAt:       conv.CreatedAt,
	}); err != nil {
		return nil, fmt.Errorf("create conversation directory: %w", err)
	}

	return conv, nil
}

// GetConversation hydrates the full aggregate: row, then messages, then
// workflow steps, then file entries.
func (r *Repository) GetConversation(ctx context.Context, chatID string) (*models.Conversation, error) {
	conv, err := r.store.GetConversation(ctx, chatID)
	if err != nil {
		return nil, err
	}

	conv.Messages, err = r.store.ListMessages(ctx, chatID)
	if err != nil {
		return nil, err
	}

	conv.WorkflowSteps, err = r.store.ListWorkflowSteps(ctx, chatID)
	if err != nil {
		return nil, err
	}

	files, err := r.store.ListFiles(ctx, chatID, "")
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		switch f.Role {
		case models.FileRoleUploaded:
			conv.UploadedFiles = append(conv.UploadedFiles, f.FilePath)
		case models.FileRoleOutput:
			conv.OutputFiles = append(conv.OutputFiles, f.FilePath)
		}
	}

	return conv, nil
}

// ListConversations returns a paginated, optionally status-filtered page
// of conversations (flat rows, no hydrated children).
func (r *Repository) ListConversations(ctx context.Context, status string, limit, offset int) ([]*models.Conversation, error) {
	return r.store.ListConversations(ctx, status, limit, offset)
}

// UpdateConversationStatus updates a conversation's lifecycle status.
func (r *Repository) UpdateConversationStatus(ctx context.Context, chatID string, status models.ConversationStatus) error {
	return r.store.UpdateConversationStatus(ctx, chatID, status, time.Now().UTC())
}

// AddMessage inserts a new message into a conversation's timeline.
func (r *Repository) AddMessage(ctx context.Context, chatID string, msgType models.MessageType, content string, metadata map[string]any) (*models.Message, error) {
	m := &models.Message{
		MessageID: uuid.NewString(),
		ChatID:    chatID,
		Type:      msgType,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: r.nextMessageTime(chatID),
	}
	if err := r.store.InsertMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// AddWorkflowStep inserts a new step in pending status.
func (r *Repository) AddWorkflowStep(ctx context.Context, chatID, operation string, arguments map[string]any) (*models.WorkflowStep, error) {
	step := &models.WorkflowStep{
		StepID:    uuid.NewString(),
		ChatID:    chatID,
		Operation: operation,
		Arguments: arguments,
		Status:    models.StepStatusPending,
	}
	if err := r.store.InsertWorkflowStep(ctx, step); err != nil {
		return nil, err
	}
	return step, nil
}

// UpdateWorkflowStep upserts a step on step_id, used for progress and
// terminal-status updates during execution.
func (r *Repository) UpdateWorkflowStep(ctx context.Context, step *models.WorkflowStep) error {
	return r.store.UpdateWorkflowStep(ctx, step)
}

// RecordFile idempotently records a file entry belonging to a conversation.
func (r *Repository) RecordFile(ctx context.Context, chatID, path string, role models.FileRole) error {
	return r.store.RecordFile(ctx, &models.FileEntry{
		ChatID:    chatID,
		FilePath:  path,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	})
}

// SaveUploadedFile writes an uploaded file to storage and records it.
func (r *Repository) SaveUploadedFile(ctx context.Context, chatID, partitionKey, filename string, data []byte) (string, error) {
	path, err := r.fileStore.SaveUploaded(partitionKey, chatID, filename, data)
	if err != nil {
		return "", err
	}
	if err := r.RecordFile(ctx, chatID, path, models.FileRoleUploaded); err != nil {
		return "", err
	}
	return path, nil
}

// SaveOutputFile writes an operation's output artifact to storage and records it.
func (r *Repository) SaveOutputFile(ctx context.Context, chatID, partitionKey, filename string, data []byte) (string, error) {
	path, err := r.fileStore.SaveOutput(partitionKey, chatID, filename, data)
	if err != nil {
		return "", err
	}
	if err := r.RecordFile(ctx, chatID, path, models.FileRoleOutput); err != nil {
		return "", err
	}
	return path, nil
}

// ReadFile reads a file's contents with containment validation.
func (r *Repository) ReadFile(path string) ([]byte, error) {
	return r.fileStore.Read(path)
}

// ReadDump reads a produced archive from the dumps directory by base name.
func (r *Repository) ReadDump(filename string) ([]byte, error) {
	return r.fileStore.ReadDump(filename)
}

// DeleteConversation deletes the conversation row (cascading to its
// children) and then its on-disk directory.
func (r *Repository) DeleteConversation(ctx context.Context, chatID, partitionKey string) error {
	if err := r.store.DeleteConversation(ctx, chatID); err != nil {
		return err
	}
	return r.fileStore.DeleteConversation(partitionKey, chatID)
}

// Snapshot delegates to Persistence to copy the current table contents into
// a timestamped SQL file under snapshotDir.
func (r *Repository) Snapshot(ctx context.Context, snapshotDir string) (string, error) {
	return r.store.Snapshot(ctx, snapshotDir, time.Now().UTC())
}

// historyManifest is the serialized persisted record written into a
// conversation directory before it is dumped, so restore can rebuild the
// rows and not just the raw files.
type historyManifest struct {
	Conversation  *models.Conversation   `json:"conversation"`
	Messages      []*models.Message      `json:"messages"`
	WorkflowSteps []*models.WorkflowStep `json:"workflow_steps"`
}

// Dump exports a conversation's persisted record into its on-disk
// directory as history.json, then packs the directory into a tar+gzip
// archive under the dumps directory.
func (r *Repository) Dump(ctx context.Context, chatID string) (string, error) {
	conv, err := r.GetConversation(ctx, chatID)
	if err != nil {
		return "", err
	}

	manifest, err := json.MarshalIndent(historyManifest{
		Conversation:  conv,
		Messages:      conv.Messages,
		WorkflowSteps: conv.WorkflowSteps,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal history manifest: %w", err)
	}
	if err := r.fileStore.WriteHistory(conv.PartitionKey, chatID, manifest); err != nil {
		return "", err
	}

	return r.fileStore.Dump(conv.PartitionKey, chatID, time.Now().UTC())
}

// Restore delegates to Storage to unpack an archive, then reinserts the
// rows recorded in the archived history.json: the conversation (with its
// original participant name, status, and timestamps), its messages and
// workflow steps, and a file entry per restored upload/output. Archives
// lacking a manifest fall back to metadata.json plus a scan of the
// restored files, re-entering the conversation as created.
func (r *Repository) Restore(ctx context.Context, archiveBytes []byte) (*models.Conversation, error) {
	result, err := r.fileStore.Restore(archiveBytes)
	if err != nil {
		return nil, err
	}

	conv := r.conversationFromRestore(result)

	var manifest historyManifest
	if data, histErr := r.fileStore.ReadHistory(result.PartitionKey, result.ChatID); histErr == nil {
		if err := json.Unmarshal(data, &manifest); err != nil {
			return nil, fmt.Errorf("%w: invalid history.json: %v", storage.ErrMalformedArchive, err)
		}
		if manifest.Conversation != nil {
			conv = manifest.Conversation
		}
	}

	if err := r.store.InsertConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("reinsert restored conversation row: %w", err)
	}

	for _, m := range manifest.Messages {
		if err := r.store.InsertMessage(ctx, m); err != nil {
			return nil, fmt.Errorf("reinsert restored message %s: %w", m.MessageID, err)
		}
	}
	for _, step := range manifest.WorkflowSteps {
		if err := r.store.InsertWorkflowStep(ctx, step); err != nil {
			return nil, fmt.Errorf("reinsert restored workflow step %s: %w", step.StepID, err)
		}
	}

	for _, relPath := range result.Files {
		var role models.FileRole
		switch {
		case strings.HasPrefix(relPath, "uploads/"):
			role = models.FileRoleUploaded
		case strings.HasPrefix(relPath, "outputs/"):
			role = models.FileRoleOutput
		default:
			continue
		}
		absPath := filepath.Join(r.fileStore.BaseDir(), conv.PartitionKey, conv.ChatID, relPath)
		if err := r.RecordFile(ctx, conv.ChatID, absPath, role); err != nil {
			return nil, fmt.Errorf("record restored file %s: %w", relPath, err)
		}
	}

	return conv, nil
}

// conversationFromRestore builds the fallback conversation row for an
// archive with no history manifest: identity and participant name come
// from metadata.json, and the conversation re-enters the created status.
func (r *Repository) conversationFromRestore(result storage.RestoreResult) *models.Conversation {
	name := result.Meta.ParticipantName
	if name == "" {
		name = r.nextParticipantName()
	}
	createdAt := result.Meta.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return &models.Conversation{
		ChatID:          result.ChatID,
		ParticipantName: name,
		Status:          models.ConversationStatusCreated,
		PartitionKey:    result.PartitionKey,
		CreatedAt:       createdAt,
		UpdatedAt:       time.Now().UTC(),
	}
}

// OutputsDir returns the conversation's on-disk outputs directory.
func (r *Repository) OutputsDir(partitionKey, chatID string) string {
	return r.fileStore.OutputsDir(partitionKey, chatID)
}
