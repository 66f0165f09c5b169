package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frameflow/frameflow/pkg/models"
)

func TestConversationCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	c := &models.Conversation{
		ChatID:          uuid.NewString(),
		ParticipantName: "Ada",
		Status:          models.ConversationStatusCreated,
		PartitionKey:    "2026/03",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, store.InsertConversation(ctx, c))

	got, err := store.GetConversation(ctx, c.ChatID)
	require.NoError(t, err)
	assert.Equal(t, c.ParticipantName, got.ParticipantName)
	assert.Equal(t, models.ConversationStatusCreated, got.Status)

	require.NoError(t, store.UpdateConversationStatus(ctx, c.ChatID, models.ConversationStatusProcessing, time.Now()))
	got, err = store.GetConversation(ctx, c.ChatID)
	require.NoError(t, err)
	assert.Equal(t, models.ConversationStatusProcessing, got.Status)

	require.NoError(t, store.DeleteConversation(ctx, c.ChatID))
	_, err = store.GetConversation(ctx, c.ChatID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateConversationStatusIsForwardOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	chatID := uuid.NewString()
	require.NoError(t, store.InsertConversation(ctx, &models.Conversation{
		ChatID: chatID, ParticipantName: "Ada", Status: models.ConversationStatusCreated,
		PartitionKey: "2026/03", CreatedAt: now, UpdatedAt: now,
	}))

	require.NoError(t, store.UpdateConversationStatus(ctx, chatID, models.ConversationStatusProcessing, time.Now()))
	require.NoError(t, store.UpdateConversationStatus(ctx, chatID, models.ConversationStatusCompleted, time.Now()))

	// Backward and terminal-to-terminal writes are guarded no-ops.
	require.NoError(t, store.UpdateConversationStatus(ctx, chatID, models.ConversationStatusProcessing, time.Now()))
	require.NoError(t, store.UpdateConversationStatus(ctx, chatID, models.ConversationStatusFailed, time.Now()))

	got, err := store.GetConversation(ctx, chatID)
	require.NoError(t, err)
	assert.Equal(t, models.ConversationStatusCompleted, got.Status)

	// A missing conversation is still an error, not a silent no-op.
	err = store.UpdateConversationStatus(ctx, uuid.NewString(), models.ConversationStatusProcessing, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertConversationUpsertKeepsChildren(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	c := &models.Conversation{
		ChatID: uuid.NewString(), ParticipantName: "Ada", Status: models.ConversationStatusCreated,
		PartitionKey: "2026/03", Metadata: map[string]any{"origin": "test"}, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.InsertConversation(ctx, c))
	require.NoError(t, store.InsertMessage(ctx, &models.Message{
		MessageID: uuid.NewString(), ChatID: c.ChatID, Type: models.MessageTypeUser,
		Content: "hello", Metadata: map[string]any{}, CreatedAt: now,
	}))

	// A conflicting insert must update in place, not replace the row: a
	// replace would cascade-delete the message written above.
	c.Status = models.ConversationStatusCompleted
	require.NoError(t, store.InsertConversation(ctx, c))

	got, err := store.GetConversation(ctx, c.ChatID)
	require.NoError(t, err)
	assert.Equal(t, models.ConversationStatusCompleted, got.Status)
	assert.Equal(t, "test", got.Metadata["origin"])

	messages, err := store.ListMessages(ctx, c.ChatID)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestCascadeDeleteRemovesChildren(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	chatID := uuid.NewString()
	require.NoError(t, store.InsertConversation(ctx, &models.Conversation{
		ChatID: chatID, ParticipantName: "Ada", Status: models.ConversationStatusCreated,
		PartitionKey: "2026/03", CreatedAt: now, UpdatedAt: now,
	}))

	require.NoError(t, store.InsertMessage(ctx, &models.Message{
		MessageID: uuid.NewString(), ChatID: chatID, Type: models.MessageTypeUser,
		Content: "hello", Metadata: map[string]any{}, CreatedAt: now,
	}))
	require.NoError(t, store.InsertWorkflowStep(ctx, &models.WorkflowStep{
		StepID: uuid.NewString(), ChatID: chatID, Operation: "excel/extract-columns-to-file",
		Arguments: map[string]any{"columns": []any{"a"}}, Status: models.StepStatusPending,
	}))
	require.NoError(t, store.RecordFile(ctx, &models.FileEntry{
		ChatID: chatID, FilePath: "uploads/in.csv", Role: models.FileRoleUploaded, CreatedAt: now,
	}))

	require.NoError(t, store.DeleteConversation(ctx, chatID))

	messages, err := store.ListMessages(ctx, chatID)
	require.NoError(t, err)
	assert.Empty(t, messages)

	steps, err := store.ListWorkflowSteps(ctx, chatID)
	require.NoError(t, err)
	assert.Empty(t, steps)

	files, err := store.ListFiles(ctx, chatID, "")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestRecordFileIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	chatID := uuid.NewString()
	require.NoError(t, store.InsertConversation(ctx, &models.Conversation{
		ChatID: chatID, ParticipantName: "Ada", Status: models.ConversationStatusCreated,
		PartitionKey: "2026/03", CreatedAt: now, UpdatedAt: now,
	}))

	entry := &models.FileEntry{ChatID: chatID, FilePath: "outputs/out.csv", Role: models.FileRoleOutput, CreatedAt: now}
	require.NoError(t, store.RecordFile(ctx, entry))
	require.NoError(t, store.RecordFile(ctx, entry))

	files, err := store.ListFiles(ctx, chatID, models.FileRoleOutput)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestUpdateWorkflowStepUpsertsOnStepID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	chatID := uuid.NewString()
	require.NoError(t, store.InsertConversation(ctx, &models.Conversation{
		ChatID: chatID, ParticipantName: "Ada", Status: models.ConversationStatusCreated,
		PartitionKey: "2026/03", CreatedAt: now, UpdatedAt: now,
	}))

	stepID := uuid.NewString()
	step := &models.WorkflowStep{
		StepID: stepID, ChatID: chatID, Operation: "format/convert",
		Arguments: map[string]any{}, Status: models.StepStatusPending,
	}
	require.NoError(t, store.UpdateWorkflowStep(ctx, step))

	step.Status = models.StepStatusCompleted
	step.Progress = 100
	require.NoError(t, store.UpdateWorkflowStep(ctx, step))

	steps, err := store.ListWorkflowSteps(ctx, chatID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, models.StepStatusCompleted, steps[0].Status)
	assert.Equal(t, 100, steps[0].Progress)
}

func TestSnapshotWritesFile(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	chatID := uuid.NewString()
	require.NoError(t, store.InsertConversation(ctx, &models.Conversation{
		ChatID: chatID, ParticipantName: "Ada", Status: models.ConversationStatusCreated,
		PartitionKey: "2026/03", CreatedAt: now, UpdatedAt: now,
	}))

	path, err := store.Snapshot(ctx, t.TempDir(), now)
	require.NoError(t, err)
	assert.FileExists(t, path)
}
