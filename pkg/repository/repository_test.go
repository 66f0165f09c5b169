package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/frameflow/frameflow/pkg/models"
	"github.com/frameflow/frameflow/pkg/persistence"
	"github.com/frameflow/frameflow/pkg/storage"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		container, err := tcpostgres.Run(ctx,
			"postgres:17-alpine",
			tcpostgres.WithDatabase("frameflow_test"),
			tcpostgres.WithUsername("frameflow"),
			tcpostgres.WithPassword("frameflow"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = container.Terminate(ctx) })

		connStr, err = container.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	store, err := persistence.Open(ctx, persistence.Config{
		DSN: connStr, MaxOpenConns: 5, MaxIdleConns: 2,
		ConnMaxLifetime: time.Hour, ConnMaxIdleTime: 15 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fileStore, err := storage.New(t.TempDir())
	require.NoError(t, err)

	return New(store, fileStore, "2006/01")
}

func TestCreateAndGetConversation(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	conv, err := repo.CreateConversation(ctx, "time-based")
	require.NoError(t, err)
	assert.NotEmpty(t, conv.ChatID)
	assert.NotEmpty(t, conv.ParticipantName)
	assert.Equal(t, models.ConversationStatusCreated, conv.Status)

	got, err := repo.GetConversation(ctx, conv.ChatID)
	require.NoError(t, err)
	assert.Equal(t, conv.ChatID, got.ChatID)
	assert.Empty(t, got.Messages)
}

func TestAddMessageAndHydrate(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	conv, err := repo.CreateConversation(ctx, "time-based")
	require.NoError(t, err)

	_, err = repo.AddMessage(ctx, conv.ChatID, models.MessageTypeUser, "extract columns: name", nil)
	require.NoError(t, err)

	got, err := repo.GetConversation(ctx, conv.ChatID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "extract columns: name", got.Messages[0].Content)
}

func TestSaveUploadedFileRecordsEntry(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	conv, err := repo.CreateConversation(ctx, "time-based")
	require.NoError(t, err)

	path, err := repo.SaveUploadedFile(ctx, conv.ChatID, conv.PartitionKey, "data.csv", []byte("a,b\n1,2\n"))
	require.NoError(t, err)

	got, err := repo.GetConversation(ctx, conv.ChatID)
	require.NoError(t, err)
	assert.Contains(t, got.UploadedFiles, path)

	data, err := repo.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(data))
}

func TestDumpAndRestoreRoundTrip(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	conv, err := repo.CreateConversation(ctx, "time-based")
	require.NoError(t, err)
	_, err = repo.SaveUploadedFile(ctx, conv.ChatID, conv.PartitionKey, "data.csv", []byte("x"))
	require.NoError(t, err)
	_, err = repo.AddMessage(ctx, conv.ChatID, models.MessageTypeUser, "extract columns: name", nil)
	require.NoError(t, err)
	_, err = repo.AddMessage(ctx, conv.ChatID, models.MessageTypeSystem, "Here's the proposed workflow.", nil)
	require.NoError(t, err)
	step, err := repo.AddWorkflowStep(ctx, conv.ChatID, "excel/extract-columns-to-file", map[string]any{"columns": []any{"name"}})
	require.NoError(t, err)

	archivePath, err := repo.Dump(ctx, conv.ChatID)
	require.NoError(t, err)
	archiveBytes, err := repo.ReadFile(archivePath)
	require.NoError(t, err)

	require.NoError(t, repo.DeleteConversation(ctx, conv.ChatID, conv.PartitionKey))

	restored, err := repo.Restore(ctx, archiveBytes)
	require.NoError(t, err)
	assert.Equal(t, conv.ChatID, restored.ChatID)
	assert.Equal(t, conv.PartitionKey, restored.PartitionKey)
	assert.Equal(t, conv.ParticipantName, restored.ParticipantName)

	got, err := repo.GetConversation(ctx, conv.ChatID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.UploadedFiles)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "extract columns: name", got.Messages[0].Content)
	assert.Equal(t, "Here's the proposed workflow.", got.Messages[1].Content)
	require.Len(t, got.WorkflowSteps, 1)
	assert.Equal(t, step.StepID, got.WorkflowSteps[0].StepID)
}

func TestAddMessageTimestampsStrictlyAscend(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	conv, err := repo.CreateConversation(ctx, "time-based")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err = repo.AddMessage(ctx, conv.ChatID, models.MessageTypeUser, "msg", nil)
		require.NoError(t, err)
	}

	got, err := repo.GetConversation(ctx, conv.ChatID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 10)
	for i := 1; i < len(got.Messages); i++ {
		assert.True(t, got.Messages[i].CreatedAt.After(got.Messages[i-1].CreatedAt),
			"message %d must be strictly after message %d", i, i-1)
	}
}

func TestDeleteConversationRemovesFiles(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	conv, err := repo.CreateConversation(ctx, "time-based")
	require.NoError(t, err)
	path, err := repo.SaveUploadedFile(ctx, conv.ChatID, conv.PartitionKey, "data.csv", []byte("x"))
	require.NoError(t, err)

	require.NoError(t, repo.DeleteConversation(ctx, conv.ChatID, conv.PartitionKey))

	_, err = repo.ReadFile(path)
	require.Error(t, err)

	_, err = repo.GetConversation(ctx, conv.ChatID)
	require.Error(t, err)
}
