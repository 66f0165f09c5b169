package chat

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

	"github.com/frameflow/frameflow/pkg/bridge"
	"github.com/frameflow/frameflow/pkg/executor"
	"github.com/frameflow/frameflow/pkg/handlers"
	"github.com/frameflow/frameflow/pkg/hub"
	"github.com/frameflow/frameflow/pkg/intent"
	"github.com/frameflow/frameflow/pkg/jobs"
	"github.com/frameflow/frameflow/pkg/models"
	"github.com/frameflow/frameflow/pkg/operations"
	"github.com/frameflow/frameflow/pkg/persistence"
	"github.com/frameflow/frameflow/pkg/repository"
	"github.com/frameflow/frameflow/pkg/state"
	"github.com/frameflow/frameflow/pkg/storage"
)

func newTestService(t *testing.T) *Service {
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

	repo := repository.New(store, fileStore, "2006/01")
	states := state.New(30 * time.Minute)
	chain := handlers.NewChain(intent.New())
	jobManager := jobs.New(2, time.Hour, 5*time.Minute)
	jobManager.Start(ctx)
	t.Cleanup(jobManager.Stop)
	exec := executor.New(operations.New(), 10*time.Second)
	br := bridge.New()
	br.Install(hub.New(100, time.Minute, 5*time.Second))
	t.Cleanup(br.Shutdown)

	return New(repo, states, chain, jobManager, exec, br, operations.New())
}

func TestCreateConversationStartsIdle(t *testing.T) {
	svc := newTestService(t)
	conv, err := svc.CreateConversation(context.Background(), "")
	require.NoError(t, err)
	assert.NotEmpty(t, conv.ChatID)
	assert.Equal(t, models.ConversationStatusCreated, conv.Status)
}

func TestSendMessageWithoutFileAsksForUpload(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "")
	require.NoError(t, err)

	result, err := svc.SendMessage(ctx, conv.ChatID, "extract columns: name, age")
	require.NoError(t, err)
	assert.True(t, result.RequiresFile)
	assert.False(t, result.RequiresConfirmation)
}

func TestUploadFileProposesWorkflowReadyToConfirm(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "")
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, conv.ChatID, "extract columns: name, age")
	require.NoError(t, err)

	upload, err := svc.UploadFile(ctx, conv.ChatID, "data.csv", []byte("name,age\nAda,30\n"))
	require.NoError(t, err)
	assert.NotEmpty(t, upload.FilePath)
	assert.NotEmpty(t, upload.DownloadURL)
	require.Len(t, upload.SuggestedWorkflow, 1)

	cc, ok := svc.states.Get(conv.ChatID)
	require.True(t, ok)
	assert.Equal(t, state.StateAwaitingConfirmation, cc.Snapshot().State)
}

func TestUploadFileSyncsFileEntryIdempotently(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "")
	require.NoError(t, err)

	_, err = svc.UploadFile(ctx, conv.ChatID, "data.csv", []byte("name,age\nAda,30\n"))
	require.NoError(t, err)

	hydrated, err := svc.GetHistory(ctx, conv.ChatID, 0)
	require.NoError(t, err)
	require.Len(t, hydrated.UploadedFiles, 1)
}

func TestConfirmWorkflowSyncRunsToCompletion(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "")
	require.NoError(t, err)
	_, err = svc.UploadFile(ctx, conv.ChatID, "data.csv", []byte("name,age\nAda,30\n"))
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, conv.ChatID, "extract columns: name, age")
	require.NoError(t, err)

	runAsync := false
	result, err := svc.ConfirmWorkflow(ctx, conv.ChatID, models.ConfirmWorkflowRequest{
		Confirmed: true,
		RunAsync:  &runAsync,
	})
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Status)
	assert.NotEmpty(t, result.OutputFiles)
}

func TestConfirmWorkflowAsyncSubmitsJob(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "")
	require.NoError(t, err)
	_, err = svc.UploadFile(ctx, conv.ChatID, "data.csv", []byte("name,age\nAda,30\n"))
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, conv.ChatID, "extract columns: name, age")
	require.NoError(t, err)

	result, err := svc.ConfirmWorkflow(ctx, conv.ChatID, models.ConfirmWorkflowRequest{Confirmed: true})
	require.NoError(t, err)
	require.NotEmpty(t, result.JobID)

	require.Eventually(t, func() bool {
		job, err := svc.GetJobStatus(conv.ChatID, result.JobID)
		return err == nil && (job.Status == jobs.JobStatusCompleted || job.Status == jobs.JobStatusFailed)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSendMessageYesConfirmsPendingWorkflow(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "")
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, conv.ChatID, "extract columns: name")
	require.NoError(t, err)
	_, err = svc.UploadFile(ctx, conv.ChatID, "data.csv", []byte("name,age\nAda,30\n"))
	require.NoError(t, err)

	result, err := svc.SendMessage(ctx, conv.ChatID, "yes")
	require.NoError(t, err)
	require.NotEmpty(t, result.JobID)

	require.Eventually(t, func() bool {
		job, err := svc.GetJobStatus(conv.ChatID, result.JobID)
		return err == nil && job.Status == jobs.JobStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestConfirmWorkflowDeclineClearsPendingAndReturnsToIdle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "")
	require.NoError(t, err)
	_, err = svc.UploadFile(ctx, conv.ChatID, "data.csv", []byte("name,age\nAda,30\n"))
	require.NoError(t, err)

	result, err := svc.ConfirmWorkflow(ctx, conv.ChatID, models.ConfirmWorkflowRequest{Confirmed: false})
	require.NoError(t, err)
	assert.Equal(t, "cancelled", result.Status)

	cc, ok := svc.states.Get(conv.ChatID)
	require.True(t, ok)
	snapshot := cc.Snapshot()
	assert.Equal(t, state.StateIdle, snapshot.State)
	assert.Empty(t, snapshot.PendingWorkflow)
}

func TestConfirmWorkflowWithoutProposalReturnsNoPendingWorkflow(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "")
	require.NoError(t, err)

	_, err = svc.ConfirmWorkflow(ctx, conv.ChatID, models.ConfirmWorkflowRequest{Confirmed: true})
	assert.ErrorIs(t, err, ErrNoPendingWorkflow)
}

func TestConfirmWorkflowRejectsUnknownOperationBeforeSubmission(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "")
	require.NoError(t, err)
	_, err = svc.UploadFile(ctx, conv.ChatID, "data.csv", []byte("name,age\nAda,30\n"))
	require.NoError(t, err)

	_, err = svc.ConfirmWorkflow(ctx, conv.ChatID, models.ConfirmWorkflowRequest{
		Confirmed: true,
		ModifiedWorkflow: []models.ProposedStep{
			{Operation: "does/not-exist", Arguments: map[string]any{}},
		},
	})
	assert.ErrorIs(t, err, operations.ErrUnknownOperation)
}

func TestConfirmWorkflowRejectsUndeclaredArguments(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "")
	require.NoError(t, err)
	_, err = svc.UploadFile(ctx, conv.ChatID, "data.csv", []byte("name,age\nAda,30\n"))
	require.NoError(t, err)

	_, err = svc.ConfirmWorkflow(ctx, conv.ChatID, models.ConfirmWorkflowRequest{
		Confirmed: true,
		ModifiedWorkflow: []models.ProposedStep{
			{Operation: "json/generate", Arguments: map[string]any{"bogus_key": true}},
		},
	})
	assert.ErrorIs(t, err, ErrInvalidWorkflowStep)
}

func TestWorkflowFailureReturnsContextToIdleAndAllowsRetry(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "")
	require.NoError(t, err)
	_, err = svc.UploadFile(ctx, conv.ChatID, "data.csv", []byte("name,age\nAda,30\n"))
	require.NoError(t, err)

	// The empty argument map clears validation (no undeclared keys) but the
	// handler fails at runtime on the missing required "columns" argument.
	runAsync := false
	result, err := svc.ConfirmWorkflow(ctx, conv.ChatID, models.ConfirmWorkflowRequest{
		Confirmed: true,
		ModifiedWorkflow: []models.ProposedStep{
			{Operation: "excel/extract-columns-to-file", Arguments: map[string]any{}},
		},
		RunAsync: &runAsync,
	})
	require.NoError(t, err)
	assert.Equal(t, "failed", result.Status)

	cc, ok := svc.states.Get(conv.ChatID)
	require.True(t, ok)
	assert.Equal(t, state.StateIdle, cc.Snapshot().State)

	hydrated, err := svc.GetHistory(ctx, conv.ChatID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.ConversationStatusFailed, hydrated.Status)

	// The bot offered a retry; a fresh proposal and confirm must not trip
	// an illegal transition.
	msg, err := svc.SendMessage(ctx, conv.ChatID, "extract columns: name")
	require.NoError(t, err)
	assert.True(t, msg.RequiresConfirmation)

	retry, err := svc.ConfirmWorkflow(ctx, conv.ChatID, models.ConfirmWorkflowRequest{
		Confirmed: true,
		RunAsync:  &runAsync,
	})
	require.NoError(t, err)
	assert.Equal(t, "completed", retry.Status)

	// The persisted status never regresses: the conversation reached failed
	// first, so the later successful run leaves it there.
	hydrated, err = svc.GetHistory(ctx, conv.ChatID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.ConversationStatusFailed, hydrated.Status)
}

func TestSecondWorkflowRunKeepsStatusMonotonic(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "")
	require.NoError(t, err)
	_, err = svc.UploadFile(ctx, conv.ChatID, "data.csv", []byte("name,age\nAda,30\n"))
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, conv.ChatID, "extract columns: name")
	require.NoError(t, err)

	runAsync := false
	first, err := svc.ConfirmWorkflow(ctx, conv.ChatID, models.ConfirmWorkflowRequest{Confirmed: true, RunAsync: &runAsync})
	require.NoError(t, err)
	require.Equal(t, "completed", first.Status)

	// A second run in the same conversation is ordinary use; the persisted
	// status must never move backward from completed to processing.
	_, err = svc.SendMessage(ctx, conv.ChatID, "extract columns: age")
	require.NoError(t, err)
	second, err := svc.ConfirmWorkflow(ctx, conv.ChatID, models.ConfirmWorkflowRequest{Confirmed: true, RunAsync: &runAsync})
	require.NoError(t, err)
	assert.Equal(t, "completed", second.Status)

	hydrated, err := svc.GetHistory(ctx, conv.ChatID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.ConversationStatusCompleted, hydrated.Status)
}

func TestUploadWhileProcessingRecordsFileWithoutProposal(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "")
	require.NoError(t, err)
	svc.states.Evict(conv.ChatID)
	svc.states.GetOrCreate(conv.ChatID, state.StateProcessing)

	result, err := svc.UploadFile(ctx, conv.ChatID, "late.csv", []byte("a,b\n1,2\n"))
	require.NoError(t, err)
	assert.NotEmpty(t, result.FilePath)
	assert.Empty(t, result.SuggestedWorkflow)

	hydrated, err := svc.GetHistory(ctx, conv.ChatID, 0)
	require.NoError(t, err)
	assert.Len(t, hydrated.UploadedFiles, 1)
}

func TestFreshServiceObservesPersistedFiles(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "")
	require.NoError(t, err)
	_, err = svc.UploadFile(ctx, conv.ChatID, "f.csv", []byte("name\nAda\n"))
	require.NoError(t, err)

	// A second service over the same repository simulates a process
	// restart: its state manager has no context for the conversation.
	fresh := New(svc.repo, state.New(30*time.Minute), handlers.NewChain(intent.New()), svc.jobs, svc.executor, svc.bridge, operations.New())

	result, err := fresh.SendMessage(ctx, conv.ChatID, "extract columns: name")
	require.NoError(t, err)
	assert.False(t, result.RequiresFile, "the rebuilt context must observe the persisted upload")
	assert.True(t, result.RequiresConfirmation)
}

func TestGetJobStatusRejectsMismatchedChat(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	convA, err := svc.CreateConversation(ctx, "")
	require.NoError(t, err)
	convB, err := svc.CreateConversation(ctx, "")
	require.NoError(t, err)

	_, err = svc.UploadFile(ctx, convA.ChatID, "data.csv", []byte("name,age\nAda,30\n"))
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, convA.ChatID, "extract columns: name, age")
	require.NoError(t, err)
	result, err := svc.ConfirmWorkflow(ctx, convA.ChatID, models.ConfirmWorkflowRequest{Confirmed: true})
	require.NoError(t, err)

	_, err = svc.GetJobStatus(convB.ChatID, result.JobID)
	assert.ErrorIs(t, err, ErrJobChatMismatch)
}

func TestDeleteConversationEvictsState(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteConversation(ctx, conv.ChatID))

	_, ok := svc.states.Get(conv.ChatID)
	assert.False(t, ok)

	_, err = svc.GetHistory(ctx, conv.ChatID, 0)
	assert.Error(t, err)
}
