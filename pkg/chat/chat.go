// Package chat is the orchestrator: it composes the State Manager,
// Message Handler Chain, Intent Classifier, Repository, Job Manager,
// Workflow Executor, and Cross-Thread Bridge into the conversation-facing
// use cases.
package chat

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"github.com/frameflow/frameflow/pkg/bridge"
	"github.com/frameflow/frameflow/pkg/executor"
	"github.com/frameflow/frameflow/pkg/handlers"
	"github.com/frameflow/frameflow/pkg/hub"
	"github.com/frameflow/frameflow/pkg/jobs"
	"github.com/frameflow/frameflow/pkg/models"
	"github.com/frameflow/frameflow/pkg/operations"
	"github.com/frameflow/frameflow/pkg/repository"
	"github.com/frameflow/frameflow/pkg/state"
)

// ErrConversationNotFound wraps a repository lookup miss at the service boundary.
var ErrConversationNotFound = errors.New("chat: conversation not found")

// ErrNoPendingWorkflow is returned by ConfirmWorkflow when there is no
// proposal awaiting confirmation and the caller didn't supply one.
var ErrNoPendingWorkflow = errors.New("chat: no pending workflow to confirm")

// ErrInvalidWorkflowStep is returned when a user-modified workflow step
// carries arguments its operation does not declare.
var ErrInvalidWorkflowStep = errors.New("chat: invalid workflow step arguments")

// ErrJobChatMismatch is returned when a job id is valid but belongs to a
// different conversation than the one requesting it.
var ErrJobChatMismatch = errors.New("chat: job does not belong to this conversation")

// requestTimeout bounds synchronous handler work; it must never include
// waiting on workflow execution (that happens on the Job Manager's pool).
const requestTimeout = 5 * time.Second

// Service composes the core components into the use cases of the external
// interface.
type Service struct {
	repo     *repository.Repository
	states   *state.Manager
	chain    *handlers.Chain
	jobs     *jobs.Manager
	executor *executor.Executor
	bridge   *bridge.Bridge
	registry *operations.Registry

	partitionStrategyDefault string
}

// New builds a Service over its already-constructed collaborators.
func New(repo *repository.Repository, states *state.Manager, chain *handlers.Chain, jobManager *jobs.Manager, exec *executor.Executor, br *bridge.Bridge, registry *operations.Registry) *Service {
	return &Service{
		repo:                     repo,
		states:                   states,
		chain:                    chain,
		jobs:                     jobManager,
		executor:                 exec,
		bridge:                   br,
		registry:                 registry,
		partitionStrategyDefault: string(models.PartitionStrategyTimeBased),
	}
}

// welcomeMessage is the system message every new conversation starts with.
const welcomeMessage = "Hi! Upload a file or describe what you'd like to do with your data and I'll suggest a workflow."

// CreateConversation allocates a new conversation, seeds it with a welcome
// message, and sets up its idle context.
func (s *Service) CreateConversation(ctx context.Context, partitionStrategy string) (*models.Conversation, error) {
	if partitionStrategy == "" {
		partitionStrategy = s.partitionStrategyDefault
	}
	conv, err := s.repo.CreateConversation(ctx, partitionStrategy)
	if err != nil {
		return nil, err
	}
	s.states.GetOrCreate(conv.ChatID, state.StateIdle)

	welcome, err := s.repo.AddMessage(ctx, conv.ChatID, models.MessageTypeSystem, welcomeMessage, nil)
	if err != nil {
		return nil, err
	}
	conv.Messages = append(conv.Messages, welcome)

	return conv, nil
}

// contextFor returns the live or rebuilt ConversationContext for chatID,
// along with the hydrated Conversation aggregate. The context's uploaded
// file mirror is re-synced from the persisted entries on every call, so a
// context rebuilt after eviction or a process restart sees every file.
func (s *Service) contextFor(ctx context.Context, chatID string) (*state.ConversationContext, *models.Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, chatID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrConversationNotFound, err)
	}

	cc, ok := s.states.Get(chatID)
	if !ok {
		initial := state.StateIdle
		if conv.Status == models.ConversationStatusProcessing {
			initial = state.StateProcessing
		}
		cc = s.states.GetOrCreate(chatID, initial)
	}
	cc.SyncFiles(conv.UploadedFiles)
	return cc, conv, nil
}

// SendMessage routes free text through the Message Handler Chain and
// persists both the user's message and the bot's response. A "yes" while a
// proposal awaits confirmation submits the pending workflow, exactly as a
// confirm call would.
func (s *Service) SendMessage(ctx context.Context, chatID, text string) (*models.SendMessageResult, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	cc, _, err := s.contextFor(ctx, chatID)
	if err != nil {
		return nil, err
	}

	if _, err := s.repo.AddMessage(ctx, chatID, models.MessageTypeUser, text, nil); err != nil {
		return nil, err
	}
	cc.RecordMessage()

	snapshot := cc.Snapshot()
	hasFile := len(snapshot.UploadedFiles) > 0

	// A plain text message always carries the conversation out of idle,
	// mirroring the state diagram's idle --user_msg--> awaiting_file edge.
	if snapshot.State == state.StateIdle {
		_ = cc.Apply(state.EventUserMessage)
	}

	resp, err := s.chain.Dispatch(ctx, handlers.Input{
		ChatID:          chatID,
		Text:            text,
		HasUploadedFile: hasFile,
		Context:         cc,
	})
	if err != nil {
		return nil, err
	}

	if resp.ConfirmYes {
		confirmResult, err := s.ConfirmWorkflow(ctx, chatID, models.ConfirmWorkflowRequest{Confirmed: true})
		if err != nil {
			return nil, err
		}
		if _, err := s.repo.AddMessage(ctx, chatID, models.MessageTypeSystem, resp.BotResponse, nil); err != nil {
			return nil, err
		}
		return &models.SendMessageResult{
			BotResponse: resp.BotResponse,
			JobID:       confirmResult.JobID,
		}, nil
	}

	if err := s.applyResponse(cc, resp); err != nil {
		return nil, err
	}

	if _, err := s.repo.AddMessage(ctx, chatID, models.MessageTypeSystem, resp.BotResponse, proposalMetadata(resp)); err != nil {
		return nil, err
	}

	return &models.SendMessageResult{
		BotResponse:          resp.BotResponse,
		SuggestedWorkflow:    resp.SuggestedWorkflow,
		RequiresConfirmation: resp.RequiresConfirmation,
		RequiresFile:         resp.RequiresFile,
	}, nil
}

// UploadFile records an uploaded file and proposes a workflow based on it.
// The persisted file entries are synced into the in-memory context before
// (via contextFor) and after the save; both syncs are idempotent unions so
// re-uploads and concurrent requests never duplicate entries.
func (s *Service) UploadFile(ctx context.Context, chatID, filename string, data []byte) (*models.UploadFileResult, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	cc, conv, err := s.contextFor(ctx, chatID)
	if err != nil {
		return nil, err
	}

	savedPath, err := s.repo.SaveUploadedFile(ctx, chatID, conv.PartitionKey, filename, data)
	if err != nil {
		return nil, err
	}
	cc.SyncFiles([]string{savedPath})

	if _, err := s.repo.AddMessage(ctx, chatID, models.MessageTypeFileUpload, filename, map[string]any{"file_path": savedPath}); err != nil {
		return nil, err
	}
	cc.RecordMessage()

	snapshot := cc.Snapshot()

	// An upload while a workflow is running is recorded but produces no new
	// proposal; the file is available for the next request.
	if snapshot.State == state.StateProcessing {
		bot := "File received. A workflow is still running; the file will be available for your next request."
		if _, err := s.repo.AddMessage(ctx, chatID, models.MessageTypeSystem, bot, nil); err != nil {
			return nil, err
		}
		return &models.UploadFileResult{
			FilePath:    savedPath,
			DownloadURL: downloadURL(chatID, savedPath),
			BotResponse: bot,
		}, nil
	}

	if snapshot.State == state.StateIdle {
		_ = cc.Apply(state.EventUserMessage)
	}

	resp, err := s.chain.Dispatch(ctx, handlers.Input{
		ChatID:       chatID,
		Text:         filename,
		IsUpload:     true,
		UploadedPath: savedPath,
		Context:      cc,
	})
	if err != nil {
		return nil, err
	}

	if err := s.applyResponse(cc, resp); err != nil {
		return nil, err
	}

	if _, err := s.repo.AddMessage(ctx, chatID, models.MessageTypeSystem, resp.BotResponse, proposalMetadata(resp)); err != nil {
		return nil, err
	}

	return &models.UploadFileResult{
		FilePath:          savedPath,
		DownloadURL:       downloadURL(chatID, savedPath),
		BotResponse:       resp.BotResponse,
		SuggestedWorkflow: resp.SuggestedWorkflow,
	}, nil
}

// proposalMetadata builds the metadata persisted alongside a system
// message that carries a workflow proposal, so a later hydration can
// recover the exact proposed steps and whether they awaited confirmation.
func proposalMetadata(resp handlers.Response) map[string]any {
	if len(resp.SuggestedWorkflow) == 0 {
		return nil
	}
	return map[string]any{
		"suggested_workflow":    resp.SuggestedWorkflow,
		"requires_confirmation": resp.RequiresConfirmation,
	}
}

// applyResponse applies a handler Response's state transition, if any,
// tolerating illegal transitions for handlers (like help) that never
// intend one. Conversation status in persistence only tracks workflow
// lifecycle (processing/completed/failed), never intermediate chat states.
func (s *Service) applyResponse(cc *state.ConversationContext, resp handlers.Response) error {
	// A suggested workflow becomes the pending proposal even when it still
	// awaits a file: the eventual upload confirms against it.
	if resp.SuggestedWorkflow != nil {
		cc.SetPendingWorkflow(resp.SuggestedWorkflow, "")
	}
	if resp.Event == "" {
		return nil
	}
	if err := cc.Apply(resp.Event); err != nil {
		var illegal *state.IllegalTransitionError
		if errors.As(err, &illegal) {
			return nil
		}
		return err
	}
	return nil
}

// validateSteps resolves each proposed operation against the registry and
// rejects argument keys the operation does not declare, so an unknown
// operation or a malformed modification fails before any job is submitted.
func (s *Service) validateSteps(proposed []models.ProposedStep) error {
	for _, p := range proposed {
		entry, err := s.registry.Get(p.Operation)
		if err != nil {
			return err
		}
		allowed := make(map[string]bool, len(entry.ArgSchema))
		for _, k := range entry.ArgSchema {
			allowed[k] = true
		}
		for k := range p.Arguments {
			if !allowed[k] {
				return fmt.Errorf("%w: operation %s does not accept argument %q", ErrInvalidWorkflowStep, p.Operation, k)
			}
		}
	}
	return nil
}

// ConfirmWorkflow persists the confirmed (or user-modified) step list and
// either runs it synchronously or submits it to the Job Manager. A decline
// clears the pending proposal and returns the context to idle.
func (s *Service) ConfirmWorkflow(ctx context.Context, chatID string, req models.ConfirmWorkflowRequest) (*models.ConfirmWorkflowResult, error) {
	cc, conv, err := s.contextFor(ctx, chatID)
	if err != nil {
		return nil, err
	}

	if !req.Confirmed {
		_ = cc.Apply(state.EventCancel)
		return &models.ConfirmWorkflowResult{Status: "cancelled", BotResponse: "Workflow discarded."}, nil
	}

	proposed := req.ModifiedWorkflow
	if proposed == nil {
		proposed = cc.Snapshot().PendingWorkflow
		if len(proposed) == 0 {
			return nil, ErrNoPendingWorkflow
		}
	}

	if err := s.validateSteps(proposed); err != nil {
		return nil, err
	}

	if err := cc.Apply(state.EventConfirm); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateConversationStatus(ctx, chatID, models.ConversationStatusProcessing); err != nil {
		return nil, err
	}

	steps := make([]*models.WorkflowStep, 0, len(proposed))
	for _, p := range proposed {
		step, err := s.repo.AddWorkflowStep(ctx, chatID, p.Operation, p.Arguments)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}

	var inputPath string
	if files := cc.Snapshot().UploadedFiles; len(files) > 0 {
		inputPath = files[len(files)-1]
	}
	outputsDir := s.repo.OutputsDir(conv.PartitionKey, chatID)

	runFn := func(runCtx context.Context) ([]*models.WorkflowStep, error) {
		sink := &workflowSink{svc: s, chatID: chatID}
		return steps, s.executor.ExecuteWorkflow(runCtx, steps, inputPath, outputsDir, sink)
	}

	if !req.RunAsyncOrDefault() {
		_, runErr := runFn(ctx)
		return s.finishConfirm(ctx, chatID, cc, steps, runErr), nil
	}

	job, err := s.jobs.Submit(chatID, runFn, func(done *jobs.BackgroundJob) {
		var runErr error
		if done.Status != jobs.JobStatusCompleted {
			msg := done.ErrorMessage
			if msg == "" {
				msg = string(done.Status)
			}
			runErr = errors.New(msg)
		}
		s.finishConfirm(context.Background(), chatID, cc, steps, runErr)
	})
	if err != nil {
		return nil, err
	}

	return &models.ConfirmWorkflowResult{JobID: job.JobID, Status: string(job.Status)}, nil
}

// finishConfirm records a finished run's terminal state: conversation
// status, state machine transition, and a terminal system message in the
// conversation's history. The terminal WebSocket events were already
// published by the executor's sink.
func (s *Service) finishConfirm(ctx context.Context, chatID string, cc *state.ConversationContext, steps []*models.WorkflowStep, runErr error) *models.ConfirmWorkflowResult {
	outputs := make([]string, 0, len(steps))
	for _, step := range steps {
		if step.OutputFile != "" {
			outputs = append(outputs, step.OutputFile)
		}
	}

	if runErr != nil {
		_ = cc.Apply(state.EventFailure)
		_ = s.repo.UpdateConversationStatus(ctx, chatID, models.ConversationStatusFailed)
		bot := fmt.Sprintf("The workflow failed: %v. You can upload a different file or try another request.", runErr)
		_, _ = s.repo.AddMessage(ctx, chatID, models.MessageTypeError, bot, nil)
		// failed -> idle, like the success path: the bot just offered a
		// retry, so the context must be able to accept one.
		cc.SetPendingWorkflow(nil, "")
		_ = cc.Apply(state.EventReset)
		return &models.ConfirmWorkflowResult{Status: "failed", BotResponse: bot, OutputFiles: outputs}
	}

	_ = cc.Apply(state.EventSuccess)
	_ = s.repo.UpdateConversationStatus(ctx, chatID, models.ConversationStatusCompleted)
	bot := fmt.Sprintf("Workflow completed: %d output file(s) ready for download.", len(outputs))
	_, _ = s.repo.AddMessage(ctx, chatID, models.MessageTypeSystem, bot, nil)
	cc.SetPendingWorkflow(nil, "")
	_ = cc.Apply(state.EventReset)

	return &models.ConfirmWorkflowResult{Status: "completed", BotResponse: bot, OutputFiles: outputs}
}

// workflowSink receives the executor's lifecycle events for one run: it
// persists step mutations, records output files, and forwards each event
// over the Bridge to the conversation's WebSocket room.
type workflowSink struct {
	svc    *Service
	chatID string
}

// persist is best effort: a persistence hiccup mid-run must not abort the
// workflow, and the terminal update will land the final state anyway.
func (w *workflowSink) persist(step *models.WorkflowStep) {
	_ = w.svc.repo.UpdateWorkflowStep(context.Background(), step)
}

func (w *workflowSink) publish(eventType string, fields map[string]any) {
	_ = w.svc.bridge.Publish(w.chatID, hub.Event{Type: eventType, ChatID: w.chatID, Fields: fields})
}

func (w *workflowSink) WorkflowStarted(totalSteps int) {
	w.publish("workflow_started", map[string]any{
		"total_steps": totalSteps,
		"message":     fmt.Sprintf("Starting workflow with %d step(s)", totalSteps),
	})
}

func (w *workflowSink) StepProgress(step *models.WorkflowStep, message string) {
	w.persist(step)
	w.publish("progress", map[string]any{
		"step_id":   step.StepID,
		"operation": step.Operation,
		"progress":  step.Progress,
		"status":    string(step.Status),
		"message":   message,
	})
}

func (w *workflowSink) StepCompleted(step *models.WorkflowStep) {
	w.persist(step)
	if step.OutputFile != "" {
		_ = w.svc.repo.RecordFile(context.Background(), w.chatID, step.OutputFile, models.FileRoleOutput)
	}
	w.publish("step_completed", map[string]any{
		"step_id":     step.StepID,
		"operation":   step.Operation,
		"status":      string(step.Status),
		"output_file": filepath.Base(step.OutputFile),
	})
}

func (w *workflowSink) WorkflowCompleted(totalSteps, outputFileCount int) {
	w.publish("workflow_completed", map[string]any{
		"total_steps":        totalSteps,
		"output_files_count": outputFileCount,
		"message":            "Workflow completed successfully",
	})
}

func (w *workflowSink) WorkflowFailed(step *models.WorkflowStep, err error) {
	w.persist(step)
	w.publish("workflow_failed", map[string]any{
		"error":   err.Error(),
		"message": "Workflow failed at step " + step.Operation,
	})
}

// GetJobStatus returns the tracked state of a background job, scoped to the
// conversation it was submitted for.
func (s *Service) GetJobStatus(chatID, jobID string) (*jobs.BackgroundJob, error) {
	job, err := s.jobs.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.ChatID != chatID {
		return nil, ErrJobChatMismatch
	}
	return job, nil
}

// GetHistory returns the fully hydrated conversation. A non-zero limit
// restricts the returned Messages to the most recent limit entries; 0 means
// no limit.
func (s *Service) GetHistory(ctx context.Context, chatID string, limit int) (*models.Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConversationNotFound, err)
	}
	if limit > 0 && len(conv.Messages) > limit {
		conv.Messages = conv.Messages[len(conv.Messages)-limit:]
	}
	return conv, nil
}

// DeleteConversation removes a conversation's persisted and on-disk state
// and evicts its in-memory context.
func (s *Service) DeleteConversation(ctx context.Context, chatID string) error {
	conv, err := s.repo.GetConversation(ctx, chatID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConversationNotFound, err)
	}
	if err := s.repo.DeleteConversation(ctx, chatID, conv.PartitionKey); err != nil {
		return err
	}
	s.states.Evict(chatID)
	return nil
}

// downloadURL builds a path-relative download reference for a stored file;
// the REST transport layer turns this into an absolute URL using the
// incoming request's scheme and host.
func downloadURL(chatID, filePath string) string {
	return path.Join("/conversations", chatID, "files", filepath.Base(filePath))
}
