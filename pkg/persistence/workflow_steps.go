package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/frameflow/frameflow/pkg/models"
)

// InsertWorkflowStep inserts a workflow step row with the step's own status;
// a row whose step_id already exists is left unchanged.
func (s *Store) InsertWorkflowStep(ctx context.Context, step *models.WorkflowStep) error {
	argsJSON, err := marshalMetadata(step.Arguments)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_steps
			(step_id, chat_id, operation, arguments, input_file, output_file, status, progress, error_message, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (step_id) DO NOTHING`,
		step.StepID, step.ChatID, step.Operation, argsJSON, step.InputFile, step.OutputFile,
		string(step.Status), step.Progress, step.ErrorMessage, step.StartedAt, step.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert workflow step: %w", err)
	}
	return nil
}

// UpdateWorkflowStep upserts a workflow step on step_id, used to record
// progress and terminal status transitions during execution.
func (s *Store) UpdateWorkflowStep(ctx context.Context, step *models.WorkflowStep) error {
	argsJSON, err := marshalMetadata(step.Arguments)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_steps
			(step_id, chat_id, operation, arguments, input_file, output_file, status, progress, error_message, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (step_id) DO UPDATE SET
			input_file    = EXCLUDED.input_file,
			output_file   = EXCLUDED.output_file,
			status        = EXCLUDED.status,
			progress      = EXCLUDED.progress,
			error_message = EXCLUDED.error_message,
			started_at    = EXCLUDED.started_at,
			completed_at  = EXCLUDED.completed_at`,
		step.StepID, step.ChatID, step.Operation, argsJSON, step.InputFile, step.OutputFile,
		string(step.Status), step.Progress, step.ErrorMessage, step.StartedAt, step.CompletedAt)
	if err != nil {
		return fmt.Errorf("update workflow step: %w", err)
	}
	return nil
}

// ListWorkflowSteps returns a conversation's steps ordered by start time,
// with unstarted (pending) steps last.
func (s *Store) ListWorkflowSteps(ctx context.Context, chatID string) ([]*models.WorkflowStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_id, chat_id, operation, arguments, input_file, output_file, status, progress, error_message, started_at, completed_at
		FROM workflow_steps WHERE chat_id = $1
		ORDER BY started_at ASC NULLS LAST`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list workflow steps: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkflowStep
	for rows.Next() {
		var step models.WorkflowStep
		var status string
		var argsJSON []byte
		if err := rows.Scan(&step.StepID, &step.ChatID, &step.Operation, &argsJSON, &step.InputFile,
			&step.OutputFile, &status, &step.Progress, &step.ErrorMessage, &step.StartedAt, &step.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan workflow step: %w", err)
		}
		step.Status = models.StepStatus(status)
		var args map[string]any
		if err := json.Unmarshal(argsJSON, &args); err != nil {
			return nil, fmt.Errorf("unmarshal step arguments: %w", err)
		}
		step.Arguments = args
		out = append(out, &step)
	}
	return out, rows.Err()
}
