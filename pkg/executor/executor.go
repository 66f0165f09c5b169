// Package executor runs a confirmed workflow: a sequence of operations
// chained so each step's output feeds the next step's input.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/frameflow/frameflow/pkg/models"
	"github.com/frameflow/frameflow/pkg/operations"
)

// ErrStepTimeout is returned (wrapped) when a step exceeds the configured
// per-step wall-clock limit.
var ErrStepTimeout = errors.New("executor: step timed out")

// progressCoalesceInterval bounds how often StepProgress is invoked per
// step, so a chatty operation handler doesn't flood the caller (and, in
// turn, a WebSocket hub) with updates.
const progressCoalesceInterval = 100 * time.Millisecond

// EventSink receives the executor's lifecycle events. Implementations
// typically persist the step and forward the event to the WebSocket hub.
// StepProgress calls for a handler's progress ticks come from the goroutine
// running that handler, one at a time; all other calls are made from the
// goroutine running ExecuteWorkflow.
type EventSink interface {
	WorkflowStarted(totalSteps int)
	StepProgress(step *models.WorkflowStep, message string)
	StepCompleted(step *models.WorkflowStep)
	WorkflowCompleted(totalSteps, outputFileCount int)
	WorkflowFailed(step *models.WorkflowStep, err error)
}

// nopSink lets ExecuteWorkflow run without a sink wired.
type nopSink struct{}

func (nopSink) WorkflowStarted(int)                        {}
func (nopSink) StepProgress(*models.WorkflowStep, string)  {}
func (nopSink) StepCompleted(*models.WorkflowStep)         {}
func (nopSink) WorkflowCompleted(int, int)                 {}
func (nopSink) WorkflowFailed(*models.WorkflowStep, error) {}

// Executor sequentially runs a workflow's steps against the operation
// registry, failing fast on the first error.
type Executor struct {
	registry    *operations.Registry
	stepTimeout time.Duration
}

// New builds an Executor bound to a registry and a default per-step timeout.
func New(registry *operations.Registry, stepTimeout time.Duration) *Executor {
	return &Executor{registry: registry, stepTimeout: stepTimeout}
}

// ExecuteWorkflow runs steps in order starting from initialInputPath,
// moving each step's artifact into outputsDir under a deterministic name.
// Each step's output file becomes the following step's input. Execution
// stops at the first failing step; steps after it are left pending. An
// empty workflow completes immediately. sink, if non-nil, observes every
// lifecycle event; per-step progress is coalesced to at most one event per
// progressCoalesceInterval plus one on each status change.
func (e *Executor) ExecuteWorkflow(ctx context.Context, steps []*models.WorkflowStep, initialInputPath, outputsDir string, sink EventSink) error {
	if sink == nil {
		sink = nopSink{}
	}

	sink.WorkflowStarted(len(steps))

	currentInput := initialInputPath
	outputs := 0
	for i, step := range steps {
		if err := e.executeStep(ctx, step, currentInput, outputsDir, i, sink); err != nil {
			completed := time.Now().UTC()
			step.Status = models.StepStatusFailed
			step.ErrorMessage = err.Error()
			step.CompletedAt = &completed
			sink.WorkflowFailed(step, err)
			return fmt.Errorf("step %d (%s): %w", i, step.Operation, err)
		}
		if step.OutputFile != "" {
			outputs++
		}
		currentInput = step.OutputFile
	}

	sink.WorkflowCompleted(len(steps), outputs)
	return nil
}

func (e *Executor) executeStep(ctx context.Context, step *models.WorkflowStep, inputPath, outputsDir string, index int, sink EventSink) error {
	entry, err := e.registry.Get(step.Operation)
	if err != nil {
		return err
	}

	stepCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()

	now := time.Now().UTC()
	step.StartedAt = &now
	step.Status = models.StepStatusRunning
	step.InputFile = inputPath
	step.Progress = 0
	sink.StepProgress(step, "Starting step")

	var (
		mu        sync.Mutex
		lastEmit  time.Time
		resultErr error
		outPath   string
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		outPath, resultErr = entry.Handler(inputPath, step.Arguments, func(percent int, message string) {
			mu.Lock()
			defer mu.Unlock()
			step.Progress = percent
			if time.Since(lastEmit) < progressCoalesceInterval {
				return
			}
			lastEmit = time.Now()
			sink.StepProgress(step, message)
		})
	}()

	select {
	case <-done:
	case <-stepCtx.Done():
		<-done
		if stepCtx.Err() != nil && resultErr == nil {
			resultErr = fmt.Errorf("%w: exceeded %s", ErrStepTimeout, e.stepTimeout)
		}
	}

	if resultErr != nil {
		return resultErr
	}

	finalPath := outPath
	if outPath != "" && outputsDir != "" {
		finalPath, err = moveToOutputs(outPath, outputsDir, inputPath, step.Operation, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("place output artifact: %w", err)
		}
	}

	completed := time.Now().UTC()
	step.CompletedAt = &completed
	step.Status = models.StepStatusCompleted
	step.Progress = 100
	step.OutputFile = finalPath
	sink.StepCompleted(step)

	slog.Debug("workflow step completed", "operation", step.Operation, "step_id", step.StepID, "output", finalPath)
	return nil
}

// moveToOutputs relocates a handler-produced artifact into outputsDir under
// the name <input-stem>_<operation-suffix>_<timestamp><ext>, where ext is
// whatever the handler produced (a conversion step may change it).
func moveToOutputs(artifactPath, outputsDir, inputPath, operation string, now time.Time) (string, error) {
	if err := os.MkdirAll(outputsDir, 0o755); err != nil {
		return "", err
	}

	inputBase := filepath.Base(inputPath)
	stem := strings.TrimSuffix(inputBase, filepath.Ext(inputBase))
	ext := filepath.Ext(artifactPath)
	opSuffix := filepath.Base(operation)
	timestamp := now.Format("20060102T150405")

	dest := filepath.Join(outputsDir, fmt.Sprintf("%s_%s_%s%s", stem, opSuffix, timestamp, ext))
	if err := os.Rename(artifactPath, dest); err != nil {
		// Rename fails across filesystems; fall back to copy + remove.
		if copyErr := copyFile(artifactPath, dest); copyErr != nil {
			return "", copyErr
		}
		_ = os.Remove(artifactPath)
	}
	return dest, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
