// Package jobs runs confirmed workflows asynchronously on a bounded worker
// pool, tracking each run as a BackgroundJob with a simple terminal state
// machine.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/frameflow/frameflow/pkg/models"
)

// JobStatus is the lifecycle state of a BackgroundJob.
type JobStatus string

// Job statuses. Monotonic: pending -> running -> {completed, failed, cancelled}.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// ErrJobNotFound is returned by GetJob/CancelJob for an unknown job id.
var ErrJobNotFound = errors.New("jobs: job not found")

// ErrQueueFull is returned by Submit when the internal queue is saturated.
var ErrQueueFull = errors.New("jobs: queue is full")

// RunFunc executes the work behind a job. It should respect ctx
// cancellation/timeout and return the workflow's resulting step list.
type RunFunc func(ctx context.Context) ([]*models.WorkflowStep, error)

// BackgroundJob tracks one asynchronous workflow execution.
type BackgroundJob struct {
	JobID         string                 `json:"job_id"`
	ChatID        string                 `json:"chat_id"`
	Status        JobStatus              `json:"status"`
	Steps         []*models.WorkflowStep `json:"steps,omitempty"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	LastHeartbeat time.Time              `json:"-"`

	cancel context.CancelFunc
}

// clone returns a caller-owned snapshot of the job record. The caller must
// hold the manager's lock.
func (j *BackgroundJob) clone() *BackgroundJob {
	copied := *j
	copied.cancel = nil
	copied.Steps = append([]*models.WorkflowStep(nil), j.Steps...)
	return &copied
}

// CompleteFunc observes a job reaching a terminal state. It runs
// synchronously on the worker goroutine, after the terminal status has
// been recorded but before the worker picks up its next job, and receives
// a snapshot of the finished record.
type CompleteFunc func(job *BackgroundJob)

type queuedJob struct {
	job        *BackgroundJob
	run        RunFunc
	onComplete CompleteFunc
}

// Manager is a bounded worker pool dispatching BackgroundJobs.
type Manager struct {
	maxWorkers      int
	maxAge          time.Duration
	orphanThreshold time.Duration

	mu   sync.RWMutex
	jobs map[string]*BackgroundJob

	queue  chan queuedJob
	stopCh chan struct{}
	wg     sync.WaitGroup

	started bool
}

// New builds a Manager with maxWorkers concurrent runners. maxAge bounds
// how long a terminal job is retained before CleanupOldJobs evicts it.
// orphanThreshold bounds how long a running job may go without a heartbeat
// before the sweeper marks it failed (a RunFunc still running after its
// context was cancelled, which also stops the heartbeat).
func New(maxWorkers int, maxAge, orphanThreshold time.Duration) *Manager {
	return &Manager{
		maxWorkers:      maxWorkers,
		maxAge:          maxAge,
		orphanThreshold: orphanThreshold,
		jobs:            make(map[string]*BackgroundJob),
		queue:           make(chan queuedJob, maxWorkers*4),
		stopCh:          make(chan struct{}),
	}
}

// Start spawns the worker goroutines and the orphan-sweeper goroutine. Safe
// to call only once; subsequent calls are no-ops.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	for i := 0; i < m.maxWorkers; i++ {
		m.wg.Add(1)
		go m.worker(ctx, i)
	}

	m.wg.Add(1)
	go m.sweepOrphans(ctx)
}

// Stop signals all workers and the sweeper to exit and waits for them.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Submit creates a pending BackgroundJob for chatID and enqueues run for
// execution by the next free worker. onComplete, if non-nil, runs on the
// worker once the job reaches a terminal state. Submit does not block
// waiting for a worker to be free; if the queue itself is saturated it
// returns ErrQueueFull.
func (m *Manager) Submit(chatID string, run RunFunc, onComplete CompleteFunc) (*BackgroundJob, error) {
	job := &BackgroundJob{
		JobID:         fmt.Sprintf("%s_workflow_%s", chatID, uuid.NewString()[:8]),
		ChatID:        chatID,
		Status:        JobStatusPending,
		CreatedAt:     time.Now().UTC(),
		LastHeartbeat: time.Now().UTC(),
	}

	m.mu.Lock()
	m.jobs[job.JobID] = job
	m.mu.Unlock()

	select {
	case m.queue <- queuedJob{job: job, run: run, onComplete: onComplete}:
		return job, nil
	default:
		now := time.Now().UTC()
		m.mu.Lock()
		job.Status = JobStatusFailed
		job.ErrorMessage = ErrQueueFull.Error()
		job.CompletedAt = &now
		m.mu.Unlock()
		return job, ErrQueueFull
	}
}

// GetJob returns a snapshot of a tracked job's current state. The returned
// record is a copy: callers can read it freely while the worker keeps
// mutating the live one.
func (m *Manager) GetJob(jobID string) (*BackgroundJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.clone(), nil
}

// ListActive returns a snapshot of every non-terminal job.
func (m *Manager) ListActive() []*BackgroundJob {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*BackgroundJob
	for _, job := range m.jobs {
		if job.Status == JobStatusPending || job.Status == JobStatusRunning {
			out = append(out, job.clone())
		}
	}
	return out
}

// CancelJob cancels a running job's context. Returns ErrJobNotFound if the
// job id is unknown; it is not an error to cancel a job that has already
// reached a terminal state (a no-op in that case).
func (m *Manager) CancelJob(jobID string) error {
	m.mu.RLock()
	job, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if !ok {
		return ErrJobNotFound
	}
	if job.cancel != nil {
		job.cancel()
	}
	return nil
}

// CleanupOldJobs removes terminal jobs whose CompletedAt is older than
// maxAge relative to now, returning the number evicted.
func (m *Manager) CleanupOldJobs(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for id, job := range m.jobs {
		if job.CompletedAt == nil {
			continue
		}
		if now.Sub(*job.CompletedAt) > m.maxAge {
			delete(m.jobs, id)
			evicted++
		}
	}
	return evicted
}

func (m *Manager) worker(ctx context.Context, workerIndex int) {
	defer m.wg.Done()
	log := slog.With("worker", workerIndex)

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case qj := <-m.queue:
			m.process(ctx, qj, log)
		}
	}
}

func (m *Manager) process(ctx context.Context, qj queuedJob, log *slog.Logger) {
	job := qj.job

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	now := time.Now().UTC()
	m.mu.Lock()
	job.Status = JobStatusRunning
	job.StartedAt = &now
	job.LastHeartbeat = now
	job.cancel = cancel
	m.mu.Unlock()

	heartbeatCtx, cancelHeartbeat := context.WithCancel(jobCtx)
	go m.heartbeat(heartbeatCtx, job)

	steps, err := qj.run(jobCtx)
	cancelHeartbeat()

	completed := time.Now().UTC()
	m.mu.Lock()
	job.CompletedAt = &completed
	job.Steps = steps
	switch {
	case job.Status != JobStatusRunning:
		// The orphan sweeper already marked the job failed; keep that outcome.
	case errors.Is(jobCtx.Err(), context.Canceled):
		job.Status = JobStatusCancelled
	case err != nil:
		job.Status = JobStatusFailed
		job.ErrorMessage = err.Error()
	default:
		job.Status = JobStatusCompleted
	}
	job.cancel = nil
	snapshot := job.clone()
	m.mu.Unlock()

	if err != nil && !errors.Is(jobCtx.Err(), context.Canceled) {
		log.Error("job failed", "job_id", job.JobID, "chat_id", job.ChatID, "error", err)
	}

	if qj.onComplete != nil {
		qj.onComplete(snapshot)
	}
}

func (m *Manager) heartbeat(ctx context.Context, job *BackgroundJob) {
	ticker := time.NewTicker(m.orphanThreshold / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			job.LastHeartbeat = time.Now().UTC()
			m.mu.Unlock()
		}
	}
}

// sweepOrphans periodically marks running jobs whose heartbeat has gone
// stale as failed — a defensive backstop for a RunFunc that hangs past
// its own context cancellation.
func (m *Manager) sweepOrphans(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.orphanThreshold)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.recoverOrphans()
		}
	}
}

func (m *Manager) recoverOrphans() {
	threshold := time.Now().UTC().Add(-m.orphanThreshold)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.Status != JobStatusRunning {
			continue
		}
		if job.LastHeartbeat.After(threshold) {
			continue
		}
		completed := time.Now().UTC()
		job.Status = JobStatusFailed
		job.ErrorMessage = fmt.Sprintf("orphaned: no heartbeat since %s", job.LastHeartbeat.Format(time.RFC3339))
		job.CompletedAt = &completed
		if job.cancel != nil {
			job.cancel()
		}
		slog.Warn("recovered orphaned job", "job_id", job.JobID, "chat_id", job.ChatID)
	}
}
