package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frameflow/frameflow/pkg/models"
)

func TestSubmitRunsToCompletion(t *testing.T) {
	m := New(2, time.Hour, time.Minute)
	m.Start(context.Background())
	defer m.Stop()

	job, err := m.Submit("chat-1", func(ctx context.Context) ([]*models.WorkflowStep, error) {
		return []*models.WorkflowStep{{StepID: "s1", Status: models.StepStatusCompleted}}, nil
	}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := m.GetJob(job.JobID)
		return err == nil && got.Status == JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubmitRunFailurePropagates(t *testing.T) {
	m := New(1, time.Hour, time.Minute)
	m.Start(context.Background())
	defer m.Stop()

	wantErr := errors.New("boom")
	job, err := m.Submit("chat-1", func(ctx context.Context) ([]*models.WorkflowStep, error) {
		return nil, wantErr
	}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := m.GetJob(job.JobID)
		return got.Status == JobStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	got, _ := m.GetJob(job.JobID)
	assert.Equal(t, wantErr.Error(), got.ErrorMessage)
}

func TestCancelJobStopsRunFunc(t *testing.T) {
	m := New(1, time.Hour, time.Minute)
	m.Start(context.Background())
	defer m.Stop()

	started := make(chan struct{})
	job, err := m.Submit("chat-1", func(ctx context.Context) ([]*models.WorkflowStep, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)
	require.NoError(t, err)

	<-started
	require.NoError(t, m.CancelJob(job.JobID))

	require.Eventually(t, func() bool {
		got, _ := m.GetJob(job.JobID)
		return got.Status == JobStatusCancelled
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOnCompleteRunsWithTerminalStatusRecorded(t *testing.T) {
	m := New(1, time.Hour, time.Minute)
	m.Start(context.Background())
	defer m.Stop()

	observed := make(chan JobStatus, 1)
	_, err := m.Submit("chat-1", func(ctx context.Context) ([]*models.WorkflowStep, error) {
		return nil, nil
	}, func(job *BackgroundJob) {
		observed <- job.Status
	})
	require.NoError(t, err)

	select {
	case status := <-observed:
		assert.Equal(t, JobStatusCompleted, status)
	case <-time.After(2 * time.Second):
		t.Fatal("on_complete callback never ran")
	}
}

func TestJobIDCarriesChatIDAndWorkflowMarker(t *testing.T) {
	m := New(1, time.Hour, time.Minute)
	m.Start(context.Background())
	defer m.Stop()

	job, err := m.Submit("chat-42", func(ctx context.Context) ([]*models.WorkflowStep, error) {
		return nil, nil
	}, nil)
	require.NoError(t, err)
	assert.Regexp(t, `^chat-42_workflow_[0-9a-f]{8}$`, job.JobID)
}

func TestListActiveExcludesTerminalJobs(t *testing.T) {
	m := New(1, time.Hour, time.Minute)
	m.Start(context.Background())
	defer m.Stop()

	release := make(chan struct{})
	running, err := m.Submit("chat-1", func(ctx context.Context) ([]*models.WorkflowStep, error) {
		<-release
		return nil, nil
	}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := m.GetJob(running.JobID)
		return got.Status == JobStatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	active := m.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, running.JobID, active[0].JobID)

	close(release)
	require.Eventually(t, func() bool { return len(m.ListActive()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestGetJobUnknownReturnsNotFound(t *testing.T) {
	m := New(1, time.Hour, time.Minute)
	_, err := m.GetJob("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestCleanupOldJobsEvictsTerminalJobsPastMaxAge(t *testing.T) {
	m := New(1, time.Millisecond, time.Minute)
	m.Start(context.Background())
	defer m.Stop()

	job, err := m.Submit("chat-1", func(ctx context.Context) ([]*models.WorkflowStep, error) {
		return nil, nil
	}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, _ := m.GetJob(job.JobID)
		return got.Status == JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	evicted := m.CleanupOldJobs(time.Now().UTC())
	assert.Equal(t, 1, evicted)

	_, err = m.GetJob(job.JobID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}
