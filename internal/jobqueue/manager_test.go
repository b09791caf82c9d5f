package jobqueue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernlab/evalsvc/internal/config"
	"github.com/fernlab/evalsvc/internal/domain"
	"github.com/fernlab/evalsvc/internal/jobqueue"
)

type fakeEvalStore struct {
	mu      sync.Mutex
	saved   []string
	failed  []string
	linked  []string
}

func (f *fakeEvalStore) SaveEvaluation(ctx context.Context, jobID string, req domain.EvaluateRequest, result any, createdAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, jobID)
	return nil
}

func (f *fakeEvalStore) SaveFailedEvaluation(ctx context.Context, jobID string, req domain.EvaluateRequest, jobErr domain.JobError, createdAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, jobID)
	return nil
}

func (f *fakeEvalStore) LinkResultEvaluation(ctx context.Context, remediationID, evaluationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linked = append(f.linked, remediationID+":"+evaluationID)
	return nil
}

func testConfig(maxConcurrent, maxQueue int) jobqueue.Config {
	return jobqueue.Config{
		MaxConcurrentJobs: maxConcurrent,
		MaxQueueSize:      maxQueue,
		JobTTL:            time.Hour,
		SweepInterval:     0,
		LogTailMax:        50,
		RetryConfig:       config.RetryConfig{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2},
	}
}

func TestJobManager_SingleJobHappyPath(t *testing.T) {
	store := &fakeEvalStore{}
	engine := func(ctx context.Context, req domain.EvaluateRequest, emit func(domain.Event)) (any, error) {
		emit(domain.Event{Type: domain.EventJobStarted, Data: domain.EventData{Mode: "full", TotalFiles: 1}})
		emit(domain.Event{Type: domain.EventEvaluatorProgress, Data: domain.EventData{EvaluatorIndex: 0, TotalEvaluators: 2, EvaluatorName: "a"}})
		emit(domain.Event{Type: domain.EventEvaluatorProgress, Data: domain.EventData{EvaluatorIndex: 1, TotalEvaluators: 2, EvaluatorName: "b"}})
		return map[string]any{"ok": true}, nil
	}
	jm := jobqueue.NewJobManager(testConfig(2, 20), engine, store, nil)
	defer jm.Shutdown()

	id, err := jm.SubmitJob(domain.EvaluateRequest{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, _ := jm.GetJob(id)
		return j.Status == domain.JobCompleted
	}, time.Second, 5*time.Millisecond)

	j, _ := jm.GetJob(id)
	assert.Equal(t, map[string]any{"ok": true}, j.Result)
	assert.Len(t, j.Logs, 4)
	assert.Contains(t, j.Logs[0].Message, "Started evaluation")
	assert.Contains(t, j.Logs[3].Message, "Evaluation completed")

	store.mu.Lock()
	assert.Equal(t, []string{id}, store.saved)
	store.mu.Unlock()
}

func TestJobManager_Backpressure_QueueFull(t *testing.T) {
	block := make(chan struct{})
	engine := func(ctx context.Context, req domain.EvaluateRequest, emit func(domain.Event)) (any, error) {
		<-block
		return nil, nil
	}
	jm := jobqueue.NewJobManager(testConfig(2, 2), engine, nil, nil)
	defer func() { close(block); jm.Shutdown() }()

	_, err := jm.SubmitJob(domain.EvaluateRequest{})
	require.NoError(t, err)
	_, err = jm.SubmitJob(domain.EvaluateRequest{})
	require.NoError(t, err)

	_, err = jm.SubmitJob(domain.EvaluateRequest{})
	require.Error(t, err)
	var admErr *domain.AdmissionError
	require.True(t, errors.As(err, &admErr))
	assert.Equal(t, domain.CodeQueueFull, admErr.Code())

	assert.Len(t, jm.GetAllJobs(), 2)
}

func TestJobManager_ConcurrencyCap(t *testing.T) {
	started := make(chan string, 2)
	release := make(chan struct{})
	engine := func(ctx context.Context, req domain.EvaluateRequest, emit func(domain.Event)) (any, error) {
		started <- "x"
		<-release
		return nil, nil
	}
	jm := jobqueue.NewJobManager(testConfig(1, 10), engine, nil, nil)
	defer jm.Shutdown()

	id1, err := jm.SubmitJob(domain.EvaluateRequest{})
	require.NoError(t, err)
	id2, err := jm.SubmitJob(domain.EvaluateRequest{})
	require.NoError(t, err)

	<-started
	time.Sleep(20 * time.Millisecond)

	j1, _ := jm.GetJob(id1)
	j2, _ := jm.GetJob(id2)
	runningCount := 0
	queuedCount := 0
	for _, j := range []*domain.Job{j1, j2} {
		if j.Status == domain.JobRunning {
			runningCount++
		}
		if j.Status == domain.JobQueued {
			queuedCount++
		}
	}
	assert.Equal(t, 1, runningCount)
	assert.Equal(t, 1, queuedCount)

	release <- struct{}{}
	<-started
	release <- struct{}{}

	require.Eventually(t, func() bool {
		j1, _ := jm.GetJob(id1)
		j2, _ := jm.GetJob(id2)
		return j1.IsTerminal() && j2.IsTerminal()
	}, time.Second, 5*time.Millisecond)
}

func TestJobManager_LateSubscriberReplay(t *testing.T) {
	release := make(chan struct{})
	emitted := make(chan func(domain.Event), 1)
	engine := func(ctx context.Context, req domain.EvaluateRequest, emit func(domain.Event)) (any, error) {
		emitted <- emit
		<-release
		return "done", nil
	}
	jm := jobqueue.NewJobManager(testConfig(1, 10), engine, nil, nil)
	defer func() { close(release); jm.Shutdown() }()

	id, err := jm.SubmitJob(domain.EvaluateRequest{})
	require.NoError(t, err)

	emit := <-emitted
	emit(domain.Event{Type: "custom.a"})
	emit(domain.Event{Type: "custom.b"})
	emit(domain.Event{Type: "custom.c"})

	var mu sync.Mutex
	var got []domain.EventType
	jm.OnProgress(id, func(ev domain.Event) {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
	})

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.EventType{domain.EventJobQueued, "custom.a", "custom.b", "custom.c"}, got)
}

func TestJobManager_CancelQueuedJob(t *testing.T) {
	block := make(chan struct{})
	engine := func(ctx context.Context, req domain.EvaluateRequest, emit func(domain.Event)) (any, error) {
		<-block
		return nil, nil
	}
	jm := jobqueue.NewJobManager(testConfig(1, 10), engine, nil, nil)
	defer func() { close(block); jm.Shutdown() }()

	runningID, err := jm.SubmitJob(domain.EvaluateRequest{})
	require.NoError(t, err)
	queuedID, err := jm.SubmitJob(domain.EvaluateRequest{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, _ := jm.GetJob(runningID)
		return j.Status == domain.JobRunning
	}, time.Second, 5*time.Millisecond)

	ok := jm.CancelJob(queuedID)
	assert.True(t, ok)

	j, _ := jm.GetJob(queuedID)
	assert.Equal(t, domain.JobFailed, j.Status)
	assert.Equal(t, domain.CodeJobCancelled, j.Error.Code)

	assert.False(t, jm.CancelJob(queuedID))
	assert.False(t, jm.CancelJob(runningID))
}

func TestJobManager_OnJobFinishedFiresOnce(t *testing.T) {
	engine := func(ctx context.Context, req domain.EvaluateRequest, emit func(domain.Event)) (any, error) {
		return "ok", nil
	}
	jm := jobqueue.NewJobManager(testConfig(2, 10), engine, nil, nil)
	defer jm.Shutdown()

	var mu sync.Mutex
	calls := map[string]int{}
	jm.OnJobFinished(func(id string, status domain.JobStatus) {
		mu.Lock()
		calls[id]++
		mu.Unlock()
	})

	id, err := jm.SubmitJob(domain.EvaluateRequest{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls[id] == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, calls[id])
	mu.Unlock()
}

func TestJobManager_EngineErrorFailsJobAndSavesFailure(t *testing.T) {
	store := &fakeEvalStore{}
	engine := func(ctx context.Context, req domain.EvaluateRequest, emit func(domain.Event)) (any, error) {
		return nil, errors.New("boom")
	}
	jm := jobqueue.NewJobManager(testConfig(1, 10), engine, store, nil)
	defer jm.Shutdown()

	id, err := jm.SubmitJob(domain.EvaluateRequest{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, _ := jm.GetJob(id)
		return j.Status == domain.JobFailed
	}, time.Second, 5*time.Millisecond)

	j, _ := jm.GetJob(id)
	assert.Equal(t, "boom", j.Error.Message)
	assert.Equal(t, domain.CodeEvaluationError, j.Error.Code)

	store.mu.Lock()
	assert.Equal(t, []string{id}, store.failed)
	store.mu.Unlock()
}

func TestJobManager_LinksRemediationOnSuccess(t *testing.T) {
	store := &fakeEvalStore{}
	engine := func(ctx context.Context, req domain.EvaluateRequest, emit func(domain.Event)) (any, error) {
		return "ok", nil
	}
	jm := jobqueue.NewJobManager(testConfig(1, 10), engine, store, store)
	defer jm.Shutdown()

	id, err := jm.SubmitJob(domain.EvaluateRequest{SourceRemediationID: "rem-1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, _ := jm.GetJob(id)
		return j.Status == domain.JobCompleted
	}, time.Second, 5*time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, []string{"rem-1:" + id}, store.linked)
}

func TestJobManager_EnginePanicFailsJobWithStack(t *testing.T) {
	engine := func(ctx context.Context, req domain.EvaluateRequest, emit func(domain.Event)) (any, error) {
		panic("engine blew up")
	}
	jm := jobqueue.NewJobManager(testConfig(1, 10), engine, nil, nil)
	defer jm.Shutdown()

	id, err := jm.SubmitJob(domain.EvaluateRequest{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, _ := jm.GetJob(id)
		return j.Status == domain.JobFailed
	}, time.Second, 5*time.Millisecond)

	j, _ := jm.GetJob(id)
	assert.Contains(t, j.Error.Message, "engine blew up")
	assert.NotEmpty(t, j.Error.Details)
}

func TestJobManager_CleanupFnRunsOnCompletion(t *testing.T) {
	cleaned := make(chan struct{}, 1)
	engine := func(ctx context.Context, req domain.EvaluateRequest, emit func(domain.Event)) (any, error) {
		return "ok", nil
	}
	jm := jobqueue.NewJobManager(testConfig(1, 10), engine, nil, nil)
	defer jm.Shutdown()

	_, err := jm.SubmitJob(domain.EvaluateRequest{CleanupFn: func() error {
		cleaned <- struct{}{}
		return nil
	}})
	require.NoError(t, err)

	select {
	case <-cleaned:
	case <-time.After(time.Second):
		t.Fatal("cleanup hook never ran")
	}
}
