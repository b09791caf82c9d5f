package jobqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	adapterobs "github.com/fernlab/evalsvc/internal/adapter/observability"
	"github.com/fernlab/evalsvc/internal/config"
	"github.com/fernlab/evalsvc/internal/domain"
)

const jobTypeEvaluate = "evaluate"

// FinishListener is notified exactly once per job that reaches a terminal
// state.
type FinishListener func(jobID string, status domain.JobStatus)

// JobManager is a bounded, FIFO, single-machine work queue: admission,
// dispatch, engine invocation, progress fan-out, and persistence hooks.
type JobManager struct {
	store *Store[*domain.Job]
	bus   *Bus[domain.Event]

	engine      domain.Engine
	persistence domain.EvaluationStore
	linker      domain.RemediationLinker
	retryCfg    config.RetryConfig

	maxConcurrent int
	maxQueueSize  int
	logTailMax    int

	mu      sync.Mutex
	queue   []string
	running int

	finishMu        sync.Mutex
	finishListeners []FinishListener

	wakeCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// Config bundles the tunables the Job Manager needs at construction.
type Config struct {
	MaxConcurrentJobs int
	MaxQueueSize      int
	JobTTL            time.Duration
	SweepInterval     time.Duration
	LogTailMax        int
	RetryConfig       config.RetryConfig
}

// NewJobManager constructs a JobManager and starts its dispatcher loop and
// store sweep. Callers must call Shutdown to stop both.
func NewJobManager(cfg Config, engine domain.Engine, persistence domain.EvaluationStore, linker domain.RemediationLinker) *JobManager {
	ctx, cancel := context.WithCancel(context.Background())
	jm := &JobManager{
		store:         NewStore[*domain.Job](cfg.JobTTL, cfg.SweepInterval, func(j *domain.Job) string { return string(j.Status) }),
		bus:           NewBus[domain.Event](),
		engine:        engine,
		persistence:   persistence,
		linker:        linker,
		retryCfg:      cfg.RetryConfig,
		maxConcurrent: cfg.MaxConcurrentJobs,
		maxQueueSize:  cfg.MaxQueueSize,
		logTailMax:    cfg.LogTailMax,
		wakeCh:        make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}
	go jm.store.RunSweep(ctx)
	go jm.dispatchLoop()
	return jm
}

// SubmitJob admits req as a new queued job, or fails with ErrQueueFull when
// the number of active (queued or running) jobs is already at maxQueueSize.
func (jm *JobManager) SubmitJob(req domain.EvaluateRequest) (string, error) {
	if jm.store.ActiveCount() >= jm.maxQueueSize {
		return "", domain.NewAdmissionError(domain.ErrQueueFull, domain.CodeQueueFull)
	}

	now := time.Now()
	job := &domain.Job{
		ID:        uuid.New().String(),
		Status:    domain.JobQueued,
		Request:   req,
		CreatedAt: now,
		UpdatedAt: now,
	}
	jm.store.Create(job)
	adapterobs.EnqueueJob(jobTypeEvaluate)

	jm.mu.Lock()
	jm.queue = append(jm.queue, job.ID)
	jm.mu.Unlock()

	jm.bus.Emit(job.ID, domain.Event{Type: domain.EventJobQueued, JobID: job.ID, Data: domain.EventData{Request: req.Payload}})
	jm.wake()
	return job.ID, nil
}

// GetJob returns the job for id.
func (jm *JobManager) GetJob(id string) (*domain.Job, bool) { return jm.store.Get(id) }

// GetAllJobs returns every job known to the store.
func (jm *JobManager) GetAllJobs() []*domain.Job { return jm.store.All() }

// GetActiveJobs returns every queued or running job.
func (jm *JobManager) GetActiveJobs() []*domain.Job { return jm.store.Active() }

// Stats returns store-wide counts.
func (jm *JobManager) Stats() Stats { return jm.store.Stats() }

// OnProgress subscribes cb to id's events, replaying any buffered history
// first. Returns a handle for OffProgress.
func (jm *JobManager) OnProgress(id string, cb Subscriber[domain.Event]) SubHandle {
	return jm.bus.Subscribe(id, cb)
}

// OffProgress deregisters a subscription returned by OnProgress.
func (jm *JobManager) OffProgress(h SubHandle) { jm.bus.Unsubscribe(h) }

// OnJobFinished registers a process-wide terminal-status listener.
func (jm *JobManager) OnJobFinished(cb FinishListener) {
	jm.finishMu.Lock()
	defer jm.finishMu.Unlock()
	jm.finishListeners = append(jm.finishListeners, cb)
}

// CancelJob transitions a queued job to failed with JOB_CANCELLED. Returns
// false (no-op) if the job is absent or not queued; running jobs cannot be
// cancelled.
func (jm *JobManager) CancelJob(id string) bool {
	jm.mu.Lock()
	idx := -1
	for i, qid := range jm.queue {
		if qid == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		jm.mu.Unlock()
		return false
	}
	jm.queue = append(jm.queue[:idx], jm.queue[idx+1:]...)
	jm.mu.Unlock()

	ok := jm.store.Mutate(id, func(j *domain.Job) {
		if j.Status != domain.JobQueued {
			return
		}
		now := time.Now()
		j.Status = domain.JobFailed
		j.FailedAt = now
		j.Error = &domain.JobError{Message: "Job cancelled by user", Code: domain.CodeJobCancelled}
		if entry, ok := Format(domain.Event{Type: domain.EventJobFailed, Data: domain.EventData{Error: j.Error}}); ok {
			j.AppendLog(entry, jm.logTailMax)
		}
	})
	if !ok {
		return false
	}
	job, _ := jm.store.Get(id)
	if job.Status != domain.JobFailed || job.Error == nil || job.Error.Code != domain.CodeJobCancelled {
		return false
	}
	jm.bus.Emit(id, domain.Event{Type: domain.EventJobFailed, JobID: id, Data: domain.EventData{Error: job.Error}})
	jm.bus.Clear(id)
	jm.finishJob(id, domain.JobFailed)
	return true
}

// Shutdown stops the store sweep and clears all subscriber/buffer state.
// In-flight engine invocations are not preempted.
func (jm *JobManager) Shutdown() {
	jm.cancel()
	jm.store.Shutdown()
	jm.bus.ClearAll()
}

func (jm *JobManager) wake() {
	select {
	case jm.wakeCh <- struct{}{}:
	default:
	}
}

func (jm *JobManager) dispatchLoop() {
	for {
		select {
		case <-jm.ctx.Done():
			return
		case <-jm.wakeCh:
			jm.dispatchOnce()
		}
	}
}

func (jm *JobManager) dispatchOnce() {
	for {
		jm.mu.Lock()
		if jm.running >= jm.maxConcurrent || len(jm.queue) == 0 {
			jm.mu.Unlock()
			return
		}
		id := jm.queue[0]
		jm.queue = jm.queue[1:]
		jm.running++
		jm.mu.Unlock()

		go jm.execute(id)
	}
}

func (jm *JobManager) execute(id string) {
	defer func() {
		jm.mu.Lock()
		jm.running--
		jm.mu.Unlock()
		jm.wake()
	}()

	job, ok := jm.store.Get(id)
	if !ok {
		return
	}

	startedAt := time.Now()
	jm.store.Mutate(id, func(j *domain.Job) {
		j.Status = domain.JobRunning
		j.StartedAt = startedAt
	})
	adapterobs.StartProcessingJob(jobTypeEvaluate)

	emit := func(ev domain.Event) { jm.handleEvent(id, ev) }
	result, err := invokeEngine(func() (any, error) {
		return jm.engine(jm.ctx, job.Request, emit)
	})

	if err != nil {
		jm.finishFailed(id, job.Request, job.CreatedAt, err)
		return
	}
	jm.finishCompleted(id, job.Request, job.CreatedAt, result, startedAt)
}

func (jm *JobManager) handleEvent(id string, ev domain.Event) {
	ev.JobID = id
	jm.store.Mutate(id, func(j *domain.Job) {
		switch ev.Type {
		case domain.EventEvaluatorProgress:
			j.Progress.CurrentEvaluator = ev.Data.EvaluatorName
			j.Progress.CompletedEvaluators = ev.Data.EvaluatorIndex
			j.Progress.TotalEvaluators = ev.Data.TotalEvaluators
			if ev.Data.CurrentFile != "" {
				j.Progress.CurrentFile = ev.Data.CurrentFile
			}
		case domain.EventFileCompleted:
			if ev.Data.CurrentFile != "" {
				j.Progress.CurrentFile = ev.Data.CurrentFile
			}
			j.Progress.CompletedFiles++
			if ev.Data.TotalFiles > 0 {
				j.Progress.TotalFiles = ev.Data.TotalFiles
			}
		}
		if entry, ok := Format(ev); ok {
			j.AppendLog(entry, jm.logTailMax)
		}
	})
	jm.bus.Emit(id, ev)
}

func (jm *JobManager) finishCompleted(id string, req domain.EvaluateRequest, createdAt time.Time, result any, startedAt time.Time) {
	completedAt := time.Now()
	duration := completedAt.Sub(startedAt)
	jm.store.Mutate(id, func(j *domain.Job) {
		j.Status = domain.JobCompleted
		j.CompletedAt = completedAt
		j.Result = result
		if entry, ok := Format(domain.Event{Type: domain.EventJobCompleted, Data: domain.EventData{DurationMS: duration.Milliseconds()}}); ok {
			j.AppendLog(entry, jm.logTailMax)
		}
	})

	if jm.persistence != nil {
		err := withRetry(jm.ctx, jm.retryCfg, func() error {
			return jm.persistence.SaveEvaluation(jm.ctx, id, req, result, createdAt)
		})
		if err != nil {
			slog.Error("save evaluation failed", slog.String("job_id", id), slog.Any("error", err))
		} else if req.SourceRemediationID != "" && jm.linker != nil {
			if lerr := jm.linker.LinkResultEvaluation(jm.ctx, req.SourceRemediationID, id); lerr != nil {
				slog.Error("link result evaluation failed", slog.String("job_id", id), slog.Any("error", lerr))
			}
		}
	}

	adapterobs.CompleteJob(jobTypeEvaluate)
	jm.bus.Emit(id, domain.Event{Type: domain.EventJobCompleted, JobID: id, Data: domain.EventData{Result: result, DurationMS: duration.Milliseconds()}})
	jm.cleanupFinished(id, req, domain.JobCompleted)
}

func (jm *JobManager) finishFailed(id string, req domain.EvaluateRequest, createdAt time.Time, err error) {
	failedAt := time.Now()
	jobErr := domain.JobError{Message: err.Error(), Code: domain.CodeEvaluationError}
	if ce, ok := err.(interface{ Code() string }); ok {
		jobErr.Code = ce.Code()
	}
	var pe *panicError
	if errors.As(err, &pe) {
		jobErr.Details = string(pe.stack)
	}

	jm.store.Mutate(id, func(j *domain.Job) {
		j.Status = domain.JobFailed
		j.FailedAt = failedAt
		j.Error = &jobErr
		if entry, ok := Format(domain.Event{Type: domain.EventJobFailed, Data: domain.EventData{Error: &jobErr}}); ok {
			j.AppendLog(entry, jm.logTailMax)
		}
	})

	if jm.persistence != nil {
		perr := withRetry(jm.ctx, jm.retryCfg, func() error {
			return jm.persistence.SaveFailedEvaluation(jm.ctx, id, req, jobErr, createdAt)
		})
		if perr != nil {
			slog.Error("save failed evaluation failed", slog.String("job_id", id), slog.Any("error", perr))
		}
	}

	adapterobs.FailJob(jobTypeEvaluate)
	jm.bus.Emit(id, domain.Event{Type: domain.EventJobFailed, JobID: id, Data: domain.EventData{Error: &jobErr}})
	jm.cleanupFinished(id, req, domain.JobFailed)
}

func (jm *JobManager) cleanupFinished(id string, req domain.EvaluateRequest, status domain.JobStatus) {
	if req.CleanupFn != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("job cleanup panicked", slog.String("job_id", id), slog.Any("recover", r))
				}
			}()
			if err := req.CleanupFn(); err != nil {
				slog.Error("job cleanup failed", slog.String("job_id", id), slog.Any("error", err))
			}
		}()
	}
	jm.bus.Clear(id)
	jm.finishJob(id, status)
}

func (jm *JobManager) finishJob(id string, status domain.JobStatus) {
	jm.finishMu.Lock()
	listeners := append([]FinishListener(nil), jm.finishListeners...)
	jm.finishMu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("finish listener panicked", slog.String("job_id", id), slog.Any("recover", r))
				}
			}()
			l(id, status)
		}()
	}
}
