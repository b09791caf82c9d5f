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

const jobTypeRemediate = "remediate"

// RemediationFinishListener is notified once per remediation job that
// reaches a terminal state.
type RemediationFinishListener func(jobID string, status domain.RemediationStatus)

// RemediationManager is the strict-serial (concurrency = 1) variant of
// JobManager for filesystem-mutating work.
type RemediationManager struct {
	store *Store[*domain.RemediationJob]
	bus   *Bus[domain.Event]

	engine      domain.RemediationEngine
	persistence domain.RemediationStore
	retryCfg    config.RetryConfig

	maxQueueSize int
	logTailMax   int

	mu        sync.Mutex
	queue     []string
	runningID string

	finishMu        sync.Mutex
	finishListeners []RemediationFinishListener

	wakeCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRemediationManager constructs a RemediationManager and starts its
// dispatcher loop and store sweep.
func NewRemediationManager(cfg Config, engine domain.RemediationEngine, persistence domain.RemediationStore) *RemediationManager {
	ctx, cancel := context.WithCancel(context.Background())
	rm := &RemediationManager{
		store: NewStore[*domain.RemediationJob](cfg.JobTTL, cfg.SweepInterval, func(j *domain.RemediationJob) string {
			return string(j.Status)
		}),
		bus:          NewBus[domain.Event](),
		engine:       engine,
		persistence:  persistence,
		retryCfg:     cfg.RetryConfig,
		maxQueueSize: cfg.MaxQueueSize,
		logTailMax:   cfg.LogTailMax,
		wakeCh:       make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
	}
	go rm.store.RunSweep(ctx)
	go rm.dispatchLoop()
	return rm
}

// SubmitJob admits req as a new queued remediation job.
func (rm *RemediationManager) SubmitJob(req domain.RemediationRequest) (string, error) {
	if rm.store.ActiveCount() >= rm.maxQueueSize {
		return "", domain.NewAdmissionError(domain.ErrQueueFull, domain.CodeQueueFull)
	}

	now := time.Now()
	job := &domain.RemediationJob{
		ID:        uuid.New().String(),
		Status:    domain.RemediationQueued,
		Request:   req,
		CreatedAt: now,
		UpdatedAt: now,
	}
	rm.store.Create(job)
	adapterobs.EnqueueJob(jobTypeRemediate)

	rm.mu.Lock()
	rm.queue = append(rm.queue, job.ID)
	rm.mu.Unlock()

	rm.wake()
	return job.ID, nil
}

// GetJob returns the remediation job for id.
func (rm *RemediationManager) GetJob(id string) (*domain.RemediationJob, bool) { return rm.store.Get(id) }

// GetAllJobs returns every known remediation job.
func (rm *RemediationManager) GetAllJobs() []*domain.RemediationJob { return rm.store.All() }

// Stats returns store-wide counts.
func (rm *RemediationManager) Stats() Stats { return rm.store.Stats() }

// OnProgress subscribes to id's events, replaying buffered history first.
func (rm *RemediationManager) OnProgress(id string, cb Subscriber[domain.Event]) SubHandle {
	return rm.bus.Subscribe(id, cb)
}

// OffProgress deregisters a subscription.
func (rm *RemediationManager) OffProgress(h SubHandle) { rm.bus.Unsubscribe(h) }

// OnJobFinished registers a terminal-status listener.
func (rm *RemediationManager) OnJobFinished(cb RemediationFinishListener) {
	rm.finishMu.Lock()
	defer rm.finishMu.Unlock()
	rm.finishListeners = append(rm.finishListeners, cb)
}

// HasActiveJobForEvaluation reports whether a queued or running remediation
// exists for evaluationID, enforcing one concurrent remediation per
// evaluation at the caller's discretion.
func (rm *RemediationManager) HasActiveJobForEvaluation(evaluationID string) bool {
	for _, j := range rm.store.Active() {
		if j.Request.EvaluationID == evaluationID {
			return true
		}
	}
	return false
}

// GetJobByEvaluationID returns the most recent job (active preferred) tied
// to evaluationID.
func (rm *RemediationManager) GetJobByEvaluationID(evaluationID string) (*domain.RemediationJob, bool) {
	var best *domain.RemediationJob
	for _, j := range rm.store.All() {
		if j.Request.EvaluationID != evaluationID {
			continue
		}
		if best == nil || (!j.IsTerminal() && best.IsTerminal()) ||
			(j.IsTerminal() == best.IsTerminal() && j.CreatedAt.After(best.CreatedAt)) {
			best = j
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// CancelJob transitions a queued remediation job to failed. Running jobs
// cannot be cancelled.
func (rm *RemediationManager) CancelJob(id string) bool {
	rm.mu.Lock()
	idx := -1
	for i, qid := range rm.queue {
		if qid == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		rm.mu.Unlock()
		return false
	}
	rm.queue = append(rm.queue[:idx], rm.queue[idx+1:]...)
	rm.mu.Unlock()

	ok := rm.store.Mutate(id, func(j *domain.RemediationJob) {
		if j.Status != domain.RemediationQueued {
			return
		}
		j.Status = domain.RemediationFailed
		j.FailedAt = time.Now()
		j.Error = &domain.JobError{Message: "Job cancelled by user", Code: domain.CodeJobCancelled}
		if entry, ok := Format(domain.Event{Type: domain.EventJobFailed, Data: domain.EventData{Error: j.Error}}); ok {
			j.AppendLog(entry, rm.logTailMax)
		}
	})
	if !ok {
		return false
	}
	job, _ := rm.store.Get(id)
	if job.Status != domain.RemediationFailed || job.Error == nil || job.Error.Code != domain.CodeJobCancelled {
		return false
	}
	rm.bus.Emit(id, domain.Event{Type: domain.EventJobFailed, JobID: id, Data: domain.EventData{Error: job.Error}})
	rm.bus.Clear(id)
	rm.finishJob(id, domain.RemediationFailed)
	return true
}

// Shutdown stops the sweep and clears all subscriber/buffer state.
func (rm *RemediationManager) Shutdown() {
	rm.cancel()
	rm.store.Shutdown()
	rm.bus.ClearAll()
}

func (rm *RemediationManager) wake() {
	select {
	case rm.wakeCh <- struct{}{}:
	default:
	}
}

func (rm *RemediationManager) dispatchLoop() {
	for {
		select {
		case <-rm.ctx.Done():
			return
		case <-rm.wakeCh:
			rm.dispatchOnce()
		}
	}
}

func (rm *RemediationManager) dispatchOnce() {
	rm.mu.Lock()
	if rm.runningID != "" || len(rm.queue) == 0 {
		rm.mu.Unlock()
		return
	}
	id := rm.queue[0]
	rm.queue = rm.queue[1:]
	rm.runningID = id
	rm.mu.Unlock()

	go rm.execute(id)
}

func (rm *RemediationManager) execute(id string) {
	defer func() {
		rm.mu.Lock()
		rm.runningID = ""
		rm.mu.Unlock()
		rm.wake()
	}()

	job, ok := rm.store.Get(id)
	if !ok {
		return
	}

	rm.store.Mutate(id, func(j *domain.RemediationJob) {
		j.Status = domain.RemediationRunning
		j.StartedAt = time.Now()
	})
	adapterobs.StartProcessingJob(jobTypeRemediate)
	rm.bus.Emit(id, domain.Event{Type: domain.EventRemediationStarted, JobID: id})

	emit := func(ev domain.Event) {
		ev.JobID = id
		rm.store.Mutate(id, func(j *domain.RemediationJob) {
			if ev.Data.Step != "" {
				j.CurrentStep = ev.Data.Step
			}
			if entry, ok := Format(ev); ok {
				j.AppendLog(entry, rm.logTailMax)
			}
		})
		rm.bus.Emit(id, ev)
	}

	result, err := invokeEngine(func() (any, error) {
		return rm.engine(rm.ctx, job.Request, emit)
	})
	if err != nil {
		rm.finishFailed(id, job.Request, job.CreatedAt, err)
		return
	}
	rm.finishCompleted(id, job.Request, job.CreatedAt, result)
}

func (rm *RemediationManager) finishCompleted(id string, req domain.RemediationRequest, createdAt time.Time, result any) {
	completedAt := time.Now()
	rm.store.Mutate(id, func(j *domain.RemediationJob) {
		j.Status = domain.RemediationCompleted
		j.CompletedAt = completedAt
		j.Result = result
		if entry, ok := Format(domain.Event{Type: domain.EventJobCompleted, Data: domain.EventData{DurationMS: completedAt.Sub(j.StartedAt).Milliseconds()}}); ok {
			j.AppendLog(entry, rm.logTailMax)
		}
	})

	if rm.persistence != nil {
		err := withRetry(rm.ctx, rm.retryCfg, func() error {
			return rm.persistence.SaveRemediation(rm.ctx, id, req, result, createdAt)
		})
		if err != nil {
			slog.Error("save remediation failed", slog.String("job_id", id), slog.Any("error", err))
		}
	}

	adapterobs.CompleteJob(jobTypeRemediate)
	rm.bus.Emit(id, domain.Event{Type: domain.EventRemediationCompleted, JobID: id, Data: domain.EventData{Result: result}})
	rm.bus.Clear(id)
	rm.finishJob(id, domain.RemediationCompleted)
}

func (rm *RemediationManager) finishFailed(id string, req domain.RemediationRequest, createdAt time.Time, err error) {
	failedAt := time.Now()
	jobErr := domain.JobError{Message: err.Error(), Code: domain.CodeRemediationError}
	var pe *panicError
	if errors.As(err, &pe) {
		jobErr.Details = string(pe.stack)
	}

	rm.store.Mutate(id, func(j *domain.RemediationJob) {
		j.Status = domain.RemediationFailed
		j.FailedAt = failedAt
		j.Error = &jobErr
		if entry, ok := Format(domain.Event{Type: domain.EventJobFailed, Data: domain.EventData{Error: &jobErr}}); ok {
			j.AppendLog(entry, rm.logTailMax)
		}
	})

	if rm.persistence != nil {
		perr := withRetry(rm.ctx, rm.retryCfg, func() error {
			return rm.persistence.SaveFailedRemediation(rm.ctx, id, req, jobErr.Message, createdAt)
		})
		if perr != nil {
			slog.Error("save failed remediation failed", slog.String("job_id", id), slog.Any("error", perr))
		}
	}

	adapterobs.FailJob(jobTypeRemediate)
	rm.bus.Emit(id, domain.Event{Type: domain.EventRemediationFailed, JobID: id, Data: domain.EventData{Error: &jobErr}})
	rm.bus.Clear(id)
	rm.finishJob(id, domain.RemediationFailed)
}

func (rm *RemediationManager) finishJob(id string, status domain.RemediationStatus) {
	rm.finishMu.Lock()
	listeners := append([]RemediationFinishListener(nil), rm.finishListeners...)
	rm.finishMu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("remediation finish listener panicked", slog.String("job_id", id), slog.Any("recover", r))
				}
			}()
			l(id, status)
		}()
	}
}
