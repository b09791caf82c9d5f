package jobqueue

import (
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/fernlab/evalsvc/internal/domain"
	"github.com/fernlab/evalsvc/internal/ratelimiter"
)

// BatchManager submits an ordered set of child jobs through a JobManager,
// one at a time, advancing to the next only once the current child reaches
// a terminal state.
type BatchManager struct {
	jobs        *JobManager
	rateLimiter *ratelimiter.DailyLimiter

	mu      sync.Mutex
	batches map[string]*batchState
}

type batchState struct {
	mu       sync.Mutex
	id       string
	urls     []string
	jobIDs   []string
	statuses []domain.JobStatus
	nextIdx  int
	options  domain.EvaluateRequest
}

// NewBatchManager constructs a BatchManager on top of an already-running
// JobManager and daily rate limiter.
func NewBatchManager(jobs *JobManager, rateLimiter *ratelimiter.DailyLimiter) *BatchManager {
	bm := &BatchManager{jobs: jobs, rateLimiter: rateLimiter, batches: make(map[string]*batchState)}
	jobs.OnJobFinished(bm.onChildFinished)
	return bm
}

// SubmitBatch creates a batch record for urls and submits the first child
// job; subsequent children are submitted sequentially as earlier ones
// terminate.
func (bm *BatchManager) SubmitBatch(urls []string, optionsTemplate domain.EvaluateRequest) string {
	id := ulid.Make().String()
	st := &batchState{
		id:       id,
		urls:     append([]string(nil), urls...),
		jobIDs:   make([]string, len(urls)),
		statuses: make([]domain.JobStatus, len(urls)),
		options:  optionsTemplate,
	}

	bm.mu.Lock()
	bm.batches[id] = st
	bm.mu.Unlock()

	bm.submitNext(st)
	return id
}

func (bm *BatchManager) submitNext(st *batchState) {
	st.mu.Lock()
	idx := st.nextIdx
	if idx >= len(st.urls) {
		st.mu.Unlock()
		return
	}
	st.nextIdx++
	st.mu.Unlock()

	if bm.rateLimiter != nil {
		d := bm.rateLimiter.Consume()
		if !d.Allowed {
			st.mu.Lock()
			st.statuses[idx] = domain.JobFailed
			st.jobIDs[idx] = ""
			st.mu.Unlock()
			bm.submitNext(st)
			return
		}
	}

	req := st.options
	req.Payload = domain.BatchChildPayload{URL: st.urls[idx], Options: st.options.Payload}
	jobID, err := bm.jobs.SubmitJob(req)
	st.mu.Lock()
	if err != nil {
		st.statuses[idx] = domain.JobFailed
	} else {
		st.jobIDs[idx] = jobID
		st.statuses[idx] = domain.JobQueued
	}
	st.mu.Unlock()

	if err != nil {
		bm.submitNext(st)
	}
}

func (bm *BatchManager) onChildFinished(jobID string, status domain.JobStatus) {
	bm.mu.Lock()
	batches := make([]*batchState, 0, len(bm.batches))
	for _, st := range bm.batches {
		batches = append(batches, st)
	}
	bm.mu.Unlock()

	for _, st := range batches {
		st.mu.Lock()
		found := false
		for i, id := range st.jobIDs {
			if id == jobID {
				st.statuses[i] = status
				found = true
				break
			}
		}
		st.mu.Unlock()
		if found {
			bm.submitNext(st)
			return
		}
	}
}

// Cancel stops a batch from submitting any further children: every
// not-yet-submitted URL is marked failed, and the in-flight child job is
// cancelled via the Job Manager if it is still queued. A child already
// running finishes normally.
func (bm *BatchManager) Cancel(id string) bool {
	bm.mu.Lock()
	st, ok := bm.batches[id]
	bm.mu.Unlock()
	if !ok {
		return false
	}

	st.mu.Lock()
	var currentJobID string
	if cur := st.nextIdx - 1; cur >= 0 && st.statuses[cur] == domain.JobQueued {
		currentJobID = st.jobIDs[cur]
	}
	for i := st.nextIdx; i < len(st.urls); i++ {
		if st.statuses[i] == "" {
			st.statuses[i] = domain.JobFailed
		}
	}
	st.nextIdx = len(st.urls)
	st.mu.Unlock()

	if currentJobID != "" {
		bm.jobs.CancelJob(currentJobID)
	}
	return true
}

// Status returns the aggregate status of the batch identified by id.
func (bm *BatchManager) Status(id string) (domain.BatchStatus, bool) {
	bm.mu.Lock()
	st, ok := bm.batches[id]
	bm.mu.Unlock()
	if !ok {
		return domain.BatchStatus{}, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	out := domain.BatchStatus{ID: st.id, TotalURLs: len(st.urls)}
	for i, url := range st.urls {
		// Live children report the underlying job's state; the locally
		// tracked status covers children that never got a job (rate-limited,
		// queue-full) or whose job has already been swept.
		status := st.statuses[i]
		if st.jobIDs[i] != "" {
			if j, ok := bm.jobs.GetJob(st.jobIDs[i]); ok {
				status = j.Status
			}
		}
		child := domain.BatchChildStatus{JobID: st.jobIDs[i], URL: url, Status: status}
		out.Jobs = append(out.Jobs, child)
		switch status {
		case "":
			out.Pending++
		case domain.JobQueued:
			out.Queued++
		case domain.JobRunning:
			out.Running++
		case domain.JobCompleted:
			out.Completed++
		case domain.JobFailed:
			out.Failed++
		}
	}
	out.IsFinished = out.Completed+out.Failed == out.TotalURLs
	return out, true
}
