package jobqueue

import (
	"github.com/fernlab/evalsvc/internal/domain"
	"github.com/fernlab/evalsvc/internal/streamer"
)

// JobStreamSource adapts a JobManager to streamer.Source.
type JobStreamSource struct{ JM *JobManager }

func (s JobStreamSource) Subscribe(jobID string, cb func(domain.Event)) any {
	return s.JM.OnProgress(jobID, cb)
}

func (s JobStreamSource) Unsubscribe(handle any) {
	if h, ok := handle.(SubHandle); ok {
		s.JM.OffProgress(h)
	}
}

func (s JobStreamSource) Snapshot(jobID string) (streamer.Snapshot, bool) {
	j, ok := s.JM.GetJob(jobID)
	if !ok {
		return streamer.Snapshot{}, false
	}
	progress := j.Progress
	snap := streamer.Snapshot{
		Status: string(j.Status), Result: j.Result, Error: j.Error,
		CompletedEvent: domain.EventJobCompleted, FailedEvent: domain.EventJobFailed,
		Progress: &progress,
		CreatedAt: j.CreatedAt, StartedAt: j.StartedAt, UpdatedAt: j.UpdatedAt,
	}
	if j.Status == domain.JobCompleted {
		snap.Duration = j.CompletedAt.Sub(j.StartedAt)
	}
	return snap, true
}

// RemediationStreamSource adapts a RemediationManager to streamer.Source.
type RemediationStreamSource struct{ RM *RemediationManager }

func (s RemediationStreamSource) Subscribe(jobID string, cb func(domain.Event)) any {
	return s.RM.OnProgress(jobID, cb)
}

func (s RemediationStreamSource) Unsubscribe(handle any) {
	if h, ok := handle.(SubHandle); ok {
		s.RM.OffProgress(h)
	}
}

func (s RemediationStreamSource) Snapshot(jobID string) (streamer.Snapshot, bool) {
	j, ok := s.RM.GetJob(jobID)
	if !ok {
		return streamer.Snapshot{}, false
	}
	snap := streamer.Snapshot{
		Status: string(j.Status), Result: j.Result, Error: j.Error,
		CompletedEvent: domain.EventRemediationCompleted, FailedEvent: domain.EventRemediationFailed,
		CreatedAt: j.CreatedAt, StartedAt: j.StartedAt, UpdatedAt: j.UpdatedAt,
	}
	if j.Status == domain.RemediationCompleted {
		snap.Duration = j.CompletedAt.Sub(j.StartedAt)
	}
	return snap, true
}
