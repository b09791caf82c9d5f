// Package streamer implements the Progress Streamer: a per-job multi-client
// Server-Sent-Events broadcaster sitting on top of a Job Manager or
// Remediation Manager subscription API.
package streamer

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fernlab/evalsvc/internal/adapter/observability"
	"github.com/fernlab/evalsvc/internal/domain"
)

// Source abstracts the subset of JobManager/RemediationManager the streamer
// needs: subscribe/unsubscribe to a job's events, and an initial-state
// lookup for replay-of-terminal-state on connect.
type Source interface {
	Subscribe(jobID string, cb func(domain.Event)) any
	Unsubscribe(handle any)
	Snapshot(jobID string) (Snapshot, bool)
}

// Snapshot is the minimal current-state view the streamer needs to write an
// initial "connected" record and, for already-terminal jobs, a replayed
// terminal record. CompletedEvent/FailedEvent name the envelope types the
// source uses for its terminal records (job.* for evaluations,
// remediation.* for remediations).
type Snapshot struct {
	Status         string
	Result         any
	Error          *domain.JobError
	Duration       time.Duration
	CompletedEvent domain.EventType
	FailedEvent    domain.EventType

	// Progress and the timestamps populate the job.status record written to
	// clients joining a job that is still queued or running.
	Progress  *domain.ProgressSnapshot
	CreatedAt time.Time
	StartedAt time.Time
	UpdatedAt time.Time
}

// Config bundles the streamer's wire-format tunables. MetricsLabel, when
// set, names this streamer in the open-connection gauge ("evaluate",
// "remediate").
type Config struct {
	HeartbeatInterval time.Duration
	RetryDirective    time.Duration
	BufferSize        int
	MetricsLabel      string
}

// Streamer multiplexes many client connections per job id onto a single
// upstream subscription: the first client attaching to a job registers one
// shared callback with the source, the last client detaching deregisters
// it.
type Streamer struct {
	cfg    Config
	source Source

	mu    sync.Mutex
	conns map[string]map[*conn]struct{}
	upstr map[string]any

	done     chan struct{}
	doneOnce sync.Once
}

type conn struct {
	ch     chan domain.Event
	closed bool
	mu     sync.Mutex
}

// New constructs a Streamer over source.
func New(cfg Config, source Source) *Streamer {
	return &Streamer{
		cfg:    cfg,
		source: source,
		conns:  make(map[string]map[*conn]struct{}),
		upstr:  make(map[string]any),
		done:   make(chan struct{}),
	}
}

// ServeHTTP handles one client connection for jobID, writing SSE records
// until the client disconnects or the streamer shuts down.
func (s *Streamer) ServeHTTP(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, ok := s.source.Snapshot(jobID); !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	c := s.attach(jobID)
	defer s.detach(jobID, c)

	// Snapshot again after attaching: a job that went terminal between the
	// existence check and the subscription is caught here rather than lost.
	snap, _ := s.source.Snapshot(jobID)

	writeRetry(w, s.cfg.RetryDirective)
	writeData(w, map[string]any{"type": domain.EventConnected, "data": map[string]any{"jobId": jobID, "status": snap.Status}})
	flusher.Flush()

	switch snap.Status {
	case "completed":
		typ := snap.CompletedEvent
		if typ == "" {
			typ = domain.EventJobCompleted
		}
		writeData(w, map[string]any{"type": typ, "data": map[string]any{"jobId": jobID, "result": snap.Result, "duration": snap.Duration.Milliseconds()}})
		flusher.Flush()
	case "failed":
		typ := snap.FailedEvent
		if typ == "" {
			typ = domain.EventJobFailed
		}
		writeData(w, map[string]any{"type": typ, "data": map[string]any{"jobId": jobID, "error": snap.Error}})
		flusher.Flush()
	default:
		// Still queued or running: give the late joiner the current state so
		// it need not wait for the next live event.
		status := map[string]any{
			"status":    snap.Status,
			"createdAt": snap.CreatedAt,
			"updatedAt": snap.UpdatedAt,
		}
		if snap.Progress != nil {
			status["progress"] = snap.Progress
		}
		if !snap.StartedAt.IsZero() {
			status["startedAt"] = snap.StartedAt
		}
		writeData(w, map[string]any{"type": domain.EventJobStatus, "data": status})
		flusher.Flush()
	}

	heartbeat := time.NewTicker(s.heartbeatInterval())
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-c.ch:
			if err := writeData(w, envelope(ev)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Streamer) heartbeatInterval() time.Duration {
	if s.cfg.HeartbeatInterval <= 0 {
		return 15 * time.Second
	}
	return s.cfg.HeartbeatInterval
}

func (s *Streamer) attach(jobID string) *conn {
	bufSize := s.cfg.BufferSize
	if bufSize <= 0 {
		bufSize = 64
	}
	c := &conn{ch: make(chan domain.Event, bufSize)}

	s.mu.Lock()
	set, ok := s.conns[jobID]
	if !ok {
		set = make(map[*conn]struct{})
		s.conns[jobID] = set
	}
	first := len(set) == 0
	set[c] = struct{}{}
	s.mu.Unlock()

	// Register the shared upstream callback outside the lock: the source
	// replays any buffered history synchronously during Subscribe, and that
	// replay re-enters broadcast.
	if first {
		handle := s.source.Subscribe(jobID, func(ev domain.Event) { s.broadcast(jobID, ev) })
		s.mu.Lock()
		s.upstr[jobID] = handle
		s.mu.Unlock()
	}
	if s.cfg.MetricsLabel != "" {
		observability.StreamClientConnected(s.cfg.MetricsLabel)
	}
	return c
}

func (s *Streamer) detach(jobID string, c *conn) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	if s.cfg.MetricsLabel != "" {
		observability.StreamClientDisconnected(s.cfg.MetricsLabel)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.conns[jobID]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(s.conns, jobID)
		if handle, ok := s.upstr[jobID]; ok {
			s.source.Unsubscribe(handle)
			delete(s.upstr, jobID)
		}
	}
}

func (s *Streamer) broadcast(jobID string, ev domain.Event) {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns[jobID]))
	for c := range s.conns[jobID] {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			continue
		}
		select {
		case c.ch <- ev:
		default:
			// Buffer full: drop the oldest buffered event to make room
			// rather than block the fan-out goroutine.
			select {
			case <-c.ch:
			default:
			}
			select {
			case c.ch <- ev:
			default:
			}
		}
	}
}

// Shutdown closes every connection and deregisters every upstream
// subscription.
func (s *Streamer) Shutdown() {
	s.doneOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	defer s.mu.Unlock()
	for jobID, set := range s.conns {
		for c := range set {
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
		}
		if handle, ok := s.upstr[jobID]; ok {
			s.source.Unsubscribe(handle)
		}
	}
	s.conns = make(map[string]map[*conn]struct{})
	s.upstr = make(map[string]any)
}

func envelope(ev domain.Event) map[string]any {
	return map[string]any{"type": ev.Type, "data": ev.Data}
}

func writeRetry(w io.Writer, d time.Duration) {
	if d <= 0 {
		d = 10 * time.Second
	}
	_, _ = fmt.Fprintf(w, "retry: %d\n\n", d.Milliseconds())
}

func writeData(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("sse marshal failed", slog.Any("error", err))
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}
