package streamer_test

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernlab/evalsvc/internal/domain"
	"github.com/fernlab/evalsvc/internal/streamer"
)

type fakeSource struct {
	mu   sync.Mutex
	subs map[string]func(domain.Event)
	snap map[string]streamer.Snapshot
}

func newFakeSource() *fakeSource {
	return &fakeSource{subs: map[string]func(domain.Event){}, snap: map[string]streamer.Snapshot{}}
}

func (f *fakeSource) Subscribe(jobID string, cb func(domain.Event)) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[jobID] = cb
	return jobID
}

func (f *fakeSource) Unsubscribe(handle any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, handle.(string))
}

func (f *fakeSource) Snapshot(jobID string) (streamer.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snap[jobID]
	return s, ok
}

func (f *fakeSource) push(jobID string, ev domain.Event) {
	f.mu.Lock()
	cb := f.subs[jobID]
	f.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

func (f *fakeSource) subscribed(jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[jobID] != nil
}

func TestStreamer_UnknownJobReturns404(t *testing.T) {
	s := streamer.New(streamer.Config{}, newFakeSource())
	req := httptest.NewRequest(http.MethodGet, "/evaluate/missing/progress", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req, "missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamer_WritesRetryAndConnectedRecord(t *testing.T) {
	src := newFakeSource()
	src.snap["job-1"] = streamer.Snapshot{Status: "running"}
	s := streamer.New(streamer.Config{HeartbeatInterval: time.Hour}, src)

	req := httptest.NewRequest(http.MethodGet, "/evaluate/job-1/progress", nil)
	ctx, cancel := newCancelableRequest(req)
	defer cancel()
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.ServeHTTP(rec, req.WithContext(ctx), "job-1")
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	body := rec.Body.String()
	assert.True(t, strings.HasPrefix(body, "retry: 10000\n\n"))
	assert.Contains(t, body, `"type":"connected"`)
}

func TestStreamer_ReplaysTerminalCompletedStateOnConnect(t *testing.T) {
	src := newFakeSource()
	src.snap["job-1"] = streamer.Snapshot{Status: "completed", Result: "ok", Duration: 2 * time.Second}
	s := streamer.New(streamer.Config{HeartbeatInterval: time.Hour}, src)

	req := httptest.NewRequest(http.MethodGet, "/evaluate/job-1/progress", nil)
	ctx, cancel := newCancelableRequest(req)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.ServeHTTP(rec, req.WithContext(ctx), "job-1")
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	assert.Contains(t, rec.Body.String(), `"type":"job.completed"`)
}

func TestStreamer_BroadcastsLiveEventsToSubscriber(t *testing.T) {
	src := newFakeSource()
	src.snap["job-1"] = streamer.Snapshot{Status: "running"}
	s := streamer.New(streamer.Config{HeartbeatInterval: time.Hour}, src)

	pr, pw := newPipeRequest(t, "job-1")
	rec := newFlushRecorder(pw)

	req := httptest.NewRequest(http.MethodGet, "/evaluate/job-1/progress", nil)
	ctx, cancel := newCancelableRequest(req)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.ServeHTTP(rec, req.WithContext(ctx), "job-1")
		close(done)
	}()

	require.Eventually(t, func() bool {
		return src.subscribed("job-1")
	}, time.Second, 5*time.Millisecond)

	src.push("job-1", domain.Event{Type: domain.EventEvaluatorProgress, Data: domain.EventData{EvaluatorName: "security"}})

	reader := bufio.NewReader(pr)
	found := false
	for i := 0; i < 20 && !found; i++ {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if strings.Contains(line, "evaluator.progress") {
			found = true
		}
	}
	assert.True(t, found)
	cancel()
	<-done
}

func TestStreamer_ShutdownClosesAllConnections(t *testing.T) {
	src := newFakeSource()
	src.snap["job-1"] = streamer.Snapshot{Status: "running"}
	s := streamer.New(streamer.Config{HeartbeatInterval: time.Hour}, src)

	req := httptest.NewRequest(http.MethodGet, "/evaluate/job-1/progress", nil)
	ctx, cancel := newCancelableRequest(req)
	defer cancel()
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.ServeHTTP(rec, req.WithContext(ctx), "job-1")
		close(done)
	}()

	require.Eventually(t, func() bool {
		return src.subscribed("job-1")
	}, time.Second, 5*time.Millisecond)

	s.Shutdown()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ServeHTTP did not return after Shutdown")
	}
}

func TestStreamer_ReplaysRemediationTerminalEventType(t *testing.T) {
	src := newFakeSource()
	src.snap["rem-1"] = streamer.Snapshot{
		Status:         "completed",
		Result:         "patched",
		CompletedEvent: domain.EventRemediationCompleted,
		FailedEvent:    domain.EventRemediationFailed,
	}
	s := streamer.New(streamer.Config{HeartbeatInterval: time.Hour}, src)

	req := httptest.NewRequest(http.MethodGet, "/remediate/rem-1/progress", nil)
	ctx, cancel := newCancelableRequest(req)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.ServeHTTP(rec, req.WithContext(ctx), "rem-1")
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	assert.Contains(t, rec.Body.String(), `"type":"remediation.completed"`)
}
