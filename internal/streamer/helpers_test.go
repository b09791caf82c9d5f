package streamer_test

import (
	"context"
	"io"
	"net/http"
	"testing"
)

func newCancelableRequest(req *http.Request) (context.Context, context.CancelFunc) {
	return context.WithCancel(req.Context())
}

func newPipeRequest(t *testing.T, jobID string) (*io.PipeReader, *io.PipeWriter) {
	t.Helper()
	return io.Pipe()
}

// flushRecorder is an http.ResponseWriter/http.Flusher pair backed by an
// io.Writer, used so tests can read SSE output as it is written instead of
// waiting for the handler to return.
type flushRecorder struct {
	w          io.Writer
	header     http.Header
	statusCode int
}

func newFlushRecorder(w io.Writer) *flushRecorder {
	return &flushRecorder{w: w, header: make(http.Header)}
}

func (f *flushRecorder) Header() http.Header { return f.header }

func (f *flushRecorder) Write(b []byte) (int, error) { return f.w.Write(b) }

func (f *flushRecorder) WriteHeader(statusCode int) { f.statusCode = statusCode }

func (f *flushRecorder) Flush() {}

var _ http.Flusher = (*flushRecorder)(nil)
