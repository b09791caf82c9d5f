package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	obsctx "github.com/fernlab/evalsvc/internal/observability"
)

// Recoverer converts a handler panic into a 500 and logs it through the
// request-scoped logger. A panicking route must never take down the
// process: the dispatcher goroutines executing jobs share it.
func Recoverer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					obsctx.LoggerFromContext(r.Context()).Error("panic recovered",
						slog.Any("recover", rec),
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID assigns each request a ULID (or honors one supplied by the
// client), attaches a logger enriched with the id and active trace id to
// the context, and echoes the id back in the response. Stream clients send
// the same id on reconnect so a job's attach/detach cycles correlate.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-Id")
			if reqID == "" {
				reqID = newReqID()
			}
			spanCtx := trace.SpanContextFromContext(r.Context())
			logger := slog.Default().With(
				slog.String("request_id", reqID),
				slog.String("trace_id", spanCtx.TraceID().String()),
			)
			ctx := obsctx.ContextWithLogger(r.Context(), logger)
			ctx = obsctx.ContextWithRequestID(ctx, reqID)
			w.Header().Set("X-Request-Id", reqID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFrom returns the request-scoped logger installed by RequestID, or
// the default logger outside a request.
func LoggerFrom(r *http.Request) *slog.Logger {
	return obsctx.LoggerFromContext(r.Context())
}

func newReqID() string {
	return ulid.Make().String()
}

// AccessLog writes one structured line per request. Requests addressing a
// specific job or batch carry its id, so a job's HTTP trail (submit, status
// polls, stream attach and detach) can be grepped alongside the job
// managers' own log lines for the same id.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			jobID := ""
			if rc := chi.RouteContext(r.Context()); rc != nil {
				if p := rc.RoutePattern(); p != "" {
					route = p
				}
				jobID = rc.URLParam("id")
			}
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
			}
			if jobID != "" {
				attrs = append(attrs, slog.String("job_id", jobID))
			}

			lg := LoggerFrom(r)
			switch {
			case ww.Status() >= 500:
				lg.LogAttrs(r.Context(), slog.LevelError, "http_access", attrs...)
			case ww.Status() >= 400:
				lg.LogAttrs(r.Context(), slog.LevelWarn, "http_access", attrs...)
			default:
				lg.LogAttrs(r.Context(), slog.LevelInfo, "http_access", attrs...)
			}
		})
	}
}
