// Package app wires application components and startup helpers.
//
// It provides dependency injection and application initialization,
// coordinating between the HTTP layer and the job orchestration substrate.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fernlab/evalsvc/internal/adapter/httpserver"
	"github.com/fernlab/evalsvc/internal/adapter/observability"
	"github.com/fernlab/evalsvc/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty or "*" input allows every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middleware and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()

	r.Use(httpserver.Recoverer())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(middleware.SetHeader("X-Content-Type-Options", "nosniff"))
	r.Use(middleware.SetHeader("X-Frame-Options", "DENY"))
	r.Use(middleware.SetHeader("Content-Security-Policy", "default-src 'none'"))
	r.Use(middleware.SetHeader("Referrer-Policy", "no-referrer"))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// JSON routes run under a request timeout. The SSE progress routes are
	// mounted outside it: a 30s deadline would cut long-lived streams.
	r.Group(func(jr chi.Router) {
		jr.Use(middleware.Timeout(30 * time.Second))

		// Mutating endpoints are rate-limited per IP; the daily evaluation
		// limiter sits behind this transport-level guard.
		jr.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))

			wr.Post("/evaluate", srv.SubmitEvaluationHandler())
			wr.Post("/evaluate/batch", srv.SubmitBatchHandler())
			wr.Post("/evaluate/batch/{id}/cancel", srv.CancelBatchHandler())
			wr.Post("/remediate", srv.SubmitRemediationHandler())
		})

		jr.Get("/evaluate/{id}", srv.GetEvaluationHandler())
		jr.Get("/evaluate/{id}/issues", srv.IssuesHandler())
		jr.Get("/evaluate/batch/{id}", srv.GetBatchHandler())
		jr.Get("/evaluators", srv.EvaluatorsHandler())
		jr.Get("/remediate/{id}", srv.GetRemediationHandler())
		jr.Get("/config", srv.ConfigHandler())

		jr.Get("/healthz", srv.HealthzHandler())
		jr.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	})

	r.Get("/evaluate/{id}/progress", srv.EvaluationProgressHandler())
	r.Get("/remediate/{id}/progress", srv.RemediationProgressHandler())

	return r
}
