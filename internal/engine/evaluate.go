package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fernlab/evalsvc/internal/domain"
	"github.com/fernlab/evalsvc/internal/evaluator"
	obsctx "github.com/fernlab/evalsvc/internal/observability"
)

// sourceRequest is the conventional shape of EvaluateRequest.Payload this
// engine understands: the root of the tree to walk, plus an optional free
// text mode label relayed straight back out on job.started.
type sourceRequest struct {
	RootPath string `json:"rootPath"`
	Mode     string `json:"mode"`
}

const (
	breakerMaxFailures      = 3
	breakerOpenTimeout      = 30 * time.Second
	breakerSuccessThreshold = 0.5
)

// NewEvaluationEngine builds a domain.Engine that walks a source tree and
// runs every registered evaluator's heuristic against every file, emitting
// a progress event per file and per evaluator pass. defaultRoot is used
// when a submitted request carries no rootPath (e.g. "." for evaluating
// the service's own working directory in a demo deployment).
func NewEvaluationEngine(registry *evaluator.Registry, defaultRoot string) domain.Engine {
	return func(ctx context.Context, req domain.EvaluateRequest, emit func(domain.Event)) (any, error) {
		tracer := otel.Tracer("engine.evaluate")
		ctx, span := tracer.Start(ctx, "Evaluate")
		defer span.End()
		lg := obsctx.LoggerFromContext(ctx)

		var params sourceRequest
		if err := decodePayload(req.Payload, &params); err != nil {
			return nil, fmt.Errorf("decode evaluate payload: %w", err)
		}
		root := params.RootPath
		if root == "" {
			root = defaultRoot
		}
		mode := params.Mode
		if mode == "" {
			mode = "static"
		}

		files, err := collectFiles(root)
		if err != nil {
			return nil, fmt.Errorf("collect files under %q: %w", root, err)
		}
		entries := registry.List()

		metrics := obsctx.NewConnectionMetrics(obsctx.ConnectionTypeEngine, obsctx.OperationTypeEvaluate, root)
		breakers := make(map[string]*obsctx.CircuitBreaker, len(entries))
		for _, e := range entries {
			breakers[e.Name] = obsctx.NewCircuitBreaker(breakerMaxFailures, breakerOpenTimeout, breakerSuccessThreshold)
		}

		emit(domain.Event{Type: domain.EventJobStarted, Data: domain.EventData{
			Mode: mode, TotalFiles: len(files), TotalEvaluators: len(entries),
		}})

		var findings []domain.Finding
		for _, file := range files {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			emit(domain.Event{Type: domain.EventFileStarted, Data: domain.EventData{FilePath: file, CurrentFile: file}})

			for idx, e := range entries {
				emit(domain.Event{Type: domain.EventEvaluatorProgress, Data: domain.EventData{
					EvaluatorName: e.Name, EvaluatorIndex: idx, TotalEvaluators: len(entries), CurrentFile: file,
				}})

				cb := breakers[e.Name]
				if !cb.CanExecute() {
					emit(domain.Event{Type: domain.EventEvaluatorTimeout, Data: domain.EventData{
						EvaluatorName: e.Name, TimeoutMS: breakerOpenTimeout.Milliseconds(),
					}})
					continue
				}

				start := time.Now()
				metrics.RecordRequest()
				fileFindings, ferr := runEvaluator(e, file)
				if ferr != nil {
					cb.RecordFailure()
					metrics.RecordFailure(time.Since(start))
					emit(domain.Event{Type: domain.EventEvaluatorRetry, Data: domain.EventData{
						EvaluatorName: e.Name, RetryAttempt: 1, RetryMax: 1, RetryError: truncate(ferr.Error(), 100),
					}})
					continue
				}
				cb.RecordSuccess()
				metrics.RecordSuccess(time.Since(start))
				findings = append(findings, fileFindings...)
			}

			emit(domain.Event{Type: domain.EventFileCompleted, Data: domain.EventData{CurrentFile: file, TotalFiles: len(files)}})
		}

		emit(domain.Event{Type: domain.EventCurationStarted, Data: domain.EventData{TotalIssues: len(findings)}})
		curated := evaluator.ExtractIssues(domain.EvaluationResult{Findings: findings})
		emit(domain.Event{Type: domain.EventCurationCompleted, Data: domain.EventData{CuratedCount: len(curated)}})

		summary := metrics.Summary()
		lg.Info("evaluation engine run finished",
			slog.String("root", root), slog.Int("files", len(files)), slog.Int("issues", len(curated)),
			slog.Int64("evaluator_runs", summary.TotalRequests),
			slog.Int64("evaluator_failures", summary.FailureRequests),
			slog.Float64("success_rate", summary.SuccessRate),
			slog.Duration("avg_latency", summary.AvgLatency),
			slog.Duration("max_latency", summary.MaxLatency))

		return domain.EvaluationResult{
			Summary:  fmt.Sprintf("scanned %d file(s) across %d evaluator(s); %d issue(s) found", len(files), len(entries), len(curated)),
			Findings: curated,
		}, nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
