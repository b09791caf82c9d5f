package engine

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fernlab/evalsvc/internal/domain"
	obsctx "github.com/fernlab/evalsvc/internal/observability"
)

// remediationPayload is the conventional shape of RemediationRequest.Payload
// this engine understands: the findings to act on, rooted under RootPath.
type remediationPayload struct {
	RootPath string           `json:"rootPath"`
	Findings []domain.Finding `json:"findings"`
}

const remediationMarker = "// REMEDIATED:"

// NewRemediationEngine builds a domain.RemediationEngine that applies a
// conservative, auditable fix for each finding carrying a file/line: it
// inserts a comment immediately above the flagged line rather than
// rewriting code, so the remediation is always reviewable as a diff.
// defaultRoot mirrors NewEvaluationEngine's fallback.
func NewRemediationEngine(defaultRoot string) domain.RemediationEngine {
	return func(ctx context.Context, req domain.RemediationRequest, emit func(domain.Event)) (any, error) {
		tracer := otel.Tracer("engine.remediate")
		ctx, span := tracer.Start(ctx, "Remediate")
		defer span.End()
		lg := obsctx.LoggerFromContext(ctx)

		var params remediationPayload
		if err := decodePayload(req.Payload, &params); err != nil {
			return nil, fmt.Errorf("decode remediation payload: %w", err)
		}
		root := params.RootPath
		if root == "" {
			root = defaultRoot
		}

		metrics := obsctx.NewConnectionMetrics(obsctx.ConnectionTypeEngine, obsctx.OperationTypeRemediate, root)

		applied := 0
		for _, finding := range params.Findings {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if finding.File == "" || finding.Line <= 0 {
				continue
			}

			emit(domain.Event{Type: domain.EventFileStarted, Data: domain.EventData{
				FilePath: finding.File, CurrentFile: finding.File,
				Step: "annotating " + finding.File,
			}})

			path := finding.File
			if !filepath.IsAbs(path) {
				path = filepath.Join(root, finding.File)
			}
			metrics.RecordRequest()
			start := time.Now()
			if err := annotateFinding(path, finding); err != nil {
				metrics.RecordFailure(time.Since(start))
				lg.Warn("remediation failed for file",
					slog.String("file", finding.File), slog.Any("error", err))
				emit(domain.Event{Type: domain.EventEvaluatorRetry, Data: domain.EventData{
					EvaluatorName: finding.Evaluator, RetryError: truncate(err.Error(), 100),
				}})
				continue
			}
			metrics.RecordSuccess(time.Since(start))
			applied++
			emit(domain.Event{Type: domain.EventFileCompleted, Data: domain.EventData{
				CurrentFile: finding.File,
				Step:        "annotated " + finding.File,
			}})
		}

		summary := metrics.Summary()
		lg.Info("remediation engine run finished",
			slog.String("root", root), slog.Int("findings", len(params.Findings)), slog.Int("applied", applied),
			slog.Float64("success_rate", summary.SuccessRate),
			slog.Duration("avg_latency", summary.AvgLatency))

		return domain.EvaluationResult{
			Summary: fmt.Sprintf("applied %d of %d remediation(s)", applied, len(params.Findings)),
		}, nil
	}
}

// annotateFinding inserts a remediation comment immediately above
// finding.Line (1-indexed), skipping files that already carry the marker at
// that line so repeated remediation runs stay idempotent.
func annotateFinding(path string, finding domain.Finding) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	lines := strings.Split(string(b), "\n")
	if finding.Line > len(lines) {
		return fmt.Errorf("%s has %d lines, finding references line %d", path, len(lines), finding.Line)
	}

	idx := finding.Line - 1
	if idx > 0 && strings.Contains(lines[idx-1], remediationMarker) {
		return nil
	}

	comment := fmt.Sprintf("%s %s", remediationMarker, finding.Message)
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:idx]...)
	out = append(out, comment)
	out = append(out, lines[idx:]...)

	w, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("open %s for write: %w", path, err)
	}
	defer w.Close()

	bw := bufio.NewWriter(w)
	for i, line := range out {
		if i > 0 {
			if _, err := bw.WriteString("\n"); err != nil {
				return err
			}
		}
		if _, err := bw.WriteString(line); err != nil {
			return err
		}
	}
	return bw.Flush()
}
