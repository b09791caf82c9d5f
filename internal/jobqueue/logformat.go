package jobqueue

import (
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/fernlab/evalsvc/internal/domain"
)

// Format translates a typed progress event into a human log-tail entry.
// Event types not in the mapping table return ok=false and should not be
// appended to the log tail.
func Format(ev domain.Event) (entry domain.LogEntry, ok bool) {
	now := time.Now()
	switch ev.Type {
	case domain.EventJobStarted:
		return logAt(now, domain.LogInfo, fmt.Sprintf("Started evaluation (%s mode, %d file(s))", ev.Data.Mode, ev.Data.TotalFiles)), true

	case domain.EventFileStarted:
		return logAt(now, domain.LogInfo, fmt.Sprintf("Processing %s", ev.Data.FilePath)), true

	case domain.EventEvaluatorProgress:
		msg := fmt.Sprintf("Running %s", ev.Data.EvaluatorName)
		if ev.Data.CurrentFile != "" {
			msg += fmt.Sprintf(" on %s", filepath.Base(ev.Data.CurrentFile))
		}
		msg += fmt.Sprintf(" (%d/%d)", ev.Data.EvaluatorIndex+1, ev.Data.TotalEvaluators)
		return logAt(now, domain.LogInfo, msg), true

	case domain.EventEvaluatorRetry:
		return logAt(now, domain.LogWarning, fmt.Sprintf("Retry %d/%d for %s: %s",
			ev.Data.RetryAttempt, ev.Data.RetryMax, ev.Data.EvaluatorName, truncate(ev.Data.RetryError, 100))), true

	case domain.EventEvaluatorTimeout:
		secs := int(math.Round(float64(ev.Data.TimeoutMS) / 1000))
		return logAt(now, domain.LogError, fmt.Sprintf("Timeout: %s exceeded %ds limit", ev.Data.EvaluatorName, secs)), true

	case domain.EventCurationStarted:
		return logAt(now, domain.LogInfo, fmt.Sprintf("Curating top %s from %d total...", issueLabel(ev.Data.IssueType), ev.Data.TotalIssues)), true

	case domain.EventCurationCompleted:
		return logAt(now, domain.LogSuccess, fmt.Sprintf("Impact curation completed for %s (%d selected)", issueLabel(ev.Data.IssueType), ev.Data.CuratedCount)), true

	case domain.EventJobCompleted:
		secs := int(math.Round(float64(ev.Data.DurationMS) / 1000))
		return logAt(now, domain.LogSuccess, fmt.Sprintf("Evaluation completed in %ds", secs)), true

	case domain.EventJobFailed:
		msg := "Unknown error"
		if ev.Data.Error != nil && ev.Data.Error.Message != "" {
			msg = ev.Data.Error.Message
		}
		return logAt(now, domain.LogError, fmt.Sprintf("Evaluation failed: %s", msg)), true

	default:
		return domain.LogEntry{}, false
	}
}

func logAt(ts time.Time, typ domain.LogType, msg string) domain.LogEntry {
	return domain.LogEntry{Timestamp: ts, Type: typ, Message: msg}
}

func issueLabel(issueType string) string {
	switch issueType {
	case "error", "errors":
		return "errors"
	case "suggestion", "suggestions":
		return "suggestions"
	default:
		return "issues"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
