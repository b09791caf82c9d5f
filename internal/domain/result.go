package domain

// Finding is one issue surfaced by an evaluator. Engines that want their
// results exposed through GET /evaluate/{id}/issues return an
// EvaluationResult (or anything satisfying FindingSource) as the job
// Result; engines that don't care about issue extraction may return any
// other value, and the issues endpoint simply reports none.
type Finding struct {
	Evaluator string
	Severity  string
	Message   string
	File      string
	Line      int
}

// EvaluationResult is the conventional shape an Engine may return from a
// successful run. The Job Manager itself never inspects it (it is opaque
// per the Engine contract), but the evaluator registry's issue-extraction
// helper knows how to read it.
type EvaluationResult struct {
	Summary  string
	Findings []Finding
}

// FindingSource lets an engine return a custom result type while still
// participating in issue extraction.
type FindingSource interface {
	EvaluationFindings() []Finding
}

func (r EvaluationResult) EvaluationFindings() []Finding { return r.Findings }
