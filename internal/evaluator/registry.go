// Package evaluator holds the static evaluator registry and the pure
// issue-extraction helpers layered over a completed job's result.
package evaluator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fernlab/evalsvc/internal/domain"
)

// Entry describes one registered evaluator.
type Entry struct {
	Name      string `yaml:"name"`
	Label     string `yaml:"label"`
	IssueType string `yaml:"issueType"`
}

type registryFile struct {
	Evaluators []Entry `yaml:"evaluators"`
}

// Registry is the immutable, startup-loaded list of evaluators a deployment
// runs. It is read-only after Load returns.
type Registry struct {
	entries []Entry
	byName  map[string]Entry
}

// Load reads and parses a registry YAML file from path.
func Load(path string) (*Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read evaluator registry %q: %w", path, err)
	}
	var rf registryFile
	if err := yaml.Unmarshal(b, &rf); err != nil {
		return nil, fmt.Errorf("parse evaluator registry %q: %w", path, err)
	}
	return newRegistry(rf.Evaluators), nil
}

func newRegistry(entries []Entry) *Registry {
	r := &Registry{entries: entries, byName: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		r.byName[e.Name] = e
	}
	return r
}

// List returns every registered evaluator, in registry order.
func (r *Registry) List() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Get looks up an evaluator by name.
func (r *Registry) Get(name string) (Entry, bool) {
	e, ok := r.byName[name]
	return e, ok
}

// ExtractIssues flattens and deduplicates the findings in result, which is
// normally a job's terminal Result value. Inputs that don't carry findings
// (nil, a non-conforming type) simply yield no issues.
func ExtractIssues(result any) []domain.Finding {
	var findings []domain.Finding
	switch v := result.(type) {
	case domain.FindingSource:
		findings = v.EvaluationFindings()
	case []domain.Finding:
		findings = v
	default:
		return nil
	}

	seen := make(map[string]struct{}, len(findings))
	out := make([]domain.Finding, 0, len(findings))
	for _, f := range findings {
		key := fmt.Sprintf("%s|%s|%d|%s", f.Evaluator, f.File, f.Line, f.Message)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, f)
	}
	return out
}
