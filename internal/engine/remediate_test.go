package engine

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernlab/evalsvc/internal/domain"
)

func TestAnnotateFinding_InsertsCommentAboveLine(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "target.go", "package target\n\nfunc Bad() {\n\tpanic(\"x\")\n}\n")

	f := domain.Finding{Evaluator: "correctness", Message: "avoid panic", File: path, Line: 4}
	require.NoError(t, annotateFinding(path, f))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(string(b), "\n")
	assert.Contains(t, lines[3], remediationMarker)
	assert.Contains(t, lines[3], "avoid panic")
	assert.Contains(t, lines[4], "panic(")
}

func TestAnnotateFinding_IdempotentOnSecondRun(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "target.go", "package target\n\nfunc Bad() {\n\tpanic(\"x\")\n}\n")

	f := domain.Finding{Evaluator: "correctness", Message: "avoid panic", File: path, Line: 4}
	require.NoError(t, annotateFinding(path, f))
	after1, err := os.ReadFile(path)
	require.NoError(t, err)

	// Second pass targets the shifted line; the marker above it must keep
	// the file unchanged.
	f.Line = 5
	require.NoError(t, annotateFinding(path, f))
	after2, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(after1), string(after2))
}

func TestAnnotateFinding_RejectsOutOfRangeLine(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "short.go", "package short\n")

	f := domain.Finding{File: path, Line: 99, Message: "x"}
	assert.Error(t, annotateFinding(path, f))
}

func TestRemediationEngine_AppliesFindingsAndEmitsSteps(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.go", "package a\n\nvar secret = 1\n")

	eng := NewRemediationEngine(dir)
	var steps []string
	result, err := eng(context.Background(), domain.RemediationRequest{
		Payload: remediationPayload{
			RootPath: dir,
			Findings: []domain.Finding{{Evaluator: "security", Message: "hardcoded secret", File: path, Line: 3}},
		},
	}, func(ev domain.Event) {
		if ev.Data.Step != "" {
			steps = append(steps, ev.Data.Step)
		}
	})
	require.NoError(t, err)

	res, ok := result.(domain.EvaluationResult)
	require.True(t, ok)
	assert.Contains(t, res.Summary, "applied 1 of 1")
	assert.NotEmpty(t, steps)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), remediationMarker)
}

func TestRemediationEngine_SkipsFindingsWithoutLocation(t *testing.T) {
	dir := t.TempDir()
	eng := NewRemediationEngine(dir)

	result, err := eng(context.Background(), domain.RemediationRequest{
		Payload: remediationPayload{Findings: []domain.Finding{{Message: "no file"}}},
	}, func(domain.Event) {})
	require.NoError(t, err)

	res := result.(domain.EvaluationResult)
	assert.Contains(t, res.Summary, "applied 0 of 1")
}
