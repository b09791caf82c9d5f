package engine

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/fernlab/evalsvc/internal/domain"
	"github.com/fernlab/evalsvc/internal/evaluator"
)

var sourceExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".java": true,
	".rb": true, ".rs": true, ".c": true, ".cpp": true, ".h": true,
}

var skipDirs = map[string]bool{
	".git": true, "vendor": true, "node_modules": true, "dist": true, "build": true,
}

const maxScannedFiles = 2000

// collectFiles walks root and returns every regular file with a recognized
// source extension, skipping common vendor/VCS directories.
func collectFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if len(files) >= maxScannedFiles {
			return filepath.SkipAll
		}
		if sourceExtensions[filepath.Ext(path)] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// runEvaluator applies the heuristic bound to e.Name against path, returning
// the findings it surfaces. An unrecognized evaluator name yields no
// findings rather than an error, so a registry entry with no matching
// heuristic simply never fires.
func runEvaluator(e evaluator.Entry, path string) ([]domain.Finding, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	switch e.Name {
	case "security":
		return scanLines(f, path, e, []string{"password =", "password=", "api_key=", "apikey=", "secret="})
	case "correctness":
		return scanLines(f, path, e, []string{"panic(", "FIXME"})
	case "performance":
		return scanLongFile(f, path, e)
	case "style":
		return scanLongLines(f, path, e)
	case "test-coverage":
		f.Close()
		return scanMissingTest(path, e)
	case "documentation":
		return scanUndocumented(f, path, e)
	default:
		return nil, nil
	}
}

func scanLines(r *os.File, path string, e evaluator.Entry, needles []string) ([]domain.Finding, error) {
	var findings []domain.Finding
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		lower := strings.ToLower(sc.Text())
		for _, needle := range needles {
			if strings.Contains(lower, strings.ToLower(needle)) {
				findings = append(findings, domain.Finding{
					Evaluator: e.Name, Severity: e.IssueType,
					Message: fmt.Sprintf("%s: matched %q", e.Label, needle),
					File: path, Line: lineNo,
				})
				break
			}
		}
	}
	return findings, sc.Err()
}

func scanLongLines(r *os.File, path string, e evaluator.Entry) ([]domain.Finding, error) {
	var findings []domain.Finding
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if len(sc.Text()) > 120 {
			findings = append(findings, domain.Finding{
				Evaluator: e.Name, Severity: e.IssueType,
				Message: fmt.Sprintf("line exceeds 120 characters (%d)", len(sc.Text())),
				File: path, Line: lineNo,
			})
		}
	}
	return findings, sc.Err()
}

func scanLongFile(r *os.File, path string, e evaluator.Entry) ([]domain.Finding, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lines := 0
	for sc.Scan() {
		lines++
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if lines <= 500 {
		return nil, nil
	}
	return []domain.Finding{{
		Evaluator: e.Name, Severity: e.IssueType,
		Message: fmt.Sprintf("file has %d lines; consider splitting it", lines),
		File: path, Line: 1,
	}}, nil
}

func scanMissingTest(path string, e evaluator.Entry) ([]domain.Finding, error) {
	if filepath.Ext(path) != ".go" || strings.HasSuffix(path, "_test.go") {
		return nil, nil
	}
	testPath := strings.TrimSuffix(path, ".go") + "_test.go"
	if _, err := os.Stat(testPath); err == nil {
		return nil, nil
	}
	return []domain.Finding{{
		Evaluator: e.Name, Severity: e.IssueType,
		Message: "no corresponding _test.go file found",
		File: path, Line: 1,
	}}, nil
}

func scanUndocumented(r *os.File, path string, e evaluator.Entry) ([]domain.Finding, error) {
	if filepath.Ext(path) != ".go" {
		return nil, nil
	}
	var findings []domain.Finding
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	prevCommented := false
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "func ") && exportedFunc(trimmed) && !prevCommented {
			findings = append(findings, domain.Finding{
				Evaluator: e.Name, Severity: e.IssueType,
				Message: "exported function is missing a doc comment",
				File: path, Line: lineNo,
			})
		}
		prevCommented = strings.HasPrefix(trimmed, "//")
	}
	return findings, sc.Err()
}

func exportedFunc(funcLine string) bool {
	name := strings.TrimPrefix(funcLine, "func ")
	name = strings.TrimSpace(name)
	if strings.HasPrefix(name, "(") {
		// Method: skip the receiver "(s *Server) " to reach the method name.
		if end := strings.Index(name, ") "); end >= 0 {
			name = strings.TrimSpace(name[end+2:])
		}
	}
	if i := strings.Index(name, "("); i >= 0 {
		name = name[:i]
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	r := []rune(name)[0]
	return unicode.IsUpper(r)
}
