// Package scan holds deterministic, model-free checks over generated files.
package scan

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/metalagman/appforge/internal/model"
	"github.com/rs/zerolog/log"
)

// Scanner inspects one file and reports problems. It must not mutate input.
type Scanner interface {
	Scan(filename, code string) []model.Issue
}

// ScannerFunc adapts a function to Scanner.
type ScannerFunc func(filename, code string) []model.Issue

// Scan calls f.
func (f ScannerFunc) Scan(filename, code string) []model.Issue { return f(filename, code) }

type entry struct {
	pattern string
	scanner Scanner
}

// Registry dispatches files to scanners by glob pattern.
type Registry struct {
	entries []entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Default returns a registry with the built-in scanners.
func Default() *Registry {
	r := NewRegistry()
	r.Register("**/*.{html,htm}", ScannerFunc(HTML))
	r.Register("**/*.css", ScannerFunc(CSS))
	r.Register("**/*.{js,mjs,cjs,jsx}", ScannerFunc(JS))
	r.Register("**/*.json", ScannerFunc(JSON))
	return r
}

// Register adds a scanner for files matching a doublestar pattern.
func (r *Registry) Register(pattern string, s Scanner) {
	if !doublestar.ValidatePattern(pattern) {
		panic(fmt.Sprintf("scan: invalid pattern %q", pattern))
	}
	r.entries = append(r.entries, entry{pattern: pattern, scanner: s})
}

// Supports reports whether any scanner handles the file.
func (r *Registry) Supports(filename string) bool {
	for _, e := range r.entries {
		if match(e.pattern, filename) {
			return true
		}
	}
	return false
}

// Scan runs every matching scanner on one file.
func (r *Registry) Scan(filename, code string) []model.Issue {
	var issues []model.Issue
	for _, e := range r.entries {
		if !match(e.pattern, filename) {
			continue
		}
		issues = append(issues, safeScan(e.scanner, filename, code)...)
	}
	return issues
}

// ScanAll scans every artifact in file name order.
func (r *Registry) ScanAll(artifacts map[string]string) []model.Issue {
	names := make([]string, 0, len(artifacts))
	for name := range artifacts {
		names = append(names, name)
	}
	sort.Strings(names)

	var issues []model.Issue
	for _, name := range names {
		issues = append(issues, r.Scan(name, artifacts[name])...)
	}
	return issues
}

func match(pattern, filename string) bool {
	ok, err := doublestar.Match(pattern, path.Clean(strings.ReplaceAll(filename, "\\", "/")))
	return err == nil && ok
}

func safeScan(s Scanner, filename, code string) (issues []model.Issue) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("file", filename).Interface("panic", r).Msg("scanner panicked")
			issues = []model.Issue{model.NewIssue(model.CategoryOther, model.SeverityWarning, filename,
				fmt.Sprintf("scanner failed: %v", r))}
		}
	}()
	return s.Scan(filename, code)
}

func newIssue(sev model.Severity, file string, line int, format string, args ...any) model.Issue {
	issue := model.NewIssue(model.CategorySyntax, sev, file, fmt.Sprintf(format, args...))
	if line > 0 {
		issue.Location = fmt.Sprintf("line %d", line)
	}
	return issue
}
