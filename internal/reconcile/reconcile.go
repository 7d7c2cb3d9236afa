// Package reconcile discards issues that reference files the run never produced.
package reconcile

import (
	"sort"

	"github.com/metalagman/appforge/internal/model"
)

// Summary aggregates the kept issues.
type Summary struct {
	Total         int      `json:"total_issues"    yaml:"total_issues"`
	Critical      int      `json:"critical_issues" yaml:"critical_issues"`
	FilesAffected []string `json:"files_affected"  yaml:"files_affected"`
}

// Passed reports whether no kept issue is critical.
func (s Summary) Passed() bool { return s.Critical == 0 }

// Result is the outcome of a reconciliation.
type Result struct {
	Kept      []model.Issue
	Discarded []model.Issue
	// Fabricated holds the distinct unknown file names, sorted.
	Fabricated []string
	Summary    Summary
}

// Dropped returns the number of discarded issues.
func (r Result) Dropped() int { return len(r.Discarded) }

// Issues partitions issues by whether their target is a known file.
// Issues with an empty target describe the run as a whole and are kept.
// Order is preserved in both partitions.
func Issues(issues []model.Issue, known map[string]string) Result {
	var res Result
	fabricated := make(map[string]struct{})
	for _, issue := range issues {
		if issue.TargetFile != "" {
			if _, ok := known[issue.TargetFile]; !ok {
				res.Discarded = append(res.Discarded, issue)
				fabricated[issue.TargetFile] = struct{}{}
				continue
			}
		}
		res.Kept = append(res.Kept, issue)
	}
	for name := range fabricated {
		res.Fabricated = append(res.Fabricated, name)
	}
	sort.Strings(res.Fabricated)
	res.Summary = Summarize(res.Kept)
	return res
}

// Summarize computes aggregates over issues.
func Summarize(issues []model.Issue) Summary {
	s := Summary{Total: len(issues), FilesAffected: []string{}}
	files := make(map[string]struct{})
	for _, issue := range issues {
		if issue.Critical() {
			s.Critical++
		}
		if issue.TargetFile == "" {
			continue
		}
		if _, seen := files[issue.TargetFile]; !seen {
			files[issue.TargetFile] = struct{}{}
			s.FilesAffected = append(s.FilesAffected, issue.TargetFile)
		}
	}
	sort.Strings(s.FilesAffected)
	return s
}
