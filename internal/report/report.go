// Package report renders run results for the terminal.
package report

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/metalagman/appforge/internal/model"
	"github.com/metalagman/appforge/internal/pipeline"
)

var (
	okStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#3FB950"))
	warnStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#D29922"))
	errStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F85149"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#8B949E"))
)

// Headline is a one line status for a run.
func Headline(res pipeline.Result) string {
	var status string
	switch {
	case res.Status == pipeline.StatusAborted:
		status = errStyle.Render("refused")
	case res.Status == pipeline.StatusCompleted && len(res.Caveats) == 0:
		status = okStyle.Render("delivered")
	default:
		status = warnStyle.Render("delivered with caveats")
	}
	return fmt.Sprintf("%s %s", status, mutedStyle.Render(fmt.Sprintf("run %s in %s", res.RunID, res.Duration().Round(time.Millisecond))))
}

// Markdown builds the full report.
func Markdown(res pipeline.Result) string {
	var b strings.Builder
	title := res.Blueprint.ProjectName
	if title == "" {
		title = "Run " + res.RunID
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "- **Run:** `%s`\n", res.RunID)
	fmt.Fprintf(&b, "- **Status:** %s\n", res.Status)
	if res.Classification.Scope != model.ScopeUnknown {
		fmt.Fprintf(&b, "- **Scope:** %s (%.2f)\n", res.Classification.Scope, res.Classification.Confidence)
	}
	if res.OutputDir != "" {
		fmt.Fprintf(&b, "- **Output:** `%s`\n", res.OutputDir)
	}

	if res.Status == pipeline.StatusAborted {
		fmt.Fprintf(&b, "\n> %s\n", res.Reason)
		return b.String()
	}

	if len(res.Artifacts) > 0 {
		b.WriteString("\n## Files\n\n")
		names := make([]string, 0, len(res.Artifacts))
		for name := range res.Artifacts {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			fmt.Fprintf(&b, "- `%s` (%d bytes)\n", name, len(res.Artifacts[name]))
		}
	}

	if len(res.Dependencies) > 0 {
		b.WriteString("\n## Dependencies\n\n")
		for _, d := range res.Dependencies {
			fmt.Fprintf(&b, "- %s `%s`\n", d.Kind, d.Name)
		}
	}

	if len(res.Findings) > 0 {
		b.WriteString("\n## Open findings\n\n| Severity | File | Issue |\n|---|---|---|\n")
		for _, f := range res.Findings {
			file := f.TargetFile
			if file == "" {
				file = "-"
			}
			fmt.Fprintf(&b, "| %s | %s | %s |\n", f.Severity, file, escapeCell(f.Description))
		}
	}

	if len(res.Caveats) > 0 {
		b.WriteString("\n## Caveats\n\n")
		for _, c := range res.Caveats {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	if len(res.Decisions) > 0 {
		b.WriteString("\n## Stages\n\n| # | Stage | Outcome | Attempt | Critical | Time |\n|---|---|---|---|---|---|\n")
		for i, d := range res.Decisions {
			fmt.Fprintf(&b, "| %d | %s | %s | %d | %d | %s |\n",
				i+1, d.Stage, d.Outcome, d.Attempt, d.Critical, d.Duration.Round(time.Millisecond))
		}
	}
	return b.String()
}

// Render formats the report for a terminal of the given width.
// Styling is dropped when color is false.
func Render(res pipeline.Result, width int, color bool) (string, error) {
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(width)}
	if color {
		opts = append(opts, glamour.WithAutoStyle())
	} else {
		opts = append(opts, glamour.WithStandardStyle("notty"))
	}
	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return "", fmt.Errorf("create renderer: %w", err)
	}
	out, err := r.Render(Markdown(res))
	if err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return out, nil
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", "\\|")
}
