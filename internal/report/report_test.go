package report

import (
	"testing"
	"time"

	"github.com/metalagman/appforge/internal/gate"
	"github.com/metalagman/appforge/internal/model"
	"github.com/metalagman/appforge/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult() pipeline.Result {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return pipeline.Result{
		RunID:          "01RUN",
		Status:         pipeline.StatusCompleted,
		Classification: model.Classification{Scope: model.ScopeInScope, Confidence: 0.9},
		Blueprint:      model.Blueprint{ProjectName: "todo"},
		Artifacts:      map[string]string{"index.html": "<html></html>", "app.js": "x"},
		Dependencies:   []model.Dependency{{Name: "https://unpkg.com/vue@3", Kind: "cdn"}},
		Findings: []model.Issue{
			model.NewIssue(model.CategorySyntax, model.SeverityWarning, "", "a | b"),
		},
		Caveats:    []string{"audit: degraded pass after model timeout"},
		OutputDir:  "/out/01RUN",
		Decisions:  []gate.Decision{{Stage: model.StageScope, Outcome: gate.OutcomeApproved}},
		StartedAt:  start,
		FinishedAt: start.Add(3 * time.Second),
	}
}

func TestMarkdown(t *testing.T) {
	t.Parallel()

	md := Markdown(sampleResult())
	assert.Contains(t, md, "# todo")
	assert.Contains(t, md, "- `app.js` (1 bytes)\n- `index.html`")
	assert.Contains(t, md, "| WARNING | - | a \\| b |")
	assert.Contains(t, md, "## Caveats")
	assert.Contains(t, md, "| 1 | scope | APPROVED |")
}

func TestMarkdownAborted(t *testing.T) {
	t.Parallel()

	md := Markdown(pipeline.Result{RunID: "r", Status: pipeline.StatusAborted, Reason: "Request out of scope"})
	assert.Contains(t, md, "> Request out of scope")
	assert.NotContains(t, md, "## Files")
}

func TestRenderPlain(t *testing.T) {
	t.Parallel()

	out, err := Render(sampleResult(), 100, false)
	require.NoError(t, err)
	assert.Contains(t, out, "todo")
	assert.Contains(t, out, "index.html")
}

func TestHeadline(t *testing.T) {
	t.Parallel()

	assert.Contains(t, Headline(sampleResult()), "delivered with caveats")
	assert.Contains(t, Headline(pipeline.Result{Status: pipeline.StatusAborted}), "refused")
	assert.Contains(t, Headline(pipeline.Result{Status: pipeline.StatusCompleted}), "delivered")
}
