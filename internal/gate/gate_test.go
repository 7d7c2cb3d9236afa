package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/metalagman/appforge/internal/extract"
	"github.com/metalagman/appforge/internal/llm"
	"github.com/metalagman/appforge/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStage struct {
	id    model.StageID
	check func(context.Context, model.View) (Result, error)
}

func (s stubStage) ID() model.StageID { return s.id }

func (s stubStage) Check(ctx context.Context, v model.View) (Result, error) {
	return s.check(ctx, v)
}

func returning(id model.StageID, res Result, err error) Stage {
	return stubStage{id: id, check: func(context.Context, model.View) (Result, error) { return res, err }}
}

func critical(file string) model.Issue {
	return model.NewIssue(model.CategorySyntax, model.SeverityCritical, file, "broken")
}

func newState() *model.RunState {
	s := model.NewRunState("todo app", model.Blueprint{})
	s.Artifacts["app.js"] = "x"
	return s
}

func TestEvaluateApproved(t *testing.T) {
	t.Parallel()

	g := New(Budgets{MaxRetries: 2}, nil, nil)
	state := newState()
	warn := model.NewIssue(model.CategorySyntax, model.SeverityWarning, "app.js", "style")

	d := g.Evaluate(context.Background(), returning(model.StageSyntaxScan, Result{Issues: []model.Issue{warn}}, nil), state)
	assert.Equal(t, OutcomeApproved, d.Outcome)
	assert.Equal(t, 1, d.Issues)
	assert.Zero(t, d.Critical)
	assert.Equal(t, []model.Issue{warn}, state.Findings)
	assert.Zero(t, state.Attempts(model.StageSyntaxScan))
}

func TestEvaluateRetryBudget(t *testing.T) {
	t.Parallel()

	g := New(Budgets{MaxRetries: 2}, nil, nil)
	state := newState()
	stage := returning(model.StageGenerate, Result{Issues: []model.Issue{critical("app.js")}}, nil)

	var outcomes []Outcome
	var attempts []int
	for range 4 {
		d := g.Evaluate(context.Background(), stage, state)
		outcomes = append(outcomes, d.Outcome)
		attempts = append(attempts, d.Attempt)
	}
	assert.Equal(t, []Outcome{OutcomeRetry, OutcomeRetry, OutcomeExhausted, OutcomeExhausted}, outcomes)
	assert.Equal(t, []int{1, 2, 2, 2}, attempts)
	assert.Equal(t, 2, state.Attempts(model.StageGenerate))
	assert.NotEmpty(t, state.Caveats)
}

func TestEvaluatePerStageBudget(t *testing.T) {
	t.Parallel()

	g := New(Budgets{MaxRetries: 3, StageRetries: map[model.StageID]int{model.StageSyntaxScan: 0}}, nil, nil)
	state := newState()

	d := g.Evaluate(context.Background(), returning(model.StageSyntaxScan, Result{Issues: []model.Issue{critical("app.js")}}, nil), state)
	assert.Equal(t, OutcomeExhausted, d.Outcome)

	d = g.Evaluate(context.Background(), returning(model.StageDependencies, Result{Issues: []model.Issue{critical("app.js")}}, nil), state)
	assert.Equal(t, OutcomeEscalate, d.Outcome)
	assert.Equal(t, 1, state.Attempts(model.StageDependencies))
}

func TestEvaluateFailOpen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		stage     Stage
		wantClass string
		wantErr   error
	}{
		{
			name:      "model timeout",
			stage:     returning(model.StageAudit, Result{}, llm.ErrModelTimeout),
			wantClass: "model timeout",
			wantErr:   llm.ErrModelTimeout,
		},
		{
			name:      "extraction",
			stage:     returning(model.StageIntegrationScan, Result{}, &extract.ExtractionError{Excerpt: "nope"}),
			wantClass: "extraction error",
			wantErr:   extract.ErrNoRecord,
		},
		{
			name: "panic",
			stage: stubStage{id: model.StageGenerate, check: func(context.Context, model.View) (Result, error) {
				panic("boom")
			}},
			wantClass: "stage panic",
			wantErr:   ErrStagePanic,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			state := newState()
			before := state.Artifacts["app.js"]
			d := New(Budgets{MaxRetries: 2}, nil, nil).Evaluate(context.Background(), tt.stage, state)

			assert.Equal(t, OutcomeDegraded, d.Outcome)
			require.ErrorIs(t, d.Err, tt.wantErr)
			assert.Equal(t, tt.wantClass, ErrorClass(d.Err))
			assert.Equal(t, before, state.Artifacts["app.js"])
			require.Len(t, state.Findings, 1)
			assert.Equal(t, model.SeverityWarning, state.Findings[0].Severity)
			assert.Empty(t, state.Findings[0].TargetFile)
			require.Len(t, state.Caveats, 1)
			assert.Contains(t, state.Caveats[0], tt.wantClass)
		})
	}
}

func TestEvaluateAbort(t *testing.T) {
	t.Parallel()

	cls := model.Classification{Scope: model.ScopeOutMalicious, Confidence: 0.99}
	g := New(Budgets{}, nil, nil)

	state := newState()
	d := g.Evaluate(context.Background(), returning(model.StageScope, Result{
		Classification: &cls,
		Abort:          true,
		AbortReason:    "no",
	}, nil), state)
	assert.Equal(t, OutcomeAborted, d.Outcome)
	assert.Equal(t, "no", d.Reason)
	assert.Equal(t, model.ScopeOutMalicious, state.Classification.Scope)

	state = newState()
	d = g.Evaluate(context.Background(), returning(model.StageAudit, Result{Abort: true, AbortReason: "no"}, nil), state)
	assert.Equal(t, OutcomeApproved, d.Outcome)
	assert.Empty(t, d.Reason)
}

func TestEvaluateDropsIssuesForUnknownFiles(t *testing.T) {
	t.Parallel()

	state := newState()
	d := New(Budgets{MaxRetries: 1}, nil, nil).Evaluate(context.Background(),
		returning(model.StageIntegrationScan, Result{Issues: []model.Issue{critical("ghost.js")}}, nil), state)

	assert.Equal(t, OutcomeApproved, d.Outcome)
	assert.Equal(t, 1, d.Dropped)
	assert.Empty(t, state.Findings)
}

func TestEvaluateCommitsResult(t *testing.T) {
	t.Parallel()

	bp := model.Blueprint{Files: []model.FileSpec{{Name: "index.html"}}}
	state := newState()
	d := New(Budgets{}, nil, nil).Evaluate(context.Background(), returning(model.StageGenerate, Result{
		Artifacts:    map[string]string{"index.html": "<html></html>"},
		Blueprint:    &bp,
		Dependencies: []model.Dependency{{Name: "vue", Kind: "cdn"}},
		Notes:        []string{"fallback"},
		OutputDir:    "/out/x",
	}, nil), state)

	assert.Equal(t, OutcomeApproved, d.Outcome)
	assert.Equal(t, map[string]string{"index.html": "<html></html>"}, state.Artifacts)
	assert.Equal(t, "index.html", state.Blueprint.Files[0].Name)
	assert.Len(t, state.Dependencies, 1)
	assert.Equal(t, []string{"generate: fallback"}, state.Caveats)
	assert.Equal(t, "/out/x", state.OutputDir)
}

func TestEvaluateRoutes(t *testing.T) {
	t.Parallel()

	var got []Outcome
	route := func(stage model.StageID, o Outcome) model.StageID {
		got = append(got, o)
		if o == OutcomeRetry {
			return stage
		}
		return model.StageDone
	}
	g := New(Budgets{MaxRetries: 1}, nil, route)
	state := newState()

	d := g.Evaluate(context.Background(), returning(model.StageGenerate, Result{Issues: []model.Issue{critical("app.js")}}, nil), state)
	assert.Equal(t, model.StageGenerate, d.Next)
	d = g.Evaluate(context.Background(), returning(model.StageGenerate, Result{}, nil), state)
	assert.Equal(t, model.StageDone, d.Next)
	assert.Equal(t, []Outcome{OutcomeRetry, OutcomeApproved}, got)
}

func TestStageCannotMutateState(t *testing.T) {
	t.Parallel()

	state := newState()
	stage := stubStage{id: model.StageSyntaxScan, check: func(_ context.Context, v model.View) (Result, error) {
		v.Artifacts["app.js"] = "mutated"
		return Result{}, nil
	}}
	New(Budgets{}, nil, nil).Evaluate(context.Background(), stage, state)
	assert.Equal(t, "x", state.Artifacts["app.js"])
}

func TestErrorClass(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "model rate limited", ErrorClass(llm.ErrModelRateLimited))
	assert.Equal(t, "model unavailable", ErrorClass(llm.ErrModelUnavailable))
	assert.Equal(t, "model timeout", ErrorClass(context.DeadlineExceeded))
	assert.Equal(t, "stage error", ErrorClass(errors.New("x")))
}

func TestEvaluateAuditBudgetAlreadySpent(t *testing.T) {
	t.Parallel()

	state := newState()
	state.AttemptCounters[model.StageAudit] = 2

	d := New(Budgets{MaxRetries: 2}, nil, nil).Evaluate(context.Background(),
		returning(model.StageAudit, Result{Issues: []model.Issue{critical("app.js")}}, nil), state)
	assert.Equal(t, OutcomeExhausted, d.Outcome)
	assert.Equal(t, 2, state.Attempts(model.StageAudit))
	require.Len(t, state.Caveats, 1)
	assert.Contains(t, state.Caveats[0], "unresolved critical")
}

func TestBudgetsFor(t *testing.T) {
	t.Parallel()

	b := Budgets{MaxRetries: 2, StageRetries: map[model.StageID]int{
		model.StageAudit:      1,
		model.StageGenerate:   5,
		model.StageSyntaxScan: -1,
	}}
	assert.Equal(t, 1, b.For(model.StageAudit))
	assert.Equal(t, 2, b.For(model.StageGenerate))
	assert.Equal(t, 0, b.For(model.StageSyntaxScan))
	assert.Equal(t, 2, b.For(model.StageScope))
}
