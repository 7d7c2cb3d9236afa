// Package gate decides, after every stage, whether the run advances,
// retries, escalates or stops.
package gate

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/metalagman/appforge/internal/extract"
	"github.com/metalagman/appforge/internal/llm"
	"github.com/metalagman/appforge/internal/model"
	"github.com/metalagman/appforge/internal/reconcile"
	"github.com/metalagman/appforge/internal/schema"
	"github.com/rs/zerolog/log"
)

// ErrStagePanic wraps a panic recovered from a stage.
var ErrStagePanic = errors.New("stage panicked")

// Outcome is the gate's judgement of one stage execution.
type Outcome string

// Stage outcomes.
const (
	OutcomeApproved  Outcome = "APPROVED"
	OutcomeRetry     Outcome = "NEEDS_RETRY"
	OutcomeEscalate  Outcome = "NEEDS_ESCALATION"
	OutcomeDegraded  Outcome = "DEGRADED_PASS"
	OutcomeExhausted Outcome = "BUDGET_EXHAUSTED"
	OutcomeAborted   Outcome = "ABORTED"
)

// Result is what a stage proposes. Nil fields leave the run untouched.
type Result struct {
	Issues    []model.Issue
	Artifacts map[string]string

	Classification *model.Classification
	Blueprint      *model.Blueprint
	Dependencies   []model.Dependency
	Notes          []string
	OutputDir      string

	// Abort asks to end the run. Only stages whose policy allows it are obeyed.
	Abort       bool
	AbortReason string
}

// Stage is one step of the pipeline.
type Stage interface {
	ID() model.StageID
	Check(ctx context.Context, view model.View) (Result, error)
}

// Policy describes how a stage reacts to critical issues.
type Policy struct {
	// OnCritical is OutcomeRetry or OutcomeEscalate. Empty means critical
	// issues never reroute the stage.
	OnCritical Outcome
	MayAbort   bool
}

// DefaultPolicies is the per-stage policy table.
var DefaultPolicies = map[model.StageID]Policy{
	model.StageScope:           {MayAbort: true},
	model.StageGenerate:        {OnCritical: OutcomeRetry},
	model.StageSyntaxScan:      {OnCritical: OutcomeEscalate},
	model.StageIntegrationScan: {OnCritical: OutcomeEscalate},
	model.StageDependencies:    {OnCritical: OutcomeEscalate},
	model.StageAudit:           {OnCritical: OutcomeRetry},
}

// Router maps a stage and its outcome to the next stage.
type Router func(stage model.StageID, outcome Outcome) model.StageID

// Budgets bounds retries per stage.
type Budgets struct {
	MaxRetries   int
	StageRetries map[model.StageID]int
}

// For returns the retry budget of a stage. A per-stage budget may lower
// MaxRetries but never raise it.
func (b Budgets) For(stage model.StageID) int {
	if n, ok := b.StageRetries[stage]; ok {
		return max(min(n, b.MaxRetries), 0)
	}
	return b.MaxRetries
}

// Decision is the gate's verdict on one stage execution.
type Decision struct {
	Stage    model.StageID
	Outcome  Outcome
	Next     model.StageID
	Attempt  int
	Issues   int
	Critical int
	Dropped  int
	Reason   string
	Err      error
	Duration time.Duration
}

// Gate evaluates stages and commits their results to the run state.
type Gate struct {
	budgets  Budgets
	policies map[model.StageID]Policy
	route    Router
}

// New creates a gate.
func New(budgets Budgets, policies map[model.StageID]Policy, route Router) *Gate {
	if policies == nil {
		policies = DefaultPolicies
	}
	return &Gate{budgets: budgets, policies: policies, route: route}
}

// Evaluate runs the stage against the state and applies the outcome.
// It never returns an error: failures become degraded passes.
func (g *Gate) Evaluate(ctx context.Context, stage Stage, state *model.RunState) Decision {
	id := stage.ID()
	state.CurrentStage = id
	started := time.Now()

	res, err := g.check(ctx, stage, state.View())

	var d Decision
	if err != nil {
		d = g.degrade(id, state, err)
	} else {
		d = g.judge(id, state, res)
	}
	d.Stage = id
	d.Attempt = state.Attempts(id)
	d.Duration = time.Since(started)
	if g.route != nil {
		d.Next = g.route(id, d.Outcome)
	}

	log.Info().
		Str("run_id", state.RunID).
		Str("stage", id.String()).
		Str("outcome", string(d.Outcome)).
		Str("next", d.Next.String()).
		Int("attempt", d.Attempt).
		Int("issues", d.Issues).
		Int("critical", d.Critical).
		Dur("duration", d.Duration).
		Msg("stage evaluated")
	return d
}

func (g *Gate) check(ctx context.Context, stage Stage, view model.View) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrStagePanic, r)
		}
	}()
	return stage.Check(ctx, view)
}

func (g *Gate) degrade(id model.StageID, state *model.RunState, err error) Decision {
	class := ErrorClass(err)
	issue := model.NewIssue(model.CategoryOther, model.SeverityWarning, "",
		fmt.Sprintf("%s stage could not complete (%s): %v", id, class, err))
	state.Findings = []model.Issue{issue}
	state.AddCaveat(fmt.Sprintf("%s: degraded pass after %s", id, class))

	log.Error().
		Err(err).
		Str("run_id", state.RunID).
		Str("stage", id.String()).
		Str("class", class).
		Msg("stage failed, continuing with current output")

	return Decision{Outcome: OutcomeDegraded, Issues: 1, Err: err}
}

func (g *Gate) judge(id model.StageID, state *model.RunState, res Result) Decision {
	policy := g.policies[id]

	if res.Artifacts != nil {
		state.Artifacts = maps.Clone(res.Artifacts)
	}
	if res.Classification != nil {
		state.Classification = *res.Classification
	}
	if res.Blueprint != nil {
		state.Blueprint = res.Blueprint.Clone()
	}
	if res.Dependencies != nil {
		state.Dependencies = append([]model.Dependency(nil), res.Dependencies...)
	}
	if res.OutputDir != "" {
		state.OutputDir = res.OutputDir
	}
	for _, note := range res.Notes {
		state.AddCaveat(fmt.Sprintf("%s: %s", id, note))
	}

	if res.Abort {
		if policy.MayAbort {
			state.Findings = nil
			return Decision{Outcome: OutcomeAborted, Reason: res.AbortReason}
		}
		log.Warn().
			Str("run_id", state.RunID).
			Str("stage", id.String()).
			Msg("ignoring abort request from stage that may not abort")
	}

	rec := reconcile.Issues(res.Issues, state.Artifacts)
	if rec.Dropped() > 0 {
		log.Warn().
			Str("run_id", state.RunID).
			Str("stage", id.String()).
			Int("dropped", rec.Dropped()).
			Strs("files", rec.Fabricated).
			Msg("discarded issues for files not in output")
	}
	state.Findings = rec.Kept

	d := Decision{
		Issues:   rec.Summary.Total,
		Critical: rec.Summary.Critical,
		Dropped:  rec.Dropped(),
	}

	verdict := model.NewVerdict(rec.Kept)
	if verdict.Approved {
		d.Outcome = OutcomeApproved
		return d
	}

	budget := g.budgets.For(id)
	if policy.OnCritical != "" && state.AttemptCounters[id] < budget {
		state.AttemptCounters[id]++
		d.Outcome = policy.OnCritical
		return d
	}

	state.AddCaveat(fmt.Sprintf("%s: advanced with %d unresolved critical issue(s)", id, d.Critical))
	log.Warn().
		Str("run_id", state.RunID).
		Str("stage", id.String()).
		Int("attempts", state.AttemptCounters[id]).
		Int("budget", budget).
		Int("critical", d.Critical).
		Msg("retry budget exhausted, advancing")
	d.Outcome = OutcomeExhausted
	return d
}

// ErrorClass names the failure family of a stage error.
func ErrorClass(err error) string {
	switch {
	case errors.Is(err, extract.ErrNoRecord):
		return "extraction error"
	case errors.Is(err, schema.ErrSchema):
		return "schema error"
	case errors.Is(err, llm.ErrModelTimeout), errors.Is(err, context.DeadlineExceeded):
		return "model timeout"
	case errors.Is(err, llm.ErrModelRateLimited):
		return "model rate limited"
	case errors.Is(err, llm.ErrModelUnavailable):
		return "model unavailable"
	case errors.Is(err, ErrStagePanic):
		return "stage panic"
	default:
		return "stage error"
	}
}
