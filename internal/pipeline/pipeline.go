// Package pipeline drives a generation run through its stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/metalagman/appforge/internal/gate"
	"github.com/metalagman/appforge/internal/model"
	"github.com/rs/zerolog/log"
)

// ErrEmptyRequest is returned when a run is started without a request.
var ErrEmptyRequest = errors.New("request text is empty")

// Run statuses.
const (
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
	StatusCancelled = "cancelled"
	StatusStepLimit = "step_limit"
)

// Scan modes.
const (
	ScanDeterministic = "deterministic"
	ScanModel         = "model"
)

// DefaultMaxSteps caps the number of stage executions in a run.
const DefaultMaxSteps = 40

// Options tune a controller.
type Options struct {
	ScanMode string
	Budgets  gate.Budgets
	Policies map[model.StageID]gate.Policy
	MaxSteps int
}

// Result summarizes a finished run.
type Result struct {
	RunID          string
	Status         string
	Reason         string
	Artifacts      map[string]string
	Findings       []model.Issue
	Classification model.Classification
	Blueprint      model.Blueprint
	Dependencies   []model.Dependency
	Caveats        []string
	OutputDir      string
	Decisions      []gate.Decision
	StartedAt      time.Time
	FinishedAt     time.Time
}

// Duration is the wall time of the run.
func (r Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Controller owns the run state and moves it from stage to stage.
type Controller struct {
	stages    map[model.StageID]gate.Stage
	gate      *gate.Gate
	opts      Options
	observers Observers
}

// New creates a controller. Every stage reachable under the configured
// scan mode must be provided.
func New(stages []gate.Stage, opts Options, observers ...Observer) (*Controller, error) {
	if opts.ScanMode == "" {
		opts.ScanMode = ScanDeterministic
	}
	if opts.ScanMode != ScanDeterministic && opts.ScanMode != ScanModel {
		return nil, fmt.Errorf("unknown scan mode %q", opts.ScanMode)
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}

	c := &Controller{
		stages:    make(map[model.StageID]gate.Stage, len(stages)),
		opts:      opts,
		observers: observers,
	}
	for _, s := range stages {
		c.stages[s.ID()] = s
	}
	for _, id := range c.required() {
		if _, ok := c.stages[id]; !ok {
			return nil, fmt.Errorf("missing stage %q", id)
		}
	}
	c.gate = gate.New(opts.Budgets, opts.Policies, c.Route)
	return c, nil
}

func (c *Controller) required() []model.StageID {
	ids := []model.StageID{
		model.StageScope,
		model.StageGenerate,
		c.scanStage(),
		model.StageDependencies,
		model.StageAudit,
		model.StagePackage,
	}
	return ids
}

func (c *Controller) scanStage() model.StageID {
	if c.opts.ScanMode == ScanModel {
		return model.StageIntegrationScan
	}
	return model.StageSyntaxScan
}

// Route is the stage transition table.
func (c *Controller) Route(stage model.StageID, outcome gate.Outcome) model.StageID {
	switch stage {
	case model.StageScope:
		if outcome == gate.OutcomeAborted {
			return model.StageDone
		}
		return c.afterScope()
	case model.StagePlan:
		return model.StageGenerate
	case model.StageGenerate:
		if outcome == gate.OutcomeRetry {
			return model.StageGenerate
		}
		return c.scanStage()
	case model.StageSyntaxScan, model.StageIntegrationScan:
		if outcome == gate.OutcomeEscalate {
			return model.StageAudit
		}
		return model.StageDependencies
	case model.StageDependencies:
		return model.StageAudit
	case model.StageAudit:
		if outcome == gate.OutcomeRetry {
			return model.StageGenerate
		}
		return model.StagePackage
	default:
		return model.StageDone
	}
}

func (c *Controller) afterScope() model.StageID {
	if _, ok := c.stages[model.StagePlan]; ok {
		return model.StagePlan
	}
	return model.StageGenerate
}

// Run executes one request to completion. It returns an error only when
// the run cannot start; stage failures degrade instead.
func (c *Controller) Run(ctx context.Context, request string, blueprint model.Blueprint) (res Result, err error) {
	request = strings.TrimSpace(request)
	if request == "" {
		return Result{}, ErrEmptyRequest
	}

	state := model.NewRunState(request, blueprint)
	c.observers.RunStarted(state.View())
	log.Info().Str("run_id", state.RunID).Str("scan_mode", c.opts.ScanMode).Msg("run started")

	var (
		decisions []gate.Decision
		findings  []model.Issue
		status    = StatusCompleted
	)
	defer func() {
		res = c.result(state, status, findings, decisions)
		c.observers.RunFinished(res)
		log.Info().
			Str("run_id", res.RunID).
			Str("status", res.Status).
			Int("steps", len(res.Decisions)).
			Int("caveats", len(res.Caveats)).
			Dur("duration", res.Duration()).
			Msg("run finished")
	}()

	next := model.StageScope
	for next != model.StageDone {
		if next != model.StagePackage {
			switch {
			case ctx.Err() != nil:
				state.AddCaveat(fmt.Sprintf("run cancelled before %s: %v", next, ctx.Err()))
				status = StatusCancelled
				next = model.StagePackage
			case state.Steps >= c.opts.MaxSteps-1:
				state.AddCaveat(fmt.Sprintf("step limit of %d reached before %s", c.opts.MaxSteps, next))
				status = StatusStepLimit
				next = model.StagePackage
			}
		}

		stage := c.stages[next]
		if stage == nil {
			log.Warn().Str("run_id", state.RunID).Str("stage", next.String()).Msg("stage not configured, skipping")
			next = c.Route(next, gate.OutcomeApproved)
			continue
		}
		if next == model.StagePackage {
			findings = slices.Clone(state.Findings)
		}

		c.observers.StageStarted(state.RunID, next, state.Attempts(next))
		state.Steps++
		d := c.gate.Evaluate(ctx, stage, state)
		decisions = append(decisions, d)
		c.observers.StageFinished(state.RunID, d)

		if d.Outcome == gate.OutcomeAborted {
			status = StatusAborted
			state.Finish(d.Reason)
			findings = nil
			return res, nil
		}
		next = d.Next
	}

	state.Finish("")
	return res, nil
}

func (c *Controller) result(state *model.RunState, status string, findings []model.Issue, decisions []gate.Decision) Result {
	return Result{
		RunID:          state.RunID,
		Status:         status,
		Reason:         state.TerminalReason,
		Artifacts:      maps.Clone(state.Artifacts),
		Findings:       findings,
		Classification: state.Classification,
		Blueprint:      state.Blueprint.Clone(),
		Dependencies:   slices.Clone(state.Dependencies),
		Caveats:        slices.Clone(state.Caveats),
		OutputDir:      state.OutputDir,
		Decisions:      decisions,
		StartedAt:      state.StartedAt,
		FinishedAt:     state.FinishedAt,
	}
}
