package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/metalagman/appforge/internal/extract"
	"github.com/metalagman/appforge/internal/gate"
	"github.com/metalagman/appforge/internal/llm"
	"github.com/metalagman/appforge/internal/model"
	"github.com/metalagman/appforge/internal/prompts"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrNothingGenerated is returned when no file could be produced.
var ErrNothingGenerated = errors.New("no file could be generated")

// DefaultConcurrency bounds parallel file generation.
const DefaultConcurrency = 4

// Generate writes every blueprint file in parallel. Each attempt rebuilds
// the whole artifact set from the blueprint; earlier output only serves as
// prompt context.
type Generate struct {
	gen         llm.Generator
	concurrency int
}

// NewGenerate creates the generate stage.
func NewGenerate(gen llm.Generator, concurrency int) *Generate {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Generate{gen: gen, concurrency: concurrency}
}

// ID implements gate.Stage.
func (s *Generate) ID() model.StageID { return model.StageGenerate }

type fileResult struct {
	content string
	err     error
}

// Check implements gate.Stage.
func (s *Generate) Check(ctx context.Context, v model.View) (gate.Result, error) {
	bp := v.Blueprint
	var notes []string
	if bp.Empty() {
		bp = model.DefaultBlueprint(v.RequestText)
		notes = append(notes, "no blueprint available, generating a single page application")
	}

	// results[i] belongs to bp.Files[i].
	results := make([]fileResult, len(bp.Files))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, spec := range bp.Files {
		g.Go(func() error {
			content, err := s.generateFile(ctx, v, bp, spec)
			results[i] = fileResult{content: content, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var (
		artifacts = make(map[string]string, len(bp.Files))
		issues    []model.Issue
		failed    []error
	)
	for i, r := range results {
		name := bp.Files[i].Name
		if r.err == nil {
			artifacts[name] = r.content
			if r.content == "" {
				issues = append(issues, model.NewIssue(model.CategorySyntax, model.SeverityCritical, name,
					"generated file is empty"))
			}
			continue
		}

		failed = append(failed, fmt.Errorf("%s: %w", name, r.err))
		log.Warn().Err(r.err).Str("run_id", v.RunID).Str("file", name).Msg("file generation failed")
		if prev, ok := v.Artifacts[name]; ok {
			artifacts[name] = prev
			issues = append(issues, model.NewIssue(model.CategoryOther, model.SeverityWarning, name,
				fmt.Sprintf("regeneration failed, keeping previous version: %v", r.err)))
			continue
		}
		issues = append(issues, model.NewIssue(model.CategoryOther, model.SeverityCritical, "",
			fmt.Sprintf("file %s could not be generated: %v", name, r.err)))
	}

	if len(artifacts) == 0 {
		return gate.Result{}, fmt.Errorf("%w: %w", ErrNothingGenerated, errors.Join(failed...))
	}

	res := gate.Result{Artifacts: artifacts, Issues: issues, Notes: notes}
	if len(v.Blueprint.Files) == 0 {
		res.Blueprint = &bp
	}
	return res, nil
}

// revising reports whether the stage is rewriting earlier output, either
// on its own retry or when a later stage sent the run back.
func revising(v model.View) bool {
	return len(v.Artifacts) > 0
}

func (s *Generate) generateFile(ctx context.Context, v model.View, bp model.Blueprint, spec model.FileSpec) (string, error) {
	var findings []model.Issue
	attempt := v.Attempt
	if revising(v) {
		findings = append(v.FindingsFor(spec.Name), v.FindingsFor("")...)
		attempt = max(attempt, 1)
	}
	p, err := prompts.Render(prompts.Generate, s.ID(), map[string]any{
		"Request":   v.RequestText,
		"Blueprint": bp,
		"File":      spec,
		"Previous":  v.Artifacts[spec.Name],
		"Attempt":   attempt,
		"Findings":  findings,
	})
	if err != nil {
		return "", err
	}
	raw, err := s.gen.Generate(ctx, p)
	if err != nil {
		return "", err
	}
	return CleanOutput(raw), nil
}

// CleanOutput strips markdown fences and surrounding whitespace from a file reply.
func CleanOutput(raw string) string {
	return strings.TrimSpace(extract.StripFences(raw))
}
