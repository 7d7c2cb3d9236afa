package stages

import (
	"context"
	_ "embed"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/metalagman/appforge/internal/extract"
	"github.com/metalagman/appforge/internal/gate"
	"github.com/metalagman/appforge/internal/llm"
	"github.com/metalagman/appforge/internal/model"
	"github.com/metalagman/appforge/internal/prompts"
	"github.com/metalagman/appforge/internal/schema"
	"github.com/rs/zerolog/log"
)

//go:embed schemas/audit.json
var auditSchemaJSON string

var auditSchema = schema.MustCompile(auditSchemaJSON)

type semanticIssue struct {
	File     string `json:"file"`
	Severity string `json:"severity"`
	Issue    string `json:"issue"`
}

// Audit repairs outstanding critical findings and then reviews the
// application as a whole.
type Audit struct {
	fixer   llm.Generator
	auditor llm.Generator
}

// NewAudit creates the audit stage. fixer rewrites files, auditor reviews them.
func NewAudit(fixer, auditor llm.Generator) *Audit {
	if auditor == nil {
		auditor = fixer
	}
	return &Audit{fixer: fixer, auditor: auditor}
}

// ID implements gate.Stage.
func (s *Audit) ID() model.StageID { return model.StageAudit }

// Check implements gate.Stage.
func (s *Audit) Check(ctx context.Context, v model.View) (gate.Result, error) {
	artifacts, fixIssues := s.repair(ctx, v)
	changed := !maps.Equal(artifacts, v.Artifacts)

	reviewed := v
	reviewed.Artifacts = artifacts
	issues, err := s.review(ctx, reviewed)
	if err != nil {
		if !changed {
			return gate.Result{}, err
		}
		log.Warn().Err(err).Str("run_id", v.RunID).Msg("semantic audit failed after repairs")
		issues = append(fixIssues, model.NewIssue(model.CategoryOther, model.SeverityWarning, "",
			fmt.Sprintf("semantic audit could not complete: %v", err)))
		return gate.Result{Artifacts: artifacts, Issues: issues}, nil
	}

	res := gate.Result{Issues: append(fixIssues, issues...)}
	if changed {
		res.Artifacts = artifacts
	}
	return res, nil
}

// repair applies exact fixes, then asks the model to rewrite any file
// still carrying critical findings.
func (s *Audit) repair(ctx context.Context, v model.View) (map[string]string, []model.Issue) {
	artifacts := maps.Clone(v.Artifacts)
	if artifacts == nil {
		artifacts = make(map[string]string)
	}

	unresolved := make(map[string][]model.Issue)
	for _, issue := range v.Findings {
		if !issue.Critical() || issue.TargetFile == "" {
			continue
		}
		content, ok := artifacts[issue.TargetFile]
		if !ok {
			continue
		}
		if fixed, ok := ApplyFix(content, issue.Fix); ok {
			artifacts[issue.TargetFile] = fixed
			continue
		}
		unresolved[issue.TargetFile] = append(unresolved[issue.TargetFile], issue)
	}

	var issues []model.Issue
	for _, name := range sortedKeys(unresolved) {
		fixed, err := s.rewrite(ctx, v, name, artifacts, unresolved[name])
		if err != nil {
			log.Warn().Err(err).Str("run_id", v.RunID).Str("file", name).Msg("file repair failed")
			issues = append(issues, model.NewIssue(model.CategoryOther, model.SeverityWarning, name,
				fmt.Sprintf("automatic repair failed: %v", err)))
			continue
		}
		if fixed != "" {
			artifacts[name] = fixed
		}
	}
	return artifacts, issues
}

func (s *Audit) rewrite(ctx context.Context, v model.View, name string, artifacts map[string]string, findings []model.Issue) (string, error) {
	others := make([]string, 0, len(artifacts))
	for _, other := range sortedKeys(artifacts) {
		if other != name {
			others = append(others, other)
		}
	}
	p, err := prompts.Render(prompts.Fix, s.ID(), map[string]any{
		"File":     name,
		"Findings": findings,
		"Others":   others,
		"Content":  artifacts[name],
	})
	if err != nil {
		return "", err
	}
	raw, err := s.fixer.Generate(ctx, p)
	if err != nil {
		return "", err
	}
	return CleanOutput(raw), nil
}

func (s *Audit) review(ctx context.Context, v model.View) ([]model.Issue, error) {
	p, err := prompts.Render(prompts.Audit, s.ID(), map[string]any{
		"Request":   v.RequestText,
		"Blueprint": v.Blueprint,
		"Files":     prompts.Files(v),
	})
	if err != nil {
		return nil, err
	}
	p.Schema = auditSchemaJSON

	raw, err := s.auditor.Generate(ctx, p)
	if err != nil {
		return nil, err
	}
	rec, err := extract.Extract(raw)
	if err != nil {
		return nil, err
	}
	if err := schema.Require(rec, "is_approved", "semantic_issues"); err != nil {
		return nil, err
	}
	if err := auditSchema.Validate(rec); err != nil {
		return nil, err
	}

	approved, _ := rec["is_approved"].(bool)
	items, _ := rec["semantic_issues"].([]any)

	issues := make([]model.Issue, 0, len(items))
	for _, item := range items {
		issue, ok := semanticToIssue(item)
		if !ok {
			continue
		}
		if approved {
			issue.Severity = model.SeverityWarning
		}
		issues = append(issues, issue)
	}
	if !approved && !hasApplicableCritical(issues, v.Artifacts) {
		issues = append(issues, model.NewIssue(model.CategoryFeatureGap, model.SeverityCritical, "",
			"semantic audit rejected the application"))
	}
	return issues, nil
}

// hasApplicableCritical reports whether a critical issue survives
// reconciliation against files: it targets the run or a known file.
func hasApplicableCritical(issues []model.Issue, files map[string]string) bool {
	for _, issue := range issues {
		if !issue.Critical() {
			continue
		}
		if _, ok := files[issue.TargetFile]; ok || issue.TargetFile == "" {
			return true
		}
	}
	return false
}

func semanticToIssue(item any) (model.Issue, bool) {
	switch it := item.(type) {
	case string:
		if strings.TrimSpace(it) == "" {
			return model.Issue{}, false
		}
		return model.NewIssue(model.CategoryFeatureGap, model.SeverityCritical, "", strings.TrimSpace(it)), true
	case map[string]any:
		var si semanticIssue
		if err := extract.DecodeRecord(it, &si); err != nil || strings.TrimSpace(si.Issue) == "" {
			return model.Issue{}, false
		}
		severity := model.SeverityCritical
		if si.Severity != "" {
			severity = model.ParseSeverity(si.Severity)
		}
		return model.NewIssue(model.CategoryFeatureGap, severity, strings.TrimSpace(si.File), strings.TrimSpace(si.Issue)), true
	default:
		return model.Issue{}, false
	}
}

// ApplyFix replaces the first occurrence of fix.Find. It reports false
// when there is no fix or the text is not present.
func ApplyFix(content string, fix *model.Fix) (string, bool) {
	if fix == nil || fix.Find == "" || !strings.Contains(content, fix.Find) {
		return content, false
	}
	return strings.Replace(content, fix.Find, fix.Replace, 1), true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
