package stages

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/metalagman/appforge/internal/extract"
	"github.com/metalagman/appforge/internal/gate"
	"github.com/metalagman/appforge/internal/llm"
	"github.com/metalagman/appforge/internal/model"
	"github.com/metalagman/appforge/internal/prompts"
	"github.com/metalagman/appforge/internal/scan"
	"github.com/metalagman/appforge/internal/schema"
)

// SyntaxScan checks artifacts with the deterministic per-language scanners.
type SyntaxScan struct {
	registry *scan.Registry
}

// NewSyntaxScan creates the deterministic scan stage.
func NewSyntaxScan(registry *scan.Registry) *SyntaxScan {
	if registry == nil {
		registry = scan.Default()
	}
	return &SyntaxScan{registry: registry}
}

// ID implements gate.Stage.
func (s *SyntaxScan) ID() model.StageID { return model.StageSyntaxScan }

// Check implements gate.Stage.
func (s *SyntaxScan) Check(_ context.Context, v model.View) (gate.Result, error) {
	return gate.Result{Issues: s.registry.ScanAll(v.Artifacts)}, nil
}

//go:embed schemas/integration.json
var integrationSchemaJSON string

var integrationSchema = schema.MustCompile(integrationSchemaJSON)

type exactChange struct {
	Find    string `json:"find"`
	Replace string `json:"replace"`
}

type integrationIssue struct {
	Category    string       `json:"category"`
	Severity    string       `json:"severity"`
	File        string       `json:"file"`
	Location    any          `json:"location"`
	Issue       string       `json:"issue"`
	Description string       `json:"description"`
	ExactChange *exactChange `json:"exact_change"`
}

type integrationReply struct {
	Issues []integrationIssue `json:"issues"`
}

// IntegrationScan asks the model for cross-file integration problems.
type IntegrationScan struct {
	gen llm.Generator
}

// NewIntegrationScan creates the model backed scan stage.
func NewIntegrationScan(gen llm.Generator) *IntegrationScan {
	return &IntegrationScan{gen: gen}
}

// ID implements gate.Stage.
func (s *IntegrationScan) ID() model.StageID { return model.StageIntegrationScan }

// Check implements gate.Stage.
func (s *IntegrationScan) Check(ctx context.Context, v model.View) (gate.Result, error) {
	p, err := prompts.Render(prompts.Integration, s.ID(), map[string]any{
		"Request":   v.RequestText,
		"Blueprint": v.Blueprint,
		"Files":     prompts.Files(v),
	})
	if err != nil {
		return gate.Result{}, err
	}
	p.Schema = integrationSchemaJSON

	raw, err := s.gen.Generate(ctx, p)
	if err != nil {
		return gate.Result{}, err
	}
	rec, err := extract.Extract(raw)
	if err != nil {
		return gate.Result{}, err
	}
	if err := schema.Require(rec, "issues"); err != nil {
		return gate.Result{}, err
	}
	if err := integrationSchema.Validate(rec); err != nil {
		return gate.Result{}, err
	}
	var reply integrationReply
	if err := extract.DecodeRecord(rec, &reply); err != nil {
		return gate.Result{}, err
	}

	issues := make([]model.Issue, 0, len(reply.Issues))
	for _, in := range reply.Issues {
		issues = append(issues, in.toIssue())
	}
	return gate.Result{Issues: issues}, nil
}

func (in integrationIssue) toIssue() model.Issue {
	desc := strings.TrimSpace(in.Issue)
	if desc == "" {
		desc = strings.TrimSpace(in.Description)
	}
	issue := model.NewIssue(model.ParseCategory(in.Category), model.ParseSeverity(in.Severity),
		strings.TrimSpace(in.File), desc)
	if in.Location != nil {
		issue.Location = strings.TrimSpace(fmt.Sprint(in.Location))
	}
	if in.ExactChange != nil && in.ExactChange.Find != "" {
		issue.Fix = &model.Fix{Find: in.ExactChange.Find, Replace: in.ExactChange.Replace}
	}
	return issue
}
