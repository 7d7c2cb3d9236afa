package stages

import (
	"context"
	_ "embed"
	"fmt"
	"path"
	"strings"

	"github.com/metalagman/appforge/internal/extract"
	"github.com/metalagman/appforge/internal/gate"
	"github.com/metalagman/appforge/internal/llm"
	"github.com/metalagman/appforge/internal/model"
	"github.com/metalagman/appforge/internal/prompts"
	"github.com/metalagman/appforge/internal/schema"
)

// DefaultMaxFiles bounds the number of files a drafted blueprint may name.
const DefaultMaxFiles = 6

//go:embed schemas/blueprint.json
var blueprintSchemaJSON string

var blueprintSchema = schema.MustCompile(blueprintSchemaJSON)

// Plan drafts a blueprint when the request did not come with one.
type Plan struct {
	gen      llm.Generator
	maxFiles int
}

// NewPlan creates the plan stage.
func NewPlan(gen llm.Generator, maxFiles int) *Plan {
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}
	return &Plan{gen: gen, maxFiles: maxFiles}
}

// ID implements gate.Stage.
func (s *Plan) ID() model.StageID { return model.StagePlan }

// Check implements gate.Stage.
func (s *Plan) Check(ctx context.Context, v model.View) (gate.Result, error) {
	if !v.Blueprint.Empty() {
		return gate.Result{}, nil
	}

	p, err := prompts.Render(prompts.Plan, s.ID(), map[string]any{
		"Request":  v.RequestText,
		"MaxFiles": s.maxFiles,
	})
	if err != nil {
		return gate.Result{}, err
	}
	p.Schema = blueprintSchemaJSON

	raw, err := s.gen.Generate(ctx, p)
	if err != nil {
		return gate.Result{}, err
	}
	rec, err := extract.Extract(raw)
	if err != nil {
		return gate.Result{}, err
	}
	if err := blueprintSchema.Validate(rec); err != nil {
		return gate.Result{}, err
	}
	var bp model.Blueprint
	if err := extract.DecodeRecord(rec, &bp); err != nil {
		return gate.Result{}, err
	}

	bp, notes := SanitizeBlueprint(bp, s.maxFiles)
	if bp.Empty() {
		return gate.Result{}, &schema.SchemaError{Details: []string{"blueprint names no usable files"}}
	}
	return gate.Result{Blueprint: &bp, Notes: notes}, nil
}

// SanitizeBlueprint drops unsafe or duplicate file names and caps the file count.
func SanitizeBlueprint(bp model.Blueprint, maxFiles int) (model.Blueprint, []string) {
	var notes []string
	seen := make(map[string]bool)
	files := make([]model.FileSpec, 0, len(bp.Files))
	for _, f := range bp.Files {
		name, ok := CleanFileName(f.Name)
		if !ok {
			notes = append(notes, fmt.Sprintf("dropped unsafe file name %q from blueprint", f.Name))
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		f.Name = name
		if f.Type == "" {
			f.Type = strings.TrimPrefix(path.Ext(name), ".")
		}
		files = append(files, f)
	}
	if maxFiles > 0 && len(files) > maxFiles {
		notes = append(notes, fmt.Sprintf("blueprint trimmed from %d to %d files", len(files), maxFiles))
		files = files[:maxFiles]
	}
	bp.Files = files
	return bp, notes
}

// CleanFileName normalizes a relative slash separated path and rejects
// names that escape the output directory.
func CleanFileName(name string) (string, bool) {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" || strings.HasPrefix(name, "/") {
		return "", false
	}
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false
	}
	return clean, true
}
