// Package stages implements the pipeline stages evaluated by the gate.
package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/metalagman/appforge/internal/extract"
	"github.com/metalagman/appforge/internal/gate"
	"github.com/metalagman/appforge/internal/llm"
	"github.com/metalagman/appforge/internal/model"
	"github.com/metalagman/appforge/internal/prompts"
	"github.com/metalagman/appforge/internal/schema"
)

// DefaultRefusal is used when an out of scope reply carries no message.
const DefaultRefusal = "Request out of scope"

type scopeReply struct {
	Classification string  `json:"classification"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
	RefusalMessage string  `json:"refusal_message"`
}

// Scope classifies the request and rejects out of scope work.
type Scope struct {
	gen llm.Generator
}

// NewScope creates the scope stage.
func NewScope(gen llm.Generator) *Scope {
	return &Scope{gen: gen}
}

// ID implements gate.Stage.
func (s *Scope) ID() model.StageID { return model.StageScope }

// Check implements gate.Stage.
func (s *Scope) Check(ctx context.Context, v model.View) (gate.Result, error) {
	p, err := prompts.Render(prompts.Scope, s.ID(), map[string]any{"Request": v.RequestText})
	if err != nil {
		return gate.Result{}, err
	}
	raw, err := s.gen.Generate(ctx, p)
	if err != nil {
		return gate.Result{}, err
	}
	rec, err := extract.Extract(raw)
	if err != nil {
		return gate.Result{}, err
	}
	if err := schema.Require(rec, "classification", "confidence", "reasoning"); err != nil {
		return gate.Result{}, err
	}
	var reply scopeReply
	if err := extract.DecodeRecord(rec, &reply); err != nil {
		return gate.Result{}, err
	}

	scope, err := ParseScope(reply.Classification)
	if err != nil {
		return gate.Result{}, err
	}

	cls := model.Classification{
		Scope:      scope,
		Confidence: reply.Confidence,
		Reasoning:  reply.Reasoning,
	}
	res := gate.Result{Classification: &cls}
	if scope != model.ScopeInScope {
		res.Abort = true
		res.AbortReason = strings.TrimSpace(reply.RefusalMessage)
		if res.AbortReason == "" {
			res.AbortReason = DefaultRefusal
		}
	}
	return res, nil
}

// ParseScope maps a classifier label onto a scope.
func ParseScope(label string) (model.Scope, error) {
	switch strings.ToUpper(strings.TrimSpace(label)) {
	case "HOMEWORK", "IN_SCOPE":
		return model.ScopeInScope, nil
	case "PRODUCTION", "OUT_OF_SCOPE_BENIGN":
		return model.ScopeOutBenign, nil
	case "MALICIOUS", "OUT_OF_SCOPE_MALICIOUS":
		return model.ScopeOutMalicious, nil
	default:
		return model.ScopeUnknown, &schema.SchemaError{
			Details: []string{fmt.Sprintf("classification %q is not one of HOMEWORK, PRODUCTION, MALICIOUS", label)},
		}
	}
}
