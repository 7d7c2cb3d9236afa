package stages

import (
	"context"
	"errors"

	"github.com/metalagman/appforge/internal/gate"
	"github.com/metalagman/appforge/internal/model"
)

// ErrNoDeliverer is returned by the package stage when nothing can deliver output.
var ErrNoDeliverer = errors.New("no deliverer configured")

// Delivery is the final output of a run.
type Delivery struct {
	RunID          string
	Request        string
	Artifacts      map[string]string
	Findings       []model.Issue
	Classification model.Classification
	Blueprint      model.Blueprint
	Dependencies   []model.Dependency
	Caveats        []string
}

// Deliverer persists the final artifacts and returns where they went.
type Deliverer interface {
	Deliver(ctx context.Context, d Delivery) (string, error)
}

// Package hands the current artifacts to a deliverer. It runs on every
// path except an aborted scope.
type Package struct {
	deliverer Deliverer
}

// NewPackage creates the package stage.
func NewPackage(d Deliverer) *Package {
	return &Package{deliverer: d}
}

// ID implements gate.Stage.
func (s *Package) ID() model.StageID { return model.StagePackage }

// Check implements gate.Stage.
func (s *Package) Check(ctx context.Context, v model.View) (gate.Result, error) {
	if s.deliverer == nil {
		return gate.Result{}, ErrNoDeliverer
	}
	// Delivery must survive a cancelled run.
	dir, err := s.deliverer.Deliver(context.WithoutCancel(ctx), Delivery{
		RunID:          v.RunID,
		Request:        v.RequestText,
		Artifacts:      v.Artifacts,
		Findings:       v.Findings,
		Classification: v.Classification,
		Blueprint:      v.Blueprint,
		Dependencies:   v.Dependencies,
		Caveats:        v.Caveats,
	})
	if err != nil {
		return gate.Result{}, err
	}
	return gate.Result{OutputDir: dir}, nil
}
