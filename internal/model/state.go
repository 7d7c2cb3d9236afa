package model

import (
	"crypto/rand"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
)

// Scope is the outcome of request classification.
type Scope string

// Scope classifications.
const (
	ScopeUnknown      Scope = ""
	ScopeInScope      Scope = "IN_SCOPE"
	ScopeOutBenign    Scope = "OUT_OF_SCOPE_BENIGN"
	ScopeOutMalicious Scope = "OUT_OF_SCOPE_MALICIOUS"
)

// Classification records the scope decision for a request.
type Classification struct {
	Scope      Scope   `json:"scope"               yaml:"scope"`
	Confidence float64 `json:"confidence"          yaml:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty" yaml:"reasoning,omitempty"`
}

// Feature is an approved application feature.
type Feature struct {
	Name        string `json:"name"                   yaml:"name"                   mapstructure:"name"`
	Description string `json:"description"            yaml:"description"            mapstructure:"description"`
	Priority    string `json:"priority,omitempty"     yaml:"priority,omitempty"     mapstructure:"priority"`
	UserBenefit string `json:"user_benefit,omitempty" yaml:"user_benefit,omitempty" mapstructure:"user_benefit"`
}

// FileSpec describes one file the generator must produce.
type FileSpec struct {
	Name   string `json:"name"   yaml:"name"   mapstructure:"name"`
	Type   string `json:"type"   yaml:"type"   mapstructure:"type"`
	Prompt string `json:"prompt" yaml:"prompt" mapstructure:"prompt"`
}

// Blueprint is the project plan generation works from.
type Blueprint struct {
	ProjectName string     `json:"project_name" yaml:"project_name" mapstructure:"project_name"`
	TechStack   string     `json:"tech_stack"   yaml:"tech_stack"   mapstructure:"tech_stack"`
	Features    []Feature  `json:"features"     yaml:"features"     mapstructure:"features"`
	Files       []FileSpec `json:"files"        yaml:"files"        mapstructure:"files"`
}

// DefaultBlueprint is the single-page plan used when no blueprint is available.
func DefaultBlueprint(request string) Blueprint {
	return Blueprint{
		ProjectName: "app",
		TechStack:   "html_single",
		Files: []FileSpec{{
			Name:   "index.html",
			Type:   "html",
			Prompt: "A complete single-page application with inline CSS and JavaScript that implements: " + request,
		}},
	}
}

// Empty reports whether the blueprint names no files.
func (b Blueprint) Empty() bool { return len(b.Files) == 0 }

// Clone returns a deep copy.
func (b Blueprint) Clone() Blueprint {
	b.Features = slices.Clone(b.Features)
	b.Files = slices.Clone(b.Files)
	return b
}

// Dependency is an external resource referenced by generated code.
type Dependency struct {
	Name   string `json:"name"   yaml:"name"`
	Kind   string `json:"kind"   yaml:"kind"`
	Source string `json:"source" yaml:"source"`
}

// RunState is the record threaded through one pipeline run.
// It is owned by a single controller goroutine.
type RunState struct {
	RunID           string
	RequestText     string
	CurrentStage    StageID
	AttemptCounters map[StageID]int
	Artifacts       map[string]string
	Findings        []Issue
	Terminal        bool
	TerminalReason  string

	Classification Classification
	Blueprint      Blueprint
	Dependencies   []Dependency
	Caveats        []string
	OutputDir      string
	Steps          int
	StartedAt      time.Time
	FinishedAt     time.Time
}

// NewRunState creates the state for a fresh run.
func NewRunState(request string, blueprint Blueprint) *RunState {
	return &RunState{
		RunID:           NewRunID(),
		RequestText:     request,
		CurrentStage:    StageScope,
		AttemptCounters: make(map[StageID]int),
		Artifacts:       make(map[string]string),
		Blueprint:       blueprint.Clone(),
		StartedAt:       time.Now().UTC(),
	}
}

// NewRunID returns a lexically sortable run id.
func NewRunID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0)).String()
}

// Attempts returns the retry count recorded for a stage.
func (s *RunState) Attempts(stage StageID) int {
	return s.AttemptCounters[stage]
}

// AddCaveat records a degraded or forced advancement.
func (s *RunState) AddCaveat(caveat string) {
	s.Caveats = append(s.Caveats, caveat)
}

// Finish marks the run terminal.
func (s *RunState) Finish(reason string) {
	s.Terminal = true
	s.TerminalReason = reason
	s.CurrentStage = StageDone
	s.FinishedAt = time.Now().UTC()
}

// View returns a read-only copy of the state for stage execution.
func (s *RunState) View() View {
	return View{
		RunID:          s.RunID,
		RequestText:    s.RequestText,
		Stage:          s.CurrentStage,
		Attempt:        s.AttemptCounters[s.CurrentStage],
		Artifacts:      maps.Clone(s.Artifacts),
		Findings:       slices.Clone(s.Findings),
		Classification: s.Classification,
		Blueprint:      s.Blueprint.Clone(),
		Dependencies:   slices.Clone(s.Dependencies),
		Caveats:        slices.Clone(s.Caveats),
	}
}

// View is the snapshot a stage reads. Mutating it does not affect the run.
type View struct {
	RunID          string
	RequestText    string
	Stage          StageID
	Attempt        int
	Artifacts      map[string]string
	Findings       []Issue
	Classification Classification
	Blueprint      Blueprint
	Dependencies   []Dependency
	Caveats        []string
}

// FileNames returns artifact names in sorted order.
func (v View) FileNames() []string {
	names := make([]string, 0, len(v.Artifacts))
	for name := range v.Artifacts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FindingsFor returns the findings that target a file.
func (v View) FindingsFor(file string) []Issue {
	var out []Issue
	for _, issue := range v.Findings {
		if issue.TargetFile == file {
			out = append(out, issue)
		}
	}
	return out
}
