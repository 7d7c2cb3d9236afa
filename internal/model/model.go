// Package model defines the records shared by every pipeline stage.
package model

import (
	"strings"

	"github.com/google/uuid"
)

// StageID identifies a pipeline stage.
type StageID string

// Pipeline stages in execution order. StageDone is the sink.
const (
	StageScope           StageID = "scope"
	StagePlan            StageID = "plan"
	StageGenerate        StageID = "generate"
	StageSyntaxScan      StageID = "syntax_scan"
	StageIntegrationScan StageID = "integration_scan"
	StageDependencies    StageID = "dependencies"
	StageAudit           StageID = "audit"
	StagePackage         StageID = "package"
	StageDone            StageID = "done"
)

// Stages lists every executable stage.
var Stages = []StageID{
	StageScope,
	StagePlan,
	StageGenerate,
	StageSyntaxScan,
	StageIntegrationScan,
	StageDependencies,
	StageAudit,
	StagePackage,
}

func (s StageID) String() string { return string(s) }

// Category classifies an issue.
type Category string

// Issue categories.
const (
	CategorySyntax      Category = "SYNTAX"
	CategoryImport      Category = "IMPORT"
	CategoryIntegration Category = "INTEGRATION"
	CategoryConsistency Category = "CONSISTENCY"
	CategoryFeatureGap  Category = "FEATURE_GAP"
	CategoryOther       Category = "OTHER"
)

var categoryAliases = map[string]Category{
	"SYNTAX":                CategorySyntax,
	"SYNTAX_ERROR":          CategorySyntax,
	"IMPORT":                CategoryImport,
	"IMPORT_ERROR":          CategoryImport,
	"MISSING_IMPORT":        CategoryImport,
	"INTEGRATION":           CategoryIntegration,
	"INTEGRATION_ISSUE":     CategoryIntegration,
	"API_ENDPOINT_MISMATCH": CategoryIntegration,
	"CROSS_FILE":            CategoryIntegration,
	"CONSISTENCY":           CategoryConsistency,
	"NAMING_MISMATCH":       CategoryConsistency,
	"FEATURE_GAP":           CategoryFeatureGap,
	"MISSING_FEATURE":       CategoryFeatureGap,
	"OTHER":                 CategoryOther,
}

// ParseCategory maps a loosely spelled category onto a known one.
// Unknown values become CategoryOther.
func ParseCategory(raw string) Category {
	key := strings.ToUpper(strings.TrimSpace(raw))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	if c, ok := categoryAliases[key]; ok {
		return c
	}
	return CategoryOther
}

// Severity grades an issue. Only CRITICAL issues block approval.
type Severity string

// Issue severities.
const (
	SeverityCritical Severity = "CRITICAL"
	SeverityWarning  Severity = "WARNING"
)

// ParseSeverity maps a loosely spelled severity onto a known one.
// Anything that is not critical is a warning.
func ParseSeverity(raw string) Severity {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "CRITICAL", "ERROR", "HIGH", "BLOCKER":
		return SeverityCritical
	default:
		return SeverityWarning
	}
}

// Fix is an exact find/replace edit proposed for an issue.
type Fix struct {
	Find    string `json:"find"    yaml:"find"`
	Replace string `json:"replace" yaml:"replace"`
}

// Issue is a single problem found in generated output.
type Issue struct {
	ID          string   `json:"id"                 yaml:"id"`
	Category    Category `json:"category"           yaml:"category"`
	Severity    Severity `json:"severity"           yaml:"severity"`
	TargetFile  string   `json:"target_file"        yaml:"target_file"`
	Description string   `json:"description"        yaml:"description"`
	Location    string   `json:"location,omitempty" yaml:"location,omitempty"`
	Fix         *Fix     `json:"fix,omitempty"      yaml:"fix,omitempty"`
}

// NewIssue builds an issue with a fresh id.
func NewIssue(category Category, severity Severity, target, description string) Issue {
	return Issue{
		ID:          uuid.NewString(),
		Category:    category,
		Severity:    severity,
		TargetFile:  target,
		Description: description,
	}
}

// Critical reports whether the issue blocks approval.
func (i Issue) Critical() bool { return i.Severity == SeverityCritical }

// HasCritical reports whether any issue is critical.
func HasCritical(issues []Issue) bool {
	for _, issue := range issues {
		if issue.Critical() {
			return true
		}
	}
	return false
}

// Verdict is a stage's judgement over its output.
// Use NewVerdict; a verdict is approved exactly when it holds no critical issue.
type Verdict struct {
	Approved bool
	Issues   []Issue
}

// NewVerdict derives approval from the issues.
func NewVerdict(issues []Issue) Verdict {
	return Verdict{
		Approved: !HasCritical(issues),
		Issues:   issues,
	}
}
