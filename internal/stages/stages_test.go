package stages

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/metalagman/appforge/internal/extract"
	"github.com/metalagman/appforge/internal/llm"
	"github.com/metalagman/appforge/internal/model"
	"github.com/metalagman/appforge/internal/reconcile"
	"github.com/metalagman/appforge/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reply(s string) llm.Generator {
	return llm.GeneratorFunc(func(context.Context, llm.Prompt) (string, error) { return s, nil })
}

func failing(err error) llm.Generator {
	return llm.GeneratorFunc(func(context.Context, llm.Prompt) (string, error) { return "", err })
}

// recorder answers per file and remembers which files were requested.
type recorder struct {
	mu      sync.Mutex
	asked   []string
	answers map[string]string
	errs    map[string]error
}

func (r *recorder) Generate(_ context.Context, p llm.Prompt) (string, error) {
	for name, answer := range r.answers {
		if strings.Contains(p.User, "File to write: "+name+" ") {
			r.mu.Lock()
			r.asked = append(r.asked, name)
			r.mu.Unlock()
			if err := r.errs[name]; err != nil {
				return "", err
			}
			return answer, nil
		}
	}
	return "", errors.New("unexpected prompt")
}

func twoFileBlueprint() model.Blueprint {
	return model.Blueprint{
		ProjectName: "todo",
		Files: []model.FileSpec{
			{Name: "index.html", Type: "html", Prompt: "markup"},
			{Name: "app.js", Type: "js", Prompt: "logic"},
		},
	}
}

func TestScope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		raw        string
		wantScope  model.Scope
		wantAbort  bool
		wantReason string
	}{
		{
			name:      "homework is in scope",
			raw:       `Sure: {"classification": "HOMEWORK", "confidence": 0.9, "reasoning": "small app"}`,
			wantScope: model.ScopeInScope,
		},
		{
			name:       "malicious aborts with refusal",
			raw:        "```json\n{\"classification\": \"MALICIOUS\", \"confidence\": 0.99, \"reasoning\": \"keylogger\", \"refusal_message\": \"I can't help with that.\"}\n```",
			wantScope:  model.ScopeOutMalicious,
			wantAbort:  true,
			wantReason: "I can't help with that.",
		},
		{
			name:       "production without message uses default",
			raw:        `{"classification": "PRODUCTION", "confidence": 0.7, "reasoning": "enterprise"}`,
			wantScope:  model.ScopeOutBenign,
			wantAbort:  true,
			wantReason: DefaultRefusal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			res, err := NewScope(reply(tt.raw)).Check(context.Background(), model.View{RequestText: "x"})
			require.NoError(t, err)
			require.NotNil(t, res.Classification)
			assert.Equal(t, tt.wantScope, res.Classification.Scope)
			assert.Equal(t, tt.wantAbort, res.Abort)
			assert.Equal(t, tt.wantReason, res.AbortReason)
		})
	}
}

func TestScopeErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		gen  llm.Generator
		want error
	}{
		{name: "no json", gen: reply("I think it is fine"), want: extract.ErrNoRecord},
		{name: "missing field", gen: reply(`{"classification": "HOMEWORK"}`), want: schema.ErrSchema},
		{name: "unknown label", gen: reply(`{"classification": "MAYBE", "confidence": 1, "reasoning": "?"}`), want: schema.ErrSchema},
		{name: "model down", gen: failing(llm.ErrModelUnavailable), want: llm.ErrModelUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewScope(tt.gen).Check(context.Background(), model.View{RequestText: "x"})
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPlanSkipsWhenBlueprintPresent(t *testing.T) {
	t.Parallel()

	called := false
	gen := llm.GeneratorFunc(func(context.Context, llm.Prompt) (string, error) {
		called = true
		return "", nil
	})
	res, err := NewPlan(gen, 0).Check(context.Background(), model.View{Blueprint: twoFileBlueprint()})
	require.NoError(t, err)
	assert.Nil(t, res.Blueprint)
	assert.False(t, called)
}

func TestPlanDraftsBlueprint(t *testing.T) {
	t.Parallel()

	raw := `{"project_name": "todo", "tech_stack": "html_multi",
		"features": [{"name": "Add", "description": "add tasks", "priority": "core"}],
		"files": [
			{"name": "index.html", "type": "html", "prompt": "markup"},
			{"name": "./app.js", "prompt": "logic"},
			{"name": "app.js", "prompt": "dup"},
			{"name": "../etc/passwd", "prompt": "bad"},
			{"name": "style.css", "prompt": "css"}
		]}`
	res, err := NewPlan(reply(raw), 2).Check(context.Background(), model.View{RequestText: "todo"})
	require.NoError(t, err)
	require.NotNil(t, res.Blueprint)

	bp := res.Blueprint
	assert.Equal(t, "todo", bp.ProjectName)
	require.Len(t, bp.Files, 2)
	assert.Equal(t, "index.html", bp.Files[0].Name)
	assert.Equal(t, "app.js", bp.Files[1].Name)
	assert.Equal(t, "js", bp.Files[1].Type)
	assert.Len(t, res.Notes, 2)
}

func TestPlanRejectsInvalidBlueprint(t *testing.T) {
	t.Parallel()

	_, err := NewPlan(reply(`{"project_name": "x", "files": []}`), 0).Check(context.Background(), model.View{})
	require.ErrorIs(t, err, schema.ErrSchema)
}

func TestCleanFileName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "index.html", want: "index.html", ok: true},
		{in: "js\\app.js", want: "js/app.js", ok: true},
		{in: "./a/../b.css", want: "b.css", ok: true},
		{in: "/etc/passwd", ok: false},
		{in: "../x", ok: false},
		{in: " ", ok: false},
	}
	for _, tt := range tests {
		got, ok := CleanFileName(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestGenerateAllFiles(t *testing.T) {
	t.Parallel()

	rec := &recorder{answers: map[string]string{
		"index.html": "```html\n<html><script src=\"app.js\"></script></html>\n```",
		"app.js":     "console.log('hi');",
	}}
	v := model.View{RequestText: "todo", Blueprint: twoFileBlueprint()}
	res, err := NewGenerate(rec, 2).Check(context.Background(), v)
	require.NoError(t, err)

	assert.Empty(t, res.Issues)
	assert.Equal(t, `<html><script src="app.js"></script></html>`, res.Artifacts["index.html"])
	assert.Equal(t, "console.log('hi');", res.Artifacts["app.js"])
	assert.ElementsMatch(t, []string{"index.html", "app.js"}, rec.asked)
	assert.Nil(t, res.Blueprint)
}

func TestGenerateRetryRebuildsEveryFile(t *testing.T) {
	t.Parallel()

	rec := &recorder{answers: map[string]string{
		"index.html": "<html>new</html>",
		"app.js":     "fixed();",
	}}
	v := model.View{
		RequestText: "todo",
		Blueprint:   twoFileBlueprint(),
		Attempt:     1,
		Artifacts:   map[string]string{"index.html": "<html>old</html>", "app.js": "broken("},
		Findings:    []model.Issue{model.NewIssue(model.CategorySyntax, model.SeverityCritical, "app.js", "unclosed paren")},
	}
	res, err := NewGenerate(rec, 2).Check(context.Background(), v)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"index.html", "app.js"}, rec.asked)
	assert.Equal(t, map[string]string{"index.html": "<html>new</html>", "app.js": "fixed();"}, res.Artifacts)
}

func TestGenerateDropsFilesOutsideBlueprint(t *testing.T) {
	t.Parallel()

	rec := &recorder{answers: map[string]string{
		"index.html": "<html>new</html>",
		"app.js":     "run();",
	}}
	v := model.View{
		Blueprint: twoFileBlueprint(),
		Attempt:   1,
		Artifacts: map[string]string{"index.html": "<html>old</html>", "app.js": "old();", "style.css": "p{}"},
		Findings:  []model.Issue{model.NewIssue(model.CategoryIntegration, model.SeverityCritical, "", "unused stylesheet")},
	}
	res, err := NewGenerate(rec, 2).Check(context.Background(), v)
	require.NoError(t, err)

	assert.NotContains(t, res.Artifacts, "style.css")
	assert.Len(t, res.Artifacts, 2)
}

func TestGenerateIssueOrderFollowsBlueprint(t *testing.T) {
	t.Parallel()

	bp := model.Blueprint{Files: []model.FileSpec{
		{Name: "a.js", Type: "js"}, {Name: "b.js", Type: "js"}, {Name: "c.js", Type: "js"}, {Name: "d.js", Type: "js"},
	}}
	rec := &recorder{answers: map[string]string{"a.js": "", "b.js": "", "c.js": "", "d.js": ""}}
	for i := range 5 {
		res, err := NewGenerate(rec, 4).Check(context.Background(), model.View{Blueprint: bp})
		require.NoError(t, err, i)
		require.Len(t, res.Issues, 4)
		for j, f := range bp.Files {
			assert.Equal(t, f.Name, res.Issues[j].TargetFile)
		}
	}
}

func TestGeneratePartialFailure(t *testing.T) {
	t.Parallel()

	rec := &recorder{
		answers: map[string]string{"index.html": "<html></html>", "app.js": ""},
		errs:    map[string]error{"app.js": llm.ErrModelTimeout},
	}
	res, err := NewGenerate(rec, 1).Check(context.Background(), model.View{Blueprint: twoFileBlueprint()})
	require.NoError(t, err)

	assert.Contains(t, res.Artifacts, "index.html")
	assert.NotContains(t, res.Artifacts, "app.js")
	require.Len(t, res.Issues, 1)
	assert.True(t, res.Issues[0].Critical())
	assert.Empty(t, res.Issues[0].TargetFile)
	assert.Contains(t, res.Issues[0].Description, "app.js")
}

func TestGenerateFailureKeepsPreviousVersion(t *testing.T) {
	t.Parallel()

	rec := &recorder{
		answers: map[string]string{"index.html": "<html>v2</html>", "app.js": ""},
		errs:    map[string]error{"app.js": llm.ErrModelUnavailable},
	}
	v := model.View{
		Blueprint: twoFileBlueprint(),
		Attempt:   1,
		Artifacts: map[string]string{"index.html": "<html></html>", "app.js": "old();"},
		Findings:  []model.Issue{model.NewIssue(model.CategorySyntax, model.SeverityCritical, "app.js", "bad")},
	}
	res, err := NewGenerate(rec, 1).Check(context.Background(), v)
	require.NoError(t, err)

	assert.Equal(t, "old();", res.Artifacts["app.js"])
	assert.Equal(t, "<html>v2</html>", res.Artifacts["index.html"])
	require.Len(t, res.Issues, 1)
	assert.Equal(t, model.SeverityWarning, res.Issues[0].Severity)
}

func TestGenerateNothingProduced(t *testing.T) {
	t.Parallel()

	_, err := NewGenerate(failing(llm.ErrModelUnavailable), 1).Check(context.Background(), model.View{Blueprint: twoFileBlueprint()})
	require.ErrorIs(t, err, ErrNothingGenerated)
	require.ErrorIs(t, err, llm.ErrModelUnavailable)
}

func TestGenerateFallsBackToDefaultBlueprint(t *testing.T) {
	t.Parallel()

	res, err := NewGenerate(reply("<html></html>"), 1).Check(context.Background(), model.View{RequestText: "timer"})
	require.NoError(t, err)
	require.NotNil(t, res.Blueprint)
	assert.Equal(t, "index.html", res.Blueprint.Files[0].Name)
	assert.Equal(t, "<html></html>", res.Artifacts["index.html"])
	assert.NotEmpty(t, res.Notes)
}

func TestGenerateEmptyOutputIsCritical(t *testing.T) {
	t.Parallel()

	res, err := NewGenerate(reply("```\n```"), 1).Check(context.Background(), model.View{RequestText: "x"})
	require.NoError(t, err)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, "index.html", res.Issues[0].TargetFile)
	assert.True(t, res.Issues[0].Critical())
}

func TestSyntaxScan(t *testing.T) {
	t.Parallel()

	v := model.View{Artifacts: map[string]string{
		"app.js":    "function f() {\n  return 1;\n",
		"ok.js":     "const a = [1, 2];\n",
		"README.md": "# readme {",
	}}
	res, err := NewSyntaxScan(nil).Check(context.Background(), v)
	require.NoError(t, err)
	require.NotEmpty(t, res.Issues)
	for _, issue := range res.Issues {
		assert.Equal(t, "app.js", issue.TargetFile)
	}
	assert.True(t, model.HasCritical(res.Issues))
}

func TestIntegrationScan(t *testing.T) {
	t.Parallel()

	raw := `Here you go:
{"issues": [
	{"category": "integration", "severity": "critical", "file": "app.js", "location": 12,
	 "issue": "selector #list does not exist", "exact_change": {"find": "#list", "replace": "#todo-list"}},
	{"category": "feature gap", "severity": "warning", "file": "index.html", "description": "no empty state"}
], "summary": {"total_issues": 99}}`
	res, err := NewIntegrationScan(reply(raw)).Check(context.Background(), model.View{
		Artifacts: map[string]string{"app.js": "x", "index.html": "y"},
	})
	require.NoError(t, err)
	require.Len(t, res.Issues, 2)

	first := res.Issues[0]
	assert.Equal(t, model.CategoryIntegration, first.Category)
	assert.Equal(t, model.SeverityCritical, first.Severity)
	assert.Equal(t, "12", first.Location)
	require.NotNil(t, first.Fix)
	assert.Equal(t, "#todo-list", first.Fix.Replace)

	second := res.Issues[1]
	assert.Equal(t, model.CategoryFeatureGap, second.Category)
	assert.Equal(t, "no empty state", second.Description)
	assert.Nil(t, second.Fix)
}

func TestIntegrationScanMissingIssues(t *testing.T) {
	t.Parallel()

	_, err := NewIntegrationScan(reply(`{"summary": {}}`)).Check(context.Background(), model.View{})
	require.ErrorIs(t, err, schema.ErrSchema)
}

func TestDependencies(t *testing.T) {
	t.Parallel()

	v := model.View{Artifacts: map[string]string{
		"index.html": `<html><head>
<link rel="stylesheet" href="style.css">
<link rel="stylesheet" href="https://cdn.example.com/bulma.css">
<script src="https://unpkg.com/vue@3"></script>
</head><body><img src="logo.png"><script src="app.js"></script><script src="missing.js"></script></body></html>`,
		"style.css":    "body {}",
		"app.js":       "import { h } from 'preact';\nimport util from './util';\nconst x = require('lodash/map');\nimport './nowhere.js';\n",
		"util.js":      "export default 1;",
		"package.json": `{"dependencies": {"preact": "^10"}}`,
	}}
	res, err := NewDependencies().Check(context.Background(), v)
	require.NoError(t, err)

	var names []string
	for _, d := range res.Dependencies {
		names = append(names, d.Kind+":"+d.Name)
	}
	assert.Equal(t, []string{
		"cdn:https://cdn.example.com/bulma.css",
		"cdn:https://unpkg.com/vue@3",
		"npm:lodash",
		"npm:preact",
	}, names)

	var descs []string
	for _, issue := range res.Issues {
		descs = append(descs, string(issue.Severity)+" "+issue.TargetFile+" "+issue.Description)
	}
	assert.Contains(t, descs, `WARNING index.html references "logo.png" but no such file was generated`)
	assert.Contains(t, descs, `CRITICAL index.html references "missing.js" but no such file was generated`)
	assert.Contains(t, descs, `CRITICAL app.js references "./nowhere.js" but no such file was generated`)
	assert.Contains(t, descs, `WARNING package.json app.js imports "lodash" which is not listed in package.json`)
	assert.Len(t, descs, 4)
}

func TestDependenciesPython(t *testing.T) {
	t.Parallel()

	v := model.View{Artifacts: map[string]string{
		"main.py":    "import flask\nfrom helpers import x\nfrom os.path import join\n",
		"helpers.py": "x = 1\n",
	}}
	res, err := NewDependencies().Check(context.Background(), v)
	require.NoError(t, err)
	assert.Empty(t, res.Issues)
	assert.Equal(t, []model.Dependency{
		{Name: "flask", Kind: KindPython},
		{Name: "os", Kind: KindPython},
	}, res.Dependencies)
}

func TestAuditAppliesExactFixesWithoutRewrite(t *testing.T) {
	t.Parallel()

	var fixCalls int
	fixer := llm.GeneratorFunc(func(context.Context, llm.Prompt) (string, error) {
		fixCalls++
		return "", errors.New("should not be called")
	})
	issue := model.NewIssue(model.CategoryIntegration, model.SeverityCritical, "app.js", "wrong selector")
	issue.Fix = &model.Fix{Find: "#list", Replace: "#todo-list"}
	v := model.View{
		Artifacts: map[string]string{"app.js": "document.querySelector('#list')"},
		Findings:  []model.Issue{issue},
	}

	res, err := NewAudit(fixer, reply(`{"is_approved": true, "semantic_issues": []}`)).Check(context.Background(), v)
	require.NoError(t, err)
	assert.Zero(t, fixCalls)
	assert.Equal(t, "document.querySelector('#todo-list')", res.Artifacts["app.js"])
	assert.Empty(t, res.Issues)
}

func TestAuditRewritesUnresolvedFiles(t *testing.T) {
	t.Parallel()

	fixer := llm.GeneratorFunc(func(_ context.Context, p llm.Prompt) (string, error) {
		assert.Contains(t, p.User, "File: app.js")
		assert.Contains(t, p.User, "unclosed brace")
		return "```js\nfunction f() {}\n```", nil
	})
	v := model.View{
		Artifacts: map[string]string{"app.js": "function f() {", "index.html": "<html></html>"},
		Findings: []model.Issue{
			model.NewIssue(model.CategorySyntax, model.SeverityCritical, "app.js", "unclosed brace"),
			model.NewIssue(model.CategorySyntax, model.SeverityWarning, "index.html", "minor"),
		},
	}
	auditor := reply(`{"is_approved": true, "semantic_issues": ["could use more colour"]}`)
	res, err := NewAudit(fixer, auditor).Check(context.Background(), v)
	require.NoError(t, err)
	assert.Equal(t, "function f() {}", res.Artifacts["app.js"])
	require.Len(t, res.Issues, 1)
	assert.Equal(t, model.SeverityWarning, res.Issues[0].Severity)
}

func TestAuditRejection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want int
	}{
		{name: "rejected with issues", raw: `{"is_approved": false, "semantic_issues": [{"file": "app.js", "severity": "CRITICAL", "issue": "delete does nothing"}]}`, want: 1},
		{name: "rejected without issues", raw: `{"is_approved": false, "semantic_issues": []}`, want: 1},
		{name: "rejected with unknown files only", raw: `{"is_approved": false, "semantic_issues": [{"file": "ghost.js", "severity": "CRITICAL", "issue": "missing"}]}`, want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			artifacts := map[string]string{"app.js": "x"}
			res, err := NewAudit(reply(""), reply(tt.raw)).Check(context.Background(), model.View{
				Artifacts: artifacts,
			})
			require.NoError(t, err)
			assert.Len(t, res.Issues, tt.want)
			assert.True(t, model.HasCritical(reconcile.Issues(res.Issues, artifacts).Kept))
			assert.Nil(t, res.Artifacts)
		})
	}
}

func TestAuditFailureAfterRepairKeepsRepairs(t *testing.T) {
	t.Parallel()

	issue := model.NewIssue(model.CategoryIntegration, model.SeverityCritical, "app.js", "typo")
	issue.Fix = &model.Fix{Find: "consol", Replace: "console"}
	v := model.View{
		Artifacts: map[string]string{"app.js": "consol.log(1)"},
		Findings:  []model.Issue{issue},
	}
	res, err := NewAudit(reply(""), failing(llm.ErrModelTimeout)).Check(context.Background(), v)
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", res.Artifacts["app.js"])
	require.Len(t, res.Issues, 1)
	assert.Equal(t, model.SeverityWarning, res.Issues[0].Severity)
}

func TestAuditFailureWithoutRepairIsError(t *testing.T) {
	t.Parallel()

	_, err := NewAudit(reply(""), failing(llm.ErrModelTimeout)).Check(context.Background(), model.View{
		Artifacts: map[string]string{"app.js": "ok()"},
	})
	require.ErrorIs(t, err, llm.ErrModelTimeout)
}

type fakeDeliverer struct {
	got Delivery
	err error
}

func (f *fakeDeliverer) Deliver(_ context.Context, d Delivery) (string, error) {
	f.got = d
	return "/out/" + d.RunID, f.err
}

func TestPackage(t *testing.T) {
	t.Parallel()

	d := &fakeDeliverer{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := NewPackage(d).Check(ctx, model.View{
		RunID:     "r1",
		Artifacts: map[string]string{"index.html": "x"},
		Caveats:   []string{"c"},
	})
	require.NoError(t, err)
	assert.Equal(t, "/out/r1", res.OutputDir)
	assert.Equal(t, "x", d.got.Artifacts["index.html"])
	assert.Equal(t, []string{"c"}, d.got.Caveats)
}

func TestPackageErrors(t *testing.T) {
	t.Parallel()

	_, err := NewPackage(nil).Check(context.Background(), model.View{})
	require.ErrorIs(t, err, ErrNoDeliverer)

	boom := errors.New("disk full")
	_, err = NewPackage(&fakeDeliverer{err: boom}).Check(context.Background(), model.View{RunID: "r"})
	require.ErrorIs(t, err, boom)
}
