// Package prompts renders the model prompts used by the pipeline stages.
package prompts

import (
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/metalagman/appforge/internal/llm"
	"github.com/metalagman/appforge/internal/model"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Template names.
const (
	Scope       = "scope"
	Plan        = "plan"
	Generate    = "generate"
	Integration = "integration"
	Audit       = "audit"
	Fix         = "fix"
)

var templates = mustLoad(Scope, Plan, Generate, Integration, Audit, Fix)

func mustLoad(names ...string) map[string]*template.Template {
	out := make(map[string]*template.Template, len(names))
	for _, name := range names {
		t := template.Must(template.New(name).ParseFS(templatesFS, "templates/"+name+".tmpl"))
		for _, part := range []string{"system", "user"} {
			if t.Lookup(part) == nil {
				panic(fmt.Sprintf("prompts: template %s lacks %q", name, part))
			}
		}
		out[name] = t
	}
	return out
}

// Render builds the prompt for a stage from a named template.
func Render(name string, stage model.StageID, data any) (llm.Prompt, error) {
	t, ok := templates[name]
	if !ok {
		return llm.Prompt{}, fmt.Errorf("unknown prompt template %q", name)
	}
	system, err := execute(t, "system", data)
	if err != nil {
		return llm.Prompt{}, err
	}
	user, err := execute(t, "user", data)
	if err != nil {
		return llm.Prompt{}, err
	}
	return llm.Prompt{Stage: stage, System: system, User: user}, nil
}

func execute(t *template.Template, part string, data any) (string, error) {
	var b strings.Builder
	if err := t.ExecuteTemplate(&b, part, data); err != nil {
		return "", fmt.Errorf("render %s prompt %s: %w", t.Name(), part, err)
	}
	return strings.TrimSpace(b.String()), nil
}

// SourceFile is a file shown to the model.
type SourceFile struct {
	Name    string
	Content string
}

// Numbered returns the content with 1-based line numbers.
func (f SourceFile) Numbered() string {
	lines := strings.Split(f.Content, "\n")
	var b strings.Builder
	for i, line := range lines {
		fmt.Fprintf(&b, "%4d | %s\n", i+1, line)
	}
	return b.String()
}

// Files converts artifacts into sorted source files.
func Files(v model.View) []SourceFile {
	names := v.FileNames()
	out := make([]SourceFile, 0, len(names))
	for _, name := range names {
		out = append(out, SourceFile{Name: name, Content: v.Artifacts[name]})
	}
	return out
}
