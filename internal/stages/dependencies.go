package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/metalagman/appforge/internal/gate"
	"github.com/metalagman/appforge/internal/model"
	"golang.org/x/net/html"
)

// Dependency kinds.
const (
	KindCDN    = "cdn"
	KindNPM    = "npm"
	KindPython = "python"
)

var (
	jsImportRe  = regexp.MustCompile(`(?m)(?:^|[;\s])import\s+(?:[\w*{}\s,$]+\s+from\s+)?["']([^"']+)["']`)
	jsRequireRe = regexp.MustCompile(`require\(\s*["']([^"']+)["']\s*\)`)
	pyImportRe  = regexp.MustCompile(`(?m)^\s*(?:from\s+([A-Za-z_][\w.]*)\s+import|import\s+([A-Za-z_][\w.]*))`)
)

// Dependencies resolves references between artifacts and records
// external packages. It is deterministic and never calls a model.
type Dependencies struct{}

// NewDependencies creates the dependency stage.
func NewDependencies() *Dependencies { return &Dependencies{} }

// ID implements gate.Stage.
func (s *Dependencies) ID() model.StageID { return model.StageDependencies }

type depCollector struct {
	artifacts map[string]string
	deps      map[string]model.Dependency
	issues    []model.Issue
}

// Check implements gate.Stage.
func (s *Dependencies) Check(_ context.Context, v model.View) (gate.Result, error) {
	c := &depCollector{artifacts: v.Artifacts, deps: make(map[string]model.Dependency)}
	for _, name := range v.FileNames() {
		content := v.Artifacts[name]
		switch strings.ToLower(path.Ext(name)) {
		case ".html", ".htm":
			c.html(name, content)
		case ".js", ".mjs", ".cjs", ".jsx", ".ts", ".tsx":
			c.js(name, content)
		case ".py":
			c.python(content)
		}
	}
	c.checkManifest()
	return gate.Result{Issues: c.issues, Dependencies: c.sorted()}, nil
}

func (c *depCollector) html(file, content string) {
	z := html.NewTokenizer(strings.NewReader(content))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		tok := z.Token()
		var attr string
		switch tok.Data {
		case "script", "img":
			attr = "src"
		case "link":
			if !isStylesheet(tok) {
				continue
			}
			attr = "href"
		default:
			continue
		}
		ref := attrValue(tok, attr)
		if ref == "" {
			continue
		}
		severity := model.SeverityCritical
		if tok.Data == "img" {
			severity = model.SeverityWarning
		}
		c.reference(file, ref, severity)
	}
}

func (c *depCollector) js(file, content string) {
	for _, re := range []*regexp.Regexp{jsImportRe, jsRequireRe} {
		for _, m := range re.FindAllStringSubmatch(content, -1) {
			spec := m[1]
			switch {
			case isExternal(spec):
				c.add(model.Dependency{Name: spec, Kind: KindCDN, Source: file})
			case strings.HasPrefix(spec, "."), strings.HasPrefix(spec, "/"):
				c.reference(file, spec, model.SeverityCritical)
			default:
				c.add(model.Dependency{Name: packageName(spec), Kind: KindNPM, Source: file})
			}
		}
	}
}

func (c *depCollector) python(content string) {
	for _, m := range pyImportRe.FindAllStringSubmatch(content, -1) {
		mod := m[1]
		if mod == "" {
			mod = m[2]
		}
		root, _, _ := strings.Cut(mod, ".")
		if c.localPython(root) {
			continue
		}
		c.add(model.Dependency{Name: root, Kind: KindPython})
	}
}

func (c *depCollector) localPython(root string) bool {
	_, ok := c.artifacts[root+".py"]
	return ok
}

// reference checks that a local reference resolves to an artifact.
func (c *depCollector) reference(file, ref string, severity model.Severity) {
	if isExternal(ref) {
		c.add(model.Dependency{Name: ref, Kind: KindCDN, Source: file})
		return
	}
	if strings.HasPrefix(ref, "data:") || strings.HasPrefix(ref, "#") {
		return
	}
	target := resolve(file, ref)
	if _, ok := c.artifacts[target]; ok {
		return
	}
	if path.Ext(target) == "" {
		for _, ext := range []string{".js", ".mjs", ".jsx", ".ts"} {
			if _, ok := c.artifacts[target+ext]; ok {
				return
			}
		}
	}
	c.issues = append(c.issues, model.NewIssue(model.CategoryIntegration, severity, file,
		fmt.Sprintf("references %q but no such file was generated", ref)))
}

// checkManifest reports npm imports missing from package.json.
func (c *depCollector) checkManifest() {
	raw, ok := c.artifacts["package.json"]
	if !ok {
		return
	}
	var manifest struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal([]byte(raw), &manifest); err != nil {
		return
	}
	for _, d := range c.sorted() {
		if d.Kind != KindNPM {
			continue
		}
		_, dep := manifest.Dependencies[d.Name]
		_, dev := manifest.DevDependencies[d.Name]
		if !dep && !dev {
			c.issues = append(c.issues, model.NewIssue(model.CategoryImport, model.SeverityWarning, "package.json",
				fmt.Sprintf("%s imports %q which is not listed in package.json", d.Source, d.Name)))
		}
	}
}

func (c *depCollector) add(d model.Dependency) {
	key := d.Kind + ":" + d.Name
	if _, ok := c.deps[key]; ok {
		return
	}
	c.deps[key] = d
}

func (c *depCollector) sorted() []model.Dependency {
	out := make([]model.Dependency, 0, len(c.deps))
	for _, d := range c.deps {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func isStylesheet(tok html.Token) bool {
	for _, rel := range strings.Fields(strings.ToLower(attrValue(tok, "rel"))) {
		if rel == "stylesheet" || rel == "modulepreload" {
			return true
		}
	}
	return false
}

func attrValue(tok html.Token, key string) string {
	for _, a := range tok.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func isExternal(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "//")
}

func resolve(from, ref string) string {
	ref, _, _ = strings.Cut(ref, "?")
	ref, _, _ = strings.Cut(ref, "#")
	if strings.HasPrefix(ref, "/") {
		return strings.TrimPrefix(path.Clean(ref), "/")
	}
	return path.Clean(path.Join(path.Dir(from), ref))
}

// packageName reduces an import path to its npm package, keeping scopes.
func packageName(spec string) string {
	parts := strings.Split(spec, "/")
	if strings.HasPrefix(spec, "@") && len(parts) > 1 {
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}
