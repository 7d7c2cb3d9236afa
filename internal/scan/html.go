package scan

import (
	"errors"
	"io"
	"strings"

	"github.com/metalagman/appforge/internal/model"
	"golang.org/x/net/html"
)

var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true, "hr": true,
	"img": true, "input": true, "link": true, "meta": true, "source": true,
	"track": true, "wbr": true, "param": true,
}

// Elements whose end tag may be omitted.
var optionalClose = map[string]bool{
	"html": true, "head": true, "body": true, "p": true, "li": true, "dt": true,
	"dd": true, "option": true, "optgroup": true, "tr": true, "td": true, "th": true,
	"thead": true, "tbody": true, "tfoot": true, "colgroup": true, "caption": true,
	"rt": true, "rp": true,
}

type openTag struct {
	name string
	line int
}

// HTML reports unbalanced elements, duplicate ids and bracket errors in
// inline scripts.
func HTML(filename, code string) []model.Issue {
	var issues []model.Issue
	var stack []openTag
	ids := make(map[string]int)
	line := 1

	z := html.NewTokenizer(strings.NewReader(code))
	inScript := false
	scriptLine := 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); err != nil && !errors.Is(err, io.EOF) {
				issues = append(issues, newIssue(model.SeverityCritical, filename, line, "malformed HTML: %v", err))
			}
			break
		}
		raw := z.Raw()
		tokLine := line
		line += strings.Count(string(raw), "\n")

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			for hasAttr {
				var key, val []byte
				key, val, hasAttr = z.TagAttr()
				if string(key) != "id" || len(val) == 0 {
					continue
				}
				id := string(val)
				if first, dup := ids[id]; dup {
					issue := newIssue(model.SeverityWarning, filename, tokLine, "duplicate id %q (first defined on line %d)", id, first)
					issue.Category = model.CategoryConsistency
					issues = append(issues, issue)
				} else {
					ids[id] = tokLine
				}
			}
			if tt == html.SelfClosingTagToken || voidElements[tag] {
				continue
			}
			stack = append(stack, openTag{name: tag, line: tokLine})
			if tag == "script" {
				inScript = true
				scriptLine = tokLine
			}

		case html.TextToken:
			if inScript {
				for _, issue := range JS(filename, string(raw)) {
					issue.Location = shiftLocation(issue.Location, scriptLine-1)
					issues = append(issues, issue)
				}
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "script" {
				inScript = false
			}
			if voidElements[tag] {
				continue
			}
			idx := -1
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i].name == tag {
					idx = i
					break
				}
			}
			if idx < 0 {
				issues = append(issues, newIssue(model.SeverityCritical, filename, tokLine, "closing tag </%s> has no matching opening tag", tag))
				continue
			}
			for _, inner := range stack[idx+1:] {
				if !optionalClose[inner.name] {
					issues = append(issues, newIssue(model.SeverityWarning, filename, inner.line, "<%s> is implicitly closed by </%s>", inner.name, tag))
				}
			}
			stack = stack[:idx]
		}
	}

	for _, open := range stack {
		if !optionalClose[open.name] {
			issues = append(issues, newIssue(model.SeverityCritical, filename, open.line, "<%s> is never closed", open.name))
		}
	}
	return issues
}
