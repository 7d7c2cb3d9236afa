package scan

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/metalagman/appforge/internal/model"
	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/css"
)

// CSS reports unbalanced braces and unterminated comments or strings.
func CSS(filename, code string) []model.Issue {
	var issues []model.Issue
	crit := func(l int, format string, args ...any) {
		issues = append(issues, newIssue(model.SeverityCritical, filename, l, format, args...))
	}

	l := css.NewLexer(parse.NewInputString(code))
	var open []int
	line := 1
	for {
		tt, data := l.Next()
		if tt == css.ErrorToken {
			if err := l.Err(); err != nil && err != io.EOF {
				crit(line, "syntax error: %v", err)
			}
			break
		}
		start := line
		line += strings.Count(string(data), "\n")

		switch tt {
		case css.CommentToken:
			if len(data) < 4 || !bytes.HasSuffix(data, []byte("*/")) {
				crit(start, "unterminated comment")
				return issues
			}
		case css.BadStringToken:
			crit(start, "unterminated string")
		case css.StringToken:
			if len(data) < 2 || data[len(data)-1] != data[0] {
				crit(start, "unterminated string")
			}
		case css.LeftBraceToken:
			open = append(open, start)
		case css.RightBraceToken:
			if len(open) == 0 {
				crit(start, "unexpected '}' with no matching '{'")
				continue
			}
			open = open[:len(open)-1]
		}
	}
	for _, l := range open {
		crit(l, "'{' is never closed")
	}
	return issues
}

// JSON reports documents that do not parse.
func JSON(filename, code string) []model.Issue {
	var v any
	err := json.Unmarshal([]byte(code), &v)
	if err == nil {
		return nil
	}
	line := 0
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		offset := min(int(syntaxErr.Offset), len(code))
		line = strings.Count(code[:offset], "\n") + 1
	}
	return []model.Issue{newIssue(model.SeverityCritical, filename, line, "invalid JSON: %v", err)}
}
