package scan

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/metalagman/appforge/internal/model"
	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/js"
)

var closers = map[byte]byte{')': '(', ']': '[', '}': '{'}

type bracket struct {
	char byte
	line int
}

// JS reports unbalanced brackets and unterminated strings, comments,
// template literals and regex literals.
func JS(filename, code string) []model.Issue {
	var issues []model.Issue
	crit := func(l int, format string, args ...any) {
		issues = append(issues, newIssue(model.SeverityCritical, filename, l, format, args...))
	}

	l := js.NewLexer(parse.NewInputString(code))
	var (
		stack  []bracket
		line   = 1
		offset int
		// prev is the last significant token, used to tell regex from division.
		prevTT   js.TokenType
		prevData string
	)
	for {
		tt, data := l.Next()
		if (tt == js.DivToken || tt == js.DivEqToken) && regexAllowed(prevTT, prevData) {
			tt, data = l.RegExp()
			if tt == js.ErrorToken {
				crit(line, "unterminated regular expression literal")
				return issues
			}
		}
		if tt == js.ErrorToken {
			if err := l.Err(); err != nil && err != io.EOF {
				crit(line, "%s", lexError(code[offset:], err))
				return issues
			}
			break
		}
		start := line
		line += strings.Count(string(data), "\n")
		offset += len(data)

		switch tt {
		case js.StringToken:
			if len(data) < 2 || data[len(data)-1] != data[0] {
				crit(start, "unterminated string literal")
				return issues
			}
		case js.WhitespaceToken, js.LineTerminatorToken, js.CommentLineTerminatorToken:
			continue
		case js.CommentToken:
			if s := string(data); strings.HasPrefix(s, "/*") && (len(s) < 4 || !strings.HasSuffix(s, "*/")) {
				crit(start, "unterminated block comment")
				return issues
			}
			continue
		case js.TemplateToken, js.TemplateEndToken:
			if len(data) < 2 || data[len(data)-1] != '`' {
				crit(start, "unterminated template literal")
				return issues
			}
		case js.TemplateStartToken, js.TemplateMiddleToken:
			if !strings.HasSuffix(string(data), "${") {
				crit(start, "unterminated template literal")
				return issues
			}
		}

		if s := string(data); len(s) == 1 && !literal(tt) {
			switch c := s[0]; c {
			case '(', '[', '{':
				stack = append(stack, bracket{char: c, line: start})
			case ')', ']', '}':
				want := closers[c]
				if len(stack) == 0 {
					crit(start, "unexpected %q with no matching %q", c, want)
					break
				}
				top := stack[len(stack)-1]
				if top.char != want {
					crit(start, "%q closes %q opened on line %d", c, top.char, top.line)
				}
				stack = stack[:len(stack)-1]
			}
		}
		prevTT, prevData = tt, string(data)
	}

	for _, open := range stack {
		crit(open.line, "%q is never closed", open.char)
	}
	return issues
}

// lexError names the token the lexer stopped at.
func lexError(rest string, err error) string {
	switch {
	case strings.HasPrefix(rest, "'"), strings.HasPrefix(rest, "\""):
		return "unterminated string literal"
	case strings.HasPrefix(rest, "`"):
		return "unterminated template literal"
	case strings.HasPrefix(rest, "/*"):
		return "unterminated block comment"
	}
	return fmt.Sprintf("syntax error: %v", err)
}

func literal(tt js.TokenType) bool {
	switch tt {
	case js.StringToken, js.RegExpToken,
		js.TemplateToken, js.TemplateStartToken, js.TemplateMiddleToken, js.TemplateEndToken:
		return true
	}
	return false
}

// regexKeywords may directly precede a regex literal.
var regexKeywords = map[string]bool{
	"return": true, "typeof": true, "case": true, "do": true, "else": true, "in": true,
	"instanceof": true, "new": true, "delete": true, "void": true, "throw": true,
	"yield": true, "await": true, "of": true,
}

func regexAllowed(prevTT js.TokenType, prev string) bool {
	switch {
	case prev == "":
		return true
	case literal(prevTT):
		return false
	case prev == ")" || prev == "]" || prev == "}" || prev == "++" || prev == "--":
		return false
	}
	c := prev[0]
	if c == '_' || c == '$' || c == '.' || c == '#' || c >= '0' && c <= '9' ||
		c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= 0x80 {
		return regexKeywords[prev]
	}
	return true
}

// shiftLocation offsets a "line N" location.
func shiftLocation(loc string, offset int) string {
	n, err := strconv.Atoi(strings.TrimPrefix(loc, "line "))
	if err != nil || offset == 0 {
		return loc
	}
	return fmt.Sprintf("line %d", n+offset)
}
