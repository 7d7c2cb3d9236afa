// Package extract recovers a structured record from free-form model output.
package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// excerptLimit bounds the raw text carried by an ExtractionError.
const excerptLimit = 500

// ErrNoRecord is matched by every extraction failure.
var ErrNoRecord = errors.New("no structured record found")

// ExtractionError reports that no parseable record exists in the raw text.
type ExtractionError struct {
	Excerpt string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract record: no parseable JSON in response: %q", e.Excerpt)
}

func (e *ExtractionError) Unwrap() error { return ErrNoRecord }

// Record is an extracted key/value record. A top-level array is exposed
// under the "items" key.
type Record map[string]any

var fenceRe = regexp.MustCompile("```[A-Za-z0-9_+-]*")

// StripFences removes fenced code block delimiters, tagged or bare.
func StripFences(raw string) string {
	return fenceRe.ReplaceAllString(raw, "")
}

// Extract locates and parses the record embedded in raw.
//
// Fences are stripped, the outermost balanced object or array is parsed
// strictly, and when that fails every balanced brace span is tried in order.
func Extract(raw string) (Record, error) {
	text := strings.TrimSpace(StripFences(raw))

	if start := strings.IndexAny(text, "{["); start >= 0 {
		candidate := text[start:]
		if end := matchSpan(text, start); end > start {
			candidate = text[start : end+1]
		} else if last := strings.LastIndexAny(text, "}]"); last > start {
			candidate = text[start : last+1]
		}
		if rec, ok := parse(strings.TrimSpace(candidate)); ok {
			return rec, nil
		}
	}

	for _, span := range objectSpans(text) {
		if rec, ok := parse(span); ok {
			return rec, nil
		}
	}

	return nil, &ExtractionError{Excerpt: excerpt(raw)}
}

func parse(candidate string) (Record, bool) {
	var v any
	if err := json.Unmarshal([]byte(candidate), &v); err != nil {
		return nil, false
	}
	switch typed := v.(type) {
	case map[string]any:
		return Record(typed), true
	case []any:
		return Record{"items": typed}, true
	default:
		return nil, false
	}
}

// matchSpan returns the index of the bracket closing the one at start,
// or -1 when the span never balances. Brackets inside string literals
// are ignored.
func matchSpan(text string, start int) int {
	var stack []byte
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return -1
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i
			}
		}
	}
	return -1
}

// objectSpans returns every non-overlapping balanced {...} substring,
// left to right.
func objectSpans(text string) []string {
	var spans []string
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		end := matchSpan(text, i)
		if end < 0 {
			continue
		}
		spans = append(spans, text[i:end+1])
		i = end
	}
	return spans
}

func excerpt(raw string) string {
	r := []rune(raw)
	if len(r) <= excerptLimit {
		return raw
	}
	return string(r[:excerptLimit])
}
