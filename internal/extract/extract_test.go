package extract

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want Record
	}{
		{
			name: "bare object",
			raw:  `{"a":1}`,
			want: Record{"a": float64(1)},
		},
		{
			name: "fenced with prose",
			raw:  "Here you go:\n```json\n{\"is_approved\": true, \"semantic_issues\": []}\n```\nThanks!",
			want: Record{"is_approved": true, "semantic_issues": []any{}},
		},
		{
			name: "bare fence",
			raw:  "```\n{\"k\": \"v\"}\n```",
			want: Record{"k": "v"},
		},
		{
			name: "nested braces inside strings",
			raw:  `Result: {"code": "function f() { return '}'; }", "ok": true} done`,
			want: Record{"code": "function f() { return '}'; }", "ok": true},
		},
		{
			name: "top level array",
			raw:  `[{"a":1},{"a":2}]`,
			want: Record{"items": []any{map[string]any{"a": float64(1)}, map[string]any{"a": float64(2)}}},
		},
		{
			name: "noise braces before the record",
			raw:  `I think {this} is it: {"classification": "HOMEWORK"}`,
			want: Record{"classification": "HOMEWORK"},
		},
		{
			name: "two records returns the first parseable",
			raw:  `{"broken": } and then {"second": 2}`,
			want: Record{"second": float64(2)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Extract(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractFailure(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 900)
	for _, raw := range []string{"", "no json here", "{not: valid", long} {
		_, err := Extract(raw)
		require.Error(t, err)
		require.True(t, errors.Is(err, ErrNoRecord))

		var extErr *ExtractionError
		require.True(t, errors.As(err, &extErr))
		assert.LessOrEqual(t, len([]rune(extErr.Excerpt)), excerptLimit)
		assert.True(t, strings.HasPrefix(raw, extErr.Excerpt))
	}
}

func TestExtractRoundTrip(t *testing.T) {
	t.Parallel()

	records := []map[string]any{
		{},
		{"issues": []any{}, "summary": map[string]any{"total_issues": float64(0)}},
		{"text": "braces { and } and \"quotes\"", "n": float64(3.5), "nil": nil},
		{"nested": map[string]any{"deep": []any{"a", map[string]any{"b": true}}}},
	}
	for _, rec := range records {
		data, err := json.Marshal(rec)
		require.NoError(t, err)

		got, err := Extract(string(data))
		require.NoError(t, err)
		assert.Equal(t, Record(rec), got)

		noisy := "Sure! Here is the result.\n```json\n" + string(data) + "\n```\nLet me know if you need more."
		got, err = Extract(noisy)
		require.NoError(t, err)
		assert.Equal(t, Record(rec), got)
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()

	var out struct {
		Classification string  `json:"classification"`
		Confidence     float64 `json:"confidence"`
		Approved       bool    `json:"is_approved"`
	}
	rec, err := Decode("```json\n{\"classification\":\"HOMEWORK\",\"confidence\":\"0.8\",\"is_approved\":1}\n```", &out)
	require.NoError(t, err)
	assert.Equal(t, "HOMEWORK", out.Classification)
	assert.InDelta(t, 0.8, out.Confidence, 1e-9)
	assert.True(t, out.Approved)
	assert.Contains(t, rec, "classification")
}

func TestStripFences(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "\nconst a = 1;\n", StripFences("```javascript\nconst a = 1;\n```"))
	assert.Equal(t, "plain", StripFences("plain"))
}
