package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasRequiredFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		record   map[string]any
		required []string
		want     bool
	}{
		{name: "nil record, no requirements", want: true},
		{name: "all present", record: map[string]any{"a": 1, "b": nil}, required: []string{"a", "b"}, want: true},
		{name: "one missing", record: map[string]any{"a": 1}, required: []string{"a", "b"}, want: false},
		{name: "nil record", required: []string{"a"}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, HasRequiredFields(tt.record, tt.required...))
		})
	}
}

func TestRequire(t *testing.T) {
	t.Parallel()

	err := Require(map[string]any{"classification": "HOMEWORK"}, "classification", "confidence", "reasoning")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrSchema))

	var schemaErr *SchemaError
	require.True(t, errors.As(err, &schemaErr))
	assert.Equal(t, []string{"confidence", "reasoning"}, schemaErr.Missing)
	assert.Contains(t, err.Error(), "confidence, reasoning")

	require.NoError(t, Require(map[string]any{"issues": []any{}}, "issues"))
}

func TestValidator(t *testing.T) {
	t.Parallel()

	v := MustCompile(`{
		"type": "object",
		"required": ["is_approved", "semantic_issues"],
		"properties": {
			"is_approved": {"type": "boolean"},
			"semantic_issues": {"type": "array"}
		}
	}`)

	require.NoError(t, v.Validate(map[string]any{"is_approved": true, "semantic_issues": []any{}}))

	err := v.Validate(map[string]any{"is_approved": "yes"})
	require.Error(t, err)
	var schemaErr *SchemaError
	require.True(t, errors.As(err, &schemaErr))
	assert.Equal(t, []string{"semantic_issues"}, schemaErr.Missing)
	assert.Len(t, schemaErr.Details, 1)
}

func TestCompileRejectsInvalidSchema(t *testing.T) {
	t.Parallel()

	_, err := Compile(`{"type": "nonsense"}`)
	require.Error(t, err)
}
