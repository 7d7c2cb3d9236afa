// Package schema checks extracted records before they drive decisions.
package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrSchema is matched by every schema failure.
var ErrSchema = errors.New("record does not match schema")

// SchemaError lists what a record is missing or got wrong.
type SchemaError struct {
	Missing []string
	Details []string
}

func (e *SchemaError) Error() string {
	parts := make([]string, 0, 2)
	if len(e.Missing) > 0 {
		parts = append(parts, "missing fields: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Details) > 0 {
		parts = append(parts, strings.Join(e.Details, "; "))
	}
	return "schema validation failed: " + strings.Join(parts, "; ")
}

func (e *SchemaError) Unwrap() error { return ErrSchema }

// HasRequiredFields reports whether every required key is present.
func HasRequiredFields(record map[string]any, required ...string) bool {
	return len(missing(record, required)) == 0
}

// Require is HasRequiredFields with a descriptive error.
func Require(record map[string]any, required ...string) error {
	if m := missing(record, required); len(m) > 0 {
		return &SchemaError{Missing: m}
	}
	return nil
}

func missing(record map[string]any, required []string) []string {
	var out []string
	for _, key := range required {
		if _, ok := record[key]; !ok {
			out = append(out, key)
		}
	}
	return out
}

// Validator checks records against a compiled JSON schema.
type Validator struct {
	schema *gojsonschema.Schema
}

// Compile parses a JSON schema document.
func Compile(schemaJSON string) (*Validator, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

// MustCompile is Compile for schemas embedded at build time.
func MustCompile(schemaJSON string) *Validator {
	v, err := Compile(schemaJSON)
	if err != nil {
		panic(err)
	}
	return v
}

// Validate checks a record against the schema.
func (v *Validator) Validate(record map[string]any) error {
	result, err := v.schema.Validate(gojsonschema.NewGoLoader(record))
	if err != nil {
		return fmt.Errorf("validate record: %w", err)
	}
	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	var missingFields []string
	for _, resErr := range result.Errors() {
		if resErr.Type() == "required" {
			if prop, ok := resErr.Details()["property"].(string); ok {
				missingFields = append(missingFields, prop)
				continue
			}
		}
		details = append(details, resErr.String())
	}
	sort.Strings(details)
	sort.Strings(missingFields)
	return &SchemaError{Missing: missingFields, Details: details}
}
