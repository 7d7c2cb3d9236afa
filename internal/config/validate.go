package config

import (
	_ "embed"
	"fmt"

	"github.com/metalagman/appforge/internal/schema"
)

//go:embed schema.json
var schemaJSON string

var fileSchema = schema.MustCompile(schemaJSON)

// ValidateSettings validates raw config settings against the JSON schema.
func ValidateSettings(settings map[string]any) error {
	if err := fileSchema.Validate(settings); err != nil {
		return fmt.Errorf("config schema validation failed: %w", err)
	}
	return nil
}
