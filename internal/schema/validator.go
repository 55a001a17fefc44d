// internal/schema/validator.go
// Package schema provides JSON Schema validation for operator-supplied mock
// payloads. A sourceless definition may attach a schema; the payload is then
// checked against it before the mock is published, on top of the baseline
// well-formedness check.
package schema

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Validator validates mock payloads against operator-supplied JSON Schemas.
// Compiled schemas are not cached: each definition carries its own schema
// and publishes are operator-paced, so compilation cost is irrelevant.
type Validator struct{}

// NewValidator creates a new payload validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks a payload document against a schema document.
// Parameters:
//   - schemaJSON: The JSON Schema as a string
//   - payloadJSON: The payload to validate
// Returns:
//   - error: nil if valid, error with the collected violations if invalid
func (v *Validator) Validate(schemaJSON, payloadJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid mock schema: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewStringLoader(payloadJSON))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}
