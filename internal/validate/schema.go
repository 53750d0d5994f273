// Package validate checks batch bodies against the embedded JSON Schema and
// decodes them into models.
package validate

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ComUnity/insight-service/internal/apperr"
	"github.com/ComUnity/insight-service/internal/models"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/batch.json
var batchSchema []byte

// SchemaValidator validates decoded batch bodies.
type SchemaValidator struct {
	schema *jsonschema.Schema
}

// NewSchemaValidator compiles the embedded batch schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true
	if err := compiler.AddResource("batch.json", bytes.NewReader(batchSchema)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := compiler.Compile("batch.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &SchemaValidator{schema: schema}, nil
}

// Validate checks a value produced by signing.Decode.
func (v *SchemaValidator) Validate(value any) error {
	if err := v.schema.Validate(value); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			leaf := deepest(ve)
			return &apperr.ValidationError{
				Reason: "schema",
				Field:  leaf.InstanceLocation,
				Detail: leaf.Message,
			}
		}
		return &apperr.ValidationError{Reason: "schema", Detail: err.Error()}
	}
	return nil
}

// Batch validates value and decodes body into a models.Batch.
func (v *SchemaValidator) Batch(body []byte, value any) (models.Batch, error) {
	var b models.Batch
	if err := v.Validate(value); err != nil {
		return b, err
	}
	if err := json.Unmarshal(body, &b); err != nil {
		return b, &apperr.ValidationError{Reason: "malformed_body", Detail: err.Error()}
	}
	return b, nil
}

// deepest follows the first cause chain to the most specific failure.
func deepest(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}
