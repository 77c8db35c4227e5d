package api

import (
	"embed"
	"fmt"
	"sort"

	"github.com/kaptinlin/jsonschema"

	"github.com/sehee-xx/EatDa-sub001/internal/reconcile"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// CallbackSchema checks the raw shape of worker callbacks before they are
// decoded.
type CallbackSchema struct {
	schema *jsonschema.Schema
}

// LoadCallbackSchema compiles the embedded callback schema.
func LoadCallbackSchema() (*CallbackSchema, error) {
	data, err := schemaFS.ReadFile("schemas/callback.schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to read callback schema: %w", err)
	}
	schema, err := jsonschema.NewCompiler().Compile(data)
	if err != nil {
		return nil, fmt.Errorf("failed to compile callback schema: %w", err)
	}
	return &CallbackSchema{schema: schema}, nil
}

// Validate returns one FieldError per schema violation, sorted by field.
func (s *CallbackSchema) Validate(body map[string]interface{}) []reconcile.FieldError {
	result := s.schema.Validate(body)
	if result.IsValid() {
		return nil
	}
	fields := make([]reconcile.FieldError, 0, len(result.Errors))
	for field, evalErr := range result.Errors {
		fields = append(fields, reconcile.FieldError{Field: field, Message: evalErr.Error()})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })
	return fields
}
