// Package jsonschema wraps github.com/xeipuuv/gojsonschema for the two
// schema-validation points the spec names: step.presentationSchema (§4.7,
// §4.9) and verifyPresentationResultSchema (§4.4).
package jsonschema

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/trustfabric/exchange-engine/internal/xerr"
)

// Validator validates arbitrary JSON documents against compiled schemas,
// caching compiled schemas by their raw source bytes.
type Validator struct {
	mu     sync.Mutex
	cache  map[string]*gojsonschema.Schema
}

// NewValidator constructs an empty Validator.
func NewValidator() *Validator {
	return &Validator{cache: make(map[string]*gojsonschema.Schema)}
}

func (v *Validator) schemaFor(raw []byte) (*gojsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := string(raw)
	if s, ok := v.cache[key]; ok {
		return s, nil
	}
	loader := gojsonschema.NewBytesLoader(raw)
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, fmt.Errorf("jsonschema: compile schema: %w", err)
	}
	v.cache[key] = schema
	return schema, nil
}

// Validate checks document against the schema described by rawSchema.
// On validation failure it returns a *xerr.Error of kind DataError
// carrying each failed assertion under Details["errors"].
func (v *Validator) Validate(rawSchema []byte, document interface{}) error {
	schema, err := v.schemaFor(rawSchema)
	if err != nil {
		return xerr.Wrap(xerr.DataError, "invalid schema", err)
	}

	data, err := json.Marshal(document)
	if err != nil {
		return xerr.Wrap(xerr.DataError, "marshal document for validation", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return xerr.Wrap(xerr.DataError, "schema validation failed", err)
	}
	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		details = append(details, e.String())
	}
	return xerr.New(xerr.DataError, "document does not conform to schema").WithDetails(map[string]interface{}{
		"errors": details,
	})
}
