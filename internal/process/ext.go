package process

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// extSchemaDoc constrains the shape of Descriptor.Ext: it must stay a flat
// map of scalar/array directive values, since task.ext.* lazy expressions
// are resolved by simple attribute lookup against a frozen context
// snapshot, never by traversing arbitrarily deep structures.
const extSchemaDoc = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": {
    "anyOf": [
      {"type": "string"},
      {"type": "number"},
      {"type": "boolean"},
      {"type": "array", "items": {"type": ["string", "number", "boolean"]}}
    ]
  }
}`

var (
	extSchemaOnce sync.Once
	extSchema     *jsonschema.Schema
	extSchemaErr  error
)

func compiledExtSchema() (*jsonschema.Schema, error) {
	extSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("ext.json", bytes.NewReader([]byte(extSchemaDoc))); err != nil {
			extSchemaErr = err
			return
		}
		extSchema, extSchemaErr = c.Compile("ext.json")
	})
	return extSchema, extSchemaErr
}

// validateExt checks a process's ext directive map against extSchemaDoc.
// A nil map is always valid (no ext directives declared).
func validateExt(ext map[string]any) error {
	if len(ext) == 0 {
		return nil
	}

	schema, err := compiledExtSchema()
	if err != nil {
		return fmt.Errorf("ext: compile schema: %w", err)
	}

	// jsonschema validates decoded-JSON shapes; round-trip through
	// encoding/json so numeric types match what the schema expects.
	raw, err := json.Marshal(ext)
	if err != nil {
		return fmt.Errorf("ext: marshal: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("ext: unmarshal: %w", err)
	}

	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("ext: invalid directive map: %w", err)
	}
	return nil
}
