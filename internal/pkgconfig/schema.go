// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pkgconfig

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// SchemaID is the $id of the generated manifest schema.
const SchemaID = "https://holomush.dev/schemas/package.schema.json"

var (
	schemaOnce sync.Once
	schema     *jschema.Schema
	schemaErr  error
)

// GenerateSchema generates a JSON Schema from the Manifest struct.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
	}
	s := r.Reflect(&Manifest{})
	s.ID = jsonschema.ID(SchemaID)
	s.Title = "Package Reload Manifest"
	s.Description = "Schema for package.yaml files"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, oops.In("pkgconfig").Hint("failed to marshal schema").Wrap(err)
	}
	return data, nil
}

// ValidateSchema validates YAML data against the manifest JSON Schema.
func ValidateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return oops.In("pkgconfig").Code("INVALID_MANIFEST").Hint("invalid YAML").Wrap(err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	if err := sch.Validate(toJSON(doc)); err != nil {
		return oops.In("pkgconfig").Code("INVALID_MANIFEST").Hint("schema validation failed").Wrap(err)
	}
	return nil
}

func compiledSchema() (*jschema.Schema, error) {
	schemaOnce.Do(func() {
		raw, err := GenerateSchema()
		if err != nil {
			schemaErr = err
			return
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			schemaErr = oops.In("pkgconfig").Hint("failed to parse schema JSON").Wrap(err)
			return
		}
		c := jschema.NewCompiler()
		if err := c.AddResource("package.schema.json", doc); err != nil {
			schemaErr = oops.In("pkgconfig").Hint("failed to add schema resource").Wrap(err)
			return
		}
		schema, schemaErr = c.Compile("package.schema.json")
	})
	return schema, schemaErr
}

// toJSON converts YAML-decoded values into the types the validator expects.
func toJSON(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = toJSON(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = toJSON(v)
		}
		return out
	case string, bool, int, int64, float64, nil:
		return val
	default:
		if b, err := json.Marshal(val); err == nil {
			var out any
			if err := json.Unmarshal(b, &out); err == nil {
				return out
			}
		}
		return val
	}
}

// FormatSchemaError trims the validator's prefix for display.
func FormatSchemaError(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimPrefix(err.Error(), "schema validation failed: ")
}
