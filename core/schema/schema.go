// Package schema wraps JSON Schema compilation and validation for step
// input/output checking. Compiled schemas are cached in an LRU keyed by the
// schema text, so hot steps validate without recompiling.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema is an author-supplied JSON Schema document attached to a step.
type Schema struct {
	raw string
}

// Parse checks that raw is valid JSON and wraps it. Compilation is deferred
// to the validator so a bad schema surfaces on first use, not registration.
func Parse(raw string) (*Schema, error) {
	var probe any
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return nil, fmt.Errorf("parse schema JSON: %w", err)
	}
	return &Schema{raw: raw}, nil
}

// MustParse is Parse for package-level schema literals; it panics on error.
func MustParse(raw string) *Schema {
	s, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return s
}

// Raw returns the schema text.
func (s *Schema) Raw() string {
	return s.raw
}

// Doc returns the schema as a decoded JSON document for introspection.
func (s *Schema) Doc() (any, error) {
	var doc any
	if err := json.Unmarshal([]byte(s.raw), &doc); err != nil {
		return nil, fmt.Errorf("decode schema JSON: %w", err)
	}
	return doc, nil
}

// Validator validates values against schemas with LRU caching of compiled
// schemas.
type Validator struct {
	cache *lru.Cache[string, *jsonschema.Schema]
}

// NewValidator creates a validator with an LRU cache for compiled schemas.
func NewValidator(cacheSize int) (*Validator, error) {
	cache, err := lru.New[string, *jsonschema.Schema](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create schema cache: %w", err)
	}
	return &Validator{cache: cache}, nil
}

// Validate checks value against s. The returned error names the offending
// field path.
func (v *Validator) Validate(s *Schema, value any) error {
	compiled, found := v.cache.Get(s.raw)
	if !found {
		var err error
		compiled, err = compileSchema(s.raw)
		if err != nil {
			return fmt.Errorf("compile schema: %w", err)
		}
		v.cache.Add(s.raw, compiled)
	}

	if err := compiled.Validate(value); err != nil {
		return fmt.Errorf("%s", formatValidationError(err))
	}
	return nil
}

// compileSchema compiles a JSON schema string into a schema object
func compileSchema(raw string) (*jsonschema.Schema, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema JSON: %w", err)
	}

	// Fresh compiler per schema to avoid resource-name collisions.
	compiler := jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft7)

	const schemaURL = "schema.json"
	if err := compiler.AddResource(schemaURL, parsed); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// formatValidationError renders a validation failure with its JSON path.
// Example: "validation failed at '$.email': does not match format 'email'"
func formatValidationError(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}

	// The failing leaf nests under Causes; the root node locates nothing.
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}

	var parts []string
	for _, part := range leaf.InstanceLocation {
		if part != "" {
			parts = append(parts, part)
		}
	}
	path := "$"
	if len(parts) > 0 {
		path = "$." + strings.Join(parts, ".")
	}

	msg := leaf.Error()
	if len(msg) > 200 {
		msg = msg[:200] + "... (truncated)"
	}

	return fmt.Sprintf("validation failed at '%s': %s", path, msg)
}
