package tools

import (
	"bytes"
	"encoding/json"
	"fmt"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ReflectSchema reflects the JSON schema document from an argument
// struct. The same document is compiled for validation and declared to
// providers.
func ReflectSchema(args any) (json.RawMessage, error) {
	reflector := invopop.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	raw, err := json.Marshal(reflector.Reflect(args))
	if err != nil {
		return nil, fmt.Errorf("marshal reflected schema: %w", err)
	}
	return raw, nil
}

// MustReflectSchema is ReflectSchema for static tool declarations.
func MustReflectSchema(args any) json.RawMessage {
	raw, err := ReflectSchema(args)
	if err != nil {
		panic(fmt.Sprintf("tools: reflect schema: %v", err))
	}
	return raw
}

// CompileSchema reflects a JSON schema from an argument struct and
// compiles it for validation. Declared struct fields become required
// properties; additional properties are rejected.
func CompileSchema(args any) (*jsonschema.Schema, error) {
	raw, err := ReflectSchema(args)
	if err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// MustCompileSchema is CompileSchema for static tool declarations.
func MustCompileSchema(args any) *jsonschema.Schema {
	schema, err := CompileSchema(args)
	if err != nil {
		panic(fmt.Sprintf("tools: compile schema: %v", err))
	}
	return schema
}

// validateArgs round-trips the argument map through JSON so numeric
// types match what the validator expects, then applies the schema.
func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	return schema.Validate(decoded)
}
