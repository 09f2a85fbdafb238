package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"
)

// SchemaFor reflects a JSON schema for T's exported fields. Fields without
// omitempty are required; descriptions come from jsonschema_description tags.
func SchemaFor[T any]() map[string]any {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		Anonymous:                 true,
		AllowAdditionalProperties: true,
	}
	var zero T
	raw, err := json.Marshal(r.Reflect(&zero))
	if err != nil {
		panic(fmt.Sprintf("tools: reflect schema for %T: %v", zero, err))
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("tools: decode schema for %T: %v", zero, err))
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}

func compileSchema(schema map[string]any) (*gojsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("compile tool schema: %w", err)
	}
	return compiled, nil
}

func validateArgs(schema *gojsonschema.Schema, args json.RawMessage) error {
	if schema == nil {
		return nil
	}
	args = bytes.TrimSpace(args)
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}
	if !json.Valid(args) {
		return fmt.Errorf("%w: arguments are not valid JSON", ErrInvalidArguments)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalidArguments, strings.Join(problems, "; "))
}
