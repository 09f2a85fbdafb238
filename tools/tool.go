package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/deangilmoreremix/contactsfeature-sub000/types"
)

// Tool is one named capability the engine may invoke.
type Tool interface {
	Definition() types.ToolDefinition
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

type FuncTool struct {
	def types.ToolDefinition
	fn  func(ctx context.Context, args json.RawMessage) (any, error)
}

func NewFuncTool(name, description string, schema map[string]any, fn func(ctx context.Context, args json.RawMessage) (any, error)) *FuncTool {
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return &FuncTool{
		def: types.ToolDefinition{
			Name:        name,
			Description: description,
			JSONSchema:  schema,
		},
		fn: fn,
	}
}

// NewTypedTool builds a tool whose parameter schema is reflected from T and
// whose arguments are decoded into T before fn runs.
func NewTypedTool[T any](name, description string, fn func(ctx context.Context, args T) (any, error)) *FuncTool {
	return NewFuncTool(name, description, SchemaFor[T](), func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args T
		if err := DecodeArgs(raw, &args); err != nil {
			return nil, err
		}
		return fn(ctx, args)
	})
}

func (t *FuncTool) Definition() types.ToolDefinition {
	return t.def
}

func (t *FuncTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	if t.fn == nil {
		return nil, fmt.Errorf("tool %q has no execute function", t.def.Name)
	}
	return t.fn(ctx, args)
}

// DecodeArgs unmarshals tool arguments, treating an empty payload as {}.
func DecodeArgs(raw json.RawMessage, dst any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}
