package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/deangilmoreremix/contactsfeature-sub000/types"
)

var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrInvalidArguments = errors.New("invalid arguments")
)

type entry struct {
	tool   Tool
	def    types.ToolDefinition
	schema *gojsonschema.Schema
}

// Registry maps tool names to capabilities. It is an explicit value so each
// orchestrator owns its catalog.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]entry{}}
}

func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool is required")
	}
	def := tool.Definition()
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	schema, err := compileSchema(def.JSONSchema)
	if err != nil {
		return fmt.Errorf("tool %q: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[def.Name]; exists {
		return fmt.Errorf("tool %q already registered", def.Name)
	}
	r.entries[def.Name] = entry{tool: tool, def: def, schema: schema}
	return nil
}

func (r *Registry) MustRegister(tools ...Tool) {
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.tool, ok
}

// Validate checks args against the tool's parameter schema.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownTool, name)
	}
	return validateArgs(e.schema, args)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Definitions returns the advertised tool specs sorted by name.
func (r *Registry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ToolDefinition, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
