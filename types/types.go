package types

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a session's history as reported by the engine.
type Message struct {
	ID        string    `json:"id,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	JSONSchema  map[string]any `json:"jsonSchema,omitempty"`
}

// ToolInvocation is one pending call inside a requires_action run.
type ToolInvocation struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult answers exactly one ToolInvocation. Output is the JSON document
// submitted back to the engine and always carries a "success" field.
type ToolResult struct {
	InvocationID string          `json:"invocationId"`
	Name         string          `json:"name,omitempty"`
	Success      bool            `json:"success"`
	Error        string          `json:"error,omitempty"`
	Output       json.RawMessage `json:"output"`
	DurationMs   int64           `json:"durationMs,omitempty"`
}
