package openai

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/deangilmoreremix/contactsfeature-sub000/types"
)

// AssistantRef resolves the assistant id runs are created against. With a
// fixed id it never calls out; otherwise the first caller creates the
// assistant and later callers reuse it. A failed create is retried on the
// next call.
type AssistantRef struct {
	mu     sync.Mutex
	id     string
	create func(context.Context) (string, error)
}

func NewAssistantRef(id string, create func(context.Context) (string, error)) *AssistantRef {
	return &AssistantRef{id: id, create: create}
}

func (r *AssistantRef) ID(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.id != "" || r.create == nil {
		return r.id, nil
	}
	id, err := r.create(ctx)
	if err != nil {
		return "", err
	}
	r.id = id
	return id, nil
}

type threadObject struct {
	ID string `json:"id"`
}

type assistantObject struct {
	ID string `json:"id"`
}

type functionTool struct {
	Type     string         `json:"type"`
	Function functionSchema `json:"function"`
}

type functionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type runCreateRequest struct {
	AssistantID            string            `json:"assistant_id"`
	Instructions           string            `json:"instructions,omitempty"`
	AdditionalInstructions string            `json:"additional_instructions,omitempty"`
	Tools                  []functionTool    `json:"tools,omitempty"`
	Metadata               map[string]string `json:"metadata,omitempty"`
}

type submitRequest struct {
	ToolOutputs []toolOutput `json:"tool_outputs"`
}

type toolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

type runObject struct {
	ID             string `json:"id"`
	ThreadID       string `json:"thread_id"`
	Status         string `json:"status"`
	CreatedAt      int64  `json:"created_at"`
	RequiredAction *struct {
		Type              string `json:"type"`
		SubmitToolOutputs struct {
			ToolCalls []toolCall `json:"tool_calls"`
		} `json:"submit_tool_outputs"`
	} `json:"required_action"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error"`
	IncompleteDetails *struct {
		Reason string `json:"reason"`
	} `json:"incomplete_details"`
}

type toolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func (r runObject) toRun() types.Run {
	run := types.Run{
		ID:        r.ID,
		SessionID: r.ThreadID,
		Status:    types.RunStatus(r.Status),
	}
	if r.CreatedAt > 0 {
		run.CreatedAt = time.Unix(r.CreatedAt, 0).UTC()
	}
	if r.RequiredAction != nil {
		for _, call := range r.RequiredAction.SubmitToolOutputs.ToolCalls {
			run.PendingInvocations = append(run.PendingInvocations, types.ToolInvocation{
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: normalizeJSONArgs(call.Function.Arguments),
			})
		}
	}
	switch {
	case r.LastError != nil && r.LastError.Message != "":
		run.LastError = r.LastError.Message
	case r.LastError != nil && r.LastError.Code != "":
		run.LastError = r.LastError.Code
	case r.IncompleteDetails != nil && r.IncompleteDetails.Reason != "":
		run.LastError = r.IncompleteDetails.Reason
	}
	return run
}

type messageList struct {
	Data    []messageObject `json:"data"`
	HasMore bool            `json:"has_more"`
}

type messageObject struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	CreatedAt int64  `json:"created_at"`
	Content   []struct {
		Type string `json:"type"`
		Text *struct {
			Value string `json:"value"`
		} `json:"text"`
	} `json:"content"`
}

func (m messageObject) toMessage() types.Message {
	var parts []string
	for _, c := range m.Content {
		if c.Type == "text" && c.Text != nil {
			parts = append(parts, c.Text.Value)
		}
	}
	msg := types.Message{ID: m.ID, Role: types.Role(m.Role), Content: strings.Join(parts, "\n")}
	if m.CreatedAt > 0 {
		msg.CreatedAt = time.Unix(m.CreatedAt, 0).UTC()
	}
	return msg
}

func toFunctionTools(defs []types.ToolDefinition) []functionTool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]functionTool, 0, len(defs))
	for _, def := range defs {
		params := def.JSONSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, functionTool{
			Type:     "function",
			Function: functionSchema{Name: def.Name, Description: def.Description, Parameters: params},
		})
	}
	return out
}

// normalizeJSONArgs keeps malformed arguments as a JSON string so the
// dispatcher can report the decode error to the assistant.
func normalizeJSONArgs(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(trimmed)
	return quoted
}
