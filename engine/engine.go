// Package engine defines the contract the orchestrator needs from a remote
// reasoning engine: durable sessions, runs with a status machine, tool-output
// submission and ordered message listing.
package engine

import (
	"context"
	"errors"

	"github.com/deangilmoreremix/contactsfeature-sub000/types"
)

var ErrNotSupported = errors.New("operation not supported by engine")

type RunRequest struct {
	SessionID    string
	Instructions string
	Goal         string
	Tools        []types.ToolDefinition
	Metadata     map[string]string
}

type Engine interface {
	Name() string
	CreateSession(ctx context.Context) (string, error)
	AppendMessage(ctx context.Context, sessionID string, msg types.Message) error
	CreateRun(ctx context.Context, req RunRequest) (types.Run, error)
	GetRun(ctx context.Context, sessionID, runID string) (types.Run, error)
	SubmitToolOutputs(ctx context.Context, sessionID, runID string, results []types.ToolResult) (types.Run, error)
	CancelRun(ctx context.Context, sessionID, runID string) (types.Run, error)
	// ListMessages returns the session history oldest first.
	ListMessages(ctx context.Context, sessionID string) ([]types.Message, error)
}

// LatestAssistantText returns the content of the newest assistant message.
func LatestAssistantText(messages []types.Message) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.RoleAssistant && messages[i].Content != "" {
			return messages[i].Content, true
		}
	}
	return "", false
}
