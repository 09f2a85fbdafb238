package types

import "time"

type EventType string

const (
	EventRunStarted        EventType = "run.started"
	EventRunPolled         EventType = "run.polled"
	EventRunRequiresAction EventType = "run.requires_action"
	EventOutputsSubmitted  EventType = "run.outputs_submitted"
	EventBeforeTool        EventType = "run.before_tool"
	EventAfterTool         EventType = "run.after_tool"
	EventRunCompleted      EventType = "run.completed"
	EventRunFailed         EventType = "run.failed"
	EventSessionCreated    EventType = "session.created"
	EventSessionReused     EventType = "session.reused"
	EventAutopilotSaved    EventType = "autopilot.saved"
)

type Event struct {
	Type         EventType `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	RunID        string    `json:"runId,omitempty"`
	SessionID    string    `json:"sessionId,omitempty"`
	LeadID       string    `json:"leadId,omitempty"`
	Engine       string    `json:"engine,omitempty"`
	Poll         int       `json:"poll,omitempty"`
	ToolName     string    `json:"toolName,omitempty"`
	InvocationID string    `json:"invocationId,omitempty"`
	Status       RunStatus `json:"status,omitempty"`
	Message      string    `json:"message,omitempty"`
	Error        string    `json:"error,omitempty"`
	DurationMs   int64     `json:"durationMs,omitempty"`
}
