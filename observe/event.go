package observe

import "time"

type Kind string

type Status string

const (
	KindRun     Kind = "run"
	KindEngine  Kind = "engine"
	KindTool    Kind = "tool"
	KindSession Kind = "session"
	KindState   Kind = "state"
	KindQueue   Kind = "queue"
	KindCustom  Kind = "custom"
)

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Event struct {
	Timestamp    time.Time      `json:"timestamp"`
	RunID        string         `json:"runId,omitempty"`
	SessionID    string         `json:"sessionId,omitempty"`
	LeadID       string         `json:"leadId,omitempty"`
	SpanID       string         `json:"spanId,omitempty"`
	ParentSpanID string         `json:"parentSpanId,omitempty"`
	Kind         Kind           `json:"kind"`
	Status       Status         `json:"status,omitempty"`
	Name         string         `json:"name,omitempty"`
	Engine       string         `json:"engine,omitempty"`
	ToolName     string         `json:"toolName,omitempty"`
	Message      string         `json:"message,omitempty"`
	Error        string         `json:"error,omitempty"`
	DurationMs   int64          `json:"durationMs,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Kind == "" {
		e.Kind = KindCustom
	}
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}
}
