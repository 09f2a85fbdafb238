package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionActive  SessionStatus = "active"
)

type SessionBinding struct {
	LeadID    string        `json:"leadId"`
	AgentType string        `json:"agentType"`
	SessionID string        `json:"sessionId,omitempty"`
	Status    SessionStatus `json:"status"`
	Token     string        `json:"token,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

func (b SessionBinding) Active() bool {
	return b.Status == SessionActive && b.SessionID != ""
}

// Stale reports whether a pending reservation may be taken over.
func (b SessionBinding) Stale(now time.Time, ttl time.Duration) bool {
	if b.Status != SessionPending {
		return false
	}
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return now.Sub(b.UpdatedAt) >= ttl
}

type AutopilotStatus string

const (
	AutopilotActive    AutopilotStatus = "active"
	AutopilotPaused    AutopilotStatus = "paused"
	AutopilotStopped   AutopilotStatus = "stopped"
	AutopilotCompleted AutopilotStatus = "completed"
)

func (s AutopilotStatus) Valid() bool {
	switch s {
	case AutopilotActive, AutopilotPaused, AutopilotStopped, AutopilotCompleted:
		return true
	}
	return false
}

// Blocks reports whether new runs must not start for a campaign in s.
func (s AutopilotStatus) Blocks() bool {
	return s == AutopilotPaused || s == AutopilotStopped
}

func ParseAutopilotStatus(raw string) (AutopilotStatus, error) {
	s := AutopilotStatus(strings.ToLower(strings.TrimSpace(raw)))
	if s == "" {
		return AutopilotActive, nil
	}
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidPayload, raw)
	}
	return s, nil
}

// AutopilotRecord is the resumable campaign state for one lead. State is
// opaque to the orchestrator but must be a JSON object.
type AutopilotRecord struct {
	LeadID    string          `json:"leadId"`
	AgentType string          `json:"agentType"`
	State     json.RawMessage `json:"state"`
	Status    AutopilotStatus `json:"status"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// ValidatePayload accepts only a JSON object.
func ValidatePayload(raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	if trimmed[0] != '{' {
		return fmt.Errorf("%w: expected a JSON object", ErrInvalidPayload)
	}
	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// Normalize validates rec and fills defaults before a write.
func (rec *AutopilotRecord) Normalize() error {
	if strings.TrimSpace(rec.LeadID) == "" || strings.TrimSpace(rec.AgentType) == "" {
		return fmt.Errorf("%w: lead_id and agent_type are required", ErrInvalidPayload)
	}
	if err := ValidatePayload(rec.State); err != nil {
		return err
	}
	if rec.Status == "" {
		rec.Status = AutopilotActive
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidPayload, rec.Status)
	}
	rec.State = json.RawMessage(bytes.TrimSpace(rec.State))
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// RunRecord is one driver invocation, kept for auditing.
type RunRecord struct {
	RunID       string            `json:"runId"`
	SessionID   string            `json:"sessionId"`
	LeadID      string            `json:"leadId"`
	AgentType   string            `json:"agentType,omitempty"`
	Engine      string            `json:"engine,omitempty"`
	Goal        string            `json:"goal,omitempty"`
	Status      string            `json:"status"`
	Output      string            `json:"output,omitempty"`
	Error       string            `json:"error,omitempty"`
	Polls       int               `json:"polls"`
	ToolCalls   int               `json:"toolCalls"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   *time.Time        `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time        `json:"updatedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

// Normalize checks identity fields and fills timestamps.
func (run *RunRecord) Normalize() error {
	if run.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	if run.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	now := time.Now().UTC()
	if run.CreatedAt == nil {
		run.CreatedAt = &now
	}
	if run.UpdatedAt == nil {
		run.UpdatedAt = &now
	}
	if run.Status == "" {
		run.Status = "queued"
	}
	if run.Metadata == nil {
		run.Metadata = map[string]string{}
	}
	return nil
}
