package types

import "time"

type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCancelling     RunStatus = "cancelling"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunExpired        RunStatus = "expired"
	RunCancelled      RunStatus = "cancelled"
	RunIncomplete     RunStatus = "incomplete"
)

// Terminal reports whether no further polling or submission is valid.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunExpired, RunCancelled, RunIncomplete:
		return true
	default:
		return false
	}
}

// Settled reports whether the poll loop should stop and act on the run.
func (s RunStatus) Settled() bool {
	return s == RunRequiresAction || s.Terminal()
}

type Run struct {
	ID                 string           `json:"id"`
	SessionID          string           `json:"sessionId"`
	Status             RunStatus        `json:"status"`
	PendingInvocations []ToolInvocation `json:"pendingInvocations,omitempty"`
	LastError          string           `json:"lastError,omitempty"`
	CreatedAt          time.Time        `json:"createdAt,omitempty"`
}

type OutcomeKind string

const (
	OutcomeCompleted  OutcomeKind = "completed"
	OutcomeValidation OutcomeKind = "validation"
	OutcomeTransient  OutcomeKind = "transient"
	OutcomeTerminal   OutcomeKind = "terminal"
	OutcomeTimeout    OutcomeKind = "timeout"
	OutcomeCancelled  OutcomeKind = "cancelled"
	OutcomeBlocked    OutcomeKind = "blocked"
	OutcomeBusy       OutcomeKind = "busy"
	OutcomeProtocol   OutcomeKind = "protocol"
)

// Outcome is what start and resume hand back to callers. Failures are values,
// never panics: Completed is false and Kind says whether a retry makes sense.
type Outcome struct {
	Completed   bool        `json:"completed"`
	Output      string      `json:"output,omitempty"`
	Error       string      `json:"error,omitempty"`
	Kind        OutcomeKind `json:"kind"`
	LeadID      string      `json:"leadId,omitempty"`
	SessionID   string      `json:"sessionId,omitempty"`
	RunID       string      `json:"runId,omitempty"`
	Status      RunStatus   `json:"status,omitempty"`
	Polls       int         `json:"polls"`
	ToolCalls   int         `json:"toolCalls"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	// Committed marks a failure that happened after the session was changed
	// (an inbound reply appended or a run created). Replaying the same
	// request would repeat those changes.
	Committed bool `json:"committed,omitempty"`

	Err error `json:"-"`
}

func Failure(kind OutcomeKind, err error) Outcome {
	out := Outcome{Kind: kind, Err: err}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

// Retryable reports whether the caller may reasonably try the same step again.
// Committed failures never are.
func (o Outcome) Retryable() bool {
	if o.Committed {
		return false
	}
	switch o.Kind {
	case OutcomeTransient, OutcomeBusy, OutcomeTimeout:
		return true
	default:
		return false
	}
}
