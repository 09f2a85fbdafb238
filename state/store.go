// Package state persists what the autopilot needs across runs and restarts:
// the lead-to-session bindings, the per-lead campaign state and the run
// history.
package state

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("state: not found")
	ErrConflict       = errors.New("state: conflict")
	ErrInvalidPayload = errors.New("state: invalid autopilot payload")
	// ErrSessionPending means another caller holds a fresh reservation for
	// the same lead. It is transient.
	ErrSessionPending = errors.New("state: session creation in progress")
)

// DefaultPendingTTL is how long a session reservation blocks other callers
// before it may be taken over.
const DefaultPendingTTL = 2 * time.Minute

type ListRunsQuery struct {
	LeadID    string
	SessionID string
	Status    string
	Limit     int
	Offset    int
}

// SessionStore maps (lead, agent type) to a remote conversation session.
//
// Creation is two-phase: ReserveSession writes a pending row carrying a
// fresh token before the remote session exists, ConfirmSession attaches the
// remote id. At most one binding exists per key.
type SessionStore interface {
	GetSession(ctx context.Context, leadID, agentType string) (SessionBinding, error)
	// ReserveSession returns the active binding when there is one. Otherwise
	// it returns a pending binding owned by the caller. A pending binding
	// younger than pendingTTL held by someone else yields ErrSessionPending.
	ReserveSession(ctx context.Context, leadID, agentType string, pendingTTL time.Duration) (SessionBinding, error)
	// ConfirmSession activates the reservation identified by token. A token
	// that no longer owns the row yields ErrConflict.
	ConfirmSession(ctx context.Context, leadID, agentType, token, sessionID string) (SessionBinding, error)
	ReleaseReservation(ctx context.Context, leadID, agentType, token string) error
}

type AutopilotStore interface {
	// SaveAutopilot upserts the record. Last write wins.
	SaveAutopilot(ctx context.Context, rec AutopilotRecord) error
	// LoadAutopilot returns nil, nil when nothing was saved for the key.
	LoadAutopilot(ctx context.Context, leadID, agentType string) (*AutopilotRecord, error)
	SetAutopilotStatus(ctx context.Context, leadID, agentType string, status AutopilotStatus) error
}

type RunStore interface {
	SaveRun(ctx context.Context, run RunRecord) error
	LoadRun(ctx context.Context, runID string) (RunRecord, error)
	ListRuns(ctx context.Context, query ListRunsQuery) ([]RunRecord, error)
}

type Store interface {
	SessionStore
	AutopilotStore
	RunStore
	Close() error
}
