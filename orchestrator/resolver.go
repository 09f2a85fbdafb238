package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/deangilmoreremix/contactsfeature-sub000/engine"
	"github.com/deangilmoreremix/contactsfeature-sub000/observe"
	"github.com/deangilmoreremix/contactsfeature-sub000/state"
	"github.com/deangilmoreremix/contactsfeature-sub000/types"
)

const releaseTimeout = 5 * time.Second

// SessionResolver maps a lead to its long-lived remote session, creating the
// session on first use.
type SessionResolver struct {
	engine     engine.Engine
	sessions   state.SessionStore
	agentType  string
	pendingTTL time.Duration
	logger     *slog.Logger
	observer   observe.Sink
	now        func() time.Time
}

func NewSessionResolver(eng engine.Engine, sessions state.SessionStore, opts ...Option) (*SessionResolver, error) {
	if eng == nil {
		return nil, errors.New("engine is required")
	}
	if sessions == nil {
		return nil, errors.New("session store is required")
	}
	s := buildSettings(opts)
	return newSessionResolver(eng, sessions, s), nil
}

func newSessionResolver(eng engine.Engine, sessions state.SessionStore, s settings) *SessionResolver {
	return &SessionResolver{
		engine:     eng,
		sessions:   sessions,
		agentType:  s.agentType,
		pendingTTL: s.pendingTTL,
		logger:     s.logger,
		observer:   s.observer,
		now:        s.now,
	}
}

func (r *SessionResolver) AgentType() string { return r.agentType }

func (r *SessionResolver) PendingTTL() time.Duration { return r.pendingTTL }

// Resolve returns the lead's session id. Repeated calls return the same id.
// While another caller is creating the session it fails with
// state.ErrSessionPending.
func (r *SessionResolver) Resolve(ctx context.Context, leadID string) (string, error) {
	if strings.TrimSpace(leadID) == "" {
		return "", fmt.Errorf("%w: lead id is required", ErrInvalidRequest)
	}
	binding, err := r.sessions.ReserveSession(ctx, leadID, r.agentType, r.pendingTTL)
	if err != nil {
		return "", fmt.Errorf("reserve session for lead %s: %w", leadID, err)
	}
	if binding.Active() {
		r.emit(ctx, types.Event{Type: types.EventSessionReused, LeadID: leadID, SessionID: binding.SessionID})
		return binding.SessionID, nil
	}

	sessionID, err := r.engine.CreateSession(ctx)
	if err != nil {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if relErr := r.sessions.ReleaseReservation(releaseCtx, leadID, r.agentType, binding.Token); relErr != nil {
			r.logger.WarnContext(ctx, "failed to release session reservation",
				slog.String("lead_id", leadID),
				slog.Any("error", relErr))
		}
		return "", fmt.Errorf("create remote session: %w", err)
	}

	if _, err := r.sessions.ConfirmSession(ctx, leadID, r.agentType, binding.Token, sessionID); err != nil {
		r.logger.WarnContext(ctx, "remote session orphaned",
			slog.String("lead_id", leadID),
			slog.String("agent_type", r.agentType),
			slog.String("session_id", sessionID),
			slog.Any("error", err))
		return "", fmt.Errorf("confirm session for lead %s: %w", leadID, err)
	}
	r.emit(ctx, types.Event{Type: types.EventSessionCreated, LeadID: leadID, SessionID: sessionID, Engine: r.engine.Name()})
	return sessionID, nil
}

// ResolveExisting never creates a session. It returns state.ErrNotFound when
// the lead has no active binding.
func (r *SessionResolver) ResolveExisting(ctx context.Context, leadID string) (string, error) {
	binding, err := r.sessions.GetSession(ctx, leadID, r.agentType)
	if err != nil {
		return "", err
	}
	if !binding.Active() {
		if binding.Stale(r.now(), r.pendingTTL) {
			return "", state.ErrNotFound
		}
		return "", state.ErrSessionPending
	}
	return binding.SessionID, nil
}

func (r *SessionResolver) emit(ctx context.Context, event types.Event) {
	if r.observer == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now()
	}
	_ = r.observer.Emit(ctx, observe.FromRuntimeEvent(event))
}
