// Package orchestrator runs the SDR autopilot for one lead at a time: it binds
// the lead to a long-lived engine session, drives runs to completion while
// answering tool calls, and keeps the campaign state that gates new runs.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/deangilmoreremix/contactsfeature-sub000/engine"
	"github.com/deangilmoreremix/contactsfeature-sub000/state"
	"github.com/deangilmoreremix/contactsfeature-sub000/tools"
	"github.com/deangilmoreremix/contactsfeature-sub000/types"
)

// ErrInvalidRequest marks caller mistakes such as an empty lead id.
var ErrInvalidRequest = errors.New("orchestrator: invalid request")

// ResumeGoalPrefix starts the goal of every continuation run.
const ResumeGoalPrefix = "continue campaign based on: "

type Orchestrator struct {
	engine       engine.Engine
	store        state.Store
	registry     *tools.Registry
	resolver     *SessionResolver
	driver       *Driver
	locker       Locker
	agentType    string
	instructions string
	logger       *slog.Logger
}

func New(eng engine.Engine, store state.Store, registry *tools.Registry, opts ...Option) (*Orchestrator, error) {
	if eng == nil {
		return nil, errors.New("engine is required")
	}
	if store == nil {
		return nil, errors.New("state store is required")
	}
	if registry == nil {
		return nil, errors.New("tool registry is required")
	}
	s := buildSettings(opts)
	if s.runs == nil {
		s.runs = store
	}
	if s.locker == nil {
		s.locker = NewLocalLocker()
	}

	dispatcher := tools.NewDispatcher(registry,
		tools.WithToolTimeout(s.toolTimeout),
		tools.WithConcurrency(s.toolConcurrency),
		tools.WithObserver(s.observer),
		tools.WithLogger(s.logger),
	)
	return &Orchestrator{
		engine:       eng,
		store:        store,
		registry:     registry,
		resolver:     newSessionResolver(eng, store, s),
		driver:       newDriver(eng, dispatcher, s),
		locker:       s.locker,
		agentType:    s.agentType,
		instructions: s.instructions,
		logger:       s.logger,
	}, nil
}

func (o *Orchestrator) AgentType() string          { return o.agentType }
func (o *Orchestrator) Resolver() *SessionResolver { return o.resolver }
func (o *Orchestrator) Driver() *Driver            { return o.driver }
func (o *Orchestrator) Registry() *tools.Registry  { return o.registry }

// Start opens (or reuses) the lead's session and runs the assistant toward
// goal. It never returns an error: failures are reported in the outcome.
func (o *Orchestrator) Start(ctx context.Context, leadID, goal string) types.Outcome {
	leadID, goal = strings.TrimSpace(leadID), strings.TrimSpace(goal)
	if leadID == "" {
		return o.invalid(leadID, "lead id is required")
	}
	if goal == "" {
		return o.invalid(leadID, "goal is required")
	}
	return o.run(ctx, leadID, func(ctx context.Context, sessionID string) (RunRequest, error) {
		return RunRequest{SessionID: sessionID, LeadID: leadID, Goal: goal, Instructions: o.instructions}, nil
	})
}

// Resume feeds an inbound reply from the lead into its session and runs the
// assistant to continue the campaign. A lead without a session gets one.
func (o *Orchestrator) Resume(ctx context.Context, leadID, inboundText string) types.Outcome {
	leadID, inboundText = strings.TrimSpace(leadID), strings.TrimSpace(inboundText)
	if leadID == "" {
		return o.invalid(leadID, "lead id is required")
	}
	if inboundText == "" {
		return o.invalid(leadID, "inbound text is required")
	}
	appended := false
	out := o.run(ctx, leadID, func(ctx context.Context, sessionID string) (RunRequest, error) {
		if err := o.engine.AppendMessage(ctx, sessionID, types.Message{Role: types.RoleUser, Content: inboundText}); err != nil {
			return RunRequest{}, fmt.Errorf("append inbound message: %w", err)
		}
		appended = true
		return RunRequest{
			SessionID:    sessionID,
			LeadID:       leadID,
			Goal:         ResumeGoalPrefix + inboundText,
			Instructions: o.instructions,
			Metadata:     map[string]string{"trigger": "inbound_reply"},
		}, nil
	})
	// The reply is already in the session; a replay would append it twice.
	if appended && !out.Completed {
		out.Committed = true
	}
	return out
}

func (o *Orchestrator) run(ctx context.Context, leadID string, prepare func(ctx context.Context, sessionID string) (RunRequest, error)) (out types.Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.ErrorContext(ctx, "autopilot run panicked", slog.String("lead_id", leadID), slog.Any("panic", rec))
			out = types.Failure(types.OutcomeTerminal, fmt.Errorf("autopilot run panicked: %v", rec))
			out.LeadID = leadID
		}
	}()

	callerCtx := ctx
	ctx, unlock, err := o.locker.Lock(ctx, leadID)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			return o.failure(leadID, types.OutcomeBusy, fmt.Errorf("lead %s: %w", leadID, err))
		}
		return o.failure(leadID, types.OutcomeTransient, err)
	}
	defer unlock()
	defer func() {
		if !out.Completed && callerCtx.Err() == nil && errors.Is(context.Cause(ctx), ErrLeaseLost) {
			out.Kind = types.OutcomeBusy
			out.Error = fmt.Sprintf("lead %s: %v: %s", leadID, ErrLeaseLost, out.Error)
		}
	}()

	rec, err := o.store.LoadAutopilot(ctx, leadID, o.agentType)
	if err != nil {
		return o.failure(leadID, types.OutcomeTransient, fmt.Errorf("load campaign state: %w", err))
	}
	if rec != nil && rec.Status.Blocks() {
		return o.failure(leadID, types.OutcomeBlocked, fmt.Errorf("campaign for lead %s is %s", leadID, rec.Status))
	}

	sessionID, err := o.resolver.Resolve(ctx, leadID)
	if err != nil {
		return o.failure(leadID, types.OutcomeTransient, err)
	}
	req, err := prepare(ctx, sessionID)
	if err != nil {
		out := o.failure(leadID, types.OutcomeTransient, err)
		out.SessionID = sessionID
		return out
	}

	out, err = o.driver.RunOnce(ctx, req)
	if err != nil {
		o.logger.WarnContext(ctx, "autopilot run failed",
			slog.String("lead_id", leadID),
			slog.String("session_id", sessionID),
			slog.String("run_id", out.RunID),
			slog.Any("error", err))
		return out
	}
	o.logger.InfoContext(ctx, "autopilot run finished",
		slog.String("lead_id", leadID),
		slog.String("session_id", sessionID),
		slog.String("run_id", out.RunID),
		slog.String("kind", string(out.Kind)),
		slog.Int("polls", out.Polls),
		slog.Int("tool_calls", out.ToolCalls))
	return out
}

func (o *Orchestrator) failure(leadID string, kind types.OutcomeKind, err error) types.Outcome {
	out := types.Failure(kind, err)
	out.LeadID = leadID
	return out
}

func (o *Orchestrator) invalid(leadID, msg string) types.Outcome {
	return o.failure(leadID, types.OutcomeValidation, fmt.Errorf("%w: %s", ErrInvalidRequest, msg))
}

// Pause stops new runs for the lead until SetStatus(active).
func (o *Orchestrator) Pause(ctx context.Context, leadID string) error {
	return o.SetStatus(ctx, leadID, state.AutopilotPaused)
}

func (o *Orchestrator) Stop(ctx context.Context, leadID string) error {
	return o.SetStatus(ctx, leadID, state.AutopilotStopped)
}

func (o *Orchestrator) SetStatus(ctx context.Context, leadID string, status state.AutopilotStatus) error {
	if strings.TrimSpace(leadID) == "" {
		return fmt.Errorf("%w: lead id is required", ErrInvalidRequest)
	}
	if status == "" {
		status = state.AutopilotActive
	}
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", state.ErrInvalidPayload, status)
	}
	return o.store.SetAutopilotStatus(ctx, leadID, o.agentType, status)
}

// Save upserts the campaign state. An empty status means active.
func (o *Orchestrator) Save(ctx context.Context, leadID string, payload json.RawMessage, status state.AutopilotStatus) error {
	if strings.TrimSpace(leadID) == "" {
		return fmt.Errorf("%w: lead id is required", ErrInvalidRequest)
	}
	return o.store.SaveAutopilot(ctx, state.AutopilotRecord{
		LeadID:    leadID,
		AgentType: o.agentType,
		State:     payload,
		Status:    status,
	})
}

// Load returns nil, nil when the lead has no campaign state.
func (o *Orchestrator) Load(ctx context.Context, leadID string) (*state.AutopilotRecord, error) {
	return o.store.LoadAutopilot(ctx, leadID, o.agentType)
}

// Status is the campaign state together with the session binding, when one
// exists.
type Status struct {
	LeadID    string                 `json:"leadId"`
	AgentType string                 `json:"agentType"`
	SessionID string                 `json:"sessionId,omitempty"`
	Campaign  *state.AutopilotRecord `json:"campaign,omitempty"`
}

func (o *Orchestrator) Status(ctx context.Context, leadID string) (Status, error) {
	out := Status{LeadID: leadID, AgentType: o.agentType}
	rec, err := o.Load(ctx, leadID)
	if err != nil {
		return Status{}, err
	}
	out.Campaign = rec
	sessionID, err := o.resolver.ResolveExisting(ctx, leadID)
	switch {
	case err == nil:
		out.SessionID = sessionID
	case errors.Is(err, state.ErrNotFound), errors.Is(err, state.ErrSessionPending):
	default:
		return Status{}, err
	}
	return out, nil
}

// Runs lists the lead's run history, newest first.
func (o *Orchestrator) Runs(ctx context.Context, leadID string, limit int) ([]state.RunRecord, error) {
	return o.store.ListRuns(ctx, state.ListRunsQuery{LeadID: leadID, Limit: limit})
}
