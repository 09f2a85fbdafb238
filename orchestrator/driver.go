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
	"github.com/deangilmoreremix/contactsfeature-sub000/tools"
	"github.com/deangilmoreremix/contactsfeature-sub000/types"
)

const cancelTimeout = 10 * time.Second

// RunRequest is one unit of work for the driver.
type RunRequest struct {
	SessionID    string
	LeadID       string
	Goal         string
	Instructions string
	Metadata     map[string]string
}

// Driver creates a remote run, polls it, answers tool calls and reports the
// terminal result.
type Driver struct {
	engine       engine.Engine
	dispatcher   *tools.Dispatcher
	runs         state.RunStore
	agentType    string
	pollInterval time.Duration
	maxPolls     int
	logger       *slog.Logger
	observer     observe.Sink
	now          func() time.Time
}

func NewDriver(eng engine.Engine, dispatcher *tools.Dispatcher, opts ...Option) (*Driver, error) {
	if eng == nil {
		return nil, errors.New("engine is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	return newDriver(eng, dispatcher, buildSettings(opts)), nil
}

func newDriver(eng engine.Engine, dispatcher *tools.Dispatcher, s settings) *Driver {
	return &Driver{
		engine:       eng,
		dispatcher:   dispatcher,
		runs:         s.runs,
		agentType:    s.agentType,
		pollInterval: s.pollInterval,
		maxPolls:     s.maxPolls,
		logger:       s.logger,
		observer:     s.observer,
		now:          s.now,
	}
}

func (d *Driver) PollInterval() time.Duration { return d.pollInterval }

// MaxPolls returns the poll bound; zero means unbounded.
func (d *Driver) MaxPolls() int { return d.maxPolls }

// runTracker carries the per-run bookkeeping shared by the outcome and the
// persisted run record.
type runTracker struct {
	req       RunRequest
	run       types.Run
	polls     int
	toolCalls int
	startedAt time.Time
}

// RunOnce drives one run to a terminal state. Engine transport failures are
// returned as errors together with a transient outcome; every other failure
// is reported only through the outcome.
func (d *Driver) RunOnce(ctx context.Context, req RunRequest) (types.Outcome, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return d.invalid(req, "session id is required"), nil
	}
	if strings.TrimSpace(req.Goal) == "" {
		return d.invalid(req, "goal is required"), nil
	}

	meta := map[string]string{}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	if req.LeadID != "" {
		meta["lead_id"] = req.LeadID
	}
	if d.agentType != "" {
		meta["agent_type"] = d.agentType
	}

	tr := &runTracker{req: req, startedAt: d.now()}
	run, err := d.engine.CreateRun(ctx, engine.RunRequest{
		SessionID:    req.SessionID,
		Instructions: req.Instructions,
		Goal:         req.Goal,
		Tools:        d.dispatcher.Registry().Definitions(),
		Metadata:     meta,
	})
	if err != nil {
		err = fmt.Errorf("create run: %w", err)
		return d.outcome(tr, types.Failure(types.OutcomeTransient, err)), err
	}
	tr.run = run
	d.record(ctx, tr, "", "")
	d.emit(ctx, tr, types.Event{Type: types.EventRunStarted, Status: run.Status, Message: "run started"})

	toolCtx := tools.WithScope(ctx, tools.Scope{
		LeadID:    req.LeadID,
		AgentType: d.agentType,
		SessionID: req.SessionID,
		RunID:     run.ID,
	})

	for {
		if d.maxPolls > 0 && tr.polls >= d.maxPolls {
			d.cancelRemote(ctx, tr)
			return d.fail(ctx, tr, types.OutcomeTimeout, fmt.Errorf("run %s did not finish within %d polls", tr.run.ID, d.maxPolls)), nil
		}
		if err := d.wait(ctx); err != nil {
			d.cancelRemote(ctx, tr)
			return d.fail(ctx, tr, types.OutcomeCancelled, fmt.Errorf("run %s abandoned: %w", tr.run.ID, err)), nil
		}

		current, err := d.engine.GetRun(ctx, req.SessionID, tr.run.ID)
		tr.polls++
		if err != nil {
			if ctx.Err() != nil {
				d.cancelRemote(ctx, tr)
				return d.fail(ctx, tr, types.OutcomeCancelled, fmt.Errorf("run %s abandoned: %w", tr.run.ID, ctx.Err())), nil
			}
			err = fmt.Errorf("get run %s: %w", tr.run.ID, err)
			return d.fail(ctx, tr, types.OutcomeTransient, err), err
		}
		tr.run = current
		d.emit(ctx, tr, types.Event{Type: types.EventRunPolled, Poll: tr.polls, Status: current.Status})

		switch {
		case current.Status == types.RunRequiresAction:
			if len(current.PendingInvocations) == 0 {
				d.cancelRemote(ctx, tr)
				return d.fail(ctx, tr, types.OutcomeProtocol, fmt.Errorf("run %s requires action but lists no tool calls", current.ID)), nil
			}
			d.emit(ctx, tr, types.Event{
				Type:    types.EventRunRequiresAction,
				Poll:    tr.polls,
				Status:  current.Status,
				Message: fmt.Sprintf("%d tool calls", len(current.PendingInvocations)),
			})
			results := d.dispatcher.DispatchAll(toolCtx, current.PendingInvocations)
			tr.toolCalls += len(results)
			if ctx.Err() != nil {
				d.cancelRemote(ctx, tr)
				return d.fail(ctx, tr, types.OutcomeCancelled, fmt.Errorf("run %s abandoned: %w", tr.run.ID, ctx.Err())), nil
			}
			next, err := d.engine.SubmitToolOutputs(ctx, req.SessionID, current.ID, results)
			if err != nil {
				err = fmt.Errorf("submit tool outputs for run %s: %w", current.ID, err)
				return d.fail(ctx, tr, types.OutcomeTransient, err), err
			}
			if next.Status != "" {
				tr.run.Status = next.Status
			}
			d.emit(ctx, tr, types.Event{Type: types.EventOutputsSubmitted, Status: tr.run.Status, Message: fmt.Sprintf("%d tool outputs", len(results))})
			d.record(ctx, tr, "", "")

		case current.Status == types.RunCompleted:
			messages, err := d.engine.ListMessages(ctx, req.SessionID)
			if err != nil {
				err = fmt.Errorf("list messages for session %s: %w", req.SessionID, err)
				return d.fail(ctx, tr, types.OutcomeTransient, err), err
			}
			output, _ := engine.LatestAssistantText(messages)
			return d.complete(ctx, tr, output), nil

		case current.Status.Terminal():
			reason := current.LastError
			if reason == "" {
				reason = "no reason given"
			}
			return d.fail(ctx, tr, types.OutcomeTerminal, fmt.Errorf("run %s %s: %s", current.ID, current.Status, reason)), nil
		}
	}
}

func (d *Driver) wait(ctx context.Context) error {
	timer := time.NewTimer(d.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// cancelRemote asks the engine to stop a run that is being abandoned. It is
// best effort and runs even when ctx is already done.
func (d *Driver) cancelRemote(ctx context.Context, tr *runTracker) {
	if tr.run.ID == "" || tr.run.Status.Terminal() {
		return
	}
	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	run, err := d.engine.CancelRun(cancelCtx, tr.req.SessionID, tr.run.ID)
	if err != nil {
		d.logger.WarnContext(ctx, "failed to cancel remote run",
			slog.String("run_id", tr.run.ID),
			slog.String("session_id", tr.req.SessionID),
			slog.Any("error", err))
		return
	}
	if run.Status != "" {
		tr.run.Status = run.Status
	}
}

func (d *Driver) complete(ctx context.Context, tr *runTracker, output string) types.Outcome {
	out := d.outcome(tr, types.Outcome{Completed: true, Kind: types.OutcomeCompleted, Output: output})
	d.record(ctx, tr, output, "")
	d.emit(ctx, tr, types.Event{Type: types.EventRunCompleted, Poll: tr.polls, Status: tr.run.Status, Message: "run completed"})
	return out
}

func (d *Driver) fail(ctx context.Context, tr *runTracker, kind types.OutcomeKind, err error) types.Outcome {
	out := d.outcome(tr, types.Failure(kind, err))
	d.record(ctx, tr, "", out.Error)
	d.emit(ctx, tr, types.Event{Type: types.EventRunFailed, Poll: tr.polls, Status: tr.run.Status, Error: out.Error, Message: string(kind)})
	return out
}

func (d *Driver) invalid(req RunRequest, msg string) types.Outcome {
	out := types.Failure(types.OutcomeValidation, fmt.Errorf("%w: %s", ErrInvalidRequest, msg))
	out.LeadID = req.LeadID
	out.SessionID = req.SessionID
	return out
}

func (d *Driver) outcome(tr *runTracker, out types.Outcome) types.Outcome {
	out.LeadID = tr.req.LeadID
	out.SessionID = tr.req.SessionID
	out.RunID = tr.run.ID
	out.Status = tr.run.Status
	out.Polls = tr.polls
	out.ToolCalls = tr.toolCalls
	out.Committed = !out.Completed && tr.run.ID != ""
	started := tr.startedAt
	out.StartedAt = &started
	finished := d.now()
	out.CompletedAt = &finished
	return out
}

// record persists the run history row. History is advisory: a write failure
// is logged and the run continues.
func (d *Driver) record(ctx context.Context, tr *runTracker, output, errText string) {
	if d.runs == nil || tr.run.ID == "" {
		return
	}
	now := d.now()
	started := tr.startedAt
	rec := state.RunRecord{
		RunID:     tr.run.ID,
		SessionID: tr.req.SessionID,
		LeadID:    tr.req.LeadID,
		AgentType: d.agentType,
		Engine:    d.engine.Name(),
		Goal:      tr.req.Goal,
		Status:    string(tr.run.Status),
		Output:    output,
		Error:     errText,
		Polls:     tr.polls,
		ToolCalls: tr.toolCalls,
		Metadata:  tr.req.Metadata,
		CreatedAt: &started,
		UpdatedAt: &now,
	}
	if tr.run.Status.Terminal() || errText != "" {
		rec.CompletedAt = &now
	}
	if err := d.runs.SaveRun(context.WithoutCancel(ctx), rec); err != nil {
		d.logger.WarnContext(ctx, "failed to record run",
			slog.String("run_id", tr.run.ID),
			slog.Any("error", err))
	}
}

func (d *Driver) emit(ctx context.Context, tr *runTracker, event types.Event) {
	if d.observer == nil {
		return
	}
	event.Timestamp = d.now()
	event.RunID = tr.run.ID
	event.SessionID = tr.req.SessionID
	event.LeadID = tr.req.LeadID
	event.Engine = d.engine.Name()
	_ = d.observer.Emit(ctx, observe.FromRuntimeEvent(event))
}
