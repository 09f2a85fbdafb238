// Package enginetest provides a deterministic in-memory engine whose run status
// sequences are scripted by the test.
package enginetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deangilmoreremix/contactsfeature-sub000/engine"
	"github.com/deangilmoreremix/contactsfeature-sub000/types"
)

// Step is one status reported by GetRun.
type Step struct {
	Status      types.RunStatus
	Invocations []types.ToolInvocation
	// Reply is appended to the session as an assistant message when the step
	// is reached.
	Reply string
	// Reason is reported as the run's last error.
	Reason string
	// Err is returned by GetRun instead of a run.
	Err error
}

type Submission struct {
	SessionID string
	RunID     string
	Results   []types.ToolResult
}

type runState struct {
	run      types.Run
	script   []Step
	next     int
	applied  int
	awaiting bool
	polls    int
}

// Engine consumes one script per CreateRun call. Once a script is exhausted
// its last step keeps being reported. A requires_action step is reported
// until outputs are submitted.
type Engine struct {
	mu       sync.Mutex
	scripts  [][]Step
	created  int
	seq      int
	sessions map[string][]types.Message
	runs     map[string]*runState

	CreateSessionErr error
	CreateRunErr     error
	SubmitErr        error
	ListErr          error

	SessionCalls int
	Requests     []engine.RunRequest
	Submissions  []Submission
	Cancelled    []string
}

func New(scripts ...[]Step) *Engine {
	return &Engine{
		scripts:  scripts,
		sessions: map[string][]types.Message{},
		runs:     map[string]*runState{},
	}
}

func (e *Engine) Name() string { return "scripted" }

func (e *Engine) CreateSession(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.SessionCalls++
	if e.CreateSessionErr != nil {
		return "", e.CreateSessionErr
	}
	id := e.nextID("thread")
	e.sessions[id] = nil
	return id, nil
}

func (e *Engine) AppendMessage(ctx context.Context, sessionID string, msg types.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sessions[sessionID]; !ok {
		return fmt.Errorf("scripted engine: session %q not found", sessionID)
	}
	if msg.ID == "" {
		msg.ID = e.nextID("msg")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	e.sessions[sessionID] = append(e.sessions[sessionID], msg)
	return nil
}

func (e *Engine) CreateRun(ctx context.Context, req engine.RunRequest) (types.Run, error) {
	if err := ctx.Err(); err != nil {
		return types.Run{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.CreateRunErr != nil {
		return types.Run{}, e.CreateRunErr
	}
	if _, ok := e.sessions[req.SessionID]; !ok {
		return types.Run{}, fmt.Errorf("scripted engine: session %q not found", req.SessionID)
	}
	e.Requests = append(e.Requests, req)

	var script []Step
	switch {
	case e.created < len(e.scripts):
		script = e.scripts[e.created]
	case len(e.scripts) > 0:
		script = e.scripts[len(e.scripts)-1]
	default:
		script = []Step{{Status: types.RunCompleted}}
	}
	e.created++

	run := types.Run{
		ID:        e.nextID("run"),
		SessionID: req.SessionID,
		Status:    types.RunQueued,
		CreatedAt: time.Now().UTC(),
	}
	e.runs[run.ID] = &runState{run: run, script: script, applied: -1}
	return run, nil
}

func (e *Engine) GetRun(ctx context.Context, sessionID, runID string) (types.Run, error) {
	if err := ctx.Err(); err != nil {
		return types.Run{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, err := e.lookup(sessionID, runID)
	if err != nil {
		return types.Run{}, err
	}
	rs.polls++
	if rs.awaiting || rs.run.Status.Terminal() || len(rs.script) == 0 {
		return rs.run, nil
	}

	idx := rs.next
	if idx >= len(rs.script) {
		idx = len(rs.script) - 1
	} else {
		rs.next++
	}
	step := rs.script[idx]
	if step.Err != nil {
		return types.Run{}, step.Err
	}

	rs.run.Status = step.Status
	rs.run.LastError = step.Reason
	rs.run.PendingInvocations = nil
	if step.Status == types.RunRequiresAction {
		rs.run.PendingInvocations = append([]types.ToolInvocation(nil), step.Invocations...)
		rs.awaiting = true
	}
	if step.Reply != "" && idx != rs.applied {
		e.sessions[sessionID] = append(e.sessions[sessionID], types.Message{
			ID:        e.nextID("msg"),
			Role:      types.RoleAssistant,
			Content:   step.Reply,
			CreatedAt: time.Now().UTC(),
		})
	}
	rs.applied = idx
	return rs.run, nil
}

func (e *Engine) SubmitToolOutputs(ctx context.Context, sessionID, runID string, results []types.ToolResult) (types.Run, error) {
	if err := ctx.Err(); err != nil {
		return types.Run{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.SubmitErr != nil {
		return types.Run{}, e.SubmitErr
	}
	rs, err := e.lookup(sessionID, runID)
	if err != nil {
		return types.Run{}, err
	}
	if !rs.awaiting {
		return types.Run{}, fmt.Errorf("scripted engine: run %q is not awaiting tool outputs", runID)
	}
	pending := make(map[string]bool, len(rs.run.PendingInvocations))
	for _, inv := range rs.run.PendingInvocations {
		pending[inv.ID] = true
	}
	for _, res := range results {
		if !pending[res.InvocationID] {
			return types.Run{}, fmt.Errorf("scripted engine: unexpected tool output for %q", res.InvocationID)
		}
		delete(pending, res.InvocationID)
	}
	if len(pending) > 0 {
		return types.Run{}, fmt.Errorf("scripted engine: %d tool outputs missing", len(pending))
	}

	e.Submissions = append(e.Submissions, Submission{
		SessionID: sessionID,
		RunID:     runID,
		Results:   append([]types.ToolResult(nil), results...),
	})
	rs.awaiting = false
	rs.run.Status = types.RunInProgress
	rs.run.PendingInvocations = nil
	return rs.run, nil
}

func (e *Engine) CancelRun(ctx context.Context, sessionID, runID string) (types.Run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, err := e.lookup(sessionID, runID)
	if err != nil {
		return types.Run{}, err
	}
	e.Cancelled = append(e.Cancelled, runID)
	if !rs.run.Status.Terminal() {
		rs.run.Status = types.RunCancelled
		rs.awaiting = false
	}
	return rs.run, nil
}

func (e *Engine) ListMessages(ctx context.Context, sessionID string) ([]types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ListErr != nil {
		return nil, e.ListErr
	}
	msgs, ok := e.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("scripted engine: session %q not found", sessionID)
	}
	return append([]types.Message(nil), msgs...), nil
}

// Polls reports how many times GetRun was called for the run.
func (e *Engine) Polls(runID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rs, ok := e.runs[runID]; ok {
		return rs.polls
	}
	return 0
}

// Messages returns a copy of the session history.
func (e *Engine) Messages(sessionID string) []types.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.Message(nil), e.sessions[sessionID]...)
}

// Sessions reports how many sessions exist.
func (e *Engine) Sessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func (e *Engine) lookup(sessionID, runID string) (*runState, error) {
	rs, ok := e.runs[runID]
	if !ok || rs.run.SessionID != sessionID {
		return nil, fmt.Errorf("scripted engine: run %q not found in session %q", runID, sessionID)
	}
	return rs, nil
}

func (e *Engine) nextID(prefix string) string {
	e.seq++
	return fmt.Sprintf("%s_%d", prefix, e.seq)
}

var _ engine.Engine = (*Engine)(nil)
