package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/deangilmoreremix/contactsfeature-sub000/channels"
	"github.com/deangilmoreremix/contactsfeature-sub000/engine/enginetest"
	"github.com/deangilmoreremix/contactsfeature-sub000/guardrail"
	"github.com/deangilmoreremix/contactsfeature-sub000/leads"
	"github.com/deangilmoreremix/contactsfeature-sub000/state"
	"github.com/deangilmoreremix/contactsfeature-sub000/state/memory"
	"github.com/deangilmoreremix/contactsfeature-sub000/tools"
	"github.com/deangilmoreremix/contactsfeature-sub000/tools/sdr"
	"github.com/deangilmoreremix/contactsfeature-sub000/types"
)

type harness struct {
	engine   *enginetest.Engine
	store    *memory.Store
	leads    *leads.MemoryStore
	recorder *channels.Recorder
	orch     *Orchestrator
}

func newHarness(t *testing.T, eng *enginetest.Engine, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		engine: eng,
		store:  memory.New(),
		leads: leads.NewMemoryStore(leads.Lead{
			ID:        "lead-42",
			FirstName: "Grace",
			Email:     "grace@example.test",
			Company:   "Hopper Labs",
		}),
		recorder: channels.NewRecorder(),
	}
	reg, err := sdr.NewRegistry(sdr.Deps{
		Leads:      h.leads,
		Mailer:     h.recorder,
		Scheduler:  h.recorder,
		Autopilot:  h.store,
		Guardrails: guardrail.DefaultOutbound(),
		AgentType:  DefaultAgentType,
	})
	if err != nil {
		t.Fatalf("sdr.NewRegistry failed: %v", err)
	}
	opts = append([]Option{WithPollInterval(time.Millisecond), WithInstructions("be brief")}, opts...)
	h.orch, err = New(eng, h.store, reg, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return h
}

func invocation(id, name, args string) types.ToolInvocation {
	return types.ToolInvocation{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func TestStart_EndToEnd(t *testing.T) {
	eng := enginetest.New([]enginetest.Step{
		{Status: types.RunInProgress},
		{Status: types.RunRequiresAction, Invocations: []types.ToolInvocation{
			invocation("call_1", sdr.ToolGetLeadContext, `{"lead_id":"lead-42"}`),
			invocation("call_2", sdr.ToolSendMessage, `{"lead_id":"lead-42","channel":"email","subject":"Hello","body":"Hi Grace, quick intro."}`),
		}},
		{Status: types.RunInProgress},
		{Status: types.RunRequiresAction, Invocations: []types.ToolInvocation{
			invocation("call_3", sdr.ToolPersistState, `{"lead_id":"lead-42","state":{"touches":1}}`),
		}},
		{Status: types.RunCompleted, Reply: "Sent an intro email to Grace."},
	})
	h := newHarness(t, eng)

	out := h.orch.Start(context.Background(), "lead-42", "book a discovery call")
	if !out.Completed || out.Kind != types.OutcomeCompleted {
		t.Fatalf("expected completed outcome, got %+v", out)
	}
	if out.Output != "Sent an intro email to Grace." {
		t.Fatalf("unexpected output %q", out.Output)
	}
	if out.ToolCalls != 3 || out.Polls != 5 {
		t.Fatalf("unexpected counters: polls=%d tool_calls=%d", out.Polls, out.ToolCalls)
	}

	if len(eng.Submissions) != 2 {
		t.Fatalf("expected 2 submissions, got %d", len(eng.Submissions))
	}
	first := eng.Submissions[0].Results
	if len(first) != 2 || first[0].InvocationID != "call_1" || first[1].InvocationID != "call_2" {
		t.Fatalf("unexpected first batch: %+v", first)
	}
	for _, res := range first {
		if !res.Success {
			t.Fatalf("tool %s failed: %s", res.Name, res.Output)
		}
	}
	if sent := h.recorder.Sent(); len(sent) != 1 || sent[0].To != "grace@example.test" {
		t.Fatalf("unexpected sent messages: %+v", sent)
	}

	req := eng.Requests[0]
	if req.Goal != "book a discovery call" || req.Instructions != "be brief" || len(req.Tools) != 6 {
		t.Fatalf("unexpected run request: %+v", req)
	}
	if req.Metadata["lead_id"] != "lead-42" {
		t.Fatalf("expected lead metadata, got %v", req.Metadata)
	}

	rec, err := h.orch.Load(context.Background(), "lead-42")
	if err != nil || rec == nil || string(rec.State) != `{"touches":1}` {
		t.Fatalf("expected persisted campaign state, got %+v err=%v", rec, err)
	}

	runs, err := h.orch.Runs(context.Background(), "lead-42", 10)
	if err != nil {
		t.Fatalf("Runs failed: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != string(types.RunCompleted) || runs[0].ToolCalls != 3 || runs[0].CompletedAt == nil {
		t.Fatalf("unexpected run history: %+v", runs)
	}
}

func TestStart_ReusesSession(t *testing.T) {
	eng := enginetest.New([]enginetest.Step{{Status: types.RunCompleted, Reply: "done"}})
	h := newHarness(t, eng)

	first := h.orch.Start(context.Background(), "lead-42", "first touch")
	second := h.orch.Start(context.Background(), "lead-42", "second touch")
	if !first.Completed || !second.Completed {
		t.Fatalf("expected both runs to complete: %+v %+v", first, second)
	}
	if first.SessionID == "" || first.SessionID != second.SessionID {
		t.Fatalf("expected one session, got %q and %q", first.SessionID, second.SessionID)
	}
	if eng.SessionCalls != 1 {
		t.Fatalf("expected a single remote session, got %d", eng.SessionCalls)
	}
}

func TestResolve_Idempotent(t *testing.T) {
	eng := enginetest.New()
	resolver, err := NewSessionResolver(eng, memory.New())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	a, err := resolver.Resolve(ctx, "lead-1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	b, err := resolver.Resolve(ctx, "lead-1")
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if a != b || eng.SessionCalls != 1 {
		t.Fatalf("expected idempotent resolve, got %q %q with %d remote calls", a, b, eng.SessionCalls)
	}
	existing, err := resolver.ResolveExisting(ctx, "lead-1")
	if err != nil || existing != a {
		t.Fatalf("ResolveExisting = %q, %v", existing, err)
	}
	if _, err := resolver.ResolveExisting(ctx, "lead-unknown"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolve_ConcurrentCallersShareOneSession(t *testing.T) {
	eng := enginetest.New()
	resolver, err := NewSessionResolver(eng, memory.New())
	if err != nil {
		t.Fatal(err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[string]int{}
		pending int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := resolver.Resolve(context.Background(), "lead-1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ids[id]++
			case errors.Is(err, state.ErrSessionPending):
				pending++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if len(ids) != 1 || eng.SessionCalls != 1 {
		t.Fatalf("expected exactly one remote session, got ids=%v remote=%d pending=%d", ids, eng.SessionCalls, pending)
	}
}

func TestResolve_CreateFailureReleasesReservation(t *testing.T) {
	eng := enginetest.New()
	eng.CreateSessionErr = errors.New("engine down")
	store := memory.New()
	resolver, err := NewSessionResolver(eng, store)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := resolver.Resolve(context.Background(), "lead-1"); err == nil || !strings.Contains(err.Error(), "engine down") {
		t.Fatalf("expected create error, got %v", err)
	}
	if _, err := store.GetSession(context.Background(), "lead-1", DefaultAgentType); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("reservation should have been released, got %v", err)
	}

	eng.CreateSessionErr = nil
	if _, err := resolver.Resolve(context.Background(), "lead-1"); err != nil {
		t.Fatalf("retry should succeed immediately: %v", err)
	}
}

func TestResume_CreatesSessionWhenAbsent(t *testing.T) {
	eng := enginetest.New([]enginetest.Step{{Status: types.RunCompleted, Reply: "Replied to Grace."}})
	h := newHarness(t, eng)

	out := h.orch.Resume(context.Background(), "lead-42", "Sounds good, Tuesday works")
	if !out.Completed || out.Output != "Replied to Grace." {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if eng.SessionCalls != 1 {
		t.Fatalf("expected resume to create a session, got %d calls", eng.SessionCalls)
	}
	msgs := eng.Messages(out.SessionID)
	if len(msgs) < 1 || msgs[0].Role != types.RoleUser || msgs[0].Content != "Sounds good, Tuesday works" {
		t.Fatalf("expected inbound user message first, got %+v", msgs)
	}
	if got := eng.Requests[0].Goal; got != ResumeGoalPrefix+"Sounds good, Tuesday works" {
		t.Fatalf("unexpected resume goal %q", got)
	}
}

func TestStart_SendMessageWithoutChannelUsesEmail(t *testing.T) {
	eng := enginetest.New([]enginetest.Step{
		{Status: types.RunRequiresAction, Invocations: []types.ToolInvocation{
			invocation("call_1", sdr.ToolSendMessage, `{"lead_id":"lead-42","body":"hi"}`),
		}},
		{Status: types.RunCompleted, Reply: "Said hi."},
	})
	h := newHarness(t, eng)

	out := h.orch.Start(context.Background(), "lead-42", "say hello")
	if !out.Completed {
		t.Fatalf("expected completed outcome, got %+v", out)
	}
	res := eng.Submissions[0].Results
	if len(res) != 1 || !res[0].Success {
		t.Fatalf("expected send_message to succeed, got %+v", res)
	}
	sent := h.recorder.Sent()
	if len(sent) != 1 || sent[0].Channel != leads.ChannelEmail || sent[0].To != "grace@example.test" || sent[0].Body != "hi" {
		t.Fatalf("unexpected sent messages: %+v", sent)
	}
}

func TestResume_FailureAfterAppendIsNotReplayable(t *testing.T) {
	eng := enginetest.New([]enginetest.Step{{Status: types.RunCompleted, Reply: "ok"}})
	eng.CreateRunErr = errors.New("503 service unavailable")
	h := newHarness(t, eng)

	out := h.orch.Resume(context.Background(), "lead-42", "Tuesday works")
	if out.Completed || out.Kind != types.OutcomeTransient {
		t.Fatalf("expected transient failure, got %+v", out)
	}
	if !out.Committed || out.Retryable() {
		t.Fatalf("a failure after the reply was appended must not be retryable: %+v", out)
	}
	users := 0
	for _, m := range eng.Messages(out.SessionID) {
		if m.Role == types.RoleUser {
			users++
		}
	}
	if users != 1 {
		t.Fatalf("expected the reply appended once, got %d user turns", users)
	}
}

func TestStart_FailureBeforeRunIsRetryable(t *testing.T) {
	eng := enginetest.New()
	eng.CreateRunErr = errors.New("429 too many requests")
	h := newHarness(t, eng)

	out := h.orch.Start(context.Background(), "lead-42", "first touch")
	if out.Committed || !out.Retryable() {
		t.Fatalf("nothing reached the session, expected a retryable outcome: %+v", out)
	}
}

func TestStart_BlockedWhenPausedOrStopped(t *testing.T) {
	for _, status := range []state.AutopilotStatus{state.AutopilotPaused, state.AutopilotStopped} {
		t.Run(string(status), func(t *testing.T) {
			eng := enginetest.New()
			h := newHarness(t, eng)
			if err := h.orch.SetStatus(context.Background(), "lead-42", status); err != nil {
				t.Fatalf("SetStatus failed: %v", err)
			}
			out := h.orch.Start(context.Background(), "lead-42", "follow up")
			if out.Completed || out.Kind != types.OutcomeBlocked {
				t.Fatalf("expected blocked outcome, got %+v", out)
			}
			if out = h.orch.Resume(context.Background(), "lead-42", "hello?"); out.Kind != types.OutcomeBlocked {
				t.Fatalf("expected blocked resume, got %+v", out)
			}
			if eng.SessionCalls != 0 || len(eng.Requests) != 0 {
				t.Fatal("blocked campaigns must not reach the engine")
			}
		})
	}
}

func TestStart_CompletedCampaignIsNotBlocked(t *testing.T) {
	h := newHarness(t, enginetest.New())
	if err := h.orch.Save(context.Background(), "lead-42", json.RawMessage(`{"done":true}`), state.AutopilotCompleted); err != nil {
		t.Fatal(err)
	}
	if out := h.orch.Start(context.Background(), "lead-42", "nurture"); !out.Completed {
		t.Fatalf("expected run to proceed, got %+v", out)
	}
}

func TestStart_BusyWhenLeadLocked(t *testing.T) {
	locker := NewLocalLocker()
	h := newHarness(t, enginetest.New(), WithLocker(locker))
	_, unlock, err := locker.Lock(context.Background(), "lead-42")
	if err != nil {
		t.Fatal(err)
	}
	out := h.orch.Start(context.Background(), "lead-42", "follow up")
	if out.Kind != types.OutcomeBusy || !out.Retryable() {
		t.Fatalf("expected busy outcome, got %+v", out)
	}
	unlock()
	if out := h.orch.Start(context.Background(), "lead-42", "follow up"); !out.Completed {
		t.Fatalf("expected run after unlock, got %+v", out)
	}
}

// expiringLocker grants every lock and reports it lost after a delay.
type expiringLocker struct {
	after time.Duration
}

func (l expiringLocker) Lock(ctx context.Context, _ string) (context.Context, func(), error) {
	lockCtx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(l.after, func() { cancel(ErrLeaseLost) })
	return lockCtx, func() {
		timer.Stop()
		cancel(nil)
	}, nil
}

func TestStart_StopsWhenLeadLockIsLost(t *testing.T) {
	eng := enginetest.New([]enginetest.Step{{Status: types.RunInProgress}})
	h := newHarness(t, eng, WithLocker(expiringLocker{after: 30 * time.Millisecond}), WithPollInterval(5*time.Millisecond))

	out := h.orch.Start(context.Background(), "lead-42", "follow up")
	if out.Completed || out.Kind != types.OutcomeBusy {
		t.Fatalf("expected busy outcome after losing the lock, got %+v", out)
	}
	if !strings.Contains(out.Error, "lead lock lost") {
		t.Fatalf("expected lock loss in error, got %q", out.Error)
	}
	if !out.Committed || out.Retryable() {
		t.Fatalf("a run was already created, replay must not be offered: %+v", out)
	}
	if diff := cmp.Diff([]string{out.RunID}, eng.Cancelled); diff != "" {
		t.Fatalf("expected the remote run to be cancelled (-want +got):\n%s", diff)
	}
}

func TestStart_Validation(t *testing.T) {
	h := newHarness(t, enginetest.New())
	tests := []struct {
		name        string
		lead, input string
		resume      bool
	}{
		{"empty lead", "", "goal", false},
		{"empty goal", "lead-42", "  ", false},
		{"empty inbound", "lead-42", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out types.Outcome
			if tt.resume {
				out = h.orch.Resume(context.Background(), tt.lead, tt.input)
			} else {
				out = h.orch.Start(context.Background(), tt.lead, tt.input)
			}
			if out.Kind != types.OutcomeValidation || !errors.Is(out.Err, ErrInvalidRequest) {
				t.Fatalf("expected validation outcome, got %+v", out)
			}
		})
	}
}

func TestStart_SessionCreationFailureIsTransient(t *testing.T) {
	eng := enginetest.New()
	eng.CreateSessionErr = errors.New("503 from engine")
	h := newHarness(t, eng)
	out := h.orch.Start(context.Background(), "lead-42", "follow up")
	if out.Kind != types.OutcomeTransient || !strings.Contains(out.Error, "503") {
		t.Fatalf("expected transient outcome, got %+v", out)
	}
}

func TestSaveLoadStatus(t *testing.T) {
	h := newHarness(t, enginetest.New())
	ctx := context.Background()

	rec, err := h.orch.Load(ctx, "lead-42")
	if err != nil || rec != nil {
		t.Fatalf("expected nil record for a fresh lead, got %+v %v", rec, err)
	}
	if err := h.orch.Save(ctx, "lead-42", json.RawMessage(`[1,2]`), ""); !errors.Is(err, state.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if err := h.orch.Save(ctx, "lead-42", json.RawMessage(`{"step":"intro"}`), ""); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := h.orch.Pause(ctx, "lead-42"); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	st, err := h.orch.Status(ctx, "lead-42")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Campaign == nil || st.Campaign.Status != state.AutopilotPaused || string(st.Campaign.State) != `{"step":"intro"}` {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.SessionID != "" {
		t.Fatalf("expected no session yet, got %q", st.SessionID)
	}
}

func newTestDriver(t *testing.T, eng *enginetest.Engine, reg *tools.Registry, opts ...Option) *Driver {
	t.Helper()
	if reg == nil {
		reg = tools.NewRegistry()
	}
	opts = append([]Option{WithPollInterval(time.Millisecond)}, opts...)
	d, err := NewDriver(eng, tools.NewDispatcher(reg), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func newSession(t *testing.T, eng *enginetest.Engine) string {
	t.Helper()
	id, err := eng.CreateSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestRunOnce_ExpiredStopsPolling(t *testing.T) {
	eng := enginetest.New([]enginetest.Step{
		{Status: types.RunInProgress},
		{Status: types.RunExpired, Reason: "run expired after 10 minutes"},
		{Status: types.RunCompleted},
	})
	d := newTestDriver(t, eng, nil)
	out, err := d.RunOnce(context.Background(), RunRequest{SessionID: newSession(t, eng), Goal: "g"})
	if err != nil {
		t.Fatalf("RunOnce returned transport error: %v", err)
	}
	if out.Completed || out.Kind != types.OutcomeTerminal || !strings.Contains(out.Error, "expired after 10 minutes") {
		t.Fatalf("expected terminal failure, got %+v", out)
	}
	if got := eng.Polls(out.RunID); got != 2 {
		t.Fatalf("expected no polls after expiry, got %d", got)
	}
	if len(eng.Cancelled) != 0 {
		t.Fatal("terminal runs must not be cancelled")
	}
}

func TestRunOnce_MaxPolls(t *testing.T) {
	eng := enginetest.New([]enginetest.Step{{Status: types.RunInProgress}})
	d := newTestDriver(t, eng, nil, WithMaxPolls(3))
	out, err := d.RunOnce(context.Background(), RunRequest{SessionID: newSession(t, eng), Goal: "g"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Kind != types.OutcomeTimeout || out.Polls != 3 {
		t.Fatalf("expected timeout after 3 polls, got %+v", out)
	}
	if diff := cmp.Diff([]string{out.RunID}, eng.Cancelled); diff != "" {
		t.Fatalf("expected remote cancel (-want +got):\n%s", diff)
	}
}

func TestRunOnce_ContextCancelled(t *testing.T) {
	eng := enginetest.New([]enginetest.Step{{Status: types.RunInProgress}})
	d := newTestDriver(t, eng, nil, WithPollInterval(5*time.Millisecond))
	sessionID := newSession(t, eng)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	out, err := d.RunOnce(ctx, RunRequest{SessionID: sessionID, Goal: "g"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Kind != types.OutcomeCancelled || len(eng.Cancelled) != 1 {
		t.Fatalf("expected cancelled outcome with remote cancel, got %+v cancelled=%v", out, eng.Cancelled)
	}
}

func TestRunOnce_EmptyRequiresActionIsProtocolError(t *testing.T) {
	eng := enginetest.New([]enginetest.Step{{Status: types.RunRequiresAction}})
	d := newTestDriver(t, eng, nil)
	out, err := d.RunOnce(context.Background(), RunRequest{SessionID: newSession(t, eng), Goal: "g"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Kind != types.OutcomeProtocol || len(eng.Submissions) != 0 {
		t.Fatalf("expected protocol failure, got %+v", out)
	}
}

func TestRunOnce_TransportErrors(t *testing.T) {
	t.Run("get run", func(t *testing.T) {
		eng := enginetest.New([]enginetest.Step{{Err: errors.New("connection reset")}})
		d := newTestDriver(t, eng, nil)
		out, err := d.RunOnce(context.Background(), RunRequest{SessionID: newSession(t, eng), Goal: "g"})
		if err == nil || out.Kind != types.OutcomeTransient {
			t.Fatalf("expected transport error, got %+v %v", out, err)
		}
		if !out.Committed || out.Retryable() {
			t.Fatalf("a failure after the run was created must not be retryable: %+v", out)
		}
	})
	t.Run("create run", func(t *testing.T) {
		eng := enginetest.New()
		eng.CreateRunErr = errors.New("429 too many requests")
		d := newTestDriver(t, eng, nil)
		out, err := d.RunOnce(context.Background(), RunRequest{SessionID: newSession(t, eng), Goal: "g"})
		if err == nil || out.Kind != types.OutcomeTransient || out.RunID != "" {
			t.Fatalf("expected create failure, got %+v %v", out, err)
		}
	})
	t.Run("list messages", func(t *testing.T) {
		eng := enginetest.New([]enginetest.Step{{Status: types.RunCompleted}})
		eng.ListErr = errors.New("timeout")
		d := newTestDriver(t, eng, nil)
		if _, err := d.RunOnce(context.Background(), RunRequest{SessionID: newSession(t, eng), Goal: "g"}); err == nil {
			t.Fatal("expected list error")
		}
	})
}

func TestRunOnce_CompletedOutputIsLatestAssistantMessage(t *testing.T) {
	eng := enginetest.New([]enginetest.Step{
		{Status: types.RunInProgress, Reply: "thinking"},
		{Status: types.RunCompleted, Reply: "final answer"},
	})
	d := newTestDriver(t, eng, nil)
	sessionID := newSession(t, eng)
	if err := eng.AppendMessage(context.Background(), sessionID, types.Message{Role: types.RoleUser, Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	out, err := d.RunOnce(context.Background(), RunRequest{SessionID: sessionID, Goal: "g"})
	if err != nil || out.Output != "final answer" {
		t.Fatalf("unexpected outcome %+v %v", out, err)
	}
}

func TestRunOnce_RecordsHistory(t *testing.T) {
	eng := enginetest.New([]enginetest.Step{{Status: types.RunFailed, Reason: "server_error"}})
	store := memory.New()
	d := newTestDriver(t, eng, nil, WithRunStore(store))
	out, _ := d.RunOnce(context.Background(), RunRequest{SessionID: newSession(t, eng), LeadID: "lead-9", Goal: "g"})

	rec, err := store.LoadRun(context.Background(), out.RunID)
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if rec.Status != string(types.RunFailed) || rec.LeadID != "lead-9" || !strings.Contains(rec.Error, "server_error") || rec.Engine != "scripted" {
		t.Fatalf("unexpected run record: %+v", rec)
	}
}

func TestRunOnce_ToolsSeeRunScope(t *testing.T) {
	var seen tools.Scope
	reg := tools.NewRegistry()
	reg.MustRegister(tools.NewFuncTool("whoami", "", nil, func(ctx context.Context, _ json.RawMessage) (any, error) {
		seen = tools.ScopeFrom(ctx)
		return map[string]any{}, nil
	}))
	eng := enginetest.New([]enginetest.Step{
		{Status: types.RunRequiresAction, Invocations: []types.ToolInvocation{invocation("c1", "whoami", `{}`)}},
		{Status: types.RunCompleted},
	})
	d := newTestDriver(t, eng, reg, WithAgentType("nurture"))
	sessionID := newSession(t, eng)
	out, err := d.RunOnce(context.Background(), RunRequest{SessionID: sessionID, LeadID: "lead-7", Goal: "g"})
	if err != nil || !out.Completed {
		t.Fatalf("unexpected outcome %+v %v", out, err)
	}
	want := tools.Scope{LeadID: "lead-7", AgentType: "nurture", SessionID: sessionID, RunID: out.RunID}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Fatalf("scope mismatch (-want +got):\n%s", diff)
	}
}

func TestRunOnce_SubmitsOneResultPerInvocation(t *testing.T) {
	reg := tools.NewRegistry()
	reg.MustRegister(
		tools.NewFuncTool("ok", "", nil, func(context.Context, json.RawMessage) (any, error) {
			return map[string]any{"done": true}, nil
		}),
		tools.NewFuncTool("boom", "", nil, func(context.Context, json.RawMessage) (any, error) {
			return nil, errors.New("crm unavailable")
		}),
	)
	names := []string{"ok", "boom", "missing_tool"}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("every pending invocation is answered once, in order", prop.ForAll(
		func(picks []int) bool {
			if len(picks) == 0 {
				return true
			}
			invs := make([]types.ToolInvocation, len(picks))
			for i, p := range picks {
				invs[i] = invocation(fmt.Sprintf("call_%d", i), names[p], `{}`)
			}
			eng := enginetest.New([]enginetest.Step{
				{Status: types.RunRequiresAction, Invocations: invs},
				{Status: types.RunCompleted},
			})
			d := newTestDriver(t, eng, reg)
			out, err := d.RunOnce(context.Background(), RunRequest{SessionID: newSession(t, eng), Goal: "g"})
			if err != nil || !out.Completed || len(eng.Submissions) != 1 {
				return false
			}
			results := eng.Submissions[0].Results
			if len(results) != len(invs) {
				return false
			}
			for i, res := range results {
				if res.InvocationID != invs[i].ID {
					return false
				}
				if res.Success != (invs[i].Name == "ok") {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(names)-1)),
	))

	properties.TestingRun(t)
}
