package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/deangilmoreremix/contactsfeature-sub000/orchestrator"
	"github.com/deangilmoreremix/contactsfeature-sub000/runtime/queue"
	"github.com/deangilmoreremix/contactsfeature-sub000/state"
	"github.com/deangilmoreremix/contactsfeature-sub000/types"
)

type fakeAutopilot struct {
	started  []string
	resumed  []string
	statuses map[string]state.AutopilotStatus
	outcome  types.Outcome
}

func newFakeAutopilot() *fakeAutopilot {
	return &fakeAutopilot{
		statuses: map[string]state.AutopilotStatus{},
		outcome:  types.Outcome{Completed: true, Kind: types.OutcomeCompleted, Output: "done", RunID: "run_1"},
	}
}

func (f *fakeAutopilot) Start(_ context.Context, leadID, goal string) types.Outcome {
	f.started = append(f.started, leadID+":"+goal)
	return f.outcome
}

func (f *fakeAutopilot) Resume(_ context.Context, leadID, text string) types.Outcome {
	f.resumed = append(f.resumed, leadID+":"+text)
	return f.outcome
}

func (f *fakeAutopilot) SetStatus(_ context.Context, leadID string, status state.AutopilotStatus) error {
	if leadID == "bad" {
		return fmt.Errorf("%w: lead id is required", orchestrator.ErrInvalidRequest)
	}
	f.statuses[leadID] = status
	return nil
}

func (f *fakeAutopilot) Status(_ context.Context, leadID string) (orchestrator.Status, error) {
	st := orchestrator.Status{LeadID: leadID, AgentType: "sdr_autopilot"}
	if status, ok := f.statuses[leadID]; ok {
		st.SessionID = "thread_1"
		st.Campaign = &state.AutopilotRecord{LeadID: leadID, AgentType: "sdr_autopilot", Status: status}
	}
	return st, nil
}

func (f *fakeAutopilot) Runs(_ context.Context, leadID string, limit int) ([]state.RunRecord, error) {
	if leadID == "boom" {
		return nil, errors.New("store offline")
	}
	return []state.RunRecord{{RunID: "run_1", LeadID: leadID}}, nil
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestStartRunsInline(t *testing.T) {
	ap := newFakeAutopilot()
	ts := newTestServer(t, Config{Autopilot: ap})

	resp := post(t, ts.URL+"/v1/autopilot/start", `{"leadId":"lead-1","goal":"book a demo"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out types.Outcome
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Completed || out.Output != "done" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(ap.started) != 1 || ap.started[0] != "lead-1:book a demo" {
		t.Fatalf("unexpected start calls: %v", ap.started)
	}
}

func TestOutcomeKindsMapToStatusCodes(t *testing.T) {
	cases := map[types.OutcomeKind]int{
		types.OutcomeValidation: http.StatusBadRequest,
		types.OutcomeBlocked:    http.StatusConflict,
		types.OutcomeBusy:       http.StatusConflict,
		types.OutcomeTransient:  http.StatusServiceUnavailable,
		types.OutcomeTimeout:    http.StatusGatewayTimeout,
		types.OutcomeTerminal:   http.StatusBadGateway,
	}
	for kind, want := range cases {
		ap := newFakeAutopilot()
		ap.outcome = types.Failure(kind, errors.New("nope"))
		ts := newTestServer(t, Config{Autopilot: ap})
		resp := post(t, ts.URL+"/v1/autopilot/start", `{"leadId":"lead-1","goal":"x"}`)
		if resp.StatusCode != want {
			t.Fatalf("%s: expected %d, got %d", kind, want, resp.StatusCode)
		}
	}
}

func TestResumeQueuesWhenQueueConfigured(t *testing.T) {
	ap := newFakeAutopilot()
	q := queue.NewMemory()
	ts := newTestServer(t, Config{Autopilot: ap, Queue: q, MaxAttempts: 5})

	resp := post(t, ts.URL+"/v1/autopilot/resume", `{"leadId":"lead-1","text":"Tuesday at 3 works"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var queued queuedResponse
	if err := json.NewDecoder(resp.Body).Decode(&queued); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !queued.Queued || queued.JobID == "" {
		t.Fatalf("unexpected response: %+v", queued)
	}
	if len(ap.resumed) != 0 {
		t.Fatal("queued resume must not run inline")
	}
	deliveries, _ := q.Claim(context.Background(), "test", 0, 1)
	if len(deliveries) != 1 {
		t.Fatal("expected one queued job")
	}
	job := deliveries[0].Job
	if job.Kind != queue.JobResume || job.Text != "Tuesday at 3 works" || job.MaxAttempts != 5 || job.ID != queued.JobID {
		t.Fatalf("unexpected job: %+v", job)
	}

	resp = post(t, ts.URL+"/v1/autopilot/resume", `{"leadId":"","text":"hi"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for an invalid job, got %d", resp.StatusCode)
	}
}

func TestResumeRunsInlineWithoutQueue(t *testing.T) {
	ap := newFakeAutopilot()
	ts := newTestServer(t, Config{Autopilot: ap})
	resp := post(t, ts.URL+"/v1/autopilot/resume", `{"leadId":"lead-1","text":"call me"}`)
	if resp.StatusCode != http.StatusOK || len(ap.resumed) != 1 {
		t.Fatalf("expected inline resume, got %d %v", resp.StatusCode, ap.resumed)
	}
}

func TestRejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t, Config{Autopilot: newFakeAutopilot()})
	resp := post(t, ts.URL+"/v1/autopilot/start", `{"leadId":"lead-1","unexpected":true}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestPauseStatusAndRuns(t *testing.T) {
	ap := newFakeAutopilot()
	ts := newTestServer(t, Config{Autopilot: ap})

	resp, err := http.Get(ts.URL + "/v1/autopilot/lead-1")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before any state, got %d", resp.StatusCode)
	}

	if resp := post(t, ts.URL+"/v1/autopilot/lead-1/pause", ``); resp.StatusCode != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d", resp.StatusCode)
	}
	if ap.statuses["lead-1"] != state.AutopilotPaused {
		t.Fatalf("expected paused, got %q", ap.statuses["lead-1"])
	}
	if resp := post(t, ts.URL+"/v1/autopilot/bad/stop", ``); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid request, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/v1/autopilot/lead-1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st orchestrator.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Campaign == nil || st.Campaign.Status != state.AutopilotPaused {
		t.Fatalf("unexpected status: %+v", st)
	}

	runsResp, err := http.Get(ts.URL + "/v1/autopilot/lead-1/runs?limit=5")
	if err != nil {
		t.Fatal(err)
	}
	defer runsResp.Body.Close()
	var runs []state.RunRecord
	if err := json.NewDecoder(runsResp.Body).Decode(&runs); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(runs) != 1 || runs[0].LeadID != "lead-1" {
		t.Fatalf("unexpected runs: %+v", runs)
	}

	failing, err := http.Get(ts.URL + "/v1/autopilot/boom/runs")
	if err != nil {
		t.Fatal(err)
	}
	_ = failing.Body.Close()
	if failing.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", failing.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, Config{Autopilot: newFakeAutopilot()})
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestNewRequiresAutopilot(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error")
	}
}
