package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/deangilmoreremix/contactsfeature-sub000/observe"
	eventstore "github.com/deangilmoreremix/contactsfeature-sub000/observe/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "nested", "events.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_SaveListAndSummarize(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	inputs := []observe.Event{
		{RunID: "run_1", LeadID: "lead-1", Kind: observe.KindRun, Status: observe.StatusStarted, Timestamp: now},
		{RunID: "run_1", LeadID: "lead-1", Kind: observe.KindEngine, Status: observe.StatusCompleted, Engine: "openai", Timestamp: now.Add(time.Millisecond)},
		{RunID: "run_1", LeadID: "lead-1", Kind: observe.KindTool, Status: observe.StatusFailed, ToolName: "send_message", Error: "blocked", Timestamp: now.Add(2 * time.Millisecond)},
		{RunID: "run_1", LeadID: "lead-1", Kind: observe.KindRun, Status: observe.StatusCompleted, Timestamp: now.Add(3 * time.Millisecond)},
		{LeadID: "lead-2", Kind: observe.KindQueue, Status: observe.StatusFailed, Name: "queue.dead_lettered", Attributes: map[string]any{"attempt": 3}, Timestamp: now.Add(4 * time.Millisecond)},
	}
	sink := eventstore.Sink(store)
	for _, in := range inputs {
		if err := sink.Emit(ctx, in); err != nil {
			t.Fatalf("save event: %v", err)
		}
	}

	events, err := store.ListEventsByRun(ctx, "run_1", eventstore.ListQuery{Limit: 20})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if events[2].ToolName != "send_message" || events[2].Error != "blocked" {
		t.Fatalf("unexpected tool event: %+v", events[2])
	}

	byLead, err := store.ListEventsByLead(ctx, "lead-2", eventstore.ListQuery{})
	if err != nil {
		t.Fatalf("list by lead: %v", err)
	}
	if len(byLead) != 1 || byLead[0].Attributes["attempt"] != float64(3) {
		t.Fatalf("unexpected lead events: %+v", byLead)
	}

	sum, err := store.Summarize(ctx, eventstore.SummaryQuery{})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	want := eventstore.Summary{RunsStarted: 1, RunsCompleted: 1, EngineCalls: 1, ToolFailures: 1, JobsDeadLetters: 1}
	if sum != want {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	scoped, err := store.Summarize(ctx, eventstore.SummaryQuery{LeadID: "lead-2"})
	if err != nil {
		t.Fatalf("summarize lead: %v", err)
	}
	if scoped != (eventstore.Summary{JobsDeadLetters: 1}) {
		t.Fatalf("unexpected lead summary: %+v", scoped)
	}
}

func TestStore_RequiresIDs(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.ListEventsByRun(context.Background(), " ", eventstore.ListQuery{}); err == nil {
		t.Fatal("expected error for empty run id")
	}
	if _, err := store.ListEventsByLead(context.Background(), "", eventstore.ListQuery{}); err == nil {
		t.Fatal("expected error for empty lead id")
	}
	if _, err := New(""); err == nil || errors.Is(err, context.Canceled) {
		t.Fatalf("expected path error, got %v", err)
	}
}
