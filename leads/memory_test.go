package leads

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreLeadRoundTrip(t *testing.T) {
	s := NewMemoryStore(Lead{ID: "L1", FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"})
	ctx := context.Background()

	got, err := s.GetLead(ctx, "L1")
	if err != nil {
		t.Fatalf("GetLead failed: %v", err)
	}
	if got.Name() != "Ada Lovelace" || got.Stage != "new" {
		t.Fatalf("unexpected lead: %#v", got)
	}
	if _, err := s.GetLead(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreActivitiesNewestFirst(t *testing.T) {
	s := NewMemoryStore(Lead{ID: "L1"})
	ctx := context.Background()
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		if _, err := s.InsertActivity(ctx, Activity{LeadID: "L1", Type: "email_sent", Subject: string(rune('a' + i)), CreatedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("InsertActivity failed: %v", err)
		}
	}
	got, err := s.ListActivities(ctx, "L1", 2)
	if err != nil {
		t.Fatalf("ListActivities failed: %v", err)
	}
	if len(got) != 2 || got[0].Subject != "c" || got[1].Subject != "b" {
		t.Fatalf("unexpected activity order: %#v", got)
	}
	if got[0].ID == "" || got[0].Metadata == nil {
		t.Fatalf("defaults not applied: %#v", got[0])
	}
}

func TestMemoryStoreUpdateStage(t *testing.T) {
	s := NewMemoryStore(Lead{ID: "L1"})
	ctx := context.Background()

	if err := s.UpdateStage(ctx, "L1", "qualified"); err != nil {
		t.Fatalf("UpdateStage failed: %v", err)
	}
	if err := s.UpdateStage(ctx, "L1", "maybe"); !errors.Is(err, ErrInvalidStage) {
		t.Fatalf("expected ErrInvalidStage, got %v", err)
	}
	if err := s.UpdateStage(ctx, "L2", "won"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	got, _ := s.GetLead(ctx, "L1")
	if got.Stage != "qualified" {
		t.Fatalf("stage not persisted: %q", got.Stage)
	}
}

func TestPrepareDefaults(t *testing.T) {
	id := func() string { return "fixed" }

	task, err := PrepareTask(Task{LeadID: "L1", Title: "Call back"}, id)
	if err != nil {
		t.Fatalf("PrepareTask failed: %v", err)
	}
	if task.ID != "fixed" || task.Status != "open" || task.Priority != "medium" {
		t.Fatalf("unexpected task defaults: %#v", task)
	}
	if _, err := PrepareTask(Task{Title: "orphan"}, id); err == nil {
		t.Fatalf("expected error for task without lead")
	}

	start := time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)
	ev, err := PrepareEvent(Event{LeadID: "L1", Title: "Intro", StartsAt: start}, id)
	if err != nil {
		t.Fatalf("PrepareEvent failed: %v", err)
	}
	if !ev.EndsAt.Equal(start.Add(30 * time.Minute)) {
		t.Fatalf("unexpected default end: %v", ev.EndsAt)
	}
	if _, err := PrepareActivity(Activity{LeadID: "L1"}, id); err == nil {
		t.Fatalf("expected error for activity without type")
	}
}

func TestLeadAddress(t *testing.T) {
	l := Lead{ID: "L1", Email: "a@example.com", Phone: "+15550100"}
	tests := []struct {
		channel string
		want    string
		wantErr error
	}{
		{"", "a@example.com", nil},
		{ChannelEmail, "a@example.com", nil},
		{ChannelSMS, "+15550100", nil},
		{ChannelLinkedIn, "", ErrNoAddress},
	}
	for _, tt := range tests {
		got, err := l.Address(tt.channel)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("channel %q: expected %v, got %v", tt.channel, tt.wantErr, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("channel %q: got %q, %v", tt.channel, got, err)
		}
	}
	if _, err := l.Address("fax"); err == nil {
		t.Fatalf("expected unsupported channel error")
	}
}
