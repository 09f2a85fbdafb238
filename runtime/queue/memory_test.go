package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemory_EnqueueClaimAck(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, Job{Kind: "nudge", LeadID: "lead-1", Text: "x"}); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("expected ErrInvalidJob, got %v", err)
	}
	if _, err := q.Enqueue(ctx, Job{Kind: JobResume, LeadID: "lead-1", Text: "yes please"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	deliveries, err := q.Claim(ctx, "w1", 0, 5)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(deliveries) != 1 || deliveries[0].Job.Attempt != 1 || deliveries[0].Job.ID == "" {
		t.Fatalf("unexpected deliveries: %+v", deliveries)
	}
	stats, _ := q.Stats(ctx)
	if stats.Pending != 1 {
		t.Fatalf("expected one pending delivery, got %+v", stats)
	}
	if err := q.Ack(ctx, "w1", deliveries[0].ID); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	stats, _ = q.Stats(ctx)
	if stats.Pending != 0 || stats.StreamLength != 0 {
		t.Fatalf("expected empty queue, got %+v", stats)
	}
}

func TestMemory_ClaimBlocksUntilEnqueue(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = q.Enqueue(ctx, Job{Kind: JobStart, LeadID: "lead-2", Text: "book a demo"})
	}()
	deliveries, err := q.Claim(ctx, "w1", time.Second, 1)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(deliveries) != 1 || deliveries[0].Job.LeadID != "lead-2" {
		t.Fatalf("unexpected deliveries: %+v", deliveries)
	}
}

func TestMemory_RequeueAndDeadLetter(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	job := Job{Kind: JobStart, LeadID: "lead-3", Text: "qualify", Metadata: map[string]string{"source": "webhook"}}

	if _, err := q.Requeue(ctx, job, "busy", 10*time.Millisecond); err != nil {
		t.Fatalf("requeue failed: %v", err)
	}
	deliveries, _ := q.Claim(ctx, "w1", time.Second, 1)
	if len(deliveries) != 1 {
		t.Fatalf("expected requeued job")
	}
	got := deliveries[0].Job
	if got.NotBefore == nil || got.Metadata["requeue_reason"] != "busy" {
		t.Fatalf("unexpected requeued job: %+v", got)
	}
	if _, ok := job.Metadata["requeue_reason"]; ok {
		t.Fatal("requeue must not mutate the caller's metadata")
	}

	if _, err := q.DeadLetter(ctx, deliveries[0], "gave up"); err != nil {
		t.Fatalf("dead letter failed: %v", err)
	}
	dlq, _ := q.ListDLQ(ctx, 10)
	if len(dlq) != 1 || dlq[0].Job.Metadata["dead_letter_reason"] != "gave up" {
		t.Fatalf("unexpected dlq: %+v", dlq)
	}
}

func TestMemory_ClaimHoldsBackDelayedJobs(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	later := time.Now().Add(time.Hour)
	if _, err := q.Enqueue(ctx, Job{Kind: JobStart, LeadID: "lead-later", Text: "check in", NotBefore: &later}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, Job{Kind: JobStart, LeadID: "lead-now", Text: "qualify"}); err != nil {
		t.Fatal(err)
	}

	deliveries, err := q.Claim(ctx, "w1", 20*time.Millisecond, 5)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(deliveries) != 1 || deliveries[0].Job.LeadID != "lead-now" {
		t.Fatalf("expected only the due job, got %+v", deliveries)
	}
	again, err := q.Claim(ctx, "w1", 20*time.Millisecond, 5)
	if err != nil || len(again) != 0 {
		t.Fatalf("delayed job must stay queued, got %+v, %v", again, err)
	}
	stats, _ := q.Stats(ctx)
	if stats.Delayed != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestMemory_BlockingClaimWakesForDelayedJob(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	if _, err := q.Requeue(ctx, Job{Kind: JobResume, LeadID: "lead-4", Text: "yes"}, "busy", 30*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if got, _ := q.Claim(ctx, "w1", 0, 1); len(got) != 0 {
		t.Fatalf("job handed out before its backoff elapsed: %+v", got)
	}

	started := time.Now()
	deliveries, err := q.Claim(ctx, "w1", time.Second, 1)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(deliveries) != 1 || deliveries[0].Job.LeadID != "lead-4" {
		t.Fatalf("unexpected deliveries: %+v", deliveries)
	}
	if waited := time.Since(started); waited > 500*time.Millisecond {
		t.Fatalf("claim waited %s for a job due in 30ms", waited)
	}
}
