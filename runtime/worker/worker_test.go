package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/deangilmoreremix/contactsfeature-sub000/observe"
	"github.com/deangilmoreremix/contactsfeature-sub000/runtime/queue"
	"github.com/deangilmoreremix/contactsfeature-sub000/types"
)

type scriptedProcessor struct {
	mu       sync.Mutex
	outcomes []types.Outcome
	calls    []string
}

func (p *scriptedProcessor) next(call string) types.Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
	if len(p.outcomes) == 0 {
		return types.Outcome{Completed: true, Kind: types.OutcomeCompleted}
	}
	out := p.outcomes[0]
	p.outcomes = p.outcomes[1:]
	return out
}

func (p *scriptedProcessor) Start(_ context.Context, leadID, goal string) types.Outcome {
	return p.next("start:" + leadID + ":" + goal)
}

func (p *scriptedProcessor) Resume(_ context.Context, leadID, text string) types.Outcome {
	return p.next("resume:" + leadID + ":" + text)
}

func (p *scriptedProcessor) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type eventLog struct {
	mu     sync.Mutex
	events []observe.Event
}

func (l *eventLog) Emit(_ context.Context, e observe.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Name)
	}
	return out
}

func testPolicy() RuntimePolicy {
	return RuntimePolicy{
		MaxAttempts:  2,
		BaseBackoff:  time.Millisecond,
		MaxBackoff:   2 * time.Millisecond,
		PollInterval: 2 * time.Millisecond,
		ClaimBlock:   10 * time.Millisecond,
	}
}

func runUntil(t *testing.T, w Worker, done func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !done() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("worker returned %v", err)
	}
	if !done() {
		t.Fatal("worker did not reach the expected state in time")
	}
}

func TestWorkerProcessesJobs(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, queue.Job{Kind: queue.JobStart, LeadID: "lead-1", Text: "book a demo"}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, queue.Job{Kind: queue.JobResume, LeadID: "lead-2", Text: "tuesday works"}); err != nil {
		t.Fatal(err)
	}

	proc := &scriptedProcessor{}
	events := &eventLog{}
	w, err := New(Config{WorkerID: "w1", Capacity: 2}, q, events, testPolicy(), proc)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	runUntil(t, w, func() bool { return len(proc.Calls()) == 2 })

	calls := proc.Calls()
	seen := map[string]bool{}
	for _, c := range calls {
		seen[c] = true
	}
	if !seen["start:lead-1:book a demo"] || !seen["resume:lead-2:tuesday works"] {
		t.Fatalf("unexpected calls: %v", calls)
	}
	stats, _ := q.Stats(ctx)
	if stats.Pending != 0 || stats.DLQLength != 0 {
		t.Fatalf("expected drained queue, got %+v", stats)
	}
	completed := 0
	for _, name := range events.names() {
		if name == "queue.completed" {
			completed++
		}
	}
	if completed != 2 {
		t.Fatalf("expected two completed events, got %v", events.names())
	}
}

func TestWorkerRetriesTransientThenDeadLetters(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, queue.Job{Kind: queue.JobStart, LeadID: "lead-1", Text: "qualify"}); err != nil {
		t.Fatal(err)
	}
	transient := types.Failure(types.OutcomeTransient, errors.New("engine unavailable"))
	proc := &scriptedProcessor{outcomes: []types.Outcome{transient, transient}}
	w, err := New(Config{WorkerID: "w1"}, q, nil, testPolicy(), proc)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	runUntil(t, w, func() bool {
		dlq, _ := q.ListDLQ(ctx, 10)
		return len(dlq) == 1
	})

	if got := len(proc.Calls()); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
	dlq, _ := q.ListDLQ(ctx, 10)
	if dlq[0].Job.Attempt != 2 || dlq[0].Job.Metadata["dead_letter_reason"] != "transient: engine unavailable" {
		t.Fatalf("unexpected dead letter: %+v", dlq[0].Job)
	}
}

func TestWorkerDropsBlockedAndDeadLettersTerminal(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, queue.Job{Kind: queue.JobResume, LeadID: "paused", Text: "hi"})
	_, _ = q.Enqueue(ctx, queue.Job{Kind: queue.JobResume, LeadID: "broken", Text: "hi"})

	proc := &scriptedProcessor{outcomes: []types.Outcome{
		types.Failure(types.OutcomeBlocked, errors.New("campaign for lead paused is paused")),
		types.Failure(types.OutcomeTerminal, errors.New("run failed")),
	}}
	w, err := New(Config{WorkerID: "w1"}, q, nil, testPolicy(), proc)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	runUntil(t, w, func() bool { return len(proc.Calls()) == 2 })

	dlq, _ := q.ListDLQ(ctx, 10)
	if len(dlq) != 1 || dlq[0].Job.LeadID != "broken" {
		t.Fatalf("expected only the terminal job dead-lettered, got %+v", dlq)
	}
}

func TestNewRequiresQueueAndProcessor(t *testing.T) {
	if _, err := New(Config{}, nil, nil, RuntimePolicy{}, &scriptedProcessor{}); err == nil {
		t.Fatal("expected queue error")
	}
	if _, err := New(Config{}, queue.NewMemory(), nil, RuntimePolicy{}, nil); err == nil {
		t.Fatal("expected processor error")
	}
}

func TestWorkerDeadLettersCommittedFailures(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, queue.Job{Kind: queue.JobResume, LeadID: "lead-1", Text: "tuesday works", MaxAttempts: 3}); err != nil {
		t.Fatal(err)
	}
	committed := types.Failure(types.OutcomeTransient, errors.New("create run: 503"))
	committed.Committed = true
	proc := &scriptedProcessor{outcomes: []types.Outcome{committed}}
	w, err := New(Config{WorkerID: "w1"}, q, nil, testPolicy(), proc)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	runUntil(t, w, func() bool {
		dlq, _ := q.ListDLQ(ctx, 10)
		return len(dlq) == 1
	})

	if got := len(proc.Calls()); got != 1 {
		t.Fatalf("committed failure must not be replayed, got %d calls", got)
	}
	dlq, _ := q.ListDLQ(ctx, 10)
	if dlq[0].Job.Attempt != 1 {
		t.Fatalf("unexpected dead letter: %+v", dlq[0].Job)
	}
}

func TestWorkerLeavesBackoffToQueue(t *testing.T) {
	q := queue.NewMemory()
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, queue.Job{Kind: queue.JobStart, LeadID: "lead-1", Text: "qualify"}); err != nil {
		t.Fatal(err)
	}
	policy := testPolicy()
	policy.BaseBackoff = time.Hour
	policy.MaxBackoff = time.Hour
	transient := types.Failure(types.OutcomeTransient, errors.New("engine unavailable"))
	proc := &scriptedProcessor{outcomes: []types.Outcome{transient}}
	w, err := New(Config{WorkerID: "w1"}, q, nil, policy, proc)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Start(runCtx)
	}()
	deadline := time.Now().Add(time.Second)
	for len(proc.Calls()) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if got := len(proc.Calls()); got != 1 {
		t.Fatalf("expected one attempt before the backoff, got %d", got)
	}
	stats, _ := q.Stats(ctx)
	if stats.Delayed != 1 || stats.StreamLength != 0 || stats.Pending != 0 {
		t.Fatalf("expected the retry parked in the queue, got %+v", stats)
	}
}
