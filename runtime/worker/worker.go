// Package worker drains the autopilot job queue. Retryable outcomes are
// requeued with exponential backoff until the job's attempts run out, after
// which the job moves to the dead-letter stream.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/deangilmoreremix/contactsfeature-sub000/observe"
	"github.com/deangilmoreremix/contactsfeature-sub000/runtime/queue"
	"github.com/deangilmoreremix/contactsfeature-sub000/types"
)

// Processor runs one job. orchestrator.Orchestrator implements it.
type Processor interface {
	Start(ctx context.Context, leadID, goal string) types.Outcome
	Resume(ctx context.Context, leadID, inboundText string) types.Outcome
}

type Worker interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Config struct {
	WorkerID string
	// Capacity bounds the jobs claimed and processed concurrently.
	Capacity int
	Logger   *slog.Logger
}

type worker struct {
	cfg       Config
	queue     queue.Queue
	observer  observe.Sink
	policy    RuntimePolicy
	processor Processor
	logger    *slog.Logger
	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(cfg Config, q queue.Queue, observer observe.Sink, policy RuntimePolicy, processor Processor) (Worker, error) {
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if strings.TrimSpace(cfg.WorkerID) == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &worker{
		cfg:       cfg,
		queue:     q,
		observer:  observer,
		policy:    NormalizeRuntimePolicy(policy),
		processor: processor,
		logger:    logger.With(slog.String("worker_id", cfg.WorkerID)),
	}, nil
}

// Start blocks until ctx is cancelled or Stop is called.
func (w *worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return fmt.Errorf("worker already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.started = true
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	defer func() {
		cancel()
		w.mu.Lock()
		w.started = false
		w.cancel = nil
		if w.done == done {
			close(done)
			w.done = nil
		}
		w.mu.Unlock()
	}()

	heartbeat := time.NewTicker(w.policy.HeartbeatInterval)
	defer heartbeat.Stop()

	w.logger.InfoContext(runCtx, "worker started", slog.Int("capacity", w.cfg.Capacity))
	for {
		select {
		case <-runCtx.Done():
			w.logger.Info("worker stopped")
			return runCtx.Err()
		case <-heartbeat.C:
			stats, err := w.queue.Stats(runCtx)
			attrs := map[string]any{"workerId": w.cfg.WorkerID}
			if err == nil {
				attrs["streamLength"] = stats.StreamLength
				attrs["pending"] = stats.Pending
				attrs["dlqLength"] = stats.DLQLength
				attrs["delayed"] = stats.Delayed
			}
			w.emit(runCtx, observe.Event{Kind: observe.KindQueue, Status: observe.StatusCompleted, Name: "worker.heartbeat", Attributes: attrs})
		default:
			deliveries, err := w.queue.Claim(runCtx, w.cfg.WorkerID, w.policy.ClaimBlock, w.cfg.Capacity)
			if err != nil && runCtx.Err() == nil {
				w.logger.WarnContext(runCtx, "claim failed", slog.Any("error", err))
			}
			if err != nil || len(deliveries) == 0 {
				w.sleep(runCtx)
				continue
			}
			w.handleBatch(runCtx, deliveries)
		}
	}
}

func (w *worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.policy.PollInterval):
	}
}

// handleBatch processes deliveries concurrently. Queues only hand out jobs
// whose NotBefore has passed.
func (w *worker) handleBatch(ctx context.Context, deliveries []queue.Delivery) {
	var g errgroup.Group
	g.SetLimit(w.cfg.Capacity)
	for _, delivery := range deliveries {
		g.Go(func() error {
			if err := w.handleDelivery(ctx, delivery); err != nil {
				w.logger.WarnContext(ctx, "delivery handling failed",
					slog.String("message_id", delivery.ID),
					slog.String("lead_id", delivery.Job.LeadID),
					slog.Any("error", err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (w *worker) handleDelivery(ctx context.Context, delivery queue.Delivery) error {
	job := delivery.Job
	if err := job.Validate(); err != nil {
		_, dlqErr := w.queue.DeadLetter(ctx, delivery, err.Error())
		w.emit(ctx, w.jobEvent(job, "queue.dead_lettered", observe.StatusFailed, err.Error()))
		return dlqErr
	}
	if job.Attempt <= 0 {
		job.Attempt = 1
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = w.policy.MaxAttempts
	}

	w.emit(ctx, w.jobEvent(job, "queue.claimed", observe.StatusStarted, ""))
	out := w.process(ctx, job)

	switch {
	case out.Completed:
		w.emit(ctx, w.jobEvent(job, "queue.completed", observe.StatusCompleted, ""))
		return w.queue.Ack(ctx, w.cfg.WorkerID, delivery.ID)

	case out.Kind == types.OutcomeCancelled && ctx.Err() != nil:
		// Shutdown interrupted the run; hand the same attempt back.
		requeueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := w.queue.Requeue(requeueCtx, job, "worker shutdown", 0); err != nil {
			return err
		}
		return w.queue.Ack(requeueCtx, w.cfg.WorkerID, delivery.ID)

	case out.Kind == types.OutcomeBlocked:
		w.emit(ctx, w.jobEvent(job, "queue.dropped", observe.StatusCompleted, out.Error))
		return w.queue.Ack(ctx, w.cfg.WorkerID, delivery.ID)

	case out.Retryable() && job.Attempt < job.MaxAttempts:
		next := job
		next.Attempt = job.Attempt + 1
		backoff := w.policy.Backoff(job.Attempt)
		if _, err := w.queue.Requeue(ctx, next, out.Error, backoff); err != nil {
			return err
		}
		ev := w.jobEvent(next, "queue.retried", observe.StatusFailed, out.Error)
		ev.Attributes["backoffMs"] = backoff.Milliseconds()
		w.emit(ctx, ev)
		return w.queue.Ack(ctx, w.cfg.WorkerID, delivery.ID)
	}

	delivery.Job = job
	if _, err := w.queue.DeadLetter(ctx, delivery, fmt.Sprintf("%s: %s", out.Kind, out.Error)); err != nil {
		return err
	}
	w.emit(ctx, w.jobEvent(job, "queue.dead_lettered", observe.StatusFailed, out.Error))
	return nil
}

func (w *worker) process(ctx context.Context, job queue.Job) (out types.Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			out = types.Failure(types.OutcomeTerminal, fmt.Errorf("job panicked: %v", rec))
		}
	}()
	switch job.Kind {
	case queue.JobResume:
		return w.processor.Resume(ctx, job.LeadID, job.Text)
	default:
		return w.processor.Start(ctx, job.LeadID, job.Text)
	}
}

func (w *worker) jobEvent(job queue.Job, name string, status observe.Status, errText string) observe.Event {
	return observe.Event{
		LeadID: job.LeadID,
		Kind:   observe.KindQueue,
		Status: status,
		Name:   name,
		Error:  errText,
		Attributes: map[string]any{
			"workerId":    w.cfg.WorkerID,
			"jobId":       job.ID,
			"jobKind":     string(job.Kind),
			"attempt":     job.Attempt,
			"maxAttempts": job.MaxAttempts,
		},
	}
}

func (w *worker) Stop(ctx context.Context) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done == nil {
		return nil
	}
	if ctx == nil {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *worker) emit(ctx context.Context, event observe.Event) {
	if w == nil || w.observer == nil {
		return
	}
	event.Normalize()
	_ = w.observer.Emit(ctx, event)
}

var _ Worker = (*worker)(nil)
