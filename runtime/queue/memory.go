package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultMaxAttempts = 3

// Normalize fills the defaults every backend applies on enqueue.
func Normalize(job Job, now time.Time) Job {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Attempt <= 0 {
		job.Attempt = 1
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now.UTC()
	}
	if job.Metadata == nil {
		job.Metadata = map[string]string{}
	}
	return job
}

// Memory is an in-process Queue for single-binary deployments and tests.
type Memory struct {
	mu      sync.Mutex
	seq     int
	ready   []Delivery
	delayed []Delivery
	pending map[string]Delivery
	dlq     []Delivery
	notify  chan struct{}
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{pending: map[string]Delivery{}, notify: make(chan struct{}, 1)}
}

func (m *Memory) Enqueue(_ context.Context, job Job) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", fmt.Errorf("queue is closed")
	}
	m.seq++
	id := strconv.Itoa(m.seq) + "-0"
	d := Delivery{ID: id, Stream: "jobs", Job: Normalize(job, time.Now())}
	if d.Job.Due(time.Now()) {
		m.ready = append(m.ready, d)
	} else {
		m.delayed = append(m.delayed, d)
	}
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return id, nil
}

// Claim hands out ready jobs in enqueue order. Delayed jobs become ready
// once their NotBefore passes; a blocking Claim wakes up for them.
func (m *Memory) Claim(ctx context.Context, _ string, block time.Duration, count int) ([]Delivery, error) {
	if count <= 0 {
		count = 1
	}
	deadline := time.Now().Add(block)
	for {
		m.mu.Lock()
		now := time.Now()
		m.promote(now)
		if n := min(count, len(m.ready)); n > 0 {
			out := make([]Delivery, n)
			copy(out, m.ready[:n])
			m.ready = m.ready[n:]
			for i := range out {
				out[i].Received = now.UTC()
				m.pending[out[i].ID] = out[i]
			}
			m.mu.Unlock()
			return out, nil
		}
		wait := deadline.Sub(now)
		if next, ok := m.nextDue(); ok && next.Sub(now) < wait {
			wait = next.Sub(now)
		}
		m.mu.Unlock()
		if block <= 0 || !now.Before(deadline) {
			return []Delivery{}, nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		case <-m.notify:
			timer.Stop()
		}
	}
}

// promote moves due delayed jobs to the ready list. Callers hold m.mu.
func (m *Memory) promote(now time.Time) {
	kept := m.delayed[:0]
	for _, d := range m.delayed {
		if d.Job.Due(now) {
			m.ready = append(m.ready, d)
		} else {
			kept = append(kept, d)
		}
	}
	m.delayed = kept
}

func (m *Memory) nextDue() (time.Time, bool) {
	var next time.Time
	for _, d := range m.delayed {
		if next.IsZero() || d.Job.NotBefore.Before(next) {
			next = *d.Job.NotBefore
		}
	}
	return next, !next.IsZero()
}

func (m *Memory) Ack(_ context.Context, _ string, messageIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range messageIDs {
		delete(m.pending, id)
	}
	return nil
}

func (m *Memory) Requeue(ctx context.Context, job Job, reason string, delay time.Duration) (string, error) {
	return m.Enqueue(ctx, WithRetry(job, reason, delay))
}

func (m *Memory) DeadLetter(_ context.Context, delivery Delivery, reason string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, delivery.ID)
	delivery.Job = WithReason(delivery.Job, "dead_letter_reason", reason)
	m.dlq = append(m.dlq, delivery)
	return "dlq-" + delivery.ID, nil
}

func (m *Memory) ListDLQ(_ context.Context, limit int) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	out := make([]Delivery, 0, min(limit, len(m.dlq)))
	for i := len(m.dlq) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.dlq[i])
	}
	return out, nil
}

func (m *Memory) Stats(context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		StreamLength: int64(len(m.ready) + len(m.pending)),
		DLQLength:    int64(len(m.dlq)),
		Pending:      int64(len(m.pending)),
		Delayed:      int64(len(m.delayed)),
	}, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// WithRetry stamps the delay and reason a requeued job carries.
func WithRetry(job Job, reason string, delay time.Duration) Job {
	if delay > 0 {
		t := time.Now().UTC().Add(delay)
		job.NotBefore = &t
	}
	return WithReason(job, "requeue_reason", reason)
}

// WithReason copies the metadata before setting key, so deliveries that
// share a map are not mutated.
func WithReason(job Job, key, reason string) Job {
	if reason == "" {
		return job
	}
	meta := make(map[string]string, len(job.Metadata)+1)
	for k, v := range job.Metadata {
		meta[k] = v
	}
	meta[key] = reason
	job.Metadata = meta
	return job
}

var _ Queue = (*Memory)(nil)
