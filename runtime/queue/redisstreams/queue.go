// Package redisstreams backs the job queue with a Redis stream and consumer
// group. Jobs with a future NotBefore wait in a sorted set scored by due time
// and are moved onto the stream by Claim once due. Failed jobs land on a
// second ":dlq" stream.
package redisstreams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/deangilmoreremix/contactsfeature-sub000/runtime/queue"
)

const (
	defaultPrefix = "autopilot:queue"
	defaultGroup  = "workers"

	// promoteBatch bounds how many due jobs one Claim moves to the stream.
	promoteBatch = 100
)

// promoteDue moves due members of the delayed set (KEYS[1]) onto the stream
// (KEYS[2]). ZREM guards against two claimers promoting the same job.
var promoteDue = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = 0
for _, payload in ipairs(due) do
  if redis.call('ZREM', KEYS[1], payload) == 1 then
    redis.call('XADD', KEYS[2], '*', 'payload', payload)
    moved = moved + 1
  end
end
return moved
`)

type Queue struct {
	client   goredis.UniversalClient
	shared   bool
	addr     string
	password string
	db       int
	prefix   string
	group    string

	jobs    string
	delayed string
	dlq     string
}

type Option func(*Queue)

// WithClient shares an existing connection, such as the state store's.
// Close leaves a shared client open.
func WithClient(client goredis.UniversalClient) Option {
	return func(q *Queue) {
		if client != nil {
			q.client, q.shared = client, true
		}
	}
}

func WithPrefix(prefix string) Option {
	return func(q *Queue) {
		if p := strings.TrimSpace(prefix); p != "" {
			q.prefix = p
		}
	}
}

func WithGroup(group string) Option {
	return func(q *Queue) {
		if g := strings.TrimSpace(group); g != "" {
			q.group = g
		}
	}
}

func WithPassword(password string) Option { return func(q *Queue) { q.password = password } }

func WithDB(db int) Option { return func(q *Queue) { q.db = db } }

func New(addr string, opts ...Option) (*Queue, error) {
	q := &Queue{addr: strings.TrimSpace(addr), prefix: defaultPrefix, group: defaultGroup}
	for _, opt := range opts {
		opt(q)
	}
	if q.client == nil {
		if q.addr == "" {
			return nil, errors.New("redisstreams: addr is required")
		}
		q.client = goredis.NewClient(&goredis.Options{Addr: q.addr, Password: q.password, DB: q.db})
	}
	q.jobs = q.prefix + ":jobs"
	q.delayed = q.jobs + ":delayed"
	q.dlq = q.jobs + ":dlq"

	ctx := context.Background()
	if err := q.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisstreams: ping: %w", err)
	}
	err := q.client.XGroupCreateMkStream(ctx, q.jobs, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("redisstreams: create group %s: %w", q.group, err)
	}
	return q, nil
}

// Enqueue appends a due job to the stream and parks a future one in the
// delayed set. The id of a parked job is "delayed:<job id>".
func (q *Queue) Enqueue(ctx context.Context, job queue.Job) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}
	job = queue.Normalize(job, time.Now())
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("redisstreams: encode job: %w", err)
	}
	if !job.Due(time.Now()) {
		member := goredis.Z{Score: float64(job.NotBefore.UnixMilli()), Member: string(payload)}
		if err := q.client.ZAdd(ctx, q.delayed, member).Err(); err != nil {
			return "", fmt.Errorf("redisstreams: park job %s: %w", job.ID, err)
		}
		return "delayed:" + job.ID, nil
	}
	id, err := q.client.XAdd(ctx, &goredis.XAddArgs{Stream: q.jobs, Values: []any{"payload", string(payload)}}).Result()
	if err != nil {
		return "", fmt.Errorf("redisstreams: enqueue job %s: %w", job.ID, err)
	}
	return id, nil
}

// Claim promotes due delayed jobs, then reads new stream entries for the
// consumer. The block is cut short when a delayed job falls due before it
// ends.
func (q *Queue) Claim(ctx context.Context, consumer string, block time.Duration, count int) ([]queue.Delivery, error) {
	if strings.TrimSpace(consumer) == "" {
		return nil, errors.New("redisstreams: consumer is required")
	}
	count = max(count, 1)
	now := time.Now()
	if err := promoteDue.Run(ctx, q.client, []string{q.delayed, q.jobs}, now.UnixMilli(), promoteBatch).Err(); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("redisstreams: promote delayed jobs: %w", err)
	}
	if block > 0 {
		if next, ok := q.nextDue(ctx); ok {
			block = min(block, max(next.Sub(now), time.Millisecond))
		}
	} else {
		// XREADGROUP treats a zero block as "wait forever".
		block = -1
	}

	streams, err := q.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.jobs, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	switch {
	case errors.Is(err, goredis.Nil):
		return []queue.Delivery{}, nil
	case err != nil:
		return nil, fmt.Errorf("redisstreams: claim: %w", err)
	}

	received := time.Now().UTC()
	var out []queue.Delivery
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			job, err := decode(msg.Values)
			if err != nil {
				q.quarantine(ctx, msg, err)
				continue
			}
			out = append(out, queue.Delivery{ID: msg.ID, Stream: stream.Stream, Job: job, Received: received})
		}
	}
	if out == nil {
		out = []queue.Delivery{}
	}
	return out, nil
}

func (q *Queue) nextDue(ctx context.Context) (time.Time, bool) {
	head, err := q.client.ZRangeWithScores(ctx, q.delayed, 0, 0).Result()
	if err != nil || len(head) == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(head[0].Score)), true
}

// quarantine moves an entry that cannot be decoded to the dead-letter stream
// as-is, so it is neither lost nor redelivered.
func (q *Queue) quarantine(ctx context.Context, msg goredis.XMessage, cause error) {
	raw, _ := msg.Values["payload"].(string)
	_, _ = q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.XAdd(ctx, &goredis.XAddArgs{Stream: q.dlq, Values: []any{
			"payload", raw, "source_id", msg.ID, "reason", "undecodable job: " + cause.Error(),
		}})
		pipe.XAck(ctx, q.jobs, q.group, msg.ID)
		pipe.XDel(ctx, q.jobs, msg.ID)
		return nil
	})
}

// Ack acknowledges and deletes the entries, so the stream only holds work
// that is waiting or in flight.
func (q *Queue) Ack(ctx context.Context, _ string, messageIDs ...string) error {
	ids := make([]string, 0, len(messageIDs))
	for _, id := range messageIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	_, err := q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.XAck(ctx, q.jobs, q.group, ids...)
		pipe.XDel(ctx, q.jobs, ids...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstreams: ack %s: %w", strings.Join(ids, ","), err)
	}
	return nil
}

func (q *Queue) Requeue(ctx context.Context, job queue.Job, reason string, delay time.Duration) (string, error) {
	return q.Enqueue(ctx, queue.WithRetry(job, reason, delay))
}

// DeadLetter copies the job to the dead-letter stream and retires the
// delivery in one transaction.
func (q *Queue) DeadLetter(ctx context.Context, delivery queue.Delivery, reason string) (string, error) {
	payload, err := json.Marshal(queue.WithReason(delivery.Job, "dead_letter_reason", reason))
	if err != nil {
		return "", fmt.Errorf("redisstreams: encode dead letter: %w", err)
	}
	var added *goredis.StringCmd
	_, err = q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		added = pipe.XAdd(ctx, &goredis.XAddArgs{Stream: q.dlq, Values: []any{
			"payload", string(payload), "source_id", delivery.ID, "reason", reason,
		}})
		pipe.XAck(ctx, q.jobs, q.group, delivery.ID)
		pipe.XDel(ctx, q.jobs, delivery.ID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("redisstreams: dead letter %s: %w", delivery.ID, err)
	}
	return added.Val(), nil
}

// ListDLQ returns dead letters newest first.
func (q *Queue) ListDLQ(ctx context.Context, limit int) ([]queue.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	entries, err := q.client.XRevRangeN(ctx, q.dlq, "+", "-", int64(limit)).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("redisstreams: list dead letters: %w", err)
	}
	out := make([]queue.Delivery, 0, len(entries))
	for _, entry := range entries {
		job, err := decode(entry.Values)
		if err != nil {
			continue
		}
		out = append(out, queue.Delivery{ID: entry.ID, Stream: q.dlq, Job: job, Received: entryTime(entry.ID)})
	}
	return out, nil
}

func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	var (
		jobs, dlq, delayed *goredis.IntCmd
		pending            *goredis.XPendingCmd
	)
	_, _ = q.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		jobs = pipe.XLen(ctx, q.jobs)
		dlq = pipe.XLen(ctx, q.dlq)
		delayed = pipe.ZCard(ctx, q.delayed)
		pending = pipe.XPending(ctx, q.jobs, q.group)
		return nil
	})
	for _, cmd := range []*goredis.IntCmd{jobs, dlq, delayed} {
		if err := cmd.Err(); err != nil && !errors.Is(err, goredis.Nil) {
			return queue.Stats{}, fmt.Errorf("redisstreams: stats: %w", err)
		}
	}
	stats := queue.Stats{StreamLength: jobs.Val(), DLQLength: dlq.Val(), Delayed: delayed.Val()}
	if p, err := pending.Result(); err == nil {
		stats.Pending = p.Count
	}
	return stats, nil
}

// RequeueDLQByID moves one dead-lettered job back onto the main stream.
func (q *Queue) RequeueDLQByID(ctx context.Context, id string, resetAttempt bool) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("redisstreams: dead letter id is required")
	}
	entries, err := q.client.XRangeN(ctx, q.dlq, id, id, 1).Result()
	if err != nil {
		return "", fmt.Errorf("redisstreams: load dead letter %s: %w", id, err)
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("redisstreams: dead letter %q not found", id)
	}
	job, err := decode(entries[0].Values)
	if err != nil {
		return "", fmt.Errorf("redisstreams: dead letter %s: %w", id, err)
	}
	if resetAttempt || job.Attempt < 1 {
		job.Attempt = 1
	}
	job.NotBefore = nil
	job.EnqueuedAt = time.Now().UTC()
	delete(job.Metadata, "dead_letter_reason")
	newID, err := q.Enqueue(ctx, job)
	if err != nil {
		return "", err
	}
	_ = q.client.XDel(ctx, q.dlq, id).Err()
	return newID, nil
}

func (q *Queue) Close() error {
	if q == nil || q.client == nil || q.shared {
		return nil
	}
	return q.client.Close()
}

func decode(values map[string]any) (queue.Job, error) {
	payload, _ := values["payload"].(string)
	if payload == "" {
		return queue.Job{}, errors.New("empty payload")
	}
	var job queue.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return queue.Job{}, err
	}
	return job, nil
}

// entryTime reads the millisecond timestamp Redis puts in a stream id.
func entryTime(id string) time.Time {
	ms, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}

var _ queue.Queue = (*Queue)(nil)
