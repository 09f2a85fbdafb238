// Package queue carries autopilot jobs between the HTTP surface and workers.
package queue

import (
	"context"
	"errors"
	"strings"
	"time"
)

type JobKind string

const (
	JobStart  JobKind = "start"
	JobResume JobKind = "resume"
)

// Job asks a worker to start or resume the autopilot for one lead. Text is
// the goal for start jobs and the inbound reply for resume jobs.
type Job struct {
	ID          string            `json:"id"`
	Kind        JobKind           `json:"kind"`
	LeadID      string            `json:"leadId"`
	Text        string            `json:"text"`
	Attempt     int               `json:"attempt"`
	MaxAttempts int               `json:"maxAttempts"`
	NotBefore   *time.Time        `json:"notBefore,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	EnqueuedAt  time.Time         `json:"enqueuedAt"`
}

var ErrInvalidJob = errors.New("queue: invalid job")

func (j Job) Validate() error {
	switch j.Kind {
	case JobStart, JobResume:
	default:
		return errors.Join(ErrInvalidJob, errors.New("kind must be start or resume"))
	}
	if strings.TrimSpace(j.LeadID) == "" {
		return errors.Join(ErrInvalidJob, errors.New("lead id is required"))
	}
	if strings.TrimSpace(j.Text) == "" {
		return errors.Join(ErrInvalidJob, errors.New("text is required"))
	}
	return nil
}

// Due reports whether the job may be handed to a worker at now.
func (j Job) Due(now time.Time) bool {
	return j.NotBefore == nil || !now.Before(*j.NotBefore)
}

type Delivery struct {
	ID       string    `json:"id"`
	Stream   string    `json:"stream"`
	Job      Job       `json:"job"`
	Received time.Time `json:"received"`
}

type Stats struct {
	StreamLength int64 `json:"streamLength"`
	DLQLength    int64 `json:"dlqLength"`
	Pending      int64 `json:"pending"`
	// Delayed counts jobs waiting for their NotBefore.
	Delayed int64 `json:"delayed"`
}

type Queue interface {
	Enqueue(ctx context.Context, job Job) (string, error)
	// Claim returns only jobs whose NotBefore has passed.
	Claim(ctx context.Context, consumer string, block time.Duration, count int) ([]Delivery, error)
	Ack(ctx context.Context, consumer string, messageIDs ...string) error
	Requeue(ctx context.Context, job Job, reason string, delay time.Duration) (string, error)
	DeadLetter(ctx context.Context, delivery Delivery, reason string) (string, error)
	ListDLQ(ctx context.Context, limit int) ([]Delivery, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
