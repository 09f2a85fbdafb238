// Package store persists observe events so a lead's run history can be
// replayed event by event after the process that produced it is gone.
package store

import (
	"context"
	"time"

	"github.com/deangilmoreremix/contactsfeature-sub000/observe"
)

type ListQuery struct {
	Limit  int
	Offset int
}

type SummaryQuery struct {
	LeadID string
	Since  *time.Time
}

type Summary struct {
	RunsStarted     int64 `json:"runsStarted"`
	RunsCompleted   int64 `json:"runsCompleted"`
	RunsFailed      int64 `json:"runsFailed"`
	EngineCalls     int64 `json:"engineCalls"`
	EngineFailures  int64 `json:"engineFailures"`
	ToolCalls       int64 `json:"toolCalls"`
	ToolFailures    int64 `json:"toolFailures"`
	JobsDeadLetters int64 `json:"jobsDeadLettered"`
}

type Store interface {
	SaveEvent(ctx context.Context, event observe.Event) error
	ListEventsByRun(ctx context.Context, runID string, query ListQuery) ([]observe.Event, error)
	ListEventsByLead(ctx context.Context, leadID string, query ListQuery) ([]observe.Event, error)
	Summarize(ctx context.Context, query SummaryQuery) (Summary, error)
	Close() error
}

// Sink adapts a Store into an observe.Sink.
func Sink(s Store) observe.Sink {
	return observe.SinkFunc(func(ctx context.Context, event observe.Event) error {
		return s.SaveEvent(ctx, event)
	})
}
