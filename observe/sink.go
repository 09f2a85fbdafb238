package observe

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

type Sink interface {
	Emit(ctx context.Context, event Event) error
}

type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Emit(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type NoopSink struct{}

func (NoopSink) Emit(context.Context, Event) error { return nil }

type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) Sink {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s == nil {
			continue
		}
		filtered = append(filtered, s)
	}
	switch len(filtered) {
	case 0:
		return NoopSink{}
	case 1:
		return filtered[0]
	}
	return &MultiSink{sinks: filtered}
}

// Emit fans the event out to every sink; one failing sink does not starve the rest.
func (m *MultiSink) Emit(ctx context.Context, event Event) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, sink := range m.sinks {
		if err := sink.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events as structured log records.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, event Event) error {
	event.Normalize()
	level := slog.LevelDebug
	switch {
	case event.Status == StatusFailed:
		level = slog.LevelWarn
	case event.Kind == KindRun, event.Kind == KindSession, event.Kind == KindQueue:
		level = slog.LevelInfo
	}
	attrs := []slog.Attr{slog.String("kind", string(event.Kind))}
	if event.Status != "" {
		attrs = append(attrs, slog.String("status", string(event.Status)))
	}
	if event.LeadID != "" {
		attrs = append(attrs, slog.String("lead_id", event.LeadID))
	}
	if event.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", event.SessionID))
	}
	if event.RunID != "" {
		attrs = append(attrs, slog.String("run_id", event.RunID))
	}
	if event.ToolName != "" {
		attrs = append(attrs, slog.String("tool", event.ToolName))
	}
	if event.DurationMs > 0 {
		attrs = append(attrs, slog.Int64("duration_ms", event.DurationMs))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, slog.Any(k, v))
	}
	msg := event.Name
	if msg == "" {
		msg = event.Message
	}
	s.logger.LogAttrs(ctx, level, msg, attrs...)
	return nil
}

type AsyncSink struct {
	downstream Sink
	queue      chan Event
	once       sync.Once
	done       chan struct{}
}

func NewAsyncSink(downstream Sink, buffer int) *AsyncSink {
	if downstream == nil {
		downstream = NoopSink{}
	}
	if buffer <= 0 {
		buffer = 256
	}
	as := &AsyncSink{
		downstream: downstream,
		queue:      make(chan Event, buffer),
		done:       make(chan struct{}),
	}
	go as.loop()
	return as
}

func (s *AsyncSink) Emit(ctx context.Context, event Event) error {
	if s == nil {
		return nil
	}
	event.Normalize()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.queue <- event:
		return nil
	default:
		// Dropped under pressure; the orchestrator never blocks on telemetry.
		return nil
	}
}

// Close stops accepting events and waits for the backlog to drain.
func (s *AsyncSink) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() { close(s.queue) })
	<-s.done
}

func (s *AsyncSink) loop() {
	defer close(s.done)
	for event := range s.queue {
		_ = s.downstream.Emit(context.Background(), event)
	}
}
