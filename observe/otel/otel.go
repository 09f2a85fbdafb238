// Package otel bridges observe.Sink to OpenTelemetry tracing so that autopilot
// runs, engine polls and tool dispatches show up in any OTel backend.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/deangilmoreremix/contactsfeature-sub000/observe"
)

const instrumentationName = "github.com/deangilmoreremix/contactsfeature-sub000/orchestrator"

// Sink implements observe.Sink by emitting one span per event.
type Sink struct {
	tracer trace.Tracer
}

// NewSink creates an OTel sink. A nil provider yields a noop tracer.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{tracer: tp.Tracer(instrumentationName)}
}

func (s *Sink) Emit(ctx context.Context, event observe.Event) error {
	event.Normalize()
	if ctx == nil {
		ctx = context.Background()
	}

	startTime := event.Timestamp
	_, span := s.tracer.Start(ctx, spanNameFor(event), trace.WithTimestamp(startTime))

	attrs := []attribute.KeyValue{
		attribute.String("autopilot.event.kind", string(event.Kind)),
	}
	add := func(key, value string) {
		if value != "" {
			attrs = append(attrs, attribute.String(key, value))
		}
	}
	add("autopilot.lead.id", event.LeadID)
	add("autopilot.run.id", event.RunID)
	add("autopilot.session.id", event.SessionID)
	add("autopilot.span.id", event.SpanID)
	add("autopilot.parent_span.id", event.ParentSpanID)
	add("autopilot.engine", event.Engine)
	add("autopilot.tool.name", event.ToolName)
	add("autopilot.event.name", event.Name)
	add("autopilot.status", string(event.Status))
	add("autopilot.message", truncate(event.Message, 1024))
	if event.DurationMs > 0 {
		attrs = append(attrs, attribute.Int64("autopilot.duration_ms", event.DurationMs))
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, attribute.String("autopilot.attr."+k, fmt.Sprintf("%v", v)))
	}
	span.SetAttributes(attrs...)

	switch event.Status {
	case observe.StatusFailed:
		span.SetStatus(codes.Error, event.Error)
		if event.Error != "" {
			span.RecordError(errors.New(event.Error))
		}
	case observe.StatusCompleted:
		span.SetStatus(codes.Ok, "")
	}

	endTime := startTime
	if event.DurationMs > 0 {
		endTime = startTime.Add(time.Duration(event.DurationMs) * time.Millisecond)
	}
	span.End(trace.WithTimestamp(endTime))
	return nil
}

func spanNameFor(event observe.Event) string {
	switch event.Kind {
	case observe.KindRun:
		return "autopilot.run"
	case observe.KindEngine:
		if event.Engine != "" {
			return "autopilot.engine." + event.Engine
		}
		return "autopilot.engine"
	case observe.KindTool:
		if event.ToolName != "" {
			return "autopilot.tool." + event.ToolName
		}
		return "autopilot.tool"
	case observe.KindSession:
		return "autopilot.session"
	case observe.KindState:
		return "autopilot.state"
	case observe.KindQueue:
		if event.Name != "" {
			return "autopilot." + event.Name
		}
		return "autopilot.queue"
	default:
		if event.Name != "" {
			return "autopilot." + event.Name
		}
		return "autopilot.event"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
