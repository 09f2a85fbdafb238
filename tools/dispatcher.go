package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/deangilmoreremix/contactsfeature-sub000/observe"
	"github.com/deangilmoreremix/contactsfeature-sub000/types"
)

const (
	defaultToolTimeout = 30 * time.Second
	defaultConcurrency = 4
)

// Dispatcher turns invocations into results. It never returns an error and
// never lets a tool panic escape: every invocation gets exactly one result.
type Dispatcher struct {
	registry    *Registry
	timeout     time.Duration
	concurrency int
	observer    observe.Sink
	logger      *slog.Logger
}

type DispatcherOption func(*Dispatcher)

// WithToolTimeout bounds each tool execution. Zero disables the bound.
func WithToolTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout >= 0 {
			d.timeout = timeout
		}
	}
}

func WithConcurrency(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

func WithObserver(observer observe.Sink) DispatcherOption {
	return func(d *Dispatcher) { d.observer = observer }
}

func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	if registry == nil {
		registry = NewRegistry()
	}
	d := &Dispatcher{
		registry:    registry,
		timeout:     defaultToolTimeout,
		concurrency: defaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Registry() *Registry { return d.registry }

// DispatchAll runs the invocations concurrently and returns one result per
// invocation, in input order.
func (d *Dispatcher) DispatchAll(ctx context.Context, invocations []types.ToolInvocation) []types.ToolResult {
	results := make([]types.ToolResult, len(invocations))
	if len(invocations) == 0 {
		return results
	}
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, inv := range invocations {
		g.Go(func() error {
			results[i] = d.Dispatch(ctx, inv)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (d *Dispatcher) Dispatch(ctx context.Context, inv types.ToolInvocation) (result types.ToolResult) {
	startedAt := time.Now().UTC()
	scope := ScopeFrom(ctx)
	d.emit(ctx, types.Event{
		Type:         types.EventBeforeTool,
		Timestamp:    startedAt,
		RunID:        scope.RunID,
		SessionID:    scope.SessionID,
		LeadID:       scope.LeadID,
		ToolName:     inv.Name,
		InvocationID: inv.ID,
	})

	defer func() {
		if rec := recover(); rec != nil {
			d.logger.ErrorContext(ctx, "tool panicked",
				slog.String("tool", inv.Name),
				slog.String("invocation_id", inv.ID),
				slog.Any("panic", rec))
			result = failure(inv, fmt.Errorf("tool %q panicked: %v", inv.Name, rec))
		}
		finishedAt := time.Now().UTC()
		result.DurationMs = finishedAt.Sub(startedAt).Milliseconds()
		d.emit(ctx, types.Event{
			Type:         types.EventAfterTool,
			Timestamp:    finishedAt,
			RunID:        scope.RunID,
			SessionID:    scope.SessionID,
			LeadID:       scope.LeadID,
			ToolName:     inv.Name,
			InvocationID: inv.ID,
			Error:        result.Error,
			DurationMs:   result.DurationMs,
		})
	}()

	tool, ok := d.registry.Lookup(inv.Name)
	if !ok {
		return failure(inv, fmt.Errorf("%w %q", ErrUnknownTool, inv.Name))
	}
	if err := d.registry.Validate(inv.Name, inv.Arguments); err != nil {
		return failure(inv, err)
	}

	args := inv.Arguments
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	toolCtx := ctx
	cancel := func() {}
	if d.timeout > 0 {
		toolCtx, cancel = context.WithTimeout(ctx, d.timeout)
	}
	out, err := tool.Execute(toolCtx, args)
	cancel()
	if err != nil {
		d.logger.WarnContext(ctx, "tool failed",
			slog.String("tool", inv.Name),
			slog.String("invocation_id", inv.ID),
			slog.String("error", err.Error()))
		return failure(inv, err)
	}
	return success(inv, out)
}

func (d *Dispatcher) emit(ctx context.Context, event types.Event) {
	if d.observer == nil {
		return
	}
	_ = d.observer.Emit(ctx, observe.FromRuntimeEvent(event))
}

func failure(inv types.ToolInvocation, err error) types.ToolResult {
	msg := err.Error()
	output, _ := json.Marshal(map[string]any{"success": false, "error": msg})
	return types.ToolResult{
		InvocationID: inv.ID,
		Name:         inv.Name,
		Success:      false,
		Error:        msg,
		Output:       output,
	}
}

// success encodes a tool payload. Objects get "success":true unless the tool
// already reported its own outcome; other values are wrapped under "result".
func success(inv types.ToolInvocation, payload any) types.ToolResult {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return failure(inv, fmt.Errorf("encode tool output: %w", err))
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		wrapped, err := json.Marshal(map[string]any{"success": true, "result": json.RawMessage(raw)})
		if err != nil {
			return failure(inv, fmt.Errorf("encode tool output: %w", err))
		}
		return types.ToolResult{InvocationID: inv.ID, Name: inv.Name, Success: true, Output: wrapped}
	}

	ok := true
	if reported, exists := fields["success"]; exists {
		if err := json.Unmarshal(reported, &ok); err != nil {
			ok = true
			fields["success"] = json.RawMessage(`true`)
		}
	} else {
		fields["success"] = json.RawMessage(`true`)
	}
	res := types.ToolResult{InvocationID: inv.ID, Name: inv.Name, Success: ok}
	if !ok {
		var msg string
		if rawErr, exists := fields["error"]; exists {
			_ = json.Unmarshal(rawErr, &msg)
		}
		res.Error = msg
	}
	res.Output, err = json.Marshal(fields)
	if err != nil {
		return failure(inv, fmt.Errorf("encode tool output: %w", err))
	}
	return res
}
