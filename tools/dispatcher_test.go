package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/deangilmoreremix/contactsfeature-sub000/observe"
	"github.com/deangilmoreremix/contactsfeature-sub000/types"
)

func newTestDispatcher(t *testing.T, opts ...DispatcherOption) (*Dispatcher, *int32) {
	t.Helper()
	var executed int32
	r := NewRegistry()
	r.MustRegister(
		NewTypedTool("greet", "Greets a lead", func(ctx context.Context, args greetArgs) (any, error) {
			atomic.AddInt32(&executed, 1)
			return map[string]any{"greeting": "hello " + args.LeadID}, nil
		}),
		NewFuncTool("fail", "Always fails", nil, func(context.Context, json.RawMessage) (any, error) {
			atomic.AddInt32(&executed, 1)
			return nil, errors.New("backend unavailable")
		}),
		NewFuncTool("explode", "Panics", nil, func(context.Context, json.RawMessage) (any, error) {
			panic("nil map write")
		}),
		NewFuncTool("scalar", "Returns a string", nil, func(context.Context, json.RawMessage) (any, error) {
			return "plain", nil
		}),
		NewFuncTool("soft_fail", "Reports its own failure", nil, func(context.Context, json.RawMessage) (any, error) {
			return map[string]any{"success": false, "error": "lead has no phone"}, nil
		}),
		NewFuncTool("slow", "Waits for cancellation", nil, func(ctx context.Context, _ json.RawMessage) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	)
	return NewDispatcher(r, opts...), &executed
}

func decodeOutput(t *testing.T, res types.ToolResult) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(res.Output, &out); err != nil {
		t.Fatalf("output is not a JSON object: %v (%s)", err, res.Output)
	}
	return out
}

func TestDispatchSuccessInjectsFlag(t *testing.T) {
	d, _ := newTestDispatcher(t)
	res := d.Dispatch(context.Background(), types.ToolInvocation{ID: "c1", Name: "greet", Arguments: json.RawMessage(`{"lead_id":"L1"}`)})
	if !res.Success || res.InvocationID != "c1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	out := decodeOutput(t, res)
	if out["success"] != true || out["greeting"] != "hello L1" {
		t.Fatalf("unexpected output: %v", out)
	}
}

func TestDispatchFailuresAreValues(t *testing.T) {
	d, executed := newTestDispatcher(t)
	tests := []struct {
		name    string
		inv     types.ToolInvocation
		wantErr string
	}{
		{"unknown", types.ToolInvocation{ID: "u", Name: "launch_rocket"}, `unknown tool "launch_rocket"`},
		{"invalid args", types.ToolInvocation{ID: "v", Name: "greet", Arguments: json.RawMessage(`{"channel":"sms"}`)}, "invalid arguments"},
		{"tool error", types.ToolInvocation{ID: "e", Name: "fail"}, "backend unavailable"},
		{"panic", types.ToolInvocation{ID: "p", Name: "explode"}, "panicked"},
		{"soft failure", types.ToolInvocation{ID: "s", Name: "soft_fail"}, "lead has no phone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := d.Dispatch(context.Background(), tt.inv)
			if res.Success {
				t.Fatalf("expected failure, got %+v", res)
			}
			if res.InvocationID != tt.inv.ID {
				t.Fatalf("result keyed to %q, want %q", res.InvocationID, tt.inv.ID)
			}
			if !strings.Contains(res.Error, tt.wantErr) {
				t.Fatalf("error %q does not mention %q", res.Error, tt.wantErr)
			}
			out := decodeOutput(t, res)
			if out["success"] != false {
				t.Fatalf("output missing success:false: %v", out)
			}
		})
	}
	// Only the "fail" tool ran; the invalid invocation never reached greet.
	if got := atomic.LoadInt32(executed); got != 1 {
		t.Fatalf("expected exactly one execution, got %d", got)
	}
}

func TestDispatchWrapsScalarPayload(t *testing.T) {
	d, _ := newTestDispatcher(t)
	res := d.Dispatch(context.Background(), types.ToolInvocation{ID: "x", Name: "scalar"})
	out := decodeOutput(t, res)
	if !res.Success || out["result"] != "plain" || out["success"] != true {
		t.Fatalf("unexpected output: %v", out)
	}
}

func TestDispatchTimeout(t *testing.T) {
	d, _ := newTestDispatcher(t, WithToolTimeout(20*time.Millisecond))
	start := time.Now()
	res := d.Dispatch(context.Background(), types.ToolInvocation{ID: "t", Name: "slow"})
	if res.Success || !strings.Contains(res.Error, "deadline exceeded") {
		t.Fatalf("expected deadline failure, got %+v", res)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout not enforced")
	}
}

func TestDispatchAllKeepsOrderAndCount(t *testing.T) {
	d, _ := newTestDispatcher(t, WithConcurrency(3))
	invs := []types.ToolInvocation{
		{ID: "a", Name: "greet", Arguments: json.RawMessage(`{"lead_id":"L1"}`)},
		{ID: "b", Name: "nope"},
		{ID: "c", Name: "fail"},
		{ID: "d", Name: "explode"},
		{ID: "e", Name: "greet", Arguments: json.RawMessage(`{"lead_id":"L2"}`)},
	}
	results := d.DispatchAll(context.Background(), invs)
	if len(results) != len(invs) {
		t.Fatalf("expected %d results, got %d", len(invs), len(results))
	}
	for i, res := range results {
		if res.InvocationID != invs[i].ID {
			t.Fatalf("result %d keyed to %q, want %q", i, res.InvocationID, invs[i].ID)
		}
	}
	if !results[0].Success || results[1].Success || results[2].Success || results[3].Success || !results[4].Success {
		t.Fatalf("unexpected success pattern: %+v", results)
	}
}

func TestDispatchEmitsToolEvents(t *testing.T) {
	var (
		mu     sync.Mutex
		events []observe.Event
	)
	sink := observe.SinkFunc(func(_ context.Context, e observe.Event) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
		return nil
	})
	d, _ := newTestDispatcher(t, WithObserver(sink))
	ctx := WithScope(context.Background(), Scope{LeadID: "L1", RunID: "run_1", SessionID: "thread_1"})
	d.Dispatch(ctx, types.ToolInvocation{ID: "c1", Name: "fail"})

	if len(events) != 2 {
		t.Fatalf("expected before/after events, got %d", len(events))
	}
	after := events[1]
	if after.Kind != observe.KindTool || after.Status != observe.StatusFailed {
		t.Fatalf("unexpected after event: %+v", after)
	}
	if after.RunID != "run_1" || after.LeadID != "L1" || after.ToolName != "fail" {
		t.Fatalf("scope not propagated: %+v", after)
	}
}

func TestUnknownToolProperty(t *testing.T) {
	d, _ := newTestDispatcher(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("unregistered names yield exactly one soft failure", prop.ForAll(
		func(name, id string, payload string) bool {
			if _, ok := d.Registry().Lookup(name); ok {
				return true
			}
			var res types.ToolResult
			panicked := func() (p bool) {
				defer func() { p = recover() != nil }()
				res = d.Dispatch(context.Background(), types.ToolInvocation{
					ID:        id,
					Name:      name,
					Arguments: json.RawMessage(fmt.Sprintf(`{"v":%q}`, payload)),
				})
				return false
			}()
			if panicked || res.Success || res.InvocationID != id {
				return false
			}
			var out map[string]any
			if err := json.Unmarshal(res.Output, &out); err != nil {
				return false
			}
			return out["success"] == false && strings.Contains(res.Error, "unknown tool")
		},
		gen.AnyString(),
		gen.Identifier(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestDispatchAllBatchProperty(t *testing.T) {
	d, _ := newTestDispatcher(t)
	names := []string{"greet", "fail", "explode", "scalar", "missing", "soft_fail"}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("one result per invocation, keyed to its id", prop.ForAll(
		func(picks []int) bool {
			invs := make([]types.ToolInvocation, len(picks))
			for i, p := range picks {
				invs[i] = types.ToolInvocation{
					ID:        fmt.Sprintf("call_%d", i),
					Name:      names[p],
					Arguments: json.RawMessage(`{"lead_id":"L1"}`),
				}
			}
			results := d.DispatchAll(context.Background(), invs)
			if len(results) != len(invs) {
				return false
			}
			seen := map[string]bool{}
			for i, res := range results {
				if res.InvocationID != invs[i].ID || seen[res.InvocationID] {
					return false
				}
				seen[res.InvocationID] = true
				if !json.Valid(res.Output) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(names)-1)),
	))

	properties.TestingRun(t)
}
