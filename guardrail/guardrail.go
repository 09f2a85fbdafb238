// Package guardrail screens outbound lead messages before they are sent.
//
// A Pipeline runs its guards in order. A guard can block the message, redact
// part of it, or flag it while letting it through.
package guardrail

import (
	"context"
	"fmt"
	"strings"
)

type Action string

const (
	ActionBlock  Action = "block"
	ActionWarn   Action = "warn"
	ActionRedact Action = "redact"
)

type Result struct {
	Triggered    bool   `json:"triggered"`
	Action       Action `json:"action,omitempty"`
	Name         string `json:"name"`
	Message      string `json:"message,omitempty"`
	RedactedText string `json:"redactedText,omitempty"`
}

// Guard checks one outbound message body.
type Guard interface {
	Name() string
	Check(ctx context.Context, text string) (Result, error)
}

// BlockedError is returned by Enforce when a guard blocks the message.
type BlockedError struct {
	Guard   string
	Message string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("guardrail %q blocked: %s", e.Guard, e.Message)
}

type Pipeline struct {
	guards []Guard
}

func NewPipeline(guards ...Guard) *Pipeline {
	return &Pipeline{guards: guards}
}

func (p *Pipeline) Add(g Guard) *Pipeline {
	p.guards = append(p.guards, g)
	return p
}

func (p *Pipeline) Guards() []Guard { return p.guards }

// Check runs every guard. The first block stops the pipeline and is the only
// result returned. Redactions are applied cumulatively to the returned text.
func (p *Pipeline) Check(ctx context.Context, text string) (string, []Result, error) {
	if p == nil {
		return text, nil, nil
	}
	var flagged []Result
	for _, g := range p.guards {
		res, err := g.Check(ctx, text)
		if err != nil {
			return "", nil, fmt.Errorf("guardrail %q failed: %w", g.Name(), err)
		}
		if !res.Triggered {
			continue
		}
		switch res.Action {
		case ActionBlock:
			return "", []Result{res}, nil
		case ActionRedact:
			if res.RedactedText != "" {
				text = res.RedactedText
			}
			flagged = append(flagged, res)
		default:
			flagged = append(flagged, res)
		}
	}
	return text, flagged, nil
}

// Enforce is Check with blocks turned into a *BlockedError.
func (p *Pipeline) Enforce(ctx context.Context, text string) (string, []Result, error) {
	out, results, err := p.Check(ctx, text)
	if err != nil {
		return "", nil, err
	}
	if HasBlock(results) {
		return "", results, &BlockedError{Guard: results[0].Name, Message: results[0].Message}
	}
	return out, results, nil
}

func BlockResult(name, message string) Result {
	return Result{Triggered: true, Action: ActionBlock, Name: name, Message: message}
}

func PassResult(name string) Result {
	return Result{Name: name}
}

func HasBlock(results []Result) bool {
	for _, r := range results {
		if r.Triggered && r.Action == ActionBlock {
			return true
		}
	}
	return false
}

// Summary renders triggered results for logs and tool output.
func Summary(results []Result) string {
	if len(results) == 0 {
		return "all guardrails passed"
	}
	parts := make([]string, 0, len(results))
	for _, r := range results {
		if r.Triggered {
			parts = append(parts, fmt.Sprintf("[%s] %s: %s", r.Action, r.Name, r.Message))
		}
	}
	return strings.Join(parts, "; ")
}

// DefaultOutbound is the pipeline applied to autopilot messages unless the
// caller supplies one.
func DefaultOutbound() *Pipeline {
	return NewPipeline(
		&MaxLength{Limit: 5000},
		&BlockedPhrases{},
		&SecretGuard{},
		&SensitiveData{},
	)
}
