package tools

import "context"

// Scope identifies the run a dispatch belongs to.
type Scope struct {
	LeadID    string
	AgentType string
	SessionID string
	RunID     string
}

type scopeKey struct{}

func WithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

func ScopeFrom(ctx context.Context) Scope {
	if ctx == nil {
		return Scope{}
	}
	scope, _ := ctx.Value(scopeKey{}).(Scope)
	return scope
}
