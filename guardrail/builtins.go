package guardrail

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxLength rejects bodies longer than Limit runes.
type MaxLength struct {
	Limit  int
	Action Action
}

func (g *MaxLength) Name() string { return "max_length" }

func (g *MaxLength) Check(_ context.Context, text string) (Result, error) {
	if g.Limit <= 0 || utf8.RuneCountInString(text) <= g.Limit {
		return PassResult(g.Name()), nil
	}
	return Result{
		Triggered: true,
		Action:    orDefault(g.Action, ActionBlock),
		Name:      g.Name(),
		Message:   "message exceeds maximum length",
	}, nil
}

// BlockedPhrases stops messages containing phrases a sales team must never
// send. Matching is case-insensitive.
type BlockedPhrases struct {
	Phrases []string
	Action  Action
}

var defaultBlockedPhrases = []string{
	"guaranteed returns",
	"risk-free investment",
	"act now or lose",
	"wire the payment",
	"send your password",
	"gift card",
}

func (g *BlockedPhrases) Name() string { return "blocked_phrases" }

func (g *BlockedPhrases) Check(_ context.Context, text string) (Result, error) {
	phrases := g.Phrases
	if len(phrases) == 0 {
		phrases = defaultBlockedPhrases
	}
	lower := strings.ToLower(text)
	for _, p := range phrases {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return Result{
				Triggered: true,
				Action:    orDefault(g.Action, ActionBlock),
				Name:      g.Name(),
				Message:   "blocked phrase: " + p,
			}, nil
		}
	}
	return PassResult(g.Name()), nil
}

// SensitiveData redacts government ids and card numbers. Email addresses and
// phone numbers are left alone: signatures legitimately carry them.
type SensitiveData struct {
	Action Action
}

var sensitivePatterns = []struct {
	pattern *regexp.Regexp
	replace string
}{
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[SSN_REDACTED]"},
	{regexp.MustCompile(`\b(?:\d{4}[\s\-]?){3}\d{4}\b`), "[CC_REDACTED]"},
}

func (g *SensitiveData) Name() string { return "sensitive_data" }

func (g *SensitiveData) Check(_ context.Context, text string) (Result, error) {
	redacted, hit := text, false
	for _, p := range sensitivePatterns {
		if p.pattern.MatchString(redacted) {
			hit = true
			redacted = p.pattern.ReplaceAllString(redacted, p.replace)
		}
	}
	if !hit {
		return PassResult(g.Name()), nil
	}
	return Result{
		Triggered:    true,
		Action:       orDefault(g.Action, ActionRedact),
		Name:         g.Name(),
		Message:      "sensitive data redacted",
		RedactedText: redacted,
	}, nil
}

// SecretGuard redacts credentials that leaked into a draft.
type SecretGuard struct {
	Patterns []*regexp.Regexp
	Action   Action
}

var defaultSecretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(AKIA|ASIA)[0-9A-Z]{16}`),
	regexp.MustCompile(`(ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9_]{36,255}`),
	regexp.MustCompile(`sk-[A-Za-z0-9\-_]{20,}`),
	regexp.MustCompile(`-----BEGIN\s+(RSA|DSA|EC|OPENSSH|PGP|ENCRYPTED)?\s*PRIVATE KEY-----`),
	regexp.MustCompile(`eyJ[A-Za-z0-9\-_]+\.eyJ[A-Za-z0-9\-_]+\.[A-Za-z0-9\-_]+`),
	regexp.MustCompile(`(?i)(postgres(ql)?|mysql|redis|amqp):\/\/[^:/?#\s]+:[^@/?#\s]+@`),
	regexp.MustCompile(`(?i)(password|passwd|api[_\-]?key|secret)\s*[=:]\s*["']?[^\s"',;]{6,}`),
}

func (g *SecretGuard) Name() string { return "secret_guard" }

func (g *SecretGuard) Check(_ context.Context, text string) (Result, error) {
	patterns := g.Patterns
	if len(patterns) == 0 {
		patterns = defaultSecretPatterns
	}
	redacted, hit := text, false
	for _, p := range patterns {
		if p.MatchString(redacted) {
			hit = true
			redacted = p.ReplaceAllString(redacted, "[SECRET_REDACTED]")
		}
	}
	if !hit {
		return PassResult(g.Name()), nil
	}
	return Result{
		Triggered:    true,
		Action:       orDefault(g.Action, ActionRedact),
		Name:         g.Name(),
		Message:      "secrets redacted",
		RedactedText: redacted,
	}, nil
}

func orDefault(a, def Action) Action {
	if a == "" {
		return def
	}
	return a
}
