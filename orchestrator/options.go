package orchestrator

import (
	"log/slog"
	"time"

	"github.com/deangilmoreremix/contactsfeature-sub000/observe"
	"github.com/deangilmoreremix/contactsfeature-sub000/state"
)

const (
	DefaultAgentType       = "sdr_autopilot"
	DefaultPollInterval    = time.Second
	defaultToolTimeout     = 30 * time.Second
	defaultToolConcurrency = 4
)

type settings struct {
	agentType       string
	instructions    string
	pendingTTL      time.Duration
	pollInterval    time.Duration
	maxPolls        int
	toolTimeout     time.Duration
	toolConcurrency int
	locker          Locker
	runs            state.RunStore
	logger          *slog.Logger
	observer        observe.Sink
	now             func() time.Time
}

func defaultSettings() settings {
	return settings{
		agentType:       DefaultAgentType,
		pendingTTL:      state.DefaultPendingTTL,
		pollInterval:    DefaultPollInterval,
		toolTimeout:     defaultToolTimeout,
		toolConcurrency: defaultToolConcurrency,
		logger:          slog.Default(),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

func buildSettings(opts []Option) settings {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Option configures an Orchestrator, Driver or SessionResolver. Each
// component ignores the settings it does not use.
type Option func(*settings)

func WithAgentType(agentType string) Option {
	return func(s *settings) {
		if agentType != "" {
			s.agentType = agentType
		}
	}
}

// WithInstructions sets the system instructions sent with every run.
func WithInstructions(instructions string) Option {
	return func(s *settings) { s.instructions = instructions }
}

func WithPendingTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.pendingTTL = ttl
		}
	}
}

func WithPollInterval(interval time.Duration) Option {
	return func(s *settings) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

// WithMaxPolls bounds the poll loop. Zero means unbounded.
func WithMaxPolls(n int) Option {
	return func(s *settings) {
		if n >= 0 {
			s.maxPolls = n
		}
	}
}

func WithToolTimeout(timeout time.Duration) Option {
	return func(s *settings) {
		if timeout >= 0 {
			s.toolTimeout = timeout
		}
	}
}

func WithToolConcurrency(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.toolConcurrency = n
		}
	}
}

func WithLocker(locker Locker) Option {
	return func(s *settings) { s.locker = locker }
}

// WithRunStore records every driver run. The orchestrator defaults to its
// state store.
func WithRunStore(runs state.RunStore) Option {
	return func(s *settings) { s.runs = runs }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithObserver(observer observe.Sink) Option {
	return func(s *settings) { s.observer = observer }
}

func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}
