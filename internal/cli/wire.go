package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/deangilmoreremix/contactsfeature-sub000/channels"
	"github.com/deangilmoreremix/contactsfeature-sub000/engine"
	"github.com/deangilmoreremix/contactsfeature-sub000/guardrail"
	"github.com/deangilmoreremix/contactsfeature-sub000/internal/config"
	"github.com/deangilmoreremix/contactsfeature-sub000/leads"
	leadspostgres "github.com/deangilmoreremix/contactsfeature-sub000/leads/postgres"
	leadssqlite "github.com/deangilmoreremix/contactsfeature-sub000/leads/sqlite"
	"github.com/deangilmoreremix/contactsfeature-sub000/observe"
	observeotel "github.com/deangilmoreremix/contactsfeature-sub000/observe/otel"
	eventstore "github.com/deangilmoreremix/contactsfeature-sub000/observe/store"
	eventsqlite "github.com/deangilmoreremix/contactsfeature-sub000/observe/store/sqlite"
	"github.com/deangilmoreremix/contactsfeature-sub000/orchestrator"
	providerfactory "github.com/deangilmoreremix/contactsfeature-sub000/providers/factory"
	"github.com/deangilmoreremix/contactsfeature-sub000/runtime/queue"
	"github.com/deangilmoreremix/contactsfeature-sub000/runtime/queue/redisstreams"
	"github.com/deangilmoreremix/contactsfeature-sub000/state"
	statefactory "github.com/deangilmoreremix/contactsfeature-sub000/state/factory"
	"github.com/deangilmoreremix/contactsfeature-sub000/tools"
	"github.com/deangilmoreremix/contactsfeature-sub000/tools/sdr"
	"github.com/deangilmoreremix/contactsfeature-sub000/types"
)

// app holds every collaborator a command may need. Close releases them in
// reverse order of construction.
type app struct {
	cfg          config.Config
	logger       *slog.Logger
	store        state.Store
	leads        leads.Store
	engine       engine.Engine
	registry     *tools.Registry
	orchestrator *orchestrator.Orchestrator
	queue        queue.Queue
	observer     observe.Sink
	events       eventstore.Store
	closers      []func() error
}

type appOptions struct {
	// offline skips the engine, for commands that only read or write state.
	offline bool
	queue   bool
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func newApp(ctx context.Context, cfg config.Config, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg, logger: newLogger(cfg.LogLevel, os.Stderr)}
	slog.SetDefault(a.logger)
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.store, err = statefactory.Open(ctx, cfg.State, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	sinks := []observe.Sink{observe.NewLogSink(a.logger)}
	if cfg.OTelEnabled {
		sinks = append(sinks, observeotel.NewSink(otel.GetTracerProvider()))
	}
	if cfg.EventsPath != "" {
		journal, err := eventsqlite.New(cfg.EventsPath)
		if err != nil {
			return nil, err
		}
		a.events = journal
		async := observe.NewAsyncSink(eventstore.Sink(journal), 256)
		// Drain the async buffer before the journal closes.
		a.closers = append(a.closers, journal.Close, func() error { async.Close(); return nil })
		sinks = append(sinks, async)
	}
	a.observer = observe.NewMultiSink(sinks...)

	if a.leads, err = openLeads(ctx, cfg.Leads, a.logger); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.leads.Close)

	mailer, scheduler, err := openChannels(cfg.Channels, a.logger)
	if err != nil {
		return nil, err
	}
	senders := sdr.DefaultSenderDirectory()
	if cfg.Channels.SendersFile != "" {
		if senders, err = sdr.LoadSenderDirectory(cfg.Channels.SendersFile); err != nil {
			return nil, err
		}
	}
	a.registry, err = sdr.NewRegistry(sdr.Deps{
		Leads:      a.leads,
		Mailer:     mailer,
		Scheduler:  scheduler,
		Autopilot:  a.store,
		Senders:    senders,
		Guardrails: guardrail.DefaultOutbound(),
		AgentType:  cfg.AgentType,
		Logger:     a.logger,
	})
	if err != nil {
		return nil, err
	}

	if opts.offline {
		a.engine = offlineEngine{}
	} else if a.engine, err = providerfactory.Open(ctx, cfg.Engine, cfg.Instructions); err != nil {
		return nil, err
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithAgentType(cfg.AgentType),
		orchestrator.WithInstructions(cfg.Instructions),
		orchestrator.WithPendingTTL(cfg.Driver.PendingTTL),
		orchestrator.WithPollInterval(cfg.Driver.PollInterval),
		orchestrator.WithMaxPolls(cfg.Driver.MaxPolls),
		orchestrator.WithToolTimeout(cfg.Driver.ToolTimeout),
		orchestrator.WithToolConcurrency(cfg.Driver.ToolConcurrency),
		orchestrator.WithLogger(a.logger),
		orchestrator.WithObserver(a.observer),
	}
	if cfg.LockBackend == "redis" {
		rs, err := statefactory.OpenRedis(cfg.State)
		if err != nil {
			return nil, fmt.Errorf("open redis lock backend: %w", err)
		}
		a.closers = append(a.closers, rs.Close)
		orchOpts = append(orchOpts, orchestrator.WithLocker(orchestrator.NewLeaseLocker(rs, 0, a.logger)))
	}
	if a.orchestrator, err = orchestrator.New(a.engine, a.store, a.registry, orchOpts...); err != nil {
		return nil, err
	}

	if opts.queue {
		if a.queue, err = openQueue(cfg); err != nil {
			return nil, err
		}
		if a.queue != nil {
			a.closers = append(a.closers, a.queue.Close)
		}
	}
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openLeads(ctx context.Context, cfg config.LeadsConfig, logger *slog.Logger) (leads.Store, error) {
	switch cfg.Backend {
	case "postgres":
		store, err := leadspostgres.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	case "memory":
		return leads.NewMemoryStore(), nil
	case "", "sqlite":
		return leadssqlite.New(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported AUTOPILOT_LEADS_BACKEND %q", cfg.Backend)
	}
}

// openChannels returns the HTTP gateways, or an in-memory recorder for dry
// runs and when no gateway is configured.
func openChannels(cfg config.ChannelsConfig, logger *slog.Logger) (channels.Mailer, channels.MeetingScheduler, error) {
	recorder := channels.NewRecorder()
	var (
		mailer    channels.Mailer           = recorder
		scheduler channels.MeetingScheduler = recorder
	)
	if cfg.DryRun {
		logger.Info("dry run: outbound messages and meetings are recorded, not sent")
		return mailer, scheduler, nil
	}
	if cfg.MailerURL != "" {
		m, err := channels.NewHTTPMailer(cfg.MailerURL, channels.WithToken(cfg.Token))
		if err != nil {
			return nil, nil, err
		}
		mailer = m
	} else {
		logger.Warn("AUTOPILOT_MAILER_URL is not set; outbound messages are recorded, not sent")
	}
	if cfg.SchedulerURL != "" {
		s, err := channels.NewHTTPScheduler(cfg.SchedulerURL, channels.WithToken(cfg.Token))
		if err != nil {
			return nil, nil, err
		}
		scheduler = s
	}
	if cfg.SendRate > 0 {
		mailer = channels.NewThrottle(mailer, cfg.SendRate, cfg.SendBurst)
	}
	return mailer, scheduler, nil
}

func openQueue(cfg config.Config) (queue.Queue, error) {
	switch cfg.Queue.Backend {
	case "memory":
		return queue.NewMemory(), nil
	case "redis":
		return redisstreams.New(cfg.State.RedisAddr,
			redisstreams.WithPassword(cfg.State.RedisPassword),
			redisstreams.WithDB(cfg.State.RedisDB),
			redisstreams.WithPrefix(cfg.Queue.Prefix+":queue"),
		)
	default:
		return nil, nil
	}
}

// offlineEngine backs commands such as status and pause that never talk to
// the engine, so they work without API credentials.
type offlineEngine struct{}

var errOffline = errors.New("engine is not available for this command")

func (offlineEngine) Name() string { return "offline" }
func (offlineEngine) CreateSession(context.Context) (string, error) {
	return "", errOffline
}
func (offlineEngine) AppendMessage(context.Context, string, types.Message) error { return errOffline }
func (offlineEngine) CreateRun(context.Context, engine.RunRequest) (types.Run, error) {
	return types.Run{}, errOffline
}
func (offlineEngine) GetRun(context.Context, string, string) (types.Run, error) {
	return types.Run{}, errOffline
}
func (offlineEngine) SubmitToolOutputs(context.Context, string, string, []types.ToolResult) (types.Run, error) {
	return types.Run{}, errOffline
}
func (offlineEngine) CancelRun(context.Context, string, string) (types.Run, error) {
	return types.Run{}, errOffline
}
func (offlineEngine) ListMessages(context.Context, string) ([]types.Message, error) {
	return nil, errOffline
}

var _ engine.Engine = offlineEngine{}
