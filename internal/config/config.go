// Package config loads the autopilot configuration from environment
// variables, optionally seeded from a .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AgentType    string
	Instructions string
	LogLevel     string

	Engine   EngineConfig
	Driver   DriverConfig
	State    StateConfig
	Leads    LeadsConfig
	Channels ChannelsConfig
	Queue    QueueConfig

	LockBackend string // "local" or "redis"
	HTTPAddr    string
	OTelEnabled bool
	// EventsPath enables the SQLite event journal when set.
	EventsPath string
}

type EngineConfig struct {
	Provider string // "openai" or "azureopenai"

	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAIModel       string
	OpenAIAssistantID string

	AzureAPIKey      string
	AzureEndpoint    string
	AzureDeployment  string
	AzureAPIVersion  string
	AzureAssistantID string
}

type DriverConfig struct {
	PollInterval    time.Duration
	MaxPolls        int
	ToolTimeout     time.Duration
	ToolConcurrency int
	PendingTTL      time.Duration
}

type StateConfig struct {
	Backend       string // "sqlite", "redis", "hybrid" or "memory"
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration
	RedisPrefix   string
}

type LeadsConfig struct {
	Backend     string // "postgres", "sqlite" or "memory"
	DatabaseURL string
	SQLitePath  string
}

type ChannelsConfig struct {
	MailerURL    string
	SchedulerURL string
	Token        string
	SendRate     float64
	SendBurst    int
	SendersFile  string
	DryRun       bool
}

type QueueConfig struct {
	Backend     string // "none", "memory" or "redis"
	Prefix      string
	MaxAttempts int
	Workers     int
}

// Load reads .env (when present) and the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		AgentType:    envStr("AUTOPILOT_AGENT_TYPE", "sdr_autopilot"),
		Instructions: envStr("AUTOPILOT_INSTRUCTIONS", DefaultInstructions),
		LogLevel:     envStr("AUTOPILOT_LOG_LEVEL", "info"),
		Engine:       LoadEngine(),
		Driver: DriverConfig{
			PollInterval:    envDuration("AUTOPILOT_POLL_INTERVAL", time.Second),
			MaxPolls:        ParseIntEnv("AUTOPILOT_MAX_POLLS", 0),
			ToolTimeout:     envDuration("AUTOPILOT_TOOL_TIMEOUT", 30*time.Second),
			ToolConcurrency: ParseIntEnv("AUTOPILOT_TOOL_CONCURRENCY", 4),
			PendingTTL:      envDuration("AUTOPILOT_SESSION_PENDING_TTL", 2*time.Minute),
		},
		State: LoadState(),
		Leads: LeadsConfig{
			Backend:     strings.ToLower(envStr("AUTOPILOT_LEADS_BACKEND", "sqlite")),
			DatabaseURL: envStr("DATABASE_URL", ""),
			SQLitePath:  envStr("AUTOPILOT_LEADS_SQLITE_PATH", "./.autopilot/crm.db"),
		},
		Channels: ChannelsConfig{
			MailerURL:    envStr("AUTOPILOT_MAILER_URL", ""),
			SchedulerURL: envStr("AUTOPILOT_SCHEDULER_URL", ""),
			Token:        envStr("AUTOPILOT_CHANNEL_TOKEN", ""),
			SendRate:     envFloat("AUTOPILOT_SEND_RATE", 1),
			SendBurst:    ParseIntEnv("AUTOPILOT_SEND_BURST", 5),
			SendersFile:  envStr("AUTOPILOT_SENDERS_FILE", ""),
			DryRun:       envBool("AUTOPILOT_DRY_RUN", false),
		},
		Queue: QueueConfig{
			Backend:     strings.ToLower(envStr("AUTOPILOT_QUEUE_BACKEND", "none")),
			Prefix:      envStr("AUTOPILOT_QUEUE_PREFIX", "autopilot"),
			MaxAttempts: ParseIntEnv("AUTOPILOT_QUEUE_MAX_ATTEMPTS", 3),
			Workers:     ParseIntEnv("AUTOPILOT_QUEUE_WORKERS", 4),
		},
		LockBackend: strings.ToLower(envStr("AUTOPILOT_LOCK_BACKEND", "local")),
		HTTPAddr:    envStr("AUTOPILOT_HTTP_ADDR", ":8080"),
		OTelEnabled: envBool("OTEL_ENABLED", false),
		EventsPath:  envStr("AUTOPILOT_EVENTS_PATH", ""),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadEngine reads only the reasoning-engine settings.
func LoadEngine() EngineConfig {
	return EngineConfig{
		Provider:          strings.ToLower(envStr("AUTOPILOT_ENGINE", "openai")),
		OpenAIAPIKey:      envStr("OPENAI_API_KEY", ""),
		OpenAIBaseURL:     envStr("OPENAI_BASE_URL", "https://api.openai.com"),
		OpenAIModel:       envStr("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIAssistantID: envStr("OPENAI_ASSISTANT_ID", ""),
		AzureAPIKey:       envStr("AZURE_OPENAI_API_KEY", ""),
		AzureEndpoint:     envStr("AZURE_OPENAI_ENDPOINT", ""),
		AzureDeployment:   envStr("AZURE_OPENAI_DEPLOYMENT", ""),
		AzureAPIVersion:   envStr("AZURE_OPENAI_API_VERSION", "2024-05-01-preview"),
		AzureAssistantID:  envStr("AZURE_OPENAI_ASSISTANT_ID", ""),
	}
}

// LoadState reads only the state-store settings.
func LoadState() StateConfig {
	return StateConfig{
		Backend:       strings.ToLower(envStr("AUTOPILOT_STATE_BACKEND", "sqlite")),
		SQLitePath:    envStr("AUTOPILOT_SQLITE_PATH", "./.autopilot/state.db"),
		RedisAddr:     envStr("AUTOPILOT_REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: envStr("AUTOPILOT_REDIS_PASSWORD", ""),
		RedisDB:       ParseIntEnv("AUTOPILOT_REDIS_DB", 0),
		RedisTTL:      envDuration("AUTOPILOT_REDIS_TTL", 72*time.Hour),
		RedisPrefix:   envStr("AUTOPILOT_REDIS_PREFIX", "autopilot"),
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.AgentType) == "" {
		return fmt.Errorf("config: AUTOPILOT_AGENT_TYPE must not be empty")
	}
	if c.Driver.PollInterval <= 0 {
		return fmt.Errorf("config: AUTOPILOT_POLL_INTERVAL must be positive")
	}
	if c.Driver.MaxPolls < 0 {
		return fmt.Errorf("config: AUTOPILOT_MAX_POLLS must be >= 0")
	}
	if c.Driver.ToolConcurrency <= 0 {
		return fmt.Errorf("config: AUTOPILOT_TOOL_CONCURRENCY must be positive")
	}
	switch c.State.Backend {
	case "sqlite", "redis", "hybrid", "memory":
	default:
		return fmt.Errorf("config: unsupported AUTOPILOT_STATE_BACKEND %q (use sqlite, redis, hybrid, or memory)", c.State.Backend)
	}
	switch c.Leads.Backend {
	case "postgres":
		if c.Leads.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres leads backend")
		}
	case "sqlite", "memory":
	default:
		return fmt.Errorf("config: unsupported AUTOPILOT_LEADS_BACKEND %q (use postgres, sqlite, or memory)", c.Leads.Backend)
	}
	switch c.Queue.Backend {
	case "none", "memory", "redis":
	default:
		return fmt.Errorf("config: unsupported AUTOPILOT_QUEUE_BACKEND %q (use none, memory, or redis)", c.Queue.Backend)
	}
	switch c.LockBackend {
	case "local", "redis":
	default:
		return fmt.Errorf("config: unsupported AUTOPILOT_LOCK_BACKEND %q (use local or redis)", c.LockBackend)
	}
	return nil
}

// DefaultInstructions is the system prompt given to the SDR assistant when
// AUTOPILOT_INSTRUCTIONS is unset.
const DefaultInstructions = `You are an autonomous sales development representative working one lead at a time.
Always start by calling get_lead_context for the lead you were given.
Use send_message to reach the lead, create_followup_task for work a human must do,
update_pipeline_stage when the lead's stage changes, and schedule_meeting when the lead agrees to talk.
Call persist_state with a JSON object describing the campaign progress before you finish.
Never contact any lead other than the one you were given.
Finish with a short summary of what you did.`
