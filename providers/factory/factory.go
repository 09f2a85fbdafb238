// Package factory builds the configured reasoning engine.
package factory

import (
	"context"
	"fmt"
	"strings"

	"github.com/deangilmoreremix/contactsfeature-sub000/engine"
	"github.com/deangilmoreremix/contactsfeature-sub000/internal/config"
	azureopenaiprov "github.com/deangilmoreremix/contactsfeature-sub000/providers/azureopenai"
	openaiprov "github.com/deangilmoreremix/contactsfeature-sub000/providers/openai"
)

const assistantName = "SDR Autopilot"

// FromEnv builds the engine selected by AUTOPILOT_ENGINE.
func FromEnv(ctx context.Context) (engine.Engine, error) {
	return Open(ctx, config.LoadEngine(), "")
}

// Open builds an engine from cfg. instructions become the assistant's
// default instructions when the assistant has to be created.
func Open(_ context.Context, cfg config.EngineConfig, instructions string) (engine.Engine, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required when AUTOPILOT_ENGINE=openai")
		}
		return openaiprov.New(cfg.OpenAIAPIKey,
			openaiprov.WithModel(cfg.OpenAIModel),
			openaiprov.WithBaseURL(cfg.OpenAIBaseURL),
			openaiprov.WithAssistantID(cfg.OpenAIAssistantID),
			openaiprov.WithAssistant(assistantName, instructions),
		)

	case "azureopenai", "azure":
		if strings.TrimSpace(cfg.AzureAPIKey) == "" {
			return nil, fmt.Errorf("AZURE_OPENAI_API_KEY is required when AUTOPILOT_ENGINE=azureopenai")
		}
		if strings.TrimSpace(cfg.AzureEndpoint) == "" {
			return nil, fmt.Errorf("AZURE_OPENAI_ENDPOINT is required when AUTOPILOT_ENGINE=azureopenai")
		}
		if strings.TrimSpace(cfg.AzureDeployment) == "" {
			return nil, fmt.Errorf("AZURE_OPENAI_DEPLOYMENT is required when AUTOPILOT_ENGINE=azureopenai")
		}
		return azureopenaiprov.New(cfg.AzureAPIKey,
			azureopenaiprov.WithEndpoint(cfg.AzureEndpoint),
			azureopenaiprov.WithDeployment(cfg.AzureDeployment),
			azureopenaiprov.WithAPIVersion(cfg.AzureAPIVersion),
			azureopenaiprov.WithAssistantID(cfg.AzureAssistantID),
			azureopenaiprov.WithAssistant(assistantName, instructions),
		)

	default:
		return nil, fmt.Errorf("unsupported AUTOPILOT_ENGINE %q (supported: openai, azureopenai)", provider)
	}
}
