package factory

import (
	"context"
	"testing"

	"github.com/deangilmoreremix/contactsfeature-sub000/internal/config"
)

func TestFromEnv_OpenAI(t *testing.T) {
	t.Setenv("AUTOPILOT_ENGINE", "openai")
	t.Setenv("OPENAI_API_KEY", "test-openai-key")
	t.Setenv("OPENAI_MODEL", "gpt-4o-mini")

	eng, err := FromEnv(context.Background())
	if err != nil {
		t.Fatalf("FromEnv returned error: %v", err)
	}
	if eng.Name() != "openai" {
		t.Fatalf("expected openai engine, got %q", eng.Name())
	}
}

func TestFromEnv_AzureOpenAI(t *testing.T) {
	t.Setenv("AUTOPILOT_ENGINE", "azureopenai")
	t.Setenv("AZURE_OPENAI_API_KEY", "test-azure-key")
	t.Setenv("AZURE_OPENAI_ENDPOINT", "https://example.openai.azure.com")
	t.Setenv("AZURE_OPENAI_DEPLOYMENT", "gpt-4o-mini")

	eng, err := FromEnv(context.Background())
	if err != nil {
		t.Fatalf("FromEnv returned error: %v", err)
	}
	if eng.Name() != "azureopenai" {
		t.Fatalf("expected azureopenai engine, got %q", eng.Name())
	}
}

func TestOpen_MissingCredentials(t *testing.T) {
	cases := []config.EngineConfig{
		{Provider: "openai"},
		{Provider: "azureopenai", AzureAPIKey: "k"},
		{Provider: "azureopenai", AzureAPIKey: "k", AzureEndpoint: "https://x"},
	}
	for _, cfg := range cases {
		if _, err := Open(context.Background(), cfg, ""); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
}

func TestOpen_UnsupportedProvider(t *testing.T) {
	if _, err := Open(context.Background(), config.EngineConfig{Provider: "gemini"}, ""); err == nil {
		t.Fatalf("expected unsupported engine error")
	}
}
