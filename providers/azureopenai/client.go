// Package azureopenai runs the Assistants v2 protocol against an Azure
// OpenAI resource. Requests authenticate with the api-key header and carry
// the api-version query parameter; the deployment name is the model.
package azureopenai

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/deangilmoreremix/contactsfeature-sub000/engine"
	"github.com/deangilmoreremix/contactsfeature-sub000/providers/openai"
)

const defaultAPIVersion = "2024-05-01-preview"

type Client struct {
	*openai.Client
	deployment string
	apiVersion string
}

type settings struct {
	endpoint     string
	deployment   string
	apiVersion   string
	assistantID  string
	name         string
	instructions string
	httpClient   *http.Client
}

type Option func(*settings)

func WithEndpoint(endpoint string) Option {
	return func(s *settings) { s.endpoint = strings.TrimRight(endpoint, "/") }
}

func WithDeployment(deployment string) Option {
	return func(s *settings) { s.deployment = deployment }
}

func WithAPIVersion(apiVersion string) Option {
	return func(s *settings) {
		if apiVersion != "" {
			s.apiVersion = apiVersion
		}
	}
}

func WithAssistantID(id string) Option {
	return func(s *settings) { s.assistantID = id }
}

func WithAssistant(name, instructions string) Option {
	return func(s *settings) { s.name, s.instructions = name, instructions }
}

func WithHTTPClient(h *http.Client) Option {
	return func(s *settings) { s.httpClient = h }
}

func New(apiKey string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("AZURE_OPENAI_API_KEY is required")
	}
	s := settings{apiVersion: defaultAPIVersion}
	for _, opt := range opts {
		opt(&s)
	}
	if strings.TrimSpace(s.endpoint) == "" {
		return nil, fmt.Errorf("AZURE_OPENAI_ENDPOINT is required")
	}
	if strings.TrimSpace(s.deployment) == "" {
		return nil, fmt.Errorf("AZURE_OPENAI_DEPLOYMENT is required")
	}

	inner, err := openai.New("",
		openai.WithName("azureopenai"),
		openai.WithBaseURL(s.endpoint),
		openai.WithPathPrefix("/openai"),
		openai.WithHeader("api-key", apiKey),
		openai.WithQueryParam("api-version", s.apiVersion),
		openai.WithModel(s.deployment),
		openai.WithAssistant(s.name, s.instructions),
		openai.WithAssistantID(s.assistantID),
		openai.WithHTTPClient(s.httpClient),
	)
	if err != nil {
		return nil, err
	}
	return &Client{Client: inner, deployment: s.deployment, apiVersion: s.apiVersion}, nil
}

func (c *Client) Deployment() string { return c.deployment }
func (c *Client) APIVersion() string { return c.apiVersion }

var _ engine.Engine = (*Client)(nil)
