// Package openai drives the OpenAI Assistants v2 API: threads are sessions,
// runs are polled, and function calls are answered with submit_tool_outputs.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/deangilmoreremix/contactsfeature-sub000/engine"
	"github.com/deangilmoreremix/contactsfeature-sub000/types"
)

const (
	defaultModel         = "gpt-4o-mini"
	defaultBaseURL       = "https://api.openai.com"
	defaultAssistantName = "SDR Autopilot"
	messagesPageSize     = 100
)

// APIError is a non-2xx answer from the API.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (%d): %s", e.Provider, e.StatusCode, e.Body)
}

// Temporary reports whether retrying the same call may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Client struct {
	name          string
	apiKey        string
	model         string
	baseURL       string
	pathPrefix    string
	assistantName string
	instructions  string
	headers       http.Header
	query         url.Values
	httpClient    *http.Client
	assistant     *AssistantRef
}

type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithAssistantID pins an existing assistant instead of creating one.
func WithAssistantID(id string) Option {
	return func(c *Client) {
		if id != "" {
			c.assistant = NewAssistantRef(id, nil)
		}
	}
}

// WithAssistant sets the name and default instructions used when the
// assistant has to be created.
func WithAssistant(name, instructions string) Option {
	return func(c *Client) {
		if name != "" {
			c.assistantName = name
		}
		c.instructions = instructions
	}
}

// WithPathPrefix replaces the "/v1" prefix. Azure serves the same API under
// "/openai".
func WithPathPrefix(prefix string) Option {
	return func(c *Client) { c.pathPrefix = "/" + strings.Trim(prefix, "/") }
}

// WithHeader adds a header to every request. Setting "Authorization" to an
// empty value removes the bearer token.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		if value == "" {
			c.headers.Del(key)
			return
		}
		c.headers.Set(key, value)
	}
}

func WithQueryParam(key, value string) Option {
	return func(c *Client) { c.query.Set(key, value) }
}

func WithName(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.name = name
		}
	}
}

func New(apiKey string, opts ...Option) (*Client, error) {
	c := &Client{
		name:          "openai",
		apiKey:        apiKey,
		model:         defaultModel,
		baseURL:       defaultBaseURL,
		pathPrefix:    "/v1",
		assistantName: defaultAssistantName,
		headers:       http.Header{},
		query:         url.Values{},
		httpClient: &http.Client{
			Timeout:   90 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	if apiKey != "" {
		c.headers.Set("Authorization", "Bearer "+apiKey)
	}
	c.headers.Set("OpenAI-Beta", "assistants=v2")
	for _, opt := range opts {
		opt(c)
	}
	if c.headers.Get("Authorization") == "" && c.headers.Get("api-key") == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.assistant == nil {
		c.assistant = NewAssistantRef("", c.createAssistant)
	}
	return c, nil
}

func (c *Client) Name() string { return c.name }

// Assistant exposes the lazily created assistant reference.
func (c *Client) Assistant() *AssistantRef { return c.assistant }

func (c *Client) CreateSession(ctx context.Context) (string, error) {
	var out threadObject
	if err := c.do(ctx, http.MethodPost, "/threads", map[string]any{}, &out); err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("create thread: %s returned no thread id", c.name)
	}
	return out.ID, nil
}

func (c *Client) AppendMessage(ctx context.Context, sessionID string, msg types.Message) error {
	role := string(msg.Role)
	if role == "" {
		role = string(types.RoleUser)
	}
	body := map[string]any{"role": role, "content": msg.Content}
	if err := c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(sessionID)+"/messages", body, nil); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (c *Client) CreateRun(ctx context.Context, req engine.RunRequest) (types.Run, error) {
	assistantID, err := c.assistant.ID(ctx)
	if err != nil {
		return types.Run{}, err
	}
	payload := runCreateRequest{
		AssistantID:            assistantID,
		Instructions:           req.Instructions,
		AdditionalInstructions: req.Goal,
		Tools:                  toFunctionTools(req.Tools),
		Metadata:               req.Metadata,
	}
	var out runObject
	if err := c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(req.SessionID)+"/runs", payload, &out); err != nil {
		return types.Run{}, fmt.Errorf("create run: %w", err)
	}
	return out.toRun(), nil
}

func (c *Client) GetRun(ctx context.Context, sessionID, runID string) (types.Run, error) {
	var out runObject
	if err := c.do(ctx, http.MethodGet, runPath(sessionID, runID), nil, &out); err != nil {
		return types.Run{}, fmt.Errorf("get run: %w", err)
	}
	return out.toRun(), nil
}

func (c *Client) SubmitToolOutputs(ctx context.Context, sessionID, runID string, results []types.ToolResult) (types.Run, error) {
	payload := submitRequest{ToolOutputs: make([]toolOutput, 0, len(results))}
	for _, res := range results {
		output := string(res.Output)
		if output == "" {
			output = "{}"
		}
		payload.ToolOutputs = append(payload.ToolOutputs, toolOutput{ToolCallID: res.InvocationID, Output: output})
	}
	var out runObject
	if err := c.do(ctx, http.MethodPost, runPath(sessionID, runID)+"/submit_tool_outputs", payload, &out); err != nil {
		return types.Run{}, fmt.Errorf("submit tool outputs: %w", err)
	}
	return out.toRun(), nil
}

func (c *Client) CancelRun(ctx context.Context, sessionID, runID string) (types.Run, error) {
	var out runObject
	if err := c.do(ctx, http.MethodPost, runPath(sessionID, runID)+"/cancel", map[string]any{}, &out); err != nil {
		return types.Run{}, fmt.Errorf("cancel run: %w", err)
	}
	return out.toRun(), nil
}

// ListMessages pages through the thread oldest first.
func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]types.Message, error) {
	var (
		out   []types.Message
		after string
	)
	for {
		q := url.Values{}
		q.Set("order", "asc")
		q.Set("limit", fmt.Sprint(messagesPageSize))
		if after != "" {
			q.Set("after", after)
		}
		var page messageList
		if err := c.do(ctx, http.MethodGet, "/threads/"+url.PathEscape(sessionID)+"/messages?"+q.Encode(), nil, &page); err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		for _, m := range page.Data {
			out = append(out, m.toMessage())
		}
		if !page.HasMore || len(page.Data) == 0 {
			return out, nil
		}
		after = page.Data[len(page.Data)-1].ID
	}
}

func (c *Client) createAssistant(ctx context.Context) (string, error) {
	payload := map[string]any{
		"model": c.model,
		"name":  c.assistantName,
	}
	if c.instructions != "" {
		payload["instructions"] = c.instructions
	}
	var out assistantObject
	if err := c.do(ctx, http.MethodPost, "/assistants", payload, &out); err != nil {
		return "", fmt.Errorf("create assistant: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("create assistant: no assistant id returned")
	}
	return out.ID, nil
}

func (c *Client) endpoint(path string) string {
	query := ""
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path, query = path[:i], path[i+1:]
	}
	if len(c.query) > 0 {
		extra := c.query.Encode()
		if query == "" {
			query = extra
		} else {
			query += "&" + extra
		}
	}
	u := c.baseURL + c.pathPrefix + path
	if query != "" {
		u += "?" + query
	}
	return u
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", c.name, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", c.name, err)
	}
	for key, values := range c.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", c.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", c.name, err)
	}
	if resp.StatusCode >= 300 {
		return &APIError{Provider: c.name, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", c.name, err)
	}
	return nil
}

func runPath(sessionID, runID string) string {
	return "/threads/" + url.PathEscape(sessionID) + "/runs/" + url.PathEscape(runID)
}

var _ engine.Engine = (*Client)(nil)
