package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type httpGateway struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

type Option func(*httpGateway)

func WithToken(token string) Option {
	return func(g *httpGateway) { g.token = strings.TrimSpace(token) }
}

func WithHTTPClient(h *http.Client) Option {
	return func(g *httpGateway) {
		if h != nil {
			g.httpClient = h
		}
	}
}

func newGateway(endpoint string, opts []Option) (*httpGateway, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("gateway endpoint is required")
	}
	g := &httpGateway{
		endpoint: strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *httpGateway) post(ctx context.Context, path string, in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal gateway request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to create gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read gateway response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return nil
}

// HTTPMailer posts messages as JSON to a delivery webhook
// (POST <endpoint>/messages).
type HTTPMailer struct {
	gw *httpGateway
}

func NewHTTPMailer(endpoint string, opts ...Option) (*HTTPMailer, error) {
	gw, err := newGateway(endpoint, opts)
	if err != nil {
		return nil, err
	}
	return &HTTPMailer{gw: gw}, nil
}

func (m *HTTPMailer) Send(ctx context.Context, msg OutboundMessage) (Receipt, error) {
	var r Receipt
	if err := m.gw.post(ctx, "/messages", msg, &r); err != nil {
		return Receipt{}, fmt.Errorf("send %s to %s: %w", msg.Channel, msg.LeadID, err)
	}
	if r.Status == "" {
		r.Status = "sent"
	}
	if r.SentAt.IsZero() {
		r.SentAt = time.Now().UTC()
	}
	return r, nil
}

// HTTPScheduler books meetings through POST <endpoint>/meetings.
type HTTPScheduler struct {
	gw *httpGateway
}

func NewHTTPScheduler(endpoint string, opts ...Option) (*HTTPScheduler, error) {
	gw, err := newGateway(endpoint, opts)
	if err != nil {
		return nil, err
	}
	return &HTTPScheduler{gw: gw}, nil
}

func (s *HTTPScheduler) Schedule(ctx context.Context, req MeetingRequest) (Meeting, error) {
	var m Meeting
	if err := s.gw.post(ctx, "/meetings", req, &m); err != nil {
		return Meeting{}, fmt.Errorf("schedule meeting for %s: %w", req.LeadID, err)
	}
	if m.StartsAt.IsZero() {
		m.StartsAt = req.PreferredTime
	}
	if m.EndsAt.IsZero() {
		m.EndsAt = m.StartsAt.Add(time.Duration(req.DurationMinutes) * time.Minute)
	}
	return m, nil
}
