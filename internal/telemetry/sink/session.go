package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"simlab-telemetry/internal/telemetry/domain"
)

// API paths served by the event sink.
const (
	PathSessionStart = "/api/telemetry/session/start"
	PathSessionEnd   = "/api/telemetry/session/end"
	PathEvents       = "/api/telemetry/events"
)

// StartedSession is the sink's answer to a session start.
type StartedSession struct {
	SessionID   string           `json:"session_id"`
	UserID      *string          `json:"user_id"`
	GuestID     *string          `json:"guest_id"`
	ModuleID    string           `json:"module_id"`
	OrgSettings domain.OrgPolicy `json:"org_settings"`
}

// Descriptor returns the session descriptor the collector is initialized with.
func (s *StartedSession) Descriptor() domain.SessionDescriptor {
	return domain.SessionDescriptor{SessionID: s.SessionID, UserID: s.UserID, GuestID: s.GuestID, ModuleID: s.ModuleID}
}

// SessionClient starts and ends sessions on the event sink.
type SessionClient struct {
	base   string
	client *http.Client
	token  TokenSource
}

// NewSessionClient returns a client for the sink at baseURL (scheme and host, e.g.
// https://telemetry.example.com).
func NewSessionClient(baseURL string, opts Options) (*SessionClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("sink: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("sink: unsupported scheme %q", u.Scheme)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &SessionClient{base: strings.TrimSuffix(u.String(), "/"), client: client, token: opts.Token}, nil
}

// EventsURL is where batches for this sink are posted.
func (c *SessionClient) EventsURL() string { return c.base + PathEvents }

// Start asks the sink for a new session for moduleID.
func (c *SessionClient) Start(ctx context.Context, moduleID string) (*StartedSession, error) {
	body, err := json.Marshal(map[string]string{"module_id": moduleID})
	if err != nil {
		return nil, err
	}
	var out StartedSession
	if err := c.do(ctx, c.base+PathSessionStart, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// End marks the session ended on the sink.
func (c *SessionClient) End(ctx context.Context, sessionID string) error {
	return c.do(ctx, c.base+PathSessionEnd+"?session_id="+url.QueryEscape(sessionID), nil, nil)
}

func (c *SessionClient) do(ctx context.Context, endpoint string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sink: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		tok, err := c.token.Token(ctx)
		if err != nil {
			return fmt.Errorf("sink: token: %w", err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sink: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("sink: decode response: %w", err)
	}
	return nil
}
