// Package sidecar provides a client for the headless WhatsApp Web automation
// sidecar service and adapts it to the gateway's transport interface.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/zapclinic/platform/internal/gateway"
	"github.com/zapclinic/platform/pkg/logging"
)

// StartSessionRequest asks the sidecar to open (or restore) a session.
type StartSessionRequest struct {
	Session string `json:"session"`
}

// StartSessionResponse is returned when a sidecar session is created.
type StartSessionResponse struct {
	Success bool   `json:"success"`
	State   string `json:"state"`
	Error   string `json:"error,omitempty"`
}

// SendRequest delivers one outbound message through the sidecar.
type SendRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// SendResponse reports the outcome of a send.
type SendResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Event is one entry of the sidecar's per-session event feed.
type Event struct {
	Seq         int64  `json:"seq"`
	Type        string `json:"type"` // qr, connected, disconnected, message, error
	QRCode      string `json:"qrCode,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Reason      string `json:"reason,omitempty"` // connection-lost, logged-out
	From        string `json:"from,omitempty"`
	Body        string `json:"body,omitempty"`
	Error       string `json:"error,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// EventsResponse is the long-poll response for a session's event feed.
type EventsResponse struct {
	Success bool    `json:"success"`
	Events  []Event `json:"events"`
	Error   string  `json:"error,omitempty"`
}

// HealthResponse is the health check response from the sidecar.
type HealthResponse struct {
	Status       string `json:"status"` // ok, degraded, error
	Version      string `json:"version"`
	BrowserReady bool   `json:"browserReady"`
	Uptime       int    `json:"uptime"` // seconds
}

// Client is an HTTP client for the WhatsApp Web sidecar service. It
// implements gateway.Transport.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
	pollWait   time.Duration
}

// ClientOption is a functional option for configuring the Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *logging.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithPollWait sets the long-poll hold time requested from the event feed.
func WithPollWait(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.pollWait = d
		}
	}
}

// NewClient creates a new sidecar client.
// baseURL should be the sidecar service URL (e.g., "http://localhost:3000").
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger:   logging.Default(),
		pollWait: 25 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health checks the health of the sidecar.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("sidecar: create health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sidecar: health request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("sidecar: health check failed with status %d: %s", resp.StatusCode, string(body))
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("sidecar: decode health response: %w", err)
	}
	return &health, nil
}

// Dial implements gateway.Transport. It opens (or restores) the session on
// the sidecar and pumps the session's event feed into the callbacks until
// the connection is closed or the feed reports a disconnect.
func (c *Client) Dial(ctx context.Context, session string, events gateway.ConnEvents) (gateway.Conn, error) {
	body, err := json.Marshal(StartSessionRequest{Session: session})
	if err != nil {
		return nil, fmt.Errorf("sidecar: marshal start request: %w", err)
	}

	c.logger.Info("starting sidecar session", "session", session)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/sessions/start", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sidecar: create start request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sidecar: start request failed: %w", err)
	}
	defer resp.Body.Close()

	var result StartSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("sidecar: decode start response: %w", err)
	}
	if !result.Success {
		return nil, fmt.Errorf("sidecar: start session %q: %s", session, result.Error)
	}

	// The pump outlives the dial request; it stops when the connection is
	// closed or the feed ends.
	pumpCtx, cancel := context.WithCancel(context.Background())
	conn := &sidecarConn{
		client:  c,
		session: session,
		cancel:  cancel,
	}
	go c.pumpEvents(pumpCtx, session, events)
	return conn, nil
}

func (c *Client) pumpEvents(ctx context.Context, session string, events gateway.ConnEvents) {
	var cursor int64
	for {
		if ctx.Err() != nil {
			return
		}
		feed, err := c.fetchEvents(ctx, session, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("event feed fetch failed", "session", session, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}

		for _, ev := range feed.Events {
			if ev.Seq > cursor {
				cursor = ev.Seq
			}
			switch ev.Type {
			case "qr":
				events.QRCode(ev.QRCode)
			case "connected":
				events.Connected(ev.PhoneNumber)
			case "disconnected":
				events.Disconnected(parseReason(ev.Reason))
				return
			case "message":
				events.Message(gateway.InboundMessage{
					Session:    session,
					From:       ev.From,
					Body:       ev.Body,
					ReceivedAt: parseTimestamp(ev.Timestamp),
				})
			case "error":
				events.Failed(fmt.Errorf("sidecar: session %q: %s", session, ev.Error))
				return
			default:
				c.logger.Debug("ignoring unknown event type", "session", session, "type", ev.Type)
			}
		}
	}
}

func (c *Client) fetchEvents(ctx context.Context, session string, cursor int64) (*EventsResponse, error) {
	endpoint := fmt.Sprintf("%s/api/v1/sessions/%s/events?cursor=%d&wait=%d",
		c.baseURL, url.PathEscape(session), cursor, int(c.pollWait.Seconds()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("sidecar: create events request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sidecar: events request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("sidecar: events fetch failed with status %d: %s", resp.StatusCode, string(body))
	}

	var feed EventsResponse
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("sidecar: decode events response: %w", err)
	}
	return &feed, nil
}

func parseReason(raw string) gateway.DisconnectReason {
	if raw == string(gateway.ReasonLoggedOut) {
		return gateway.ReasonLoggedOut
	}
	return gateway.ReasonConnectionLost
}

func parseTimestamp(raw string) time.Time {
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts
	}
	return time.Now()
}

// sidecarConn is the live-connection handle backed by one sidecar session.
type sidecarConn struct {
	client  *Client
	session string
	cancel  context.CancelFunc
}

// Alive probes the sidecar session within ctx's deadline. A dead browser
// context, a hung sidecar, or a connection refusal all read as not alive.
func (s *sidecarConn) Alive(ctx context.Context) bool {
	endpoint := fmt.Sprintf("%s/api/v1/sessions/%s/ping", s.client.baseURL, url.PathEscape(s.session))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (s *sidecarConn) Send(ctx context.Context, to, body string) error {
	payload, err := json.Marshal(SendRequest{To: to, Body: body})
	if err != nil {
		return fmt.Errorf("sidecar: marshal send request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/v1/sessions/%s/send", s.client.baseURL, url.PathEscape(s.session))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sidecar: create send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sidecar: send request failed: %w", err)
	}
	defer resp.Body.Close()

	var result SendResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("sidecar: decode send response: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("sidecar: send on session %q: %s", s.session, result.Error)
	}
	return nil
}

// Disconnect closes the sidecar session but keeps its credential material.
func (s *sidecarConn) Disconnect(ctx context.Context) error {
	defer s.cancel()
	return s.post(ctx, "disconnect")
}

// Logout ends the pairing and asks the sidecar to discard credentials.
func (s *sidecarConn) Logout(ctx context.Context) error {
	defer s.cancel()
	return s.post(ctx, "logout")
}

func (s *sidecarConn) post(ctx context.Context, action string) error {
	endpoint := fmt.Sprintf("%s/api/v1/sessions/%s/%s", s.client.baseURL, url.PathEscape(s.session), action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("sidecar: create %s request: %w", action, err)
	}

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sidecar: %s request failed: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sidecar: %s failed with status %d: %s", action, resp.StatusCode, string(body))
	}
	return nil
}
