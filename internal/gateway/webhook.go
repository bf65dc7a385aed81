package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/zapclinic/platform/pkg/logging"
)

// WebhookDispatcher posts inbound messages to the downstream domain layer.
// Delivery is decoupled from connection lifecycle: failures are logged and
// the message is dropped, never fed back into session state.
type WebhookDispatcher struct {
	url        string
	httpClient *http.Client
	logger     *logging.Logger
}

// WebhookOption is a functional option for configuring the dispatcher.
type WebhookOption func(*WebhookDispatcher)

func WithWebhookHTTPClient(client *http.Client) WebhookOption {
	return func(d *WebhookDispatcher) {
		if client != nil {
			d.httpClient = client
		}
	}
}

func WithWebhookLogger(logger *logging.Logger) WebhookOption {
	return func(d *WebhookDispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func NewWebhookDispatcher(url string, opts ...WebhookOption) *WebhookDispatcher {
	d := &WebhookDispatcher{
		url: url,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logging.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deliver implements MessageSink.
func (d *WebhookDispatcher) Deliver(ctx context.Context, msg InboundMessage) {
	if d.url == "" {
		d.logger.Debug("inbound webhook url not configured, dropping message", "session", msg.Session)
		return
	}

	body, err := json.Marshal(msg)
	if err != nil {
		d.logger.Error("marshal inbound message failed", "session", msg.Session, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		d.logger.Error("create webhook request failed", "session", msg.Session, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Warn("inbound webhook delivery failed", "session", msg.Session, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.logger.Warn("inbound webhook rejected", "session", msg.Session, "status", resp.StatusCode)
		return
	}
	d.logger.Debug("inbound message delivered", "session", msg.Session, "from", msg.From)
}
