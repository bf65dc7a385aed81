package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/zapclinic/platform/internal/wasession"
	"github.com/zapclinic/platform/pkg/logging"
)

// PairingInfo is the coordinator's view of one gateway answer: either a live
// connection, a servable pairing code, or neither.
type PairingInfo struct {
	Connected   bool
	PhoneNumber string
	QRCode      string
}

// GatewayClient calls the connection process over HTTP. It is the
// coordinator's only line to live session state; everything else comes from
// the shared store and the local cache.
type GatewayClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// GatewayClientOption is a functional option for configuring the client.
type GatewayClientOption func(*GatewayClient)

func WithGatewayHTTPClient(client *http.Client) GatewayClientOption {
	return func(c *GatewayClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithGatewayLogger(logger *logging.Logger) GatewayClientOption {
	return func(c *GatewayClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewGatewayClient creates a client for the gateway process.
// baseURL should be the gateway's HTTP address (e.g., "http://localhost:8081").
func NewGatewayClient(baseURL string, opts ...GatewayClientOption) *GatewayClient {
	c := &GatewayClient{
		baseURL: baseURL,
		// The /qrcode endpoint holds requests while waiting for the pairing
		// event; the client timeout must outlast that hold.
		httpClient: &http.Client{Timeout: 45 * time.Second},
		logger:     logging.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type gatewayStatusResponse struct {
	Connected   bool    `json:"connected"`
	PhoneNumber *string `json:"phoneNumber"`
}

type gatewayQRResponse struct {
	QRCode    string `json:"qrCode"`
	Connected bool   `json:"connected"`
	Message   string `json:"message"`
}

type gatewayErrorResponse struct {
	Error string `json:"error"`
}

type gatewaySendRequest struct {
	Session string `json:"session"`
	Number  string `json:"number"`
	Message string `json:"message"`
}

type gatewaySuccessResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Status reports the gateway's live view of a session.
func (c *GatewayClient) Status(ctx context.Context, session string) (PairingInfo, error) {
	endpoint := fmt.Sprintf("%s/status?session=%s", c.baseURL, url.QueryEscape(session))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return PairingInfo{}, fmt.Errorf("coordinator: create status request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return PairingInfo{}, fmt.Errorf("coordinator: status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return PairingInfo{}, fmt.Errorf("coordinator: status failed: %w", decodeGatewayError(resp))
	}

	var status gatewayStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return PairingInfo{}, fmt.Errorf("coordinator: decode status response: %w", err)
	}
	info := PairingInfo{Connected: status.Connected}
	if status.PhoneNumber != nil {
		info.PhoneNumber = *status.PhoneNumber
	}
	return info, nil
}

// RequestQR asks the gateway for a pairing code, starting pairing if needed.
// Sentinel errors map the gateway's failure classes: ErrAlreadyConnected for
// the conflict response, ErrPairingInProgress while the handle is mid-dial,
// ErrQRTimeout when the gateway's own wait window lapsed.
func (c *GatewayClient) RequestQR(ctx context.Context, session string) (PairingInfo, error) {
	endpoint := fmt.Sprintf("%s/qrcode?sessionName=%s", c.baseURL, url.QueryEscape(session))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return PairingInfo{}, fmt.Errorf("coordinator: create qr request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return PairingInfo{}, fmt.Errorf("coordinator: qr request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var qr gatewayQRResponse
		if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
			return PairingInfo{}, fmt.Errorf("coordinator: decode qr response: %w", err)
		}
		return PairingInfo{Connected: qr.Connected, QRCode: qr.QRCode}, nil
	case http.StatusRequestTimeout:
		return PairingInfo{}, wasession.ErrQRTimeout
	case http.StatusBadRequest:
		return PairingInfo{}, mapGatewayError(resp)
	default:
		return PairingInfo{}, fmt.Errorf("coordinator: qr request failed: %w", decodeGatewayError(resp))
	}
}

// Disconnect tears down the gateway's handle but keeps credentials.
func (c *GatewayClient) Disconnect(ctx context.Context, session string) error {
	return c.postAction(ctx, "disconnect", session)
}

// Reset tears down the handle, logs the account out, and purges credentials.
func (c *GatewayClient) Reset(ctx context.Context, session string) error {
	return c.postAction(ctx, "reset", session)
}

func (c *GatewayClient) postAction(ctx context.Context, action, session string) error {
	endpoint := fmt.Sprintf("%s/%s?session=%s", c.baseURL, action, url.QueryEscape(session))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("coordinator: create %s request: %w", action, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("coordinator: %s request failed: %w", action, err)
	}
	defer resp.Body.Close()

	var result gatewaySuccessResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("coordinator: decode %s response: %w", action, err)
	}
	if !result.Success {
		return fmt.Errorf("coordinator: %s session %q: %s", action, session, result.Error)
	}
	return nil
}

// Send proxies one outbound message through the gateway.
func (c *GatewayClient) Send(ctx context.Context, session, number, message string) error {
	body, err := json.Marshal(gatewaySendRequest{Session: session, Number: number, Message: message})
	if err != nil {
		return fmt.Errorf("coordinator: marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("coordinator: create send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("coordinator: send request failed: %w", err)
	}
	defer resp.Body.Close()

	var result gatewaySuccessResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("coordinator: decode send response: %w", err)
	}
	if result.Success {
		return nil
	}
	switch result.Error {
	case "not-connected":
		return wasession.ErrNotConnected
	case "invalid-session":
		return wasession.ErrInvalidSessionName
	default:
		return fmt.Errorf("coordinator: send on session %q: %s", session, result.Error)
	}
}

// mapGatewayError turns the gateway's 400-class answers into sentinels the
// reconciliation logic branches on.
func mapGatewayError(resp *http.Response) error {
	var payload gatewayErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("coordinator: gateway returned status %d", resp.StatusCode)
	}
	switch payload.Error {
	case "already-connected":
		return wasession.ErrAlreadyConnected
	case "connecting":
		return wasession.ErrPairingInProgress
	case "invalid-session":
		return wasession.ErrInvalidSessionName
	default:
		return fmt.Errorf("coordinator: gateway error: %s", payload.Error)
	}
}

func decodeGatewayError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
}
