// Package gateway owns the live WhatsApp connections: the session registry
// and pairing state machine, the reconnection supervisor, the inbound
// webhook dispatcher, and the HTTP surface the clinic API talks to.
package gateway

import (
	"context"
	"time"
)

// DisconnectReason classifies transport-level disconnects. Only a logout is
// terminal; everything else is recoverable and eligible for supervised
// reconnection.
type DisconnectReason string

const (
	ReasonConnectionLost DisconnectReason = "connection-lost"
	ReasonLoggedOut      DisconnectReason = "logged-out"
)

// Terminal reports whether the reason ends the pairing epoch.
func (r DisconnectReason) Terminal() bool {
	return r == ReasonLoggedOut
}

// InboundMessage is a message received on a paired session, forwarded to the
// downstream webhook.
type InboundMessage struct {
	Session    string    `json:"session"`
	From       string    `json:"from"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// ConnEvents receives the asynchronous callbacks for one dial attempt.
// Implementations of Transport deliver events one at a time per connection.
type ConnEvents interface {
	QRCode(code string)
	Connected(phoneNumber string)
	Disconnected(reason DisconnectReason)
	Message(msg InboundMessage)
	Failed(err error)
}

// Conn is a live connection to the messaging network. The registry is its
// only owner; nothing else may hold one across a suspension point.
type Conn interface {
	// Alive probes connection health within the deadline of ctx. A false
	// answer means the backing automation process is gone even if no
	// disconnect event ever fired.
	Alive(ctx context.Context) bool
	Send(ctx context.Context, to, body string) error
	// Disconnect tears the connection down but keeps credential material, so
	// a later dial resumes the pairing without a new QR scan.
	Disconnect(ctx context.Context) error
	// Logout ends the pairing epoch and discards the transport's credential
	// material for the session.
	Logout(ctx context.Context) error
}

// Transport dials the messaging network. The wire protocol behind it is
// opaque; the gateway only relies on the capabilities expressed here.
type Transport interface {
	Dial(ctx context.Context, session string, events ConnEvents) (Conn, error)
}
