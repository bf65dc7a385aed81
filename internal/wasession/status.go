// Package wasession defines the WhatsApp session model shared by the
// gateway and the clinic API: the status state machine, the persisted
// session row, and the error taxonomy callers use to decide between
// retrying and re-pairing.
package wasession

import "fmt"

// Status is the closed set of persisted session states.
type Status string

const (
	StatusDisconnected   Status = "disconnected"
	StatusInitializing   Status = "initializing"
	StatusPairingPending Status = "pairing_pending"
	StatusConnected      Status = "connected"
	StatusError          Status = "error"
)

// transitions is the exhaustive state machine; the store's SQL guards
// enforce exactly these edges. A fresh QR while pairing is still pending
// re-enters pairing_pending. Initializing and pairing_pending may re-enter
// initializing so a gateway restarted mid-pairing can dial again, and the
// disconnected self edge keeps explicit disconnects idempotent.
var transitions = map[Status][]Status{
	StatusDisconnected:   {StatusDisconnected, StatusInitializing},
	StatusInitializing:   {StatusInitializing, StatusPairingPending, StatusConnected, StatusDisconnected, StatusError},
	StatusPairingPending: {StatusInitializing, StatusPairingPending, StatusConnected, StatusDisconnected, StatusError},
	StatusConnected:      {StatusDisconnected, StatusError},
	StatusError:          {StatusInitializing, StatusDisconnected},
}

// Valid reports whether s is a member of the closed enum.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseStatus converts a stored status string back into the enum,
// rejecting anything outside the closed set.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("wasession: unknown status %q", raw)
	}
	return s, nil
}
