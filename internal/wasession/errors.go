package wasession

import "errors"

var (
	// ErrInvalidSessionName rejects empty or oversized session names.
	ErrInvalidSessionName = errors.New("wasession: invalid session name")

	// ErrNotFound means no row exists for the session name: the session was
	// never initialized.
	ErrNotFound = errors.New("wasession: session not found")

	// ErrNotConnected means the session has no live, paired connection.
	ErrNotConnected = errors.New("wasession: session not connected")

	// ErrQRTimeout means the bounded wait for a pairing QR code exhausted its
	// ceiling without the transport emitting one. Retryable; distinct from
	// "not yet available" and from any terminal condition.
	ErrQRTimeout = errors.New("wasession: timed out waiting for pairing qr code")

	// ErrLoggedOut marks a terminal disconnect: credentials are gone and a
	// fresh pairing must be requested explicitly. Never auto-retried.
	ErrLoggedOut = errors.New("wasession: session logged out, new pairing required")

	// ErrAlreadyConnected is returned when a QR code is requested for a
	// session that already holds a live pairing.
	ErrAlreadyConnected = errors.New("wasession: session already connected")

	// ErrPairingInProgress is returned when a QR request lands while another
	// initialization for the same session is still underway.
	ErrPairingInProgress = errors.New("wasession: pairing already in progress")

	// ErrIllegalTransition is raised at the persistence boundary when a write
	// would violate the status state machine.
	ErrIllegalTransition = errors.New("wasession: illegal status transition")
)

// Retryable classifies the error taxonomy for callers: true means "retry
// later" (transient conditions and bounded-wait timeouts), false means the
// failure needs operator action or a corrected request first.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrQRTimeout),
		errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrPairingInProgress):
		return true
	default:
		return false
	}
}
