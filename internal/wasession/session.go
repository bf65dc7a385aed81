package wasession

import (
	"strings"
	"time"
)

// MaxNameLength bounds session names by convention.
const MaxNameLength = 100

// Session is one row of the shared wa_sessions table. The gateway is the
// only writer of status, QR, and phone fields; the coordinator reads.
type Session struct {
	Name            string
	Status          Status
	QRCode          string
	QRExpiresAt     *time.Time
	PhoneNumber     string
	LastConnectedAt *time.Time
	UpdatedAt       time.Time
}

// UsableQR returns the pairing QR code, or "" when none is stored or the
// stored one has expired. Every consumer of the row must read the code
// through this check; a non-null column past its expiry is treated as absent.
func (s *Session) UsableQR(now time.Time) string {
	if s == nil || s.QRCode == "" || s.QRExpiresAt == nil {
		return ""
	}
	if !now.Before(*s.QRExpiresAt) {
		return ""
	}
	return s.QRCode
}

// Connected reports whether the persisted row claims a live pairing.
func (s *Session) Connected() bool {
	return s != nil && s.Status == StatusConnected
}

// ValidateName enforces the session-name convention: non-empty after
// trimming, at most MaxNameLength characters.
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ErrInvalidSessionName
	}
	if len(trimmed) > MaxNameLength {
		return ErrInvalidSessionName
	}
	return nil
}
