package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zapclinic/platform/internal/observability/metrics"
	"github.com/zapclinic/platform/internal/wasession"
	"github.com/zapclinic/platform/pkg/logging"
)

// gatewayAPI is the slice of GatewayClient the service depends on.
type gatewayAPI interface {
	Status(ctx context.Context, session string) (PairingInfo, error)
	RequestQR(ctx context.Context, session string) (PairingInfo, error)
	Disconnect(ctx context.Context, session string) error
	Reset(ctx context.Context, session string) error
	Send(ctx context.Context, session, number, message string) error
}

// sessionReader reads the shared store without ever writing the fields the
// gateway owns.
type sessionReader interface {
	Get(ctx context.Context, name string) (*wasession.Session, error)
}

// qrStore is the coordinator-owned cache of pairing codes.
type qrStore interface {
	Put(ctx context.Context, session, code string, expiresAt time.Time) error
	Get(ctx context.Context, session string) (string, error)
	Clear(ctx context.Context, session string) error
}

// Service reconciles three views of a session that may transiently disagree:
// the local QR cache, the gateway's live answer, and the shared store row.
type Service struct {
	gateway  gatewayAPI
	cache    qrStore
	sessions sessionReader
	logger   *logging.Logger
	metrics  *metrics.SessionMetrics

	qrTTL              time.Duration
	pollInterval       time.Duration
	pollTimeout        time.Duration
	conflictRetryDelay time.Duration

	now func() time.Time
}

// ServiceOption is a functional option for configuring the Service.
type ServiceOption func(*Service)

func WithServiceLogger(logger *logging.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithServiceMetrics(m *metrics.SessionMetrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

func WithQRTTL(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.qrTTL = d
		}
	}
}

// WithPollInterval sets the wake-up period of the bounded poll loop.
func WithPollInterval(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithPollTimeout sets the poll loop's hard ceiling.
func WithPollTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.pollTimeout = d
		}
	}
}

// WithConflictRetryDelay sets the pause between a forced disconnect and the
// single retry that follows it. Seconds, not milliseconds: teardown on the
// gateway side has to finish first.
func WithConflictRetryDelay(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.conflictRetryDelay = d
		}
	}
}

func NewService(gateway gatewayAPI, cache qrStore, sessions sessionReader, opts ...ServiceOption) *Service {
	s := &Service{
		gateway:            gateway,
		cache:              cache,
		sessions:           sessions,
		logger:             logging.Default(),
		qrTTL:              2 * time.Minute,
		pollInterval:       500 * time.Millisecond,
		pollTimeout:        90 * time.Second,
		conflictRetryDelay: 3 * time.Second,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PairingResult is the answer to a pairing request: a live connection or a
// scannable code.
type PairingResult struct {
	Connected   bool
	PhoneNumber string
	QRCode      string
}

// GetPairingQR answers "what is the pairing code for this session",
// generating one when none exists. Source priority is fixed: local cache,
// then the gateway's live answer, then a bounded poll over gateway status,
// cache, and store. Exhausting the poll ceiling returns ErrQRTimeout, which
// callers must treat as retryable rather than as a broken session.
func (s *Service) GetPairingQR(ctx context.Context, session string) (PairingResult, error) {
	if err := wasession.ValidateName(session); err != nil {
		return PairingResult{}, err
	}
	started := s.now()

	if code, err := s.cache.Get(ctx, session); err != nil {
		s.logger.Warn("qr cache read failed", "session", session, "error", err)
	} else if code != "" {
		s.metrics.ObserveQRWait("cache-hit", s.now().Sub(started).Seconds())
		return PairingResult{QRCode: code}, nil
	}

	result, err := s.requestWithConflictRecovery(ctx, session)
	switch {
	case err == nil && result.Connected:
		s.clearCache(ctx, session)
		s.metrics.ObserveQRWait("connected", s.now().Sub(started).Seconds())
		return result, nil
	case err == nil && result.QRCode != "":
		s.cacheCode(ctx, session, result.QRCode)
		s.metrics.ObserveQRWait("gateway", s.now().Sub(started).Seconds())
		return result, nil
	case err != nil && !errors.Is(err, wasession.ErrQRTimeout):
		return PairingResult{}, err
	}

	// The gateway's own wait window lapsed (or answered empty) without a
	// code; the pairing event may still land. Keep watching all sources
	// until the ceiling.
	result, err = s.poll(ctx, session, started)
	if err != nil {
		s.metrics.ObserveQRWait("timeout", s.now().Sub(started).Seconds())
		return PairingResult{}, err
	}
	s.metrics.ObserveQRWait("poll", s.now().Sub(started).Seconds())
	return result, nil
}

// requestWithConflictRecovery calls the gateway once and, on a conflicting
// view of "connected", forces a remote disconnect, waits for teardown, and
// retries exactly once. Conflicts are never resolved by trusting one side
// silently.
func (s *Service) requestWithConflictRecovery(ctx context.Context, session string) (PairingResult, error) {
	info, err := s.gateway.RequestQR(ctx, session)
	if err == nil {
		return PairingResult{Connected: info.Connected, PhoneNumber: info.PhoneNumber, QRCode: info.QRCode}, nil
	}
	if !errors.Is(err, wasession.ErrAlreadyConnected) && !errors.Is(err, wasession.ErrPairingInProgress) {
		return PairingResult{}, err
	}

	s.logger.Warn("conflicting session state, forcing remote disconnect", "session", session, "cause", err)
	if derr := s.gateway.Disconnect(ctx, session); derr != nil {
		return PairingResult{}, fmt.Errorf("coordinator: forced disconnect for %q: %w", session, derr)
	}
	s.clearCache(ctx, session)

	select {
	case <-ctx.Done():
		return PairingResult{}, ctx.Err()
	case <-time.After(s.conflictRetryDelay):
	}

	info, err = s.gateway.RequestQR(ctx, session)
	if err != nil {
		return PairingResult{}, fmt.Errorf("coordinator: pairing retry after forced disconnect: %w", err)
	}
	return PairingResult{Connected: info.Connected, PhoneNumber: info.PhoneNumber, QRCode: info.QRCode}, nil
}

// poll watches for the pairing outcome at a fixed interval up to a hard
// ceiling. Check order per iteration: did the session connect during the
// wait (a connect event can race ahead of the cache), then the local cache,
// then the shared store. Cancelling ctx aborts the loop.
func (s *Service) poll(ctx context.Context, session string, started time.Time) (PairingResult, error) {
	deadline := started.Add(s.pollTimeout)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return PairingResult{}, ctx.Err()
		case <-ticker.C:
		}
		if !s.now().Before(deadline) {
			return PairingResult{}, wasession.ErrQRTimeout
		}

		if info, err := s.gateway.Status(ctx, session); err != nil {
			s.logger.Warn("gateway status check failed", "session", session, "error", err)
		} else if info.Connected {
			s.clearCache(ctx, session)
			return PairingResult{Connected: true, PhoneNumber: info.PhoneNumber}, nil
		}

		if code, err := s.cache.Get(ctx, session); err != nil {
			s.logger.Warn("qr cache read failed", "session", session, "error", err)
		} else if code != "" {
			return PairingResult{QRCode: code}, nil
		}

		sess, err := s.sessions.Get(ctx, session)
		switch {
		case errors.Is(err, wasession.ErrNotFound):
		case err != nil:
			s.logger.Warn("session store read failed", "session", session, "error", err)
		default:
			if code := sess.UsableQR(s.now()); code != "" {
				s.cacheCode(ctx, session, code)
				return PairingResult{QRCode: code}, nil
			}
		}
	}
}

// SessionStatus is the reconciled status answer for clinic callers.
type SessionStatus struct {
	Connected   bool
	PhoneNumber string
	Status      wasession.Status
}

// Status reconciles the gateway's live view with the persisted row. The
// gateway wins on connectivity; the store supplies the last persisted status
// when the gateway is unreachable or holds no handle.
func (s *Service) Status(ctx context.Context, session string) (SessionStatus, error) {
	if err := wasession.ValidateName(session); err != nil {
		return SessionStatus{}, err
	}

	live, liveErr := s.gateway.Status(ctx, session)
	if liveErr == nil && live.Connected {
		return SessionStatus{Connected: true, PhoneNumber: live.PhoneNumber, Status: wasession.StatusConnected}, nil
	}
	if liveErr != nil {
		s.logger.Warn("gateway unreachable for status, falling back to store", "session", session, "error", liveErr)
	}

	sess, err := s.sessions.Get(ctx, session)
	if errors.Is(err, wasession.ErrNotFound) {
		return SessionStatus{Status: wasession.StatusDisconnected}, nil
	}
	if err != nil {
		return SessionStatus{}, fmt.Errorf("coordinator: read session %q: %w", session, err)
	}

	status := sess.Status
	if liveErr == nil && !live.Connected && status == wasession.StatusConnected {
		// The row lags a disconnect the gateway already knows about.
		status = wasession.StatusDisconnected
	}
	return SessionStatus{
		Connected:   liveErr == nil && live.Connected,
		PhoneNumber: sess.PhoneNumber,
		Status:      status,
	}, nil
}

// Send proxies one outbound message through the gateway.
func (s *Service) Send(ctx context.Context, session, number, message string) error {
	if err := wasession.ValidateName(session); err != nil {
		return err
	}
	if number == "" || message == "" {
		return fmt.Errorf("coordinator: number and message are required")
	}
	return s.gateway.Send(ctx, session, number, message)
}

// Disconnect tears down the live handle, keeping credentials for a later
// credential-based reconnect.
func (s *Service) Disconnect(ctx context.Context, session string) error {
	if err := wasession.ValidateName(session); err != nil {
		return err
	}
	s.clearCache(ctx, session)
	return s.gateway.Disconnect(ctx, session)
}

// Reset logs the session out and purges everything; the next pairing starts
// from a fresh QR scan.
func (s *Service) Reset(ctx context.Context, session string) error {
	if err := wasession.ValidateName(session); err != nil {
		return err
	}
	s.clearCache(ctx, session)
	return s.gateway.Reset(ctx, session)
}

func (s *Service) cacheCode(ctx context.Context, session, code string) {
	if err := s.cache.Put(ctx, session, code, s.now().Add(s.qrTTL)); err != nil {
		s.logger.Warn("qr cache write failed", "session", session, "error", err)
	}
}

func (s *Service) clearCache(ctx context.Context, session string) {
	if err := s.cache.Clear(ctx, session); err != nil {
		s.logger.Warn("qr cache clear failed", "session", session, "error", err)
	}
}
