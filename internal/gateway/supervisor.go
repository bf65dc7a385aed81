package gateway

import (
	"context"
	"time"

	"github.com/zapclinic/platform/internal/observability/metrics"
	"github.com/zapclinic/platform/pkg/logging"
)

type reconnector interface {
	StartPairing(ctx context.Context, session string) (StartResult, error)
}

// Supervisor re-initializes sessions after recoverable disconnects without
// caller involvement. It reuses the same pairing path as a fresh request;
// with credentials still on disk, the transport restores the session without
// emitting a new QR code. Terminal logouts never reach the supervisor.
type Supervisor struct {
	registry reconnector
	logger   *logging.Logger
	metrics  *metrics.SessionMetrics
	backoff  time.Duration
	queue    chan string
}

func NewSupervisor(registry reconnector, logger *logging.Logger) *Supervisor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Supervisor{
		registry: registry,
		logger:   logger,
		backoff:  5 * time.Second,
		queue:    make(chan string, 64),
	}
}

// WithBackoff sets the fixed delay before re-dialing. The delay exists to
// let transient network blips settle, not to implement exponential backoff;
// repeated rapid failures are rare for this workload.
func (s *Supervisor) WithBackoff(d time.Duration) *Supervisor {
	if d > 0 {
		s.backoff = d
	}
	return s
}

func (s *Supervisor) WithMetrics(m *metrics.SessionMetrics) *Supervisor {
	s.metrics = m
	return s
}

// Enqueue schedules a reconnect attempt. Safe to call from registry event
// callbacks; a full queue drops the request rather than blocking the event
// path (the next caller-facing pairing request recovers the session anyway).
func (s *Supervisor) Enqueue(session string) {
	select {
	case s.queue <- session:
	default:
		s.logger.Warn("reconnect queue full, dropping request", "session", session)
		s.metrics.ObserveReconnect("dropped")
	}
}

// Run consumes reconnect requests until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case session := <-s.queue:
			s.reconnect(ctx, session)
		}
	}
}

func (s *Supervisor) reconnect(ctx context.Context, session string) {
	s.logger.Info("reconnect scheduled", "session", session, "backoff", s.backoff)
	select {
	case <-ctx.Done():
		return
	case <-time.After(s.backoff):
	}

	result, err := s.registry.StartPairing(ctx, session)
	if err != nil {
		s.logger.Error("reconnect failed", "session", session, "error", err)
		s.metrics.ObserveReconnect("failed")
		return
	}
	s.metrics.ObserveReconnect("started")
	s.logger.Info("reconnect initiated", "session", session, "status", string(result.Status))
}
