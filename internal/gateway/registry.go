package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zapclinic/platform/internal/observability/metrics"
	"github.com/zapclinic/platform/internal/wasession"
	"github.com/zapclinic/platform/pkg/logging"
)

// Handle is the in-memory representation of one live connection. A handle is
// created on dial and replaced, never mutated, on reconnect; the epoch ties
// every asynchronous event back to the dial attempt that produced it, so
// events from an already-replaced connection are dropped instead of
// corrupting the current one.
type Handle struct {
	session string
	epoch   uint64
	conn    Conn

	mu        sync.Mutex
	connected bool
	phone     string
	qrCode    string
	qrExpiry  time.Time
	dropped   bool
	notify    chan struct{}
}

func newHandle(session string, epoch uint64, conn Conn) *Handle {
	return &Handle{
		session: session,
		epoch:   epoch,
		conn:    conn,
		notify:  make(chan struct{}),
	}
}

// PairingState is a point-in-time view of a handle.
type PairingState struct {
	Connected   bool
	PhoneNumber string
	QRCode      string
	QRExpiresAt time.Time
}

func (h *Handle) snapshot(now time.Time) PairingState {
	h.mu.Lock()
	defer h.mu.Unlock()
	state := PairingState{Connected: h.connected, PhoneNumber: h.phone}
	if h.qrCode != "" && now.Before(h.qrExpiry) {
		state.QRCode = h.qrCode
		state.QRExpiresAt = h.qrExpiry
	}
	return state
}

func (h *Handle) setQR(code string, expiry time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.qrCode = code
	h.qrExpiry = expiry
	h.broadcastLocked()
}

func (h *Handle) setConnected(phone string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = true
	h.phone = phone
	h.qrCode = ""
	h.qrExpiry = time.Time{}
	h.broadcastLocked()
}

func (h *Handle) markDropped() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropped = true
	h.broadcastLocked()
}

// changed returns a channel closed on the next state change, so waiters can
// sleep instead of spinning.
func (h *Handle) changed() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.notify
}

func (h *Handle) broadcastLocked() {
	close(h.notify)
	h.notify = make(chan struct{})
}

// MessageSink receives inbound messages for downstream delivery.
type MessageSink interface {
	Deliver(ctx context.Context, msg InboundMessage)
}

// Registry is the single owner of the session-name to handle mapping. All
// mutations for one session are serialized behind a per-name lock; different
// sessions never contend.
type Registry struct {
	transport Transport
	store     *wasession.Store
	logger    *logging.Logger
	metrics   *metrics.SessionMetrics
	messages  MessageSink

	qrTTL        time.Duration
	probeTimeout time.Duration
	credsDir     string
	now          func() time.Time

	mu      sync.Mutex
	handles map[string]*Handle
	locks   map[string]*sync.Mutex
	epoch   uint64

	notifyDisconnect func(session string)
}

// RegistryOption is a functional option for configuring the Registry.
type RegistryOption func(*Registry)

func WithLogger(logger *logging.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetrics(m *metrics.SessionMetrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

func WithMessageSink(sink MessageSink) RegistryOption {
	return func(r *Registry) { r.messages = sink }
}

// WithQRTTL sets the validity window stamped on every issued QR code.
func WithQRTTL(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.qrTTL = d
		}
	}
}

// WithProbeTimeout bounds the ghost-handle liveness check.
func WithProbeTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.probeTimeout = d
		}
	}
}

// WithCredentialsDir points at the per-session credential material the
// gateway holds on disk; Reset and terminal logouts purge it.
func WithCredentialsDir(dir string) RegistryOption {
	return func(r *Registry) { r.credsDir = dir }
}

func NewRegistry(transport Transport, store *wasession.Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		transport:    transport,
		store:        store,
		logger:       logging.Default(),
		qrTTL:        2 * time.Minute,
		probeTimeout: 3 * time.Second,
		now:          time.Now,
		handles:      make(map[string]*Handle),
		locks:        make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetDisconnectNotifier registers the supervisor callback invoked after every
// recoverable disconnect. Terminal logouts never trigger it.
func (r *Registry) SetDisconnectNotifier(fn func(session string)) {
	r.notifyDisconnect = fn
}

// sessionLock returns the mutex serializing all work for one session name.
// Entries are kept for the process lifetime: names are operator provisioned
// and few, and eviction would let two callers race on different mutexes for
// the same name.
func (r *Registry) sessionLock(session string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[session]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[session] = lock
	}
	return lock
}

func (r *Registry) currentHandle(session string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[session]
}

// dropHandle removes h from the map if it is still current, and wakes any
// waiters parked on it.
func (r *Registry) dropHandle(h *Handle) {
	r.mu.Lock()
	if r.handles[h.session] == h {
		delete(r.handles, h.session)
	}
	r.mu.Unlock()
	h.markDropped()
}

func (r *Registry) nextEpoch() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.epoch++
	return r.epoch
}

// StartResult is the synchronous answer to a pairing request. The QR code
// itself usually follows asynchronously; callers poll or wait for it.
type StartResult struct {
	Status      wasession.Status
	PhoneNumber string
	QRCode      string
	QRExpiresAt time.Time
}

// StartPairing drives the Disconnected -> Initializing edge. An existing
// live handle short-circuits: connected sessions return their info, in-flight
// pairings return their current state. A handle whose transport fails the
// liveness probe is a ghost; it is discarded and pairing starts from scratch.
func (r *Registry) StartPairing(ctx context.Context, session string) (StartResult, error) {
	if err := wasession.ValidateName(session); err != nil {
		return StartResult{}, err
	}
	lock := r.sessionLock(session)
	lock.Lock()
	defer lock.Unlock()

	if h := r.currentHandle(session); h != nil {
		probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
		alive := h.conn.Alive(probeCtx)
		cancel()
		if alive {
			state := h.snapshot(r.now())
			if state.Connected {
				return StartResult{Status: wasession.StatusConnected, PhoneNumber: state.PhoneNumber}, nil
			}
			result := StartResult{Status: wasession.StatusInitializing}
			if state.QRCode != "" {
				result.Status = wasession.StatusPairingPending
				result.QRCode = state.QRCode
				result.QRExpiresAt = state.QRExpiresAt
			}
			return result, nil
		}

		r.logger.Warn("discarding ghost handle", "session", session, "epoch", h.epoch)
		r.metrics.ObserveTransition(string(wasession.StatusDisconnected), "ghost")
		r.dropHandle(h)
		go func(c Conn) {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = c.Disconnect(cleanupCtx)
		}(h.conn)
		r.persistDisconnected(session)
	}

	return r.dial(ctx, session)
}

// dial creates a fresh connection. Caller holds the session lock, which also
// keeps the first events from racing ahead of the handle registration.
func (r *Registry) dial(ctx context.Context, session string) (StartResult, error) {
	r.persistInitializing(session)
	epoch := r.nextEpoch()
	conn, err := r.transport.Dial(ctx, session, &registryEvents{registry: r, session: session, epoch: epoch})
	if err != nil {
		r.persistErrored(session)
		r.metrics.ObserveTransition(string(wasession.StatusError), "dial-failed")
		return StartResult{}, fmt.Errorf("gateway: dial session %q: %w", session, err)
	}

	h := newHandle(session, epoch, conn)
	r.mu.Lock()
	r.handles[session] = h
	r.mu.Unlock()

	r.metrics.ObserveTransition(string(wasession.StatusInitializing), "pairing-request")
	r.logger.Info("session initializing", "session", session, "epoch", epoch)
	return StartResult{Status: wasession.StatusInitializing}, nil
}

// Status reports the live view of a session. No handle means not connected;
// the persisted row is the coordinator's concern, not this endpoint's.
func (r *Registry) Status(session string) PairingState {
	h := r.currentHandle(session)
	if h == nil {
		return PairingState{}
	}
	return h.snapshot(r.now())
}

// WaitForPairing blocks until the session emits a QR code, completes the
// handshake, or the wait window elapses. Cancelling ctx aborts the wait so
// an abandoned HTTP request does not leak a parked goroutine.
func (r *Registry) WaitForPairing(ctx context.Context, session string, maxWait time.Duration) (StartResult, error) {
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	for {
		h := r.currentHandle(session)
		if h == nil {
			return StartResult{}, wasession.ErrNotConnected
		}
		// Subscribe before snapshotting. An event landing between the two
		// closes ch, so the waiter re-checks instead of sleeping through it.
		ch := h.changed()
		state := h.snapshot(r.now())
		if state.Connected {
			return StartResult{Status: wasession.StatusConnected, PhoneNumber: state.PhoneNumber}, nil
		}
		if state.QRCode != "" {
			return StartResult{
				Status:      wasession.StatusPairingPending,
				QRCode:      state.QRCode,
				QRExpiresAt: state.QRExpiresAt,
			}, nil
		}

		select {
		case <-ctx.Done():
			return StartResult{}, ctx.Err()
		case <-timer.C:
			return StartResult{}, wasession.ErrQRTimeout
		case <-ch:
		}
	}
}

// Send delivers an outbound message on a connected session.
func (r *Registry) Send(ctx context.Context, session, to, body string) error {
	if err := wasession.ValidateName(session); err != nil {
		return err
	}
	lock := r.sessionLock(session)
	lock.Lock()
	defer lock.Unlock()

	h := r.currentHandle(session)
	if h == nil {
		return wasession.ErrNotConnected
	}
	if !h.snapshot(r.now()).Connected {
		return wasession.ErrNotConnected
	}
	if err := h.conn.Send(ctx, to, body); err != nil {
		return fmt.Errorf("gateway: send on session %q: %w", session, err)
	}
	return nil
}

// Disconnect gracefully tears down the live handle. Credentials and phone
// number survive, so a later pairing request resumes without a new scan.
func (r *Registry) Disconnect(ctx context.Context, session string) error {
	if err := wasession.ValidateName(session); err != nil {
		return err
	}
	lock := r.sessionLock(session)
	lock.Lock()
	defer lock.Unlock()

	if h := r.currentHandle(session); h != nil {
		r.dropHandle(h)
		if err := h.conn.Disconnect(ctx); err != nil {
			r.logger.Warn("transport disconnect failed", "session", session, "error", err)
		}
	}
	r.persistDisconnected(session)
	r.metrics.ObserveTransition(string(wasession.StatusDisconnected), "requested")
	r.logger.Info("session disconnected", "session", session)
	return nil
}

// Reset ends the pairing epoch: logs out of the transport, purges local
// credential material, and clears phone number and QR code from the row.
func (r *Registry) Reset(ctx context.Context, session string) error {
	if err := wasession.ValidateName(session); err != nil {
		return err
	}
	lock := r.sessionLock(session)
	lock.Lock()
	defer lock.Unlock()

	if h := r.currentHandle(session); h != nil {
		r.dropHandle(h)
		if err := h.conn.Logout(ctx); err != nil {
			r.logger.Warn("transport logout failed", "session", session, "error", err)
		}
	}
	r.purgeCredentials(session)
	r.persistReset(session)
	r.metrics.ObserveTransition(string(wasession.StatusDisconnected), "reset")
	r.logger.Info("session reset", "session", session)
	return nil
}

// registryEvents routes one connection's callbacks back into the registry
// with the epoch stamped on them.
type registryEvents struct {
	registry *Registry
	session  string
	epoch    uint64
}

func (e *registryEvents) QRCode(code string) { e.registry.handleQR(e.session, e.epoch, code) }

func (e *registryEvents) Connected(phone string) {
	e.registry.handleConnected(e.session, e.epoch, phone)
}

func (e *registryEvents) Disconnected(reason DisconnectReason) {
	e.registry.handleDisconnected(e.session, e.epoch, reason)
}

func (e *registryEvents) Failed(err error) { e.registry.handleFailed(e.session, e.epoch, err) }

func (e *registryEvents) Message(msg InboundMessage) { e.registry.handleMessage(msg) }

// withCurrent runs fn against the session's handle only if the event's epoch
// still owns it. Stale events from replaced connections are dropped here.
// fn also issues the store write for the transition, so per-session rows are
// written in the same order the transitions happened.
func (r *Registry) withCurrent(session string, epoch uint64, fn func(*Handle)) bool {
	lock := r.sessionLock(session)
	lock.Lock()
	defer lock.Unlock()
	h := r.currentHandle(session)
	if h == nil || h.epoch != epoch {
		r.logger.Debug("dropping event from replaced connection", "session", session, "epoch", epoch)
		return false
	}
	fn(h)
	return true
}

func (r *Registry) handleQR(session string, epoch uint64, code string) {
	expiry := r.now().Add(r.qrTTL)
	if !r.withCurrent(session, epoch, func(h *Handle) {
		h.setQR(code, expiry)
		r.persistQR(session, code, expiry)
	}) {
		return
	}
	r.metrics.ObserveQRIssued()
	r.metrics.ObserveTransition(string(wasession.StatusPairingPending), "qr-issued")
	r.logger.Info("pairing qr issued", "session", session, "expires_at", expiry)
}

func (r *Registry) handleConnected(session string, epoch uint64, phone string) {
	if !r.withCurrent(session, epoch, func(h *Handle) {
		h.setConnected(phone)
		r.persistConnected(session, phone)
	}) {
		return
	}
	r.metrics.ObserveTransition(string(wasession.StatusConnected), "handshake")
	r.logger.Info("session connected", "session", session, "phone", phone)
}

func (r *Registry) handleDisconnected(session string, epoch uint64, reason DisconnectReason) {
	removed := r.withCurrent(session, epoch, func(h *Handle) {
		r.dropHandle(h)
		if reason.Terminal() {
			r.purgeCredentials(session)
			r.persistReset(session)
		} else {
			r.persistDisconnected(session)
		}
	})
	if !removed {
		return
	}

	if reason.Terminal() {
		r.metrics.ObserveTransition(string(wasession.StatusDisconnected), "logged-out")
		r.logger.Warn("session logged out, new pairing required", "session", session)
		return
	}

	r.metrics.ObserveTransition(string(wasession.StatusDisconnected), string(reason))
	r.logger.Warn("session disconnected", "session", session, "reason", reason)
	if r.notifyDisconnect != nil {
		r.notifyDisconnect(session)
	}
}

func (r *Registry) handleFailed(session string, epoch uint64, cause error) {
	removed := r.withCurrent(session, epoch, func(h *Handle) {
		r.dropHandle(h)
		r.persistErrored(session)
	})
	if !removed {
		return
	}
	r.metrics.ObserveTransition(string(wasession.StatusError), "transport-failure")
	r.logger.Error("session transport failed", "session", session, "error", cause)
}

func (r *Registry) handleMessage(msg InboundMessage) {
	if r.messages == nil {
		r.logger.Debug("inbound message dropped, no sink configured", "session", msg.Session)
		return
	}
	r.messages.Deliver(context.Background(), msg)
}

func (r *Registry) purgeCredentials(session string) {
	if r.credsDir == "" {
		return
	}
	path := filepath.Join(r.credsDir, url.PathEscape(session))
	if err := os.RemoveAll(path); err != nil {
		r.logger.Error("credential purge failed", "session", session, "path", path, "error", err)
	}
}

// Persistence bridge. The registry is the only writer of session rows, and
// every persist call below runs while the caller holds the session lock, so
// writes reach the store in transition order and last-writer-wins is safe.

func (r *Registry) persistInitializing(session string) {
	if r.store == nil {
		return
	}
	ctx, cancel := r.persistCtx()
	defer cancel()
	err := r.store.MarkInitializing(ctx, nil, session)
	if errors.Is(err, wasession.ErrIllegalTransition) {
		// Stale connected row from a previous gateway life; no live handle
		// exists, so demote it and retry.
		if derr := r.store.MarkDisconnected(ctx, nil, session); derr == nil {
			err = r.store.MarkInitializing(ctx, nil, session)
		}
	}
	if err != nil {
		r.logger.Error("persist initializing failed", "session", session, "error", err)
	}
}

func (r *Registry) persistQR(session, code string, expiry time.Time) {
	if r.store == nil {
		return
	}
	ctx, cancel := r.persistCtx()
	defer cancel()
	if err := r.store.SetQR(ctx, nil, session, code, expiry); err != nil {
		r.logger.Error("persist qr failed", "session", session, "error", err)
	}
}

func (r *Registry) persistConnected(session, phone string) {
	if r.store == nil {
		return
	}
	ctx, cancel := r.persistCtx()
	defer cancel()
	if err := r.store.MarkConnected(ctx, nil, session, phone); err != nil {
		r.logger.Error("persist connected failed", "session", session, "error", err)
	}
}

func (r *Registry) persistDisconnected(session string) {
	if r.store == nil {
		return
	}
	ctx, cancel := r.persistCtx()
	defer cancel()
	if err := r.store.MarkDisconnected(ctx, nil, session); err != nil && !errors.Is(err, wasession.ErrNotFound) {
		r.logger.Error("persist disconnected failed", "session", session, "error", err)
	}
}

func (r *Registry) persistReset(session string) {
	if r.store == nil {
		return
	}
	ctx, cancel := r.persistCtx()
	defer cancel()
	if err := r.store.Reset(ctx, nil, session); err != nil && !errors.Is(err, wasession.ErrNotFound) {
		r.logger.Error("persist reset failed", "session", session, "error", err)
	}
}

func (r *Registry) persistErrored(session string) {
	if r.store == nil {
		return
	}
	ctx, cancel := r.persistCtx()
	defer cancel()
	if err := r.store.MarkErrored(ctx, nil, session); err != nil && !errors.Is(err, wasession.ErrIllegalTransition) {
		r.logger.Error("persist errored failed", "session", session, "error", err)
	}
}

func (r *Registry) persistCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
