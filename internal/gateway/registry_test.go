package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/zapclinic/platform/internal/wasession"
)

type fakeConn struct {
	mu           sync.Mutex
	alive        bool
	sent         [][2]string
	disconnected bool
	loggedOut    bool
}

func (c *fakeConn) Alive(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *fakeConn) Send(ctx context.Context, to, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, [2]string{to, body})
	return nil
}

func (c *fakeConn) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *fakeConn) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	return nil
}

func (c *fakeConn) wasDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

func (c *fakeConn) wasLoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

func (c *fakeConn) setAlive(alive bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alive = alive
}

type fakeTransport struct {
	mu      sync.Mutex
	dials   int
	conns   []*fakeConn
	events  []ConnEvents
	dialErr error
}

func (t *fakeTransport) Dial(ctx context.Context, session string, events ConnEvents) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	conn := &fakeConn{alive: true}
	t.conns = append(t.conns, conn)
	t.events = append(t.events, events)
	return conn, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) lastEvents() ConnEvents {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events[len(t.events)-1]
}

func (t *fakeTransport) lastConn() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[len(t.conns)-1]
}

func newTestRegistry(t *testing.T, transport Transport, opts ...RegistryOption) *Registry {
	t.Helper()
	base := []RegistryOption{WithProbeTimeout(50 * time.Millisecond)}
	return NewRegistry(transport, nil, append(base, opts...)...)
}

func TestStartPairingCreatesSingleHandle(t *testing.T) {
	transport := &fakeTransport{}
	registry := newTestRegistry(t, transport)

	result, err := registry.StartPairing(context.Background(), "clinic-1")
	if err != nil {
		t.Fatalf("start pairing: %v", err)
	}
	if result.Status != wasession.StatusInitializing {
		t.Fatalf("expected initializing, got %s", result.Status)
	}

	// A second request while the first is live must not dial again.
	if _, err := registry.StartPairing(context.Background(), "clinic-1"); err != nil {
		t.Fatalf("second start pairing: %v", err)
	}
	if transport.dialCount() != 1 {
		t.Fatalf("expected 1 dial, got %d", transport.dialCount())
	}
}

func TestStartPairingInvalidName(t *testing.T) {
	registry := newTestRegistry(t, &fakeTransport{})
	if _, err := registry.StartPairing(context.Background(), "  "); !errors.Is(err, wasession.ErrInvalidSessionName) {
		t.Fatalf("expected ErrInvalidSessionName, got %v", err)
	}
}

func TestConcurrentStartPairingSingleHandle(t *testing.T) {
	transport := &fakeTransport{}
	registry := newTestRegistry(t, transport)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := registry.StartPairing(context.Background(), "clinic-1"); err != nil {
				t.Errorf("start pairing: %v", err)
			}
		}()
	}
	wg.Wait()

	if transport.dialCount() != 1 {
		t.Fatalf("concurrent pairing produced %d handles, want 1", transport.dialCount())
	}
}

func TestIndependentSessionsDialIndependently(t *testing.T) {
	transport := &fakeTransport{}
	registry := newTestRegistry(t, transport)

	for _, name := range []string{"clinic-1", "clinic-2", "clinic-3"} {
		if _, err := registry.StartPairing(context.Background(), name); err != nil {
			t.Fatalf("start pairing %s: %v", name, err)
		}
	}
	if transport.dialCount() != 3 {
		t.Fatalf("expected 3 dials, got %d", transport.dialCount())
	}
}

func TestQREventReachesWaiters(t *testing.T) {
	transport := &fakeTransport{}
	registry := newTestRegistry(t, transport)

	if _, err := registry.StartPairing(context.Background(), "clinic-1"); err != nil {
		t.Fatalf("start pairing: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		transport.lastEvents().QRCode("qr-payload")
	}()

	result, err := registry.WaitForPairing(context.Background(), "clinic-1", time.Second)
	if err != nil {
		t.Fatalf("wait for pairing: %v", err)
	}
	if result.QRCode != "qr-payload" {
		t.Fatalf("expected qr payload, got %q", result.QRCode)
	}
	if result.QRExpiresAt.IsZero() {
		t.Fatal("expected expiry stamped on QR")
	}
}

func TestConnectedClearsQRAndShortCircuitsPairing(t *testing.T) {
	transport := &fakeTransport{}
	registry := newTestRegistry(t, transport)

	if _, err := registry.StartPairing(context.Background(), "clinic-1"); err != nil {
		t.Fatalf("start pairing: %v", err)
	}
	events := transport.lastEvents()
	events.QRCode("qr-payload")
	events.Connected("+5511999990000")

	state := registry.Status("clinic-1")
	if !state.Connected {
		t.Fatal("expected connected state")
	}
	if state.QRCode != "" {
		t.Fatal("connected handle must not serve a QR code")
	}

	result, err := registry.StartPairing(context.Background(), "clinic-1")
	if err != nil {
		t.Fatalf("repeat pairing: %v", err)
	}
	if result.Status != wasession.StatusConnected || result.PhoneNumber != "+5511999990000" {
		t.Fatalf("expected connected short-circuit, got %+v", result)
	}
	if transport.dialCount() != 1 {
		t.Fatalf("connected session must not re-dial, got %d dials", transport.dialCount())
	}
}

func TestGhostHandleRecovery(t *testing.T) {
	transport := &fakeTransport{}
	registry := newTestRegistry(t, transport)

	if _, err := registry.StartPairing(context.Background(), "clinic-1"); err != nil {
		t.Fatalf("start pairing: %v", err)
	}
	ghost := transport.lastConn()
	ghost.setAlive(false)

	// The automation backend died silently; the next pairing request must
	// probe, discard the ghost, and dial fresh instead of wedging.
	result, err := registry.StartPairing(context.Background(), "clinic-1")
	if err != nil {
		t.Fatalf("pairing after ghost: %v", err)
	}
	if result.Status != wasession.StatusInitializing {
		t.Fatalf("expected fresh initializing, got %s", result.Status)
	}
	if transport.dialCount() != 2 {
		t.Fatalf("expected re-dial after ghost, got %d dials", transport.dialCount())
	}

	transport.lastEvents().QRCode("fresh-qr")
	waited, err := registry.WaitForPairing(context.Background(), "clinic-1", time.Second)
	if err != nil {
		t.Fatalf("wait after ghost recovery: %v", err)
	}
	if waited.QRCode != "fresh-qr" {
		t.Fatalf("expected fresh QR, got %q", waited.QRCode)
	}
}

func TestStaleEventFromReplacedConnectionDropped(t *testing.T) {
	transport := &fakeTransport{}
	registry := newTestRegistry(t, transport)

	if _, err := registry.StartPairing(context.Background(), "clinic-1"); err != nil {
		t.Fatalf("start pairing: %v", err)
	}
	oldEvents := transport.lastEvents()
	oldEvents.Disconnected(ReasonConnectionLost)

	if _, err := registry.StartPairing(context.Background(), "clinic-1"); err != nil {
		t.Fatalf("re-pairing: %v", err)
	}

	// The first connection reports a late handshake after being replaced.
	oldEvents.Connected("+15550001111")

	if state := registry.Status("clinic-1"); state.Connected {
		t.Fatal("stale connected event must not leak into the replacement handle")
	}
}

func TestTerminalLogoutPurgesCredentialsAndSkipsReconnect(t *testing.T) {
	credsDir := t.TempDir()
	sessionDir := filepath.Join(credsDir, "clinic-1")
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		t.Fatalf("seed creds dir: %v", err)
	}

	transport := &fakeTransport{}
	registry := newTestRegistry(t, transport, WithCredentialsDir(credsDir))

	var notified []string
	registry.SetDisconnectNotifier(func(session string) {
		notified = append(notified, session)
	})

	if _, err := registry.StartPairing(context.Background(), "clinic-1"); err != nil {
		t.Fatalf("start pairing: %v", err)
	}
	transport.lastEvents().Connected("+5511999990000")
	transport.lastEvents().Disconnected(ReasonLoggedOut)

	if _, err := os.Stat(sessionDir); !os.IsNotExist(err) {
		t.Fatal("expected credential material purged on logout")
	}
	if len(notified) != 0 {
		t.Fatalf("logout must never trigger reconnect, got notifications %v", notified)
	}
	if state := registry.Status("clinic-1"); state.Connected {
		t.Fatal("expected handle removed after logout")
	}
}

func TestRecoverableDisconnectNotifiesSupervisor(t *testing.T) {
	transport := &fakeTransport{}
	registry := newTestRegistry(t, transport)

	var notified []string
	registry.SetDisconnectNotifier(func(session string) {
		notified = append(notified, session)
	})

	if _, err := registry.StartPairing(context.Background(), "clinic-1"); err != nil {
		t.Fatalf("start pairing: %v", err)
	}
	transport.lastEvents().Connected("+5511999990000")
	transport.lastEvents().Disconnected(ReasonConnectionLost)

	if len(notified) != 1 || notified[0] != "clinic-1" {
		t.Fatalf("expected one reconnect notification, got %v", notified)
	}
}

func TestSendRequiresConnectedSession(t *testing.T) {
	transport := &fakeTransport{}
	registry := newTestRegistry(t, transport)

	err := registry.Send(context.Background(), "clinic-1", "+15550001111", "hello")
	if !errors.Is(err, wasession.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected for absent session, got %v", err)
	}

	if _, err := registry.StartPairing(context.Background(), "clinic-1"); err != nil {
		t.Fatalf("start pairing: %v", err)
	}
	err = registry.Send(context.Background(), "clinic-1", "+15550001111", "hello")
	if !errors.Is(err, wasession.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected while pairing, got %v", err)
	}

	transport.lastEvents().Connected("+5511999990000")
	if err := registry.Send(context.Background(), "clinic-1", "+15550001111", "hello"); err != nil {
		t.Fatalf("send on connected session: %v", err)
	}
	conn := transport.lastConn()
	conn.mu.Lock()
	sent := len(conn.sent)
	conn.mu.Unlock()
	if sent != 1 {
		t.Fatalf("expected 1 sent message, got %d", sent)
	}
}

func TestWaitForPairingTimeoutIsDistinct(t *testing.T) {
	transport := &fakeTransport{}
	registry := newTestRegistry(t, transport)

	if _, err := registry.StartPairing(context.Background(), "clinic-1"); err != nil {
		t.Fatalf("start pairing: %v", err)
	}

	_, err := registry.WaitForPairing(context.Background(), "clinic-1", 30*time.Millisecond)
	if !errors.Is(err, wasession.ErrQRTimeout) {
		t.Fatalf("expected ErrQRTimeout, got %v", err)
	}
	if errors.Is(err, wasession.ErrNotConnected) || errors.Is(err, wasession.ErrAlreadyConnected) {
		t.Fatal("timeout must not alias other failure classes")
	}
}

func TestWaitForPairingCancellable(t *testing.T) {
	transport := &fakeTransport{}
	registry := newTestRegistry(t, transport)

	if _, err := registry.StartPairing(context.Background(), "clinic-1"); err != nil {
		t.Fatalf("start pairing: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := registry.WaitForPairing(ctx, "clinic-1", time.Minute)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled wait leaked")
	}
}

func TestDisconnectKeepsCredentials(t *testing.T) {
	credsDir := t.TempDir()
	sessionDir := filepath.Join(credsDir, "clinic-1")
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		t.Fatalf("seed creds dir: %v", err)
	}

	transport := &fakeTransport{}
	registry := newTestRegistry(t, transport, WithCredentialsDir(credsDir))

	if _, err := registry.StartPairing(context.Background(), "clinic-1"); err != nil {
		t.Fatalf("start pairing: %v", err)
	}
	transport.lastEvents().Connected("+5511999990000")

	if err := registry.Disconnect(context.Background(), "clinic-1"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if !transport.lastConn().wasDisconnected() {
		t.Fatal("expected transport disconnect")
	}
	if transport.lastConn().wasLoggedOut() {
		t.Fatal("disconnect must not log out")
	}
	if _, err := os.Stat(sessionDir); err != nil {
		t.Fatal("disconnect must keep credential material")
	}
}

func TestResetLogsOutAndPurges(t *testing.T) {
	credsDir := t.TempDir()
	sessionDir := filepath.Join(credsDir, "clinic-1")
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		t.Fatalf("seed creds dir: %v", err)
	}

	transport := &fakeTransport{}
	registry := newTestRegistry(t, transport, WithCredentialsDir(credsDir))

	if _, err := registry.StartPairing(context.Background(), "clinic-1"); err != nil {
		t.Fatalf("start pairing: %v", err)
	}
	transport.lastEvents().Connected("+5511999990000")

	if err := registry.Reset(context.Background(), "clinic-1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !transport.lastConn().wasLoggedOut() {
		t.Fatal("expected transport logout on reset")
	}
	if _, err := os.Stat(sessionDir); !os.IsNotExist(err) {
		t.Fatal("reset must purge credential material")
	}
	if state := registry.Status("clinic-1"); state.Connected {
		t.Fatal("expected handle removed after reset")
	}
}

func TestDialFailureSurfacesError(t *testing.T) {
	transport := &fakeTransport{dialErr: errors.New("sidecar down")}
	registry := newTestRegistry(t, transport)

	if _, err := registry.StartPairing(context.Background(), "clinic-1"); err == nil {
		t.Fatal("expected dial error")
	}
	// The failed attempt leaves nothing behind; the next request starts clean.
	transport.mu.Lock()
	transport.dialErr = nil
	transport.mu.Unlock()
	if _, err := registry.StartPairing(context.Background(), "clinic-1"); err != nil {
		t.Fatalf("pairing after failed dial: %v", err)
	}
}

// recordingPool satisfies wasession.PgxPool and records the status argument
// of every completed write, optionally slowing selected statuses down to
// widen concurrency windows.
type recordingPool struct {
	mu       sync.Mutex
	statuses []string
	delays   map[string]time.Duration
}

func (p *recordingPool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	var status string
	if len(args) >= 2 {
		if s, ok := args[1].(string); ok {
			status = s
		}
	}
	if d := p.delays[status]; d > 0 {
		time.Sleep(d)
	}
	p.mu.Lock()
	p.statuses = append(p.statuses, status)
	p.mu.Unlock()
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (p *recordingPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, pgx.ErrNoRows
}

func (p *recordingPool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

func (p *recordingPool) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, errors.New("transactions not supported")
}

func (p *recordingPool) completed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.statuses...)
}

func TestDisconnectWriteLandsBeforeRestartWrite(t *testing.T) {
	transport := &fakeTransport{}
	pool := &recordingPool{delays: map[string]time.Duration{"disconnected": 150 * time.Millisecond}}
	registry := NewRegistry(transport, wasession.NewStore(pool), WithProbeTimeout(50*time.Millisecond))

	ctx := context.Background()
	if _, err := registry.StartPairing(ctx, "clinic-1"); err != nil {
		t.Fatalf("start pairing: %v", err)
	}

	// A slow disconnect write must still land before the write of the next
	// pairing request for the same session.
	done := make(chan struct{})
	events := transport.lastEvents()
	go func() {
		defer close(done)
		events.Disconnected(ReasonConnectionLost)
	}()
	time.Sleep(30 * time.Millisecond)

	if _, err := registry.StartPairing(ctx, "clinic-1"); err != nil {
		t.Fatalf("pairing after disconnect: %v", err)
	}
	<-done

	got := pool.completed()
	want := []string{"initializing", "disconnected", "initializing"}
	if len(got) != len(want) {
		t.Fatalf("writes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("write order = %v, want %v", got, want)
		}
	}
}

func TestWaitForPairingSeesQRRacingTheWait(t *testing.T) {
	transport := &fakeTransport{}
	registry := newTestRegistry(t, transport)
	ctx := context.Background()

	// The QR event fires concurrently with the wait; whichever side wins,
	// the waiter must observe the code instead of sleeping to the deadline.
	for i := 0; i < 50; i++ {
		session := fmt.Sprintf("clinic-%d", i)
		if _, err := registry.StartPairing(ctx, session); err != nil {
			t.Fatalf("start pairing %s: %v", session, err)
		}
		events := transport.lastEvents()
		go events.QRCode("qr-race")

		result, err := registry.WaitForPairing(ctx, session, 500*time.Millisecond)
		if err != nil {
			t.Fatalf("wait %s: %v", session, err)
		}
		if result.QRCode != "qr-race" {
			t.Fatalf("wait %s: expected QR, got %+v", session, result)
		}
	}
}
