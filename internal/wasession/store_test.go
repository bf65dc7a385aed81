package wasession

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func TestStoreGet(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	store := &Store{pool: mock}
	expiry := time.Now().Add(time.Minute)
	updated := time.Now()
	mock.ExpectQuery("SELECT name, status").
		WithArgs("clinic-1").
		WillReturnRows(pgxmock.NewRows([]string{"name", "status", "qr_code", "qr_expires_at", "phone_number", "last_connected_at", "updated_at"}).
			AddRow("clinic-1", "pairing_pending", "qr-data", &expiry, "", (*time.Time)(nil), updated))

	sess, err := store.Get(context.Background(), "clinic-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != StatusPairingPending {
		t.Errorf("expected pairing_pending, got %s", sess.Status)
	}
	if sess.UsableQR(time.Now()) == "" {
		t.Error("expected usable QR")
	}
}

func TestStoreGetNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	store := &Store{pool: mock}
	mock.ExpectQuery("SELECT name, status").
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	if _, err := store.Get(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreMarkInitializing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	store := &Store{pool: mock}
	mock.ExpectExec("INSERT INTO wa_sessions").
		WithArgs("clinic-1", "initializing", "connected").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := store.MarkInitializing(context.Background(), nil, "clinic-1"); err != nil {
		t.Fatalf("mark initializing: %v", err)
	}
}

func TestStoreMarkInitializingRejectedWhileConnected(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	store := &Store{pool: mock}
	mock.ExpectExec("INSERT INTO wa_sessions").
		WithArgs("clinic-1", "initializing", "connected").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err = store.MarkInitializing(context.Background(), nil, "clinic-1")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestStoreSetQR(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	store := &Store{pool: mock}
	expiry := time.Now().Add(2 * time.Minute)
	mock.ExpectExec("UPDATE wa_sessions").
		WithArgs("clinic-1", "pairing_pending", "qr-data", expiry, "initializing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := store.SetQR(context.Background(), nil, "clinic-1", "qr-data", expiry); err != nil {
		t.Fatalf("set qr: %v", err)
	}
}

func TestStoreSetQRIllegalFromConnected(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	store := &Store{pool: mock}
	expiry := time.Now().Add(2 * time.Minute)
	mock.ExpectExec("UPDATE wa_sessions").
		WithArgs("clinic-1", "pairing_pending", "qr-data", expiry, "initializing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.SetQR(context.Background(), nil, "clinic-1", "qr-data", expiry)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestStoreMarkConnected(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	store := &Store{pool: mock}
	mock.ExpectExec("UPDATE wa_sessions").
		WithArgs("clinic-1", "connected", "+5511999990000", "initializing", "pairing_pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := store.MarkConnected(context.Background(), nil, "clinic-1", "+5511999990000"); err != nil {
		t.Fatalf("mark connected: %v", err)
	}
}

func TestStoreMarkConnectedIllegalWithoutPairing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	store := &Store{pool: mock}
	mock.ExpectExec("UPDATE wa_sessions").
		WithArgs("clinic-1", "connected", "+5511999990000", "initializing", "pairing_pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.MarkConnected(context.Background(), nil, "clinic-1", "+5511999990000")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestStoreMarkErroredOnlyFromLiveStates(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	store := &Store{pool: mock}
	mock.ExpectExec("UPDATE wa_sessions").
		WithArgs("clinic-1", "error", "initializing", "pairing_pending", "connected").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := store.MarkErrored(context.Background(), nil, "clinic-1"); err != nil {
		t.Fatalf("mark errored: %v", err)
	}

	mock.ExpectExec("UPDATE wa_sessions").
		WithArgs("clinic-1", "error", "initializing", "pairing_pending", "connected").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.MarkErrored(context.Background(), nil, "clinic-1")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition for an already-down row, got %v", err)
	}
}

func TestStoreReset(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	store := &Store{pool: mock}
	mock.ExpectExec("UPDATE wa_sessions").
		WithArgs("clinic-1", "disconnected").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := store.Reset(context.Background(), nil, "clinic-1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
}

func TestStoreMarkDisconnectedMissingRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	store := &Store{pool: mock}
	mock.ExpectExec("UPDATE wa_sessions").
		WithArgs("nope", "disconnected").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	if err := store.MarkDisconnected(context.Background(), nil, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
