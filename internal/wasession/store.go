package wasession

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists session rows in Postgres. Writes are guarded so a row can
// never land in a state the transition table forbids; violations surface as
// ErrIllegalTransition rather than silently winning.
type Store struct {
	pool PgxPool
}

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

func (s *Store) Get(ctx context.Context, name string) (*Session, error) {
	query := `
		SELECT name, status, COALESCE(qr_code, ''), qr_expires_at,
			COALESCE(phone_number, ''), last_connected_at, updated_at
		FROM wa_sessions
		WHERE name = $1
	`
	var (
		sess   Session
		status string
	)
	err := s.pool.QueryRow(ctx, query, name).Scan(
		&sess.Name, &status, &sess.QRCode, &sess.QRExpiresAt,
		&sess.PhoneNumber, &sess.LastConnectedAt, &sess.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("wasession: get session: %w", err)
	}
	parsed, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}
	sess.Status = parsed
	return &sess, nil
}

// MarkInitializing creates the row on first pairing or restarts a dead one.
// Any prior QR code is discarded so a stale artifact can never outlive the
// initialization that replaced it.
func (s *Store) MarkInitializing(ctx context.Context, q Querier, name string) error {
	if q == nil {
		q = s.pool
	}
	query := `
		INSERT INTO wa_sessions (name, status)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE
		SET status = EXCLUDED.status,
			qr_code = NULL,
			qr_expires_at = NULL,
			updated_at = now()
		WHERE wa_sessions.status <> $3
	`
	tag, err := q.Exec(ctx, query, name, string(StatusInitializing), string(StatusConnected))
	if err != nil {
		return fmt.Errorf("wasession: mark initializing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIllegalTransition
	}
	return nil
}

// SetQR records a freshly emitted pairing code and its expiry. Only legal
// while the session is initializing or re-issuing an unscanned code.
func (s *Store) SetQR(ctx context.Context, q Querier, name, qrCode string, expiresAt time.Time) error {
	if q == nil {
		q = s.pool
	}
	query := `
		UPDATE wa_sessions
		SET status = $2,
			qr_code = $3,
			qr_expires_at = $4,
			updated_at = now()
		WHERE name = $1 AND status IN ($5, $2)
	`
	tag, err := q.Exec(ctx, query, name, string(StatusPairingPending), qrCode, expiresAt, string(StatusInitializing))
	if err != nil {
		return fmt.Errorf("wasession: set qr: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIllegalTransition
	}
	return nil
}

// MarkConnected clears the QR code in the same statement that records the
// handshake, so a connected row can never serve a pairing artifact. Only
// legal while a pairing is in flight.
func (s *Store) MarkConnected(ctx context.Context, q Querier, name, phoneNumber string) error {
	if q == nil {
		q = s.pool
	}
	query := `
		UPDATE wa_sessions
		SET status = $2,
			qr_code = NULL,
			qr_expires_at = NULL,
			phone_number = $3,
			last_connected_at = now(),
			updated_at = now()
		WHERE name = $1 AND status IN ($4, $5)
	`
	tag, err := q.Exec(ctx, query, name, string(StatusConnected), phoneNumber,
		string(StatusInitializing), string(StatusPairingPending))
	if err != nil {
		return fmt.Errorf("wasession: mark connected: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIllegalTransition
	}
	return nil
}

// MarkDisconnected records a recoverable disconnect. The phone number stays:
// the pairing epoch is still valid and the supervisor will re-dial.
func (s *Store) MarkDisconnected(ctx context.Context, q Querier, name string) error {
	if q == nil {
		q = s.pool
	}
	query := `
		UPDATE wa_sessions
		SET status = $2,
			qr_code = NULL,
			qr_expires_at = NULL,
			updated_at = now()
		WHERE name = $1
	`
	tag, err := q.Exec(ctx, query, name, string(StatusDisconnected))
	if err != nil {
		return fmt.Errorf("wasession: mark disconnected: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Reset wipes the pairing epoch: QR code, expiry, and phone number all go.
// Used for explicit resets and terminal logouts.
func (s *Store) Reset(ctx context.Context, q Querier, name string) error {
	if q == nil {
		q = s.pool
	}
	query := `
		UPDATE wa_sessions
		SET status = $2,
			qr_code = NULL,
			qr_expires_at = NULL,
			phone_number = NULL,
			updated_at = now()
		WHERE name = $1
	`
	tag, err := q.Exec(ctx, query, name, string(StatusDisconnected))
	if err != nil {
		return fmt.Errorf("wasession: reset session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkErrored records an unexpected transport failure; the next pairing
// request starts clean from here. A row that is already disconnected or
// errored stays put.
func (s *Store) MarkErrored(ctx context.Context, q Querier, name string) error {
	if q == nil {
		q = s.pool
	}
	query := `
		UPDATE wa_sessions
		SET status = $2,
			qr_code = NULL,
			qr_expires_at = NULL,
			updated_at = now()
		WHERE name = $1 AND status IN ($3, $4, $5)
	`
	tag, err := q.Exec(ctx, query, name, string(StatusError),
		string(StatusInitializing), string(StatusPairingPending), string(StatusConnected))
	if err != nil {
		return fmt.Errorf("wasession: mark errored: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIllegalTransition
	}
	return nil
}
