package db

import (
	"context"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

type executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// executor routes a statement through the transaction when one is supplied,
// and through the pool otherwise.
func (d *Database) executor(tx pgx.Tx) executor {
	if tx != nil {
		return tx
	}
	return d.pool
}

// SessionStatus is the lifecycle state of a payment session.
type SessionStatus string

// Session states. Pending is the only non-terminal state.
const (
	SessionPending   SessionStatus = "pending"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionExpired   SessionStatus = "expired"
)

// PaymentSession is a persisted payment session. At most one pending session
// may exist per api key; a partial unique index enforces the invariant.
type PaymentSession struct {
	ID             uuid.UUID
	APIKey         string
	PaymentAddress string
	ReceiverNonce  []byte
	Status         SessionStatus
	TargetPlanID   int64
	AmountRequired *big.Int
	TokenReceived  []byte
	CreatedAt      time.Time
	CompletedAt    *time.Time
	ExpiresAt      time.Time
	TokenID        []byte
	TokenType      []byte
}

const sessionColumns = `
	id, api_key, payment_address, receiver_nonce, status, target_plan_id,
	amount_required::text, token_received, created_at, completed_at, expires_at,
	token_id, token_type`

// CreateSession inserts a pending session inside the caller's transaction.
// The caller must hold the api key row lock and have cancelled any previous
// pending session first.
func (d *Database) CreateSession(ctx context.Context, tx pgx.Tx, s *PaymentSession) error {
	const q = `
		INSERT INTO payment_sessions (
			id, api_key, payment_address, receiver_nonce, status, target_plan_id,
			amount_required, expires_at, token_id, token_type
		) VALUES ($1, $2, $3, $4, 'pending', $5, $6::numeric, $7, $8, $9)`
	_, err := tx.Exec(ctx, q,
		s.ID, s.APIKey, s.PaymentAddress, s.ReceiverNonce, s.TargetPlanID,
		s.AmountRequired.String(), s.ExpiresAt, s.TokenID, s.TokenType,
	)
	return errors.Wrap(err, "could not insert payment session")
}

// CancelPendingSessions fails any pending session for the key inside the
// caller's transaction, preserving the at-most-one-pending invariant before
// a new session is created. The superseded rows stay behind as an audit
// trail.
func (d *Database) CancelPendingSessions(ctx context.Context, tx pgx.Tx, apiKey string) error {
	const q = `UPDATE payment_sessions SET status = 'failed' WHERE api_key = $1 AND status = 'pending'`
	_, err := tx.Exec(ctx, q, apiKey)
	return errors.Wrap(err, "could not cancel pending sessions")
}

// SessionByID returns a session, or ErrNotFound.
func (d *Database) SessionByID(ctx context.Context, id uuid.UUID) (*PaymentSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM payment_sessions WHERE id = $1`
	return scanSession(d.pool.QueryRow(ctx, q, id))
}

// PendingSessionByAPIKey returns the key's pending session, or ErrNotFound.
func (d *Database) PendingSessionByAPIKey(ctx context.Context, apiKey string) (*PaymentSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM payment_sessions WHERE api_key = $1 AND status = 'pending'`
	return scanSession(d.pool.QueryRow(ctx, q, apiKey))
}

// UpdateSessionStatus transitions a pending session to a terminal state,
// recording the completion instant and the received token JSON when present.
// The pending guard makes the transition idempotent: a session already moved
// to a terminal state is left untouched and ErrNotFound is returned.
func (d *Database) UpdateSessionStatus(
	ctx context.Context,
	tx pgx.Tx,
	id uuid.UUID,
	status SessionStatus,
	completedAt *time.Time,
	tokenReceived []byte,
) error {
	const q = `
		UPDATE payment_sessions
		SET status = $2, completed_at = $3, token_received = COALESCE($4, token_received)
		WHERE id = $1 AND status = 'pending'`
	var token *string
	if tokenReceived != nil {
		s := string(tokenReceived)
		token = &s
	}
	ct, err := d.executor(tx).Exec(ctx, q, id, status, completedAt, token)
	if err != nil {
		return errors.Wrap(err, "could not update payment session")
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpirePendingSessions marks every overdue pending session as expired and
// returns the number of rows swept.
func (d *Database) ExpirePendingSessions(ctx context.Context, now time.Time) (int64, error) {
	const q = `UPDATE payment_sessions SET status = 'expired' WHERE status = 'pending' AND expires_at < $1`
	ct, err := d.pool.Exec(ctx, q, now)
	if err != nil {
		return 0, errors.Wrap(err, "could not expire pending sessions")
	}
	return ct.RowsAffected(), nil
}

func scanSession(row rowScanner) (*PaymentSession, error) {
	s := &PaymentSession{}
	var amount string
	var token *string
	err := row.Scan(
		&s.ID, &s.APIKey, &s.PaymentAddress, &s.ReceiverNonce, &s.Status, &s.TargetPlanID,
		&amount, &token, &s.CreatedAt, &s.CompletedAt, &s.ExpiresAt,
		&s.TokenID, &s.TokenType,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not scan payment session row")
	}
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, errors.Errorf("invalid session amount %q", amount)
	}
	s.AmountRequired = v
	if token != nil {
		s.TokenReceived = []byte(*token)
	}
	return s, nil
}
