package db

import (
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

// SQLSTATE for "lock not available", raised by FOR UPDATE NOWAIT.
const lockNotAvailable = "55P03"

// Typed failures callers branch on. Every other database error is an
// internal server error.
var (
	// ErrLockConflict reports that another request holds the row lock for the
	// same api key. Handlers surface it as HTTP 409.
	ErrLockConflict = errors.New("api key is locked by a concurrent payment request")
	// ErrNotFound reports that the requested row does not exist.
	ErrNotFound = errors.New("record not found")
)

// translateLockError converts the Postgres lock-not-available error into
// ErrLockConflict. This is the only path that should catch that code.
func translateLockError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == lockNotAvailable {
		return ErrLockConflict
	}
	return err
}
