package db

import (
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestTranslateLockError(t *testing.T) {
	locked := &pgconn.PgError{Code: "55P03", Message: "could not obtain lock on row"}
	assert.ErrorIs(t, translateLockError(locked), ErrLockConflict)

	wrapped := errors.Wrap(locked, "locking api key")
	assert.ErrorIs(t, translateLockError(wrapped), ErrLockConflict)

	other := &pgconn.PgError{Code: "23505", Message: "duplicate key"}
	assert.NotErrorIs(t, translateLockError(other), ErrLockConflict)

	plain := errors.New("boom")
	assert.Equal(t, plain, translateLockError(plain))
}
