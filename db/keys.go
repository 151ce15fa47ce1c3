package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/unicitynetwork/aggregator-proxy/keys"
)

// KeyInfo returns the cached projection for an active key with a plan
// assigned, joined with its plan limits. Unknown, revoked and planless keys
// yield nil so the cache can hold a negative entry.
func (d *Database) KeyInfo(ctx context.Context, apiKey string) (*keys.Info, error) {
	const q = `
		SELECT k.api_key, p.requests_per_second, p.requests_per_day, p.id, k.active_until
		FROM api_keys k
		JOIN pricing_plans p ON p.id = k.pricing_plan_id
		WHERE k.api_key = $1 AND k.status = 'active'`
	info := &keys.Info{}
	err := d.pool.QueryRow(ctx, q, apiKey).Scan(
		&info.APIKey, &info.RPS, &info.RPD, &info.PricingPlanID, &info.ActiveUntil,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not query key info")
	}
	return info, nil
}

// GetKey returns the full key record, or ErrNotFound.
func (d *Database) GetKey(ctx context.Context, apiKey string) (*keys.Record, error) {
	const q = `
		SELECT id, api_key, description, status, pricing_plan_id, active_until, created_at
		FROM api_keys WHERE api_key = $1`
	return scanKey(d.pool.QueryRow(ctx, q, apiKey))
}

// CreateKey inserts a fresh active key with no plan and returns the record.
func (d *Database) CreateKey(ctx context.Context, apiKey, description string) (*keys.Record, error) {
	const q = `
		INSERT INTO api_keys (api_key, description, status)
		VALUES ($1, $2, 'active')
		RETURNING id, api_key, description, status, pricing_plan_id, active_until, created_at`
	return scanKey(d.pool.QueryRow(ctx, q, apiKey, description))
}

// LockKeyForUpdate locks the key's row for the duration of the transaction.
// A concurrent holder surfaces as ErrLockConflict.
func (d *Database) LockKeyForUpdate(ctx context.Context, tx pgx.Tx, apiKey string) (*keys.Record, error) {
	const q = `
		SELECT id, api_key, description, status, pricing_plan_id, active_until, created_at
		FROM api_keys WHERE api_key = $1 FOR UPDATE NOWAIT`
	rec, err := scanKey(tx.QueryRow(ctx, q, apiKey))
	if err != nil {
		return nil, translateLockError(err)
	}
	return rec, nil
}

// UpgradeKey assigns the plan and active-until instant inside the caller's
// transaction.
func (d *Database) UpgradeKey(ctx context.Context, tx pgx.Tx, apiKey string, planID int64, activeUntil time.Time) error {
	const q = `UPDATE api_keys SET pricing_plan_id = $2, active_until = $3 WHERE api_key = $1`
	ct, err := tx.Exec(ctx, q, apiKey, planID, activeUntil)
	if err != nil {
		return errors.Wrap(err, "could not upgrade api key")
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*keys.Record, error) {
	rec := &keys.Record{}
	err := row.Scan(
		&rec.ID, &rec.APIKey, &rec.Description, &rec.Status,
		&rec.PricingPlanID, &rec.ActiveUntil, &rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not scan api key row")
	}
	return rec, nil
}
