package db

import (
	"context"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/unicitynetwork/aggregator-proxy/keys"
)

// Prices are NUMERIC(78,0); they travel as decimal strings and are parsed
// into big.Int so no precision is lost.

// PlanByID returns a pricing plan, or ErrNotFound.
func (d *Database) PlanByID(ctx context.Context, id int64) (*keys.Plan, error) {
	const q = `
		SELECT id, name, requests_per_second, requests_per_day, price::text
		FROM pricing_plans WHERE id = $1`
	return scanPlan(d.pool.QueryRow(ctx, q, id))
}

// ListPlans returns every pricing plan ordered by id.
func (d *Database) ListPlans(ctx context.Context) ([]*keys.Plan, error) {
	const q = `
		SELECT id, name, requests_per_second, requests_per_day, price::text
		FROM pricing_plans ORDER BY id`
	rows, err := d.pool.Query(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "could not query pricing plans")
	}
	defer rows.Close()

	var plans []*keys.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, errors.Wrap(rows.Err(), "could not iterate pricing plans")
}

func scanPlan(row rowScanner) (*keys.Plan, error) {
	plan := &keys.Plan{}
	var price string
	err := row.Scan(&plan.ID, &plan.Name, &plan.RequestsPerSecond, &plan.RequestsPerDay, &price)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not scan pricing plan row")
	}
	v, ok := new(big.Int).SetString(price, 10)
	if !ok {
		return nil, errors.Errorf("invalid plan price %q", price)
	}
	plan.Price = v
	return plan, nil
}
