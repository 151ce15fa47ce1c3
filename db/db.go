// Package db provides Postgres persistence for api keys, pricing plans,
// payment sessions and shard configurations.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/unicitynetwork/aggregator-proxy/config/params"
)

// Database wraps the pgx connection pool and exposes the typed stores.
type Database struct {
	pool *pgxpool.Pool
}

// New connects a pool sized from the proxy configuration.
func New(ctx context.Context, databaseURL string) (*Database, error) {
	cfg := params.ProxyConfig()
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse database URL")
	}
	poolCfg.MinConns = cfg.DBMinConns
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.ConnConfig.ConnectTimeout = cfg.DBConnectTimeout
	poolCfg.MaxConnIdleTime = cfg.DBConnIdleTimeout
	poolCfg.MaxConnLifetime = cfg.DBConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, "could not create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "could not reach database")
	}
	return &Database{pool: pool}, nil
}

// Close releases the connection pool.
func (d *Database) Close() {
	d.pool.Close()
}

// WithTx runs fn inside a transaction, committing on nil and rolling back on
// error. A rollback failure is chained to the primary error.
func (d *Database) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "could not begin transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Wrapf(err, "rollback failed: %v; original error", rbErr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(ctx), "could not commit transaction")
}
