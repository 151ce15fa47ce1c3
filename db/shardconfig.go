package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/unicitynetwork/aggregator-proxy/sharding"
)

// GetLatestShardConfig returns the configuration with the highest id, or nil
// when none has been saved. This is the poller's read path.
func (d *Database) GetLatestShardConfig(ctx context.Context) (*sharding.StoredConfig, error) {
	const q = `
		SELECT id, config_json, created_at, created_by
		FROM shard_config ORDER BY id DESC LIMIT 1`
	stored := &sharding.StoredConfig{}
	var raw []byte
	err := d.pool.QueryRow(ctx, q).Scan(&stored.ID, &raw, &stored.CreatedAt, &stored.CreatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "could not query latest shard config")
	}
	cfg, err := sharding.ParseConfig(raw)
	if err != nil {
		return nil, err
	}
	stored.Config = cfg
	return stored, nil
}

// SaveShardConfig persists a configuration and returns its id.
func (d *Database) SaveShardConfig(ctx context.Context, cfg *sharding.ShardConfig, createdBy string) (int32, error) {
	raw, err := cfg.Marshal()
	if err != nil {
		return 0, errors.Wrap(err, "could not encode shard config")
	}
	const q = `INSERT INTO shard_config (config_json, created_by) VALUES ($1, $2) RETURNING id`
	var id int32
	if err := d.pool.QueryRow(ctx, q, raw, createdBy).Scan(&id); err != nil {
		return 0, errors.Wrap(err, "could not save shard config")
	}
	return id, nil
}
