package sharding

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// ShardEntry is one shard in a configuration: a shard id encoding a binary
// suffix and the base URL of the aggregator serving that suffix.
type ShardEntry struct {
	ID  int32  `json:"id"`
	URL string `json:"url"`
}

// ShardConfig is the wire format of a shard configuration.
type ShardConfig struct {
	Version int32        `json:"version"`
	Shards  []ShardEntry `json:"shards"`
}

// ParseConfig decodes a shard configuration from JSON.
func ParseConfig(data []byte) (*ShardConfig, error) {
	cfg := &ShardConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "could not decode shard config")
	}
	return cfg, nil
}

// Marshal encodes the configuration back to JSON for persistence.
func (c *ShardConfig) Marshal() ([]byte, error) {
	return json.Marshal(c)
}
