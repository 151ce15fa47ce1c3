package sharding

import (
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/pkg/errors"
)

// LoadConfigFromURI loads a shard configuration from a file://, http:// or
// https:// URI. It is used at startup when SHARD_CONFIG_URI is set; a failure
// on this path is fatal since the operator explicitly asked for that config.
func LoadConfigFromURI(uri string) (*ShardConfig, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid shard config URI %q", uri)
	}
	var data []byte
	switch u.Scheme {
	case "file":
		data, err = os.ReadFile(u.Path)
		if err != nil {
			return nil, errors.Wrap(err, "could not read shard config file")
		}
	case "http", "https":
		client := &http.Client{Timeout: 30 * time.Second}
		resp, err := client.Get(uri)
		if err != nil {
			return nil, errors.Wrap(err, "could not fetch shard config")
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				log.WithError(err).Debug("Could not close shard config response body")
			}
		}()
		if resp.StatusCode != http.StatusOK {
			return nil, errors.Errorf("could not fetch shard config: status %d", resp.StatusCode)
		}
		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, errors.Wrap(err, "could not read shard config response")
		}
	default:
		return nil, errors.Errorf("unsupported shard config URI scheme %q", u.Scheme)
	}
	return ParseConfig(data)
}
