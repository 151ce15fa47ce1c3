package tokensdk

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/unicitynetwork/aggregator-proxy/sharding"
)

// AggregatorGateway submits transfer commitments to the aggregator network
// and awaits their inclusion.
type AggregatorGateway interface {
	// SubmitCommitment sends the commitment and waits for the aggregator to
	// accept it with a SUCCESS status, bounded by the configured timeout.
	SubmitCommitment(ctx context.Context, commitment json.RawMessage) error
	// WaitInclusionProof polls until the commitment's inclusion proof has
	// converged, bounded by the configured timeout.
	WaitInclusionProof(ctx context.Context, commitment json.RawMessage) (json.RawMessage, error)
}

// Client talks JSON-RPC to the aggregator shards through the live router.
type Client struct {
	provider      *sharding.Provider
	http          *http.Client
	acceptTimeout time.Duration
	proofTimeout  time.Duration
	pollInterval  time.Duration
}

// NewClient creates an aggregator client routed through the given provider.
func NewClient(provider *sharding.Provider, acceptTimeout, proofTimeout time.Duration) *Client {
	return &Client{
		provider:      provider,
		http:          &http.Client{Timeout: 15 * time.Second},
		acceptTimeout: acceptTimeout,
		proofTimeout:  proofTimeout,
		pollInterval:  time.Second,
	}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      int             `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return e.Message
}

// call issues one JSON-RPC request. Payment commitments are routed by the
// commitment's own request id so they land on the shard that owns it.
func (c *Client) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	target, err := c.route(params)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(&rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return nil, errors.Wrap(err, "could not encode JSON-RPC request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "could not reach aggregator shard %d", target.ShardID)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, errors.Wrap(err, "could not decode aggregator response")
	}
	if rpcResp.Error != nil {
		return nil, errors.Wrapf(rpcResp.Error, "aggregator rejected %s", method)
	}
	return rpcResp.Result, nil
}

func (c *Client) route(params json.RawMessage) (sharding.Target, error) {
	var probe struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(params, &probe); err == nil && probe.RequestID != "" {
		if target, err := c.provider.Router().RouteByRequestID(probe.RequestID); err == nil {
			return target, nil
		}
	}
	return c.provider.Router().RandomTarget()
}

// SubmitCommitment implements AggregatorGateway.
func (c *Client) SubmitCommitment(ctx context.Context, commitment json.RawMessage) error {
	ctx, cancel := context.WithTimeout(ctx, c.acceptTimeout)
	defer cancel()
	for {
		result, err := c.call(ctx, "submit_commitment", commitment)
		if err == nil {
			var status struct {
				Status string `json:"status"`
			}
			if jsonErr := json.Unmarshal(result, &status); jsonErr == nil && status.Status == "SUCCESS" {
				return nil
			}
			err = errors.Errorf("commitment not accepted: %s", string(result))
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(err, "timed out waiting for commitment acceptance")
		case <-time.After(c.pollInterval):
		}
	}
}

// WaitInclusionProof implements AggregatorGateway.
func (c *Client) WaitInclusionProof(ctx context.Context, commitment json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.proofTimeout)
	defer cancel()
	var lastErr error
	for {
		result, err := c.call(ctx, "get_inclusion_proof", commitment)
		if err == nil && len(result) > 0 && string(result) != "null" {
			return result, nil
		}
		if err == nil {
			err = errors.New("inclusion proof not yet available")
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(lastErr, "timed out waiting for inclusion proof")
		case <-time.After(c.pollInterval):
		}
	}
}
