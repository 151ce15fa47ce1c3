// Package gateway implements the reverse proxy in front of the aggregator
// shards: it classifies requests, resolves the owning shard, authenticates
// protected JSON-RPC methods, enforces per-key rate limits, and relays the
// upstream response.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/unicitynetwork/aggregator-proxy/config/params"
	"github.com/unicitynetwork/aggregator-proxy/network/httputil"
	"github.com/unicitynetwork/aggregator-proxy/ratelimit"
	"github.com/unicitynetwork/aggregator-proxy/sharding"
)

// Limiter decides admission for an api key.
type Limiter interface {
	TryConsume(ctx context.Context, apiKey string) (ratelimit.Decision, error)
}

// Handler is the proxy request pipeline.
type Handler struct {
	provider *sharding.Provider
	limiter  Limiter
	client   *http.Client
}

// NewHandler creates the proxy pipeline over the live router provider.
func NewHandler(provider *sharding.Provider, limiter Limiter) *Handler {
	return &Handler{
		provider: provider,
		limiter:  limiter,
		client: &http.Client{
			// Redirects are relayed to the caller, not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// rpcEnvelope is the subset of a JSON-RPC request the pipeline inspects.
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcRouteParams struct {
	RequestID string      `json:"requestId"`
	ShardID   json.Number `json:"shardId"`
}

// routeKey is the extracted routing intent of one request.
type routeKey struct {
	requestID string
	shardID   int32
	hasShard  bool
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := params.ProxyConfig()

	if code, msg := checkIngressCaps(r, cfg); code != 0 {
		httputil.HandleError(w, msg, code)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, cfg.MaxBodyBytes+1))
	if err != nil {
		httputil.HandleError(w, "Could not read request body", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > cfg.MaxBodyBytes {
		httputil.HandleError(w, "Request body too large", http.StatusBadRequest)
		return
	}

	rpc, isRPC := classify(body)

	key, ok := h.extractRouteKey(w, r, rpc, isRPC)
	if !ok {
		return
	}
	target, ok := h.resolveTarget(w, key)
	if !ok {
		return
	}

	var decision ratelimit.Decision
	authenticated := false
	if isRPC && isProtected(rpc.Method, cfg.ProtectedMethods) {
		apiKey := clientKey(r)
		if apiKey == "" {
			unauthorized(w)
			return
		}
		decision, err = h.limiter.TryConsume(r.Context(), apiKey)
		if err != nil {
			log.WithError(err).Error("Rate limit check failed")
			httputil.HandleError(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		if !decision.Allowed {
			if decision.RetryAfterSeconds == 0 {
				// Unknown, revoked, or expired key.
				unauthorized(w)
				return
			}
			rateLimited.Inc()
			w.Header().Set("Retry-After", strconv.FormatInt(decision.RetryAfterSeconds, 10))
			httputil.HandleError(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		authenticated = true
	}

	h.forward(w, r, target, body, authenticated, decision)
}

// checkIngressCaps rejects oversized requests before the body is read.
func checkIngressCaps(r *http.Request, cfg *params.ProxyChainConfig) (int, string) {
	if r.ContentLength > cfg.MaxBodyBytes {
		return http.StatusBadRequest, "Request body too large"
	}
	fields := 0
	for _, vs := range r.Header {
		fields += len(vs)
	}
	if fields > cfg.MaxHeaderCount {
		return http.StatusRequestHeaderFieldsTooLarge, "Too many header fields"
	}
	return 0, ""
}

// classify reports whether the body is a JSON-RPC request. A request counts as
// JSON-RPC when it is a JSON object carrying both jsonrpc and method members.
func classify(body []byte) (*rpcEnvelope, bool) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var env rpcEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, false
	}
	if env.JSONRPC == "" || env.Method == "" {
		return nil, false
	}
	return &env, true
}

// extractRouteKey pulls the routing intent out of the request. JSON-RPC
// requests must carry exactly one of params.requestId and params.shardId.
// Other traffic may route by cookie; with neither cookie a random target is
// used (signalled by an empty key).
func (h *Handler) extractRouteKey(w http.ResponseWriter, r *http.Request, rpc *rpcEnvelope, isRPC bool) (routeKey, bool) {
	cfg := params.ProxyConfig()
	if isRPC {
		var p rpcRouteParams
		if len(rpc.Params) > 0 {
			// A malformed params object routes nowhere deterministic.
			if err := json.Unmarshal(rpc.Params, &p); err != nil {
				httputil.HandleError(w, "Invalid params object", http.StatusBadRequest)
				return routeKey{}, false
			}
		}
		hasRequest := p.RequestID != ""
		hasShard := p.ShardID.String() != ""
		switch {
		case hasRequest && hasShard:
			httputil.HandleError(w, "Cannot specify both requestId and shardId", http.StatusBadRequest)
			return routeKey{}, false
		case !hasRequest && !hasShard:
			httputil.HandleError(w, "JSON-RPC requests must include either requestId or shardId", http.StatusBadRequest)
			return routeKey{}, false
		case hasRequest:
			return routeKey{requestID: p.RequestID}, true
		default:
			id, err := strconv.ParseInt(p.ShardID.String(), 10, 32)
			if err != nil {
				httputil.HandleError(w, "Invalid shardId", http.StatusBadRequest)
				return routeKey{}, false
			}
			return routeKey{shardID: int32(id), hasShard: true}, true
		}
	}

	reqCookie, _ := r.Cookie(cfg.RequestIDCookie)
	shardCookie, _ := r.Cookie(cfg.ShardIDCookie)
	switch {
	case reqCookie != nil && shardCookie != nil:
		httputil.HandleError(w, "Cannot specify both requestId and shardId", http.StatusBadRequest)
		return routeKey{}, false
	case reqCookie != nil:
		return routeKey{requestID: reqCookie.Value}, true
	case shardCookie != nil:
		id, err := strconv.ParseInt(shardCookie.Value, 10, 32)
		if err != nil {
			httputil.HandleError(w, "Invalid shardId", http.StatusBadRequest)
			return routeKey{}, false
		}
		return routeKey{shardID: int32(id), hasShard: true}, true
	default:
		return routeKey{}, true
	}
}

// resolveTarget maps the route key to a shard target through the live router.
func (h *Handler) resolveTarget(w http.ResponseWriter, key routeKey) (sharding.Target, bool) {
	router := h.provider.Router()
	switch {
	case key.requestID != "":
		target, err := router.RouteByRequestID(key.requestID)
		if errors.Is(err, sharding.ErrInvalidRequestID) {
			httputil.HandleError(w, err.Error(), http.StatusBadRequest)
			return sharding.Target{}, false
		}
		if err != nil {
			routingUnavailable(w, err)
			return sharding.Target{}, false
		}
		return target, true
	case key.hasShard:
		target, ok := router.RouteByShardID(key.shardID)
		if !ok {
			if _, err := router.RandomTarget(); errors.Is(err, sharding.ErrRoutingUnavailable) {
				routingUnavailable(w, err)
				return sharding.Target{}, false
			}
			httputil.HandleError(w, "Unknown shard ID", http.StatusBadRequest)
			return sharding.Target{}, false
		}
		return target, true
	default:
		target, err := router.RandomTarget()
		if err != nil {
			routingUnavailable(w, err)
			return sharding.Target{}, false
		}
		return target, true
	}
}

func routingUnavailable(w http.ResponseWriter, err error) {
	log.WithError(err).Warn("Request rejected: no shard routing available")
	httputil.HandleError(w, "Service unavailable", http.StatusServiceUnavailable)
}

func isProtected(method string, protected []string) bool {
	for _, m := range protected {
		if m == method {
			return true
		}
	}
	return false
}

// clientKey reads the caller's api key from X-API-Key, falling back to an
// Authorization bearer token.
func clientKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

func unauthorized(w http.ResponseWriter) {
	authFailures.Inc()
	w.Header().Set("WWW-Authenticate", "Bearer")
	httputil.HandleError(w, "Unauthorized", http.StatusUnauthorized)
}

// hopByHopHeaders are never forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// forward relays the request to the resolved shard and streams the response
// back. Caller credentials never reach the upstream.
func (h *Handler) forward(w http.ResponseWriter, r *http.Request, target sharding.Target, body []byte, authenticated bool, decision ratelimit.Decision) {
	cfg := params.ProxyConfig()
	ctx, cancel := context.WithTimeout(r.Context(), cfg.UpstreamTimeout)
	defer cancel()

	upstreamURL := *target.URL
	upstreamURL.Path = singleJoiningSlash(target.URL.Path, r.URL.Path)
	upstreamURL.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL.String(), bytes.NewReader(body))
	if err != nil {
		httputil.HandleError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	req.Header = r.Header.Clone()
	for _, hh := range hopByHopHeaders {
		req.Header.Del(hh)
	}
	req.Header.Del("X-API-Key")
	req.Header.Del("Authorization")
	req.Host = target.URL.Host

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		w.Header().Set("X-Shard-ID", strconv.FormatInt(int64(target.ShardID), 10))
		if isTimeout(err) {
			upstreamErrors.WithLabelValues("timeout").Inc()
			httputil.HandleError(w, "Upstream timeout", http.StatusGatewayTimeout)
			return
		}
		upstreamErrors.WithLabelValues("connect").Inc()
		log.WithError(err).WithField("shard", target.ShardID).Warn("Upstream request failed")
		httputil.HandleError(w, "Bad gateway", http.StatusBadGateway)
		return
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.WithError(err).Debug("Could not close upstream response body")
		}
	}()
	forwardLatency.Observe(time.Since(start).Seconds())

	header := w.Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	for _, hh := range hopByHopHeaders {
		header.Del(hh)
	}
	header.Set("X-Shard-ID", strconv.FormatInt(int64(target.ShardID), 10))
	if authenticated {
		header.Set("X-Rate-Limit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.WithError(err).Debug("Response relay interrupted")
	}
	proxiedRequests.WithLabelValues(
		strconv.FormatInt(int64(target.ShardID), 10),
		strconv.Itoa(resp.StatusCode),
	).Inc()

	log.WithFields(map[string]interface{}{
		"method":   r.Method,
		"path":     r.URL.Path,
		"shard":    target.ShardID,
		"code":     resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("Proxied request")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// singleJoiningSlash joins URL paths without doubling or dropping the slash.
func singleJoiningSlash(a, b string) string {
	aSlash := strings.HasSuffix(a, "/")
	bSlash := strings.HasPrefix(b, "/")
	switch {
	case aSlash && bSlash:
		return a + b[1:]
	case !aSlash && !bSlash:
		return a + "/" + b
	}
	return a + b
}
