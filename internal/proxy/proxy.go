package proxy

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"ibn-ledger/gateway/internal/auth"
	"ibn-ledger/gateway/internal/metrics"
	"ibn-ledger/gateway/internal/platform/breaker"
	"ibn-ledger/gateway/internal/platform/ratelimiter"
	"ibn-ledger/gateway/pkg/models"
)

// Handler proxies dashboard traffic to the backend. Requests pass auth, role
// and rate checks locally; the circuit breaker guards the actual forward so a
// dead backend fails fast instead of tying up sockets.
type Handler struct {
	backend  *url.URL
	rp       *httputil.ReverseProxy
	policies *policyTable
	auth     *auth.Authenticator
	breaker  *breaker.Breaker
	limiters map[string]*ratelimiter.MapLimiter
	cache    *responseCache
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func New(backendURL string, policies []RoutePolicy, authn *auth.Authenticator, b *breaker.Breaker, log *slog.Logger, m *metrics.Metrics) (*Handler, error) {
	target, err := url.Parse(backendURL)
	if err != nil || target.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q", backendURL)
	}
	if log == nil {
		log = slog.Default()
	}
	if len(policies) == 0 {
		policies = DefaultPolicies()
	}
	if b == nil {
		b = breaker.New("backend", 0, 0)
	}

	limiters := make(map[string]*ratelimiter.MapLimiter, len(policies))
	for _, p := range policies {
		limiters[p.Prefix] = ratelimiter.New(p.RPS, p.Burst, 10*time.Minute)
	}

	h := &Handler{
		backend:  target,
		policies: newPolicyTable(policies),
		auth:     authn,
		breaker:  b,
		limiters: limiters,
		cache:    newResponseCache(),
		metrics:  m,
		log:      log,
	}
	h.rp = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			h.log.Warn("backend proxy error", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusBadGateway, "backend unavailable")
		},
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	policy := h.policies.match(r.URL.Path)

	caller, authed := models.Caller{}, false
	if h.auth != nil {
		caller, authed = h.auth.Resolve(r)
	}
	if policy.AuthRequired && !authed {
		h.finish(policy, http.StatusUnauthorized)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if policy.AdminOnly && !caller.IsAdmin() {
		h.finish(policy, http.StatusForbidden)
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}

	if !h.limiters[policy.Prefix].Allow(rateKey(r, caller), time.Now()) {
		h.metrics.RateLimited()
		h.finish(policy, http.StatusTooManyRequests)
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	cacheable := r.Method == http.MethodGet && policy.CacheTTL > 0
	cacheKey := r.URL.RequestURI() + "|u:" + caller.UserID
	if cacheable {
		if e, ok := h.cache.get(cacheKey); ok {
			h.metrics.CacheHit()
			copyHeader(w.Header(), e.header)
			w.Header().Set("X-Cache", "HIT")
			w.WriteHeader(e.status)
			w.Write(e.body)
			h.finish(policy, e.status)
			return
		}
		h.metrics.CacheMiss()
	}

	if err := h.breaker.Allow(); err != nil {
		h.finish(policy, http.StatusServiceUnavailable)
		writeError(w, http.StatusServiceUnavailable, "backend temporarily unavailable")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), policy.Timeout)
	defer cancel()
	outbound := r.Clone(ctx)
	enrich(outbound, caller, authed)

	rec := &captureWriter{ResponseWriter: w, capture: cacheable}
	h.rp.ServeHTTP(rec, outbound)

	h.breaker.Record(upstreamOutcome(rec.status))
	if cacheable && rec.status == http.StatusOK {
		h.cache.put(cacheKey, rec.status, w.Header(), rec.buf.Bytes(), policy.CacheTTL)
	}
	h.finish(policy, rec.status)
}

// PurgeCache drops every cached response.
func (h *Handler) PurgeCache() { h.cache.purge() }

func (h *Handler) finish(policy RoutePolicy, status int) {
	h.metrics.HTTPRequest(policy.Prefix, statusClass(status))
}

// enrich stamps the forwarded request with the resolved caller so the backend
// never has to re-verify the token.
func enrich(r *http.Request, caller models.Caller, authed bool) {
	r.Header.Set("X-Request-Id", newRequestID())
	r.Header.Del("X-User-Id")
	r.Header.Del("X-User-Org")
	r.Header.Del("X-User-Role")
	if authed {
		r.Header.Set("X-User-Id", caller.UserID)
		r.Header.Set("X-User-Org", caller.Org)
		r.Header.Set("X-User-Role", caller.Role)
	}
}

func upstreamOutcome(status int) error {
	if status >= http.StatusBadGateway {
		return fmt.Errorf("upstream returned %d", status)
	}
	return nil
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func rateKey(r *http.Request, caller models.Caller) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil || host == "" {
		host = "unknown"
	}
	if caller.UserID != "" {
		return "ip:" + host + "|user:" + caller.UserID
	}
	return "ip:" + host
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   message,
	})
}

func copyHeader(dst, src http.Header) {
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

func newRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "req_fallback"
	}
	return "req_" + hex.EncodeToString(buf)
}

// captureWriter records the status line and, when asked, buffers the body for
// the cache while streaming it to the client.
type captureWriter struct {
	http.ResponseWriter
	status  int
	capture bool
	buf     bytes.Buffer
	wrote   bool
}

func (cw *captureWriter) WriteHeader(status int) {
	if !cw.wrote {
		cw.status = status
		cw.wrote = true
	}
	cw.ResponseWriter.WriteHeader(status)
}

func (cw *captureWriter) Write(p []byte) (int, error) {
	if !cw.wrote {
		cw.status = http.StatusOK
		cw.wrote = true
	}
	if cw.capture && cw.buf.Len()+len(p) <= cacheBodyLimit {
		cw.buf.Write(p)
	}
	return cw.ResponseWriter.Write(p)
}
