package api

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// rateLimiter throttles callers of the internal HTTP surface. Callers
// are keyed by the connecting agent's own id when the request carries
// one (the newt/olm websocket-upgrade endpoints always do, via the
// `id` query parameter), not by remote address: many agents can sit
// behind the same NAT'd site gateway, and a single wedged or
// misbehaving Newt reconnecting in a tight loop should only burn its
// own bucket, not every other agent sharing that egress IP. Requests
// with no agent identity (session validation, called by Newt on
// behalf of arbitrary end users) fall back to the remote IP.
type rateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	visitors map[string]*visitor
}

type visitor struct {
	count int
	reset time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:    limit,
		window:   window,
		visitors: make(map[string]*visitor),
	}
}

// rateLimitKey derives the throttling bucket for r.
func rateLimitKey(r *http.Request) string {
	if agentID := r.URL.Query().Get("id"); agentID != "" {
		return "agent:" + agentID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func (r *rateLimiter) allow(key string) bool {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.visitors[key]
	if !ok || now.After(v.reset) {
		v = &visitor{count: 0, reset: now.Add(r.window)}
		r.visitors[key] = v
	}
	if v.count >= r.limit {
		return false
	}
	v.count++
	return true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := rateLimitKey(r)
		if !s.limiter.allow(key) {
			s.log.WithFields(map[string]any{"key": key, "path": r.URL.Path}).Warn("rate limit exceeded")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.log.WithFields(map[string]any{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}).Debug("http request")
	})
}
