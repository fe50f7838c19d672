package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig tunes the per-IP token bucket guarding the API. RPS <= 0
// disables limiting entirely.
type RateLimitConfig struct {
	RPS   float64
	Burst int
	TTL   time.Duration // idle time before a client's bucket is dropped
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter hands each client IP its own token bucket. Idle buckets are swept
// opportunistically on the request path so the map stays bounded without a
// background goroutine.
type ipLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
	cfg       RateLimitConfig
}

func newIPLimiter(cfg RateLimitConfig) *ipLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	return &ipLimiter{visitors: make(map[string]*visitor), cfg: cfg}
}

func (l *ipLimiter) enabled() bool {
	return l != nil && l.cfg.RPS > 0
}

func (l *ipLimiter) allow(ip string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > time.Minute {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > l.cfg.TTL {
				delete(l.visitors, k)
			}
		}
		l.lastSweep = now
	}

	v := l.visitors[ip]
	if v == nil {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.Allow()
}

// rateLimit throttles requests per client IP. Liveness probes are never
// throttled.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lim := s.limiter
		if !lim.enabled() || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r)
		if ip == "" {
			ip = "unknown"
		}
		if !lim.allow(ip) {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(int(lim.cfg.RPS)))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	// Prefer X-Forwarded-For, set by the edge proxy.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}

	if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
		return xr
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
