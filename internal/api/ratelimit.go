package api

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig sets the per-client token bucket used on the REST routes.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	// CleanupInterval is how often idle clients are forgotten. A client
	// idle for two intervals loses its bucket.
	CleanupInterval time.Duration
}

// DefaultRateLimitConfig is used for fields a caller leaves zero.
var DefaultRateLimitConfig = RateLimitConfig{
	RequestsPerSecond: 10,
	Burst:             20,
	CleanupInterval:   5 * time.Minute,
}

type clientBucket struct {
	tokens *rate.Limiter
	seen   time.Time
}

// IPRateLimiter keeps one token bucket per client address.
type IPRateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientBucket
	limit   rate.Limit
	burst   int
	idle    time.Duration

	done      chan struct{}
	closeOnce sync.Once

	allowed  atomic.Uint64
	rejected atomic.Uint64
}

// RateLimitStats are the limiter counters.
type RateLimitStats struct {
	Allowed  uint64 `json:"allowed"`
	Rejected uint64 `json:"rejected"`
}

// NewIPRateLimiter starts a limiter and its janitor. Call Stop to end the
// janitor.
func NewIPRateLimiter(cfg RateLimitConfig) *IPRateLimiter {
	idle := cfg.CleanupInterval
	if idle <= 0 {
		idle = DefaultRateLimitConfig.CleanupInterval
	}
	rl := &IPRateLimiter{
		clients: make(map[string]*clientBucket),
		limit:   rate.Limit(cfg.RequestsPerSecond),
		burst:   cfg.Burst,
		idle:    idle,
		done:    make(chan struct{}),
	}
	go rl.janitor()
	return rl
}

// Stop ends the janitor. It is safe to call more than once.
func (rl *IPRateLimiter) Stop() {
	rl.closeOnce.Do(func() { close(rl.done) })
}

func (rl *IPRateLimiter) janitor() {
	t := time.NewTicker(rl.idle)
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			rl.cleanup(now.Add(-2 * rl.idle))
		case <-rl.done:
			return
		}
	}
}

// cleanup forgets every client last seen before cutoff.
func (rl *IPRateLimiter) cleanup(cutoff time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, c := range rl.clients {
		if c.seen.Before(cutoff) {
			delete(rl.clients, ip)
		}
	}
}

func (rl *IPRateLimiter) bucket(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	c, ok := rl.clients[ip]
	if !ok {
		c = &clientBucket{tokens: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = c
	}
	c.seen = time.Now()
	return c.tokens
}

// Allow takes one token from ip's bucket.
func (rl *IPRateLimiter) Allow(ip string) bool {
	ok := rl.bucket(ip).Allow()
	if ok {
		rl.allowed.Add(1)
	} else {
		rl.rejected.Add(1)
	}
	return ok
}

// Middleware answers 429 once a client's bucket is empty.
func (rl *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.Allow(GetClientIP(r)) {
			next.ServeHTTP(w, r)
			return
		}
		RecordConnectionRejected("rate_limit")
		w.Header().Set("Retry-After", "1")
		writeError(w, "Too Many Requests", http.StatusTooManyRequests)
	})
}

// GetStats returns the allow and reject totals.
func (rl *IPRateLimiter) GetStats() RateLimitStats {
	return RateLimitStats{
		Allowed:  rl.allowed.Load(),
		Rejected: rl.rejected.Load(),
	}
}

// GetClientIP names the client behind r: the first X-Forwarded-For hop,
// then X-Real-IP, then the connection address. Both headers are trusted,
// so put the server behind a proxy that sets them.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// WebSocketRateLimiter caps open WebSocket connections per client address.
type WebSocketRateLimiter struct {
	mu       sync.Mutex
	open     map[string]int
	maxPerIP int
	rejected atomic.Uint64
}

// NewWebSocketRateLimiter allows up to maxPerIP concurrent connections per
// address.
func NewWebSocketRateLimiter(maxPerIP int) *WebSocketRateLimiter {
	return &WebSocketRateLimiter{open: make(map[string]int), maxPerIP: maxPerIP}
}

// Allow reserves a connection slot for ip, reporting false when it has none
// left.
func (wrl *WebSocketRateLimiter) Allow(ip string) bool {
	wrl.mu.Lock()
	defer wrl.mu.Unlock()
	if wrl.open[ip] >= wrl.maxPerIP {
		wrl.rejected.Add(1)
		return false
	}
	wrl.open[ip]++
	return true
}

// Release frees a slot taken by Allow.
func (wrl *WebSocketRateLimiter) Release(ip string) {
	wrl.mu.Lock()
	defer wrl.mu.Unlock()
	switch n := wrl.open[ip]; {
	case n > 1:
		wrl.open[ip] = n - 1
	case n == 1:
		delete(wrl.open, ip)
	}
}

// GetConnectionCount returns how many slots ip holds.
func (wrl *WebSocketRateLimiter) GetConnectionCount(ip string) int {
	wrl.mu.Lock()
	defer wrl.mu.Unlock()
	return wrl.open[ip]
}

// OriginPolicy decides which browser origins may open a WebSocket. Patterns
// are exact origins, "*" for any, or a "http://host:*" form matching any
// port of host.
type OriginPolicy struct {
	patterns []string
}

// NewOriginPolicy builds a policy from CORS-style origin patterns. A nil
// slice allows localhost only.
func NewOriginPolicy(patterns []string) OriginPolicy {
	if patterns == nil {
		patterns = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	return OriginPolicy{patterns: patterns}
}

// Allowed checks an Origin header value. Requests without an Origin come
// from non-browser clients and are allowed.
func (p OriginPolicy) Allowed(origin string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	for _, pat := range p.patterns {
		switch {
		case pat == "*", pat == origin:
			return true
		case strings.HasSuffix(pat, ":*"):
			base := strings.TrimSuffix(pat, ":*")
			if u.Scheme+"://"+u.Hostname() == base {
				return true
			}
		}
	}
	return false
}
