package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"droidfleet.sh/internal/fault"
	"droidfleet.sh/internal/metrics"
)

// RateLimiterConfig holds the limiter parameters.
type RateLimiterConfig struct {
	// Rate is requests per second
	Rate float64
	// Burst is the burst allowance
	Burst int
	// Expiration is how long an idle client entry is kept
	Expiration time.Duration
}

// DefaultDeviceRateLimit covers the device surface: 60 requests per
// minute per IP, ample for a 60s heartbeat cadence plus ack and
// manifest traffic.
func DefaultDeviceRateLimit() RateLimiterConfig {
	return RateLimiterConfig{Rate: 1, Burst: 60, Expiration: 10 * time.Minute}
}

// DefaultAdminRateLimit covers the operator surface, also 60/min.
func DefaultAdminRateLimit() RateLimiterConfig {
	return RateLimiterConfig{Rate: 1, Burst: 60, Expiration: 10 * time.Minute}
}

// DefaultCredentialRateLimit covers endpoints that accept credentials,
// 3 attempts per minute per IP.
func DefaultCredentialRateLimit() RateLimiterConfig {
	return RateLimiterConfig{Rate: 0.05, Burst: 3, Expiration: time.Hour}
}

type limiterState struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// RateLimiter keeps a token bucket per client key and expires idle
// entries so the map stays bounded.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterState
	config   RateLimiterConfig
	scope    string
	stop     chan struct{}
}

// NewRateLimiter creates a limiter and starts its cleanup loop.
func NewRateLimiter(scope string, config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		limiters: make(map[string]*limiterState),
		config:   config,
		scope:    scope,
		stop:     make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether the client identified by key may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	state, ok := rl.limiters[key]
	if !ok {
		state = &limiterState{
			limiter: rate.NewLimiter(rate.Limit(rl.config.Rate), rl.config.Burst),
		}
		rl.limiters[key] = state
	}
	state.lastUsed = time.Now()
	return state.limiter.Allow()
}

// Middleware enforces the limit per client IP.
func (rl *RateLimiter) Middleware(writeError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(ClientIP(r)) {
				metrics.RateLimitedRequests.WithLabelValues(rl.scope).Inc()
				writeError(w, r, fault.New(fault.CodeRateLimited, "rate limit exceeded").
					WithRetryAfter(time.Second))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Stop terminates the cleanup loop.
func (rl *RateLimiter) Stop() { close(rl.stop) }

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-rl.config.Expiration)
			rl.mu.Lock()
			for key, state := range rl.limiters {
				if state.lastUsed.Before(cutoff) {
					delete(rl.limiters, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// ClientIP extracts the client address, preferring the first hop in
// X-Forwarded-For when present.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
