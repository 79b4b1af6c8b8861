package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"droidfleet.sh/internal/fault"
	"droidfleet.sh/internal/metrics"
)

// ValkeyRateLimiter is the distributed sliding-window limiter used
// when the server runs more than one replica. Per-process token
// buckets undercount in that topology; the shared window does not.
type ValkeyRateLimiter struct {
	client        *redis.Client
	requestLimit  int
	windowSeconds int
	scope         string
	logger        *slog.Logger
}

// NewValkeyRateLimiter connects to the Valkey instance at addr.
func NewValkeyRateLimiter(addr, scope string, requestLimit, windowSeconds int) *ValkeyRateLimiter {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})

	return &ValkeyRateLimiter{
		client:        client,
		requestLimit:  requestLimit,
		windowSeconds: windowSeconds,
		scope:         scope,
		logger:        slog.Default().With("component", "valkey-ratelimit"),
	}
}

// Close releases the client connection pool.
func (v *ValkeyRateLimiter) Close() error { return v.client.Close() }

// check counts the client's requests in the current window and records
// this one. Returns allowed plus the count after recording.
func (v *ValkeyRateLimiter) check(ctx context.Context, clientID string) (bool, int, error) {
	key := fmt.Sprintf("ratelimit:%s:%s", v.scope, clientID)
	now := time.Now().UnixMilli()
	windowStart := now - int64(v.windowSeconds)*1000

	pipe := v.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart, 10))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: uuid.NewString()})
	countCmd := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, time.Duration(v.windowSeconds)*time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, err
	}

	count := int(countCmd.Val())
	return count <= v.requestLimit, count, nil
}

// Middleware enforces the shared window per client IP. Valkey being
// unreachable fails open; shedding real traffic because the limiter
// store blipped is the worse failure.
func (v *ValkeyRateLimiter) Middleware(writeError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, count, err := v.check(r.Context(), ClientIP(r))
			if err != nil {
				v.logger.Warn("Rate limit check failed, allowing request", "error", err)
				next.ServeHTTP(w, r)
				return
			}

			remaining := v.requestLimit - count
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(v.requestLimit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Window", strconv.Itoa(v.windowSeconds))

			if !allowed {
				metrics.RateLimitedRequests.WithLabelValues(v.scope).Inc()
				writeError(w, r, fault.New(fault.CodeRateLimited, "rate limit exceeded").
					WithRetryAfter(time.Duration(v.windowSeconds)*time.Second))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
