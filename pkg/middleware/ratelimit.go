package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatehouse/pkg/contextkeys"
	"github.com/platinummonkey/gatehouse/pkg/httputil"
)

// RateLimitConfig defines a fixed-window limit
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
}

// PerMinute returns a one-minute window allowing n requests
func PerMinute(n int) RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: n, WindowDuration: time.Minute}
}

// RateDecision is the outcome of one limiter check
type RateDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter counts requests per key
type Limiter interface {
	Allow(ctx context.Context, key string) (RateDecision, error)
}

// windowStart returns the start of the window containing now
func windowStart(now time.Time, window time.Duration) time.Time {
	return now.Truncate(window)
}

func decide(count int64, cfg RateLimitConfig, now time.Time) RateDecision {
	remaining := cfg.RequestsPerWindow - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return RateDecision{
		Allowed:    count <= int64(cfg.RequestsPerWindow),
		Remaining:  remaining,
		RetryAfter: windowStart(now, cfg.WindowDuration).Add(cfg.WindowDuration).Sub(now),
	}
}

// RedisLimiter shares fixed-window counters across instances. Each window
// gets its own key so the expiry never slides.
type RedisLimiter struct {
	client *redis.Client
	config RateLimitConfig
	prefix string
	now    func() time.Time
}

// NewRedisLimiter creates a Redis-backed rate limiter
func NewRedisLimiter(client *redis.Client, cfg RateLimitConfig, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "gatehouse:ratelimit"
	}
	return &RedisLimiter{client: client, config: cfg, prefix: prefix, now: time.Now}
}

// Allow increments the key's counter for the current window
func (rl *RedisLimiter) Allow(ctx context.Context, key string) (RateDecision, error) {
	now := rl.now()
	start := windowStart(now, rl.config.WindowDuration)
	redisKey := fmt.Sprintf("%s:%s:%d", rl.prefix, key, start.Unix())

	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, rl.config.WindowDuration)
	if _, err := pipe.Exec(ctx); err != nil {
		return RateDecision{Allowed: true}, fmt.Errorf("redis error: %w", err)
	}
	return decide(incr.Val(), rl.config, now), nil
}

// MemoryLimiter keeps fixed-window counters in process for single-node
// deployments
type MemoryLimiter struct {
	config RateLimitConfig
	now    func() time.Time

	mu     sync.Mutex
	window time.Time
	counts map[string]int64
}

// NewMemoryLimiter creates an in-process rate limiter
func NewMemoryLimiter(cfg RateLimitConfig) *MemoryLimiter {
	return &MemoryLimiter{config: cfg, now: time.Now, counts: make(map[string]int64)}
}

// Allow increments the key's counter, dropping every counter when a new
// window starts
func (rl *MemoryLimiter) Allow(ctx context.Context, key string) (RateDecision, error) {
	now := rl.now()
	start := windowStart(now, rl.config.WindowDuration)

	rl.mu.Lock()
	if !start.Equal(rl.window) {
		rl.window = start
		rl.counts = make(map[string]int64)
	}
	rl.counts[key]++
	count := rl.counts[key]
	rl.mu.Unlock()

	return decide(count, rl.config, now), nil
}

// RateLimitMiddleware limits authenticated callers by user id and anonymous
// ones by client address. Limiter errors fail open.
type RateLimitMiddleware struct {
	limiter Limiter
	limit   int
	log     *logrus.Logger
}

// NewRateLimitMiddleware creates the middleware. limit only feeds the
// X-RateLimit-Limit header.
func NewRateLimitMiddleware(limiter Limiter, limit int, log *logrus.Logger) *RateLimitMiddleware {
	if log == nil {
		log = logrus.New()
	}
	return &RateLimitMiddleware{limiter: limiter, limit: limit, log: log}
}

// Handler wraps an HTTP handler with rate limiting
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "ip:" + clientIP(r)
		if userID := contextkeys.GetUserID(r.Context()); userID != "" {
			key = "user:" + userID
		}

		d, err := m.limiter.Allow(r.Context(), key)
		if err != nil {
			m.log.WithError(err).WithField("key", key).Warn("Rate limiter unavailable, allowing request")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			httputil.WriteTooManyRequests(w, d.RetryAfter, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the first X-Forwarded-For hop
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
