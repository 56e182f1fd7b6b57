package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/victorivanov/concord/internal/redis"
)

// RateLimiter counts hits against a fixed window. *redis.Client implements it.
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (redis.RateLimit, error)
}

// RateLimitPolicy is a named bucket. Every route sharing a policy draws from
// the same per-caller counter.
type RateLimitPolicy struct {
	Name   string
	Limit  int
	Window time.Duration
}

var (
	// generalPolicy covers every authenticated route.
	generalPolicy = RateLimitPolicy{Name: "general", Limit: 50, Window: time.Minute}

	// permissionWritePolicy covers role, assignment and override mutations,
	// each of which fans out resyncs to every affected session.
	permissionWritePolicy = RateLimitPolicy{Name: "perm-write", Limit: 10, Window: 10 * time.Second}
)

// RateLimitMiddleware limits callers per policy: by user ID once
// authenticated, by client IP otherwise. Limiter failures let the request
// through.
func RateLimitMiddleware(limiter RateLimiter, policy RateLimitPolicy) echo.MiddlewareFunc {
	limit := strconv.Itoa(policy.Limit)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			var key string
			if uid, ok := c.Get("user_id").(int64); ok {
				key = fmt.Sprintf("rl:%s:user:%d", policy.Name, uid)
			} else {
				key = fmt.Sprintf("rl:%s:ip:%s", policy.Name, c.RealIP())
			}

			rl, err := limiter.CheckRateLimit(c.Request().Context(), key, policy.Limit, policy.Window)
			if err != nil {
				slog.Warn("rate limit check failed", "policy", policy.Name, "error", err)
				return next(c)
			}

			reset := strconv.Itoa(int((rl.ResetIn + time.Second - 1) / time.Second))
			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining))
			h.Set("X-RateLimit-Reset-After", reset)
			h.Set("X-RateLimit-Bucket", policy.Name)
			if !rl.Allowed {
				h.Set("Retry-After", reset)
				return errorJSON(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests, please try again later")
			}

			return next(c)
		}
	}
}
