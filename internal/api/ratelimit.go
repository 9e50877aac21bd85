package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/roomhook/internal/auth"
)

// Counter increments a fixed-window counter and returns its new value.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RedisCounter keeps windows in redis with INCR and EXPIRE.
type RedisCounter struct {
	Client *redis.Client
}

func (r RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := r.Client.Pipeline()
	cnt := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return cnt.Val(), nil
}

// RateLimitConfig configures the per-user webhook test limiter.
type RateLimitConfig struct {
	Counter   Counter
	Limit     int           // requests per window; <= 0 disables
	Window    time.Duration // default 1m
	KeyPrefix string        // default "rl:webhook-test:"
	Now       func() time.Time
}

// RateLimitMiddleware applies a fixed-window per-user limit. It expects the
// user id set by the auth middleware. Counter errors let the request through.
func RateLimitMiddleware(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rl:webhook-test:"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := auth.UserID(c)
			if userID == "" || cfg.Limit <= 0 || cfg.Counter == nil {
				return next(c)
			}

			now := cfg.Now()
			window := now.UnixNano() / int64(cfg.Window)
			key := cfg.KeyPrefix + userID + ":" + strconv.FormatInt(window, 10)
			n, err := cfg.Counter.Incr(c.Request().Context(), key, cfg.Window)
			if err != nil {
				return next(c)
			}
			if n > int64(cfg.Limit) {
				remain := cfg.Window - time.Duration(now.UnixNano()%int64(cfg.Window))
				secs := int(remain.Round(time.Second) / time.Second)
				if secs < 1 {
					secs = 1
				}
				c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
				return c.JSON(http.StatusTooManyRequests, errorBody{Error: "rate limited"})
			}
			return next(c)
		}
	}
}
