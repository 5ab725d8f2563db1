package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/refractionpoint/oidc-login/internal/redis"
)

// Limiter implements a Redis fixed-window request counter
type Limiter struct {
	redis  *redis.Client
	logger *slog.Logger
}

// Config holds rate limit configuration for an endpoint
type Config struct {
	MaxRequests int           // Maximum requests allowed
	Window      time.Duration // Time window for the limit
}

// NewLimiter creates a new rate limiter
func NewLimiter(redisClient *redis.Client, logger *slog.Logger) *Limiter {
	return &Limiter{
		redis:  redisClient,
		logger: logger,
	}
}

func bucketKey(key string, window time.Duration, now time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%d", key, now.Unix()/int64(window.Seconds()))
}

// Allow checks if a request should be allowed based on rate limits.
// Redis failures allow the request and return the error.
func (l *Limiter) Allow(ctx context.Context, key string, cfg Config) (bool, error) {
	if cfg.Window < time.Second {
		return true, fmt.Errorf("rate limit window must be >= 1 second, got %s", cfg.Window)
	}

	k := bucketKey(key, cfg.Window, time.Now())

	count, err := l.redis.Incr(ctx, k)
	if err != nil {
		l.logger.Warn("Rate limit check failed, allowing request", "error", err)
		return true, err
	}

	// Set expiration on first increment
	if count == 1 {
		if err := l.redis.Expire(ctx, k, cfg.Window); err != nil {
			l.logger.Warn("Failed to set rate limit expiration", "error", err)
		}
	}

	allowed := count <= int64(cfg.MaxRequests)
	if !allowed {
		l.logger.Info("Rate limit exceeded", "key", key, "count", count)
	}

	return allowed, nil
}

// Reset clears the current window for key
func (l *Limiter) Reset(ctx context.Context, key string, cfg Config) error {
	if cfg.Window < time.Second {
		return fmt.Errorf("rate limit window must be >= 1 second, got %s", cfg.Window)
	}
	return l.redis.Delete(ctx, bucketKey(key, cfg.Window, time.Now()))
}

// DefaultConfigs provides default rate limits for the relay endpoints
var DefaultConfigs = map[string]Config{
	"oidc_callback": {
		MaxRequests: 30,
		Window:      time.Minute,
	},
	"window_closed": {
		MaxRequests: 60,
		Window:      time.Minute,
	},
	"default": {
		MaxRequests: 100,
		Window:      time.Minute,
	},
}

// ConfigFor returns the limit for an endpoint, falling back to "default"
func ConfigFor(endpoint string) Config {
	if cfg, ok := DefaultConfigs[endpoint]; ok {
		return cfg
	}
	return DefaultConfigs["default"]
}
