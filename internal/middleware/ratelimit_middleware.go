package middleware

import (
	"context"
	"strconv"

	"podster/internal/redis"
	podster_errors "podster/pkg/errors"
	"podster/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Limiter is satisfied by *redis.RateLimiter.
type Limiter interface {
	Allow(ctx context.Context, scope redis.Scope, subject string) (*redis.RateLimitResult, error)
}

// RateLimitMiddleware limits requests per client IP within scope. A nil
// limiter disables the check. Limiter failures are logged and let through.
func RateLimitMiddleware(limiter Limiter, scope redis.Scope, l *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}

		result, err := limiter.Allow(c.Request.Context(), scope, c.ClientIP())
		if err != nil {
			l.WithContext(c.Request.Context()).Warn("rate limit check failed",
				zap.String("scope", string(scope)), zap.Error(err))
			c.Next()
			return
		}

		setRateLimitHeaders(c, result)

		if !result.Allowed {
			abortWithError(c, podster_errors.ErrRateLimited)
			return
		}

		c.Next()
	}
}

// setRateLimitHeaders sets standard rate limit response headers
func setRateLimitHeaders(c *gin.Context, result *redis.RateLimitResult) {
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(int64(result.ResetIn.Seconds()), 10))
}
