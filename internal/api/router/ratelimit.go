package router

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/offerforge/offerpdf/internal/api/handler"
)

// ReplayRateLimitMiddleware bounds webhook replays per user per minute with a
// Redis counter, so the limit holds across API replicas. A Redis outage fails
// open: replay is a convenience operation and must not depend on the limiter
// being up.
func ReplayRateLimitMiddleware(rdb *redis.Client, perMinute int, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if rdb == nil || perMinute <= 0 {
			c.Next()
			return
		}

		userID := handler.UserID(c)
		window := time.Now().UTC().Format("200601021504")
		key := fmt.Sprintf("replay:%s:%s", userID, window)

		count, err := rdb.Incr(c.Request.Context(), key).Result()
		if err != nil {
			logger.Warn("Replay rate limiter unavailable",
				slog.String("error", err.Error()),
			)
			c.Next()
			return
		}
		if count == 1 {
			if err := rdb.Expire(c.Request.Context(), key, time.Minute).Err(); err != nil {
				logger.Warn("Failed to set rate limit key expiry",
					slog.String("error", err.Error()),
				)
			}
		}

		if count > int64(perMinute) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "replay rate limit exceeded",
				"limit": perMinute,
			})
			return
		}

		c.Next()
	}
}
