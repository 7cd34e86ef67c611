package middlewares

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/recoveries_backend/config"
	"github.com/mmdatafocus/recoveries_backend/utils"
	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window request counter kept in redis.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	if window < time.Second {
		window = time.Minute
	}
	return &RateLimiter{client: client, limit: limit, window: window}
}

// Middleware counts requests per login, or per client IP before login. When
// redis is unavailable requests are let through.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl == nil || rl.client == nil {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		subject := c.ClientIP()
		if email, ok := utils.GetUsernameFromContext(ctx); ok && email != "" {
			subject = email
		}
		key := fmt.Sprintf("ratelimit:%s:%d", subject, time.Now().Unix()/int64(rl.window.Seconds()))

		pipe := rl.client.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, rl.window)
		if _, err := pipe.Exec(ctx); err != nil {
			config.LogError(config.GetLogger(), "middlewares", "RateLimiter", "counting request", subject, err)
			c.Next()
			return
		}

		count := incr.Val()
		remaining := rl.limit - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.FormatInt(rl.limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > rl.limit {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
			})
			return
		}
		c.Next()
	}
}
