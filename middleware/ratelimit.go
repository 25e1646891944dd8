package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pii-redactor/internal/config"
	"pii-redactor/internal/logger"
	"pii-redactor/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// WindowCounter counts hits on key within a fixed window
type WindowCounter interface {
	Hit(ctx context.Context, key string, window time.Duration) (int64, error)
}

// hitScript increments the counter and gives it a TTL whenever it has none,
// in one step, so a counter never outlives its window
var hitScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if redis.call("PTTL", KEYS[1]) < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RedisWindowCounter keeps window counters in Redis so every instance shares
// the window
type RedisWindowCounter struct {
	rdb redis.Scripter
}

func NewRedisWindowCounter(rdb redis.Scripter) *RedisWindowCounter {
	return &RedisWindowCounter{rdb: rdb}
}

func (r *RedisWindowCounter) Hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	return hitScript.Run(ctx, r.rdb, []string{key}, window.Milliseconds()).Int64()
}

// RateLimitMiddleware is a fixed-window limiter keyed by client IP and route
func RateLimitMiddleware(counter WindowCounter, cfg *config.Config) gin.HandlerFunc {
	window := time.Duration(cfg.RateLimitWindow) * time.Second
	return func(c *gin.Context) {
		if strings.HasPrefix(c.FullPath(), "/health") {
			c.Next()
			return
		}

		key := "ratelimit:" + utils.GetClientIP(c.Request) + ":" + c.FullPath()

		count, err := counter.Hit(c.Request.Context(), key, window)
		if err != nil {
			// Fail open
			logger.Warn("Rate limiter unavailable", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.RateLimitReqs))
		if count > int64(cfg.RateLimitReqs) {
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(window).Unix(), 10))

			utils.RespondWithError(c, http.StatusTooManyRequests,
				"rate_limit_exceeded",
				"Too many requests. Please try again later.",
				gin.H{
					"retry_after": cfg.RateLimitWindow,
					"limit":       cfg.RateLimitReqs,
				})
			c.Abort()
			return
		}

		c.Header("X-RateLimit-Remaining", strconv.Itoa(cfg.RateLimitReqs-int(count)))
		c.Next()
	}
}
