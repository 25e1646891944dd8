package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"pii-redactor/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeCounter struct {
	hits   map[string]int64
	window time.Duration
	err    error
}

func (f *fakeCounter) Hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	if f.hits == nil {
		f.hits = make(map[string]int64)
	}
	f.window = window
	f.hits[key]++
	return f.hits[key], nil
}

func limitedRouter(counter WindowCounter) *gin.Engine {
	r := gin.New()
	r.Use(RateLimitMiddleware(counter, &config.Config{RateLimitReqs: 2, RateLimitWindow: 60}))
	r.GET("/api/jobs", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-Real-IP", "203.0.113.7")
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitMiddleware_LimitsPerWindow(t *testing.T) {
	counter := &fakeCounter{}
	r := limitedRouter(counter)

	w := get(r, "/api/jobs")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))

	assert.Equal(t, http.StatusOK, get(r, "/api/jobs").Code)

	w = get(r, "/api/jobs")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")

	assert.Equal(t, time.Minute, counter.window)
	assert.Equal(t, int64(3), counter.hits["ratelimit:203.0.113.7:/api/jobs"])
}

func TestRateLimitMiddleware_HealthNotCounted(t *testing.T) {
	counter := &fakeCounter{}
	r := limitedRouter(counter)
	for range 5 {
		assert.Equal(t, http.StatusOK, get(r, "/health").Code)
	}
	assert.Empty(t, counter.hits)
}

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	r := limitedRouter(&fakeCounter{err: errors.New("connection refused")})
	for range 3 {
		w := get(r, "/api/jobs")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRedisWindowCounter_UnreachableFailsOpen(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: time.Second})
	defer rdb.Close()

	_, err := NewRedisWindowCounter(rdb).Hit(context.Background(), "ratelimit:test", time.Minute)
	require.Error(t, err)

	w := get(limitedRouter(NewRedisWindowCounter(rdb)), "/api/jobs")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRedisWindowCounter_Live(t *testing.T) {
	if os.Getenv("REDIS_URL") == "" {
		t.Skip("REDIS_URL not set")
	}
	opt, err := config.RedisOptions(&config.Config{RedisURL: os.Getenv("REDIS_URL")})
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	ctx := context.Background()
	key := "ratelimit:test:" + time.Now().Format(time.RFC3339Nano)
	defer rdb.Del(ctx, key)
	counter := NewRedisWindowCounter(rdb)

	n, err := counter.Hit(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	ttl, err := rdb.PTTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	// A counter that lost its TTL gets one back on the next hit
	require.NoError(t, rdb.Persist(ctx, key).Err())
	n, err = counter.Hit(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	ttl, err = rdb.PTTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
