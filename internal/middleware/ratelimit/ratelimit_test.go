package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestStopReleasesCleanupGoroutine(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rl := New(Config{CleanupInterval: time.Millisecond})
	time.Sleep(5 * time.Millisecond)
	rl.Stop()
	rl.Stop()
}

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time { return c.t }

func newLimiter(t *testing.T, perMinute int) (*RateLimiter, *clock) {
	t.Helper()
	rl := New(Config{MaxRequestsPerMinute: perMinute})
	t.Cleanup(rl.Stop)

	clk := &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	rl.now = clk.now
	return rl, clk
}

func TestAllowRefillsOverTime(t *testing.T) {
	rl, clk := newLimiter(t, 60)

	for i := 0; i < 60; i++ {
		ok, _ := rl.allow("a", 1)
		require.True(t, ok, "request %d", i)
	}
	ok, wait := rl.allow("a", 1)
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)

	clk.t = clk.t.Add(1500 * time.Millisecond)
	ok, _ = rl.allow("a", 1)
	assert.True(t, ok)
	ok, wait = rl.allow("a", 1)
	assert.False(t, ok)
	assert.Equal(t, 500*time.Millisecond, wait)

	ok, _ = rl.allow("b", 1)
	assert.True(t, ok, "buckets are per key")
}

func TestCostIsCappedAtBucketSize(t *testing.T) {
	rl, _ := newLimiter(t, 5)

	ok, _ := rl.allow("a", 50)
	assert.True(t, ok)
	ok, _ = rl.allow("a", 1)
	assert.False(t, ok)
}

func TestMiddlewareWeightsModelRoutes(t *testing.T) {
	rl, _ := newLimiter(t, 10)
	rl.cost = ModelCost(5, "/api/v1/query")

	app := fiber.New()
	app.Use(rl.Middleware())
	app.Post("/api/v1/query", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	app.Get("/api/v1/health", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	status := func(method, path string) (int, string) {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("X-User-ID", "analyst")
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode, resp.Header.Get(fiber.HeaderRetryAfter)
	}

	code, _ := status(http.MethodPost, "/api/v1/query")
	assert.Equal(t, fiber.StatusOK, code)
	code, _ = status(http.MethodGet, "/api/v1/health")
	assert.Equal(t, fiber.StatusOK, code)

	code, retry := status(http.MethodPost, "/api/v1/query")
	assert.Equal(t, fiber.StatusTooManyRequests, code)
	assert.Equal(t, "6", retry)

	code, _ = status(http.MethodGet, "/api/v1/health")
	assert.Equal(t, fiber.StatusOK, code)
}

func TestEvictIdle(t *testing.T) {
	rl, clk := newLimiter(t, 10)

	rl.allow("a", 1)
	clk.t = clk.t.Add(time.Hour)
	rl.allow("b", 1)
	rl.evictIdle(10 * time.Minute)

	rl.mu.RLock()
	defer rl.mu.RUnlock()
	assert.NotContains(t, rl.buckets, "a")
	assert.Contains(t, rl.buckets, "b")
}
