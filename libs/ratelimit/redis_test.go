package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func TestRedisLimiterWindow(t *testing.T) {
	s := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	lim := NewRedis(client, 2, 500*time.Millisecond, "test:")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := lim.Allow(ctx, "alice", time.Now())
		if err != nil || !allowed {
			t.Fatalf("expected allow on call %d, err=%v", i+1, err)
		}
	}

	allowed, retryAfter, err := lim.Allow(ctx, "alice", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatalf("expected rate limited")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected retryAfter > 0")
	}
	if !s.Exists("test:alice") {
		t.Fatalf("expected prefixed key in redis")
	}

	s.FastForward(600 * time.Millisecond)
	allowed, _, err = lim.Allow(ctx, "alice", time.Now())
	if err != nil || !allowed {
		t.Fatalf("expected allow after window")
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, time.Time) (bool, time.Duration, error) {
	return false, 0, errors.New("redis down")
}

func TestFallbackUsesSecondaryOnError(t *testing.T) {
	lim := NewFallback(failingLimiter{}, NewMemory(1, time.Minute), nil)
	ctx := context.Background()
	now := time.Now()

	if allowed, _, err := lim.Allow(ctx, "alice", now); err != nil || !allowed {
		t.Fatalf("expected first call allowed by secondary, err=%v", err)
	}
	if allowed, _, _ := lim.Allow(ctx, "alice", now); allowed {
		t.Fatalf("expected secondary to limit second call")
	}
}

func TestMiddlewareReturns429WithRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(NewMemory(1, time.Minute), func(c *gin.Context) string { return c.GetHeader("X-Actor") }, nil))
	r.POST("/trades", func(c *gin.Context) { c.Status(http.StatusCreated) })

	send := func(actor string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/trades", nil)
		req.Header.Set("X-Actor", actor)
		r.ServeHTTP(w, req)
		return w
	}

	if w := send("alice"); w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	w := send("alice")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if w := send(""); w.Code != http.StatusCreated {
		t.Fatalf("expected unkeyed request to bypass limiter, got %d", w.Code)
	}
}
