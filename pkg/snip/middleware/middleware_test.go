package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

func setupRouter(log *slog.Logger, lim KeyLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestLogger(log), Recover(log))

	r.GET("/:slug", func(c *gin.Context) {
		c.Redirect(http.StatusFound, "https://example.com")
	})
	r.GET("/boom/now", func(c *gin.Context) {
		panic("kaboom")
	})
	if lim != nil {
		r.POST("/:slug/verify", RateLimit(lim, log), func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "success"})
		})
	}
	return r
}

func TestRequestLoggerOmitsQuery(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	r := setupRouter(log, nil)

	req := httptest.NewRequest("GET", "/abc123?password=hunter2", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("Expected status 302, got %d", w.Code)
	}
	if strings.Contains(buf.String(), "hunter2") {
		t.Fatalf("Log line leaked the query string: %s", buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse log line: %v", err)
	}
	if entry["route"] != "/:slug" {
		t.Errorf("Expected route /:slug, got %v", entry["route"])
	}
	if entry["status"] != float64(302) {
		t.Errorf("Expected status 302 in log, got %v", entry["status"])
	}
	if entry["method"] != "GET" {
		t.Errorf("Expected method GET, got %v", entry["method"])
	}
}

func TestRecoverReturnsErrorBody(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	r := setupRouter(log, nil)

	req := httptest.NewRequest("GET", "/boom/now", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", w.Code)
	}

	var body map[string]any
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["status"] != "error" {
		t.Errorf("Expected error envelope, got %v", body)
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Errorf("Expected panic to be logged, got %s", buf.String())
	}
}

func TestRateLimit(t *testing.T) {
	lim := NewLimiter(1, 2)
	r := setupRouter(slog.New(slog.NewTextHandler(io.Discard, nil)), lim)
	assertLimited(t, r)
}

func assertLimited(t *testing.T, r *gin.Engine) {
	t.Helper()
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/abc123/verify", nil)
		req.RemoteAddr = "203.0.113.7:4000"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("Expected burst of 2 to pass, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("Expected third request to be limited, got %d", codes[2])
	}

	// A different client has its own bucket
	req := httptest.NewRequest("POST", "/abc123/verify", nil)
	req.RemoteAddr = "198.51.100.9:4000"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected other client to pass, got %d", w.Code)
	}
}

func TestLimiterRefills(t *testing.T) {
	lim := NewLimiter(2, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lim.now = func() time.Time { return now }

	ctx := context.Background()
	if ok, _ := lim.Allow(ctx, "k"); !ok {
		t.Fatal("Expected first request to pass")
	}
	if ok, _ := lim.Allow(ctx, "k"); ok {
		t.Fatal("Expected second request to be limited")
	}

	now = now.Add(500 * time.Millisecond)
	if ok, _ := lim.Allow(ctx, "k"); !ok {
		t.Error("Expected a token after half a second at 2 rps")
	}
}

func TestLimiterEvictsIdleBuckets(t *testing.T) {
	lim := NewLimiter(1, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lim.now = func() time.Time { return now }

	ctx := context.Background()
	lim.Allow(ctx, "a")
	lim.Allow(ctx, "b")

	now = now.Add(time.Hour)
	lim.Allow(ctx, "c")

	if len(lim.buckets) != 1 {
		t.Errorf("Expected idle buckets to be evicted, have %d", len(lim.buckets))
	}
}

func TestRedisLimiterSharedAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	a := NewRedisLimiter(client, "", 1, 2)
	b := NewRedisLimiter(client, "", 1, 2)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }
	b.now = a.now
	ctx := context.Background()

	for i, lim := range []*RedisLimiter{a, b} {
		ok, err := lim.Allow(ctx, "203.0.113.7")
		if err != nil {
			t.Fatalf("Allow %d failed: %v", i, err)
		}
		if !ok {
			t.Fatalf("Expected request %d within burst to pass", i)
		}
	}
	if ok, _ := a.Allow(ctx, "203.0.113.7"); ok {
		t.Fatal("Expected the shared bucket to be empty")
	}
	if !mr.Exists("snip:ratelimit:203.0.113.7") {
		t.Error("Expected bucket key in Redis")
	}

	now = now.Add(time.Second)
	if ok, _ := b.Allow(ctx, "203.0.113.7"); !ok {
		t.Error("Expected a token after one second at 1 rps")
	}
}

func TestRedisLimiterMiddleware(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	r := setupRouter(slog.New(slog.NewTextHandler(io.Discard, nil)), NewRedisLimiter(client, "", 1, 2))
	assertLimited(t, r)
}

func TestRateLimitFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	r := setupRouter(slog.New(slog.NewTextHandler(io.Discard, nil)), NewRedisLimiter(client, "", 1, 1))
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/abc123/verify", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("Expected request %d to pass with Redis down, got %d", i, w.Code)
		}
	}
}

func TestWhenQuery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	lim := NewLimiter(1, 1)
	r := gin.New()
	r.GET("/:slug", WhenQuery("password", RateLimit(lim, slog.New(slog.NewTextHandler(io.Discard, nil)))), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	get := func(path string) int {
		req := httptest.NewRequest("GET", path, nil)
		req.RemoteAddr = "203.0.113.7:4000"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := get("/abc123?password=one"); code != http.StatusNoContent {
		t.Fatalf("Expected first attempt to pass, got %d", code)
	}
	if code := get("/abc123?password="); code != http.StatusTooManyRequests {
		t.Errorf("Expected empty password to count as an attempt, got %d", code)
	}
	for i := 0; i < 3; i++ {
		if code := get("/abc123"); code != http.StatusNoContent {
			t.Errorf("Expected plain request to skip the limiter, got %d", code)
		}
	}
}
