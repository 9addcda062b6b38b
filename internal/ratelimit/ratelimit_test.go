package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func testLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	l := New(cfg)
	t.Cleanup(l.Stop)
	return l
}

func TestBurstThenDeny(t *testing.T) {
	l := testLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 5, CleanupInterval: time.Minute})

	for i := 0; i < 5; i++ {
		if !l.Allow("203.0.113.7") {
			t.Fatalf("request %d within burst denied", i)
		}
	}
	if l.Allow("203.0.113.7") {
		t.Error("request past the burst must be denied")
	}
}

func TestRefillOverTime(t *testing.T) {
	l := testLimiter(t, Config{RequestsPerMinute: 600, BurstSize: 1, CleanupInterval: time.Minute})

	if !l.Allow("client") {
		t.Fatal("first request denied")
	}
	if l.Allow("client") {
		t.Fatal("second immediate request allowed")
	}

	// 600/min refills one token in 100ms.
	time.Sleep(110 * time.Millisecond)
	if !l.Allow("client") {
		t.Error("request after refill denied")
	}
}

func TestBucketsAreIndependent(t *testing.T) {
	l := testLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 3, CleanupInterval: time.Minute})

	for i := 0; i < 3; i++ {
		l.Allow("client-a")
	}
	if l.Allow("client-a") {
		t.Error("client-a must be limited")
	}
	if !l.Allow("client-b") {
		t.Error("client-b must be unaffected")
	}
}

func TestMiddlewareReturns429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := testLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})

	router := gin.New()
	router.Use(l.Middleware())
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	do := func() int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "203.0.113.7:1234"
		router.ServeHTTP(w, req)
		return w.Code
	}

	if code := do(); code != http.StatusOK {
		t.Fatalf("first request status = %d", code)
	}
	if code := do(); code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", code)
	}
}

func TestMiddlewareKeysAuthenticatedClientsByAPIKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := testLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})

	router := gin.New()
	router.Use(l.Middleware())
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	do := func(key string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "203.0.113.7:1234"
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		router.ServeHTTP(w, req)
		return w.Code
	}

	// Two different keys behind the same IP get separate buckets.
	if code := do("sk_aaaaaaaaaaaaaaaaaaaa"); code != http.StatusOK {
		t.Fatalf("first client status = %d", code)
	}
	if code := do("sk_bbbbbbbbbbbbbbbbbbbb"); code != http.StatusOK {
		t.Fatalf("second client status = %d", code)
	}
}
