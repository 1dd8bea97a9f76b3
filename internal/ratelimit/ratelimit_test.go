package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

// fakeClock is advanced by hand so tests never sleep.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newLimiter(t *testing.T, cfg Config) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	l := New(cfg)
	l.now = clock.now
	t.Cleanup(l.Stop)
	return l, clock
}

func TestLimiterAllow(t *testing.T) {
	limiter, clock := newLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 5})

	for i := 0; i < 5; i++ {
		if ok, _ := limiter.Allow("test-ip"); !ok {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}

	ok, wait := limiter.Allow("test-ip")
	if ok {
		t.Fatal("Request after burst should be denied")
	}
	if wait <= 0 || wait > time.Second {
		t.Errorf("expected retry within a second, got %v", wait)
	}

	// 1 second = 1 token at 60/min
	clock.advance(time.Second)
	if ok, _ := limiter.Allow("test-ip"); !ok {
		t.Error("Request after waiting should be allowed")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter, _ := newLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}
	if ok, _ := limiter.Allow("client-a"); ok {
		t.Error("Client A should be rate limited")
	}
	if ok, _ := limiter.Allow("client-b"); !ok {
		t.Error("Client B should not be rate limited")
	}
}

func TestLimiterBurstCap(t *testing.T) {
	limiter, clock := newLimiter(t, Config{RequestsPerMinute: 600, BurstSize: 2})

	limiter.Allow("k")
	clock.advance(time.Hour)

	allowed := 0
	for i := 0; i < 5; i++ {
		if ok, _ := limiter.Allow("k"); ok {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("expected idle refill capped at burst 2, got %d", allowed)
	}
}

func TestLimiterDisabled(t *testing.T) {
	limiter, _ := newLimiter(t, Config{RequestsPerMinute: 0, BurstSize: 1})
	for i := 0; i < 100; i++ {
		if ok, _ := limiter.Allow("k"); !ok {
			t.Fatal("zero rate should disable limiting")
		}
	}
}

func TestLimiterSweep(t *testing.T) {
	limiter, clock := newLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1})
	limiter.Allow("old")
	clock.advance(3 * time.Minute)
	limiter.Allow("fresh")

	limiter.sweep(2 * time.Minute)

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if _, ok := limiter.clients["old"]; ok {
		t.Error("idle client should be swept")
	}
	if _, ok := limiter.clients["fresh"]; !ok {
		t.Error("active client should be kept")
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := DefaultConfig()
	cfg.RequestsPerMinute = 60
	cfg.BurstSize = 1
	limiter, _ := newLimiter(t, cfg)

	r := gin.New()
	r.Use(limiter.Middleware())
	r.GET("/agent/42/score", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	if w := do("/agent/42/score"); w.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", w.Code)
	}
	w := do("/agent/42/score")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("expected Retry-After 1, got %q", w.Header().Get("Retry-After"))
	}

	for i := 0; i < 3; i++ {
		if w := do("/health"); w.Code != http.StatusOK {
			t.Fatalf("exempt path limited: %d", w.Code)
		}
	}
}

func TestStopTwice(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	l.Stop()
}
