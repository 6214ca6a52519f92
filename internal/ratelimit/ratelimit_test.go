package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newLimiter(t *testing.T, perMinute, burst int) *Limiter {
	t.Helper()
	l := New(Config{
		RequestsPerMinute: perMinute,
		BurstSize:         burst,
		CleanupInterval:   time.Minute,
	})
	t.Cleanup(l.Stop)
	return l
}

func TestAllow_BurstThenDeny(t *testing.T) {
	l := newLimiter(t, 60, 5)

	for i := 0; i < 5; i++ {
		if !l.Allow("actor:buyer-1") {
			t.Errorf("request %d should fit in the burst", i)
		}
	}
	if l.Allow("actor:buyer-1") {
		t.Error("request past the burst should be denied")
	}

	// One token refills per second at 60/min.
	time.Sleep(1100 * time.Millisecond)
	if !l.Allow("actor:buyer-1") {
		t.Error("request after refill should be allowed")
	}
}

func TestAllow_CallersAreIndependent(t *testing.T) {
	l := newLimiter(t, 60, 3)

	for i := 0; i < 3; i++ {
		l.Allow("actor:buyer-1")
	}
	if l.Allow("actor:buyer-1") {
		t.Error("buyer-1 should be throttled")
	}
	if !l.Allow("actor:vendor-1") {
		t.Error("vendor-1 should not share buyer-1's bucket")
	}
}

func TestAllow_RefillRate(t *testing.T) {
	l := newLimiter(t, 600, 1) // 10 tokens per second

	if !l.Allow("203.0.113.9") {
		t.Error("first request should be allowed")
	}
	if l.Allow("203.0.113.9") {
		t.Error("second immediate request should be denied")
	}

	time.Sleep(110 * time.Millisecond)
	if !l.Allow("203.0.113.9") {
		t.Error("request after one refill interval should be allowed")
	}
}

func TestMiddleware_KeysByActorRef(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := newLimiter(t, 60, 2)

	router := gin.New()
	router.Use(l.Middleware())
	router.GET("/v1/orders", func(c *gin.Context) { c.Status(200) })

	hit := func(actor string) int {
		req := httptest.NewRequest("GET", "/v1/orders", nil)
		if actor != "" {
			req.Header.Set(actorHeader, actor)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	// buyer-1 exhausts their own budget.
	hit("buyer-1")
	hit("buyer-1")
	if code := hit("buyer-1"); code != 429 {
		t.Errorf("expected 429 for throttled actor, got %d", code)
	}

	// Another actor from the same IP is unaffected.
	if code := hit("vendor-1"); code != 200 {
		t.Errorf("expected 200 for a fresh actor, got %d", code)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerMinute != 60 || cfg.BurstSize != 10 || cfg.CleanupInterval != time.Minute {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}
