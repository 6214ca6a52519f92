// Package ratelimit throttles the engine's HTTP surface with a token
// bucket per caller. Callers are keyed by actor reference when the
// request carries one, by client IP otherwise, so one buyer hammering
// the listing endpoints does not starve the watcher's event ingest.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// actorHeader mirrors the order API's caller reference header.
const actorHeader = "X-Actor-Ref"

// Config sets the per-caller budget.
type Config struct {
	// RequestsPerMinute is the sustained rate each caller refills at.
	RequestsPerMinute int
	// BurstSize caps how far ahead of the sustained rate a caller can get.
	BurstSize int
	// CleanupInterval is how often idle callers are forgotten.
	CleanupInterval time.Duration
}

// DefaultConfig allows one request per second sustained with short bursts.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// bucket is one caller's token state.
type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// refill credits tokens for the time elapsed since the last request,
// capped at the burst size.
func (b *bucket) refill(now time.Time, perMinute, burst int) {
	elapsed := now.Sub(b.lastSeen).Seconds()
	b.tokens += elapsed * float64(perMinute) / 60.0
	if b.tokens > float64(burst) {
		b.tokens = float64(burst)
	}
	b.lastSeen = now
}

// Limiter tracks a token bucket per caller key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
}

// New creates a limiter and starts its idle-caller pruner.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.prune()
	return l
}

// prune drops callers that have gone quiet so the map stays bounded.
func (l *Limiter) prune() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * time.Minute)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop shuts down the pruner.
func (l *Limiter) Stop() {
	close(l.stop)
}

// Allow spends one token for key, reporting whether the request may
// proceed. A caller's first request opens a full bucket.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{
			tokens:   float64(l.cfg.BurstSize - 1),
			lastSeen: now,
		}
		return true
	}

	b.refill(now, l.cfg.RequestsPerMinute, l.cfg.BurstSize)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Middleware rejects over-budget requests with 429.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if actor := c.GetHeader(actorHeader); actor != "" {
			key = "actor:" + actor
		}

		if !l.Allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
