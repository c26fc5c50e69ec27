// Package ratelimit provides per-tenant rate limiting middleware for the
// LeadFlow API. Authenticated requests are limited by tenant at the plan's
// requests-per-minute; anonymous requests fall back to limiting by IP.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/leadflowhq/leadflow/internal/auth"
	"github.com/leadflowhq/leadflow/internal/metrics"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the fallback limit for keys without a plan override
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often to clean old entries
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60, // 1 req/sec average
		BurstSize:         10, // Allow bursts of 10
		CleanupInterval:   time.Minute,
	}
}

// PlanRPM looks up a tenant's plan rate limit. Zero means use the fallback.
type PlanRPM func(tenantID string) int

// Limiter tracks rate limits by key
type Limiter struct {
	cfg     Config
	planRPM PlanRPM // optional
	mu      sync.Mutex
	clients map[string]*clientState
	stop    chan struct{}
}

type clientState struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a new rate limiter. planRPM may be nil.
func New(cfg Config, planRPM PlanRPM) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		planRPM: planRPM,
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// cleanup removes stale entries periodically
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-2 * time.Minute)
			for key, state := range l.clients {
				if state.lastCheck.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine
func (l *Limiter) Stop() {
	close(l.stop)
}

// Allow checks if a request under key should be allowed at rpm
// requests per minute.
func (l *Limiter) Allow(key string, rpm int) bool {
	if rpm <= 0 {
		rpm = l.cfg.RequestsPerMinute
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	state, exists := l.clients[key]

	if !exists {
		l.clients[key] = &clientState{
			tokens:    float64(l.cfg.BurstSize - 1),
			lastCheck: now,
		}
		return true
	}

	// Token bucket algorithm
	elapsed := now.Sub(state.lastCheck).Seconds()
	tokensPerSecond := float64(rpm) / 60.0
	state.tokens += elapsed * tokensPerSecond

	// Cap at burst size
	if state.tokens > float64(l.cfg.BurstSize) {
		state.tokens = float64(l.cfg.BurstSize)
	}

	state.lastCheck = now

	if state.tokens >= 1 {
		state.tokens--
		return true
	}

	return false
}

// Middleware returns a Gin middleware that rate limits by tenant when
// authenticated and by IP otherwise.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		rpm := 0

		if tenantID := auth.GetTenantID(c); tenantID != "" {
			key = "tenant:" + tenantID
			if l.planRPM != nil {
				rpm = l.planRPM(tenantID)
			}
		}

		if !l.Allow(key, rpm) {
			metrics.RateLimitedTotal.Inc()
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
