package limiter

import (
	"sync"
	"time"

	"github.com/Shugur-Network/relayfetch/internal/config"
	"github.com/Shugur-Network/relayfetch/internal/logger"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Decision is the outcome of Allow.
type Decision int

const (
	Allowed Decision = iota
	Throttled
	Banned
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Throttled:
		return "throttled"
	default:
		return "banned"
	}
}

// Limit defines the budget of one client.
type Limit struct {
	Rate         rate.Limit    // Sustained requests per second
	Burst        int           // Requests allowed at once
	BanThreshold int           // Refusals before a ban, 0 never bans
	BanDuration  time.Duration // How long a ban lasts
}

// LimitFromConfig converts the server rate limit section.
func LimitFromConfig(cfg config.RateLimitConfig) Limit {
	return Limit{
		Rate:         rate.Limit(cfg.RequestsPerSecond),
		Burst:        cfg.Burst,
		BanThreshold: cfg.BanThreshold,
		BanDuration:  cfg.BanDuration,
	}
}

// client tracks rate limiting state for one key
type client struct {
	bucket      *rate.Limiter
	violations  int       // Refusals since the last ban or reset
	bannedUntil time.Time // Zero when not banned
	lastSeen    time.Time
}

// RateLimiter keeps one token bucket per client key.
type RateLimiter struct {
	limit   Limit
	mu      sync.Mutex
	clients map[string]*client
	now     func() time.Time
}

// NewRateLimiter creates a limiter that applies limit to every key.
func NewRateLimiter(limit Limit) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		clients: make(map[string]*client),
		now:     time.Now,
	}
}

// Allow charges one request to key.
func (rl *RateLimiter) Allow(key string) Decision {
	// Skip rate limiting for empty keys (in-process callers)
	if key == "" {
		return Allowed
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	c, ok := rl.clients[key]
	if !ok {
		c = &client{bucket: rate.NewLimiter(rl.limit.Rate, rl.limit.Burst)}
		rl.clients[key] = c
	}
	c.lastSeen = now

	if !c.bannedUntil.IsZero() {
		if now.Before(c.bannedUntil) {
			return Banned
		}
		c.bannedUntil = time.Time{}
		c.violations = 0
	}

	if c.bucket.AllowN(now, 1) {
		return Allowed
	}

	c.violations++
	if rl.limit.BanThreshold > 0 && c.violations >= rl.limit.BanThreshold {
		c.bannedUntil = now.Add(rl.limit.BanDuration)
		logger.Warn("Rate limit exceeded, client banned",
			zap.String("key", key),
			zap.Int("violations", c.violations),
			zap.Duration("ban_duration", rl.limit.BanDuration),
		)
		return Banned
	}

	logger.Debug("Rate limit exceeded",
		zap.String("key", key),
		zap.Int("violations", c.violations),
	)
	return Throttled
}

// Reset forgets everything about key.
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.clients, key)
}

// Cleanup removes clients idle for longer than idle that are not banned
// and reports how many were removed.
func (rl *RateLimiter) Cleanup(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for key, c := range rl.clients {
		if now.Sub(c.lastSeen) > idle && now.After(c.bannedUntil) {
			delete(rl.clients, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
