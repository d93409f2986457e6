package api

import (
	"math"
	"sync"
	"time"
)

// RateLimiterConfig holds rate limiter configuration
type RateLimiterConfig struct {
	RequestsPerMinute int
	// Burst caps the bucket; zero means one minute's worth.
	Burst int
}

// RateLimiter is a per-client token bucket.
type RateLimiter struct {
	config  RateLimiterConfig
	buckets map[string]*tokenBucket
	mu      sync.Mutex
	now     func() time.Time
}

type tokenBucket struct {
	tokens   float64
	lastTime time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.Burst <= 0 {
		config.Burst = config.RequestsPerMinute
	}
	return &RateLimiter{
		config:  config,
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
}

func (rl *RateLimiter) capacity() float64 { return float64(rl.config.Burst) }

func (rl *RateLimiter) refill() float64 { return float64(rl.config.RequestsPerMinute) / 60.0 }

// Allow takes a token for clientID. It also returns the unix time at which
// the next token is available when denied, or the bucket is full again when
// allowed.
func (rl *RateLimiter) Allow(clientID string) (bool, int64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[clientID]
	if !ok {
		b = &tokenBucket{tokens: rl.capacity(), lastTime: now}
		rl.buckets[clientID] = b
	}
	b.tokens = math.Min(rl.capacity(), b.tokens+now.Sub(b.lastTime).Seconds()*rl.refill())
	b.lastTime = now

	if b.tokens >= 1 {
		b.tokens--
		untilFull := (rl.capacity() - b.tokens) / rl.refill()
		return true, now.Add(time.Duration(untilFull * float64(time.Second))).Unix()
	}
	untilToken := (1 - b.tokens) / rl.refill()
	return false, now.Add(time.Duration(untilToken * float64(time.Second))).Unix()
}

// Cleanup drops buckets idle for longer than maxAge.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for id, b := range rl.buckets {
		if now.Sub(b.lastTime) > maxAge {
			delete(rl.buckets, id)
		}
	}
}

// Tracked returns the number of clients with a live bucket.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
