package interceptor

import (
	"net"
	"sync"
	"time"
)

// RateLimiter throttles proxied requests per client IP with a token bucket.
// Throttled requests still produce a recorded transaction.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket

	// Rate is the number of requests permitted per second per client.
	Rate float64

	// Burst is the maximum number of requests a client can make at once.
	Burst int

	// CleanupInterval controls how often idle buckets are dropped.
	CleanupInterval time.Duration

	now  func() time.Time
	done chan struct{}
	once sync.Once
}

type tokenBucket struct {
	tokens   float64
	lastTime time.Time
}

// NewRateLimiter creates a per-client rate limiter and starts its cleanup
// goroutine. Call Close to stop it.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		buckets:         make(map[string]*tokenBucket),
		Rate:            rate,
		Burst:           burst,
		CleanupInterval: time.Minute,
		now:             time.Now,
		done:            make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a request from addr (host or host:port) may proceed.
func (rl *RateLimiter) Allow(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	b, ok := rl.buckets[host]
	if !ok {
		rl.buckets[host] = &tokenBucket{tokens: float64(rl.Burst) - 1, lastTime: now}
		return rl.Burst > 0
	}

	b.tokens = min(b.tokens+now.Sub(b.lastTime).Seconds()*rl.Rate, float64(rl.Burst))
	b.lastTime = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// ClientCount returns the number of tracked clients.
func (rl *RateLimiter) ClientCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Close() {
	rl.once.Do(func() { close(rl.done) })
}

func (rl *RateLimiter) cleanup() {
	interval := rl.CleanupInterval
	if interval == 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.prune(rl.now().Add(-2 * interval))
		}
	}
}

func (rl *RateLimiter) prune(before time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		if b.lastTime.Before(before) {
			delete(rl.buckets, key)
		}
	}
}
