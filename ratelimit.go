package webproxy

import (
	"net"
	"sync"
	"time"
)

// RateLimiter admits client connections using a token-bucket per client
// IP. Each bucket refills at a steady rate up to a configurable burst size.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket

	// Rate is the number of connections permitted per second per client.
	Rate float64

	// Burst is the maximum number of connections a client can open in a
	// single burst before being throttled.
	Burst int

	// CleanupInterval controls how often idle buckets are removed.
	// Defaults to 1 minute.
	CleanupInterval time.Duration

	now  func() time.Time
	done chan struct{}
	once sync.Once
}

type tokenBucket struct {
	tokens   float64
	lastTime time.Time
}

// NewRateLimiter creates a new per-client rate limiter.
// rate is connections/second, burst is the max tokens a client can accumulate.
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

// Allow reports whether a new connection from addr is permitted. The port
// part of addr is ignored.
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
		b = &tokenBucket{
			tokens:   float64(rl.Burst) - 1,
			lastTime: now,
		}
		rl.buckets[host] = b
		return rl.Burst > 0
	}

	elapsed := now.Sub(b.lastTime).Seconds()
	b.tokens += elapsed * rl.Rate
	if b.tokens > float64(rl.Burst) {
		b.tokens = float64(rl.Burst)
	}
	b.lastTime = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}

	return false
}

// AllowConn checks the limit for conn and, if the client is throttled,
// writes [TooManyRequestsResponse] to it. The caller still owns conn.
func (rl *RateLimiter) AllowConn(conn net.Conn, writeTimeout time.Duration) bool {
	if rl.Allow(conn.RemoteAddr().String()) {
		return true
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, _ = conn.Write([]byte(TooManyRequestsResponse))
	return false
}

// Close stops the background cleanup goroutine.
func (rl *RateLimiter) Close() {
	rl.once.Do(func() { close(rl.done) })
}

// ClientCount returns the number of tracked clients.
func (rl *RateLimiter) ClientCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
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
			rl.sweep(interval)
		}
	}
}

// sweep drops buckets idle for more than two intervals.
func (rl *RateLimiter) sweep(interval time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	staleThreshold := rl.now().Add(-2 * interval)
	for key, b := range rl.buckets {
		if b.lastTime.Before(staleThreshold) {
			delete(rl.buckets, key)
		}
	}
}
