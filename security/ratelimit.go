// Package security holds cross-cutting protections used by the pipeline:
// per-client rate limiting of challenge issuance and request-ID
// correlation.
package security

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterEntry tracks one identifier's token bucket and its last use.
type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter provides per-identifier rate limiting using the token bucket
// algorithm. Idle buckets are dropped by a background cleanup goroutine so
// the map cannot grow without bound.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry

	rate   int
	burst  int
	maxAge time.Duration
	logger *slog.Logger

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewLimiter creates a rate limiter allowing ratePerSecond sustained
// requests with the given burst per identifier, and starts its cleanup
// goroutine. Call Stop when done.
func NewLimiter(ratePerSecond, burst int, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		limiters:    map[string]*limiterEntry{},
		rate:        ratePerSecond,
		burst:       burst,
		maxAge:      10 * time.Minute,
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a request from the given identifier is allowed.
func (l *Limiter) Allow(identifier string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[identifier]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(l.rate), l.burst)}
		l.limiters[identifier] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

// cleanupLoop periodically drops buckets idle longer than maxAge.
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

func (l *Limiter) cleanup() {
	cutoff := time.Now().Add(-l.maxAge)

	l.mu.Lock()
	removed := 0
	for id, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, id)
			removed++
		}
	}
	remaining := len(l.limiters)
	l.mu.Unlock()

	if removed > 0 {
		l.logger.Debug("cleaned up idle rate limiters",
			"removed", removed,
			"remaining", remaining)
	}
}

// Stop terminates the cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}
