// ABOUTME: Fixed-window rate limiter with an in-memory backend
// ABOUTME: Tracks request counts per key and expires windows via a background sweep

package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// sweepInterval is how often expired windows are removed from memory.
const sweepInterval = 5 * time.Minute

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(key string, limit int, window time.Duration) Decision
	Close()
}

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed   bool
	Count     int
	WindowEnd time.Time
}

// IPKey derives a rate limit key from the request's client address.
func IPKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

type memoryLimiter struct {
	mu      sync.Mutex
	entries map[string]windowState
	done    chan struct{}
	once    sync.Once
}

type windowState struct {
	count     int
	windowEnd time.Time
}

// NewMemory creates an in-process limiter. A background goroutine
// periodically removes expired windows.
func NewMemory() Limiter {
	l := &memoryLimiter{
		entries: make(map[string]windowState),
		done:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

func (l *memoryLimiter) Allow(key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		return Decision{Allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.entries[key]
	if !ok || now.After(state.windowEnd) {
		state = windowState{count: 1, windowEnd: now.Add(window)}
		l.entries[key] = state
		return Decision{Allowed: true, Count: state.count, WindowEnd: state.windowEnd}
	}
	if state.count >= limit {
		return Decision{Allowed: false, Count: state.count, WindowEnd: state.windowEnd}
	}
	state.count++
	l.entries[key] = state
	return Decision{Allowed: true, Count: state.count, WindowEnd: state.windowEnd}
}

func (l *memoryLimiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup(time.Now())
		case <-l.done:
			return
		}
	}
}

// cleanup removes windows that ended before now.
func (l *memoryLimiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, state := range l.entries {
		if now.After(state.windowEnd) {
			delete(l.entries, key)
		}
	}
}

// Close stops the background sweep goroutine. Safe to call multiple times.
func (l *memoryLimiter) Close() {
	l.once.Do(func() {
		close(l.done)
	})
}
