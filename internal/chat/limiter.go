// Package chat relays assistant conversations to the upstream agent,
// limiting how many messages one thread may send.
package chat

import (
	"context"
	"sync"
	"time"

	"github.com/joeblew999/plat-dashboard/internal/metrics"
)

const (
	DefaultLimit  = 10
	DefaultWindow = time.Hour
)

type threadCount struct {
	count int
	last  time.Time
}

// RateLimiter counts messages per thread. A thread idle for longer than
// Window is forgotten by the next Sweep.
type RateLimiter struct {
	Limit  int
	Window time.Duration

	now     func() time.Time
	mu      sync.Mutex
	threads map[string]*threadCount
}

// NewRateLimiter returns a limiter; zero values pick the defaults.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &RateLimiter{
		Limit:   limit,
		Window:  window,
		now:     time.Now,
		threads: make(map[string]*threadCount),
	}
}

// SetClock replaces the time source.
func (l *RateLimiter) SetClock(now func() time.Time) { l.now = now }

// Allow counts a message for thread. It returns the count before the
// message and false when the thread is at its limit.
func (l *RateLimiter) Allow(thread string) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tc, ok := l.threads[thread]
	if !ok {
		tc = &threadCount{}
		l.threads[thread] = tc
		metrics.ChatRateLimitEntries.Set(float64(len(l.threads)))
	}
	if tc.count >= l.Limit {
		return tc.count, false
	}
	tc.count++
	tc.last = l.now()
	return tc.count - 1, true
}

// Count returns the messages sent on thread.
func (l *RateLimiter) Count(thread string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tc, ok := l.threads[thread]; ok {
		return tc.count
	}
	return 0
}

// Sweep drops threads whose last message is older than Window and returns
// how many were dropped.
func (l *RateLimiter) Sweep() int {
	cutoff := l.now().Add(-l.Window)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, tc := range l.threads {
		if tc.last.Before(cutoff) {
			delete(l.threads, id)
			n++
		}
	}
	metrics.ChatRateLimitEntries.Set(float64(len(l.threads)))
	return n
}

// Run sweeps once per Window until ctx ends.
func (l *RateLimiter) Run(ctx context.Context) {
	t := time.NewTicker(l.Window)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Sweep()
		}
	}
}
