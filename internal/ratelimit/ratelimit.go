// Package ratelimit gates autoresponse volume with a fixed-reset window.
//
// The window opens when the Limiter is created and is replaced wholesale by
// the first call made a full minute or more after it opened. Calls inside
// the window are counted; once the count reaches the limit, further calls
// are denied until the window is replaced.
package ratelimit

import (
	"sync"
	"time"
)

// Window is the length of one counting window.
const Window = time.Minute

// Limiter allows at most limit events per window.
type Limiter struct {
	mu    sync.Mutex
	limit int
	start time.Time
	count int
	now   func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New returns a Limiter allowing limit events per minute.
func New(limit int, opts ...Option) *Limiter {
	l := &Limiter{limit: limit, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	l.start = l.now()
	return l
}

// Allow reports whether one more event fits in the current window and
// counts it if so.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.start) >= Window {
		l.start = now
		l.count = 1
		return true
	}
	if l.count < l.limit {
		l.count++
		return true
	}
	return false
}

// Count returns the number of events counted in the current window.
func (l *Limiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}
