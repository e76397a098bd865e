// Package ratelimiter provides a per-pool blocking token-bucket limiter.
package ratelimiter

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter permits N operations per rolling minute, with a blocking acquire
// that honors cancellation. A nil rate (disabled) makes every acquisition
// succeed immediately.
//
// Built on golang.org/x/time/rate, a monotonic-clock token bucket: it never
// drifts under wall-clock changes, and a burst of N is never more frequent
// than once per minute.
type Limiter struct {
	mu                 sync.RWMutex
	limiter            *rate.Limiter
	rateLimitPerMinute *int
}

// New creates a Limiter. ratePerMinute of nil or <= 0 disables limiting.
func New(ratePerMinute *int) *Limiter {
	l := &Limiter{}
	l.UpdateRate(ratePerMinute)
	return l
}

// TryAcquire blocks until one token is available or ctx is cancelled.
// Returns false on cancellation; true once a token has been granted (or
// immediately, if rate limiting is disabled).
func (l *Limiter) TryAcquire(ctx context.Context) bool {
	l.mu.RLock()
	lim := l.limiter
	l.mu.RUnlock()

	if lim == nil {
		return true
	}

	if err := lim.Wait(ctx); err != nil {
		return false
	}
	return true
}

// UpdateRate atomically replaces the configured rate. nil or <= 0 disables
// rate limiting.
func (l *Limiter) UpdateRate(ratePerMinute *int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ratePerMinute == nil || *ratePerMinute <= 0 {
		l.limiter = nil
		l.rateLimitPerMinute = nil
		return
	}

	perSecond := float64(*ratePerMinute) / 60.0
	l.limiter = rate.NewLimiter(rate.Limit(perSecond), *ratePerMinute)
	rl := *ratePerMinute
	l.rateLimitPerMinute = &rl
}

// RatePerMinute returns the currently configured rate, or nil if disabled.
func (l *Limiter) RatePerMinute() *int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rateLimitPerMinute
}

// IsLimited reports whether the bucket is currently out of tokens.
func (l *Limiter) IsLimited() bool {
	l.mu.RLock()
	lim := l.limiter
	l.mu.RUnlock()

	if lim == nil {
		return false
	}
	return lim.Tokens() < 1
}

// Enabled reports whether a rate is currently configured.
func (l *Limiter) Enabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limiter != nil
}
