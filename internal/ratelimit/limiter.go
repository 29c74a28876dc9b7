// Package ratelimit implements fixed-window request limits keyed by caller
// identity (an IP, or IP plus normalized email).
//
// WINDOW SEMANTICS:
// The first hit for a key opens a window of length `window`. Every hit in the
// window increments the count; the hit that takes the count past `max` and all
// later hits in the same window are limited. When the window ends the key
// starts over at one.
//
// Counters live either in process memory (MemoryCounter, the default) or in
// Redis (RedisCounter) when several instances must share one budget. Both are
// best-effort: a restart or a Redis flush resets every window.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrCounterUnavailable wraps failures of the backing store.
var ErrCounterUnavailable = errors.New("ratelimit: counter unavailable")

// Counter records one hit for key and returns the hit count inside the
// current window, opening a new window of the given length when none is open.
type Counter interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Limiter applies one policy (window + max) over a Counter.
type Limiter struct {
	name    string
	counter Counter
	window  time.Duration
	max     int
	onLimit func(name string)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLimitHook calls fn with the limiter name every time a hit is refused.
func WithLimitHook(fn func(name string)) Option {
	return func(l *Limiter) { l.onLimit = fn }
}

// New creates a Limiter. name namespaces keys so two policies sharing one
// Counter never collide.
func New(name string, counter Counter, window time.Duration, max int, opts ...Option) *Limiter {
	l := &Limiter{name: name, counter: counter, window: window, max: max}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndIncrement records a hit for key and reports whether the caller is
// over budget. A counter failure is returned as an error wrapping
// ErrCounterUnavailable; callers decide whether to fail open.
func (l *Limiter) CheckAndIncrement(ctx context.Context, key string) (bool, error) {
	count, err := l.counter.Increment(ctx, l.name+":"+key, l.window)
	if err != nil {
		return false, err
	}
	limited := count > int64(l.max)
	if limited && l.onLimit != nil {
		l.onLimit(l.name)
	}
	return limited, nil
}

// Name returns the policy name.
func (l *Limiter) Name() string {
	return l.name
}
