// Package ratelimit defines per-tenant, per-channel admission control with a
// per-minute and a per-hour ceiling over a sliding window.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidLimits = errors.New("invalid rate limits")

// Key identifies one counter.
type Key struct {
	TenantID uuid.UUID
	Channel  string
}

func (k Key) String() string {
	return fmt.Sprintf("tenant:%s:%s", k.TenantID, k.Channel)
}

// Limits are the two ceilings of a key.
type Limits struct {
	PerMinute int
	PerHour   int
}

// DefaultLimits are 60 sends a minute and 1000 an hour.
func DefaultLimits() Limits {
	return Limits{PerMinute: 60, PerHour: 1000}
}

func (l Limits) Validate() error {
	if l.PerMinute <= 0 || l.PerHour <= 0 {
		return fmt.Errorf("%w: per_minute=%d per_hour=%d must be positive", ErrInvalidLimits, l.PerMinute, l.PerHour)
	}
	if l.PerMinute > l.PerHour {
		return fmt.Errorf("%w: per_minute=%d exceeds per_hour=%d", ErrInvalidLimits, l.PerMinute, l.PerHour)
	}
	return nil
}

// Result of an admission check. RetryAfter is the wait until the oldest
// counted send leaves the window that denied the request.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits sends. Allow consumes a slot when it admits; Peek reports the
// same answer without consuming. Neither blocks waiting for capacity.
type Limiter interface {
	Allow(ctx context.Context, key Key) (Result, error)
	Peek(ctx context.Context, key Key) (Result, error)
}

// Local is an in-process Limiter. Timestamps come from time.Now and carry the
// monotonic reading, so wall clock steps do not reopen or starve a window.
type Local struct {
	mu     sync.Mutex
	limits Limits
	now    func() time.Time
	sends  map[Key][]time.Time
}

// NewLocal returns a Local limiter. Invalid limits fall back to the defaults.
func NewLocal(limits Limits) *Local {
	if limits.Validate() != nil {
		limits = DefaultLimits()
	}
	return &Local{
		limits: limits,
		now:    time.Now,
		sends:  make(map[Key][]time.Time),
	}
}

func (l *Local) Allow(_ context.Context, key Key) (Result, error) {
	return l.check(key, true), nil
}

func (l *Local) Peek(_ context.Context, key Key) (Result, error) {
	return l.check(key, false), nil
}

func (l *Local) check(key Key, consume bool) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	sends := l.prune(key, now)

	inMinute := 0
	for i := len(sends) - 1; i >= 0 && now.Sub(sends[i]) < time.Minute; i-- {
		inMinute++
	}

	if inMinute >= l.limits.PerMinute {
		oldest := sends[len(sends)-inMinute]
		return Result{RetryAfter: time.Minute - now.Sub(oldest)}
	}
	if len(sends) >= l.limits.PerHour {
		return Result{RetryAfter: time.Hour - now.Sub(sends[0])}
	}

	if consume {
		sends = append(sends, now)
		l.sends[key] = sends
		inMinute++
	}
	return Result{
		Allowed:   true,
		Remaining: min(l.limits.PerMinute-inMinute, l.limits.PerHour-len(sends)),
	}
}

// prune drops sends older than an hour. Must be called with mu held.
func (l *Local) prune(key Key, now time.Time) []time.Time {
	sends := l.sends[key]
	i := 0
	for i < len(sends) && now.Sub(sends[i]) >= time.Hour {
		i++
	}
	if i == len(sends) {
		delete(l.sends, key)
		return nil
	}
	if i > 0 {
		sends = append(sends[:0:0], sends[i:]...)
		l.sends[key] = sends
	}
	return sends
}
