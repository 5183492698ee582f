// Package ratelimit keeps send counters: a one-second window and a UTC
// calendar-day total per key. Acquire is an atomic check-and-increment over
// every bucket it is given, so concurrent workers can never push a number or
// a campaign past its limits.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type DenyReason int

const (
	Allowed DenyReason = iota
	SecondLimit
	DailyLimit
)

func (r DenyReason) String() string {
	switch r {
	case SecondLimit:
		return "second_limit"
	case DailyLimit:
		return "daily_limit"
	}
	return "allowed"
}

// Limits for one key. A zero DailyCap means no daily cap.
type Limits struct {
	PerSecond int
	DailyCap  int
}

// Bucket is one counted key and its limits.
type Bucket struct {
	Key    string
	Limits Limits
}

// Decision reports the outcome of a check. Key names the refusing bucket.
type Decision struct {
	Allowed    bool
	Reason     DenyReason
	Key        string
	RetryAfter time.Duration
}

type Limiter interface {
	// Peek reports whether one more send would fit every bucket, without
	// counting it.
	Peek(ctx context.Context, now time.Time, buckets ...Bucket) (Decision, error)
	// Acquire counts one send in every bucket if all of them have room, and
	// counts nothing otherwise.
	Acquire(ctx context.Context, now time.Time, buckets ...Bucket) (Decision, error)
}

func deny(key string, reason DenyReason, now time.Time) Decision {
	d := Decision{Key: key, Reason: reason}
	switch reason {
	case SecondLimit:
		d.RetryAfter = now.Truncate(time.Second).Add(time.Second).Sub(now)
	case DailyLimit:
		d.RetryAfter = nextUTCDay(now).Sub(now)
	}
	return d
}

func nextUTCDay(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

func dayKey(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// MemoryLimiter keeps counters in process. It is only correct when a single
// process dispatches for the numbers it counts.
type MemoryLimiter struct {
	mu       sync.Mutex
	counters map[string]*memCounter
}

type memCounter struct {
	second      int64
	secondCount int
	day         string
	dayCount    int
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{counters: map[string]*memCounter{}}
}

func (m *MemoryLimiter) current(key string, now time.Time) *memCounter {
	c, ok := m.counters[key]
	if !ok {
		c = &memCounter{}
		m.counters[key] = c
	}
	if sec := now.Unix(); c.second != sec {
		c.second = sec
		c.secondCount = 0
	}
	if day := dayKey(now); c.day != day {
		c.day = day
		c.dayCount = 0
	}
	return c
}

func (m *MemoryLimiter) check(counters []*memCounter, buckets []Bucket, now time.Time) Decision {
	for i, b := range buckets {
		c := counters[i]
		if b.Limits.PerSecond > 0 && c.secondCount+1 > b.Limits.PerSecond {
			return deny(b.Key, SecondLimit, now)
		}
		if b.Limits.DailyCap > 0 && c.dayCount+1 > b.Limits.DailyCap {
			return deny(b.Key, DailyLimit, now)
		}
	}
	return Decision{Allowed: true}
}

func (m *MemoryLimiter) countersFor(buckets []Bucket, now time.Time) []*memCounter {
	out := make([]*memCounter, len(buckets))
	for i, b := range buckets {
		out[i] = m.current(b.Key, now)
	}
	return out
}

func (m *MemoryLimiter) Peek(_ context.Context, now time.Time, buckets ...Bucket) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check(m.countersFor(buckets, now), buckets, now), nil
}

func (m *MemoryLimiter) Acquire(_ context.Context, now time.Time, buckets ...Bucket) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counters := m.countersFor(buckets, now)
	d := m.check(counters, buckets, now)
	if d.Allowed {
		for _, c := range counters {
			c.secondCount++
			c.dayCount++
		}
	}
	return d, nil
}
