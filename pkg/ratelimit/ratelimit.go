// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits how fast new tunnels are opened towards each
// local service, using one token bucket per service.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimitExceeded is returned when a tunnel is refused by the limiter.
var ErrRateLimitExceeded = errors.New("tunnel rate limit exceeded")

// TokenBucket holds up to capacity tokens and gains refillRate tokens per
// second.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity, refillRate int64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: float64(refillRate),
		lastRefill: now(),
		now:        now,
	}
}

// Allow takes one token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// Available returns the number of whole tokens left.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return int64(tb.tokens)
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.lastRefill = now
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

// Limiter keeps one bucket per service name. A zero capacity disables
// limiting.
type Limiter struct {
	mu         sync.Mutex
	buckets    map[string]*TokenBucket
	capacity   int64
	refillRate int64
	now        func() time.Time
}

// NewLimiter creates a limiter whose buckets hold capacity tokens and
// refill at refillRate tokens per second.
func NewLimiter(capacity, refillRate int64) *Limiter {
	return &Limiter{
		buckets:    make(map[string]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
		now:        time.Now,
	}
}

// Allow reports whether a new tunnel to service may be opened.
func (l *Limiter) Allow(service string) bool {
	if l.capacity <= 0 {
		return true
	}

	l.mu.Lock()
	tb, ok := l.buckets[service]
	if !ok {
		tb = newTokenBucket(l.capacity, l.refillRate, l.now)
		l.buckets[service] = tb
	}
	l.mu.Unlock()

	return tb.Allow()
}

// Len returns the number of tracked services.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
