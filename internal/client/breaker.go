package client

import (
	"sync"
	"time"
)

// circuitBreaker trips after threshold consecutive service-unavailable
// classifications and short-circuits subsequent calls for cooldown
// (spec.md §4.2).
type circuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	openedAt  time.Time
	isOpen    bool
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, cooldown: cooldown}
}

// Open reports whether the breaker is currently short-circuiting calls. Once
// the cooldown has elapsed the breaker closes again and its failure count is
// reset, so calls flow normally until threshold further consecutive
// failures trip it.
func (b *circuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.isOpen {
		return false
	}
	if time.Since(b.openedAt) >= b.cooldown {
		b.isOpen = false
		b.failures = 0
		return false
	}
	return true
}

// RecordFailure increments the consecutive-failure count and trips the
// breaker once it reaches the threshold.
func (b *circuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.isOpen = true
		b.openedAt = time.Now()
	}
}

// RecordSuccess resets the consecutive-failure count.
func (b *circuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.isOpen = false
}
