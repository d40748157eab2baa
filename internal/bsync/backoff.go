package bsync

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	BackoffBaseDelay   = 5 * time.Second
	BackoffMaxDelay    = 60 * time.Second
	maxBackoffFailures = 10
)

// Backoff suspends network attempts after consecutive failures.
// The delay after n failures is min(BackoffMaxDelay, BackoffBaseDelay*2^(n-1)).
// It is safe for concurrent use.
type Backoff struct {
	mu           sync.Mutex
	clock        Clock
	failures     int
	blockedUntil time.Time
}

func NewBackoff(clock Clock) *Backoff {
	return &Backoff{clock: clock}
}

// CanAttempt reports whether a network call may be issued now.
func (b *Backoff) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.clock.Now().Before(b.blockedUntil)
}

// OnSuccess clears the failure count and any block.
func (b *Backoff) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.blockedUntil = time.Time{}
}

// OnFailure records a failure and blocks attempts for the resulting delay.
func (b *Backoff) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = min(b.failures+1, maxBackoffFailures)
	b.blockedUntil = b.clock.Now().Add(backoffDelay(b.failures))
}

// record applies the outcome of a network call.
func (b *Backoff) record(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if err == nil || !KindOf(err).countsAsOutage() {
		b.OnSuccess()
		return
	}
	b.OnFailure()
}

// Failures returns the current consecutive failure count.
func (b *Backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// BlockedUntil returns the time before which attempts are refused.
func (b *Backoff) BlockedUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blockedUntil
}

func backoffDelay(failures int) time.Duration {
	if failures < 1 {
		return 0
	}
	d := BackoffBaseDelay << (failures - 1)
	return min(d, BackoffMaxDelay)
}
