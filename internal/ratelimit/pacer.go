// Package ratelimit paces dispatches per account so a single noisy client
// cannot burn one upstream identity's quota in a burst.
package ratelimit

import (
	"sync"
	"time"
)

// Pacer enforces a minimum interval between requests on the same account.
// A zero interval disables pacing.
type Pacer struct {
	minInterval time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

// NewPacer creates a pacer with the given minimum per-account interval.
func NewPacer(minInterval time.Duration) *Pacer {
	return &Pacer{
		minInterval: minInterval,
		lastSent:    make(map[string]time.Time),
		now:         time.Now,
	}
}

// Reserve returns how long the caller must wait before dispatching on the
// account, and reserves the resulting send slot.
func (p *Pacer) Reserve(accountID string) time.Duration {
	if p.minInterval <= 0 {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	next := p.lastSent[accountID].Add(p.minInterval)
	if next.Before(now) {
		p.lastSent[accountID] = now
		return 0
	}
	p.lastSent[accountID] = next
	return next.Sub(now)
}

// Forget drops pacing state for a removed account.
func (p *Pacer) Forget(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.lastSent, accountID)
}
