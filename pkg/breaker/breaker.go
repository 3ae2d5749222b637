package breaker

import (
	"sync"
	"time"
)

// Breaker guards calls to the cluster control plane. After Threshold
// consecutive failures it opens for Cooldown; once the cooldown elapses it
// half-opens (reports closed) so the next call can probe the control plane
// and either reset or re-open it. State is derived lazily from timestamps
// on read; there is no background timer.
type Breaker struct {
	mu          sync.Mutex
	threshold   int
	cooldown    time.Duration
	failures    int
	lastFailure time.Time

	now func() time.Time // overridable in tests
}

// New creates a breaker with the given threshold and cooldown
func New(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// RecordSuccess resets the failure counter
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// RecordFailure increments the failure counter and stamps the failure time
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
}

// IsOpen reports whether calls should currently be refused
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures < b.threshold {
		return false
	}
	// Past the cooldown the breaker half-opens: report closed so a single
	// probe call can go through and settle the state either way.
	return b.now().Sub(b.lastFailure) < b.cooldown
}

// Failures returns the current consecutive failure count
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
