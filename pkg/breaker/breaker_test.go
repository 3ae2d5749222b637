package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := New(3, 30*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.IsOpen(), "below threshold should stay closed")

	b.RecordFailure()
	assert.True(t, b.IsOpen(), "threshold reached should open")
}

func TestBreakerHalfOpensAfterCooldown(t *testing.T) {
	b := New(3, 30*time.Second)

	current := time.Now()
	b.now = func() time.Time { return current }

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	assert.True(t, b.IsOpen())

	// Just before the cooldown expires it is still open
	current = current.Add(29 * time.Second)
	assert.True(t, b.IsOpen())

	// After the cooldown it half-opens and reports closed
	current = current.Add(2 * time.Second)
	assert.False(t, b.IsOpen())

	// A probe failure re-opens immediately
	b.RecordFailure()
	assert.True(t, b.IsOpen())
}

func TestBreakerSuccessResets(t *testing.T) {
	b := New(3, 30*time.Second)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	assert.True(t, b.IsOpen())

	b.RecordSuccess()
	assert.False(t, b.IsOpen())
	assert.Equal(t, 0, b.Failures())
}
