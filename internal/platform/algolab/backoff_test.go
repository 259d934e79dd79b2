package algolab

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: 2 * time.Second, Multiplier: 2}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		2 * time.Second,
		2 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.Delay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, 100*time.Millisecond, b.Delay(0))
	assert.Equal(t, 2*time.Second, b.Delay(500))
}

func TestBackoffExhausted(t *testing.T) {
	unlimited := Backoff{Initial: time.Second, Max: time.Minute, Multiplier: 2}
	assert.False(t, unlimited.Exhausted(1_000_000))

	capped := Backoff{Initial: time.Second, Max: time.Minute, Multiplier: 2, MaxAttempts: 3}
	assert.False(t, capped.Exhausted(3))
	assert.True(t, capped.Exhausted(4))
}
