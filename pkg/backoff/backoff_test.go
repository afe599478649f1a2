package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextGrowsUntilMax(t *testing.T) {
	e := New(Config{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2, Jitter: 0})
	d1 := e.Next()
	d2 := e.Next()
	d3 := e.Next()
	d4 := e.Next() // would be 8s
	d5 := e.Next() // would be 16s, clamped to 10s

	assert.Equal(t, time.Second, d1)
	assert.Equal(t, 2*time.Second, d2)
	assert.Equal(t, 4*time.Second, d3)
	assert.Equal(t, 8*time.Second, d4)
	assert.Equal(t, 10*time.Second, d5)
}

func TestResetZeroesAttempt(t *testing.T) {
	e := New(Config{Initial: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0})
	e.Next()
	e.Next()
	require.Equal(t, 2, e.Attempt())
	e.Reset()
	require.Equal(t, 0, e.Attempt())
	assert.Equal(t, time.Second, e.Next())
}

func TestJitterStaysWithinBounds(t *testing.T) {
	e := New(Config{Initial: 10 * time.Second, Max: time.Minute, Multiplier: 1, Jitter: 0.5})
	for i := 0; i < 50; i++ {
		d := e.Next()
		assert.GreaterOrEqual(t, d, 5*time.Second)
		assert.LessOrEqual(t, d, 15*time.Second)
		e.Reset()
	}
}
