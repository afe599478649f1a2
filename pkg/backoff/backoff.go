// Package backoff implements the exponential-plus-jitter delay generator
// shared by the Scheduler's retry orchestration and the Gateway
// transport's reconnect loop. It is a pure value object: construct one
// per logical backoff series, call Next to advance it, Reset to zero it.
package backoff

import (
	"math/rand"
	"time"
)

// Config parameterizes an Engine.
type Config struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // fraction in [0,1); applied as +/- jitter of the raw delay
}

// DefaultConfig matches the reconnect schedule: backoff initial
// 1s, cap 60s.
func DefaultConfig() Config {
	return Config{
		Initial:    1 * time.Second,
		Max:        60 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.2,
	}
}

// Engine tracks the attempt count for one backoff series.
type Engine struct {
	cfg     Config
	attempt int
	rand    *rand.Rand
}

// New constructs an Engine with cfg.
func New(cfg Config) *Engine {
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2.0
	}
	return &Engine{
		cfg:  cfg,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay for the current attempt and advances the attempt
// counter. d = min(initial * multiplier^attempt, max); d' = d * (1 +/- jitter).
func (e *Engine) Next() time.Duration {
	raw := float64(e.cfg.Initial) * pow(e.cfg.Multiplier, e.attempt)
	if max := float64(e.cfg.Max); raw > max {
		raw = max
	}
	e.attempt++

	if e.cfg.Jitter > 0 {
		// jitter in [-Jitter, +Jitter] of raw
		delta := (e.rand.Float64()*2 - 1) * e.cfg.Jitter
		raw += raw * delta
	}
	if raw < 0 {
		raw = 0
	}
	return time.Duration(raw)
}

// Reset zeroes the attempt count.
func (e *Engine) Reset() { e.attempt = 0 }

// Attempt returns the number of times Next has been called since
// construction or the last Reset.
func (e *Engine) Attempt() int { return e.attempt }

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
