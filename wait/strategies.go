package wait

import (
	"math"
	"time"
)

// Strategy yields the delay before the next attempt
type Strategy interface {
	Next() (time.Duration, bool)
	Reset()
}

// FixedStrategy waits for a fixed duration between attempts
type FixedStrategy struct {
	duration time.Duration
}

// NewFixedStrategy creates a new fixed wait strategy
func NewFixedStrategy(duration time.Duration) *FixedStrategy {
	return &FixedStrategy{duration: duration}
}

// Next returns the next wait duration
func (s *FixedStrategy) Next() (time.Duration, bool) {
	return s.duration, true
}

// Reset resets the strategy
func (s *FixedStrategy) Reset() {}

// ExponentialStrategy doubles (or multiplies) the delay up to a ceiling
type ExponentialStrategy struct {
	initial    time.Duration
	multiplier float64
	max        time.Duration
	attempt    int
}

// NewExponentialStrategy creates a new exponential backoff strategy
func NewExponentialStrategy(initial time.Duration, multiplier float64, max time.Duration) *ExponentialStrategy {
	return &ExponentialStrategy{
		initial:    initial,
		multiplier: multiplier,
		max:        max,
	}
}

// Next returns the next wait duration
func (s *ExponentialStrategy) Next() (time.Duration, bool) {
	d := time.Duration(float64(s.initial) * math.Pow(s.multiplier, float64(s.attempt)))
	s.attempt++
	if s.max > 0 && d > s.max {
		d = s.max
	}
	return d, true
}

// Reset resets the strategy
func (s *ExponentialStrategy) Reset() {
	s.attempt = 0
}
