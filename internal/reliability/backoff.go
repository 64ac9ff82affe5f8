package reliability

import (
	"sync"
	"time"
)

// Default reconnect delays.
const (
	DefaultMinDelay  = 1 * time.Second
	DefaultStepDelay = 2 * time.Second
	DefaultMaxDelay  = 30 * time.Second
)

// StepBackoff produces linearly growing reconnect delays.
//
// The first delay after construction or Reset is Min. Every further call to
// Next adds Step, capped at Max. Delays never decrease until Reset.
type StepBackoff struct {
	Min  time.Duration
	Step time.Duration
	Max  time.Duration

	mu    sync.Mutex
	delay time.Duration
}

// NewStepBackoff creates a backoff policy, substituting defaults for zero values.
func NewStepBackoff(min, step, max time.Duration) *StepBackoff {
	if min <= 0 {
		min = DefaultMinDelay
	}
	if step < 0 {
		step = 0
	}
	if max < min {
		max = min
	}
	return &StepBackoff{
		Min:  min,
		Step: step,
		Max:  max,
	}
}

// Next returns the delay to wait before the next attempt.
func (b *StepBackoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.delay == 0 {
		b.delay = b.Min
		return b.delay
	}

	delay := b.delay + b.Step
	if delay > b.Max {
		delay = b.Max
	}
	if delay < b.Min {
		delay = b.Min
	}
	b.delay = delay
	return b.delay
}

// Current returns the last delay handed out, or zero after a reset.
func (b *StepBackoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delay
}

// Reset returns the policy to its initial state so the next delay is Min.
func (b *StepBackoff) Reset() {
	b.mu.Lock()
	b.delay = 0
	b.mu.Unlock()
}
