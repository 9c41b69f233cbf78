// Package recovery provides the backoff policies the control loop consults
// between failed re-initialisation attempts of a sub-service.
package recovery

import (
	"math/rand"
	"sync"
	"time"
)

// Policy yields the delay to wait after a failed recovery attempt. Policies
// are stateful per instance: each call counts as one more failed attempt.
type Policy interface {
	NextDelay() time.Duration
}

// Resetter is implemented by policies that can forget past failures after a
// successful recovery.
type Resetter interface {
	Reset()
}

// Factory builds a fresh Policy, one per recovered sub-service.
type Factory func() Policy

// Config provides exponential backoff configuration.
type Config struct {
	InitialDelay time.Duration // Delay after the first failure
	MaxDelay     time.Duration // Upper bound for any delay
	Multiplier   float64       // Growth factor per failure (typically 2.0)
	AddJitter    bool          // Add up to 25% randomness on top of the computed delay
}

// DefaultConfig returns the bridge's default recovery backoff.
func DefaultConfig() Config {
	return Config{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// ExponentialBackoff doubles (by Multiplier) the delay on every failure up
// to MaxDelay.
type ExponentialBackoff struct {
	mu      sync.Mutex
	cfg     Config
	attempt int
	rnd     *rand.Rand
}

// NewExponentialBackoff normalises cfg and returns a policy at attempt zero.
func NewExponentialBackoff(cfg Config) *ExponentialBackoff {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2.0
	}
	// Prevent overflow with extremely large multipliers
	if cfg.Multiplier > 1000 {
		cfg.Multiplier = 1000
	}
	return &ExponentialBackoff{
		cfg: cfg,
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NextDelay returns InitialDelay * Multiplier^n for the n-th consecutive
// failure, capped at MaxDelay.
func (b *ExponentialBackoff) NextDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := float64(b.cfg.InitialDelay)
	for i := 0; i < b.attempt; i++ {
		delay *= b.cfg.Multiplier
		if delay >= float64(b.cfg.MaxDelay) {
			delay = float64(b.cfg.MaxDelay)
			break
		}
	}
	b.attempt++

	d := time.Duration(delay)
	if b.cfg.AddJitter && d >= 4 {
		d += time.Duration(b.rnd.Int63n(int64(d / 4)))
	}
	return d
}

// Reset starts the sequence again from InitialDelay.
func (b *ExponentialBackoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}

// FixedDelay always waits the same amount of time.
type FixedDelay struct {
	Delay time.Duration
}

// NextDelay returns the fixed delay.
func (f FixedDelay) NextDelay() time.Duration {
	return f.Delay
}

// ExponentialFactory returns a Factory producing independent
// ExponentialBackoff policies from the same config.
func ExponentialFactory(cfg Config) Factory {
	return func() Policy { return NewExponentialBackoff(cfg) }
}
