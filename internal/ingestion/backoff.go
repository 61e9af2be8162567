package ingestion

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffConfig configures the reconnect delay sequence.
type BackoffConfig struct {
	// Base is the first delay and the delay after Reset.
	Base time.Duration
	// Max caps every delay.
	Max time.Duration
	// Jitter randomizes each delay by ±Jitter*delay. Zero disables it.
	Jitter float64
}

// DefaultBackoffConfig returns 1s doubling up to 30s without jitter.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base: 1 * time.Second,
		Max:  30 * time.Second,
	}
}

// Backoff computes reconnect delays: base * 2^attempt, capped at Max.
// The attempt counter advances on every NextDelay and returns to zero on Reset.
type Backoff struct {
	mu      sync.Mutex
	max     time.Duration
	exp     *backoff.ExponentialBackOff
	attempt uint32
}

// NewBackoff creates a Backoff. Zero fields fall back to DefaultBackoffConfig.
func NewBackoff(cfg BackoffConfig) *Backoff {
	def := DefaultBackoffConfig()
	if cfg.Base <= 0 {
		cfg.Base = def.Base
	}
	if cfg.Max <= 0 {
		cfg.Max = def.Max
	}
	if cfg.Max < cfg.Base {
		cfg.Max = cfg.Base
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = 0
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.Base
	exp.MaxInterval = cfg.Max
	exp.Multiplier = 2
	exp.RandomizationFactor = cfg.Jitter
	exp.MaxElapsedTime = 0 // never give up; the supervisor decides
	exp.Reset()

	return &Backoff{max: cfg.Max, exp: exp}
}

// NextDelay returns the delay before the next reconnect attempt.
func (b *Backoff) NextDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.exp.NextBackOff()
	if d == backoff.Stop || d > b.max {
		d = b.max
	}
	b.attempt++
	return d
}

// Reset returns the sequence to the base delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.exp.Reset()
	b.attempt = 0
}

// Attempt returns the number of NextDelay calls since the last Reset.
func (b *Backoff) Attempt() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
