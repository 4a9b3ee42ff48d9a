package fetcher

import (
	"math"
	"time"
)

// Policy controls how many times a fetch is attempted and how long to wait between attempts
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first (default: 3)
	MaxAttempts int
	// BaseDelay is the wait after the first failed attempt (default: 1s)
	BaseDelay time.Duration
	// Multiplier grows the delay after each further failure (default: 2)
	Multiplier float64
	// MaxDelay caps a single wait (default: 30s)
	MaxDelay time.Duration
}

// DefaultPolicy returns the policy used when no overrides are configured
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
	}
}

// Delay returns the wait after the given failed attempt (1-based)
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	return p
}
