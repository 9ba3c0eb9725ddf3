// Package backoff provides retry delay schedules and a context-aware retry helper.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Schedule maps a 1-based retry number to the delay before that retry.
type Schedule interface {
	Delay(retry int) time.Duration
}

// ExponentialPolicy grows the delay by Factor per retry, with jitter, capped at Max.
type ExponentialPolicy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// Jitter is the randomization factor (0.0 to 1.0) applied to the delay.
	Jitter float64
}

// Delay implements Schedule.
func (p ExponentialPolicy) Delay(retry int) time.Duration {
	return p.delayWithRand(retry, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// delayWithRand is Delay with an injected random value in [0, 1).
func (p ExponentialPolicy) delayWithRand(retry int, randomValue float64) time.Duration {
	exp := math.Max(float64(retry-1), 0)
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	base := float64(p.Initial) * math.Pow(factor, exp)
	total := base + base*p.Jitter*randomValue
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(math.Round(total))
}

// LinearPolicy waits Base*retry before each retry, capped at Max when set.
// Delays are strictly increasing until the cap.
type LinearPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay implements Schedule.
func (p LinearPolicy) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := p.Base * time.Duration(retry)
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// DefaultPolicy returns a sensible exponential policy.
// Initial: 100ms, Max: 30s, Factor: 2, Jitter: 10%
func DefaultPolicy() ExponentialPolicy {
	return ExponentialPolicy{
		Initial: 100 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}
