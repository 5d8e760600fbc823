package connection

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Default reconnect policy values.
const (
	DefaultInitialDelay   = 500 * time.Millisecond
	DefaultMaxDelay       = 10 * time.Second
	DefaultBackoffFactor  = 1.7
	DefaultJitterFraction = 0.3
)

// Policy controls automatic reconnection. It is copied at connect time.
type Policy struct {
	AutoReconnect  bool          // Enables the retry path
	MaxAttempts    int           // Cap on consecutive retries (0 = unbounded)
	InitialDelay   time.Duration // Delay of the first retry (0 = DefaultInitialDelay)
	MaxDelay       time.Duration // Upper clamp on the backoff (0 = DefaultMaxDelay)
	BackoffFactor  float64       // Growth per attempt (0 = DefaultBackoffFactor)
	JitterFraction float64       // ± randomization applied to each delay (0 = none)

	// ShouldReconnect vetoes a retry when it returns false. Nil allows every retry.
	ShouldReconnect func(ev CloseEvent) bool
}

// DefaultPolicy returns the documented defaults with reconnection disabled.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay:   DefaultInitialDelay,
		MaxDelay:       DefaultMaxDelay,
		BackoffFactor:  DefaultBackoffFactor,
		JitterFraction: DefaultJitterFraction,
	}
}

// withDefaults fills the zero-valued delay fields.
func (p Policy) withDefaults() Policy {
	if p.InitialDelay == 0 {
		p.InitialDelay = DefaultInitialDelay
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.BackoffFactor == 0 {
		p.BackoffFactor = DefaultBackoffFactor
	}
	return p
}

// Validate checks the policy for values the backoff cannot work with.
func (p Policy) Validate() error {
	if p.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must be >= 0, got %d", p.MaxAttempts)
	}
	if p.InitialDelay < 0 {
		return fmt.Errorf("initial delay must be >= 0, got %v", p.InitialDelay)
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("max delay must be >= 0, got %v", p.MaxDelay)
	}
	if p.BackoffFactor != 0 && p.BackoffFactor < 1 {
		return fmt.Errorf("backoff factor must be >= 1, got %v", p.BackoffFactor)
	}
	if math.IsNaN(p.JitterFraction) || p.JitterFraction < 0 || p.JitterFraction > 1 {
		return errors.New("jitter fraction must be between 0 and 1")
	}
	return nil
}

// bounded reports whether MaxAttempts caps the retries.
func (p Policy) bounded() bool {
	return p.MaxAttempts > 0
}

// exhausted reports whether attempt has used up the retry budget.
func (p Policy) exhausted(attempt int) bool {
	return p.bounded() && attempt >= p.MaxAttempts
}

// Backoff returns min(MaxDelay, InitialDelay * BackoffFactor^(attempt-1)).
// Attempts below 1 are treated as 1.
func Backoff(attempt int, p Policy) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt-1))
	if math.IsNaN(exp) || math.IsInf(exp, 0) || exp >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(exp)
}

// Jitter adds a uniform offset in [-base*fraction, +base*fraction] to base and
// clamps the result at zero. A nil rnd uses the global source.
func Jitter(base time.Duration, fraction float64, rnd *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	fraction = min(max(fraction, 0), 1)
	if fraction == 0 {
		return base
	}

	var u float64
	if rnd != nil {
		u = rnd.Float64()
	} else {
		u = rand.Float64()
	}

	spread := float64(base) * fraction
	d := float64(base) + (u*2-1)*spread
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}
