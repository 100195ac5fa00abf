package backoff

import (
	"math/rand/v2"
	"time"
)

// Policy produces capped exponential delays with jitter. It is shared by
// the listener's reconnect loop and the sender's retry loop so both degrade
// the same way under sustained outages.
type Policy struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
}

// Default mirrors the service defaults: 500ms doubling up to 30s.
func Default() Policy {
	return Policy{Min: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2}
}

// Duration returns the delay before retry number attempt (0-based). Half the
// exponential ceiling is kept, the rest is jittered, so delays still grow
// attempt over attempt while concurrent workers do not synchronize their
// retries.
func (p Policy) Duration(attempt int) time.Duration {
	ceiling := p.ceiling(attempt)
	if ceiling <= 0 {
		return 0
	}
	half := int64(ceiling) / 2
	return time.Duration(half + rand.Int64N(half+1))
}

// ceiling is the un-jittered exponential bound for the attempt.
func (p Policy) ceiling(attempt int) time.Duration {
	d := float64(p.Min)
	for i := 0; i < attempt; i++ {
		d *= p.Factor
		if d >= float64(p.Max) {
			return p.Max
		}
	}
	if d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}
