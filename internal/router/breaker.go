package router

import (
	"time"
)

// BreakerConfig locks the cloud route out after repeated slow first audio
type BreakerConfig struct {
	TTFAThreshold time.Duration
	Consecutive   int
	Cooldown      time.Duration
}

// DefaultBreakerConfig trips after two first-audio times above 600ms, for five minutes
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		TTFAThreshold: 600 * time.Millisecond,
		Consecutive:   2,
		Cooldown:      5 * time.Minute,
	}
}

type breaker struct {
	cfg         BreakerConfig
	slow        int
	lockedUntil time.Time
	trips       int
}

// observe feeds one cloud first-audio time and reports whether the breaker tripped.
// Outcomes without audio do not count either way.
func (b *breaker) observe(ttfa time.Duration, now time.Time) bool {
	if ttfa <= 0 {
		return false
	}
	if b.locked(now) {
		return false
	}
	if ttfa <= b.cfg.TTFAThreshold {
		b.slow = 0
		return false
	}
	b.slow++
	if b.slow < b.cfg.Consecutive {
		return false
	}
	b.slow = 0
	b.trips++
	b.lockedUntil = now.Add(b.cfg.Cooldown)
	return true
}

func (b *breaker) locked(now time.Time) bool {
	return now.Before(b.lockedUntil)
}
