package summary

import "time"

type breakerState string

const (
	breakerClosed   breakerState = "closed"
	breakerOpen     breakerState = "open"
	breakerHalfOpen breakerState = "half_open"
)

// breaker trips after consecutive durable-store failures so the store can
// run memory-only until the cooldown elapses. Callers hold the store lock.
type breaker struct {
	threshold int
	cooldown  time.Duration

	state    breakerState
	failures int
	openedAt time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     breakerClosed,
	}
}

// allow reports whether a durable operation may be attempted now.
// An open breaker transitions to half-open once the cooldown has passed.
func (b *breaker) allow(now time.Time) bool {
	if b.state != breakerOpen {
		return true
	}
	if now.Sub(b.openedAt) >= b.cooldown {
		b.state = breakerHalfOpen
		return true
	}
	return false
}

func (b *breaker) recordSuccess() {
	b.state = breakerClosed
	b.failures = 0
}

func (b *breaker) recordFailure(now time.Time) {
	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.openedAt = now
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.state = breakerOpen
		b.openedAt = now
	}
}
