package supervisor

import (
	"github.com/sony/gobreaker"
)

// Breaker tracks worker health. While open, updates run on the control context.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker opens after the given number of consecutive failures and probes
// the worker again once cooldown has passed.
func NewBreaker(cfg Config, onChange func(from, to string)) *Breaker {
	settings := gobreaker.Settings{
		Name:        "simulation-worker",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
	}
	if onChange != nil {
		settings.OnStateChange = func(_ string, from, to gobreaker.State) {
			onChange(from.String(), to.String())
		}
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Allow reports whether the worker may receive the next request
func (b *Breaker) Allow() bool {
	return b.cb.State() != gobreaker.StateOpen
}

// Record feeds one request outcome into the breaker
func (b *Breaker) Record(err error) {
	_, _ = b.cb.Execute(func() (interface{}, error) {
		return nil, err
	})
}

// State returns "closed", "half-open" or "open"
func (b *Breaker) State() string {
	return b.cb.State().String()
}
