package supervisor

import (
	"sync/atomic"
	"time"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
)

const flowKey = "update"

// FlowController paces update requests. The interval is measured on the
// caller's clock; the optional ceiling is enforced by a token bucket on wall
// time as a second line of defence against a misbehaving driving loop.
type FlowController struct {
	interval time.Duration
	last     time.Time

	limiter *limiter.TokenBucket

	allowed   uint64
	throttled uint64
	limited   uint64
}

// FlowStats returns flow control statistics
type FlowStats struct {
	Allowed   uint64
	Throttled uint64 // held back by the interval
	Limited   uint64 // held back by the ceiling
}

// NewFlowController creates a pacer. ceiling <= 0 disables the token bucket.
func NewFlowController(interval time.Duration, ceiling int) *FlowController {
	fc := &FlowController{interval: interval}
	if ceiling > 0 {
		tb, err := limiter.NewTokenBucket(
			limiter.Config{
				Rate:     int64(ceiling),
				Duration: time.Second,
				Burst:    int64(ceiling),
			},
			store.NewMemoryStore(time.Minute),
		)
		if err == nil {
			fc.limiter = tb
		}
	}
	return fc
}

// Allow reports whether an update may be issued at now and, if so, consumes the slot
func (fc *FlowController) Allow(now time.Time) bool {
	if !fc.last.IsZero() && now.Sub(fc.last) < fc.interval {
		atomic.AddUint64(&fc.throttled, 1)
		return false
	}
	if fc.limiter != nil && !fc.limiter.Allow(flowKey) {
		atomic.AddUint64(&fc.limited, 1)
		return false
	}
	fc.last = now
	atomic.AddUint64(&fc.allowed, 1)
	return true
}

// Reset forgets the last slot so the next Allow succeeds immediately
func (fc *FlowController) Reset() {
	fc.last = time.Time{}
}

// Interval returns the minimum spacing between slots
func (fc *FlowController) Interval() time.Duration {
	return fc.interval
}

func (fc *FlowController) GetStats() FlowStats {
	return FlowStats{
		Allowed:   atomic.LoadUint64(&fc.allowed),
		Throttled: atomic.LoadUint64(&fc.throttled),
		Limited:   atomic.LoadUint64(&fc.limited),
	}
}
