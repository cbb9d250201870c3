package foundation

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrEpochClosed is returned by waits on a closed epoch
var ErrEpochClosed = errors.New("epoch closed")

// Epoch is a monotonically increasing frame counter with broadcast wake-ups.
// The bridge increments it once per published frame; collaborators wait on it.
type Epoch struct {
	value  atomic.Uint64
	mu     sync.Mutex
	notify chan struct{}
	closed bool

	// Statistics
	stats *EpochStats
}

// EpochStats tracks epoch activity
type EpochStats struct {
	Increments uint64
	Wakes      uint64
	Timeouts   uint64
}

// NewEpoch creates an epoch starting at zero
func NewEpoch() *Epoch {
	return &Epoch{
		notify: make(chan struct{}),
		stats:  &EpochStats{},
	}
}

// Value returns the current epoch
func (e *Epoch) Value() uint64 {
	return e.value.Load()
}

// Increment advances the epoch and wakes every waiter
func (e *Epoch) Increment() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return e.value.Load()
	}
	v := e.value.Add(1)
	atomic.AddUint64(&e.stats.Increments, 1)
	close(e.notify)
	e.notify = make(chan struct{})
	return v
}

// Changed returns a channel that is closed once the epoch differs from since
// (immediately, if it already does) or the epoch is closed.
func (e *Epoch) Changed(since uint64) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.value.Load() != since {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return e.notify
}

// Close wakes all waiters permanently
func (e *Epoch) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.notify)
}

// Closed reports whether Close was called
func (e *Epoch) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Stats returns a copy of the counters
func (e *Epoch) Stats() EpochStats {
	return EpochStats{
		Increments: atomic.LoadUint64(&e.stats.Increments),
		Wakes:      atomic.LoadUint64(&e.stats.Wakes),
		Timeouts:   atomic.LoadUint64(&e.stats.Timeouts),
	}
}

// Reader creates a cursor that remembers the last epoch it observed
func (e *Epoch) Reader() *EpochReader {
	return &EpochReader{epoch: e, lastValue: e.Value()}
}

// EpochReader is a per-consumer view of an Epoch. Not safe for concurrent use.
type EpochReader struct {
	epoch     *Epoch
	lastValue uint64
}

// Last returns the last observed epoch value
func (r *EpochReader) Last() uint64 {
	return r.lastValue
}

// WaitForChange blocks until the epoch moves past the last observed value.
// It returns false on timeout.
func (r *EpochReader) WaitForChange(timeout time.Duration) (bool, error) {
	// Fast path
	if current := r.epoch.Value(); current != r.lastValue {
		r.lastValue = current
		atomic.AddUint64(&r.epoch.stats.Wakes, 1)
		return true, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-r.epoch.Changed(r.lastValue):
		if r.epoch.Closed() {
			return false, ErrEpochClosed
		}
		r.lastValue = r.epoch.Value()
		atomic.AddUint64(&r.epoch.stats.Wakes, 1)
		return true, nil
	case <-timer.C:
		atomic.AddUint64(&r.epoch.stats.Timeouts, 1)
		return false, nil
	}
}
