package supervisor

import (
	"errors"
	"fmt"
	"time"

	"github.com/nmxmxh/cosmic-lottery/kernel/threads/foundation"
)

var (
	// ErrWorkerFailure wraps every panic or timeout of the worker context
	ErrWorkerFailure = errors.New("worker failure")
	// ErrDisposed is returned by every call after Dispose
	ErrDisposed = errors.New("bridge disposed")
	// ErrNoRun is returned by operations that need a started run
	ErrNoRun = errors.New("no simulation run")
)

// Mode selects where integration passes execute
type Mode int

const (
	ModeWorker Mode = iota
	ModeLocal
)

func (m Mode) String() string {
	switch m {
	case ModeWorker:
		return "worker"
	case ModeLocal:
		return "local"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode accepts "worker" or "local"
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "worker":
		return ModeWorker, nil
	case "local":
		return ModeLocal, nil
	}
	return ModeWorker, fmt.Errorf("unknown execution mode %q", s)
}

// Config tunes the bridge transport
type Config struct {
	Mode          Mode
	MinInterval   time.Duration // minimum spacing between update requests
	RateCeiling   int           // optional updates/second cap, 0 disables
	WorkerTimeout time.Duration // an update older than this is a worker failure
	MailboxSize   int

	BreakerFailures uint32        // consecutive worker failures that open the breaker
	BreakerCooldown time.Duration // time in local fallback before probing the worker again

	Seed uint64 // 0 draws a fresh seed per run
}

// DefaultConfig returns a 60 Hz worker-backed configuration
func DefaultConfig() Config {
	return Config{
		Mode:            ModeWorker,
		MinInterval:     16 * time.Millisecond,
		WorkerTimeout:   2 * time.Second,
		MailboxSize:     8,
		BreakerFailures: 3,
		BreakerCooldown: 5 * time.Second,
	}
}

// Validate checks the configuration is usable
func (c Config) Validate() error {
	if c.Mode != ModeWorker && c.Mode != ModeLocal {
		return fmt.Errorf("bridge: unknown mode %d", c.Mode)
	}
	if c.MinInterval <= 0 {
		return fmt.Errorf("bridge: MinInterval must be positive")
	}
	if c.RateCeiling < 0 {
		return fmt.Errorf("bridge: RateCeiling must not be negative")
	}
	if c.WorkerTimeout <= c.MinInterval {
		return fmt.Errorf("bridge: WorkerTimeout %s must exceed MinInterval %s", c.WorkerTimeout, c.MinInterval)
	}
	if c.MailboxSize < 2 {
		return fmt.Errorf("bridge: MailboxSize must be at least 2")
	}
	if c.BreakerFailures == 0 {
		return fmt.Errorf("bridge: BreakerFailures must be at least 1")
	}
	if c.BreakerCooldown <= 0 {
		return fmt.Errorf("bridge: BreakerCooldown must be positive")
	}
	return nil
}

// StatusKind names a reported event
type StatusKind string

const (
	StatusInitialized       StatusKind = "initialized"
	StatusSelectionUpdated  StatusKind = "selection_updated"
	StatusResetComplete     StatusKind = "reset_complete"
	StatusValidationError   StatusKind = "validation_error"
	StatusInvalidTransition StatusKind = "invalid_transition"
	StatusWorkerFailure     StatusKind = "worker_failure"
	StatusFrameDropped      StatusKind = "frame_dropped"
	StatusPhaseChanged      StatusKind = "phase_changed"
	StatusModeChanged       StatusKind = "mode_changed"
	StatusDisposed          StatusKind = "disposed"
)

// Status is the non-throwing report surfaced to the controlling layer
type Status struct {
	Kind   StatusKind
	RunID  string
	Phase  foundation.Phase
	Err    error
	Detail string
	At     time.Time
}

// IsError reports whether the status describes a failure
func (s Status) IsError() bool {
	switch s.Kind {
	case StatusValidationError, StatusInvalidTransition, StatusWorkerFailure:
		return true
	}
	return false
}

// Stats is a snapshot of bridge counters
type Stats struct {
	Mode               string
	Breaker            string
	Requests           uint64 // update requests issued
	Updates            uint64 // updates completed
	Dropped            uint64 // update requests skipped because one was in flight
	Throttled          uint64 // ticks held back by the pacer
	LocalSteps         uint64
	ValidationErrors   uint64
	InvalidTransitions uint64
	WorkerFailures     uint64
	WorkerRestarts     uint64
	InFlight           bool
	Epoch              uint64
	LastLatency        time.Duration
}
