package foundation

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/nmxmxh/cosmic-lottery/kernel/threads/sab"
)

// CommandKind is the wire name of a command
type CommandKind string

const (
	// Worker protocol
	CmdInit           CommandKind = "init"
	CmdUpdate         CommandKind = "update"
	CmdUpdateSelected CommandKind = "updateSelected"
	CmdReset          CommandKind = "reset"

	// Controlling layer
	CmdStart   CommandKind = "start"
	CmdDraw    CommandKind = "draw"
	CmdDispose CommandKind = "dispose"
)

// ResponseKind is the wire name of a worker reply
type ResponseKind string

const (
	RespInitialized      ResponseKind = "initialized"
	RespUpdated          ResponseKind = "updated"
	RespSelectionUpdated ResponseKind = "selection_updated"
	RespResetComplete    ResponseKind = "reset_complete"
	RespValidationError  ResponseKind = "validation_error"
	RespWorkerFailure    ResponseKind = "worker_failure"
)

// ErrValidation is matched by every *ValidationError via errors.Is
var ErrValidation = errors.New("validation_error")

// ValidationError reports a malformed command. It is never fatal.
type ValidationError struct {
	Command CommandKind
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation_error: %s: %s", e.Command, e.Reason)
	}
	return fmt.Sprintf("validation_error: %s.%s: %s", e.Command, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError builds a ValidationError
func NewValidationError(cmd CommandKind, field, reason string) *ValidationError {
	return &ValidationError{Command: cmd, Field: field, Reason: reason}
}

// Command is the closed set of protocol messages. Only this package can add variants.
type Command interface {
	Kind() CommandKind
	Validate() error
	command()
}

// InitCommand sizes the particle buffers and seeds the worker PRNG
type InitCommand struct {
	ParticleCount int
	Seed          uint64
}

// UpdateCommand runs one integration pass
type UpdateCommand struct {
	Phase  Phase
	Params Params
	Time   time.Duration // run-relative time of the request
}

// UpdateSelectedCommand records the selection set in draw order
type UpdateSelectedCommand struct {
	Indices []int
}

// ResetCommand zeroes buffers and clears selection
type ResetCommand struct{}

// StartCommand begins a run with N = MaxNumber particles and K = LuckyCount winners
type StartCommand struct {
	MaxNumber  int
	LuckyCount int
}

// DrawCommand is the external "start draw" trigger
type DrawCommand struct{}

// DisposeCommand releases every resource and terminates the worker
type DisposeCommand struct{}

func (InitCommand) Kind() CommandKind           { return CmdInit }
func (UpdateCommand) Kind() CommandKind         { return CmdUpdate }
func (UpdateSelectedCommand) Kind() CommandKind { return CmdUpdateSelected }
func (ResetCommand) Kind() CommandKind          { return CmdReset }
func (StartCommand) Kind() CommandKind          { return CmdStart }
func (DrawCommand) Kind() CommandKind           { return CmdDraw }
func (DisposeCommand) Kind() CommandKind        { return CmdDispose }

func (InitCommand) command()           {}
func (UpdateCommand) command()         {}
func (UpdateSelectedCommand) command() {}
func (ResetCommand) command()          {}
func (StartCommand) command()          {}
func (DrawCommand) command()           {}
func (DisposeCommand) command()        {}

func (c InitCommand) Validate() error {
	if c.ParticleCount <= 0 {
		return NewValidationError(CmdInit, "particleCount", "must be positive")
	}
	if c.ParticleCount > MaxParticles {
		return NewValidationError(CmdInit, "particleCount", fmt.Sprintf("exceeds %d", MaxParticles))
	}
	return nil
}

func (c UpdateCommand) Validate() error {
	if !c.Phase.Valid() {
		return NewValidationError(CmdUpdate, "phase", "unknown phase")
	}
	p := c.Params
	for name, v := range map[string]float64{
		"gravitationalPull":     p.GravitationalPull,
		"orbitalVelocityFactor": p.OrbitalVelocityFactor,
		"damping":               p.Damping,
		"progress":              p.Progress,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return NewValidationError(CmdUpdate, name, "must be finite")
		}
	}
	if p.Damping < 0 || p.Damping > 1 {
		return NewValidationError(CmdUpdate, "damping", "must be in [0,1]")
	}
	if p.Progress < 0 || p.Progress > 1 {
		return NewValidationError(CmdUpdate, "progress", "must be in [0,1]")
	}
	if c.Time < 0 {
		return NewValidationError(CmdUpdate, "time", "must not be negative")
	}
	return nil
}

func (c UpdateSelectedCommand) Validate() error {
	if c.Indices == nil {
		return NewValidationError(CmdUpdateSelected, "indices", "required")
	}
	for _, idx := range c.Indices {
		if idx < 0 {
			return NewValidationError(CmdUpdateSelected, "indices", "negative index")
		}
		if idx >= MaxParticles {
			return NewValidationError(CmdUpdateSelected, "indices", fmt.Sprintf("index %d exceeds %d", idx, MaxParticles))
		}
	}
	return nil
}

func (ResetCommand) Validate() error { return nil }

func (c StartCommand) Validate() error {
	if c.MaxNumber <= 0 {
		return NewValidationError(CmdStart, "maxNumber", "must be positive")
	}
	if c.MaxNumber > MaxParticles {
		return NewValidationError(CmdStart, "maxNumber", fmt.Sprintf("exceeds %d", MaxParticles))
	}
	if c.LuckyCount <= 0 {
		return NewValidationError(CmdStart, "luckyCount", "must be positive")
	}
	if c.LuckyCount > c.MaxNumber {
		return NewValidationError(CmdStart, "luckyCount", "must not exceed maxNumber")
	}
	return nil
}

func (DrawCommand) Validate() error    { return nil }
func (DisposeCommand) Validate() error { return nil }

// Request carries a command to the worker context. When Arena is non-nil the
// sender has already transferred ownership and must not touch it until the
// matching Response hands it back.
type Request struct {
	Seq     uint64
	Command Command
	Arena   *sab.Arena
}

// Response is the worker's reply to exactly one Request
type Response struct {
	Seq     uint64
	Kind    ResponseKind
	Command CommandKind
	Arena   *sab.Arena
	Err     error
	Elapsed time.Duration
}
