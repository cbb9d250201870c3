package sab

import (
	"fmt"
	"sync/atomic"
)

// Arena holds the particle state buffers. Exactly one context owns it at a
// time; ownership moves with Transfer and travels inside protocol messages.
type Arena struct {
	Positions  []float64
	Velocities []float64

	owner atomic.Uint32
}

// NewArena allocates zeroed buffers for n particles, owned by the control context
func NewArena(n int) *Arena {
	a := &Arena{
		Positions:  make([]float64, BufferLen(n)),
		Velocities: make([]float64, BufferLen(n)),
	}
	a.owner.Store(uint32(RegionOwnerControl))
	return a
}

// Count returns the number of particles the arena holds
func (a *Arena) Count() int {
	return len(a.Positions) / Stride
}

// Owner returns the context currently holding the arena
func (a *Arena) Owner() RegionOwner {
	return RegionOwner(a.owner.Load())
}

// Transfer moves ownership from one context to another. It fails without
// side effects when from is not the current owner.
func (a *Arena) Transfer(from, to RegionOwner) error {
	if !a.owner.CompareAndSwap(uint32(from), uint32(to)) {
		return fmt.Errorf("%w: transfer %s->%s, held by %s", ErrNotOwner, from, to, a.Owner())
	}
	return nil
}

// CheckWriter verifies that who may mutate the given region right now
func (a *Arena) CheckWriter(who RegionOwner, region RegionId) error {
	if !PolicyFor(region).Allows(who) {
		return fmt.Errorf("%w: %s may not write %s", ErrNotOwner, who, region)
	}
	if a.Owner() != who {
		return fmt.Errorf("%w: %s writing %s held by %s", ErrNotOwner, who, region, a.Owner())
	}
	return nil
}

// Validate checks the buffer length invariant
func (a *Arena) Validate() error {
	if len(a.Positions)%Stride != 0 {
		return fmt.Errorf("positions length %d is not a multiple of %d", len(a.Positions), Stride)
	}
	if len(a.Velocities) != len(a.Positions) {
		return fmt.Errorf("velocities length %d != positions length %d", len(a.Velocities), len(a.Positions))
	}
	return nil
}

// Zero clears both buffers in place
func (a *Arena) Zero() {
	clear(a.Positions)
	clear(a.Velocities)
}

// CopyPositions returns a fresh copy of the position buffer
func (a *Arena) CopyPositions() []float64 {
	out := make([]float64, len(a.Positions))
	copy(out, a.Positions)
	return out
}
