package sab

import (
	"errors"
	"fmt"
)

// ErrNotOwner is returned when a context touches a buffer it does not hold
var ErrNotOwner = errors.New("buffer not owned by caller")

// RegionOwner identifies which execution context holds an arena
type RegionOwner uint32

const (
	RegionOwnerNone    RegionOwner = 0
	RegionOwnerControl RegionOwner = 1 << 0 // bridge / driving loop
	RegionOwnerWorker  RegionOwner = 1 << 1 // simulation worker
	RegionOwnerReader  RegionOwner = 1 << 2 // frame consumers (copies only)
)

func (o RegionOwner) String() string {
	switch o {
	case RegionOwnerNone:
		return "none"
	case RegionOwnerControl:
		return "control"
	case RegionOwnerWorker:
		return "worker"
	case RegionOwnerReader:
		return "reader"
	}
	return fmt.Sprintf("owner(%#x)", uint32(o))
}

// AccessMode defines how a region is protected.
type AccessMode int

const (
	AccessReadOnly AccessMode = iota
	AccessSingleWriter
)

// RegionId identifies guard-protected arena regions.
type RegionId uint32

const (
	RegionPositions RegionId = iota
	RegionVelocities
)

func (r RegionId) String() string {
	switch r {
	case RegionPositions:
		return "positions"
	case RegionVelocities:
		return "velocities"
	}
	return fmt.Sprintf("region(%d)", uint32(r))
}

// RegionPolicy declares who can access a region and how.
type RegionPolicy struct {
	RegionID   RegionId
	Access     AccessMode
	WriterMask RegionOwner
	ReaderMask RegionOwner
}

// PolicyFor returns the canonical policy for a region.
func PolicyFor(region RegionId) RegionPolicy {
	switch region {
	case RegionPositions:
		return RegionPolicy{
			RegionID:   region,
			Access:     AccessSingleWriter,
			WriterMask: RegionOwnerControl | RegionOwnerWorker,
			ReaderMask: RegionOwnerControl | RegionOwnerWorker,
		}
	case RegionVelocities:
		// Velocities never leave the simulation side
		return RegionPolicy{
			RegionID:   region,
			Access:     AccessSingleWriter,
			WriterMask: RegionOwnerControl | RegionOwnerWorker,
			ReaderMask: RegionOwnerControl | RegionOwnerWorker,
		}
	default:
		return RegionPolicy{
			RegionID: region,
			Access:   AccessReadOnly,
		}
	}
}

// Allows reports whether who may write the region when it currently holds it
func (p RegionPolicy) Allows(who RegionOwner) bool {
	return p.Access == AccessSingleWriter && p.WriterMask&who != 0
}
