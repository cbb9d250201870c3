package units

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/cosmic-lottery/kernel/threads/foundation"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/physics"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/sab"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/selection"
	"github.com/nmxmxh/cosmic-lottery/kernel/utils"
	"golang.org/x/exp/rand"
)

// ParticleUnit is the worker-side command handler. It owns the integrator,
// the worker PRNG and the worker's copy of the selection set. The particle
// buffers are not held here; they arrive with each update and leave with
// the response.
type ParticleUnit struct {
	integrator *physics.Integrator
	rng        *rand.Rand
	selection  *selection.Set
	count      int
	logger     *utils.Logger

	// Statistics
	inits            atomic.Uint64
	updates          atomic.Uint64
	selectionUpdates atomic.Uint64
	resets           atomic.Uint64
	rejected         atomic.Uint64
}

// UnitStats is a snapshot of handled commands
type UnitStats struct {
	Inits            uint64
	Updates          uint64
	SelectionUpdates uint64
	Resets           uint64
	Rejected         uint64
}

// NewParticleUnit creates a handler. The PRNG is reseeded by every init.
func NewParticleUnit(tuning physics.Tuning, logger *utils.Logger) *ParticleUnit {
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &ParticleUnit{
		integrator: physics.NewIntegrator(tuning),
		rng:        rand.New(rand.NewSource(utils.GenerateSeed())),
		logger:     logger,
	}
}

// Handle executes one command and always produces exactly one response
func (u *ParticleUnit) Handle(req foundation.Request) foundation.Response {
	start := time.Now()
	resp := u.handle(req)
	resp.Seq = req.Seq
	resp.Command = req.Command.Kind()
	resp.Elapsed = time.Since(start)

	if resp.Kind == foundation.RespValidationError {
		u.rejected.Add(1)
		u.logger.Warn("Command rejected",
			utils.String("command", string(resp.Command)),
			utils.Err(resp.Err))
	}
	return resp
}

func (u *ParticleUnit) handle(req foundation.Request) foundation.Response {
	if err := req.Command.Validate(); err != nil {
		return u.reject(req.Arena, err)
	}

	switch cmd := req.Command.(type) {
	case foundation.InitCommand:
		return u.init(cmd)
	case foundation.UpdateCommand:
		return u.update(cmd, req.Arena)
	case foundation.UpdateSelectedCommand:
		return u.updateSelected(cmd, req.Arena)
	case foundation.ResetCommand:
		return u.reset(req.Arena)
	default:
		return u.reject(req.Arena, foundation.NewValidationError(cmd.Kind(), "command", "not a worker command"))
	}
}

func (u *ParticleUnit) init(cmd foundation.InitCommand) foundation.Response {
	arena := sab.NewArena(cmd.ParticleCount)
	if err := arena.Transfer(sab.RegionOwnerControl, sab.RegionOwnerWorker); err != nil {
		return foundation.Response{Kind: foundation.RespWorkerFailure, Err: err}
	}

	u.rng.Seed(cmd.Seed)
	u.count = cmd.ParticleCount
	u.selection = nil
	u.integrator.Seed(arena, u.rng)
	u.inits.Add(1)

	u.logger.Debug("Buffers initialized", utils.Int("particles", cmd.ParticleCount))
	return u.release(foundation.Response{Kind: foundation.RespInitialized}, arena)
}

func (u *ParticleUnit) update(cmd foundation.UpdateCommand, arena *sab.Arena) foundation.Response {
	if arena == nil {
		return u.reject(nil, foundation.NewValidationError(foundation.CmdUpdate, "arena", "buffers required"))
	}
	if err := arena.CheckWriter(sab.RegionOwnerWorker, sab.RegionPositions); err != nil {
		return foundation.Response{Kind: foundation.RespWorkerFailure, Err: err}
	}
	if err := u.integrator.Step(arena, cmd.Phase, cmd.Params, u.selectionView(), u.rng); err != nil {
		return u.reject(arena, foundation.NewValidationError(foundation.CmdUpdate, "arena", err.Error()))
	}
	u.count = arena.Count()
	u.updates.Add(1)
	return u.release(foundation.Response{Kind: foundation.RespUpdated}, arena)
}

func (u *ParticleUnit) updateSelected(cmd foundation.UpdateSelectedCommand, arena *sab.Arena) foundation.Response {
	// Validate caps indices at MaxParticles. The bridge's local mirror gets the
	// selection before any buffers, so the count bound applies once it is known.
	for _, idx := range cmd.Indices {
		if u.count > 0 && idx >= u.count {
			return u.reject(arena, foundation.NewValidationError(foundation.CmdUpdateSelected, "indices",
				fmt.Sprintf("index %d out of range for %d particles", idx, u.count)))
		}
	}
	set, err := selection.NewSet(cmd.Indices)
	if err != nil {
		return u.reject(arena, foundation.NewValidationError(foundation.CmdUpdateSelected, "indices", err.Error()))
	}
	u.selection = set
	u.selectionUpdates.Add(1)
	return u.release(foundation.Response{Kind: foundation.RespSelectionUpdated}, arena)
}

func (u *ParticleUnit) reset(arena *sab.Arena) foundation.Response {
	if arena != nil {
		if err := arena.CheckWriter(sab.RegionOwnerWorker, sab.RegionVelocities); err != nil {
			return foundation.Response{Kind: foundation.RespWorkerFailure, Err: err}
		}
		arena.Zero()
	}
	u.selection = nil
	u.resets.Add(1)
	return u.release(foundation.Response{Kind: foundation.RespResetComplete}, arena)
}

// release hands the arena back to the control context inside the response
func (u *ParticleUnit) release(resp foundation.Response, arena *sab.Arena) foundation.Response {
	if arena != nil && arena.Owner() == sab.RegionOwnerWorker {
		if err := arena.Transfer(sab.RegionOwnerWorker, sab.RegionOwnerControl); err != nil {
			return foundation.Response{Kind: foundation.RespWorkerFailure, Err: err}
		}
	}
	resp.Arena = arena
	return resp
}

func (u *ParticleUnit) reject(arena *sab.Arena, err error) foundation.Response {
	return u.release(foundation.Response{Kind: foundation.RespValidationError, Err: err}, arena)
}

// selectionView avoids handing the integrator a typed nil
func (u *ParticleUnit) selectionView() physics.Selection {
	if u.selection == nil {
		return nil
	}
	return u.selection
}

// Selection returns the set the next update will use
func (u *ParticleUnit) Selection() *selection.Set {
	return u.selection
}

func (u *ParticleUnit) GetStats() UnitStats {
	return UnitStats{
		Inits:            u.inits.Load(),
		Updates:          u.updates.Load(),
		SelectionUpdates: u.selectionUpdates.Load(),
		Resets:           u.resets.Load(),
		Rejected:         u.rejected.Load(),
	}
}
