package supervisor_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nmxmxh/cosmic-lottery/kernel/threads/foundation"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/phase"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/physics"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/sab"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/selection"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/supervisor"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/supervisor/units"
	"github.com/nmxmxh/cosmic-lottery/kernel/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const frame60 = time.Second / 60

// statusRecorder collects reported statuses
type statusRecorder struct {
	mu   sync.Mutex
	seen []supervisor.Status
}

func (r *statusRecorder) record(s supervisor.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, s)
}

func (r *statusRecorder) count(kind supervisor.StatusKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.seen {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

// gatedHandler blocks update passes until released
type gatedHandler struct {
	inner   supervisor.Handler
	entered chan struct{}
	release chan struct{}
}

func newGatedHandler() *gatedHandler {
	return &gatedHandler{
		inner:   units.NewParticleUnit(physics.DefaultTuning(), nil),
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (g *gatedHandler) Handle(req foundation.Request) foundation.Response {
	if req.Command.Kind() == foundation.CmdUpdate {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.inner.Handle(req)
}

// panicHandler fails every update pass
type panicHandler struct {
	inner supervisor.Handler
}

func (p panicHandler) Handle(req foundation.Request) foundation.Response {
	if req.Command.Kind() == foundation.CmdUpdate {
		panic("integrator exploded")
	}
	return p.inner.Handle(req)
}

type fixture struct {
	bridge *supervisor.Bridge
	clock  *utils.MockClock
	status *statusRecorder
}

func newFixture(t *testing.T, cfg supervisor.Config, newHandler func() supervisor.Handler) *fixture {
	t.Helper()
	clock := utils.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	rec := &statusRecorder{}
	b, err := supervisor.NewBridge(supervisor.Options{
		Config:     cfg,
		Clock:      clock,
		NewHandler: newHandler,
		OnStatus:   rec.record,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Dispose() })
	return &fixture{bridge: b, clock: clock, status: rec}
}

func localConfig() supervisor.Config {
	cfg := supervisor.DefaultConfig()
	cfg.Mode = supervisor.ModeLocal
	cfg.Seed = 1234
	return cfg
}

func workerConfig() supervisor.Config {
	cfg := supervisor.DefaultConfig()
	cfg.Seed = 99
	return cfg
}

func waitIdle(t *testing.T, b *supervisor.Bridge) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.WaitIdle(ctx))
}

// tickFor drives the bridge at 60 Hz
func (f *fixture) tickFor(t *testing.T, d time.Duration) {
	t.Helper()
	for elapsed := time.Duration(0); elapsed < d; elapsed += frame60 {
		require.NoError(t, f.bridge.Tick(f.clock.Advance(frame60)))
	}
}

func TestBridge_EndToEndDraw(t *testing.T) {
	f := newFixture(t, localConfig(), nil)

	require.NoError(t, f.bridge.Start(1000, 6))
	frame := f.bridge.Frame()
	require.NotNil(t, frame)
	assert.Len(t, frame.Positions, 3000)

	f.tickFor(t, time.Second)
	require.NoError(t, f.bridge.Trigger(f.clock.Now()))
	f.tickFor(t, phase.DefaultSchedule().Total()+2*time.Second)

	current, _ := f.bridge.Phase(f.clock.Now())
	assert.Equal(t, foundation.PhaseLiningUp, current)

	frame = f.bridge.Frame()
	require.Len(t, frame.Selected, 6)
	require.Len(t, frame.Numbers, 6)
	assert.Equal(t, foundation.PhaseLiningUp, frame.Phase)

	seen := map[int]bool{}
	for _, idx := range frame.Selected {
		assert.False(t, seen[idx])
		seen[idx] = true
	}

	// Winners line up on their targets
	tuning := physics.DefaultTuning()
	targets := selection.Targets(6)
	for rank, idx := range frame.Selected {
		x, y, z := frame.Position(idx)
		assert.InDelta(t, targets[rank].X*tuning.LineUpHalfWidth, x, 0.5, "rank %d", rank)
		assert.InDelta(t, 0, y, 0.5)
		assert.InDelta(t, 0, z, 0.5)
		assert.Equal(t, idx+1, frame.Numbers[rank])
	}

	stats := f.bridge.Stats()
	assert.Zero(t, stats.InvalidTransitions)
	assert.Zero(t, stats.WorkerFailures)
	assert.Zero(t, f.status.count(supervisor.StatusInvalidTransition))
	assert.Equal(t, 5, f.status.count(supervisor.StatusPhaseChanged))
	assert.Equal(t, 1, f.status.count(supervisor.StatusSelectionUpdated))
}

func TestBridge_EndToEndDrawOnWorker(t *testing.T) {
	f := newFixture(t, workerConfig(), nil)

	require.NoError(t, f.bridge.Start(1000, 6))
	waitIdle(t, f.bridge)

	// Every response is reconciled before the next tick
	tick := func(d time.Duration) {
		for elapsed := time.Duration(0); elapsed < d; elapsed += frame60 {
			require.NoError(t, f.bridge.Tick(f.clock.Advance(frame60)))
			waitIdle(t, f.bridge)
		}
	}
	tick(time.Second)
	require.NoError(t, f.bridge.Trigger(f.clock.Now()))
	tick(phase.DefaultSchedule().Total() + 2*time.Second)

	current, _ := f.bridge.Phase(f.clock.Now())
	assert.Equal(t, foundation.PhaseLiningUp, current)

	frame := f.bridge.Frame()
	require.NotNil(t, frame)
	require.Len(t, frame.Selected, 6)
	assert.Equal(t, foundation.PhaseLiningUp, frame.Phase)

	seen := map[int]bool{}
	for _, idx := range frame.Selected {
		assert.False(t, seen[idx], "index %d drawn twice", idx)
		seen[idx] = true
	}

	tuning := physics.DefaultTuning()
	targets := selection.Targets(6)
	for rank, idx := range frame.Selected {
		x, y, z := frame.Position(idx)
		assert.InDelta(t, targets[rank].X*tuning.LineUpHalfWidth, x, 0.5, "rank %d", rank)
		assert.InDelta(t, 0, y, 0.5)
		assert.InDelta(t, 0, z, 0.5)
	}

	stats := f.bridge.Stats()
	assert.Equal(t, "worker", stats.Mode)
	assert.Zero(t, stats.LocalSteps)
	assert.Zero(t, stats.WorkerFailures)
	assert.Zero(t, stats.InvalidTransitions)
	assert.Equal(t, 1, f.status.count(supervisor.StatusSelectionUpdated))
}

func TestBridge_DroppedTickKeepsPacerSlot(t *testing.T) {
	gate := newGatedHandler()
	var spawned atomic.Int32
	f := newFixture(t, workerConfig(), func() supervisor.Handler {
		if spawned.Add(1) == 2 {
			return gate
		}
		return units.NewParticleUnit(physics.DefaultTuning(), nil)
	})

	require.NoError(t, f.bridge.Start(100, 3))
	waitIdle(t, f.bridge)

	require.NoError(t, f.bridge.Tick(f.clock.Advance(20*time.Millisecond)))
	<-gate.entered

	// A full interval later the pass is still in flight
	require.NoError(t, f.bridge.Tick(f.clock.Advance(20*time.Millisecond)))
	stats := f.bridge.Stats()
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Zero(t, stats.Throttled)

	close(gate.release)
	waitIdle(t, f.bridge)

	// 30ms after the last dispatch, 10ms after the dropped tick
	require.NoError(t, f.bridge.Tick(f.clock.Advance(10*time.Millisecond)))
	stats = f.bridge.Stats()
	assert.Equal(t, uint64(2), stats.Requests)
	assert.Zero(t, stats.Throttled)
}

func TestBridge_PacerCapsRequestRate(t *testing.T) {
	f := newFixture(t, localConfig(), nil)
	require.NoError(t, f.bridge.Start(100, 3))

	// 120 Hz driving loop for one second
	for i := 0; i < 120; i++ {
		require.NoError(t, f.bridge.Tick(f.clock.Advance(time.Second/120)))
	}

	stats := f.bridge.Stats()
	assert.InDelta(t, 60, float64(stats.Requests), 1)
	assert.Equal(t, stats.Requests, stats.Updates)
	assert.InDelta(t, 60, float64(stats.Throttled), 1)
	assert.Zero(t, stats.Dropped)
}

func TestBridge_SingleFlightDropsFrames(t *testing.T) {
	gate := newGatedHandler()
	var spawned atomic.Int32
	f := newFixture(t, workerConfig(), func() supervisor.Handler {
		if spawned.Add(1) == 2 {
			// First call builds the local executor, second the worker
			return gate
		}
		return units.NewParticleUnit(physics.DefaultTuning(), nil)
	})

	require.NoError(t, f.bridge.Start(500, 6))
	waitIdle(t, f.bridge)
	initial := f.bridge.Frame()
	require.NotNil(t, initial)

	firstTick := f.clock.Advance(frame60)
	require.NoError(t, f.bridge.Tick(firstTick))
	<-gate.entered

	for i := 0; i < 10; i++ {
		require.NoError(t, f.bridge.Tick(f.clock.Advance(frame60)))
	}

	stats := f.bridge.Stats()
	assert.Equal(t, uint64(1), stats.Requests)
	assert.Equal(t, uint64(10), stats.Dropped)
	assert.True(t, stats.InFlight)
	assert.Equal(t, initial, f.bridge.Frame(), "no frame while the worker holds the buffers")

	close(gate.release)
	waitIdle(t, f.bridge)

	stats = f.bridge.Stats()
	assert.Equal(t, uint64(1), stats.Updates)
	assert.False(t, stats.InFlight)
	assert.Equal(t, 10, f.status.count(supervisor.StatusFrameDropped))

	// Dropping requests is indistinguishable from a single pass
	ref := units.NewParticleUnit(physics.DefaultTuning(), nil)
	resp := ref.Handle(foundation.Request{Seq: 1, Command: foundation.InitCommand{ParticleCount: 500, Seed: 99}})
	require.Equal(t, foundation.RespInitialized, resp.Kind)
	arena := resp.Arena
	require.NoError(t, arena.Transfer(sab.RegionOwnerControl, sab.RegionOwnerWorker))
	resp = ref.Handle(foundation.Request{
		Seq:     2,
		Command: foundation.UpdateCommand{Phase: foundation.PhaseFloating, Params: phase.DefaultBundles().For(foundation.PhaseFloating)},
		Arena:   arena,
	})
	require.Equal(t, foundation.RespUpdated, resp.Kind)
	assert.Equal(t, resp.Arena.Positions, f.bridge.Frame().Positions)
}

func TestBridge_WorkerPanicRecovers(t *testing.T) {
	var spawned atomic.Int32
	f := newFixture(t, workerConfig(), func() supervisor.Handler {
		unit := units.NewParticleUnit(physics.DefaultTuning(), nil)
		if spawned.Add(1) == 2 {
			return panicHandler{inner: unit}
		}
		return unit
	})

	require.NoError(t, f.bridge.Start(200, 3))
	waitIdle(t, f.bridge)

	require.NoError(t, f.bridge.Tick(f.clock.Advance(frame60)))
	waitIdle(t, f.bridge)

	stats := f.bridge.Stats()
	assert.Equal(t, uint64(1), stats.WorkerFailures)
	assert.Equal(t, uint64(1), stats.WorkerRestarts)
	assert.Equal(t, "closed", stats.Breaker)
	assert.Equal(t, 1, f.status.count(supervisor.StatusWorkerFailure))

	// The replacement worker re-inits from the last particle count and carries on
	require.NoError(t, f.bridge.Tick(f.clock.Advance(frame60)))
	waitIdle(t, f.bridge)
	require.NoError(t, f.bridge.Tick(f.clock.Advance(frame60)))
	waitIdle(t, f.bridge)

	stats = f.bridge.Stats()
	assert.Equal(t, uint64(1), stats.Updates)
	assert.Len(t, f.bridge.Frame().Positions, 600)
}

func TestBridge_WorkerTimeout(t *testing.T) {
	gate := newGatedHandler()
	defer close(gate.release)
	var spawned atomic.Int32
	f := newFixture(t, workerConfig(), func() supervisor.Handler {
		if spawned.Add(1) == 2 {
			return gate
		}
		return units.NewParticleUnit(physics.DefaultTuning(), nil)
	})

	require.NoError(t, f.bridge.Start(100, 2))
	waitIdle(t, f.bridge)
	require.NoError(t, f.bridge.Tick(f.clock.Advance(frame60)))
	<-gate.entered

	require.NoError(t, f.bridge.Tick(f.clock.Advance(supervisor.DefaultConfig().WorkerTimeout + time.Millisecond)))

	stats := f.bridge.Stats()
	assert.Equal(t, uint64(1), stats.WorkerFailures)
	assert.Equal(t, uint64(1), stats.WorkerRestarts)
	assert.True(t, stats.InFlight, "re-init issued to the replacement")

	waitIdle(t, f.bridge)
	require.NoError(t, f.bridge.Tick(f.clock.Advance(frame60)))
	waitIdle(t, f.bridge)
	assert.Equal(t, uint64(1), f.bridge.Stats().Updates)
}

func TestBridge_BreakerFallsBackToLocal(t *testing.T) {
	cfg := workerConfig()
	cfg.BreakerFailures = 2
	cfg.BreakerCooldown = time.Hour

	var spawned atomic.Int32
	f := newFixture(t, cfg, func() supervisor.Handler {
		unit := units.NewParticleUnit(physics.DefaultTuning(), nil)
		if spawned.Add(1) == 1 {
			return unit
		}
		return panicHandler{inner: unit}
	})

	require.NoError(t, f.bridge.Start(100, 2))
	waitIdle(t, f.bridge)

	for i := 0; i < 20; i++ {
		require.NoError(t, f.bridge.Tick(f.clock.Advance(frame60)))
		waitIdle(t, f.bridge)
	}

	stats := f.bridge.Stats()
	assert.Equal(t, uint64(2), stats.WorkerFailures)
	assert.Equal(t, "open", stats.Breaker)
	assert.Equal(t, "local", stats.Mode)
	assert.Greater(t, stats.LocalSteps, uint64(0))
	assert.Equal(t, stats.LocalSteps, stats.Updates)
	assert.GreaterOrEqual(t, f.status.count(supervisor.StatusModeChanged), 1)
}

func TestBridge_Reset(t *testing.T) {
	f := newFixture(t, localConfig(), nil)
	require.NoError(t, f.bridge.Start(300, 4))
	require.NoError(t, f.bridge.Trigger(f.clock.Now()))
	f.tickFor(t, phase.DefaultSchedule().Total())

	require.NoError(t, f.bridge.Reset())

	frame := f.bridge.Frame()
	require.NotNil(t, frame)
	assert.Equal(t, foundation.PhaseFloating, frame.Phase)
	assert.Empty(t, frame.Selected)
	require.Len(t, frame.Positions, 900)
	for _, c := range frame.Positions {
		require.Zero(t, c)
	}
	current, _ := f.bridge.Phase(f.clock.Now())
	assert.Equal(t, foundation.PhaseFloating, current)
	assert.Equal(t, "", f.bridge.RunID())
	assert.Equal(t, 1, f.status.count(supervisor.StatusResetComplete))

	// Ticks without a run are no-ops
	before := f.bridge.Stats().Requests
	f.tickFor(t, time.Second)
	assert.Equal(t, before, f.bridge.Stats().Requests)
	assert.ErrorIs(t, f.bridge.Trigger(f.clock.Now()), supervisor.ErrNoRun)

	// A fresh run draws again
	require.NoError(t, f.bridge.Start(300, 4))
	require.NoError(t, f.bridge.Trigger(f.clock.Now()))
	f.tickFor(t, phase.DefaultSchedule().Total())
	assert.Len(t, f.bridge.Frame().Selected, 4)
}

func TestBridge_ResetAbandonsInFlight(t *testing.T) {
	gate := newGatedHandler()
	defer close(gate.release)
	var spawned atomic.Int32
	f := newFixture(t, workerConfig(), func() supervisor.Handler {
		if spawned.Add(1) == 2 {
			return gate
		}
		return units.NewParticleUnit(physics.DefaultTuning(), nil)
	})

	require.NoError(t, f.bridge.Start(100, 2))
	waitIdle(t, f.bridge)
	require.NoError(t, f.bridge.Tick(f.clock.Advance(frame60)))
	<-gate.entered

	// Returns immediately although the worker is stuck mid-pass
	require.NoError(t, f.bridge.Reset())
	assert.False(t, f.bridge.Stats().InFlight)
	assert.Len(t, f.bridge.Frame().Positions, 300)
}

func TestBridge_InvalidTransitionIsReported(t *testing.T) {
	f := newFixture(t, localConfig(), nil)
	require.NoError(t, f.bridge.Start(100, 3))
	require.NoError(t, f.bridge.Trigger(f.clock.Now()))

	err := f.bridge.Trigger(f.clock.Now())
	assert.True(t, errors.Is(err, phase.ErrInvalidTransition))

	current, _ := f.bridge.Phase(f.clock.Now())
	assert.Equal(t, foundation.PhaseSwirling, current)
	assert.Equal(t, uint64(1), f.bridge.Stats().InvalidTransitions)
	assert.Equal(t, 1, f.status.count(supervisor.StatusInvalidTransition))

	// The loop keeps running
	f.tickFor(t, 100*time.Millisecond)
	assert.Greater(t, f.bridge.Stats().Updates, uint64(0))
}

func TestBridge_ValidationErrors(t *testing.T) {
	f := newFixture(t, localConfig(), nil)

	err := f.bridge.Start(5, 6)
	assert.ErrorIs(t, err, foundation.ErrValidation)
	assert.Equal(t, "", f.bridge.RunID())

	assert.ErrorIs(t, f.bridge.HandleMessage([]byte(`{"command":"start","data":{"maxNumber":10}}`)), foundation.ErrValidation)
	assert.ErrorIs(t, f.bridge.HandleMessage([]byte(`not json`)), foundation.ErrValidation)
	assert.ErrorIs(t, f.bridge.HandleMessage([]byte(`{"command":"init","data":{"particleCount":10}}`)), foundation.ErrValidation)

	assert.Equal(t, uint64(4), f.bridge.Stats().ValidationErrors)
	assert.Equal(t, 4, f.status.count(supervisor.StatusValidationError))

	require.NoError(t, f.bridge.HandleMessage([]byte(`{"command":"start","data":{"maxNumber":50,"luckyCount":5}}`)))
	require.NoError(t, f.bridge.HandleMessage([]byte(`{"command":"draw"}`)))
	current, _ := f.bridge.Phase(f.clock.Now())
	assert.Equal(t, foundation.PhaseSwirling, current)
}

func TestBridge_Dispose(t *testing.T) {
	f := newFixture(t, workerConfig(), nil)
	require.NoError(t, f.bridge.Start(100, 3))

	reader := f.bridge.Epoch().Reader()
	require.NoError(t, f.bridge.Dispose())

	assert.ErrorIs(t, f.bridge.Dispose(), supervisor.ErrDisposed)
	assert.ErrorIs(t, f.bridge.Tick(f.clock.Now()), supervisor.ErrDisposed)
	assert.ErrorIs(t, f.bridge.Start(100, 3), supervisor.ErrDisposed)
	assert.ErrorIs(t, f.bridge.Reset(), supervisor.ErrDisposed)

	_, err := reader.WaitForChange(time.Second)
	assert.ErrorIs(t, err, foundation.ErrEpochClosed)
}

func TestBridge_EpochAdvancesPerFrame(t *testing.T) {
	f := newFixture(t, localConfig(), nil)
	reader := f.bridge.Epoch().Reader()

	require.NoError(t, f.bridge.Start(50, 2))
	changed, err := reader.WaitForChange(time.Second)
	require.NoError(t, err)
	assert.True(t, changed)

	require.NoError(t, f.bridge.Tick(f.clock.Advance(frame60)))
	changed, err = reader.WaitForChange(time.Second)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, reader.Last(), f.bridge.Frame().Epoch)
}

func TestNewBridge_RejectsBadConfig(t *testing.T) {
	cfg := supervisor.DefaultConfig()
	cfg.WorkerTimeout = time.Millisecond
	_, err := supervisor.NewBridge(supervisor.Options{Config: cfg})
	assert.Error(t, err)
}
