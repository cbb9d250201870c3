package threads

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nmxmxh/cosmic-lottery/kernel/threads/foundation"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/supervisor"
	"github.com/nmxmxh/cosmic-lottery/kernel/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSimulation records every call the driver makes
type fakeSimulation struct {
	mu        sync.Mutex
	runID     string
	starts    int
	ticks     int
	triggers  []time.Time
	applied   []foundation.CommandKind
	panicOn   int // tick number that panics, 0 for never
	disposed  bool
	startFail error
}

func (f *fakeSimulation) Start(maxNumber, luckyCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startFail != nil {
		return f.startFail
	}
	f.starts++
	f.runID = utils.GenerateID()
	return nil
}

func (f *fakeSimulation) Trigger(now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, now)
	return nil
}

func (f *fakeSimulation) Tick(now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disposed {
		return supervisor.ErrDisposed
	}
	f.ticks++
	if f.ticks == f.panicOn {
		panic("tick exploded")
	}
	return nil
}

func (f *fakeSimulation) Apply(cmd foundation.Command) error {
	f.mu.Lock()
	f.applied = append(f.applied, cmd.Kind())
	f.mu.Unlock()

	switch c := cmd.(type) {
	case foundation.StartCommand:
		return f.Start(c.MaxNumber, c.LuckyCount)
	case foundation.DisposeCommand:
		f.mu.Lock()
		f.disposed = true
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeSimulation) RunID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runID
}

func (f *fakeSimulation) snapshot() (ticks int, triggers int, applied []foundation.CommandKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ticks, len(f.triggers), append([]foundation.CommandKind(nil), f.applied...)
}

type harness struct {
	sim      *fakeSimulation
	sup      *Supervisor
	clock    *utils.MockClock
	ticks    chan time.Time
	commands chan foundation.Command
}

func newHarness(t *testing.T, cfg SupervisorConfig) *harness {
	t.Helper()
	h := &harness{
		sim:      &fakeSimulation{},
		clock:    utils.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		ticks:    make(chan time.Time),
		commands: make(chan foundation.Command, 4),
	}
	cfg.Simulation = h.sim
	cfg.Clock = h.clock
	cfg.Ticks = h.ticks
	cfg.Commands = h.commands
	cfg.Logger = utils.NopLogger()
	cfg.RestartBackoff = time.Millisecond

	sup, err := NewRootSupervisor(context.Background(), cfg)
	require.NoError(t, err)
	h.sup = sup
	t.Cleanup(func() { _ = sup.Stop() })
	return h
}

// tick advances the clock and blocks until the driver has taken the tick
func (h *harness) tick(t *testing.T, d time.Duration) {
	t.Helper()
	now := h.clock.Advance(d)
	select {
	case h.ticks <- now:
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not take the tick")
	}
}

func TestSupervisor_StartsInitialRunAndTicks(t *testing.T) {
	h := newHarness(t, SupervisorConfig{MaxNumber: 49, LuckyCount: 6})
	require.NoError(t, h.sup.Start())
	assert.NotEmpty(t, h.sim.RunID())

	for i := 0; i < 5; i++ {
		h.tick(t, 8*time.Millisecond)
	}
	require.Eventually(t, func() bool {
		ticks, _, _ := h.sim.snapshot()
		return ticks == 5
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint64(5), h.sup.GetStats().Ticks)
}

func TestSupervisor_AutoDrawOncePerRun(t *testing.T) {
	h := newHarness(t, SupervisorConfig{MaxNumber: 10, LuckyCount: 2, AutoDraw: 100 * time.Millisecond})
	require.NoError(t, h.sup.Start())

	// First tick schedules, the draw fires once 100ms have passed
	h.tick(t, 10*time.Millisecond)
	for i := 0; i < 9; i++ {
		h.tick(t, 10*time.Millisecond)
	}
	_, triggers, _ := h.sim.snapshot()
	assert.Zero(t, triggers)

	for i := 0; i < 5; i++ {
		h.tick(t, 10*time.Millisecond)
	}
	// One more tick makes sure the previous one has been processed
	h.tick(t, time.Millisecond)
	_, triggers, _ = h.sim.snapshot()
	assert.Equal(t, 1, triggers)

	// A new run gets its own draw
	h.commands <- foundation.StartCommand{MaxNumber: 10, LuckyCount: 2}
	require.Eventually(t, func() bool {
		_, _, applied := h.sim.snapshot()
		return len(applied) == 1
	}, time.Second, time.Millisecond)
	for i := 0; i < 13; i++ {
		h.tick(t, 10*time.Millisecond)
	}
	_, triggers, _ = h.sim.snapshot()
	assert.Equal(t, 2, triggers)
	assert.Equal(t, uint64(2), h.sup.GetStats().AutoDraws)
}

func TestSupervisor_AppliesCommands(t *testing.T) {
	h := newHarness(t, SupervisorConfig{})
	require.NoError(t, h.sup.Start())
	assert.Empty(t, h.sim.RunID())

	h.commands <- foundation.StartCommand{MaxNumber: 5, LuckyCount: 1}
	h.commands <- foundation.DrawCommand{}
	require.Eventually(t, func() bool {
		_, _, applied := h.sim.snapshot()
		return len(applied) == 2
	}, time.Second, time.Millisecond)

	_, _, applied := h.sim.snapshot()
	assert.Equal(t, []foundation.CommandKind{foundation.CmdStart, foundation.CmdDraw}, applied)
	assert.Equal(t, uint64(2), h.sup.GetStats().Commands)
}

func TestSupervisor_DisposeStopsDriver(t *testing.T) {
	h := newHarness(t, SupervisorConfig{})
	require.NoError(t, h.sup.Start())

	h.commands <- foundation.DisposeCommand{}
	select {
	case <-h.sup.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor still running after dispose")
	}
}

func TestSupervisor_RestartsPanickingDriver(t *testing.T) {
	h := newHarness(t, SupervisorConfig{MaxRestarts: 2})
	h.sim.panicOn = 2
	require.NoError(t, h.sup.Start())

	for i := 0; i < 4; i++ {
		h.tick(t, 10*time.Millisecond)
	}
	ticks, _, _ := h.sim.snapshot()
	assert.GreaterOrEqual(t, ticks, 3)
	stats := h.sup.GetStats()
	assert.Equal(t, 1, stats.RestartedThreads)
	// Restarted after the panicking tick, before the driver took the next one
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.WithinRange(t, stats.LastRestart, start.Add(20*time.Millisecond), start.Add(30*time.Millisecond))
}

func TestSupervisor_GivesUpAfterMaxRestarts(t *testing.T) {
	h := newHarness(t, SupervisorConfig{MaxRestarts: 0})
	h.sim.panicOn = 1
	require.NoError(t, h.sup.Start())

	h.tick(t, 10*time.Millisecond)
	select {
	case <-h.sup.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor should give up")
	}
	assert.Equal(t, 1, h.sup.GetStats().FailedThreads)
	assert.True(t, h.sup.GetStats().LastRestart.IsZero())
}

func TestNewRootSupervisor_Validates(t *testing.T) {
	_, err := NewRootSupervisor(context.Background(), SupervisorConfig{})
	assert.Error(t, err)

	_, err = NewRootSupervisor(context.Background(), SupervisorConfig{Simulation: &fakeSimulation{}})
	assert.Error(t, err)
}

func TestSupervisor_InitialRunFailure(t *testing.T) {
	h := newHarness(t, SupervisorConfig{MaxNumber: 3, LuckyCount: 1})
	h.sim.startFail = supervisor.ErrDisposed
	err := h.sup.Start()
	assert.ErrorIs(t, err, supervisor.ErrDisposed)
	<-h.sup.Done()
}
