package phase

import (
	"errors"
	"testing"
	"time"

	"github.com/nmxmxh/cosmic-lottery/kernel/threads/foundation"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/selection"
	"github.com/nmxmxh/cosmic-lottery/kernel/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newController(t *testing.T, schedule Schedule) (*Controller, *utils.MockClock, *[]Transition) {
	t.Helper()
	require.NoError(t, schedule.Validate())
	c := New(schedule, DefaultBundles(), selection.NewEngine(rand.New(rand.NewSource(1))), nil)
	clock := utils.NewMockClock(epoch)
	var seen []Transition
	c.OnTransition(func(tr Transition) { seen = append(seen, tr) })
	c.Begin(clock.Now(), 1000, 6)
	return c, clock, &seen
}

func sequence(trs []Transition) []foundation.Phase {
	out := make([]foundation.Phase, 0, len(trs)+1)
	if len(trs) > 0 {
		out = append(out, trs[0].From)
	}
	for _, tr := range trs {
		out = append(out, tr.To)
	}
	return out
}

func TestDefaults_Valid(t *testing.T) {
	require.NoError(t, DefaultSchedule().Validate())
	require.NoError(t, DefaultBundles().Validate())
}

func TestController_FloatingWaitsForTrigger(t *testing.T) {
	c, clock, seen := newController(t, DefaultSchedule())

	// No amount of time leaves Floating on its own
	assert.Empty(t, c.Advance(clock.Advance(time.Hour)))
	assert.Equal(t, foundation.PhaseFloating, c.Phase())
	assert.Equal(t, 0.0, c.Progress(clock.Now()))
	assert.Empty(t, *seen)
}

func TestController_FullRun(t *testing.T) {
	schedule := DefaultSchedule()
	c, clock, seen := newController(t, schedule)

	require.NoError(t, c.Trigger(clock.Now()))
	assert.Equal(t, foundation.PhaseSwirling, c.Phase())

	// Tick at 60 Hz through the whole sequence
	for i := 0; i < 60*20; i++ {
		c.Advance(clock.Advance(time.Second / 60))
	}

	assert.Equal(t, foundation.PhaseLiningUp, c.Phase())
	assert.Equal(t, uint64(0), c.Rejections())
	assert.Equal(t, foundation.Phases(), sequence(*seen))

	require.True(t, c.Drawn())
	assert.Equal(t, 6, c.Selection().Len())

	// Terminal phase stays put
	c.Advance(clock.Advance(time.Hour))
	assert.Equal(t, foundation.PhaseLiningUp, c.Phase())
	assert.Equal(t, 1.0, c.Progress(clock.Now()))
}

func TestController_StallNeverSkips(t *testing.T) {
	schedule := DefaultSchedule()
	c, clock, _ := newController(t, schedule)
	require.NoError(t, c.Trigger(clock.Now()))
	start := clock.Now()

	fired := c.Advance(clock.Advance(schedule.Total() + time.Millisecond))
	require.Len(t, fired, 4)
	assert.Equal(t, []foundation.Phase{
		foundation.PhaseSwirling, foundation.PhaseBlackhole, foundation.PhaseClashing,
		foundation.PhaseSelection, foundation.PhaseLiningUp,
	}, sequence(fired))

	// Deadlines chain from the previous deadline, not from now
	assert.Equal(t, start.Add(schedule.Swirl), fired[0].At)
	assert.Equal(t, start.Add(schedule.Swirl+schedule.Blackhole), fired[1].At)
	assert.Equal(t, start.Add(schedule.Total()), fired[3].At)
	assert.Equal(t, start.Add(schedule.Total()), c.StartedAt())
}

func TestController_RejectsOutOfOrder(t *testing.T) {
	c, clock, seen := newController(t, DefaultSchedule())

	err := c.Request(foundation.PhaseBlackhole, clock.Now())
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, foundation.PhaseFloating, c.Phase())

	require.NoError(t, c.Trigger(clock.Now()))

	// Revisit and self-transition are both rejected
	assert.ErrorIs(t, c.Request(foundation.PhaseFloating, clock.Now()), ErrInvalidTransition)
	assert.ErrorIs(t, c.Request(foundation.PhaseSwirling, clock.Now()), ErrInvalidTransition)
	assert.ErrorIs(t, c.Trigger(clock.Now()), ErrInvalidTransition)
	assert.Equal(t, foundation.PhaseSwirling, c.Phase())
	assert.Equal(t, uint64(4), c.Rejections())
	assert.Len(t, *seen, 1)
}

func TestController_TerminalRejectsEverything(t *testing.T) {
	c, clock, _ := newController(t, DefaultSchedule())
	require.NoError(t, c.Trigger(clock.Now()))
	c.Advance(clock.Advance(time.Minute))
	require.Equal(t, foundation.PhaseLiningUp, c.Phase())

	for _, p := range foundation.Phases() {
		assert.ErrorIs(t, c.Request(p, clock.Now()), ErrInvalidTransition)
	}
	assert.Equal(t, foundation.PhaseLiningUp, c.Phase())
}

func TestController_DrawsOnceOnClashingEntry(t *testing.T) {
	schedule := DefaultSchedule()
	c, clock, _ := newController(t, schedule)
	require.NoError(t, c.Trigger(clock.Now()))

	c.Advance(clock.Advance(schedule.Swirl + schedule.Blackhole - time.Millisecond))
	assert.Equal(t, foundation.PhaseBlackhole, c.Phase())
	assert.False(t, c.Drawn())

	c.Advance(clock.Advance(time.Millisecond))
	require.Equal(t, foundation.PhaseClashing, c.Phase())
	require.True(t, c.Drawn())
	first := c.Selection().Indices()

	set, err := c.Draw()
	assert.ErrorIs(t, err, ErrAlreadyDrawn)
	assert.Equal(t, first, set.Indices())

	// Selection entry keeps the earlier draw
	c.Advance(clock.Advance(schedule.Clash))
	require.Equal(t, foundation.PhaseSelection, c.Phase())
	assert.Equal(t, first, c.Selection().Indices())
}

func TestController_LateDrawOnSelectionEntry(t *testing.T) {
	schedule := DefaultSchedule()
	schedule.DrawPhase = foundation.PhaseSelection
	c, clock, _ := newController(t, schedule)
	require.NoError(t, c.Trigger(clock.Now()))

	c.Advance(clock.Advance(schedule.Swirl + schedule.Blackhole + schedule.Clash/2))
	require.Equal(t, foundation.PhaseClashing, c.Phase())
	assert.False(t, c.Drawn())

	c.Advance(clock.Advance(schedule.Clash))
	require.Equal(t, foundation.PhaseSelection, c.Phase())
	assert.True(t, c.Drawn())
	assert.Equal(t, 6, c.Selection().Len())
}

func TestController_ProgressAndParams(t *testing.T) {
	schedule := DefaultSchedule()
	c, clock, _ := newController(t, schedule)
	require.NoError(t, c.Trigger(clock.Now()))

	clock.Advance(schedule.Swirl / 4)
	assert.InDelta(t, 0.25, c.Progress(clock.Now()), 1e-9)

	params := c.Params(clock.Now())
	want := DefaultBundles()[foundation.PhaseSwirling]
	assert.Equal(t, want.GravitationalPull, params.GravitationalPull)
	assert.Equal(t, want.Damping, params.Damping)
	assert.InDelta(t, 0.25, params.Progress, 1e-9)

	// Progress clamps before Advance catches up
	assert.Equal(t, 1.0, c.Progress(clock.Now().Add(time.Hour)))
}

func TestController_Reset(t *testing.T) {
	c, clock, _ := newController(t, DefaultSchedule())
	require.NoError(t, c.Trigger(clock.Now()))
	c.Advance(clock.Advance(time.Minute))
	require.True(t, c.Drawn())

	c.Reset()
	assert.Equal(t, foundation.PhaseFloating, c.Phase())
	assert.False(t, c.Drawn())
	assert.Nil(t, c.Selection())
	assert.ErrorIs(t, c.Trigger(clock.Now()), ErrNotStarted)

	_, err := c.Draw()
	assert.ErrorIs(t, err, ErrNotStarted)

	// A fresh run can draw again
	c.Begin(clock.Now(), 10, 3)
	_, err = c.Draw()
	assert.NoError(t, err)
}

func TestBundles_Validate(t *testing.T) {
	b := DefaultBundles()
	b[foundation.PhaseBlackhole].GravitationalPull = 0
	assert.Error(t, b.Validate())

	b = DefaultBundles()
	b[foundation.PhaseClashing].OrbitalVelocityFactor = 1
	assert.Error(t, b.Validate())

	b = DefaultBundles()
	b[foundation.PhaseSelection].Damping = 1.5
	assert.Error(t, b.Validate())
}

func TestSchedule_Validate(t *testing.T) {
	s := DefaultSchedule()
	s.Blackhole = 0
	assert.Error(t, s.Validate())

	s = DefaultSchedule()
	s.DrawPhase = foundation.PhaseSwirling
	assert.Error(t, s.Validate())

	assert.False(t, s.Timed(foundation.PhaseFloating))
	assert.False(t, s.Timed(foundation.PhaseLiningUp))
	assert.True(t, s.Timed(foundation.PhaseSelection))
}
