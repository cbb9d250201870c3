package phase

import (
	"errors"
	"fmt"
	"time"

	"github.com/nmxmxh/cosmic-lottery/kernel/threads/foundation"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/physics"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/selection"
	"github.com/nmxmxh/cosmic-lottery/kernel/utils"
)

var (
	// ErrInvalidTransition is returned for any request outside the fixed phase order
	ErrInvalidTransition = errors.New("invalid phase transition")
	// ErrAlreadyDrawn is returned when a run tries to draw a second time
	ErrAlreadyDrawn = errors.New("selection already drawn for this run")
	// ErrNotStarted is returned when the controller has no run
	ErrNotStarted = errors.New("no run in progress")
)

// Transition records one phase change
type Transition struct {
	From foundation.Phase
	To   foundation.Phase
	At   time.Time
}

// Controller sequences the phases of a run. It is owned by the control
// context and is not safe for concurrent use.
type Controller struct {
	schedule Schedule
	bundles  Bundles
	engine   *selection.Engine
	logger   *utils.Logger

	started   bool
	phase     foundation.Phase
	startedAt time.Time
	n, k      int

	drawn     bool
	selection *selection.Set

	rejections uint64
	hooks      []func(Transition)
}

// New creates a controller. A nil logger discards output.
func New(schedule Schedule, bundles Bundles, engine *selection.Engine, logger *utils.Logger) *Controller {
	if logger == nil {
		logger = utils.NopLogger()
	}
	return &Controller{
		schedule: schedule,
		bundles:  bundles,
		engine:   engine,
		logger:   logger,
	}
}

// Begin starts a run of n particles with k winners in Floating
func (c *Controller) Begin(now time.Time, n, k int) {
	c.started = true
	c.phase = foundation.PhaseFloating
	c.startedAt = now
	c.n, c.k = n, k
	c.drawn = false
	c.selection = nil
	c.logger.Debug("Run begun", utils.Int("particles", n), utils.Int("lucky", k))
}

// Reset returns to Floating with no selection and no run
func (c *Controller) Reset() {
	c.started = false
	c.phase = foundation.PhaseFloating
	c.startedAt = time.Time{}
	c.n, c.k = 0, 0
	c.drawn = false
	c.selection = nil
}

// OnTransition registers a hook called after every phase change
func (c *Controller) OnTransition(fn func(Transition)) {
	c.hooks = append(c.hooks, fn)
}

func (c *Controller) Phase() foundation.Phase { return c.phase }
func (c *Controller) StartedAt() time.Time    { return c.startedAt }
func (c *Controller) Started() bool           { return c.started }
func (c *Controller) Drawn() bool             { return c.drawn }
func (c *Controller) Rejections() uint64      { return c.rejections }

// Selection returns the drawn set, nil before the draw
func (c *Controller) Selection() *selection.Set {
	return c.selection
}

// Trigger is the external "start draw" event
func (c *Controller) Trigger(now time.Time) error {
	return c.Request(foundation.PhaseSwirling, now)
}

// Request moves to the given phase when it is the immediate successor of the
// current one. Anything else is rejected and the current phase retained.
func (c *Controller) Request(to foundation.Phase, now time.Time) error {
	if !c.started {
		return ErrNotStarted
	}
	next, ok := c.phase.Next()
	if !ok || next != to {
		c.rejections++
		err := fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.phase, to)
		c.logger.Warn("Phase transition rejected",
			utils.String("from", c.phase.String()),
			utils.String("to", to.String()))
		return err
	}
	c.enter(to, now)
	return nil
}

// Advance fires every timed exit that is due at now. Each successor starts
// at its predecessor's deadline, so a long stall walks the chain one phase at
// a time instead of skipping.
func (c *Controller) Advance(now time.Time) []Transition {
	if !c.started {
		return nil
	}
	var fired []Transition
	for c.schedule.Timed(c.phase) {
		deadline := c.startedAt.Add(c.schedule.Duration(c.phase))
		if now.Before(deadline) {
			break
		}
		from := c.phase
		next, _ := from.Next()
		c.enter(next, deadline)
		fired = append(fired, Transition{From: from, To: next, At: deadline})
	}
	return fired
}

// Draw performs the one-time selection for the current run
func (c *Controller) Draw() (*selection.Set, error) {
	if !c.started {
		return nil, ErrNotStarted
	}
	if c.drawn {
		return c.selection, ErrAlreadyDrawn
	}
	c.selection = c.engine.Select(c.n, c.k)
	c.drawn = true
	c.logger.Info("Lucky numbers drawn", utils.Any("numbers", c.selection.Numbers()))
	return c.selection, nil
}

// Progress is the fraction of the current phase that has elapsed
func (c *Controller) Progress(now time.Time) float64 {
	d := c.schedule.Duration(c.phase)
	if !c.started || d <= 0 {
		return 0
	}
	return physics.Clamp01(float64(now.Sub(c.startedAt)) / float64(d))
}

// Params returns the current phase's bundle with progress filled in
func (c *Controller) Params(now time.Time) foundation.Params {
	p := c.bundles.For(c.phase)
	p.Progress = c.Progress(now)
	return p
}

func (c *Controller) enter(to foundation.Phase, at time.Time) {
	from := c.phase
	c.phase = to
	c.startedAt = at

	if !c.drawn && (to == c.schedule.DrawPhase || to == foundation.PhaseSelection) {
		if _, err := c.Draw(); err != nil {
			c.logger.Error("Draw failed", utils.Err(err))
		}
	}

	c.logger.Debug("Phase entered",
		utils.String("from", from.String()),
		utils.String("to", to.String()))

	tr := Transition{From: from, To: to, At: at}
	for _, fn := range c.hooks {
		fn(tr)
	}
}
