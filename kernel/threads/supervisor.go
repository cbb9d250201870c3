package threads

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nmxmxh/cosmic-lottery/kernel/threads/foundation"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/supervisor"
	"github.com/nmxmxh/cosmic-lottery/kernel/utils"
)

// Simulation is the surface the root supervisor drives. *supervisor.Bridge
// satisfies it.
type Simulation interface {
	Start(maxNumber, luckyCount int) error
	Trigger(now time.Time) error
	Tick(now time.Time) error
	Apply(cmd foundation.Command) error
	RunID() string
}

// Supervisor owns the driving loop: it ticks the simulation at display
// rate, applies queued commands and fires the automatic draw. Child loops
// that panic are restarted with a linear backoff.
type Supervisor struct {
	mu sync.RWMutex

	config SupervisorConfig
	logger *utils.Logger

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	children map[string]*ChildSupervisor

	// Automatic draw bookkeeping, driver goroutine only
	pendingRun string
	drawAt     time.Time
	drawnRun   string

	stats SupervisorStats
}

type SupervisorConfig struct {
	Simulation Simulation
	Clock      utils.Clock
	Logger     *utils.Logger

	// Ticks drives the loop when set; otherwise a ticker at TickInterval does
	Ticks        <-chan time.Time
	TickInterval time.Duration

	// Commands from collaborators, applied on the driver goroutine
	Commands <-chan foundation.Command

	// Initial run, skipped when MaxNumber is 0
	MaxNumber  int
	LuckyCount int

	// AutoDraw triggers the draw this long after each run starts. 0 disables.
	AutoDraw time.Duration

	MaxRestarts    int
	RestartBackoff time.Duration
}

// SupervisorStats holds supervisor statistics
type SupervisorStats struct {
	Ticks            uint64
	TickErrors       uint64
	Commands         uint64
	CommandErrors    uint64
	AutoDraws        uint64
	FailedThreads    int
	RestartedThreads int
	LastRestart      time.Time
}

// ChildSupervisor represents a supervised loop
type ChildSupervisor struct {
	name        string
	startFunc   func(context.Context) error
	restarts    int
	maxRestarts int
	lastRestart time.Time
}

// NewRootSupervisor creates the root supervisor
func NewRootSupervisor(ctx context.Context, config SupervisorConfig) (*Supervisor, error) {
	if config.Simulation == nil {
		return nil, errors.New("supervisor: simulation required")
	}
	if config.Ticks == nil && config.TickInterval <= 0 {
		return nil, fmt.Errorf("supervisor: TickInterval must be positive, got %s", config.TickInterval)
	}
	if config.Clock == nil {
		config.Clock = utils.SystemClock{}
	}
	if config.RestartBackoff <= 0 {
		config.RestartBackoff = time.Second
	}

	logger := config.Logger
	if logger == nil {
		logger = utils.DefaultLogger("supervisor")
	}

	supervisorCtx, cancel := context.WithCancel(ctx)
	return &Supervisor{
		config:   config,
		logger:   logger,
		ctx:      supervisorCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		children: make(map[string]*ChildSupervisor),
	}, nil
}

// Start begins the initial run, if any, and spawns the driver
func (s *Supervisor) Start() error {
	s.logger.Info("Starting root supervisor",
		utils.Duration("tick_interval", s.config.TickInterval),
		utils.Duration("auto_draw", s.config.AutoDraw))

	if s.config.MaxNumber > 0 {
		if err := s.config.Simulation.Start(s.config.MaxNumber, s.config.LuckyCount); err != nil {
			s.cancel()
			close(s.done)
			return utils.WrapError(err, "initial run")
		}
	}

	s.spawnChild("driver", s.runDriver, s.config.MaxRestarts)
	go func() {
		s.wg.Wait()
		s.cancel()
		close(s.done)
	}()
	return nil
}

// Stop cancels every child and waits for them to exit
func (s *Supervisor) Stop() error {
	s.cancel()
	<-s.done
	s.logger.Info("Root supervisor stopped")
	return nil
}

// Done is closed once every child has exited
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

func (s *Supervisor) GetStats() SupervisorStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

func (s *Supervisor) spawnChild(name string, startFunc func(context.Context) error, maxRestarts int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	child := &ChildSupervisor{
		name:        name,
		startFunc:   startFunc,
		maxRestarts: maxRestarts,
	}

	s.children[name] = child
	s.wg.Add(1)
	go s.superviseChild(child)
}

// superviseChild supervises a child loop with automatic restart
func (s *Supervisor) superviseChild(child *ChildSupervisor) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debug("Child supervisor stopping", utils.String("name", child.name))
			return
		default:
		}

		err := s.runChildWithRecovery(child)
		if err == nil {
			continue
		}
		s.logger.Error("Child supervisor failed", utils.String("name", child.name), utils.Err(err))

		if child.restarts >= child.maxRestarts {
			s.logger.Error("Child supervisor exceeded max restarts",
				utils.String("name", child.name),
				utils.Int("restarts", child.restarts))
			s.mu.Lock()
			s.stats.FailedThreads++
			s.mu.Unlock()
			return
		}

		backoff := time.Duration(child.restarts+1) * s.config.RestartBackoff
		s.logger.Warn("Restarting child supervisor",
			utils.String("name", child.name),
			utils.Duration("backoff", backoff))

		select {
		case <-time.After(backoff):
		case <-s.ctx.Done():
			return
		}
		child.restarts++
		child.lastRestart = s.config.Clock.Now()

		s.mu.Lock()
		s.stats.RestartedThreads++
		s.stats.LastRestart = child.lastRestart
		s.mu.Unlock()
	}
}

// runChildWithRecovery runs a child with panic recovery
func (s *Supervisor) runChildWithRecovery(child *ChildSupervisor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = utils.RecoveredError(child.name, r)
		}
	}()
	return child.startFunc(s.ctx)
}

// runDriver is the display-rate loop. It returns nil only once the
// supervisor context is done.
func (s *Supervisor) runDriver(ctx context.Context) error {
	ticks := s.config.Ticks
	if ticks == nil {
		ticker := time.NewTicker(s.config.TickInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}
	commands := s.config.Commands

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ticks:
			if !ok {
				s.cancel()
				return nil
			}
			s.tick(s.config.Clock.Now())
		case cmd, ok := <-commands:
			if !ok {
				commands = nil
				continue
			}
			s.apply(cmd)
		}
	}
}

func (s *Supervisor) tick(now time.Time) {
	sim := s.config.Simulation
	err := sim.Tick(now)
	s.mu.Lock()
	s.stats.Ticks++
	if err != nil {
		s.stats.TickErrors++
	}
	s.mu.Unlock()

	if errors.Is(err, supervisor.ErrDisposed) {
		s.logger.Info("Simulation disposed, stopping driver")
		s.cancel()
		return
	}
	if err != nil {
		s.logger.Warn("Tick failed", utils.Err(err))
	}
	s.autoDraw(now)
}

// autoDraw fires one trigger per run once AutoDraw has elapsed since the
// driver first saw the run
func (s *Supervisor) autoDraw(now time.Time) {
	if s.config.AutoDraw <= 0 {
		return
	}
	runID := s.config.Simulation.RunID()
	if runID == "" || runID == s.drawnRun {
		return
	}
	if runID != s.pendingRun {
		s.pendingRun = runID
		s.drawAt = now.Add(s.config.AutoDraw)
		return
	}
	if now.Before(s.drawAt) {
		return
	}

	s.drawnRun = runID
	if err := s.config.Simulation.Trigger(now); err != nil {
		s.logger.Warn("Automatic draw failed", utils.String("run_id", runID), utils.Err(err))
		return
	}
	s.mu.Lock()
	s.stats.AutoDraws++
	s.mu.Unlock()
	s.logger.Info("Automatic draw", utils.String("run_id", runID))
}

func (s *Supervisor) apply(cmd foundation.Command) {
	err := s.config.Simulation.Apply(cmd)
	s.mu.Lock()
	s.stats.Commands++
	if err != nil {
		s.stats.CommandErrors++
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("Command failed", utils.String("command", string(cmd.Kind())), utils.Err(err))
		if errors.Is(err, supervisor.ErrDisposed) {
			s.cancel()
		}
		return
	}
	if _, ok := cmd.(foundation.DisposeCommand); ok {
		s.cancel()
	}
}
