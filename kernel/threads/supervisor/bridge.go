package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/cosmic-lottery/kernel/threads/foundation"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/phase"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/physics"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/sab"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/selection"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/supervisor/units"
	"github.com/nmxmxh/cosmic-lottery/kernel/utils"
	"golang.org/x/exp/rand"
)

// Options wires a Bridge. Zero values fall back to defaults.
type Options struct {
	Config   Config
	Tuning   physics.Tuning
	Schedule phase.Schedule
	Bundles  phase.Bundles
	Clock    utils.Clock
	Logger   *utils.Logger

	// NewHandler builds the worker-side handler for each spawned worker and
	// for the local executor.
	NewHandler func() Handler

	// OnStatus receives every reported event. It runs on the caller's
	// goroutine after the bridge lock is released.
	OnStatus func(Status)
}

// Bridge owns the canonical particle buffers and drives one integration
// request per tick, never more than one outstanding at a time.
type Bridge struct {
	mu sync.Mutex

	cfg        Config
	clock      utils.Clock
	logger     *utils.Logger
	newHandler func() Handler
	onStatus   func(Status)

	ctrl    *phase.Controller
	rng     *rand.Rand
	worker  Worker
	local   Handler
	breaker *Breaker
	flow    *FlowController

	run      *Run
	seq      uint64
	inflight *inflight
	disposed bool

	frame atomic.Pointer[foundation.Frame]
	epoch *foundation.Epoch

	stats   Stats
	pending []Status
}

// NewBridge validates the options and spawns the worker
func NewBridge(opts Options) (*Bridge, error) {
	if opts.Config == (Config{}) {
		opts.Config = DefaultConfig()
	}
	if opts.Tuning == (physics.Tuning{}) {
		opts.Tuning = physics.DefaultTuning()
	}
	if opts.Schedule == (phase.Schedule{}) {
		opts.Schedule = phase.DefaultSchedule()
	}
	if opts.Bundles == (phase.Bundles{}) {
		opts.Bundles = phase.DefaultBundles()
	}
	if opts.Clock == nil {
		opts.Clock = utils.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = utils.NopLogger()
	}

	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Tuning.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Schedule.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Bundles.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger.Named("bridge")
	if opts.NewHandler == nil {
		tuning := opts.Tuning
		unitLogger := opts.Logger.Named("worker")
		opts.NewHandler = func() Handler {
			return units.NewParticleUnit(tuning, unitLogger)
		}
	}

	rng := rand.New(rand.NewSource(utils.GenerateSeed()))
	b := &Bridge{
		cfg:        opts.Config,
		clock:      opts.Clock,
		logger:     logger,
		newHandler: opts.NewHandler,
		onStatus:   opts.OnStatus,
		rng:        rng,
		local:      opts.NewHandler(),
		flow:       NewFlowController(opts.Config.MinInterval, opts.Config.RateCeiling),
		epoch:      foundation.NewEpoch(),
	}
	b.ctrl = phase.New(opts.Schedule, opts.Bundles, selection.NewEngine(rng), opts.Logger.Named("phase"))
	b.ctrl.OnTransition(b.onTransition)
	b.breaker = NewBreaker(opts.Config, b.onBreakerChange)
	if b.onStatus == nil {
		b.onStatus = b.logStatus
	}
	if b.cfg.Mode == ModeWorker {
		b.worker = SpawnWorker(b.newHandler(), b.cfg.MailboxSize, logger)
	}

	logger.Info("Simulation bridge ready",
		utils.String("mode", b.cfg.Mode.String()),
		utils.Duration("min_interval", b.cfg.MinInterval))
	return b, nil
}

// Start begins a run of maxNumber particles with luckyCount winners. A run
// already in progress is abandoned.
func (b *Bridge) Start(maxNumber, luckyCount int) error {
	b.mu.Lock()
	err := b.startLocked(maxNumber, luckyCount)
	out := b.drainStatus()
	b.mu.Unlock()
	b.emit(out)
	return err
}

func (b *Bridge) startLocked(maxNumber, luckyCount int) error {
	if b.disposed {
		return ErrDisposed
	}
	cmd := foundation.StartCommand{MaxNumber: maxNumber, LuckyCount: luckyCount}
	if err := cmd.Validate(); err != nil {
		b.stats.ValidationErrors++
		b.report(Status{Kind: StatusValidationError, Err: err})
		return err
	}

	if b.run != nil {
		b.abandonLocked()
	}

	now := b.clock.Now()
	seed := b.cfg.Seed
	if seed == 0 {
		seed = utils.GenerateSeed()
	}
	b.rng.Seed(seed)

	b.run = &Run{
		ID:         utils.GenerateID(),
		MaxNumber:  maxNumber,
		LuckyCount: luckyCount,
		Seed:       seed,
		StartedAt:  now,
	}
	b.ctrl.Begin(now, maxNumber, luckyCount)
	b.flow.Reset()

	b.logger.Info("Run started",
		utils.String("run_id", b.run.ID),
		utils.Int("max_number", maxNumber),
		utils.Int("lucky_count", luckyCount),
		utils.Uint64("seed", seed))

	b.sendInit(now)
	return nil
}

// Trigger fires the external "start draw" event
func (b *Bridge) Trigger(now time.Time) error {
	b.mu.Lock()
	err := b.triggerLocked(now)
	out := b.drainStatus()
	b.mu.Unlock()
	b.emit(out)
	return err
}

func (b *Bridge) triggerLocked(now time.Time) error {
	if b.disposed {
		return ErrDisposed
	}
	if b.run == nil {
		return ErrNoRun
	}
	if err := b.ctrl.Trigger(now); err != nil {
		if errors.Is(err, phase.ErrInvalidTransition) {
			b.stats.InvalidTransitions++
			b.report(Status{Kind: StatusInvalidTransition, Err: err})
		}
		return err
	}
	return nil
}

// Tick is called once per driving-loop frame. It never blocks on the worker.
func (b *Bridge) Tick(now time.Time) error {
	b.mu.Lock()
	err := b.tickLocked(now)
	out := b.drainStatus()
	b.mu.Unlock()
	b.emit(out)
	return err
}

func (b *Bridge) tickLocked(now time.Time) error {
	if b.disposed {
		return ErrDisposed
	}

	b.reconcile(now)
	if b.run == nil {
		return nil
	}
	b.checkTimeout(now)

	b.ctrl.Advance(now)
	b.pushSelection(now)

	// A dropped tick must not consume the pacer slot
	if b.inflight != nil {
		b.stats.Dropped++
		b.report(Status{Kind: StatusFrameDropped, Detail: b.inflight.kind})
		return nil
	}
	if !b.flow.Allow(now) {
		b.stats.Throttled++
		return nil
	}
	if !b.run.ready || b.run.Arena == nil {
		b.sendInit(now)
		return nil
	}
	b.dispatchUpdate(now)
	return nil
}

// Reset abandons any in-flight request, zeroes the buffers, clears the
// selection and returns to Floating. The run is destroyed.
func (b *Bridge) Reset() error {
	b.mu.Lock()
	err := b.resetLocked()
	out := b.drainStatus()
	b.mu.Unlock()
	b.emit(out)
	return err
}

func (b *Bridge) resetLocked() error {
	if b.disposed {
		return ErrDisposed
	}
	now := b.clock.Now()

	n := 0
	runID := ""
	if b.run != nil {
		n, runID = b.run.MaxNumber, b.run.ID
		b.abandonLocked()
	}
	b.ctrl.Reset()
	b.flow.Reset()

	arena := sab.NewArena(n)
	if err := arena.Transfer(sab.RegionOwnerControl, sab.RegionOwnerWorker); err == nil {
		resp := invoke(b.local, foundation.Request{Seq: b.nextSeq(), Command: foundation.ResetCommand{}, Arena: arena})
		if resp.Kind != foundation.RespResetComplete {
			b.logger.Warn("Local reset failed", utils.Err(resp.Err))
		}
	}
	b.run = nil

	b.publish(&foundation.Frame{
		RunID:         runID,
		Phase:         foundation.PhaseFloating,
		ParticleCount: n,
		Positions:     make([]float64, sab.BufferLen(n)),
	})
	b.report(Status{Kind: StatusResetComplete, RunID: runID, At: now})
	b.logger.Info("Run reset", utils.String("run_id", runID))
	return nil
}

// Dispose terminates the worker and releases everything. Later calls
// return ErrDisposed.
func (b *Bridge) Dispose() error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return ErrDisposed
	}
	if b.worker != nil {
		b.worker.Terminate()
		b.worker = nil
	}
	b.run = nil
	b.inflight = nil
	b.ctrl.Reset()
	b.disposed = true
	b.epoch.Close()
	b.report(Status{Kind: StatusDisposed, At: b.clock.Now()})
	out := b.drainStatus()
	b.mu.Unlock()

	b.emit(out)
	b.logger.Info("Simulation bridge disposed")
	return nil
}

// HandleMessage decodes one controlling-layer envelope and applies it
func (b *Bridge) HandleMessage(raw []byte) error {
	cmd, err := DecodeCommand(raw)
	if err != nil {
		b.mu.Lock()
		b.stats.ValidationErrors++
		b.report(Status{Kind: StatusValidationError, Err: err})
		out := b.drainStatus()
		b.mu.Unlock()
		b.emit(out)
		return err
	}
	return b.Apply(cmd)
}

// Apply executes a decoded controlling-layer command
func (b *Bridge) Apply(cmd foundation.Command) error {
	switch c := cmd.(type) {
	case foundation.StartCommand:
		return b.Start(c.MaxNumber, c.LuckyCount)
	case foundation.DrawCommand:
		return b.Trigger(b.clock.Now())
	case foundation.ResetCommand:
		return b.Reset()
	case foundation.DisposeCommand:
		return b.Dispose()
	}

	err := foundation.NewValidationError(cmd.Kind(), "command", "not accepted by the bridge")
	b.mu.Lock()
	b.stats.ValidationErrors++
	b.report(Status{Kind: StatusValidationError, Err: err})
	out := b.drainStatus()
	b.mu.Unlock()
	b.emit(out)
	return err
}

// WaitIdle blocks until no request is outstanding. Meant for tests and
// shutdown; the driving loop never waits.
func (b *Bridge) WaitIdle(ctx context.Context) error {
	for {
		b.mu.Lock()
		if b.disposed {
			b.mu.Unlock()
			return ErrDisposed
		}
		if b.inflight == nil {
			b.mu.Unlock()
			return nil
		}
		w := b.worker
		b.mu.Unlock()

		if w == nil {
			return nil
		}
		select {
		case resp := <-w.Responses():
			b.mu.Lock()
			if b.worker == w {
				b.apply(resp, b.clock.Now())
			}
			out := b.drainStatus()
			b.mu.Unlock()
			b.emit(out)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Frame returns the latest published frame, nil before the first one
func (b *Bridge) Frame() *foundation.Frame {
	return b.frame.Load()
}

// Epoch increments once per published frame
func (b *Bridge) Epoch() *foundation.Epoch {
	return b.epoch
}

// Phase returns the active phase and its progress at now
func (b *Bridge) Phase(now time.Time) (foundation.Phase, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ctrl.Phase(), b.ctrl.Progress(now)
}

// RunID returns the current run, empty when idle
func (b *Bridge) RunID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.run == nil {
		return ""
	}
	return b.run.ID
}

// Stats returns a snapshot of the counters
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Mode = b.modeLocked().String()
	s.Breaker = b.breaker.State()
	s.InFlight = b.inflight != nil
	s.Epoch = b.epoch.Value()
	return s
}

// FlowStats exposes the pacer counters
func (b *Bridge) FlowStats() FlowStats {
	return b.flow.GetStats()
}

// modeLocked is the effective execution mode, accounting for the breaker
func (b *Bridge) modeLocked() Mode {
	if b.cfg.Mode == ModeLocal || b.worker == nil || !b.breaker.Allow() {
		return ModeLocal
	}
	return ModeWorker
}

func (b *Bridge) nextSeq() uint64 {
	b.seq++
	return b.seq
}

// sendInit asks the executing side to allocate and seed the buffers
func (b *Bridge) sendInit(now time.Time) {
	req := foundation.Request{
		Seq:     b.nextSeq(),
		Command: foundation.InitCommand{ParticleCount: b.run.MaxNumber, Seed: b.run.Seed},
	}
	b.run.ready = false
	b.run.selectionSent = false
	b.send(req, now)
}

func (b *Bridge) dispatchUpdate(now time.Time) {
	arena := b.run.Arena
	if err := arena.Transfer(sab.RegionOwnerControl, sab.RegionOwnerWorker); err != nil {
		b.fail(fmt.Errorf("%w: %v", ErrWorkerFailure, err), now)
		return
	}
	b.run.Arena = nil

	req := foundation.Request{
		Seq: b.nextSeq(),
		Command: foundation.UpdateCommand{
			Phase:  b.ctrl.Phase(),
			Params: b.ctrl.Params(now),
			Time:   now.Sub(b.run.StartedAt),
		},
		Arena: arena,
	}
	b.stats.Requests++
	b.send(req, now)
}

// send routes an arena-carrying request to the worker or runs it locally
func (b *Bridge) send(req foundation.Request, now time.Time) {
	kind := string(req.Command.Kind())
	if b.modeLocked() == ModeLocal {
		b.inflight = &inflight{seq: req.Seq, kind: kind, sentAt: now, local: true}
		if req.Command.Kind() == foundation.CmdUpdate {
			b.stats.LocalSteps++
		}
		b.apply(invoke(b.local, req), now)
		return
	}

	b.inflight = &inflight{seq: req.Seq, kind: kind, sentAt: now}
	if !b.worker.Send(req) {
		b.fail(fmt.Errorf("%w: mailbox rejected %s", ErrWorkerFailure, kind), now)
	}
}

// pushSelection forwards the drawn set once per run, queued behind any
// in-flight update
func (b *Bridge) pushSelection(now time.Time) {
	if !b.ctrl.Drawn() || !b.run.ready || b.run.selectionSent {
		return
	}
	indices := b.ctrl.Selection().Indices()

	req := foundation.Request{Seq: b.nextSeq(), Command: foundation.UpdateSelectedCommand{Indices: indices}}
	resp := invoke(b.local, req)
	if resp.Kind != foundation.RespSelectionUpdated {
		b.logger.Warn("Local executor rejected selection", utils.Err(resp.Err))
	}

	if b.worker != nil && !b.worker.Send(req) {
		return
	}
	b.run.selectionSent = true
	b.report(Status{Kind: StatusSelectionUpdated, RunID: b.run.ID, Phase: b.ctrl.Phase(), At: now,
		Detail: fmt.Sprint(b.ctrl.Selection().Numbers())})
}

// reconcile applies every response that has already arrived
func (b *Bridge) reconcile(now time.Time) {
	if b.worker == nil {
		return
	}
	for {
		select {
		case resp := <-b.worker.Responses():
			b.apply(resp, now)
		default:
			return
		}
	}
}

func (b *Bridge) checkTimeout(now time.Time) {
	if b.inflight == nil || b.inflight.local {
		return
	}
	if age := now.Sub(b.inflight.sentAt); age > b.cfg.WorkerTimeout {
		b.fail(fmt.Errorf("%w: %v", ErrWorkerFailure, utils.TimeoutError(b.inflight.kind)), now)
	}
}

func (b *Bridge) apply(resp foundation.Response, now time.Time) {
	current := b.inflight != nil && b.inflight.seq == resp.Seq

	switch resp.Kind {
	case foundation.RespInitialized:
		if !current || b.run == nil {
			return
		}
		if !b.adopt(resp.Arena, now) {
			return
		}
		b.run.ready = true
		b.inflight = nil
		b.publishRun(resp.Seq, now)
		b.report(Status{Kind: StatusInitialized, RunID: b.run.ID, At: now,
			Detail: fmt.Sprintf("%d particles", b.run.MaxNumber)})

	case foundation.RespUpdated:
		if !current || b.run == nil {
			return
		}
		wasLocal := b.inflight.local
		if !b.adopt(resp.Arena, now) {
			return
		}
		b.stats.Updates++
		b.stats.LastLatency = now.Sub(b.inflight.sentAt)
		b.inflight = nil
		if !wasLocal {
			b.breaker.Record(nil)
		}
		b.publishRun(resp.Seq, now)

	case foundation.RespSelectionUpdated, foundation.RespResetComplete:
		// Acknowledgements of fire-and-forget control messages

	case foundation.RespValidationError:
		b.stats.ValidationErrors++
		b.report(Status{Kind: StatusValidationError, Err: resp.Err, At: now, Detail: string(resp.Command)})
		if current {
			if resp.Arena != nil && b.run != nil {
				b.adopt(resp.Arena, now)
			}
			b.inflight = nil
		}

	case foundation.RespWorkerFailure:
		if !current && resp.Command != foundation.CmdUpdateSelected {
			return
		}
		b.fail(fmt.Errorf("%w: %v", ErrWorkerFailure, resp.Err), now)
	}
}

// adopt takes the arena back from a response, checking it is really ours
func (b *Bridge) adopt(arena *sab.Arena, now time.Time) bool {
	if arena == nil || arena.Owner() != sab.RegionOwnerControl || arena.Count() != b.run.MaxNumber {
		b.fail(fmt.Errorf("%w: response returned unusable buffers", ErrWorkerFailure), now)
		return false
	}
	b.run.Arena = arena
	return true
}

// fail handles a crashed or hung worker: replace it and re-init on the next
// tick. In-flight velocities are lost.
func (b *Bridge) fail(err error, now time.Time) {
	b.stats.WorkerFailures++
	wasLocal := b.inflight != nil && b.inflight.local
	b.inflight = nil

	runID := ""
	if b.run != nil {
		runID = b.run.ID
		b.run.Arena = nil
		b.run.ready = false
		b.run.selectionSent = false
	}
	b.report(Status{Kind: StatusWorkerFailure, RunID: runID, Phase: b.ctrl.Phase(), Err: err, At: now})

	if wasLocal {
		b.local = b.newHandler()
		return
	}
	b.breaker.Record(err)
	b.replaceWorker()
	b.stats.WorkerRestarts++
	b.logger.Warn("Worker respawned", utils.Uint64("restarts", b.stats.WorkerRestarts))
}

// replaceWorker terminates the current worker outright and spawns a fresh one
func (b *Bridge) replaceWorker() {
	if b.worker != nil {
		b.worker.Terminate()
		b.worker = nil
	}
	if b.cfg.Mode == ModeWorker {
		b.worker = SpawnWorker(b.newHandler(), b.cfg.MailboxSize, b.logger)
	}
}

// abandonLocked drops the current run and any in-flight request
// unconditionally. There is no drain and no cancellation handshake.
func (b *Bridge) abandonLocked() {
	b.replaceWorker()
	b.inflight = nil
	b.run = nil
	b.ctrl.Reset()
}

func (b *Bridge) publishRun(seq uint64, now time.Time) {
	run := b.run
	current := b.ctrl.Phase()
	frame := &foundation.Frame{
		RunID:         run.ID,
		Seq:           seq,
		Phase:         current,
		Progress:      b.ctrl.Progress(now),
		ParticleCount: run.MaxNumber,
		Positions:     run.Arena.CopyPositions(),
	}
	if set := b.ctrl.Selection(); set != nil {
		frame.Selected = set.Indices()
		if current == foundation.PhaseLiningUp {
			frame.Numbers = set.Numbers()
		}
	}
	b.publish(frame)
}

func (b *Bridge) publish(frame *foundation.Frame) {
	frame.Epoch = b.epoch.Value() + 1
	b.frame.Store(frame)
	b.epoch.Increment()
}

func (b *Bridge) onTransition(tr phase.Transition) {
	runID := ""
	if b.run != nil {
		runID = b.run.ID
	}
	b.report(Status{Kind: StatusPhaseChanged, RunID: runID, Phase: tr.To, At: tr.At,
		Detail: tr.From.String() + "->" + tr.To.String()})
}

func (b *Bridge) onBreakerChange(from, to string) {
	b.report(Status{Kind: StatusModeChanged, At: b.clock.Now(), Detail: "breaker " + from + "->" + to})
}

func (b *Bridge) report(s Status) {
	if s.At.IsZero() {
		s.At = b.clock.Now()
	}
	if s.RunID == "" && b.run != nil {
		s.RunID = b.run.ID
	}
	b.pending = append(b.pending, s)
}

func (b *Bridge) drainStatus() []Status {
	out := b.pending
	b.pending = nil
	return out
}

func (b *Bridge) emit(statuses []Status) {
	for _, s := range statuses {
		b.onStatus(s)
	}
}

func (b *Bridge) logStatus(s Status) {
	fields := []utils.Field{
		utils.String("status", string(s.Kind)),
		utils.String("phase", s.Phase.String()),
	}
	if s.RunID != "" {
		fields = append(fields, utils.String("run_id", s.RunID))
	}
	if s.Detail != "" {
		fields = append(fields, utils.String("detail", s.Detail))
	}
	switch {
	case s.Err != nil:
		b.logger.Warn("Simulation status", append(fields, utils.Err(s.Err))...)
	case s.Kind == StatusFrameDropped:
		b.logger.Debug("Simulation status", fields...)
	default:
		b.logger.Info("Simulation status", fields...)
	}
}
