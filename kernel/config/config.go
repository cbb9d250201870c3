package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nmxmxh/cosmic-lottery/kernel/core/feed"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/foundation"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/phase"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/physics"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/supervisor"
	"github.com/nmxmxh/cosmic-lottery/kernel/utils"
	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/gcfg.v1"
)

const ExampleFile = `# Every variable is optional. Unset values keep their defaults.

[Simulation]
# Particles in a run, numbered 1..MaxNumber.
MaxNumber = 1000
# Winners drawn per run.
LuckyCount = 6
# Fixed seed for reproducible runs. Leave empty for a fresh seed per run.
# Seed = 1234
# Trigger the draw automatically this long after a run starts.
# AutoDraw = 3s
# Rate of the driving loop. The bridge paces updates on its own.
TickRate = 120

[Physics]
BoxSize = 200
BounceFactor = 0.8
LineUpHalfWidth = 60

[Schedule]
Swirl = 4s
Blackhole = 3s
Clash = 2s
Selection = 2s
LineUp = 2.5s
# clashing or selection
DrawPhase = clashing

# A bundle section replaces the whole bundle of one phase.
# [Bundle "blackhole"]
# GravitationalPull = 0.002
# OrbitalVelocityFactor = 0.012
# Damping = 0.985

[Bridge]
# worker or local
Mode = worker
MinInterval = 16ms
WorkerTimeout = 2s
BreakerFailures = 3
BreakerCooldown = 5s

[Feed]
Addr = :8080
Path = /feed
Compress = false
Quality = 4

[Log]
Level = info
Color = true
`

// Config is the file form of every tunable. Durations are Go duration strings.
type Config struct {
	Simulation SimulationConfig
	Physics    PhysicsConfig
	Schedule   ScheduleConfig
	Bundle     map[string]*BundleConfig
	Bridge     BridgeConfig
	Feed       FeedConfig
	Log        LogConfig
}

type SimulationConfig struct {
	MaxNumber  int
	LuckyCount int
	Seed       string
	AutoDraw   string
	TickRate   int
}

type PhysicsConfig struct {
	BoxSize        float64
	ParticleRadius float64
	BounceFactor   float64

	SpeedFactor        float64
	MinContinuousSpeed float64
	FloatMotion        float64
	ExpansionFactor    float64
	PeculiarVelocityX  float64
	PeculiarVelocityY  float64
	PeculiarVelocityZ  float64

	SwirlJitter              float64
	MaxGravitationalPull     float64
	MaxOrbitalVelocityFactor float64
	FadeRadiusFraction       float64
	FadeDamping              float64

	ClashInwardForce float64
	FadeAwayForce    float64
	SpiralFactor     float64

	LineUpHalfWidth       float64
	SelectionRate         float64
	LineUpRate            float64
	MinBlend              float64
	LineUpVelocityDamping float64
}

type ScheduleConfig struct {
	Swirl     string
	Blackhole string
	Clash     string
	Selection string
	LineUp    string
	DrawPhase string
}

type BundleConfig struct {
	GravitationalPull     float64
	OrbitalVelocityFactor float64
	Damping               float64
}

type BridgeConfig struct {
	Mode            string
	MinInterval     string
	RateCeiling     int
	WorkerTimeout   string
	MailboxSize     int
	BreakerFailures int
	BreakerCooldown string
}

type FeedConfig struct {
	Addr          string
	Path          string
	Compress      bool
	Quality       int
	WriteTimeout  string
	PollInterval  string
	MaxClients    int
	CommandBuffer int
}

type LogConfig struct {
	Level  string
	Color  bool
	Caller bool
}

// Default mirrors the package defaults
func Default() *Config {
	t := physics.DefaultTuning()
	s := phase.DefaultSchedule()
	b := supervisor.DefaultConfig()
	f := feed.DefaultConfig()

	return &Config{
		Simulation: SimulationConfig{MaxNumber: 1000, LuckyCount: 6, TickRate: 120},
		Physics: PhysicsConfig{
			BoxSize:                  t.BoxSize,
			ParticleRadius:           t.ParticleRadius,
			BounceFactor:             t.BounceFactor,
			SpeedFactor:              t.SpeedFactor,
			MinContinuousSpeed:       t.MinContinuousSpeed,
			FloatMotion:              t.FloatMotion,
			ExpansionFactor:          t.ExpansionFactor,
			PeculiarVelocityX:        t.PeculiarVelocity.X,
			PeculiarVelocityY:        t.PeculiarVelocity.Y,
			PeculiarVelocityZ:        t.PeculiarVelocity.Z,
			SwirlJitter:              t.SwirlJitter,
			MaxGravitationalPull:     t.MaxGravitationalPull,
			MaxOrbitalVelocityFactor: t.MaxOrbitalVelocityFactor,
			FadeRadiusFraction:       t.FadeRadiusFraction,
			FadeDamping:              t.FadeDamping,
			ClashInwardForce:         t.ClashInwardForce,
			FadeAwayForce:            t.FadeAwayForce,
			SpiralFactor:             t.SpiralFactor,
			LineUpHalfWidth:          t.LineUpHalfWidth,
			SelectionRate:            t.SelectionRate,
			LineUpRate:               t.LineUpRate,
			MinBlend:                 t.MinBlend,
			LineUpVelocityDamping:    t.LineUpVelocityDamping,
		},
		Schedule: ScheduleConfig{
			Swirl:     s.Swirl.String(),
			Blackhole: s.Blackhole.String(),
			Clash:     s.Clash.String(),
			Selection: s.Selection.String(),
			LineUp:    s.LineUp.String(),
			DrawPhase: s.DrawPhase.String(),
		},
		Bridge: BridgeConfig{
			Mode:            b.Mode.String(),
			MinInterval:     b.MinInterval.String(),
			RateCeiling:     b.RateCeiling,
			WorkerTimeout:   b.WorkerTimeout.String(),
			MailboxSize:     b.MailboxSize,
			BreakerFailures: int(b.BreakerFailures),
			BreakerCooldown: b.BreakerCooldown.String(),
		},
		Feed: FeedConfig{
			Addr:          ":8080",
			Path:          f.Path,
			Compress:      f.Compress,
			Quality:       f.Quality,
			WriteTimeout:  f.WriteTimeout.String(),
			PollInterval:  f.PollInterval.String(),
			MaxClients:    f.MaxClients,
			CommandBuffer: f.CommandBuffer,
		},
		Log: LogConfig{Level: "info", Color: true},
	}
}

// Load reads fname over the defaults and validates the result
func Load(fname string) (*Config, error) {
	cfg := Default()
	if err := gcfg.ReadFileInto(cfg, fname); err != nil {
		return nil, fmt.Errorf("config %s: %w", fname, err)
	}
	if err := cfg.CheckInit(); err != nil {
		return nil, fmt.Errorf("config %s: %w", fname, err)
	}
	return cfg, nil
}

// Parse reads config text over the defaults and validates the result
func Parse(text string) (*Config, error) {
	cfg := Default()
	if err := gcfg.ReadStringInto(cfg, text); err != nil {
		return nil, err
	}
	if err := cfg.CheckInit(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// CheckInit validates every section by converting it
func (c *Config) CheckInit() error {
	sim := c.Simulation
	if err := (foundation.StartCommand{MaxNumber: sim.MaxNumber, LuckyCount: sim.LuckyCount}).Validate(); err != nil {
		return fmt.Errorf("[Simulation]: %w", err)
	}
	if sim.TickRate <= 0 {
		return fmt.Errorf("[Simulation]: TickRate must be positive, got %d", sim.TickRate)
	}
	if _, err := c.AutoDraw(); err != nil {
		return err
	}
	if _, err := c.Seed(); err != nil {
		return err
	}

	if _, err := c.Tuning(); err != nil {
		return err
	}
	if _, err := c.PhaseSchedule(); err != nil {
		return err
	}
	if _, err := c.PhaseBundles(); err != nil {
		return err
	}
	if _, err := c.BridgeSettings(); err != nil {
		return err
	}
	if _, err := c.FeedSettings(); err != nil {
		return err
	}
	if _, err := c.LogLevel(); err != nil {
		return fmt.Errorf("[Log]: %w", err)
	}
	return nil
}

// TickInterval is the period of the driving loop
func (c *Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.Simulation.TickRate)
}

// AutoDraw is the delay before an automatic draw trigger, 0 for none
func (c *Config) AutoDraw() (time.Duration, error) {
	if c.Simulation.AutoDraw == "" {
		return 0, nil
	}
	d, err := duration("Simulation", "AutoDraw", c.Simulation.AutoDraw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("[Simulation]: AutoDraw must not be negative")
	}
	return d, nil
}

// Seed is the fixed run seed, 0 when unset
func (c *Config) Seed() (uint64, error) {
	if c.Simulation.Seed == "" {
		return 0, nil
	}
	seed, err := strconv.ParseUint(strings.TrimSpace(c.Simulation.Seed), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("[Simulation]: Seed %q is not an unsigned integer", c.Simulation.Seed)
	}
	return seed, nil
}

func (c *Config) Tuning() (physics.Tuning, error) {
	p := c.Physics
	t := physics.Tuning{
		BoxSize:                  p.BoxSize,
		ParticleRadius:           p.ParticleRadius,
		BounceFactor:             p.BounceFactor,
		SpeedFactor:              p.SpeedFactor,
		MinContinuousSpeed:       p.MinContinuousSpeed,
		FloatMotion:              p.FloatMotion,
		ExpansionFactor:          p.ExpansionFactor,
		PeculiarVelocity:         r3.Vec{X: p.PeculiarVelocityX, Y: p.PeculiarVelocityY, Z: p.PeculiarVelocityZ},
		SwirlJitter:              p.SwirlJitter,
		MaxGravitationalPull:     p.MaxGravitationalPull,
		MaxOrbitalVelocityFactor: p.MaxOrbitalVelocityFactor,
		FadeRadiusFraction:       p.FadeRadiusFraction,
		FadeDamping:              p.FadeDamping,
		ClashInwardForce:         p.ClashInwardForce,
		FadeAwayForce:            p.FadeAwayForce,
		SpiralFactor:             p.SpiralFactor,
		LineUpHalfWidth:          p.LineUpHalfWidth,
		SelectionRate:            p.SelectionRate,
		LineUpRate:               p.LineUpRate,
		MinBlend:                 p.MinBlend,
		LineUpVelocityDamping:    p.LineUpVelocityDamping,
	}
	if err := t.Validate(); err != nil {
		return physics.Tuning{}, fmt.Errorf("[Physics]: %w", err)
	}
	return t, nil
}

func (c *Config) PhaseSchedule() (phase.Schedule, error) {
	sc := c.Schedule
	var s phase.Schedule
	var err error
	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"Swirl", sc.Swirl, &s.Swirl},
		{"Blackhole", sc.Blackhole, &s.Blackhole},
		{"Clash", sc.Clash, &s.Clash},
		{"Selection", sc.Selection, &s.Selection},
		{"LineUp", sc.LineUp, &s.LineUp},
	} {
		if *f.dst, err = duration("Schedule", f.name, f.raw); err != nil {
			return phase.Schedule{}, err
		}
	}
	if s.DrawPhase, err = foundation.ParsePhase(sc.DrawPhase); err != nil {
		return phase.Schedule{}, fmt.Errorf("[Schedule]: DrawPhase: %w", err)
	}
	if err := s.Validate(); err != nil {
		return phase.Schedule{}, fmt.Errorf("[Schedule]: %w", err)
	}
	return s, nil
}

// PhaseBundles overlays every [Bundle "<phase>"] section on the defaults
func (c *Config) PhaseBundles() (phase.Bundles, error) {
	b := phase.DefaultBundles()
	for name, bc := range c.Bundle {
		p, err := foundation.ParsePhase(name)
		if err != nil {
			return phase.Bundles{}, fmt.Errorf("[Bundle %q]: %w", name, err)
		}
		if bc.Damping <= 0 {
			return phase.Bundles{}, fmt.Errorf("[Bundle %q]: Damping must be set", name)
		}
		b[p] = foundation.Params{
			GravitationalPull:     bc.GravitationalPull,
			OrbitalVelocityFactor: bc.OrbitalVelocityFactor,
			Damping:               bc.Damping,
		}
	}
	if err := b.Validate(); err != nil {
		return phase.Bundles{}, fmt.Errorf("[Bundle]: %w", err)
	}
	return b, nil
}

func (c *Config) BridgeSettings() (supervisor.Config, error) {
	bc := c.Bridge
	mode, err := supervisor.ParseMode(strings.ToLower(bc.Mode))
	if err != nil {
		return supervisor.Config{}, fmt.Errorf("[Bridge]: %w", err)
	}
	if bc.BreakerFailures <= 0 {
		return supervisor.Config{}, fmt.Errorf("[Bridge]: BreakerFailures must be positive")
	}
	seed, err := c.Seed()
	if err != nil {
		return supervisor.Config{}, err
	}

	out := supervisor.Config{
		Mode:            mode,
		RateCeiling:     bc.RateCeiling,
		MailboxSize:     bc.MailboxSize,
		BreakerFailures: uint32(bc.BreakerFailures),
		Seed:            seed,
	}
	if out.MinInterval, err = duration("Bridge", "MinInterval", bc.MinInterval); err != nil {
		return supervisor.Config{}, err
	}
	if out.WorkerTimeout, err = duration("Bridge", "WorkerTimeout", bc.WorkerTimeout); err != nil {
		return supervisor.Config{}, err
	}
	if out.BreakerCooldown, err = duration("Bridge", "BreakerCooldown", bc.BreakerCooldown); err != nil {
		return supervisor.Config{}, err
	}
	if err := out.Validate(); err != nil {
		return supervisor.Config{}, fmt.Errorf("[Bridge]: %w", err)
	}
	return out, nil
}

func (c *Config) FeedSettings() (feed.Config, error) {
	fc := c.Feed
	out := feed.Config{
		Path:          fc.Path,
		Compress:      fc.Compress,
		Quality:       fc.Quality,
		MaxClients:    fc.MaxClients,
		CommandBuffer: fc.CommandBuffer,
	}
	var err error
	if out.WriteTimeout, err = duration("Feed", "WriteTimeout", fc.WriteTimeout); err != nil {
		return feed.Config{}, err
	}
	if out.PollInterval, err = duration("Feed", "PollInterval", fc.PollInterval); err != nil {
		return feed.Config{}, err
	}
	if err := out.Validate(); err != nil {
		return feed.Config{}, fmt.Errorf("[Feed]: %w", err)
	}
	return out, nil
}

func (c *Config) LogLevel() (utils.LogLevel, error) {
	return utils.ParseLevel(c.Log.Level)
}

// Logger builds the root logger described by [Log]
func (c *Config) Logger(component string) *utils.Logger {
	level, err := c.LogLevel()
	if err != nil {
		level = utils.INFO
	}
	return utils.NewLogger(utils.LoggerConfig{
		Level:      level,
		Component:  component,
		Colorize:   c.Log.Color,
		ShowCaller: c.Log.Caller,
	})
}

func duration(section, name, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("[%s]: %s %q is not a duration", section, name, raw)
	}
	return d, nil
}
