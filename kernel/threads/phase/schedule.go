package phase

import (
	"fmt"
	"math"
	"time"

	"github.com/nmxmxh/cosmic-lottery/kernel/threads/foundation"
)

// Schedule holds the duration of each timed phase. Floating waits for the
// draw trigger and LiningUp never exits, so neither has an exit deadline;
// LineUp only paces the line-up easing.
type Schedule struct {
	Swirl     time.Duration
	Blackhole time.Duration
	Clash     time.Duration
	Selection time.Duration
	LineUp    time.Duration

	// DrawPhase is the phase whose entry performs the draw. Selection entry
	// always draws when nothing has been drawn yet.
	DrawPhase foundation.Phase
}

// DefaultSchedule returns the reference timings
func DefaultSchedule() Schedule {
	return Schedule{
		Swirl:     4 * time.Second,
		Blackhole: 3 * time.Second,
		Clash:     2 * time.Second,
		Selection: 2 * time.Second,
		LineUp:    2500 * time.Millisecond,
		DrawPhase: foundation.PhaseClashing,
	}
}

// Duration returns the length of p used for progress. Zero for Floating.
func (s Schedule) Duration(p foundation.Phase) time.Duration {
	switch p {
	case foundation.PhaseSwirling:
		return s.Swirl
	case foundation.PhaseBlackhole:
		return s.Blackhole
	case foundation.PhaseClashing:
		return s.Clash
	case foundation.PhaseSelection:
		return s.Selection
	case foundation.PhaseLiningUp:
		return s.LineUp
	}
	return 0
}

// Timed reports whether p exits on its own once its duration elapses
func (s Schedule) Timed(p foundation.Phase) bool {
	switch p {
	case foundation.PhaseSwirling, foundation.PhaseBlackhole, foundation.PhaseClashing, foundation.PhaseSelection:
		return true
	}
	return false
}

// Validate requires positive durations and a draw phase the sequence can honor
func (s Schedule) Validate() error {
	for _, p := range foundation.Phases() {
		if p == foundation.PhaseFloating {
			continue
		}
		if s.Duration(p) <= 0 {
			return fmt.Errorf("schedule: %s duration must be positive, got %s", p, s.Duration(p))
		}
	}
	if s.DrawPhase != foundation.PhaseClashing && s.DrawPhase != foundation.PhaseSelection {
		return fmt.Errorf("schedule: draw phase must be clashing or selection, got %s", s.DrawPhase)
	}
	return nil
}

// Total is the time from the draw trigger until LiningUp begins
func (s Schedule) Total() time.Duration {
	return s.Swirl + s.Blackhole + s.Clash + s.Selection
}

// Bundles holds the integrator parameters published by each phase
type Bundles [len(phaseOrder)]foundation.Params

var phaseOrder = [...]foundation.Phase{
	foundation.PhaseFloating,
	foundation.PhaseSwirling,
	foundation.PhaseBlackhole,
	foundation.PhaseClashing,
	foundation.PhaseSelection,
	foundation.PhaseLiningUp,
}

// DefaultBundles returns parameters whose gravity and orbital terms grow
// through Swirling and Blackhole and drop back to zero afterwards.
func DefaultBundles() Bundles {
	var b Bundles
	b[foundation.PhaseFloating] = foundation.Params{Damping: 0.995}
	b[foundation.PhaseSwirling] = foundation.Params{GravitationalPull: 0.0008, OrbitalVelocityFactor: 0.006, Damping: 0.99}
	b[foundation.PhaseBlackhole] = foundation.Params{GravitationalPull: 0.002, OrbitalVelocityFactor: 0.012, Damping: 0.985}
	b[foundation.PhaseClashing] = foundation.Params{Damping: 0.96}
	b[foundation.PhaseSelection] = foundation.Params{Damping: 0.9}
	b[foundation.PhaseLiningUp] = foundation.Params{Damping: 0.9}
	return b
}

// For returns the bundle for p with zero progress
func (b Bundles) For(p foundation.Phase) foundation.Params {
	if !p.Valid() {
		return foundation.Params{}
	}
	out := b[p]
	out.Progress = 0
	return out
}

// Validate checks finiteness, damping range and the gravity/orbital ordering
func (b Bundles) Validate() error {
	for _, p := range phaseOrder {
		params := b[p]
		for name, v := range map[string]float64{
			"gravitationalPull":     params.GravitationalPull,
			"orbitalVelocityFactor": params.OrbitalVelocityFactor,
			"damping":               params.Damping,
		} {
			if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				return fmt.Errorf("bundle %s: %s must be finite and non-negative", p, name)
			}
		}
		if params.Damping > 1 {
			return fmt.Errorf("bundle %s: damping must be <= 1", p)
		}
	}

	rising := []foundation.Phase{foundation.PhaseFloating, foundation.PhaseSwirling, foundation.PhaseBlackhole}
	for i := 1; i < len(rising); i++ {
		prev, cur := b[rising[i-1]], b[rising[i]]
		if cur.GravitationalPull < prev.GravitationalPull || cur.OrbitalVelocityFactor < prev.OrbitalVelocityFactor {
			return fmt.Errorf("bundle %s: gravity and orbital terms must not decrease after %s", rising[i], rising[i-1])
		}
	}

	peak := b[foundation.PhaseBlackhole]
	for _, p := range []foundation.Phase{foundation.PhaseClashing, foundation.PhaseSelection, foundation.PhaseLiningUp} {
		if b[p].GravitationalPull > peak.GravitationalPull || b[p].OrbitalVelocityFactor > peak.OrbitalVelocityFactor {
			return fmt.Errorf("bundle %s: gravity and orbital terms must fall back after blackhole", p)
		}
	}
	return nil
}
