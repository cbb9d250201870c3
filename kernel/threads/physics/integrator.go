package physics

import (
	"fmt"
	"math"

	"github.com/nmxmxh/cosmic-lottery/kernel/threads/foundation"
	"github.com/nmxmxh/cosmic-lottery/kernel/threads/sab"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/spatial/r3"
)

// Selection is the read-only view of the drawn set the integrator needs.
// A nil Selection means nothing has been drawn.
type Selection interface {
	Contains(i int) bool
	Target(i int) (r3.Vec, bool)
}

var up = r3.Vec{Y: 1}

// Integrator advances particles one step under the rule of the active phase.
// It holds only tuning; all state lives in the arena passed to Step.
type Integrator struct {
	tuning Tuning
}

// NewIntegrator creates an integrator with the given tuning
func NewIntegrator(tuning Tuning) *Integrator {
	return &Integrator{tuning: tuning}
}

// Tuning returns the constants in use
func (in *Integrator) Tuning() Tuning {
	return in.tuning
}

// Step runs one pass over every particle in the arena
func (in *Integrator) Step(arena *sab.Arena, phase foundation.Phase, params foundation.Params, sel Selection, rng *rand.Rand) error {
	if err := arena.Validate(); err != nil {
		return err
	}
	if !phase.Valid() {
		return fmt.Errorf("step: unknown phase %d", phase)
	}

	n := arena.Count()
	for i := 0; i < n; i++ {
		base := sab.OffsetOf(i)
		pos := r3.Vec{X: arena.Positions[base], Y: arena.Positions[base+1], Z: arena.Positions[base+2]}
		vel := r3.Vec{X: arena.Velocities[base], Y: arena.Velocities[base+1], Z: arena.Velocities[base+2]}

		pos, vel = in.StepParticle(i, pos, vel, phase, params, sel, rng)

		arena.Positions[base], arena.Positions[base+1], arena.Positions[base+2] = pos.X, pos.Y, pos.Z
		arena.Velocities[base], arena.Velocities[base+1], arena.Velocities[base+2] = vel.X, vel.Y, vel.Z
	}
	return nil
}

// StepParticle applies damp, force, integrate and clamp, in that order
func (in *Integrator) StepParticle(i int, pos, vel r3.Vec, phase foundation.Phase, params foundation.Params, sel Selection, rng *rand.Rand) (r3.Vec, r3.Vec) {
	selected := sel != nil && sel.Contains(i)

	// 1. Damping
	vel = r3.Scale(params.Damping, vel)

	// 2. Phase force
	switch phase {
	case foundation.PhaseFloating:
		vel = in.floating(pos, vel, rng)
	case foundation.PhaseSwirling:
		vel = in.swirl(pos, vel, params.GravitationalPull, params.OrbitalVelocityFactor, true, rng)
	case foundation.PhaseBlackhole:
		vel = in.blackhole(pos, vel, params, selected, rng)
	case foundation.PhaseClashing:
		vel = in.clashing(pos, vel, params.Progress, selected)
	case foundation.PhaseSelection, foundation.PhaseLiningUp:
		if !selected {
			return pos, r3.Vec{}
		}
		pos, vel = in.lineUp(i, pos, vel, phase, params.Progress, sel)
	}

	// 3. Integrate
	pos = r3.Add(pos, vel)

	// 4. Boundary
	pos, vel = in.bounce(pos, vel)
	return pos, vel
}

func (in *Integrator) floating(pos, vel r3.Vec, rng *rand.Rand) r3.Vec {
	t := in.tuning
	vel = r3.Add(vel, in.jitter(t.FloatMotion, rng))
	vel = r3.Add(vel, r3.Scale(t.ExpansionFactor, pos))
	vel = r3.Add(vel, t.PeculiarVelocity)

	// Keep the cloud alive when damping has bled a particle dry
	if r3.Norm(vel) < t.MinContinuousSpeed {
		vel = r3.Add(vel, in.jitter(t.SpeedFactor, rng))
	}
	return vel
}

func (in *Integrator) swirl(pos, vel r3.Vec, gravity, orbital float64, inward bool, rng *rand.Rand) r3.Vec {
	dist := r3.Norm(pos)
	if dist > 0 {
		dir := r3.Scale(-1/dist, pos)
		if inward {
			vel = r3.Add(vel, r3.Scale(dist*gravity, dir))
		}
		vel = r3.Add(vel, r3.Scale(dist*orbital, r3.Cross(dir, up)))
	}
	return r3.Add(vel, in.jitter(in.tuning.SwirlJitter, rng))
}

func (in *Integrator) blackhole(pos, vel r3.Vec, params foundation.Params, selected bool, rng *rand.Rand) r3.Vec {
	t := in.tuning
	e := EaseInExpo(params.Progress)
	gravity := Lerp(params.GravitationalPull, t.MaxGravitationalPull, e)
	orbital := Lerp(params.OrbitalVelocityFactor, t.MaxOrbitalVelocityFactor, e)

	vel = in.swirl(pos, vel, gravity, orbital, !selected, rng)
	if !selected && r3.Norm(pos) < t.FadeRadiusFraction*t.HalfBox() {
		vel = r3.Scale(t.FadeDamping, vel)
	}
	return vel
}

func (in *Integrator) clashing(pos, vel r3.Vec, progress float64, selected bool) r3.Vec {
	t := in.tuning
	if selected {
		return r3.Add(vel, r3.Scale(-t.ClashInwardForce, pos))
	}
	decay := 1 - Clamp01(progress)
	impulse := r3.Add(pos, r3.Scale(t.SpiralFactor, r3.Cross(pos, up)))
	return r3.Add(vel, r3.Scale(t.FadeAwayForce*decay*decay, impulse))
}

func (in *Integrator) lineUp(i int, pos, vel r3.Vec, phase foundation.Phase, progress float64, sel Selection) (r3.Vec, r3.Vec) {
	t := in.tuning
	target, ok := sel.Target(i)
	if !ok {
		return pos, r3.Scale(t.LineUpVelocityDamping, vel)
	}
	target = r3.Scale(t.LineUpHalfWidth, target)

	rate := t.SelectionRate
	if phase == foundation.PhaseLiningUp {
		rate = t.LineUpRate
	}
	blend := math.Min(1, math.Max(rate*EaseOutCubic(progress), t.MinBlend))

	pos = r3.Add(pos, r3.Scale(blend, r3.Sub(target, pos)))
	return pos, r3.Scale(t.LineUpVelocityDamping, vel)
}

func (in *Integrator) bounce(pos, vel r3.Vec) (r3.Vec, r3.Vec) {
	limit := in.tuning.Limit()
	bf := in.tuning.BounceFactor

	p := [3]float64{pos.X, pos.Y, pos.Z}
	v := [3]float64{vel.X, vel.Y, vel.Z}
	for axis := range p {
		if p[axis] > limit {
			p[axis] = limit
			v[axis] = -v[axis] * bf
		} else if p[axis] < -limit {
			p[axis] = -limit
			v[axis] = -v[axis] * bf
		}
	}
	return r3.Vec{X: p[0], Y: p[1], Z: p[2]}, r3.Vec{X: v[0], Y: v[1], Z: v[2]}
}

func (in *Integrator) jitter(scale float64, rng *rand.Rand) r3.Vec {
	if scale == 0 {
		return r3.Vec{}
	}
	return r3.Vec{
		X: (rng.Float64() - 0.5) * scale,
		Y: (rng.Float64() - 0.5) * scale,
		Z: (rng.Float64() - 0.5) * scale,
	}
}

// Seed scatters particles uniformly through the box with a whirlwind velocity
// around the vertical axis.
func (in *Integrator) Seed(arena *sab.Arena, rng *rand.Rand) {
	t := in.tuning
	n := arena.Count()
	for i := 0; i < n; i++ {
		x := (rng.Float64() - 0.5) * t.BoxSize
		y := (rng.Float64() - 0.5) * t.BoxSize
		z := (rng.Float64() - 0.5) * t.BoxSize

		angle := math.Atan2(z, x)
		speed := (0.5 + rng.Float64()) * t.SpeedFactor * t.BoxSize / 100

		base := sab.OffsetOf(i)
		arena.Positions[base], arena.Positions[base+1], arena.Positions[base+2] = x, y, z
		arena.Velocities[base] = -math.Sin(angle) * speed
		arena.Velocities[base+1] = (rng.Float64() - 0.5) * speed
		arena.Velocities[base+2] = math.Cos(angle) * speed
	}
}
