package physics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Tuning holds every force constant the integrator uses. The values differ
// between deployments, so none of them is baked into the rules.
type Tuning struct {
	// World
	BoxSize        float64
	ParticleRadius float64
	BounceFactor   float64

	// Floating
	SpeedFactor        float64
	MinContinuousSpeed float64
	FloatMotion        float64
	ExpansionFactor    float64
	PeculiarVelocity   r3.Vec

	// Swirling / Blackhole
	SwirlJitter              float64
	MaxGravitationalPull     float64
	MaxOrbitalVelocityFactor float64
	FadeRadiusFraction       float64
	FadeDamping              float64

	// Clashing
	ClashInwardForce float64
	FadeAwayForce    float64
	SpiralFactor     float64

	// Selection / LiningUp
	LineUpHalfWidth       float64
	SelectionRate         float64
	LineUpRate            float64
	MinBlend              float64
	LineUpVelocityDamping float64
}

// DefaultTuning returns the constants used by the reference scene
func DefaultTuning() Tuning {
	return Tuning{
		BoxSize:        200,
		ParticleRadius: 2,
		BounceFactor:   0.8,

		SpeedFactor:        0.015,
		MinContinuousSpeed: 0.008,
		FloatMotion:        0.02,
		ExpansionFactor:    0.00005,
		PeculiarVelocity:   r3.Vec{X: 0.002, Y: 0, Z: 0.001},

		SwirlJitter:              0.01,
		MaxGravitationalPull:     0.02,
		MaxOrbitalVelocityFactor: 0.06,
		FadeRadiusFraction:       0.15,
		FadeDamping:              0.9,

		ClashInwardForce: 0.05,
		FadeAwayForce:    0.03,
		SpiralFactor:     0.5,

		LineUpHalfWidth:       60,
		SelectionRate:         0.04,
		LineUpRate:            0.12,
		MinBlend:              0.01,
		LineUpVelocityDamping: 0.5,
	}
}

// HalfBox is the distance from the center to each face
func (t Tuning) HalfBox() float64 {
	return t.BoxSize / 2
}

// Limit is the coordinate at which a particle touches a face
func (t Tuning) Limit() float64 {
	return t.HalfBox() - t.ParticleRadius
}

// Validate rejects tunings that would break the boundary or blend rules
func (t Tuning) Validate() error {
	for name, v := range map[string]float64{
		"BoxSize": t.BoxSize, "ParticleRadius": t.ParticleRadius, "BounceFactor": t.BounceFactor,
		"SpeedFactor": t.SpeedFactor, "MinContinuousSpeed": t.MinContinuousSpeed,
		"FloatMotion": t.FloatMotion, "ExpansionFactor": t.ExpansionFactor,
		"SwirlJitter": t.SwirlJitter, "MaxGravitationalPull": t.MaxGravitationalPull,
		"MaxOrbitalVelocityFactor": t.MaxOrbitalVelocityFactor, "FadeRadiusFraction": t.FadeRadiusFraction,
		"FadeDamping": t.FadeDamping, "ClashInwardForce": t.ClashInwardForce,
		"FadeAwayForce": t.FadeAwayForce, "SpiralFactor": t.SpiralFactor,
		"LineUpHalfWidth": t.LineUpHalfWidth, "SelectionRate": t.SelectionRate,
		"LineUpRate": t.LineUpRate, "MinBlend": t.MinBlend,
		"LineUpVelocityDamping": t.LineUpVelocityDamping,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("tuning %s must be a finite non-negative number, got %v", name, v)
		}
	}
	if t.BoxSize <= 0 {
		return fmt.Errorf("tuning BoxSize must be positive")
	}
	if t.Limit() <= 0 {
		return fmt.Errorf("tuning ParticleRadius %.3f does not fit in box %.3f", t.ParticleRadius, t.BoxSize)
	}
	if t.BounceFactor >= 1 {
		return fmt.Errorf("tuning BounceFactor must be < 1, got %v", t.BounceFactor)
	}
	if t.LineUpHalfWidth > t.Limit() {
		return fmt.Errorf("tuning LineUpHalfWidth %.3f exceeds boundary %.3f", t.LineUpHalfWidth, t.Limit())
	}
	for name, v := range map[string]float64{
		"FadeRadiusFraction": t.FadeRadiusFraction, "FadeDamping": t.FadeDamping,
		"SelectionRate": t.SelectionRate, "LineUpRate": t.LineUpRate,
		"MinBlend": t.MinBlend, "LineUpVelocityDamping": t.LineUpVelocityDamping,
	} {
		if v > 1 {
			return fmt.Errorf("tuning %s must be <= 1, got %v", name, v)
		}
	}
	return nil
}
