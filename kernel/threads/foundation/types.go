package foundation

import (
	"fmt"
	"strings"
)

// MaxParticles bounds N so a single arena stays well inside one allocation
const MaxParticles = 1 << 20

// Phase is one stage of the scripted draw sequence
type Phase uint8

const (
	PhaseFloating Phase = iota
	PhaseSwirling
	PhaseBlackhole
	PhaseClashing
	PhaseSelection
	PhaseLiningUp
)

var phaseNames = [...]string{
	PhaseFloating:  "floating",
	PhaseSwirling:  "swirling",
	PhaseBlackhole: "blackhole",
	PhaseClashing:  "clashing",
	PhaseSelection: "selection",
	PhaseLiningUp:  "lining_up",
}

// Phases returns every phase in sequence order
func Phases() []Phase {
	return []Phase{PhaseFloating, PhaseSwirling, PhaseBlackhole, PhaseClashing, PhaseSelection, PhaseLiningUp}
}

// String returns the phase name
func (p Phase) String() string {
	if p.Valid() {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// Valid reports whether p is a known phase
func (p Phase) Valid() bool {
	return p <= PhaseLiningUp
}

// Next returns the only phase p may transition to. LiningUp has none.
func (p Phase) Next() (Phase, bool) {
	if !p.Valid() || p == PhaseLiningUp {
		return p, false
	}
	return p + 1, true
}

// IsTerminal reports whether p is the last phase of a run
func (p Phase) IsTerminal() bool {
	return p == PhaseLiningUp
}

// ParsePhase accepts the names produced by String (case-insensitive)
func ParsePhase(s string) (Phase, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range phaseNames {
		if name == s {
			return Phase(i), nil
		}
	}
	return PhaseFloating, fmt.Errorf("unknown phase %q", s)
}

// Params is the per-phase bundle the integrator consumes
type Params struct {
	GravitationalPull     float64
	OrbitalVelocityFactor float64
	Damping               float64
	// Progress of the active phase in [0,1]
	Progress float64
}

// Frame is an immutable snapshot published after every completed update.
// Collaborators may keep a Frame indefinitely; the bridge never mutates one.
type Frame struct {
	RunID         string
	Epoch         uint64
	Seq           uint64
	Phase         Phase
	Progress      float64
	ParticleCount int
	Positions     []float64 // world space, length 3*ParticleCount
	Selected      []int     // draw order
	Numbers       []int     // 1-based drawn numbers, populated once LiningUp begins
}

// Position returns particle i's coordinates
func (f *Frame) Position(i int) (x, y, z float64) {
	base := i * 3
	return f.Positions[base], f.Positions[base+1], f.Positions[base+2]
}
