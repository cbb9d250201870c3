package foundation

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhase_OrderAndNames(t *testing.T) {
	phases := Phases()
	require.Len(t, phases, 6)

	for i := 0; i < len(phases)-1; i++ {
		next, ok := phases[i].Next()
		require.True(t, ok)
		assert.Equal(t, phases[i+1], next)
	}

	_, ok := PhaseLiningUp.Next()
	assert.False(t, ok)
	assert.True(t, PhaseLiningUp.IsTerminal())

	for _, p := range phases {
		parsed, err := ParsePhase(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}

	_, err := ParsePhase("supernova")
	assert.Error(t, err)
	assert.False(t, Phase(42).Valid())
}

func TestCommandValidation(t *testing.T) {
	tests := []struct {
		name  string
		cmd   Command
		field string
	}{
		{"init zero count", InitCommand{}, "particleCount"},
		{"init too many", InitCommand{ParticleCount: MaxParticles + 1}, "particleCount"},
		{"update unknown phase", UpdateCommand{Phase: Phase(9), Params: Params{Damping: 1}}, "phase"},
		{"update damping", UpdateCommand{Params: Params{Damping: 1.5}}, "damping"},
		{"update nan", UpdateCommand{Params: Params{Damping: 1, GravitationalPull: math.NaN()}}, "gravitationalPull"},
		{"update progress", UpdateCommand{Params: Params{Damping: 1, Progress: 2}}, "progress"},
		{"selected nil", UpdateSelectedCommand{}, "indices"},
		{"selected negative", UpdateSelectedCommand{Indices: []int{1, -2}}, "indices"},
		{"selected beyond cap", UpdateSelectedCommand{Indices: []int{1, MaxParticles}}, "indices"},
		{"selected huge", UpdateSelectedCommand{Indices: []int{1 << 62}}, "indices"},
		{"start no particles", StartCommand{LuckyCount: 1}, "maxNumber"},
		{"start no winners", StartCommand{MaxNumber: 10}, "luckyCount"},
		{"start k > n", StartCommand{MaxNumber: 5, LuckyCount: 6}, "luckyCount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.cmd.Kind(), verr.Command)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestCommandValidation_Accepts(t *testing.T) {
	valid := []Command{
		InitCommand{ParticleCount: 1000},
		UpdateCommand{Phase: PhaseSwirling, Params: Params{Damping: 0.99, Progress: 0.5}},
		UpdateSelectedCommand{Indices: []int{}},
		ResetCommand{},
		StartCommand{MaxNumber: 6, LuckyCount: 6},
		DrawCommand{},
		DisposeCommand{},
	}
	for _, cmd := range valid {
		assert.NoError(t, cmd.Validate(), "command %s", cmd.Kind())
	}
}
