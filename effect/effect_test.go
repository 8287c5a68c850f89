package effect

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupRanges(t *testing.T) {
	for _, name := range All() {
		t.Run(string(name), func(t *testing.T) {
			p := Lookup(name)
			assert.GreaterOrEqual(t, p.TremoloDepth, 0.0)
			assert.LessOrEqual(t, p.TremoloDepth, 1.0)
			assert.Greater(t, p.OutputGainLinear, 0.0)
			assert.GreaterOrEqual(t, p.TremoloFrequencyHz, 0.0)
			assert.GreaterOrEqual(t, p.ReverbDecaySeconds, 0.0)
		})
	}
}

func TestNormalIsIdentity(t *testing.T) {
	p := Lookup(Normal)
	assert.True(t, p.IsIdentity())
	assert.Equal(t, Parameters{OutputGainLinear: 1}, p)

	for _, name := range []Name{Male, Female, Child, Old} {
		assert.False(t, Lookup(name).IsIdentity(), "preset %s", name)
	}
}

func TestLookupUnknownFallsBackToNormal(t *testing.T) {
	assert.Equal(t, Lookup(Normal), Lookup(Name("robot")))
}

func TestPresetValues(t *testing.T) {
	tests := []struct {
		name  Name
		pitch float64
		decay float64
		gain  float64
	}{
		{Male, -5, 0.5, 1.2},
		{Female, 5, 1, 0.8},
		{Child, 10, 0.2, 0.6},
		{Old, -2, 2, 1.1},
	}

	for _, tt := range tests {
		p := Lookup(tt.name)
		assert.Equal(t, tt.pitch, p.PitchShiftSemitones, "pitch for %s", tt.name)
		assert.Equal(t, tt.decay, p.ReverbDecaySeconds, "decay for %s", tt.name)
		assert.Equal(t, tt.gain, p.OutputGainLinear, "gain for %s", tt.name)
	}

	assert.True(t, Lookup(Old).TremoloActive())
	assert.False(t, Lookup(Male).TremoloActive())
}

func TestParse(t *testing.T) {
	tests := []struct {
		input   string
		want    Name
		wantErr bool
	}{
		{"normal", Normal, false},
		{" Male ", Male, false},
		{"FEMALE", Female, false},
		{"child", Child, false},
		{"old", Old, false},
		{"", "", true},
		{"robot", "", true},
	}

	for _, tt := range tests {
		got, err := Parse(tt.input)
		if tt.wantErr {
			require.Error(t, err, "input %q", tt.input)
			assert.True(t, errors.Is(err, ErrUnknownEffect))
			continue
		}
		require.NoError(t, err, "input %q", tt.input)
		assert.Equal(t, tt.want, got)
	}
}

func TestAllReturnsCopy(t *testing.T) {
	names := All()
	require.Len(t, names, 5)
	names[0] = "mutated"
	assert.Equal(t, Normal, All()[0])
	assert.Equal(t, "Old Age", Old.Label())
}

func TestChainConstants(t *testing.T) {
	assert.Equal(t, -50.0, NoiseGate.ThresholdDB)
	assert.Equal(t, -30.0, Compressor.ThresholdDB)
	assert.Equal(t, 3.0, Compressor.Ratio)
}
