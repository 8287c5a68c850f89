package effect

import "errors"

// ErrUnknownEffect indicates a preset name outside the supported set.
var ErrUnknownEffect = errors.New("unknown voice effect")

// Parameters is the DSP tuple written onto the live stages when a preset
// is applied.
type Parameters struct {
	// PitchShiftSemitones moves the voice up (positive) or down (negative).
	PitchShiftSemitones float64
	// TremoloFrequencyHz is the amplitude modulation rate; 0 disables it.
	TremoloFrequencyHz float64
	// TremoloDepth is the modulation depth in [0, 1].
	TremoloDepth float64
	// ReverbDecaySeconds is the reverb tail length; 0 disables it.
	ReverbDecaySeconds float64
	// OutputGainLinear is the final linear gain, always > 0.
	OutputGainLinear float64
}

var table = map[Name]Parameters{
	Normal: {PitchShiftSemitones: 0, TremoloFrequencyHz: 0, TremoloDepth: 0, ReverbDecaySeconds: 0, OutputGainLinear: 1},
	Male:   {PitchShiftSemitones: -5, TremoloFrequencyHz: 0, TremoloDepth: 0, ReverbDecaySeconds: 0.5, OutputGainLinear: 1.2},
	Female: {PitchShiftSemitones: 5, TremoloFrequencyHz: 0, TremoloDepth: 0, ReverbDecaySeconds: 1, OutputGainLinear: 0.8},
	Child:  {PitchShiftSemitones: 10, TremoloFrequencyHz: 0, TremoloDepth: 0, ReverbDecaySeconds: 0.2, OutputGainLinear: 0.6},
	Old:    {PitchShiftSemitones: -2, TremoloFrequencyHz: 5, TremoloDepth: 0.5, ReverbDecaySeconds: 2, OutputGainLinear: 1.1},
}

// Lookup returns the parameter tuple for name. Names outside the supported
// set resolve to the Normal tuple.
func Lookup(name Name) Parameters {
	if p, ok := table[name]; ok {
		return p
	}
	return table[Normal]
}

// IsIdentity reports whether p leaves the signal unchanged apart from the
// global gate and compressor.
func (p Parameters) IsIdentity() bool {
	return p.PitchShiftSemitones == 0 &&
		!p.TremoloActive() &&
		p.ReverbDecaySeconds == 0 &&
		p.OutputGainLinear == 1
}

// TremoloActive reports whether the tremolo stage modulates at all.
func (p Parameters) TremoloActive() bool {
	return p.TremoloFrequencyHz > 0 && p.TremoloDepth > 0
}

// GateSettings configures the noise gate at the head of every chain.
type GateSettings struct {
	ThresholdDB      float64
	SmoothingSeconds float64
}

// CompressorSettings configures the compressor ahead of the output gain.
type CompressorSettings struct {
	ThresholdDB float64
	Ratio       float64
}

// Chain-wide constants applied regardless of the selected preset.
var (
	NoiseGate  = GateSettings{ThresholdDB: -50, SmoothingSeconds: 0.1}
	Compressor = CompressorSettings{ThresholdDB: -30, Ratio: 3}
)
