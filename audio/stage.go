package audio

import (
	"fmt"

	"github.com/cwbudde/algo-dsp/dsp/effects/dynamics"
	"github.com/cwbudde/algo-dsp/dsp/effects/modulation"
	"github.com/cwbudde/algo-dsp/dsp/effects/pitch"
	"github.com/cwbudde/algo-dsp/dsp/effects/reverb"
	"github.com/sirupsen/logrus"

	"github.com/vikas-kashyap97/Voice-changer/effect"
)

// Stage is one unit of the processing chain.
//
// Stages process mono float64 blocks in place. They are not safe for
// concurrent use on their own; Chain serializes access.
type Stage interface {
	// Process applies the stage to block in place.
	Process(block []float64) error

	// GetName returns a human-readable name for the stage
	GetName() string

	// Close releases any resources used by the stage
	Close() error
}

// GateStage silences input below the noise floor before anything else
// touches it.
type GateStage struct {
	gate   *dynamics.Gate
	closed bool
}

// NewGateStage creates a noise gate from the chain-wide gate settings.
func NewGateStage(sampleRate float64, settings effect.GateSettings) (*GateStage, error) {
	g, err := dynamics.NewGate(sampleRate)
	if err != nil {
		return nil, fmt.Errorf("create gate: %w", err)
	}
	if err := g.SetThreshold(settings.ThresholdDB); err != nil {
		return nil, fmt.Errorf("gate threshold: %w", err)
	}
	if err := g.SetRelease(settings.SmoothingSeconds * 1000); err != nil {
		return nil, fmt.Errorf("gate release: %w", err)
	}
	return &GateStage{gate: g}, nil
}

// Process implements Stage.
func (s *GateStage) Process(block []float64) error {
	if s.closed {
		return ErrStageClosed
	}
	s.gate.ProcessInPlace(block)
	return nil
}

// ThresholdDB returns the gate threshold.
func (s *GateStage) ThresholdDB() float64 { return s.gate.Threshold() }

// GetName implements Stage.
func (s *GateStage) GetName() string { return "noise_gate" }

// Close implements Stage.
func (s *GateStage) Close() error {
	s.closed = true
	s.gate.Reset()
	return nil
}

// PitchStage shifts the voice by a number of semitones.
type PitchStage struct {
	shifter   *pitch.PitchShifter
	semitones float64
	closed    bool
}

// NewPitchStage creates a pitch shifter with no shift.
func NewPitchStage(sampleRate float64) (*PitchStage, error) {
	ps, err := pitch.NewPitchShifter(sampleRate)
	if err != nil {
		return nil, fmt.Errorf("create pitch shifter: %w", err)
	}
	return &PitchStage{shifter: ps}, nil
}

// SetSemitones updates the shift. The value reported by Semitones is the
// one written here, not one derived back from the resampling ratio.
func (s *PitchStage) SetSemitones(semitones float64) error {
	if err := s.shifter.SetPitchSemitones(semitones); err != nil {
		return fmt.Errorf("%w: pitch %v: %v", ErrInvalidParameter, semitones, err)
	}
	s.semitones = semitones
	return nil
}

// Semitones returns the current shift.
func (s *PitchStage) Semitones() float64 { return s.semitones }

// Process implements Stage.
func (s *PitchStage) Process(block []float64) error {
	if s.closed {
		return ErrStageClosed
	}
	if s.semitones == 0 {
		return nil
	}
	s.shifter.ProcessInPlace(block)
	return nil
}

// GetName implements Stage.
func (s *PitchStage) GetName() string { return "pitch_shifter" }

// Close implements Stage.
func (s *PitchStage) Close() error {
	s.closed = true
	return nil
}

// TremoloStage modulates amplitude. A zero rate or depth bypasses it.
type TremoloStage struct {
	tremolo *modulation.Tremolo
	rateHz  float64
	depth   float64
	closed  bool
}

// NewTremoloStage creates a bypassed tremolo.
func NewTremoloStage(sampleRate float64) (*TremoloStage, error) {
	t, err := modulation.NewTremolo(sampleRate)
	if err != nil {
		return nil, fmt.Errorf("create tremolo: %w", err)
	}
	return &TremoloStage{tremolo: t}, nil
}

// SetModulation updates rate and depth.
func (s *TremoloStage) SetModulation(rateHz, depth float64) error {
	if rateHz < 0 || depth < 0 || depth > 1 {
		return fmt.Errorf("%w: tremolo rate %v depth %v", ErrInvalidParameter, rateHz, depth)
	}

	wasActive := s.active()
	if rateHz > 0 {
		if err := s.tremolo.SetRateHz(rateHz); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
		}
	}
	if err := s.tremolo.SetDepth(depth); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	s.rateHz = rateHz
	s.depth = depth

	if !wasActive && s.active() {
		s.tremolo.Reset()
	}
	return nil
}

// RateHz returns the modulation rate.
func (s *TremoloStage) RateHz() float64 { return s.rateHz }

// Depth returns the modulation depth.
func (s *TremoloStage) Depth() float64 { return s.depth }

func (s *TremoloStage) active() bool {
	return s.rateHz > 0 && s.depth > 0
}

// Process implements Stage.
func (s *TremoloStage) Process(block []float64) error {
	if s.closed {
		return ErrStageClosed
	}
	if !s.active() {
		return nil
	}
	return s.tremolo.ProcessInPlace(block)
}

// GetName implements Stage.
func (s *TremoloStage) GetName() string { return "tremolo" }

// Close implements Stage.
func (s *TremoloStage) Close() error {
	s.closed = true
	return nil
}

// reverbWet is the reverb send level while a decay is set.
const reverbWet = 0.35

// ReverbStage adds a feedback-delay-network tail. Zero decay bypasses it.
type ReverbStage struct {
	reverb *reverb.FDNReverb
	decay  float64
	closed bool
}

// NewReverbStage creates a bypassed reverb.
func NewReverbStage(sampleRate float64) (*ReverbStage, error) {
	r, err := reverb.NewFDNReverb(sampleRate)
	if err != nil {
		return nil, fmt.Errorf("create reverb: %w", err)
	}
	if err := r.SetDry(1); err != nil {
		return nil, fmt.Errorf("reverb dry: %w", err)
	}
	if err := r.SetWet(reverbWet); err != nil {
		return nil, fmt.Errorf("reverb wet: %w", err)
	}
	return &ReverbStage{reverb: r}, nil
}

// SetDecay sets the tail length in seconds.
func (s *ReverbStage) SetDecay(seconds float64) error {
	if seconds < 0 {
		return fmt.Errorf("%w: reverb decay %v", ErrInvalidParameter, seconds)
	}
	if seconds == 0 {
		s.decay = 0
		s.reverb.Reset()
		return nil
	}
	if err := s.reverb.SetRT60(seconds); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	s.decay = seconds
	return nil
}

// Decay returns the tail length in seconds.
func (s *ReverbStage) Decay() float64 { return s.decay }

// Process implements Stage.
func (s *ReverbStage) Process(block []float64) error {
	if s.closed {
		return ErrStageClosed
	}
	if s.decay == 0 {
		return nil
	}
	s.reverb.ProcessInPlace(block)
	return nil
}

// GetName implements Stage.
func (s *ReverbStage) GetName() string { return "reverb" }

// Close implements Stage.
func (s *ReverbStage) Close() error {
	s.closed = true
	s.reverb.Reset()
	return nil
}

// CompressorStage evens out the level ahead of the output gain.
type CompressorStage struct {
	comp   *dynamics.Compressor
	closed bool
}

// NewCompressorStage creates a compressor from the chain-wide settings.
// Makeup gain stays off; the output gain stage owns the final level.
func NewCompressorStage(sampleRate float64, settings effect.CompressorSettings) (*CompressorStage, error) {
	c, err := dynamics.NewCompressor(sampleRate)
	if err != nil {
		return nil, fmt.Errorf("create compressor: %w", err)
	}
	if err := c.SetThreshold(settings.ThresholdDB); err != nil {
		return nil, fmt.Errorf("compressor threshold: %w", err)
	}
	if err := c.SetRatio(settings.Ratio); err != nil {
		return nil, fmt.Errorf("compressor ratio: %w", err)
	}
	if err := c.SetAutoMakeup(false); err != nil {
		return nil, fmt.Errorf("compressor makeup: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":     "NewCompressorStage",
		"threshold_db": settings.ThresholdDB,
		"ratio":        settings.Ratio,
	}).Debug("Compressor stage created")

	return &CompressorStage{comp: c}, nil
}

// ThresholdDB returns the compressor threshold.
func (s *CompressorStage) ThresholdDB() float64 { return s.comp.Threshold() }

// Ratio returns the compression ratio.
func (s *CompressorStage) Ratio() float64 { return s.comp.Ratio() }

// Process implements Stage.
func (s *CompressorStage) Process(block []float64) error {
	if s.closed {
		return ErrStageClosed
	}
	s.comp.ProcessInPlace(block)
	return nil
}

// GetName implements Stage.
func (s *CompressorStage) GetName() string { return "compressor" }

// Close implements Stage.
func (s *CompressorStage) Close() error {
	s.closed = true
	s.comp.Reset()
	return nil
}
