package audio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/vikas-kashyap97/Voice-changer/effect"
)

// Chain owns the processing stages in their fixed order:
//
//	noise gate -> pitch shifter -> tremolo -> reverb -> compressor -> gain -> destination
//
// Parameter updates and block processing share one lock, so every block
// is processed entirely with either the old or the new parameter tuple.
type Chain struct {
	mu sync.Mutex

	gate       *GateStage
	pitch      *PitchStage
	tremolo    *TremoloStage
	reverb     *ReverbStage
	compressor *CompressorStage
	gain       *GainStage
	dest       *Destination

	closed bool
}

// NewChain builds every stage for sampleRate and wires them to dest. If
// any stage fails to build, the stages already built are closed and no
// chain is returned.
func NewChain(sampleRate float64, dest *Destination) (_ *Chain, err error) {
	logrus.WithFields(logrus.Fields{
		"function":    "NewChain",
		"sample_rate": sampleRate,
	}).Debug("Building processing chain")

	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSampleRate, sampleRate)
	}
	if dest == nil {
		return nil, errors.New("chain requires a destination")
	}

	var built []Stage
	defer func() {
		if err == nil {
			return
		}
		for i := len(built) - 1; i >= 0; i-- {
			built[i].Close()
		}
		logrus.WithFields(logrus.Fields{
			"function":      "NewChain",
			"stages_closed": len(built),
			"error":         err.Error(),
		}).Error("Chain construction failed, rolled back")
	}()

	c := &Chain{dest: dest}

	if c.gate, err = NewGateStage(sampleRate, effect.NoiseGate); err != nil {
		return nil, err
	}
	built = append(built, c.gate)

	if c.pitch, err = NewPitchStage(sampleRate); err != nil {
		return nil, err
	}
	built = append(built, c.pitch)

	if c.tremolo, err = NewTremoloStage(sampleRate); err != nil {
		return nil, err
	}
	built = append(built, c.tremolo)

	if c.reverb, err = NewReverbStage(sampleRate); err != nil {
		return nil, err
	}
	built = append(built, c.reverb)

	if c.compressor, err = NewCompressorStage(sampleRate, effect.Compressor); err != nil {
		return nil, err
	}
	built = append(built, c.compressor)

	if c.gain, err = NewGainStage(1); err != nil {
		return nil, err
	}
	built = append(built, c.gain)

	return c, nil
}

// stages returns the chain in processing order.
func (c *Chain) stages() []Stage {
	return []Stage{c.gate, c.pitch, c.tremolo, c.reverb, c.compressor, c.gain, c.dest}
}

// StageNames returns the stage names in processing order.
func (c *Chain) StageNames() []string {
	stages := c.stages()
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.GetName()
	}
	return names
}

// Process runs block through every stage and delivers it to the
// destination.
func (c *Chain) Process(block []float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrStageClosed
	}

	for _, s := range c.stages() {
		if err := s.Process(block); err != nil {
			return fmt.Errorf("stage %s: %w", s.GetName(), err)
		}
	}
	return nil
}

// Apply writes a parameter tuple onto the live stages. Stages that reject
// their value keep the previous one; all rejections are returned together.
func (c *Chain) Apply(p effect.Parameters) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrStageClosed
	}

	var errs []error
	if err := c.pitch.SetSemitones(p.PitchShiftSemitones); err != nil {
		errs = append(errs, err)
	}
	if err := c.tremolo.SetModulation(p.TremoloFrequencyHz, p.TremoloDepth); err != nil {
		errs = append(errs, err)
	}
	if err := c.reverb.SetDecay(p.ReverbDecaySeconds); err != nil {
		errs = append(errs, err)
	}
	if err := c.gain.SetGain(p.OutputGainLinear); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Parameters reads back the tuple currently set on the stages.
func (c *Chain) Parameters() effect.Parameters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return effect.Parameters{
		PitchShiftSemitones: c.pitch.Semitones(),
		TremoloFrequencyHz:  c.tremolo.RateHz(),
		TremoloDepth:        c.tremolo.Depth(),
		ReverbDecaySeconds:  c.reverb.Decay(),
		OutputGainLinear:    c.gain.Gain(),
	}
}

// Destination returns the terminal node.
func (c *Chain) Destination() *Destination {
	return c.dest
}

// Close releases every stage, last stage first.
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	stages := c.stages()
	for i := len(stages) - 1; i >= 0; i-- {
		if err := stages[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", stages[i].GetName(), err))
		}
	}
	return errors.Join(errs...)
}
