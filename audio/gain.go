package audio

import (
	"fmt"

	"github.com/cwbudde/algo-dsp/dsp/core"
	"github.com/sirupsen/logrus"
)

// maxGain caps the output gain at roughly +12 dB.
const maxGain = 4.0

// GainStage implements the final linear output gain.
//
// Samples are clipped to [-1, 1] after scaling so a loud preset cannot
// push the signal past full scale.
type GainStage struct {
	gain   float64
	closed bool
}

// NewGainStage creates a gain stage.
//
// Parameters:
//   - gain: Linear gain multiplier in (0, 4]; 1.0 is unity
//
// Returns:
//   - *GainStage: New gain stage
//   - error: ErrInvalidParameter if gain is out of range
func NewGainStage(gain float64) (*GainStage, error) {
	s := &GainStage{}
	if err := s.SetGain(gain); err != nil {
		return nil, err
	}
	return s, nil
}

// SetGain updates the linear gain.
func (s *GainStage) SetGain(gain float64) error {
	if gain <= 0 || gain > maxGain {
		logrus.WithFields(logrus.Fields{
			"function": "SetGain",
			"gain":     gain,
			"max_gain": maxGain,
		}).Warn("Rejected gain outside range")
		return fmt.Errorf("%w: gain %v not in (0, %v]", ErrInvalidParameter, gain, maxGain)
	}
	s.gain = gain
	return nil
}

// Gain returns the current linear gain.
func (s *GainStage) Gain() float64 { return s.gain }

// Process implements Stage.
func (s *GainStage) Process(block []float64) error {
	if s.closed {
		return ErrStageClosed
	}
	if s.gain == 1 {
		return nil
	}
	for i, v := range block {
		block[i] = core.Clamp(v*s.gain, -1, 1)
	}
	return nil
}

// GetName implements Stage.
func (s *GainStage) GetName() string { return "gain" }

// Close implements Stage.
func (s *GainStage) Close() error {
	s.closed = true
	return nil
}
