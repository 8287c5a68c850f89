package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cwbudde/algo-dsp/dsp/core"
	"github.com/cwbudde/algo-dsp/dsp/signal"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ToneDevice is a synthetic microphone producing a steady sine wave. It
// stands in for a capture device on hosts without one and in tests.
type ToneDevice struct {
	frequencyHz float64
	amplitude   float64
	blockSize   int
	realtime    bool

	mu          sync.Mutex
	denied      error
	opened      int
	open        int
	constraints []Constraints
}

// ToneOption configures a ToneDevice.
type ToneOption func(*ToneDevice)

// WithToneFrequency sets the sine frequency in Hz.
func WithToneFrequency(hz float64) ToneOption {
	return func(d *ToneDevice) { d.frequencyHz = hz }
}

// WithToneAmplitude sets the peak amplitude in (0, 1].
func WithToneAmplitude(amp float64) ToneOption {
	return func(d *ToneDevice) { d.amplitude = amp }
}

// WithToneBlockSize sets the number of samples per frame.
func WithToneBlockSize(n int) ToneOption {
	return func(d *ToneDevice) { d.blockSize = n }
}

// WithRealtime controls pacing. When enabled (the default) frames arrive
// at their playback rate; otherwise they are produced as fast as they are
// read.
func WithRealtime(enabled bool) ToneOption {
	return func(d *ToneDevice) { d.realtime = enabled }
}

// NewToneDevice creates a synthetic microphone. Defaults: 220 Hz, amplitude
// 0.5, 960 samples per frame, paced in real time.
func NewToneDevice(opts ...ToneOption) *ToneDevice {
	d := &ToneDevice{
		frequencyHz: 220,
		amplitude:   0.5,
		blockSize:   960,
		realtime:    true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deny makes subsequent GetUserMedia calls fail with err. Passing nil
// grants access again.
func (d *ToneDevice) Deny(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.denied = err
}

// OpenCount returns how many streams are currently open.
func (d *ToneDevice) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// TotalOpened returns how many streams were ever opened.
func (d *ToneDevice) TotalOpened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// LastConstraints returns the constraints of the most recent request.
func (d *ToneDevice) LastConstraints() (Constraints, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.constraints) == 0 {
		return Constraints{}, false
	}
	return d.constraints[len(d.constraints)-1], true
}

// GetUserMedia implements Devices.
func (d *ToneDevice) GetUserMedia(ctx context.Context, constraints Constraints) (Stream, error) {
	logrus.WithFields(logrus.Fields{
		"function":          "GetUserMedia",
		"sample_rate":       constraints.SampleRate,
		"echo_cancellation": constraints.EchoCancellation,
		"noise_suppression": constraints.NoiseSuppression,
		"auto_gain_control": constraints.AutoGainControl,
	}).Debug("Opening synthetic microphone")

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.constraints = append(d.constraints, constraints)
	denied := d.denied
	d.mu.Unlock()
	if denied != nil {
		return nil, denied
	}

	sampleRate := constraints.SampleRate
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	blockSize := d.blockSize
	if constraints.BlockSize > 0 {
		blockSize = constraints.BlockSize
	}

	gen := signal.NewGenerator(core.WithSampleRate(float64(sampleRate)))
	// One second of signal loops without a phase jump for whole-Hz tones.
	loop, err := gen.Sine(d.frequencyHz, d.amplitude, sampleRate)
	if err != nil {
		return nil, fmt.Errorf("generate tone: %w", err)
	}

	d.mu.Lock()
	d.opened++
	d.open++
	d.mu.Unlock()

	s := &toneStream{
		id:         "tone-" + uuid.NewString(),
		device:     d,
		loop:       loop,
		sampleRate: sampleRate,
		blockSize:  blockSize,
		done:       make(chan struct{}),
	}
	if d.realtime {
		s.ticker = time.NewTicker(Frame{Samples: make([]float64, blockSize), SampleRate: sampleRate}.Duration())
	}
	return s, nil
}

type toneStream struct {
	id         string
	device     *ToneDevice
	loop       []float64
	pos        int
	sampleRate int
	blockSize  int
	ticker     *time.Ticker

	readMu    sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (s *toneStream) ID() string { return s.id }

func (s *toneStream) ReadFrame(ctx context.Context) (Frame, error) {
	if s.ticker != nil {
		select {
		case <-s.ticker.C:
		case <-s.done:
			return Frame{}, ErrStreamClosed
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	} else {
		select {
		case <-s.done:
			return Frame{}, ErrStreamClosed
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		default:
		}
	}

	s.readMu.Lock()
	defer s.readMu.Unlock()
	out := make([]float64, s.blockSize)
	for i := range out {
		out[i] = s.loop[s.pos]
		s.pos = (s.pos + 1) % len(s.loop)
	}
	return Frame{Samples: out, SampleRate: s.sampleRate}, nil
}

func (s *toneStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.ticker != nil {
			s.ticker.Stop()
		}
		s.device.mu.Lock()
		s.device.open--
		s.device.mu.Unlock()
	})
	return nil
}
