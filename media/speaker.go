package media

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/cwbudde/algo-dsp/dsp/core"
	"github.com/sirupsen/logrus"
)

// Speaker plays remote audio. Frames are written as 16-bit little-endian
// PCM to an optional writer (a pipe into a system player, a file) and
// metered. Muting drops the audio but keeps the meter running.
type Speaker struct {
	mu      sync.Mutex
	out     io.Writer
	muted   bool
	frames  uint64
	levelDB float64
	buf     []byte
}

// NewSpeaker creates a speaker writing PCM to out. A nil out meters only.
func NewSpeaker(out io.Writer) *Speaker {
	return &Speaker{out: out, levelDB: math.Inf(-1)}
}

// WriteFrame implements Sink.
func (s *Speaker) WriteFrame(frame Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frames++
	s.levelDB = core.LinearToDB(rms(frame.Samples))

	if s.muted || s.out == nil {
		return nil
	}

	need := len(frame.Samples) * 2
	if cap(s.buf) < need {
		s.buf = make([]byte, need)
	}
	buf := s.buf[:need]
	for i, v := range frame.Samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(FloatToInt16(v)))
	}
	if _, err := s.out.Write(buf); err != nil {
		return fmt.Errorf("speaker write: %w", err)
	}
	return nil
}

// SetMuted mutes or unmutes playback.
func (s *Speaker) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted

	logrus.WithFields(logrus.Fields{
		"function": "SetMuted",
		"muted":    muted,
	}).Info("Speaker mute changed")
}

// ToggleMute flips the mute state and returns the new value.
func (s *Speaker) ToggleMute() bool {
	s.mu.Lock()
	muted := !s.muted
	s.mu.Unlock()
	s.SetMuted(muted)
	return muted
}

// Muted reports whether playback is muted.
func (s *Speaker) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// FramesPlayed returns the number of frames received.
func (s *Speaker) FramesPlayed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// LevelDB returns the RMS level of the last frame in dBFS.
func (s *Speaker) LevelDB() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.levelDB
}

func rms(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// FloatToInt16 converts a sample in [-1, 1] to 16-bit PCM with clipping.
func FloatToInt16(v float64) int16 {
	v = core.Clamp(v, -1, 1)
	return int16(math.Round(v * math.MaxInt16))
}

// Int16ToFloat converts 16-bit PCM to a sample in [-1, 1].
func Int16ToFloat(v int16) float64 {
	return float64(v) / math.MaxInt16
}
