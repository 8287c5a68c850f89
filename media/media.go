// Package media models live audio streams and the capture and playback
// devices around them.
//
// Audio travels as mono Frames of float64 samples in [-1, 1]. A Stream
// yields frames until it is closed; a Sink consumes them. Devices opens a
// microphone the way a browser getUserMedia call does, honouring the
// capture Constraints.
package media

import (
	"context"
	"errors"
	"time"
)

// Capture errors.
var (
	// ErrPermissionDenied indicates the user refused microphone access.
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrDeviceNotFound indicates no capture device is available.
	ErrDeviceNotFound = errors.New("capture device not found")

	// ErrStreamClosed indicates the stream has been closed by either end.
	ErrStreamClosed = errors.New("media stream closed")
)

// Frame is one block of mono PCM audio.
type Frame struct {
	Samples    []float64
	SampleRate int
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Clone returns a frame that shares no memory with f.
func (f Frame) Clone() Frame {
	samples := make([]float64, len(f.Samples))
	copy(samples, f.Samples)
	return Frame{Samples: samples, SampleRate: f.SampleRate}
}

// Stream is a live source of audio frames.
type Stream interface {
	// ID identifies the stream for logging.
	ID() string
	// ReadFrame blocks until a frame is available, the stream is closed
	// (ErrStreamClosed) or ctx is done.
	ReadFrame(ctx context.Context) (Frame, error)
	// Close ends the stream and releases the underlying device.
	Close() error
}

// Sink consumes audio frames, typically for playback.
type Sink interface {
	WriteFrame(frame Frame) error
}

// Constraints are the capture options requested from the device.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	SampleRate       int
	ChannelCount     int
	// BlockSize is the samples per frame; zero leaves the device default.
	BlockSize int
}

// VoiceConstraints returns the constraints used for calls: echo
// cancellation, noise suppression and automatic gain control enabled.
func VoiceConstraints(sampleRate int) Constraints {
	return Constraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		SampleRate:       sampleRate,
		ChannelCount:     1,
	}
}

// Devices opens capture streams.
type Devices interface {
	// GetUserMedia opens the microphone. It fails with ErrPermissionDenied
	// or ErrDeviceNotFound (possibly wrapped).
	GetUserMedia(ctx context.Context, constraints Constraints) (Stream, error)
}
