package audio

import "errors"

// Sentinel errors for pipeline operations.
// These errors enable reliable error classification using errors.Is().

// Initialization errors.
var (
	// ErrMediaAccessDenied indicates the microphone is unavailable or the
	// user refused permission. The caller may retry after granting access.
	ErrMediaAccessDenied = errors.New("media access denied")

	// ErrAudioContext indicates the audio engine could not start.
	ErrAudioContext = errors.New("audio context error")

	// ErrGestureRequired indicates the engine needs a user interaction
	// before it may start.
	ErrGestureRequired = errors.New("audio engine requires a user gesture")

	// ErrInvalidSampleRate indicates a non-positive engine sample rate.
	ErrInvalidSampleRate = errors.New("invalid sample rate")
)

// Runtime errors.
var (
	// ErrNotInitialized indicates the pipeline has no live chain.
	ErrNotInitialized = errors.New("audio pipeline not initialized")

	// ErrStageClosed indicates a stage was used after Close.
	ErrStageClosed = errors.New("audio stage closed")

	// ErrInvalidParameter indicates a stage parameter outside its range.
	ErrInvalidParameter = errors.New("invalid stage parameter")

	// ErrDestinationClosed indicates a tap was requested from a closed
	// destination.
	ErrDestinationClosed = errors.New("audio destination closed")
)
