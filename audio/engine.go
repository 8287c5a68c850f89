package audio

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Engine is the audio runtime the pipeline runs on. It fixes the sample
// rate and block size and may refuse to start.
type Engine interface {
	// Start prepares the engine for processing.
	Start(ctx context.Context) error
	// SampleRate returns the processing rate in Hz.
	SampleRate() float64
	// BlockSize returns the preferred samples per block.
	BlockSize() int
	// Close stops the engine. Safe to call when not started.
	Close() error
}

// LocalEngine is the in-process engine. When created with
// NewGestureEngine it refuses to start until Unlock is called, mirroring
// runtimes that only start audio after a user interaction.
type LocalEngine struct {
	sampleRate float64
	blockSize  int
	gesture    bool

	mu       sync.Mutex
	unlocked bool
	running  bool
	starts   int
}

// NewEngine creates an engine that starts unconditionally.
func NewEngine(sampleRate float64, blockSize int) *LocalEngine {
	return &LocalEngine{sampleRate: sampleRate, blockSize: blockSize}
}

// NewGestureEngine creates an engine that needs Unlock before Start.
func NewGestureEngine(sampleRate float64, blockSize int) *LocalEngine {
	return &LocalEngine{sampleRate: sampleRate, blockSize: blockSize, gesture: true}
}

// Unlock records the user interaction that allows the engine to start.
func (e *LocalEngine) Unlock() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unlocked = true
}

// Start implements Engine.
func (e *LocalEngine) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sampleRate <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidSampleRate, e.sampleRate)
	}
	if e.gesture && !e.unlocked {
		logrus.WithFields(logrus.Fields{
			"function": "Start",
		}).Warn("Audio engine start blocked until user gesture")
		return ErrGestureRequired
	}
	e.running = true
	e.starts++

	logrus.WithFields(logrus.Fields{
		"function":    "Start",
		"sample_rate": e.sampleRate,
		"block_size":  e.blockSize,
	}).Debug("Audio engine started")
	return nil
}

// SampleRate implements Engine.
func (e *LocalEngine) SampleRate() float64 { return e.sampleRate }

// BlockSize implements Engine.
func (e *LocalEngine) BlockSize() int { return e.blockSize }

// Running reports whether the engine is started.
func (e *LocalEngine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Starts returns how many times the engine started.
func (e *LocalEngine) Starts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starts
}

// Close implements Engine.
func (e *LocalEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	return nil
}
