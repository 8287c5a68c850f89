package audio

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/vikas-kashyap97/Voice-changer/media"
)

// Destination is the terminal node of the chain. Processed frames fan out
// to every open tap (the streams sent to peers) and to an optional local
// monitor sink.
type Destination struct {
	sampleRate int
	monitor    media.Sink

	mu      sync.Mutex
	taps    map[*media.ChannelStream]struct{}
	nextTap int
	written uint64
	closed  bool
}

// NewDestination creates a destination for frames at sampleRate.
func NewDestination(sampleRate int, monitor media.Sink) *Destination {
	return &Destination{
		sampleRate: sampleRate,
		monitor:    monitor,
		taps:       make(map[*media.ChannelStream]struct{}),
	}
}

// Tap opens a new output stream that receives every frame written from now
// on. Closing the tap detaches it.
func (d *Destination) Tap(buffer int) (media.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDestinationClosed
	}

	d.nextTap++
	tap := media.NewChannelStream(fmt.Sprintf("pipeline-out-%d", d.nextTap), buffer)
	d.taps[tap] = struct{}{}
	tap.OnClose(func() {
		d.mu.Lock()
		delete(d.taps, tap)
		d.mu.Unlock()
	})

	logrus.WithFields(logrus.Fields{
		"function": "Tap",
		"tap_id":   tap.ID(),
		"taps":     len(d.taps),
	}).Debug("Output tap opened")

	return tap, nil
}

// TapCount returns the number of open taps, for diagnostics.
func (d *Destination) TapCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.taps)
}

// Written returns the number of frames delivered, for diagnostics.
func (d *Destination) Written() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.written
}

// Process implements Stage by delivering a copy of block.
func (d *Destination) Process(block []float64) error {
	frame := media.Frame{Samples: make([]float64, len(block)), SampleRate: d.sampleRate}
	copy(frame.Samples, block)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrStageClosed
	}
	d.written++
	taps := make([]*media.ChannelStream, 0, len(d.taps))
	for tap := range d.taps {
		taps = append(taps, tap)
	}
	d.mu.Unlock()

	for _, tap := range taps {
		tap.Push(frame)
	}
	if d.monitor != nil {
		if err := d.monitor.WriteFrame(frame); err != nil {
			return fmt.Errorf("monitor: %w", err)
		}
	}
	return nil
}

// GetName implements Stage.
func (d *Destination) GetName() string { return "destination" }

// Close ends every open tap. Further frames are rejected.
func (d *Destination) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	taps := make([]*media.ChannelStream, 0, len(d.taps))
	for tap := range d.taps {
		taps = append(taps, tap)
	}
	d.mu.Unlock()

	for _, tap := range taps {
		tap.Close()
	}
	return nil
}
