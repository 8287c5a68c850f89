package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/vikas-kashyap97/Voice-changer/effect"
	"github.com/vikas-kashyap97/Voice-changer/media"
)

// Origin tells where an effect selection came from.
type Origin uint8

const (
	// OriginLocal marks a selection made by the local user.
	OriginLocal Origin = iota
	// OriginRemote marks a selection received from the peer.
	OriginRemote
)

// String returns a human-readable representation of the origin.
func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// EffectChange is delivered to subscribers after an effect is applied.
type EffectChange struct {
	Effect     effect.Name
	Origin     Origin
	Parameters effect.Parameters
}

// defaultTapBuffer holds about 200 ms of 20 ms frames.
const defaultTapBuffer = 10

// Pipeline owns the live processing chain between the microphone and the
// outgoing stream.
//
// The pipeline is Uninitialized until Initialize succeeds, then Ready with
// an applied effect (normal at first) until Teardown. Each Initialize after
// a Teardown builds a fresh chain; stages are never reused.
type Pipeline struct {
	engine      Engine
	devices     media.Devices
	constraints media.Constraints
	monitor     media.Sink
	tapBuffer   int
	onInputLost func(error)

	mu         sync.Mutex
	state      *pipelineState
	generation uint64

	listenersMu sync.Mutex
	listeners   map[uint64]func(EffectChange)
	nextID      uint64
}

// pipelineState exists only while the pipeline is Ready.
type pipelineState struct {
	input   media.Stream
	chain   *Chain
	applied effect.Name
	cancel  context.CancelFunc
	done    chan struct{}
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithConstraints overrides the capture constraints. The sample rate is
// always taken from the engine.
func WithConstraints(c media.Constraints) PipelineOption {
	return func(p *Pipeline) { p.constraints = c }
}

// WithMonitor routes processed audio to a local sink as well.
func WithMonitor(sink media.Sink) PipelineOption {
	return func(p *Pipeline) { p.monitor = sink }
}

// WithTapBuffer sets how many frames each output tap buffers.
func WithTapBuffer(frames int) PipelineOption {
	return func(p *Pipeline) { p.tapBuffer = frames }
}

// WithInputLostHandler registers fn to be called, on its own goroutine,
// when the microphone stream fails while the pipeline is Ready.
func WithInputLostHandler(fn func(error)) PipelineOption {
	return func(p *Pipeline) { p.onInputLost = fn }
}

// NewPipeline creates an uninitialized pipeline.
func NewPipeline(engine Engine, devices media.Devices, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		engine:      engine,
		devices:     devices,
		constraints: media.VoiceConstraints(int(engine.SampleRate())),
		tapBuffer:   defaultTapBuffer,
		listeners:   make(map[uint64]func(EffectChange)),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.constraints.SampleRate = int(engine.SampleRate())
	p.constraints.BlockSize = engine.BlockSize()
	return p
}

// Initialize opens the microphone and builds the chain. Calling it while
// already Ready is a no-op. On failure nothing stays acquired: it returns
// an error matching ErrAudioContext when the engine or chain cannot start
// and ErrMediaAccessDenied when the microphone cannot be opened.
func (p *Pipeline) Initialize(ctx context.Context) error {
	logrus.WithFields(logrus.Fields{
		"function": "Initialize",
	}).Info("Initializing audio pipeline")

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Initialize",
			"generation": p.generation,
		}).Debug("Pipeline already initialized")
		return nil
	}

	if err := p.engine.Start(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Initialize",
			"error":    err.Error(),
		}).Error("Audio engine failed to start")
		return fmt.Errorf("%w: %w", ErrAudioContext, err)
	}

	input, err := p.devices.GetUserMedia(ctx, p.constraints)
	if err != nil {
		p.engine.Close()
		logrus.WithFields(logrus.Fields{
			"function": "Initialize",
			"error":    err.Error(),
		}).Error("Microphone access failed")
		return fmt.Errorf("%w: %w", ErrMediaAccessDenied, err)
	}

	sampleRate := p.engine.SampleRate()
	chain, err := NewChain(sampleRate, NewDestination(int(sampleRate), p.monitor))
	if err != nil {
		input.Close()
		p.engine.Close()
		return fmt.Errorf("%w: %w", ErrAudioContext, err)
	}
	if err := chain.Apply(effect.Lookup(effect.Normal)); err != nil {
		chain.Close()
		input.Close()
		p.engine.Close()
		return fmt.Errorf("%w: %w", ErrAudioContext, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	st := &pipelineState{
		input:   input,
		chain:   chain,
		applied: effect.Normal,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	p.state = st
	p.generation++
	go p.run(runCtx, st)

	logrus.WithFields(logrus.Fields{
		"function":   "Initialize",
		"input_id":   input.ID(),
		"generation": p.generation,
		"stages":     chain.StageNames(),
	}).Info("Audio pipeline ready")

	return nil
}

// run moves microphone frames through the chain until the input ends or
// the pipeline is torn down.
func (p *Pipeline) run(ctx context.Context, st *pipelineState) {
	defer close(st.done)

	for {
		frame, err := st.input.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "run",
				"input_id": st.input.ID(),
				"error":    err.Error(),
			}).Warn("Microphone stream ended")
			if p.onInputLost != nil {
				go p.onInputLost(err)
			}
			return
		}

		if err := st.chain.Process(frame.Samples); err != nil {
			if errors.Is(err, ErrStageClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "run",
				"error":    err.Error(),
			}).Debug("Block processing failed")
		}
	}
}

// ApplyEffect writes the preset's parameters onto the live stages. They
// take effect from the next processed block. Subscribers are notified with
// origin so that only local selections get forwarded to the peer. Before
// Initialize this does nothing.
func (p *Pipeline) ApplyEffect(name effect.Name, origin Origin) {
	if !name.Valid() {
		logrus.WithFields(logrus.Fields{
			"function": "ApplyEffect",
			"effect":   name,
		}).Warn("Unknown effect, using normal")
		name = effect.Normal
	}

	p.mu.Lock()
	st := p.state
	if st == nil {
		p.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "ApplyEffect",
			"effect":   name,
			"origin":   origin.String(),
		}).Debug("Pipeline not initialized, ignoring effect")
		return
	}

	params := effect.Lookup(name)
	if err := st.chain.Apply(params); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ApplyEffect",
			"effect":   name,
			"error":    err.Error(),
		}).Error("Failed to apply effect parameters")
	}
	st.applied = name
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "ApplyEffect",
		"effect":   name,
		"origin":   origin.String(),
	}).Info("Voice effect applied")

	p.notify(EffectChange{Effect: name, Origin: origin, Parameters: params})
}

// Teardown closes the microphone, releases every stage and returns to
// Uninitialized. Safe to call repeatedly or before Initialize.
func (p *Pipeline) Teardown() {
	p.mu.Lock()
	st := p.state
	p.state = nil
	p.mu.Unlock()

	if st == nil {
		logrus.WithFields(logrus.Fields{
			"function": "Teardown",
		}).Debug("Pipeline not initialized, nothing to tear down")
		return
	}

	st.cancel()
	var errs []error
	if err := st.input.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close input: %w", err))
	}
	<-st.done
	if err := st.chain.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := p.engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close engine: %w", err))
	}

	fields := logrus.Fields{"function": "Teardown"}
	if err := errors.Join(errs...); err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Warn("Audio pipeline torn down with errors")
		return
	}
	logrus.WithFields(fields).Info("Audio pipeline torn down")
}

// OutputStream opens a stream of processed audio for sending to a peer.
func (p *Pipeline) OutputStream() (media.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == nil {
		return nil, ErrNotInitialized
	}
	return p.state.chain.Destination().Tap(p.tapBuffer)
}

// IsInitialized reports whether the pipeline is Ready.
func (p *Pipeline) IsInitialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state != nil
}

// AppliedEffect returns the current effect and whether the pipeline is
// Ready.
func (p *Pipeline) AppliedEffect() (effect.Name, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == nil {
		return "", false
	}
	return p.state.applied, true
}

// StageParameters reads the parameters currently set on the live stages.
// It is a diagnostic accessor; ApplyEffect is the only writer.
func (p *Pipeline) StageParameters() (effect.Parameters, bool) {
	p.mu.Lock()
	st := p.state
	p.mu.Unlock()
	if st == nil {
		return effect.Parameters{}, false
	}
	return st.chain.Parameters(), true
}

// StageNames returns the live chain's stage names in order.
func (p *Pipeline) StageNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == nil {
		return nil
	}
	return p.state.chain.StageNames()
}

// Generation counts successful initializations. It changes exactly when
// a new chain is built. Diagnostics only.
func (p *Pipeline) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// Subscribe registers fn for effect changes and returns a function that
// removes it.
func (p *Pipeline) Subscribe(fn func(EffectChange)) (unsubscribe func()) {
	p.listenersMu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.listenersMu.Lock()
			delete(p.listeners, id)
			p.listenersMu.Unlock()
		})
	}
}

func (p *Pipeline) notify(change EffectChange) {
	p.listenersMu.Lock()
	fns := make([]func(EffectChange), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.listenersMu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}
