package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/vikas-kashyap97/Voice-changer/audio"
	"github.com/vikas-kashyap97/Voice-changer/effect"
	"github.com/vikas-kashyap97/Voice-changer/media"
	"github.com/vikas-kashyap97/Voice-changer/observe"
	"github.com/vikas-kashyap97/Voice-changer/signaling"
	"github.com/vikas-kashyap97/Voice-changer/signaling/memory"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type incomingCall struct {
	remote signaling.Address
	err    error
}

// testPeer is one client wired to an in-process network.
type testPeer struct {
	ctrl     *Controller
	pipeline *audio.Pipeline
	gateway  *memory.Gateway
	speaker  *media.Speaker
	reader   *sdkmetric.ManualReader
	incoming chan incomingCall
}

func newTestPeer(t *testing.T, network *memory.Network, addr signaling.Address, devices media.Devices, gwOpts ...memory.Option) *testPeer {
	t.Helper()
	return newTestPeerWith(t, network, addr, devices, nil, gwOpts...)
}

func newTestPeerWith(t *testing.T, network *memory.Network, addr signaling.Address, devices media.Devices, ctrlOpts []Option, gwOpts ...memory.Option) *testPeer {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := observe.NewMetrics(mp)
	require.NoError(t, err)

	p := &testPeer{
		gateway:  network.NewGateway(append(gwOpts, memory.WithAddress(addr))...),
		speaker:  media.NewSpeaker(nil),
		reader:   reader,
		incoming: make(chan incomingCall, 8),
	}

	var ctrlMu sync.Mutex
	p.pipeline = audio.NewPipeline(audio.NewEngine(48000, 960), devices,
		audio.WithInputLostHandler(func(err error) {
			ctrlMu.Lock()
			ctrl := p.ctrl
			ctrlMu.Unlock()
			if ctrl != nil {
				ctrl.MediaFailed(err)
			}
		}))

	ctrlMu.Lock()
	p.ctrl = NewController(p.gateway, p.pipeline, append([]Option{WithPlayback(p.speaker), WithMetrics(metrics)}, ctrlOpts...)...)
	ctrlMu.Unlock()

	p.ctrl.ListenForIncoming(func(remote signaling.Address, err error) {
		p.incoming <- incomingCall{remote: remote, err: err}
	})

	got, err := p.ctrl.RegisterIdentity(context.Background())
	require.NoError(t, err)
	require.Equal(t, addr, got)

	t.Cleanup(func() {
		p.ctrl.Close()
		p.gateway.Close()
		p.pipeline.Teardown()
		_ = mp.Shutdown(context.Background())
	})
	return p
}

func (p *testPeer) nextIncoming(t *testing.T) incomingCall {
	t.Helper()
	select {
	case in := <-p.incoming:
		return in
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for incoming call")
		return incomingCall{}
	}
}

func (p *testPeer) appliedEffect() effect.Name {
	name, _ := p.pipeline.AppliedEffect()
	return name
}

func (p *testPeer) syncCount(t *testing.T, direction string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, p.reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "voxcall.sync.messages" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			var total int64
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("direction")); ok && v.AsString() == direction {
					total += dp.Value
				}
			}
			return total
		}
	}
	return 0
}

func heldChannels(c *Controller) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.held)
}

// gatedDevice blocks GetUserMedia until opened. It ignores cancellation
// like a permission prompt the user has not answered yet.
type gatedDevice struct {
	tone     *media.ToneDevice
	entered  chan struct{}
	release  chan struct{}
	openOnce sync.Once
	calls    atomic.Int32
}

func newGatedDevice(t *testing.T) *gatedDevice {
	d := &gatedDevice{
		tone:    media.NewToneDevice(),
		entered: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
	t.Cleanup(d.open)
	return d
}

func (d *gatedDevice) GetUserMedia(_ context.Context, c media.Constraints) (media.Stream, error) {
	d.calls.Add(1)
	d.entered <- struct{}{}
	<-d.release
	return d.tone.GetUserMedia(context.Background(), c)
}

func (d *gatedDevice) open() {
	d.openOnce.Do(func() { close(d.release) })
}

func (d *gatedDevice) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-d.entered:
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for the microphone request")
	}
}

func sideChannelUp(p *testPeer) func() bool {
	return func() bool {
		s, ok := p.ctrl.Session()
		return ok && s.SideChannel
	}
}

// connectPair has b call a and waits until both sides are in the call with
// audio and effect sync flowing.
func connectPair(t *testing.T, a, b *testPeer) {
	t.Helper()
	require.NoError(t, b.ctrl.StartCall(context.Background(), a.ctrl.LocalAddress()))

	in := a.nextIncoming(t)
	require.NoError(t, in.err)
	require.Equal(t, b.ctrl.LocalAddress(), in.remote)

	require.Eventually(t, sideChannelUp(a), waitFor, tick)
	require.Eventually(t, sideChannelUp(b), waitFor, tick)
}

func TestStartCallInvalidTarget(t *testing.T) {
	network := memory.NewNetwork()
	dev := media.NewToneDevice()
	p := newTestPeer(t, network, "A1", dev)

	for _, target := range []signaling.Address{"", "   ", "A1", " A1 "} {
		err := p.ctrl.StartCall(context.Background(), target)
		assert.ErrorIs(t, err, ErrInvalidTarget, "target %q", target)
	}

	assert.False(t, p.ctrl.IsActive())
	assert.False(t, p.pipeline.IsInitialized())
	assert.Zero(t, dev.TotalOpened())
}

func TestStartCallRequiresRegistration(t *testing.T) {
	network := memory.NewNetwork()
	gw := network.NewGateway(memory.WithAddress("A1"))
	pipeline := audio.NewPipeline(audio.NewEngine(48000, 960), media.NewToneDevice())
	ctrl := NewController(gw, pipeline)
	t.Cleanup(func() {
		ctrl.Close()
		gw.Close()
	})

	err := ctrl.StartCall(context.Background(), "B1")
	assert.ErrorIs(t, err, ErrNotRegistered)

	_, err = ctrl.ShareText("https://example.com/")
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.Empty(t, ctrl.LocalAddress())
}

func TestRegisterIdentityIdempotent(t *testing.T) {
	network := memory.NewNetwork()
	p := newTestPeer(t, network, "A1", media.NewToneDevice())

	addr, err := p.ctrl.RegisterIdentity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, signaling.Address("A1"), addr)
}

func TestRegisterIdentityTaken(t *testing.T) {
	network := memory.NewNetwork()
	newTestPeer(t, network, "A1", media.NewToneDevice())

	gw := network.NewGateway(memory.WithAddress("A1"))
	ctrl := NewController(gw, audio.NewPipeline(audio.NewEngine(48000, 960), media.NewToneDevice()))
	t.Cleanup(func() {
		ctrl.Close()
		gw.Close()
	})

	_, err := ctrl.RegisterIdentity(context.Background())
	assert.ErrorIs(t, err, ErrRegistrationFailed)
	assert.Empty(t, ctrl.LocalAddress())
}

func TestCallEndToEnd(t *testing.T) {
	network := memory.NewNetwork()
	devA, devB := media.NewToneDevice(), media.NewToneDevice()
	a := newTestPeer(t, network, "A1", devA)
	b := newTestPeer(t, network, "B1", devB)

	connectPair(t, a, b)

	assert.True(t, a.ctrl.IsActive())
	assert.True(t, b.ctrl.IsActive())
	assert.True(t, a.pipeline.IsInitialized())
	assert.True(t, b.pipeline.IsInitialized())

	sa, ok := a.ctrl.Session()
	require.True(t, ok)
	sb, ok := b.ctrl.Session()
	require.True(t, ok)
	assert.Equal(t, Inbound, sa.Direction)
	assert.Equal(t, Outbound, sb.Direction)
	assert.Equal(t, signaling.Address("B1"), sa.Remote)
	assert.Equal(t, signaling.Address("A1"), sb.Remote)
	assert.Equal(t, sa.ConnectionID, sb.ConnectionID)

	// Audio flows both ways.
	require.Eventually(t, func() bool {
		return a.speaker.FramesPlayed() > 0 && b.speaker.FramesPlayed() > 0
	}, waitFor, tick)

	require.NoError(t, a.ctrl.SelectEffect(effect.Child))
	assert.Equal(t, effect.Child, a.appliedEffect())
	require.Eventually(t, func() bool {
		return b.appliedEffect() == effect.Child
	}, waitFor, tick)
	assert.Equal(t, effect.Child, b.ctrl.SelectedEffect())

	b.ctrl.EndCall()

	require.Eventually(t, func() bool {
		return !a.ctrl.IsActive() && !b.ctrl.IsActive() &&
			!a.pipeline.IsInitialized() && !b.pipeline.IsInitialized()
	}, waitFor, tick)
	assert.Zero(t, devA.OpenCount())
	assert.Zero(t, devB.OpenCount())
}

func TestRemoteEffectNotSentBack(t *testing.T) {
	network := memory.NewNetwork()
	a := newTestPeer(t, network, "A1", media.NewToneDevice())
	b := newTestPeer(t, network, "B1", media.NewToneDevice())
	connectPair(t, a, b)

	require.NoError(t, a.ctrl.SelectEffect(effect.Old))
	require.Eventually(t, func() bool {
		return b.syncCount(t, "received") == 1
	}, waitFor, tick)

	// Give a reflected message time to show up.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), a.syncCount(t, "sent"))
	assert.Zero(t, a.syncCount(t, "received"))
	assert.Zero(t, b.syncCount(t, "sent"))
	assert.Equal(t, effect.Old, a.appliedEffect())
	assert.Equal(t, effect.Old, b.appliedEffect())
}

func TestStartCallWhileActive(t *testing.T) {
	network := memory.NewNetwork()
	a := newTestPeer(t, network, "A1", media.NewToneDevice())
	b := newTestPeer(t, network, "B1", media.NewToneDevice())
	newTestPeer(t, network, "C1", media.NewToneDevice())
	connectPair(t, a, b)

	before, _ := b.ctrl.Session()
	generation := b.pipeline.Generation()

	for _, target := range []signaling.Address{"A1", "C1"} {
		err := b.ctrl.StartCall(context.Background(), target)
		assert.ErrorIs(t, err, ErrSessionAlreadyActive)
	}

	after, ok := b.ctrl.Session()
	require.True(t, ok)
	assert.Equal(t, before.ConnectionID, after.ConnectionID)
	assert.Equal(t, generation, b.pipeline.Generation())
}

func TestIncomingCallWhileBusy(t *testing.T) {
	network := memory.NewNetwork()
	a := newTestPeer(t, network, "A1", media.NewToneDevice())
	b := newTestPeer(t, network, "B1", media.NewToneDevice())
	c := newTestPeer(t, network, "C1", media.NewToneDevice())
	connectPair(t, a, b)

	require.NoError(t, c.ctrl.StartCall(context.Background(), "A1"))

	in := a.nextIncoming(t)
	assert.Equal(t, signaling.Address("C1"), in.remote)
	assert.ErrorIs(t, in.err, ErrCallSetupFailed)
	assert.ErrorIs(t, in.err, ErrSessionAlreadyActive)
	var setupErr *SetupError
	require.True(t, errors.As(in.err, &setupErr))
	assert.Equal(t, StepAccept, setupErr.Step)

	// The refused caller sees a hangup; the running call is untouched.
	require.Eventually(t, func() bool { return !c.ctrl.IsActive() }, waitFor, tick)
	require.Eventually(t, func() bool { return !c.pipeline.IsInitialized() }, waitFor, tick)
	s, ok := a.ctrl.Session()
	require.True(t, ok)
	assert.Equal(t, signaling.Address("B1"), s.Remote)
	assert.True(t, b.ctrl.IsActive())
}

func TestIncomingCallWithoutListener(t *testing.T) {
	network := memory.NewNetwork()
	a := newTestPeer(t, network, "A1", media.NewToneDevice())
	b := newTestPeer(t, network, "B1", media.NewToneDevice())
	a.ctrl.ListenForIncoming(nil)

	require.NoError(t, b.ctrl.StartCall(context.Background(), "A1"))
	require.Eventually(t, func() bool { return !b.ctrl.IsActive() }, waitFor, tick)
	assert.False(t, a.ctrl.IsActive())
	assert.False(t, a.pipeline.IsInitialized())
}

func TestSetupFailureMicrophoneDenied(t *testing.T) {
	network := memory.NewNetwork()
	a := newTestPeer(t, network, "A1", media.NewToneDevice())
	devB := media.NewToneDevice()
	b := newTestPeer(t, network, "B1", devB)

	devB.Deny(media.ErrPermissionDenied)
	err := b.ctrl.StartCall(context.Background(), "A1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCallSetupFailed)
	assert.ErrorIs(t, err, audio.ErrMediaAccessDenied)
	assert.ErrorIs(t, err, media.ErrPermissionDenied)

	var setupErr *SetupError
	require.True(t, errors.As(err, &setupErr))
	assert.Equal(t, StepPipeline, setupErr.Step)
	assert.Equal(t, signaling.Address("A1"), setupErr.Remote)

	assert.False(t, b.ctrl.IsActive())
	assert.False(t, b.pipeline.IsInitialized())
	assert.Zero(t, devB.OpenCount())

	select {
	case in := <-a.incoming:
		t.Fatalf("callee saw a call that was never placed: %+v", in)
	case <-time.After(50 * time.Millisecond):
	}

	// Granting access again lets the user retry.
	devB.Deny(nil)
	require.NoError(t, b.ctrl.StartCall(context.Background(), "A1"))
	require.NoError(t, a.nextIncoming(t).err)
	assert.True(t, b.ctrl.IsActive())
}

func TestSetupFailureUnknownPeer(t *testing.T) {
	network := memory.NewNetwork()
	dev := media.NewToneDevice()
	b := newTestPeer(t, network, "B1", dev)

	err := b.ctrl.StartCall(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrCallSetupFailed)
	assert.ErrorIs(t, err, signaling.ErrPeerUnavailable)

	var setupErr *SetupError
	require.True(t, errors.As(err, &setupErr))
	assert.Equal(t, StepConnect, setupErr.Step)

	assert.False(t, b.ctrl.IsActive())
	assert.False(t, b.pipeline.IsInitialized())
	assert.Equal(t, 1, dev.TotalOpened())
	assert.Zero(t, dev.OpenCount())
}

func TestInboundSetupFailureReported(t *testing.T) {
	network := memory.NewNetwork()
	devA := media.NewToneDevice()
	a := newTestPeer(t, network, "A1", devA)
	b := newTestPeer(t, network, "B1", media.NewToneDevice())

	devA.Deny(media.ErrDeviceNotFound)
	require.NoError(t, b.ctrl.StartCall(context.Background(), "A1"))

	in := a.nextIncoming(t)
	assert.Equal(t, signaling.Address("B1"), in.remote)
	assert.ErrorIs(t, in.err, ErrCallSetupFailed)
	assert.ErrorIs(t, in.err, audio.ErrMediaAccessDenied)

	assert.False(t, a.ctrl.IsActive())
	assert.False(t, a.pipeline.IsInitialized())
	require.Eventually(t, func() bool { return !b.ctrl.IsActive() }, waitFor, tick)
	require.Eventually(t, func() bool { return !b.pipeline.IsInitialized() }, waitFor, tick)
}

func TestRemoteHangup(t *testing.T) {
	network := memory.NewNetwork()
	a := newTestPeer(t, network, "A1", media.NewToneDevice())
	b := newTestPeer(t, network, "B1", media.NewToneDevice())
	connectPair(t, a, b)

	a.ctrl.EndCall()
	assert.False(t, a.ctrl.IsActive())
	assert.False(t, a.pipeline.IsInitialized())

	require.Eventually(t, func() bool {
		return !b.ctrl.IsActive() && !b.pipeline.IsInitialized()
	}, waitFor, tick)

	// Ending again is harmless.
	a.ctrl.EndCall()
	b.ctrl.EndCall()
}

func TestCallWithoutSideChannel(t *testing.T) {
	network := memory.NewNetwork()
	a := newTestPeer(t, network, "A1", media.NewToneDevice(), memory.WithoutDataChannels())
	b := newTestPeer(t, network, "B1", media.NewToneDevice())

	require.NoError(t, b.ctrl.StartCall(context.Background(), "A1"))
	require.NoError(t, a.nextIncoming(t).err)

	assert.True(t, a.ctrl.IsActive())
	assert.True(t, b.ctrl.IsActive())
	s, ok := b.ctrl.Session()
	require.True(t, ok)
	assert.False(t, s.SideChannel)

	require.NoError(t, b.ctrl.SelectEffect(effect.Male))
	assert.Equal(t, effect.Male, b.appliedEffect())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, effect.Normal, a.appliedEffect())
}

// chanDevice hands out streams the test can cut off.
type chanDevice struct {
	mu      sync.Mutex
	streams []*media.ChannelStream
}

func (d *chanDevice) GetUserMedia(context.Context, media.Constraints) (media.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := media.NewChannelStream("mic", 4)
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *chanDevice) last() *media.ChannelStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[len(d.streams)-1]
}

func TestLocalMediaFailureEndsCall(t *testing.T) {
	network := memory.NewNetwork()
	a := newTestPeer(t, network, "A1", media.NewToneDevice())
	dev := &chanDevice{}
	b := newTestPeer(t, network, "B1", dev)

	require.NoError(t, b.ctrl.StartCall(context.Background(), "A1"))
	require.NoError(t, a.nextIncoming(t).err)

	dev.last().Close()

	require.Eventually(t, func() bool {
		return !b.ctrl.IsActive() && !b.pipeline.IsInitialized()
	}, waitFor, tick)
	require.Eventually(t, func() bool { return !a.ctrl.IsActive() }, waitFor, tick)
}

func TestEffectPersistsAcrossCalls(t *testing.T) {
	network := memory.NewNetwork()
	a := newTestPeer(t, network, "A1", media.NewToneDevice())
	b := newTestPeer(t, network, "B1", media.NewToneDevice())

	// Selected before any call: remembered, nothing to apply yet.
	require.NoError(t, b.ctrl.SelectEffect(effect.Male))
	assert.Equal(t, effect.Male, b.ctrl.SelectedEffect())
	assert.False(t, b.pipeline.IsInitialized())

	connectPair(t, a, b)
	assert.Equal(t, effect.Male, b.appliedEffect())
	require.Eventually(t, func() bool {
		return a.appliedEffect() == effect.Male
	}, waitFor, tick)

	generation := b.pipeline.Generation()
	b.ctrl.EndCall()
	require.Eventually(t, func() bool { return !a.ctrl.IsActive() }, waitFor, tick)

	connectPair(t, a, b)
	assert.Greater(t, b.pipeline.Generation(), generation)
	assert.Equal(t, effect.Male, b.appliedEffect())
}

func TestSelectEffectUnknown(t *testing.T) {
	network := memory.NewNetwork()
	p := newTestPeer(t, network, "A1", media.NewToneDevice())

	err := p.ctrl.SelectEffect("whisper")
	assert.ErrorIs(t, err, effect.ErrUnknownEffect)
	assert.Equal(t, effect.Normal, p.ctrl.SelectedEffect())
}

func TestShareText(t *testing.T) {
	network := memory.NewNetwork()
	p := newTestPeer(t, network, "A1", media.NewToneDevice())

	text, err := p.ctrl.ShareText("https://voxcall.example/")
	require.NoError(t, err)
	assert.Equal(t, "Join my call at https://voxcall.example/?peerId=A1", text)

	text, err = p.ctrl.ShareText("https://voxcall.example/join?lang=en")
	require.NoError(t, err)
	assert.Equal(t, "Join my call at https://voxcall.example/join?lang=en&peerId=A1", text)
}

func TestControllerClose(t *testing.T) {
	network := memory.NewNetwork()
	a := newTestPeer(t, network, "A1", media.NewToneDevice())
	b := newTestPeer(t, network, "B1", media.NewToneDevice())
	connectPair(t, a, b)

	require.NoError(t, b.ctrl.Close())
	assert.False(t, b.ctrl.IsActive())
	assert.False(t, b.pipeline.IsInitialized())
	require.Eventually(t, func() bool { return !a.ctrl.IsActive() }, waitFor, tick)

	assert.ErrorIs(t, b.ctrl.StartCall(context.Background(), "A1"), ErrControllerClosed)
	_, err := b.ctrl.RegisterIdentity(context.Background())
	assert.ErrorIs(t, err, ErrControllerClosed)
	require.NoError(t, b.ctrl.Close())
}

func TestSetupErrorMatching(t *testing.T) {
	cause := audio.ErrMediaAccessDenied
	err := error(&SetupError{Step: StepPipeline, Remote: "A1", Err: cause})

	assert.ErrorIs(t, err, ErrCallSetupFailed)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrSessionAlreadyActive)
	assert.Contains(t, err.Error(), "initialize_pipeline")
	assert.Contains(t, err.Error(), "A1")
	assert.Equal(t, "inbound", Inbound.String())
	assert.Equal(t, "outbound", Outbound.String())
}

func TestStartCallWhileSetupPending(t *testing.T) {
	network := memory.NewNetwork()
	a := newTestPeer(t, network, "A1", media.NewToneDevice())
	newTestPeer(t, network, "C1", media.NewToneDevice())
	dev := newGatedDevice(t)
	b := newTestPeer(t, network, "B1", dev)

	errc := make(chan error, 1)
	go func() { errc <- b.ctrl.StartCall(context.Background(), "A1") }()
	dev.waitEntered(t)

	start := time.Now()
	for _, target := range []signaling.Address{"A1", "C1"} {
		err := b.ctrl.StartCall(context.Background(), target)
		assert.ErrorIs(t, err, ErrSessionAlreadyActive, "target %s", target)
	}
	assert.Less(t, time.Since(start), time.Second, "rejected without waiting for the pending setup")
	assert.Equal(t, int32(1), dev.calls.Load())

	dev.open()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("first call never completed")
	}
	require.NoError(t, a.nextIncoming(t).err)
	assert.Equal(t, int32(1), dev.calls.Load())
	s, ok := b.ctrl.Session()
	require.True(t, ok)
	assert.Equal(t, signaling.Address("A1"), s.Remote)
}

func TestEndCallDuringOutboundSetup(t *testing.T) {
	network := memory.NewNetwork()
	a := newTestPeer(t, network, "A1", media.NewToneDevice())
	dev := newGatedDevice(t)
	b := newTestPeer(t, network, "B1", dev)

	errc := make(chan error, 1)
	go func() { errc <- b.ctrl.StartCall(context.Background(), "A1") }()
	dev.waitEntered(t)

	b.ctrl.EndCall()
	dev.open()

	var err error
	select {
	case err = <-errc:
	case <-time.After(waitFor):
		t.Fatal("StartCall did not return")
	}
	assert.ErrorIs(t, err, ErrCallSetupFailed)
	assert.ErrorIs(t, err, context.Canceled)

	assert.False(t, b.ctrl.IsActive())
	assert.False(t, b.pipeline.IsInitialized())
	assert.Zero(t, dev.tone.OpenCount())
	assert.Equal(t, 1, dev.tone.TotalOpened())

	select {
	case in := <-a.incoming:
		t.Fatalf("callee saw an abandoned call: %+v", in)
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, a.ctrl.IsActive())

	// The hang-up does not stick to the next attempt.
	require.NoError(t, b.ctrl.StartCall(context.Background(), "A1"))
	require.NoError(t, a.nextIncoming(t).err)
	assert.True(t, b.ctrl.IsActive())
}

func TestEndCallDuringInboundSetup(t *testing.T) {
	network := memory.NewNetwork()
	dev := newGatedDevice(t)
	a := newTestPeer(t, network, "A1", dev)
	b := newTestPeer(t, network, "B1", media.NewToneDevice())

	require.NoError(t, b.ctrl.StartCall(context.Background(), "A1"))
	dev.waitEntered(t)

	a.ctrl.EndCall()
	dev.open()

	in := a.nextIncoming(t)
	assert.Equal(t, signaling.Address("B1"), in.remote)
	assert.ErrorIs(t, in.err, ErrCallSetupFailed)
	assert.ErrorIs(t, in.err, context.Canceled)

	assert.False(t, a.ctrl.IsActive())
	assert.False(t, a.pipeline.IsInitialized())
	assert.Zero(t, dev.tone.OpenCount())
	require.Eventually(t, func() bool { return !b.ctrl.IsActive() }, waitFor, tick)
}

func TestHeldSideChannelExpires(t *testing.T) {
	network := memory.NewNetwork()
	a := newTestPeerWith(t, network, "A1", media.NewToneDevice(), []Option{WithSideChannelHold(50 * time.Millisecond)})
	b := newTestPeer(t, network, "B1", media.NewToneDevice())

	dc, err := b.gateway.Connect(context.Background(), "A1")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !dc.Open() }, waitFor, tick)
	assert.Zero(t, heldChannels(a.ctrl))
	assert.False(t, a.ctrl.IsActive())
}

func TestHeldSideChannelDroppedWhenCallFails(t *testing.T) {
	network := memory.NewNetwork()
	devA := media.NewToneDevice()
	a := newTestPeer(t, network, "A1", devA)
	b := newTestPeer(t, network, "B1", media.NewToneDevice())

	dc, err := b.gateway.Connect(context.Background(), "A1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return heldChannels(a.ctrl) == 1 }, waitFor, tick)

	devA.Deny(media.ErrPermissionDenied)
	require.NoError(t, b.ctrl.StartCall(context.Background(), "A1"))
	assert.ErrorIs(t, a.nextIncoming(t).err, ErrCallSetupFailed)

	require.Eventually(t, func() bool { return !dc.Open() }, waitFor, tick)
}

func TestCarriedOverEffectAnnouncedToNextPeer(t *testing.T) {
	network := memory.NewNetwork()
	a := newTestPeer(t, network, "A1", media.NewToneDevice())
	b := newTestPeer(t, network, "B1", media.NewToneDevice())
	c := newTestPeer(t, network, "C1", media.NewToneDevice())

	connectPair(t, a, b)
	require.NoError(t, a.ctrl.SelectEffect(effect.Child))
	require.Eventually(t, func() bool { return b.appliedEffect() == effect.Child }, waitFor, tick)
	b.ctrl.EndCall()
	require.Eventually(t, func() bool { return !a.ctrl.IsActive() }, waitFor, tick)

	// B picked up child from A and brings it into the call with C.
	connectPair(t, c, b)
	assert.Equal(t, effect.Child, b.appliedEffect())
	require.Eventually(t, func() bool { return c.appliedEffect() == effect.Child }, waitFor, tick)
	b.ctrl.EndCall()
	require.Eventually(t, func() bool { return !c.ctrl.IsActive() }, waitFor, tick)

	// A callee with its own earlier choice follows the caller.
	require.NoError(t, a.ctrl.SelectEffect(effect.Old))
	connectPair(t, a, b)
	require.Eventually(t, func() bool {
		return a.appliedEffect() == effect.Child && a.ctrl.SelectedEffect() == effect.Child
	}, waitFor, tick)
	assert.Equal(t, effect.Child, b.appliedEffect())
}
