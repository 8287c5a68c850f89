package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikas-kashyap97/Voice-changer/media"
	"github.com/vikas-kashyap97/Voice-changer/signaling"
)

func next[T any](t *testing.T, s *signaling.Subscription[T]) T {
	t.Helper()
	select {
	case v, ok := <-s.C:
		require.True(t, ok, "subscription closed")
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

func registered(t *testing.T, n *Network, opts ...Option) (*Gateway, signaling.Address) {
	t.Helper()
	g := n.NewGateway(opts...)
	addr, err := g.Register(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g, addr
}

func TestRegister(t *testing.T) {
	n := NewNetwork()
	a, addrA := registered(t, n)
	_, addrB := registered(t, n)

	assert.NotEmpty(t, addrA)
	assert.NotEqual(t, addrA, addrB)

	again, err := a.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, addrA, again)
	assert.Equal(t, addrA, a.Address())
}

func TestRegisterAddressTaken(t *testing.T) {
	n := NewNetwork()
	registered(t, n, WithAddress("A1"))

	_, err := n.NewGateway(WithAddress("A1")).Register(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, signaling.ErrRegistrationFailed))
	assert.True(t, errors.Is(err, signaling.ErrAddressTaken))
}

func TestCallRequiresRegistration(t *testing.T) {
	n := NewNetwork()
	g := n.NewGateway()

	_, err := g.Call(context.Background(), "B1", nil)
	assert.True(t, errors.Is(err, signaling.ErrNotRegistered))

	_, err = g.Connect(context.Background(), "B1")
	assert.True(t, errors.Is(err, signaling.ErrNotRegistered))
}

func TestCallUnknownPeer(t *testing.T) {
	n := NewNetwork()
	g, _ := registered(t, n)

	_, err := g.Call(context.Background(), "nobody", nil)
	assert.True(t, errors.Is(err, signaling.ErrPeerUnavailable))
}

func TestCallAnswerExchangesStreams(t *testing.T) {
	n := NewNetwork()
	a, _ := registered(t, n, WithAddress("A1"))
	b, _ := registered(t, n, WithAddress("B1"))
	events := a.Subscribe()

	bStream := media.NewChannelStream("b-out", 1)
	aStream := media.NewChannelStream("a-out", 1)

	outbound, err := b.Call(context.Background(), "A1", bStream)
	require.NoError(t, err)
	assert.Equal(t, signaling.Address("A1"), outbound.Peer())

	ev := next(t, events)
	require.Equal(t, signaling.EventIncomingCall, ev.Kind)
	inbound := ev.Call
	assert.Equal(t, signaling.Address("B1"), inbound.Peer())
	assert.Equal(t, outbound.ID(), inbound.ID())

	require.NoError(t, inbound.Answer(context.Background(), aStream))
	assert.True(t, errors.Is(inbound.Answer(context.Background(), aStream), signaling.ErrAlreadyAnswered))
	assert.Error(t, outbound.Answer(context.Background(), bStream))

	inEv := next(t, inbound.Subscribe())
	assert.Equal(t, signaling.ConnEventStream, inEv.Kind)
	assert.Equal(t, "b-out", inEv.Stream.ID())

	outSub := outbound.Subscribe()
	outEv := next(t, outSub)
	assert.Equal(t, signaling.ConnEventStream, outEv.Kind)
	assert.Equal(t, "a-out", outEv.Stream.ID())

	require.NoError(t, inbound.Close())
	closeEv := next(t, outSub)
	assert.Equal(t, signaling.ConnEventClose, closeEv.Kind)

	assert.True(t, errors.Is(inbound.Answer(context.Background(), aStream), signaling.ErrConnectionClosed))
}

func TestDataConnection(t *testing.T) {
	n := NewNetwork()
	a, _ := registered(t, n, WithAddress("A1"))
	b, _ := registered(t, n, WithAddress("B1"))
	events := a.Subscribe()

	local, err := b.Connect(context.Background(), "A1")
	require.NoError(t, err)
	assert.True(t, local.Open())

	ev := next(t, events)
	require.Equal(t, signaling.EventIncomingData, ev.Kind)
	remote := ev.Data
	remoteSub := remote.Subscribe()
	assert.Equal(t, signaling.ConnEventOpen, next(t, remoteSub).Kind)

	payload := []byte(`{"type":"voiceEffect","effect":"male"}`)
	require.NoError(t, local.Send(payload))
	payload[0] = 'X'

	msg := next(t, remoteSub)
	assert.Equal(t, signaling.ConnEventData, msg.Kind)
	assert.Equal(t, `{"type":"voiceEffect","effect":"male"}`, string(msg.Payload))

	require.NoError(t, local.Close())
	assert.Equal(t, signaling.ConnEventClose, next(t, remoteSub).Kind)
	assert.False(t, remote.Open())
	assert.True(t, errors.Is(local.Send(payload), signaling.ErrConnectionClosed))
}

func TestDataChannelsUnsupported(t *testing.T) {
	n := NewNetwork()
	registered(t, n, WithAddress("A1"), WithoutDataChannels())
	b, _ := registered(t, n, WithAddress("B1"))

	_, err := b.Connect(context.Background(), "A1")
	assert.True(t, errors.Is(err, signaling.ErrDataChannelUnsupported))
}

func TestGatewayCloseEndsConnections(t *testing.T) {
	n := NewNetwork()
	a, _ := registered(t, n, WithAddress("A1"))
	b, _ := registered(t, n, WithAddress("B1"))

	outbound, err := b.Call(context.Background(), "A1", nil)
	require.NoError(t, err)
	sub := outbound.Subscribe()

	require.NoError(t, a.Close())
	assert.Equal(t, signaling.ConnEventClose, next(t, sub).Kind)

	_, err = b.Call(context.Background(), "A1", nil)
	assert.True(t, errors.Is(err, signaling.ErrPeerUnavailable))

	_, err = a.Register(context.Background())
	assert.True(t, errors.Is(err, signaling.ErrRegistrationFailed))
}
