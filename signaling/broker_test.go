package signaling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive[T any](t *testing.T, c <-chan T) (T, bool) {
	t.Helper()
	select {
	case v, ok := <-c:
		return v, ok
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		var zero T
		return zero, false
	}
}

func TestBrokerDeliversInOrder(t *testing.T) {
	b := NewBroker[int]()
	s1 := b.Subscribe()
	s2 := b.Subscribe()

	for i := 0; i < 3; i++ {
		require.True(t, b.Publish(i))
	}

	for _, s := range []*Subscription[int]{s1, s2} {
		for i := 0; i < 3; i++ {
			v, ok := receive(t, s.C)
			require.True(t, ok)
			assert.Equal(t, i, v)
		}
	}
}

func TestBrokerBacklogGoesToFirstSubscriber(t *testing.T) {
	b := NewBroker[string]()
	b.Publish("early")

	first := b.Subscribe()
	v, ok := receive(t, first.C)
	require.True(t, ok)
	assert.Equal(t, "early", v)

	second := b.Subscribe()
	b.Publish("late")
	v, _ = receive(t, second.C)
	assert.Equal(t, "late", v)
	v, _ = receive(t, first.C)
	assert.Equal(t, "late", v)
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := NewBroker[int]()
	s := b.Subscribe()
	s.Unsubscribe()
	s.Unsubscribe()

	_, ok := receive(t, s.C)
	assert.False(t, ok, "channel closes on unsubscribe")

	// Nobody is subscribed, so this goes to the backlog instead of blocking.
	assert.True(t, b.Publish(1))
}

func TestBrokerUnsubscribeUnblocksPublisher(t *testing.T) {
	b := NewBroker[int]()
	s := b.Subscribe()

	published := make(chan struct{})
	go func() {
		for i := 0; i < subscriptionBuffer+5; i++ {
			b.Publish(i)
		}
		close(published)
	}()

	time.Sleep(20 * time.Millisecond)
	s.Unsubscribe()

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publisher stayed blocked after unsubscribe")
	}
}

func TestBrokerClose(t *testing.T) {
	b := NewBroker[int]()
	s := b.Subscribe()
	b.Publish(7)
	b.Close()
	b.Close()

	v, ok := receive(t, s.C)
	require.True(t, ok)
	assert.Equal(t, 7, v)
	_, ok = receive(t, s.C)
	assert.False(t, ok)

	assert.False(t, b.Publish(8))
	assert.True(t, b.Closed())
	s.Unsubscribe()

	late := b.Subscribe()
	_, ok = receive(t, late.C)
	assert.False(t, ok)
}

func TestBrokerCloseKeepsBacklogForLateSubscriber(t *testing.T) {
	b := NewBroker[string]()
	b.Publish("close")
	b.Close()

	s := b.Subscribe()
	v, ok := receive(t, s.C)
	require.True(t, ok)
	assert.Equal(t, "close", v)
	_, ok = receive(t, s.C)
	assert.False(t, ok)
}
