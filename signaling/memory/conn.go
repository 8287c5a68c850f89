package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/vikas-kashyap97/Voice-changer/media"
	"github.com/vikas-kashyap97/Voice-changer/signaling"
)

// mediaConn is one end of an in-process call. Closing either end closes
// both.
type mediaConn struct {
	id      string
	peer    signaling.Address
	inbound bool
	owner   *Gateway
	events  *signaling.Broker[signaling.ConnEvent]
	other   *mediaConn

	mu       sync.Mutex
	local    media.Stream
	answered bool
	closed   bool
}

func newMediaConn(id string, peer signaling.Address, owner *Gateway, inbound bool) *mediaConn {
	return &mediaConn{
		id:      id,
		peer:    peer,
		inbound: inbound,
		owner:   owner,
		events:  signaling.NewBroker[signaling.ConnEvent](),
	}
}

func (c *mediaConn) ID() string               { return c.id }
func (c *mediaConn) Peer() signaling.Address { return c.peer }

func (c *mediaConn) Subscribe() *signaling.Subscription[signaling.ConnEvent] {
	return c.events.Subscribe()
}

func (c *mediaConn) Answer(ctx context.Context, local media.Stream) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.inbound {
		return errors.New("outbound call cannot be answered")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return signaling.ErrConnectionClosed
	}
	if c.answered {
		c.mu.Unlock()
		return signaling.ErrAlreadyAnswered
	}
	c.answered = true
	c.local = local
	c.mu.Unlock()

	c.other.mu.Lock()
	callerStream := c.other.local
	c.other.answered = true
	c.other.mu.Unlock()

	// Each side receives the stream the other side sends.
	c.events.Publish(signaling.ConnEvent{Kind: signaling.ConnEventStream, Stream: callerStream})
	c.other.events.Publish(signaling.ConnEvent{Kind: signaling.ConnEventStream, Stream: local})

	logrus.WithFields(logrus.Fields{
		"function":      "Answer",
		"connection_id": c.id,
		"caller":        c.peer,
	}).Info("Media call answered")
	return nil
}

func (c *mediaConn) Close() error {
	c.shutdown()
	c.other.shutdown()
	return nil
}

func (c *mediaConn) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.events.Publish(signaling.ConnEvent{Kind: signaling.ConnEventClose})
	c.events.Close()
	c.owner.untrack(c)
}

// dataConn is one end of an in-process side channel.
type dataConn struct {
	id     string
	peer   signaling.Address
	owner  *Gateway
	events *signaling.Broker[signaling.ConnEvent]
	other  *dataConn

	mu     sync.Mutex
	closed bool
}

func newDataConn(id string, peer signaling.Address, owner *Gateway) *dataConn {
	return &dataConn{
		id:     id,
		peer:   peer,
		owner:  owner,
		events: signaling.NewBroker[signaling.ConnEvent](),
	}
}

func (c *dataConn) ID() string               { return c.id }
func (c *dataConn) Peer() signaling.Address { return c.peer }

func (c *dataConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *dataConn) Subscribe() *signaling.Subscription[signaling.ConnEvent] {
	return c.events.Subscribe()
}

func (c *dataConn) Send(payload []byte) error {
	if !c.Open() {
		return signaling.ErrConnectionClosed
	}
	msg := make([]byte, len(payload))
	copy(msg, payload)
	if !c.other.events.Publish(signaling.ConnEvent{Kind: signaling.ConnEventData, Payload: msg}) {
		return signaling.ErrConnectionClosed
	}
	return nil
}

func (c *dataConn) Close() error {
	c.shutdown()
	c.other.shutdown()
	return nil
}

func (c *dataConn) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.events.Publish(signaling.ConnEvent{Kind: signaling.ConnEventClose})
	c.events.Close()
	c.owner.untrack(c)
}
