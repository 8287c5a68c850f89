// Package memory implements an in-process signaling gateway. Gateways
// created from the same Network can register, call and connect to each
// other without any network I/O, which makes it the rendezvous of choice
// for tests and single-host demos.
package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vikas-kashyap97/Voice-changer/media"
	"github.com/vikas-kashyap97/Voice-changer/signaling"
)

// Network is the shared rendezvous for in-process gateways.
type Network struct {
	mu    sync.Mutex
	peers map[signaling.Address]*Gateway
}

// NewNetwork creates an empty rendezvous.
func NewNetwork() *Network {
	return &Network{peers: make(map[signaling.Address]*Gateway)}
}

func (n *Network) lookup(addr signaling.Address) (*Gateway, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	g, ok := n.peers[addr]
	return g, ok
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithAddress requests a fixed address instead of a generated one.
func WithAddress(addr signaling.Address) Option {
	return func(g *Gateway) { g.requested = addr }
}

// WithoutDataChannels makes the gateway refuse data connections in both
// directions, like a peer without side channel support.
func WithoutDataChannels() Option {
	return func(g *Gateway) { g.dataSupport = false }
}

// Gateway is an in-process signaling.Gateway.
type Gateway struct {
	network     *Network
	requested   signaling.Address
	dataSupport bool
	events      *signaling.Broker[signaling.Event]

	mu     sync.Mutex
	addr   signaling.Address
	closed bool
	conns  map[io.Closer]struct{}
}

var _ signaling.Gateway = (*Gateway)(nil)

// NewGateway creates an unregistered gateway on n.
func (n *Network) NewGateway(opts ...Option) *Gateway {
	g := &Gateway{
		network:     n,
		dataSupport: true,
		events:      signaling.NewBroker[signaling.Event](),
		conns:       make(map[io.Closer]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register implements signaling.Gateway. Registering again returns the
// address already held.
func (g *Gateway) Register(ctx context.Context) (signaling.Address, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", signaling.ErrRegistrationFailed, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return "", fmt.Errorf("%w: %w", signaling.ErrRegistrationFailed, signaling.ErrGatewayClosed)
	}
	if g.addr != "" {
		return g.addr, nil
	}

	addr := g.requested
	if addr == "" {
		addr = signaling.Address(uuid.NewString())
	}

	g.network.mu.Lock()
	if _, taken := g.network.peers[addr]; taken {
		g.network.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Register",
			"address":  addr,
		}).Warn("Requested address already registered")
		return "", fmt.Errorf("%w: %w: %s", signaling.ErrRegistrationFailed, signaling.ErrAddressTaken, addr)
	}
	g.network.peers[addr] = g
	g.network.mu.Unlock()

	g.addr = addr
	logrus.WithFields(logrus.Fields{
		"function": "Register",
		"address":  addr,
	}).Info("Registered with in-process gateway")
	return addr, nil
}

// Address returns the registered address, or "" before Register.
func (g *Gateway) Address() signaling.Address {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addr
}

func (g *Gateway) self() (signaling.Address, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return "", signaling.ErrGatewayClosed
	}
	if g.addr == "" {
		return "", signaling.ErrNotRegistered
	}
	return g.addr, nil
}

func (g *Gateway) track(c io.Closer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns[c] = struct{}{}
}

func (g *Gateway) untrack(c io.Closer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, c)
}

// Call implements signaling.Gateway.
func (g *Gateway) Call(ctx context.Context, remote signaling.Address, local media.Stream) (signaling.MediaConnection, error) {
	self, err := g.self()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	peer, ok := g.network.lookup(remote)
	if !ok {
		return nil, fmt.Errorf("%w: %s", signaling.ErrPeerUnavailable, remote)
	}

	id := "mc_" + uuid.NewString()
	caller := newMediaConn(id, remote, g, false)
	callee := newMediaConn(id, self, peer, true)
	caller.local = local
	caller.other, callee.other = callee, caller

	g.track(caller)
	peer.track(callee)

	if !peer.events.Publish(signaling.Event{Kind: signaling.EventIncomingCall, Call: callee}) {
		caller.Close()
		return nil, fmt.Errorf("%w: %s", signaling.ErrPeerUnavailable, remote)
	}

	logrus.WithFields(logrus.Fields{
		"function":      "Call",
		"connection_id": id,
		"from":          self,
		"to":            remote,
	}).Info("Media call offered")
	return caller, nil
}

// Connect implements signaling.Gateway.
func (g *Gateway) Connect(ctx context.Context, remote signaling.Address) (signaling.DataConnection, error) {
	self, err := g.self()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	peer, ok := g.network.lookup(remote)
	if !ok {
		return nil, fmt.Errorf("%w: %s", signaling.ErrPeerUnavailable, remote)
	}
	if !g.dataSupport || !peer.dataSupport {
		return nil, signaling.ErrDataChannelUnsupported
	}

	id := "dc_" + uuid.NewString()
	local := newDataConn(id, remote, g)
	far := newDataConn(id, self, peer)
	local.other, far.other = far, local

	g.track(local)
	peer.track(far)

	if !peer.events.Publish(signaling.Event{Kind: signaling.EventIncomingData, Data: far}) {
		local.Close()
		return nil, fmt.Errorf("%w: %s", signaling.ErrPeerUnavailable, remote)
	}
	local.events.Publish(signaling.ConnEvent{Kind: signaling.ConnEventOpen})
	far.events.Publish(signaling.ConnEvent{Kind: signaling.ConnEventOpen})

	logrus.WithFields(logrus.Fields{
		"function":      "Connect",
		"connection_id": id,
		"from":          self,
		"to":            remote,
	}).Info("Data connection opened")
	return local, nil
}

// Subscribe implements signaling.Gateway.
func (g *Gateway) Subscribe() *signaling.Subscription[signaling.Event] {
	return g.events.Subscribe()
}

// Close implements signaling.Gateway.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	addr := g.addr
	conns := make([]io.Closer, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	if addr != "" {
		g.network.mu.Lock()
		if g.network.peers[addr] == g {
			delete(g.network.peers, addr)
		}
		g.network.mu.Unlock()
	}

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	g.events.Publish(signaling.Event{Kind: signaling.EventDisconnected})
	g.events.Close()
	return errors.Join(errs...)
}
