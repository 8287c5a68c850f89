// Package peerjs implements the signaling gateway on top of a PeerJS
// compatible server. The server allocates addresses and relays SDP offers,
// answers and ICE candidates over a websocket; audio and side channel
// traffic flows directly between peers over WebRTC.
package peerjs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/vikas-kashyap97/Voice-changer/media"
	"github.com/vikas-kashyap97/Voice-changer/signaling"
)

const (
	writeTimeout = 10 * time.Second
	maxIDBytes   = 256
)

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient overrides the client used for id allocation.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.client = c }
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(g *Gateway) { g.dialer = d }
}

// Gateway is a signaling.Gateway backed by a PeerJS server.
type Gateway struct {
	cfg    Config
	api    *webrtc.API
	client *http.Client
	dialer *websocket.Dialer
	events *signaling.Broker[signaling.Event]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	writeMu sync.Mutex

	mu          sync.Mutex
	ws          *websocket.Conn
	addr        signaling.Address
	registering bool
	opened      chan error
	conns       map[string]connection
	closed      bool
}

var _ signaling.Gateway = (*Gateway)(nil)

// connection is the gateway's view of a media or data connection.
type connection interface {
	base() *peer
}

// New creates an unregistered gateway.
func New(cfg Config, opts ...Option) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	se := webrtc.SettingEngine{}
	se.SetReceiveMTU(16384)
	se.SetSRTPReplayProtectionWindow(1024)

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:    cfg,
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se)),
		client: http.DefaultClient,
		dialer: websocket.DefaultDialer,
		events: signaling.NewBroker[signaling.Event](),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]connection),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Register implements signaling.Gateway. It allocates an id unless one is
// configured, opens the signaling socket and waits for the server to
// confirm it.
func (g *Gateway) Register(ctx context.Context) (signaling.Address, error) {
	g.mu.Lock()
	switch {
	case g.closed:
		g.mu.Unlock()
		return "", fmt.Errorf("%w: %w", signaling.ErrRegistrationFailed, signaling.ErrGatewayClosed)
	case g.addr != "":
		addr := g.addr
		g.mu.Unlock()
		return addr, nil
	case g.registering:
		g.mu.Unlock()
		return "", fmt.Errorf("%w: registration in progress", signaling.ErrRegistrationFailed)
	}
	g.registering = true
	g.mu.Unlock()

	addr, err := g.register(ctx)

	g.mu.Lock()
	g.registering = false
	if err == nil {
		g.addr = addr
	}
	g.mu.Unlock()

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Register",
			"host":     g.cfg.Host,
			"error":    err.Error(),
		}).Error("PeerJS registration failed")
		return "", fmt.Errorf("%w: %w", signaling.ErrRegistrationFailed, err)
	}

	g.wg.Add(1)
	go g.heartbeat()

	logrus.WithFields(logrus.Fields{
		"function": "Register",
		"host":     g.cfg.Host,
		"address":  addr,
	}).Info("Registered with PeerJS server")
	return addr, nil
}

func (g *Gateway) register(ctx context.Context) (signaling.Address, error) {
	id := g.cfg.ID
	if id == "" {
		var err error
		if id, err = g.fetchID(ctx); err != nil {
			return "", err
		}
	}

	ws, _, err := g.dialer.DialContext(ctx, g.cfg.socketURL(id, uuid.NewString()), nil)
	if err != nil {
		return "", fmt.Errorf("dial signaling socket: %w", err)
	}

	opened := make(chan error, 1)
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		ws.Close()
		return "", signaling.ErrGatewayClosed
	}
	g.ws = ws
	g.opened = opened
	g.mu.Unlock()

	g.wg.Add(1)
	go g.readLoop(ws)

	select {
	case err = <-opened:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		g.dropSocket(ws)
		return "", err
	}
	return signaling.Address(id), nil
}

// fetchID asks the server for a fresh id.
func (g *Gateway) fetchID(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.idURL(time.Now()), nil)
	if err != nil {
		return "", fmt.Errorf("build id request: %w", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request id: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("request id: unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIDBytes))
	if err != nil {
		return "", fmt.Errorf("read id: %w", err)
	}
	id := strings.TrimSpace(string(body))
	if id == "" {
		return "", fmt.Errorf("request id: empty response")
	}
	return id, nil
}

func (g *Gateway) dropSocket(ws *websocket.Conn) {
	g.mu.Lock()
	if g.ws == ws {
		g.ws = nil
		g.opened = nil
	}
	g.mu.Unlock()
	ws.Close()
}

// signalOpen resolves a pending registration. It reports whether one was
// waiting.
func (g *Gateway) signalOpen(err error) bool {
	g.mu.Lock()
	ch := g.opened
	g.opened = nil
	g.mu.Unlock()
	if ch == nil {
		return false
	}
	ch <- err
	return true
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

func (g *Gateway) readLoop(ws *websocket.Conn) {
	defer g.wg.Done()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			g.signalOpen(fmt.Errorf("signaling socket closed: %w", err))
			g.socketLost(ws, err)
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"error":    err.Error(),
			}).Warn("Ignoring malformed signaling message")
			continue
		}
		g.handle(msg)
	}
}

func (g *Gateway) socketLost(ws *websocket.Conn, err error) {
	g.mu.Lock()
	lost := g.ws == ws && !g.closed && g.addr != ""
	g.mu.Unlock()
	if !lost {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "readLoop",
		"error":    err.Error(),
	}).Warn("Lost connection to PeerJS server")
	g.events.Publish(signaling.Event{Kind: signaling.EventDisconnected, Err: err})
}

func (g *Gateway) heartbeat() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			if err := g.send(Message{Type: MsgHeartbeat}); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "heartbeat",
					"error":    err.Error(),
				}).Debug("Heartbeat not sent")
				return
			}
		}
	}
}

// send writes one message to the signaling socket.
func (g *Gateway) send(msg Message) error {
	g.mu.Lock()
	ws := g.ws
	g.mu.Unlock()
	if ws == nil {
		return signaling.ErrNotRegistered
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if err := ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return ws.WriteJSON(msg)
}

func (g *Gateway) handle(msg Message) {
	switch msg.Type {
	case MsgOpen:
		g.signalOpen(nil)
	case MsgIDTaken:
		g.signalOpen(signaling.ErrAddressTaken)
	case MsgInvalidKey:
		g.serverError(fmt.Errorf("invalid api key %q", g.cfg.Key))
	case MsgError:
		p, _ := decodePayload(msg)
		g.serverError(fmt.Errorf("server error: %s", p.Msg))
	case MsgHeartbeat:
	case MsgOffer:
		g.handleOffer(msg)
	case MsgAnswer:
		g.handleAnswer(msg)
	case MsgCandidate:
		g.handleCandidate(msg)
	case MsgLeave, MsgExpire:
		g.handlePeerGone(msg)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "handle",
			"type":     msg.Type,
		}).Debug("Ignoring unknown signaling message")
	}
}

func (g *Gateway) serverError(err error) {
	if g.signalOpen(err) {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "handle",
		"error":    err.Error(),
	}).Warn("PeerJS server reported an error")
	g.events.Publish(signaling.Event{Kind: signaling.EventError, Err: err})
}

func (g *Gateway) handleOffer(msg Message) {
	p, err := decodePayload(msg)
	if err != nil || p.SDP == nil || p.ConnectionID == "" || msg.Src == "" {
		logrus.WithFields(logrus.Fields{
			"function": "handleOffer",
			"src":      msg.Src,
		}).Warn("Ignoring malformed offer")
		return
	}
	remote := signaling.Address(msg.Src)

	switch p.Type {
	case connTypeMedia:
		c := newMediaConn(g, p.ConnectionID, remote, true)
		c.remoteOffer = p.SDP
		g.track(c)
		logrus.WithFields(logrus.Fields{
			"function":      "handleOffer",
			"connection_id": c.id,
			"caller":        remote,
		}).Info("Incoming media call")
		g.events.Publish(signaling.Event{Kind: signaling.EventIncomingCall, Call: c})
	case connTypeData:
		c := newDataConn(g, p.ConnectionID, remote, p.Label)
		g.track(c)
		go c.accept(*p.SDP)
		g.events.Publish(signaling.Event{Kind: signaling.EventIncomingData, Data: c})
	default:
		logrus.WithFields(logrus.Fields{
			"function": "handleOffer",
			"type":     p.Type,
		}).Warn("Ignoring offer of unknown connection type")
	}
}

func (g *Gateway) handleAnswer(msg Message) {
	p, err := decodePayload(msg)
	if err != nil || p.SDP == nil {
		return
	}
	c := g.lookup(p.ConnectionID)
	if c == nil {
		return
	}
	if err := c.base().setRemote(*p.SDP); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":      "handleAnswer",
			"connection_id": p.ConnectionID,
			"error":         err.Error(),
		}).Warn("Failed to apply answer")
		c.base().close()
	}
}

func (g *Gateway) handleCandidate(msg Message) {
	p, err := decodePayload(msg)
	if err != nil || p.Candidate == nil {
		return
	}
	if c := g.lookup(p.ConnectionID); c != nil {
		c.base().addCandidate(*p.Candidate)
	}
}

func (g *Gateway) handlePeerGone(msg Message) {
	remote := signaling.Address(msg.Src)

	g.mu.Lock()
	var gone []*peer
	for _, c := range g.conns {
		if b := c.base(); b.remote == remote {
			gone = append(gone, b)
		}
	}
	g.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "handlePeerGone",
		"type":        msg.Type,
		"peer":        remote,
		"connections": len(gone),
	}).Info("Peer left")

	for _, b := range gone {
		if msg.Type == MsgExpire {
			b.events.Publish(signaling.ConnEvent{
				Kind: signaling.ConnEventError,
				Err:  fmt.Errorf("%w: %s", signaling.ErrPeerUnavailable, remote),
			})
		}
		b.close()
	}
}

func (g *Gateway) track(c connection) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns[c.base().id] = c
}

func (g *Gateway) untrack(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, id)
}

func (g *Gateway) lookup(id string) connection {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conns[id]
}

// Call implements signaling.Gateway.
func (g *Gateway) Call(ctx context.Context, remote signaling.Address, local media.Stream) (signaling.MediaConnection, error) {
	if _, err := g.self(); err != nil {
		return nil, err
	}
	c := newMediaConn(g, "mc_"+uuid.NewString(), remote, false)
	g.track(c)
	if err := c.dial(ctx, local); err != nil {
		c.close()
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"function":      "Call",
		"connection_id": c.id,
		"to":            remote,
	}).Info("Media call offered")
	return c, nil
}

// Connect implements signaling.Gateway.
func (g *Gateway) Connect(ctx context.Context, remote signaling.Address) (signaling.DataConnection, error) {
	if _, err := g.self(); err != nil {
		return nil, err
	}
	id := "dc_" + uuid.NewString()
	c := newDataConn(g, id, remote, id)
	g.track(c)
	if err := c.dial(ctx); err != nil {
		c.close()
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"function":      "Connect",
		"connection_id": id,
		"to":            remote,
	}).Info("Data connection offered")
	return c, nil
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
	ws := g.ws
	g.ws = nil
	conns := make([]*peer, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c.base())
	}
	g.mu.Unlock()

	g.cancel()
	for _, c := range conns {
		c.close()
	}

	var err error
	if ws != nil {
		g.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		g.writeMu.Unlock()
		err = ws.Close()
	}
	g.wg.Wait()

	g.events.Publish(signaling.Event{Kind: signaling.EventDisconnected})
	g.events.Close()
	return err
}
