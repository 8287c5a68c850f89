package call

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vikas-kashyap97/Voice-changer/audio"
	"github.com/vikas-kashyap97/Voice-changer/effect"
	"github.com/vikas-kashyap97/Voice-changer/media"
	"github.com/vikas-kashyap97/Voice-changer/observe"
	"github.com/vikas-kashyap97/Voice-changer/signaling"
)

// IncomingHandler is told about every inbound call: err is nil once the
// session is active, or a *SetupError when the call was not taken.
type IncomingHandler func(remote signaling.Address, err error)

// Option configures a Controller.
type Option func(*Controller)

// WithPlayback routes the remote stream to sink.
func WithPlayback(sink media.Sink) Option {
	return func(c *Controller) { c.playback = sink }
}

// WithSideChannelHold sets how long a side channel from a peer without a
// call is kept waiting for that peer's call.
func WithSideChannelHold(d time.Duration) Option {
	return func(c *Controller) { c.holdTimeout = d }
}

// WithMetrics overrides the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller runs the call lifecycle: it registers with the gateway,
// places and accepts calls, keeps the audio pipeline alive exactly while a
// session is active and keeps the effect in sync with the peer.
type Controller struct {
	gateway  signaling.Gateway
	pipeline    *audio.Pipeline
	playback    media.Sink
	metrics     *observe.Metrics
	holdTimeout time.Duration

	events      *signaling.Subscription[signaling.Event]
	unsubscribe func()
	wg          sync.WaitGroup

	mu             sync.Mutex
	local          signaling.Address
	session        *session
	pending        bool
	pendingRemote  signaling.Address
	cancelSetup    context.CancelFunc
	held           map[signaling.Address]*heldChannel
	handler        IncomingHandler
	selected       effect.Name
	selectedOrigin audio.Origin
	closed         bool
}

const defaultSideChannelHold = 10 * time.Second

// heldChannel is a side channel that arrived before its peer's call.
type heldChannel struct {
	dc    signaling.DataConnection
	timer *time.Timer
}

// NewController creates a controller over gateway and pipeline. It starts
// consuming gateway events immediately.
func NewController(gateway signaling.Gateway, pipeline *audio.Pipeline, opts ...Option) *Controller {
	c := &Controller{
		gateway:     gateway,
		pipeline:    pipeline,
		held:        make(map[signaling.Address]*heldChannel),
		selected:    effect.Normal,
		holdTimeout: defaultSideChannelHold,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}

	c.unsubscribe = pipeline.Subscribe(c.onEffectChange)
	c.events = gateway.Subscribe()
	c.wg.Add(1)
	go c.dispatch()
	return c
}

// RegisterIdentity obtains the local address. Later calls return the
// address already held.
func (c *Controller) RegisterIdentity(ctx context.Context) (signaling.Address, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrControllerClosed
	}
	if c.local != "" {
		addr := c.local
		c.mu.Unlock()
		return addr, nil
	}
	c.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "call.register")
	addr, err := c.gateway.Register(ctx)
	observe.EndSpan(span, err)
	if err != nil {
		if !errors.Is(err, ErrRegistrationFailed) {
			err = fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
		}
		logrus.WithFields(logrus.Fields{
			"function": "RegisterIdentity",
			"error":    err.Error(),
		}).Error("Identity registration failed")
		return "", err
	}

	c.mu.Lock()
	c.local = addr
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "RegisterIdentity",
		"address":  addr,
	}).Info("Identity registered")
	return addr, nil
}

// LocalAddress returns the registered address, or "" before
// RegisterIdentity.
func (c *Controller) LocalAddress() signaling.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// ListenForIncoming enables answering inbound calls and reports each one
// to handler. Without a handler inbound calls are refused.
func (c *Controller) ListenForIncoming(handler IncomingHandler) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// StartCall places a call to remote. It returns once the call is placed
// and the session is active; the remote stream binds to playback when it
// arrives. Errors are ErrInvalidTarget, ErrSessionAlreadyActive,
// ErrNotRegistered or a *SetupError.
func (c *Controller) StartCall(ctx context.Context, remote signaling.Address) error {
	remote = signaling.Address(strings.TrimSpace(string(remote)))

	c.mu.Lock()
	var err error
	switch {
	case c.closed:
		err = ErrControllerClosed
	case remote == "":
		err = fmt.Errorf("%w: empty address", ErrInvalidTarget)
	case c.local == "":
		err = ErrNotRegistered
	case remote == c.local:
		err = fmt.Errorf("%w: cannot call own address", ErrInvalidTarget)
	case c.session != nil:
		err = ErrSessionAlreadyActive
	case c.pending:
		err = fmt.Errorf("%w: setup in progress", ErrSessionAlreadyActive)
	}
	if err != nil {
		c.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "StartCall",
			"remote":   remote,
			"error":    err.Error(),
		}).Warn("Call rejected")
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.pending = true
	c.pendingRemote = remote
	c.cancelSetup = cancel
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "StartCall",
		"remote":   remote,
	}).Info("Starting call")

	s, err := c.setup(ctx, remote, Outbound, func(ctx context.Context, local media.Stream) (signaling.MediaConnection, error) {
		return c.gateway.Call(ctx, remote, local)
	})
	if err != nil {
		return err
	}
	c.openSideChannel(ctx, s)
	return nil
}

// connectFunc establishes the media connection once the local stream
// exists.
type connectFunc func(ctx context.Context, local media.Stream) (signaling.MediaConnection, error)

// setup runs the steps shared by both directions: initialize the
// pipeline, open the processed output stream, connect, then install the
// session and bind the remote stream to playback. Any failure rolls back
// what was acquired and clears the pending flag. Cancelling ctx before the
// session is installed abandons the setup.
func (c *Controller) setup(ctx context.Context, remote signaling.Address, dir Direction, connect connectFunc) (_ *session, err error) {
	ctx, span := observe.StartSpan(ctx, "call.setup", trace.WithAttributes(
		attribute.String("direction", dir.String()),
		attribute.String("remote", string(remote)),
	))
	defer func() { observe.EndSpan(span, err) }()

	fail := func(step SetupStep, cause error) error {
		c.mu.Lock()
		c.clearPending()
		held := c.takeHeld(remote)
		c.mu.Unlock()
		if held != nil {
			held.Close()
		}

		c.metrics.RecordSetupFailure(ctx, string(step))
		logrus.WithFields(observe.LogFields(ctx)).WithFields(logrus.Fields{
			"function":  "setup",
			"remote":    remote,
			"direction": dir.String(),
			"step":      string(step),
			"error":     cause.Error(),
		}).Error("Call setup failed")
		return &SetupError{Step: step, Remote: remote, Err: cause}
	}

	if err := c.pipeline.Initialize(ctx); err != nil {
		return nil, fail(StepPipeline, err)
	}
	if err := ctx.Err(); err != nil {
		c.pipeline.Teardown()
		return nil, fail(StepPipeline, err)
	}
	c.restoreEffect(dir)

	local, err := c.pipeline.OutputStream()
	if err != nil {
		c.pipeline.Teardown()
		return nil, fail(StepLocalMedia, err)
	}

	conn, err := connect(ctx, local)
	if err != nil {
		if conn != nil {
			conn.Close()
		}
		local.Close()
		c.pipeline.Teardown()
		return nil, fail(StepConnect, err)
	}

	s := newSession(remote, dir, conn, local)
	sub := conn.Subscribe()

	c.mu.Lock()
	abort := ctx.Err()
	if c.closed {
		abort = ErrControllerClosed
	}
	if abort != nil {
		c.mu.Unlock()
		sub.Unsubscribe()
		conn.Close()
		local.Close()
		c.pipeline.Teardown()
		return nil, fail(StepConnect, abort)
	}
	c.session = s
	c.clearPending()
	held := c.takeHeld(remote)
	c.mu.Unlock()

	s.wg.Add(1)
	go c.watch(s, sub)
	if held != nil {
		c.attachSideChannel(held)
	}

	c.metrics.RecordCallStarted(ctx, dir.String())
	logrus.WithFields(observe.LogFields(ctx)).WithFields(logrus.Fields{
		"function":      "setup",
		"remote":        remote,
		"direction":     dir.String(),
		"connection_id": conn.ID(),
	}).Info("Call session active")
	return s, nil
}

// clearPending resets the setup bookkeeping. c.mu must be held.
func (c *Controller) clearPending() {
	c.pending = false
	c.pendingRemote = ""
	c.cancelSetup = nil
}

// takeHeld removes and returns the side channel held for remote, if any.
// c.mu must be held.
func (c *Controller) takeHeld(remote signaling.Address) signaling.DataConnection {
	h := c.held[remote]
	if h == nil {
		return nil
	}
	h.timer.Stop()
	delete(c.held, remote)
	return h.dc
}

// expireHeld closes h if it is still waiting for its call.
func (c *Controller) expireHeld(remote signaling.Address, h *heldChannel) {
	c.mu.Lock()
	if c.held[remote] != h {
		c.mu.Unlock()
		return
	}
	delete(c.held, remote)
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "expireHeld",
		"remote":   remote,
	}).Warn("No call followed the side channel, closing it")
	h.dc.Close()
}

// restoreEffect sets the starting effect of a freshly initialized
// pipeline. The caller carries its selection into the call as a local
// choice, which is announced once the side channel opens. The callee starts
// at normal and follows the caller's announcement.
func (c *Controller) restoreEffect(dir Direction) {
	c.mu.Lock()
	if dir == Inbound {
		c.selected = effect.Normal
		c.selectedOrigin = audio.OriginLocal
		c.mu.Unlock()
		return
	}
	name := c.selected
	c.mu.Unlock()
	if name != effect.Normal {
		c.pipeline.ApplyEffect(name, audio.OriginLocal)
	}
}

// openSideChannel connects effect sync to the session's peer. A peer
// without side channel support only loses effect sync.
func (c *Controller) openSideChannel(ctx context.Context, s *session) {
	dc, err := c.gateway.Connect(ctx, s.remote)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "openSideChannel",
			"remote":   s.remote,
			"error":    err.Error(),
		}).Warn("Effect sync unavailable for this call")
		return
	}
	c.attachSideChannel(dc)
}

// attachSideChannel binds dc to the session with the same peer, holds it
// while that peer's call is being set up, and closes it otherwise.
func (c *Controller) attachSideChannel(dc signaling.DataConnection) {
	c.mu.Lock()
	s := c.session
	switch {
	case s != nil && s.remote == dc.Peer() && (s.effectSync == nil || s.effectSync.stopped()):
		stale := s.effectSync
		es := NewEffectSync(dc, c.onRemoteEffect, c.metrics)
		s.effectSync = es
		name, origin := c.selected, c.selectedOrigin
		c.mu.Unlock()

		if stale != nil {
			stale.Close()
		}
		go c.detachWhenDone(s, es)

		logrus.WithFields(logrus.Fields{
			"function":      "attachSideChannel",
			"remote":        dc.Peer(),
			"connection_id": dc.ID(),
		}).Info("Effect sync attached")

		if origin == audio.OriginLocal && name != effect.Normal {
			if err := es.Send(name); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "attachSideChannel",
					"effect":   name,
					"error":    err.Error(),
				}).Warn("Failed to send current effect")
			}
		}
		return
	case s == nil && !c.closed:
		remote := dc.Peer()
		old := c.takeHeld(remote)
		h := &heldChannel{dc: dc}
		h.timer = time.AfterFunc(c.holdTimeout, func() { c.expireHeld(remote, h) })
		c.held[remote] = h
		c.mu.Unlock()

		if old != nil {
			old.Close()
		}
		logrus.WithFields(logrus.Fields{
			"function": "attachSideChannel",
			"remote":   remote,
			"hold":     c.holdTimeout.String(),
		}).Debug("Holding side channel until the call is set up")
		return
	}
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "attachSideChannel",
		"remote":   dc.Peer(),
	}).Warn("Closing side channel with no matching call")
	dc.Close()
}

// detachWhenDone clears the session's side channel once es stops, so a
// later connection from the same peer can take its place.
func (c *Controller) detachWhenDone(s *session, es *EffectSync) {
	<-es.Done()
	c.mu.Lock()
	if s.effectSync == es {
		s.effectSync = nil
	}
	c.mu.Unlock()
}

// watch follows the media connection of s until the session ends.
func (c *Controller) watch(s *session, sub *signaling.Subscription[signaling.ConnEvent]) {
	defer s.wg.Done()
	defer sub.Unsubscribe()

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				go c.endSession(s, "connection closed")
				return
			}
			switch ev.Kind {
			case signaling.ConnEventStream:
				c.startPlayback(s, ev.Stream)
			case signaling.ConnEventClose:
				go c.endSession(s, "remote hangup")
				return
			case signaling.ConnEventError:
				logrus.WithFields(logrus.Fields{
					"function": "watch",
					"remote":   s.remote,
					"error":    fmt.Sprint(ev.Err),
				}).Warn("Media connection error")
			}
		}
	}
}

// startPlayback copies the remote stream to the playback sink. The end of
// the remote stream ends the session.
func (c *Controller) startPlayback(s *session, stream media.Stream) {
	if stream == nil {
		return
	}
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	s.remoteStream = stream
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "startPlayback",
		"remote":    s.remote,
		"stream_id": stream.ID(),
	}).Info("Remote audio bound to playback")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			frame, err := stream.ReadFrame(s.ctx)
			if err != nil {
				if s.ctx.Err() == nil {
					go c.endSession(s, "remote stream ended")
				}
				return
			}
			if c.playback == nil {
				continue
			}
			if err := c.playback.WriteFrame(frame); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "startPlayback",
					"error":    err.Error(),
				}).Debug("Playback write failed")
			}
		}
	}()
}

// EndCall hangs up the active call and tears the pipeline down. A call
// still being set up is abandoned and rolled back by its setup. Without a
// session it does nothing.
func (c *Controller) EndCall() {
	c.mu.Lock()
	s := c.session
	cancel := c.cancelSetup
	remote := c.pendingRemote
	c.mu.Unlock()

	switch {
	case s != nil:
		c.endSession(s, "local hangup")
	case cancel != nil:
		logrus.WithFields(logrus.Fields{
			"function": "EndCall",
			"remote":   remote,
		}).Info("Abandoning call setup")
		cancel()
	default:
		logrus.WithFields(logrus.Fields{
			"function": "EndCall",
		}).Debug("No active call")
	}
}

// MediaFailed ends the active call after the local media failed. It is
// meant for audio.WithInputLostHandler.
func (c *Controller) MediaFailed(err error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return
	}
	c.endSession(s, fmt.Sprintf("local media failed: %v", err))
}

// endSession releases everything s holds. Only the first call for a
// given session does anything.
func (c *Controller) endSession(s *session, reason string) {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	c.session = nil
	es := s.effectSync
	c.mu.Unlock()

	s.cancel()
	var errs []error
	if es != nil {
		if err := es.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close side channel: %w", err))
		}
	}
	if err := s.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close media connection: %w", err))
	}
	if err := s.local.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close local stream: %w", err))
	}
	s.wg.Wait()
	c.pipeline.Teardown()

	duration := time.Since(s.started)
	c.metrics.RecordCallEnded(context.Background(), duration)

	fields := logrus.Fields{
		"function": "endSession",
		"remote":   s.remote,
		"reason":   reason,
		"duration": duration.Round(time.Millisecond).String(),
	}
	if err := errors.Join(errs...); err != nil {
		fields["error"] = err.Error()
		logrus.WithFields(fields).Warn("Call ended with errors")
		return
	}
	logrus.WithFields(fields).Info("Call ended")
}

// IsActive reports whether a session is active.
func (c *Controller) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// Session returns a view of the active session.
func (c *Controller) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{}, false
	}
	return c.session.snapshot(c.local), true
}

// SelectEffect is the local user's effect choice. It is remembered across
// calls, applied to the live pipeline if there is one and forwarded to the
// peer.
func (c *Controller) SelectEffect(name effect.Name) error {
	if !name.Valid() {
		return fmt.Errorf("%w: %q", effect.ErrUnknownEffect, name)
	}
	c.mu.Lock()
	c.selected = name
	c.selectedOrigin = audio.OriginLocal
	c.mu.Unlock()

	c.pipeline.ApplyEffect(name, audio.OriginLocal)
	return nil
}

// SelectedEffect returns the last effect accepted from either side.
func (c *Controller) SelectedEffect() effect.Name {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// onRemoteEffect applies an effect received from the peer.
func (c *Controller) onRemoteEffect(name effect.Name) {
	c.mu.Lock()
	c.selected = name
	c.selectedOrigin = audio.OriginRemote
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "onRemoteEffect",
		"effect":   name,
	}).Info("Peer selected effect")
	c.pipeline.ApplyEffect(name, audio.OriginRemote)
}

// onEffectChange forwards locally originated effects to the peer.
func (c *Controller) onEffectChange(change audio.EffectChange) {
	c.metrics.RecordEffectChange(context.Background(), change.Effect.String(), change.Origin.String())

	c.mu.Lock()
	c.selected = change.Effect
	c.selectedOrigin = change.Origin
	var es *EffectSync
	if c.session != nil {
		es = c.session.effectSync
	}
	c.mu.Unlock()

	if change.Origin != audio.OriginLocal || es == nil {
		return
	}
	if err := es.Send(change.Effect); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "onEffectChange",
			"effect":   change.Effect,
			"error":    err.Error(),
		}).Warn("Failed to sync effect")
	}
}

// ShareText returns the invitation text for the local address.
func (c *Controller) ShareText(baseURL string) (string, error) {
	addr := c.LocalAddress()
	if addr == "" {
		return "", ErrNotRegistered
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse share url: %w", err)
	}
	q := u.Query()
	q.Set("peerId", string(addr))
	u.RawQuery = q.Encode()
	return "Join my call at " + u.String(), nil
}

// dispatch consumes gateway events until the controller closes.
func (c *Controller) dispatch() {
	defer c.wg.Done()
	for ev := range c.events.C {
		switch ev.Kind {
		case signaling.EventIncomingCall:
			c.handleIncomingCall(ev.Call)
		case signaling.EventIncomingData:
			c.attachSideChannel(ev.Data)
		case signaling.EventError:
			logrus.WithFields(logrus.Fields{
				"function": "dispatch",
				"error":    fmt.Sprint(ev.Err),
			}).Warn("Gateway error")
		case signaling.EventDisconnected:
			logrus.WithFields(logrus.Fields{
				"function": "dispatch",
				"error":    fmt.Sprint(ev.Err),
			}).Warn("Gateway disconnected")
		}
	}
}

// handleIncomingCall answers conn, or refuses it when busy.
func (c *Controller) handleIncomingCall(conn signaling.MediaConnection) {
	remote := conn.Peer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.mu.Lock()
	handler := c.handler
	busy := c.session != nil || c.pending
	closed := c.closed
	var held signaling.DataConnection
	if handler != nil && !busy && !closed {
		c.pending = true
		c.pendingRemote = remote
		c.cancelSetup = cancel
	} else if c.pendingRemote != remote {
		held = c.takeHeld(remote)
	}
	c.mu.Unlock()

	if held != nil {
		held.Close()
	}
	if closed || handler == nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleIncomingCall",
			"remote":   remote,
		}).Warn("Not listening, refusing incoming call")
		conn.Close()
		return
	}
	if busy {
		conn.Close()
		c.metrics.RecordSetupFailure(context.Background(), string(StepAccept))
		logrus.WithFields(logrus.Fields{
			"function": "handleIncomingCall",
			"remote":   remote,
		}).Warn("Busy, refusing incoming call")
		handler(remote, &SetupError{Step: StepAccept, Remote: remote, Err: ErrSessionAlreadyActive})
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":      "handleIncomingCall",
		"remote":        remote,
		"connection_id": conn.ID(),
	}).Info("Answering incoming call")

	_, err := c.setup(ctx, remote, Inbound, func(ctx context.Context, local media.Stream) (signaling.MediaConnection, error) {
		return conn, conn.Answer(ctx, local)
	})
	if err != nil {
		conn.Close()
	}
	handler(remote, err)
}

// Close ends the active call and stops consuming gateway events. The
// gateway itself is left open.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	held := make([]signaling.DataConnection, 0, len(c.held))
	for remote := range c.held {
		held = append(held, c.takeHeld(remote))
	}
	c.mu.Unlock()

	c.EndCall()
	for _, dc := range held {
		dc.Close()
	}
	c.unsubscribe()
	c.events.Unsubscribe()
	c.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Close",
	}).Info("Call controller closed")
	return nil
}
