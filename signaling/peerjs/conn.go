package peerjs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/sirupsen/logrus"

	"github.com/vikas-kashyap97/Voice-changer/media"
	"github.com/vikas-kashyap97/Voice-changer/signaling"
)

// ErrChannelNotOpen indicates Send before the data channel opened.
var ErrChannelNotOpen = errors.New("data channel not open")

const remoteStreamBuffer = 50

// peer holds the negotiation state shared by media and data connections.
type peer struct {
	gw     *Gateway
	id     string
	remote signaling.Address
	kind   string
	events *signaling.Broker[signaling.ConnEvent]

	mu         sync.Mutex
	pc         *webrtc.PeerConnection
	remoteSet  bool
	candidates []webrtc.ICECandidateInit
	closed     bool
	hooks      []func()
}

func newPeer(gw *Gateway, id string, remote signaling.Address, kind string) *peer {
	return &peer{
		gw:     gw,
		id:     id,
		remote: remote,
		kind:   kind,
		events: signaling.NewBroker[signaling.ConnEvent](),
	}
}

func (p *peer) base() *peer { return p }

func (p *peer) ID() string               { return p.id }
func (p *peer) Peer() signaling.Address { return p.remote }

func (p *peer) Subscribe() *signaling.Subscription[signaling.ConnEvent] {
	return p.events.Subscribe()
}

func (p *peer) Close() error {
	return p.close()
}

func (p *peer) newPeerConnection() (*webrtc.PeerConnection, error) {
	pc, err := p.gw.api.NewPeerConnection(webrtc.Configuration{ICEServers: p.gw.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		cand := c.ToJSON()
		if err := p.signal(MsgCandidate, &Payload{Candidate: &cand}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":      "OnICECandidate",
				"connection_id": p.id,
				"error":         err.Error(),
			}).Debug("Candidate not relayed")
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logrus.WithFields(logrus.Fields{
			"function":      "OnConnectionStateChange",
			"connection_id": p.id,
			"state":         state.String(),
		}).Debug("Peer connection state changed")
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			go p.close()
		}
	})

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		pc.Close()
		return nil, signaling.ErrConnectionClosed
	}
	p.pc = pc
	p.mu.Unlock()
	return pc, nil
}

// signal sends a message about this connection to the remote peer.
func (p *peer) signal(t MessageType, payload *Payload) error {
	payload.Type = p.kind
	payload.ConnectionID = p.id
	msg, err := newMessage(t, string(p.remote), payload)
	if err != nil {
		return err
	}
	return p.gw.send(msg)
}

// setRemote applies the remote description and flushes candidates that
// arrived before it.
func (p *peer) setRemote(sdp webrtc.SessionDescription) error {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return signaling.ErrConnectionClosed
	}
	if err := pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	p.mu.Lock()
	p.remoteSet = true
	pending := p.candidates
	p.candidates = nil
	p.mu.Unlock()

	for _, c := range pending {
		p.applyCandidate(pc, c)
	}
	return nil
}

func (p *peer) addCandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	if !p.remoteSet || p.pc == nil {
		p.candidates = append(p.candidates, c)
		p.mu.Unlock()
		return
	}
	pc := p.pc
	p.mu.Unlock()
	p.applyCandidate(pc, c)
}

func (p *peer) applyCandidate(pc *webrtc.PeerConnection, c webrtc.ICECandidateInit) {
	if err := pc.AddICECandidate(c); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":      "addCandidate",
			"connection_id": p.id,
			"error":         err.Error(),
		}).Debug("Rejected ICE candidate")
	}
}

// onClose registers fn to run when the connection closes. fn runs at once
// if it already has.
func (p *peer) onClose(fn func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		fn()
		return
	}
	p.hooks = append(p.hooks, fn)
	p.mu.Unlock()
}

func (p *peer) close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	pc := p.pc
	hooks := p.hooks
	p.hooks = nil
	p.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	var err error
	if pc != nil {
		err = pc.Close()
	}
	p.events.Publish(signaling.ConnEvent{Kind: signaling.ConnEventClose})
	p.events.Close()
	p.gw.untrack(p.id)

	logrus.WithFields(logrus.Fields{
		"function":      "close",
		"connection_id": p.id,
		"peer":          p.remote,
	}).Debug("Connection closed")
	return err
}

// mediaConn is a WebRTC audio call.
type mediaConn struct {
	*peer
	inbound     bool
	remoteOffer *webrtc.SessionDescription
	answered    bool
}

var _ signaling.MediaConnection = (*mediaConn)(nil)

func newMediaConn(gw *Gateway, id string, remote signaling.Address, inbound bool) *mediaConn {
	return &mediaConn{peer: newPeer(gw, id, remote, connTypeMedia), inbound: inbound}
}

// prepare creates the peer connection with an outgoing Opus track fed by
// local and a handler for the remote track. An answering side passes the
// remote offer so the track binds to the offered transceiver.
func (c *mediaConn) prepare(local media.Stream, offer *webrtc.SessionDescription) (*webrtc.PeerConnection, error) {
	pc, err := c.newPeerConnection()
	if err != nil {
		return nil, err
	}
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.receive(remote)
	})
	if offer != nil {
		if err := c.setRemote(*offer); err != nil {
			return nil, err
		}
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: media.OpusSampleRate,
		Channels:  2,
	}, "audio", "voxcall-"+c.id)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("add audio track: %w", err)
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	if local != nil {
		c.transmit(local, track)
	}
	return pc, nil
}

// transmit encodes local to Opus and writes it to track until the
// connection closes or local ends.
func (c *mediaConn) transmit(local media.Stream, track *webrtc.TrackLocalStaticSample) {
	ctx, cancel := context.WithCancel(c.gw.ctx)
	c.onClose(cancel)

	go func() {
		enc, err := media.NewEncoder(c.gw.cfg.Bitrate)
		if err != nil {
			c.events.Publish(signaling.ConnEvent{Kind: signaling.ConnEventError, Err: err})
			return
		}
		for {
			frame, err := local.ReadFrame(ctx)
			if err != nil {
				return
			}
			packets, err := enc.Encode(frame)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function":      "transmit",
					"connection_id": c.id,
					"error":         err.Error(),
				}).Debug("Dropping unencodable frame")
				continue
			}
			for _, pkt := range packets {
				if err := track.WriteSample(pionmedia.Sample{Data: pkt, Duration: media.OpusFrameDuration}); err != nil {
					if errors.Is(err, io.ErrClosedPipe) {
						return
					}
				}
			}
		}
	}()
}

// receive decodes the remote audio track into a stream and hands it to
// subscribers.
func (c *mediaConn) receive(remote *webrtc.TrackRemote) {
	if remote.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	stream := media.NewChannelStream("remote-"+c.id, remoteStreamBuffer)
	c.onClose(func() { stream.Close() })

	logrus.WithFields(logrus.Fields{
		"function":      "receive",
		"connection_id": c.id,
		"codec":         remote.Codec().MimeType,
	}).Info("Remote audio track received")
	c.events.Publish(signaling.ConnEvent{Kind: signaling.ConnEventStream, Stream: stream})

	go func() {
		defer stream.Close()
		dec, err := media.NewDecoder()
		if err != nil {
			c.events.Publish(signaling.ConnEvent{Kind: signaling.ConnEventError, Err: err})
			return
		}
		for {
			pkt, _, err := remote.ReadRTP()
			if err != nil {
				return
			}
			if len(pkt.Payload) == 0 {
				continue
			}
			frame, err := dec.Decode(pkt.Payload)
			if err != nil {
				continue
			}
			stream.Push(frame)
		}
	}()
}

// dial sends the offer for an outgoing call.
func (c *mediaConn) dial(ctx context.Context, local media.Stream) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pc, err := c.prepare(local, nil)
	if err != nil {
		return err
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return c.signal(MsgOffer, &Payload{SDP: &offer})
}

// Answer implements signaling.MediaConnection.
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
	offer := c.remoteOffer
	c.mu.Unlock()

	pc, err := c.prepare(local, offer)
	if err != nil {
		return err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	if err := c.signal(MsgAnswer, &Payload{SDP: &answer}); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":      "Answer",
		"connection_id": c.id,
		"caller":        c.remote,
	}).Info("Media call answered")
	return nil
}

// dataConn is a WebRTC data channel carrying JSON text messages.
type dataConn struct {
	*peer
	label string
	dc    *webrtc.DataChannel
	open  bool
}

var _ signaling.DataConnection = (*dataConn)(nil)

func newDataConn(gw *Gateway, id string, remote signaling.Address, label string) *dataConn {
	return &dataConn{peer: newPeer(gw, id, remote, connTypeData), label: label}
}

func (c *dataConn) wire(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.mu.Lock()
		c.open = true
		c.mu.Unlock()
		c.events.Publish(signaling.ConnEvent{Kind: signaling.ConnEventOpen})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.events.Publish(signaling.ConnEvent{Kind: signaling.ConnEventData, Payload: msg.Data})
	})
	dc.OnError(func(err error) {
		c.events.Publish(signaling.ConnEvent{Kind: signaling.ConnEventError, Err: err})
	})
	dc.OnClose(func() {
		go c.close()
	})
}

// dial creates the channel and sends the offer.
func (c *dataConn) dial(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pc, err := c.newPeerConnection()
	if err != nil {
		return err
	}
	ordered := true
	dc, err := pc.CreateDataChannel(c.label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	c.wire(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return c.signal(MsgOffer, &Payload{
		SDP:           &offer,
		Label:         c.label,
		Reliable:      true,
		Serialization: "json",
	})
}

// accept answers an incoming data offer.
func (c *dataConn) accept(offer webrtc.SessionDescription) {
	err := func() error {
		pc, err := c.newPeerConnection()
		if err != nil {
			return err
		}
		pc.OnDataChannel(c.wire)
		if err := c.setRemote(offer); err != nil {
			return err
		}
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("set local description: %w", err)
		}
		return c.signal(MsgAnswer, &Payload{SDP: &answer})
	}()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":      "accept",
			"connection_id": c.id,
			"error":         err.Error(),
		}).Warn("Failed to accept data connection")
		c.events.Publish(signaling.ConnEvent{Kind: signaling.ConnEventError, Err: err})
		c.close()
	}
}

// Open implements signaling.DataConnection.
func (c *dataConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.closed
}

// Send implements signaling.DataConnection.
func (c *dataConn) Send(payload []byte) error {
	c.mu.Lock()
	dc, open, closed := c.dc, c.open, c.closed
	c.mu.Unlock()
	if closed {
		return signaling.ErrConnectionClosed
	}
	if !open || dc == nil {
		return ErrChannelNotOpen
	}
	return dc.SendText(string(payload))
}
