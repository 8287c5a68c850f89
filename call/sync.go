package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/vikas-kashyap97/Voice-changer/effect"
	"github.com/vikas-kashyap97/Voice-changer/observe"
	"github.com/vikas-kashyap97/Voice-changer/signaling"
)

// MessageTypeVoiceEffect tags effect sync messages.
const MessageTypeVoiceEffect = "voiceEffect"

// ErrNotEffectMessage indicates a side channel message of another type.
var ErrNotEffectMessage = errors.New("not a voice effect message")

type effectMessage struct {
	Type   string `json:"type"`
	Effect string `json:"effect"`
}

// EncodeEffectMessage returns the wire form {"type":"voiceEffect","effect":name}.
func EncodeEffectMessage(name effect.Name) ([]byte, error) {
	if !name.Valid() {
		return nil, fmt.Errorf("%w: %q", effect.ErrUnknownEffect, name)
	}
	return json.Marshal(effectMessage{Type: MessageTypeVoiceEffect, Effect: name.String()})
}

// DecodeEffectMessage parses a side channel message.
func DecodeEffectMessage(data []byte) (effect.Name, error) {
	var msg effectMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", fmt.Errorf("decode effect message: %w", err)
	}
	if msg.Type != MessageTypeVoiceEffect {
		return "", fmt.Errorf("%w: %q", ErrNotEffectMessage, msg.Type)
	}
	return effect.Parse(msg.Effect)
}

// EffectSync carries effect selections over a data connection.
//
// Send transmits when the channel is open and otherwise keeps the latest
// value until it opens. Received values go to the onReceive callback,
// which must not send them back.
type EffectSync struct {
	conn      signaling.DataConnection
	onReceive func(effect.Name)
	metrics   *observe.Metrics
	sub       *signaling.Subscription[signaling.ConnEvent]
	done      chan struct{}

	mu      sync.Mutex
	pending effect.Name
	closed  bool
}

// NewEffectSync starts listening on conn.
func NewEffectSync(conn signaling.DataConnection, onReceive func(effect.Name), metrics *observe.Metrics) *EffectSync {
	s := &EffectSync{
		conn:      conn,
		onReceive: onReceive,
		metrics:   metrics,
		sub:       conn.Subscribe(),
		done:      make(chan struct{}),
	}
	go s.loop()
	return s
}

// Peer returns the remote end of the channel.
func (s *EffectSync) Peer() signaling.Address {
	return s.conn.Peer()
}

// Send transmits name, or queues it if the channel is not open yet.
func (s *EffectSync) Send(name effect.Name) error {
	payload, err := EncodeEffectMessage(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return signaling.ErrConnectionClosed
	}
	if !s.conn.Open() {
		s.pending = name
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Send",
			"effect":   name,
		}).Debug("Side channel not open, effect queued")
		return nil
	}
	s.pending = ""
	s.mu.Unlock()

	if err := s.conn.Send(payload); err != nil {
		s.mu.Lock()
		s.pending = name
		s.mu.Unlock()
		return fmt.Errorf("send effect: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordSyncMessage(context.Background(), "sent")
	}
	logrus.WithFields(logrus.Fields{
		"function": "Send",
		"effect":   name,
		"peer":     s.conn.Peer(),
	}).Debug("Effect sent to peer")
	return nil
}

func (s *EffectSync) flush() {
	s.mu.Lock()
	name := s.pending
	s.pending = ""
	s.mu.Unlock()
	if name == "" {
		return
	}
	if err := s.Send(name); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "flush",
			"effect":   name,
			"error":    err.Error(),
		}).Warn("Failed to send queued effect")
	}
}

func (s *EffectSync) loop() {
	defer close(s.done)
	defer s.sub.Unsubscribe()

	for ev := range s.sub.C {
		switch ev.Kind {
		case signaling.ConnEventOpen:
			s.flush()
		case signaling.ConnEventData:
			name, err := DecodeEffectMessage(ev.Payload)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "loop",
					"error":    err.Error(),
				}).Debug("Ignoring side channel message")
				continue
			}
			if s.metrics != nil {
				s.metrics.RecordSyncMessage(context.Background(), "received")
			}
			if s.onReceive != nil {
				s.onReceive(name)
			}
		case signaling.ConnEventError:
			logrus.WithFields(logrus.Fields{
				"function": "loop",
				"error":    fmt.Sprint(ev.Err),
			}).Warn("Side channel error")
		case signaling.ConnEventClose:
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function": "loop",
				"peer":     s.conn.Peer(),
			}).Info("Side channel closed")
			return
		}
	}
}

// Done is closed once the channel stops delivering.
func (s *EffectSync) Done() <-chan struct{} {
	return s.done
}

func (s *EffectSync) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close stops delivery and closes the data connection.
func (s *EffectSync) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.sub.Unsubscribe()
	err := s.conn.Close()
	<-s.done
	return err
}
