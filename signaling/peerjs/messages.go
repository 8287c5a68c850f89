package peerjs

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// MessageType is the PeerJS server message type.
type MessageType string

// Server protocol message types.
const (
	MsgOpen       MessageType = "OPEN"
	MsgIDTaken    MessageType = "ID-TAKEN"
	MsgInvalidKey MessageType = "INVALID-KEY"
	MsgError      MessageType = "ERROR"
	MsgHeartbeat  MessageType = "HEARTBEAT"
	MsgOffer      MessageType = "OFFER"
	MsgAnswer     MessageType = "ANSWER"
	MsgCandidate  MessageType = "CANDIDATE"
	MsgLeave      MessageType = "LEAVE"
	MsgExpire     MessageType = "EXPIRE"
)

// Connection types carried in offers.
const (
	connTypeMedia = "media"
	connTypeData  = "data"
)

// Message is the envelope exchanged with the PeerJS server.
type Message struct {
	Type    MessageType     `json:"type"`
	Src     string          `json:"src,omitempty"`
	Dst     string          `json:"dst,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Payload is the body of OFFER, ANSWER, CANDIDATE and ERROR messages.
type Payload struct {
	SDP           *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate     *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Type          string                     `json:"type,omitempty"`
	ConnectionID  string                     `json:"connectionId,omitempty"`
	Label         string                     `json:"label,omitempty"`
	Reliable      bool                       `json:"reliable,omitempty"`
	Serialization string                     `json:"serialization,omitempty"`
	Browser       string                     `json:"browser,omitempty"`
	Msg           string                     `json:"msg,omitempty"`
}

// newMessage builds an envelope with an encoded payload.
func newMessage(t MessageType, dst string, p *Payload) (Message, error) {
	msg := Message{Type: t, Dst: dst}
	if p != nil {
		raw, err := json.Marshal(p)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// decodePayload parses the payload of msg.
func decodePayload(msg Message) (Payload, error) {
	var p Payload
	if len(msg.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %w", msg.Type, err)
	}
	return p, nil
}
