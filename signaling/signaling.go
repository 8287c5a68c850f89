// Package signaling defines the contract with the identity and signaling
// gateway: the rendezvous service that assigns this client an address and
// brokers media and data connections to other addresses.
//
// Gateway notifications are delivered as events through subscriptions
// rather than callbacks, so ordering and cancellation stay explicit.
package signaling

import (
	"context"

	"github.com/vikas-kashyap97/Voice-changer/media"
)

// Address identifies a registered client. It is assigned once and never
// changes for the life of the gateway.
type Address string

// String returns the address.
func (a Address) String() string { return string(a) }

// EventKind enumerates gateway-level events.
type EventKind uint8

const (
	// EventIncomingCall carries a MediaConnection awaiting Answer.
	EventIncomingCall EventKind = iota
	// EventIncomingData carries a DataConnection opened by a peer.
	EventIncomingData
	// EventError reports a non-fatal gateway error.
	EventError
	// EventDisconnected reports loss of the gateway link.
	EventDisconnected
)

// String returns a human-readable representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventIncomingCall:
		return "incoming_call"
	case EventIncomingData:
		return "incoming_data"
	case EventError:
		return "error"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is delivered to gateway subscribers.
type Event struct {
	Kind EventKind
	Call MediaConnection
	Data DataConnection
	Err  error
}

// ConnEventKind enumerates per-connection events.
type ConnEventKind uint8

const (
	// ConnEventOpen reports that a data connection can carry messages.
	ConnEventOpen ConnEventKind = iota
	// ConnEventStream carries the remote media stream.
	ConnEventStream
	// ConnEventData carries one data message.
	ConnEventData
	// ConnEventClose reports that the connection ended.
	ConnEventClose
	// ConnEventError reports a connection error.
	ConnEventError
)

// String returns a human-readable representation of the event kind.
func (k ConnEventKind) String() string {
	switch k {
	case ConnEventOpen:
		return "open"
	case ConnEventStream:
		return "stream"
	case ConnEventData:
		return "data"
	case ConnEventClose:
		return "close"
	case ConnEventError:
		return "error"
	default:
		return "unknown"
	}
}

// ConnEvent is delivered to connection subscribers.
type ConnEvent struct {
	Kind    ConnEventKind
	Stream  media.Stream
	Payload []byte
	Err     error
}

// Gateway is the identity and signaling service.
type Gateway interface {
	// Register obtains this client's address. It blocks until the service
	// confirms or refuses; refusal matches ErrRegistrationFailed.
	Register(ctx context.Context) (Address, error)

	// Call places a media call to remote, sending local.
	Call(ctx context.Context, remote Address, local media.Stream) (MediaConnection, error)

	// Connect opens a data connection to remote. Peers without data
	// support yield ErrDataChannelUnsupported.
	Connect(ctx context.Context, remote Address) (DataConnection, error)

	// Subscribe starts delivery of gateway events.
	Subscribe() *Subscription[Event]

	// Close unregisters and ends every connection.
	Close() error
}

// MediaConnection is one two-party audio connection.
type MediaConnection interface {
	ID() string
	Peer() Address
	// Answer accepts an incoming call, sending local.
	Answer(ctx context.Context, local media.Stream) error
	// Subscribe starts delivery of stream, close and error events.
	Subscribe() *Subscription[ConnEvent]
	Close() error
}

// DataConnection is a side channel for small messages.
type DataConnection interface {
	ID() string
	Peer() Address
	// Open reports whether messages can be sent now.
	Open() bool
	Send(payload []byte) error
	// Subscribe starts delivery of open, data, close and error events.
	Subscribe() *Subscription[ConnEvent]
	Close() error
}
