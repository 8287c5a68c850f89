package call

import (
	"context"
	"sync"
	"time"

	"github.com/vikas-kashyap97/Voice-changer/media"
	"github.com/vikas-kashyap97/Voice-changer/signaling"
)

// Direction tells which side placed the call.
type Direction uint8

const (
	// Outbound calls were placed by StartCall.
	Outbound Direction = iota
	// Inbound calls were accepted from the gateway.
	Inbound
)

// String returns a human-readable representation of the direction.
func (d Direction) String() string {
	switch d {
	case Outbound:
		return "outbound"
	case Inbound:
		return "inbound"
	default:
		return "unknown"
	}
}

// Session is a point-in-time view of the active call.
type Session struct {
	Local        signaling.Address
	Remote       signaling.Address
	Direction    Direction
	ConnectionID string
	// SideChannel reports whether effect sync is attached.
	SideChannel bool
	// ReceivingAudio reports whether the remote stream is bound to
	// playback.
	ReceivingAudio bool
	Active         bool
	StartedAt      time.Time
}

// session is the live call owned by a Controller. Fields other than the
// handles fixed at creation are guarded by the controller's mutex.
type session struct {
	remote    signaling.Address
	direction Direction
	conn      signaling.MediaConnection
	local     media.Stream
	started   time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	remoteStream media.Stream
	effectSync   *EffectSync
}

func newSession(remote signaling.Address, dir Direction, conn signaling.MediaConnection, local media.Stream) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		remote:    remote,
		direction: dir,
		conn:      conn,
		local:     local,
		started:   time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *session) snapshot(local signaling.Address) Session {
	return Session{
		Local:          local,
		Remote:         s.remote,
		Direction:      s.direction,
		ConnectionID:   s.conn.ID(),
		SideChannel:    s.effectSync != nil,
		ReceivingAudio: s.remoteStream != nil,
		Active:         true,
		StartedAt:      s.started,
	}
}
