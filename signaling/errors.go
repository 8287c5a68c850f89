package signaling

import "errors"

// Registration errors.
var (
	// ErrRegistrationFailed indicates the gateway is unreachable or
	// refused the registration.
	ErrRegistrationFailed = errors.New("registration failed")

	// ErrAddressTaken indicates the requested address is already in use.
	ErrAddressTaken = errors.New("address already taken")

	// ErrNotRegistered indicates an operation that needs an address was
	// attempted before Register.
	ErrNotRegistered = errors.New("gateway not registered")
)

// Connection errors.
var (
	// ErrPeerUnavailable indicates the remote address is unknown or offline.
	ErrPeerUnavailable = errors.New("peer unavailable")

	// ErrDataChannelUnsupported indicates the peer cannot open side channels.
	ErrDataChannelUnsupported = errors.New("data channel unsupported by peer")

	// ErrConnectionClosed indicates use of a closed connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrAlreadyAnswered indicates Answer was called twice.
	ErrAlreadyAnswered = errors.New("call already answered")

	// ErrGatewayClosed indicates use of a closed gateway.
	ErrGatewayClosed = errors.New("gateway closed")
)
