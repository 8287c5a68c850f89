package call

import (
	"errors"
	"fmt"

	"github.com/vikas-kashyap97/Voice-changer/signaling"
)

// Validation errors. They are returned synchronously and change no state.
var (
	// ErrInvalidTarget indicates an empty remote address or the local one.
	ErrInvalidTarget = errors.New("invalid call target")

	// ErrSessionAlreadyActive indicates a call is active or being set up.
	ErrSessionAlreadyActive = errors.New("session already active")
)

// Lifecycle errors.
var (
	// ErrCallSetupFailed matches every SetupError.
	ErrCallSetupFailed = errors.New("call setup failed")

	// ErrRegistrationFailed is the gateway registration failure.
	ErrRegistrationFailed = signaling.ErrRegistrationFailed

	// ErrNotRegistered indicates a call operation before RegisterIdentity.
	ErrNotRegistered = errors.New("identity not registered")

	// ErrControllerClosed indicates use of a closed controller.
	ErrControllerClosed = errors.New("controller closed")
)

// SetupStep names the call setup step that failed.
type SetupStep string

// Setup steps, in order.
const (
	StepAccept     SetupStep = "accept"
	StepPipeline   SetupStep = "initialize_pipeline"
	StepLocalMedia SetupStep = "acquire_local_stream"
	StepConnect    SetupStep = "connect"
)

// SetupError reports a failed call setup. Everything acquired before the
// failing step has been released when it is returned.
type SetupError struct {
	Step   SetupStep
	Remote signaling.Address
	Err    error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("call setup with %s failed at %s: %v", e.Remote, e.Step, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SetupError) Unwrap() error {
	return e.Err
}

// Is makes every SetupError match ErrCallSetupFailed.
func (e *SetupError) Is(target error) bool {
	return target == ErrCallSetupFailed
}
