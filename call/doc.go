// Package call implements the two-party call lifecycle and the effect
// sync side channel.
//
// A Controller ties three collaborators together: a signaling.Gateway
// for addresses and connections, an audio.Pipeline for the local voice
// chain and an optional media.Sink for playback of the peer's audio.
//
// # Lifecycle
//
// RegisterIdentity must succeed before any call. StartCall validates the
// target, then runs the setup steps: initialize the pipeline, open the
// processed output stream, place the call, and bind the remote stream to
// playback when it arrives. Inbound calls reported by the gateway go
// through the same steps after ListenForIncoming enabled them, with Answer
// in place of placing the call. At most one session exists; while one is
// active or being set up, StartCall fails with ErrSessionAlreadyActive and
// inbound calls are refused.
//
//	ctrl := call.NewController(gateway, pipeline, call.WithPlayback(speaker))
//	addr, err := ctrl.RegisterIdentity(ctx)
//	ctrl.ListenForIncoming(func(remote signaling.Address, err error) { ... })
//	err = ctrl.StartCall(ctx, "B1")
//	ctrl.SelectEffect(effect.Child)
//	ctrl.EndCall()
//
// Any setup failure returns a *SetupError naming the failed step. It
// matches ErrCallSetupFailed and unwraps to the cause, such as
// audio.ErrMediaAccessDenied. Nothing acquired before the failure stays
// open.
//
// EndCall, a remote hangup, the end of the remote stream and a local media
// failure all release the media connection, the side channel, the output
// stream and the pipeline.
//
// # Effect Sync
//
// The caller opens a data connection to the callee after the call is
// placed. Effects selected locally are sent as
//
//	{"type":"voiceEffect","effect":"child"}
//
// and applied on the other side with remote origin, which is never sent
// back. A peer without data channel support simply does not sync.
package call
