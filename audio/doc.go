// Package audio provides the real-time voice disguise pipeline.
//
// The pipeline takes the live microphone signal through a fixed chain of
// stages and fans the result out to the streams sent to the peer.
//
// # Architecture Overview
//
//	Microphone → Noise Gate → Pitch Shifter → Tremolo → Reverb → Compressor → Gain → Destination
//	                                                                                  ├→ output taps (to peer)
//	                                                                                  └→ monitor sink
//
// The gate runs first so noise is removed before it is pitch-shifted. The
// compressor runs before the gain so the gain cannot reintroduce the peaks
// the compressor removed.
//
// # Core Components
//
// ## Pipeline
//
// The controller with three operations:
//
//	engine := audio.NewEngine(48000, 960)
//	pipeline := audio.NewPipeline(engine, media.NewToneDevice())
//
//	if err := pipeline.Initialize(ctx); err != nil {
//	    // errors.Is(err, audio.ErrMediaAccessDenied) or audio.ErrAudioContext
//	}
//	pipeline.ApplyEffect(effect.Male, audio.OriginLocal)
//	out, _ := pipeline.OutputStream()
//	defer pipeline.Teardown()
//
// Initialize is idempotent and Teardown is safe at any time. ApplyEffect
// before Initialize is ignored.
//
// ## Chain
//
// The ownership container for the stages. Construction either yields a
// complete chain or closes whatever it had built. Parameter tuples are
// applied under the same lock that guards block processing.
//
// ## Stages
//
//   - GateStage: noise gate at -50 dB
//   - PitchStage: semitone pitch shift
//   - TremoloStage: amplitude modulation, bypassed at 0 Hz or depth 0
//   - ReverbStage: FDN reverb, bypassed at 0 s decay
//   - CompressorStage: -30 dB threshold, 3:1 ratio
//   - GainStage: linear output gain with clipping
//   - Destination: fan-out to taps and monitor
//
// # Effect notifications
//
// Subscribers registered with Pipeline.Subscribe receive an EffectChange
// after every applied effect. The Origin field separates selections made
// locally from ones received from the peer.
package audio
