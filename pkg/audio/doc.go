// Package audio defines the capture and playback abstractions shared by the
// bus, the conversation engine and the device adapters.
//
// The two primary abstractions are:
//
//   - [Source] opens a capture [Stream] that yields fixed-size [Frame] values.
//   - [Sink] accepts PCM for playback on the output device.
//
// Implementations live in adapter packages (audio/device for PortAudio and
// file replay, audio/mock for tests). This package lives under pkg/ because
// external code is expected to implement [Source] and [Sink].
package audio
