// Package codec converts between the bus's float sample frames and the wire
// formats used by consumers and collaborators: Opus packets for network
// consumers, WAV containers for transcription uploads and recordings, and MP3
// payloads returned by some synthesis backends.
//
// All decoders return mono float samples normalised to [-1, 1] together with
// the payload's sample rate; multi-channel input is averaged down to mono.
package codec
