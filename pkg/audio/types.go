package audio

import (
	"fmt"
	"time"
)

// Frame is a single fixed-size buffer of mono audio flowing from the capture
// device through the bus. Frames are ephemeral: consumers must copy Samples
// if they need to retain them beyond the callback that delivered them.
type Frame struct {
	// Samples holds mono floating-point samples normalised to [-1, 1].
	Samples []float32

	// SampleRate in Hz (e.g., 16000 for speech capture, 48000 for Opus).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples), f.SampleRate)
}

// Encoding identifies how a consumer wants its encoded chunks delivered.
type Encoding string

const (
	// EncodingNone means the consumer only receives raw samples.
	EncodingNone Encoding = ""

	// EncodingPCM16 delivers little-endian signed 16-bit PCM chunks.
	EncodingPCM16 Encoding = "pcm16le"

	// EncodingOpus delivers one Opus packet per frame. The frame duration must
	// be a valid Opus frame size (2.5, 5, 10, 20, 40 or 60 ms).
	EncodingOpus Encoding = "opus"
)

// IsValid reports whether e is a known encoding.
func (e Encoding) IsValid() bool {
	switch e {
	case EncodingNone, EncodingPCM16, EncodingOpus:
		return true
	}
	return false
}

// Format describes the audio a consumer requires. A zero SampleRate means
// "whatever the capture device produces".
type Format struct {
	SampleRate int
	Encoding   Encoding
}

// Validate checks that the format can be produced by the bus.
func (f Format) Validate() error {
	if f.SampleRate < 0 {
		return fmt.Errorf("audio: negative sample rate %d", f.SampleRate)
	}
	if !f.Encoding.IsValid() {
		return fmt.Errorf("audio: unsupported encoding %q", f.Encoding)
	}
	if f.Encoding == EncodingOpus && f.SampleRate != 0 && !validOpusRate(f.SampleRate) {
		return fmt.Errorf("audio: opus does not support %d Hz", f.SampleRate)
	}
	return nil
}

// SamplesDuration converts a sample count at the given rate into a duration.
func SamplesDuration(samples, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// DurationSamples converts a duration at the given rate into a sample count.
func DurationSamples(d time.Duration, sampleRate int) int {
	return int(int64(d) * int64(sampleRate) / int64(time.Second))
}

func validOpusRate(rate int) bool {
	switch rate {
	case 8000, 12000, 16000, 24000, 48000:
		return true
	}
	return false
}
