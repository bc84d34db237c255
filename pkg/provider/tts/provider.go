// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider turns one utterance into mono float32 audio. The request
// carries the adaptive [VoiceProfile] chosen for the listener's current
// emotional state, a [Quality] setting, and per-utterance delivery [Options].
// Backends map whatever subset of those they support onto their API and
// report the rest through [Finalize].
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/MrWong99/attune/pkg/audio"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders req.Text. Cancelling ctx aborts the call and
	// releases every resource held for it.
	Synthesize(ctx context.Context, req Request) (*Result, error)
}

// VoiceLister is implemented by backends with a browsable voice catalogue.
type VoiceLister interface {
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}

// ErrEmptyText is returned for requests without any text to speak.
var ErrEmptyText = errors.New("tts: empty text")

// ValidateRequest reports requests no backend can serve.
func ValidateRequest(req Request) error {
	if strings.TrimSpace(req.Text) == "" {
		return ErrEmptyText
	}
	return nil
}

// Finalize converts decoded backend audio into a [Result]: it resamples to
// the requested rate, applies the volume gain and pads silence.
func Finalize(samples []float32, rate, payloadSize int, req Request) *Result {
	if req.Quality.SampleRate > 0 && req.Quality.SampleRate != rate {
		samples = audio.Resample(samples, rate, req.Quality.SampleRate)
		rate = req.Quality.SampleRate
	}
	if g := req.Options.Volume; g > 0 && g != 1 {
		out := make([]float32, len(samples))
		for i, s := range samples {
			out[i] = float32(math.Max(-1, math.Min(1, float64(s)*g)))
		}
		samples = out
	}
	lead := audio.DurationSamples(req.Options.LeadingSilence, rate)
	trail := audio.DurationSamples(req.Options.TrailingSilence, rate)
	if lead > 0 || trail > 0 {
		padded := make([]float32, lead+len(samples)+trail)
		copy(padded[lead:], samples)
		samples = padded
	}
	return &Result{
		Audio:      samples,
		SampleRate: rate,
		Duration:   audio.SamplesDuration(len(samples), rate),
		Size:       payloadSize,
	}
}
