// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider turns one finished speech span into text. Segmentation is
// done upstream by the turn engine, so every backend here is a batch
// transcriber: the request carries the complete utterance as mono float32
// samples and the result carries the text together with the recognizer's
// confidence and a summary of the input audio quality.
//
// A provider must distinguish "nothing was said" from a failure: the former is
// reported as [ErrNoSpeech] and is never retried.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrNoSpeech is returned by [Provider.Transcribe] when the recognizer found no
// speech in the supplied audio.
var ErrNoSpeech = errors.New("stt: no speech detected")

// Request is a single utterance to transcribe.
type Request struct {
	// Audio holds mono samples normalised to [-1, 1].
	Audio []float32

	// SampleRate is the sample rate of Audio in Hz.
	SampleRate int

	// Language is a BCP-47 hint such as "en" or "de-DE". An empty string lets
	// the backend auto-detect, if supported.
	Language string
}

// Validate reports malformed requests.
func (r Request) Validate() error {
	if r.SampleRate <= 0 {
		return fmt.Errorf("stt: sample rate must be positive, got %d", r.SampleRate)
	}
	if len(r.Audio) == 0 {
		return errors.New("stt: empty audio")
	}
	return nil
}

// Duration returns the length of the request audio.
func (r Request) Duration() time.Duration {
	if r.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(r.Audio)) * time.Second / time.Duration(r.SampleRate)
}

// Result is the outcome of a successful transcription.
type Result struct {
	// Text is the recognised speech with surrounding whitespace trimmed.
	Text string

	// Confidence is the recognizer's overall confidence in [0, 1]. Backends
	// that do not report confidence return 1.
	Confidence float64

	// Language is the language the recognizer used or detected.
	Language string

	// Quality summarises the submitted audio.
	Quality Quality
}

// Quality is a coarse summary of an utterance's signal level, used to explain
// low-confidence transcriptions.
type Quality struct {
	// Duration of the analysed audio.
	Duration time.Duration

	// RMS is the root-mean-square level in [0, 1].
	RMS float64

	// Peak is the largest absolute sample value in [0, 1].
	Peak float64

	// ClippedRatio is the fraction of samples at or beyond ±0.99.
	ClippedRatio float64
}

// MeasureQuality computes the [Quality] summary of mono samples.
func MeasureQuality(samples []float32, sampleRate int) Quality {
	q := Quality{}
	if sampleRate > 0 {
		q.Duration = time.Duration(len(samples)) * time.Second / time.Duration(sampleRate)
	}
	if len(samples) == 0 {
		return q
	}
	var sum float64
	clipped := 0
	for _, s := range samples {
		v := math.Abs(float64(s))
		sum += v * v
		q.Peak = max(q.Peak, v)
		if v >= 0.99 {
			clipped++
		}
	}
	q.RMS = math.Sqrt(sum / float64(len(samples)))
	q.ClippedRatio = float64(clipped) / float64(len(samples))
	return q
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe recognises the speech in req. It returns [ErrNoSpeech] when
	// the audio holds no intelligible speech and a wrapped error for every
	// other failure. ctx bounds the call.
	Transcribe(ctx context.Context, req Request) (*Result, error)
}
