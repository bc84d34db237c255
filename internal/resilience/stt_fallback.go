package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/attune/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with failover across transcription
// backends.
//
// [stt.ErrNoSpeech] is an answer, not a failure: it is returned as-is without
// tripping the breaker or trying the next backend.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Breakers exposes the per-backend circuit breakers for status reporting.
func (f *STTFallback) Breakers() []*CircuitBreaker { return f.group.Breakers() }

// Transcribe sends req to the first healthy backend.
func (f *STTFallback) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	var silent bool
	res, err := ExecuteWithResult(ctx, f.group, func(ctx context.Context, p stt.Provider) (*stt.Result, error) {
		r, err := p.Transcribe(ctx, req)
		if errors.Is(err, stt.ErrNoSpeech) {
			silent = true
			return nil, nil
		}
		return r, err
	})
	if err != nil {
		return nil, err
	}
	if silent {
		return nil, stt.ErrNoSpeech
	}
	return res, nil
}
