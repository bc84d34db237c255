package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/attune/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with failover across synthesis
// backends. Voice listing is delegated to the primary only.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var (
	_ tts.Provider    = (*TTSFallback)(nil)
	_ tts.VoiceLister = (*TTSFallback)(nil)
)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Breakers exposes the per-backend circuit breakers for status reporting.
func (f *TTSFallback) Breakers() []*CircuitBreaker { return f.group.Breakers() }

// Synthesize renders req on the first healthy backend.
func (f *TTSFallback) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p tts.Provider) (*tts.Result, error) {
		return p.Synthesize(ctx, req)
	})
}

// ListVoices lists the primary's voices. It fails when the primary cannot
// list voices.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	vl, ok := f.group.Primary().(tts.VoiceLister)
	if !ok {
		return nil, errors.New("resilience: primary tts provider cannot list voices")
	}
	return vl.ListVoices(ctx)
}
