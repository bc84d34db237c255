// Package mock provides a test double for the tts.Provider interface.
//
// Responses are consumed in order from Responses; afterwards every call
// returns a tone of DefaultDuration (100 ms when unset) at 16 kHz.
//
//	p := &mock.Provider{Responses: []mock.Response{{Err: errBoom}}}
//	res, err := p.Synthesize(ctx, tts.Request{Text: "hi"})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/provider/tts"
)

// Response is one scripted reply.
type Response struct {
	Result *tts.Result
	Err    error

	// Delay is waited before replying; cancellation of ctx during the delay
	// returns ctx.Err().
	Delay time.Duration
}

// Provider is a mock implementation of [tts.Provider] and [tts.VoiceLister].
type Provider struct {
	mu sync.Mutex

	Responses       []Response
	DefaultDuration time.Duration

	// Voices is returned by ListVoices.
	Voices []tts.VoiceProfile

	// Calls records every request.
	Calls []tts.Request
}

var (
	_ tts.Provider    = (*Provider)(nil)
	_ tts.VoiceLister = (*Provider)(nil)
)

// Synthesize records the request and replays the next scripted response.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	p.mu.Lock()
	req.Voice = req.Voice.Clone()
	p.Calls = append(p.Calls, req)
	var resp Response
	if len(p.Responses) > 0 {
		resp = p.Responses[0]
		p.Responses = p.Responses[1:]
	}
	d := p.DefaultDuration
	p.mu.Unlock()

	if resp.Delay > 0 {
		t := time.NewTimer(resp.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	if resp.Result != nil {
		out := *resp.Result
		return &out, nil
	}
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	const rate = 16000
	samples := make([]float32, audio.DurationSamples(d, rate))
	for i := range samples {
		samples[i] = 0.1
	}
	return tts.Finalize(samples, rate, len(samples)*2, req), nil
}

// ListVoices returns Voices.
func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]tts.VoiceProfile(nil), p.Voices...), nil
}

// Requests returns a copy of the recorded requests.
func (p *Provider) Requests() []tts.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]tts.Request(nil), p.Calls...)
}

// CallCount returns the number of Synthesize calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
