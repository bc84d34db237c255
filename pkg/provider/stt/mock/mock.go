// Package mock provides a test double for [stt.Provider].
//
// Results are consumed in order from Results; once exhausted, Result (or a
// default empty-text result) is returned for every further call.
//
//	p := &mock.Provider{Results: []mock.Response{
//	    {Result: &stt.Result{Text: "hello", Confidence: 0.9}},
//	    {Err: stt.ErrNoSpeech},
//	}}
package mock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/attune/pkg/provider/stt"
)

// Response is one scripted reply.
type Response struct {
	Result *stt.Result
	Err    error

	// Delay is waited before replying. Cancellation of the call's context
	// during the delay returns ctx.Err().
	Delay time.Duration
}

// Provider is a mock implementation of [stt.Provider].
type Provider struct {
	mu sync.Mutex

	// Results are replayed in order, one per call.
	Results []Response

	// Result is returned after Results is exhausted. Nil yields an empty
	// result with confidence 1.
	Result *stt.Result

	// Calls records every request. The audio slice is copied.
	Calls []stt.Request
}

var _ stt.Provider = (*Provider)(nil)

// Transcribe records the request and replays the next scripted response.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	p.mu.Lock()
	req.Audio = slices.Clone(req.Audio)
	p.Calls = append(p.Calls, req)
	var resp Response
	if len(p.Results) > 0 {
		resp = p.Results[0]
		p.Results = p.Results[1:]
	} else {
		resp = Response{Result: p.Result}
	}
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
	if resp.Err != nil {
		return nil, resp.Err
	}
	if resp.Result == nil {
		return &stt.Result{Confidence: 1, Language: req.Language}, nil
	}
	out := *resp.Result
	return &out, nil
}

// Requests returns a copy of the recorded requests.
func (p *Provider) Requests() []stt.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]stt.Request(nil), p.Calls...)
}

// CallCount returns the number of Transcribe calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
