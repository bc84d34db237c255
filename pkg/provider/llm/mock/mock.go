// Package mock provides a test double for the llm.Provider interface.
//
// Responses are replayed in order; once exhausted, CompleteResponse is
// returned for every call.
//
//	p := &mock.Provider{
//	    CompleteResponse: &llm.CompletionResponse{Content: "Hello!"},
//	}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/attune/pkg/provider/llm"
)

// Response is one scripted reply.
type Response struct {
	Response *llm.CompletionResponse
	Err      error
	Delay    time.Duration
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Responses are replayed in order, one per call.
	Responses []Response

	// CompleteResponse is returned once Responses is exhausted.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned once Responses is exhausted.
	CompleteErr error

	// CapabilitiesResult is returned by Capabilities.
	CapabilitiesResult llm.Capabilities

	// Calls records every request passed to Complete.
	Calls []llm.CompletionRequest
}

var _ llm.Provider = (*Provider)(nil)

// Complete records the call and returns the next scripted response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	req.Messages = append([]llm.Message(nil), req.Messages...)
	p.Calls = append(p.Calls, req)
	resp := Response{Response: p.CompleteResponse, Err: p.CompleteErr}
	if len(p.Responses) > 0 {
		resp = p.Responses[0]
		p.Responses = p.Responses[1:]
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
	if resp.Response == nil {
		return &llm.CompletionResponse{}, nil
	}
	out := *resp.Response
	return &out, nil
}

// Capabilities returns CapabilitiesResult.
func (p *Provider) Capabilities() llm.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CapabilitiesResult
}

// Requests returns a copy of the recorded requests.
func (p *Provider) Requests() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.CompletionRequest(nil), p.Calls...)
}
