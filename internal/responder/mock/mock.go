// Package mock provides a test double for [responder.Responder].
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/attune/internal/responder"
)

// Reply is one scripted response.
type Reply struct {
	Response *responder.Response
	Err      error
	Delay    time.Duration
}

// Responder replays Replies in order and then returns Default (or an echo
// of the utterance when Default is nil).
type Responder struct {
	mu sync.Mutex

	Replies []Reply
	Default *responder.Response

	// Calls records every request.
	Calls []responder.Request
}

var _ responder.Responder = (*Responder)(nil)

// Respond implements [responder.Responder].
func (r *Responder) Respond(ctx context.Context, req responder.Request) (*responder.Response, error) {
	r.mu.Lock()
	if req.Emotion != nil {
		s := req.Emotion.Clone()
		req.Emotion = &s
	}
	r.Calls = append(r.Calls, req)
	reply := Reply{Response: r.Default}
	if len(r.Replies) > 0 {
		reply = r.Replies[0]
		r.Replies = r.Replies[1:]
	}
	r.mu.Unlock()

	if reply.Delay > 0 {
		t := time.NewTimer(reply.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	if reply.Response == nil {
		return &responder.Response{Message: "I hear you: " + req.Utterance}, nil
	}
	out := *reply.Response
	return &out, nil
}

// Requests returns a copy of the recorded requests.
func (r *Responder) Requests() []responder.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]responder.Request(nil), r.Calls...)
}

// CallCount returns the number of Respond calls so far.
func (r *Responder) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Calls)
}
