// Package mock provides a scriptable [emotion.Provider] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/attune/pkg/provider/emotion"
)

// Provider replays Samples on Subscribe and then keeps the stream open until
// ctx is cancelled. Further samples can be pushed with [Provider.Push].
type Provider struct {
	// Samples are delivered, in order, right after Subscribe.
	Samples []emotion.Sample

	// SubscribeErr is returned by Subscribe when non-nil.
	SubscribeErr error

	mu            sync.Mutex
	ch            chan emotion.Sample
	subscriptions int
}

var _ emotion.Provider = (*Provider)(nil)

// Subscribe implements [emotion.Provider].
func (p *Provider) Subscribe(ctx context.Context) (<-chan emotion.Sample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscriptions++
	if p.SubscribeErr != nil {
		return nil, p.SubscribeErr
	}
	ch := make(chan emotion.Sample, len(p.Samples)+16)
	for _, s := range p.Samples {
		ch <- s
	}
	p.ch = ch
	go func() {
		<-ctx.Done()
		p.mu.Lock()
		defer p.mu.Unlock()
		close(ch)
		if p.ch == ch {
			p.ch = nil
		}
	}()
	return ch, nil
}

// Push delivers s to the live subscription. It reports false when there is
// none or its buffer is full.
func (p *Provider) Push(s emotion.Sample) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return false
	}
	select {
	case p.ch <- s:
		return true
	default:
		return false
	}
}

// Subscriptions returns how many times Subscribe was called.
func (p *Provider) Subscriptions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscriptions
}
