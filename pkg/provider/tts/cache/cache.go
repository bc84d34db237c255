// Package cache provides a caching decorator for [tts.Provider].
//
// Scripted utterances (fallback replies, crisis interventions, grounding
// prompts) are synthesized over and over with identical voice settings. The
// [Provider] keeps the most recently used results in a bounded LRU and
// collapses concurrent identical requests into a single backend call.
//
// The cache key covers text, voice profile, quality and delivery options.
// Priority and tag do not influence the audio and are ignored.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/groupcache/lru"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/attune/pkg/provider/tts"
)

// DefaultMaxEntries bounds the cache when no explicit size is configured.
const DefaultMaxEntries = 256

type entry struct {
	result  tts.Result
	expires time.Time
}

// Provider wraps a backend with an LRU result cache.
type Provider struct {
	next tts.Provider
	ttl  time.Duration
	now  func() time.Time

	mu  sync.Mutex
	lru *lru.Cache

	group singleflight.Group

	hits, misses atomic.Int64
}

var _ tts.Provider = (*Provider)(nil)

// Option configures a [Provider].
type Option func(*Provider)

// WithTTL expires entries after d. Zero keeps entries until evicted.
func WithTTL(d time.Duration) Option {
	return func(p *Provider) { p.ttl = d }
}

// New wraps next with a cache of at most maxEntries results.
func New(next tts.Provider, maxEntries int, opts ...Option) *Provider {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	p := &Provider{next: next, lru: lru.New(maxEntries), now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Synthesize serves req from the cache or delegates to the wrapped backend.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	key, err := Key(req)
	if err != nil {
		return nil, err
	}
	if res, ok := p.lookup(key); ok {
		p.hits.Add(1)
		res.CacheHit = true
		return &res, nil
	}
	p.misses.Add(1)

	ch := p.group.DoChan(key, func() (any, error) {
		res, err := p.next.Synthesize(ctx, req)
		if err != nil {
			return nil, err
		}
		p.store(key, *res)
		return *res, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			// A shared call may have been cancelled by the caller that started
			// it; a live caller retries on its own context.
			if r.Shared && ctx.Err() == nil && isCancellation(r.Err) {
				return p.next.Synthesize(ctx, req)
			}
			return nil, r.Err
		}
		res := r.Val.(tts.Result)
		res.CacheHit = false
		return &res, nil
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (p *Provider) lookup(key string) (tts.Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.lru.Get(key)
	if !ok {
		return tts.Result{}, false
	}
	e := v.(entry)
	if !e.expires.IsZero() && p.now().After(e.expires) {
		p.lru.Remove(key)
		return tts.Result{}, false
	}
	return e.result, true
}

func (p *Provider) store(key string, res tts.Result) {
	e := entry{result: res}
	if p.ttl > 0 {
		e.expires = p.now().Add(p.ttl)
	}
	p.mu.Lock()
	p.lru.Add(key, e)
	p.mu.Unlock()
}

// Stats reports cache effectiveness.
type Stats struct {
	Hits    int64
	Misses  int64
	Entries int
}

// Stats returns a snapshot of the cache counters.
func (p *Provider) Stats() Stats {
	p.mu.Lock()
	n := p.lru.Len()
	p.mu.Unlock()
	return Stats{Hits: p.hits.Load(), Misses: p.misses.Load(), Entries: n}
}

// Purge drops every cached result.
func (p *Provider) Purge() {
	p.mu.Lock()
	p.lru.Clear()
	p.mu.Unlock()
}

// Key derives the cache key of a request.
func Key(req tts.Request) (string, error) {
	data, err := json.Marshal(struct {
		Text    string           `json:"t"`
		Voice   tts.VoiceProfile `json:"v"`
		Quality tts.Quality      `json:"q"`
		Options tts.Options      `json:"o"`
	}{req.Text, req.Voice, req.Quality, req.Options})
	if err != nil {
		return "", fmt.Errorf("cache: key: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
