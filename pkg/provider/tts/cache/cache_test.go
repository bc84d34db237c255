package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/attune/pkg/provider/tts"
	"github.com/MrWong99/attune/pkg/provider/tts/mock"
)

func TestSynthesize_HitAndMiss(t *testing.T) {
	backend := &mock.Provider{}
	c := New(backend, 4)
	ctx := context.Background()
	req := tts.Request{Text: "I'm here with you.", Voice: tts.VoiceProfile{Warmth: 1}}

	first, err := c.Synthesize(ctx, req)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if first.CacheHit {
		t.Error("first call reported a cache hit")
	}
	second, err := c.Synthesize(ctx, req)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !second.CacheHit {
		t.Error("second call missed the cache")
	}
	if backend.CallCount() != 1 {
		t.Fatalf("backend calls = %d, want 1", backend.CallCount())
	}
	if s := c.Stats(); s.Hits != 1 || s.Misses != 1 || s.Entries != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestKey(t *testing.T) {
	base := tts.Request{Text: "hello", Voice: tts.VoiceProfile{Warmth: 0.5}}
	k := func(r tts.Request) string {
		key, err := Key(r)
		if err != nil {
			t.Fatalf("Key: %v", err)
		}
		return key
	}
	tagged := base
	tagged.Tag, tagged.Priority = "crisis", 100
	if k(base) != k(tagged) {
		t.Error("tag and priority must not change the key")
	}
	warmer := base
	warmer.Voice.Warmth = 1
	if k(base) == k(warmer) {
		t.Error("voice changes must change the key")
	}
	louder := base
	louder.Options.Volume = 2
	if k(base) == k(louder) {
		t.Error("options must change the key")
	}
}

func TestSynthesize_ErrorsNotCached(t *testing.T) {
	errBoom := errors.New("boom")
	backend := &mock.Provider{Responses: []mock.Response{{Err: errBoom}}}
	c := New(backend, 4)
	req := tts.Request{Text: "retry me"}

	if _, err := c.Synthesize(context.Background(), req); !errors.Is(err, errBoom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if _, err := c.Synthesize(context.Background(), req); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if backend.CallCount() != 2 {
		t.Fatalf("backend calls = %d, want 2", backend.CallCount())
	}
}

func TestSynthesize_Eviction(t *testing.T) {
	backend := &mock.Provider{}
	c := New(backend, 1)
	ctx := context.Background()
	a, b := tts.Request{Text: "a"}, tts.Request{Text: "b"}
	for _, r := range []tts.Request{a, b, a} {
		if _, err := c.Synthesize(ctx, r); err != nil {
			t.Fatalf("Synthesize: %v", err)
		}
	}
	if backend.CallCount() != 3 {
		t.Fatalf("backend calls = %d, want 3 (a evicted by b)", backend.CallCount())
	}
}

func TestSynthesize_TTL(t *testing.T) {
	backend := &mock.Provider{}
	c := New(backend, 4, WithTTL(time.Minute))
	now := time.Unix(0, 0)
	c.now = func() time.Time { return now }
	req := tts.Request{Text: "ttl"}

	_, _ = c.Synthesize(context.Background(), req)
	now = now.Add(2 * time.Minute)
	res, _ := c.Synthesize(context.Background(), req)
	if res.CacheHit || backend.CallCount() != 2 {
		t.Fatalf("expired entry served: hit=%v calls=%d", res.CacheHit, backend.CallCount())
	}
}

func TestSynthesize_CollapsesConcurrentCalls(t *testing.T) {
	backend := &mock.Provider{Responses: []mock.Response{{Delay: 50 * time.Millisecond}}}
	c := New(backend, 4)
	req := tts.Request{Text: "together"}

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Synthesize(context.Background(), req); err != nil {
				t.Errorf("Synthesize: %v", err)
			}
		}()
	}
	wg.Wait()
	if backend.CallCount() != 1 {
		t.Fatalf("backend calls = %d, want 1", backend.CallCount())
	}
}

func TestSynthesize_CancelledCaller(t *testing.T) {
	backend := &mock.Provider{Responses: []mock.Response{{Delay: time.Second}}}
	c := New(backend, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := c.Synthesize(ctx, tts.Request{Text: "slow"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("cancellation did not abort the call promptly")
	}
}
