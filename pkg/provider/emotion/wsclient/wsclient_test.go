package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/attune/pkg/provider/emotion"
)

// analyzer is a fake emotion analyzer. Each connection reads the start
// message, then answers every binary chunk with one sample whose arousal
// encodes the connection number.
type analyzer struct {
	conns    atomic.Int32
	dropFrom int32 // close connections numbered < dropFrom after one sample
	starts   chan startMessage
	chunks   chan []byte
}

func newAnalyzer() *analyzer {
	return &analyzer{starts: make(chan startMessage, 8), chunks: make(chan []byte, 64)}
}

func (a *analyzer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := a.conns.Add(1)
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	var start startMessage
	_ = json.Unmarshal(data, &start)
	a.starts <- start

	_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"error","error":"warming up"}`))
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		a.chunks <- data
		msg, _ := json.Marshal(map[string]any{
			"type":       "sample",
			"arousal":    float64(n) / 10,
			"valence":    -0.5,
			"basic":      map[string]float64{emotion.Fear: 1.5},
			"confidence": 0.9,
		})
		if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
			return
		}
		if n < a.dropFrom {
			conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func receive(t *testing.T, ch <-chan emotion.Sample) emotion.Sample {
	t.Helper()
	select {
	case s, ok := <-ch:
		if !ok {
			t.Fatal("sample channel closed")
		}
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sample")
	}
	return emotion.Sample{}
}

func TestClient_StreamsAudioAndReceivesSamples(t *testing.T) {
	a := newAnalyzer()
	srv := httptest.NewServer(a)
	defer srv.Close()

	c, err := New(wsURL(srv), WithSampleRate(16000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	samples, err := c.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if start := <-a.starts; start.SampleRate != 16000 || start.Encoding != "pcm16le" {
		t.Fatalf("start message = %+v", start)
	}

	if !c.Send([]byte{1, 2, 3, 4}) {
		t.Fatal("Send dropped chunk on an empty queue")
	}
	s := receive(t, samples)
	if got := <-a.chunks; string(got) != string([]byte{1, 2, 3, 4}) {
		t.Fatalf("server got %v", got)
	}
	if s.Arousal != 0.1 || s.Valence != -0.5 {
		t.Fatalf("sample = %+v", s)
	}
	if s.Basic[emotion.Fear] != 1 {
		t.Fatalf("fear = %v, want clamped to 1", s.Basic[emotion.Fear])
	}
	if s.Timestamp.IsZero() {
		t.Fatal("timestamp not filled in")
	}

	cancel()
	select {
	case _, ok := <-samples:
		if ok {
			// Drain a possibly buffered sample, then expect close.
			if _, ok := <-samples; ok {
				t.Fatal("channel not closed after cancel")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestClient_Reconnects(t *testing.T) {
	a := newAnalyzer()
	a.dropFrom = 2
	srv := httptest.NewServer(a)
	defer srv.Close()

	c, _ := New(wsURL(srv), WithReconnectBackoff(time.Millisecond, 5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	samples, err := c.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	<-a.starts
	c.Send([]byte{0, 0})
	if s := receive(t, samples); s.Arousal != 0.1 {
		t.Fatalf("first sample arousal = %v, want 0.1", s.Arousal)
	}

	<-a.starts // second connection
	c.Send([]byte{0, 0})
	if s := receive(t, samples); s.Arousal != 0.2 {
		t.Fatalf("sample after reconnect arousal = %v, want 0.2", s.Arousal)
	}
	if got := c.Stats().Reconnects; got != 1 {
		t.Fatalf("reconnects = %d, want 1", got)
	}
}

func TestClient_SubscribeTwice(t *testing.T) {
	a := newAnalyzer()
	srv := httptest.NewServer(a)
	defer srv.Close()

	c, _ := New(wsURL(srv))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := c.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := c.Subscribe(ctx); !errors.Is(err, ErrSubscribed) {
		t.Fatalf("second Subscribe err = %v, want ErrSubscribed", err)
	}
}

func TestClient_DialFailure(t *testing.T) {
	c, _ := New("ws://127.0.0.1:1/analyze")
	if _, err := c.Subscribe(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
	if c.running.Load() {
		t.Fatal("client still marked running after failed subscribe")
	}
}

func TestClient_SendDropsWhenFull(t *testing.T) {
	c, _ := New("ws://unused", WithQueueSize(2))
	c.Send(nil)
	c.Send(nil)
	if c.Send(nil) {
		t.Fatal("Send accepted a chunk beyond the queue size")
	}
	if got := c.Stats().Dropped; got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}
