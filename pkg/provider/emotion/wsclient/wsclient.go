// Package wsclient implements [emotion.Provider] against a remote affect
// analyzer reached over a WebSocket.
//
// The client streams the patient's audio to the analyzer as binary
// little-endian PCM16 messages and receives one JSON text message per
// analyzed window. In the application it is registered as a bus consumer:
// [Client.Send] is called from the consumer's delivery worker and never
// blocks.
//
// Wire protocol (client → server, first message):
//
//	{"type":"start","sample_rate":16000,"encoding":"pcm16le"}
//
// Server → client:
//
//	{"type":"sample","timestamp":"...","arousal":0.4,"valence":-0.2,"basic":{"fear":0.3},"confidence":0.8}
//	{"type":"error","error":"model overloaded"}
//
// A lost connection is re-established with capped exponential backoff for as
// long as the subscription context lives; the sample channel stays open
// across reconnects.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/provider/emotion"
)

// ErrSubscribed is returned by Subscribe while another subscription is live.
var ErrSubscribed = errors.New("wsclient: already subscribed")

var _ emotion.Provider = (*Client)(nil)

// Option configures a [Client].
type Option func(*Client)

// WithHeader adds an HTTP header to the WebSocket handshake (for example an
// Authorization bearer token).
func WithHeader(key, value string) Option {
	return func(c *Client) { c.header.Add(key, value) }
}

// WithSampleRate announces the rate of the PCM chunks passed to Send.
// Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(c *Client) { c.sampleRate = rate }
}

// WithQueueSize bounds the number of audio chunks buffered for sending.
// Defaults to 64 (about 1.3 s of 20 ms frames).
func WithQueueSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithReconnectBackoff sets the first and the maximum reconnect delay.
func WithReconnectBackoff(initial, maximum time.Duration) Option {
	return func(c *Client) { c.minBackoff, c.maxBackoff = initial, maximum }
}

// Client is a WebSocket emotion analyzer client.
type Client struct {
	url        string
	header     http.Header
	sampleRate int
	queueSize  int
	minBackoff time.Duration
	maxBackoff time.Duration

	queue   chan []byte
	running atomic.Bool

	sent       atomic.Int64
	dropped    atomic.Int64
	received   atomic.Int64
	reconnects atomic.Int64
}

// New creates a client for the analyzer at url (ws:// or wss://).
func New(url string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, errors.New("wsclient: url must not be empty")
	}
	c := &Client{
		url:        url,
		header:     http.Header{},
		sampleRate: 16000,
		queueSize:  64,
		minBackoff: 250 * time.Millisecond,
		maxBackoff: 10 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	if c.sampleRate <= 0 {
		return nil, fmt.Errorf("wsclient: invalid sample rate %d", c.sampleRate)
	}
	c.queue = make(chan []byte, c.queueSize)
	return c, nil
}

// Format returns the audio format the client expects from the bus.
func (c *Client) Format() audio.Format {
	return audio.Format{SampleRate: c.sampleRate, Encoding: audio.EncodingPCM16}
}

// Send queues one PCM16 chunk for the analyzer. It never blocks; when the
// queue is full the chunk is dropped and false is returned.
func (c *Client) Send(chunk []byte) bool {
	select {
	case c.queue <- chunk:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Stats is a snapshot of the client's counters.
type Stats struct {
	Sent       int64
	Dropped    int64
	Received   int64
	Reconnects int64
}

// Stats returns the current counters.
func (c *Client) Stats() Stats {
	return Stats{
		Sent:       c.sent.Load(),
		Dropped:    c.dropped.Load(),
		Received:   c.received.Load(),
		Reconnects: c.reconnects.Load(),
	}
}

// Subscribe implements [emotion.Provider]. The first connection is made
// synchronously so that a misconfigured URL fails fast.
func (c *Client) Subscribe(ctx context.Context) (<-chan emotion.Sample, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, ErrSubscribed
	}
	conn, err := c.dial(ctx)
	if err != nil {
		c.running.Store(false)
		return nil, err
	}
	out := make(chan emotion.Sample, 16)
	go c.run(ctx, conn, out)
	return out, nil
}

func (c *Client) run(ctx context.Context, conn *websocket.Conn, out chan<- emotion.Sample) {
	defer c.running.Store(false)
	defer close(out)
	for {
		err := c.serve(ctx, conn, out)
		if ctx.Err() != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		slog.Warn("wsclient: analyzer connection lost, reconnecting", "url", c.url, "err", err)
		if conn, err = c.reconnect(ctx); err != nil {
			return
		}
		c.reconnects.Add(1)
	}
}

func (c *Client) reconnect(ctx context.Context) (*websocket.Conn, error) {
	b := retry.NewExponential(c.minBackoff)
	b = retry.WithCappedDuration(c.maxBackoff, b)
	b = retry.WithJitterPercent(20, b)

	var conn *websocket.Conn
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var err error
		conn, err = c.dial(ctx)
		if err != nil {
			slog.Debug("wsclient: reconnect attempt failed", "url", c.url, "err", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	return conn, err
}

// startMessage opens an analysis stream.
type startMessage struct {
	Type       string         `json:"type"`
	SampleRate int            `json:"sample_rate"`
	Encoding   audio.Encoding `json:"encoding"`
}

// serverMessage is any message received from the analyzer.
type serverMessage struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
	emotion.Sample
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPHeader: c.header})
	if err != nil {
		return nil, fmt.Errorf("wsclient: dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(1 << 20)

	data, _ := json.Marshal(startMessage{Type: "start", SampleRate: c.sampleRate, Encoding: audio.EncodingPCM16})
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("wsclient: send start: %w", err)
	}
	// Audio queued while disconnected is stale.
	for {
		select {
		case <-c.queue:
			c.dropped.Add(1)
			continue
		default:
		}
		break
	}
	return conn, nil
}

// serve pumps audio and samples over conn until either direction fails.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn, out chan<- emotion.Sample) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- c.writeLoop(sctx, conn) }()
	go func() { errc <- c.readLoop(sctx, conn, out) }()

	err := <-errc
	cancel()
	conn.CloseNow()
	<-errc
	return err
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk := <-c.queue:
			if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return fmt.Errorf("wsclient: write: %w", err)
			}
			c.sent.Add(1)
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- emotion.Sample) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("wsclient: read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("wsclient: ignoring malformed message", "err", err)
			continue
		}
		switch msg.Type {
		case "error":
			slog.Warn("wsclient: analyzer reported error", "error", msg.Error)
			continue
		case "sample", "":
		default:
			continue
		}
		s := msg.Sample.Normalize()
		if s.Timestamp.IsZero() {
			s.Timestamp = time.Now()
		}
		c.received.Add(1)
		select {
		case out <- s:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
