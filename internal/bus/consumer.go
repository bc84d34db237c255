package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/attune/internal/observe"
	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/audio/codec"
)

// Category classifies consumers for status reporting.
type Category string

const (
	CategoryConversation Category = "conversation"
	CategoryAnalysis     Category = "analysis"
	CategoryRecording    Category = "recording"
	CategoryOther        Category = "other"
)

// Handler is the consumer contract. While a consumer is active every callback
// runs on that consumer's dedicated delivery goroutine, so a Handler is never
// called concurrently with itself. Handlers may add, remove, update and
// inspect consumers, but must not call the lifecycle methods (Initialize,
// StartStreaming, StopStreaming, Close), which wait for delivery workers.
//
// A panic inside a callback is recovered, counted as a lost frame and
// logged; it never reaches the capture loop or other consumers.
type Handler interface {
	// OnAudioFrame receives raw mono samples at the consumer's sample rate.
	// samples must not be retained after the call returns.
	OnAudioFrame(samples []float32, sampleRate int)

	// OnAudioChunk receives the encoded frame when the consumer's format
	// requests an encoding.
	OnAudioChunk(chunk []byte)

	// OnStatusChange is called on activation, deactivation and whenever the
	// health assessment changes.
	OnStatusChange(status ConsumerStatus)

	// OnError reports bus-level failures (device open failure, device loss).
	OnError(message string)
}

// HandlerFuncs adapts plain functions to [Handler]. Nil fields are no-ops.
type HandlerFuncs struct {
	Frame  func(samples []float32, sampleRate int)
	Chunk  func(chunk []byte)
	Status func(status ConsumerStatus)
	Error  func(message string)
}

func (h HandlerFuncs) OnAudioFrame(samples []float32, sampleRate int) {
	if h.Frame != nil {
		h.Frame(samples, sampleRate)
	}
}

func (h HandlerFuncs) OnAudioChunk(chunk []byte) {
	if h.Chunk != nil {
		h.Chunk(chunk)
	}
}

func (h HandlerFuncs) OnStatusChange(status ConsumerStatus) {
	if h.Status != nil {
		h.Status(status)
	}
}

func (h HandlerFuncs) OnError(message string) {
	if h.Error != nil {
		h.Error(message)
	}
}

// Registration describes a consumer. ID, Handler and a valid Format are
// required.
type Registration struct {
	ID       string
	Name     string
	Category Category

	// Priority orders delivery within a tick: higher first, ties in
	// registration order.
	Priority int

	// Active consumers receive frames while the bus is streaming.
	Active bool

	// Format is the audio the consumer requires. The zero value means raw
	// samples at the capture rate.
	Format audio.Format

	Handler Handler
}

func (r Registration) validate() error {
	switch {
	case r.ID == "":
		return &ConfigurationError{Field: "id", Err: errors.New("must not be empty")}
	case r.Handler == nil:
		return &ConfigurationError{Field: "handler", Err: errors.New("must not be nil")}
	}
	if err := r.Format.Validate(); err != nil {
		return &ConfigurationError{Field: "format", Err: err}
	}
	return nil
}

// Update carries a partial registration change. Nil fields are left as is.
type Update struct {
	Name     *string
	Priority *int
	Active   *bool
	Format   *audio.Format
}

// Quality grades a consumer's delivery.
type Quality string

const (
	QualityUnknown   Quality = "unknown"
	QualityGood      Quality = "good"
	QualityDegraded  Quality = "degraded"
	QualityUnhealthy Quality = "unhealthy"
)

// ConsumerStatus is a read-only snapshot of one consumer, recomputed on
// demand. It is never mutated by the bus after being handed out.
type ConsumerStatus struct {
	ID       string
	Name     string
	Category Category
	Priority int
	Format   audio.Format

	// Active is true while the consumer has a running delivery worker.
	Active bool

	// Receiving is true when a frame was delivered within the last health
	// interval.
	Receiving bool

	Received int64
	Lost     int64

	// LossRatio is Lost / (Received + Lost).
	LossRatio float64

	// Latency is the smoothed capture-to-handler latency.
	Latency time.Duration

	Quality Quality
	Healthy bool
}

// delivery is one queued frame.
type delivery struct {
	frame    audio.Frame
	captured time.Time
}

// consumer is the bus-side state of one registration.
type consumer struct {
	id      string
	seq     uint64
	handler Handler
	reg     atomic.Pointer[Registration]
	metrics *observe.Metrics

	queue chan delivery
	ctrl  chan func()

	// Guarded by Bus.mu. last is the done channel of the most recently
	// halted worker; its successor waits on it.
	stop chan struct{}
	done chan struct{}
	last chan struct{}

	received     atomic.Int64
	lost         atomic.Int64
	latency      atomic.Int64 // EWMA, nanoseconds
	lastDelivery atomic.Int64 // unix nanoseconds

	// Health window, touched only by the health loop.
	windowReceived int64
	windowLost     int64
	quality        atomic.Value // Quality
}

func newConsumer(reg Registration, seq uint64, queueSize int, m *observe.Metrics) *consumer {
	c := &consumer{
		id:      reg.ID,
		seq:     seq,
		handler: reg.Handler,
		metrics: m,
		queue:   make(chan delivery, queueSize),
		ctrl:    make(chan func(), 4),
	}
	c.reg.Store(&reg)
	c.quality.Store(QualityUnknown)
	return c
}

func (c *consumer) registration() Registration { return *c.reg.Load() }

func (c *consumer) running() bool { return c.stop != nil }

// enqueue hands a frame to the worker without blocking. A full queue is a
// lost frame for this consumer only.
func (c *consumer) enqueue(d delivery) {
	select {
	case c.queue <- d:
	default:
		c.recordLoss("queue_full")
	}
}

func (c *consumer) recordLoss(reason string) {
	c.lost.Add(1)
	c.metrics.RecordLoss(context.Background(), c.id, reason)
}

// start launches the delivery worker. Caller holds Bus.mu.
func (c *consumer) start(receivingWindow time.Duration) {
	for {
		select {
		case <-c.queue:
			continue
		default:
		}
		break
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.metrics.ActiveConsumers.Add(context.Background(), 1)
	go c.run(c.last, c.stop, c.done, receivingWindow)
}

// halt signals the worker to exit and returns a channel closed once it has.
// Caller holds Bus.mu.
func (c *consumer) halt() <-chan struct{} {
	if c.stop == nil {
		return nil
	}
	close(c.stop)
	done := c.done
	c.stop, c.done, c.last = nil, nil, done
	c.metrics.ActiveConsumers.Add(context.Background(), -1)
	return done
}

// notify runs fn on the worker when one is running and otherwise inline.
// Must not be called with Bus.mu held.
func (c *consumer) notify(fn func(), active bool) {
	if active {
		select {
		case c.ctrl <- fn:
		default:
			slog.Warn("bus: control queue full, dropping notification", "consumer", c.id)
		}
		return
	}
	fn()
}

// run is the delivery worker. It starts only after prev, the previous
// worker of this consumer, has returned, so the handler is never called
// concurrently with itself across a deactivate and reactivate.
func (c *consumer) run(prev, stop <-chan struct{}, done chan<- struct{}, receivingWindow time.Duration) {
	defer close(done)
	if prev != nil {
		<-prev
		select {
		case <-stop:
			return
		default:
		}
	}

	w := worker{c: c}
	c.callStatus(c.status(true, receivingWindow))
	for {
		// Stop wins over pending work so a halted worker never takes a
		// frame meant for its successor.
		select {
		case <-stop:
			c.callStatus(c.status(false, receivingWindow))
			return
		default:
		}
		select {
		case <-stop:
			c.callStatus(c.status(false, receivingWindow))
			return
		case fn := <-c.ctrl:
			fn()
		case d := <-c.queue:
			select {
			case <-stop:
				c.callStatus(c.status(false, receivingWindow))
				return
			default:
			}
			w.deliver(d)
		}
	}
}

// worker holds per-activation encoder state.
type worker struct {
	c        *consumer
	opus     *codec.OpusEncoder
	opusRate int
}

func (w *worker) deliver(d delivery) {
	c := w.c
	format := c.registration().Format

	samples, rate := d.frame.Samples, d.frame.SampleRate
	if format.SampleRate != 0 && format.SampleRate != rate {
		samples = audio.Resample(samples, rate, format.SampleRate)
		rate = format.SampleRate
	}

	if err := c.safeCall("frame", func() { c.handler.OnAudioFrame(samples, rate) }); err != nil {
		c.fault(err, "panic")
		return
	}

	if format.Encoding != audio.EncodingNone {
		chunk, err := w.encode(format.Encoding, audio.Frame{Samples: samples, SampleRate: rate, Timestamp: d.frame.Timestamp})
		if err != nil {
			c.fault(&ConsumerError{ConsumerID: c.id, Op: "encode", Err: err}, "encode")
			return
		}
		if err := c.safeCall("chunk", func() { c.handler.OnAudioChunk(chunk) }); err != nil {
			c.fault(err, "panic")
			return
		}
	}

	latency := time.Since(d.captured)
	c.received.Add(1)
	c.lastDelivery.Store(time.Now().UnixNano())
	prev := c.latency.Load()
	if prev == 0 {
		c.latency.Store(int64(latency))
	} else {
		c.latency.Store(prev + (int64(latency)-prev)/8)
	}
	c.metrics.RecordDelivery(context.Background(), c.id, latency)
}

func (w *worker) encode(enc audio.Encoding, f audio.Frame) ([]byte, error) {
	switch enc {
	case audio.EncodingPCM16:
		return audio.Float32ToPCM16(f.Samples), nil
	case audio.EncodingOpus:
		if w.opus == nil || w.opusRate != f.SampleRate {
			e, err := codec.NewOpusEncoder(f.SampleRate)
			if err != nil {
				return nil, err
			}
			w.opus, w.opusRate = e, f.SampleRate
		}
		return w.opus.Encode(f)
	default:
		return nil, fmt.Errorf("unsupported encoding %q", enc)
	}
}

func (c *consumer) fault(err error, reason string) {
	c.recordLoss(reason)
	slog.Warn("bus: consumer delivery failed", "consumer", c.id, "err", err)
}

// safeCall invokes fn and converts a panic into a *ConsumerError.
func (c *consumer) safeCall(op string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ConsumerError{ConsumerID: c.id, Op: op, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	fn()
	return nil
}

func (c *consumer) callStatus(s ConsumerStatus) {
	if err := c.safeCall("status", func() { c.handler.OnStatusChange(s) }); err != nil {
		slog.Warn("bus: status callback failed", "consumer", c.id, "err", err)
	}
}

func (c *consumer) callError(msg string) {
	if err := c.safeCall("error", func() { c.handler.OnError(msg) }); err != nil {
		slog.Warn("bus: error callback failed", "consumer", c.id, "err", err)
	}
}

// status builds a snapshot. active is passed in because only Bus.mu holders
// may inspect the worker channels.
func (c *consumer) status(active bool, receivingWindow time.Duration) ConsumerStatus {
	reg := c.registration()
	received, lost := c.received.Load(), c.lost.Load()
	s := ConsumerStatus{
		ID:       reg.ID,
		Name:     reg.Name,
		Category: reg.Category,
		Priority: reg.Priority,
		Format:   reg.Format,
		Active:   active,
		Received: received,
		Lost:     lost,
		Latency:  time.Duration(c.latency.Load()),
		Quality:  c.quality.Load().(Quality),
	}
	if total := received + lost; total > 0 {
		s.LossRatio = float64(lost) / float64(total)
	}
	if last := c.lastDelivery.Load(); active && last > 0 {
		s.Receiving = time.Since(time.Unix(0, last)) <= receivingWindow
	}
	s.Healthy = s.Quality != QualityUnhealthy
	return s
}
