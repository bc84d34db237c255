// Package bus implements the stream multiplexer: one owner of the capture
// device fanning every frame out to many independent consumers.
//
// A [Bus] is an explicit instance; nothing in this package is global. The
// capture loop reads one frame per tick, optionally gates it on voice
// activity, and enqueues it for every active consumer in priority order
// (higher first, ties in registration order). Each consumer drains its own
// bounded queue on a dedicated goroutine, so a slow or panicking consumer
// loses its own frames and never stalls the tick or its siblings.
//
// Lifecycle:
//
//	b := bus.New(source, cfg)
//	_ = b.AddConsumer(bus.Registration{ID: "engine", Active: true, Handler: h})
//	_ = b.Initialize(ctx, captureCfg) // opens the device, walking the fallback ladder
//	_ = b.StartStreaming(ctx)
//	...
//	b.StopStreaming() // registrations survive
//	_ = b.Close()     // terminal
package bus

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/attune/internal/observe"
	"github.com/MrWong99/attune/internal/resilience"
	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/provider/vad"
	"github.com/MrWong99/attune/pkg/provider/vad/energy"
)

// State is the lifecycle state of a [Bus].
type State int

const (
	// StateUninitialized: no device opened yet.
	StateUninitialized State = iota

	// StateReady: device open, not distributing.
	StateReady

	// StateStreaming: the capture loop is distributing frames.
	StateStreaming

	// StateDisposed: closed or device lost. Terminal.
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Option configures a [Bus].
type Option func(*Bus)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithVAD sets the voice-activity engine used by the gate. Defaults to the
// adaptive energy detector.
func WithVAD(e vad.Engine) Option {
	return func(b *Bus) { b.vad = e }
}

// Bus is the stream multiplexer. All methods are safe for concurrent use.
type Bus struct {
	source  audio.Source
	cfg     Config
	metrics *observe.Metrics
	vad     vad.Engine

	// lifecycle serialises Initialize, StartStreaming, StopStreaming and
	// Close, which may block on the device.
	lifecycle sync.Mutex

	mu        sync.Mutex
	state     State
	stream    audio.Stream
	consumers map[string]*consumer
	order     []*consumer // delivery order
	seq       uint64
	cancel    context.CancelFunc
	loopDone  chan struct{}
	health    chan struct{}
	gate      *gate

	// targets is the delivery list read by the capture loop without locking.
	targets atomic.Pointer[[]*consumer]

	framesCaptured    atomic.Int64
	framesDistributed atomic.Int64
	framesGated       atomic.Int64
	startedAt         atomic.Int64
}

// New creates a bus reading from source. cfg zero fields take defaults.
func New(source audio.Source, cfg Config, opts ...Option) *Bus {
	b := &Bus{
		source:    source,
		cfg:       cfg.withDefaults(),
		consumers: make(map[string]*consumer),
	}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	if b.vad == nil {
		b.vad = energy.New()
	}
	b.targets.Store(&[]*consumer{})
	return b
}

// Config returns the effective configuration.
func (b *Bus) Config() Config { return b.cfg }

// Initialize opens the capture device. When the requested profile cannot be
// opened within the open retry policy, each reduced-quality profile from
// [audio.CaptureConfig.Fallback] is tried in turn. If none opens, every
// registered consumer receives OnError and a *CaptureDeviceError is
// returned.
func (b *Bus) Initialize(ctx context.Context, capture audio.CaptureConfig) error {
	if err := capture.Validate(); err != nil {
		return &ConfigurationError{Field: "capture", Err: err}
	}
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	b.mu.Lock()
	switch b.state {
	case StateDisposed:
		b.mu.Unlock()
		return ErrDisposed
	case StateStreaming:
		b.mu.Unlock()
		return errors.New("bus: initialize while streaming")
	}
	old := b.stream
	b.stream, b.state = nil, StateUninitialized
	b.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	var (
		lastErr  error
		attempts int
	)
	for profile, ok := capture, true; ok; profile, ok = profile.Fallback() {
		attempts++
		stream, err := resilience.RetryValue(ctx, b.cfg.OpenRetry, "capture open", func(ctx context.Context) (audio.Stream, error) {
			return b.source.Open(ctx, profile)
		})
		if err == nil {
			return b.opened(stream, capture)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		slog.Warn("bus: capture profile failed", "sample_rate", profile.SampleRate, "frame_size", profile.FrameSize, "err", err)
	}

	cerr := &CaptureDeviceError{Config: capture, Attempts: attempts, Err: lastErr}
	slog.Error("bus: capture device unavailable", "err", cerr)
	b.broadcastError(cerr.Error())
	return cerr
}

func (b *Bus) opened(stream audio.Stream, requested audio.CaptureConfig) error {
	got := stream.Config()
	var g *gate
	if b.cfg.Gating {
		vc := b.cfg.VAD
		vc.SampleRate = got.SampleRate
		session, err := b.vad.NewSession(vc)
		if err != nil {
			_ = stream.Close()
			return &ConfigurationError{Field: "vad", Err: err}
		}
		g = newGate(session, b.cfg.GateHangover, got.FrameDuration())
	}

	b.mu.Lock()
	b.stream, b.gate, b.state = stream, g, StateReady
	b.mu.Unlock()

	if got != requested {
		slog.Warn("bus: capture opened with fallback profile", "sample_rate", got.SampleRate, "frame_size", got.FrameSize)
	} else {
		slog.Info("bus: capture opened", "sample_rate", got.SampleRate, "frame_size", got.FrameSize)
	}
	return nil
}

// AddConsumer registers a consumer. When the bus is streaming and the
// registration is active, delivery starts immediately.
func (b *Bus) AddConsumer(reg Registration) error {
	if err := reg.validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateDisposed {
		return ErrDisposed
	}
	if _, dup := b.consumers[reg.ID]; dup {
		return &ConfigurationError{Field: "id", Err: fmt.Errorf("%w: %q", ErrDuplicateID, reg.ID)}
	}
	if len(b.consumers) >= b.cfg.MaxConsumers {
		return &ConfigurationError{Field: "consumers", Err: fmt.Errorf("%w: max %d", ErrCapacityExceeded, b.cfg.MaxConsumers)}
	}

	b.seq++
	c := newConsumer(reg, b.seq, b.cfg.QueueSize, b.metrics)
	b.consumers[reg.ID] = c
	b.reorderLocked()
	if b.state == StateStreaming && reg.Active {
		c.start(b.receivingWindow())
	}
	b.publishLocked()
	slog.Info("bus: consumer added", "consumer", reg.ID, "priority", reg.Priority, "active", c.running())
	return nil
}

// RemoveConsumer deactivates and deregisters a consumer. Removing an unknown
// id is a no-op.
func (b *Bus) RemoveConsumer(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.consumers[id]
	if !ok {
		return
	}
	c.halt()
	if c.quality.Load().(Quality) == QualityUnhealthy {
		b.metrics.UnhealthyConsumers.Add(context.Background(), -1)
	}
	delete(b.consumers, id)
	b.reorderLocked()
	b.publishLocked()
	slog.Info("bus: consumer removed", "consumer", id)
}

// UpdateConsumer merges the non-nil fields of u into the registration and
// re-evaluates whether the consumer should be receiving.
func (b *Bus) UpdateConsumer(id string, u Update) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.consumers[id]
	if !ok {
		return &ConfigurationError{Field: "id", Err: fmt.Errorf("unknown consumer %q", id)}
	}
	reg := c.registration()
	if u.Name != nil {
		reg.Name = *u.Name
	}
	if u.Priority != nil {
		reg.Priority = *u.Priority
	}
	if u.Active != nil {
		reg.Active = *u.Active
	}
	if u.Format != nil {
		if err := u.Format.Validate(); err != nil {
			return &ConfigurationError{Field: "format", Err: err}
		}
		reg.Format = *u.Format
	}
	c.reg.Store(&reg)

	want := b.state == StateStreaming && reg.Active
	switch {
	case want && !c.running():
		c.start(b.receivingWindow())
	case !want && c.running():
		c.halt()
	}
	b.reorderLocked()
	b.publishLocked()
	return nil
}

// StartStreaming starts distributing frames to active consumers. The capture
// loop runs until StopStreaming, Close, device loss, or ctx cancellation.
// Calling it while already streaming is a no-op.
func (b *Bus) StartStreaming(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateUninitialized:
		return ErrNotInitialized
	case StateDisposed:
		return ErrDisposed
	case StateStreaming:
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.loopDone = make(chan struct{})
	b.health = make(chan struct{})
	b.state = StateStreaming
	b.startedAt.Store(time.Now().UnixNano())
	if b.gate != nil {
		b.gate.reset()
	}
	for _, c := range b.order {
		if c.registration().Active {
			c.start(b.receivingWindow())
		}
	}
	b.publishLocked()

	go b.captureLoop(loopCtx, b.stream, b.gate, b.loopDone)
	go b.healthLoop(loopCtx, b.health)
	slog.Info("bus: streaming started", "consumers", len(b.consumers))
	return nil
}

// StopStreaming halts delivery and deactivates every consumer while keeping
// the registrations and the open device. It waits for the capture loop and
// all delivery workers to exit.
func (b *Bus) StopStreaming() {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	b.stopStreaming()
}

func (b *Bus) stopStreaming() {
	b.mu.Lock()
	if b.state != StateStreaming {
		b.mu.Unlock()
		return
	}
	b.cancel()
	loopDone, health := b.loopDone, b.health
	b.mu.Unlock()

	<-loopDone
	<-health

	b.mu.Lock()
	if b.state == StateStreaming {
		b.state = StateReady
	}
	workers := b.haltAllLocked()
	b.mu.Unlock()

	for _, done := range workers {
		<-done
	}
	slog.Info("bus: streaming stopped")
}

// Close stops streaming, releases the device and disposes the bus. Close is
// idempotent.
func (b *Bus) Close() error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	b.stopStreaming()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateDisposed && b.stream == nil {
		return nil
	}
	b.state = StateDisposed
	var err error
	if b.stream != nil {
		err = b.stream.Close()
		b.stream = nil
	}
	if b.gate != nil {
		_ = b.gate.close()
		b.gate = nil
	}
	return err
}

// State returns the lifecycle state.
func (b *Bus) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// haltAllLocked stops every worker and returns their done channels.
func (b *Bus) haltAllLocked() []<-chan struct{} {
	var dones []<-chan struct{}
	for _, c := range b.order {
		if done := c.halt(); done != nil {
			dones = append(dones, done)
		}
	}
	b.publishLocked()
	return dones
}

// reorderLocked sorts consumers by priority (descending) then registration.
func (b *Bus) reorderLocked() {
	b.order = b.order[:0]
	for _, c := range b.consumers {
		b.order = append(b.order, c)
	}
	slices.SortFunc(b.order, func(x, y *consumer) int {
		if c := cmp.Compare(y.registration().Priority, x.registration().Priority); c != 0 {
			return c
		}
		return cmp.Compare(x.seq, y.seq)
	})
}

// publishLocked rebuilds the lock-free delivery list.
func (b *Bus) publishLocked() {
	targets := make([]*consumer, 0, len(b.order))
	for _, c := range b.order {
		if c.running() {
			targets = append(targets, c)
		}
	}
	b.targets.Store(&targets)
}

func (b *Bus) captureLoop(ctx context.Context, stream audio.Stream, g *gate, done chan<- struct{}) {
	defer close(done)
	failures := 0
	for {
		frame, err := stream.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if errors.Is(err, audio.ErrDeviceLost) || errors.Is(err, audio.ErrStreamClosed) || failures > b.cfg.ReadRetries {
				go b.deviceLost(err)
				return
			}
			slog.Warn("bus: capture read failed", "attempt", failures, "err", err)
			continue
		}
		failures = 0
		b.tick(frame, g)
	}
}

// tick distributes one frame. It never blocks.
func (b *Bus) tick(frame audio.Frame, g *gate) {
	ctx := context.Background()
	now := time.Now()
	b.framesCaptured.Add(1)
	if g != nil && !g.open(frame.Samples) {
		b.framesGated.Add(1)
		b.metrics.BusFrames.Add(ctx, 1, outcomeGated)
		return
	}
	b.framesDistributed.Add(1)
	b.metrics.BusFrames.Add(ctx, 1, outcomeDistributed)

	// Consumers share one read-only copy; the device may reuse its buffer.
	frame.Samples = slices.Clone(frame.Samples)
	for _, c := range *b.targets.Load() {
		c.enqueue(delivery{frame: frame, captured: now})
	}
}

// deviceLost disposes the bus after the capture device disappeared and
// tells every consumer.
func (b *Bus) deviceLost(cause error) {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	b.mu.Lock()
	if b.state != StateStreaming {
		b.mu.Unlock()
		return
	}
	b.cancel()
	health := b.health
	b.state = StateDisposed
	workers := b.haltAllLocked()
	stream := b.stream
	b.stream = nil
	if b.gate != nil {
		_ = b.gate.close()
		b.gate = nil
	}
	b.mu.Unlock()

	<-health
	for _, done := range workers {
		<-done
	}
	if stream != nil {
		_ = stream.Close()
	}

	cerr := &CaptureDeviceError{Lost: true, Err: cause}
	slog.Error("bus: capture device lost, bus disposed", "err", cause)
	b.broadcastError(cerr.Error())
}

// broadcastError delivers msg to every registered consumer. Workers must be
// stopped; callbacks run inline.
func (b *Bus) broadcastError(msg string) {
	b.mu.Lock()
	all := slices.Clone(b.order)
	b.mu.Unlock()
	for _, c := range all {
		c.callError(msg)
	}
}
