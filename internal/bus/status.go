package bus

import (
	"time"

	"github.com/MrWong99/attune/pkg/audio"
)

// Status is a read-only snapshot of the bus and its consumers. Two snapshots
// taken without intervening changes compare equal.
type Status struct {
	State State

	// Capture is the profile the device was actually opened with.
	Capture audio.CaptureConfig

	Gating bool

	// Consumers lists every registration in delivery order.
	Consumers []ConsumerStatus
}

// Unhealthy returns the ids of consumers currently graded unhealthy.
func (s Status) Unhealthy() []string {
	var ids []string
	for _, c := range s.Consumers {
		if !c.Healthy {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// Metrics is a snapshot of the bus counters.
type Metrics struct {
	State State

	FramesCaptured    int64
	FramesDistributed int64
	FramesGated       int64

	Consumers       int
	ActiveConsumers int

	// Delivered and Lost sum the per-consumer counters.
	Delivered int64
	Lost      int64

	// Uptime is the time since streaming last started; zero when not
	// streaming.
	Uptime time.Duration
}

// Status returns a snapshot. It never blocks on the capture loop.
func (b *Bus) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Status{
		State:     b.state,
		Gating:    b.cfg.Gating,
		Consumers: make([]ConsumerStatus, 0, len(b.order)),
	}
	if b.stream != nil {
		s.Capture = b.stream.Config()
	}
	window := b.receivingWindow()
	for _, c := range b.order {
		s.Consumers = append(s.Consumers, c.status(c.running(), window))
	}
	return s
}

// ConsumerStatus returns the snapshot of one consumer.
func (b *Bus) ConsumerStatus(id string) (ConsumerStatus, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.consumers[id]
	if !ok {
		return ConsumerStatus{}, false
	}
	return c.status(c.running(), b.receivingWindow()), true
}

// Metrics returns the bus counters.
func (b *Bus) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := Metrics{
		State:             b.state,
		FramesCaptured:    b.framesCaptured.Load(),
		FramesDistributed: b.framesDistributed.Load(),
		FramesGated:       b.framesGated.Load(),
		Consumers:         len(b.consumers),
	}
	for _, c := range b.order {
		if c.running() {
			m.ActiveConsumers++
		}
		m.Delivered += c.received.Load()
		m.Lost += c.lost.Load()
	}
	if b.state == StateStreaming {
		m.Uptime = time.Since(time.Unix(0, b.startedAt.Load()))
	}
	return m
}
