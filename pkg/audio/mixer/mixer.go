package mixer

import (
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/MrWong99/attune/pkg/audio"
)

var _ audio.Mixer = (*PriorityMixer)(nil)

// DefaultGap is the silence inserted between consecutive utterances unless
// [WithGap] says otherwise.
const DefaultGap = 250 * time.Millisecond

// DefaultJitter is the fraction of the gap by which each pause varies, so
// that back-to-back sentences do not sound metronomic.
const DefaultJitter = 1.0 / 6

// Option configures a [PriorityMixer] during construction.
type Option func(*PriorityMixer)

// WithGap sets the base silence between utterances. Zero disables it.
func WithGap(d time.Duration) Option {
	return func(m *PriorityMixer) { m.gap = d }
}

// WithJitter sets the gap jitter as a fraction of the gap in [0, 1].
func WithJitter(frac float64) Option {
	return func(m *PriorityMixer) { m.jitter = min(max(frac, 0), 1) }
}

// PriorityMixer is the single owner of the playback output. It plays one
// segment at a time, highest priority first and FIFO within a priority. A
// segment enqueued above the priority of the one playing cuts it off with
// [audio.SafetyOverride] semantics.
//
// All exported methods are safe for concurrent use.
type PriorityMixer struct {
	output func(audio.Frame) error

	mu      sync.Mutex
	queue   playQueue
	gap     time.Duration
	jitter  float64
	current *playback // nil when idle
	closed  bool

	wake chan struct{}
	done chan struct{}
}

// playback is the segment on the output right now.
type playback struct {
	seg      *audio.Segment
	priority int
	cut      chan struct{} // closed to stop it
}

// New starts a mixer that feeds output. output is called from a single
// goroutine and should block for roughly the chunk's duration, as a device
// does. An output error ends the current segment and is recorded with
// [audio.Segment.SetStreamErr].
func New(output func(audio.Frame) error, opts ...Option) *PriorityMixer {
	m := &PriorityMixer{
		output: output,
		gap:    DefaultGap,
		jitter: DefaultJitter,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	go m.run()
	return m
}

// NewForSink plays through sink. The sink is not closed by the mixer.
func NewForSink(sink audio.Sink, opts ...Option) *PriorityMixer {
	return New(sink.Write, opts...)
}

// Enqueue implements [audio.Mixer]. After Close, segments are finished as
// interrupted without playing.
func (m *PriorityMixer) Enqueue(segment *audio.Segment, priority int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		discard(segment)
		return
	}
	m.queue.push(segment, priority)
	if m.current != nil && priority > m.current.priority {
		slog.Debug("mixer: preempting segment", "turn", m.current.seg.TurnID, "by", segment.TurnID, "priority", priority)
		m.cutLocked(audio.SafetyOverride)
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Interrupt implements [audio.Mixer].
func (m *PriorityMixer) Interrupt(reason audio.InterruptReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cutLocked(reason)
}

// Playing implements [audio.Mixer].
func (m *PriorityMixer) Playing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

// Pending returns the number of segments waiting behind the current one.
func (m *PriorityMixer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.len()
}

// SetGap implements [audio.Mixer].
func (m *PriorityMixer) SetGap(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gap = d
}

// Close stops playback, drops the queue and ends the dispatch goroutine.
// It is idempotent and always returns nil.
func (m *PriorityMixer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cutLocked(audio.SessionStop)
	m.mu.Unlock()
	close(m.done)
	return nil
}

// cutLocked stops the current segment and applies reason's queue policy.
// m.mu must be held.
func (m *PriorityMixer) cutLocked(reason audio.InterruptReason) {
	if m.current != nil {
		close(m.current.cut)
		m.current = nil
	}
	if reason.ClearsQueue() {
		m.queue.clear()
	}
}

func (m *PriorityMixer) run() {
	spoke := false // whether anything has played, so the first utterance starts without a gap
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}
		for {
			pb := m.next()
			if pb == nil {
				break
			}
			if spoke && !m.pause(pb) {
				continue
			}
			pb.seg.Finish(m.play(pb))
			spoke = true
			m.release(pb)
		}
	}
}

// next pops the head of the queue and makes it current, or returns nil.
func (m *PriorityMixer) next() *playback {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queue.pop()
	if !ok {
		return nil
	}
	m.current = &playback{seg: q.segment, priority: q.priority, cut: make(chan struct{})}
	return m.current
}

func (m *PriorityMixer) release(pb *playback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == pb {
		m.current = nil
	}
}

// pause waits out the inter-utterance gap. It reports false, after
// discarding the segment, when the segment is cut or the mixer closes first.
func (m *PriorityMixer) pause(pb *playback) bool {
	d := m.gapDuration()
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-pb.cut:
	case <-m.done:
	}
	discard(pb.seg)
	m.release(pb)
	return false
}

// play copies chunks to the output until the segment ends, the output
// fails, or it is cut. It reports whether playback was cut.
func (m *PriorityMixer) play(pb *playback) (cut bool) {
	seg := pb.seg
	for {
		select {
		case <-m.done:
			go audio.Drain(seg.Audio)
			return true
		case <-pb.cut:
			go audio.Drain(seg.Audio)
			return true
		case chunk, ok := <-seg.Audio:
			if !ok {
				return false
			}
			if err := m.output(audio.Frame{Samples: chunk, SampleRate: seg.SampleRate}); err != nil {
				seg.SetStreamErr(err)
				go audio.Drain(seg.Audio)
				return false
			}
		}
	}
}

// gapDuration returns the gap with uniform jitter applied.
func (m *PriorityMixer) gapDuration() time.Duration {
	m.mu.Lock()
	base, frac := m.gap, m.jitter
	m.mu.Unlock()
	if base <= 0 {
		return 0
	}
	spread := time.Duration(float64(base) * frac)
	if spread <= 0 {
		return base
	}
	return base - spread + time.Duration(rand.Int64N(int64(2*spread)+1))
}
