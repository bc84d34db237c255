package audio

import (
	"sync"
	"sync/atomic"
	"time"
)

// InterruptReason identifies why the current audio segment was cut short.
// It is passed to [Mixer.Interrupt] so that the mixer can apply
// reason-specific behaviour (e.g., keep or drop queued segments).
type InterruptReason int

const (
	// SafetyOverride indicates that a safety intervention preempted the
	// current utterance. Queued segments are preserved.
	SafetyOverride InterruptReason = iota

	// PatientBargeIn indicates that the patient started speaking while the
	// companion was still talking. The floor is yielded and the queue cleared.
	PatientBargeIn

	// SessionStop indicates that the conversation is being shut down. The
	// queue is cleared.
	SessionStop
)

// String returns the human-readable name of the interrupt reason.
func (r InterruptReason) String() string {
	switch r {
	case SafetyOverride:
		return "SAFETY_OVERRIDE"
	case PatientBargeIn:
		return "PATIENT_BARGE_IN"
	case SessionStop:
		return "SESSION_STOP"
	default:
		return "UNKNOWN"
	}
}

// ClearsQueue reports whether an interrupt for this reason also drops every
// queued segment.
func (r InterruptReason) ClearsQueue() bool {
	return r == PatientBargeIn || r == SessionStop
}

// Segment is the unit of synthesized speech submitted to a [Mixer].
// Audio is streamed: sample chunks arrive on the Audio channel so the mixer
// can begin playback before the producer is done.
//
// A Segment must be created with [NewSegment]; the zero value has no Done
// channel.
type Segment struct {
	// TurnID identifies the conversation turn this utterance belongs to.
	TurnID string

	// Audio is a read-only channel of mono float sample chunks. The channel is
	// closed by the producer when the segment ends or when a mid-stream error
	// occurs. After the channel closes, call [Segment.Err] to check whether
	// synthesis completed cleanly.
	Audio <-chan []float32

	// SampleRate is the sample rate in Hz of the chunks on the Audio channel.
	SampleRate int

	// Priority controls scheduling when multiple segments are queued.
	// Higher values preempt lower ones. Equal-priority segments play FIFO.
	Priority int

	streamErr   atomic.Pointer[error]
	interrupted atomic.Bool
	done        chan struct{}
	doneOnce    sync.Once
}

// NewSegment creates a Segment ready to be enqueued.
func NewSegment(turnID string, audio <-chan []float32, sampleRate, priority int) *Segment {
	return &Segment{
		TurnID:     turnID,
		Audio:      audio,
		SampleRate: sampleRate,
		Priority:   priority,
		done:       make(chan struct{}),
	}
}

// SegmentFromSamples wraps a fully synthesized buffer into a Segment whose
// Audio channel yields chunks of at most chunk duration.
func SegmentFromSamples(turnID string, samples []float32, sampleRate, priority int, chunk time.Duration) *Segment {
	n := DurationSamples(chunk, sampleRate)
	if n <= 0 {
		n = len(samples)
	}
	ch := make(chan []float32, len(samples)/max(n, 1)+1)
	for off := 0; off < len(samples); off += n {
		end := min(off+n, len(samples))
		ch <- samples[off:end]
	}
	close(ch)
	return NewSegment(turnID, ch, sampleRate, priority)
}

// Err returns the error that caused the Audio channel to close prematurely
// or the playback sink to fail, or nil if the segment played cleanly.
func (s *Segment) Err() error {
	if p := s.streamErr.Load(); p != nil {
		return *p
	}
	return nil
}

// SetStreamErr records a mid-stream error. The producer should call this
// before closing the Audio channel.
func (s *Segment) SetStreamErr(err error) {
	s.streamErr.Store(&err)
}

// Done returns a channel that is closed once the segment stops playing, either
// naturally, by interruption, or because the mixer was closed.
func (s *Segment) Done() <-chan struct{} {
	return s.done
}

// Interrupted reports whether playback was cut short by [Mixer.Interrupt],
// preemption, or mixer shutdown.
func (s *Segment) Interrupted() bool {
	return s.interrupted.Load()
}

// Finish marks the segment as no longer playing. Mixer implementations call
// this exactly once per segment; later calls are no-ops.
func (s *Segment) Finish(interrupted bool) {
	s.doneOnce.Do(func() {
		if interrupted {
			s.interrupted.Store(true)
		}
		if s.done != nil {
			close(s.done)
		}
	})
}

// Mixer owns the playback sink and arbitrates between queued utterances,
// ensuring that only one segment plays at a time and that high-priority
// speech (safety interventions) can interrupt lower-priority speech.
//
// Implementations must be safe for concurrent use.
type Mixer interface {
	// Enqueue schedules segment for playback. The priority parameter overrides
	// segment.Priority. If the new segment has higher priority than the one
	// currently playing, the current segment is interrupted with
	// [SafetyOverride] semantics.
	Enqueue(segment *Segment, priority int)

	// Interrupt immediately stops the currently playing segment for the given
	// reason. If nothing is playing, Interrupt only applies the reason's queue
	// policy.
	Interrupt(reason InterruptReason)

	// Playing reports whether a segment is currently being played.
	Playing() bool

	// SetGap configures the minimum silence duration inserted between
	// consecutive segments. Changes take effect before the next segment starts.
	SetGap(d time.Duration)
}
