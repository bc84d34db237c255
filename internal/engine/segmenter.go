package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/attune/pkg/provider/vad"
)

// SegmenterConfig bounds speech spans.
type SegmenterConfig struct {
	// TrailingSilence ends a span.
	TrailingSilence time.Duration `yaml:"trailing_silence"`

	// MinSpeech discards shorter spans as noise.
	MinSpeech time.Duration `yaml:"min_speech"`

	// MaxSpeech force-ends a span that reaches it.
	MaxSpeech time.Duration `yaml:"max_speech"`

	// PreRoll keeps audio captured just before the onset so that soft
	// leading consonants are not clipped.
	PreRoll time.Duration `yaml:"pre_roll"`
}

// DefaultSegmenterConfig returns conversational defaults.
func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		TrailingSilence: 700 * time.Millisecond,
		MinSpeech:       250 * time.Millisecond,
		MaxSpeech:       30 * time.Second,
		PreRoll:         200 * time.Millisecond,
	}
}

// Validate reports inconsistent bounds.
func (c SegmenterConfig) Validate() error {
	var errs []error
	if c.TrailingSilence <= 0 {
		errs = append(errs, fmt.Errorf("trailing_silence must be > 0, got %v", c.TrailingSilence))
	}
	if c.MinSpeech < 0 || c.PreRoll < 0 {
		errs = append(errs, errors.New("min_speech and pre_roll must not be negative"))
	}
	if c.MaxSpeech <= c.MinSpeech {
		errs = append(errs, fmt.Errorf("max_speech (%v) must exceed min_speech (%v)", c.MaxSpeech, c.MinSpeech))
	}
	return errors.Join(errs...)
}

// SegmentKind classifies a [SegmentEvent].
type SegmentKind int

const (
	SegmentNone SegmentKind = iota
	SegmentStarted
	SegmentEnded
	SegmentDiscarded
)

// SegmentEvent is the outcome of feeding the segmenter.
type SegmentEvent struct {
	Kind SegmentKind

	// Audio holds the span's samples on SegmentEnded. The slice is owned by
	// the receiver.
	Audio      []float32
	SampleRate int

	// Speech is the time from onset to the last speech frame.
	Speech time.Duration

	// Forced is set when the span hit MaxSpeech.
	Forced bool
}

// Segmenter turns a frame stream into speech spans. A rising VAD edge opens
// a span; TrailingSilence of silence closes it. Silence is measured both in
// audio time and on the wall clock via [Segmenter.Tick], because a gated bus
// stops delivering silent frames altogether.
//
// Every opened span yields exactly one SegmentEnded or SegmentDiscarded.
// Segmenter is safe for concurrent use.
type Segmenter struct {
	cfg SegmenterConfig
	vad vad.SessionHandle

	mu         sync.Mutex
	rate       int
	inSpan     bool
	buf        []float32
	preroll    []float32
	speech     time.Duration // onset to last speech frame
	silence    time.Duration // audio time since the last speech frame
	lastSpeech time.Time     // wall clock of the last speech frame
}

// NewSegmenter wraps a VAD session. The segmenter owns the session and
// closes it in [Segmenter.Close].
func NewSegmenter(cfg SegmenterConfig, session vad.SessionHandle) *Segmenter {
	return &Segmenter{cfg: cfg, vad: session}
}

// InSpan reports whether a speech span is open.
func (s *Segmenter) InSpan() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inSpan
}

// Push classifies one frame.
func (s *Segmenter) Push(samples []float32, sampleRate int, now time.Time) (SegmentEvent, error) {
	if sampleRate <= 0 {
		return SegmentEvent{}, fmt.Errorf("segmenter: invalid sample rate %d", sampleRate)
	}
	ev, err := s.vad.ProcessFrame(samples)
	if err != nil {
		return SegmentEvent{}, fmt.Errorf("segmenter: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rate != 0 && s.rate != sampleRate {
		s.resetLocked()
	}
	s.rate = sampleRate
	d := time.Duration(len(samples)) * time.Second / time.Duration(sampleRate)

	if !s.inSpan {
		if !ev.IsSpeech() {
			s.keepPreRollLocked(samples)
			return SegmentEvent{}, nil
		}
		s.inSpan = true
		s.buf = append(s.buf[:0], s.preroll...)
		s.preroll = s.preroll[:0]
		s.buf = append(s.buf, samples...)
		s.speech, s.silence, s.lastSpeech = d, 0, now
		return SegmentEvent{Kind: SegmentStarted, SampleRate: sampleRate}, nil
	}

	s.buf = append(s.buf, samples...)
	if ev.IsSpeech() {
		s.speech += s.silence + d
		s.silence = 0
		s.lastSpeech = now
	} else {
		s.silence += d
	}

	switch {
	case s.speech >= s.cfg.MaxSpeech:
		return s.closeLocked(true), nil
	case s.silence >= s.cfg.TrailingSilence:
		return s.closeLocked(false), nil
	}
	return SegmentEvent{}, nil
}

// Tick closes the open span when no speech frame arrived for
// TrailingSilence of wall-clock time.
func (s *Segmenter) Tick(now time.Time) SegmentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inSpan || now.Sub(s.lastSpeech) < s.cfg.TrailingSilence {
		return SegmentEvent{}
	}
	return s.closeLocked(false)
}

// Reset abandons any open span and clears the VAD history.
func (s *Segmenter) Reset() {
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
	s.vad.Reset()
}

// Close releases the VAD session.
func (s *Segmenter) Close() error {
	s.Reset()
	return s.vad.Close()
}

func (s *Segmenter) closeLocked(forced bool) SegmentEvent {
	ev := SegmentEvent{SampleRate: s.rate, Speech: s.speech, Forced: forced}
	if s.speech < s.cfg.MinSpeech {
		ev.Kind = SegmentDiscarded
	} else {
		ev.Kind = SegmentEnded
		ev.Audio = make([]float32, len(s.buf))
		copy(ev.Audio, s.buf)
	}
	s.inSpan = false
	s.buf = s.buf[:0]
	s.speech, s.silence = 0, 0
	return ev
}

func (s *Segmenter) keepPreRollLocked(samples []float32) {
	limit := int(s.cfg.PreRoll * time.Duration(s.rate) / time.Second)
	if limit <= 0 {
		return
	}
	s.preroll = append(s.preroll, samples...)
	if over := len(s.preroll) - limit; over > 0 {
		s.preroll = append(s.preroll[:0], s.preroll[over:]...)
	}
}

func (s *Segmenter) resetLocked() {
	s.inSpan = false
	s.buf = s.buf[:0]
	s.preroll = s.preroll[:0]
	s.speech, s.silence = 0, 0
	s.lastSpeech = time.Time{}
}
