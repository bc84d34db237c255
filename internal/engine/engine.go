// Package engine runs one spoken conversation end to end.
//
// An [Engine] holds one consumer slot on the audio bus. Frames pass through a
// [Segmenter]; every finished speech span becomes a turn that runs through
// transcription, response generation, emotion-adapted synthesis and playback
// on its own cancellable goroutine. The conversation state is a single
// [State] guarded by the transition table in state.go.
//
// The crisis monitor runs beside the turn loop: every emotion sample passed
// to [Engine.ObserveEmotion] is scored, and a raised tier preempts whatever
// the engine is doing. Crisis keywords in a transcript and a crisis flag from
// response generation escalate the same way.
//
// Every collaborator call runs under the per-collaborator retry policy with a
// per-attempt timeout. When retries are exhausted the patient hears a
// scripted fallback line instead of silence.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/attune/internal/bus"
	"github.com/MrWong99/attune/internal/observe"
	"github.com/MrWong99/attune/internal/responder"
	"github.com/MrWong99/attune/internal/safety"
	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/provider/emotion"
	"github.com/MrWong99/attune/pkg/provider/stt"
	"github.com/MrWong99/attune/pkg/provider/tts"
	"github.com/MrWong99/attune/pkg/provider/vad"
	"github.com/MrWong99/attune/pkg/provider/vad/energy"
	"github.com/MrWong99/attune/pkg/sessionlog"
)

// Deps are the collaborators of one conversation.
type Deps struct {
	STT       stt.Provider
	Responder responder.Responder
	TTS       tts.Provider

	// Mixer owns the playback sink.
	Mixer audio.Mixer

	Monitor *safety.Monitor
	Log     *sessionlog.Log

	// VAD creates the segmenter's detector. Defaults to the adaptive energy
	// detector.
	VAD vad.Engine
}

func (d Deps) validate() error {
	var errs []error
	if d.STT == nil {
		errs = append(errs, errors.New("stt provider is required"))
	}
	if d.Responder == nil {
		errs = append(errs, errors.New("responder is required"))
	}
	if d.TTS == nil {
		errs = append(errs, errors.New("tts provider is required"))
	}
	if d.Mixer == nil {
		errs = append(errs, errors.New("mixer is required"))
	}
	if d.Monitor == nil {
		errs = append(errs, errors.New("crisis monitor is required"))
	}
	if d.Log == nil {
		errs = append(errs, errors.New("session log is required"))
	}
	return errors.Join(errs...)
}

// ProviderNames label collaborator metrics and spans.
type ProviderNames struct {
	STT       string
	Responder string
	TTS       string
}

// Option configures an [Engine].
type Option func(*Engine)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithProviderNames sets the provider labels used in metrics.
func WithProviderNames(n ProviderNames) Option {
	return func(e *Engine) { e.names = n }
}

// Engine is one conversation. All methods are safe for concurrent use.
type Engine struct {
	cfg     Config
	deps    Deps
	metrics *observe.Metrics
	now     func() time.Time
	names   ProviderNames
	seg     *Segmenter
	events  chan Event

	latest   atomic.Pointer[emotion.Sample]
	fallback atomic.Uint64

	mu    sync.Mutex
	state State
	ctx   context.Context
	stop  context.CancelFunc

	// gen identifies the goroutine allowed to move the state. It is bumped
	// whenever a turn or intervention is superseded.
	gen        uint64
	turnCancel context.CancelFunc
	playing    *audio.Segment
	degraded   bool
	pause      bool

	wg sync.WaitGroup
}

// New validates cfg and deps and returns an idle engine.
func New(cfg Config, deps Deps, opts ...Option) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: config: %w", err)
	}
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if deps.VAD == nil {
		deps.VAD = energy.New()
	}
	session, err := deps.VAD.NewSession(cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("engine: vad session: %w", err)
	}

	e := &Engine{
		cfg:    cfg,
		deps:   deps,
		now:    time.Now,
		names:  ProviderNames{STT: "stt", Responder: "responder", TTS: "tts"},
		seg:    NewSegmenter(cfg.Segmentation, session),
		events: make(chan Event, cfg.EventBuffer),
		state:  StateIdle,
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e, nil
}

// ─── lifecycle ───────────────────────────────────────────────────────────────

// Start moves the engine from idle to listening. The session runs until
// [Engine.Stop] or until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateIdle {
		return fmt.Errorf("engine: start: already %s", e.state)
	}
	e.ctx, e.stop = context.WithCancel(ctx)
	e.gen++
	e.degraded, e.pause = false, false
	e.seg.Reset()
	if err := e.setStateLocked(StateListening); err != nil {
		e.stop()
		return err
	}
	e.metrics.ActiveSessions.Add(ctx, 1)

	e.wg.Add(1)
	go e.tick(e.ctx)
	slog.Info("engine: session started", "session_id", e.SessionID())
	return nil
}

// Stop ends the session from any state. The engine is idle when Stop
// returns and no collaborator is called afterwards. Stop is idempotent.
func (e *Engine) Stop() {
	e.halt("stopped")
	e.wg.Wait()
}

// Close stops the session and releases the VAD session.
func (e *Engine) Close() error {
	e.Stop()
	return e.seg.Close()
}

// halt moves to idle without waiting for in-flight goroutines, so that it
// can be called from them.
func (e *Engine) halt(reason string) { e.haltSession(nil, reason) }

// haltSession is halt restricted to the session whose context is ctx. A nil
// ctx matches any session.
func (e *Engine) haltSession(ctx context.Context, reason string) {
	e.mu.Lock()
	if e.state == StateIdle || (ctx != nil && ctx != e.ctx) {
		e.mu.Unlock()
		return
	}
	e.gen++
	if e.turnCancel != nil {
		e.turnCancel()
		e.turnCancel = nil
	}
	e.stop()
	_ = e.setStateLocked(StateIdle)
	e.playing = nil
	e.mu.Unlock()

	e.deps.Mixer.Interrupt(audio.SessionStop)
	e.seg.Reset()
	e.metrics.ActiveSessions.Add(context.Background(), -1)
	slog.Info("engine: session ended", "session_id", e.SessionID(), "reason", reason)
}

// Resume leaves crisis-paused after a human hand-off and clears the crisis
// history.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateCrisisPaused {
		return ErrNotPaused
	}
	e.gen++
	e.pause = false
	if err := e.setStateLocked(StateListening); err != nil {
		return err
	}
	e.deps.Monitor.Reset()
	e.seg.Reset()
	slog.Info("engine: session resumed after hand-off", "session_id", e.SessionID())
	return nil
}

// ─── accessors ───────────────────────────────────────────────────────────────

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SessionID returns the id of the session log.
func (e *Engine) SessionID() string { return e.deps.Log.SessionID() }

// Events returns the event stream. The channel is never closed; events are
// dropped when the reader falls behind.
func (e *Engine) Events() <-chan Event { return e.events }

// Status is a snapshot for status endpoints.
type Status struct {
	SessionID string      `json:"session_id"`
	State     State       `json:"state"`
	Degraded  bool        `json:"degraded"`
	Crisis    safety.Tier `json:"crisis_tier"`
	Score     float64     `json:"crisis_score"`
	Turns     int         `json:"turns"`
}

// Status returns a snapshot of the conversation.
func (e *Engine) Status() Status {
	e.mu.Lock()
	st, degraded := e.state, e.degraded
	e.mu.Unlock()
	return Status{
		SessionID: e.SessionID(),
		State:     st,
		Degraded:  degraded,
		Crisis:    e.deps.Monitor.Active(),
		Score:     e.deps.Monitor.Last().Score,
		Turns:     e.deps.Log.Len(),
	}
}

// ─── inputs ──────────────────────────────────────────────────────────────────

// Registration returns the engine's consumer registration for the bus.
func (e *Engine) Registration(id string, priority int) bus.Registration {
	return bus.Registration{
		ID:       id,
		Name:     "conversation " + e.SessionID(),
		Category: bus.CategoryConversation,
		Priority: priority,
		Active:   true,
		Format:   audio.Format{SampleRate: e.cfg.VAD.SampleRate},
		Handler:  e.Handler(),
	}
}

// Handler returns the engine's bus consumer.
func (e *Engine) Handler() bus.Handler {
	return bus.HandlerFuncs{
		Frame: e.onFrame,
		Status: func(s bus.ConsumerStatus) {
			slog.Debug("engine: consumer status", "session_id", e.SessionID(), "active", s.Active, "healthy", s.Healthy)
		},
		Error: e.onAudioError,
	}
}

// ObserveEmotion feeds one affect sample to the crisis monitor and keeps it
// as the emotion context for generation and voice adaptation.
func (e *Engine) ObserveEmotion(s emotion.Sample) {
	s = s.Normalize()
	if s.Timestamp.IsZero() {
		s.Timestamp = e.now()
	}
	e.latest.Store(&s)

	d := e.deps.Monitor.Observe(s)
	if !e.running() {
		return
	}
	switch {
	case d.Cleared:
		e.emit(Event{Type: EventCrisisCleared})
	case d.Triggered && d.Active.Interrupts():
		e.intervene(intervention{
			tier:       d.Active,
			trigger:    "emotion",
			assessment: d.Assessment,
			pause:      d.Pause,
		})
	case d.Triggered && d.Active == safety.TierSoft:
		e.checkIn(d.Assessment)
	}
}

// SubmitText starts a turn from typed text, skipping transcription. It is
// the entry point of degraded text-only mode.
func (e *Engine) SubmitText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("engine: empty text")
	}
	return e.beginTurn(turnInput{text: text, ended: e.now()})
}

func (e *Engine) onFrame(samples []float32, sampleRate int) {
	switch e.State() {
	case StateIdle, StateCrisisPaused:
		return
	}
	ev, err := e.seg.Push(samples, sampleRate, e.now())
	if err != nil {
		slog.Warn("engine: segmenter", "session_id", e.SessionID(), "err", err)
		return
	}
	e.onSegment(ev)

	// A span opened before the reply reached the speaker has no rising edge
	// left to report, so it cuts playback as soon as speaking begins.
	if ev.Kind == SegmentNone && e.seg.InSpan() && e.State() == StateSpeaking {
		e.bargeIn()
	}
}

func (e *Engine) onSegment(ev SegmentEvent) {
	switch ev.Kind {
	case SegmentStarted:
		e.emit(Event{Type: EventSpeechStarted})
		e.bargeIn()
	case SegmentDiscarded:
		e.emit(Event{Type: EventSpeechDiscarded, Duration: ev.Speech})
	case SegmentEnded:
		e.emit(Event{Type: EventSpeechEnded, Duration: ev.Speech})
		if err := e.beginTurn(turnInput{audio: ev.Audio, rate: ev.SampleRate, ended: e.now()}); err != nil {
			slog.Info("engine: speech span ignored", "session_id", e.SessionID(), "reason", err)
		}
	}
}

func (e *Engine) onAudioError(msg string) {
	aerr := &AudioError{Message: msg}
	slog.Error("engine: audio subsystem failed", "session_id", e.SessionID(), "err", msg)

	e.mu.Lock()
	if e.state == StateIdle {
		e.mu.Unlock()
		return
	}
	if e.cfg.DegradedMode {
		already := e.degraded
		e.degraded = true
		e.mu.Unlock()
		e.seg.Reset()
		if !already {
			e.emit(Event{Type: EventError, Err: aerr})
			e.emit(Event{Type: EventDegraded, Text: "text-only"})
		}
		return
	}
	if CanTransition(e.state, StateError) {
		_ = e.setStateLocked(StateError)
	}
	e.mu.Unlock()
	e.emit(Event{Type: EventError, Err: aerr})
	e.halt("audio subsystem failed")
}

// tick closes speech spans on the wall clock while the bus withholds silent
// frames. It ends the session when the context given to Start is cancelled.
func (e *Engine) tick(ctx context.Context) {
	defer e.wg.Done()
	t := time.NewTicker(e.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			e.haltSession(ctx, "context cancelled")
			return
		case <-t.C:
			if ev := e.seg.Tick(e.now()); ev.Kind != SegmentNone {
				e.onSegment(ev)
			}
		}
	}
}

// ─── state ───────────────────────────────────────────────────────────────────

// setStateLocked applies one transition. The caller holds e.mu.
func (e *Engine) setStateLocked(to State) error {
	from := e.state
	if !CanTransition(from, to) {
		slog.Warn("engine: rejected state transition", "session_id", e.SessionID(), "from", from, "to", to)
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	e.state = to
	e.metrics.RecordTransition(context.Background(), from.String(), to.String())
	slog.Debug("engine: state", "session_id", e.SessionID(), "from", from, "to", to)
	e.emit(Event{Type: EventStateChanged, From: from, To: to})
	return nil
}

// advance moves the state on behalf of the goroutine holding gen. It fails
// once that goroutine has been superseded.
func (e *Engine) advance(gen uint64, to State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen || e.state == StateIdle {
		return false
	}
	return e.setStateLocked(to) == nil
}

func (e *Engine) running() bool {
	return e.State() != StateIdle
}

func (e *Engine) isDegraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.degraded
}

func (e *Engine) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	select {
	case e.events <- ev:
	default:
		slog.Debug("engine: event dropped", "session_id", e.SessionID(), "type", ev.Type)
	}
}
