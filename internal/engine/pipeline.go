package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/attune/internal/observe"
	"github.com/MrWong99/attune/internal/resilience"
	"github.com/MrWong99/attune/internal/responder"
	"github.com/MrWong99/attune/internal/safety"
	"github.com/MrWong99/attune/internal/voice"
	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/provider/emotion"
	"github.com/MrWong99/attune/pkg/provider/stt"
	"github.com/MrWong99/attune/pkg/provider/tts"
	"github.com/MrWong99/attune/pkg/sessionlog"
)

// turnInput is either a speech span or typed text.
type turnInput struct {
	audio []float32
	rate  int
	text  string

	// ended is when the patient stopped speaking.
	ended time.Time
}

// beginTurn claims the listening state and runs the turn on its own
// goroutine.
func (e *Engine) beginTurn(in turnInput) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateIdle:
		return ErrNotRunning
	case StateListening:
	default:
		return ErrBusy
	}
	if err := e.setStateLocked(StateProcessingSTT); err != nil {
		return err
	}
	e.gen++
	gen := e.gen
	ctx, cancel := context.WithCancel(e.ctx)
	e.turnCancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.runTurn(ctx, gen, in)
	}()
	return nil
}

func (e *Engine) runTurn(ctx context.Context, gen uint64, in turnInput) {
	var (
		timing sessionlog.Timing
		tr     *sessionlog.Transcription
		text   = in.text
	)

	if text == "" {
		res, took, err := e.transcribe(ctx, in)
		timing.Transcription = took
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, stt.ErrNoSpeech):
			e.advance(gen, StateListening)
			return
		case err != nil:
			e.fail(ctx, gen, &TranscriptionError{Err: err}, "transcription", "", "")
			return
		}
		text = strings.TrimSpace(res.Text)
		if text == "" || res.Confidence < e.cfg.MinConfidence {
			slog.Info("engine: transcript dropped", "session_id", e.SessionID(), "confidence", res.Confidence, "empty", text == "")
			e.advance(gen, StateListening)
			return
		}
		tr = &sessionlog.Transcription{
			Confidence:    res.Confidence,
			Language:      res.Language,
			AudioDuration: res.Quality.Duration,
			RMS:           res.Quality.RMS,
			Peak:          res.Quality.Peak,
		}
	}

	emo := e.latestEmotion()
	patient := e.appendTurn(sessionlog.Turn{
		Role:          sessionlog.RolePatient,
		Text:          text,
		Transcription: tr,
		Emotion:       emo,
		Crisis:        crisisRecord(e.deps.Monitor.Last(), ""),
		Timing:        timing,
	})
	e.emit(Event{Type: EventTranscript, TurnID: patient.ID, Text: text})

	if m, ok := e.deps.Monitor.Scanner().Scan(text); ok {
		slog.Warn("engine: crisis phrase in transcript", "session_id", e.SessionID(), "phrase", m.Phrase, "match", m.Kind)
		e.intervene(intervention{tier: safety.TierInterrupt, trigger: "keyword", detail: m.Phrase, replyTo: patient.ID})
		return
	}

	if !e.advance(gen, StateAIProcessing) {
		return
	}
	resp, took, err := e.generate(ctx, text, emo)
	timing.Generation = took
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		e.fail(ctx, gen, &GenerationError{Err: err}, "generation", patient.ID, "")
		return
	}
	if resp.Crisis {
		e.intervene(intervention{tier: safety.TierInterrupt, trigger: "generation", detail: resp.Metadata["crisis_reason"], replyTo: patient.ID})
		return
	}

	if e.isDegraded() {
		e.deliverText(patient.ID, resp.Message, timing, false)
		e.advance(gen, StateListening)
		return
	}

	if !e.advance(gen, StateSynthesizing) {
		return
	}
	profile, rule := e.adaptVoice(emo)
	res, took, err := e.synthesize(ctx, e.cfg.Retry.Synthesis, tts.Request{
		Text:     resp.Message,
		Voice:    profile,
		Quality:  e.quality(),
		Priority: PriorityReply,
		Tag:      "reply",
	})
	timing.Synthesis = took
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		e.fail(ctx, gen, &SynthesisError{Stage: "synthesis", Err: err}, "synthesis", patient.ID, resp.Message)
		return
	}

	if !e.advance(gen, StateSpeaking) {
		return
	}
	e.metrics.TurnDuration.Record(ctx, e.now().Sub(in.ended).Seconds())
	e.emit(Event{Type: EventResponse, TurnID: patient.ID, Text: resp.Message, Voice: &profile})

	interrupted, played, perr := e.play(ctx, patient.ID, res, PriorityReply)
	timing.Playback = played
	timing.Total = e.now().Sub(in.ended)
	e.appendTurn(sessionlog.Turn{
		Role:        sessionlog.RoleCompanion,
		Text:        resp.Message,
		ReplyTo:     patient.ID,
		Synthesis:   synthesisRecord(profile, string(rule), "reply", res),
		Timing:      timing,
		Interrupted: interrupted,
		Metadata:    resp.Metadata,
	})
	if perr != nil && ctx.Err() == nil {
		e.fail(ctx, gen, &SynthesisError{Stage: "playback", Err: perr}, "playback", patient.ID, resp.Message)
		return
	}
	e.advance(gen, StateListening)
}

// fail moves a failed turn through error and back to listening. The
// patient always gets an answer: the reply as text when only audio failed
// in degraded mode, otherwise a scripted fallback line.
func (e *Engine) fail(ctx context.Context, gen uint64, err error, stage, replyTo, reply string) {
	slog.Warn("engine: turn failed", "session_id", e.SessionID(), "stage", stage, "err", err)
	if !e.advance(gen, StateError) {
		return
	}
	e.emit(Event{Type: EventError, TurnID: replyTo, Err: err})

	var serr *SynthesisError
	if e.cfg.DegradedMode && reply != "" && errors.As(err, &serr) {
		e.deliverText(replyTo, reply, sessionlog.Timing{}, false)
	} else {
		e.speakFallback(ctx, stage, replyTo)
	}
	e.advance(gen, StateListening)
}

func (e *Engine) speakFallback(ctx context.Context, stage, replyTo string) {
	lines := e.cfg.Utterances.Fallback
	text := lines[int(e.fallback.Add(1)-1)%len(lines)]
	e.metrics.FallbackUtterances.Add(ctx, 1, metric.WithAttributes(observe.Attr("stage", stage)))
	e.emit(Event{Type: EventFallback, TurnID: replyTo, Text: text})

	if e.isDegraded() {
		e.deliverText(replyTo, text, sessionlog.Timing{}, true)
		return
	}

	// One attempt: the fallback exists because a collaborator is already
	// struggling.
	policy := e.cfg.Retry.Synthesis
	policy.MaxAttempts = 1
	profile, rule := e.adaptVoice(e.latestEmotion())
	res, took, err := e.synthesize(ctx, policy, tts.Request{
		Text:     text,
		Voice:    profile,
		Quality:  e.quality(),
		Priority: PriorityReply,
		Tag:      "fallback",
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		slog.Warn("engine: fallback synthesis failed, delivering text", "session_id", e.SessionID(), "err", err)
		e.deliverText(replyTo, text, sessionlog.Timing{Synthesis: took}, true)
		return
	}
	interrupted, played, _ := e.play(ctx, replyTo, res, PriorityReply)
	e.appendTurn(sessionlog.Turn{
		Role:        sessionlog.RoleCompanion,
		Text:        text,
		ReplyTo:     replyTo,
		Synthesis:   synthesisRecord(profile, string(rule), "fallback", res),
		Timing:      sessionlog.Timing{Synthesis: took, Playback: played},
		Interrupted: interrupted,
		Fallback:    true,
	})
}

// deliverText hands a reply to the text channel instead of the speaker.
func (e *Engine) deliverText(replyTo, text string, timing sessionlog.Timing, fallback bool) {
	e.emit(Event{Type: EventTextResponse, TurnID: replyTo, Text: text})
	e.appendTurn(sessionlog.Turn{
		Role:     sessionlog.RoleCompanion,
		Text:     text,
		ReplyTo:  replyTo,
		Timing:   timing,
		Fallback: fallback,
		Metadata: map[string]string{"delivery": "text"},
	})
}

// ─── collaborator calls ──────────────────────────────────────────────────────

func (e *Engine) transcribe(ctx context.Context, in turnInput) (*stt.Result, time.Duration, error) {
	start := time.Now()
	req := stt.Request{Audio: in.audio, SampleRate: in.rate, Language: e.cfg.Language}
	res, err := resilience.RetryValue(ctx, e.cfg.Retry.Transcription, "stt", func(ctx context.Context) (*stt.Result, error) {
		var out *stt.Result
		err := e.metrics.TrackCall(ctx, "stt", "transcribe", e.names.STT, e.metrics.STTDuration, func(ctx context.Context) error {
			r, err := e.deps.STT.Transcribe(ctx, req)
			switch {
			case errors.Is(err, stt.ErrNoSpeech):
				return resilience.Permanent(err)
			case err != nil:
				return err
			case r == nil:
				return errors.New("empty result")
			}
			out = r
			return nil
		})
		return out, err
	})
	return res, time.Since(start), err
}

func (e *Engine) generate(ctx context.Context, text string, emo *emotion.Sample) (*responder.Response, time.Duration, error) {
	start := time.Now()
	req := responder.Request{Utterance: text, SessionID: e.SessionID(), Emotion: emo}
	res, err := resilience.RetryValue(ctx, e.cfg.Retry.Generation, "responder", func(ctx context.Context) (*responder.Response, error) {
		var out *responder.Response
		err := e.metrics.TrackCall(ctx, "llm", "respond", e.names.Responder, e.metrics.LLMDuration, func(ctx context.Context) error {
			r, err := e.deps.Responder.Respond(ctx, req)
			switch {
			case err != nil:
				return err
			case r == nil || (strings.TrimSpace(r.Message) == "" && !r.Crisis):
				return responder.ErrEmptyResponse
			}
			out = r
			return nil
		})
		return out, err
	})
	return res, time.Since(start), err
}

func (e *Engine) synthesize(ctx context.Context, policy resilience.RetryPolicy, req tts.Request) (*tts.Result, time.Duration, error) {
	start := time.Now()
	res, err := resilience.RetryValue(ctx, policy, "tts", func(ctx context.Context) (*tts.Result, error) {
		var out *tts.Result
		err := e.metrics.TrackCall(ctx, "tts", "synthesize", e.names.TTS, e.metrics.TTSDuration, func(ctx context.Context) error {
			r, err := e.deps.TTS.Synthesize(ctx, req)
			switch {
			case errors.Is(err, tts.ErrEmptyText):
				return resilience.Permanent(err)
			case err != nil:
				return err
			case r == nil || len(r.Audio) == 0 || r.SampleRate <= 0:
				return errors.New("empty audio")
			}
			out = r
			return nil
		})
		return out, err
	})
	return res, time.Since(start), err
}

// play enqueues res and waits until it stops playing, the turn is
// cancelled, or the audio duration plus PlaybackSlack has passed.
func (e *Engine) play(ctx context.Context, turnID string, res *tts.Result, priority int) (interrupted bool, played time.Duration, err error) {
	seg := audio.SegmentFromSamples(turnID, res.Audio, res.SampleRate, priority, e.cfg.PlaybackChunk)

	e.mu.Lock()
	e.playing = seg
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		if e.playing == seg {
			e.playing = nil
		}
		e.mu.Unlock()
	}()

	start := time.Now()
	e.deps.Mixer.Enqueue(seg, priority)

	timeout := time.NewTimer(res.Duration + e.cfg.PlaybackSlack)
	defer timeout.Stop()
	select {
	case <-seg.Done():
		return seg.Interrupted(), time.Since(start), seg.Err()
	case <-ctx.Done():
		return true, time.Since(start), nil
	case <-timeout.C:
		return false, time.Since(start), errors.New("playback did not finish in time")
	}
}

// bargeIn cuts the companion off when the patient starts speaking over it.
func (e *Engine) bargeIn() {
	e.mu.Lock()
	playing := e.playing
	switch {
	case e.state == StateSpeaking:
	case e.state == StateListening && e.deps.Mixer.Playing():
	default:
		e.mu.Unlock()
		return
	}
	e.gen++
	gen := e.gen
	if e.turnCancel != nil {
		e.turnCancel()
		e.turnCancel = nil
	}
	_ = e.setStateLocked(StateInterrupted)
	e.mu.Unlock()

	start := time.Now()
	e.deps.Mixer.Interrupt(audio.PatientBargeIn)
	e.metrics.Interruptions.Add(context.Background(), 1, metric.WithAttributes(observe.Attr("reason", "barge_in")))
	e.emit(Event{Type: EventInterrupted})

	if playing != nil {
		wait := time.NewTimer(e.cfg.ResumeDelay)
		select {
		case <-playing.Done():
		case <-wait.C:
			slog.Warn("engine: playback still running after resume delay", "session_id", e.SessionID())
		}
		wait.Stop()
	}
	e.advance(gen, StateListening)
	slog.Debug("engine: barge-in handled", "session_id", e.SessionID(), "latency", time.Since(start))
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func (e *Engine) latestEmotion() *emotion.Sample {
	s := e.latest.Load()
	if s == nil {
		return nil
	}
	c := s.Clone()
	return &c
}

func (e *Engine) adaptVoice(s *emotion.Sample) (tts.VoiceProfile, voice.Rule) {
	p, rule := voice.Classify(voice.FromSample(s))
	return voice.WithIdentity(p, e.baseVoice()), rule
}

func (e *Engine) baseVoice() tts.VoiceProfile {
	return tts.VoiceProfile{ID: e.cfg.VoiceID, Provider: e.cfg.VoiceProvider}
}

func (e *Engine) quality() tts.Quality {
	return tts.Quality{SampleRate: e.cfg.OutputSampleRate, Tier: tts.QualityStandard}
}

func (e *Engine) appendTurn(t sessionlog.Turn) sessionlog.Turn {
	out, err := e.deps.Log.Append(t)
	if err != nil {
		slog.Error("engine: session log append", "session_id", e.SessionID(), "err", err)
	}
	return out
}

func synthesisRecord(p tts.VoiceProfile, rule, tag string, res *tts.Result) *sessionlog.Synthesis {
	return &sessionlog.Synthesis{
		Voice:    p,
		Rule:     rule,
		Duration: res.Duration,
		Size:     res.Size,
		CacheHit: res.CacheHit,
		Tag:      tag,
	}
}

func crisisRecord(a safety.Assessment, trigger string) *sessionlog.Crisis {
	if a.Timestamp.IsZero() {
		return nil
	}
	c := &sessionlog.Crisis{Score: a.Score, Tier: a.Tier.String(), Trigger: trigger}
	for _, f := range a.Factors {
		c.Factors = append(c.Factors, sessionlog.Factor{Name: f.Name, Value: f.Value, Weight: f.Weight})
	}
	return c
}
