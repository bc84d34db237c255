package engine

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/attune/internal/observe"
	"github.com/MrWong99/attune/internal/safety"
	"github.com/MrWong99/attune/internal/voice"
	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/provider/tts"
	"github.com/MrWong99/attune/pkg/sessionlog"
)

// intervention describes why crisis handling was entered.
type intervention struct {
	tier safety.Tier

	// trigger is "emotion", "keyword" or "generation".
	trigger string
	detail  string

	// replyTo is the patient turn that triggered it, if any.
	replyTo string

	assessment safety.Assessment
	pause      bool
}

// intervene preempts the conversation from any running state. It reports
// whether a new intervention was started; an intervention already in
// progress only picks up a pause request.
func (e *Engine) intervene(iv intervention) bool {
	e.mu.Lock()
	switch e.state {
	case StateIdle, StateCrisisPaused:
		e.mu.Unlock()
		return false
	case StateCrisisMode:
		e.pause = e.pause || iv.pause
		e.mu.Unlock()
		return false
	}
	if err := e.setStateLocked(StateCrisisMode); err != nil {
		e.mu.Unlock()
		return false
	}
	e.gen++
	gen := e.gen
	if e.turnCancel != nil {
		e.turnCancel()
	}
	ctx, cancel := context.WithCancel(e.ctx)
	e.turnCancel = cancel
	e.pause = iv.pause
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer cancel()
		e.runIntervention(ctx, gen, iv)
	}()
	return true
}

func (e *Engine) runIntervention(ctx context.Context, gen uint64, iv intervention) {
	if iv.assessment.Timestamp.IsZero() {
		iv.assessment = e.deps.Monitor.Last()
	}
	e.deps.Monitor.Escalate(iv.tier)
	slog.Warn("engine: crisis intervention",
		"session_id", e.SessionID(), "tier", iv.tier, "trigger", iv.trigger, "detail", iv.detail, "score", iv.assessment.Score)
	e.metrics.RecordIntervention(ctx, iv.tier.String(), iv.trigger)

	e.deps.Mixer.Interrupt(audio.SafetyOverride)
	e.metrics.Interruptions.Add(ctx, 1, metric.WithAttributes(observe.Attr("reason", "safety")))

	e.emit(Event{Type: EventCrisis, TurnID: iv.replyTo, Tier: iv.tier, Trigger: iv.trigger, Text: iv.detail})
	record := crisisRecord(iv.assessment, iv.trigger)
	if record == nil {
		record = &sessionlog.Crisis{Trigger: iv.trigger}
	}
	record.Tier = iv.tier.String()
	e.appendTurn(sessionlog.Turn{
		Role:     sessionlog.RoleSystem,
		ReplyTo:  iv.replyTo,
		Emotion:  e.latestEmotion(),
		Crisis:   record,
		Metadata: map[string]string{"event": "crisis", "detail": iv.detail},
	})

	text := e.cfg.Utterances.Intervention
	e.mu.Lock()
	if e.pause {
		text += " " + e.cfg.Utterances.HandOff
	}
	e.mu.Unlock()

	if e.isDegraded() {
		e.deliverText(iv.replyTo, text, sessionlog.Timing{}, false)
		e.finishIntervention(gen)
		return
	}

	profile := voice.WithIdentity(voice.Crisis(), e.baseVoice())
	res, took, err := e.synthesize(ctx, e.cfg.Retry.Synthesis, tts.Request{
		Text:     text,
		Voice:    profile,
		Quality:  e.quality(),
		Priority: PriorityCrisis,
		Tag:      "crisis",
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		e.crisisFailed(gen, iv, text, &CrisisHandlingError{Tier: iv.tier, Err: err})
		return
	}

	e.emit(Event{Type: EventResponse, TurnID: iv.replyTo, Text: text, Voice: &profile, Tier: iv.tier})
	interrupted, played, perr := e.play(ctx, iv.replyTo, res, PriorityCrisis)
	e.appendTurn(sessionlog.Turn{
		Role:        sessionlog.RoleCompanion,
		Text:        text,
		ReplyTo:     iv.replyTo,
		Synthesis:   synthesisRecord(profile, string(voice.RuleCrisis), "crisis", res),
		Crisis:      record,
		Timing:      sessionlog.Timing{Synthesis: took, Playback: played},
		Interrupted: interrupted,
	})
	if ctx.Err() != nil {
		return
	}
	if perr != nil {
		e.crisisFailed(gen, iv, text, &CrisisHandlingError{Tier: iv.tier, Err: perr})
		return
	}
	e.finishIntervention(gen)
}

func (e *Engine) finishIntervention(gen uint64) {
	e.mu.Lock()
	pause := e.pause
	e.mu.Unlock()
	if pause {
		if e.advance(gen, StateCrisisPaused) {
			slog.Warn("engine: session paused for human hand-off", "session_id", e.SessionID())
		}
		return
	}
	e.advance(gen, StateListening)
}

// crisisFailed ends the session: continuing a conversation that could not
// deliver a crisis intervention is not safe.
func (e *Engine) crisisFailed(gen uint64, iv intervention, text string, err *CrisisHandlingError) {
	slog.Error("engine: crisis intervention failed, ending session", "session_id", e.SessionID(), "err", err)
	e.emit(Event{Type: EventError, TurnID: iv.replyTo, Tier: iv.tier, Err: err})
	e.deliverText(iv.replyTo, text, sessionlog.Timing{}, false)
	e.advance(gen, StateError)
	e.halt("crisis intervention failed")
}

// checkIn delivers the soft-tier intervention: a gentle question queued
// behind whatever is playing, without interrupting the turn.
func (e *Engine) checkIn(a safety.Assessment) {
	e.mu.Lock()
	switch e.state {
	case StateIdle, StateCrisisMode, StateCrisisPaused:
		e.mu.Unlock()
		return
	}
	ctx := e.ctx
	degraded := e.degraded
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		text := e.cfg.Utterances.CheckIn
		slog.Info("engine: soft crisis check-in", "session_id", e.SessionID(), "score", a.Score)
		e.metrics.RecordIntervention(ctx, safety.TierSoft.String(), "emotion")
		e.emit(Event{Type: EventCrisis, Tier: safety.TierSoft, Trigger: "emotion"})

		record := crisisRecord(a, "emotion")
		if degraded {
			e.deliverText("", text, sessionlog.Timing{}, false)
			return
		}
		profile, rule := e.adaptVoice(e.latestEmotion())
		res, took, err := e.synthesize(ctx, e.cfg.Retry.Synthesis, tts.Request{
			Text:     text,
			Voice:    profile,
			Quality:  e.quality(),
			Priority: PriorityReply,
			Tag:      "soft",
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("engine: check-in synthesis failed, delivering text", "session_id", e.SessionID(), "err", err)
			e.deliverText("", text, sessionlog.Timing{Synthesis: took}, false)
			return
		}
		seg := audio.SegmentFromSamples("check-in", res.Audio, res.SampleRate, PriorityReply, e.cfg.PlaybackChunk)
		e.deps.Mixer.Enqueue(seg, PriorityReply)
		e.appendTurn(sessionlog.Turn{
			Role:      sessionlog.RoleCompanion,
			Text:      text,
			Synthesis: synthesisRecord(profile, string(rule), "soft", res),
			Crisis:    record,
			Timing:    sessionlog.Timing{Synthesis: took},
		})
	}()
}
