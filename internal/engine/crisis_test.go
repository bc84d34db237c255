package engine

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/attune/internal/responder"
	respmock "github.com/MrWong99/attune/internal/responder/mock"
	"github.com/MrWong99/attune/internal/safety"
	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/provider/emotion"
	"github.com/MrWong99/attune/pkg/provider/stt"
	sttmock "github.com/MrWong99/attune/pkg/provider/stt/mock"
	"github.com/MrWong99/attune/pkg/provider/tts"
	ttsmock "github.com/MrWong99/attune/pkg/provider/tts/mock"
	"github.com/MrWong99/attune/pkg/sessionlog"
)

func calm(ts time.Time) emotion.Sample {
	return emotion.Sample{Timestamp: ts, Arousal: 0.3, Valence: 0, Confidence: 0.9}
}

// distressed scores above the immediate threshold when it follows calm.
func distressed(ts time.Time) emotion.Sample {
	return emotion.Sample{
		Timestamp:      ts,
		Arousal:        0.9,
		Valence:        -0.85,
		Basic:          map[string]float64{emotion.Fear: 0.8},
		Confidence:     0.9,
		DominantSource: emotion.SourceVoice,
	}
}

func crisisRequests(reqs []tts.Request) []tts.Request {
	var out []tts.Request
	for _, r := range reqs {
		if r.Tag == "crisis" {
			out = append(out, r)
		}
	}
	return out
}

func assertCrisisVoice(t *testing.T, r tts.Request) {
	t.Helper()
	if r.Voice.Warmth < 0.95 || r.Voice.Pace != tts.PaceSlow {
		t.Fatalf("crisis voice = warmth %v pace %v, want >= 0.95 and slow", r.Voice.Warmth, r.Voice.Pace)
	}
	if r.Priority != PriorityCrisis {
		t.Fatalf("crisis priority = %d, want %d", r.Priority, PriorityCrisis)
	}
}

func TestEngine_EscalatingConversation(t *testing.T) {
	h := newHarness(t, testConfig(), safety.DefaultConfig())
	h.stt.Results = []sttmock.Response{
		{Result: &stt.Result{Text: "I feel a bit nervous", Confidence: 0.9}},
		{Result: &stt.Result{Text: "I can't do this, help me now", Confidence: 0.9}},
	}
	h.start(t)

	h.eng.ObserveEmotion(calm(t0))
	h.speak()
	h.waitTurns(t, 2)
	h.waitState(t, StateListening)
	if n := len(crisisRequests(h.tts.Requests())); n != 0 {
		t.Fatalf("crisis requests after a calm turn = %d, want 0", n)
	}

	h.eng.ObserveEmotion(distressed(t0.Add(5 * time.Second)))
	ev := h.waitEvent(t, EventCrisis)
	if ev.Tier != safety.TierImmediate || ev.Trigger != "emotion" {
		t.Fatalf("crisis event = %v/%s, want immediate/emotion", ev.Tier, ev.Trigger)
	}
	waitUntil(t, "crisis speech", func() bool { return len(crisisRequests(h.tts.Requests())) == 1 })
	assertCrisisVoice(t, crisisRequests(h.tts.Requests())[0])
	if !slices.Contains(h.mixer.Interrupts(), audio.SafetyOverride) {
		t.Fatal("intervention did not preempt playback")
	}
	if !slices.Contains(h.states(), StateCrisisMode) {
		t.Fatalf("states = %v, want crisis-mode", h.states())
	}
	h.waitState(t, StateListening)

	// The second utterance carries a crisis phrase and skips generation.
	replies := h.resp.CallCount()
	h.speak()
	waitUntil(t, "keyword intervention", func() bool { return len(crisisRequests(h.tts.Requests())) == 2 })
	h.waitState(t, StateListening)
	if got := h.resp.CallCount(); got != replies {
		t.Fatalf("responder calls = %d, want %d", got, replies)
	}
	evs := h.eventsOf(EventCrisis)
	if len(evs) != 2 || evs[1].Trigger != "keyword" || evs[1].Text != "help me now" {
		t.Fatalf("crisis events = %+v, want a keyword trigger on %q", evs, "help me now")
	}
	if got := h.eng.Status().Crisis; got != safety.TierImmediate {
		t.Fatalf("active tier = %v, want immediate", got)
	}
}

func TestEngine_KeywordIntervention(t *testing.T) {
	h := newHarness(t, testConfig(), safety.DefaultConfig())
	h.start(t)

	if err := h.eng.SubmitText(context.Background(), "some days I just want to die"); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	turns := h.waitTurns(t, 3)
	h.waitState(t, StateListening)

	if got := h.resp.CallCount(); got != 0 {
		t.Fatalf("responder calls = %d, want 0", got)
	}
	roles := []sessionlog.Role{turns[0].Role, turns[1].Role, turns[2].Role}
	if want := []sessionlog.Role{sessionlog.RolePatient, sessionlog.RoleSystem, sessionlog.RoleCompanion}; !slices.Equal(roles, want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	system := turns[1]
	if system.Crisis == nil || system.Crisis.Tier != "interrupt" || system.Crisis.Trigger != "keyword" {
		t.Fatalf("system turn crisis = %+v, want interrupt/keyword", system.Crisis)
	}
	if turns[2].ReplyTo != turns[0].ID || turns[2].Synthesis == nil || turns[2].Synthesis.Tag != "crisis" {
		t.Fatalf("intervention turn = %+v", turns[2])
	}
	enq := h.mixer.Enqueued()
	if len(enq) != 1 || enq[0].Priority != PriorityCrisis {
		t.Fatalf("mixer enqueues = %d, want one at crisis priority", len(enq))
	}
	assertCrisisVoice(t, crisisRequests(h.tts.Requests())[0])
}

func TestEngine_GenerationFlagsCrisis(t *testing.T) {
	h := newHarness(t, testConfig(), safety.DefaultConfig())
	h.resp.Default = &responder.Response{Crisis: true, Metadata: map[string]string{"crisis_reason": "acute danger"}}
	h.start(t)

	if err := h.eng.SubmitText(context.Background(), "nobody would notice if I was gone"); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	ev := h.waitEvent(t, EventCrisis)
	if ev.Trigger != "generation" || ev.Text != "acute danger" {
		t.Fatalf("crisis event = %s %q, want generation %q", ev.Trigger, ev.Text, "acute danger")
	}
	h.waitState(t, StateListening)
	for _, r := range h.tts.Requests() {
		if r.Tag == "reply" {
			t.Fatal("a flagged reply was synthesized")
		}
	}
}

func TestEngine_InterventionPreemptsTurn(t *testing.T) {
	h := newHarness(t, testConfig(), safety.DefaultConfig())
	h.resp.Replies = []respmock.Reply{{Response: &responder.Response{Message: "late"}, Delay: 5 * time.Second}}
	h.start(t)

	if err := h.eng.SubmitText(context.Background(), "hello"); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	h.waitState(t, StateAIProcessing)

	h.eng.ObserveEmotion(calm(t0))
	h.eng.ObserveEmotion(distressed(t0.Add(time.Second)))
	waitUntil(t, "crisis speech", func() bool { return len(crisisRequests(h.tts.Requests())) == 1 })
	h.waitState(t, StateListening)

	time.Sleep(50 * time.Millisecond)
	for _, r := range h.tts.Requests() {
		if r.Tag == "reply" {
			t.Fatal("the preempted turn still synthesized its reply")
		}
	}
}

func TestEngine_PauseForHandOff(t *testing.T) {
	scfg := safety.DefaultConfig()
	scfg.PauseOnCritical = true
	cfg := testConfig()
	h := newHarness(t, cfg, scfg)
	h.start(t)

	if err := h.eng.Resume(); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("Resume while listening = %v, want ErrNotPaused", err)
	}

	h.eng.ObserveEmotion(calm(t0))
	h.eng.ObserveEmotion(distressed(t0.Add(time.Second)))
	h.waitState(t, StateCrisisPaused)

	reqs := crisisRequests(h.tts.Requests())
	if len(reqs) != 1 || !strings.Contains(reqs[0].Text, cfg.Utterances.HandOff) {
		t.Fatalf("crisis requests = %+v, want one carrying the hand-off", reqs)
	}

	// Nothing reaches the pipeline while a human takes over.
	if err := h.eng.SubmitText(context.Background(), "hello?"); !errors.Is(err, ErrBusy) {
		t.Fatalf("SubmitText while paused = %v, want ErrBusy", err)
	}
	h.speak()
	time.Sleep(50 * time.Millisecond)
	if got := h.stt.CallCount(); got != 0 {
		t.Fatalf("stt calls while paused = %d, want 0", got)
	}

	if err := h.eng.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := h.eng.State(); got != StateListening {
		t.Fatalf("state after Resume = %v, want listening", got)
	}
	if got := h.eng.Status().Crisis; got != safety.TierNone {
		t.Fatalf("active tier after Resume = %v, want none", got)
	}
}

func TestEngine_FailedInterventionEndsSession(t *testing.T) {
	h := newHarness(t, testConfig(), safety.DefaultConfig())
	h.tts.Responses = []ttsmock.Response{{Err: errBoom}, {Err: errBoom}}
	h.start(t)

	if err := h.eng.SubmitText(context.Background(), "I'm going to hurt myself"); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	ev := h.waitEvent(t, EventError)
	var cerr *CrisisHandlingError
	if !errors.As(ev.Err, &cerr) || cerr.Tier != safety.TierInterrupt {
		t.Fatalf("error = %v, want a crisis handling error on the interrupt tier", ev.Err)
	}
	text := h.waitEvent(t, EventTextResponse)
	if text.Text != DefaultConfig().Utterances.Intervention {
		t.Fatalf("text response = %q, want the intervention", text.Text)
	}
	h.waitState(t, StateIdle)
}

func TestEngine_SoftCheckIn(t *testing.T) {
	h := newHarness(t, testConfig(), safety.DefaultConfig())
	h.start(t)

	// Broad but moderate distress held past the soft sustain window.
	soft := func(ts time.Time) emotion.Sample {
		return emotion.Sample{
			Timestamp: ts, Arousal: 0.8, Valence: -0.7, Confidence: 1,
			Basic: map[string]float64{emotion.Fear: 0.5, emotion.Sadness: 0.5},
		}
	}
	h.eng.ObserveEmotion(soft(t0))
	h.eng.ObserveEmotion(soft(t0.Add(31 * time.Second)))

	ev := h.waitEvent(t, EventCrisis)
	if ev.Tier != safety.TierSoft {
		t.Fatalf("crisis tier = %v, want soft", ev.Tier)
	}
	waitUntil(t, "check-in playback", func() bool { return len(h.mixer.Enqueued()) == 1 })

	reqs := h.tts.Requests()
	if len(reqs) != 1 || reqs[0].Tag != "soft" || reqs[0].Text != DefaultConfig().Utterances.CheckIn {
		t.Fatalf("tts requests = %+v, want one check-in", reqs)
	}
	if enq := h.mixer.Enqueued(); enq[0].Priority != PriorityReply {
		t.Fatalf("check-in priority = %d, want %d", enq[0].Priority, PriorityReply)
	}
	if len(h.mixer.Interrupts()) != 0 {
		t.Fatal("a check-in interrupted playback")
	}
	if got := h.eng.State(); got != StateListening {
		t.Fatalf("state = %v, want listening", got)
	}
}
