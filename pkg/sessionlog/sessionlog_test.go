package sessionlog_test

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/attune/pkg/provider/emotion"
	"github.com/MrWong99/attune/pkg/provider/tts"
	"github.com/MrWong99/attune/pkg/sessionlog"
	"github.com/MrWong99/attune/pkg/sessionlog/mock"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() func() time.Time {
	var (
		mu sync.Mutex
		n  int
	)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return t0.Add(time.Duration(n) * time.Second)
	}
}

func patientTurn(text string) sessionlog.Turn {
	return sessionlog.Turn{
		Role: sessionlog.RolePatient,
		Text: text,
		Transcription: &sessionlog.Transcription{
			Confidence:    0.92,
			Language:      "en",
			AudioDuration: 1800 * time.Millisecond,
			RMS:           0.12,
			Peak:          0.6,
		},
		Emotion: &emotion.Sample{
			Timestamp:      t0,
			Arousal:        0.7,
			Valence:        -0.6,
			Basic:          map[string]float64{emotion.Fear: 0.7, emotion.Sadness: 0.3},
			Confidence:     0.8,
			Sources:        map[string]float64{emotion.SourceVoice: 0.8},
			DominantSource: emotion.SourceVoice,
		},
		Crisis: &sessionlog.Crisis{
			Score:   0.45,
			Tier:    "soft",
			Factors: []sessionlog.Factor{{Name: "extreme_affect", Value: 0.8, Weight: 0.45}},
			Trigger: "emotion",
		},
		Timing:   sessionlog.Timing{Transcription: 300 * time.Millisecond},
		Metadata: map[string]string{"device": "mic0"},
	}
}

func companionTurn(text string) sessionlog.Turn {
	return sessionlog.Turn{
		Role: sessionlog.RoleCompanion,
		Text: text,
		Synthesis: &sessionlog.Synthesis{
			Voice: tts.VoiceProfile{
				ID:       "calm",
				Warmth:   0.85,
				Empathy:  0.85,
				Calmness: 0.9,
				Pace:     tts.PaceSlow,
				Tone:     tts.ToneWarm,
				Speed:    0.85,
				Metadata: map[string]string{"style": "soft"},
			},
			Rule:     "high_anxiety",
			Duration: 2 * time.Second,
			Size:     64000,
			Tag:      "reply",
		},
		Timing: sessionlog.Timing{Generation: 400 * time.Millisecond, Synthesis: 200 * time.Millisecond},
	}
}

func TestAppend_AssignsIdentity(t *testing.T) {
	l := sessionlog.New("session-1", sessionlog.WithClock(fixedClock()))

	first, err := l.Append(patientTurn("I can't sleep"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	second, err := l.Append(companionTurn("That sounds exhausting."))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("seq = %d, %d, want 1, 2", first.Seq, second.Seq)
	}
	if first.ID == "" || first.ID == second.ID {
		t.Fatalf("ids = %q, %q, want distinct non-empty", first.ID, second.ID)
	}
	if first.SessionID != "session-1" {
		t.Fatalf("session = %q, want session-1", first.SessionID)
	}
	if !first.Timestamp.Equal(t0.Add(time.Second)) {
		t.Fatalf("timestamp = %v, want %v", first.Timestamp, t0.Add(time.Second))
	}
	if l.Len() != 2 {
		t.Fatalf("Len = %d, want 2", l.Len())
	}
	last, ok := l.Last()
	if !ok || last.ID != second.ID {
		t.Fatalf("Last = %v, %v, want %s", last.ID, ok, second.ID)
	}
}

func TestAppend_KeepsExplicitTimestamp(t *testing.T) {
	l := sessionlog.New("s", sessionlog.WithClock(fixedClock()))
	in := patientTurn("hello")
	in.Timestamp = t0.Add(time.Hour).In(time.FixedZone("CET", 3600))
	got, err := l.Append(in)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !got.Timestamp.Equal(t0.Add(time.Hour)) || got.Timestamp.Location() != time.UTC {
		t.Fatalf("timestamp = %v, want %v in UTC", got.Timestamp, t0.Add(time.Hour))
	}
}

func TestAppend_GeneratesSessionID(t *testing.T) {
	l := sessionlog.New("")
	if l.SessionID() == "" {
		t.Fatal("SessionID is empty")
	}
}

func TestAppend_Rejects(t *testing.T) {
	tests := []struct {
		name string
		turn sessionlog.Turn
	}{
		{name: "unknown role", turn: sessionlog.Turn{Role: "doctor", Text: "hi"}},
		{name: "empty text", turn: sessionlog.Turn{Role: sessionlog.RolePatient}},
		{name: "transcription on companion", turn: sessionlog.Turn{
			Role: sessionlog.RoleCompanion, Text: "hi", Transcription: &sessionlog.Transcription{},
		}},
		{name: "synthesis on patient", turn: sessionlog.Turn{
			Role: sessionlog.RolePatient, Text: "hi", Synthesis: &sessionlog.Synthesis{},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := sessionlog.New("s")
			if _, err := l.Append(tt.turn); err == nil {
				t.Fatal("Append succeeded, want error")
			}
			if l.Len() != 0 {
				t.Fatalf("Len = %d, want 0", l.Len())
			}
		})
	}
}

func TestAppend_SystemTurnMayBeEmpty(t *testing.T) {
	l := sessionlog.New("s")
	if _, err := l.Append(sessionlog.Turn{Role: sessionlog.RoleSystem, Crisis: &sessionlog.Crisis{Tier: "immediate"}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func TestTurnsAreImmutable(t *testing.T) {
	l := sessionlog.New("s")
	in := patientTurn("original")
	if _, err := l.Append(in); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Mutating the caller's value must not reach the log.
	in.Emotion.Basic[emotion.Fear] = 0
	in.Metadata["device"] = "changed"
	in.Crisis.Factors[0].Value = 0

	// Neither must mutating a returned copy.
	got := l.Turns()
	got[0].Text = "changed"
	got[0].Emotion.Basic[emotion.Fear] = 0
	got[0].Transcription.Confidence = 0

	again := l.Turns()[0]
	if again.Text != "original" {
		t.Fatalf("text = %q, want original", again.Text)
	}
	if again.Emotion.Basic[emotion.Fear] != 0.7 {
		t.Fatalf("fear = %v, want 0.7", again.Emotion.Basic[emotion.Fear])
	}
	if again.Metadata["device"] != "mic0" {
		t.Fatalf("metadata = %v, want mic0", again.Metadata["device"])
	}
	if again.Crisis.Factors[0].Value != 0.8 {
		t.Fatalf("factor = %v, want 0.8", again.Crisis.Factors[0].Value)
	}
	if again.Transcription.Confidence != 0.92 {
		t.Fatalf("confidence = %v, want 0.92", again.Transcription.Confidence)
	}
}

func TestExportImport_Lossless(t *testing.T) {
	l := sessionlog.New("s", sessionlog.WithClock(fixedClock()))
	p, err := l.Append(patientTurn("I feel scared"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	c := companionTurn("I'm here with you.")
	c.ReplyTo = p.ID
	c.Interrupted = true
	if _, err := l.Append(c); err != nil {
		t.Fatalf("Append: %v", err)
	}
	f := companionTurn("Let's take a breath.")
	f.Fallback = true
	if _, err := l.Append(f); err != nil {
		t.Fatalf("Append: %v", err)
	}

	var buf bytes.Buffer
	if err := l.Export(&buf); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if n := strings.Count(buf.String(), "\n"); n != 3 {
		t.Fatalf("lines = %d, want 3", n)
	}

	got, err := sessionlog.Import(&buf)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if want := l.Turns(); !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch\n got: %+v\nwant: %+v", got, want)
	}
}

func TestImport_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "malformed", input: "{not json}\n"},
		{name: "invalid turn", input: `{"id":"a","seq":1,"role":"doctor","text":"x"}` + "\n"},
		{name: "out of order", input: `{"id":"a","seq":2,"role":"patient","text":"x"}` + "\n" +
			`{"id":"b","seq":1,"role":"patient","text":"y"}` + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := sessionlog.Import(strings.NewReader(tt.input)); err == nil {
				t.Fatal("Import succeeded, want error")
			}
		})
	}
}

func TestImport_SkipsBlankLines(t *testing.T) {
	input := "\n" + `{"id":"a","seq":1,"role":"patient","text":"x"}` + "\n\n"
	got, err := sessionlog.Import(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("turns = %d, want 1", len(got))
	}
}

func TestConcurrentAppend(t *testing.T) {
	l := sessionlog.New("s")
	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			if _, err := l.Append(patientTurn("x")); err != nil {
				t.Errorf("Append: %v", err)
			}
		})
	}
	wg.Wait()

	turns := l.Turns()
	if len(turns) != 50 {
		t.Fatalf("turns = %d, want 50", len(turns))
	}
	for i, tr := range turns {
		if tr.Seq != int64(i+1) {
			t.Fatalf("turn %d seq = %d, want %d", i, tr.Seq, i+1)
		}
	}
}

func TestWithStore_PersistsInOrder(t *testing.T) {
	store := &mock.Store{}
	l := sessionlog.New("s", sessionlog.WithStore(store))
	for _, text := range []string{"one", "two", "three"} {
		if _, err := l.Append(patientTurn(text)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := l.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := store.Turns(context.Background(), "s")
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if !reflect.DeepEqual(got, l.Turns()) {
		t.Fatalf("store turns = %+v, want %+v", got, l.Turns())
	}
}

func TestWithStore_FailureKeepsMemoryLog(t *testing.T) {
	store := &mock.Store{SaveErr: errors.New("disk full")}
	l := sessionlog.New("s", sessionlog.WithStore(store))
	if _, err := l.Append(patientTurn("hello")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if l.Len() != 1 {
		t.Fatalf("Len = %d, want 1", l.Len())
	}
	if got := store.CallCount("SaveTurn"); got != 1 {
		t.Fatalf("SaveTurn calls = %d, want 1", got)
	}
}

func TestClose(t *testing.T) {
	t.Run("rejects appends", func(t *testing.T) {
		l := sessionlog.New("s")
		if err := l.Close(context.Background()); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if _, err := l.Append(patientTurn("late")); err == nil {
			t.Fatal("Append after Close succeeded, want error")
		}
		if err := l.Close(context.Background()); err != nil {
			t.Fatalf("second Close: %v", err)
		}
	})

	t.Run("honours context", func(t *testing.T) {
		store := &mock.Store{SaveDelay: time.Second}
		l := sessionlog.New("s", sessionlog.WithStore(store))
		if _, err := l.Append(patientTurn("slow")); err != nil {
			t.Fatalf("Append: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		if err := l.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Close = %v, want deadline exceeded", err)
		}
	})
}

func TestMockStore_Sessions(t *testing.T) {
	store := &mock.Store{}
	ctx := context.Background()
	older := sessionlog.Turn{ID: "1", SessionID: "a", Seq: 1, Role: sessionlog.RolePatient, Text: "x", Timestamp: t0}
	newer := sessionlog.Turn{ID: "2", SessionID: "b", Seq: 1, Role: sessionlog.RolePatient, Text: "y", Timestamp: t0.Add(time.Hour)}
	for _, tr := range []sessionlog.Turn{older, newer, older} {
		if err := store.SaveTurn(ctx, tr); err != nil {
			t.Fatalf("SaveTurn: %v", err)
		}
	}
	got, err := store.Sessions(ctx, 10)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	want := []sessionlog.Session{
		{ID: "b", Started: t0.Add(time.Hour), Turns: 1},
		{ID: "a", Started: t0, Turns: 1},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Sessions = %+v, want %+v", got, want)
	}
}
