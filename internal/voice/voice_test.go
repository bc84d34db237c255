package voice

import (
	"reflect"
	"testing"

	"github.com/MrWong99/attune/pkg/provider/emotion"
	"github.com/MrWong99/attune/pkg/provider/tts"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want Rule
	}{
		{"low confidence", Input{Arousal: 0.9, Valence: -0.9, Confidence: 0.2}, RuleNeutral},
		{"crisis", Input{Arousal: 0.9, Valence: -0.85, Confidence: 0.9}, RuleCrisis},
		{"crisis boundary is exclusive", Input{Arousal: 0.8, Valence: -0.85, Confidence: 0.9}, RuleAnxiety},
		{"anxiety", Input{Arousal: 0.75, Valence: -0.4, Confidence: 0.9}, RuleAnxiety},
		{"depression", Input{Arousal: 0.1, Valence: -0.6, Confidence: 0.9}, RuleDepression},
		{"fear", Input{Arousal: 0.5, Valence: -0.2, Basic: map[string]float64{emotion.Fear: 0.8}, Confidence: 0.9}, RuleFear},
		{"fear not dominant", Input{Arousal: 0.5, Valence: -0.2, Basic: map[string]float64{emotion.Fear: 0.75, emotion.Anger: 0.8}, Confidence: 0.9}, RuleAnger},
		{"anger", Input{Arousal: 0.6, Valence: -0.2, Basic: map[string]float64{emotion.Anger: 0.65}, Confidence: 0.9}, RuleAnger},
		{"low engagement", Input{Arousal: 0.1, Valence: 0.1, Confidence: 0.9}, RuleLowEngagement},
		{"positive", Input{Arousal: 0.5, Valence: 0.7, Confidence: 0.9}, RulePositive},
		{"baseline", Input{Arousal: 0.5, Valence: 0.2, Confidence: 0.9}, RuleNeutral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, got := Classify(tt.in); got != tt.want {
				t.Fatalf("Classify = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAdapt_Deterministic(t *testing.T) {
	inputs := []Input{
		{Arousal: 0.9, Valence: -0.85, Confidence: 0.9},
		{Arousal: 0.5, Valence: -0.2, Basic: map[string]float64{emotion.Fear: 0.71, emotion.Sadness: 0.71}, Confidence: 0.5},
		{Arousal: 0.65, Valence: 0.8, Confidence: 1},
		{},
	}
	for _, in := range inputs {
		first := Adapt(in)
		for range 50 {
			if got := Adapt(in); !reflect.DeepEqual(got, first) {
				t.Fatalf("Adapt(%+v) = %+v, then %+v", in, first, got)
			}
		}
	}
}

func TestAdapt_DoesNotMutateInput(t *testing.T) {
	basic := map[string]float64{emotion.Fear: 0.9}
	Adapt(Input{Arousal: 0.5, Basic: basic, Confidence: 1})
	if len(basic) != 1 || basic[emotion.Fear] != 0.9 {
		t.Fatalf("input mutated: %v", basic)
	}
}

func TestCrisisProfile(t *testing.T) {
	p := Crisis()
	if p.Warmth != 1 || p.Empathy != 1 || p.Calmness != 1 {
		t.Fatalf("crisis profile not maximal: %+v", p)
	}
	if p.Pace != tts.PaceSlow || p.Speed != 0.8 || p.Pitch != -0.2 {
		t.Fatalf("crisis pacing = %v/%v/%v, want slow/0.8/-0.2", p.Pace, p.Speed, p.Pitch)
	}
}

func TestPositivePace(t *testing.T) {
	calm := Adapt(Input{Arousal: 0.4, Valence: 0.8, Confidence: 1})
	lively := Adapt(Input{Arousal: 0.7, Valence: 0.8, Confidence: 1})
	if calm.Pace != tts.PaceNormal || lively.Pace != tts.PaceEnergetic {
		t.Fatalf("paces = %v, %v; want normal, energetic", calm.Pace, lively.Pace)
	}
}

func TestFromSample(t *testing.T) {
	if got := FromSample(nil); got.Confidence != 0 {
		t.Fatalf("nil sample confidence = %v, want 0", got.Confidence)
	}
	in := FromSample(&emotion.Sample{Arousal: 3, Valence: -2, Confidence: 0.8})
	if in.Arousal != 1 || in.Valence != -1 {
		t.Fatalf("FromSample did not clamp: %+v", in)
	}
}

func TestWithIdentity(t *testing.T) {
	base := tts.VoiceProfile{ID: "v1", Name: "Ada", Provider: "elevenlabs", Warmth: 0.1, Metadata: map[string]string{"accent": "uk"}}
	got := WithIdentity(Crisis(), base)
	if got.ID != "v1" || got.Provider != "elevenlabs" || got.Warmth != 1 {
		t.Fatalf("WithIdentity = %+v", got)
	}
	got.Metadata["accent"] = "us"
	if base.Metadata["accent"] != "uk" {
		t.Fatal("WithIdentity shares metadata with base")
	}
}
