package engine

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateListening, true},
		{StateIdle, StateSpeaking, false},
		{StateIdle, StateCrisisMode, false},
		{StateListening, StateProcessingSTT, true},
		{StateListening, StateSpeaking, false},
		{StateProcessingSTT, StateAIProcessing, true},
		{StateProcessingSTT, StateSpeaking, false},
		{StateAIProcessing, StateSynthesizing, true},
		{StateAIProcessing, StateListening, true},
		{StateSynthesizing, StateSpeaking, true},
		{StateSynthesizing, StateListening, false},
		{StateSpeaking, StateInterrupted, true},
		{StateSpeaking, StateListening, true},
		{StateInterrupted, StateListening, true},
		{StateInterrupted, StateSpeaking, false},
		{StateCrisisMode, StateCrisisPaused, true},
		{StateCrisisMode, StateCrisisMode, false},
		{StateCrisisMode, StateSpeaking, false},
		{StateCrisisPaused, StateListening, true},
		{StateCrisisPaused, StateSpeaking, false},
		{StateError, StateListening, true},
		{StateError, StateSpeaking, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestCanTransition_StopAndCrisisFromEveryRunningState(t *testing.T) {
	running := []State{
		StateListening, StateProcessingSTT, StateAIProcessing, StateSynthesizing,
		StateSpeaking, StateInterrupted, StateCrisisMode, StateCrisisPaused, StateError,
	}
	for _, s := range running {
		if !CanTransition(s, StateIdle) {
			t.Errorf("%s -> idle rejected", s)
		}
		if s != StateCrisisMode && !CanTransition(s, StateCrisisMode) {
			t.Errorf("%s -> crisis-mode rejected", s)
		}
	}
}

func TestState_String(t *testing.T) {
	if got := StateProcessingSTT.String(); got != "processing-stt" {
		t.Fatalf("String() = %q, want processing-stt", got)
	}
	b, err := StateCrisisPaused.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	if string(b) != "crisis-paused" {
		t.Fatalf("MarshalText = %q, want crisis-paused", b)
	}
	if !StateSpeaking.Busy() || StateListening.Busy() {
		t.Fatal("Busy() misclassifies speaking or listening")
	}
}
