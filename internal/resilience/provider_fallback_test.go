package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/attune/pkg/provider/llm"
	llmmock "github.com/MrWong99/attune/pkg/provider/llm/mock"
	"github.com/MrWong99/attune/pkg/provider/stt"
	sttmock "github.com/MrWong99/attune/pkg/provider/stt/mock"
	"github.com/MrWong99/attune/pkg/provider/tts"
	ttsmock "github.com/MrWong99/attune/pkg/provider/tts/mock"
)

func testFallbackConfig() FallbackConfig {
	return FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}}
}

func TestLLMFallback_Failover(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errTest}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from secondary"}}

	fb := NewLLMFallback(primary, "primary", testFallbackConfig())
	fb.AddFallback("secondary", secondary)

	req := llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}}
	resp, err := fb.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "from secondary" {
		t.Fatalf("content = %q, want %q", resp.Content, "from secondary")
	}

	// The primary's breaker is open now and it is skipped.
	if _, err := fb.Complete(context.Background(), req); err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	if got := len(primary.Requests()); got != 1 {
		t.Fatalf("primary calls = %d, want 1", got)
	}
	if got := fb.Breakers()[0].State(); got != StateOpen {
		t.Fatalf("primary breaker = %v, want open", got)
	}
}

func TestSTTFallback_NoSpeechIsAnAnswer(t *testing.T) {
	primary := &sttmock.Provider{Results: []sttmock.Response{{Err: stt.ErrNoSpeech}, {Err: stt.ErrNoSpeech}}}
	secondary := &sttmock.Provider{Result: &stt.Result{Text: "should not be used"}}

	fb := NewSTTFallback(primary, "primary", testFallbackConfig())
	fb.AddFallback("secondary", secondary)

	for range 2 {
		_, err := fb.Transcribe(context.Background(), stt.Request{Audio: make([]float32, 160), SampleRate: 16000})
		if !errors.Is(err, stt.ErrNoSpeech) {
			t.Fatalf("err = %v, want ErrNoSpeech", err)
		}
	}
	if got := len(secondary.Requests()); got != 0 {
		t.Fatalf("secondary calls = %d, want 0", got)
	}
	if got := fb.Breakers()[0].State(); got != StateClosed {
		t.Fatalf("primary breaker = %v, want closed", got)
	}
}

func TestSTTFallback_Failover(t *testing.T) {
	primary := &sttmock.Provider{Results: []sttmock.Response{{Err: errTest}}}
	secondary := &sttmock.Provider{Result: &stt.Result{Text: "hello", Confidence: 0.8}}

	fb := NewSTTFallback(primary, "primary", testFallbackConfig())
	fb.AddFallback("secondary", secondary)

	res, err := fb.Transcribe(context.Background(), stt.Request{Audio: make([]float32, 160), SampleRate: 16000})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "hello" {
		t.Fatalf("text = %q, want hello", res.Text)
	}
}

func TestTTSFallback(t *testing.T) {
	tests := []struct {
		name         string
		primaryErr   error
		wantFallback int
	}{
		{name: "primary succeeds"},
		{name: "failover", primaryErr: errTest, wantFallback: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary := &ttsmock.Provider{Responses: []ttsmock.Response{{Err: tt.primaryErr}}}
			secondary := &ttsmock.Provider{}

			fb := NewTTSFallback(primary, "primary", testFallbackConfig())
			fb.AddFallback("secondary", secondary)

			res, err := fb.Synthesize(context.Background(), tts.Request{Text: "hello"})
			if err != nil {
				t.Fatalf("Synthesize: %v", err)
			}
			if len(res.Audio) == 0 {
				t.Fatal("empty result")
			}
			if got := secondary.CallCount(); got != tt.wantFallback {
				t.Fatalf("secondary calls = %d, want %d", got, tt.wantFallback)
			}
		})
	}
}

func TestTTSFallback_AllFail(t *testing.T) {
	primary := &ttsmock.Provider{Responses: []ttsmock.Response{{Err: errTest}}}
	secondary := &ttsmock.Provider{Responses: []ttsmock.Response{{Err: errTest}}}

	fb := NewTTSFallback(primary, "primary", testFallbackConfig())
	fb.AddFallback("secondary", secondary)

	_, err := fb.Synthesize(context.Background(), tts.Request{Text: "hello"})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestTTSFallback_ListVoicesFromPrimary(t *testing.T) {
	primary := &ttsmock.Provider{Voices: []tts.VoiceProfile{{ID: "warm"}}}
	fb := NewTTSFallback(primary, "primary", testFallbackConfig())

	voices, err := fb.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "warm" {
		t.Fatalf("voices = %+v", voices)
	}
}
