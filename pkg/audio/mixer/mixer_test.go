package mixer_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/audio/mixer"
)

// makeSegment creates a Segment with a buffered channel pre-loaded with the
// given chunks. The channel is closed after all chunks are written.
func makeSegment(turnID string, priority int, chunks ...[]float32) *audio.Segment {
	ch := make(chan []float32, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return audio.NewSegment(turnID, ch, 16000, priority)
}

// makeOpenSegment creates a Segment whose channel the caller controls.
func makeOpenSegment(turnID string, priority int) (*audio.Segment, chan []float32) {
	ch := make(chan []float32, 16)
	return audio.NewSegment(turnID, ch, 16000, priority), ch
}

// collectOutput returns an output callback that records the first sample of
// every chunk and a getter for the recorded values.
func collectOutput() (func(audio.Frame) error, func() []float32) {
	var mu sync.Mutex
	var got []float32
	out := func(f audio.Frame) error {
		mu.Lock()
		defer mu.Unlock()
		if len(f.Samples) > 0 {
			got = append(got, f.Samples[0])
		}
		return nil
	}
	get := func() []float32 {
		mu.Lock()
		defer mu.Unlock()
		return append([]float32(nil), got...)
	}
	return out, get
}

func waitDone(t *testing.T, seg *audio.Segment) {
	t.Helper()
	select {
	case <-seg.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("segment %q did not finish", seg.TurnID)
	}
}

func waitPlaying(t *testing.T, m *mixer.PriorityMixer) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !m.Playing() {
		select {
		case <-deadline:
			t.Fatal("mixer never started playing")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestBasicPlayback(t *testing.T) {
	out, get := collectOutput()
	m := mixer.New(out, mixer.WithGap(0))
	defer m.Close()

	seg := makeSegment("t1", 0, []float32{0.1}, []float32{0.2})
	m.Enqueue(seg, 0)
	waitDone(t, seg)

	if seg.Interrupted() {
		t.Error("Interrupted() = true, want false")
	}
	if got := get(); len(got) != 2 || got[0] != 0.1 || got[1] != 0.2 {
		t.Fatalf("output = %v, want [0.1 0.2]", got)
	}
}

func TestFIFOWithinSamePriority(t *testing.T) {
	out, get := collectOutput()
	m := mixer.New(out, mixer.WithGap(0))
	defer m.Close()

	a := makeSegment("a", 1, []float32{1})
	b := makeSegment("b", 1, []float32{2})
	m.Enqueue(a, 1)
	m.Enqueue(b, 1)
	waitDone(t, b)

	got := get()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("output = %v, want [1 2]", got)
	}
}

func TestPriorityPreemption(t *testing.T) {
	out, get := collectOutput()
	m := mixer.New(out, mixer.WithGap(0))
	defer m.Close()

	low, lowCh := makeOpenSegment("low", 0)
	m.Enqueue(low, 0)
	lowCh <- []float32{1}
	waitPlaying(t, m)

	high := makeSegment("high", 10, []float32{9})
	m.Enqueue(high, 10)
	waitDone(t, low)
	waitDone(t, high)
	close(lowCh)

	if !low.Interrupted() {
		t.Error("low.Interrupted() = false, want true")
	}
	got := get()
	if got[len(got)-1] != 9 {
		t.Fatalf("last output = %v, want 9", got[len(got)-1])
	}
}

func TestInterruptBargeInClearsQueue(t *testing.T) {
	out, _ := collectOutput()
	m := mixer.New(out, mixer.WithGap(0))
	defer m.Close()

	playing, ch := makeOpenSegment("playing", 0)
	queued := makeSegment("queued", 0, []float32{1})
	m.Enqueue(playing, 0)
	ch <- []float32{0.5}
	m.Enqueue(queued, 0)

	m.Interrupt(audio.PatientBargeIn)
	waitDone(t, playing)
	waitDone(t, queued)
	close(ch)

	if !playing.Interrupted() || !queued.Interrupted() {
		t.Fatalf("interrupted = (%v, %v), want (true, true)", playing.Interrupted(), queued.Interrupted())
	}
	if m.Playing() {
		t.Error("Playing() = true after barge-in")
	}
}

func TestInterruptSafetyOverrideKeepsQueue(t *testing.T) {
	out, get := collectOutput()
	m := mixer.New(out, mixer.WithGap(0))
	defer m.Close()

	playing, ch := makeOpenSegment("playing", 0)
	m.Enqueue(playing, 0)
	ch <- []float32{0.5}
	waitPlaying(t, m)
	queued := makeSegment("queued", 0, []float32{7})
	m.Enqueue(queued, 0)

	m.Interrupt(audio.SafetyOverride)
	waitDone(t, queued)
	close(ch)

	if queued.Interrupted() {
		t.Error("queued segment was dropped by SafetyOverride")
	}
	got := get()
	if got[len(got)-1] != 7 {
		t.Fatalf("last output = %v, want 7", got[len(got)-1])
	}
}

func TestOutputErrorEndsSegment(t *testing.T) {
	errSink := errors.New("sink failed")
	m := mixer.New(func(audio.Frame) error { return errSink }, mixer.WithGap(0))
	defer m.Close()

	seg := makeSegment("t", 0, []float32{1}, []float32{2})
	m.Enqueue(seg, 0)
	waitDone(t, seg)

	if !errors.Is(seg.Err(), errSink) {
		t.Fatalf("Err() = %v, want %v", seg.Err(), errSink)
	}
}

func TestGapInsertion(t *testing.T) {
	out, _ := collectOutput()
	m := mixer.New(out, mixer.WithGap(60*time.Millisecond))
	defer m.Close()

	a := makeSegment("a", 0, []float32{1})
	b := makeSegment("b", 0, []float32{2})
	start := time.Now()
	m.Enqueue(a, 0)
	m.Enqueue(b, 0)
	waitDone(t, b)

	if elapsed := time.Since(start); elapsed < 45*time.Millisecond {
		t.Fatalf("elapsed = %v, want at least the gap minus jitter", elapsed)
	}
}

func TestCloseIdempotentAndEnqueueAfterClose(t *testing.T) {
	out, get := collectOutput()
	m := mixer.New(out)

	if err := m.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	seg := makeSegment("late", 0, []float32{1})
	m.Enqueue(seg, 0)
	waitDone(t, seg)
	if !seg.Interrupted() {
		t.Error("segment enqueued after Close should be finished as interrupted")
	}
	if len(get()) != 0 {
		t.Error("no output expected after Close")
	}
}

func TestSegmentFromSamplesChunks(t *testing.T) {
	samples := make([]float32, 1000)
	seg := audio.SegmentFromSamples("t", samples, 16000, 0, 20*time.Millisecond)

	var total, chunks int
	for c := range seg.Audio {
		total += len(c)
		chunks++
		if len(c) > 320 {
			t.Fatalf("chunk of %d samples exceeds 20ms at 16kHz", len(c))
		}
	}
	if total != 1000 || chunks != 4 {
		t.Fatalf("total=%d chunks=%d, want 1000 and 4", total, chunks)
	}
}

func TestPendingCountsQueueBehindCurrent(t *testing.T) {
	out, _ := collectOutput()
	m := mixer.New(out, mixer.WithGap(0))
	defer m.Close()

	playing, ch := makeOpenSegment("playing", 0)
	m.Enqueue(playing, 0)
	waitPlaying(t, m)
	m.Enqueue(makeSegment("q1", 0, []float32{1}), 0)
	m.Enqueue(makeSegment("q2", 0, []float32{2}), 0)

	if got := m.Pending(); got != 2 {
		t.Fatalf("Pending() = %d, want 2", got)
	}
	m.Interrupt(audio.PatientBargeIn)
	if got := m.Pending(); got != 0 {
		t.Fatalf("Pending() after barge-in = %d, want 0", got)
	}
	close(ch)
	waitDone(t, playing)
}

func TestGapWithoutJitter(t *testing.T) {
	out, _ := collectOutput()
	m := mixer.New(out, mixer.WithGap(40*time.Millisecond), mixer.WithJitter(0))
	defer m.Close()

	a := makeSegment("a", 0, []float32{1})
	b := makeSegment("b", 0, []float32{2})
	start := time.Now()
	m.Enqueue(a, 0)
	m.Enqueue(b, 0)
	waitDone(t, b)

	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("elapsed = %v, want at least the full gap", elapsed)
	}
}
