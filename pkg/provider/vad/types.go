package vad

// VADEvent represents a voice activity detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Probability is a speech likelihood in [0.0, 1.0]. Energy-based engines
	// report the frame energy relative to the current threshold, clamped.
	Probability float64

	// Energy is the frame's RMS energy.
	Energy float64

	// Threshold is the adaptive energy threshold the frame was compared with.
	Threshold float64
}

// IsSpeech reports whether the frame was classified as speech.
func (e VADEvent) IsSpeech() bool {
	return e.Type == VADSpeechStart || e.Type == VADSpeechContinue
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun (rising edge).
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates the first silent frame after speech.
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)

// String returns the event type name.
func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	case VADSilence:
		return "silence"
	default:
		return "unknown"
	}
}
