package codec

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/attune/pkg/audio"
)

// maxOpusPacket bounds a single encoded packet. 4000 bytes is the size libopus
// recommends for the output buffer.
const maxOpusPacket = 4000

// OpusEncoder encodes mono frames into Opus packets. Encoder state carries
// across frames, so each consumer stream needs its own OpusEncoder. Not safe
// for concurrent use.
type OpusEncoder struct {
	enc        *gopus.Encoder
	sampleRate int
}

// NewOpusEncoder creates a mono VoIP-tuned Opus encoder at sampleRate, which
// must be one of 8000, 12000, 16000, 24000 or 48000 Hz.
func NewOpusEncoder(sampleRate int) (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus encoder: %w", err)
	}
	return &OpusEncoder{enc: enc, sampleRate: sampleRate}, nil
}

// Encode encodes one frame into a single Opus packet. The frame must be at the
// encoder's sample rate and span a valid Opus frame duration.
func (e *OpusEncoder) Encode(f audio.Frame) ([]byte, error) {
	if f.SampleRate != e.sampleRate {
		return nil, fmt.Errorf("codec: opus encoder at %d Hz got frame at %d Hz", e.sampleRate, f.SampleRate)
	}
	if !validOpusFrame(len(f.Samples), e.sampleRate) {
		return nil, fmt.Errorf("codec: %d samples is not a valid opus frame at %d Hz", len(f.Samples), e.sampleRate)
	}
	pkt, err := e.enc.Encode(audio.Float32ToInt16(f.Samples), len(f.Samples), maxOpusPacket)
	if err != nil {
		return nil, fmt.Errorf("codec: opus encode: %w", err)
	}
	return pkt, nil
}

// OpusDecoder decodes Opus packets back into mono frames.
type OpusDecoder struct {
	dec        *gopus.Decoder
	sampleRate int
}

// NewOpusDecoder creates a mono Opus decoder at sampleRate.
func NewOpusDecoder(sampleRate int) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("codec: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec, sampleRate: sampleRate}, nil
}

// Decode decodes one packet. frameSize is the expected number of samples.
func (d *OpusDecoder) Decode(pkt []byte, frameSize int) (audio.Frame, error) {
	pcm, err := d.dec.Decode(pkt, frameSize, false)
	if err != nil {
		return audio.Frame{}, fmt.Errorf("codec: opus decode: %w", err)
	}
	return audio.Frame{Samples: audio.Int16ToFloat32(pcm), SampleRate: d.sampleRate}, nil
}

// validOpusFrame reports whether n samples at rate span 2.5, 5, 10, 20, 40 or
// 60 ms.
func validOpusFrame(n, rate int) bool {
	// Compare in units of 0.5 ms to keep 2.5 ms integral.
	if rate%2000 != 0 {
		return false
	}
	halfMs := n * 2000 / rate
	if halfMs*rate != n*2000 {
		return false
	}
	switch halfMs {
	case 5, 10, 20, 40, 80, 120:
		return true
	}
	return false
}
