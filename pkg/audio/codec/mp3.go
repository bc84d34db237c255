package codec

import (
	"errors"
	"fmt"

	"github.com/tosone/minimp3"

	"github.com/MrWong99/attune/pkg/audio"
)

// DecodeMP3 decodes a complete MP3 payload into mono float samples and the
// sample rate.
func DecodeMP3(data []byte) ([]float32, int, error) {
	if len(data) == 0 {
		return nil, 0, errors.New("codec: empty mp3 payload")
	}
	dec, pcm, err := minimp3.DecodeFull(data)
	if err != nil {
		return nil, 0, fmt.Errorf("codec: decode mp3: %w", err)
	}
	defer dec.Close()

	samples := audio.PCM16ToFloat32(pcm)
	if dec.Channels == 2 {
		samples = audio.StereoToMono(samples)
	}
	return samples, dec.SampleRate, nil
}

// Sniff guesses the container of an encoded audio payload: "wav", "mp3" or
// "" when unknown.
func Sniff(data []byte) string {
	switch {
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return "wav"
	case len(data) >= 3 && string(data[:3]) == "ID3":
		return "mp3"
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return "mp3"
	}
	return ""
}

// Decode decodes a WAV or MP3 payload based on its header.
func Decode(data []byte) ([]float32, int, error) {
	switch Sniff(data) {
	case "wav":
		return DecodeWAV(data)
	case "mp3":
		return DecodeMP3(data)
	}
	return nil, 0, errors.New("codec: unrecognised audio container")
}
