package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/youpy/go-wav"

	"github.com/MrWong99/attune/pkg/audio"
)

// EncodeWAV wraps mono float samples into a 16-bit PCM WAV container.
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAV(&buf, samples, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAV writes mono float samples as a 16-bit PCM WAV container to w.
func WriteWAV(w io.Writer, samples []float32, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("codec: invalid sample rate %d", sampleRate)
	}
	ww := wav.NewWriter(w, uint32(len(samples)), 1, uint32(sampleRate), 16)
	pcm := audio.Float32ToInt16(samples)
	out := make([]wav.Sample, len(pcm))
	for i, s := range pcm {
		out[i].Values[0] = int(s)
	}
	if err := ww.WriteSamples(out); err != nil {
		return fmt.Errorf("codec: write wav: %w", err)
	}
	return nil
}

// DecodeWAV parses a WAV container and returns mono float samples and the
// sample rate. Stereo input is averaged; 8, 16, 24 and 32-bit integer PCM are
// supported.
func DecodeWAV(data []byte) ([]float32, int, error) {
	r := wav.NewReader(bytes.NewReader(data))
	format, err := r.Format()
	if err != nil {
		return nil, 0, fmt.Errorf("codec: read wav format: %w", err)
	}
	var scale float32
	switch format.BitsPerSample {
	case 8:
		scale = 128
	case 16:
		scale = 32768
	case 24:
		scale = 8388608
	case 32:
		scale = 2147483648
	default:
		return nil, 0, fmt.Errorf("codec: unsupported wav bit depth %d", format.BitsPerSample)
	}
	channels := int(format.NumChannels)
	if channels < 1 {
		return nil, 0, fmt.Errorf("codec: wav has %d channels", channels)
	}

	var samples []float32
	for {
		batch, err := r.ReadSamples()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("codec: read wav samples: %w", err)
		}
		for _, s := range batch {
			var sum float32
			for ch := 0; ch < min(channels, 2); ch++ {
				sum += float32(r.IntValue(s, uint(ch))) / scale
			}
			samples = append(samples, clamp(sum/float32(min(channels, 2))))
		}
	}
	return samples, int(format.SampleRate), nil
}

func clamp(v float32) float32 {
	switch {
	case v > 1:
		return 1
	case v < -1:
		return -1
	}
	return v
}
