package audio

import (
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
)

// Resampler converts frames to a target sample rate. It logs a warning on the
// first rate mismatch. Create one per consumer; not designed for shared use
// across goroutines.
type Resampler struct {
	TargetRate     int
	warnedMismatch sync.Once
}

// Convert resamples a frame to the target rate. If the source rate already
// matches (or the target is zero), the frame is returned unchanged.
func (r *Resampler) Convert(frame Frame) Frame {
	if r.TargetRate <= 0 || frame.SampleRate == r.TargetRate {
		return frame
	}
	r.warnedMismatch.Do(func() {
		slog.Debug("audio resampler: converting", "from", frame.SampleRate, "to", r.TargetRate)
	})
	return Frame{
		Samples:    Resample(frame.Samples, frame.SampleRate, r.TargetRate),
		SampleRate: r.TargetRate,
		Timestamp:  frame.Timestamp,
	}
}

// Resample converts mono float samples from srcRate to dstRate using linear
// interpolation. If srcRate == dstRate, the input is returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}
	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// RMS returns the root-mean-square energy of samples, or 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Float32ToInt16 converts normalised float samples to signed 16-bit samples,
// clamping values outside [-1, 1].
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = floatToInt16(s)
	}
	return out
}

// Int16ToFloat32 converts signed 16-bit samples to normalised floats.
func Int16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}

// Float32ToPCM16 encodes float samples as little-endian int16 PCM bytes.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

// PCM16ToFloat32 decodes little-endian int16 PCM bytes into float samples.
// A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}

// StereoToMono averages interleaved L/R float samples into mono.
func StereoToMono(samples []float32) []float32 {
	out := make([]float32, len(samples)/2)
	for i := range out {
		out[i] = (samples[i*2] + samples[i*2+1]) / 2
	}
	return out
}

func floatToInt16(s float32) int16 {
	v := float64(s) * 32767
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(math.Round(v))
}
