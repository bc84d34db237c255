// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/provider/stt"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// Compile-time assertion that NativeProvider satisfies stt.Provider.
var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider implements stt.Provider using whisper.cpp Go bindings
// (CGO), eliminating HTTP overhead entirely. The model is loaded once at
// startup and shared; every call gets its own inference context.
type NativeProvider struct {
	model    whisperlib.Model
	language string

	// sem bounds concurrent inferences; whisper contexts are memory hungry.
	sem chan struct{}

	closeOnce sync.Once
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the default language code used when a request
// carries no hint (e.g., "en", "de", "auto"). Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeConcurrency bounds the number of simultaneous inferences.
// Defaults to 1.
func WithNativeConcurrency(n int) NativeOption {
	return func(p *NativeProvider) {
		if n > 0 {
			p.sem = make(chan struct{}, n)
		}
	}
}

// NewNative creates a NativeProvider that loads the whisper.cpp model from
// the given file path. The caller must call Close when the provider is no
// longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &NativeProvider{
		model:    model,
		language: defaultLanguage,
		sem:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model.
func (p *NativeProvider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.model != nil {
			err = p.model.Close()
		}
	})
	return err
}

// Transcribe implements [stt.Provider]. Inference itself cannot be
// interrupted; ctx is honoured while waiting for a free inference slot and
// checked again once inference returns.
func (p *NativeProvider) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.sem }()

	lang := req.Language
	if lang == "" {
		lang = p.language
	}

	text, confidence, err := p.infer(audio.Resample(req.Audio, req.SampleRate, modelRate), lang)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if text == "" {
		return nil, stt.ErrNoSpeech
	}
	return &stt.Result{
		Text:       text,
		Confidence: confidence,
		Language:   lang,
		Quality:    stt.MeasureQuality(req.Audio, req.SampleRate),
	}, nil
}

// infer runs whisper.cpp on a fresh context and returns the joined segment
// text and the mean token probability.
func (p *NativeProvider) infer(samples []float32, lang string) (string, float64, error) {
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", 0, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "err", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", 0, fmt.Errorf("whisper: process audio: %w", err)
	}

	var (
		parts  []string
		probs  float64
		tokens int
	)
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", 0, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		for _, tok := range segment.Tokens {
			probs += float64(tok.P)
			tokens++
		}
	}
	confidence := 1.0
	if tokens > 0 {
		confidence = probs / float64(tokens)
	}
	return strings.Join(parts, " "), confidence, nil
}
