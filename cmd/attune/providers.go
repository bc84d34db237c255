package main

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/attune/internal/app"
	"github.com/MrWong99/attune/internal/config"
	"github.com/MrWong99/attune/internal/engine"
	"github.com/MrWong99/attune/internal/resilience"
	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/audio/device"
	"github.com/MrWong99/attune/pkg/provider/emotion"
	"github.com/MrWong99/attune/pkg/provider/emotion/wsclient"
	"github.com/MrWong99/attune/pkg/provider/llm"
	"github.com/MrWong99/attune/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/attune/pkg/provider/llm/openai"
	"github.com/MrWong99/attune/pkg/provider/stt"
	oastt "github.com/MrWong99/attune/pkg/provider/stt/openai"
	"github.com/MrWong99/attune/pkg/provider/stt/whisper"
	"github.com/MrWong99/attune/pkg/provider/tts"
	"github.com/MrWong99/attune/pkg/provider/tts/cache"
	"github.com/MrWong99/attune/pkg/provider/tts/elevenlabs"
	oatts "github.com/MrWong99/attune/pkg/provider/tts/openai"
	"github.com/MrWong99/attune/pkg/provider/vad"
	"github.com/MrWong99/attune/pkg/provider/vad/energy"
)

// Playback sink defaults: 20 ms buffers at 48 kHz. The sink resamples
// whatever rate the synthesis backend produces.
const (
	sinkSampleRate = 48000
	sinkFrameSize  = 960
)

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := entry.Option("organization", ""); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		if user := entry.Option("user", ""); user != "" {
			opts = append(opts, oallm.WithUser(user))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// The remaining vendors share one pattern through any-llm: optional
	// APIKey plus optional BaseURL.
	for _, backend := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "ollama",
	} {
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []oastt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oastt.WithBaseURL(entry.BaseURL))
		}
		if lang := entry.Option("language", ""); lang != "" {
			opts = append(opts, oastt.WithLanguage(lang))
		}
		return oastt.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.Option("language", ""); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.Option("model_path", "")
		}
		var opts []whisper.NativeOption
		if lang := entry.Option("language", ""); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if n, err := strconv.Atoi(entry.Option("concurrency", "")); err == nil && n > 0 {
			opts = append(opts, whisper.WithNativeConcurrency(n))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────
	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		opts := []oatts.Option{oatts.WithFormat(oatts.Format(entry.Option("format", string(oatts.FormatPCM))))}
		if entry.BaseURL != "" {
			opts = append(opts, oatts.WithBaseURL(entry.BaseURL))
		}
		if voice := entry.Option("voice", ""); voice != "" {
			opts = append(opts, oatts.WithDefaultVoice(voice))
		}
		return oatts.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if f := entry.Option("output_format", ""); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		if voice := entry.Option("voice_id", ""); voice != "" {
			opts = append(opts, elevenlabs.WithDefaultVoice(voice))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── Emotion ───────────────────────────────────────────────────────────────
	reg.RegisterEmotion("websocket", func(entry config.ProviderEntry) (emotion.Provider, error) {
		var opts []wsclient.Option
		if entry.APIKey != "" {
			opts = append(opts, wsclient.WithHeader("Authorization", "Bearer "+entry.APIKey))
		}
		if rate, err := strconv.Atoi(entry.Option("sample_rate", "")); err == nil {
			opts = append(opts, wsclient.WithSampleRate(rate))
		}
		return wsclient.New(entry.BaseURL, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────
	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	// ── Audio ─────────────────────────────────────────────────────────────────
	reg.RegisterAudio("portaudio", func(config.ProviderEntry) (audio.Source, error) {
		return device.NewSource(), nil
	})
	reg.RegisterAudio("file", func(entry config.ProviderEntry) (audio.Source, error) {
		return &device.FileSource{Path: entry.BaseURL, Loop: entry.Option("loop", "") == "true"}, nil
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry.
// Collaborators with fallbacks are wrapped in circuit-breaking fallback
// groups. The returned cleanup releases native resources (PortAudio,
// whisper models) and must be called after the application shut down.
func buildProviders(cfg *config.Config, reg *config.Registry) (_ *app.Providers, cleanup func(), err error) {
	var closers []func() error
	cleanup = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				slog.Warn("provider cleanup", "err", err)
			}
		}
	}
	defer func() {
		if err != nil {
			cleanup()
		}
	}()
	track := func(v any) {
		if c, ok := v.(io.Closer); ok {
			closers = append(closers, c.Close)
		}
	}

	fb := resilience.FallbackConfig{CircuitBreaker: cfg.ErrorHandling.CircuitBreaker}
	ps := &app.Providers{
		Names: engine.ProviderNames{
			STT:       cfg.Providers.STT.Name,
			Responder: cfg.Providers.LLM.Name,
			TTS:       cfg.Providers.TTS.Name,
		},
	}

	// ── STT ───────────────────────────────────────────────────────────────────
	sttEntry := cfg.Providers.STT
	primarySTT, err := reg.CreateSTT(sttEntry)
	if err != nil {
		return nil, nil, fmt.Errorf("create stt provider %q: %w", sttEntry.Name, err)
	}
	track(primarySTT)
	ps.STT = primarySTT
	if len(sttEntry.Fallbacks) > 0 {
		group := resilience.NewSTTFallback(primarySTT, sttEntry.Name, fb)
		for _, e := range sttEntry.Fallbacks {
			p, err := reg.CreateSTT(e)
			if err != nil {
				return nil, nil, fmt.Errorf("create stt fallback %q: %w", e.Name, err)
			}
			track(p)
			group.AddFallback(e.Name, p)
		}
		ps.STT = group
	}
	slog.Info("provider created", "kind", "stt", "name", sttEntry.Name, "fallbacks", len(sttEntry.Fallbacks))

	// ── LLM ───────────────────────────────────────────────────────────────────
	llmEntry := cfg.Providers.LLM
	primaryLLM, err := reg.CreateLLM(llmEntry)
	if err != nil {
		return nil, nil, fmt.Errorf("create llm provider %q: %w", llmEntry.Name, err)
	}
	ps.LLM = primaryLLM
	if len(llmEntry.Fallbacks) > 0 {
		group := resilience.NewLLMFallback(primaryLLM, llmEntry.Name, fb)
		for _, e := range llmEntry.Fallbacks {
			p, err := reg.CreateLLM(e)
			if err != nil {
				return nil, nil, fmt.Errorf("create llm fallback %q: %w", e.Name, err)
			}
			group.AddFallback(e.Name, p)
		}
		ps.LLM = group
	}
	slog.Info("provider created", "kind", "llm", "name", llmEntry.Name, "fallbacks", len(llmEntry.Fallbacks))

	// ── TTS ───────────────────────────────────────────────────────────────────
	ttsEntry := cfg.Providers.TTS
	primaryTTS, err := reg.CreateTTS(ttsEntry)
	if err != nil {
		return nil, nil, fmt.Errorf("create tts provider %q: %w", ttsEntry.Name, err)
	}
	ps.TTS = primaryTTS
	if len(ttsEntry.Fallbacks) > 0 {
		group := resilience.NewTTSFallback(primaryTTS, ttsEntry.Name, fb)
		for _, e := range ttsEntry.Fallbacks {
			p, err := reg.CreateTTS(e)
			if err != nil {
				return nil, nil, fmt.Errorf("create tts fallback %q: %w", e.Name, err)
			}
			group.AddFallback(e.Name, p)
		}
		ps.TTS = group
	}
	if cc := cfg.Providers.TTSCache; cc.Entries > 0 {
		var opts []cache.Option
		if cc.TTL > 0 {
			opts = append(opts, cache.WithTTL(cc.TTL))
		}
		ps.TTS = cache.New(ps.TTS, cc.Entries, opts...)
	}
	slog.Info("provider created", "kind", "tts", "name", ttsEntry.Name, "fallbacks", len(ttsEntry.Fallbacks), "cache_entries", cfg.Providers.TTSCache.Entries)

	// ── Emotion (optional) ────────────────────────────────────────────────────
	if e := cfg.Providers.Emotion; e.Name != "" {
		p, err := reg.CreateEmotion(e)
		if err != nil {
			return nil, nil, fmt.Errorf("create emotion provider %q: %w", e.Name, err)
		}
		ps.Emotion = p
		slog.Info("provider created", "kind", "emotion", "name", e.Name)
	}

	// ── VAD ───────────────────────────────────────────────────────────────────
	ps.VAD, err = reg.CreateVAD(cfg.Providers.VAD)
	if err != nil {
		return nil, nil, fmt.Errorf("create vad %q: %w", cfg.Providers.VAD.Name, err)
	}

	// ── Audio ─────────────────────────────────────────────────────────────────
	audioEntry := cfg.Providers.Audio
	output := audioEntry.Option("output_device", "")
	needPortAudio := audioEntry.Name == "portaudio" || output != "none"
	if needPortAudio {
		release, err := device.Init()
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, release)
	}

	ps.Audio, err = reg.CreateAudio(audioEntry)
	if err != nil {
		return nil, nil, fmt.Errorf("create audio source %q: %w", audioEntry.Name, err)
	}

	if output == "none" {
		ps.Sink = discardSink{}
	} else {
		sink, err := device.NewSink(output, sinkSampleRate, sinkFrameSize)
		if err != nil {
			return nil, nil, fmt.Errorf("open playback device: %w", err)
		}
		ps.Sink = sink
		closers = append(closers, sink.Close)
	}
	slog.Info("provider created", "kind", "audio", "name", audioEntry.Name, "output", output)

	return ps, cleanup, nil
}

// discardSink drops playback. It lets file-driven soak runs work on hosts
// without an output device.
type discardSink struct{}

func (discardSink) Write(audio.Frame) error { return nil }
func (discardSink) Close() error            { return nil }
