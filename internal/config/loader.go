package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":     {"openai", "whisper", "whisper-native"},
	"llm":     {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts":     {"openai", "elevenlabs"},
	"emotion": {"websocket"},
	"vad":     {"energy"},
	"audio":   {"portaudio", "file"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected. ${VAR} references are
// expanded from the environment before decoding.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error
	section := func(name string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	section("capture", cfg.Capture.Validate())
	section("bus", cfg.Bus.Validate())
	section("conversation", cfg.EngineConfig().Validate())
	section("crisis", cfg.Crisis.Validate())

	// The gate must stay open long enough for the segmenter to see the
	// trailing silence that ends an utterance.
	if cfg.Bus.Gating && cfg.Bus.GateHangover > 0 && cfg.Bus.GateHangover < cfg.Conversation.Segmentation.TrailingSilence {
		errs = append(errs, fmt.Errorf("bus.gate_hangover %v is shorter than conversation.segmentation.trailing_silence %v",
			cfg.Bus.GateHangover, cfg.Conversation.Segmentation.TrailingSilence))
	}
	if cfg.Conversation.VAD.SampleRate != 0 && cfg.Conversation.VAD.SampleRate > cfg.Capture.SampleRate {
		slog.Warn("conversation.vad.sample_rate exceeds the capture rate; audio will be upsampled",
			"vad", cfg.Conversation.VAD.SampleRate, "capture", cfg.Capture.SampleRate)
	}

	// Providers
	for _, kind := range []struct {
		name  string
		entry ProviderEntry
	}{
		{"stt", cfg.Providers.STT},
		{"llm", cfg.Providers.LLM},
		{"tts", cfg.Providers.TTS},
	} {
		if kind.entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.name is required", kind.name))
		}
		validateProviderName(kind.name, kind.entry.Name)
		for i, fb := range kind.entry.Fallbacks {
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d].name is required", kind.name, i))
			}
			validateProviderName(kind.name, fb.Name)
		}
	}
	validateProviderName("emotion", cfg.Providers.Emotion.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("audio", cfg.Providers.Audio.Name)
	if cfg.Providers.Emotion.Name != "" && cfg.Providers.Emotion.BaseURL == "" {
		errs = append(errs, errors.New("providers.emotion.base_url is required"))
	}
	if cfg.Providers.Audio.Name == "file" && cfg.Providers.Audio.BaseURL == "" {
		errs = append(errs, errors.New("providers.audio.base_url must name the file to replay"))
	}
	if cfg.Providers.TTSCache.Entries < 0 || cfg.Providers.TTSCache.TTL < 0 {
		errs = append(errs, errors.New("providers.tts_cache entries and ttl must not be negative"))
	}
	if cfg.Providers.Emotion.Name == "" {
		slog.Warn("providers.emotion is not configured; crisis detection relies on keywords and generation flags only")
	}

	// Responder
	if cfg.Responder.HistoryLimit < 0 || cfg.Responder.MaxTokens < 0 {
		errs = append(errs, errors.New("responder.history_limit and max_tokens must not be negative"))
	}
	if cfg.Responder.Temperature < 0 || cfg.Responder.Temperature > 2 {
		errs = append(errs, fmt.Errorf("responder.temperature %.2f is out of range [0, 2]", cfg.Responder.Temperature))
	}

	// Storage
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; session logs will not survive a restart")
	}

	if cfg.Recorder.Enabled {
		section("recorder", cfg.Recorder.Config.Validate())
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
