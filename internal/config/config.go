// Package config provides the configuration schema, loader, watcher and
// provider registry for attune.
//
// The schema reuses the subsystem config types directly (capture, bus,
// conversation, crisis, recorder) so that every YAML key is documented once,
// next to the code that consumes it.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/attune/internal/bus"
	"github.com/MrWong99/attune/internal/engine"
	"github.com/MrWong99/attune/internal/recorder"
	"github.com/MrWong99/attune/internal/resilience"
	"github.com/MrWong99/attune/internal/safety"
	"github.com/MrWong99/attune/pkg/audio"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l onto a [slog.Level]. Unknown levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader], which apply defaults and
// validate.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Capture       audio.CaptureConfig `yaml:"capture"`
	Bus           bus.Config          `yaml:"bus"`
	Conversation  engine.Config       `yaml:"conversation"`
	ErrorHandling ErrorHandlingConfig `yaml:"error_handling"`
	Crisis        safety.Config       `yaml:"crisis"`
	Responder     ResponderConfig     `yaml:"responder"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Storage       StorageConfig       `yaml:"storage"`
	Recorder      RecorderConfig      `yaml:"recorder"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds network and logging settings for the control API.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ErrorHandlingConfig groups the failure policies of the conversation.
type ErrorHandlingConfig struct {
	// Retry is the per-collaborator retry policy.
	Retry engine.Retries `yaml:"retry"`

	// CircuitBreaker guards every provider in a fallback group.
	CircuitBreaker resilience.CircuitBreakerConfig `yaml:"circuit_breaker"`

	// DegradedMode keeps the session alive in text-only mode when audio
	// fails.
	DegradedMode bool `yaml:"degraded_mode"`
}

// ResponderConfig tunes reply generation.
type ResponderConfig struct {
	// SystemPrompt replaces the built-in companion prompt when set.
	SystemPrompt string  `yaml:"system_prompt"`
	HistoryLimit int     `yaml:"history_limit"`
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`
}

// ProvidersConfig declares which provider implementation to use for each
// collaborator. Each entry selects a named factory in the [Registry].
type ProvidersConfig struct {
	STT     ProviderEntry `yaml:"stt"`
	LLM     ProviderEntry `yaml:"llm"`
	TTS     ProviderEntry `yaml:"tts"`
	Emotion ProviderEntry `yaml:"emotion"`
	VAD     ProviderEntry `yaml:"vad"`
	Audio   ProviderEntry `yaml:"audio"`

	// TTSCache sizes the synthesis cache in front of the TTS provider.
	TTSCache CacheConfig `yaml:"tts_cache"`
}

// ProviderEntry is the common configuration block shared by all provider
// types.
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint. For the emotion
	// analyzer it is the WebSocket URL; for the file audio source the path.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order when this provider fails or its circuit
	// is open. Only stt, llm and tts support fallbacks.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// Option returns the string option key, or def when unset.
func (e ProviderEntry) Option(key, def string) string {
	if v, ok := e.Options[key].(string); ok && v != "" {
		return v
	}
	return def
}

// CacheConfig sizes a cache. Zero entries disables it.
type CacheConfig struct {
	Entries int           `yaml:"entries"`
	TTL     time.Duration `yaml:"ttl"`
}

// StorageConfig selects where session logs are persisted.
type StorageConfig struct {
	// PostgresDSN enables the Postgres session store. Empty keeps session
	// logs in memory only.
	PostgresDSN string `yaml:"postgres_dsn"`

	// ExportDir receives a JSON Lines export of every session when it ends.
	ExportDir string `yaml:"export_dir"`
}

// RecorderConfig enables the WAV recorder consumer.
type RecorderConfig struct {
	Enabled         bool `yaml:"enabled"`
	recorder.Config `yaml:",inline"`
}

// ObservabilityConfig configures telemetry.
type ObservabilityConfig struct {
	// ServiceName is reported in telemetry. Default "attune".
	ServiceName string `yaml:"service_name"`

	// MetricsPath serves the Prometheus scrape endpoint. Default "/metrics".
	MetricsPath string `yaml:"metrics_path"`
}

// EngineConfig returns the conversation config with the error handling
// section applied.
func (c *Config) EngineConfig() engine.Config {
	ec := c.Conversation
	ec.Retry = c.ErrorHandling.Retry
	ec.DegradedMode = c.ErrorHandling.DegradedMode
	return ec.WithDefaults()
}

// ApplyDefaults fills every unset field that has a sensible default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Capture.SampleRate == 0 {
		cfg.Capture.SampleRate = 16000
	}
	if cfg.Capture.FrameSize == 0 {
		cfg.Capture.FrameSize = cfg.Capture.SampleRate / 50
	}
	cfg.Conversation = cfg.Conversation.WithDefaults()
	d := engine.DefaultConfig()
	if cfg.ErrorHandling.Retry.Transcription == (resilience.RetryPolicy{}) {
		cfg.ErrorHandling.Retry.Transcription = d.Retry.Transcription
	}
	if cfg.ErrorHandling.Retry.Generation == (resilience.RetryPolicy{}) {
		cfg.ErrorHandling.Retry.Generation = d.Retry.Generation
	}
	if cfg.ErrorHandling.Retry.Synthesis == (resilience.RetryPolicy{}) {
		cfg.ErrorHandling.Retry.Synthesis = d.Retry.Synthesis
	}
	cfg.Crisis = cfg.Crisis.WithDefaults()
	if cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = "energy"
	}
	if cfg.Providers.Audio.Name == "" {
		cfg.Providers.Audio.Name = "portaudio"
	}
	if cfg.Recorder.Enabled {
		cfg.Recorder.Config = cfg.Recorder.Config.WithDefaults()
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "attune"
	}
	if cfg.Observability.MetricsPath == "" {
		cfg.Observability.MetricsPath = "/metrics"
	}
}
