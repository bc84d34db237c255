// Package openai provides a TTS provider backed by the OpenAI speech API.
//
// Voice profiles are translated into the request's speed parameter and, for
// instruction-following models (gpt-4o-mini-tts), into a short natural
// language delivery instruction built from the profile's expressive
// attributes.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/audio/codec"
	"github.com/MrWong99/attune/pkg/provider/tts"
)

const (
	defaultModel = "gpt-4o-mini-tts"
	defaultVoice = "alloy"

	// pcmRate is the fixed rate of the API's raw "pcm" response format.
	pcmRate = 24000
)

// Format is the payload format requested from the API.
type Format string

const (
	FormatPCM Format = "pcm"
	FormatWAV Format = "wav"
	FormatMP3 Format = "mp3"
)

// Provider implements tts.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
	voice  string
	format Format
}

var _ tts.Provider = (*Provider)(nil)

type config struct {
	baseURL string
	timeout time.Duration
	voice   string
	format  Format
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithDefaultVoice sets the voice used when a request's profile has no ID.
func WithDefaultVoice(voice string) Option {
	return func(c *config) { c.voice = voice }
}

// WithFormat selects the payload format. Defaults to [FormatPCM].
func WithFormat(f Format) Option {
	return func(c *config) { c.format = f }
}

// New constructs a new OpenAI TTS Provider. model defaults to gpt-4o-mini-tts.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		model = defaultModel
	}
	cfg := &config{voice: defaultVoice, format: FormatPCM}
	for _, o := range opts {
		o(cfg)
	}
	switch cfg.format {
	case FormatPCM, FormatWAV, FormatMP3:
	default:
		return nil, fmt.Errorf("openai: unsupported format %q", cfg.format)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  model,
		voice:  cfg.voice,
		format: cfg.format,
	}, nil
}

// Synthesize implements [tts.Provider].
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	if err := tts.ValidateRequest(req); err != nil {
		return nil, err
	}
	model := p.modelFor(req.Quality.Tier)
	voice := req.Voice.ID
	if voice == "" {
		voice = p.voice
	}

	params := oai.AudioSpeechNewParams{
		Input:          req.Text,
		Model:          oai.SpeechModel(model),
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormat(p.format),
		Speed:          oai.Float(clampSpeed(req.Rate())),
	}
	if strings.HasPrefix(model, "gpt-4o") {
		params.Instructions = oai.String(Instructions(req))
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: speech: %w", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read speech body: %w", err)
	}

	samples, rate, err := p.decode(payload)
	if err != nil {
		return nil, err
	}
	return tts.Finalize(samples, rate, len(payload), req), nil
}

func (p *Provider) decode(payload []byte) ([]float32, int, error) {
	switch p.format {
	case FormatPCM:
		return audio.PCM16ToFloat32(payload), pcmRate, nil
	default:
		samples, rate, err := codec.Decode(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("openai: decode %s: %w", p.format, err)
		}
		return samples, rate, nil
	}
}

func (p *Provider) modelFor(tier tts.QualityTier) string {
	switch tier {
	case tts.QualityFast:
		return string(oai.SpeechModelTTS1)
	case tts.QualityHigh:
		return string(oai.SpeechModelTTS1HD)
	default:
		return p.model
	}
}

func clampSpeed(s float64) float64 {
	return max(0.25, min(4.0, s))
}

// Instructions renders the request's voice profile as a delivery instruction
// for instruction-following speech models.
func Instructions(req tts.Request) string {
	v := req.Voice
	var parts []string
	add := func(level float64, high, low string) {
		switch {
		case level >= 0.75 && high != "":
			parts = append(parts, high)
		case level <= 0.25 && low != "":
			parts = append(parts, low)
		}
	}
	add(v.Warmth, "Speak warmly and gently", "Keep a matter-of-fact delivery")
	add(v.Empathy, "sound deeply understanding", "")
	add(v.Calmness, "stay very calm and steady", "")
	add(v.Authority, "sound confident and assured", "avoid sounding commanding")
	add(v.Clarity, "articulate every word clearly", "")

	switch v.Pace {
	case tts.PaceVerySlow:
		parts = append(parts, "speak very slowly with long pauses")
	case tts.PaceSlow:
		parts = append(parts, "speak slowly")
	case tts.PaceEnergetic:
		parts = append(parts, "speak with an upbeat, lively rhythm")
	}
	switch pitch := v.Pitch + req.Options.Pitch; {
	case pitch <= -0.15:
		parts = append(parts, "use a lower pitch")
	case pitch >= 0.15:
		parts = append(parts, "use a slightly higher pitch")
	}
	switch v.Tone {
	case tts.ToneGrounding:
		parts = append(parts, "use a grounding, reassuring tone")
	case tts.ToneDeescalating:
		parts = append(parts, "use a soft, de-escalating tone")
	case tts.ToneUpbeat:
		parts = append(parts, "use a bright tone")
	}
	if len(req.Options.Emphasis) > 0 {
		parts = append(parts, "stress the words: "+strings.Join(req.Options.Emphasis, ", "))
	}
	if d := req.Options.SentencePause; d > 0 {
		parts = append(parts, fmt.Sprintf("pause about %.1f seconds between sentences", d.Seconds()))
	}
	if len(parts) == 0 {
		return "Speak in a natural, neutral tone."
	}
	s := strings.Join(parts, "; ") + "."
	return strings.ToUpper(s[:1]) + s[1:]
}
