// Package openai provides an STT provider backed by the OpenAI audio
// transcription API (whisper-1, gpt-4o-transcribe and compatible servers).
//
// Each utterance is encoded as a 16 kHz WAV upload. When the model supports
// token log-probabilities they are requested and averaged into
// [stt.Result.Confidence]; otherwise confidence is reported as 1.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/audio/codec"
	"github.com/MrWong99/attune/pkg/provider/stt"
)

const uploadRate = 16000

// Provider implements stt.Provider using the OpenAI API.
type Provider struct {
	client   oai.Client
	model    string
	language string
	logprobs bool
}

var _ stt.Provider = (*Provider)(nil)

type config struct {
	baseURL  string
	timeout  time.Duration
	language string
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

// WithLanguage sets the default language hint used when a request has none.
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// New constructs a new OpenAI STT Provider. model defaults to whisper-1.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		model = string(oai.AudioModelWhisper1)
	}
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	return &Provider{
		client:   oai.NewClient(reqOpts...),
		model:    model,
		language: cfg.language,
		logprobs: strings.HasPrefix(model, "gpt-4o"),
	}, nil
}

// Transcribe implements [stt.Provider].
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	wav, err := codec.EncodeWAV(audio.Resample(req.Audio, req.SampleRate, uploadRate), uploadRate)
	if err != nil {
		return nil, fmt.Errorf("openai: encode wav: %w", err)
	}

	lang := req.Language
	if lang == "" {
		lang = p.language
	}
	params := oai.AudioTranscriptionNewParams{
		File:           oai.File(bytes.NewReader(wav), "utterance.wav", "audio/wav"),
		Model:          oai.AudioModel(p.model),
		ResponseFormat: oai.AudioResponseFormatJSON,
	}
	if lang != "" {
		params.Language = oai.String(baseLanguage(lang))
	}
	if p.logprobs {
		params.Include = []oai.TranscriptionInclude{oai.TranscriptionIncludeLogprobs}
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: transcription: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return nil, stt.ErrNoSpeech
	}

	confidence := 1.0
	if n := len(resp.Logprobs); n > 0 {
		var sum float64
		for _, lp := range resp.Logprobs {
			sum += math.Exp(lp.Logprob)
		}
		confidence = sum / float64(n)
	}
	return &stt.Result{
		Text:       text,
		Confidence: confidence,
		Language:   lang,
		Quality:    stt.MeasureQuality(req.Audio, req.SampleRate),
	}, nil
}

// baseLanguage reduces a BCP-47 tag to the ISO-639-1 code the API expects.
func baseLanguage(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		return strings.ToLower(tag[:i])
	}
	return strings.ToLower(tag)
}
