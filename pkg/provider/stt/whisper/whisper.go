// Package whisper provides whisper.cpp-backed STT providers.
//
// [Provider] talks to a running whisper-server binary (which exposes a REST
// API at POST /inference). Each utterance is uploaded as a 16-bit WAV file and
// the verbose JSON response is reduced to text, a confidence derived from the
// segments' average log-probabilities, and the detected language.
//
// [NativeProvider] runs the same model in-process through the whisper.cpp cgo
// bindings.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	res, err := p.Transcribe(ctx, stt.Request{Audio: samples, SampleRate: 16000})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/attune/pkg/audio"
	"github.com/MrWong99/attune/pkg/audio/codec"
	"github.com/MrWong99/attune/pkg/provider/stt"
)

const (
	// modelRate is the sample rate whisper models are trained on. Audio at any
	// other rate is resampled before upload.
	modelRate = 16000

	defaultLanguage = "en"

	// noSpeechProb is the per-segment no-speech probability above which a
	// segment is ignored.
	noSpeechProb = 0.6
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default language code sent to the whisper.cpp server
// when a request carries no hint. Defaults to "en". "auto" enables detection.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithHTTPClient overrides the HTTP client. The default has a 30 s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements stt.Provider backed by a whisper.cpp HTTP server.
type Provider struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a new Provider that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// inferenceResponse is the subset of whisper-server's verbose_json payload
// that is used.
type inferenceResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		Text         string  `json:"text"`
		AvgLogprob   float64 `json:"avg_logprob"`
		NoSpeechProb float64 `json:"no_speech_prob"`
	} `json:"segments"`
}

// Transcribe implements [stt.Provider].
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	lang := req.Language
	if lang == "" {
		lang = p.language
	}

	wav, err := codec.EncodeWAV(audio.Resample(req.Audio, req.SampleRate, modelRate), modelRate)
	if err != nil {
		return nil, fmt.Errorf("whisper: encode wav: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, fmt.Errorf("whisper: write wav data: %w", err)
	}
	fields := map[string]string{
		"response_format": "verbose_json",
		"language":        lang,
		"model":           p.model,
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return nil, fmt.Errorf("whisper: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("whisper: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var out inferenceResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	text, confidence := reduce(out)
	if text == "" {
		return nil, stt.ErrNoSpeech
	}
	if out.Language != "" {
		lang = out.Language
	}
	return &stt.Result{
		Text:       text,
		Confidence: confidence,
		Language:   lang,
		Quality:    stt.MeasureQuality(req.Audio, req.SampleRate),
	}, nil
}

// reduce joins the speech segments and averages their token probabilities.
// Responses without segments (plain "json" format servers) fall back to the
// top-level text with confidence 1.
func reduce(r inferenceResponse) (string, float64) {
	if len(r.Segments) == 0 {
		return strings.TrimSpace(r.Text), 1
	}
	var (
		parts []string
		sum   float64
	)
	for _, seg := range r.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" || seg.NoSpeechProb > noSpeechProb {
			continue
		}
		parts = append(parts, text)
		sum += math.Exp(seg.AvgLogprob)
	}
	if len(parts) == 0 {
		return "", 0
	}
	return strings.Join(parts, " "), math.Min(1, sum/float64(len(parts)))
}
