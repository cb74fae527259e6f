// Package groq provides a tts.Provider backed by the Groq speech API
// (OpenAI-compatible POST /audio/speech). Synthesis is one HTTP call per
// chunk; the API returns a complete WAV or MP3 container.
//
// API failures are classified into the reason codes the client stream
// surfaces in tts_error frames (terms acceptance, rate limit, quota,
// bad key) by inspecting the error body.
//
// Typical usage:
//
//	p := groq.New(os.Getenv("GROQ_API_KEY"),
//	    groq.WithVoice("Celeste-PlayAI"),
//	    groq.WithFormat(tts.FormatWAV),
//	)
//	chunk, err := p.Synthesize(ctx, "Hello!", "", tts.Options{})
package groq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MCERQUA/openvoiceui/pkg/audio/wavglue"
	"github.com/MCERQUA/openvoiceui/pkg/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	// ProviderID is the registry id of this provider.
	ProviderID = "groq"

	defaultBaseURL = "https://api.groq.com/openai/v1"
	defaultModel   = "playai-tts"
	defaultVoice   = "Celeste-PlayAI"
	defaultTimeout = 30 * time.Second

	speechEndpoint = "/audio/speech"

	// maxErrorBody caps how much of an error response is read for
	// classification and logging.
	maxErrorBody = 2048
)

// voiceCatalogue is the fixed voice set of the playai-tts model. The API
// exposes no listing endpoint, so the catalogue is static.
var voiceCatalogue = []tts.Voice{
	{ID: "Arista-PlayAI", Name: "Arista"},
	{ID: "Atlas-PlayAI", Name: "Atlas"},
	{ID: "Basil-PlayAI", Name: "Basil"},
	{ID: "Briggs-PlayAI", Name: "Briggs"},
	{ID: "Celeste-PlayAI", Name: "Celeste"},
	{ID: "Cheyenne-PlayAI", Name: "Cheyenne"},
	{ID: "Chip-PlayAI", Name: "Chip"},
	{ID: "Cillian-PlayAI", Name: "Cillian"},
	{ID: "Deedee-PlayAI", Name: "Deedee"},
	{ID: "Fritz-PlayAI", Name: "Fritz"},
	{ID: "Gail-PlayAI", Name: "Gail"},
	{ID: "Indigo-PlayAI", Name: "Indigo"},
	{ID: "Mamaw-PlayAI", Name: "Mamaw"},
	{ID: "Mason-PlayAI", Name: "Mason"},
	{ID: "Mikail-PlayAI", Name: "Mikail"},
	{ID: "Mitch-PlayAI", Name: "Mitch"},
	{ID: "Quinn-PlayAI", Name: "Quinn"},
	{ID: "Thunder-PlayAI", Name: "Thunder"},
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (e.g. a proxy).
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		if u != "" {
			p.baseURL = u
		}
	}
}

// WithModel overrides the speech model id.
func WithModel(m string) Option {
	return func(p *Provider) {
		if m != "" {
			p.model = m
		}
	}
}

// WithVoice overrides the default voice id.
func WithVoice(v string) Option {
	return func(p *Provider) {
		if v != "" {
			p.voice = v
		}
	}
}

// WithFormat sets the container format requested from the API.
// Defaults to WAV so chunk outputs can be re-glued.
func WithFormat(f tts.Format) Option {
	return func(p *Provider) {
		if f != "" {
			p.format = f
		}
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the HTTP client (used by tests).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// Provider implements tts.Provider against the Groq speech API. It is safe
// for concurrent use.
type Provider struct {
	apiKey     string
	baseURL    string
	model      string
	voice      string
	format     tts.Format
	httpClient *http.Client
}

// New creates a Provider. An empty apiKey yields a provider that registers
// inactive (IsAvailable reports false) but still lists its catalogue.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		voice:   defaultVoice,
		format:  tts.FormatWAV,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ID returns "groq".
func (p *Provider) ID() string { return ProviderID }

// DefaultVoice returns the configured default voice id.
func (p *Provider) DefaultVoice() string { return p.voice }

// IsAvailable reports whether an API key is configured.
func (p *Provider) IsAvailable() bool { return p.apiKey != "" }

// ListVoices returns the static playai-tts voice catalogue.
func (p *Provider) ListVoices(context.Context) ([]tts.Voice, error) {
	out := make([]tts.Voice, len(voiceCatalogue))
	copy(out, voiceCatalogue)
	return out, nil
}

// speechRequest is the JSON body sent to POST /audio/speech.
type speechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed,omitempty"`
}

// Synthesize performs one POST /audio/speech call and returns the
// container bytes. WAV responses are parsed for their PCM format so the
// chunker can glue multiple results.
func (p *Provider) Synthesize(ctx context.Context, text, voice string, opts tts.Options) (tts.AudioChunk, error) {
	if voice == "" {
		voice = p.voice
	}
	format := p.format
	if opts.Format != "" {
		format = opts.Format
	}

	body, err := json.Marshal(speechRequest{
		Model:          p.model,
		Input:          text,
		Voice:          voice,
		ResponseFormat: string(format),
		Speed:          opts.Speed,
	})
	if err != nil {
		return tts.AudioChunk{}, fmt.Errorf("groq: marshal speech request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+speechEndpoint, bytes.NewReader(body))
	if err != nil {
		return tts.AudioChunk{}, fmt.Errorf("groq: create speech request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return tts.AudioChunk{}, &tts.ReasonError{
			Provider: ProviderID,
			Reason:   tts.ReasonGeneric,
			Message:  err.Error(),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return tts.AudioChunk{}, &tts.ReasonError{
			Provider: ProviderID,
			Reason:   tts.ClassifyAPIError(string(errBody)),
			Message:  fmt.Sprintf("speech API returned %d: %s", resp.StatusCode, errBody),
		}
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.AudioChunk{}, fmt.Errorf("groq: read speech response: %w", err)
	}

	chunk := tts.AudioChunk{Bytes: audio, Format: format}
	if format == tts.FormatWAV {
		if info, err := wavglue.Parse(audio); err == nil {
			chunk.SampleRate = info.SampleRate
			chunk.Channels = info.Channels
			chunk.BitsPerSample = info.BitsPerSample
		}
	}
	return chunk, nil
}
