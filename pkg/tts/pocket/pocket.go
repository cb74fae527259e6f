// Package pocket provides a tts.Provider backed by a locally running
// pocket-tts sidecar server. Synthesis is one HTTP POST per chunk; the
// sidecar returns a complete WAV container at the model's native rate.
//
// The sidecar runs one in-process model instance, so the provider declares
// itself serial and the registry will not overlap Synthesize calls.
//
// Typical usage:
//
//	p := pocket.New("http://localhost:8484", pocket.WithVoice("alba"))
//	chunk, err := p.Synthesize(ctx, "Hello!", "", tts.Options{})
package pocket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MCERQUA/openvoiceui/pkg/audio/wavglue"
	"github.com/MCERQUA/openvoiceui/pkg/tts"
)

// Compile-time interface assertions.
var (
	_ tts.Provider       = (*Provider)(nil)
	_ tts.SerialProvider = (*Provider)(nil)
)

const (
	// ProviderID is the registry id of this provider.
	ProviderID = "pocket"

	defaultVoice   = "alba"
	defaultTimeout = 30 * time.Second

	synthesizeEndpoint = "/api/v1/synthesize"
	voicesEndpoint     = "/api/v1/voices"
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithVoice overrides the default voice id.
func WithVoice(v string) Option {
	return func(p *Provider) {
		if v != "" {
			p.voice = v
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

// Provider implements tts.Provider against a pocket-tts sidecar.
type Provider struct {
	baseURL    string
	voice      string
	httpClient *http.Client
}

// New creates a Provider targeting the sidecar at baseURL. An empty
// baseURL yields a provider that registers inactive.
func New(baseURL string, opts ...Option) *Provider {
	p := &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		voice:   defaultVoice,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ID returns "pocket".
func (p *Provider) ID() string { return ProviderID }

// DefaultVoice returns the configured default voice id.
func (p *Provider) DefaultVoice() string { return p.voice }

// IsAvailable reports whether a sidecar URL is configured.
func (p *Provider) IsAvailable() bool { return p.baseURL != "" }

// Serial reports true: the sidecar holds one model instance.
func (p *Provider) Serial() bool { return true }

// synthRequest is the JSON body sent to the synthesize endpoint.
type synthRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

// Synthesize performs one POST to the sidecar and returns its WAV output.
func (p *Provider) Synthesize(ctx context.Context, text, voice string, _ tts.Options) (tts.AudioChunk, error) {
	if p.baseURL == "" {
		return tts.AudioChunk{}, errors.New("pocket: no sidecar URL configured")
	}
	if voice == "" {
		voice = p.voice
	}

	body, err := json.Marshal(synthRequest{Text: text, Voice: voice})
	if err != nil {
		return tts.AudioChunk{}, fmt.Errorf("pocket: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+synthesizeEndpoint, bytes.NewReader(body))
	if err != nil {
		return tts.AudioChunk{}, fmt.Errorf("pocket: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")

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
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return tts.AudioChunk{}, &tts.ReasonError{
			Provider: ProviderID,
			Reason:   tts.ReasonGeneric,
			Message:  fmt.Sprintf("sidecar returned %d: %s", resp.StatusCode, errBody),
		}
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.AudioChunk{}, fmt.Errorf("pocket: read response: %w", err)
	}

	info, err := wavglue.Parse(wav)
	if err != nil {
		return tts.AudioChunk{}, fmt.Errorf("pocket: %w", err)
	}
	return tts.AudioChunk{
		Bytes:         wav,
		Format:        tts.FormatWAV,
		SampleRate:    info.SampleRate,
		Channels:      info.Channels,
		BitsPerSample: info.BitsPerSample,
	}, nil
}

// ListVoices retrieves the sidecar's voice catalogue. A sidecar without a
// voices endpoint yields the single default voice.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	if p.baseURL == "" {
		return nil, errors.New("pocket: no sidecar URL configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+voicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("pocket: create voices request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pocket: GET %s: %w", voicesEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return []tts.Voice{{ID: p.voice, Name: p.voice}}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pocket: GET %s returned %d", voicesEndpoint, resp.StatusCode)
	}

	var names []string
	if err := json.NewDecoder(resp.Body).Decode(&names); err != nil {
		return nil, fmt.Errorf("pocket: decode voices: %w", err)
	}
	voices := make([]tts.Voice, 0, len(names))
	for _, name := range names {
		voices = append(voices, tts.Voice{ID: name, Name: name})
	}
	return voices, nil
}
