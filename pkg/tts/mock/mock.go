// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider in unit tests to feed controlled audio chunks into the
// chunker and the orchestrator without a live synthesis backend. All
// fields are safe to set before calling any method.
package mock

import (
	"context"
	"sync"

	"github.com/MCERQUA/openvoiceui/pkg/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Text  string
	Voice string
	Opts  tts.Options
}

// Provider is a mock implementation of tts.Provider. The zero value
// synthesizes empty WAV chunks under the id "mock".
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// ProviderID is returned by ID. Defaults to "mock" when empty.
	ProviderID string

	// Voice is returned by DefaultVoice. Defaults to "mock-voice".
	Voice string

	// Voices is returned by ListVoices.
	Voices []tts.Voice

	// Available is returned by IsAvailable.
	Available bool

	// Chunk is returned by every Synthesize call unless SynthesizeFunc or
	// ChunksBySeq is set.
	Chunk tts.AudioChunk

	// ChunksBySeq, when non-nil, scripts per-call results: call N returns
	// ChunksBySeq[N] (falling back to Chunk past the end).
	ChunksBySeq []tts.AudioChunk

	// Err, if non-nil, is returned by Synthesize instead of a chunk.
	Err error

	// ErrBySeq, when non-nil, scripts per-call errors parallel to
	// ChunksBySeq; nil entries mean success.
	ErrBySeq []error

	// SynthesizeFunc, if set, overrides all of the above.
	SynthesizeFunc func(ctx context.Context, text, voice string, opts tts.Options) (tts.AudioChunk, error)

	// IsSerial makes the provider declare itself non-reentrant.
	IsSerial bool

	// --- Call records (read after test) ---

	// Calls records every invocation of Synthesize in order.
	Calls []SynthesizeCall
}

// ID returns ProviderID, defaulting to "mock".
func (p *Provider) ID() string {
	if p.ProviderID == "" {
		return "mock"
	}
	return p.ProviderID
}

// DefaultVoice returns Voice, defaulting to "mock-voice".
func (p *Provider) DefaultVoice() string {
	if p.Voice == "" {
		return "mock-voice"
	}
	return p.Voice
}

// ListVoices returns Voices.
func (p *Provider) ListVoices(context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]tts.Voice, len(p.Voices))
	copy(out, p.Voices)
	return out, nil
}

// IsAvailable returns Available.
func (p *Provider) IsAvailable() bool { return p.Available }

// Serial returns IsSerial.
func (p *Provider) Serial() bool { return p.IsSerial }

// Synthesize records the call and returns the scripted chunk or error.
func (p *Provider) Synthesize(ctx context.Context, text, voice string, opts tts.Options) (tts.AudioChunk, error) {
	p.mu.Lock()
	call := len(p.Calls)
	p.Calls = append(p.Calls, SynthesizeCall{Text: text, Voice: voice, Opts: opts})
	fn := p.SynthesizeFunc
	chunk := p.Chunk
	if p.ChunksBySeq != nil && call < len(p.ChunksBySeq) {
		chunk = p.ChunksBySeq[call]
	}
	err := p.Err
	if p.ErrBySeq != nil && call < len(p.ErrBySeq) {
		err = p.ErrBySeq[call]
	}
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, voice, opts)
	}
	if err != nil {
		return tts.AudioChunk{}, err
	}
	return chunk, nil
}

// CallCount returns the number of Synthesize invocations so far.
// Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
var _ tts.SerialProvider = (*Provider)(nil)
