// Package tts defines the text-to-speech provider contract and the registry
// that selects providers by id with layered configuration.
//
// Providers are synchronous: one Synthesize call produces one audio chunk
// in the provider's declared container format. Streaming and long-text
// handling live above the providers, in the chunker and the orchestrator.
package tts

import "context"

// Format identifies the container format of a synthesized chunk.
type Format string

const (
	FormatWAV    Format = "wav"
	FormatMP3    Format = "mp3"
	FormatRawPCM Format = "raw-pcm"
)

// AudioChunk is one synthesized audio result. SampleRate, Channels, and
// BitsPerSample are populated for PCM-bearing formats and zero for opaque
// containers such as MP3.
//
// Invariant: two chunks with identical (SampleRate, Channels,
// BitsPerSample) can be concatenated into a playable stream once their
// container framing is reconciled; wavglue does that reconciliation.
type AudioChunk struct {
	Bytes         []byte
	Format        Format
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// Voice is one entry of a provider's voice catalogue.
type Voice struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Options carries per-call synthesis parameters. Zero values mean
// provider defaults.
type Options struct {
	// Speed is a playback-rate multiplier; 0 means the provider default.
	Speed float64

	// Format requests a specific container format from providers that
	// support more than one. Providers ignore unsupported values.
	Format Format
}

// Provider is one text-to-speech backend, local or remote.
type Provider interface {
	// ID returns the stable identifier the registry selects by.
	ID() string

	// DefaultVoice returns the voice used when a request names none.
	DefaultVoice() string

	// ListVoices returns the provider's voice catalogue.
	ListVoices(ctx context.Context) ([]Voice, error)

	// IsAvailable reports whether the provider can currently synthesize
	// (credentials present, model loaded, endpoint configured).
	IsAvailable() bool

	// Synthesize converts text to one audio chunk using the given voice id.
	// An empty voice selects DefaultVoice. Failures should be returned as
	// (or wrap) a *ReasonError so callers can classify them.
	Synthesize(ctx context.Context, text, voice string, opts Options) (AudioChunk, error)
}

// SerialProvider is an optional interface a Provider may implement to
// declare that its Synthesize is not safe for concurrent use (for example
// a single in-process model instance). The registry serializes calls to
// such providers.
type SerialProvider interface {
	Serial() bool
}
