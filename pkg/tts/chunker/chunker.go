// Package chunker splits long text on sentence boundaries, synthesizes each
// piece through a tts.Provider, and concatenates the results into a single
// playable container. Providers typically cap their input length well below
// what a chatty model produces in one turn; the chunker hides that cap from
// the orchestrator.
package chunker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/MCERQUA/openvoiceui/pkg/audio/wavglue"
	"github.com/MCERQUA/openvoiceui/pkg/tts"
)

// DefaultMaxChars is the per-chunk character cap when none is configured.
const DefaultMaxChars = 800

// Chunker drives per-chunk synthesis. The zero value is not usable; use New.
type Chunker struct {
	maxChars int
	logger   *slog.Logger
}

// Option is a functional option for configuring a Chunker.
type Option func(*Chunker)

// WithMaxChars overrides the per-chunk character cap. Values < 1 are ignored.
func WithMaxChars(n int) Option {
	return func(c *Chunker) {
		if n >= 1 {
			c.maxChars = n
		}
	}
}

// WithLogger sets the logger for per-chunk failures. Defaults to
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Chunker) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Chunker with the default 800-character cap.
func New(opts ...Option) *Chunker {
	c := &Chunker{
		maxChars: DefaultMaxChars,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Synthesize converts text to one audio container via p.
//
// Text at or under the cap goes to the provider in a single call. Longer
// text is split on sentence boundaries, greedily packed into chunks under
// the cap, and synthesized sequentially; a failed chunk is logged and
// skipped. WAV outputs are re-glued into one container with a rebuilt
// header; opaque containers (MP3) are byte-concatenated. If every chunk
// fails, one retry is made with the first maxChars characters of the input.
func (c *Chunker) Synthesize(ctx context.Context, p tts.Provider, text, voice string, opts tts.Options) (tts.AudioChunk, error) {
	if strings.TrimSpace(text) == "" {
		return tts.AudioChunk{}, errors.New("chunker: empty text")
	}
	if len(text) <= c.maxChars {
		return p.Synthesize(ctx, text, voice, opts)
	}

	pieces := Split(text, c.maxChars)
	var (
		chunks  []tts.AudioChunk
		lastErr error
	)
	for i, piece := range pieces {
		chunk, err := p.Synthesize(ctx, piece, voice, opts)
		if err != nil {
			if ctx.Err() != nil {
				return tts.AudioChunk{}, ctx.Err()
			}
			lastErr = err
			c.logger.Warn("tts chunk failed, continuing",
				"provider", p.ID(), "chunk", i, "chunks", len(pieces), "error", err)
			continue
		}
		chunks = append(chunks, chunk)
	}

	if len(chunks) == 0 {
		// Total failure: one retry with a truncated input.
		c.logger.Warn("all tts chunks failed, retrying truncated",
			"provider", p.ID(), "error", lastErr)
		chunk, err := p.Synthesize(ctx, text[:c.maxChars], voice, opts)
		if err != nil {
			return tts.AudioChunk{}, fmt.Errorf("chunker: all %d chunks failed: %w", len(pieces), err)
		}
		return chunk, nil
	}
	if len(chunks) == 1 {
		return chunks[0], nil
	}

	return concat(chunks)
}

// concat merges successfully synthesized chunks into one container.
func concat(chunks []tts.AudioChunk) (tts.AudioChunk, error) {
	first := chunks[0]
	if first.Format != tts.FormatWAV {
		var buf []byte
		for _, ch := range chunks {
			buf = append(buf, ch.Bytes...)
		}
		out := first
		out.Bytes = buf
		return out, nil
	}

	wavs := make([][]byte, len(chunks))
	for i, ch := range chunks {
		wavs[i] = ch.Bytes
	}
	glued, err := wavglue.Glue(wavs)
	if err != nil {
		return tts.AudioChunk{}, fmt.Errorf("chunker: %w", err)
	}
	info, err := wavglue.Parse(glued)
	if err != nil {
		return tts.AudioChunk{}, fmt.Errorf("chunker: %w", err)
	}
	return tts.AudioChunk{
		Bytes:         glued,
		Format:        tts.FormatWAV,
		SampleRate:    info.SampleRate,
		Channels:      info.Channels,
		BitsPerSample: info.BitsPerSample,
	}, nil
}

// Split breaks text into pieces of at most maxChars, cutting only at
// sentence boundaries ('.', '!', '?' followed by whitespace or end of
// input) where possible. A single sentence longer than maxChars is
// hard-split.
func Split(text string, maxChars int) []string {
	sentences := splitSentences(text)

	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	for _, sentence := range sentences {
		for len(sentence) > maxChars {
			flush()
			out = append(out, strings.TrimSpace(sentence[:maxChars]))
			sentence = sentence[maxChars:]
		}
		if cur.Len() > 0 && cur.Len()+1+len(sentence) > maxChars {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(strings.TrimSpace(sentence))
	}
	flush()
	return out
}

// splitSentences cuts text after each '.', '!' or '?' that is followed by
// whitespace or ends the input.
func splitSentences(text string) []string {
	var (
		out   []string
		start int
	)
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		if i+1 < len(text) && !unicode.IsSpace(rune(text[i+1])) {
			continue
		}
		if s := strings.TrimSpace(text[start : i+1]); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}
