package chunker_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MCERQUA/openvoiceui/pkg/audio/wavglue"
	"github.com/MCERQUA/openvoiceui/pkg/tts"
	"github.com/MCERQUA/openvoiceui/pkg/tts/chunker"
	"github.com/MCERQUA/openvoiceui/pkg/tts/mock"
)

func wavChunk(pcm []byte) tts.AudioChunk {
	return tts.AudioChunk{
		Bytes:         wavglue.Encode(pcm, 24000, 1, 16),
		Format:        tts.FormatWAV,
		SampleRate:    24000,
		Channels:      1,
		BitsPerSample: 16,
	}
}

func TestShortTextSingleProviderCall(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Available: true, Chunk: wavChunk([]byte{1, 2})}
	c := chunker.New(chunker.WithMaxChars(100))

	out, err := c.Synthesize(context.Background(), p, "Short enough.", "v", tts.Options{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if p.CallCount() != 1 {
		t.Errorf("provider called %d times, want exactly 1", p.CallCount())
	}
	if out.Format != tts.FormatWAV {
		t.Errorf("format = %q, want wav", out.Format)
	}
}

func TestLongTextWAVGlued(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		Available: true,
		ChunksBySeq: []tts.AudioChunk{
			wavChunk([]byte{1, 2, 3, 4}),
			wavChunk([]byte{5, 6}),
		},
	}
	c := chunker.New(chunker.WithMaxChars(21))

	text := "First sentence here. Second sentence here."
	out, err := c.Synthesize(context.Background(), p, text, "v", tts.Options{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if p.CallCount() != 2 {
		t.Fatalf("provider called %d times, want 2", p.CallCount())
	}

	info, err := wavglue.Parse(out.Bytes)
	if err != nil {
		t.Fatalf("Parse output: %v", err)
	}
	// The glued PCM is the chunk PCM payloads back to back.
	want := []byte{1, 2, 3, 4, 5, 6}
	if !bytes.Equal(info.Data, want) {
		t.Errorf("glued PCM = %v, want %v", info.Data, want)
	}
}

func TestLongTextMP3Concatenated(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		Available: true,
		ChunksBySeq: []tts.AudioChunk{
			{Bytes: []byte("AAA"), Format: tts.FormatMP3},
			{Bytes: []byte("BBB"), Format: tts.FormatMP3},
		},
	}
	c := chunker.New(chunker.WithMaxChars(20))

	out, err := c.Synthesize(context.Background(), p, "One sentence done. And then another.", "v", tts.Options{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(out.Bytes) != "AAABBB" {
		t.Errorf("concatenated bytes = %q, want AAABBB", out.Bytes)
	}
	if out.Format != tts.FormatMP3 {
		t.Errorf("format = %q, want mp3", out.Format)
	}
}

func TestFailedChunkSkipped(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		Available: true,
		ChunksBySeq: []tts.AudioChunk{
			wavChunk([]byte{1, 2}),
			{},
			wavChunk([]byte{5, 6}),
		},
		ErrBySeq: []error{nil, errors.New("midstream failure"), nil},
	}
	c := chunker.New(chunker.WithMaxChars(16))

	out, err := c.Synthesize(context.Background(), p, "Sentence one az. Sentence two bz. Sentence three.", "v", tts.Options{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	info, err := wavglue.Parse(out.Bytes)
	if err != nil {
		t.Fatalf("Parse output: %v", err)
	}
	want := []byte{1, 2, 5, 6}
	if !bytes.Equal(info.Data, want) {
		t.Errorf("PCM = %v, want failed chunk skipped: %v", info.Data, want)
	}
}

func TestAllChunksFailedRetriesTruncated(t *testing.T) {
	t.Parallel()

	fail := errors.New("down")
	p := &mock.Provider{
		Available: true,
		ErrBySeq:  []error{fail, fail, nil},
		ChunksBySeq: []tts.AudioChunk{
			{}, {},
			wavChunk([]byte{9, 9}),
		},
	}
	c := chunker.New(chunker.WithMaxChars(16))

	out, err := c.Synthesize(context.Background(), p, "Sentence one az. Sentence two bz.", "v", tts.Options{})
	if err != nil {
		t.Fatalf("Synthesize after retry: %v", err)
	}
	if p.CallCount() != 3 {
		t.Errorf("provider called %d times, want 2 chunks + 1 retry", p.CallCount())
	}
	if len(out.Bytes) == 0 {
		t.Error("retry produced empty audio")
	}
	// The retry sends the first maxChars characters.
	last := p.Calls[2]
	if len(last.Text) != 16 {
		t.Errorf("retry text length = %d, want 16", len(last.Text))
	}
}

func TestSplitPacksSentences(t *testing.T) {
	t.Parallel()

	text := "Aaa bb. Ccc dd! Eee ff? Ggg hh."
	pieces := chunker.Split(text, 17)
	want := []string{"Aaa bb. Ccc dd!", "Eee ff? Ggg hh."}
	if len(pieces) != len(want) {
		t.Fatalf("Split returned %d pieces (%q), want %d", len(pieces), pieces, len(want))
	}
	for i := range want {
		if pieces[i] != want[i] {
			t.Errorf("piece[%d] = %q, want %q", i, pieces[i], want[i])
		}
	}
}

func TestSplitHardCutsOversizedSentence(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 50)
	pieces := chunker.Split(long, 20)
	if len(pieces) != 3 {
		t.Fatalf("Split returned %d pieces, want 3", len(pieces))
	}
	for i, piece := range pieces {
		if len(piece) > 20 {
			t.Errorf("piece[%d] has length %d, want <= 20", i, len(piece))
		}
	}
	if joined := strings.Join(pieces, ""); joined != long {
		t.Errorf("hard-split lost characters: %q", joined)
	}
}

func TestEmptyTextRejected(t *testing.T) {
	t.Parallel()

	c := chunker.New()
	if _, err := c.Synthesize(context.Background(), &mock.Provider{Available: true}, "   ", "v", tts.Options{}); err == nil {
		t.Error("Synthesize of blank text succeeded, want error")
	}
}
