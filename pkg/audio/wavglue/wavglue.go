// Package wavglue parses and rebuilds RIFF/WAVE containers so that audio
// synthesized in multiple chunks can be concatenated into one playable
// file. It walks the chunk list rather than assuming a fixed 44-byte
// header, because encoders differ in which metadata chunks they emit and
// in the size of the fmt chunk.
package wavglue

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Info is the format metadata and PCM payload extracted from a WAV file.
type Info struct {
	SampleRate    int
	Channels      int
	BitsPerSample int

	// Data is the raw PCM payload of the data sub-chunk. It aliases the
	// input slice passed to Parse.
	Data []byte
}

var (
	// ErrNotWAV is returned by Parse when the input is not a RIFF/WAVE
	// container.
	ErrNotWAV = errors.New("wavglue: not a RIFF/WAVE container")

	// ErrFormatMismatch is returned by Glue when chunks disagree on sample
	// rate, channel count, or bit depth.
	ErrFormatMismatch = errors.New("wavglue: chunk formats differ")
)

// Parse walks the RIFF chunk list of wav and returns the audio format from
// the fmt sub-chunk together with the PCM payload of the data sub-chunk.
func Parse(wav []byte) (Info, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return Info{}, ErrNotWAV
	}

	var info Info
	foundFmt := false

	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))
		body := offset + 8

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 || body+16 > len(wav) {
				return Info{}, errors.New("wavglue: truncated fmt chunk")
			}
			f := wav[body:]
			info.Channels = int(binary.LittleEndian.Uint16(f[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(f[14:16]))
			foundFmt = true
		case "data":
			if !foundFmt {
				return Info{}, errors.New("wavglue: data chunk before fmt chunk")
			}
			end := body + chunkSize
			if end > len(wav) {
				// Some encoders write a placeholder size for streamed output;
				// take whatever bytes are actually present.
				end = len(wav)
			}
			info.Data = wav[body:end]
			return info, nil
		}

		// Chunks are word-aligned: odd sizes carry one pad byte.
		offset = body + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return Info{}, errors.New("wavglue: missing data chunk")
}

// Encode wraps pcm in a canonical 44-byte PCM WAV header.
func Encode(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	out := make([]byte, 0, 44+len(pcm))
	out = append(out, "RIFF"...)
	out = binary.LittleEndian.AppendUint32(out, uint32(36+len(pcm)))
	out = append(out, "WAVE"...)
	out = append(out, "fmt "...)
	out = binary.LittleEndian.AppendUint32(out, 16)
	out = binary.LittleEndian.AppendUint16(out, 1) // PCM
	out = binary.LittleEndian.AppendUint16(out, uint16(channels))
	out = binary.LittleEndian.AppendUint32(out, uint32(sampleRate))
	out = binary.LittleEndian.AppendUint32(out, uint32(byteRate))
	out = binary.LittleEndian.AppendUint16(out, uint16(blockAlign))
	out = binary.LittleEndian.AppendUint16(out, uint16(bitsPerSample))
	out = append(out, "data"...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(pcm)))
	out = append(out, pcm...)
	return out
}

// Glue concatenates the PCM payloads of the given WAV files and rebuilds a
// single container using the format of the first file. All files must
// share sample rate, channel count, and bit depth; otherwise Glue returns
// ErrFormatMismatch. An empty input is an error.
func Glue(wavs [][]byte) ([]byte, error) {
	if len(wavs) == 0 {
		return nil, errors.New("wavglue: no chunks to glue")
	}

	first, err := Parse(wavs[0])
	if err != nil {
		return nil, fmt.Errorf("chunk 0: %w", err)
	}
	if len(wavs) == 1 {
		return wavs[0], nil
	}

	total := len(first.Data)
	infos := make([]Info, len(wavs))
	infos[0] = first
	for i, w := range wavs[1:] {
		info, err := Parse(w)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i+1, err)
		}
		if info.SampleRate != first.SampleRate ||
			info.Channels != first.Channels ||
			info.BitsPerSample != first.BitsPerSample {
			return nil, fmt.Errorf("chunk %d (%dHz/%dch/%dbit) vs chunk 0 (%dHz/%dch/%dbit): %w",
				i+1, info.SampleRate, info.Channels, info.BitsPerSample,
				first.SampleRate, first.Channels, first.BitsPerSample, ErrFormatMismatch)
		}
		infos[i+1] = info
		total += len(info.Data)
	}

	pcm := make([]byte, 0, total)
	for _, info := range infos {
		pcm = append(pcm, info.Data...)
	}
	return Encode(pcm, first.SampleRate, first.Channels, first.BitsPerSample), nil
}
