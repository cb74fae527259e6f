package orchestrate

import (
	"regexp"
	"strings"
)

// MinSentence is the minimum byte length a sentence must reach before the
// extractor cuts it out of the token buffer. Shorter fragments wait for
// more tokens; whatever remains is flushed whole in the drain phase.
const MinSentence = 40

// TagsBalanced reports whether s is safe to cut: every [ has a matching ]
// and triple-backtick fences come in pairs. Extracting while either is
// open would speak half-formed side-channel tags or code blocks.
func TagsBalanced(s string) bool {
	open := strings.Count(s, "[")
	closed := strings.Count(s, "]")
	fences := strings.Count(s, "```")
	return open == closed && fences%2 == 0
}

// NextSentence returns the first complete sentence of buf: the leftmost
// '.', '!' or '?' at index >= minLen-1 that is followed by whitespace or
// ends the buffer, subject to the open-tag guard on the candidate prefix.
// rest is left-trimmed. ok is false when no extractable sentence exists
// yet.
func NextSentence(buf string, minLen int) (sentence, rest string, ok bool) {
	for i := range len(buf) {
		switch buf[i] {
		case '.', '!', '?':
		default:
			continue
		}
		if i+1 < len(buf) && !isSpace(buf[i+1]) {
			continue
		}
		if i+1 < minLen {
			continue
		}
		candidate := buf[:i+1]
		if !TagsBalanced(candidate) {
			continue
		}
		return candidate, strings.TrimLeft(buf[i+1:], " \t\n\r"), true
	}
	return "", buf, false
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\r' || b == '\t'
}

// TruncateAtSentence caps s at max bytes, preferring the last sentence
// boundary at or before the cap. With no boundary inside the cap the text
// is cut hard. max <= 0 means no cap.
func TruncateAtSentence(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := s[:max]
	if idx := strings.LastIndexAny(cut, ".!?"); idx >= 0 {
		return strings.TrimRight(cut[:idx+1], " \t\n\r")
	}
	return strings.TrimRight(cut, " \t\n\r")
}

// sideTagRe matches side-channel tags of the form [KIND: body]. KIND is
// upper-case by convention (CANVAS, MUSIC, TIMER, ...).
var sideTagRe = regexp.MustCompile(`\[([A-Z][A-Z0-9_]*):\s*([^\]]*)\]`)

// Tag is one side-channel command extracted from response text.
type Tag struct {
	Kind string
	Body string
}

// StripTags removes every [KIND: body] side-channel tag from s and
// returns the cleaned text plus the extracted tags in order of
// appearance.
func StripTags(s string) (string, []Tag) {
	matches := sideTagRe.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return s, nil
	}
	tags := make([]Tag, 0, len(matches))
	for _, m := range matches {
		tags = append(tags, Tag{Kind: m[1], Body: strings.TrimSpace(m[2])})
	}
	return sideTagRe.ReplaceAllString(s, ""), tags
}

// resetMarker in a response requests an immediate session bump. It is
// stripped before the text reaches TTS or the client.
const resetMarker = "[SESSION_RESET]"

// stripResetMarker removes every occurrence of the reset marker and
// reports whether one was present.
func stripResetMarker(s string) (string, bool) {
	if !strings.Contains(s, resetMarker) {
		return s, false
	}
	return strings.ReplaceAll(s, resetMarker, ""), true
}
