// Package normalize implements the deterministic text cleaner applied to
// every model-produced sentence before synthesis. The pipeline is pure and
// idempotent: code fences, markdown, URLs, and emoji are stripped,
// configured abbreviations are expanded at word boundaries, whitespace is
// collapsed, and over-long text is cut at a sentence boundary.
//
// Configuration is YAML with a global section and per-profile overrides;
// profile abbreviations are additive over global ones. A missing config
// file yields the built-in defaults, and a malformed pattern is logged and
// skipped rather than failing the load.
package normalize

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultMaxLength caps normalized output when no max_length is configured.
const DefaultMaxLength = 800

// PatternConfig is one configured markdown-strip rule. Flags is a subset
// of "ims" mapped onto the corresponding regexp group flags.
type PatternConfig struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
	Flags       string `yaml:"flags"`
}

// SectionConfig is one configuration layer (global or per-profile).
// Pointer fields distinguish "unset" from an explicit false/zero so a
// profile can override only what it names.
type SectionConfig struct {
	StripMarkdown       *bool             `yaml:"strip_markdown"`
	StripURLs           *bool             `yaml:"strip_urls"`
	StripEmoji          *bool             `yaml:"strip_emoji"`
	ExpandAbbreviations *bool             `yaml:"expand_abbreviations"`
	MaxLength           *int              `yaml:"max_length"`
	MarkdownPatterns    []PatternConfig   `yaml:"markdown_patterns"`
	Abbreviations       map[string]string `yaml:"abbreviations"`
	URLPattern          string            `yaml:"url_pattern"`
}

// FileConfig is the full YAML document shape.
type FileConfig struct {
	Global   SectionConfig            `yaml:"global"`
	Profiles map[string]SectionConfig `yaml:"profiles"`
}

// Normalizer applies the cleaning pipeline. Safe for concurrent use after
// construction.
type Normalizer struct {
	global   rules
	profiles map[string]rules
	logger   *slog.Logger
}

// rules is a compiled configuration layer.
type rules struct {
	stripMarkdown bool
	stripURLs     bool
	stripEmoji    bool
	expandAbbrevs bool
	maxLength     int
	markdown      []compiledPattern
	urlRe         *regexp.Regexp
	abbrevs       []abbreviation
}

type compiledPattern struct {
	re          *regexp.Regexp
	replacement string
}

// abbreviation is one word-boundary expansion, pre-sorted longest key
// first so shorter keys never clip longer ones.
type abbreviation struct {
	re        *regexp.Regexp
	expansion string
}

var (
	fenceRe      = regexp.MustCompile("(?s)```.*?```")
	danglingRe   = regexp.MustCompile("```")
	inlineCodeRe = regexp.MustCompile("`([^`]*)`")
	spaceRe      = regexp.MustCompile(`\s+`)
)

// emojiRanges covers the common emoji and pictograph blocks.
var emojiRanges = [][2]rune{
	{0x1F000, 0x1F0FF}, // mahjong, dominoes, cards
	{0x1F300, 0x1FAFF}, // pictographs through symbols-extended
	{0x1F1E6, 0x1F1FF}, // regional indicators
	{0x2600, 0x27BF},   // misc symbols and dingbats
	{0x2B00, 0x2BFF},   // misc symbols and arrows
	{0xFE00, 0xFE0F},   // variation selectors
}

// defaultMarkdown strips the constructs models habitually emit: headers,
// emphasis, links (keeping link text), images, blockquotes, list bullets.
var defaultMarkdown = []PatternConfig{
	{Pattern: `^#{1,6}\s+`, Flags: "m"},
	{Pattern: `\*\*([^*]+)\*\*`, Replacement: "$1"},
	{Pattern: `\*([^*]+)\*`, Replacement: "$1"},
	{Pattern: `__([^_]+)__`, Replacement: "$1"},
	{Pattern: `_([^_]+)_`, Replacement: "$1"},
	{Pattern: `!\[[^\]]*\]\([^)]*\)`},
	{Pattern: `\[([^\]]+)\]\([^)]*\)`, Replacement: "$1"},
	{Pattern: `^>\s?`, Flags: "m"},
	{Pattern: `^\s*[-*+]\s+`, Flags: "m"},
	{Pattern: `^\s*\d+\.\s+`, Flags: "m"},
}

const defaultURLPattern = `https?://\S+`

// defaultAbbreviations expands the terms that sound wrong when read out
// letter-by-letter or glyph-by-glyph.
var defaultAbbreviations = map[string]string{
	"API":  "A P I",
	"e.g.": "for example",
	"i.e.": "that is",
	"etc.": "et cetera",
	"vs.":  "versus",
}

// Load reads the YAML config at path and compiles it. A missing file
// yields the built-in defaults.
func Load(path string, logger *slog.Logger) (*Normalizer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("no speech-normalizer config, using defaults", "path", path)
			return New(FileConfig{}, logger), nil
		}
		return nil, fmt.Errorf("read normalizer config: %w", err)
	}

	var cfg FileConfig
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse normalizer config %s: %w", path, err)
	}
	return New(cfg, logger), nil
}

// New compiles cfg into a Normalizer. Global defaults are merged under the
// global section; each profile section is merged over the result.
func New(cfg FileConfig, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Normalizer{
		logger:   logger,
		profiles: make(map[string]rules, len(cfg.Profiles)),
	}
	n.global = n.compile(cfg.Global, nil)
	for id, section := range cfg.Profiles {
		n.profiles[id] = n.compile(section, &cfg.Global)
	}
	return n
}

// compile merges defaults <- base <- section and compiles the result.
func (n *Normalizer) compile(section SectionConfig, base *SectionConfig) rules {
	r := rules{
		stripMarkdown: true,
		stripURLs:     true,
		stripEmoji:    true,
		expandAbbrevs: true,
		maxLength:     DefaultMaxLength,
	}
	patterns := defaultMarkdown
	urlPattern := defaultURLPattern
	abbrevs := make(map[string]string, len(defaultAbbreviations))
	for k, v := range defaultAbbreviations {
		abbrevs[k] = v
	}

	apply := func(s SectionConfig) {
		if s.StripMarkdown != nil {
			r.stripMarkdown = *s.StripMarkdown
		}
		if s.StripURLs != nil {
			r.stripURLs = *s.StripURLs
		}
		if s.StripEmoji != nil {
			r.stripEmoji = *s.StripEmoji
		}
		if s.ExpandAbbreviations != nil {
			r.expandAbbrevs = *s.ExpandAbbreviations
		}
		if s.MaxLength != nil && *s.MaxLength > 0 {
			r.maxLength = *s.MaxLength
		}
		if s.MarkdownPatterns != nil {
			patterns = s.MarkdownPatterns
		}
		if s.URLPattern != "" {
			urlPattern = s.URLPattern
		}
		// Abbreviations are additive across layers.
		for k, v := range s.Abbreviations {
			abbrevs[k] = v
		}
	}
	if base != nil {
		apply(*base)
	}
	apply(section)

	for _, p := range patterns {
		re, err := regexp.Compile(flagPrefix(p.Flags) + p.Pattern)
		if err != nil {
			n.logger.Warn("skipping malformed markdown pattern", "pattern", p.Pattern, "error", err)
			continue
		}
		r.markdown = append(r.markdown, compiledPattern{re: re, replacement: p.Replacement})
	}

	urlRe, err := regexp.Compile(urlPattern)
	if err != nil {
		n.logger.Warn("skipping malformed url pattern", "pattern", urlPattern, "error", err)
		urlRe = regexp.MustCompile(defaultURLPattern)
	}
	r.urlRe = urlRe

	// Longest key first so "e.g." is not clipped by a shorter "e.g" entry.
	keys := make([]string, 0, len(abbrevs))
	for k := range abbrevs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		// RE2 has no lookaround; captured delimiters stand in for the
		// word boundary on both sides.
		re, err := regexp.Compile(`(^|[^\w])` + regexp.QuoteMeta(k) + `($|[^\w])`)
		if err != nil {
			n.logger.Warn("skipping malformed abbreviation", "key", k, "error", err)
			continue
		}
		r.abbrevs = append(r.abbrevs, abbreviation{re: re, expansion: abbrevs[k]})
	}

	return r
}

// flagPrefix maps the configured flag letters onto a regexp group prefix.
func flagPrefix(flags string) string {
	var b strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			b.WriteRune(f)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "(?" + b.String() + ")"
}

// Normalize cleans text for speech using the rules of profileID, falling
// back to the global rules for unknown profiles. The result is idempotent:
// Normalize(Normalize(x)) == Normalize(x).
func (n *Normalizer) Normalize(text, profileID string) string {
	r := n.global
	if profileID != "" {
		if pr, ok := n.profiles[profileID]; ok {
			r = pr
		}
	}
	return r.apply(text)
}

// MaxLength returns the effective max_length for profileID.
func (n *Normalizer) MaxLength(profileID string) int {
	if profileID != "" {
		if pr, ok := n.profiles[profileID]; ok {
			return pr.maxLength
		}
	}
	return n.global.maxLength
}

func (r rules) apply(text string) string {
	// 1. Code fences and inline code.
	text = fenceRe.ReplaceAllString(text, " ")
	text = danglingRe.ReplaceAllString(text, " ")
	text = inlineCodeRe.ReplaceAllString(text, "$1")

	// 2. Markdown constructs.
	if r.stripMarkdown {
		for _, p := range r.markdown {
			text = p.re.ReplaceAllString(text, p.replacement)
		}
	}

	// 3. URLs.
	if r.stripURLs {
		text = r.urlRe.ReplaceAllString(text, " ")
	}

	// 4. Emoji.
	if r.stripEmoji {
		text = stripEmoji(text)
	}

	// 5. Abbreviations, longest key first.
	if r.expandAbbrevs {
		for _, a := range r.abbrevs {
			text = expandAll(text, a)
		}
	}

	// 6–7. Whitespace collapse and trim.
	text = strings.TrimSpace(spaceRe.ReplaceAllString(text, " "))

	// 8. Length cap, preferring a sentence boundary past half the limit.
	if len(text) > r.maxLength {
		text = truncate(text, r.maxLength)
	}
	return text
}

// expandAll applies one abbreviation repeatedly. A single ReplaceAll pass
// misses back-to-back occurrences because the trailing delimiter of one
// match is the leading delimiter of the next.
func expandAll(text string, a abbreviation) string {
	for {
		replaced := a.re.ReplaceAllString(text, "${1}"+a.expansion+"${2}")
		if replaced == text {
			return replaced
		}
		text = replaced
	}
}

func stripEmoji(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		emoji := false
		for _, rng := range emojiRanges {
			if r >= rng[0] && r <= rng[1] {
				emoji = true
				break
			}
		}
		if !emoji {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// truncate cuts text to at most max bytes. The cut lands on the last
// sentence terminator past max/2 when one exists; otherwise the text is
// hard-cut with a trailing ellipsis, still within max.
func truncate(text string, max int) string {
	cut := -1
	for i := 0; i < max && i < len(text); i++ {
		c := text[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		if i+1 >= len(text) || text[i+1] == ' ' {
			cut = i
		}
	}
	if cut >= max/2 {
		return text[:cut+1]
	}
	if max <= 3 {
		return text[:max]
	}
	return strings.TrimSpace(text[:max-3]) + "..."
}
