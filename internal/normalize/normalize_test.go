package normalize_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MCERQUA/openvoiceui/internal/normalize"
)

func defaultNormalizer(t *testing.T) *normalize.Normalizer {
	t.Helper()
	return normalize.New(normalize.FileConfig{}, slog.New(slog.DiscardHandler))
}

func TestNormalizeStripsMarkdown(t *testing.T) {
	t.Parallel()

	n := defaultNormalizer(t)
	tests := []struct{ in, want string }{
		{"# Heading\nBody text.", "Heading Body text."},
		{"This is **bold** and *italic*.", "This is bold and italic."},
		{"See [the docs](https://example.com/docs) for more.", "See the docs for more."},
		{"![alt text](https://example.com/x.png) caption", "caption"},
		{"> quoted line\nplain", "quoted line plain"},
		{"- one\n- two", "one two"},
		{"1. first\n2. second", "first second"},
	}
	for _, tc := range tests {
		if got := n.Normalize(tc.in, ""); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeStripsCodeAndURLs(t *testing.T) {
	t.Parallel()

	n := defaultNormalizer(t)
	in := "Run ```bash\nrm -rf /tmp/x\n``` then check https://status.example.com for `uptime` info."
	got := n.Normalize(in, "")
	if strings.Contains(got, "rm -rf") {
		t.Errorf("fenced code leaked into %q", got)
	}
	if strings.Contains(got, "https://") {
		t.Errorf("URL leaked into %q", got)
	}
	if !strings.Contains(got, "uptime") {
		t.Errorf("inline code content dropped from %q", got)
	}
}

func TestNormalizeStripsEmoji(t *testing.T) {
	t.Parallel()

	n := defaultNormalizer(t)
	if got := n.Normalize("Great job! 🎉🚀 Keep going ✨", ""); got != "Great job! Keep going" {
		t.Errorf("Normalize = %q, want emoji removed", got)
	}
}

func TestAbbreviationsRespectWordBoundaries(t *testing.T) {
	t.Parallel()

	n := defaultNormalizer(t)
	got := n.Normalize("rapid API calls", "")
	if !strings.Contains(got, "rapid ") {
		t.Errorf("Normalize(%q) = %q, prefix word was mangled", "rapid API calls", got)
	}
	if !strings.Contains(got, "A P I") {
		t.Errorf("Normalize(%q) = %q, API not expanded", "rapid API calls", got)
	}
	// Substring inside a longer word stays untouched.
	if got := n.Normalize("the APIs are stable", ""); strings.Contains(got, "A P I") {
		t.Errorf("Normalize expanded inside a longer word: %q", got)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	t.Parallel()

	n := defaultNormalizer(t)
	inputs := []string{
		"# Title\nSome **bold** text with API and https://example.com 🎉.",
		"e.g. this, i.e. that, etc. and more",
		strings.Repeat("A fairly long sentence goes right here. ", 40),
		"plain text already clean",
	}
	for _, in := range inputs {
		once := n.Normalize(in, "")
		twice := n.Normalize(once, "")
		if once != twice {
			t.Errorf("not idempotent:\n once: %q\ntwice: %q", once, twice)
		}
	}
}

func TestMaxLengthCutsAtSentenceBoundary(t *testing.T) {
	t.Parallel()

	limit := 50
	cfg := normalize.FileConfig{
		Global: normalize.SectionConfig{MaxLength: &limit},
	}
	n := normalize.New(cfg, slog.New(slog.DiscardHandler))

	got := n.Normalize("First sentence right here. Second one follows now. Third goes past the cap.", "")
	if got != "First sentence right here. Second one follows now." {
		t.Errorf("Normalize = %q, want cut at second sentence boundary", got)
	}

	// No usable boundary past half the limit: hard cut with ellipsis.
	got = n.Normalize(strings.Repeat("a", 80), "")
	if len(got) > limit {
		t.Errorf("hard cut produced %d bytes, want <= %d", len(got), limit)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("hard cut %q missing ellipsis", got)
	}
}

func TestProfileOverridesMergeOverGlobal(t *testing.T) {
	t.Parallel()

	off := false
	limit := 60
	cfg := normalize.FileConfig{
		Global: normalize.SectionConfig{
			Abbreviations: map[string]string{"GPU": "G P U"},
		},
		Profiles: map[string]normalize.SectionConfig{
			"robot": {
				StripEmoji:    &off,
				MaxLength:     &limit,
				Abbreviations: map[string]string{"CPU": "C P U"},
			},
		},
	}
	n := normalize.New(cfg, slog.New(slog.DiscardHandler))

	// Profile abbreviations are additive: both layers apply.
	got := n.Normalize("GPU and CPU", "robot")
	if !strings.Contains(got, "G P U") || !strings.Contains(got, "C P U") {
		t.Errorf("Normalize = %q, want both abbreviation layers expanded", got)
	}

	// Profile turned emoji stripping off.
	if got := n.Normalize("hi 🎉", "robot"); !strings.Contains(got, "🎉") {
		t.Errorf("Normalize = %q, want emoji kept for profile", got)
	}
	// Global still strips.
	if got := n.Normalize("hi 🎉", ""); strings.Contains(got, "🎉") {
		t.Errorf("Normalize = %q, want emoji stripped globally", got)
	}

	if n.MaxLength("robot") != 60 {
		t.Errorf("MaxLength(robot) = %d, want 60", n.MaxLength("robot"))
	}
	if n.MaxLength("") != normalize.DefaultMaxLength {
		t.Errorf("MaxLength(global) = %d, want default", n.MaxLength(""))
	}
}

func TestMalformedPatternSkippedNotFatal(t *testing.T) {
	t.Parallel()

	cfg := normalize.FileConfig{
		Global: normalize.SectionConfig{
			MarkdownPatterns: []normalize.PatternConfig{
				{Pattern: "([unclosed"},
				{Pattern: `\*\*([^*]+)\*\*`, Replacement: "$1"},
			},
		},
	}
	n := normalize.New(cfg, slog.New(slog.DiscardHandler))
	if got := n.Normalize("**bold** stays", ""); got != "bold stays" {
		t.Errorf("Normalize = %q, want valid pattern still applied", got)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	n, err := normalize.Load(filepath.Join(t.TempDir(), "absent.yaml"), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := n.Normalize("**x**", ""); got != "x" {
		t.Errorf("defaults not active, Normalize = %q", got)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "speech.yaml")
	doc := `
global:
  max_length: 120
  abbreviations:
    HTTP: "H T T P"
profiles:
  quiet:
    strip_urls: false
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	n, err := normalize.Load(path, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := n.Normalize("HTTP wins", ""); !strings.Contains(got, "H T T P") {
		t.Errorf("Normalize = %q, want configured abbreviation applied", got)
	}
	if got := n.Normalize("see https://example.com now", "quiet"); !strings.Contains(got, "https://example.com") {
		t.Errorf("Normalize = %q, want URLs kept for quiet profile", got)
	}
}
