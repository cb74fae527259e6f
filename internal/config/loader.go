package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderIDs lists the built-in gateway and TTS provider ids.
// Used by [Validate] to warn about unrecognised ids; plugins legitimately
// extend the gateway list, so unknown ids are never an error.
var ValidProviderIDs = map[string][]string{
	"gateway": {"openclaw", "openai-compat"},
	"tts":     {"groq", "pocket"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	if cfg.Sink.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("sink.queue_size %d must not be negative", cfg.Sink.QueueSize))
	}
	if cfg.Defaults.MaxResponseChars < 0 {
		errs = append(errs, fmt.Errorf("defaults.max_response_chars %d must not be negative", cfg.Defaults.MaxResponseChars))
	}

	for id := range cfg.Gateways {
		warnUnknownProviderID("gateway", id)
	}
	for id := range cfg.TTS {
		warnUnknownProviderID("tts", id)
	}
	if cfg.Defaults.Gateway != "" {
		warnUnknownProviderID("gateway", cfg.Defaults.Gateway)
	}
	if cfg.Defaults.TTSProvider != "" {
		warnUnknownProviderID("tts", cfg.Defaults.TTSProvider)
	}

	return errors.Join(errs...)
}

// warnUnknownProviderID logs a warning if id is not found in the
// [ValidProviderIDs] list for the given kind.
func warnUnknownProviderID(kind, id string) {
	known, ok := ValidProviderIDs[kind]
	if !ok || slices.Contains(known, id) {
		return
	}
	slog.Warn("unknown provider id — may be a typo or a plugin",
		"kind", kind,
		"id", id,
		"known", known,
	)
}
