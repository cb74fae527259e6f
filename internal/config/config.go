// Package config provides the configuration schema, loader, and file
// watcher for the voice orchestration server.
package config

import (
	"path/filepath"

	"github.com/MCERQUA/openvoiceui/pkg/tts"
)

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for the server.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Paths    PathsConfig    `yaml:"paths"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Sink     SinkConfig     `yaml:"sink"`
	Fallback FallbackConfig `yaml:"fallback"`

	// Gateways holds per-gateway configuration overlays keyed by gateway id
	// (e.g., "openclaw", "openai-compat").
	Gateways map[string]ProviderEntry `yaml:"gateways"`

	// TTS holds per-provider configuration overlays keyed by provider id
	// (e.g., "groq", "pocket").
	TTS map[string]ProviderEntry `yaml:"tts"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// PathsConfig holds filesystem locations. Empty fields are derived from
// DataDir by [Config.ApplyDefaults].
type PathsConfig struct {
	// DataDir is the root directory for all mutable state.
	DataDir string `yaml:"data_dir"`

	// CounterPath is the session counter file.
	CounterPath string `yaml:"counter_path"`

	// ProfileDir holds voice profile JSON files.
	ProfileDir string `yaml:"profile_dir"`

	// ActiveProfilePath is the active-profile pointer file.
	ActiveProfilePath string `yaml:"active_profile_path"`

	// PluginDir is scanned for gateway plugin manifests at startup.
	PluginDir string `yaml:"plugin_dir"`

	// NormalizerPath is the speech normalizer rules file. Optional; when
	// the file does not exist the normalizer runs with built-in rules only.
	NormalizerPath string `yaml:"normalizer_path"`
}

// DefaultsConfig selects which registered gateway and TTS provider handle
// requests that name neither.
type DefaultsConfig struct {
	// Gateway is the default gateway id.
	Gateway string `yaml:"gateway"`

	// TTSProvider is the default TTS provider id.
	TTSProvider string `yaml:"tts_provider"`

	// MaxResponseChars caps spoken responses at a sentence boundary.
	// 0 disables the cap.
	MaxResponseChars int `yaml:"max_response_chars"`
}

// FallbackConfig configures the text fallback chain used when no gateway
// can answer. The chain is built at startup; changing it requires a
// restart.
type FallbackConfig struct {
	// Provider selects a direct completion backend ("openai", "anthropic",
	// "groq", "ollama"). Empty disables the direct tier; the canned
	// apology still terminates the chain.
	Provider string `yaml:"provider"`

	// Model is the model name for the direct tier. Required when Provider
	// is set.
	Model string `yaml:"model"`

	// Canned overrides the final apology text.
	Canned string `yaml:"canned"`
}

// SinkConfig configures the conversation log sink.
type SinkConfig struct {
	// QueueSize is the sink's in-memory queue capacity.
	QueueSize int `yaml:"queue_size"`

	// DatabasePath is the SQLite conversation log file.
	DatabasePath string `yaml:"database_path"`
}

// ProviderEntry is the common configuration block shared by gateways and
// TTS providers. Values may contain ${ENV_VAR} placeholders; the TTS
// registry resolves them at read time.
type ProviderEntry struct {
	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Voice overrides the provider's default voice (TTS only).
	Voice string `yaml:"voice"`

	// Options holds provider-specific values not covered by the standard
	// fields above.
	Options map[string]string `yaml:"options"`
}

// Overlay flattens the entry into the string-keyed layer the TTS registry
// consumes. Standard fields use fixed keys; Options entries are carried
// through as-is and lose to standard fields on key collision.
func (e ProviderEntry) Overlay() tts.Config {
	c := make(tts.Config, len(e.Options)+4)
	for k, v := range e.Options {
		c[k] = v
	}
	if e.APIKey != "" {
		c["api_key"] = e.APIKey
	}
	if e.BaseURL != "" {
		c["base_url"] = e.BaseURL
	}
	if e.Model != "" {
		c["model"] = e.Model
	}
	if e.Voice != "" {
		c["voice"] = e.Voice
	}
	return c
}

// ApplyDefaults fills unset fields with their defaults and derives empty
// paths from DataDir. It is called by [LoadFromReader] after decoding.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Paths.DataDir == "" {
		c.Paths.DataDir = "data"
	}
	if c.Paths.CounterPath == "" {
		c.Paths.CounterPath = filepath.Join(c.Paths.DataDir, "session_counter")
	}
	if c.Paths.ProfileDir == "" {
		c.Paths.ProfileDir = filepath.Join(c.Paths.DataDir, "profiles")
	}
	if c.Paths.ActiveProfilePath == "" {
		c.Paths.ActiveProfilePath = filepath.Join(c.Paths.ProfileDir, "active")
	}
	if c.Paths.PluginDir == "" {
		c.Paths.PluginDir = filepath.Join(c.Paths.DataDir, "plugins")
	}
	if c.Sink.QueueSize == 0 {
		c.Sink.QueueSize = 256
	}
	if c.Sink.DatabasePath == "" {
		c.Sink.DatabasePath = filepath.Join(c.Paths.DataDir, "conversations.db")
	}
}
