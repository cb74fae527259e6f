package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ErrProviderNotRegistered is returned by Select when no requested,
// profile, or default provider resolves to an active registration.
var ErrProviderNotRegistered = errors.New("tts provider is not registered")

// Config is a flat string-keyed configuration layer. Values may contain
// ${ENV_VAR} placeholders, which are resolved at read time rather than at
// registration so that credential rotation needs no restart.
type Config map[string]string

// ProviderInfo is the introspection view of one registration, active or
// inactive.
type ProviderInfo struct {
	ID           string `json:"id"`
	DefaultVoice string `json:"default_voice"`
	Status       string `json:"status"` // "active" or "inactive"
}

type registration struct {
	provider Provider
	static   Config
	overlay  Config
	active   bool
	// synthMu serializes Synthesize for providers that declared Serial.
	synthMu *sync.Mutex
}

// Registry holds TTS providers and selects among them by id.
//
// Selection order: (1) provider id from the request, (2) provider id from
// the active profile, (3) the registry default. Ids that are unknown or
// inactive fall through to the next layer.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*registration
	defaultID string
	logger    *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger used for selection warnings.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates an empty registry with the given default provider id.
func NewRegistry(defaultID string, opts ...RegistryOption) *Registry {
	r := &Registry{
		providers: make(map[string]*registration),
		defaultID: defaultID,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds p with its static configuration layer. Providers whose
// IsAvailable reports false are recorded as inactive: they appear in List
// but are never selected. Duplicate ids are an error.
func (r *Registry) Register(p Provider, static Config) error {
	if p == nil {
		return errors.New("tts: cannot register nil provider")
	}
	id := p.ID()
	if id == "" {
		return errors.New("tts: cannot register provider with empty id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[id]; exists {
		return fmt.Errorf("tts: id %q already registered", id)
	}

	reg := &registration{
		provider: p,
		static:   static,
		active:   p.IsAvailable(),
	}
	if sp, ok := p.(SerialProvider); ok && sp.Serial() {
		reg.synthMu = &sync.Mutex{}
	}
	r.providers[id] = reg
	if !reg.active {
		r.logger.Warn("tts provider registered inactive", "id", id)
	}
	return nil
}

// SetOverlay installs the profile/YAML configuration layer for id. The
// overlay wins over the static layer on key collisions.
func (r *Registry) SetOverlay(id string, overlay Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.providers[id]; ok {
		reg.overlay = overlay
	}
}

// ConfigValue resolves a configuration key for id: overlay first, then the
// static layer, with ${ENV_VAR} placeholders expanded at read time.
// Unknown ids or keys return "".
func (r *Registry) ConfigValue(id, key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.providers[id]
	if !ok {
		return ""
	}
	if v, ok := reg.overlay[key]; ok {
		return expandEnv(v)
	}
	return expandEnv(reg.static[key])
}

// Lookup returns the provider registered under id regardless of status.
func (r *Registry) Lookup(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.providers[id]
	if !ok {
		return nil, false
	}
	return reg.provider, true
}

// Select resolves the provider for a request: requestID first, then
// profileID, then the registry default. The returned provider serializes
// Synthesize when the underlying registration declared itself serial.
func (r *Registry) Select(requestID, profileID string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range []string{requestID, profileID, r.defaultID} {
		if id == "" {
			continue
		}
		reg, ok := r.providers[id]
		if !ok || !reg.active {
			if ok || id != r.defaultID {
				r.logger.Warn("tts provider unavailable, trying next", "id", id)
			}
			continue
		}
		if reg.synthMu != nil {
			return &serializedProvider{Provider: reg.provider, mu: reg.synthMu}, nil
		}
		return reg.provider, nil
	}
	return nil, fmt.Errorf("no provider among request=%q profile=%q default=%q: %w",
		requestID, profileID, r.defaultID, ErrProviderNotRegistered)
}

// DefaultID returns the registry default provider id.
func (r *Registry) DefaultID() string {
	return r.defaultID
}

// List returns every registration, active and inactive, sorted by id.
func (r *Registry) List() []ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ProviderInfo, 0, len(r.providers))
	for id, reg := range r.providers {
		status := "active"
		if !reg.active {
			status = "inactive"
		}
		infos = append(infos, ProviderInfo{
			ID:           id,
			DefaultVoice: reg.provider.DefaultVoice(),
			Status:       status,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// serializedProvider wraps a Provider whose Synthesize is not reentrant.
type serializedProvider struct {
	Provider
	mu *sync.Mutex
}

func (s *serializedProvider) Synthesize(ctx context.Context, text, voice string, opts Options) (AudioChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Provider.Synthesize(ctx, text, voice, opts)
}

var envPlaceholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv resolves ${VAR} placeholders from the process environment.
// Bare $VAR is left untouched so literal dollar values survive.
func expandEnv(v string) string {
	if !strings.Contains(v, "${") {
		return v
	}
	return envPlaceholder.ReplaceAllStringFunc(v, func(m string) string {
		return os.Getenv(m[2 : len(m)-1])
	})
}
