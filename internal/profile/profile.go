// Package profile resolves the active conversation profile: which gateway
// and TTS provider a request uses, which voice, and how long responses may
// get. Profiles are JSON files in a directory, one per profile; a single
// pointer file names the active one. Updates go through an atomic
// write-temp-then-rename so readers never observe a partial file.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// DefaultID names the profile assumed when no pointer file exists.
const DefaultID = "default"

// ErrNotFound is returned when a named profile has no definition file.
var ErrNotFound = errors.New("profile not found")

// Profile is an immutable snapshot of one conversation profile. Zero
// fields mean "use the component default". Speech-normalizer overrides are
// keyed by the profile ID in the normalizer's own config file.
type Profile struct {
	ID               string `json:"id"`
	GatewayID        string `json:"gateway_id,omitempty"`
	TTSProvider      string `json:"tts_provider,omitempty"`
	Voice            string `json:"voice,omitempty"`
	MaxResponseChars int    `json:"max_response_chars,omitempty"`
	AgentID          string `json:"agent_id,omitempty"`
}

// Resolver reads profiles from disk with an in-memory cache. Safe for
// concurrent use. The active pointer is re-read on every Active call so
// that a switch takes effect on the next request without coordination.
type Resolver struct {
	mu         sync.RWMutex
	dir        string
	activePath string
	cache      map[string]Profile
	logger     *slog.Logger
}

// Option is a functional option for configuring a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger for load warnings.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResolver creates a Resolver over the profile directory and active
// pointer file and loads the definitions found there. Load failures of
// individual files are warnings; a missing directory is an empty resolver.
func NewResolver(dir, activePath string, opts ...Option) *Resolver {
	r := &Resolver{
		dir:        dir,
		activePath: activePath,
		cache:      make(map[string]Profile),
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	r.reload()
	return r
}

func (r *Resolver) reload() {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("cannot read profile directory", "dir", r.dir, "error", err)
		}
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		p, err := readProfile(path)
		if err != nil {
			r.logger.Warn("skipping malformed profile", "path", path, "error", err)
			continue
		}
		r.cache[p.ID] = p
	}
}

func readProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	if p.ID == "" {
		p.ID = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	return p, nil
}

// Active returns the profile named by the pointer file, re-reading the
// pointer on every call. A missing pointer, or a pointer at an unknown
// profile, yields a zero default profile so requests never fail on
// profile plumbing.
func (r *Resolver) Active() Profile {
	id := DefaultID
	if data, err := os.ReadFile(r.activePath); err == nil {
		if s := strings.TrimSpace(string(data)); s != "" {
			id = s
		}
	}

	r.mu.RLock()
	p, ok := r.cache[id]
	r.mu.RUnlock()
	if !ok {
		return Profile{ID: id}
	}
	return p
}

// Get returns the cached profile for id.
func (r *Resolver) Get(id string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.cache[id]
	return p, ok
}

// List returns all known profiles sorted by ID.
func (r *Resolver) List() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Profile, 0, len(r.cache))
	for _, p := range r.cache {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Update applies a partial update to profile id: keys present in patch
// replace the stored values, everything else is preserved. The merged
// document is written atomically and the cache refreshed. The id field
// itself cannot be patched.
func (r *Resolver) Update(id string, patch map[string]json.RawMessage) (Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	path := filepath.Join(r.dir, id+".json")
	current := make(map[string]json.RawMessage)
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &current); err != nil {
			return Profile{}, fmt.Errorf("decode existing profile %s: %w", id, err)
		}
	} else if !os.IsNotExist(err) {
		return Profile{}, err
	} else if _, cached := r.cache[id]; !cached {
		return Profile{}, fmt.Errorf("profile %q: %w", id, ErrNotFound)
	}

	for k, v := range patch {
		if k == "id" {
			continue
		}
		current[k] = v
	}
	current["id"], _ = json.Marshal(id)

	merged, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return Profile{}, fmt.Errorf("encode profile %s: %w", id, err)
	}
	if err := atomicWrite(path, merged); err != nil {
		return Profile{}, err
	}

	var p Profile
	if err := json.Unmarshal(merged, &p); err != nil {
		return Profile{}, fmt.Errorf("decode merged profile %s: %w", id, err)
	}
	r.cache[id] = p
	return p, nil
}

// Activate points the active pointer file at id via an atomic swap.
// Readers see the change on their next request.
func (r *Resolver) Activate(id string) error {
	r.mu.RLock()
	_, ok := r.cache[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("profile %q: %w", id, ErrNotFound)
	}
	return atomicWrite(r.activePath, []byte(id+"\n"))
}

// atomicWrite writes data to path through a temp file and rename so a
// concurrent reader sees either the old or the new content, never a
// partial write.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("swap %s: %w", path, err)
	}
	return nil
}
