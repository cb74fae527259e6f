// Package session holds the process-local conversation state: the
// file-backed voice session counter, per-key conversation histories, and
// the consecutive-empty-response counter that drives auto-reset.
//
// The session counter is the only cancellation primitive in the system:
// bumping it abandons every in-flight piece of work attributed to the old
// key. The counter file is authoritative across restarts; the in-memory
// value is a cache. When the file cannot be read or written the store
// degrades to memory-only operation rather than failing requests.
package session

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
)

const (
	// DefaultPrefix names the voice session channel when none is configured.
	DefaultPrefix = "voice-main"

	// DefaultCounter seeds a store whose counter file does not exist yet.
	DefaultCounter = 6

	// MaxHistory caps each conversation history at the most recent entries.
	MaxHistory = 20

	// EmptyResetThreshold is the number of consecutive empty responses
	// after which the orchestrator bumps the session.
	EmptyResetThreshold = 3
)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one conversation history entry.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Store is the per-process session state. Safe for concurrent use.
type Store struct {
	mu          sync.Mutex
	counterPath string
	counter     int
	loaded      bool
	fileBroken  bool

	histories        map[string][]Turn
	consecutiveEmpty int

	logger *slog.Logger
}

// Option is a functional option for configuring a Store.
type Option func(*Store)

// WithLogger sets the logger for counter-file degradation warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a Store persisting its counter at counterPath. An empty path
// means memory-only operation.
func New(counterPath string, opts ...Option) *Store {
	s := &Store{
		counterPath: counterPath,
		histories:   make(map[string][]Turn),
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ─── session counter ───

// Current returns the active session key for prefix, formatted
// "<prefix>-<N>". The first call loads the counter file; later calls use
// the cached value.
func (s *Store) Current(prefix string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked()
	return fmt.Sprintf("%s-%d", prefix, s.counter)
}

// Bump atomically increments the session counter, fsyncs the counter file,
// and resets the consecutive-empty counter. Returns the new key for
// prefix. A write failure degrades to memory-only operation and is logged,
// never surfaced to the request.
func (s *Store) Bump(prefix string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked()
	s.counter++
	s.consecutiveEmpty = 0
	s.persistLocked()
	return fmt.Sprintf("%s-%d", prefix, s.counter)
}

// Counter returns the raw counter value.
func (s *Store) Counter() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked()
	return s.counter
}

func (s *Store) ensureLoadedLocked() {
	if s.loaded {
		return
	}
	s.loaded = true
	s.counter = DefaultCounter
	if s.counterPath == "" {
		return
	}
	data, err := os.ReadFile(s.counterPath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.fileBroken = true
			s.logger.Warn("cannot read session counter, using in-memory value",
				"path", s.counterPath, "error", err)
		}
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		s.logger.Warn("malformed session counter file, using in-memory value",
			"path", s.counterPath, "error", err)
		return
	}
	s.counter = n
}

func (s *Store) persistLocked() {
	if s.counterPath == "" || s.fileBroken {
		return
	}
	f, err := os.OpenFile(s.counterPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		s.fileBroken = true
		s.logger.Warn("cannot write session counter, continuing in memory",
			"path", s.counterPath, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(strconv.Itoa(s.counter)); err != nil {
		s.fileBroken = true
		s.logger.Warn("cannot write session counter, continuing in memory",
			"path", s.counterPath, "error", err)
		return
	}
	if err := f.Sync(); err != nil {
		s.logger.Warn("session counter fsync failed", "path", s.counterPath, "error", err)
	}
}

// ─── conversation histories ───

// History returns a copy of the conversation history for key.
func (s *Store) History(key string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.histories[key]
	out := make([]Turn, len(h))
	copy(out, h)
	return out
}

// Append adds a turn to key's history, discarding the oldest entries past
// MaxHistory.
func (s *Store) Append(key string, turn Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := append(s.histories[key], turn)
	if len(h) > MaxHistory {
		h = h[len(h)-MaxHistory:]
	}
	s.histories[key] = h
}

// ResetHistory discards key's history while keeping the key valid.
func (s *Store) ResetHistory(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.histories, key)
}

// ─── consecutive-empty tracking ───

// RecordEmpty increments the consecutive-empty counter and returns the new
// value. The orchestrator bumps the session when it reaches
// EmptyResetThreshold.
func (s *Store) RecordEmpty() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveEmpty++
	return s.consecutiveEmpty
}

// RecordNonEmpty resets the consecutive-empty counter.
func (s *Store) RecordNonEmpty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveEmpty = 0
}

// ConsecutiveEmpty returns the current consecutive-empty count.
func (s *Store) ConsecutiveEmpty() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveEmpty
}
