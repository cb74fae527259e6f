package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"
)

// ErrAllRespondersFailed is returned by Chain.Respond when every entry
// fails or is cooling down.
var ErrAllRespondersFailed = errors.New("all fallback responders failed")

// Apology is the terminal fallback response when no responder can
// produce anything better.
const Apology = "Hmm, my brain glitched for a second there. Try that again?"

// Responder is one entry in the ordered fallback list: a lower-capability
// path that turns a user message into a response when the primary gateway
// cannot.
type Responder interface {
	Name() string
	Respond(ctx context.Context, message, sessionKey string) (string, error)
}

// ─── chain ───

const (
	cooldownAfter  = 3
	cooldownPeriod = 30 * time.Second
)

type chainEntry struct {
	responder Responder

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
}

// coolingDown reports whether the entry has failed repeatedly and its
// cooldown has not yet elapsed. A responder in cooldown is skipped so a
// dead upstream does not add its timeout to every request.
func (e *chainEntry) coolingDown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures >= cooldownAfter && time.Since(e.lastFailure) < cooldownPeriod
}

func (e *chainEntry) record(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.failures++
		e.lastFailure = time.Now()
		return
	}
	e.failures = 0
}

// Chain tries responders in registration order until one succeeds.
// Safe for concurrent use.
type Chain struct {
	entries []*chainEntry
	logger  *slog.Logger
}

// NewChain builds a fallback chain over responders, tried in order.
func NewChain(logger *slog.Logger, responders ...Responder) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Chain{logger: logger}
	for _, r := range responders {
		c.entries = append(c.entries, &chainEntry{responder: r})
	}
	return c
}

// Respond runs the chain. Entries in cooldown are skipped; the first
// success wins.
func (c *Chain) Respond(ctx context.Context, message, sessionKey string) (string, error) {
	var lastErr error
	for _, e := range c.entries {
		if e.coolingDown() {
			c.logger.Debug("skipping responder in cooldown", "responder", e.responder.Name())
			continue
		}
		text, err := e.responder.Respond(ctx, message, sessionKey)
		e.record(err)
		if err == nil {
			return text, nil
		}
		lastErr = err
		c.logger.Warn("fallback responder failed, trying next",
			"responder", e.responder.Name(), "error", err)
	}
	if lastErr == nil {
		lastErr = errors.New("no responders available")
	}
	return "", fmt.Errorf("%w: %v", ErrAllRespondersFailed, lastErr)
}

// ─── direct model responder ───

// DirectResponder answers with a plain completion against a model API via
// any-llm-go: no tools, no streaming, no conversation memory. It is the
// "dumb but alive" tier of the fallback chain.
type DirectResponder struct {
	backend anyllmlib.Provider
	model   string
	name    string
}

var _ Responder = (*DirectResponder)(nil)

// NewDirectResponder creates a DirectResponder for the given provider
// name ("openai", "anthropic", "groq", "ollama") and model. API keys come
// from the provider's usual environment variables.
func NewDirectResponder(providerName, model string, opts ...anyllmlib.Option) (*DirectResponder, error) {
	if model == "" {
		return nil, errors.New("orchestrate: fallback model must not be empty")
	}
	var (
		backend anyllmlib.Provider
		err     error
	)
	switch strings.ToLower(providerName) {
	case "openai":
		backend, err = anyllmoai.New(opts...)
	case "anthropic":
		backend, err = anthropic.New(opts...)
	case "groq":
		backend, err = groq.New(opts...)
	case "ollama":
		backend, err = ollama.New(opts...)
	default:
		return nil, fmt.Errorf("orchestrate: unsupported fallback provider %q", providerName)
	}
	if err != nil {
		return nil, fmt.Errorf("orchestrate: create %q fallback backend: %w", providerName, err)
	}
	return &DirectResponder{
		backend: backend,
		model:   model,
		name:    "direct-" + strings.ToLower(providerName),
	}, nil
}

// Name implements Responder.
func (d *DirectResponder) Name() string { return d.name }

// Respond implements Responder.
func (d *DirectResponder) Respond(ctx context.Context, message, _ string) (string, error) {
	resp, err := d.backend.Completion(ctx, anyllmlib.CompletionParams{
		Model: d.model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleUser, Content: message},
		},
	})
	if err != nil {
		return "", fmt.Errorf("direct completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("direct completion: empty choices")
	}
	return resp.Choices[0].Message.ContentString(), nil
}

// ─── canned responder ───

// CannedResponder always succeeds with a fixed string. Placed last in the
// chain it guarantees the user hears something rather than silence.
type CannedResponder struct {
	Text string
}

var _ Responder = (*CannedResponder)(nil)

// Name implements Responder.
func (CannedResponder) Name() string { return "canned" }

// Respond implements Responder.
func (c CannedResponder) Respond(context.Context, string, string) (string, error) {
	if c.Text == "" {
		return Apology, nil
	}
	return c.Text, nil
}
