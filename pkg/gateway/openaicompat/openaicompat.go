// Package openaicompat implements a non-persistent gateway speaking the
// OpenAI chat-completions protocol. It works against any compatible server
// (OpenAI itself, Groq, Ollama, llama.cpp, vLLM) by pointing the base URL
// at it.
//
// The upstream protocol is stateless, so the gateway carries conversation
// memory itself: a rolling window of recent turns per session key, replayed
// as the message list on every request. Session resets need no plumbing
// here since a reset mints a new session key and the old window simply
// stops being referenced.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MCERQUA/openvoiceui/pkg/gateway"
)

// Compile-time interface assertion.
var _ gateway.Gateway = (*Gateway)(nil)

const (
	// GatewayID is the registry id of this gateway.
	GatewayID = "openai-compat"

	// Environment variables the gateway is configured from.
	EnvAPIKey    = "OPENAI_COMPAT_API_KEY"
	EnvBaseURL   = "OPENAI_COMPAT_BASE_URL"
	EnvModel     = "OPENAI_COMPAT_MODEL"
	EnvMaxTokens = "OPENAI_COMPAT_MAX_TOKENS"

	defaultModel = "gpt-4o-mini"

	// maxHistory is the per-session rolling window replayed upstream.
	maxHistory = 20

	// idleTimeout is the longest wait between stream chunks before the
	// request is declared dead.
	idleTimeout = 310 * time.Second

	// askTimeout bounds a synchronous Ask delegation.
	askTimeout = 330 * time.Second
)

type turn struct {
	role    string
	content string
}

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway)

// WithAPIKey overrides OPENAI_COMPAT_API_KEY.
func WithAPIKey(k string) Option {
	return func(g *Gateway) { g.apiKey = k }
}

// WithBaseURL overrides OPENAI_COMPAT_BASE_URL.
func WithBaseURL(u string) Option {
	return func(g *Gateway) { g.baseURL = u }
}

// WithModel overrides OPENAI_COMPAT_MODEL.
func WithModel(m string) Option {
	return func(g *Gateway) {
		if m != "" {
			g.model = m
		}
	}
}

// WithMaxTokens caps the completion length. Zero means server default.
func WithMaxTokens(n int) Option {
	return func(g *Gateway) { g.maxTokens = n }
}

// WithSystemPrompt prepends a system message to every request.
func WithSystemPrompt(p string) Option {
	return func(g *Gateway) { g.systemPrompt = p }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// Gateway is an OpenAI-compatible chat gateway. Safe for concurrent use.
type Gateway struct {
	apiKey       string
	baseURL      string
	model        string
	maxTokens    int
	systemPrompt string
	logger       *slog.Logger

	clientOnce sync.Once
	client     oai.Client

	histMu    sync.Mutex
	histories map[string][]turn
}

// New creates the gateway from options and environment.
func New(opts ...Option) *Gateway {
	g := &Gateway{
		apiKey:    os.Getenv(EnvAPIKey),
		baseURL:   os.Getenv(EnvBaseURL),
		model:     os.Getenv(EnvModel),
		logger:    slog.Default(),
		histories: make(map[string][]turn),
	}
	if g.model == "" {
		g.model = defaultModel
	}
	if raw := os.Getenv(EnvMaxTokens); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			g.maxTokens = n
		}
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// ID returns "openai-compat".
func (g *Gateway) ID() string { return GatewayID }

// Persistent returns false: each request is its own HTTP stream.
func (g *Gateway) Persistent() bool { return false }

// IsConfigured reports whether an API key is present. Keyless local
// servers (Ollama and friends) are covered by setting the base URL and
// any placeholder key.
func (g *Gateway) IsConfigured() bool { return g.apiKey != "" }

// IsHealthy mirrors IsConfigured; there is no connection to probe.
func (g *Gateway) IsHealthy(context.Context) bool { return g.IsConfigured() }

func (g *Gateway) api() *oai.Client {
	g.clientOnce.Do(func() {
		reqOpts := []option.RequestOption{option.WithAPIKey(g.apiKey)}
		if g.baseURL != "" {
			reqOpts = append(reqOpts, option.WithBaseURL(g.baseURL))
		}
		g.client = oai.NewClient(reqOpts...)
	})
	return &g.client
}

// ─── history window ───

func (g *Gateway) history(sessionKey string) []turn {
	g.histMu.Lock()
	defer g.histMu.Unlock()
	return append([]turn(nil), g.histories[sessionKey]...)
}

func (g *Gateway) remember(sessionKey string, turns ...turn) {
	g.histMu.Lock()
	defer g.histMu.Unlock()
	h := append(g.histories[sessionKey], turns...)
	if len(h) > maxHistory {
		h = h[len(h)-maxHistory:]
	}
	g.histories[sessionKey] = h
}

// ─── streaming ───

// StreamToQueue runs one streaming chat completion and translates chunks
// to pipeline events on ch. The handshake event carries time to first
// byte, the closest equivalent this protocol has to a connection
// handshake. Blocks until the terminal event is sent; always closes ch.
func (g *Gateway) StreamToQueue(ctx context.Context, ch chan<- gateway.Event, message, sessionKey string, opts gateway.StreamOpts) error {
	defer close(ch)

	fail := func(err error) error {
		sendEvent(ctx, ch, gateway.ErrorEvent(err.Error()))
		return err
	}

	if !g.IsConfigured() {
		return fail(errors.New("openaicompat: no API key configured"))
	}

	start := time.Now()
	stream := g.api().Chat.Completions.NewStreaming(ctx, g.buildParams(message, sessionKey))
	defer stream.Close()

	var (
		fullText  string
		handshook bool
		deadline  = time.AfterFunc(idleTimeout, func() { stream.Close() })
	)
	defer deadline.Stop()

	for stream.Next() {
		deadline.Reset(idleTimeout)
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if !handshook {
			handshook = true
			sendEvent(ctx, ch, gateway.Handshake(time.Since(start).Milliseconds()))
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			fullText += text
			sendEvent(ctx, ch, gateway.Delta(text))
		}
	}
	if err := stream.Err(); err != nil {
		return fail(fmt.Errorf("openaicompat: stream: %w", err))
	}
	if !handshook {
		return fail(errors.New("openaicompat: stream ended without any chunks"))
	}

	g.remember(sessionKey,
		turn{role: "user", content: message},
		turn{role: "assistant", content: fullText},
	)

	sendEvent(ctx, ch, gateway.TextDone(&fullText, opts.CapturedActions, gateway.Timing{
		TotalMS: time.Since(start).Milliseconds(),
	}))
	return nil
}

// Ask runs one non-streaming exchange. Shares the session history window
// with StreamToQueue.
func (g *Gateway) Ask(ctx context.Context, message, sessionKey string) (string, error) {
	if !g.IsConfigured() {
		return "", errors.New("openaicompat: no API key configured")
	}

	askCtx, cancel := context.WithTimeout(ctx, askTimeout)
	defer cancel()

	resp, err := g.api().Chat.Completions.New(askCtx, g.buildParams(message, sessionKey))
	if err != nil {
		return "", fmt.Errorf("openaicompat: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openaicompat: empty choices in response")
	}

	answer := resp.Choices[0].Message.Content
	g.remember(sessionKey,
		turn{role: "user", content: message},
		turn{role: "assistant", content: answer},
	)
	return answer, nil
}

func (g *Gateway) buildParams(message, sessionKey string) oai.ChatCompletionNewParams {
	var messages []oai.ChatCompletionMessageParamUnion
	if g.systemPrompt != "" {
		messages = append(messages, oai.SystemMessage(g.systemPrompt))
	}
	for _, t := range g.history(sessionKey) {
		switch t.role {
		case "assistant":
			messages = append(messages, oai.AssistantMessage(t.content))
		default:
			messages = append(messages, oai.UserMessage(t.content))
		}
	}
	messages = append(messages, oai.UserMessage(message))

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(g.model),
		Messages: messages,
	}
	if g.maxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(g.maxTokens))
	}
	return params
}

func sendEvent(ctx context.Context, ch chan<- gateway.Event, ev gateway.Event) {
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}
