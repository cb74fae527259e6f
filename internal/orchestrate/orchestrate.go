// Package orchestrate contains the conversation core: the streaming state
// machine that bridges one user message through a gateway token stream
// into sentence-level TTS tasks and a single in-order stream of client
// events.
//
// The core is a plain value handed to every handler rather than package
// state, so tests construct a fresh one per case. One Converse call owns
// one gateway reader and zero or more TTS workers; emission order follows
// the state machine transitions exactly, with audio chunk indices
// strictly monotonic and text_done preceding the drain phase's audio.
package orchestrate

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MCERQUA/openvoiceui/internal/normalize"
	"github.com/MCERQUA/openvoiceui/internal/profile"
	"github.com/MCERQUA/openvoiceui/internal/session"
	"github.com/MCERQUA/openvoiceui/internal/sidechan"
	"github.com/MCERQUA/openvoiceui/internal/sink"
	"github.com/MCERQUA/openvoiceui/pkg/gateway"
	"github.com/MCERQUA/openvoiceui/pkg/tts"
	"github.com/MCERQUA/openvoiceui/pkg/tts/chunker"
)

const (
	// ttsTaskTimeout bounds one sentence synthesis.
	ttsTaskTimeout = 30 * time.Second

	// SentinelPrefix marks system-generated messages (pre-warm probes and
	// similar). A bare NO/YES answer to one is suppressed from TTS.
	SentinelPrefix = "__"
)

// audioExtensions the agent passthrough recognizes, mapped to wire format.
var audioExtensions = map[string]string{
	".mp3": "mp3",
	".wav": "wav",
	".ogg": "ogg",
}

// Config wires a Core. Gateways, TTS, Chunker, Normalizer, Profiles and
// Sessions are required; the rest degrade gracefully when absent.
type Config struct {
	Gateways *gateway.Registry
	TTS      *tts.Registry
	Chunker  *chunker.Chunker
	Norm     *normalize.Normalizer
	Profiles *profile.Resolver
	Sessions *session.Store

	Side     *sidechan.Queue
	Sink     *sink.Sink
	Fallback *Chain
	Logger   *slog.Logger

	// SessionPrefix names the voice session counter, default
	// session.DefaultPrefix.
	SessionPrefix string

	// ConversationDB is the SQLite path for turn and metrics logging.
	// Empty disables persistence.
	ConversationDB string

	// MinSentence overrides the extraction threshold. Zero selects
	// MinSentence (40).
	MinSentence int

	// MaxResponseChars caps spoken responses when neither the request nor
	// the active profile sets a cap. 0 leaves responses uncapped.
	MaxResponseChars int
}

// Core is the conversation orchestrator. Safe for concurrent use; each
// Converse call keeps its own state machine.
type Core struct {
	cfg Config
}

// New validates cfg and returns a Core.
func New(cfg Config) (*Core, error) {
	var errs []error
	if cfg.Gateways == nil {
		errs = append(errs, errors.New("orchestrate: gateway registry is required"))
	}
	if cfg.TTS == nil {
		errs = append(errs, errors.New("orchestrate: tts registry is required"))
	}
	if cfg.Chunker == nil {
		errs = append(errs, errors.New("orchestrate: chunker is required"))
	}
	if cfg.Norm == nil {
		errs = append(errs, errors.New("orchestrate: normalizer is required"))
	}
	if cfg.Profiles == nil {
		errs = append(errs, errors.New("orchestrate: profile resolver is required"))
	}
	if cfg.Sessions == nil {
		errs = append(errs, errors.New("orchestrate: session store is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SessionPrefix == "" {
		cfg.SessionPrefix = session.DefaultPrefix
	}
	if cfg.MinSentence <= 0 {
		cfg.MinSentence = MinSentence
	}
	return &Core{cfg: cfg}, nil
}

// Request is one user message plus its per-request overrides.
type Request struct {
	Message          string
	SessionID        string // history key override; voice session key otherwise
	GatewayID        string
	TTSProvider      string
	Voice            string
	AgentID          string
	ProfileID        string
	UIContext        string
	IdentifiedPerson string
	MaxResponseChars int
}

// ttsTask is one in-flight sentence synthesis.
type ttsTask struct {
	done  chan struct{}
	chunk tts.AudioChunk
	err   error
	ms    int64
}

// streamState is the per-request state machine.
type streamState struct {
	buf        string
	pending    []*ttsTask
	chunksSent int
	ttsFailed  bool
	ttsMS      int64
}

// Converse runs one conversation request, calling emit for every client
// event in order. It returns only after the terminal phase; a non-nil
// error means the stream ended with an error event.
func (c *Core) Converse(ctx context.Context, req Request, emit func(gateway.Event)) error {
	start := time.Now()

	prof := c.resolveProfile(req.ProfileID)
	voiceKey := c.cfg.Sessions.Current(c.cfg.SessionPrefix)
	historyKey := firstNonEmpty(req.SessionID, voiceKey)
	sentinel := strings.HasPrefix(req.Message, SentinelPrefix)

	provider, perr := c.cfg.TTS.Select(req.TTSProvider, prof.TTSProvider)
	if perr != nil {
		c.cfg.Logger.Warn("no usable TTS provider, responses will be text-only", "error", perr)
		provider = nil
	}
	voice := firstNonEmpty(req.Voice, prof.Voice)
	maxChars := req.MaxResponseChars
	if maxChars <= 0 {
		maxChars = prof.MaxResponseChars
	}
	if maxChars <= 0 {
		maxChars = c.cfg.MaxResponseChars
	}

	st := &streamState{}

	var (
		response    string
		actions     []gateway.Action
		gotDone     bool
		handshakeMS int64
		gatewayMS   int64
		gatewayErr  string
		gatewayID   string
	)

	gw, err := c.cfg.Gateways.Route(firstNonEmpty(req.GatewayID, prof.GatewayID))
	if err != nil {
		c.cfg.Logger.Warn("no usable gateway, going to fallback", "error", err)
	} else {
		gatewayID = gw.ID()
		events := make(chan gateway.Event, 64)
		go gw.StreamToQueue(ctx, events, c.composeOutbound(req), voiceKey, gateway.StreamOpts{
			AgentID: firstNonEmpty(req.AgentID, prof.AgentID),
		})

		for ev := range events {
			switch ev.Type {
			case gateway.EventHandshake:
				handshakeMS = ev.HandshakeMS
				emit(ev)
			case gateway.EventDelta:
				st.buf += ev.Text
				c.extract(ctx, st, provider, voice, prof.ID, voiceKey)
				emit(ev)
			case gateway.EventAction:
				// Ship whatever audio is already done before a
				// potentially long tool call: no dead air.
				c.flushCompleted(st, emit, start)
				if ev.Action != nil {
					actions = append(actions, *ev.Action)
				}
				emit(ev)
			case gateway.EventTextDone:
				gotDone = true
				response = ev.Response
				if len(ev.Actions) > 0 {
					actions = ev.Actions
				}
				gatewayMS = time.Since(start).Milliseconds()
			case gateway.EventError:
				gatewayErr = ev.Err
				c.cfg.Logger.Warn("gateway stream failed",
					"gateway", gatewayID, "error", ev.Err)
			}
		}
	}

	fallbackUsed := false
	if !gotDone {
		if c.cfg.Fallback != nil {
			if text, ferr := c.cfg.Fallback.Respond(ctx, req.Message, voiceKey); ferr == nil {
				response = text
				gotDone = true
				fallbackUsed = true
				gatewayMS = time.Since(start).Milliseconds()
			} else {
				c.cfg.Logger.Error("fallback chain exhausted", "error", ferr)
			}
		}
		if !gotDone {
			msg := firstNonEmpty(gatewayErr, "gateway unavailable")
			emit(gateway.ErrorEvent(msg))
			c.logMetrics(sink.RequestMetrics{
				SessionID:   voiceKey,
				GatewayID:   gatewayID,
				MessageChars: len(req.Message),
				HandshakeMS: handshakeMS,
				TotalMS:     time.Since(start).Milliseconds(),
			})
			return errors.New(msg)
		}
	}

	// ── terminal phase ──

	response, marker := stripResetMarker(response)
	response = TruncateAtSentence(strings.TrimSpace(response), maxChars)

	timing := gateway.Timing{HandshakeMS: handshakeMS, TotalMS: time.Since(start).Milliseconds()}

	if sentinel && isBareYesNo(response) {
		emit(gateway.TextDone(&response, actions, timing))
		emit(gateway.NoAudio())
		c.logMetrics(sink.RequestMetrics{
			SessionID: voiceKey, GatewayID: gatewayID,
			MessageChars: len(req.Message), ResponseChars: len(response),
			HandshakeMS: handshakeMS, GatewayMS: gatewayMS,
			TotalMS: timing.TotalMS, Success: true, FallbackUsed: fallbackUsed,
		})
		return nil
	}

	emit(gateway.TextDone(&response, actions, timing))
	c.drain(ctx, st, response, provider, voice, prof.ID, voiceKey, emit, start)

	// ── bookkeeping ──

	if response != "" {
		c.cfg.Sessions.Append(historyKey, session.Turn{Role: session.RoleUser, Content: req.Message})
		c.cfg.Sessions.Append(historyKey, session.Turn{Role: session.RoleAssistant, Content: response})
		if c.cfg.Sink != nil && c.cfg.ConversationDB != "" {
			c.cfg.Sink.LogTurn(c.cfg.ConversationDB, historyKey, session.RoleUser, req.Message, "", "")
			c.cfg.Sink.LogTurn(c.cfg.ConversationDB, historyKey, session.RoleAssistant, response, providerID(provider), voice)
		}
	}
	c.logMetrics(sink.RequestMetrics{
		SessionID: voiceKey, GatewayID: gatewayID, TTSProvider: providerID(provider),
		MessageChars: len(req.Message), ResponseChars: len(response),
		HandshakeMS: handshakeMS, GatewayMS: gatewayMS, TTSMS: st.ttsMS,
		TotalMS: time.Since(start).Milliseconds(), Chunks: st.chunksSent,
		Success: true, FallbackUsed: fallbackUsed,
	})

	// ── session reset policy ──

	switch {
	case marker:
		next := c.cfg.Sessions.Bump(c.cfg.SessionPrefix)
		emit(gateway.SessionReset(voiceKey, next, "reset_marker"))
	case response == "":
		if c.cfg.Sessions.RecordEmpty() >= session.EmptyResetThreshold {
			next := c.cfg.Sessions.Bump(c.cfg.SessionPrefix)
			emit(gateway.SessionReset(voiceKey, next, "consecutive_empty"))
		}
	default:
		c.cfg.Sessions.RecordNonEmpty()
	}
	return nil
}

// ─── state machine internals ───

// extract cuts every currently extractable sentence out of the buffer
// and spawns a TTS task per sentence.
func (c *Core) extract(ctx context.Context, st *streamState, provider tts.Provider, voice, profileID, sessionKey string) {
	for {
		sentence, rest, ok := NextSentence(st.buf, c.cfg.MinSentence)
		if !ok {
			return
		}
		st.buf = rest
		c.spawn(ctx, st, sentence, provider, voice, profileID, sessionKey)
	}
}

// spawn cleans text and starts its synthesis task. Text that cleans down
// to nothing (pure tags, pure markup) spawns nothing.
func (c *Core) spawn(ctx context.Context, st *streamState, text string, provider tts.Provider, voice, profileID, sessionKey string) {
	speak := c.speakable(text, profileID, sessionKey)
	if speak == "" || provider == nil {
		return
	}
	t := &ttsTask{done: make(chan struct{})}
	st.pending = append(st.pending, t)
	go func() {
		defer close(t.done)
		tctx, cancel := context.WithTimeout(ctx, ttsTaskTimeout)
		defer cancel()
		s := time.Now()
		t.chunk, t.err = c.cfg.Chunker.Synthesize(tctx, provider, speak, voice, tts.Options{})
		t.ms = time.Since(s).Milliseconds()
	}()
}

// speakable turns raw response text into TTS input: side-channel tags are
// extracted to the command queue, reset markers dropped, then the
// normalizer runs with the profile's rules.
func (c *Core) speakable(text, profileID, sessionKey string) string {
	text, _ = stripResetMarker(text)
	text, tags := StripTags(text)
	if c.cfg.Side != nil {
		for _, tag := range tags {
			c.cfg.Side.Push(sidechan.Command{
				Kind:    tag.Kind,
				Body:    tag.Body,
				Session: sessionKey,
				At:      time.Now(),
			})
		}
	}
	return c.cfg.Norm.Normalize(text, profileID)
}

// flushCompleted emits audio for the already-finished head of the pending
// list without waiting on anything.
func (c *Core) flushCompleted(st *streamState, emit func(gateway.Event), start time.Time) {
	for len(st.pending) > 0 {
		t := st.pending[0]
		select {
		case <-t.done:
		default:
			return
		}
		st.pending = st.pending[1:]
		c.emitTask(st, t, 0, emit, start)
	}
}

// emitTask emits one finished task as an audio or tts_error event.
// totalChunks <= 0 renders as null (count not yet known). After the first
// failure no further audio is emitted.
func (c *Core) emitTask(st *streamState, t *ttsTask, totalChunks int, emit func(gateway.Event), start time.Time) {
	if st.ttsFailed {
		return
	}
	if t.err != nil {
		st.ttsFailed = true
		emit(gateway.TTSError(tts.ProviderOf(t.err), tts.Reason(t.err), t.err.Error()))
		return
	}
	st.ttsMS += t.ms
	emit(gateway.AudioEvent(t.chunk.Bytes, string(t.chunk.Format), st.chunksSent, totalChunks, gateway.Timing{
		TTSMS:   t.ms,
		TotalMS: time.Since(start).Milliseconds(),
	}))
	st.chunksSent++
}

// drain finishes the audio track after text_done: flush the buffer
// remainder, cover never-extracted short responses, then await the
// pending tasks in order.
func (c *Core) drain(ctx context.Context, st *streamState, response string, provider tts.Provider, voice, profileID, sessionKey string, emit func(gateway.Event), start time.Time) {
	// Agent audio passthrough: a response that is literally a local audio
	// file gets shipped as-is, no TTS.
	if st.chunksSent == 0 && len(st.pending) == 0 {
		if data, format, ok := readAudioFile(response); ok {
			emit(gateway.AudioEvent(data, format, 0, 1, gateway.Timing{
				TotalMS: time.Since(start).Milliseconds(),
			}))
			st.chunksSent = 1
			return
		}
	}

	if strings.TrimSpace(st.buf) != "" {
		c.spawn(ctx, st, st.buf, provider, voice, profileID, sessionKey)
		st.buf = ""
	}
	if len(st.pending) == 0 && st.chunksSent == 0 {
		c.spawn(ctx, st, response, provider, voice, profileID, sessionKey)
	}
	if len(st.pending) == 0 {
		if st.chunksSent == 0 {
			emit(gateway.NoAudio())
		}
		return
	}

	total := st.chunksSent + len(st.pending)
	for _, t := range st.pending {
		<-t.done
		c.emitTask(st, t, total, emit, start)
	}
	st.pending = nil
	if st.chunksSent == 0 {
		emit(gateway.NoAudio())
	}
}

// ─── auxiliary operations ───

// Prewarm fires a best-effort sentinel request at the current session so
// the gateway's model context is warm before the user speaks. Returns
// immediately; the request runs in the background.
func (c *Core) Prewarm(ctx context.Context) {
	gw, err := c.cfg.Gateways.Route("")
	if err != nil {
		c.cfg.Logger.Debug("prewarm skipped, no default gateway", "error", err)
		return
	}
	key := c.cfg.Sessions.Current(c.cfg.SessionPrefix)
	go func() {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if _, err := gw.Ask(pctx, SentinelPrefix+"session_start"+SentinelPrefix, key); err != nil {
			c.cfg.Logger.Debug("prewarm request failed", "error", err)
		}
	}()
}

// ResetSession bumps the voice session counter and clears the old
// session's history. With prewarm true a background warm-up request goes
// to the new session.
func (c *Core) ResetSession(ctx context.Context, prewarm bool) (oldKey, newKey string) {
	oldKey = c.cfg.Sessions.Current(c.cfg.SessionPrefix)
	c.cfg.Sessions.ResetHistory(oldKey)
	newKey = c.cfg.Sessions.Bump(c.cfg.SessionPrefix)
	if prewarm {
		c.Prewarm(ctx)
	}
	return oldKey, newKey
}

// SessionKey returns the current voice session key.
func (c *Core) SessionKey() string {
	return c.cfg.Sessions.Current(c.cfg.SessionPrefix)
}

// Synthesize runs one-shot TTS outside a conversation: normalizer then
// chunker against the selected provider. Used by the ad-hoc generation
// endpoint.
func (c *Core) Synthesize(ctx context.Context, text, providerID, voice string) (tts.AudioChunk, string, error) {
	prof := c.resolveProfile("")
	p, err := c.cfg.TTS.Select(providerID, prof.TTSProvider)
	if err != nil {
		return tts.AudioChunk{}, "", err
	}
	speak := c.cfg.Norm.Normalize(text, prof.ID)
	if speak == "" {
		return tts.AudioChunk{}, "", errors.New("orchestrate: nothing speakable after normalization")
	}
	sctx, cancel := context.WithTimeout(ctx, ttsTaskTimeout)
	defer cancel()
	chunk, err := c.cfg.Chunker.Synthesize(sctx, p, speak, firstNonEmpty(voice, prof.Voice), tts.Options{})
	if err != nil {
		return tts.AudioChunk{}, p.ID(), err
	}
	return chunk, p.ID(), nil
}

// EncodeAudio renders chunk bytes for JSON transport.
func EncodeAudio(chunk tts.AudioChunk) string {
	return base64.StdEncoding.EncodeToString(chunk.Bytes)
}

// ─── helpers ───

func (c *Core) resolveProfile(id string) profile.Profile {
	if id != "" {
		if p, ok := c.cfg.Profiles.Get(id); ok {
			return p
		}
		c.cfg.Logger.Warn("unknown profile, using active", "profile", id)
	}
	return c.cfg.Profiles.Active()
}

// composeOutbound builds the message actually sent upstream: UI context
// and speaker identity are prefixed so the model sees them as part of the
// turn.
func (c *Core) composeOutbound(req Request) string {
	var b strings.Builder
	if req.UIContext != "" {
		fmt.Fprintf(&b, "[UI state: %s]\n", req.UIContext)
	}
	if req.IdentifiedPerson != "" {
		fmt.Fprintf(&b, "[Speaker: %s] ", req.IdentifiedPerson)
	}
	b.WriteString(req.Message)
	return b.String()
}

func (c *Core) logMetrics(m sink.RequestMetrics) {
	if c.cfg.Sink == nil || c.cfg.ConversationDB == "" {
		return
	}
	c.cfg.Sink.LogMetrics(c.cfg.ConversationDB, m)
}

// isBareYesNo reports whether s is a bare yes/no verdict from a system
// sentinel exchange.
func isBareYesNo(s string) bool {
	switch strings.ToUpper(strings.TrimRight(strings.TrimSpace(s), ".!")) {
	case "NO", "YES":
		return true
	}
	return false
}

// readAudioFile returns the contents and wire format of path when it is
// an existing local file with a recognized audio extension.
func readAudioFile(path string) ([]byte, string, bool) {
	path = strings.TrimSpace(path)
	if path == "" || strings.ContainsAny(path, " \n\t") || !filepath.IsAbs(path) {
		return nil, "", false
	}
	format, ok := audioExtensions[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", false
	}
	return data, format, true
}

func providerID(p tts.Provider) string {
	if p == nil {
		return ""
	}
	return p.ID()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
