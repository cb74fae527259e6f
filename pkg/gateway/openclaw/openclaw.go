// Package openclaw implements the reference persistent gateway: one
// long-lived WebSocket per process, multiplexing chat requests over it by
// correlation id.
//
// Connection startup follows the server's challenge protocol: the server
// sends connect.challenge, the client answers with a connect request
// carrying protocol bounds, identity, auth token, and scopes, and the
// server acknowledges (hello) or rejects. Failed dials back off
// exponentially, capped at 30 s.
//
// Inbound frames are dispatched by correlation id to the request that owns
// them until a terminal frame (chat.done / chat.final) arrives. Unrelated
// events (heartbeat, presence) are dropped. At most one chat request is in
// flight per session key; a per-session mutex serializes the rest.
package openclaw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MCERQUA/openvoiceui/pkg/gateway"
)

// Compile-time interface assertion.
var _ gateway.Gateway = (*Gateway)(nil)

const (
	// GatewayID is the registry id of this gateway.
	GatewayID = "openclaw"

	// Environment variables the gateway is configured from.
	EnvURL   = "OPENCLAW_GATEWAY_URL"
	EnvToken = "OPENCLAW_AUTH_TOKEN"

	defaultURL = "ws://127.0.0.1:18791"

	// handshakeTimeout bounds the dial + challenge + hello exchange.
	handshakeTimeout = 10 * time.Second

	// idleTimeout is the longest the gateway waits between inbound frames
	// of an active request before declaring it dead.
	idleTimeout = 310 * time.Second

	// askTimeout bounds a synchronous Ask delegation.
	askTimeout = 330 * time.Second

	// backoff bounds for reconnection after a failed dial.
	backoffInitial = 1 * time.Second
	backoffMax     = 30 * time.Second

	protocolMin = 1
	protocolMax = 1
)

// ─── wire frames ───

type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Event   string          `json:"event,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *frameError     `json:"error,omitempty"`
}

type frameError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type connectParams struct {
	MinProtocol int           `json:"minProtocol"`
	MaxProtocol int           `json:"maxProtocol"`
	Client      clientInfo    `json:"client"`
	Role        string        `json:"role"`
	Scopes      []string      `json:"scopes"`
	Auth        connectAuth   `json:"auth"`
	Challenge   challengeEcho `json:"challenge"`
}

type clientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
}

type connectAuth struct {
	Token string `json:"token,omitempty"`
}

type challengeEcho struct {
	Nonce string `json:"nonce,omitempty"`
}

type challengePayload struct {
	Nonce string `json:"nonce"`
}

type chatSendParams struct {
	SessionKey string `json:"sessionKey"`
	Content    string `json:"content"`
	Agent      string `json:"agent,omitempty"`
}

type chatPayload struct {
	Delta   string         `json:"delta,omitempty"`
	Content string         `json:"content,omitempty"`
	Name    string         `json:"name,omitempty"`
	Phase   string         `json:"phase,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
}

// ─── gateway ───

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway)

// WithURL overrides the server URL (otherwise OPENCLAW_GATEWAY_URL or the
// local default).
func WithURL(u string) Option {
	return func(g *Gateway) {
		if u != "" {
			g.url = u
		}
	}
}

// WithToken overrides the auth token (otherwise OPENCLAW_AUTH_TOKEN).
func WithToken(t string) Option {
	return func(g *Gateway) {
		g.token = t
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// Gateway is the persistent OpenClaw connection. Safe for concurrent use.
type Gateway struct {
	url    string
	token  string
	logger *slog.Logger

	// connMu guards the transport and the pending table. The write mutex
	// is separate so slow writes do not block dispatch bookkeeping.
	connMu  sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan frame

	writeMu sync.Mutex

	// nextDial is the earliest moment another dial may be attempted, per
	// the exponential backoff.
	nextDial    time.Time
	backoff     time.Duration
	healthyFlag atomic.Bool

	nextID atomic.Uint64

	// sessionMu serializes chat requests per session key.
	sessionsMu sync.Mutex
	sessions   map[string]*sync.Mutex
}

// New creates the gateway from options and environment.
func New(opts ...Option) *Gateway {
	g := &Gateway{
		url:      os.Getenv(EnvURL),
		token:    os.Getenv(EnvToken),
		logger:   slog.Default(),
		pending:  make(map[string]chan frame),
		sessions: make(map[string]*sync.Mutex),
		backoff:  backoffInitial,
	}
	if g.url == "" {
		g.url = defaultURL
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// ID returns "openclaw".
func (g *Gateway) ID() string { return GatewayID }

// Persistent returns true: one socket serves all requests.
func (g *Gateway) Persistent() bool { return true }

// IsConfigured reports whether a server URL is known. The local default
// counts: the reference deployment runs the server on the same host.
func (g *Gateway) IsConfigured() bool { return g.url != "" }

// IsHealthy reports whether the socket is currently connected.
func (g *Gateway) IsHealthy(context.Context) bool { return g.healthyFlag.Load() }

// ─── connection management ───

// ensureConn returns the live connection, dialing and handshaking if
// needed. Dials respect the backoff window: a request arriving inside it
// fails fast instead of hammering a down server.
func (g *Gateway) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	g.connMu.Lock()
	defer g.connMu.Unlock()

	if g.conn != nil {
		return g.conn, nil
	}
	if wait := time.Until(g.nextDial); wait > 0 {
		return nil, fmt.Errorf("openclaw: reconnect backoff, retry in %s", wait.Round(time.Second))
	}

	conn, err := g.dialAndHandshake(ctx)
	if err != nil {
		g.nextDial = time.Now().Add(g.backoff)
		g.backoff = min(g.backoff*2, backoffMax)
		return nil, err
	}
	g.backoff = backoffInitial
	g.nextDial = time.Time{}
	g.conn = conn
	g.healthyFlag.Store(true)
	go g.readLoop(conn)
	return conn, nil
}

func (g *Gateway) dialAndHandshake(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, g.url, nil)
	if err != nil {
		return nil, fmt.Errorf("openclaw: dial %s: %w", g.url, err)
	}
	// Audio-free JSON control traffic, but responses can be large.
	conn.SetReadLimit(16 << 20)

	ok := false
	defer func() {
		if !ok {
			conn.Close(websocket.StatusProtocolError, "handshake failed")
		}
	}()

	// 1. Server opens with connect.challenge.
	f, err := readFrame(dialCtx, conn)
	if err != nil {
		return nil, fmt.Errorf("openclaw: read challenge: %w", err)
	}
	if f.Event != "connect.challenge" {
		return nil, fmt.Errorf("openclaw: expected connect.challenge, got %q", f.Event)
	}
	var challenge challengePayload
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &challenge); err != nil {
			return nil, fmt.Errorf("openclaw: decode challenge: %w", err)
		}
	}

	// 2. Reply with the connect request.
	id := g.correlationID()
	params, err := json.Marshal(connectParams{
		MinProtocol: protocolMin,
		MaxProtocol: protocolMax,
		Client:      clientInfo{ID: "openvoiceui", Version: "1", Platform: "server"},
		Role:        "agent",
		Scopes:      []string{"chat"},
		Auth:        connectAuth{Token: g.token},
		Challenge:   challengeEcho{Nonce: challenge.Nonce},
	})
	if err != nil {
		return nil, fmt.Errorf("openclaw: marshal connect: %w", err)
	}
	if err := writeFrame(dialCtx, conn, frame{Type: "req", ID: id, Method: "connect", Params: params}); err != nil {
		return nil, fmt.Errorf("openclaw: send connect: %w", err)
	}

	// 3. Await hello (a response to our id) or a rejection.
	for {
		f, err := readFrame(dialCtx, conn)
		if err != nil {
			return nil, fmt.Errorf("openclaw: read hello: %w", err)
		}
		if f.ID != id {
			continue
		}
		if f.Error != nil {
			return nil, fmt.Errorf("openclaw: connect rejected: %s", f.Error.Message)
		}
		break
	}

	ok = true
	return conn, nil
}

// readLoop is the single inbound reader for one connection. It dispatches
// frames by correlation id and tears everything down when the socket drops.
func (g *Gateway) readLoop(conn *websocket.Conn) {
	for {
		f, err := readFrame(context.Background(), conn)
		if err != nil {
			g.teardown(conn, err)
			return
		}
		if f.ID == "" {
			// Heartbeat, presence, broadcast: nothing to route to.
			continue
		}
		g.connMu.Lock()
		ch, ok := g.pending[f.ID]
		g.connMu.Unlock()
		if !ok {
			continue
		}
		// The pending channel is buffered; a stalled consumer sheds
		// rather than wedging the reader.
		select {
		case ch <- f:
		default:
			g.logger.Warn("openclaw: dropping frame for slow consumer", "id", f.ID, "event", f.Event)
		}
	}
}

// teardown fails every outstanding request and clears the connection so
// the next request re-dials.
func (g *Gateway) teardown(conn *websocket.Conn, cause error) {
	g.connMu.Lock()
	if g.conn == conn {
		g.conn = nil
		g.healthyFlag.Store(false)
	}
	orphans := g.pending
	g.pending = make(map[string]chan frame)
	g.connMu.Unlock()

	conn.Close(websocket.StatusInternalError, "transport failure")
	if len(orphans) > 0 {
		g.logger.Warn("openclaw: socket dropped, failing in-flight requests",
			"requests", len(orphans), "error", cause)
	}
	msg := fmt.Sprintf("transport failure: %v", cause)
	for _, ch := range orphans {
		select {
		case ch <- frame{Type: "res", Error: &frameError{Message: msg}}:
		default:
		}
	}
}

func (g *Gateway) correlationID() string {
	return strconv.FormatUint(g.nextID.Add(1), 10)
}

func (g *Gateway) register(id string) chan frame {
	ch := make(chan frame, 64)
	g.connMu.Lock()
	g.pending[id] = ch
	g.connMu.Unlock()
	return ch
}

func (g *Gateway) unregister(id string) {
	g.connMu.Lock()
	delete(g.pending, id)
	g.connMu.Unlock()
}

func (g *Gateway) sessionLock(key string) *sync.Mutex {
	g.sessionsMu.Lock()
	defer g.sessionsMu.Unlock()
	mu, ok := g.sessions[key]
	if !ok {
		mu = &sync.Mutex{}
		g.sessions[key] = mu
	}
	return mu
}

// ─── streaming ───

// StreamToQueue sends message as one chat request and translates inbound
// frames to pipeline events on ch. It blocks until the terminal event has
// been sent and always closes ch.
func (g *Gateway) StreamToQueue(ctx context.Context, ch chan<- gateway.Event, message, sessionKey string, opts gateway.StreamOpts) error {
	defer close(ch)

	fail := func(err error) error {
		sendEvent(ctx, ch, gateway.ErrorEvent(err.Error()))
		return err
	}

	mu := g.sessionLock(sessionKey)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	conn, err := g.ensureConn(ctx)
	if err != nil {
		return fail(err)
	}
	sendEvent(ctx, ch, gateway.Handshake(time.Since(start).Milliseconds()))

	id := g.correlationID()
	frames := g.register(id)
	defer g.unregister(id)

	params, err := json.Marshal(chatSendParams{
		SessionKey: sessionKey,
		Content:    message,
		Agent:      opts.AgentID,
	})
	if err != nil {
		return fail(fmt.Errorf("openclaw: marshal chat.send: %w", err))
	}
	g.writeMu.Lock()
	err = writeFrame(ctx, conn, frame{Type: "req", ID: id, Method: "chat.send", Params: params})
	g.writeMu.Unlock()
	if err != nil {
		return fail(fmt.Errorf("openclaw: send chat.send: %w", err))
	}

	var (
		fullText string
		actions  = append([]gateway.Action{}, opts.CapturedActions...)
		idle     = time.NewTimer(idleTimeout)
	)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return fail(ctx.Err())
		case <-idle.C:
			return fail(fmt.Errorf("openclaw: no frames for %s", idleTimeout))
		case f := <-frames:
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(idleTimeout)

			if f.Error != nil {
				return fail(fmt.Errorf("openclaw: server error: %s", f.Error.Message))
			}

			var payload chatPayload
			if len(f.Payload) > 0 {
				if err := json.Unmarshal(f.Payload, &payload); err != nil {
					g.logger.Warn("openclaw: undecodable payload", "event", f.Event, "error", err)
					continue
				}
			}

			switch f.Event {
			case "chat.response":
				text := payload.Delta
				if text == "" {
					text = payload.Content
				}
				if text != "" {
					fullText += text
					sendEvent(ctx, ch, gateway.Delta(text))
				}
			case "chat.tool":
				a := gateway.Action{
					Kind:  payload.Name,
					Phase: gateway.ActionPhase(payload.Phase),
					Payload: map[string]any{
						"args": payload.Args,
					},
				}
				actions = append(actions, a)
				sendEvent(ctx, ch, gateway.ActionEvent(a))
			case "chat.done", "chat.final":
				text := payload.Content
				if text == "" {
					text = fullText
				}
				sendEvent(ctx, ch, gateway.TextDone(&text, actions, gateway.Timing{
					HandshakeMS: 0,
					TotalMS:     time.Since(start).Milliseconds(),
				}))
				return nil
			default:
				// Unknown per-request event: ignore.
			}
		}
	}
}

// Ask runs one synchronous exchange, draining the event stream until the
// terminal event. Used for inter-gateway delegation and session pre-warm.
func (g *Gateway) Ask(ctx context.Context, message, sessionKey string) (string, error) {
	askCtx, cancel := context.WithTimeout(ctx, askTimeout)
	defer cancel()

	ch := make(chan gateway.Event, 64)
	go g.StreamToQueue(askCtx, ch, message, sessionKey, gateway.StreamOpts{})

	for ev := range ch {
		switch ev.Type {
		case gateway.EventTextDone:
			return ev.Response, nil
		case gateway.EventError:
			return "", errors.New(ev.Err)
		}
	}
	return "", errors.New("openclaw: stream ended without terminal event")
}

// ─── frame I/O ───

func readFrame(ctx context.Context, conn *websocket.Conn) (frame, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return frame{}, err
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func sendEvent(ctx context.Context, ch chan<- gateway.Event, ev gateway.Event) {
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}
