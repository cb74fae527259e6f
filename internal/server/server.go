// Package server implements the HTTP edge of the voice pipeline: the
// streaming conversation endpoint, session and profile administration, the
// side-channel drain, and the introspection endpoints for gateways and TTS
// providers.
//
// The conversation endpoint streams NDJSON (one JSON object per line) when
// the client asks for it via ?stream=1 or an Accept: application/x-ndjson
// header, and otherwise collects the whole event stream into a single JSON
// response.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MCERQUA/openvoiceui/internal/health"
	"github.com/MCERQUA/openvoiceui/internal/observe"
	"github.com/MCERQUA/openvoiceui/internal/orchestrate"
	"github.com/MCERQUA/openvoiceui/internal/profile"
	"github.com/MCERQUA/openvoiceui/internal/sidechan"
	"github.com/MCERQUA/openvoiceui/pkg/gateway"
	"github.com/MCERQUA/openvoiceui/pkg/tts"
)

// maxMessageChars is the hard cap on inbound message length.
const maxMessageChars = 4000

// maxBodyBytes bounds request bodies; generous because ui_context and
// profile patches ride along with the message.
const maxBodyBytes = 1 << 20

// Orchestrator is the conversation core as the edge sees it.
type Orchestrator interface {
	Converse(ctx context.Context, req orchestrate.Request, emit func(gateway.Event)) error
	ResetSession(ctx context.Context, prewarm bool) (oldKey, newKey string)
	SessionKey() string
	Synthesize(ctx context.Context, text, providerID, voice string) (tts.AudioChunk, string, error)
}

// Config wires a Server. Core, Gateways, and TTS are required; the rest
// disable their endpoints when absent.
type Config struct {
	Core     Orchestrator
	Gateways *gateway.Registry
	TTS      *tts.Registry

	Profiles *profile.Resolver
	Side     *sidechan.Queue
	Health   *health.Handler
	Metrics  *observe.Metrics
	Logger   *slog.Logger
}

// Server is the HTTP edge. Safe for concurrent use.
type Server struct {
	cfg Config
}

// New validates cfg and returns a Server.
func New(cfg Config) (*Server, error) {
	var errs []error
	if cfg.Core == nil {
		errs = append(errs, errors.New("server: orchestrator is required"))
	}
	if cfg.Gateways == nil {
		errs = append(errs, errors.New("server: gateway registry is required"))
	}
	if cfg.TTS == nil {
		errs = append(errs, errors.New("server: tts registry is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg}, nil
}

// Register adds all routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/conversation", s.handleConversation)
	mux.HandleFunc("POST /api/session/reset", s.handleSessionReset)
	mux.HandleFunc("GET /api/side-channel", s.handleSideChannel)
	mux.HandleFunc("GET /api/gateways", s.handleGateways)
	mux.HandleFunc("GET /api/tts/providers", s.handleTTSProviders)
	mux.HandleFunc("POST /api/tts/generate", s.handleTTSGenerate)
	mux.HandleFunc("GET /api/profiles", s.handleProfilesList)
	mux.HandleFunc("POST /api/profiles", s.handleProfileUpdate)
	mux.HandleFunc("POST /api/profiles/activate", s.handleProfileActivate)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.cfg.Health != nil {
		s.cfg.Health.Register(mux)
	}
}

// ─── conversation ───

// uiContext mirrors the browser's UI state block.
type uiContext struct {
	CanvasVisible   bool   `json:"canvasVisible"`
	CanvasDisplayed string `json:"canvasDisplayed"`
	MusicPlaying    bool   `json:"musicPlaying"`
	MusicTrack      string `json:"musicTrack"`
}

// describe renders the UI state as the short phrase prepended to the
// outbound message.
func (u *uiContext) describe() string {
	if u == nil {
		return ""
	}
	var parts []string
	if u.CanvasVisible {
		parts = append(parts, "canvas visible")
	}
	if u.CanvasDisplayed != "" {
		parts = append(parts, "canvas showing "+u.CanvasDisplayed)
	}
	if u.MusicPlaying {
		parts = append(parts, "music playing")
	}
	if u.MusicTrack != "" {
		parts = append(parts, "music track "+u.MusicTrack)
	}
	return strings.Join(parts, ", ")
}

type conversationRequest struct {
	Message          string     `json:"message"`
	TTSProvider      string     `json:"tts_provider"`
	Voice            string     `json:"voice"`
	SessionID        string     `json:"session_id"`
	GatewayID        string     `json:"gateway_id"`
	AgentID          string     `json:"agent_id"`
	ProfileID        string     `json:"profile_id"`
	IdentifiedPerson string     `json:"identified_person"`
	MaxResponseChars int        `json:"max_response_chars"`
	UIContext        *uiContext `json:"ui_context"`
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	var body conversationRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	if body.Message == "" {
		httpError(w, http.StatusBadRequest, "message is required")
		return
	}
	if utf8.RuneCountInString(body.Message) > maxMessageChars {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("message exceeds %d characters", maxMessageChars))
		return
	}

	req := orchestrate.Request{
		Message:          body.Message,
		SessionID:        body.SessionID,
		GatewayID:        body.GatewayID,
		TTSProvider:      body.TTSProvider,
		Voice:            body.Voice,
		AgentID:          body.AgentID,
		ProfileID:        body.ProfileID,
		UIContext:        body.UIContext.describe(),
		IdentifiedPerson: body.IdentifiedPerson,
		MaxResponseChars: body.MaxResponseChars,
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveStreams.Add(r.Context(), 1)
		defer s.cfg.Metrics.ActiveStreams.Add(r.Context(), -1)
	}

	if wantsStream(r) {
		s.converseStreaming(w, r, req)
		return
	}
	s.converseBuffered(w, r, req)
}

// wantsStream reports whether the client asked for NDJSON streaming.
func wantsStream(r *http.Request) bool {
	if r.URL.Query().Get("stream") == "1" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "application/x-ndjson")
}

// converseStreaming writes one JSON object per event, flushing each line.
// Audio attributed to a session that was bumped mid-stream is discarded
// silently; the bump is the only cancellation primitive.
func (s *Server) converseStreaming(w http.ResponseWriter, r *http.Request, req orchestrate.Request) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	startKey := s.cfg.Core.SessionKey()

	emit := func(e gateway.Event) {
		if e.Type == gateway.EventAudio && s.cfg.Core.SessionKey() != startKey {
			return
		}
		line, err := json.Marshal(e)
		if err != nil {
			s.cfg.Logger.Error("marshal event", "type", e.Type, "error", err)
			return
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			// Client went away; remaining writes will fail the same way.
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	if err := s.cfg.Core.Converse(r.Context(), req, emit); err != nil {
		// The terminal error event was already emitted on the stream.
		s.cfg.Logger.Warn("conversation failed", "error", err)
	}
}

// converseBuffered collects the whole event stream and answers with one
// JSON document carrying the final response plus the raw event list.
func (s *Server) converseBuffered(w http.ResponseWriter, r *http.Request, req orchestrate.Request) {
	var events []gateway.Event
	err := s.cfg.Core.Converse(r.Context(), req, func(e gateway.Event) {
		if e.Type == gateway.EventDelta {
			// Deltas only matter to streaming clients.
			return
		}
		events = append(events, e)
	})
	if err != nil {
		httpError(w, http.StatusBadGateway, err.Error())
		return
	}

	out := struct {
		Response *string         `json:"response"`
		Events   []gateway.Event `json:"events"`
	}{Events: events}
	if out.Events == nil {
		out.Events = []gateway.Event{}
	}
	for _, e := range events {
		if e.Type == gateway.EventTextDone && e.HasResponse {
			resp := e.Response
			out.Response = &resp
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// ─── session ───

type resetRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	var body resetRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	switch body.Mode {
	case "", "soft", "hard":
	default:
		httpError(w, http.StatusBadRequest, "mode must be soft or hard")
		return
	}

	oldKey, newKey := s.cfg.Core.ResetSession(r.Context(), body.Mode == "hard")
	writeJSON(w, http.StatusOK, map[string]string{
		"old":  oldKey,
		"new":  newKey,
		"mode": firstNonEmpty(body.Mode, "soft"),
	})
}

// ─── side channel ───

func (s *Server) handleSideChannel(w http.ResponseWriter, _ *http.Request) {
	commands := []sidechan.Command{}
	if s.cfg.Side != nil {
		commands = append(commands, s.cfg.Side.Drain()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": commands})
}

// ─── introspection ───

func (s *Server) handleGateways(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"gateways": s.cfg.Gateways.List(r.Context()),
		"default":  s.cfg.Gateways.DefaultID(),
	})
}

func (s *Server) handleTTSProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": s.cfg.TTS.List(),
		"default":   s.cfg.TTS.DefaultID(),
	})
}

// ─── ad-hoc synthesis ───

type generateRequest struct {
	Text     string `json:"text"`
	Provider string `json:"provider"`
	Voice    string `json:"voice"`
}

func (s *Server) handleTTSGenerate(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	if body.Text == "" {
		httpError(w, http.StatusBadRequest, "text is required")
		return
	}

	chunk, providerID, err := s.cfg.Core.Synthesize(r.Context(), body.Text, body.Provider, body.Voice)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, tts.ErrProviderNotRegistered) {
			status = http.StatusNotFound
		}
		httpError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"audio":    orchestrate.EncodeAudio(chunk),
		"format":   chunk.Format,
		"provider": providerID,
	})
}

// ─── profiles ───

func (s *Server) handleProfilesList(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Profiles == nil {
		httpError(w, http.StatusNotFound, "profiles are not enabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"profiles": s.cfg.Profiles.List(),
		"active":   s.cfg.Profiles.Active().ID,
	})
}

// handleProfileUpdate applies a partial update: the body is the patch with
// an "id" field selecting the profile.
func (s *Server) handleProfileUpdate(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Profiles == nil {
		httpError(w, http.StatusNotFound, "profiles are not enabled")
		return
	}
	patch := make(map[string]json.RawMessage)
	if !s.decodeBody(w, r, &patch) {
		return
	}
	var id string
	if raw, ok := patch["id"]; ok {
		if err := json.Unmarshal(raw, &id); err != nil {
			httpError(w, http.StatusBadRequest, "id must be a string")
			return
		}
	}
	if id == "" {
		httpError(w, http.StatusBadRequest, "id is required")
		return
	}

	updated, err := s.cfg.Profiles.Update(id, patch)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, profile.ErrNotFound) {
			status = http.StatusNotFound
		}
		httpError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type activateRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleProfileActivate(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Profiles == nil {
		httpError(w, http.StatusNotFound, "profiles are not enabled")
		return
	}
	var body activateRequest
	if !s.decodeBody(w, r, &body) {
		return
	}
	if body.ID == "" {
		httpError(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := s.cfg.Profiles.Activate(body.ID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, profile.ErrNotFound) {
			status = http.StatusNotFound
		}
		httpError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"active": body.ID})
}

// ─── helpers ───

// decodeBody decodes the JSON request body into v, answering 400 on
// malformed input. Returns false when a response has been written.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encode response"}`, http.StatusInternalServerError)
	}
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
