package gateway

import (
	"encoding/base64"
	"encoding/json"
)

// EventType discriminates the variants of Event.
type EventType string

const (
	// EventHandshake reports transport-establishment latency. Emitted at most
	// once per request, always before the first EventDelta.
	EventHandshake EventType = "handshake"

	// EventDelta carries an incremental text fragment from the model.
	EventDelta EventType = "delta"

	// EventAction reports a tool call or lifecycle transition observed
	// alongside the text stream.
	EventAction EventType = "action"

	// EventTextDone is the terminal success event. Exactly one of
	// EventTextDone or EventError terminates every gateway stream.
	EventTextDone EventType = "text_done"

	// EventError is the terminal failure event.
	EventError EventType = "error"

	// EventSessionReset announces that the voice session counter was bumped.
	// Emitted by the orchestrator, never by gateways.
	EventSessionReset EventType = "session_reset"

	// EventAudio carries one synthesized audio chunk. Emitted by the
	// orchestrator, never by gateways.
	EventAudio EventType = "audio"

	// EventTTSError reports a synthesis failure within an otherwise
	// successful textual response. Informational, not terminal.
	EventTTSError EventType = "tts_error"

	// EventNoAudio signals that the response produced no speakable text.
	EventNoAudio EventType = "no_audio"
)

// ActionPhase marks whether an action event opens or closes a tool call.
type ActionPhase string

const (
	PhaseStart ActionPhase = "start"
	PhaseEnd   ActionPhase = "end"
)

// Action describes a tool call or lifecycle event carried alongside the
// text stream. Payload is gateway-defined and passed through opaquely.
type Action struct {
	Kind    string         `json:"kind"`
	Phase   ActionPhase    `json:"phase,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Timing carries coarse per-request latency measurements in milliseconds.
// Zero fields are omitted from the wire form.
type Timing struct {
	HandshakeMS int64 `json:"handshake_ms,omitempty"`
	TTSMS       int64 `json:"tts_ms,omitempty"`
	TotalMS     int64 `json:"total_ms,omitempty"`
}

// Event is the tagged variant carried on every pipeline channel: gateway to
// orchestrator and orchestrator to edge writer. Only the fields relevant to
// Type are populated; the rest stay zero.
//
// Event marshals to the one-object-per-line wire form documented on each
// constructor, so the edge writer can json.Marshal events directly.
type Event struct {
	Type EventType

	// EventHandshake
	HandshakeMS int64

	// EventDelta
	Text string

	// EventAction
	Action *Action

	// EventTextDone. HasResponse distinguishes an empty response from a
	// null one (suppressed sentinel replies marshal as null).
	Response    string
	HasResponse bool
	Actions     []Action
	Timing      Timing

	// EventAudio. TotalChunks <= 0 marshals as null (unknown at flush time).
	Audio       []byte
	AudioFormat string
	Chunk       int
	TotalChunks int

	// EventTTSError
	Provider string
	Reason   string

	// EventError and EventTTSError
	Err string

	// EventSessionReset
	OldSession  string
	NewSession  string
	ResetReason string
}

// ─── constructors ───

// Handshake builds a handshake event: {"type":"handshake","ms":N}.
func Handshake(ms int64) Event {
	return Event{Type: EventHandshake, HandshakeMS: ms}
}

// Delta builds a delta event: {"type":"delta","text":...}.
func Delta(text string) Event {
	return Event{Type: EventDelta, Text: text}
}

// ActionEvent wraps an action: {"type":"action","action":{...}}.
func ActionEvent(a Action) Event {
	return Event{Type: EventAction, Action: &a}
}

// TextDone builds the terminal success event:
// {"type":"text_done","response":...,"actions":[...],"timing":{...}}.
// A nil response marshals as JSON null.
func TextDone(response *string, actions []Action, timing Timing) Event {
	e := Event{Type: EventTextDone, Actions: actions, Timing: timing}
	if response != nil {
		e.Response = *response
		e.HasResponse = true
	}
	return e
}

// ErrorEvent builds the terminal failure event: {"type":"error","error":...}.
func ErrorEvent(msg string) Event {
	return Event{Type: EventError, Err: msg}
}

// AudioEvent builds an audio chunk event. totalChunks <= 0 means the total
// is not yet known and marshals as null.
func AudioEvent(data []byte, format string, chunk, totalChunks int, timing Timing) Event {
	return Event{
		Type:        EventAudio,
		Audio:       data,
		AudioFormat: format,
		Chunk:       chunk,
		TotalChunks: totalChunks,
		Timing:      timing,
	}
}

// TTSError builds an informational synthesis-failure event:
// {"type":"tts_error","provider":...,"reason":...,"error":...}.
func TTSError(provider, reason, msg string) Event {
	return Event{Type: EventTTSError, Provider: provider, Reason: reason, Err: msg}
}

// SessionReset builds a session-reset event:
// {"type":"session_reset","old":...,"new":...,"reason":...}.
func SessionReset(oldKey, newKey, reason string) Event {
	return Event{Type: EventSessionReset, OldSession: oldKey, NewSession: newKey, ResetReason: reason}
}

// NoAudio builds the no-speech happy-path event: {"type":"no_audio"}.
func NoAudio() Event {
	return Event{Type: EventNoAudio}
}

// Terminal reports whether the event ends a gateway stream.
func (e Event) Terminal() bool {
	return e.Type == EventTextDone || e.Type == EventError
}

// ─── wire form ───

type wireTiming struct {
	TTSMS   int64 `json:"tts_ms"`
	TotalMS int64 `json:"total_ms"`
}

// MarshalJSON renders the NDJSON wire form for each variant.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventHandshake:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			MS   int64     `json:"ms"`
		}{e.Type, e.HandshakeMS})
	case EventDelta:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			Text string    `json:"text"`
		}{e.Type, e.Text})
	case EventAction:
		return json.Marshal(struct {
			Type   EventType `json:"type"`
			Action *Action   `json:"action"`
		}{e.Type, e.Action})
	case EventTextDone:
		var resp *string
		if e.HasResponse {
			r := e.Response
			resp = &r
		}
		actions := e.Actions
		if actions == nil {
			actions = []Action{}
		}
		return json.Marshal(struct {
			Type     EventType `json:"type"`
			Response *string   `json:"response"`
			Actions  []Action  `json:"actions"`
			Timing   Timing    `json:"timing"`
		}{e.Type, resp, actions, e.Timing})
	case EventAudio:
		var total *int
		if e.TotalChunks > 0 {
			t := e.TotalChunks
			total = &t
		}
		return json.Marshal(struct {
			Type        EventType  `json:"type"`
			Audio       string     `json:"audio"`
			AudioFormat string     `json:"audio_format"`
			Chunk       int        `json:"chunk"`
			TotalChunks *int       `json:"total_chunks"`
			Timing      wireTiming `json:"timing"`
		}{e.Type, base64.StdEncoding.EncodeToString(e.Audio), e.AudioFormat, e.Chunk, total,
			wireTiming{TTSMS: e.Timing.TTSMS, TotalMS: e.Timing.TotalMS}})
	case EventTTSError:
		return json.Marshal(struct {
			Type     EventType `json:"type"`
			Provider string    `json:"provider"`
			Reason   string    `json:"reason"`
			Error    string    `json:"error"`
		}{e.Type, e.Provider, e.Reason, e.Err})
	case EventSessionReset:
		return json.Marshal(struct {
			Type   EventType `json:"type"`
			Old    string    `json:"old"`
			New    string    `json:"new"`
			Reason string    `json:"reason"`
		}{e.Type, e.OldSession, e.NewSession, e.ResetReason})
	case EventNoAudio:
		return json.Marshal(struct {
			Type EventType `json:"type"`
		}{e.Type})
	case EventError:
		return json.Marshal(struct {
			Type  EventType `json:"type"`
			Error string    `json:"error"`
		}{e.Type, e.Err})
	default:
		return json.Marshal(struct {
			Type EventType `json:"type"`
		}{e.Type})
	}
}
