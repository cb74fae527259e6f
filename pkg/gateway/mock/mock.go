// Package mock provides a test double for the gateway.Gateway interface.
//
// Use Gateway in unit tests to feed a scripted event sequence into the
// orchestrator without a live backend. All fields are safe to set before
// calling any method; mutating them during a concurrent call is the
// caller's responsibility.
//
// Example:
//
//	g := &mock.Gateway{
//	    GatewayID: "scripted",
//	    Configured: true,
//	    Events: []gateway.Event{
//	        gateway.Delta("Hi there."),
//	        gateway.TextDone(ptr("Hi there."), nil, gateway.Timing{}),
//	    },
//	}
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MCERQUA/openvoiceui/pkg/gateway"
)

// StreamCall records a single invocation of StreamToQueue.
type StreamCall struct {
	// Message is the user message passed to StreamToQueue.
	Message string
	// SessionKey is the session key passed to StreamToQueue.
	SessionKey string
	// Opts are the options passed to StreamToQueue.
	Opts gateway.StreamOpts
}

// AskCall records a single invocation of Ask.
type AskCall struct {
	Message    string
	SessionKey string
}

// Gateway is a mock implementation of gateway.Gateway. The zero value
// streams no events and terminates with an error event; set Events to
// script a response.
type Gateway struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// GatewayID is returned by ID. Defaults to "mock" when empty.
	GatewayID string

	// IsPersistent is returned by Persistent.
	IsPersistent bool

	// Configured is returned by IsConfigured and IsHealthy.
	Configured bool

	// Events is the sequence sent on ch by StreamToQueue, in order. If the
	// sequence contains no terminal event, a terminal error event is
	// appended so the channel contract holds.
	Events []gateway.Event

	// EventsBySeq, when non-nil, overrides Events per call: call N uses
	// EventsBySeq[N] (falling back to Events past the end).
	EventsBySeq [][]gateway.Event

	// AskResponse and AskErr are returned by Ask.
	AskResponse string
	AskErr      error

	// --- Call records (read after test) ---

	// StreamCalls records every invocation of StreamToQueue in order.
	StreamCalls []StreamCall

	// AskCalls records every invocation of Ask in order.
	AskCalls []AskCall
}

// ID returns GatewayID, defaulting to "mock".
func (g *Gateway) ID() string {
	if g.GatewayID == "" {
		return "mock"
	}
	return g.GatewayID
}

// Persistent returns IsPersistent.
func (g *Gateway) Persistent() bool { return g.IsPersistent }

// IsConfigured returns Configured.
func (g *Gateway) IsConfigured() bool { return g.Configured }

// IsHealthy returns Configured.
func (g *Gateway) IsHealthy(context.Context) bool { return g.Configured }

// StreamToQueue records the call, replays the scripted events on ch, and
// closes ch. CapturedActions from opts are merged into a scripted
// text_done's action list, mirroring real gateway behavior.
func (g *Gateway) StreamToQueue(ctx context.Context, ch chan<- gateway.Event, message, sessionKey string, opts gateway.StreamOpts) error {
	g.mu.Lock()
	call := len(g.StreamCalls)
	g.StreamCalls = append(g.StreamCalls, StreamCall{Message: message, SessionKey: sessionKey, Opts: opts})
	events := g.Events
	if g.EventsBySeq != nil && call < len(g.EventsBySeq) {
		events = g.EventsBySeq[call]
	}
	script := make([]gateway.Event, len(events))
	copy(script, events)
	g.mu.Unlock()

	defer close(ch)

	sawTerminal := false
	for _, ev := range script {
		if ev.Type == gateway.EventTextDone && len(opts.CapturedActions) > 0 {
			ev.Actions = append(append([]gateway.Action{}, opts.CapturedActions...), ev.Actions...)
		}
		select {
		case ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
		if ev.Terminal() {
			sawTerminal = true
			break
		}
	}
	if !sawTerminal {
		ev := gateway.ErrorEvent("mock: no terminal event scripted")
		select {
		case ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
		return errors.New("mock: no terminal event scripted")
	}
	return nil
}

// Ask records the call and returns AskResponse, AskErr.
func (g *Gateway) Ask(_ context.Context, message, sessionKey string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.AskCalls = append(g.AskCalls, AskCall{Message: message, SessionKey: sessionKey})
	return g.AskResponse, g.AskErr
}

// Reset clears all recorded calls. Thread-safe.
func (g *Gateway) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.StreamCalls = nil
	g.AskCalls = nil
}

// Ensure Gateway implements gateway.Gateway at compile time.
var _ gateway.Gateway = (*Gateway)(nil)
