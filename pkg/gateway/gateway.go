// Package gateway defines the uniform contract between the conversation
// orchestrator and the pluggable LLM backends, the event variant carried on
// every pipeline channel, and the registry that routes requests to gateway
// implementations by id.
//
// A gateway owns its transport exclusively. Persistent gateways (one
// long-lived socket per process) and on-demand gateways (one HTTP exchange
// per request) sit behind the same interface; the orchestrator never learns
// which kind it is talking to.
package gateway

import "context"

// StreamOpts carries per-request options into StreamToQueue.
type StreamOpts struct {
	// AgentID is an opaque sub-agent selector forwarded to gateways that
	// support it; others ignore it.
	AgentID string

	// CapturedActions are actions the caller observed before invoking the
	// gateway. Implementations include them in the terminal text_done
	// event's action list.
	CapturedActions []Action
}

// Gateway is one LLM backend connection.
//
// StreamToQueue is blocking: it sends Events on ch as they arrive, emits
// exactly one terminal event (text_done or error), closes ch, and then
// returns. The returned error mirrors a terminal error event; callers that
// consume ch may ignore it. Implementations must respect ctx cancellation
// and still close ch on every path.
//
// Ask is the synchronous convenience used for inter-gateway delegation and
// pre-warming: it runs one exchange and returns the final response text.
type Gateway interface {
	// ID returns the stable identifier the registry routes by.
	ID() string

	// Persistent reports whether the gateway keeps a long-lived transport
	// open across requests.
	Persistent() bool

	// IsConfigured reports whether the gateway has the configuration it
	// needs (credentials, endpoint) to serve requests. Unconfigured
	// gateways stay registered but are skipped by routing.
	IsConfigured() bool

	// IsHealthy reports whether the gateway's transport is currently
	// believed usable. On-demand gateways typically return IsConfigured.
	IsHealthy(ctx context.Context) bool

	StreamToQueue(ctx context.Context, ch chan<- Event, message, sessionKey string, opts StreamOpts) error

	Ask(ctx context.Context, message, sessionKey string) (string, error)
}
