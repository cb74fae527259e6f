package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrGatewayNotRegistered is returned by Route when neither the requested
// gateway id nor the registry default resolves to a configured gateway.
var ErrGatewayNotRegistered = errors.New("gateway is not registered")

// Info is the introspection view of one registered gateway, as surfaced by
// the gateway-list endpoint.
type Info struct {
	ID         string `json:"id"`
	Persistent bool   `json:"persistent"`
	Configured bool   `json:"configured"`
	Healthy    bool   `json:"healthy"`
	Default    bool   `json:"default"`
}

// Registry holds the gateways known to the process and routes requests to
// them by id. It is safe for concurrent use: registration happens at
// startup or through the admin flow, routing on every request.
type Registry struct {
	mu        sync.RWMutex
	gateways  map[string]Gateway
	defaultID string
	logger    *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger used for routing warnings. Defaults to
// slog.Default().
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates an empty registry. defaultID names the gateway used
// when a request names no gateway, or names one that is missing or
// unconfigured.
func NewRegistry(defaultID string, opts ...RegistryOption) *Registry {
	r := &Registry{
		gateways:  make(map[string]Gateway),
		defaultID: defaultID,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds g under its ID. Registering a duplicate id is an error.
func (r *Registry) Register(g Gateway) error {
	if g == nil {
		return errors.New("gateway: cannot register nil gateway")
	}
	id := g.ID()
	if id == "" {
		return errors.New("gateway: cannot register gateway with empty id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.gateways[id]; exists {
		return fmt.Errorf("gateway: id %q already registered", id)
	}
	r.gateways[id] = g
	return nil
}

// Get returns the gateway registered under id, configured or not.
func (r *Registry) Get(id string) (Gateway, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gateways[id]
	return g, ok
}

// DefaultID returns the registry's fallback gateway id.
func (r *Registry) DefaultID() string {
	return r.defaultID
}

// Route resolves id to a configured gateway. An empty id selects the
// default. If id is unknown or unconfigured, Route falls back to the
// default; if the default is also missing or unconfigured, Route returns
// ErrGatewayNotRegistered.
func (r *Registry) Route(id string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id != "" && id != r.defaultID {
		if g, ok := r.gateways[id]; ok && g.IsConfigured() {
			return g, nil
		}
		r.logger.Warn("gateway unavailable, falling back to default",
			"requested", id, "default", r.defaultID)
	}

	g, ok := r.gateways[r.defaultID]
	if !ok {
		return nil, fmt.Errorf("default gateway %q: %w", r.defaultID, ErrGatewayNotRegistered)
	}
	if !g.IsConfigured() {
		return nil, fmt.Errorf("default gateway %q is not configured: %w", r.defaultID, ErrGatewayNotRegistered)
	}
	return g, nil
}

// List returns the introspection view of every registered gateway, sorted
// by id for deterministic output. The context bounds the health probes.
func (r *Registry) List(ctx context.Context) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.gateways))
	for id, g := range r.gateways {
		infos = append(infos, Info{
			ID:         id,
			Persistent: g.Persistent(),
			Configured: g.IsConfigured(),
			Healthy:    g.IsHealthy(ctx),
			Default:    id == r.defaultID,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
