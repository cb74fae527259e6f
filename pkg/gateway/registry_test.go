package gateway_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MCERQUA/openvoiceui/pkg/gateway"
	"github.com/MCERQUA/openvoiceui/pkg/gateway/mock"
)

func TestRegistryRoutePrefersRequestedGateway(t *testing.T) {
	t.Parallel()

	reg := gateway.NewRegistry("primary")
	primary := &mock.Gateway{GatewayID: "primary", Configured: true}
	other := &mock.Gateway{GatewayID: "other", Configured: true}
	if err := reg.Register(primary); err != nil {
		t.Fatalf("Register(primary): %v", err)
	}
	if err := reg.Register(other); err != nil {
		t.Fatalf("Register(other): %v", err)
	}

	g, err := reg.Route("other")
	if err != nil {
		t.Fatalf("Route(other): %v", err)
	}
	if g.ID() != "other" {
		t.Errorf("Route(other) returned %q, want other", g.ID())
	}
}

func TestRegistryRouteFallsBackToDefault(t *testing.T) {
	t.Parallel()

	reg := gateway.NewRegistry("primary")
	if err := reg.Register(&mock.Gateway{GatewayID: "primary", Configured: true}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	// Unconfigured gateways stay registered but routing skips them.
	if err := reg.Register(&mock.Gateway{GatewayID: "broken", Configured: false}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for _, requested := range []string{"", "missing", "broken"} {
		g, err := reg.Route(requested)
		if err != nil {
			t.Fatalf("Route(%q): %v", requested, err)
		}
		if g.ID() != "primary" {
			t.Errorf("Route(%q) returned %q, want primary", requested, g.ID())
		}
	}
}

func TestRegistryRouteErrorsWhenDefaultUnavailable(t *testing.T) {
	t.Parallel()

	reg := gateway.NewRegistry("primary")
	if _, err := reg.Route("anything"); !errors.Is(err, gateway.ErrGatewayNotRegistered) {
		t.Errorf("Route with empty registry returned %v, want ErrGatewayNotRegistered", err)
	}

	if err := reg.Register(&mock.Gateway{GatewayID: "primary", Configured: false}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := reg.Route(""); !errors.Is(err, gateway.ErrGatewayNotRegistered) {
		t.Errorf("Route with unconfigured default returned %v, want ErrGatewayNotRegistered", err)
	}
}

func TestRegistryRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()

	reg := gateway.NewRegistry("primary")
	if err := reg.Register(&mock.Gateway{GatewayID: "dup"}); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := reg.Register(&mock.Gateway{GatewayID: "dup"}); err == nil {
		t.Error("second Register of same id succeeded, want error")
	}
}

func TestRegistryListSortedWithDefaultFlag(t *testing.T) {
	t.Parallel()

	reg := gateway.NewRegistry("beta")
	for _, id := range []string{"gamma", "alpha", "beta"} {
		if err := reg.Register(&mock.Gateway{GatewayID: id, Configured: true}); err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
	}

	infos := reg.List(context.Background())
	if len(infos) != 3 {
		t.Fatalf("List returned %d entries, want 3", len(infos))
	}
	wantOrder := []string{"alpha", "beta", "gamma"}
	for i, info := range infos {
		if info.ID != wantOrder[i] {
			t.Errorf("List[%d].ID = %q, want %q", i, info.ID, wantOrder[i])
		}
		if got, want := info.Default, info.ID == "beta"; got != want {
			t.Errorf("List[%d].Default = %v, want %v", i, got, want)
		}
	}
}
