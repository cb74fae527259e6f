package tts_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MCERQUA/openvoiceui/pkg/tts"
	"github.com/MCERQUA/openvoiceui/pkg/tts/mock"
)

func TestRegistrySelectionOrder(t *testing.T) {
	t.Parallel()

	reg := tts.NewRegistry("deflt")
	for _, id := range []string{"req", "prof", "deflt"} {
		if err := reg.Register(&mock.Provider{ProviderID: id, Available: true}, nil); err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
	}

	tests := []struct {
		request, profile, want string
	}{
		{"req", "prof", "req"},
		{"", "prof", "prof"},
		{"", "", "deflt"},
		{"missing", "prof", "prof"},
		{"missing", "also-missing", "deflt"},
	}
	for _, tc := range tests {
		p, err := reg.Select(tc.request, tc.profile)
		if err != nil {
			t.Fatalf("Select(%q, %q): %v", tc.request, tc.profile, err)
		}
		if p.ID() != tc.want {
			t.Errorf("Select(%q, %q) = %q, want %q", tc.request, tc.profile, p.ID(), tc.want)
		}
	}
}

func TestRegistryInactiveProvidersListedButNotSelected(t *testing.T) {
	t.Parallel()

	reg := tts.NewRegistry("up")
	if err := reg.Register(&mock.Provider{ProviderID: "up", Available: true}, nil); err != nil {
		t.Fatalf("Register(up): %v", err)
	}
	if err := reg.Register(&mock.Provider{ProviderID: "down", Available: false}, nil); err != nil {
		t.Fatalf("Register(down): %v", err)
	}

	p, err := reg.Select("down", "")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if p.ID() != "up" {
		t.Errorf("Select(down) = %q, want fall-through to up", p.ID())
	}

	infos := reg.List()
	if len(infos) != 2 {
		t.Fatalf("List returned %d entries, want 2", len(infos))
	}
	byID := map[string]string{}
	for _, info := range infos {
		byID[info.ID] = info.Status
	}
	if byID["down"] != "inactive" {
		t.Errorf("down status = %q, want inactive", byID["down"])
	}
	if byID["up"] != "active" {
		t.Errorf("up status = %q, want active", byID["up"])
	}
}

func TestRegistrySelectExhaustedReturnsSentinel(t *testing.T) {
	t.Parallel()

	reg := tts.NewRegistry("none")
	if _, err := reg.Select("a", "b"); !errors.Is(err, tts.ErrProviderNotRegistered) {
		t.Errorf("Select on empty registry = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistryConfigOverlayAndEnvExpansion(t *testing.T) {
	reg := tts.NewRegistry("p")
	if err := reg.Register(&mock.Provider{ProviderID: "p", Available: true}, tts.Config{
		"api_key": "${OPENVOICEUI_TEST_TTS_KEY}",
		"model":   "base-model",
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	t.Setenv("OPENVOICEUI_TEST_TTS_KEY", "sekrit")

	if got := reg.ConfigValue("p", "api_key"); got != "sekrit" {
		t.Errorf("api_key = %q, want env-expanded sekrit", got)
	}
	if got := reg.ConfigValue("p", "model"); got != "base-model" {
		t.Errorf("model = %q, want base-model", got)
	}

	// Overlay wins over the static layer; env expansion still applies.
	reg.SetOverlay("p", tts.Config{"model": "tuned-${OPENVOICEUI_TEST_TTS_KEY}"})
	if got := reg.ConfigValue("p", "model"); got != "tuned-sekrit" {
		t.Errorf("overlaid model = %q, want tuned-sekrit", got)
	}
	if got := reg.ConfigValue("p", "api_key"); got != "sekrit" {
		t.Errorf("api_key after overlay = %q, want sekrit", got)
	}
}

func TestRegistrySerializesDeclaredProviders(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		inCall  bool
		overlap bool
	)
	p := &mock.Provider{
		ProviderID: "serial",
		Available:  true,
		IsSerial:   true,
		SynthesizeFunc: func(context.Context, string, string, tts.Options) (tts.AudioChunk, error) {
			mu.Lock()
			if inCall {
				overlap = true
			}
			inCall = true
			mu.Unlock()

			mu.Lock()
			inCall = false
			mu.Unlock()
			return tts.AudioChunk{Format: tts.FormatWAV}, nil
		},
	}

	reg := tts.NewRegistry("serial")
	if err := reg.Register(p, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sel, err := reg.Select("", "")
			if err != nil {
				t.Errorf("Select: %v", err)
				return
			}
			if _, err := sel.Synthesize(context.Background(), "hi", "", tts.Options{}); err != nil {
				t.Errorf("Synthesize: %v", err)
			}
		}()
	}
	wg.Wait()

	if overlap {
		t.Error("Synthesize calls overlapped for a serial provider")
	}
}

func TestReasonClassification(t *testing.T) {
	t.Parallel()

	err := &tts.ReasonError{Provider: "groq", Reason: tts.ReasonRateLimit, Message: "429"}
	if got := tts.Reason(err); got != tts.ReasonRateLimit {
		t.Errorf("Reason = %q, want rate_limit", got)
	}
	if got := tts.Reason(errors.New("plain")); got != tts.ReasonGeneric {
		t.Errorf("Reason(plain) = %q, want error", got)
	}

	bodies := map[string]string{
		`{"error":{"code":"model_terms_required"}}`: tts.ReasonTerms,
		`{"error":{"code":"rate_limit_exceeded"}}`:  tts.ReasonRateLimit,
		`{"error":{"code":"insufficient_quota"}}`:   tts.ReasonNoCredits,
		`{"error":{"code":"invalid_api_key"}}`:      tts.ReasonBadKey,
		`{"error":{"code":"who_knows"}}`:            tts.ReasonGeneric,
	}
	for body, want := range bodies {
		if got := tts.ClassifyAPIError(body); got != want {
			t.Errorf("ClassifyAPIError(%s) = %q, want %q", body, got, want)
		}
	}
}
