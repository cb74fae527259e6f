package app_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MCERQUA/openvoiceui/internal/app"
	"github.com/MCERQUA/openvoiceui/internal/config"
	"github.com/MCERQUA/openvoiceui/pkg/gateway"
	gwmock "github.com/MCERQUA/openvoiceui/pkg/gateway/mock"
	"github.com/MCERQUA/openvoiceui/pkg/tts"
	ttsmock "github.com/MCERQUA/openvoiceui/pkg/tts/mock"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Paths.DataDir = dir
	cfg.Defaults.Gateway = "scripted"
	cfg.Defaults.TTSProvider = "speech"
	cfg.Sink.DatabasePath = filepath.Join(dir, "conversations.db")
	cfg.ApplyDefaults()
	return cfg
}

func testRegistries(t *testing.T, gw *gwmock.Gateway) app.Registries {
	t.Helper()
	gwreg := gateway.NewRegistry("scripted")
	if err := gwreg.Register(gw); err != nil {
		t.Fatalf("register gateway: %v", err)
	}
	ttsreg := tts.NewRegistry("speech")
	p := &ttsmock.Provider{
		ProviderID: "speech",
		Available:  true,
		Chunk:      tts.AudioChunk{Bytes: []byte("fakeaudio"), Format: tts.FormatMP3},
	}
	if err := ttsreg.Register(p, nil); err != nil {
		t.Fatalf("register tts: %v", err)
	}
	return app.Registries{Gateways: gwreg, TTS: ttsreg}
}

func newApp(t *testing.T, gw *gwmock.Gateway) *app.App {
	t.Helper()
	a, err := app.New(testConfig(t), testRegistries(t, gw),
		app.WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func TestConversationThroughFullPipeline(t *testing.T) {
	resp := "Hello there my friend, this is a longer sentence."
	gw := &gwmock.Gateway{
		GatewayID:  "scripted",
		Configured: true,
		Events: []gateway.Event{
			gateway.Delta(resp),
			gateway.TextDone(&resp, nil, gateway.Timing{TotalMS: 50}),
		},
	}
	a := newApp(t, gw)

	req := httptest.NewRequest("POST", "/api/conversation",
		strings.NewReader(`{"message":"hi"}`))
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Response *string          `json:"response"`
		Events   []map[string]any `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Response == nil || *out.Response != resp {
		t.Errorf("response = %v, want %q", out.Response, resp)
	}

	var sawAudio bool
	for _, e := range out.Events {
		if e["type"] == "audio" {
			sawAudio = true
		}
	}
	if !sawAudio {
		t.Error("no audio event in the response; the TTS leg is not wired")
	}
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	gw := &gwmock.Gateway{GatewayID: "scripted", Configured: true}
	a := newApp(t, gw)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}
}

func TestNewCreatesRegistriesWhenAbsent(t *testing.T) {
	a, err := app.New(testConfig(t), app.Registries{},
		app.WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	defer a.Shutdown(context.Background())

	req := httptest.NewRequest("GET", "/api/gateways", nil)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)

	var out struct {
		Default string `json:"default"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Default != "scripted" {
		t.Errorf("default gateway = %q, want the configured id", out.Default)
	}
}

func TestSessionPrefixFromEnv(t *testing.T) {
	t.Setenv(app.EnvSessionPrefix, "kiosk")

	gw := &gwmock.Gateway{GatewayID: "scripted", Configured: true}
	a := newApp(t, gw)

	if key := a.Core().SessionKey(); !strings.HasPrefix(key, "kiosk-") {
		t.Errorf("session key = %q, want kiosk- prefix", key)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	gw := &gwmock.Gateway{GatewayID: "scripted", Configured: true}
	a := newApp(t, gw)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
