// Command openvoiceui is the voice conversation server: browser messages
// in, LLM-gateway token streams through sentence-level TTS, NDJSON out.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MCERQUA/openvoiceui/internal/app"
	"github.com/MCERQUA/openvoiceui/internal/config"
	"github.com/MCERQUA/openvoiceui/internal/observe"
	"github.com/MCERQUA/openvoiceui/pkg/gateway"
	"github.com/MCERQUA/openvoiceui/pkg/gateway/openaicompat"
	"github.com/MCERQUA/openvoiceui/pkg/gateway/openclaw"
	"github.com/MCERQUA/openvoiceui/pkg/tts"
	"github.com/MCERQUA/openvoiceui/pkg/tts/groq"
	"github.com/MCERQUA/openvoiceui/pkg/tts/pocket"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "openvoiceui: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "openvoiceui: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := &slog.LevelVar{}
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("openvoiceui starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "openvoiceui",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registries ───────────────────────────────────────────────────
	gateways := buildGateways(cfg, logger)
	ttsReg := buildTTS(cfg, logger)

	if n := gateway.DiscoverPlugins(cfg.Paths.PluginDir, pluginFactories(logger), gateways, logger); n > 0 {
		slog.Info("gateway plugins loaded", "count", n)
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(ctx, cfg, gateways, ttsReg)

	application, err := app.New(cfg, app.Registries{Gateways: gateways, TTS: ttsReg},
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithConfigWatch(*configPath),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// Warm the default gateway so the first user message skips the
	// handshake wait.
	application.Core().Prewarm(ctx)

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildGateways registers the built-in gateways. Both read their
// environment by default; config entries override.
func buildGateways(cfg *config.Config, logger *slog.Logger) *gateway.Registry {
	reg := gateway.NewRegistry(cfg.Defaults.Gateway, gateway.WithLogger(logger))

	ocOpts := []openclaw.Option{openclaw.WithLogger(logger)}
	if entry, ok := cfg.Gateways["openclaw"]; ok {
		if entry.BaseURL != "" {
			ocOpts = append(ocOpts, openclaw.WithURL(entry.BaseURL))
		}
		if entry.APIKey != "" {
			ocOpts = append(ocOpts, openclaw.WithToken(entry.APIKey))
		}
	}
	mustRegister(reg.Register(openclaw.New(ocOpts...)), logger)

	oaOpts := []openaicompat.Option{openaicompat.WithLogger(logger)}
	if entry, ok := cfg.Gateways["openai-compat"]; ok {
		if entry.APIKey != "" {
			oaOpts = append(oaOpts, openaicompat.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			oaOpts = append(oaOpts, openaicompat.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			oaOpts = append(oaOpts, openaicompat.WithModel(entry.Model))
		}
		if prompt := entry.Options["system_prompt"]; prompt != "" {
			oaOpts = append(oaOpts, openaicompat.WithSystemPrompt(prompt))
		}
	}
	mustRegister(reg.Register(openaicompat.New(oaOpts...)), logger)

	return reg
}

// buildTTS registers the built-in TTS providers and applies the config
// overlays for runtime values (voice, model, ${ENV} expansion).
func buildTTS(cfg *config.Config, logger *slog.Logger) *tts.Registry {
	reg := tts.NewRegistry(cfg.Defaults.TTSProvider)

	groqEntry := cfg.TTS["groq"]
	apiKey := groqEntry.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GROQ_API_KEY")
	}
	var groqOpts []groq.Option
	if groqEntry.Model != "" {
		groqOpts = append(groqOpts, groq.WithModel(groqEntry.Model))
	}
	if groqEntry.Voice != "" {
		groqOpts = append(groqOpts, groq.WithVoice(groqEntry.Voice))
	}
	mustRegister(reg.Register(groq.New(apiKey, groqOpts...), groqEntry.Overlay()), logger)

	pocketEntry := cfg.TTS["pocket"]
	baseURL := pocketEntry.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("POCKET_TTS_URL")
	}
	var pocketOpts []pocket.Option
	if pocketEntry.Voice != "" {
		pocketOpts = append(pocketOpts, pocket.WithVoice(pocketEntry.Voice))
	}
	mustRegister(reg.Register(pocket.New(baseURL, pocketOpts...), pocketEntry.Overlay()), logger)

	return reg
}

// mustRegister logs duplicate-id registrations; they only happen on a
// programming error so the server keeps starting.
func mustRegister(err error, logger *slog.Logger) {
	if err != nil {
		logger.Warn("provider registration failed", "err", err)
	}
}

// pluginFactories maps manifest entry names to gateway constructors. A
// plugin manifest activates one of these under its own id; there is no
// dynamic code loading.
func pluginFactories(logger *slog.Logger) map[string]gateway.Factory {
	return map[string]gateway.Factory{
		"openclaw": func(gateway.Manifest) (gateway.Gateway, error) {
			return openclaw.New(openclaw.WithLogger(logger)), nil
		},
		"openai-compat": func(gateway.Manifest) (gateway.Gateway, error) {
			return openaicompat.New(openaicompat.WithLogger(logger)), nil
		},
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(ctx context.Context, cfg *config.Config, gateways *gateway.Registry, ttsReg *tts.Registry) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      openvoiceui — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	for _, info := range gateways.List(ctx) {
		printEntry("gw "+info.ID, gatewayStatus(info))
	}
	for _, info := range ttsReg.List() {
		printEntry("tts "+info.ID, info.Status)
	}
	printEntry("Listen addr", cfg.Server.ListenAddr)
	printEntry("Data dir", cfg.Paths.DataDir)
	if cfg.Server.TLS != nil {
		printEntry("TLS", "enabled")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func gatewayStatus(info gateway.Info) string {
	switch {
	case !info.Configured:
		return "not configured"
	case info.Healthy:
		return "healthy"
	default:
		return "unreachable"
	}
}

func printEntry(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
