// Package app wires all server subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and
// Shutdown tears everything down in reverse order.
//
// The provider registries come from main.go, which knows which built-in
// gateways and TTS providers to register; tests inject registries
// populated with mocks the same way.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MCERQUA/openvoiceui/internal/config"
	"github.com/MCERQUA/openvoiceui/internal/health"
	"github.com/MCERQUA/openvoiceui/internal/normalize"
	"github.com/MCERQUA/openvoiceui/internal/observe"
	"github.com/MCERQUA/openvoiceui/internal/orchestrate"
	"github.com/MCERQUA/openvoiceui/internal/profile"
	"github.com/MCERQUA/openvoiceui/internal/server"
	"github.com/MCERQUA/openvoiceui/internal/session"
	"github.com/MCERQUA/openvoiceui/internal/sidechan"
	"github.com/MCERQUA/openvoiceui/internal/sink"
	"github.com/MCERQUA/openvoiceui/pkg/gateway"
	"github.com/MCERQUA/openvoiceui/pkg/tts"
	"github.com/MCERQUA/openvoiceui/pkg/tts/chunker"
)

// EnvSessionPrefix overrides the voice session counter prefix.
const EnvSessionPrefix = "VOICE_SESSION_PREFIX"

// Registries groups the provider registries main.go populates before
// handing them to New. Nil registries are created empty with the
// configured default ids.
type Registries struct {
	Gateways *gateway.Registry
	TTS      *tts.Registry
}

// App owns all subsystem lifetimes.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// Subsystems, initialised in New, torn down in Shutdown.
	gateways *gateway.Registry
	ttsReg   *tts.Registry
	sessions *session.Store
	profiles *profile.Resolver
	norm     *normalize.Normalizer
	side     *sidechan.Queue
	logSink  *sink.Sink
	core     *orchestrate.Core
	metrics  *observe.Metrics
	httpSrv  *http.Server
	watcher  *config.Watcher

	// level, when set, lets the config watcher re-apply log verbosity.
	level *slog.LevelVar

	// watchPath enables config hot-reload when non-empty.
	watchPath string

	// closers run in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger sets the application logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics injects a metrics set instead of creating one from the
// global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar hands the app the level used by the process logger so a
// config reload can adjust verbosity live.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigWatch enables hot-reload by polling the config file at path.
func WithConfigWatch(path string) Option {
	return func(a *App) { a.watchPath = path }
}

// ─── New ───

// New creates an App by wiring all subsystems together. The registries
// come from main.go already populated with built-in providers; New
// applies the config overlays, builds the conversation core and hangs
// the HTTP edge off it.
func New(cfg *config.Config, regs Registries, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		logger:   slog.Default(),
		gateways: regs.Gateways,
		ttsReg:   regs.TTS,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Data directories ──
	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.ProfileDir, cfg.Paths.PluginDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("app: create %s: %w", dir, err)
		}
	}

	// ── 2. Speech normalizer ──
	norm, err := normalize.Load(cfg.Paths.NormalizerPath, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: load normalizer: %w", err)
	}
	a.norm = norm

	// ── 3. Sessions and profiles ──
	a.sessions = session.New(cfg.Paths.CounterPath, session.WithLogger(a.logger))
	a.profiles = profile.NewResolver(cfg.Paths.ProfileDir, cfg.Paths.ActiveProfilePath,
		profile.WithLogger(a.logger))

	// ── 4. Side channel and conversation log ──
	a.side = sidechan.NewQueue(sidechan.DefaultCapacity)
	a.logSink = sink.New(cfg.Sink.QueueSize, sink.WithLogger(a.logger))
	a.closers = append(a.closers, a.logSink.Close)

	// ── 5. Registries and overlays ──
	if a.gateways == nil {
		a.gateways = gateway.NewRegistry(cfg.Defaults.Gateway)
	}
	if a.ttsReg == nil {
		a.ttsReg = tts.NewRegistry(cfg.Defaults.TTSProvider)
	}
	for id, entry := range cfg.TTS {
		a.ttsReg.SetOverlay(id, entry.Overlay())
	}

	// ── 6. Conversation core ──
	core, err := orchestrate.New(orchestrate.Config{
		Gateways:         a.gateways,
		TTS:              a.ttsReg,
		Chunker:          chunker.New(chunker.WithLogger(a.logger)),
		Norm:             a.norm,
		Profiles:         a.profiles,
		Sessions:         a.sessions,
		Side:             a.side,
		Sink:             a.logSink,
		Fallback:         a.buildFallback(),
		Logger:           a.logger,
		SessionPrefix:    sessionPrefix(),
		ConversationDB:   cfg.Sink.DatabasePath,
		MaxResponseChars: cfg.Defaults.MaxResponseChars,
	})
	if err != nil {
		return nil, fmt.Errorf("app: build core: %w", err)
	}
	a.core = core

	// ── 7. Metrics ──
	if a.metrics == nil {
		m, err := observe.NewMetrics(otel.GetMeterProvider())
		if err != nil {
			return nil, fmt.Errorf("app: create metrics: %w", err)
		}
		a.metrics = m
	}

	// ── 8. HTTP edge ──
	checks := health.New(
		health.GatewayChecker(a.gateways),
		health.TTSChecker(a.ttsReg),
	)
	edge, err := server.New(server.Config{
		Core:     a.core,
		Gateways: a.gateways,
		TTS:      a.ttsReg,
		Profiles: a.profiles,
		Side:     a.side,
		Health:   checks,
		Metrics:  a.metrics,
		Logger:   a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("app: build server: %w", err)
	}
	mux := http.NewServeMux()
	edge.Register(mux)
	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// buildFallback assembles the responder chain from config. The canned
// apology always terminates the chain so a conversation never ends in
// silence.
func (a *App) buildFallback() *orchestrate.Chain {
	var responders []orchestrate.Responder
	if fb := a.cfg.Fallback; fb.Provider != "" {
		direct, err := orchestrate.NewDirectResponder(fb.Provider, fb.Model)
		if err != nil {
			a.logger.Warn("direct fallback disabled", "provider", fb.Provider, "error", err)
		} else {
			responders = append(responders, direct)
		}
	}
	responders = append(responders, orchestrate.CannedResponder{Text: a.cfg.Fallback.Canned})
	return orchestrate.NewChain(a.logger, responders...)
}

// sessionPrefix resolves the voice session counter prefix from the
// environment.
func sessionPrefix() string {
	if p := os.Getenv(EnvSessionPrefix); p != "" {
		return p
	}
	return session.DefaultPrefix
}

// Core exposes the conversation orchestrator, mainly for the prewarm
// call in main.go.
func (a *App) Core() *orchestrate.Core { return a.core }

// Handler returns the fully wired HTTP handler. Tests drive the whole
// pipeline through it without binding a socket.
func (a *App) Handler() http.Handler { return a.httpSrv.Handler }

// ─── Run ───

// Run serves HTTP until ctx is cancelled or the listener fails. When
// config watching is enabled the watcher starts here and stops with the
// server.
func (a *App) Run(ctx context.Context) error {
	if a.watchPath != "" {
		w, err := config.NewWatcher(a.watchPath, a.applyConfigChange)
		if err != nil {
			// The process already runs on a valid config; a broken watch
			// only loses hot-reload.
			a.logger.Warn("config watch disabled", "path", a.watchPath, "error", err)
		} else {
			a.watcher = w
		}
	}

	a.logger.Info("server listening",
		"addr", a.cfg.Server.ListenAddr,
		"tls", a.cfg.Server.TLS != nil,
		"session", a.core.SessionKey(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tc := a.cfg.Server.TLS; tc != nil {
			err = a.httpSrv.ListenAndServeTLS(tc.CertFile, tc.KeyFile)
		} else {
			err = a.httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		// Stops the listener on cancellation; in-flight streams get the
		// grace period, the rest of the teardown happens in Shutdown.
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.httpSrv.Shutdown(sctx)
	})
	return g.Wait()
}

// applyConfigChange hot-applies what can be applied and logs the rest.
func (a *App) applyConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(slogLevel(d.NewLogLevel))
		a.logger.Info("log level changed", "level", d.NewLogLevel)
	}
	for _, id := range d.TTSChanged {
		a.ttsReg.SetOverlay(id, new.TTS[id].Overlay())
		a.logger.Info("tts overlay reloaded", "provider", id)
	}
	if d.DefaultsChanged {
		a.logger.Warn("default provider ids are bound at startup; change ignored until restart")
	}
	if d.RestartRequired {
		a.logger.Warn("config change requires a restart to take effect")
	}
}

// slogLevel maps the config level to slog.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
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

// ─── Shutdown ───

// Shutdown stops the HTTP server and tears down subsystems in reverse
// init order. It respects the context deadline; closers still pending
// when it expires are skipped.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if a.watcher != nil {
			a.watcher.Stop()
		}
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", i+1)
				errs = append(errs, ctx.Err())
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		a.logger.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
