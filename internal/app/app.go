// Package app wires the parley subsystems into a running voice client.
//
// The App struct owns the full lifecycle: New builds the session channel,
// capture source, reassembler, pipeline controller, console and optional
// diagnostics server from the config; Run drives them until the user quits
// or the context ends; Shutdown releases what Run does not.
//
// For testing, inject doubles via functional options (WithChannel,
// WithCaptureBackend, etc.). When an option is not provided, New creates the
// real implementation from the config and the backend registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/reassembly"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/audio/capture"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	metrics  *observe.Metrics
	level    *slog.LevelVar
	clientID string

	channel        pipeline.Channel
	captureBackend capture.Backend
	player         config.Player
	playerSet      bool
	in             io.Reader
	out            io.Writer
	metricsHandler http.Handler

	console *Console
	ctrl    *pipeline.Controller
	diag    *diagnostics

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithChannel injects the session transport instead of dialling the
// configured backend.
func WithChannel(ch pipeline.Channel) Option {
	return func(a *App) { a.channel = ch }
}

// WithClientID sets the client identifier sent to the backend. Empty
// selects a random one.
func WithClientID(id string) Option {
	return func(a *App) { a.clientID = id }
}

// WithCaptureBackend injects a capture backend instead of creating one from
// the registry.
func WithCaptureBackend(b capture.Backend) Option {
	return func(a *App) { a.captureBackend = b }
}

// WithPlayer injects the response audio player. A nil player disables
// playback.
func WithPlayer(p config.Player) Option {
	return func(a *App) {
		a.player = p
		a.playerSet = true
	}
}

// WithConsoleIO replaces stdin and stdout for the console.
func WithConsoleIO(in io.Reader, out io.Writer) Option {
	return func(a *App) {
		a.in = in
		a.out = out
	}
}

// WithMetrics injects the metric instruments instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler of the diagnostics server.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel hands the process log level to the App so that [App.Reload]
// can change it.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. reg supplies the
// capture and playback backends named in cfg.Audio unless they are injected.
// No connection is made and no device is opened until [App.Run].
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		in:  os.Stdin,
		out: os.Stdout,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Session channel ───────────────────────────────────────────────
	if a.channel == nil {
		ch, err := newChannel(cfg.Backend, a.clientID, a.metrics)
		if err != nil {
			return nil, fmt.Errorf("app: init session: %w", err)
		}
		a.channel = ch
	}

	// ── 2. Audio backends ────────────────────────────────────────────────
	if err := a.initAudio(reg); err != nil {
		return nil, fmt.Errorf("app: init audio: %w", err)
	}

	// ── 3. Pipeline ──────────────────────────────────────────────────────
	a.console = NewConsole(a.in, a.out)
	pcfg := pipeline.Config{
		Channel: a.channel,
		Capture: capture.New(a.captureBackend, capture.Config{
			SampleRate:       cfg.Audio.SampleRate,
			WindowSamples:    cfg.Audio.WindowSamples,
			EchoCancellation: cfg.Audio.EchoCancellationEnabled(),
			NoiseSuppression: cfg.Audio.NoiseSuppressionEnabled(),
		}),
		Ledger: turn.NewLedger(),
		Reassembler: reassembly.New(reassembly.Config{
			SampleRate: cfg.Audio.ResponseSampleRate,
			Metrics:    a.metrics,
		}),
		Sink:         a.console,
		AutoContinue: cfg.Pipeline.AutoContinueEnabled(),
		HistoryLimit: cfg.Pipeline.HistoryLimit,
		Metrics:      a.metrics,
	}
	if a.player != nil {
		pcfg.Player = a.player
	}
	ctrl, err := pipeline.New(pcfg)
	if err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}
	a.ctrl = ctrl

	// ── 4. Diagnostics ───────────────────────────────────────────────────
	if addr := cfg.Diagnostics.ListenAddr; addr != "" {
		d, err := newDiagnostics(addr, a.metrics, a.metricsHandler,
			health.StateChecker("session", a.sessionState, string(session.StateOpen)))
		if err != nil {
			return nil, err
		}
		a.diag = d
	}

	slog.Info("app initialised",
		"backend", cfg.Backend.URL,
		"capture", cfg.Audio.Capture,
		"playback", cfg.Audio.Playback,
		"auto_continue", cfg.Pipeline.AutoContinueEnabled(),
	)
	return a, nil
}

// newChannel builds the backend session channel from config.
func newChannel(cfg config.BackendConfig, clientID string, m *observe.Metrics) (*session.Channel, error) {
	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	return session.New(session.Config{
		URL:         cfg.URL,
		Header:      header,
		ClientID:    clientID,
		VoiceID:     cfg.VoiceID,
		RetryDelay:  cfg.ReconnectDelay,
		MaxAttempts: cfg.MaxReconnectAttempts,
		DialTimeout: cfg.DialTimeout,
		Metrics:     m,
	})
}

func (a *App) initAudio(reg *config.Registry) error {
	if a.captureBackend == nil {
		if reg == nil {
			return errors.New("no capture backend injected and no registry given")
		}
		b, err := reg.CreateCapture(a.cfg.Audio)
		if err != nil {
			return err
		}
		a.captureBackend = b
	}

	if !a.playerSet {
		if reg == nil {
			return errors.New("no player injected and no registry given")
		}
		p, err := reg.CreatePlayback(a.cfg.Audio)
		if err != nil {
			return err
		}
		if p != nil {
			a.player = resilience.Guard(p, resilience.BreakerConfig{Name: "playback"})
		}
	}
	if a.player != nil {
		a.closers = append(a.closers, a.player.Close)
	}
	return nil
}

// sessionState reports the channel state for readiness checks.
func (a *App) sessionState() string {
	if s, ok := a.channel.(interface{ State() session.State }); ok {
		return string(s.State())
	}
	return "unknown"
}

// Controller returns the pipeline controller.
func (a *App) Controller() *pipeline.Controller { return a.ctrl }

// DiagnosticsAddr returns the bound diagnostics address, or "" when the
// server is disabled.
func (a *App) DiagnosticsAddr() string {
	if a.diag == nil {
		return ""
	}
	return a.diag.Addr()
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects to the backend and drives the pipeline, console and
// diagnostics server until ctx is cancelled or the user quits. A failed
// first connection is not fatal: the channel keeps retrying and the console
// shows the outcome. Run returns nil on a normal exit.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := a.ctrl.Start(gctx); err != nil {
		slog.Warn("initial backend connection failed, retrying in background", "err", err)
	}

	g.Go(func() error { return a.ctrl.Run(gctx) })
	g.Go(func() error { return a.console.Run(gctx, a.ctrl) })
	g.Go(func() error {
		<-gctx.Done()
		return a.ctrl.Teardown()
	})
	if a.diag != nil {
		g.Go(func() error { return a.diag.Run(gctx) })
	}

	err := g.Wait()
	if errors.Is(err, ErrQuit) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Reload applies the hot-reloadable parts of a changed configuration and
// logs the sections that need a restart.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.AutoContinueChanged {
		a.ctrl.SetAutoContinue(d.NewAutoContinue)
		slog.Info("auto-continue changed", "enabled", d.NewAutoContinue)
	}
	if d.HistoryLimitChanged {
		a.ctrl.SetHistoryLimit(d.NewHistoryLimit)
		slog.Info("history limit changed", "limit", d.NewHistoryLimit)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down the pipeline and runs the remaining closers. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.ctrl.Teardown(); err != nil {
			slog.Warn("pipeline teardown error", "err", err)
		}
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
