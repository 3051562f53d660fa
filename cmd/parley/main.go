// Command parley is a terminal voice client for a streaming conversation
// backend: it streams microphone audio, shows transcripts and responses as
// they arrive, and plays the synthesised reply.
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

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/playback"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "parley.yaml", "path to the YAML configuration file")
	watchInterval := flag.Duration("watch", config.DefaultWatchInterval, "config file poll interval; 0 disables hot reload")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	// Logs go to stderr so they do not interleave with the console on stdout.
	var level slog.LevelVar
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	// ── Application handle for hot reload ─────────────────────────────────────
	var application *app.App
	onChange := func(old, new *config.Config) {
		if application != nil {
			application.Reload(old, new)
		}
	}

	// ── Load configuration ────────────────────────────────────────────────────
	var opts []config.WatcherOption
	if *watchInterval > 0 {
		opts = append(opts, config.WithInterval(*watchInterval))
	}
	watcher, err := config.NewWatcher(*configPath, onChange, opts...)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()
	level.Set(cfg.Server.LogLevel.Level())

	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	clientID := uuid.NewString()
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceVersion: version,
		ClientID:       clientID,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Audio backend registry ────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err = app.New(ctx, cfg, reg,
		app.WithLogLevel(&level),
		app.WithClientID(clientID),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	printStartupSummary(cfg, reg, application.DiagnosticsAddr())

	// ── Run ───────────────────────────────────────────────────────────────────
	// The app ending (quit or fatal error) cancels the watcher too.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		return application.Run(gctx)
	})
	if *watchInterval > 0 {
		g.Go(func() error { return watcher.Run(gctx) })
	}
	runErr := g.Wait()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends registers the audio backends that ship with parley.
// "none" playback is pre-registered by [config.NewRegistry].
func registerBuiltinBackends(reg *config.Registry) {
	reg.RegisterCapture("malgo", func(config.AudioConfig) (capture.Backend, error) {
		return capture.MalgoBackend{}, nil
	})
	reg.RegisterPlayback("oto", func(a config.AudioConfig) (config.Player, error) {
		s, err := playback.NewSpeaker(audio.Format{SampleRate: a.ResponseSampleRate, Channels: 1}, 0)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, reg *config.Registry, diagAddr string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          parley, startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Backend", cfg.Backend.URL)
	printRow("Voice", orDefault(cfg.Backend.VoiceID, "(backend default)"))
	printRow("Capture", fmt.Sprintf("%s @ %d Hz", cfg.Audio.Capture, cfg.Audio.SampleRate))
	printRow("Playback", cfg.Audio.Playback)
	printRow("Auto-continue", fmt.Sprintf("%t", cfg.Pipeline.AutoContinueEnabled()))
	printRow("Diagnostics", orDefault(diagAddr, "(disabled)"))
	fmt.Println("╚═══════════════════════════════════════╝")
	slog.Debug("registered audio backends",
		"capture", reg.Names("capture"),
		"playback", reg.Names("playback"),
	)
}

func printRow(kind, value string) {
	if len([]rune(value)) > 22 {
		value = string([]rune(value)[:21]) + "…"
	}
	fmt.Printf("║  %-13s : %-22s║\n", kind, value)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
