// Package config provides the configuration schema, loader, and audio backend
// registry for the parley voice client.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to its slog level; unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultBackendURL         = "ws://localhost:8000/ws"
	DefaultDialTimeout        = 10 * time.Second
	DefaultReconnectDelay     = 3 * time.Second
	DefaultMaxReconnects      = 5
	DefaultCaptureBackend     = "malgo"
	DefaultPlaybackBackend    = "oto"
	DefaultSampleRate         = 16000
	DefaultWindowSamples      = 4096
	DefaultResponseSampleRate = 44100
	DefaultHistoryLimit       = 50
)

// PlaybackNone disables speaker output; audio is only reported to the console.
const PlaybackNone = "none"

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Backend     BackendConfig     `yaml:"backend"`
	Audio       AudioConfig       `yaml:"audio"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
}

// ServerConfig holds process-wide settings.
type ServerConfig struct {
	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// BackendConfig describes the conversation backend and how to stay connected
// to it.
type BackendConfig struct {
	// URL is the WebSocket endpoint (ws, wss, http or https).
	URL string `yaml:"url"`

	// APIKey is sent as a Bearer token when set.
	APIKey string `yaml:"api_key"`

	// VoiceID selects the backend's synthesis voice. Empty uses the
	// backend default.
	VoiceID string `yaml:"voice_id"`

	DialTimeout time.Duration `yaml:"dial_timeout"`

	// ReconnectDelay is the fixed wait between reconnection attempts.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// MaxReconnectAttempts bounds consecutive reconnection attempts before
	// the session is reported as failed.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

// AudioConfig selects the capture and playback backends and the stream
// formats.
type AudioConfig struct {
	// Capture is the registered capture backend name (e.g. "malgo").
	Capture string `yaml:"capture"`

	// Playback is the registered playback backend name, or "none".
	Playback string `yaml:"playback"`

	// SampleRate of the outbound microphone stream in Hz.
	SampleRate int `yaml:"sample_rate"`

	// WindowSamples is the number of samples per outbound frame.
	WindowSamples int `yaml:"window_samples"`

	EchoCancellation *bool `yaml:"echo_cancellation"`
	NoiseSuppression *bool `yaml:"noise_suppression"`

	// ResponseSampleRate is declared for response audio whose first fragment
	// carries no readable header.
	ResponseSampleRate int `yaml:"response_sample_rate"`
}

// EchoCancellationEnabled reports the effective echo cancellation setting;
// unset means enabled.
func (a AudioConfig) EchoCancellationEnabled() bool {
	return a.EchoCancellation == nil || *a.EchoCancellation
}

// NoiseSuppressionEnabled reports the effective noise suppression setting;
// unset means enabled.
func (a AudioConfig) NoiseSuppressionEnabled() bool {
	return a.NoiseSuppression == nil || *a.NoiseSuppression
}

// PipelineConfig holds conversation behaviour. Both fields are hot-reloadable.
type PipelineConfig struct {
	// AutoContinue restarts recording after a response has played. Unset
	// means enabled.
	AutoContinue *bool `yaml:"auto_continue"`

	// HistoryLimit bounds the number of turns kept. Zero selects
	// [DefaultHistoryLimit]; a negative value keeps every turn.
	HistoryLimit int `yaml:"history_limit"`
}

// AutoContinueEnabled reports the effective auto-continue setting.
func (p PipelineConfig) AutoContinueEnabled() bool {
	return p.AutoContinue == nil || *p.AutoContinue
}

// DiagnosticsConfig configures the optional health and metrics HTTP server.
type DiagnosticsConfig struct {
	// ListenAddr is the TCP address to serve on (e.g. ":9090"). Empty
	// disables the server.
	ListenAddr string `yaml:"listen_addr"`
}
