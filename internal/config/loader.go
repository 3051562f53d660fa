package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidBackendNames lists known audio backend names per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidBackendNames = map[string][]string{
	"capture":  {"malgo"},
	"playback": {"oto", PlaybackNone},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	b := &cfg.Backend
	if b.URL == "" {
		b.URL = DefaultBackendURL
	}
	if b.DialTimeout == 0 {
		b.DialTimeout = DefaultDialTimeout
	}
	if b.ReconnectDelay == 0 {
		b.ReconnectDelay = DefaultReconnectDelay
	}
	if b.MaxReconnectAttempts == 0 {
		b.MaxReconnectAttempts = DefaultMaxReconnects
	}

	a := &cfg.Audio
	if a.Capture == "" {
		a.Capture = DefaultCaptureBackend
	}
	if a.Playback == "" {
		a.Playback = DefaultPlaybackBackend
	}
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}
	if a.WindowSamples == 0 {
		a.WindowSamples = DefaultWindowSamples
	}
	if a.ResponseSampleRate == 0 {
		a.ResponseSampleRate = DefaultResponseSampleRate
	}

	if cfg.Pipeline.HistoryLimit == 0 {
		cfg.Pipeline.HistoryLimit = DefaultHistoryLimit
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Backend
	b := cfg.Backend
	if b.URL == "" {
		errs = append(errs, errors.New("backend.url is required"))
	} else if u, err := url.Parse(b.URL); err != nil {
		errs = append(errs, fmt.Errorf("backend.url %q: %w", b.URL, err))
	} else {
		switch u.Scheme {
		case "wss", "https":
		case "ws", "http":
			if b.APIKey != "" {
				slog.Warn("backend.api_key is sent over an unencrypted connection", "url", b.URL)
			}
		default:
			errs = append(errs, fmt.Errorf("backend.url scheme %q is invalid; valid values: ws, wss, http, https", u.Scheme))
		}
	}
	if b.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("backend.dial_timeout %s must not be negative", b.DialTimeout))
	}
	if b.ReconnectDelay < 0 {
		errs = append(errs, fmt.Errorf("backend.reconnect_delay %s must not be negative", b.ReconnectDelay))
	}
	if b.MaxReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("backend.max_reconnect_attempts %d must not be negative", b.MaxReconnectAttempts))
	}
	if b.ReconnectDelay > 0 && b.ReconnectDelay < 500*time.Millisecond {
		slog.Warn("backend.reconnect_delay is very short; the backend may be hammered while down",
			"reconnect_delay", b.ReconnectDelay)
	}

	// Audio
	a := cfg.Audio
	validateBackendName("capture", a.Capture)
	validateBackendName("playback", a.Playback)
	if a.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", a.SampleRate))
	} else if a.SampleRate > 0 && a.SampleRate != DefaultSampleRate {
		slog.Warn("audio.sample_rate differs from the 16 kHz the backend expects", "sample_rate", a.SampleRate)
	}
	if a.WindowSamples < 0 {
		errs = append(errs, fmt.Errorf("audio.window_samples %d must be positive", a.WindowSamples))
	}
	if a.ResponseSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.response_sample_rate %d must be positive", a.ResponseSampleRate))
	}

	return errors.Join(errs...)
}

// validateBackendName logs a warning if name is non-empty and not found in
// the [ValidBackendNames] list for the given kind.
func validateBackendName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidBackendNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown audio backend name, may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
