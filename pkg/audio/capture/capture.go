// Package capture turns a live microphone into a stream of fixed-size PCM16
// [audio.AudioFrame] values.
//
// A [Source] owns one input device for the duration of a Start/Stop cycle.
// The device itself is abstracted by [Backend] so that tests, and platforms
// without miniaudio, can substitute their own implementation; [MalgoBackend]
// is the default.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// Reference capture parameters.
const (
	DefaultSampleRate    = 16000
	DefaultWindowSamples = 4096
)

// ErrDeviceUnavailable is wrapped by every error caused by failing to acquire
// or start the input device (permission denied, no device, busy device).
var ErrDeviceUnavailable = errors.New("capture: audio input device unavailable")

// ErrAlreadyStarted is returned by [Source.Start] while a capture is running.
var ErrAlreadyStarted = errors.New("capture: already started")

// Config describes the requested input stream.
type Config struct {
	// SampleRate in Hz. Defaults to 16000.
	SampleRate int

	// WindowSamples is the number of samples per produced frame. Defaults to 4096.
	WindowSamples int

	// EchoCancellation and NoiseSuppression request the platform's input
	// processing. Backends that cannot honour them log and continue.
	EchoCancellation bool
	NoiseSuppression bool
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.WindowSamples <= 0 {
		c.WindowSamples = DefaultWindowSamples
	}
	return c
}

// DataFunc receives mono float32 samples in the range [-1, 1] from a device.
// It is called on the device's own thread.
type DataFunc func(samples []float32)

// Device is an acquired input device.
type Device interface {
	// Start begins delivering samples to the DataFunc given at open time.
	Start() error

	// Stop halts sample delivery. After Stop returns the DataFunc is not called again.
	Stop() error

	// Close releases every resource held by the device. Safe to call after a
	// failed Start.
	Close() error
}

// Backend acquires input devices.
type Backend interface {
	// Open acquires a mono device at cfg.SampleRate. On error no resources
	// may remain allocated.
	Open(cfg Config, onData DataFunc) (Device, error)
}

// Source produces AudioFrames from a [Backend] device. Frames are emitted
// once a full window of samples has been captured; each frame is the PCM16
// rendering of exactly that window.
//
// All methods are safe for concurrent use.
type Source struct {
	backend Backend
	cfg     Config

	mu      sync.Mutex
	device  Device
	onFrame func(audio.AudioFrame)
	window  []float32
	emitted int64 // samples emitted since Start
}

// New creates a Source reading from backend with the given configuration.
func New(backend Backend, cfg Config) *Source {
	cfg = cfg.withDefaults()
	return &Source{
		backend: backend,
		cfg:     cfg,
	}
}

// Config returns the effective capture configuration.
func (s *Source) Config() Config { return s.cfg }

// Start acquires the input device and begins delivering frames to onFrame.
// onFrame is invoked on the device thread, one call at a time, in capture order.
//
// If the device cannot be acquired or started the returned error wraps
// [ErrDeviceUnavailable] and every partially acquired resource is released.
func (s *Source) Start(ctx context.Context, onFrame func(audio.AudioFrame)) error {
	if onFrame == nil {
		return errors.New("capture: onFrame must not be nil")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("capture: start: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		return ErrAlreadyStarted
	}

	dev, err := s.backend.Open(s.cfg, s.handleSamples)
	if err != nil {
		if !errors.Is(err, ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
		}
		return err
	}

	// Arm the callback before starting so that no samples are lost, but
	// handleSamples blocks on s.mu until Start returns.
	s.onFrame = onFrame
	s.window = make([]float32, 0, s.cfg.WindowSamples)
	s.emitted = 0

	if err := dev.Start(); err != nil {
		s.onFrame = nil
		s.window = nil
		if cerr := dev.Close(); cerr != nil {
			slog.Warn("capture: close after failed start", "err", cerr)
		}
		return fmt.Errorf("%w: start device: %w", ErrDeviceUnavailable, err)
	}
	s.device = dev

	slog.Debug("capture started",
		"sample_rate", s.cfg.SampleRate,
		"window_samples", s.cfg.WindowSamples,
		"echo_cancellation", s.cfg.EchoCancellation,
		"noise_suppression", s.cfg.NoiseSuppression,
	)
	return nil
}

// Stop disconnects the frame callback, then stops and releases the device.
// Once Stop returns no further frame is delivered. Partially filled windows
// are discarded. Stop on an idle Source is a no-op.
func (s *Source) Stop() error {
	s.mu.Lock()
	dev := s.device
	s.device = nil
	s.onFrame = nil
	s.window = nil
	s.mu.Unlock()

	if dev == nil {
		return nil
	}

	var errs []error
	if err := dev.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("capture: stop device: %w", err))
	}
	if err := dev.Close(); err != nil {
		errs = append(errs, fmt.Errorf("capture: close device: %w", err))
	}
	slog.Debug("capture stopped")
	return errors.Join(errs...)
}

// Running reports whether a device is currently acquired.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device != nil
}

// handleSamples is the device DataFunc. It holds s.mu while emitting so that
// Stop cannot return while a frame is in flight.
func (s *Source) handleSamples(samples []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.onFrame == nil {
		return
	}

	for len(samples) > 0 {
		n := min(s.cfg.WindowSamples-len(s.window), len(samples))
		s.window = append(s.window, samples[:n]...)
		samples = samples[n:]

		if len(s.window) < s.cfg.WindowSamples {
			continue
		}

		frame := audio.AudioFrame{
			Data:       audio.Float32ToPCM16(s.window),
			SampleRate: s.cfg.SampleRate,
			Channels:   1,
			Timestamp:  time.Duration(s.emitted) * time.Second / time.Duration(s.cfg.SampleRate),
		}
		s.emitted += int64(len(s.window))
		s.window = s.window[:0]
		s.onFrame(frame)
	}
}
