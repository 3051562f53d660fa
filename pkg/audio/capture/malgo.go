package capture

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/parley/pkg/audio"
)

// MalgoBackend opens capture devices through miniaudio (github.com/gen2brain/malgo).
// Each Open initialises its own miniaudio context so that a closed device
// leaves nothing behind.
type MalgoBackend struct {
	// Backends restricts the miniaudio backends tried, in order. Nil means
	// the platform default list.
	Backends []malgo.Backend
}

var _ Backend = MalgoBackend{}

// Open implements [Backend]. Samples are requested as 32-bit float mono; the
// period size matches the frame window so miniaudio delivers roughly one
// window per callback.
func (b MalgoBackend) Open(cfg Config, onData DataFunc) (Device, error) {
	cfg = cfg.withDefaults()

	mctx, err := malgo.InitContext(b.Backends, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("malgo", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: init context: %w", ErrDeviceUnavailable, err)
	}

	if cfg.EchoCancellation || cfg.NoiseSuppression {
		// miniaudio exposes no DSP toggles; processing is left to the OS input chain.
		slog.Debug("capture: echo cancellation / noise suppression delegated to the platform input chain")
	}

	dc := malgo.DefaultDeviceConfig(malgo.Capture)
	dc.Capture.Format = malgo.FormatF32
	dc.Capture.Channels = 1
	dc.SampleRate = uint32(cfg.SampleRate)
	dc.PeriodSizeInFrames = uint32(cfg.WindowSamples)
	dc.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(mctx.Context, dc, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			onData(audio.BytesToFloat32(input))
		},
	})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("%w: init device: %w", ErrDeviceUnavailable, err)
	}

	return &malgoDevice{ctx: mctx, dev: dev}, nil
}

// malgoDevice pairs a miniaudio device with the context that owns it.
type malgoDevice struct {
	ctx *malgo.AllocatedContext
	dev *malgo.Device

	closeOnce sync.Once
}

func (d *malgoDevice) Start() error {
	return d.dev.Start()
}

// Stop blocks until miniaudio's data callback has returned.
func (d *malgoDevice) Stop() error {
	if !d.dev.IsStarted() {
		return nil
	}
	return d.dev.Stop()
}

func (d *malgoDevice) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.dev.Uninit()
		err = d.ctx.Uninit()
		d.ctx.Free()
	})
	if err != nil {
		return fmt.Errorf("capture: uninit malgo context: %w", err)
	}
	return nil
}
