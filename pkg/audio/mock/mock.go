// Package mock provides in-memory implementations of the capture backend
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts, and they expose exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	backend := &mock.Backend{}
//	src := capture.New(backend, capture.Config{WindowSamples: 4})
//	_ = src.Start(ctx, func(f audio.AudioFrame) { ... })
//	backend.Device().Push([]float32{0, 0.5, -0.5, 1})
package mock

import (
	"sync"

	"github.com/MrWong99/parley/pkg/audio/capture"
)

// ─── Backend ──────────────────────────────────────────────────────────────────

// Backend is a mock implementation of [capture.Backend].
type Backend struct {
	mu sync.Mutex

	// OpenError is returned by [Backend.Open] when non-nil.
	OpenError error

	// StartError is set on every device returned by Open.
	StartError error

	// OpenCalls records the Config passed to each Open call.
	OpenCalls []capture.Config

	// Devices holds every device handed out, in order.
	Devices []*Device
}

var _ capture.Backend = (*Backend)(nil)

// Open implements [capture.Backend].
func (b *Backend) Open(cfg capture.Config, onData capture.DataFunc) (capture.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.OpenCalls = append(b.OpenCalls, cfg)
	if b.OpenError != nil {
		return nil, b.OpenError
	}
	d := &Device{onData: onData, StartError: b.StartError}
	b.Devices = append(b.Devices, d)
	return d, nil
}

// Device returns the most recently opened device, or nil.
func (b *Backend) Device() *Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.Devices) == 0 {
		return nil
	}
	return b.Devices[len(b.Devices)-1]
}

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock [capture.Device]. Tests feed samples with [Device.Push];
// samples pushed while the device is not started are discarded, mirroring a
// real device whose callback has been detached.
type Device struct {
	mu     sync.Mutex
	onData capture.DataFunc

	// StartError is returned by Start when non-nil.
	StartError error

	started bool

	// CallCountStart, CallCountStop and CallCountClose record lifecycle calls.
	CallCountStart int
	CallCountStop  int
	CallCountClose int
}

// Start implements [capture.Device].
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStart++
	if d.StartError != nil {
		return d.StartError
	}
	d.started = true
	return nil
}

// Stop implements [capture.Device].
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStop++
	d.started = false
	return nil
}

// Close implements [capture.Device].
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	d.started = false
	return nil
}

// Started reports whether Start succeeded and neither Stop nor Close followed.
func (d *Device) Started() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

// Push delivers samples to the registered DataFunc if the device is started.
// It reports whether the samples were delivered.
func (d *Device) Push(samples []float32) bool {
	d.mu.Lock()
	started := d.started
	fn := d.onData
	d.mu.Unlock()
	if !started || fn == nil {
		return false
	}
	fn(samples)
	return true
}
