package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/parley/pkg/audio/capture"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: audio backend not registered")

// Player plays reassembled response audio and releases the output device on
// Close. [*playback.Speaker] satisfies it.
type Player interface {
	Play(ctx context.Context, wav []byte) error
	Close() error
}

// CaptureFactory builds a capture backend from the audio configuration.
type CaptureFactory func(AudioConfig) (capture.Backend, error)

// PlaybackFactory builds a player from the audio configuration.
type PlaybackFactory func(AudioConfig) (Player, error)

// Registry maps audio backend names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	capture  map[string]CaptureFactory
	playback map[string]PlaybackFactory
}

// NewRegistry returns an empty, ready-to-use [Registry]. The "none" playback
// backend is always available and yields a nil [Player].
func NewRegistry() *Registry {
	r := &Registry{
		capture:  make(map[string]CaptureFactory),
		playback: make(map[string]PlaybackFactory),
	}
	r.playback[PlaybackNone] = func(AudioConfig) (Player, error) { return nil, nil }
	return r
}

// RegisterCapture registers a capture backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterCapture(name string, factory CaptureFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterPlayback registers a playback backend factory under name.
func (r *Registry) RegisterPlayback(name string, factory PlaybackFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playback[name] = factory
}

// CreateCapture instantiates the capture backend named by cfg.Capture.
// Returns [ErrBackendNotRegistered] if no factory has been registered for it.
func (r *Registry) CreateCapture(cfg AudioConfig) (capture.Backend, error) {
	r.mu.RLock()
	factory, ok := r.capture[cfg.Capture]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrBackendNotRegistered, cfg.Capture)
	}
	return factory(cfg)
}

// CreatePlayback instantiates the player named by cfg.Playback. A nil
// Player with a nil error means playback is disabled.
func (r *Registry) CreatePlayback(cfg AudioConfig) (Player, error) {
	r.mu.RLock()
	factory, ok := r.playback[cfg.Playback]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: playback/%q", ErrBackendNotRegistered, cfg.Playback)
	}
	return factory(cfg)
}

// Names returns the sorted registered names for kind ("capture" or
// "playback").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "capture":
		for n := range r.capture {
			names = append(names, n)
		}
	case "playback":
		for n := range r.playback {
			names = append(names, n)
		}
	}
	slices.Sort(names)
	return names
}
