// Package playback plays reassembled turn audio through the system speaker
// using github.com/ebitengine/oto/v3.
//
// oto permits a single context per process, so a [Speaker] should be created
// once at startup and shared.
package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/parley/pkg/audio"
)

// pollInterval is how often Play checks whether the player has drained.
const pollInterval = 20 * time.Millisecond

// ErrClosed is returned by [Speaker.Play] after [Speaker.Close].
var ErrClosed = errors.New("playback: speaker closed")

// Speaker plays WAV objects on the default output device. Plays are
// serialised: a second Play waits until the first finishes or is cancelled.
type Speaker struct {
	ctx    *oto.Context
	format audio.Format

	playMu sync.Mutex // serialises Play

	mu      sync.Mutex
	current *oto.Player
	closed  bool
}

// NewSpeaker opens the output device at the given format. bufferSize bounds
// output latency; zero selects oto's default.
func NewSpeaker(format audio.Format, bufferSize time.Duration) (*Speaker, error) {
	if format.SampleRate <= 0 || (format.Channels != 1 && format.Channels != 2) {
		return nil, fmt.Errorf("playback: unsupported output format %s", format)
	}
	octx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   bufferSize,
	})
	if err != nil {
		return nil, fmt.Errorf("playback: open output device: %w", err)
	}
	<-ready
	return &Speaker{ctx: octx, format: format}, nil
}

// Format returns the output device format.
func (s *Speaker) Format() audio.Format { return s.format }

// Play decodes wav and blocks until it has been played, ctx is cancelled or
// the speaker is closed. The payload is converted to the output format when
// the container's format differs.
func (s *Speaker) Play(ctx context.Context, wav []byte) error {
	info, pcm, err := audio.ParseWAV(wav)
	if err != nil {
		return fmt.Errorf("playback: %w", err)
	}

	conv := audio.FormatConverter{Target: s.format}
	frame := conv.Convert(audio.AudioFrame{Data: pcm, SampleRate: info.SampleRate, Channels: info.Channels})
	if len(frame.Data) == 0 {
		return fmt.Errorf("playback: cannot convert %dHz/%dch to %s", info.SampleRate, info.Channels, s.format)
	}

	s.playMu.Lock()
	defer s.playMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	p := s.ctx.NewPlayer(bytes.NewReader(frame.Data))
	s.current = p
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
		if err := p.Close(); err != nil {
			slog.Debug("playback: close player", "err", err)
		}
	}()

	p.Play()
	slog.Debug("playback started", "duration", info.Duration(), "format", s.format.String())

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for p.IsPlaying() {
		select {
		case <-ctx.Done():
			p.Pause()
			return ctx.Err()
		case <-ticker.C:
		}
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			p.Pause()
			return ErrClosed
		}
	}
	return p.Err()
}

// Close stops any playback in progress. The oto context itself lives for the
// rest of the process.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.current != nil {
		s.current.Pause()
	}
	return nil
}
