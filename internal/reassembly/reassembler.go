// Package reassembly rebuilds one playable WAV object per turn from the audio
// fragments the backend streams.
//
// The backend cuts a single WAV container into fragments: the first carries
// the 44-byte container header followed by PCM, the rest are raw PCM. The
// [Reassembler] strips the first header, concatenates the payloads in arrival
// order and wraps the result in a freshly synthesised header sized to the
// combined payload.
//
// A stream ends on a fragment flagged final, on an empty fragment, or when
// the audio_streaming_complete count is reached, whichever comes first. Only
// one accumulator exists at a time: a fragment for a new turn discards an
// unfinished previous one.
package reassembly

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
)

// DefaultSampleRate is used for the synthesised header when the first
// fragment does not carry a readable one.
const DefaultSampleRate = 44100

// ErrNoAudioData reports a completed stream that carried no audio.
var ErrNoAudioData = errors.New("reassembly: no audio data")

// DecodeError reports a combined stream that does not decode as audio.
type DecodeError struct {
	Turn      int
	Fragments int
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("reassembly: turn %d: decode %d fragments: %v", e.Turn, e.Fragments, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Audio is one reassembled response.
type Audio struct {
	Turn      int
	WAV       []byte
	Info      audio.WAVInfo
	Fragments int
}

// Duration returns the playback length.
func (a *Audio) Duration() time.Duration { return a.Info.Duration() }

// Config configures a [Reassembler].
type Config struct {
	// SampleRate is declared in the synthesised header when the first
	// fragment has no readable header. Defaults to [DefaultSampleRate].
	SampleRate int

	// Metrics receives reassembly metrics. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

type accumulator struct {
	turn      int
	fragments [][]byte
	expected  int // total_chunks once announced, else 0
	started   time.Time
}

// Reassembler accumulates fragments for the current turn. It is safe for
// concurrent use although the pipeline feeds it from a single goroutine.
type Reassembler struct {
	sampleRate int
	metrics    *observe.Metrics

	mu            sync.Mutex
	acc           *accumulator
	lastCompleted int
	hasCompleted  bool
}

// New returns an empty [Reassembler].
func New(cfg Config) *Reassembler {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Reassembler{sampleRate: cfg.SampleRate, metrics: cfg.Metrics}
}

// AddFragment appends payload to the accumulator for turn. It returns the
// reassembled audio once the stream completes, and (nil, nil) while more
// fragments are expected. Fragments arriving for a turn that has already
// completed are ignored.
func (r *Reassembler) AddFragment(turn int, payload []byte, isFinal bool) (*Audio, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.acc == nil || r.acc.turn != turn {
		if r.hasCompleted && r.lastCompleted == turn {
			slog.Debug("reassembly: ignoring fragment for completed turn",
				"turn", turn, "bytes", len(payload), "final", isFinal)
			return nil, nil
		}
		r.startLocked(turn)
	}

	if len(payload) > 0 {
		r.acc.fragments = append(r.acc.fragments, bytes.Clone(payload))
	}

	if isFinal || len(payload) == 0 {
		return r.finishLocked()
	}
	if r.acc.expected > 0 && len(r.acc.fragments) >= r.acc.expected {
		return r.finishLocked()
	}
	return nil, nil
}

// Complete handles the stream-complete signal announcing totalChunks
// fragments for turn. The signal may arrive before the last fragments; the
// stream then completes once that many fragments are held.
func (r *Reassembler) Complete(turn, totalChunks int) (*Audio, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.acc == nil || r.acc.turn != turn {
		if r.hasCompleted && r.lastCompleted == turn {
			slog.Debug("reassembly: stream complete for finished turn",
				"turn", turn, "total_chunks", totalChunks)
			return nil, nil
		}
		if totalChunks <= 0 {
			r.startLocked(turn)
			return r.finishLocked()
		}
		r.startLocked(turn)
	}

	got := len(r.acc.fragments)
	if got >= totalChunks {
		if got != totalChunks {
			slog.Warn("reassembly: fragment count mismatch",
				"turn", turn, "received", got, "total_chunks", totalChunks)
		}
		return r.finishLocked()
	}
	r.acc.expected = totalChunks
	slog.Debug("reassembly: waiting for remaining fragments",
		"turn", turn, "received", got, "total_chunks", totalChunks)
	return nil, nil
}

// Finished reports whether the stream for turn has already completed, in
// which case [Reassembler.AddFragment] ignores further fragments for it.
func (r *Reassembler) Finished(turn int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.acc != nil && r.acc.turn == turn {
		return false
	}
	return r.hasCompleted && r.lastCompleted == turn
}

// Pending reports the turn and fragment count of the unfinished accumulator.
func (r *Reassembler) Pending() (turn, fragments int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.acc == nil {
		return 0, 0, false
	}
	return r.acc.turn, len(r.acc.fragments), true
}

// Reset discards any unfinished accumulator.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.acc != nil {
		slog.Debug("reassembly: reset", "turn", r.acc.turn, "fragments", len(r.acc.fragments))
	}
	r.acc = nil
}

// startLocked replaces the accumulator. r.mu must be held.
func (r *Reassembler) startLocked(turn int) {
	if r.acc != nil {
		slog.Warn("reassembly: discarding unfinished audio",
			"turn", r.acc.turn, "fragments", len(r.acc.fragments), "next_turn", turn)
	}
	r.acc = &accumulator{turn: turn, started: time.Now()}
}

// finishLocked combines and releases the accumulator. It is discarded
// whatever the outcome. r.mu must be held.
func (r *Reassembler) finishLocked() (*Audio, error) {
	acc := r.acc
	r.acc = nil
	r.lastCompleted = acc.turn
	r.hasCompleted = true

	ctx := context.Background()
	n := len(acc.fragments)
	if n == 0 {
		r.metrics.RecordReassemblyFailure(ctx, "no_audio")
		return nil, fmt.Errorf("turn %d: %w", acc.turn, ErrNoAudioData)
	}

	sampleRate, channels := r.sampleRate, 1
	first := acc.fragments[0]
	if hdr, err := audio.ParseWAVHeader(first); err == nil {
		sampleRate, channels = hdr.SampleRate, hdr.Channels
	} else {
		slog.Warn("reassembly: first fragment has no readable header",
			"turn", acc.turn, "err", err)
	}

	size := 0
	for _, f := range acc.fragments {
		size += len(f)
	}
	pcm := make([]byte, 0, size)
	pcm = append(pcm, first[min(len(first), audio.WAVHeaderSize):]...)
	for _, f := range acc.fragments[1:] {
		pcm = append(pcm, f...)
	}

	wav := audio.EncodeWAV(pcm, sampleRate, channels, 16)
	info, _, err := audio.ParseWAV(wav)
	if err != nil {
		r.metrics.RecordReassemblyFailure(ctx, "decode")
		return nil, &DecodeError{Turn: acc.turn, Fragments: n, Err: err}
	}

	r.metrics.AudioReassembled.Add(ctx, 1)
	r.metrics.ReassemblyDuration.Record(ctx, time.Since(acc.started).Seconds())
	slog.Debug("reassembly: turn audio ready",
		"turn", acc.turn, "fragments", n, "bytes", len(pcm), "duration", info.Duration())
	return &Audio{Turn: acc.turn, WAV: wav, Info: info, Fragments: n}, nil
}
