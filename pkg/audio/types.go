// Package audio holds the PCM primitives shared by Parley's capture, reassembly
// and playback paths.
//
// All PCM handled here is signed 16-bit little-endian. The package provides:
//
//   - [AudioFrame]: one captured or decoded slice of PCM with its format.
//   - Sample conversion helpers (float32 → PCM16, resampling, channel mapping).
//   - A RIFF/WAVE container codec ([EncodeWAV], [ParseWAV]) for the
//     self-describing audio objects produced per conversation turn.
//
// The package lives under pkg/ because capture and playback backends outside
// this repository are expected to exchange [AudioFrame] values.
package audio

import "time"

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Outbound frames are produced by the capture source and sent verbatim to the
// backend; inbound frames are decoded from reassembled turn audio for playback.
type AudioFrame struct {
	// PCM audio data, signed 16-bit little-endian.
	Data []byte

	// SampleRate in Hz (16000 for microphone capture).
	SampleRate int

	// Channels: 1 for mono capture, 1 or 2 for playback.
	Channels int

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame's PCM payload.
func (f AudioFrame) Duration() time.Duration {
	return PCMDuration(len(f.Data), f.SampleRate, f.Channels)
}

// PCMDuration returns the duration of n bytes of 16-bit PCM at the given
// sample rate and channel count. Returns zero for a non-positive format.
func PCMDuration(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := n / (2 * channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
