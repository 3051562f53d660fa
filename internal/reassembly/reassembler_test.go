package reassembly_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/reassembly"
	"github.com/MrWong99/parley/pkg/audio"
)

func newReassembler(t *testing.T) (*reassembly.Reassembler, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return reassembly.New(reassembly.Config{SampleRate: 22050, Metrics: m}), reader
}

// headed returns a first fragment: a streamed header followed by pcm.
func headed(sampleRate int, pcm string) []byte {
	h := audio.WAVHeader(sampleRate, 1, 16, 1<<20)
	return append(h, pcm...)
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestReassembler_EmptyPayloadTerminates(t *testing.T) {
	t.Parallel()

	r, reader := newReassembler(t)

	if a, err := r.AddFragment(3, headed(24000, "AAAA"), false); a != nil || err != nil {
		t.Fatalf("fragment 1: got %v, %v", a, err)
	}
	if a, err := r.AddFragment(3, []byte("BBBB"), false); a != nil || err != nil {
		t.Fatalf("fragment 2: got %v, %v", a, err)
	}
	a, err := r.AddFragment(3, nil, false)
	if err != nil {
		t.Fatalf("terminator: %v", err)
	}
	if a == nil {
		t.Fatal("no audio after empty terminator")
	}

	if a.Turn != 3 || a.Fragments != 2 {
		t.Errorf("turn %d fragments %d, want 3 and 2", a.Turn, a.Fragments)
	}
	want := audio.EncodeWAV([]byte("AAAABBBB"), 24000, 1, 16)
	if !bytes.Equal(a.WAV, want) {
		t.Errorf("WAV = %q, want %q", a.WAV, want)
	}
	if a.Info.DataLength != 8 {
		t.Errorf("declared data length = %d, want 8", a.Info.DataLength)
	}
	if _, _, ok := r.Pending(); ok {
		t.Error("accumulator still pending after completion")
	}
	if got := counterValue(t, reader, "parley.audio.reassembled"); got != 1 {
		t.Errorf("reassembled counter = %d, want 1", got)
	}
}

func TestReassembler_FinalFlagEquivalentToEmptyTerminator(t *testing.T) {
	t.Parallel()

	viaFlag, _ := newReassembler(t)
	viaEmpty, _ := newReassembler(t)

	fragments := [][]byte{headed(16000, "0123"), []byte("4567"), []byte("89ab")}

	for i, f := range fragments {
		last := i == len(fragments)-1
		a, err := viaFlag.AddFragment(1, f, last)
		if err != nil {
			t.Fatalf("flag fragment %d: %v", i, err)
		}
		if last && a == nil {
			t.Fatal("final flag did not complete")
		}
		if last {
			if _, err := viaEmpty.AddFragment(1, f, false); err != nil {
				t.Fatalf("empty fragment %d: %v", i, err)
			}
			b, err := viaEmpty.AddFragment(1, []byte{}, false)
			if err != nil || b == nil {
				t.Fatalf("empty terminator: %v, %v", b, err)
			}
			if !bytes.Equal(a.WAV, b.WAV) {
				t.Error("final flag and empty terminator produced different audio")
			}
			continue
		}
		if _, err := viaEmpty.AddFragment(1, f, false); err != nil {
			t.Fatalf("empty fragment %d: %v", i, err)
		}
	}
}

func TestReassembler_ConcatenationProperty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frags []string
	}{
		{"single fragment", []string{"ab"}},
		{"two fragments", []string{"abcd", "efgh"}},
		{"many fragments", []string{"", "12", "34", "56", "78", "9a"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r, _ := newReassembler(t)

			var want []byte
			var a *reassembly.Audio
			for i, f := range tc.frags {
				payload := []byte(f)
				if i == 0 {
					payload = headed(16000, f)
				}
				want = append(want, f...)
				var err error
				a, err = r.AddFragment(5, payload, i == len(tc.frags)-1)
				if err != nil {
					t.Fatalf("fragment %d: %v", i, err)
				}
			}
			if a == nil {
				t.Fatal("no audio")
			}
			_, pcm, err := audio.ParseWAV(a.WAV)
			if err != nil {
				t.Fatalf("ParseWAV: %v", err)
			}
			if !bytes.Equal(pcm, want) {
				t.Errorf("payload = %q, want %q", pcm, want)
			}
			if a.Info.DataLength != len(want) {
				t.Errorf("declared length = %d, want %d", a.Info.DataLength, len(want))
			}
		})
	}
}

func TestReassembler_NoAudioData(t *testing.T) {
	t.Parallel()

	r, reader := newReassembler(t)

	a, err := r.AddFragment(2, nil, true)
	if a != nil {
		t.Error("produced audio from zero fragments")
	}
	if !errors.Is(err, reassembly.ErrNoAudioData) {
		t.Fatalf("err = %v, want ErrNoAudioData", err)
	}
	if got := counterValue(t, reader, "parley.reassembly.failures"); got != 1 {
		t.Errorf("failure counter = %d, want 1", got)
	}

	// Stream-complete for an unseen turn with zero chunks is the same failure.
	if _, err := r.Complete(9, 0); !errors.Is(err, reassembly.ErrNoAudioData) {
		t.Errorf("Complete(9, 0): err = %v, want ErrNoAudioData", err)
	}
}

func TestReassembler_DecodeError(t *testing.T) {
	t.Parallel()

	r, _ := newReassembler(t)

	// Header only, then an odd number of PCM bytes.
	if _, err := r.AddFragment(4, headed(16000, ""), false); err != nil {
		t.Fatalf("fragment 1: %v", err)
	}
	if _, err := r.AddFragment(4, []byte("abc"), false); err != nil {
		t.Fatalf("fragment 2: %v", err)
	}
	a, err := r.AddFragment(4, nil, false)
	if a != nil {
		t.Error("produced audio from undecodable stream")
	}

	var de *reassembly.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want *DecodeError", err)
	}
	if de.Turn != 4 || de.Fragments != 2 {
		t.Errorf("DecodeError turn %d fragments %d, want 4 and 2", de.Turn, de.Fragments)
	}
	if !errors.Is(err, audio.ErrInvalidWAV) {
		t.Errorf("err does not wrap ErrInvalidWAV: %v", err)
	}
	if _, _, ok := r.Pending(); ok {
		t.Error("accumulator kept after decode failure")
	}
}

func TestReassembler_HeaderlessFirstFragmentUsesConfiguredRate(t *testing.T) {
	t.Parallel()

	r, _ := newReassembler(t)
	// 44 bytes of non-header data are still stripped.
	first := append(bytes.Repeat([]byte{0}, audio.WAVHeaderSize), "wxyz"...)
	a, err := r.AddFragment(1, first, true)
	if err != nil {
		t.Fatalf("AddFragment: %v", err)
	}
	if a.Info.SampleRate != 22050 {
		t.Errorf("SampleRate = %d, want configured 22050", a.Info.SampleRate)
	}
	if a.Info.DataLength != 4 {
		t.Errorf("DataLength = %d, want 4", a.Info.DataLength)
	}
}

func TestReassembler_NewTurnDiscardsUnfinished(t *testing.T) {
	t.Parallel()

	r, _ := newReassembler(t)
	if _, err := r.AddFragment(1, headed(16000, "old!"), false); err != nil {
		t.Fatal(err)
	}
	if _, err := r.AddFragment(2, headed(16000, "new!"), false); err != nil {
		t.Fatal(err)
	}
	turn, n, ok := r.Pending()
	if !ok || turn != 2 || n != 1 {
		t.Fatalf("Pending = %d, %d, %v; want turn 2 with 1 fragment", turn, n, ok)
	}

	a, err := r.AddFragment(2, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	_, pcm, _ := audio.ParseWAV(a.WAV)
	if string(pcm) != "new!" {
		t.Errorf("payload = %q, want only the new turn", pcm)
	}
}

func TestReassembler_DoubleCompletionIsNoop(t *testing.T) {
	t.Parallel()

	r, _ := newReassembler(t)
	if _, err := r.AddFragment(6, headed(16000, "abcd"), true); err != nil {
		t.Fatal(err)
	}

	a, err := r.AddFragment(6, nil, false)
	if a != nil || err != nil {
		t.Errorf("empty terminator after final: got %v, %v; want nil, nil", a, err)
	}
	a, err = r.Complete(6, 1)
	if a != nil || err != nil {
		t.Errorf("stream complete after final: got %v, %v; want nil, nil", a, err)
	}
	if _, _, ok := r.Pending(); ok {
		t.Error("late signals created an accumulator")
	}
}

func TestReassembler_Finished(t *testing.T) {
	t.Parallel()

	r, _ := newReassembler(t)
	if r.Finished(7) {
		t.Error("Finished before any fragment")
	}
	if _, err := r.AddFragment(7, headed(16000, "ab"), false); err != nil {
		t.Fatal(err)
	}
	if r.Finished(7) {
		t.Error("Finished while fragments are still expected")
	}
	if _, err := r.AddFragment(7, []byte("cd"), true); err != nil {
		t.Fatal(err)
	}
	if !r.Finished(7) {
		t.Error("not Finished after the final fragment")
	}
	if r.Finished(8) {
		t.Error("an unseen turn reports Finished")
	}
}

func TestReassembler_StreamCompleteBeforeLastFragment(t *testing.T) {
	t.Parallel()

	r, _ := newReassembler(t)
	if _, err := r.AddFragment(8, headed(16000, "abcd"), false); err != nil {
		t.Fatal(err)
	}

	a, err := r.Complete(8, 2)
	if a != nil || err != nil {
		t.Fatalf("early Complete: got %v, %v; want wait", a, err)
	}

	a, err = r.AddFragment(8, []byte("efgh"), false)
	if err != nil {
		t.Fatal(err)
	}
	if a == nil {
		t.Fatal("stream did not complete at announced count")
	}
	_, pcm, _ := audio.ParseWAV(a.WAV)
	if string(pcm) != "abcdefgh" {
		t.Errorf("payload = %q", pcm)
	}
}

func TestReassembler_StreamCompleteAfterAllFragments(t *testing.T) {
	t.Parallel()

	r, _ := newReassembler(t)
	if _, err := r.AddFragment(8, headed(16000, "ab"), false); err != nil {
		t.Fatal(err)
	}
	if _, err := r.AddFragment(8, []byte("cd"), false); err != nil {
		t.Fatal(err)
	}
	a, err := r.Complete(8, 2)
	if err != nil || a == nil {
		t.Fatalf("Complete: %v, %v", a, err)
	}
	if a.Fragments != 2 {
		t.Errorf("Fragments = %d, want 2", a.Fragments)
	}
}

func TestReassembler_Reset(t *testing.T) {
	t.Parallel()

	r, _ := newReassembler(t)
	if _, err := r.AddFragment(1, headed(16000, "ab"), false); err != nil {
		t.Fatal(err)
	}
	r.Reset()
	if _, _, ok := r.Pending(); ok {
		t.Error("Pending after Reset")
	}
}
