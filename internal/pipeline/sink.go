package pipeline

import (
	"fmt"

	"github.com/MrWong99/parley/internal/reassembly"
	"github.com/MrWong99/parley/internal/turn"
)

// Status is the normalised pipeline status reported to the [Sink].
type Status string

const (
	StatusReady     Status = "ready"
	StatusListening Status = "listening"
	StatusThinking  Status = "thinking"
	StatusSpeaking  Status = "speaking"
	StatusError     Status = "error"
)

// Sink receives notifications from a [Controller]. It is the user-facing
// collaborator: a console, a GUI, or a test recorder. Methods may be called
// from several goroutines and must not block for long.
type Sink interface {
	// Status reports a status change with an optional human-readable detail.
	Status(s Status, detail string)

	// LiveTranscript reports the provisional transcript of speech in progress.
	LiveTranscript(text string)

	// TranscriptReady reports a final, revised or completed turn transcript.
	TranscriptReady(t turn.Turn)

	// ResponseText reports the response text for a turn; done is set once
	// the response has finished streaming.
	ResponseText(turnNumber int, text string, done bool)

	// AudioReady hands over reassembled response audio.
	AudioReady(a *reassembly.Audio)

	// Error reports a turn-scoped or session-scoped failure.
	Error(err error)
}

// BackendError is an error the backend reported through an error or
// llm_error event.
type BackendError struct {
	// Turn is the affected turn, or zero for session-wide errors.
	Turn int

	// LLM is set for llm_error events.
	LLM bool

	Message string
}

func (e *BackendError) Error() string {
	kind := "backend"
	if e.LLM {
		kind = "llm"
	}
	if e.Turn > 0 {
		return fmt.Sprintf("pipeline: %s error on turn %d: %s", kind, e.Turn, e.Message)
	}
	return fmt.Sprintf("pipeline: %s error: %s", kind, e.Message)
}

// NopSink discards every notification.
type NopSink struct{}

func (NopSink) Status(Status, string) {}
func (NopSink) LiveTranscript(string) {}
func (NopSink) TranscriptReady(turn.Turn) {}
func (NopSink) ResponseText(int, string, bool) {}
func (NopSink) AudioReady(*reassembly.Audio) {}
func (NopSink) Error(error) {}

var _ Sink = NopSink{}
