// Package protocol decodes the JSON control events streamed by the
// conversation backend.
//
// Every inbound text message is one JSON object with a "type" discriminator.
// [Decode] validates the fields each type requires and returns a flat
// [Event]; payloads that are not JSON, lack a type, or miss a required field
// yield a [*DecodeError] which callers log and drop.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Type is the "type" discriminator of an inbound event.
type Type string

const (
	TypeConnectionEstablished Type = "connection_established"
	TypeSessionBegin          Type = "session_begin"
	TypeSessionTerminated     Type = "session_terminated"
	TypePartialTranscript     Type = "partial_transcript"
	TypeFinalTranscript       Type = "final_transcript"
	TypeTurnUpdated           Type = "turn_updated"
	TypeTurnCompleted         Type = "turn_completed"
	TypeLLMStreamingStart     Type = "llm_streaming_start"
	TypeLLMChunk              Type = "llm_chunk"
	TypeLLMStreamingComplete  Type = "llm_streaming_complete"
	TypeLLMError              Type = "llm_error"
	TypeAudioChunk            Type = "audio_chunk"
	TypeAudioStreamingDone    Type = "audio_streaming_complete"
	TypeError                 Type = "error"
)

// Event is a decoded inbound message. Only the fields relevant to Type are set.
type Event struct {
	Type Type

	// TurnNumber is set for every turn-scoped event.
	TurnNumber int

	// Text is the transcript text for partial_transcript, final_transcript,
	// turn_updated and turn_completed.
	Text string

	// AudioDuration is the utterance length reported by turn_completed, or
	// the session total reported by session_terminated.
	AudioDuration time.Duration

	// Chunk and Accumulated carry llm_chunk deltas; FullResponse is set by
	// llm_streaming_complete.
	Chunk        string
	Accumulated  string
	FullResponse string

	// Audio is the decoded audio_chunk payload; Final marks the last chunk.
	Audio []byte
	Final bool

	// TotalChunks is reported by audio_streaming_complete.
	TotalChunks int

	// Message is the error text of error and llm_error.
	Message string

	// SessionID is reported by session_begin.
	SessionID string
}

// DecodeError describes a malformed inbound payload.
type DecodeError struct {
	Type   Type
	Reason string
	Param  string
}

func (e *DecodeError) Error() string {
	var b strings.Builder
	b.WriteString("protocol: ")
	if e.Type != "" {
		b.WriteString(string(e.Type))
		b.WriteString(": ")
	}
	b.WriteString(e.Reason)
	if e.Param != "" {
		fmt.Fprintf(&b, " (%s)", e.Param)
	}
	return b.String()
}

// wireEvent mirrors every field any event type may carry.
type wireEvent struct {
	Type               Type     `json:"type"`
	Text               *string  `json:"text"`
	FinalTranscript    *string  `json:"final_transcript"`
	TurnNumber         *int     `json:"turn_number"`
	AudioDuration      *float64 `json:"audio_duration"`
	Chunk              string   `json:"chunk"`
	Accumulated        string   `json:"accumulated"`
	FullResponse       string   `json:"full_response"`
	AudioData          *string  `json:"audio_data"`
	Final              bool     `json:"final"`
	TotalChunks        int      `json:"total_chunks"`
	Message            string   `json:"message"`
	Error              string   `json:"error"`
	SessionID          string   `json:"session_id"`
	TotalAudioDuration *float64 `json:"total_audio_duration"`
}

// Decode parses one inbound text message.
func Decode(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, &DecodeError{Reason: "invalid json"}
	}
	if strings.TrimSpace(string(w.Type)) == "" {
		return Event{}, &DecodeError{Reason: "missing type", Param: "type"}
	}

	ev := Event{Type: w.Type}
	if w.TurnNumber != nil {
		ev.TurnNumber = *w.TurnNumber
	}

	switch w.Type {
	case TypeConnectionEstablished, TypeLLMStreamingStart:
		// No required fields; turn_number is optional on llm_streaming_start.

	case TypeSessionBegin:
		ev.SessionID = w.SessionID

	case TypeSessionTerminated:
		ev.AudioDuration = seconds(w.TotalAudioDuration)

	case TypePartialTranscript:
		if w.Text == nil {
			return Event{}, missing(w.Type, "text")
		}
		ev.Text = *w.Text

	case TypeFinalTranscript, TypeTurnUpdated:
		if w.TurnNumber == nil {
			return Event{}, missing(w.Type, "turn_number")
		}
		switch {
		case w.Text != nil:
			ev.Text = *w.Text
		case w.FinalTranscript != nil:
			ev.Text = *w.FinalTranscript
		default:
			return Event{}, missing(w.Type, "text")
		}

	case TypeTurnCompleted:
		if w.TurnNumber == nil {
			return Event{}, missing(w.Type, "turn_number")
		}
		if w.FinalTranscript != nil {
			ev.Text = *w.FinalTranscript
		} else if w.Text != nil {
			ev.Text = *w.Text
		}
		ev.AudioDuration = seconds(w.AudioDuration)

	case TypeLLMChunk, TypeLLMStreamingComplete:
		if w.TurnNumber == nil {
			return Event{}, missing(w.Type, "turn_number")
		}
		ev.Chunk = w.Chunk
		ev.Accumulated = w.Accumulated
		ev.FullResponse = w.FullResponse

	case TypeLLMError:
		if w.TurnNumber == nil {
			return Event{}, missing(w.Type, "turn_number")
		}
		ev.Message = w.Error
		if ev.Message == "" {
			ev.Message = w.Message
		}

	case TypeAudioChunk:
		if w.TurnNumber == nil {
			return Event{}, missing(w.Type, "turn_number")
		}
		if w.AudioData == nil {
			return Event{}, missing(w.Type, "audio_data")
		}
		if *w.AudioData != "" {
			raw, err := base64.StdEncoding.DecodeString(*w.AudioData)
			if err != nil {
				return Event{}, &DecodeError{Type: w.Type, Reason: "audio_data is not valid base64", Param: "audio_data"}
			}
			ev.Audio = raw
		}
		ev.Final = w.Final

	case TypeAudioStreamingDone:
		if w.TurnNumber == nil {
			return Event{}, missing(w.Type, "turn_number")
		}
		if w.TotalChunks < 0 {
			return Event{}, &DecodeError{Type: w.Type, Reason: "total_chunks must be >= 0", Param: "total_chunks"}
		}
		ev.TotalChunks = w.TotalChunks

	case TypeError:
		ev.Message = w.Message
		if ev.Message == "" {
			ev.Message = w.Error
		}

	default:
		return Event{}, &DecodeError{Type: w.Type, Reason: "unsupported event type", Param: "type"}
	}

	return ev, nil
}

func missing(t Type, param string) *DecodeError {
	return &DecodeError{Type: t, Reason: param + " is required", Param: param}
}

func seconds(v *float64) time.Duration {
	if v == nil || *v <= 0 {
		return 0
	}
	return time.Duration(*v * float64(time.Second))
}
