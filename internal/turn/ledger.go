// Package turn keeps the per-session record of conversation turns.
//
// A [Ledger] maps backend-assigned turn numbers to [Turn] entries. Transcript
// events for a number already present replace the stored text in place, so a
// punctuation-corrected re-delivery never produces a duplicate. Partial
// transcripts only update a transient live view and never create entries.
package turn

import (
	"slices"
	"sync"
	"time"
)

// State is the lifecycle state of a [Turn].
type State string

const (
	StatePartial   State = "partial"
	StateFinal     State = "final"
	StateCompleted State = "completed"
)

// Kind classifies a transcript event for [Ledger.Apply].
type Kind string

const (
	KindPartial Kind = "partial"
	KindFinal   Kind = "final"
	KindUpdate  Kind = "update"
)

// Event is a transcript event accepted by [Ledger.Apply].
type Event struct {
	Kind   Kind
	Number int
	Text   string
}

// Turn is one user utterance and the backend's response to it.
type Turn struct {
	Number     int
	Transcript string
	State      State

	// Response is the language model's reply text, possibly still streaming.
	Response string

	// Duration is the utterance length reported on completion.
	Duration time.Duration

	// Err is the backend-reported error for this turn, if any.
	Err string

	// Revisions counts how many times Transcript was replaced.
	Revisions int
}

// Failed reports whether the backend reported an error for the turn.
func (t Turn) Failed() bool { return t.Err != "" }

// Ledger stores turns by number. It is safe for concurrent use.
type Ledger struct {
	mu        sync.RWMutex
	turns     map[int]*Turn
	order     []int // ascending turn numbers
	live      string
	sessionID string
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{turns: make(map[int]*Turn)}
}

// Apply records a transcript event and returns the resulting entry. For
// partial events it returns ok == false since no entry is touched.
func (l *Ledger) Apply(ev Event) (Turn, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.Kind == KindPartial {
		l.live = ev.Text
		return Turn{}, false
	}

	t, exists := l.turns[ev.Number]
	if !exists {
		t = l.insertLocked(ev.Number)
	} else if t.Transcript != "" && t.Transcript != ev.Text {
		t.Revisions++
	}
	if t.State != StateCompleted {
		t.State = StateFinal
	}
	t.Transcript = ev.Text
	l.live = ""
	return *t, true
}

// Complete marks a turn completed, creating it if the number was never seen.
// An empty transcript keeps the stored text.
func (l *Ledger) Complete(number int, transcript string, duration time.Duration) Turn {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, exists := l.turns[number]
	if !exists {
		t = l.insertLocked(number)
	}
	if transcript != "" {
		if exists && t.Transcript != "" && t.Transcript != transcript {
			t.Revisions++
		}
		t.Transcript = transcript
	}
	t.State = StateCompleted
	if duration > 0 {
		t.Duration = duration
	}
	l.live = ""
	return *t
}

// SetResponse stores the response text for a turn. Unknown numbers create a
// placeholder entry in state partial so that the reply is not lost.
func (l *Ledger) SetResponse(number int, text string) Turn {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.turns[number]
	if !ok {
		t = l.insertLocked(number)
		t.State = StatePartial
	}
	t.Response = text
	return *t
}

// SetError records a backend error against a turn.
func (l *Ledger) SetError(number int, msg string) Turn {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.turns[number]
	if !ok {
		t = l.insertLocked(number)
		t.State = StatePartial
	}
	t.Err = msg
	return *t
}

// insertLocked creates an entry and keeps order sorted. l.mu must be held.
func (l *Ledger) insertLocked(number int) *Turn {
	t := &Turn{Number: number}
	l.turns[number] = t
	i, _ := slices.BinarySearch(l.order, number)
	l.order = slices.Insert(l.order, i, number)
	return t
}

// Get returns the turn with the given number.
func (l *Ledger) Get(number int) (Turn, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.turns[number]
	if !ok {
		return Turn{}, false
	}
	return *t, true
}

// Turns returns a copy of all entries in ascending turn order.
func (l *Ledger) Turns() []Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Turn, 0, len(l.order))
	for _, n := range l.order {
		out = append(out, *l.turns[n])
	}
	return out
}

// Latest returns the highest-numbered turn.
func (l *Ledger) Latest() (Turn, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.order) == 0 {
		return Turn{}, false
	}
	return *l.turns[l.order[len(l.order)-1]], true
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// Live returns the transient transcript of the utterance in progress.
func (l *Ledger) Live() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.live
}

// Evict drops the oldest entries so that at most keep remain, returning the
// number removed. A keep of zero or less evicts nothing.
func (l *Ledger) Evict(keep int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if keep <= 0 || len(l.order) <= keep {
		return 0
	}
	n := len(l.order) - keep
	for _, num := range l.order[:n] {
		delete(l.turns, num)
	}
	l.order = slices.Clone(l.order[n:])
	return n
}

// SetSessionID records the backend session identifier.
func (l *Ledger) SetSessionID(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessionID = id
}

// SessionID returns the backend session identifier, if announced.
func (l *Ledger) SessionID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sessionID
}
