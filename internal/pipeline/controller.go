// Package pipeline orchestrates one voice conversation: it bridges captured
// microphone frames to the session channel while a turn is recording, routes
// inbound backend events to the turn ledger and the audio reassembler, and
// reports a normalised status stream to a [Sink].
//
// All inbound events are handled on the goroutine running [Controller.Run],
// in arrival order. [Controller.StartTurn], [Controller.StopTurn] and
// [Controller.Teardown] may be called from any goroutine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/protocol"
	"github.com/MrWong99/parley/internal/reassembly"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/audio"
)

// Channel is the session transport used by the controller.
// [*session.Channel] satisfies it.
type Channel interface {
	Open(ctx context.Context) error
	Send(ctx context.Context, frame []byte) error
	Events() <-chan protocol.Event
	StateChanges() <-chan session.StateChange
	Close() error
}

// Capture produces microphone frames. [*capture.Source] satisfies it.
type Capture interface {
	Start(ctx context.Context, onFrame func(audio.AudioFrame)) error
	Stop() error
}

// Player plays reassembled audio, blocking until playback ends.
// [*playback.Speaker] satisfies it.
type Player interface {
	Play(ctx context.Context, wav []byte) error
}

// Config wires a [Controller].
type Config struct {
	Channel     Channel
	Capture     Capture
	Ledger      *turn.Ledger
	Reassembler *reassembly.Reassembler

	// Sink receives notifications. Defaults to [NopSink].
	Sink Sink

	// Player plays response audio. When nil, audio is only handed to the
	// Sink and the turn counts as finished immediately.
	Player Player

	// AutoContinue restarts recording after a turn's response has played,
	// unless the turn ended in an error.
	AutoContinue bool

	// HistoryLimit bounds the ledger; zero keeps every turn.
	HistoryLimit int

	// Metrics receives pipeline metrics. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// playbackResult is posted back to the Run loop when a Play call returns.
type playbackResult struct {
	turn int
	err  error
}

// Controller owns the conversation pipeline.
type Controller struct {
	channel     Channel
	capture     Capture
	ledger      *turn.Ledger
	reassembler *reassembly.Reassembler
	sink        Sink
	player      Player
	metrics     *observe.Metrics

	autoContinue atomic.Bool
	historyLimit atomic.Int64

	// turnMu serialises StartTurn and StopTurn; recording gates frame sends.
	turnMu    sync.Mutex
	recording atomic.Bool
	sendCtx   context.Context
	cancel    context.CancelFunc

	statusMu sync.Mutex
	status   Status

	// errored is set when the backend reports an error and cleared when a
	// new turn starts.
	errored atomic.Bool

	// everRecorded is set by the first successful StartTurn. A device
	// failure before that is terminal until the user acts.
	everRecorded atomic.Bool

	// held keeps reassembled audio until its turn is completed.
	heldMu sync.Mutex
	held   map[int]*reassembly.Audio

	playbackDone chan playbackResult
	teardownOnce sync.Once
}

// New validates cfg and returns a controller in status ready.
func New(cfg Config) (*Controller, error) {
	var errs []error
	if cfg.Channel == nil {
		errs = append(errs, errors.New("pipeline: Channel is required"))
	}
	if cfg.Capture == nil {
		errs = append(errs, errors.New("pipeline: Capture is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.Ledger == nil {
		cfg.Ledger = turn.NewLedger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Reassembler == nil {
		cfg.Reassembler = reassembly.New(reassembly.Config{Metrics: cfg.Metrics})
	}
	if cfg.Sink == nil {
		cfg.Sink = NopSink{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		channel:      cfg.Channel,
		capture:      cfg.Capture,
		ledger:       cfg.Ledger,
		reassembler:  cfg.Reassembler,
		sink:         cfg.Sink,
		player:       cfg.Player,
		metrics:      cfg.Metrics,
		sendCtx:      ctx,
		cancel:       cancel,
		status:       StatusReady,
		held:         make(map[int]*reassembly.Audio),
		playbackDone: make(chan playbackResult, 1),
	}
	c.autoContinue.Store(cfg.AutoContinue)
	c.historyLimit.Store(int64(cfg.HistoryLimit))
	return c, nil
}

// Ledger returns the conversation history.
func (c *Controller) Ledger() *turn.Ledger { return c.ledger }

// Status returns the last reported status.
func (c *Controller) Status() Status {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.status
}

// Recording reports whether captured frames are currently being sent.
func (c *Controller) Recording() bool { return c.recording.Load() }

// SetAutoContinue changes the auto-continuation policy at runtime.
func (c *Controller) SetAutoContinue(v bool) { c.autoContinue.Store(v) }

// SetHistoryLimit changes the ledger bound at runtime and applies it.
func (c *Controller) SetHistoryLimit(n int) {
	c.historyLimit.Store(int64(n))
	c.enforceHistoryLimit()
}

// Start opens the session channel. A failed first handshake is returned but
// is not fatal: the channel keeps retrying and [Controller.Run] reports the
// outcome through the Sink.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.channel.Open(ctx); err != nil {
		c.setStatus(StatusError, "connecting to backend failed, retrying")
		return fmt.Errorf("pipeline: open session: %w", err)
	}
	return nil
}

// Run handles inbound events, channel state changes and playback results
// until ctx is cancelled or the channel's event stream ends.
func (c *Controller) Run(ctx context.Context) error {
	events := c.channel.Events()
	states := c.channel.StateChanges()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.HandleInboundEvent(ctx, ev)

		case sc, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			c.handleStateChange(ctx, sc)

		case res := <-c.playbackDone:
			c.finishTurn(ctx, res.turn, res.err)
		}
	}
}

// StartTurn begins sending captured frames. It is a no-op while already
// recording. A device failure is returned wrapped and leaves the pipeline
// ready for another attempt.
func (c *Controller) StartTurn(ctx context.Context) error {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	if c.recording.Load() {
		return nil
	}

	c.recording.Store(true)
	if err := c.capture.Start(ctx, c.onFrame); err != nil {
		c.recording.Store(false)
		c.sink.Error(err)
		if c.everRecorded.Load() {
			c.setStatus(StatusReady, "")
		} else {
			c.setStatus(StatusError, "microphone unavailable")
		}
		return fmt.Errorf("pipeline: start turn: %w", err)
	}
	c.everRecorded.Store(true)
	c.errored.Store(false)
	c.setStatus(StatusListening, "")
	slog.Debug("pipeline: turn recording started")
	return nil
}

// StopTurn stops sending frames and releases the capture device. No frame is
// sent after StopTurn returns.
func (c *Controller) StopTurn() error {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	if !c.recording.Swap(false) {
		return nil
	}
	// Stop waits for an in-flight frame callback, so none runs afterwards.
	if err := c.capture.Stop(); err != nil {
		return fmt.Errorf("pipeline: stop turn: %w", err)
	}
	slog.Debug("pipeline: turn recording stopped")
	return nil
}

// Teardown stops recording, closes the channel and cancels any pending
// reconnection. Safe to call multiple times.
func (c *Controller) Teardown() error {
	var err error
	c.teardownOnce.Do(func() {
		err = errors.Join(c.StopTurn(), c.channel.Close())
		c.cancel()
		c.reassembler.Reset()
		c.dropHeldAudio()
		c.setStatus(StatusReady, "session ended")
	})
	return err
}

// onFrame runs on the capture callback goroutine.
func (c *Controller) onFrame(f audio.AudioFrame) {
	if !c.recording.Load() {
		return
	}
	if err := c.channel.Send(c.sendCtx, f.Data); err != nil {
		if errors.Is(err, session.ErrNotOpen) {
			slog.Debug("pipeline: dropping frame, channel not open")
			return
		}
		slog.Warn("pipeline: send frame", "err", err)
	}
}

// HandleInboundEvent applies one inbound event. It must only be called from
// the goroutine running [Controller.Run], or in tests.
func (c *Controller) HandleInboundEvent(ctx context.Context, ev protocol.Event) {
	ctx, span := observe.StartEventSpan(ctx, string(ev.Type), ev.TurnNumber)
	defer span.End()
	log := observe.Logger(ctx)

	switch ev.Type {
	case protocol.TypeConnectionEstablished:
		log.Info("backend session ready")
		c.setStatus(StatusReady, "")

	case protocol.TypeSessionBegin:
		c.ledger.SetSessionID(ev.SessionID)
		log.Info("backend session begin", "session_id", ev.SessionID)

	case protocol.TypePartialTranscript:
		c.ledger.Apply(turn.Event{Kind: turn.KindPartial, Number: ev.TurnNumber, Text: ev.Text})
		c.sink.LiveTranscript(ev.Text)
		c.setStatus(StatusListening, "")

	case protocol.TypeFinalTranscript, protocol.TypeTurnUpdated:
		kind := turn.KindFinal
		if ev.Type == protocol.TypeTurnUpdated {
			kind = turn.KindUpdate
		}
		t, _ := c.ledger.Apply(turn.Event{Kind: kind, Number: ev.TurnNumber, Text: ev.Text})
		c.sink.TranscriptReady(t)

	case protocol.TypeTurnCompleted:
		t := c.ledger.Complete(ev.TurnNumber, ev.Text, ev.AudioDuration)
		if err := c.StopTurn(); err != nil {
			log.Warn("pipeline: stop capture on turn end", "err", err)
		}
		c.metrics.TurnsCompleted.Add(ctx, 1)
		c.sink.TranscriptReady(t)
		c.setStatus(StatusThinking, "")
		c.releaseAudio(ctx, ev.TurnNumber)
		c.enforceHistoryLimit()

	case protocol.TypeLLMStreamingStart:
		c.setStatus(StatusThinking, "")

	case protocol.TypeLLMChunk:
		text := ev.Accumulated
		if text == "" {
			prev, _ := c.ledger.Get(ev.TurnNumber)
			text = prev.Response + ev.Chunk
		}
		c.ledger.SetResponse(ev.TurnNumber, text)
		c.sink.ResponseText(ev.TurnNumber, text, false)

	case protocol.TypeLLMStreamingComplete:
		text := ev.FullResponse
		if text == "" {
			prev, _ := c.ledger.Get(ev.TurnNumber)
			text = prev.Response
		}
		c.ledger.SetResponse(ev.TurnNumber, text)
		c.sink.ResponseText(ev.TurnNumber, text, true)

	case protocol.TypeAudioChunk:
		if c.reassembler.Finished(ev.TurnNumber) {
			log.Debug("pipeline: ignoring audio for finished turn", "bytes", len(ev.Audio))
			break
		}
		c.setStatus(StatusSpeaking, "")
		a, err := c.reassembler.AddFragment(ev.TurnNumber, ev.Audio, ev.Final)
		c.handleReassembly(ctx, ev.TurnNumber, a, err)

	case protocol.TypeAudioStreamingDone:
		a, err := c.reassembler.Complete(ev.TurnNumber, ev.TotalChunks)
		c.handleReassembly(ctx, ev.TurnNumber, a, err)

	case protocol.TypeError:
		err := &BackendError{Message: ev.Message}
		if latest, ok := c.ledger.Latest(); ok && latest.State != turn.StateCompleted {
			c.ledger.SetError(latest.Number, ev.Message)
			err.Turn = latest.Number
		}
		c.errored.Store(true)
		log.Error("backend error", "err", err)
		c.sink.Error(err)
		c.setStatus(StatusError, ev.Message)

	case protocol.TypeLLMError:
		c.ledger.SetError(ev.TurnNumber, ev.Message)
		c.errored.Store(true)
		err := &BackendError{Turn: ev.TurnNumber, LLM: true, Message: ev.Message}
		log.Error("backend llm error", "err", err)
		c.sink.Error(err)
		c.setStatus(StatusError, ev.Message)

	case protocol.TypeSessionTerminated:
		log.Info("backend session terminated", "total_audio", ev.AudioDuration)
		if err := c.StopTurn(); err != nil {
			log.Warn("pipeline: stop capture on session end", "err", err)
		}
		c.setStatus(StatusReady, "session terminated")

	default:
		log.Debug("pipeline: unhandled event", "type", ev.Type)
	}
}

// handleReassembly reacts to the outcome of feeding the reassembler.
// Finished audio waits for its turn to complete before it is played.
func (c *Controller) handleReassembly(ctx context.Context, turnNumber int, a *reassembly.Audio, err error) {
	log := observe.Logger(observe.WithTurn(ctx, turnNumber))
	if err != nil {
		log.Warn("pipeline: response audio unusable", "err", err)
		c.ledger.SetError(turnNumber, err.Error())
		c.sink.Error(err)
		c.setStatus(StatusReady, "")
		return
	}
	if a == nil {
		return
	}

	c.heldMu.Lock()
	for n := range c.held {
		if n < a.Turn {
			log.Warn("pipeline: discarding audio of a turn that never completed", "stale_turn", n)
			delete(c.held, n)
		}
	}
	c.held[a.Turn] = a
	c.heldMu.Unlock()

	c.releaseAudio(ctx, a.Turn)
}

// releaseAudio plays the held audio of turnNumber once the ledger shows the
// turn completed. It does nothing while either half is missing.
func (c *Controller) releaseAudio(ctx context.Context, turnNumber int) {
	c.heldMu.Lock()
	a, ok := c.held[turnNumber]
	if !ok {
		c.heldMu.Unlock()
		return
	}
	if t, _ := c.ledger.Get(turnNumber); t.State != turn.StateCompleted {
		c.heldMu.Unlock()
		observe.Logger(observe.WithTurn(ctx, turnNumber)).Debug("pipeline: holding response audio until turn completes")
		return
	}
	delete(c.held, turnNumber)
	c.heldMu.Unlock()

	c.playAudio(ctx, a)
}

func (c *Controller) playAudio(ctx context.Context, a *reassembly.Audio) {
	observe.Logger(observe.WithTurn(ctx, a.Turn)).Info("response audio ready",
		"fragments", a.Fragments, "duration", a.Duration())
	c.setStatus(StatusSpeaking, "")
	c.sink.AudioReady(a)

	if c.player == nil {
		c.finishTurn(ctx, a.Turn, nil)
		return
	}
	go func() {
		err := c.player.Play(c.sendCtx, a.WAV)
		select {
		case c.playbackDone <- playbackResult{turn: a.Turn, err: err}:
		case <-c.sendCtx.Done():
		}
	}()
}

func (c *Controller) dropHeldAudio() {
	c.heldMu.Lock()
	defer c.heldMu.Unlock()
	clear(c.held)
}

// finishTurn runs once a turn's response audio has been played, or handed
// over when no player is configured.
func (c *Controller) finishTurn(ctx context.Context, turnNumber int, playErr error) {
	log := observe.Logger(observe.WithTurn(ctx, turnNumber))
	if playErr != nil && !errors.Is(playErr, context.Canceled) {
		log.Warn("pipeline: playback failed", "err", playErr)
		c.sink.Error(fmt.Errorf("pipeline: play turn %d: %w", turnNumber, playErr))
	}

	t, _ := c.ledger.Get(turnNumber)
	failed := playErr != nil || t.Failed() || c.errored.Load()
	if !c.autoContinue.Load() || failed {
		if failed {
			log.Info("pipeline: not continuing after failed turn")
		}
		c.setStatus(StatusReady, "")
		return
	}
	if err := c.StartTurn(ctx); err != nil {
		log.Warn("pipeline: auto-continue", "err", err)
	}
}

// handleStateChange reacts to session channel transitions.
func (c *Controller) handleStateChange(ctx context.Context, sc session.StateChange) {
	log := observe.Logger(ctx)
	switch sc.To {
	case session.StateConnecting:
		if sc.Attempt > 0 {
			c.setStatus(c.Status(), fmt.Sprintf("reconnecting (attempt %d)", sc.Attempt))
		}
	case session.StateOpen:
		log.Info("pipeline: session open", "attempt", sc.Attempt)
	case session.StateClosed:
		log.Warn("pipeline: session closed", "err", sc.Err)
	case session.StateFailed:
		if err := c.StopTurn(); err != nil {
			log.Warn("pipeline: stop capture after session failure", "err", err)
		}
		c.reassembler.Reset()
		c.dropHeldAudio()
		err := sc.Err
		if err == nil {
			err = session.ErrSessionFailed
		}
		c.sink.Error(err)
		c.setStatus(StatusError, "connection lost")
	}
}

// setStatus reports s unless it equals the current status and carries no
// detail.
func (c *Controller) setStatus(s Status, detail string) {
	c.statusMu.Lock()
	if c.status == s && detail == "" {
		c.statusMu.Unlock()
		return
	}
	c.status = s
	c.statusMu.Unlock()
	c.sink.Status(s, detail)
}

func (c *Controller) enforceHistoryLimit() {
	limit := int(c.historyLimit.Load())
	if limit <= 0 {
		return
	}
	if n := c.ledger.Evict(limit); n > 0 {
		slog.Debug("pipeline: evicted old turns", "count", n, "limit", limit)
	}
}
