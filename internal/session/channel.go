// Package session manages the persistent WebSocket connection to the
// conversation backend.
//
// A [Channel] owns exactly one live connection at a time. Outbound capture
// frames are written as binary messages; inbound text messages are decoded
// with [protocol.Decode] and delivered in arrival order on [Channel.Events].
// When the connection drops, the channel schedules a reconnection after a
// fixed delay and gives up after a bounded number of consecutive failures.
//
// Lifecycle:
//
//	idle → connecting → open → closed → connecting → … → failed
//
// [Channel.Close] is terminal: it cancels any pending reconnection and no
// further attempts are made.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/protocol"
)

// Default channel parameters.
const (
	DefaultRetryDelay   = 3 * time.Second
	DefaultMaxAttempts  = 5
	DefaultDialTimeout  = 10 * time.Second
	DefaultWriteTimeout = 5 * time.Second

	// defaultReadLimit bounds a single inbound message. Audio chunks arrive
	// base64-encoded inside JSON, well above the library's 32 KiB default.
	defaultReadLimit = 16 << 20
)

// State is the connection state of a [Channel].
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
	StateFailed     State = "failed"
)

var (
	// ErrNotOpen is returned by [Channel.Send] when no connection is open.
	ErrNotOpen = errors.New("session: channel not open")

	// ErrClosed is returned after [Channel.Close] has been called.
	ErrClosed = errors.New("session: channel closed")

	// ErrSessionFailed is the cause reported once reconnection attempts are
	// exhausted and the channel is in [StateFailed].
	ErrSessionFailed = errors.New("session: reconnection attempts exhausted")
)

// StateChange describes one transition of the channel state.
type StateChange struct {
	From State
	To   State

	// Attempt is the reconnection attempt number for transitions into
	// connecting that are part of a retry; zero for the initial connect.
	Attempt int

	// Err is the cause of transitions into closed or failed, if any.
	Err error
}

// Config configures a [Channel].
type Config struct {
	// URL is the backend WebSocket endpoint. Required.
	URL string

	// Header is sent with every handshake, e.g. an Authorization header.
	Header http.Header

	// ClientID identifies this client instance. A random UUID is used when
	// empty.
	ClientID string

	// VoiceID selects the backend voice. Omitted from the URL when empty.
	VoiceID string

	// RetryDelay is the fixed wait before each reconnection attempt.
	// Defaults to 3s.
	RetryDelay time.Duration

	// MaxAttempts is the number of consecutive reconnection attempts after
	// which the channel enters [StateFailed]. Defaults to 5.
	MaxAttempts int

	// DialTimeout bounds one handshake. Defaults to 10s.
	DialTimeout time.Duration

	// WriteTimeout bounds one outbound frame write. Defaults to 5s.
	WriteTimeout time.Duration

	// Metrics receives channel metrics. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Channel is a self-healing connection to the backend. All methods are safe
// for concurrent use.
type Channel struct {
	url          string
	header       http.Header
	clientID     string
	retryDelay   time.Duration
	maxAttempts  int
	dialTimeout  time.Duration
	writeTimeout time.Duration
	metrics      *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	events *queue[protocol.Event]
	states *queue[StateChange]

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	gen      uint64 // incremented per connection; stale read loops compare it
	attempts int    // consecutive reconnection attempts since the last open
	timer    *time.Timer
	closing  bool
}

// New validates cfg and returns an idle [Channel].
func New(cfg Config) (*Channel, error) {
	if cfg.URL == "" {
		return nil, errors.New("session: URL is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("session: parse URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("session: unsupported URL scheme %q", u.Scheme)
	}

	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	q := u.Query()
	q.Set("client_id", cfg.ClientID)
	if cfg.VoiceID != "" {
		q.Set("voice_id", cfg.VoiceID)
	}
	u.RawQuery = q.Encode()

	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		url:          u.String(),
		header:       cfg.Header,
		clientID:     cfg.ClientID,
		retryDelay:   cfg.RetryDelay,
		maxAttempts:  cfg.MaxAttempts,
		dialTimeout:  cfg.DialTimeout,
		writeTimeout: cfg.WriteTimeout,
		metrics:      cfg.Metrics,
		ctx:          ctx,
		cancel:       cancel,
		events:       newQueue[protocol.Event](),
		states:       newQueue[StateChange](),
		state:        StateIdle,
	}
	c.metrics.RecordStateChange(ctx, "", string(StateIdle))
	return c, nil
}

// ClientID returns the client identifier sent with every handshake.
func (c *Channel) ClientID() string { return c.clientID }

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events returns decoded inbound events in arrival order. The channel is
// closed after [Channel.Close].
func (c *Channel) Events() <-chan protocol.Event { return c.events.out }

// StateChanges returns every state transition in order. The channel is
// closed after [Channel.Close].
func (c *Channel) StateChanges() <-chan StateChange { return c.states.out }

// Open performs the initial connection. It may only be called once, from
// [StateIdle]. When the handshake fails the error is returned and the
// channel keeps retrying in the background exactly as after a drop.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateIdle {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("session: open called in state %s", st)
	}
	c.mu.Unlock()

	return c.connect(ctx, 0)
}

// Send writes one binary frame. Frames offered while the channel is not open
// are dropped and [ErrNotOpen] is returned; they are never queued.
func (c *Channel) Send(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen && conn != nil
	c.mu.Unlock()

	if !open {
		c.metrics.FramesDropped.Add(ctx, 1)
		return ErrNotOpen
	}

	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageBinary, frame); err != nil {
		c.metrics.FramesDropped.Add(ctx, 1)
		// The read loop observes the broken connection and handles the drop.
		conn.CloseNow()
		return fmt.Errorf("session: write frame: %w", err)
	}
	c.metrics.FramesSent.Add(ctx, 1)
	return nil
}

// Close closes the connection, cancels any pending reconnection and stops
// event delivery. Safe to call multiple times.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	c.gen++
	if c.state != StateClosed {
		c.setStateLocked(StateClosed, 0, nil)
	}
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client closing"); err != nil {
			slog.Debug("session: close handshake", "err", err)
		}
	}
	c.cancel()
	c.events.close()
	c.states.close()

	slog.Info("session channel closed", "client_id", c.clientID)
	return nil
}

// connect dials once. On success the channel is open and a read loop is
// running; on failure the drop is handled, which may schedule a retry.
func (c *Channel) connect(ctx context.Context, attempt int) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrClosed
	}
	c.setStateLocked(StateConnecting, attempt, nil)
	c.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	conn, _, err := websocket.Dial(dctx, c.url, &websocket.DialOptions{
		HTTPHeader: c.header,
	})

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		if conn != nil {
			conn.CloseNow()
		}
		return ErrClosed
	}
	if err != nil {
		c.mu.Unlock()
		err = fmt.Errorf("session: dial: %w", err)
		c.handleDrop(err)
		return err
	}

	conn.SetReadLimit(defaultReadLimit)
	c.conn = conn
	c.gen++
	gen := c.gen
	c.attempts = 0
	c.setStateLocked(StateOpen, attempt, nil)
	c.mu.Unlock()

	slog.Info("session channel open", "client_id", c.clientID, "attempt", attempt)
	go c.readLoop(conn, gen)
	return nil
}

// readLoop decodes inbound messages until the connection fails.
func (c *Channel) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		typ, data, err := conn.Read(c.ctx)
		if err != nil {
			c.mu.Lock()
			stale := gen != c.gen || c.closing
			if !stale {
				c.conn = nil
			}
			c.mu.Unlock()
			if stale {
				return
			}
			conn.CloseNow()
			slog.Warn("session connection lost", "client_id", c.clientID, "err", err)
			c.handleDrop(err)
			return
		}

		if typ != websocket.MessageText {
			slog.Debug("session: ignoring binary message", "bytes", len(data))
			continue
		}
		ev, err := protocol.Decode(data)
		if err != nil {
			slog.Debug("session: skipping malformed message", "err", err)
			continue
		}
		c.events.push(ev)
	}
}

// setStateLocked records a transition. c.mu must be held.
func (c *Channel) setStateLocked(to State, attempt int, cause error) {
	from := c.state
	c.state = to
	c.metrics.RecordStateChange(c.ctx, string(from), string(to))
	c.states.push(StateChange{From: from, To: to, Attempt: attempt, Err: cause})
}
