package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/pipeline"
	"github.com/MrWong99/parley/internal/reassembly"
	"github.com/MrWong99/parley/internal/turn"
)

// ErrQuit is returned by [Console.Run] when the user asks to leave.
var ErrQuit = errors.New("app: quit requested")

// Commander is the part of the pipeline the console drives.
// [*pipeline.Controller] satisfies it.
type Commander interface {
	StartTurn(ctx context.Context) error
	StopTurn() error
	SetAutoContinue(v bool)
	Ledger() *turn.Ledger
}

// Console is a line-oriented terminal front end. It renders pipeline
// notifications to out and reads commands from in. It implements
// [pipeline.Sink].
type Console struct {
	in  io.Reader
	out io.Writer

	mu       sync.Mutex // serialises writes to out
	lastLive string
}

var (
	_ pipeline.Sink = (*Console)(nil)
	_ Commander     = (*pipeline.Controller)(nil)
)

// NewConsole returns a console reading commands from in and writing to out.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{in: in, out: out}
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.out, format, args...); err != nil {
		slog.Debug("console: write", "err", err)
	}
}

// Status implements [pipeline.Sink].
func (c *Console) Status(s pipeline.Status, detail string) {
	if detail != "" {
		c.printf("[%s] %s\n", s, detail)
		return
	}
	c.printf("[%s]\n", s)
}

// LiveTranscript implements [pipeline.Sink]. Repeated identical partials are
// printed once.
func (c *Console) LiveTranscript(text string) {
	c.mu.Lock()
	dup := text == c.lastLive
	c.lastLive = text
	c.mu.Unlock()
	if dup || text == "" {
		return
	}
	c.printf("  … %s\n", text)
}

// TranscriptReady implements [pipeline.Sink].
func (c *Console) TranscriptReady(t turn.Turn) {
	c.mu.Lock()
	c.lastLive = ""
	c.mu.Unlock()

	switch {
	case t.State == turn.StateCompleted:
		c.printf("you #%d: %s\n", t.Number, t.Transcript)
	case t.Revisions > 0:
		c.printf("you #%d (revised): %s\n", t.Number, t.Transcript)
	default:
		c.printf("you #%d: %s …\n", t.Number, t.Transcript)
	}
}

// ResponseText implements [pipeline.Sink]. Only finished responses are
// printed; streaming chunks are tracked in the ledger.
func (c *Console) ResponseText(turnNumber int, text string, done bool) {
	if !done {
		return
	}
	c.printf("assistant #%d: %s\n", turnNumber, text)
}

// AudioReady implements [pipeline.Sink].
func (c *Console) AudioReady(a *reassembly.Audio) {
	c.printf("  ♪ turn %d: %s of audio in %d fragments\n", a.Turn, a.Duration().Round(10*time.Millisecond), a.Fragments)
}

// Error implements [pipeline.Sink].
func (c *Console) Error(err error) {
	c.printf("error: %v\n", err)
}

// Run reads commands until ctx is cancelled, input ends, or the user quits.
// It returns [ErrQuit] for quit and end of input.
func (c *Console) Run(ctx context.Context, cmd Commander) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	c.printf("commands: start, stop, turns, auto on|off, help, quit\n")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			if err != nil {
				return fmt.Errorf("app: read console: %w", err)
			}
			return ErrQuit
		case line := <-lines:
			if err := c.handle(ctx, cmd, line); err != nil {
				return err
			}
		}
	}
}

// handle executes one command line. Only quit ends the loop; command
// failures are reported to the user.
func (c *Console) handle(ctx context.Context, cmd Commander, line string) error {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "start", "s":
		// Failures already reached the sink.
		if err := cmd.StartTurn(ctx); err != nil {
			slog.Debug("console: start", "err", err)
		}
	case "stop", "x":
		if err := cmd.StopTurn(); err != nil {
			c.Error(err)
		}
	case "turns", "t":
		c.printTurns(cmd.Ledger())
	case "auto":
		if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
			c.printf("usage: auto on|off\n")
			return nil
		}
		cmd.SetAutoContinue(fields[1] == "on")
		c.printf("auto-continue %s\n", fields[1])
	case "help", "?":
		c.printf("start  begin speaking a turn\n")
		c.printf("stop   stop sending audio\n")
		c.printf("turns  show the conversation so far\n")
		c.printf("auto   toggle automatic next turn after a response\n")
		c.printf("quit   end the session\n")
	case "quit", "exit", "q":
		return ErrQuit
	default:
		c.printf("unknown command %q, try help\n", fields[0])
	}
	return nil
}

func (c *Console) printTurns(l *turn.Ledger) {
	turns := l.Turns()
	if len(turns) == 0 {
		c.printf("no turns yet\n")
		return
	}
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "#%d [%s] %s\n", t.Number, t.State, t.Transcript)
		if t.Response != "" {
			fmt.Fprintf(&b, "    → %s\n", t.Response)
		}
		if t.Failed() {
			fmt.Fprintf(&b, "    ! %s\n", t.Err)
		}
	}
	c.printf("%s", b.String())
}
