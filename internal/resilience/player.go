package resilience

import (
	"context"
	"errors"
	"fmt"
)

// Player plays one WAV container, blocking until playback ends.
type Player interface {
	Play(ctx context.Context, wav []byte) error
	Close() error
}

// GuardedPlayer forwards to a [Player] through a [Breaker]. Cancelled
// playback does not count as a device failure.
type GuardedPlayer struct {
	p  Player
	cb *Breaker
}

var _ Player = (*GuardedPlayer)(nil)

// Guard wraps p. cfg.Ignore is extended to skip context errors.
func Guard(p Player, cfg BreakerConfig) *GuardedPlayer {
	ignore := cfg.Ignore
	cfg.Ignore = func(err error) bool {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		return ignore != nil && ignore(err)
	}
	return &GuardedPlayer{p: p, cb: NewBreaker(cfg)}
}

// Play implements [Player].
func (g *GuardedPlayer) Play(ctx context.Context, wav []byte) error {
	err := g.cb.Do(func() error { return g.p.Play(ctx, wav) })
	if errors.Is(err, ErrOpen) {
		return fmt.Errorf("playback paused after repeated device failures: %w", err)
	}
	return err
}

// Close implements [Player].
func (g *GuardedPlayer) Close() error { return g.p.Close() }

// State reports the breaker state.
func (g *GuardedPlayer) State() State { return g.cb.State() }
