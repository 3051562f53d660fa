package session

import (
	"fmt"
	"log/slog"
	"time"
)

// handleDrop moves the channel to closed and either schedules the next
// reconnection attempt or, once the attempt budget is spent, to failed.
func (c *Channel) handleDrop(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return
	}

	c.setStateLocked(StateClosed, c.attempts, cause)

	if c.attempts >= c.maxAttempts {
		c.setStateLocked(StateFailed, c.attempts, fmt.Errorf("%w: %w", ErrSessionFailed, cause))
		slog.Error("session reconnection failed after max attempts",
			"client_id", c.clientID,
			"max_attempts", c.maxAttempts,
			"err", cause,
		)
		return
	}

	c.attempts++
	attempt := c.attempts
	c.metrics.ReconnectAttempts.Add(c.ctx, 1)
	slog.Info("session reconnection scheduled",
		"client_id", c.clientID,
		"attempt", attempt,
		"max_attempts", c.maxAttempts,
		"delay", c.retryDelay,
	)
	c.timer = time.AfterFunc(c.retryDelay, func() { c.retry(attempt) })
}

// retry runs on the timer goroutine.
func (c *Channel) retry(attempt int) {
	c.mu.Lock()
	if c.closing || c.attempts != attempt {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	if err := c.connect(c.ctx, attempt); err != nil {
		slog.Warn("session reconnection attempt failed",
			"client_id", c.clientID,
			"attempt", attempt,
			"err", err,
		)
	}
}
