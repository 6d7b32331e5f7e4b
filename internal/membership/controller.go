// Package membership keeps the notification channel subscribed to the
// broadcast group of the current processing session.
package membership

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kmcai/portfolio-status/internal/domain"
	"github.com/kmcai/portfolio-status/internal/protocol"
)

// Invoker is the part of the notification channel the controller needs.
type Invoker interface {
	Invoke(ctx context.Context, method string, args ...any) error
	State() domain.ConnectionState
}

// Controller tracks which session group the channel should be in and which
// one the hub currently has it in.
type Controller struct {
	ch      Invoker
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	current string
	joined  string
	wg      sync.WaitGroup
}

// New creates a controller. timeout bounds the background rejoin after a
// reconnect.
func New(ch Invoker, logger *slog.Logger, timeout time.Duration) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Controller{
		ch:      ch,
		logger:  logger.With("component", "membership"),
		timeout: timeout,
	}
}

// Current returns the session id the controller wants to be joined to.
func (c *Controller) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Joined returns the session id the hub last confirmed a join for.
func (c *Controller) Joined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// JoinSession makes id the current session and joins its group. When the
// channel is not connected the join is skipped; the id is still recorded so
// a later reconnect joins it. A previously joined group for another id is
// left first.
func (c *Controller) JoinSession(ctx context.Context, id string) error {
	c.mu.Lock()
	c.current = id
	c.mu.Unlock()

	return c.join(ctx, id)
}

func (c *Controller) join(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}

	c.mu.Lock()
	stale := c.joined
	c.mu.Unlock()

	if state := c.ch.State(); state != domain.StateConnected {
		c.logger.Warn("Skipping group join, channel not connected",
			"session_id", id,
			"state", state.String())
		return nil
	}

	if stale != "" && stale != id {
		if err := c.leave(ctx, stale); err != nil {
			c.logger.Warn("Failed to leave stale group", "session_id", stale, "error", err)
		}
	}

	if err := c.ch.Invoke(ctx, protocol.MethodJoinGroup, id); err != nil {
		gerr := &domain.GroupOperationError{Op: "join", SessionID: id, Err: err}
		c.logger.Warn("Group join failed", "session_id", id, "error", err)
		return gerr
	}

	c.mu.Lock()
	c.joined = id
	c.mu.Unlock()
	c.logger.Info("Joined session group", "session_id", id)
	return nil
}

// LeaveSession leaves the group for id. Failures are reported but never
// block the caller's teardown.
func (c *Controller) LeaveSession(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}

	c.mu.Lock()
	if c.current == id {
		c.current = ""
	}
	c.mu.Unlock()

	if c.ch.State() != domain.StateConnected {
		c.forget(id)
		c.logger.Debug("Skipping group leave, channel not connected", "session_id", id)
		return nil
	}

	err := c.leave(ctx, id)
	if err != nil {
		c.logger.Warn("Group leave failed", "session_id", id, "error", err)
	}
	return err
}

// Rotate switches to a new session id, leaving the old group.
func (c *Controller) Rotate(ctx context.Context, id string) error {
	if id == c.Current() && id == c.Joined() {
		return nil
	}
	c.logger.Info("Rotating session group", "from", c.Current(), "to", id)
	return c.JoinSession(ctx, id)
}

// HandleStatus reacts to channel transitions. A fresh connection has no
// group memberships, so after a reconnect the id current at that moment is
// joined again.
func (c *Controller) HandleStatus(change domain.StatusChange) {
	switch change.Event {
	case domain.ConnEventReconnecting, domain.ConnEventDisconnected, domain.ConnEventFailed:
		c.mu.Lock()
		c.joined = ""
		c.mu.Unlock()
	case domain.ConnEventReconnected:
		c.mu.Lock()
		c.joined = ""
		c.mu.Unlock()

		// Status handlers run on the channel's read goroutine, which must
		// stay free to deliver the completion this join waits for.
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
			defer cancel()

			id := c.Current()
			if id == "" {
				return
			}
			if err := c.join(ctx, id); err != nil {
				c.logger.Warn("Rejoin after reconnect failed", "session_id", id, "error", err)
				return
			}
			c.logger.Info("Rejoined session group after reconnect", "session_id", id)
		}()
	}
}

// Wait blocks until background rejoins have finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) leave(ctx context.Context, id string) error {
	if err := c.ch.Invoke(ctx, protocol.MethodLeaveGroup, id); err != nil {
		return &domain.GroupOperationError{Op: "leave", SessionID: id, Err: err}
	}
	c.forget(id)
	c.logger.Info("Left session group", "session_id", id)
	return nil
}

func (c *Controller) forget(id string) {
	c.mu.Lock()
	if c.joined == id {
		c.joined = ""
	}
	c.mu.Unlock()
}
