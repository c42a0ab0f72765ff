package lifecycle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"intoview/internal/capture"
	"intoview/internal/models"
)

func (c *Coordinator) SendInput(ctx context.Context, sessionID, data string) error {
	return c.withTerminal(ctx, sessionID, func(capt *capture.Capture) error {
		return capt.SendInput(ctx, data)
	})
}

func (c *Coordinator) Resize(ctx context.Context, sessionID string, cols, rows int) error {
	return c.withTerminal(ctx, sessionID, func(capt *capture.Capture) error {
		return capt.Resize(ctx, cols, rows)
	})
}

// withTerminal runs fn against the session's terminal. Having no local capture is the
// usual case on a multi-instance deployment, so it reconnects by the persisted sandbox id
// and retries once on a stale handle.
func (c *Coordinator) withTerminal(ctx context.Context, sessionID string, fn func(*capture.Capture) error) error {
	if capt, ok := c.Captures.Get(sessionID); ok {
		err := fn(capt)
		if err == nil {
			return nil
		}
		c.logger.Debug("Local terminal handle stale", zap.String("session_id", sessionID), zap.Error(err))
		c.Captures.Invalidate(capt)
	}

	session, err := c.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != models.SessionActive || session.SandboxID == nil {
		return ErrNoActiveSandbox
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		capt, err := c.Captures.GetOrReconnect(ctx, sessionID, *session.SandboxID)
		if err != nil {
			lastErr = err
			break
		}
		if lastErr = fn(capt); lastErr == nil {
			return nil
		}
		c.Captures.Invalidate(capt)
	}
	c.logger.Warn("Terminal unavailable", zap.String("session_id", sessionID), zap.Error(lastErr))
	return fmt.Errorf("%w: %v", ErrNoActiveSandbox, lastErr)
}
