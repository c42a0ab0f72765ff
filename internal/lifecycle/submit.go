package lifecycle

import (
	"context"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"intoview/internal/models"
	"intoview/internal/sandbox"
)

const (
	testsDir         = ".atrium_tests"
	testsListTimeout = 5 * time.Second
)

// Submit is the candidate's completion path: run the hidden tests when present, record
// the submission, then end the session inline. With RequireTestsPass a failing run keeps
// the session active.
func (c *Coordinator) Submit(ctx context.Context, sessionID string) (*models.SubmitResponse, error) {
	session, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	resp := &models.SubmitResponse{SessionID: sessionID}

	if session.Status == models.SessionCompleted {
		if existing, err := c.Insights.LatestSummary(ctx, sessionID); err == nil {
			if content, err := existing.Payload(); err == nil {
				if s, ok := content.(models.Summary); ok {
					resp.Summary = &s
				}
			}
		}
		return resp, nil
	}
	if session.Status != models.SessionActive || session.SandboxID == nil {
		return nil, ErrNoActiveSandbox
	}

	if capt, err := c.Captures.GetOrReconnect(ctx, sessionID, *session.SandboxID); err != nil {
		c.logger.Warn("Submitting without sandbox, tests skipped", zap.String("session_id", sessionID), zap.Error(err))
	} else {
		c.runTests(ctx, capt.Handle, session.Challenge, resp)
	}

	raw := resp.TestOutput
	if raw == "" {
		raw = "Submitted"
	}
	previous, err := c.Events.CountByType(ctx, sessionID, models.EventSubmission)
	if err != nil {
		c.logger.Warn("Failed to count submissions", zap.String("session_id", sessionID), zap.Error(err))
	}
	resp.Attempt = int(previous) + 1
	metadata := map[string]any{"tests_ran": resp.TestsRan, "attempt": resp.Attempt}
	if resp.TestsPassed != nil {
		metadata["tests_passed"] = *resp.TestsPassed
	}
	c.appendEvent(ctx, models.NewEvent(sessionID, models.EventSubmission, raw, metadata))

	if c.options.RequireTestsPass && resp.TestsPassed != nil && !*resp.TestsPassed {
		c.logger.Info("Submission rejected, tests failing", zap.String("session_id", sessionID))
		return resp, nil
	}

	end, err := c.End(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	resp.Ended = end.Ended
	resp.Summary = &end.Summary
	return resp, nil
}

func (c *Coordinator) runTests(ctx context.Context, h *sandbox.Handle, ch *models.Challenge, resp *models.SubmitResponse) {
	cmd := testCommand(ch)
	if cmd == "" {
		return
	}
	listing, err := c.Sandbox.RunCommand(ctx, h, "ls -A "+testsDir+" 2>/dev/null | head -1", testsListTimeout)
	if err != nil || strings.TrimSpace(listing.Stdout) == "" {
		return
	}

	resp.TestsRan = true
	passed := false
	result, err := c.Sandbox.RunCommand(ctx, h, cmd, c.options.TestTimeout)
	switch {
	case err != nil:
		c.logger.Warn("Test run failed", zap.String("sandbox_id", h.ID), zap.Error(err))
		resp.TestOutput = "Test execution failed: " + err.Error()
	case result.TimedOut:
		resp.TestOutput = "Test execution timed out"
	default:
		parts := make([]string, 0, 2)
		for _, s := range []string{result.Stdout, result.Stderr} {
			if s = strings.TrimSpace(s); s != "" {
				parts = append(parts, s)
			}
		}
		resp.TestOutput = strings.Join(parts, "\n")
		passed = result.ExitCode == 0
	}
	resp.TestsPassed = &passed
}

// testCommand picks the runner from the challenge language, falling back to file types.
func testCommand(ch *models.Challenge) string {
	if ch == nil {
		return ""
	}
	pytest := "python -m pytest " + testsDir + "/ -v 2>&1"
	jest := "npx jest --roots " + testsDir + "/ 2>&1"

	switch strings.ToLower(ch.Language) {
	case "python":
		return pytest
	case "javascript", "typescript":
		return jest
	}
	for name := range ch.GeneratedFiles {
		switch path.Ext(name) {
		case ".py":
			return pytest
		case ".ts", ".tsx", ".js", ".jsx":
			return jest
		}
	}
	return ""
}
