package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"intoview/internal/models"
	"intoview/internal/sandbox"
)

const appendTimeout = 5 * time.Second

type EventAppender interface {
	Append(ctx context.Context, event *models.Event) error
}

type TerminalPublisher interface {
	PublishTerminal(ctx context.Context, sessionID, data string) error
}

// Capture is the live bridge between one sandbox and the event store.
type Capture struct {
	SessionID string
	Handle    *sandbox.Handle

	watcher  sandbox.Watcher
	terminal sandbox.Terminal
	stopOnce sync.Once
}

func (c *Capture) PID() int {
	return c.terminal.PID()
}

func (c *Capture) SendInput(ctx context.Context, data string) error {
	return c.terminal.SendInput(ctx, data)
}

func (c *Capture) Resize(ctx context.Context, cols, rows int) error {
	return c.terminal.Resize(ctx, cols, rows)
}

func (c *Capture) stop() {
	c.stopOnce.Do(func() {
		if c.watcher != nil {
			c.watcher.Stop()
		}
		if c.terminal != nil {
			_ = c.terminal.Close()
		}
	})
}

// Manager owns the captures running in this process, keyed by session.
type Manager struct {
	provider  sandbox.Provider
	events    EventAppender
	publisher TerminalPublisher
	logger    *zap.Logger
	cols      int
	rows      int

	mu       sync.Mutex
	captures map[string]*Capture
	group    singleflight.Group
}

func NewManager(provider sandbox.Provider, events EventAppender, publisher TerminalPublisher, logger *zap.Logger) *Manager {
	return &Manager{
		provider:  provider,
		events:    events,
		publisher: publisher,
		logger:    logger,
		cols:      models.DefaultTerminalCols,
		rows:      models.DefaultTerminalRows,
		captures:  make(map[string]*Capture),
	}
}

// Start attaches a file watcher and a PTY to the sandbox. An existing capture for the
// session is replaced.
func (m *Manager) Start(ctx context.Context, sessionID string, h *sandbox.Handle) (*Capture, error) {
	c := &Capture{SessionID: sessionID, Handle: h}
	decoder := &outputDecoder{}

	watcher, err := m.provider.WatchFiles(ctx, h, func(e sandbox.FileEvent) {
		m.recordFileChange(sessionID, e)
	})
	if err != nil {
		return nil, fmt.Errorf("watch files: %w", err)
	}
	c.watcher = watcher

	terminal, err := m.provider.CreateTerminal(ctx, h, sandbox.TerminalOptions{
		Cols: m.cols,
		Rows: m.rows,
		Cwd:  h.ProjectDir,
	}, func(data []byte) {
		if text := decoder.decode(data); text != "" {
			m.recordTerminalOutput(sessionID, text)
		}
	})
	if err != nil {
		watcher.Stop()
		return nil, fmt.Errorf("create terminal: %w", err)
	}
	c.terminal = terminal

	m.mu.Lock()
	previous := m.captures[sessionID]
	m.captures[sessionID] = c
	m.mu.Unlock()
	if previous != nil {
		previous.stop()
	}

	m.logger.Info("Activity capture started",
		zap.String("session_id", sessionID),
		zap.String("sandbox_id", h.ID),
		zap.Int("pty_pid", terminal.PID()))
	return c, nil
}

func (m *Manager) Get(sessionID string) (*Capture, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.captures[sessionID]
	return c, ok
}

// GetOrReconnect returns the local capture or rebuilds one against the persisted sandbox
// id. Concurrent callers for one session share a single reconnect.
func (m *Manager) GetOrReconnect(ctx context.Context, sessionID, sandboxID string) (*Capture, error) {
	if c, ok := m.Get(sessionID); ok {
		return c, nil
	}
	v, err, _ := m.group.Do(sessionID, func() (any, error) {
		if c, ok := m.Get(sessionID); ok {
			return c, nil
		}
		h, err := m.provider.Reconnect(ctx, sandboxID)
		if err != nil {
			return nil, err
		}
		return m.Start(ctx, sessionID, h)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Capture), nil
}

// Invalidate drops c if it is still the registered capture, so the next lookup reconnects.
func (m *Manager) Invalidate(c *Capture) {
	m.mu.Lock()
	if m.captures[c.SessionID] == c {
		delete(m.captures, c.SessionID)
	}
	m.mu.Unlock()
	c.stop()
}

// Stop ends capture for the session; false when none was running here.
func (m *Manager) Stop(sessionID string) bool {
	m.mu.Lock()
	c, ok := m.captures[sessionID]
	delete(m.captures, sessionID)
	m.mu.Unlock()
	if ok {
		c.stop()
	}
	return ok
}

func (m *Manager) StopAll() {
	m.mu.Lock()
	all := m.captures
	m.captures = make(map[string]*Capture)
	m.mu.Unlock()
	for _, c := range all {
		c.stop()
	}
}

func (m *Manager) recordFileChange(sessionID string, e sandbox.FileEvent) {
	raw, _ := json.Marshal(e)
	m.append(models.NewEvent(sessionID, models.EventFileChange, string(raw), map[string]any{
		"type": e.Type,
		"name": e.Name,
	}))
}

func (m *Manager) recordTerminalOutput(sessionID, text string) {
	m.append(models.NewEvent(sessionID, models.EventTerminalOutput, text, nil))

	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	if err := m.publisher.PublishTerminal(ctx, sessionID, text); err != nil {
		m.logger.Warn("Terminal broadcast failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (m *Manager) append(event *models.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	if err := m.events.Append(ctx, event); err != nil {
		m.logger.Error("Failed to record activity event",
			zap.String("session_id", event.SessionID),
			zap.String("event_type", string(event.EventType)),
			zap.Error(err))
	}
}

// outputDecoder turns PTY reads into text the store accepts. A rune split across reads is
// held back until the rest arrives; invalid bytes become U+FFFD and NULs are dropped.
// The terminal delivers chunks from a single goroutine.
type outputDecoder struct {
	pending []byte
}

func (d *outputDecoder) decode(chunk []byte) string {
	data := append(d.pending, chunk...)
	d.pending = nil
	if n := partialRuneLen(data); n > 0 {
		d.pending = append([]byte(nil), data[len(data)-n:]...)
		data = data[:len(data)-n]
	}
	text := strings.ToValidUTF8(string(data), string(utf8.RuneError))
	return strings.ReplaceAll(text, "\x00", "")
}

// partialRuneLen is the length of an incomplete rune at the end of b, or 0.
func partialRuneLen(b []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		if utf8.RuneStart(b[len(b)-i]) {
			if utf8.FullRune(b[len(b)-i:]) {
				return 0
			}
			return i
		}
	}
	return 0
}
