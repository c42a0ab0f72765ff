package sandbox

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("sandbox not found")
	ErrUnavailable = errors.New("sandbox backend unreachable")
)

// Handle addresses one running sandbox. HostDir is the host side of the project
// workspace when the backend exposes one.
type Handle struct {
	ID         string
	ProjectDir string
	HostDir    string
}

// FileEvent mirrors a single change under the project directory.
type FileEvent struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type TerminalOptions struct {
	Cols int
	Rows int
	Cwd  string
}

type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

type Terminal interface {
	PID() int
	SendInput(ctx context.Context, data string) error
	Resize(ctx context.Context, cols, rows int) error
	Close() error
}

type Watcher interface {
	Stop()
}

// Provider is the isolated compute environment a candidate works in.
type Provider interface {
	Create(ctx context.Context, files map[string]string, readme string) (*Handle, error)
	Reconnect(ctx context.Context, id string) (*Handle, error)
	WatchFiles(ctx context.Context, h *Handle, onEvent func(FileEvent)) (Watcher, error)
	CreateTerminal(ctx context.Context, h *Handle, opts TerminalOptions, onData func([]byte)) (Terminal, error)
	RunCommand(ctx context.Context, h *Handle, cmd string, timeout time.Duration) (CommandResult, error)
	Kill(ctx context.Context, h *Handle) error
}
