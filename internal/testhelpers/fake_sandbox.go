package testhelpers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"intoview/internal/sandbox"
)

// FakeTerminal records what was written to it.
type FakeTerminal struct {
	mu       sync.Mutex
	pid      int
	inputs   []string
	resizes  [][2]int
	closed   bool
	InputErr error
}

func (t *FakeTerminal) PID() int { return t.pid }

func (t *FakeTerminal) SendInput(_ context.Context, data string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.InputErr != nil {
		return t.InputErr
	}
	t.inputs = append(t.inputs, data)
	return nil
}

func (t *FakeTerminal) Resize(_ context.Context, cols, rows int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.InputErr != nil {
		return t.InputErr
	}
	t.resizes = append(t.resizes, [2]int{cols, rows})
	return nil
}

func (t *FakeTerminal) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *FakeTerminal) Inputs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.inputs...)
}

func (t *FakeTerminal) Resizes() [][2]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][2]int(nil), t.resizes...)
}

func (t *FakeTerminal) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeWatcher struct {
	stop func()
}

func (w *fakeWatcher) Stop() { w.stop() }

// FakeSandbox is an in-memory sandbox.Provider. Command output is produced by
// OnCommand when set.
type FakeSandbox struct {
	mu         sync.Mutex
	next       int
	live       map[string]bool
	files      map[string]func(sandbox.FileEvent)
	output     map[string]func([]byte)
	terminals  []*FakeTerminal
	commands   []string
	killed     []string
	reconnects int

	CreateErr error
	OnCommand func(cmd string) (sandbox.CommandResult, error)
}

func NewFakeSandbox() *FakeSandbox {
	return &FakeSandbox{
		live:   make(map[string]bool),
		files:  make(map[string]func(sandbox.FileEvent)),
		output: make(map[string]func([]byte)),
	}
}

func (f *FakeSandbox) Create(_ context.Context, _ map[string]string, _ string) (*sandbox.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	f.next++
	id := fmt.Sprintf("sbx-%d", f.next)
	f.live[id] = true
	return &sandbox.Handle{ID: id, ProjectDir: "/home/user/project"}, nil
}

func (f *FakeSandbox) Reconnect(_ context.Context, id string) (*sandbox.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	if !f.live[id] {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrNotFound, id)
	}
	return &sandbox.Handle{ID: id, ProjectDir: "/home/user/project"}, nil
}

func (f *FakeSandbox) WatchFiles(_ context.Context, h *sandbox.Handle, onEvent func(sandbox.FileEvent)) (sandbox.Watcher, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[h.ID] = onEvent
	return &fakeWatcher{stop: func() {
		f.mu.Lock()
		delete(f.files, h.ID)
		f.mu.Unlock()
	}}, nil
}

func (f *FakeSandbox) CreateTerminal(_ context.Context, h *sandbox.Handle, _ sandbox.TerminalOptions, onData func([]byte)) (sandbox.Terminal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	term := &FakeTerminal{pid: 100 + len(f.terminals)}
	f.terminals = append(f.terminals, term)
	f.output[h.ID] = onData
	return term, nil
}

func (f *FakeSandbox) RunCommand(_ context.Context, _ *sandbox.Handle, cmd string, _ time.Duration) (sandbox.CommandResult, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	run := f.OnCommand
	f.mu.Unlock()
	if run == nil {
		return sandbox.CommandResult{}, nil
	}
	return run(cmd)
}

func (f *FakeSandbox) Kill(_ context.Context, h *sandbox.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, h.ID)
	f.killed = append(f.killed, h.ID)
	return nil
}

// EmitFile delivers a file event as the sandbox watcher would.
func (f *FakeSandbox) EmitFile(sandboxID string, e sandbox.FileEvent) {
	f.mu.Lock()
	fn := f.files[sandboxID]
	f.mu.Unlock()
	if fn != nil {
		fn(e)
	}
}

// EmitOutput delivers a PTY chunk.
func (f *FakeSandbox) EmitOutput(sandboxID, data string) {
	f.mu.Lock()
	fn := f.output[sandboxID]
	f.mu.Unlock()
	if fn != nil {
		fn([]byte(data))
	}
}

// Forget marks a sandbox as gone without recording a kill, as when it dies underneath us.
func (f *FakeSandbox) Forget(sandboxID string) {
	f.mu.Lock()
	delete(f.live, sandboxID)
	f.mu.Unlock()
}

func (f *FakeSandbox) Terminals() []*FakeTerminal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeTerminal(nil), f.terminals...)
}

func (f *FakeSandbox) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *FakeSandbox) Killed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.killed...)
}

func (f *FakeSandbox) Reconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnects
}
