package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

const (
	workspaceLabel = "intoview.workspace"
	installTimeout = 2 * time.Minute
)

type dockerClient interface {
	ImageInspectWithRaw(ctx context.Context, image string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, options types.ImagePullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.ContainerCreateCreatedBody, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
	ContainerExecCreate(ctx context.Context, container string, config types.ExecConfig) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config types.ExecStartCheck) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (types.ContainerExecInspect, error)
	ContainerExecResize(ctx context.Context, execID string, options types.ResizeOptions) error
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options types.CopyToContainerOptions) error
}

type DockerConfig struct {
	Image         string
	WorkspaceRoot string
	ProjectDir    string
	MemoryB       int64
	NanoCPUs      int64
}

// DockerProvider runs each sandbox as a long-lived container with the project directory
// bind mounted from the host, so file activity can be watched without polling.
type DockerProvider struct {
	cli    dockerClient
	config DockerConfig
	logger *zap.Logger
}

var newDockerClient = func() (dockerClient, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

func NewDockerProvider(config DockerConfig, logger *zap.Logger) (*DockerProvider, error) {
	cli, err := newDockerClient()
	if err != nil {
		return nil, translateDockerErr(err)
	}
	return newDockerProvider(cli, config, logger), nil
}

func newDockerProvider(cli dockerClient, config DockerConfig, logger *zap.Logger) *DockerProvider {
	if config.ProjectDir == "" {
		config.ProjectDir = "/home/user/project"
	}
	if config.WorkspaceRoot == "" {
		config.WorkspaceRoot = os.TempDir()
	}
	if config.MemoryB == 0 {
		config.MemoryB = 2 * 1024 * 1024 * 1024
	}
	if config.NanoCPUs == 0 {
		config.NanoCPUs = 2_000_000_000
	}
	return &DockerProvider{cli: cli, config: config, logger: logger}
}

// Create starts a fresh container, writes the challenge files plus README.md into the
// project directory and installs npm dependencies when a package.json is present.
func (p *DockerProvider) Create(ctx context.Context, files map[string]string, readme string) (*Handle, error) {
	if err := p.ensureImage(ctx); err != nil {
		return nil, err
	}

	hostDir := filepath.Join(p.config.WorkspaceRoot, "intoview-"+uuid.New().String())
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}

	conf := &container.Config{
		Image:      p.config.Image,
		Cmd:        []string{"/bin/sh", "-c", "sleep infinity"},
		WorkingDir: p.config.ProjectDir,
		Env:        []string{"TERM=xterm-256color", "PYTHONDONTWRITEBYTECODE=1"},
		Labels:     map[string]string{workspaceLabel: hostDir},
	}
	hostCfg := &container.HostConfig{
		Binds: []string{hostDir + ":" + p.config.ProjectDir},
		Resources: container.Resources{
			Memory:   p.config.MemoryB,
			NanoCPUs: p.config.NanoCPUs,
		},
		SecurityOpt: []string{"no-new-privileges"},
	}

	created, err := p.cli.ContainerCreate(ctx, conf, hostCfg, nil, nil, "")
	if err != nil {
		os.RemoveAll(hostDir)
		return nil, translateDockerErr(err)
	}
	h := &Handle{ID: created.ID, ProjectDir: p.config.ProjectDir, HostDir: hostDir}

	if err := p.cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		p.discard(h)
		return nil, translateDockerErr(err)
	}

	all := make(map[string]string, len(files)+1)
	for name, content := range files {
		all[name] = content
	}
	all["README.md"] = readme
	if err := p.copyFiles(ctx, h, all); err != nil {
		p.discard(h)
		return nil, translateDockerErr(err)
	}

	if _, ok := files["package.json"]; ok {
		res, err := p.RunCommand(ctx, h, "npm install --no-audit --no-fund", installTimeout)
		if err != nil || res.ExitCode != 0 {
			p.logger.Warn("Dependency install failed",
				zap.String("sandbox_id", h.ID),
				zap.Int("exit_code", res.ExitCode),
				zap.Error(err))
		}
	}

	return h, nil
}

// Reconnect resolves a sandbox by id. Containers that are gone or stopped report ErrNotFound.
func (p *DockerProvider) Reconnect(ctx context.Context, id string) (*Handle, error) {
	info, err := p.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, translateDockerErr(err)
	}
	if info.ContainerJSONBase == nil || info.State == nil || !info.State.Running {
		return nil, ErrNotFound
	}
	h := &Handle{ID: info.ID, ProjectDir: p.config.ProjectDir}
	if info.Config != nil {
		h.HostDir = info.Config.Labels[workspaceLabel]
		if info.Config.WorkingDir != "" {
			h.ProjectDir = info.Config.WorkingDir
		}
	}
	return h, nil
}

func (p *DockerProvider) WatchFiles(ctx context.Context, h *Handle, onEvent func(FileEvent)) (Watcher, error) {
	if h.HostDir == "" {
		return nil, fmt.Errorf("sandbox %s has no host workspace to watch", h.ID)
	}
	w, err := NewWorkspaceWatcher(h.HostDir, onEvent, p.logger)
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

func (p *DockerProvider) CreateTerminal(ctx context.Context, h *Handle, opts TerminalOptions, onData func([]byte)) (Terminal, error) {
	cwd := opts.Cwd
	if cwd == "" {
		cwd = h.ProjectDir
	}
	execResp, err := p.cli.ContainerExecCreate(ctx, h.ID, types.ExecConfig{
		Cmd:          []string{"/bin/sh", "-c", "command -v bash >/dev/null && exec bash -l || exec sh"},
		WorkingDir:   cwd,
		Env:          []string{"TERM=xterm-256color"},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
	})
	if err != nil {
		return nil, translateDockerErr(err)
	}

	// attaching starts the exec
	attach, err := p.cli.ContainerExecAttach(context.WithoutCancel(ctx), execResp.ID, types.ExecStartCheck{Tty: true})
	if err != nil {
		return nil, translateDockerErr(err)
	}

	term := &dockerTerminal{
		cli:    p.cli,
		execID: execResp.ID,
		attach: attach,
		done:   make(chan struct{}),
	}
	if opts.Cols > 0 && opts.Rows > 0 {
		if err := term.Resize(ctx, opts.Cols, opts.Rows); err != nil {
			p.logger.Warn("Initial terminal resize failed", zap.String("sandbox_id", h.ID), zap.Error(err))
		}
	}
	if inspect, err := p.cli.ContainerExecInspect(ctx, execResp.ID); err == nil {
		term.pid = inspect.Pid
	}

	go term.pump(onData)
	return term, nil
}

// RunCommand executes cmd through the shell in the project directory. A command that
// outlives timeout is reported as TimedOut rather than as an error.
func (p *DockerProvider) RunCommand(ctx context.Context, h *Handle, cmd string, timeout time.Duration) (CommandResult, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	execResp, err := p.cli.ContainerExecCreate(runCtx, h.ID, types.ExecConfig{
		Cmd:          []string{"/bin/sh", "-c", cmd},
		WorkingDir:   h.ProjectDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return CommandResult{ExitCode: -1}, translateDockerErr(err)
	}
	attach, err := p.cli.ContainerExecAttach(runCtx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return CommandResult{ExitCode: -1}, translateDockerErr(err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		_, _ = stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
	}()

	select {
	case <-copied:
	case <-runCtx.Done():
		attach.Close()
		<-copied
		return CommandResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1, TimedOut: true}, nil
	}

	inspect, err := p.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return CommandResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1}, translateDockerErr(err)
	}
	return CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// Kill force-removes the container and its host workspace. Already-gone sandboxes are
// not an error.
func (p *DockerProvider) Kill(ctx context.Context, h *Handle) error {
	err := p.cli.ContainerRemove(ctx, h.ID, types.ContainerRemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return translateDockerErr(err)
	}
	if h.HostDir != "" {
		if err := os.RemoveAll(h.HostDir); err != nil {
			p.logger.Warn("Failed to remove workspace dir", zap.String("dir", h.HostDir), zap.Error(err))
		}
	}
	return nil
}

func (p *DockerProvider) discard(h *Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Kill(ctx, h); err != nil {
		p.logger.Warn("Failed to discard sandbox", zap.String("sandbox_id", h.ID), zap.Error(err))
	}
}

func (p *DockerProvider) ensureImage(ctx context.Context) error {
	_, _, err := p.cli.ImageInspectWithRaw(ctx, p.config.Image)
	if err == nil {
		return nil
	}
	if client.IsErrNotFound(err) {
		pullCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		reader, pullErr := p.cli.ImagePull(pullCtx, p.config.Image, types.ImagePullOptions{})
		if pullErr != nil {
			return translateDockerErr(pullErr)
		}
		defer reader.Close()
		_, _ = io.Copy(io.Discard, reader)
		return nil
	}
	return translateDockerErr(err)
}

// copyFiles ships every file in one tar stream rooted at the project directory.
func (p *DockerProvider) copyFiles(ctx context.Context, h *Handle, files map[string]string) error {
	buf, err := tarFiles(files)
	if err != nil {
		return err
	}
	return p.cli.CopyToContainer(ctx, h.ID, h.ProjectDir, buf, types.CopyToContainerOptions{})
}

func tarFiles(files map[string]string) (*bytes.Buffer, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	dirs := map[string]bool{}
	for _, name := range names {
		clean := path.Clean(strings.TrimPrefix(name, "/"))
		if clean == "." || strings.HasPrefix(clean, "../") || clean == ".." {
			return nil, fmt.Errorf("invalid file path %q", name)
		}
		for dir := path.Dir(clean); dir != "." && !dirs[dir]; dir = path.Dir(dir) {
			dirs[dir] = true
			if err := tw.WriteHeader(&tar.Header{Name: dir + "/", Mode: 0o755, Typeflag: tar.TypeDir}); err != nil {
				return nil, err
			}
		}
		content := []byte(files[name])
		if err := tw.WriteHeader(&tar.Header{
			Name: clean,
			Mode: 0o644,
			Size: int64(len(content)),
		}); err != nil {
			return nil, err
		}
		if _, err := tw.Write(content); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

type dockerTerminal struct {
	cli    dockerClient
	execID string
	attach types.HijackedResponse
	pid    int

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func (t *dockerTerminal) PID() int { return t.pid }

func (t *dockerTerminal) SendInput(_ context.Context, data string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrNotFound
	}
	_, err := t.attach.Conn.Write([]byte(data))
	return err
}

func (t *dockerTerminal) Resize(ctx context.Context, cols, rows int) error {
	return translateDockerErr(t.cli.ContainerExecResize(ctx, t.execID, types.ResizeOptions{
		Height: uint(rows),
		Width:  uint(cols),
	}))
}

func (t *dockerTerminal) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.attach.Close()
	<-t.done
	return nil
}

// tty output is raw, no stdcopy framing
func (t *dockerTerminal) pump(onData func([]byte)) {
	defer close(t.done)
	buf := make([]byte, 4096)
	for {
		n, err := t.attach.Reader.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onData(chunk)
		}
		if err != nil {
			return
		}
	}
}

func translateDockerErr(err error) error {
	if err == nil {
		return nil
	}
	if client.IsErrConnectionFailed(err) {
		return ErrUnavailable
	}
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
