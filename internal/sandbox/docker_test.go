package sandbox

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTarFiles(t *testing.T) {
	buf, err := tarFiles(map[string]string{
		"src/lib/cart.ts": "export {}",
		"README.md":       "# hi",
	})
	require.NoError(t, err)

	entries := readTar(t, buf)
	assert.Equal(t, "# hi", entries["README.md"])
	assert.Equal(t, "export {}", entries["src/lib/cart.ts"])
	assert.Contains(t, entries, "src/")
	assert.Contains(t, entries, "src/lib/")

	_, err = tarFiles(map[string]string{"../escape": "x"})
	assert.Error(t, err)
}

func TestTranslateDockerErr(t *testing.T) {
	if translateDockerErr(nil) != nil {
		t.Fatalf("expected nil for nil input")
	}
	err := client.ErrorConnectionFailed("unix:///var/run/docker.sock")
	if !errors.Is(translateDockerErr(err), ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable")
	}
	if !errors.Is(translateDockerErr(errdefs.NotFound(errors.New("no such container"))), ErrNotFound) {
		t.Fatalf("expected ErrNotFound")
	}
	someErr := errors.New("boom")
	if translateDockerErr(someErr) != someErr {
		t.Fatalf("expected passthrough error")
	}
}

func TestDockerProviderCreate(t *testing.T) {
	fake := &fakeDockerClient{
		t:          t,
		createResp: container.ContainerCreateCreatedBody{ID: "cid"},
		execQueue: []*fakeExecCall{
			{expectCmd: []string{"/bin/sh", "-c", "npm install --no-audit --no-fund"}, inspect: types.ContainerExecInspect{ExitCode: 0}},
		},
	}
	root := t.TempDir()
	p := newDockerProvider(fake, DockerConfig{Image: "node:20", WorkspaceRoot: root}, zap.NewNop())

	h, err := p.Create(context.Background(), map[string]string{"package.json": "{}", "src/a.ts": "x"}, "# Challenge")
	require.NoError(t, err)
	assert.Equal(t, "cid", h.ID)
	assert.Equal(t, "/home/user/project", h.ProjectDir)
	assert.DirExists(t, h.HostDir)
	assert.Equal(t, root, filepath.Dir(h.HostDir))

	require.NotNil(t, fake.createdHost)
	assert.Equal(t, []string{h.HostDir + ":/home/user/project"}, fake.createdHost.Binds)
	assert.Equal(t, h.HostDir, fake.createdConfig.Labels[workspaceLabel])

	assert.Equal(t, "/home/user/project", fake.copyDst)
	assert.Equal(t, "# Challenge", fake.copied["README.md"])
	assert.Equal(t, "x", fake.copied["src/a.ts"])
	assert.Empty(t, fake.execQueue, "npm install should run")
}

func TestDockerProviderCreateStartFailureDiscards(t *testing.T) {
	fake := &fakeDockerClient{
		t:          t,
		createResp: container.ContainerCreateCreatedBody{ID: "cid"},
		startErr:   errors.New("no start"),
	}
	p := newDockerProvider(fake, DockerConfig{Image: "node:20", WorkspaceRoot: t.TempDir()}, zap.NewNop())

	_, err := p.Create(context.Background(), map[string]string{"a.py": "x"}, "")
	require.Error(t, err)
	assert.True(t, fake.removed)
}

func TestDockerProviderReconnect(t *testing.T) {
	p := newDockerProvider(&fakeDockerClient{t: t, inspectErr: errdefs.NotFound(errors.New("gone"))}, DockerConfig{}, zap.NewNop())
	_, err := p.Reconnect(context.Background(), "cid")
	assert.ErrorIs(t, err, ErrNotFound)

	stopped := types.ContainerJSON{ContainerJSONBase: &types.ContainerJSONBase{ID: "cid", State: &types.ContainerState{Running: false}}}
	p = newDockerProvider(&fakeDockerClient{t: t, inspect: stopped}, DockerConfig{}, zap.NewNop())
	_, err = p.Reconnect(context.Background(), "cid")
	assert.ErrorIs(t, err, ErrNotFound)

	running := types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{ID: "cid", State: &types.ContainerState{Running: true}},
		Config:            &container.Config{WorkingDir: "/work", Labels: map[string]string{workspaceLabel: "/tmp/ws"}},
	}
	p = newDockerProvider(&fakeDockerClient{t: t, inspect: running}, DockerConfig{}, zap.NewNop())
	h, err := p.Reconnect(context.Background(), "cid")
	require.NoError(t, err)
	assert.Equal(t, &Handle{ID: "cid", ProjectDir: "/work", HostDir: "/tmp/ws"}, h)
}

func TestDockerProviderRunCommand(t *testing.T) {
	fake := &fakeDockerClient{
		t: t,
		execQueue: []*fakeExecCall{
			{stdout: "3 passed\n", stderr: "warn\n", inspect: types.ContainerExecInspect{ExitCode: 1}},
		},
	}
	p := newDockerProvider(fake, DockerConfig{}, zap.NewNop())
	h := &Handle{ID: "cid", ProjectDir: "/home/user/project"}

	res, err := p.RunCommand(context.Background(), h, "npx jest", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "3 passed\n", res.Stdout)
	assert.Equal(t, "warn\n", res.Stderr)
	assert.Equal(t, 1, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Equal(t, "/home/user/project", fake.executed[0].workingDir)
}

func TestDockerProviderRunCommandTimeout(t *testing.T) {
	fake := &fakeDockerClient{
		t:         t,
		execQueue: []*fakeExecCall{{block: true}},
	}
	p := newDockerProvider(fake, DockerConfig{}, zap.NewNop())

	res, err := p.RunCommand(context.Background(), &Handle{ID: "cid"}, "sleep 100", 20*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
}

func TestDockerProviderTerminal(t *testing.T) {
	call := &fakeExecCall{block: true, inspect: types.ContainerExecInspect{Pid: 42}}
	fake := &fakeDockerClient{t: t, execQueue: []*fakeExecCall{call}}
	p := newDockerProvider(fake, DockerConfig{}, zap.NewNop())

	var mu sync.Mutex
	var output bytes.Buffer
	term, err := p.CreateTerminal(context.Background(), &Handle{ID: "cid", ProjectDir: "/p"}, TerminalOptions{Cols: 120, Rows: 40}, func(b []byte) {
		mu.Lock()
		output.Write(b)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, 42, term.PID())
	assert.True(t, call.tty)
	assert.Equal(t, []types.ResizeOptions{{Height: 40, Width: 120}}, fake.resizes)

	call.feed("$ ")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return output.String() == "$ "
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, term.SendInput(context.Background(), "ls\n"))
	assert.Equal(t, "ls\n", call.stdin.String())

	require.NoError(t, term.Resize(context.Background(), 80, 24))
	assert.Len(t, fake.resizes, 2)

	require.NoError(t, term.Close())
	require.NoError(t, term.Close())
	assert.ErrorIs(t, term.SendInput(context.Background(), "x"), ErrNotFound)
}

func TestDockerProviderKill(t *testing.T) {
	dir := t.TempDir()
	ws := filepath.Join(dir, "ws")
	require.NoError(t, os.MkdirAll(ws, 0o755))

	fake := &fakeDockerClient{t: t, removeErr: errdefs.NotFound(errors.New("gone"))}
	p := newDockerProvider(fake, DockerConfig{}, zap.NewNop())

	require.NoError(t, p.Kill(context.Background(), &Handle{ID: "cid", HostDir: ws}))
	assert.NoDirExists(t, ws)

	fake.removeErr = client.ErrorConnectionFailed("unix:///var/run/docker.sock")
	assert.ErrorIs(t, p.Kill(context.Background(), &Handle{ID: "cid"}), ErrUnavailable)
}

func TestEnsureImagePullsWhenMissing(t *testing.T) {
	fake := &fakeDockerClient{t: t, imageInspectErr: errdefs.NotFound(errors.New("missing"))}
	p := newDockerProvider(fake, DockerConfig{Image: "node:20"}, zap.NewNop())
	require.NoError(t, p.ensureImage(context.Background()))
	assert.True(t, fake.imagePulled)
}

func readTar(t *testing.T, r io.Reader) map[string]string {
	t.Helper()
	out := map[string]string{}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		out[hdr.Name] = string(body)
	}
}

type fakeDockerClient struct {
	t               *testing.T
	imageInspectErr error
	imagePulled     bool

	createResp    container.ContainerCreateCreatedBody
	createErr     error
	createdConfig *container.Config
	createdHost   *container.HostConfig
	startErr      error
	removed       bool
	removeErr     error

	inspect    types.ContainerJSON
	inspectErr error

	copyDst string
	copied  map[string]string

	mu        sync.Mutex
	execQueue []*fakeExecCall
	executed  []*fakeExecCall
	execMap   map[string]*fakeExecCall
	resizes   []types.ResizeOptions
}

type fakeExecCall struct {
	expectCmd  []string
	gotCmd     []string
	workingDir string
	tty        bool

	inspect types.ContainerExecInspect
	stdout  string
	stderr  string
	block   bool

	stdin bytes.Buffer
	pw    *io.PipeWriter
}

func (c *fakeExecCall) feed(s string) {
	_, _ = c.pw.Write([]byte(s))
}

func (f *fakeDockerClient) ImageInspectWithRaw(context.Context, string) (types.ImageInspect, []byte, error) {
	return types.ImageInspect{}, nil, f.imageInspectErr
}

func (f *fakeDockerClient) ImagePull(context.Context, string, types.ImagePullOptions) (io.ReadCloser, error) {
	f.imagePulled = true
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (f *fakeDockerClient) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *specs.Platform, _ string) (container.ContainerCreateCreatedBody, error) {
	f.createdConfig = config
	f.createdHost = hostConfig
	return f.createResp, f.createErr
}

func (f *fakeDockerClient) ContainerStart(context.Context, string, types.ContainerStartOptions) error {
	return f.startErr
}

func (f *fakeDockerClient) ContainerInspect(context.Context, string) (types.ContainerJSON, error) {
	return f.inspect, f.inspectErr
}

func (f *fakeDockerClient) ContainerRemove(context.Context, string, types.ContainerRemoveOptions) error {
	f.removed = true
	return f.removeErr
}

func (f *fakeDockerClient) ContainerExecCreate(_ context.Context, _ string, config types.ExecConfig) (types.IDResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.execQueue) == 0 {
		f.t.Fatalf("unexpected exec create for command %v", config.Cmd)
	}
	call := f.execQueue[0]
	f.execQueue = f.execQueue[1:]
	call.gotCmd = append([]string(nil), config.Cmd...)
	call.workingDir = config.WorkingDir
	call.tty = config.Tty
	if len(call.expectCmd) > 0 && !assert.ObjectsAreEqual(call.expectCmd, config.Cmd) {
		f.t.Fatalf("expected cmd %v, got %v", call.expectCmd, config.Cmd)
	}
	f.executed = append(f.executed, call)
	if f.execMap == nil {
		f.execMap = make(map[string]*fakeExecCall)
	}
	id := fmt.Sprintf("exec-%d", len(f.executed))
	f.execMap[id] = call
	return types.IDResponse{ID: id}, nil
}

func (f *fakeDockerClient) ContainerExecAttach(_ context.Context, execID string, _ types.ExecStartCheck) (types.HijackedResponse, error) {
	f.mu.Lock()
	call := f.execMap[execID]
	f.mu.Unlock()

	if call.block {
		pr, pw := io.Pipe()
		call.pw = pw
		return types.HijackedResponse{
			Conn:   &fakeConn{buf: &call.stdin, onClose: func() { pw.Close() }},
			Reader: bufio.NewReader(pr),
		}, nil
	}
	return types.HijackedResponse{
		Conn:   &fakeConn{buf: &call.stdin},
		Reader: bufio.NewReader(bytes.NewReader(muxStreams(call.stdout, call.stderr))),
	}, nil
}

func (f *fakeDockerClient) ContainerExecInspect(_ context.Context, execID string) (types.ContainerExecInspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execMap[execID].inspect, nil
}

func (f *fakeDockerClient) ContainerExecResize(_ context.Context, _ string, options types.ResizeOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, options)
	return nil
}

func (f *fakeDockerClient) CopyToContainer(_ context.Context, _ string, dstPath string, content io.Reader, _ types.CopyToContainerOptions) error {
	f.copyDst = dstPath
	f.copied = readTar(f.t, content)
	return nil
}

type fakeConn struct {
	buf     *bytes.Buffer
	onClose func()
	once    sync.Once
}

func (c *fakeConn) Read([]byte) (int, error) { return 0, io.EOF }

func (c *fakeConn) Write(p []byte) (int, error) { return c.buf.Write(p) }

func (c *fakeConn) Close() error {
	c.once.Do(func() {
		if c.onClose != nil {
			c.onClose()
		}
	})
	return nil
}

type fakeAddr string

func (a fakeAddr) Network() string { return string(a) }
func (a fakeAddr) String() string  { return string(a) }

func (c *fakeConn) LocalAddr() net.Addr              { return fakeAddr("local") }
func (c *fakeConn) RemoteAddr() net.Addr             { return fakeAddr("remote") }
func (c *fakeConn) SetDeadline(time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func muxStreams(stdout, stderr string) []byte {
	var buf bytes.Buffer
	if stdout != "" {
		buf.Write(singleStream(1, stdout))
	}
	if stderr != "" {
		buf.Write(singleStream(2, stderr))
	}
	return buf.Bytes()
}

func singleStream(stream byte, payload string) []byte {
	data := []byte(payload)
	header := make([]byte, 8)
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:], uint32(len(data)))
	return append(header, data...)
}
