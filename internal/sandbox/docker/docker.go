// Package docker implements sandbox.Executor using Docker containers,
// following the teacher's internal/sandbox/docker/provider.go container
// lifecycle: create, start, attach, read demuxed output via stdcopy, always
// clean up the container afterward.
package docker

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/ci-forge/engine/internal/sandbox"
)

// Executor runs build requests in ephemeral Docker containers.
type Executor struct {
	client *client.Client
}

// New constructs an Executor using the ambient Docker environment
// (DOCKER_HOST, or the platform default socket).
func New() (*Executor, error) {
	c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker: creating client: %w", err)
	}
	return &Executor{client: c}, nil
}

// NewWithClient wraps a pre-constructed Docker client, for tests against a
// fake daemon.
func NewWithClient(c *client.Client) *Executor {
	return &Executor{client: c}
}

var _ sandbox.Executor = (*Executor)(nil)

func (e *Executor) Run(ctx context.Context, req sandbox.BuildRequest, appendLog sandbox.AppendFunc) (sandbox.BuildOutcome, error) {
	containerName := fmt.Sprintf("ci-forge-build-%s", uuid.NewString())

	containerConfig := &container.Config{
		Image:      req.Image,
		Cmd:        req.Command,
		Env:        envMapToSlice(req.Env),
		WorkingDir: req.WorkingDir,
		Tty:        false,
	}
	hostConfig := &container.HostConfig{
		SecurityOpt: []string{"no-new-privileges:true"},
	}

	resp, err := e.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return sandbox.BuildOutcome{}, fmt.Errorf("docker: creating container: %w", err)
	}
	defer func() {
		_ = e.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
	}()

	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return sandbox.BuildOutcome{}, fmt.Errorf("docker: starting container: %w", err)
	}

	attach, err := e.client.ContainerAttach(ctx, resp.ID, types.ContainerAttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return sandbox.BuildOutcome{}, fmt.Errorf("docker: attaching to container: %w", err)
	}
	defer attach.Close()

	combined := &appendWriter{append: appendLog}
	demuxDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(combined, combined, attach.Reader)
		demuxDone <- err
	}()

	statusCh, errCh := e.client.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case err := <-errCh:
		if err != nil {
			return sandbox.BuildOutcome{}, fmt.Errorf("docker: waiting for container: %w", err)
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		return sandbox.BuildOutcome{}, ctx.Err()
	}

	if demuxErr := <-demuxDone; demuxErr != nil && demuxErr != io.EOF {
		return sandbox.BuildOutcome{}, fmt.Errorf("docker: reading container output: %w", demuxErr)
	}

	return sandbox.BuildOutcome{ExitCode: exitCode, Output: combined.String()}, nil
}

// appendWriter forwards every Write both into an accumulating buffer and to
// a live-log append callback, so callers see a complete combined output at
// the end while subscribers see it incrementally.
type appendWriter struct {
	append sandbox.AppendFunc
	buf    []byte
}

func (w *appendWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if w.append != nil {
		cp := make([]byte, len(p))
		copy(cp, p)
		w.append(cp)
	}
	return len(p), nil
}

func (w *appendWriter) String() string { return string(w.buf) }

func envMapToSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
