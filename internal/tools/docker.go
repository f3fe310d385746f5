package tools

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const containerWorkspace = "/workspace"

// DockerSandbox runs shell commands in ephemeral containers with the project
// directory bind-mounted at /workspace.
type DockerSandbox struct {
	client      *client.Client
	image       string
	memoryBytes int64
	networkMode string
	root        func() string
}

// NewDockerSandbox creates a sandbox executor. root is consulted on every
// call because the project path is set only after the project exists.
func NewDockerSandbox(image string, memoryMB int64, networkMode string, root func() string) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	if image == "" {
		image = "node:22-bookworm"
	}
	if memoryMB <= 0 {
		memoryMB = 1024
	}
	if networkMode == "" {
		// npm install needs the registry.
		networkMode = "bridge"
	}

	return &DockerSandbox{
		client:      cli,
		image:       image,
		memoryBytes: memoryMB * 1024 * 1024,
		networkMode: networkMode,
		root:        root,
	}, nil
}

// Exec runs cmd in a fresh container. workDir must lie inside the mounted
// root; the empty string means the root itself.
func (d *DockerSandbox) Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error) {
	mount, inner, err := d.mapping(workDir)
	if err != nil {
		return "", "", -1, err
	}

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        []string{"sh", "-c", cmd},
		WorkingDir: inner,
		Tty:        false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: d.memoryBytes,
		},
		NetworkMode: container.NetworkMode(d.networkMode),
		Binds:       []string{fmt.Sprintf("%s:%s", mount, containerWorkspace)},
	}, nil, nil, "")
	if err != nil {
		return "", "", -1, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID
	defer func() {
		_ = d.client.ContainerRemove(context.WithoutCancel(ctx), containerID, container.RemoveOptions{Force: true})
	}()

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", "", -1, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			_ = d.client.ContainerKill(context.WithoutCancel(ctx), containerID, "SIGKILL")
			return "", "command timed out", -1, nil
		}
		return "", "", -1, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = d.client.ContainerKill(context.WithoutCancel(ctx), containerID, "SIGKILL")
		return "", "command timed out", -1, nil
	}

	out, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", exitCode, fmt.Errorf("get logs: %w", err)
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// mapping returns the host directory to bind and the container working
// directory for workDir. Before a project exists, the working directory
// itself is mounted so `ng new` lands on the host.
func (d *DockerSandbox) mapping(workDir string) (mount, inner string, err error) {
	root := ""
	if d.root != nil {
		root = d.root()
	}
	if root == "" {
		if workDir == "" {
			if workDir, err = filepath.Abs("."); err != nil {
				return "", "", err
			}
		}
		return workDir, containerWorkspace, nil
	}
	if workDir == "" {
		return root, containerWorkspace, nil
	}
	rel, err := filepath.Rel(root, workDir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("working directory %s is outside the sandbox mount %s", workDir, root)
	}
	return root, path.Join(containerWorkspace, filepath.ToSlash(rel)), nil
}

// Close closes the docker client.
func (d *DockerSandbox) Close() error {
	return d.client.Close()
}
