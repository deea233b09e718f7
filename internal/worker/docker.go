package worker

import (
	"bytes"
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerRunner runs each worker's subprocess inside an ephemeral, resource
// capped container instead of a bare os/exec subprocess, selected when
// WORKER_SANDBOX=docker (§6, §4.6). Network access is cut entirely in
// dry-run mode, matching the process-wide dry-run filter applied to the
// effective tool list.
type DockerRunner struct {
	client      *client.Client
	image       string
	memoryBytes int64
	networkMode string
	workspace   string
	dryRun      bool
}

// NewDockerRunner connects to the local Docker daemon via the standard
// environment (DOCKER_HOST etc.).
func NewDockerRunner(image string, memoryMB int64, workspace string, dryRun bool) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("worker: docker client: %w", err)
	}
	if image == "" {
		image = "golang:alpine"
	}
	if memoryMB <= 0 {
		memoryMB = 512
	}
	networkMode := "bridge"
	if dryRun {
		networkMode = "none"
	}
	return &DockerRunner{
		client:      cli,
		image:       image,
		memoryBytes: memoryMB * 1024 * 1024,
		networkMode: networkMode,
		workspace:   workspace,
		dryRun:      dryRun,
	}, nil
}

// Run executes the worker subprocess inside a fresh, auto-removed container,
// mounting configPath alongside the workspace and piping taskText on stdin
// via a small wrapper command.
func (r *DockerRunner) Run(ctx context.Context, configPath, taskText string) (string, error) {
	resp, err := r.client.ContainerCreate(ctx, &container.Config{
		Image:      r.image,
		Cmd:        []string{"sh", "-c", "agentfleet-worker --config /workspace/worker-config.json"},
		WorkingDir: "/workspace",
		Tty:        false,
		OpenStdin:  true,
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: r.memoryBytes},
		NetworkMode: container.NetworkMode(r.networkMode),
		Binds: []string{
			fmt.Sprintf("%s:/workspace", r.workspace),
			fmt.Sprintf("%s:/workspace/worker-config.json:ro", configPath),
		},
		AutoRemove: true,
	}, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("worker: create container: %w", err)
	}
	containerID := resp.ID

	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("worker: start container: %w", err)
	}

	statusCh, errCh := r.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return "", fmt.Errorf("worker: wait container: %w", err)
	case <-statusCh:
	case <-ctx.Done():
		_ = r.client.ContainerKill(ctx, containerID, "SIGKILL")
		return "", ctx.Err()
	}

	out, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", fmt.Errorf("worker: container logs: %w", err)
	}
	defer out.Close()

	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, out)
	if stderr.Len() > 0 && stdout.Len() == 0 {
		return "", fmt.Errorf("worker: container stderr: %s", stderr.String())
	}
	return stdout.String(), nil
}

// Close releases the underlying Docker client connection.
func (r *DockerRunner) Close() error { return r.client.Close() }
