package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerRunner executes the CLI inside a container with the working
// directory bind-mounted at /workspace. Used when the operator wants the
// worker's tool access sandboxed away from the host.
type DockerRunner struct {
	Image string

	cli *client.Client
}

func NewDockerRunner(image string) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("initialize docker client: %w", err)
	}
	return &DockerRunner{Image: image, cli: cli}, nil
}

func (d *DockerRunner) Run(ctx context.Context, cliOpts CLIOptions, inv Invocation, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	workDirPath, err := filepath.Abs(inv.WorkDir)
	if err != nil {
		return "", fmt.Errorf("resolve workdir: %w", err)
	}
	if err := os.MkdirAll(workDirPath, 0755); err != nil {
		return "", fmt.Errorf("create workdir: %w", err)
	}

	containedInv := inv
	containedInv.WorkDir = "/workspace"
	cmd := append([]string{cliOpts.Cmd}, cliOpts.ExtraArgs...)
	cmd = append(cmd, BuildArgs(containedInv)...)

	name := fmt.Sprintf("looper-worker-%d", time.Now().UnixNano())
	containerConfig := &container.Config{
		Image:      d.Image,
		Cmd:        cmd,
		Tty:        false,
		WorkingDir: "/workspace",
		Env: []string{
			"ANTHROPIC_API_KEY=" + os.Getenv("ANTHROPIC_API_KEY"),
		},
	}
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: workDirPath, Target: "/workspace"},
		},
		AutoRemove: false,
	}

	resp, err := d.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.cli.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	}()

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := d.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case <-ctx.Done():
		killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.cli.ContainerRemove(killCtx, resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		return "", fmt.Errorf("child process timed out after %s", timeout)
	case err := <-errCh:
		return "", fmt.Errorf("wait for container: %w", err)
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	stdout, stderr, err := d.containerOutput(resp.ID)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		detail := stderr
		if detail == "" {
			detail = stdout
		}
		if len(detail) > 500 {
			detail = detail[:500]
		}
		return stdout, fmt.Errorf("child process failed: exit %d: %s", exitCode, detail)
	}
	return stdout, nil
}

func (d *DockerRunner) containerOutput(id string) (string, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logs, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", fmt.Errorf("read container logs: %w", err)
	}
	defer logs.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, logs); err != nil {
		return "", "", fmt.Errorf("demux container logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}
