// Package sandbox provisions short-lived isolated interpreters for the
// code-execution tool. Each tool call gets its own instance; the caller is
// responsible for closing it whether or not execution succeeded.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

const (
	defaultImage = "python:3.12-slim"

	memoryLimitBytes = 512 * 1024 * 1024
	cpuQuota         = 50000 // 0.5 CPU
	pidsLimit        = 128

	// Idle command keeping the container alive between create and exec.
	idleTimeoutSecs = "300"
)

type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Instance is one provisioned sandbox. Close is safe to call more than once
// and after a failed Exec.
type Instance interface {
	Exec(ctx context.Context, code string) (ExecResult, error)
	Close(ctx context.Context) error
}

type Provisioner interface {
	Provision(ctx context.Context) (Instance, error)
}

// DockerProvisioner runs each sandbox as a network-isolated, resource-capped
// container.
type DockerProvisioner struct {
	cli   *client.Client
	image string
}

func NewDockerProvisioner(image string) (*DockerProvisioner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if image == "" {
		image = defaultImage
	}
	return &DockerProvisioner{cli: cli, image: image}, nil
}

func (p *DockerProvisioner) Provision(ctx context.Context) (Instance, error) {
	name := "patentchat-sandbox-" + uuid.NewString()[:8]
	cfg := &container.Config{
		Image:           p.image,
		Cmd:             []string{"sleep", idleTimeoutSecs},
		NetworkDisabled: true,
	}
	hostCfg := &container.HostConfig{
		AutoRemove: false,
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}
	resp, err := p.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create sandbox container: %w", err)
	}
	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := p.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errdefs.IsNotFound(removeErr) {
			log.Printf("sandbox remove after failed start container=%s err=%v", resp.ID, removeErr)
		}
		return nil, fmt.Errorf("start sandbox container %s: %w", resp.ID, err)
	}
	log.Printf("sandbox provisioned container=%s image=%s", resp.ID[:12], p.image)
	return &dockerInstance{cli: p.cli, containerID: resp.ID}, nil
}

type dockerInstance struct {
	cli         *client.Client
	containerID string
	closed      bool
}

func (d *dockerInstance) Exec(ctx context.Context, code string) (ExecResult, error) {
	execResp, err := d.cli.ContainerExecCreate(ctx, d.containerID, container.ExecOptions{
		Cmd:          []string{"python3", "-c", code},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("create exec: %w", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && ctx.Err() == nil {
		return ExecResult{}, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("inspect exec: %w", err)
	}
	return ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

func (d *dockerInstance) Close(ctx context.Context) error {
	if d.closed {
		return nil
	}
	d.closed = true

	// Teardown must succeed even when the request context is already gone.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
	}
	err := d.cli.ContainerRemove(ctx, d.containerID, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove sandbox container %s: %w", d.containerID, err)
	}
	return nil
}

func ptr[T any](v T) *T { return &v }
