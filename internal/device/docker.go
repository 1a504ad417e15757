package device

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

const (
	containerStartAttempts = 20
	containerStartDelay    = 500 * time.Millisecond
)

// containerAPI is the part of the Docker client the checker uses.
type containerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
}

// ContainerChecker makes sure the container hosting the emulator is running
// before delegating to the next checker.
type ContainerChecker struct {
	cli       containerAPI
	container string
	next      Checker
}

// NewContainerChecker creates a Docker-backed checker for the named container.
func NewContainerChecker(containerName string, next Checker) (*ContainerChecker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	slog.Info("Docker client initialized", "container", containerName)
	return &ContainerChecker{cli: cli, container: containerName, next: next}, nil
}

// Check starts the emulator container if it is stopped, then runs next.
func (c *ContainerChecker) Check(ctx context.Context, serial string) error {
	inspect, err := c.cli.ContainerInspect(ctx, c.container)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("%w: container %s not found", ErrDeviceUnreachable, c.container)
		}
		return fmt.Errorf("%w: inspect container %s: %v", ErrDeviceUnreachable, c.container, err)
	}

	if !isRunning(inspect) {
		slog.Info("Starting stopped emulator container", "container", c.container)
		if err := c.cli.ContainerStart(ctx, c.container, container.StartOptions{}); err != nil {
			return fmt.Errorf("%w: start container %s: %v", ErrDeviceUnreachable, c.container, err)
		}
		if err := c.waitRunning(ctx); err != nil {
			return err
		}
	}

	if c.next == nil {
		return nil
	}
	return c.next.Check(ctx, serial)
}

func (c *ContainerChecker) waitRunning(ctx context.Context) error {
	for i := 0; i < containerStartAttempts; i++ {
		inspect, err := c.cli.ContainerInspect(ctx, c.container)
		if err == nil && isRunning(inspect) {
			return nil
		}
		if err := Sleep(ctx, containerStartDelay); err != nil {
			return fmt.Errorf("%w: waiting for container %s: %v", ErrDeviceUnreachable, c.container, err)
		}
	}
	return fmt.Errorf("%w: container %s did not start", ErrDeviceUnreachable, c.container)
}

func isRunning(inspect container.InspectResponse) bool {
	return inspect.ContainerJSONBase != nil && inspect.State != nil && inspect.State.Running
}
