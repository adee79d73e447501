// Package docker implements the driver.Driver interface using the
// Docker daemon to run build servers as containers on the local host.
//
// This driver exists for development and small single-host
// deployments: the container image must run an SSH daemon so the
// dispatcher can reach the server the same way it reaches a cloud VM.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/google/uuid"

	"github.com/terrpan/buildfleet/internal/driver"
	"github.com/terrpan/buildfleet/internal/fleet"
)

// Config holds Docker-specific driver settings.
type Config struct {
	// Image is the container image to use for build servers.  It must
	// run sshd and have the build executor toolchain installed.
	Image string

	// Network is the Docker network to attach build server containers
	// to (optional).  Defaults to the daemon's default bridge.
	Network string

	// Privileged runs build server containers in privileged mode.
	// Rootless podman inside the container needs this on most hosts.
	Privileged bool
}

// dockerAPI is the slice of the Docker client the driver uses.  Tests
// substitute a mock.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerPause(ctx context.Context, containerID string) error
	ContainerUnpause(ctx context.Context, containerID string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	Close() error
}

// realClient adapts *dockerclient.Client to dockerAPI.  The networking
// and platform arguments of ContainerCreate are always nil here, so
// the seam drops them.
type realClient struct {
	client *dockerclient.Client
}

func (r *realClient) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, containerName string) (container.CreateResponse, error) {
	return r.client.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
}

func (r *realClient) ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error {
	return r.client.ContainerStart(ctx, containerID, options)
}

func (r *realClient) ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error {
	return r.client.ContainerStop(ctx, containerID, options)
}

func (r *realClient) ContainerPause(ctx context.Context, containerID string) error {
	return r.client.ContainerPause(ctx, containerID)
}

func (r *realClient) ContainerUnpause(ctx context.Context, containerID string) error {
	return r.client.ContainerUnpause(ctx, containerID)
}

func (r *realClient) ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error {
	return r.client.ContainerRemove(ctx, containerID, options)
}

func (r *realClient) ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error) {
	return r.client.ContainerInspect(ctx, containerID)
}

func (r *realClient) Close() error {
	return r.client.Close()
}

// Driver manages build servers as Docker containers.
type Driver struct {
	client dockerAPI
	cfg    Config
	logger *slog.Logger
}

// Compile-time check that Driver satisfies the driver.Driver interface.
var _ driver.Driver = (*Driver)(nil)

// New creates a Docker driver, connects to the daemon, and pulls the
// build server image so it is available for container creation.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Driver, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("docker driver: image is required")
	}

	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	logger.Info("pulling build server image", slog.String("image", cfg.Image))

	pull, err := client.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("image pull %s: %w", cfg.Image, err)
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.ReadAll(pull); err != nil {
		return nil, fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return nil, fmt.Errorf("closing image pull stream: %w", err)
	}

	logger.Info("build server image ready", slog.String("image", cfg.Image))

	return newDriver(&realClient{client: client}, cfg, logger), nil
}

func newDriver(client dockerAPI, cfg Config, logger *slog.Logger) *Driver {
	return &Driver{
		client: client,
		cfg:    cfg,
		logger: logger,
	}
}

// Launch creates and starts one build server container and returns its
// container ID.
func (d *Driver) Launch(ctx context.Context) ([]string, error) {
	name := fmt.Sprintf("buildsrv-%s", uuid.NewString()[:8])

	hostCfg := &container.HostConfig{
		Privileged: d.cfg.Privileged,
	}
	if d.cfg.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(d.cfg.Network)
	}

	resp, err := d.client.ContainerCreate(
		ctx,
		&container.Config{
			Image: d.cfg.Image,
		},
		hostCfg,
		name,
	)
	if err != nil {
		return nil, fmt.Errorf("container create %s: %w", name, err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = d.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("container start %s: %w", name, err)
	}

	d.logger.Info("build server container started",
		slog.String("name", name),
		slog.String("containerID", resp.ID),
	)

	return []string{resp.ID}, nil
}

// Resume restarts a stopped container, or unpauses a hibernated one.
func (d *Driver) Resume(ctx context.Context, instanceID string) error {
	inspect, err := d.client.ContainerInspect(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("container inspect %s: %w", instanceID, err)
	}

	if inspect.State != nil && inspect.State.Paused {
		d.logger.Info("unpausing build server container", slog.String("containerID", instanceID))
		if err := d.client.ContainerUnpause(ctx, instanceID); err != nil {
			return fmt.Errorf("container unpause %s: %w", instanceID, err)
		}
		return nil
	}

	d.logger.Info("restarting build server container", slog.String("containerID", instanceID))
	if err := d.client.ContainerStart(ctx, instanceID, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start %s: %w", instanceID, err)
	}
	return nil
}

// Stop halts the container.  With hibernate it pauses instead, which
// keeps process state in memory the way VM suspension does.
func (d *Driver) Stop(ctx context.Context, instanceID string, hibernate bool) error {
	if hibernate {
		d.logger.Info("pausing build server container", slog.String("containerID", instanceID))
		if err := d.client.ContainerPause(ctx, instanceID); err != nil {
			return fmt.Errorf("container pause %s: %w", instanceID, err)
		}
		return nil
	}

	d.logger.Info("stopping build server container", slog.String("containerID", instanceID))
	if err := d.client.ContainerStop(ctx, instanceID, container.StopOptions{}); err != nil {
		return fmt.Errorf("container stop %s: %w", instanceID, err)
	}
	return nil
}

// Terminate force-removes the container.  It is idempotent -- removing
// an already-removed container is not an error.
func (d *Driver) Terminate(ctx context.Context, instanceID string) error {
	d.logger.Info("removing build server container", slog.String("containerID", instanceID))

	if err := d.client.ContainerRemove(ctx, instanceID, container.RemoveOptions{Force: true}); err != nil {
		if isNotFound(err) {
			d.logger.Info("build server container already removed", slog.String("containerID", instanceID))
			return nil
		}
		return fmt.Errorf("container remove %s: %w", instanceID, err)
	}
	return nil
}

// DescribeStatuses reports the current status of the given containers.
// A container the daemon no longer knows about is reported as
// terminated.
func (d *Driver) DescribeStatuses(ctx context.Context, instanceIDs []string) ([]driver.InstanceStatus, error) {
	result := make([]driver.InstanceStatus, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		inspect, err := d.client.ContainerInspect(ctx, id)
		if err != nil {
			if isNotFound(err) {
				result = append(result, driver.InstanceStatus{
					InstanceID: id,
					Status:     fleet.StatusTerminated,
				})
				continue
			}
			return nil, fmt.Errorf("container inspect %s: %w", id, err)
		}

		result = append(result, driver.InstanceStatus{
			InstanceID:    id,
			Status:        mapContainerState(inspect.State),
			PublicAddress: containerAddress(inspect),
		})
	}
	return result, nil
}

// Shutdown closes the daemon client.  Containers are left untouched.
func (d *Driver) Shutdown(_ context.Context) error {
	return d.client.Close()
}

// isNotFound reports whether err is a "no such container" error from
// the daemon.  The client library's error types have moved between
// major versions; matching the interface and the message survives
// upgrades better than type assertions.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := err.(interface{ NotFound() }); ok {
		return true
	}
	return strings.Contains(err.Error(), "No such container")
}

// mapContainerState maps the Docker container state into the fleet's
// status enum.
func mapContainerState(state *container.State) fleet.ServerStatus {
	if state == nil {
		return fleet.StatusTerminated
	}
	switch {
	case state.Paused:
		return fleet.StatusStopped
	case state.Running:
		return fleet.StatusRunning
	case state.Restarting:
		return fleet.StatusWaitingForStartup
	case state.Dead:
		return fleet.StatusTerminated
	default: // created, exited, removing
		return fleet.StatusStopped
	}
}

// containerAddress extracts the container's IP on its first attached
// network.  On the default bridge this is the address the dispatcher
// uses for SSH.
func containerAddress(inspect container.InspectResponse) string {
	if inspect.NetworkSettings == nil {
		return ""
	}
	if ip := inspect.NetworkSettings.IPAddress; ip != "" {
		return ip
	}
	for _, nw := range inspect.NetworkSettings.Networks {
		if nw != nil && nw.IPAddress != "" {
			return nw.IPAddress
		}
	}
	return ""
}
