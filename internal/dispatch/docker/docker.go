// Package docker implements the dispatch.Dispatcher interface using the
// Docker daemon to run each worker invocation as a single-use container.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/google/uuid"

	"github.com/terrpan/burst/internal/dispatch"
	"github.com/terrpan/burst/internal/job"
)

// jobPayloadEnv is the environment variable the run-job subcommand
// reads the descriptor from inside the container.
const jobPayloadEnv = "BURST_JOB"

// Config holds Docker-specific settings.
type Config struct {
	// Image is the worker image. It must contain the burst binary and
	// a pre-baked runner distribution; its entrypoint is `burst` so the
	// container runs `burst run-job` with the descriptor in BURST_JOB.
	Image string

	// Dind enables Docker-in-Docker by bind-mounting the host's Docker
	// socket (/var/run/docker.sock) into each worker container so
	// workflows can run Docker commands.
	//
	// Security note: the socket gives the worker full access to the
	// host Docker daemon. Only enable this if you trust the workflows
	// that will run on these workers.
	Dind bool
}

// Dispatcher runs worker invocations as Docker containers.
type Dispatcher struct {
	client *dockerclient.Client
	image  string
	dind   bool
	cmd    []string
	logger *slog.Logger
}

// Compile-time check that Dispatcher satisfies dispatch.Dispatcher.
var _ dispatch.Dispatcher = (*Dispatcher)(nil)

// New creates a Docker dispatcher, connects to the daemon, and pulls
// the worker image so it is available for container creation.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Dispatcher, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("docker dispatch: image is required")
	}

	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	logger.Info("pulling worker image", slog.String("image", cfg.Image))

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

	logger.Info("worker image ready", slog.String("image", cfg.Image))

	return &Dispatcher{
		client: client,
		image:  cfg.Image,
		dind:   cfg.Dind,
		cmd:    []string{"run-job"},
		logger: logger,
	}, nil
}

// Dispatch creates and starts one auto-removing container running
// `burst run-job` with the descriptor passed via environment. The
// container is single-use: when the invocation exits the daemon removes
// it, so nothing is tracked here.
func (d *Dispatcher) Dispatch(ctx context.Context, desc *job.Descriptor) error {
	payload, err := desc.Encode()
	if err != nil {
		return err
	}

	name := fmt.Sprintf("burst-%d-%s", desc.JobID, uuid.NewString()[:8])
	env := []string{
		fmt.Sprintf("%s=%s", jobPayloadEnv, payload),
	}

	hostCfg := &container.HostConfig{
		AutoRemove: true,
	}
	if d.dind {
		env = append(env, "DOCKER_HOST=unix:///var/run/docker.sock")
		hostCfg.Binds = []string{"/var/run/docker.sock:/var/run/docker.sock"}
		d.logger.Info("dind enabled: mounting docker socket",
			slog.String("name", name),
		)
	}

	resp, err := d.client.ContainerCreate(
		ctx,
		&container.Config{
			Image: d.image,
			Cmd:   d.cmd,
			Env:   env,
		},
		hostCfg,
		nil, // networking config
		nil, // platform
		name,
	)
	if err != nil {
		return fmt.Errorf("container create %s: %w", name, err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = d.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("container start %s: %w", name, err)
	}

	d.logger.Info("worker container dispatched",
		slog.Int64("jobID", desc.JobID),
		slog.String("name", name),
		slog.String("containerID", resp.ID),
	)

	return nil
}

// Close releases the Docker API client.
func (d *Dispatcher) Close() error {
	return d.client.Close()
}
