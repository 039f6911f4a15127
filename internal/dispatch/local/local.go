// Package local implements the dispatch.Dispatcher interface by
// re-executing the current binary with the run-job subcommand in a
// detached session. It is the development analogue of an asynchronous
// platform invocation: the child outlives the HTTP request and the
// parent never waits for the job's outcome.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/terrpan/burst/internal/dispatch"
	"github.com/terrpan/burst/internal/job"
)

// Config holds local-dispatch settings.
type Config struct {
	// ExecPath is the binary to invoke. Defaults to the current
	// executable.
	ExecPath string

	// ConfigPath is forwarded to the child via --config so the worker
	// loads the same configuration file as the gate.
	ConfigPath string
}

// Dispatcher launches worker invocations as detached child processes.
type Dispatcher struct {
	execPath   string
	configPath string
	logger     *slog.Logger
}

// Compile-time check that Dispatcher satisfies dispatch.Dispatcher.
var _ dispatch.Dispatcher = (*Dispatcher)(nil)

// New creates a local Dispatcher.
func New(cfg Config, logger *slog.Logger) (*Dispatcher, error) {
	if cfg.ExecPath == "" {
		path, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolving executable: %w", err)
		}
		cfg.ExecPath = path
	}
	return &Dispatcher{
		execPath:   cfg.ExecPath,
		configPath: cfg.ConfigPath,
		logger:     logger,
	}, nil
}

// Dispatch starts one detached run-job process carrying desc. The child
// runs in its own session so it survives the parent's exit and never
// shares the gate's controlling terminal.
func (d *Dispatcher) Dispatch(_ context.Context, desc *job.Descriptor) error {
	payload, err := desc.Encode()
	if err != nil {
		return err
	}

	args := []string{"run-job", "--payload", string(payload)}
	if d.configPath != "" {
		args = append(args, "--config", d.configPath)
	}

	// Deliberately not CommandContext: the child must outlive the
	// HTTP request context.
	cmd := exec.Command(d.execPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting worker process: %w", err)
	}

	d.logger.Info("worker process dispatched",
		slog.Int64("jobID", desc.JobID),
		slog.Int("pid", cmd.Process.Pid),
	)

	// Reap the child in the background so it never zombies.
	go func() {
		if err := cmd.Wait(); err != nil {
			d.logger.Warn("worker process exited with error",
				slog.Int64("jobID", desc.JobID),
				slog.String("error", err.Error()),
			)
		}
	}()

	return nil
}

// Close is a no-op for local dispatch.
func (d *Dispatcher) Close() error { return nil }
