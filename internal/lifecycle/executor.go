package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/terrpan/burst/internal/job"
)

// waitDelay bounds how long we wait for a killed runner's pipes to
// drain before Wait gives up on it.
const waitDelay = 10 * time.Second

// RunnerExecutor implements Executor by staging a pre-baked GitHub
// Actions runner distribution into the session work root, configuring
// it as an ephemeral (single-use, self-deregistering) runner, and
// running it until the job completes or the deadline elapses.
//
// The runner is an opaque external process: the executor only observes
// completed vs. timed out, and forwards its output verbatim to the log
// sink.
type RunnerExecutor struct {
	// DistDir is the directory holding the unpacked runner
	// distribution (config.sh, run.sh, bin/...). It is copied, never
	// mutated, so invocations cannot contaminate each other through it.
	DistDir string

	// ServerURL is the GitHub web base URL the runner registers
	// against. Default: "https://github.com".
	ServerURL string

	// PoolName prefixes the generated runner name.
	PoolName string

	// Labels are applied to the runner at configuration time. They
	// must include every label the pool matches on, or GitHub will
	// never route the claimed job here.
	Labels []string

	Logger *slog.Logger
}

var _ Executor = (*RunnerExecutor)(nil)

// Run stages, configures, and runs the runner for one session.
func (e *RunnerExecutor) Run(ctx context.Context, sess *Session, desc *job.Descriptor) error {
	if err := e.stage(sess.WorkRoot); err != nil {
		return err
	}

	runnerName := fmt.Sprintf("%s-%d-%s", e.PoolName, desc.JobID, uuid.NewString()[:8])

	if err := e.configure(ctx, sess, desc, runnerName); err != nil {
		return err
	}
	return e.run(ctx, sess, runnerName)
}

// stage copies the runner distribution into the fresh work root.
func (e *RunnerExecutor) stage(workRoot string) error {
	if err := os.CopyFS(workRoot, os.DirFS(e.DistDir)); err != nil {
		return fmt.Errorf("staging runner into %s: %w", workRoot, err)
	}
	return nil
}

// configure registers the runner as ephemeral against the repository.
// Output is captured rather than streamed: config.sh is short-lived and
// its output only matters on failure.
func (e *RunnerExecutor) configure(ctx context.Context, sess *Session, desc *job.Descriptor, runnerName string) error {
	serverURL := e.ServerURL
	if serverURL == "" {
		serverURL = "https://github.com"
	}

	args := []string{
		"--url", fmt.Sprintf("%s/%s", serverURL, desc.OwnerRepo),
		"--token", sess.RegistrationToken,
		"--name", runnerName,
		"--labels", strings.Join(e.Labels, ","),
		"--work", "_work",
		"--ephemeral",
		"--disableupdate",
		"--unattended",
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, "./config.sh", args...)
	cmd.Dir = sess.WorkRoot
	cmd.Stdout = &out
	cmd.Stderr = &out
	setScopedKill(cmd)

	e.Logger.Info("configuring runner", slog.String("name", runnerName))

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("configuring runner %s: %w (output: %s)", runnerName, err, out.String())
	}
	return nil
}

// run starts the runner bound to the claim and blocks until it exits or
// ctx's deadline elapses. On deadline expiry the whole process group is
// killed and the returned error wraps context.DeadlineExceeded.
func (e *RunnerExecutor) run(ctx context.Context, sess *Session, runnerName string) error {
	stdout := newLogWriter(e.Logger, slog.LevelInfo, runnerName)
	stderr := newLogWriter(e.Logger, slog.LevelWarn, runnerName)

	cmd := exec.CommandContext(ctx, "./run.sh")
	cmd.Dir = sess.WorkRoot
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setScopedKill(cmd)

	e.Logger.Info("starting runner",
		slog.String("name", runnerName),
		slog.Time("deadline", sess.Deadline),
	)

	err := cmd.Run()
	_ = stdout.Close()
	_ = stderr.Close()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("runner %s terminated: %w", runnerName, ctxErr)
	}
	if err != nil {
		return fmt.Errorf("runner %s: %w", runnerName, err)
	}
	return nil
}

// setScopedKill puts the child in its own process group and replaces
// the default cancel behavior with a kill of the whole group, so
// nothing the runner spawned survives the invocation.
func setScopedKill(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay
}

// ---------------------------------------------------------------------------
// log forwarding
// ---------------------------------------------------------------------------

// logWriter forwards process output to the structured log sink, one
// record per line. Partial lines are buffered until the newline
// arrives; whatever remains is flushed on Close.
type logWriter struct {
	logger *slog.Logger
	level  slog.Level
	runner string
	buf    bytes.Buffer
}

func newLogWriter(logger *slog.Logger, level slog.Level, runner string) *logWriter {
	return &logWriter{logger: logger, level: level, runner: runner}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Incomplete line: put it back and wait for more.
			w.buf.WriteString(line)
			break
		}
		w.emit(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

func (w *logWriter) Close() error {
	if w.buf.Len() > 0 {
		w.emit(strings.TrimRight(w.buf.String(), "\r\n"))
		w.buf.Reset()
	}
	return nil
}

func (w *logWriter) emit(line string) {
	if line == "" {
		return
	}
	w.logger.Log(context.Background(), w.level, "runner output",
		slog.String("runner", w.runner),
		slog.String("line", line),
	)
}
