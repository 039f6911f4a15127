// Package lifecycle implements the worker side of the system: given a
// job descriptor, it acquires a registration token, runs the job inside
// a bounded time envelope, and guarantees teardown on every path.
//
// One invocation walks a terminal state machine:
//
//	START → CREDENTIAL_FETCH → REGISTER → EXECUTE → REPORT → CLEANUP → EXIT
//
// No state is persisted across invocations -- a crashed invocation
// leaves nothing behind that the next one has to repair.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/burst/internal/job"
	"github.com/terrpan/burst/internal/secrets"
)

// State identifies one step of the invocation state machine.
type State int

const (
	StateStart State = iota
	StateCredentialFetch
	StateRegister
	StateExecute
	StateReport
	StateCleanup
	StateExit
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateCredentialFetch:
		return "credential_fetch"
	case StateRegister:
		return "register"
	case StateExecute:
		return "execute"
	case StateReport:
		return "report"
	case StateCleanup:
		return "cleanup"
	case StateExit:
		return "exit"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal outcomes recorded in the final-state log record and metrics.
const (
	outcomeCompleted           = "completed"
	outcomeTimeout             = "timeout"
	outcomeCredentialFailure   = "credential_failure"
	outcomeRegistrationFailure = "registration_failure"
	outcomeExecutionFailure    = "execution_failure"
)

// Session is the per-invocation state created after registration. It
// is owned exclusively by one invocation and destroyed when the
// invocation returns.
type Session struct {
	JobID             int64
	RegistrationToken string
	WorkRoot          string
	Deadline          time.Time
}

// Registrar exchanges the long-lived credential for a short-lived,
// single-use registration token scoped to one repository.
type Registrar interface {
	RegistrationToken(ctx context.Context, credential []byte, ownerRepo string) (string, error)
}

// Executor stages and runs the execution environment for one session.
// It must honor ctx's deadline: when the deadline elapses the
// environment is forcibly terminated and Run returns an error wrapping
// context.DeadlineExceeded. Any child processes must be gone by the
// time Run returns, on every path.
type Executor interface {
	Run(ctx context.Context, sess *Session, desc *job.Descriptor) error
}

// Config holds the parameters for an Invoker.
type Config struct {
	// TokenSecretName is the secret-store name of the long-lived
	// GitHub credential.
	TokenSecretName string

	// WorkDir is the parent directory for per-invocation work roots.
	// Defaults to os.TempDir().
	WorkDir string

	// ExecutionCeiling is the platform's hard execution limit for one
	// invocation. Default: 15m.
	ExecutionCeiling time.Duration

	// SafetyMargin is subtracted from ExecutionCeiling to compute the
	// execution deadline, leaving room for cleanup to finish before the
	// platform force-kills the invocation. Default: 60s.
	SafetyMargin time.Duration

	Secrets   secrets.Store
	Registrar Registrar
	Executor  Executor
	Logger    *slog.Logger
}

// Invoker runs one worker invocation per call to Run.
type Invoker struct {
	tokenSecretName string
	workDir         string
	ceiling         time.Duration
	margin          time.Duration

	secrets   secrets.Store
	registrar Registrar
	executor  Executor
	logger    *slog.Logger

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	invocations     metric.Int64Counter
	executeDuration metric.Float64Histogram
}

// New creates an Invoker.
func New(cfg Config) *Invoker {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.ExecutionCeiling == 0 {
		cfg.ExecutionCeiling = 15 * time.Minute
	}
	if cfg.SafetyMargin == 0 {
		cfg.SafetyMargin = time.Minute
	}

	iv := &Invoker{
		tokenSecretName: cfg.TokenSecretName,
		workDir:         cfg.WorkDir,
		ceiling:         cfg.ExecutionCeiling,
		margin:          cfg.SafetyMargin,
		secrets:         cfg.Secrets,
		registrar:       cfg.Registrar,
		executor:        cfg.Executor,
		logger:          cfg.Logger,
		tracer:          otel.Tracer("burst/lifecycle"),
		meter:           otel.Meter("burst/lifecycle"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	iv.invocations, err = iv.meter.Int64Counter(
		"burst.lifecycle.invocations",
		metric.WithDescription("Total number of worker invocations by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create invocations counter", slog.String("error", err.Error()))
	}

	iv.executeDuration, err = iv.meter.Float64Histogram(
		"burst.lifecycle.execute.duration",
		metric.WithDescription("Duration of the execute phase (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create executeDuration histogram", slog.String("error", err.Error()))
	}

	return iv
}

// Run executes one full invocation for desc. The returned error
// reflects credential, registration, or execution failures; a timed-out
// execution is a handled outcome, not an error. Cleanup runs exactly
// once on every path.
func (iv *Invoker) Run(ctx context.Context, desc *job.Descriptor) error {
	ctx, span := iv.tracer.Start(ctx, "lifecycle.Run")
	defer span.End()

	start := time.Now()
	deadline := start.Add(iv.ceiling - iv.margin)

	span.SetAttributes(
		attribute.Int64("job.id", desc.JobID),
		attribute.String("job.repo", desc.OwnerRepo),
	)

	logger := iv.logger.With(
		slog.Int64("jobID", desc.JobID),
		slog.String("repo", desc.OwnerRepo),
	)

	// The work root exists for the whole invocation so CLEANUP has a
	// single target regardless of which state failed. MkdirTemp gives
	// every invocation its own isolated root -- roots are never reused.
	workRoot, err := os.MkdirTemp(iv.workDir, fmt.Sprintf("burst-%d-", desc.JobID))
	if err != nil {
		return fmt.Errorf("creating work root: %w", err)
	}

	state := StateStart
	outcome := outcomeCompleted
	var finalErr error

	// CLEANUP: unconditional, exactly once. Failure is logged, never
	// escalated -- it must not mask the job's actual outcome.
	defer func() {
		logger.Info("cleanup", slog.String("workRoot", workRoot))
		if err := os.RemoveAll(workRoot); err != nil {
			logger.Error("cleanup failed",
				slog.String("workRoot", workRoot),
				slog.String("error", err.Error()),
			)
		}
		iv.report(ctx, logger, state, outcome, time.Since(start), finalErr)
	}()

	// -------------------------------------------------------------------
	// CREDENTIAL_FETCH
	// -------------------------------------------------------------------
	state = StateCredentialFetch
	credential, err := iv.secrets.Get(ctx, iv.tokenSecretName)
	if err != nil {
		outcome = outcomeCredentialFailure
		finalErr = fmt.Errorf("fetching credential: %w", err)
		return finalErr
	}

	// -------------------------------------------------------------------
	// REGISTER
	// -------------------------------------------------------------------
	state = StateRegister
	regToken, err := iv.registrar.RegistrationToken(ctx, credential, desc.OwnerRepo)
	if err != nil {
		outcome = outcomeRegistrationFailure
		finalErr = fmt.Errorf("registering worker: %w", err)
		return finalErr
	}

	sess := &Session{
		JobID:             desc.JobID,
		RegistrationToken: regToken,
		WorkRoot:          workRoot,
		Deadline:          deadline,
	}

	// -------------------------------------------------------------------
	// EXECUTE
	// -------------------------------------------------------------------
	state = StateExecute
	logger.Info("executing job",
		slog.String("workRoot", workRoot),
		slog.Time("deadline", deadline),
	)

	execCtx, cancel := context.WithDeadline(ctx, deadline)
	execStart := time.Now()
	execErr := iv.executor.Run(execCtx, sess, desc)
	cancel()

	if iv.executeDuration != nil {
		iv.executeDuration.Record(ctx, time.Since(execStart).Seconds())
	}

	// -------------------------------------------------------------------
	// REPORT
	// -------------------------------------------------------------------
	state = StateReport
	switch {
	case execErr == nil:
		outcome = outcomeCompleted
	case errors.Is(execErr, context.DeadlineExceeded):
		// Expected, handled path: the executor force-terminated the
		// environment. No explicit job-fail call -- the upstream job
		// system re-queues a claimed-but-silent job on its own.
		outcome = outcomeTimeout
	default:
		outcome = outcomeExecutionFailure
		finalErr = fmt.Errorf("executing job: %w", execErr)
	}

	state = StateExit
	return finalErr
}

// report writes the single terminal-state record for the invocation.
func (iv *Invoker) report(ctx context.Context, logger *slog.Logger, state State, outcome string, elapsed time.Duration, err error) {
	if iv.invocations != nil {
		iv.invocations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}

	attrs := []any{
		slog.String("finalState", state.String()),
		slog.String("outcome", outcome),
		slog.Duration("elapsed", elapsed),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		logger.Error("invocation finished", attrs...)
		return
	}
	logger.Info("invocation finished", attrs...)
}
