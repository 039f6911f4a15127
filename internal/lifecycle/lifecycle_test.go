package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/burst/internal/job"
)

// ---------------------------------------------------------------------------
// Stubs
// ---------------------------------------------------------------------------

type stubStore struct {
	value []byte
	err   error
}

func (s stubStore) Get(_ context.Context, _ string) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.value, nil
}

type stubRegistrar struct {
	mu         sync.Mutex
	token      string
	err        error
	calls      int
	credential []byte
}

func (r *stubRegistrar) RegistrationToken(_ context.Context, credential []byte, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.credential = credential
	if r.err != nil {
		return "", r.err
	}
	return r.token, nil
}

type stubExecutor struct {
	mu    sync.Mutex
	fn    func(ctx context.Context, sess *Session, desc *job.Descriptor) error
	calls int
	sess  *Session
}

func (e *stubExecutor) Run(ctx context.Context, sess *Session, desc *job.Descriptor) error {
	e.mu.Lock()
	e.calls++
	e.sess = sess
	fn := e.fn
	e.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, sess, desc)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testDescriptor() *job.Descriptor {
	return &job.Descriptor{
		JobID:     42,
		OwnerRepo: "my-org/my-repo",
		Labels:    []string{"self-hosted", "pool-x"},
		Action:    job.ActionQueued,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newInvoker builds an Invoker whose work roots land in a fresh temp
// dir so tests can assert they were removed.
func newInvoker(t *testing.T, store stubStore, reg *stubRegistrar, exec *stubExecutor) (*Invoker, string) {
	t.Helper()
	workDir := t.TempDir()
	iv := New(Config{
		TokenSecretName:  "GITHUB_TOKEN",
		WorkDir:          workDir,
		ExecutionCeiling: 10 * time.Second,
		SafetyMargin:     time.Second,
		Secrets:          store,
		Registrar:        reg,
		Executor:         exec,
		Logger:           testLogger(),
	})
	return iv, workDir
}

// assertNoWorkRoots fails if any per-invocation directory survived
// cleanup.
func assertNoWorkRoots(t *testing.T, workDir string) {
	t.Helper()
	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "burst-"),
			"work root %s leaked past cleanup", e.Name())
	}
}

// ---------------------------------------------------------------------------
// Happy path
// ---------------------------------------------------------------------------

func TestRun_Success(t *testing.T) {
	reg := &stubRegistrar{token: "reg-token"}
	exec := &stubExecutor{
		fn: func(_ context.Context, sess *Session, _ *job.Descriptor) error {
			// The work root must exist while the job executes.
			_, err := os.Stat(sess.WorkRoot)
			return err
		},
	}
	iv, workDir := newInvoker(t, stubStore{value: []byte("ghp_token")}, reg, exec)

	err := iv.Run(context.Background(), testDescriptor())

	require.NoError(t, err)
	assert.Equal(t, 1, reg.calls)
	assert.Equal(t, []byte("ghp_token"), reg.credential)
	assert.Equal(t, 1, exec.calls)
	assertNoWorkRoots(t, workDir)
}

func TestRun_SessionFields(t *testing.T) {
	reg := &stubRegistrar{token: "reg-token"}
	exec := &stubExecutor{}
	iv, workDir := newInvoker(t, stubStore{value: []byte("ghp_token")}, reg, exec)

	start := time.Now()
	err := iv.Run(context.Background(), testDescriptor())
	require.NoError(t, err)

	sess := exec.sess
	require.NotNil(t, sess)
	assert.Equal(t, int64(42), sess.JobID)
	assert.Equal(t, "reg-token", sess.RegistrationToken)
	assert.True(t, strings.HasPrefix(sess.WorkRoot, workDir))

	// Deadline = start + (ceiling - margin) = start + 9s.
	expected := start.Add(9 * time.Second)
	assert.WithinDuration(t, expected, sess.Deadline, time.Second)
}

// ---------------------------------------------------------------------------
// Cleanup on every terminal path
// ---------------------------------------------------------------------------

func TestRun_CredentialFailure_CleansUp(t *testing.T) {
	reg := &stubRegistrar{token: "reg-token"}
	exec := &stubExecutor{}
	iv, workDir := newInvoker(t, stubStore{err: errors.New("store unavailable")}, reg, exec)

	err := iv.Run(context.Background(), testDescriptor())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetching credential")
	// No partial registration after a credential failure.
	assert.Equal(t, 0, reg.calls)
	assert.Equal(t, 0, exec.calls)
	assertNoWorkRoots(t, workDir)
}

func TestRun_RegistrationFailure_CleansUp(t *testing.T) {
	reg := &stubRegistrar{err: fmt.Errorf("api: 403")}
	exec := &stubExecutor{}
	iv, workDir := newInvoker(t, stubStore{value: []byte("ghp_token")}, reg, exec)

	err := iv.Run(context.Background(), testDescriptor())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "registering worker")
	assert.Equal(t, 0, exec.calls)
	assertNoWorkRoots(t, workDir)
}

func TestRun_ExecutionFailure_CleansUp(t *testing.T) {
	reg := &stubRegistrar{token: "reg-token"}
	exec := &stubExecutor{
		fn: func(_ context.Context, _ *Session, _ *job.Descriptor) error {
			return errors.New("runner exited 1")
		},
	}
	iv, workDir := newInvoker(t, stubStore{value: []byte("ghp_token")}, reg, exec)

	err := iv.Run(context.Background(), testDescriptor())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "executing job")
	assertNoWorkRoots(t, workDir)
}

// ---------------------------------------------------------------------------
// Timeout
// ---------------------------------------------------------------------------

func TestRun_ExecutionTimeout_IsHandled(t *testing.T) {
	reg := &stubRegistrar{token: "reg-token"}
	// An execution environment that never exits on its own: it only
	// returns when the deadline fires.
	exec := &stubExecutor{
		fn: func(ctx context.Context, _ *Session, _ *job.Descriptor) error {
			<-ctx.Done()
			return fmt.Errorf("runner terminated: %w", ctx.Err())
		},
	}
	workDir := t.TempDir()
	iv := New(Config{
		TokenSecretName:  "GITHUB_TOKEN",
		WorkDir:          workDir,
		ExecutionCeiling: 300 * time.Millisecond,
		SafetyMargin:     100 * time.Millisecond,
		Secrets:          stubStore{value: []byte("ghp_token")},
		Registrar:        reg,
		Executor:         exec,
		Logger:           testLogger(),
	})

	start := time.Now()
	err := iv.Run(context.Background(), testDescriptor())
	elapsed := time.Since(start)

	// Timeout is a handled outcome, not an invocation error.
	require.NoError(t, err)
	assert.Less(t, elapsed, 5*time.Second, "invocation hung past the deadline")
	assertNoWorkRoots(t, workDir)
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

func TestNew_Defaults(t *testing.T) {
	iv := New(Config{
		Secrets:   stubStore{},
		Registrar: &stubRegistrar{},
		Executor:  &stubExecutor{},
	})

	assert.Equal(t, 15*time.Minute, iv.ceiling)
	assert.Equal(t, time.Minute, iv.margin)
	assert.Equal(t, os.TempDir(), iv.workDir)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "start", StateStart.String())
	assert.Equal(t, "credential_fetch", StateCredentialFetch.String())
	assert.Equal(t, "register", StateRegister.String())
	assert.Equal(t, "execute", StateExecute.String())
	assert.Equal(t, "report", StateReport.String())
	assert.Equal(t, "cleanup", StateCleanup.String())
	assert.Equal(t, "exit", StateExit.String())
}
