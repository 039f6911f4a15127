// Package dispatch defines the abstraction for the asynchronous handoff
// between the webhook gate and worker invocations. Each backend (local
// process, Docker, GCP, etc.) implements the Dispatcher interface so the
// gate remains compute-agnostic.
package dispatch

import (
	"context"

	"github.com/terrpan/burst/internal/job"
)

// Dispatcher is the contract every dispatch backend must satisfy.
//
// Every invocation is strictly single-use: the backend launches one
// worker for one job descriptor and the worker disappears when the
// invocation returns. The gate never observes the job's outcome.
type Dispatcher interface {
	// Dispatch submits exactly one worker invocation for desc.
	// Submission is fire-and-forget with respect to job execution: a
	// nil return means the invocation was accepted by the backend, not
	// that the job ran. A non-nil return means nothing was launched --
	// the caller must not retry, duplicate dispatch would double-claim
	// the job.
	Dispatch(ctx context.Context, desc *job.Descriptor) error

	// Close releases backend resources. It does not terminate
	// invocations already submitted.
	Close() error
}
