// Package job defines the descriptor that the webhook gate hands to a
// worker invocation. The descriptor is the only payload crossing the
// dispatch boundary, so it must survive JSON round-trips through
// process arguments, container environment variables, and VM metadata.
package job

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ActionQueued is the only workflow_job lifecycle action that triggers
// a worker. All other actions are acknowledged and ignored.
const ActionQueued = "queued"

// Descriptor identifies one queued workflow job.
type Descriptor struct {
	// JobID is the numeric workflow job ID assigned by GitHub.
	JobID int64 `json:"job_id"`

	// OwnerRepo is the full repository name ("owner/repo") the job
	// belongs to. Runner registration is scoped to this repository.
	OwnerRepo string `json:"owner_repo"`

	// Labels are the runner labels the job requested. Compared, never
	// mutated.
	Labels []string `json:"labels"`

	// Action is the workflow_job lifecycle action that produced this
	// descriptor. Always ActionQueued for dispatched descriptors.
	Action string `json:"action"`
}

// Validate checks that the descriptor is complete enough to act on.
func (d *Descriptor) Validate() error {
	if d.JobID == 0 {
		return fmt.Errorf("job descriptor: job_id is required")
	}
	if _, _, err := d.SplitOwnerRepo(); err != nil {
		return err
	}
	if d.Action != ActionQueued {
		return fmt.Errorf("job descriptor: action %q is not %q", d.Action, ActionQueued)
	}
	return nil
}

// SplitOwnerRepo returns the owner and repository halves of OwnerRepo.
func (d *Descriptor) SplitOwnerRepo() (owner, repo string, err error) {
	owner, repo, ok := strings.Cut(d.OwnerRepo, "/")
	if !ok || owner == "" || repo == "" {
		return "", "", fmt.Errorf("job descriptor: owner_repo %q is not \"owner/repo\"", d.OwnerRepo)
	}
	return owner, repo, nil
}

// Encode serializes the descriptor for transport across the dispatch
// boundary.
func (d *Descriptor) Encode() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encoding job descriptor: %w", err)
	}
	return data, nil
}

// Decode parses a descriptor produced by Encode and validates it.
func Decode(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decoding job descriptor: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}
