package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDescriptor() *Descriptor {
	return &Descriptor{
		JobID:     42,
		OwnerRepo: "my-org/my-repo",
		Labels:    []string{"self-hosted", "pool-x"},
		Action:    ActionQueued,
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, validDescriptor().Validate())

	missingID := validDescriptor()
	missingID.JobID = 0
	assert.Error(t, missingID.Validate())

	missingRepo := validDescriptor()
	missingRepo.OwnerRepo = ""
	assert.Error(t, missingRepo.Validate())

	badRepo := validDescriptor()
	badRepo.OwnerRepo = "just-a-name"
	assert.Error(t, badRepo.Validate())
}

func TestSplitOwnerRepo(t *testing.T) {
	d := validDescriptor()

	owner, repo, err := d.SplitOwnerRepo()

	require.NoError(t, err)
	assert.Equal(t, "my-org", owner)
	assert.Equal(t, "my-repo", repo)
}

func TestSplitOwnerRepo_Invalid(t *testing.T) {
	for _, ownerRepo := range []string{"", "no-slash", "/repo", "owner/"} {
		t.Run(ownerRepo, func(t *testing.T) {
			d := validDescriptor()
			d.OwnerRepo = ownerRepo
			_, _, err := d.SplitOwnerRepo()
			assert.Error(t, err)
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	data, err := validDescriptor().Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, validDescriptor(), got)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte(`{"job_id": "not a number"`))
	assert.Error(t, err)
}

func TestDecode_InvalidDescriptor(t *testing.T) {
	// Well-formed JSON that fails validation must be rejected too.
	_, err := Decode([]byte(`{"job_id": 0, "owner_repo": "a/b"}`))
	assert.Error(t, err)
}
