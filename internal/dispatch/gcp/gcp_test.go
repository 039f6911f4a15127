package gcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/burst/internal/job"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockOperation struct {
	err error
}

func (m *mockOperation) Wait(_ context.Context, _ ...gax.CallOption) error {
	return m.err
}

type mockInstancesClient struct {
	insertErr error
	waitErr   error
	closed    bool

	lastReq *computepb.InsertInstanceRequest
}

func (m *mockInstancesClient) Insert(_ context.Context, req *computepb.InsertInstanceRequest, _ ...gax.CallOption) (operationWaiter, error) {
	m.lastReq = req
	if m.insertErr != nil {
		return nil, m.insertErr
	}
	return &mockOperation{err: m.waitErr}, nil
}

func (m *mockInstancesClient) Close() error {
	m.closed = true
	return nil
}

// ---------------------------------------------------------------------------
// Suite
// ---------------------------------------------------------------------------

type GCPDispatcherSuite struct {
	suite.Suite
	client     *mockInstancesClient
	dispatcher *Dispatcher
}

func TestGCPDispatcherSuite(t *testing.T) {
	suite.Run(t, new(GCPDispatcherSuite))
}

func (s *GCPDispatcherSuite) SetupTest() {
	s.client = &mockInstancesClient{}
	s.dispatcher = newWithClient(s.client, Config{
		Project: "my-project",
		Zone:    "europe-west1-b",
		Image:   "projects/my-project/global/images/family/burst-worker",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func (s *GCPDispatcherSuite) descriptor() *job.Descriptor {
	return &job.Descriptor{
		JobID:     42,
		OwnerRepo: "my-org/my-repo",
		Labels:    []string{"self-hosted", "pool-x"},
		Action:    job.ActionQueued,
	}
}

func (s *GCPDispatcherSuite) TestDispatchCreatesInstance() {
	err := s.dispatcher.Dispatch(context.Background(), s.descriptor())
	require.NoError(s.T(), err)

	req := s.client.lastReq
	require.NotNil(s.T(), req)
	assert.Equal(s.T(), "my-project", req.GetProject())
	assert.Equal(s.T(), "europe-west1-b", req.GetZone())

	inst := req.GetInstanceResource()
	require.NotNil(s.T(), inst)
	assert.True(s.T(), strings.HasPrefix(inst.GetName(), "burst-42-"),
		"instance name %q should carry the job id", inst.GetName())
	assert.Equal(s.T(), "zones/europe-west1-b/machineTypes/e2-medium", inst.GetMachineType())

	require.Len(s.T(), inst.GetDisks(), 1)
	disk := inst.GetDisks()[0]
	assert.True(s.T(), disk.GetBoot())
	assert.True(s.T(), disk.GetAutoDelete())
	assert.Equal(s.T(), int64(50), disk.GetInitializeParams().GetDiskSizeGb())
	assert.Equal(s.T(), "projects/my-project/global/images/family/burst-worker",
		disk.GetInitializeParams().GetSourceImage())
}

func (s *GCPDispatcherSuite) TestDispatchCarriesDescriptorInMetadata() {
	err := s.dispatcher.Dispatch(context.Background(), s.descriptor())
	require.NoError(s.T(), err)

	items := s.client.lastReq.GetInstanceResource().GetMetadata().GetItems()
	require.Len(s.T(), items, 1)
	assert.Equal(s.T(), "burst-job", items[0].GetKey())

	decoded, err := job.Decode([]byte(items[0].GetValue()))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), s.descriptor(), decoded)
}

func (s *GCPDispatcherSuite) TestDispatchWithoutPublicIP() {
	err := s.dispatcher.Dispatch(context.Background(), s.descriptor())
	require.NoError(s.T(), err)

	nics := s.client.lastReq.GetInstanceResource().GetNetworkInterfaces()
	require.Len(s.T(), nics, 1)
	assert.Equal(s.T(), "global/networks/default", nics[0].GetNetwork())
	assert.Empty(s.T(), nics[0].GetAccessConfigs())
}

func (s *GCPDispatcherSuite) TestDispatchWithPublicIPAndServiceAccount() {
	s.dispatcher = newWithClient(s.client, Config{
		Project:        "my-project",
		Zone:           "europe-west1-b",
		Image:          "projects/my-project/global/images/family/burst-worker",
		PublicIP:       true,
		ServiceAccount: "worker@my-project.iam.gserviceaccount.com",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := s.dispatcher.Dispatch(context.Background(), s.descriptor())
	require.NoError(s.T(), err)

	inst := s.client.lastReq.GetInstanceResource()
	require.Len(s.T(), inst.GetNetworkInterfaces(), 1)
	assert.Len(s.T(), inst.GetNetworkInterfaces()[0].GetAccessConfigs(), 1)

	require.Len(s.T(), inst.GetServiceAccounts(), 1)
	assert.Equal(s.T(), "worker@my-project.iam.gserviceaccount.com",
		inst.GetServiceAccounts()[0].GetEmail())
}

func (s *GCPDispatcherSuite) TestDispatchInsertError() {
	s.client.insertErr = errors.New("quota exceeded")

	err := s.dispatcher.Dispatch(context.Background(), s.descriptor())

	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "insert instance")
	assert.Contains(s.T(), err.Error(), "quota exceeded")
}

func (s *GCPDispatcherSuite) TestDispatchWaitError() {
	s.client.waitErr = errors.New("operation failed")

	err := s.dispatcher.Dispatch(context.Background(), s.descriptor())

	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "waiting for instance")
}

func (s *GCPDispatcherSuite) TestClose() {
	require.NoError(s.T(), s.dispatcher.Close())
	assert.True(s.T(), s.client.closed)
}

func TestNewWithClientDefaults(t *testing.T) {
	d := newWithClient(&mockInstancesClient{}, Config{
		Project: "my-project",
		Zone:    "europe-west1-b",
		Image:   "img",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.Equal(t, "e2-medium", d.cfg.MachineType)
	assert.Equal(t, int64(50), d.cfg.DiskSizeGB)
	assert.Equal(t, "default", d.cfg.Network)
}
