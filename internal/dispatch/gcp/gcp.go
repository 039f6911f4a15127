// Package gcp implements the dispatch.Dispatcher interface using Google
// Cloud Compute Engine: each worker invocation is one single-use VM.
//
// Authentication uses Application Default Credentials (ADC). No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
//
// The worker image is expected to run `burst run-job` on boot, reading
// the job descriptor from the burst-job metadata key, and to delete its
// own instance when the invocation exits (the attached service account
// needs compute.instances.delete for that).
package gcp

import (
	"context"
	"fmt"
	"log/slog"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	"github.com/google/uuid"
	gax "github.com/googleapis/gax-go/v2"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/burst/internal/dispatch"
	"github.com/terrpan/burst/internal/job"
)

// jobPayloadMetadataKey is the instance metadata key carrying the
// encoded job descriptor.
const jobPayloadMetadataKey = "burst-job"

// Config holds GCP-specific dispatch settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where worker VMs are created (required).
	Zone string

	// MachineType is the Compute Engine machine type.
	// Default: "e2-medium".
	MachineType string

	// Image is the full self-link or family URL of the worker image (required).
	// Examples:
	//   "projects/my-project/global/images/burst-worker-1234567890"
	//   "projects/my-project/global/images/family/burst-worker"
	Image string

	// DiskSizeGB is the boot disk size in GB. Default: 50.
	DiskSizeGB int64

	// Network is the VPC network (optional). Defaults to "default".
	Network string

	// Subnet is the subnetwork (optional). If empty, the default subnet
	// for the zone is used.
	Subnet string

	// PublicIP controls whether worker VMs get an external IP.
	// Default: true.
	PublicIP bool

	// ServiceAccount is the GCP service account email to attach to
	// worker VMs (optional). If empty, the project's default compute
	// service account is used.
	ServiceAccount string
}

// operationWaiter is the part of *compute.Operation the dispatcher
// uses. Narrowed to an interface so tests can stub long-running
// operations.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the part of *compute.InstancesClient the dispatcher
// uses.
type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest, opts ...gax.CallOption) (operationWaiter, error)
	Close() error
}

// realInstances adapts *compute.InstancesClient to instancesAPI
// (the concrete Insert returns *compute.Operation, not the interface).
type realInstances struct {
	client *compute.InstancesClient
}

func (r realInstances) Insert(ctx context.Context, req *computepb.InsertInstanceRequest, opts ...gax.CallOption) (operationWaiter, error) {
	op, err := r.client.Insert(ctx, req, opts...)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (r realInstances) Close() error { return r.client.Close() }

// Dispatcher launches worker invocations as GCP Compute Engine VMs.
type Dispatcher struct {
	client instancesAPI
	cfg    Config
	logger *slog.Logger
}

// Compile-time check that Dispatcher satisfies dispatch.Dispatcher.
var _ dispatch.Dispatcher = (*Dispatcher)(nil)

// New creates a GCP dispatcher using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Dispatcher, error) {
	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	d := newWithClient(realInstances{client: client}, cfg, logger)

	logger.Info("gcp dispatcher initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
		slog.String("machine_type", d.cfg.MachineType),
		slog.String("image", cfg.Image),
	)

	return d, nil
}

// newWithClient is the injectable constructor used by tests.
func newWithClient(client instancesAPI, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.MachineType == "" {
		cfg.MachineType = "e2-medium"
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 50
	}
	if cfg.Network == "" {
		cfg.Network = "default"
	}
	return &Dispatcher{
		client: client,
		cfg:    cfg,
		logger: logger,
	}
}

// Dispatch creates one worker VM carrying the descriptor in instance
// metadata and waits for the insert operation to complete. The VM is
// single-use and removes itself, so nothing is tracked here.
func (d *Dispatcher) Dispatch(ctx context.Context, desc *job.Descriptor) error {
	payload, err := desc.Encode()
	if err != nil {
		return err
	}

	name := fmt.Sprintf("burst-%d-%s", desc.JobID, uuid.NewString()[:8])
	machineType := fmt.Sprintf("zones/%s/machineTypes/%s", d.cfg.Zone, d.cfg.MachineType)

	// Boot disk from the pre-built worker image.
	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(d.cfg.Image),
			DiskSizeGb:  proto.Int64(d.cfg.DiskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", d.cfg.Zone)),
		},
	}

	// Network interface.
	networkURL := fmt.Sprintf("global/networks/%s", d.cfg.Network)
	nic := &computepb.NetworkInterface{
		Network: proto.String(networkURL),
	}
	if d.cfg.Subnet != "" {
		nic.Subnetwork = proto.String(d.cfg.Subnet)
	}
	if d.cfg.PublicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{
			{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			},
		}
	}

	// Instance metadata: pass the job descriptor to the boot script.
	metadata := &computepb.Metadata{
		Items: []*computepb.Items{
			{
				Key:   proto.String(jobPayloadMetadataKey),
				Value: proto.String(string(payload)),
			},
		},
	}

	instance := &computepb.Instance{
		Name:              proto.String(name),
		MachineType:       proto.String(machineType),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Metadata:          metadata,
	}

	// Attach a service account if configured.
	if d.cfg.ServiceAccount != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(d.cfg.ServiceAccount),
				Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
			},
		}
	}

	d.logger.Info("creating worker VM",
		slog.Int64("jobID", desc.JobID),
		slog.String("name", name),
		slog.String("machine_type", d.cfg.MachineType),
		slog.String("zone", d.cfg.Zone),
	)

	op, err := d.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          d.cfg.Project,
		Zone:             d.cfg.Zone,
		InstanceResource: instance,
	})
	if err != nil {
		return fmt.Errorf("insert instance %s: %w", name, err)
	}

	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for instance %s: %w", name, err)
	}

	d.logger.Info("worker VM dispatched",
		slog.Int64("jobID", desc.JobID),
		slog.String("name", name),
		slog.String("zone", d.cfg.Zone),
	)

	return nil
}

// Close releases the API client.
func (d *Dispatcher) Close() error {
	return d.client.Close()
}
