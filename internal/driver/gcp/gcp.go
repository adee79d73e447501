// Package gcp implements the driver.Driver interface using Google
// Cloud Compute Engine to host build servers as VMs.
//
// Authentication uses Application Default Credentials (ADC).  No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/buildfleet/internal/driver"
	"github.com/terrpan/buildfleet/internal/fleet"
)

// Config holds GCP-specific driver settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where build server VMs are created (required).
	Zone string

	// MachineType is the Compute Engine machine type.
	// Default: "e2-standard-4".
	MachineType string

	// Image is the full self-link or family URL of the build server
	// image (required).  Examples:
	//   "projects/my-project/global/images/buildfleet-server-1234567890"
	//   "projects/my-project/global/images/family/buildfleet-server"
	Image string

	// DiskSizeGB is the boot disk size in GB.  Default: 100.
	DiskSizeGB int64

	// Network is the VPC network (optional).  Defaults to "default".
	Network string

	// Subnet is the subnetwork (optional).  If empty, the default
	// subnet for the zone is used.
	Subnet string

	// PublicIP controls whether build server VMs get an external IP.
	// Default: true.  The dispatcher needs to reach the servers over
	// SSH, so disable this only with VPC-internal connectivity.
	PublicIP bool

	// ServiceAccount is the GCP service account email to attach to
	// build server VMs (optional).
	ServiceAccount string
}

// operationWaiter abstracts the long-running operation returned by the
// compute API so tests can stub completion.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the slice of the Compute Engine instances client the
// driver uses.  The production implementation wraps
// *compute.InstancesClient; tests substitute a mock.
type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error)
	Start(ctx context.Context, req *computepb.StartInstanceRequest) (operationWaiter, error)
	Stop(ctx context.Context, req *computepb.StopInstanceRequest) (operationWaiter, error)
	Suspend(ctx context.Context, req *computepb.SuspendInstanceRequest) (operationWaiter, error)
	Resume(ctx context.Context, req *computepb.ResumeInstanceRequest) (operationWaiter, error)
	Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error)
	Close() error
}

// restInstancesClient adapts *compute.InstancesClient to instancesAPI.
type restInstancesClient struct {
	client *compute.InstancesClient
}

func (r *restInstancesClient) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	return r.client.Insert(ctx, req)
}

func (r *restInstancesClient) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	return r.client.Delete(ctx, req)
}

func (r *restInstancesClient) Start(ctx context.Context, req *computepb.StartInstanceRequest) (operationWaiter, error) {
	return r.client.Start(ctx, req)
}

func (r *restInstancesClient) Stop(ctx context.Context, req *computepb.StopInstanceRequest) (operationWaiter, error) {
	return r.client.Stop(ctx, req)
}

func (r *restInstancesClient) Suspend(ctx context.Context, req *computepb.SuspendInstanceRequest) (operationWaiter, error) {
	return r.client.Suspend(ctx, req)
}

func (r *restInstancesClient) Resume(ctx context.Context, req *computepb.ResumeInstanceRequest) (operationWaiter, error) {
	return r.client.Resume(ctx, req)
}

func (r *restInstancesClient) Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	return r.client.Get(ctx, req)
}

func (r *restInstancesClient) Close() error {
	return r.client.Close()
}

// Driver manages build servers as GCP Compute Engine VMs.
type Driver struct {
	client instancesAPI
	cfg    Config
	logger *slog.Logger

	tracer trace.Tracer
}

// Compile-time check that Driver satisfies the driver.Driver interface.
var _ driver.Driver = (*Driver)(nil)

// New creates a GCP driver using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Driver, error) {
	if cfg.MachineType == "" {
		cfg.MachineType = "e2-standard-4"
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 100
	}
	if cfg.Network == "" {
		cfg.Network = "default"
	}

	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	logger.Info("gcp driver initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
		slog.String("machine_type", cfg.MachineType),
		slog.String("image", cfg.Image),
	)

	return newDriver(&restInstancesClient{client: client}, cfg, logger), nil
}

// newDriver wires an instancesAPI into a Driver.  Split out from New so
// tests can substitute a mock client.
func newDriver(client instancesAPI, cfg Config, logger *slog.Logger) *Driver {
	return &Driver{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("buildfleet/driver/gcp"),
	}
}

// Launch creates one new build server VM and returns its instance name.
func (d *Driver) Launch(ctx context.Context) ([]string, error) {
	ctx, span := d.tracer.Start(ctx, "driver.gcp.Launch")
	defer span.End()

	name := fmt.Sprintf("buildsrv-%s", uuid.NewString()[:8])
	span.SetAttributes(
		attribute.String("gcp.instance_name", name),
		attribute.String("gcp.project", d.cfg.Project),
		attribute.String("gcp.zone", d.cfg.Zone),
		attribute.String("gcp.machine_type", d.cfg.MachineType),
	)

	machineType := fmt.Sprintf("zones/%s/machineTypes/%s", d.cfg.Zone, d.cfg.MachineType)

	// Boot disk from the pre-built build server image.
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

	instance := &computepb.Instance{
		Name:              proto.String(name),
		MachineType:       proto.String(machineType),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
	}

	if d.cfg.ServiceAccount != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(d.cfg.ServiceAccount),
				Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
			},
		}
	}

	d.logger.Info("launching build server VM",
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
		return nil, fmt.Errorf("insert instance %s: %w", name, err)
	}

	span.AddEvent("waiting for GCP operation")
	if err := op.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for instance %s: %w", name, err)
	}

	d.logger.Info("build server VM launched", slog.String("name", name))

	// For GCP, the instance name is the opaque ID.
	return []string{name}, nil
}

// Resume starts a stopped or suspended VM.  Suspended instances need a
// resume call, halted ones a start call, so the current status is
// checked first.
func (d *Driver) Resume(ctx context.Context, instanceID string) error {
	ctx, span := d.tracer.Start(ctx, "driver.gcp.Resume")
	defer span.End()
	span.SetAttributes(attribute.String("gcp.instance_name", instanceID))

	instance, err := d.client.Get(ctx, &computepb.GetInstanceRequest{
		Project:  d.cfg.Project,
		Zone:     d.cfg.Zone,
		Instance: instanceID,
	})
	if err != nil {
		return fmt.Errorf("get instance %s: %w", instanceID, err)
	}

	var op operationWaiter
	if instance.GetStatus() == "SUSPENDED" {
		d.logger.Info("resuming suspended build server VM", slog.String("name", instanceID))
		op, err = d.client.Resume(ctx, &computepb.ResumeInstanceRequest{
			Project:  d.cfg.Project,
			Zone:     d.cfg.Zone,
			Instance: instanceID,
		})
	} else {
		d.logger.Info("starting stopped build server VM", slog.String("name", instanceID))
		op, err = d.client.Start(ctx, &computepb.StartInstanceRequest{
			Project:  d.cfg.Project,
			Zone:     d.cfg.Zone,
			Instance: instanceID,
		})
	}
	if err != nil {
		return fmt.Errorf("resume instance %s: %w", instanceID, err)
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for resume of %s: %w", instanceID, err)
	}
	return nil
}

// Stop halts the VM.  With hibernate it suspends instead, preserving
// instance memory for a faster resume.
func (d *Driver) Stop(ctx context.Context, instanceID string, hibernate bool) error {
	ctx, span := d.tracer.Start(ctx, "driver.gcp.Stop")
	defer span.End()
	span.SetAttributes(
		attribute.String("gcp.instance_name", instanceID),
		attribute.Bool("gcp.hibernate", hibernate),
	)

	var op operationWaiter
	var err error
	if hibernate {
		d.logger.Info("suspending build server VM", slog.String("name", instanceID))
		op, err = d.client.Suspend(ctx, &computepb.SuspendInstanceRequest{
			Project:  d.cfg.Project,
			Zone:     d.cfg.Zone,
			Instance: instanceID,
		})
	} else {
		d.logger.Info("stopping build server VM", slog.String("name", instanceID))
		op, err = d.client.Stop(ctx, &computepb.StopInstanceRequest{
			Project:  d.cfg.Project,
			Zone:     d.cfg.Zone,
			Instance: instanceID,
		})
	}
	if err != nil {
		return fmt.Errorf("stop instance %s: %w", instanceID, err)
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for stop of %s: %w", instanceID, err)
	}
	return nil
}

// Terminate permanently deletes the VM.  It is idempotent -- deleting
// an already-deleted VM is not an error.
func (d *Driver) Terminate(ctx context.Context, instanceID string) error {
	ctx, span := d.tracer.Start(ctx, "driver.gcp.Terminate")
	defer span.End()
	span.SetAttributes(attribute.String("gcp.instance_name", instanceID))

	d.logger.Info("terminating build server VM", slog.String("name", instanceID))

	op, err := d.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  d.cfg.Project,
		Zone:     d.cfg.Zone,
		Instance: instanceID,
	})
	if err != nil {
		if isNotFound(err) {
			span.AddEvent("instance already deleted (idempotent)")
			d.logger.Info("build server VM already deleted", slog.String("name", instanceID))
			return nil
		}
		return fmt.Errorf("delete instance %s: %w", instanceID, err)
	}

	if err := op.Wait(ctx); err != nil {
		// Also handle 404 during wait -- race between delete and check.
		if isNotFound(err) {
			span.AddEvent("instance already deleted during wait (idempotent)")
			d.logger.Info("build server VM already deleted", slog.String("name", instanceID))
			return nil
		}
		return fmt.Errorf("waiting for delete of %s: %w", instanceID, err)
	}

	return nil
}

// DescribeStatuses reports the current status of the given instances.
// An instance the API no longer knows about is reported as terminated.
func (d *Driver) DescribeStatuses(ctx context.Context, instanceIDs []string) ([]driver.InstanceStatus, error) {
	ctx, span := d.tracer.Start(ctx, "driver.gcp.DescribeStatuses")
	defer span.End()
	span.SetAttributes(attribute.Int("gcp.instances_count", len(instanceIDs)))

	result := make([]driver.InstanceStatus, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		instance, err := d.client.Get(ctx, &computepb.GetInstanceRequest{
			Project:  d.cfg.Project,
			Zone:     d.cfg.Zone,
			Instance: id,
		})
		if err != nil {
			if isNotFound(err) {
				result = append(result, driver.InstanceStatus{
					InstanceID: id,
					Status:     fleet.StatusTerminated,
				})
				continue
			}
			return nil, fmt.Errorf("get instance %s: %w", id, err)
		}

		result = append(result, driver.InstanceStatus{
			InstanceID:    id,
			Status:        mapInstanceStatus(instance.GetStatus()),
			PublicAddress: publicAddress(instance),
		})
	}
	return result, nil
}

// Shutdown closes the API client.  Instances are left untouched.
func (d *Driver) Shutdown(_ context.Context) error {
	return d.client.Close()
}

// mapInstanceStatus maps Compute Engine instance status strings into
// the fleet's status enum.  Note that GCP "TERMINATED" means a halted
// VM that still exists and can be started again; a deleted VM is
// reported via 404 instead.
func mapInstanceStatus(status string) fleet.ServerStatus {
	switch status {
	case "RUNNING":
		return fleet.StatusRunning
	case "PROVISIONING", "STAGING":
		return fleet.StatusWaitingForStartup
	case "STOPPING", "SUSPENDING":
		return fleet.StatusStopping
	case "SUSPENDED", "TERMINATED", "STOPPED":
		return fleet.StatusStopped
	default:
		return fleet.StatusWaitingForStartup
	}
}

// publicAddress extracts the external NAT IP from the instance, if any.
func publicAddress(instance *computepb.Instance) string {
	for _, nic := range instance.GetNetworkInterfaces() {
		for _, ac := range nic.GetAccessConfigs() {
			if ip := ac.GetNatIP(); ip != "" {
				return ip
			}
		}
	}
	return ""
}

// isNotFound reports whether err is a "not found" (404) error from the
// GCP API.  The google-cloud-go compute library wraps googleapi.Error;
// string matching survives library version changes better than
// type-asserting through the wrapping layers.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"Error 404",
		"code = NotFound",
		"notFound",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
