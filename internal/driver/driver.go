// Package driver defines the abstraction for cloud compute backends
// that host build servers.  Each backend (GCP Compute, Docker, future:
// EC2, Azure) implements the Driver interface so the scheduler remains
// compute-agnostic.
package driver

import (
	"context"

	"github.com/terrpan/buildfleet/internal/fleet"
)

// InstanceStatus is a point-in-time description of one instance as
// reported by the backend, already mapped into the fleet's own status
// enum.
type InstanceStatus struct {
	InstanceID    string
	Status        fleet.ServerStatus
	PublicAddress string
}

// Driver is the contract every compute backend must satisfy.
//
// Build servers are long-lived relative to jobs: they are launched,
// run many jobs, get stopped when idle, and are resumed on demand.
// Termination is always explicit, never implicit.
type Driver interface {
	// Launch provisions one new instance and returns its IDs.  The
	// contract is exactly one instance per call; callers must treat a
	// longer list as a backend fault and terminate the excess.
	Launch(ctx context.Context) ([]string, error)

	// Resume starts a stopped instance.
	Resume(ctx context.Context, instanceID string) error

	// Stop halts a running instance.  When hibernate is true and the
	// backend supports it, instance memory is preserved for a faster
	// resume.
	Stop(ctx context.Context, instanceID string, hibernate bool) error

	// Terminate permanently destroys an instance.  It must be
	// idempotent: terminating an already-gone instance is not an
	// error.
	Terminate(ctx context.Context, instanceID string) error

	// DescribeStatuses reports the current status of the given
	// instances.
	DescribeStatuses(ctx context.Context, instanceIDs []string) ([]InstanceStatus, error)

	// Shutdown releases backend resources held by the driver itself.
	// It does not touch instances.
	Shutdown(ctx context.Context) error
}
