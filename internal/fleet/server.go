// Package fleet holds the managed build server model and its
// persistence.  Servers are cloud compute instances whose lifecycle is
// driven by the scheduler; the fleet package itself has no knowledge of
// any cloud API.
package fleet

import (
	"fmt"
	"time"
)

// ServerStatus is the lifecycle state of a managed build server.
type ServerStatus int

const (
	StatusProvisioning ServerStatus = iota
	StatusWaitingForStartup
	StatusRunning
	StatusStopping
	StatusStopped
	StatusTerminated
)

func (s ServerStatus) String() string {
	switch s {
	case StatusProvisioning:
		return "provisioning"
	case StatusWaitingForStartup:
		return "waiting_for_startup"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ReservationType records what, if anything, holds a server.
type ReservationType int

const (
	ReservationNone ReservationType = iota
	ReservationCIJob
)

// Server is one managed compute instance.  At most one job may hold a
// reservation at a time; a Running server with no reservation is
// eligible for dispatch or idle shutdown.
type Server struct {
	ID         int64  `json:"id"`
	InstanceID string `json:"instanceID"`

	Status          ServerStatus    `json:"status"`
	ReservationType ReservationType `json:"reservationType"`
	ReservedFor     *int64          `json:"reservedFor,omitempty"`

	PublicAddress    string `json:"publicAddress,omitempty"`
	ProvisionedFully bool   `json:"provisionedFully"`
	WantsMaintenance bool   `json:"wantsMaintenance"`
	UsedDiskPercent  int    `json:"usedDiskPercent"`
	CleanUpQueued    bool   `json:"cleanUpQueued"`

	RunningSince        *time.Time `json:"runningSince,omitempty"`
	TotalRuntimeSeconds float64    `json:"totalRuntimeSeconds"`

	StatusLastChecked time.Time `json:"statusLastChecked"`

	// UpdatedAt is bumped on any mutation and drives idle-timeout
	// detection.
	UpdatedAt time.Time `json:"updatedAt"`
}

// BumpUpdatedAt refreshes the mutation timestamp.
func (s *Server) BumpUpdatedAt() {
	s.UpdatedAt = time.Now().UTC()
}

// Reserve claims the server for a job.  The scheduler guarantees the
// server is unreserved before calling this.
func (s *Server) Reserve(jobID int64) {
	s.ReservationType = ReservationCIJob
	s.ReservedFor = &jobID
	s.BumpUpdatedAt()
}

// ClearReservation releases any reservation.
func (s *Server) ClearReservation() {
	s.ReservationType = ReservationNone
	s.ReservedFor = nil
	s.BumpUpdatedAt()
}

// ReservedForJob reports whether the server is currently reserved for
// the given job.
func (s *Server) ReservedForJob(jobID int64) bool {
	return s.ReservationType == ReservationCIJob && s.ReservedFor != nil && *s.ReservedFor == jobID
}

// SetProvisioning resets the server to the provisioning state for a
// freshly launched instance.
func (s *Server) SetProvisioning(instanceID string) {
	s.InstanceID = instanceID
	s.Status = StatusProvisioning
	s.ProvisionedFully = false
	s.StatusLastChecked = time.Now().UTC()
	s.ClearReservation()
}

// Dispatchable reports whether the server can accept a new job right
// now: running, fully provisioned, not held and not flagged for
// maintenance.
func (s *Server) Dispatchable() bool {
	return s.Status == StatusRunning && s.ProvisionedFully &&
		!s.WantsMaintenance && s.ReservationType == ReservationNone
}
