// Package ci holds the domain model for CI builds: jobs, their state
// machine, secrets, cache policies, and the repository-provided build
// configuration file.
package ci

import (
	"fmt"
	"time"
)

// JobState is the lifecycle state of a CI job.  The only valid
// transitions are Starting -> WaitingForServer -> Running -> Finished.
type JobState int

const (
	JobStarting JobState = iota
	JobWaitingForServer
	JobRunning
	JobFinished
)

func (s JobState) String() string {
	switch s {
	case JobStarting:
		return "starting"
	case JobWaitingForServer:
		return "waiting_for_server"
	case JobRunning:
		return "running"
	case JobFinished:
		return "finished"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// JobKey is the composite identity of a job: one job belongs to one
// build, which belongs to one project.
type JobKey struct {
	ProjectID int64 `json:"projectID"`
	BuildID   int64 `json:"buildID"`
	JobID     int64 `json:"jobID"`
}

func (k JobKey) String() string {
	return fmt.Sprintf("%d-%d-%d", k.ProjectID, k.BuildID, k.JobID)
}

// Job is one dispatchable unit of a CI build.  Jobs are created in
// JobStarting state and are never deleted, only marked finished.
type Job struct {
	Key     JobKey   `json:"key"`
	JobName string   `json:"jobName"`
	Image   string   `json:"image"`
	State   JobState `json:"state"`

	// RunningOnServerID is set once the executor has been launched on
	// a reserved server.
	RunningOnServerID *int64     `json:"runningOnServerID,omitempty"`
	Succeeded         *bool      `json:"succeeded,omitempty"`
	FinishedAt        *time.Time `json:"finishedAt,omitempty"`

	// CacheSettingsJSON is the serialized CacheConfiguration passed to
	// the executor verbatim via CI_CACHE_OPTIONS.
	CacheSettingsJSON string `json:"cacheSettingsJSON"`

	// OutputConnectKey authorizes the executor's callback connection.
	// It must be unguessable.
	OutputConnectKey string `json:"outputConnectKey"`

	// Build-level fields, denormalized onto the job for dispatch.
	RemoteRef          string `json:"remoteRef"`
	CommitHash         string `json:"commitHash"`
	PreviousCommit     string `json:"previousCommit"`
	Branch             string `json:"branch"`
	DefaultBranch      string `json:"defaultBranch"`
	RepositoryCloneURL string `json:"repositoryCloneURL"`

	// Trusted is true when the build's ref comes from the canonical
	// repository rather than a fork.  Controls secret exposure and
	// cache isolation.
	Trusted bool `json:"trusted"`
}

// SetFinished marks the job finished with the given outcome.
func (j *Job) SetFinished(succeeded bool) {
	now := time.Now().UTC()
	j.State = JobFinished
	j.Succeeded = &succeeded
	j.FinishedAt = &now
}
