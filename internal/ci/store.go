package ci

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// JobStore is the control plane's view of job persistence.  Callers
// mutate a copy obtained from Get and write it back with Save; the
// store is the single source of truth between scheduler ticks and
// dispatch attempts.
type JobStore interface {
	Get(key JobKey) (*Job, bool)
	List() []*Job
	// Pending returns jobs in JobStarting state, in a stable order.
	Pending() []*Job
	Add(job *Job) error
	Save(job *Job) error
	// AppendOutput records human-readable build output for a job so
	// the control plane always has an explanation to display, even
	// for failures that happen before the executor connects.
	AppendOutput(key JobKey, text string) error
	// Output returns the recorded output lines for a job.
	Output(key JobKey) []string
}

// FileJobStore is a JSON-file-backed JobStore.  All mutations are
// persisted synchronously under a single mutex.
type FileJobStore struct {
	path string

	mu   sync.Mutex
	jobs map[JobKey]*Job
	logs map[JobKey][]string
}

var _ JobStore = (*FileJobStore)(nil)

type jobStoreState struct {
	Jobs []*Job              `json:"jobs"`
	Logs map[string][]string `json:"logs,omitempty"`
}

// NewFileJobStore creates a store persisting to path and loads any
// existing state.
func NewFileJobStore(path string) (*FileJobStore, error) {
	s := &FileJobStore{
		path: path,
		jobs: make(map[JobKey]*Job),
		logs: make(map[JobKey][]string),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileJobStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading job state: %w", err)
	}

	var state jobStoreState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parsing job state: %w", err)
	}
	for _, job := range state.Jobs {
		s.jobs[job.Key] = job
	}
	for key, lines := range state.Logs {
		var k JobKey
		if _, err := fmt.Sscanf(key, "%d-%d-%d", &k.ProjectID, &k.BuildID, &k.JobID); err == nil {
			s.logs[k] = lines
		}
	}
	return nil
}

func (s *FileJobStore) persistLocked() error {
	state := jobStoreState{Logs: make(map[string][]string, len(s.logs))}
	for _, job := range s.jobs {
		state.Jobs = append(state.Jobs, job)
	}
	sort.Slice(state.Jobs, func(i, j int) bool {
		return lessKey(state.Jobs[i].Key, state.Jobs[j].Key)
	})
	for k, lines := range s.logs {
		state.Logs[k.String()] = lines
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}

func lessKey(a, b JobKey) bool {
	if a.ProjectID != b.ProjectID {
		return a.ProjectID < b.ProjectID
	}
	if a.BuildID != b.BuildID {
		return a.BuildID < b.BuildID
	}
	return a.JobID < b.JobID
}

func (s *FileJobStore) Get(key JobKey) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[key]
	if !ok {
		return nil, false
	}
	copied := *job
	return &copied, true
}

func (s *FileJobStore) List() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		copied := *job
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool { return lessKey(result[i].Key, result[j].Key) })
	return result
}

func (s *FileJobStore) Pending() []*Job {
	var pending []*Job
	for _, job := range s.List() {
		if job.State == JobStarting {
			pending = append(pending, job)
		}
	}
	return pending
}

func (s *FileJobStore) Add(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Key]; exists {
		return fmt.Errorf("job %s already exists", job.Key)
	}
	copied := *job
	s.jobs[job.Key] = &copied
	return s.persistLocked()
}

func (s *FileJobStore) Save(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *job
	s.jobs[job.Key] = &copied
	return s.persistLocked()
}

func (s *FileJobStore) AppendOutput(key JobKey, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[key] = append(s.logs[key], text)
	return s.persistLocked()
}

// Output returns the recorded output lines for a job.
func (s *FileJobStore) Output(key JobKey) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := s.logs[key]
	result := make([]string, len(lines))
	copy(result, lines)
	return result
}
