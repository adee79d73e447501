package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Store persists the fleet's server records.  Load is the explicit
// refresh point: implementations must not lazily re-read state behind
// the caller's back.
type Store interface {
	// Load reads persisted state.  Must be called once before use.
	Load(ctx context.Context) error
	// List returns all servers ordered by ID.  Callers receive copies.
	List() []*Server
	Get(id int64) (*Server, bool)
	// Add assigns the server a new ID and persists it.
	Add(server *Server) error
	Save(server *Server) error
}

// FileStore is a JSON-file-backed Store.
type FileStore struct {
	path string

	mu      sync.Mutex
	servers map[int64]*Server
	nextID  int64
}

var _ Store = (*FileStore)(nil)

type fileStoreState struct {
	Servers []*Server `json:"servers"`
	NextID  int64     `json:"nextID"`
}

// NewFileStore creates a store persisting to path.  Call Load before
// use.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:    path,
		servers: make(map[int64]*Server),
		nextID:  1,
	}
}

func (s *FileStore) Load(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading fleet state: %w", err)
	}

	var state fileStoreState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parsing fleet state: %w", err)
	}

	s.servers = make(map[int64]*Server, len(state.Servers))
	for _, server := range state.Servers {
		s.servers[server.ID] = server
	}
	s.nextID = state.NextID
	if s.nextID < 1 {
		s.nextID = 1
	}
	return nil
}

func (s *FileStore) persistLocked() error {
	state := fileStoreState{NextID: s.nextID}
	for _, server := range s.servers {
		state.Servers = append(state.Servers, server)
	}
	sort.Slice(state.Servers, func(i, j int) bool { return state.Servers[i].ID < state.Servers[j].ID })

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}

func (s *FileStore) List() []*Server {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*Server, 0, len(s.servers))
	for _, server := range s.servers {
		copied := *server
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (s *FileStore) Get(id int64) (*Server, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	server, ok := s.servers[id]
	if !ok {
		return nil, false
	}
	copied := *server
	return &copied, true
}

func (s *FileStore) Add(server *Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	server.ID = s.nextID
	s.nextID++

	copied := *server
	s.servers[server.ID] = &copied
	return s.persistLocked()
}

func (s *FileStore) Save(server *Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.servers[server.ID]; !ok {
		return fmt.Errorf("server %d not found", server.ID)
	}
	copied := *server
	s.servers[server.ID] = &copied
	return s.persistLocked()
}
